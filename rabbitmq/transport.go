// Package rabbitmq provides a crunch.Transport over RabbitMQ.
//
// Events are published to a durable topic exchange with the event topic as
// routing key. Each subscriber declares its own exclusive, auto-deleted queue
// bound to that key, so every subscriber gets a copy and the queue goes away
// with the subscriber. A publishing channel closed by the broker is reopened
// on the next Publish.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/oagudo/crunch"
)

// DefaultExchange is the exchange used when WithExchange is not given.
const DefaultExchange = "crunch"

// Channel is the subset of *amqp.Channel used by Transport.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection opens channels. *amqp.Connection satisfies it through NewTransport.
type Connection interface {
	Channel() (Channel, error)
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Transport publishes and subscribes through a RabbitMQ topic exchange.
type Transport struct {
	conn       Connection
	exchange   string
	namespace  string
	persistent bool
	logger     *zap.Logger

	mu        sync.Mutex // amqp channels are not safe for concurrent publishing
	pub       Channel
	pubClosed chan *amqp.Error
	closed    bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithExchange sets the exchange name. Default is DefaultExchange.
func WithExchange(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.exchange = name
		}
	}
}

// WithPersistentDelivery marks published messages as persistent.
// Default is false.
func WithPersistentDelivery(persistent bool) Option {
	return func(t *Transport) {
		t.persistent = persistent
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithNamespace sets the topic namespace. Default is crunch.Namespace.
func WithNamespace(namespace string) Option {
	return func(t *Transport) {
		if namespace != "" {
			t.namespace = namespace
		}
	}
}

// NewTransport opens a publishing channel on conn and declares the exchange.
// The connection is owned by the caller; Close releases the channel only.
func NewTransport(conn *amqp.Connection, opts ...Option) (*Transport, error) {
	return NewTransportWithConnection(amqpConnection{conn: conn}, opts...)
}

// NewTransportWithConnection is NewTransport for a custom Connection.
func NewTransportWithConnection(conn Connection, opts ...Option) (*Transport, error) {
	t := &Transport{
		conn:      conn,
		exchange:  DefaultExchange,
		namespace: crunch.Namespace,
		logger:    zap.NewNop(),
	}

	for _, opt := range opts {
		opt(t)
	}

	if err := t.openPublisher(); err != nil {
		return nil, err
	}

	return t, nil
}

// openPublisher opens the publishing channel and declares the exchange on it.
// Callers other than the constructor hold t.mu.
func (t *Transport) openPublisher() error {
	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	if err := t.declareExchange(ch); err != nil {
		_ = ch.Close()
		return err
	}
	t.pub = ch
	t.pubClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// publisher returns the publishing channel, reopening it when the broker
// closed the previous one.
func (t *Transport) publisher() (Channel, error) {
	if t.closed {
		return nil, amqp.ErrClosed
	}
	if t.pub != nil {
		select {
		case amqpErr := <-t.pubClosed:
			t.logger.Warn("publishing channel closed, reopening",
				zap.String("exchange", t.exchange),
				zap.Error(amqpErr))
			t.pub = nil
		default:
			return t.pub, nil
		}
	}
	if err := t.openPublisher(); err != nil {
		return nil, err
	}
	return t.pub, nil
}

func (t *Transport) declareExchange(ch Channel) error {
	err := ch.ExchangeDeclare(
		t.exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declaring exchange %s: %w", t.exchange, err)
	}
	return nil
}

func (t *Transport) Publish(ctx context.Context, info crunch.EventInfo, content []byte) error {
	topic := info.TopicWithNamespace(t.namespace)

	msg := amqp.Publishing{
		ContentType: "application/octet-stream",
		Type:        info.String(),
		Body:        content,
	}
	if t.persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	t.mu.Lock()
	err := t.publish(ctx, topic, msg)
	t.mu.Unlock()
	if err != nil {
		return &crunch.TransportError{Topic: topic, Err: err}
	}

	t.logger.Debug("published event",
		zap.String("exchange", t.exchange),
		zap.String("topic", topic))

	return nil
}

func (t *Transport) publish(ctx context.Context, topic string, msg amqp.Publishing) error {
	ch, err := t.publisher()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(
		ctx,
		t.exchange,
		topic, // routing key
		false, // mandatory
		false, // immediate
		msg,
	)
	if errors.Is(err, amqp.ErrClosed) {
		t.pub = nil
	}
	return err
}

func (t *Transport) Subscriber(_ context.Context, info crunch.EventInfo) (crunch.Stream, error) {
	topic := info.TopicWithNamespace(t.namespace)

	ch, err := t.conn.Channel()
	if err != nil {
		return nil, &crunch.TransportError{Topic: topic, Err: err}
	}

	deliveries, err := t.bind(ch, topic)
	if err != nil {
		_ = ch.Close()
		return nil, &crunch.TransportError{Topic: topic, Err: err}
	}

	return &Stream{ch: ch, deliveries: deliveries}, nil
}

func (t *Transport) bind(ch Channel, topic string) (<-chan amqp.Delivery, error) {
	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("declaring queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, topic, t.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("binding queue %s: %w", q.Name, err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",    // consumer tag
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consuming queue %s: %w", q.Name, err)
	}
	return deliveries, nil
}

// Close closes the publishing channel. Publish fails afterwards.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.pub == nil {
		return nil
	}
	err := t.pub.Close()
	t.pub = nil
	return err
}

// Stream consumes the exclusive queue of one subscriber.
type Stream struct {
	ch         Channel
	deliveries <-chan amqp.Delivery

	closeOnce sync.Once
	closeErr  error
}

func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case d, ok := <-s.deliveries:
		if !ok {
			return nil, crunch.ErrStreamClosed
		}
		return d.Body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the subscriber channel, which deletes its queue.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.ch.Close()
	})
	return s.closeErr
}
