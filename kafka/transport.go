// Package kafka provides a crunch.Transport over Apache Kafka.
//
// Events are written to the Kafka topic named after the event topic by one
// shared writer. Each subscriber reads with its own consumer-group-less
// reader positioned at the end of the log, so it sees only events written
// after it subscribed and never competes with other subscribers.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/oagudo/crunch"
)

// messageWriter is the subset of *kafka.Writer used by Transport.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the subset of *kafka.Reader used by Stream.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Transport publishes and subscribes on a Kafka cluster.
type Transport struct {
	brokers   []string
	writer    messageWriter
	newReader func(topic string) (messageReader, error)
	maxWait   time.Duration
	namespace string
	logger    *zap.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithMaxWait sets how long a subscriber's fetch waits for new data.
// Default is 250ms.
func WithMaxWait(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.maxWait = d
		}
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

// NewTransport creates a Transport for brokers. Call Close to flush and
// release the writer.
func NewTransport(brokers []string, opts ...Option) *Transport {
	t := &Transport{
		brokers:   brokers,
		maxWait:   250 * time.Millisecond,
		namespace: crunch.Namespace,
		logger:    zap.NewNop(),
	}

	for _, opt := range opts {
		opt(t)
	}

	t.writer = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	t.newReader = t.defaultReader

	return t
}

// defaultReader builds a group-less reader positioned at the end of the log.
// ReaderConfig.StartOffset is ignored without a GroupID, so the offset is set
// explicitly; it resolves to the partition end on the first fetch.
func (t *Transport) defaultReader(topic string) (messageReader, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: t.brokers,
		Topic:   topic,
		MaxWait: t.maxWait,
	})
	if err := r.SetOffset(kafka.LastOffset); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("seeking to end of %s: %w", topic, err)
	}
	return r, nil
}

func (t *Transport) Publish(ctx context.Context, info crunch.EventInfo, content []byte) error {
	topic := info.TopicWithNamespace(t.namespace)

	err := t.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(info.String()),
		Value: content,
	})
	if err != nil {
		return &crunch.TransportError{Topic: topic, Err: err}
	}

	t.logger.Debug("published event", zap.String("topic", topic))

	return nil
}

func (t *Transport) Subscriber(_ context.Context, info crunch.EventInfo) (crunch.Stream, error) {
	topic := info.TopicWithNamespace(t.namespace)

	r, err := t.newReader(topic)
	if err != nil {
		return nil, &crunch.TransportError{Topic: topic, Err: err}
	}
	if r == nil {
		return nil, nil
	}

	return &Stream{reader: r, topic: topic}, nil
}

// Close flushes pending writes and closes the shared writer.
func (t *Transport) Close() error {
	return t.writer.Close()
}

// Stream reads one Kafka topic.
type Stream struct {
	reader messageReader
	topic  string

	mu     sync.Mutex
	closed bool
}

func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.reader.ReadMessage(ctx)
	if err != nil {
		if s.isClosed() || errors.Is(err, io.EOF) {
			return nil, crunch.ErrStreamClosed
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &crunch.TransportError{Topic: s.topic, Err: err}
	}
	return msg.Value, nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.reader.Close()
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
