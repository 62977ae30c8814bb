// Package nats provides a crunch.Transport over core NATS.
//
// The subject of an event is its topic. Every subscriber owns a synchronous
// subscription, so each one receives every message published after it
// subscribed. Core NATS keeps nothing for absent subscribers.
package nats

import (
	"context"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/oagudo/crunch"
)

// Transport publishes and subscribes on a NATS connection.
type Transport struct {
	conn      *nats.Conn
	flush     bool
	namespace string
	logger    *zap.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithFlush makes Publish wait until the server has processed the message.
// Default is false.
func WithFlush(flush bool) Option {
	return func(t *Transport) {
		t.flush = flush
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

// NewTransport creates a Transport on conn. The connection is owned by the
// caller.
func NewTransport(conn *nats.Conn, opts ...Option) *Transport {
	t := &Transport{
		conn:      conn,
		namespace: crunch.Namespace,
		logger:    zap.NewNop(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *Transport) Publish(ctx context.Context, info crunch.EventInfo, content []byte) error {
	topic := info.TopicWithNamespace(t.namespace)

	if err := t.conn.Publish(topic, content); err != nil {
		return &crunch.TransportError{Topic: topic, Err: err}
	}

	if t.flush {
		if err := t.flushWithContext(ctx); err != nil {
			return &crunch.TransportError{Topic: topic, Err: err}
		}
	}

	t.logger.Debug("published event", zap.String("topic", topic))

	return nil
}

func (t *Transport) Subscriber(ctx context.Context, info crunch.EventInfo) (crunch.Stream, error) {
	topic := info.TopicWithNamespace(t.namespace)

	sub, err := t.conn.SubscribeSync(topic)
	if err != nil {
		return nil, &crunch.TransportError{Topic: topic, Err: err}
	}

	// make sure the server registered the interest before returning
	if err := t.flushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, &crunch.TransportError{Topic: topic, Err: err}
	}

	return &Stream{sub: sub, topic: topic}, nil
}

func (t *Transport) flushWithContext(ctx context.Context) error {
	if _, ok := ctx.Deadline(); ok {
		return t.conn.FlushWithContext(ctx)
	}
	return t.conn.Flush()
}

// Stream is a synchronous subscription to one subject.
type Stream struct {
	sub   *nats.Subscription
	topic string

	mu     sync.Mutex
	closed bool
}

func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		if s.isClosed() || errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
			return nil, crunch.ErrStreamClosed
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &crunch.TransportError{Topic: s.topic, Err: err}
	}
	return msg.Data, nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.sub.Unsubscribe()
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
