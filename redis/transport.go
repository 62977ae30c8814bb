package redis

import (
	"context"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/oagudo/crunch"
)

// Transport fans events out over Redis PUBLISH/SUBSCRIBE, one channel per
// topic. Messages published while nobody listens are dropped by Redis.
type Transport struct {
	client    goredis.UniversalClient
	namespace string
	logger    *zap.Logger
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithTransportLogger sets the logger. Default is a no-op logger.
func WithTransportLogger(logger *zap.Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithNamespace sets the topic namespace. Default is crunch.Namespace.
func WithNamespace(namespace string) TransportOption {
	return func(t *Transport) {
		if namespace != "" {
			t.namespace = namespace
		}
	}
}

// NewTransport creates a Transport on client. The client is not closed by the
// Transport.
func NewTransport(client goredis.UniversalClient, opts ...TransportOption) *Transport {
	t := &Transport{
		client:    client,
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

	n, err := t.client.Publish(ctx, topic, content).Result()
	if err != nil {
		return &crunch.TransportError{Topic: topic, Err: err}
	}

	t.logger.Debug("published event",
		zap.String("topic", topic),
		zap.Int64("subscribers", n))

	return nil
}

// Subscriber subscribes to the channel of info and waits for the server
// confirmation, so events published after it returns are delivered.
func (t *Transport) Subscriber(ctx context.Context, info crunch.EventInfo) (crunch.Stream, error) {
	topic := info.TopicWithNamespace(t.namespace)

	ps := t.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, &crunch.TransportError{Topic: topic, Err: err}
	}

	return &Stream{ps: ps, ch: ps.Channel()}, nil
}

// Stream is a subscription to one Redis channel.
type Stream struct {
	ps *goredis.PubSub
	ch <-chan *goredis.Message

	closeOnce sync.Once
	closeErr  error
}

func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, crunch.ErrStreamClosed
		}
		return []byte(msg.Payload), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.ps.Close()
	})
	return s.closeErr
}
