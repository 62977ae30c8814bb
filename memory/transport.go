package memory

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/oagudo/crunch"
	"github.com/oagudo/crunch/internal/broadcast"
)

// DefaultCapacity is the number of messages a topic retains for slow subscribers.
const DefaultCapacity = 100

// Transport fans messages out to in-process subscribers.
//
// Each topic has a bounded ring. A subscriber that falls more than the ring
// capacity behind loses the oldest messages and keeps going; Stream.Lagged
// reports how many it missed.
type Transport struct {
	mu       sync.RWMutex
	topics   map[string]*broadcast.Ring
	capacity int
	logger   *zap.Logger
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithCapacity sets the per-topic ring capacity. Default is DefaultCapacity.
// Capacity must be positive.
func WithCapacity(capacity int) TransportOption {
	return func(t *Transport) {
		if capacity > 0 {
			t.capacity = capacity
		}
	}
}

// WithTransportLogger sets the logger. Default is a no-op logger.
func WithTransportLogger(logger *zap.Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTransport creates an in-memory Transport.
func NewTransport(opts ...TransportOption) *Transport {
	t := &Transport{
		topics:   make(map[string]*broadcast.Ring),
		capacity: DefaultCapacity,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *Transport) Publish(_ context.Context, info crunch.EventInfo, content []byte) error {
	topic := info.Topic()
	n := t.ring(topic).Send(content)

	t.logger.Debug("published event",
		zap.String("topic", topic),
		zap.Int("subscribers", n))

	return nil
}

func (t *Transport) Subscriber(_ context.Context, info crunch.EventInfo) (crunch.Stream, error) {
	return &Stream{rc: t.ring(info.Topic()).Subscribe()}, nil
}

// Subscribers returns the number of open streams on the topic of info.
func (t *Transport) Subscribers(info crunch.EventInfo) int {
	t.mu.RLock()
	r, ok := t.topics[info.Topic()]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	return r.Receivers()
}

// ring returns the ring of topic, creating it on first use.
func (t *Transport) ring(topic string) *broadcast.Ring {
	t.mu.RLock()
	r, ok := t.topics[topic]
	t.mu.RUnlock()
	if ok {
		return r
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok = t.topics[topic]; ok {
		return r
	}
	r = broadcast.New(t.capacity)
	t.topics[topic] = r
	return r
}

// Stream is a subscription to one topic of a Transport.
type Stream struct {
	rc *broadcast.Receiver
}

func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	b, err := s.rc.Recv(ctx)
	if errors.Is(err, broadcast.ErrClosed) {
		return nil, crunch.ErrStreamClosed
	}
	return b, err
}

func (s *Stream) Close() error {
	s.rc.Close()
	return nil
}

// Lagged returns how many messages the stream skipped because it fell behind.
func (s *Stream) Lagged() uint64 {
	return s.rc.Lagged()
}
