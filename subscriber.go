package crunch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Subscriber opens typed subscriptions on a Transport.
type Subscriber struct {
	transport Transport
	logger    *zap.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger. Default is a no-op logger.
func WithSubscriberLogger(logger *zap.Logger) SubscriberOption {
	return func(s *Subscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSubscriber creates a Subscriber reading from transport.
func NewSubscriber(transport Transport, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		transport: transport,
		logger:    zap.NewNop(),
		subs:      make(map[*Subscription]struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handler is called for every decoded event of a subscription. A returned
// error is logged and does not end the subscription.
type Handler[T any] func(ctx context.Context, event T) error

// Subscribe starts delivering events of type T to fn.
//
// The topic comes from the EventInfo of the zero T. Only events published
// after Subscribe returns are delivered. Payloads that fail to deserialize are
// logged and skipped. The subscription runs until ctx is done or Stop is called.
//
// Errors are returned as *SubscriptionError wrapping either a *TransportError
// or ErrNoChannel.
func Subscribe[T Event, PT interface {
	*T
	Deserializer
}](ctx context.Context, s *Subscriber, fn Handler[T]) (*Subscription, error) {
	info := infoOf[T]()

	stream, err := s.transport.Subscriber(ctx, info)
	if err != nil {
		var terr *TransportError
		if !errors.As(err, &terr) {
			err = &TransportError{Topic: info.Topic(), Err: err}
		}
		return nil, &SubscriptionError{Info: info, Err: err}
	}
	if stream == nil {
		return nil, &SubscriptionError{Info: info, Err: ErrNoChannel}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		info:   info,
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.track(sub)

	logger := s.logger.With(zap.String("topic", info.Topic()))

	go func() {
		defer close(sub.done)
		defer s.untrack(sub)
		defer func() { _ = stream.Close() }()

		for {
			raw, err := stream.Next(subCtx)
			if err != nil {
				if subCtx.Err() == nil && !errors.Is(err, ErrStreamClosed) {
					logger.Error("subscription stream failed", zap.Error(err))
					sub.setErr(&SubscriptionError{Info: info, Err: err})
				}
				return
			}

			event := new(T)
			if err := PT(event).Deserialize(raw); err != nil {
				sub.skipped.Add(1)
				logger.Warn("deserialization failed",
					zap.Error(&DeserializationError{Info: info, Err: err}))
				continue
			}

			if err := fn(subCtx, *event); err != nil {
				sub.failed.Add(1)
				logger.Error("subscription callback failed", zap.Error(err))
				continue
			}
			sub.delivered.Add(1)
		}
	}()

	return sub, nil
}

// Close stops every subscription opened through s.
func (s *Subscriber) Close(ctx context.Context) error {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Subscriber) track(sub *Subscription) {
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) untrack(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Subscription is a running delivery loop for one event type.
type Subscription struct {
	info   EventInfo
	stream Stream
	cancel context.CancelFunc
	done   chan struct{}

	delivered atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64

	errMu sync.Mutex
	err   error
}

// Info returns the EventInfo the subscription is bound to.
func (s *Subscription) Info() EventInfo { return s.info }

// Done is closed once the delivery loop has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Delivered returns the number of events handled without error.
func (s *Subscription) Delivered() int64 { return s.delivered.Load() }

// Failed returns the number of events whose callback returned an error.
func (s *Subscription) Failed() int64 { return s.failed.Load() }

// Skipped returns the number of payloads that could not be deserialized.
func (s *Subscription) Skipped() int64 { return s.skipped.Load() }

// Err returns the error that ended the subscription, if the stream failed.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Subscription) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// Stop ends the subscription and waits for the callback in progress, bounded
// by ctx. It is safe to call more than once.
func (s *Subscription) Stop(ctx context.Context) error {
	s.cancel()
	_ = s.stream.Close()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
