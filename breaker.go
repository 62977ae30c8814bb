package crunch

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerTransport guards the Publish path of a Transport with a circuit
// breaker. While the breaker is open Publish fails fast with
// gobreaker.ErrOpenState, which the OutboxHandler treats like any other
// delivery failure. Subscriber is passed through unchanged.
type BreakerTransport struct {
	next Transport
	cb   *gobreaker.CircuitBreaker
}

// DefaultBreakerSettings trips after 5 consecutive failures and probes again
// after 30 seconds.
func DefaultBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

// NewBreakerTransport wraps next with a breaker built from settings.
func NewBreakerTransport(next Transport, settings gobreaker.Settings) *BreakerTransport {
	return &BreakerTransport{
		next: next,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

func (t *BreakerTransport) Publish(ctx context.Context, info EventInfo, content []byte) error {
	_, err := t.cb.Execute(func() (interface{}, error) {
		return nil, t.next.Publish(ctx, info, content)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &TransportError{Topic: info.Topic(), Err: err}
	}
	return err
}

func (t *BreakerTransport) Subscriber(ctx context.Context, info EventInfo) (Stream, error) {
	return t.next.Subscriber(ctx, info)
}

// State returns the current breaker state.
func (t *BreakerTransport) State() gobreaker.State {
	return t.cb.State()
}
