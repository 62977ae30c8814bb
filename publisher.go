package crunch

import (
	"context"

	"go.uber.org/zap"
)

// Publisher records events in the outbox. It never talks to the Transport:
// delivery is the OutboxHandler's job.
type Publisher struct {
	persistence Persistence
	logger      *zap.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger. Default is a no-op logger.
func WithPublisherLogger(logger *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a Publisher storing events in persistence.
func NewPublisher(persistence Persistence, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		persistence: persistence,
		logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Publish serializes event and inserts it in the outbox as Pending.
//
// A nil error means the event is durably accepted (as durable as the
// Persistence is), not that it was delivered. Failures are returned as a
// *PublishError wrapping either a *SerializationError or the Persistence error.
// Publish does not retry.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	info := event.EventInfo()

	content, err := event.Serialize()
	if err != nil {
		return &PublishError{
			Kind: PublishKindSerialize,
			Err:  &SerializationError{Info: info, Err: err},
		}
	}

	if err := p.persistence.Insert(ctx, info, content); err != nil {
		p.logger.Error("failed to insert event", zap.Stringer("event_info", info), zap.Error(err))
		return &PublishError{Kind: PublishKindDB, Err: err}
	}

	return nil
}
