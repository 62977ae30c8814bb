package crunch

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Builder assembles a Crunch from a Persistence and a Transport.
type Builder struct {
	persistence Persistence
	transport   Transport
	logger      *zap.Logger
	handlerOpts []HandlerOption
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithPersistence sets the outbox store. Required.
func (b *Builder) WithPersistence(p Persistence) *Builder {
	b.persistence = p
	return b
}

// WithTransport sets the message transport. Required.
func (b *Builder) WithTransport(t Transport) *Builder {
	b.transport = t
	return b
}

// WithLogger sets the logger shared by every component.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithHandlerOptions appends options for the OutboxHandler.
func (b *Builder) WithHandlerOptions(opts ...HandlerOption) *Builder {
	b.handlerOpts = append(b.handlerOpts, opts...)
	return b
}

// Build returns a *BuilderError naming the first missing dependency.
func (b *Builder) Build() (*Crunch, error) {
	if b.persistence == nil {
		return nil, &BuilderError{Dependency: "persistence"}
	}
	if b.transport == nil {
		return nil, &BuilderError{Dependency: "transport"}
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handlerOpts := append([]HandlerOption{WithLogger(logger.Named("outbox"))}, b.handlerOpts...)

	return &Crunch{
		publisher:  NewPublisher(b.persistence, WithPublisherLogger(logger.Named("publisher"))),
		subscriber: NewSubscriber(b.transport, WithSubscriberLogger(logger.Named("subscriber"))),
		handler:    NewOutboxHandler(b.persistence, b.transport, handlerOpts...),
	}, nil
}

// Crunch bundles a Publisher, a Subscriber and the OutboxHandler relaying
// between them.
type Crunch struct {
	publisher  *Publisher
	subscriber *Subscriber
	handler    *OutboxHandler
}

// Publish records event in the outbox. See Publisher.Publish.
func (c *Crunch) Publish(ctx context.Context, event Event) error {
	return c.publisher.Publish(ctx, event)
}

// SubscribeTo subscribes fn to events of type T. See Subscribe.
func SubscribeTo[T Event, PT interface {
	*T
	Deserializer
}](ctx context.Context, c *Crunch, fn Handler[T]) (*Subscription, error) {
	return Subscribe[T, PT](ctx, c.subscriber, fn)
}

// Start starts the OutboxHandler.
func (c *Crunch) Start() {
	c.handler.Start()
}

// Stop stops the OutboxHandler and every subscription, bounded by ctx.
func (c *Crunch) Stop(ctx context.Context) error {
	return errors.Join(c.handler.Stop(ctx), c.subscriber.Close(ctx))
}

// Publisher returns the underlying Publisher.
func (c *Crunch) Publisher() *Publisher { return c.publisher }

// Subscriber returns the underlying Subscriber.
func (c *Crunch) Subscriber() *Subscriber { return c.subscriber }

// Handler returns the underlying OutboxHandler, e.g. to drain Errors.
func (c *Crunch) Handler() *OutboxHandler { return c.handler }
