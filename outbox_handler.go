package crunch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// OutboxHandler relays Pending events from a Persistence to a Transport.
//
// It pops one id at a time from the outbox queue, publishes the event and
// marks it Published. Delivery is at-least-once: an event may be published
// again if the process stops between Transport.Publish and UpdatePublished.
type OutboxHandler struct {
	persistence Persistence
	transport   Transport
	logger      *zap.Logger

	interval        time.Duration
	readTimeout     time.Duration
	publishTimeout  time.Duration
	updateTimeout   time.Duration
	maxAttempts     int32
	delayFunc       DelayFunc
	reclaimInterval time.Duration
	reclaimAfter    time.Duration
	meterProvider   metric.MeterProvider
	metrics         handlerMetrics

	// consecutive failures, owned by the relay goroutine
	failures     map[string]int32
	readFailures int

	started     int32
	closed      int32
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	errCh       chan error
	discardedCh chan DiscardedEvent
}

// DiscardedEvent describes an event the handler stopped retrying because it
// reached the maximum number of attempts. The event stays Pending in the
// Persistence. Info is empty when the event itself could not be fetched.
type DiscardedEvent struct {
	ID       string
	Info     EventInfo
	Attempts int32
}

// HandlerOption is a function that configures an OutboxHandler instance.
type HandlerOption func(*OutboxHandler)

// WithInterval sets how long the handler sleeps when the outbox queue is empty.
// Default is 50 milliseconds.
func WithInterval(interval time.Duration) HandlerOption {
	return func(h *OutboxHandler) {
		if interval > 0 {
			h.interval = interval
		}
	}
}

// WithReadTimeout sets the timeout for Persistence.Next and Persistence.Get.
// Default is 5 seconds.
func WithReadTimeout(timeout time.Duration) HandlerOption {
	return func(h *OutboxHandler) {
		h.readTimeout = timeout
	}
}

// WithPublishTimeout sets the timeout for Transport.Publish.
// Default is 5 seconds.
func WithPublishTimeout(timeout time.Duration) HandlerOption {
	return func(h *OutboxHandler) {
		h.publishTimeout = timeout
	}
}

// WithUpdateTimeout sets the timeout for Persistence.UpdatePublished.
// Default is 5 seconds.
func WithUpdateTimeout(timeout time.Duration) HandlerOption {
	return func(h *OutboxHandler) {
		h.updateTimeout = timeout
	}
}

// WithErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithErrorChannelSize(size int) HandlerOption {
	return func(h *OutboxHandler) {
		if size > 0 {
			h.errCh = make(chan error, size)
		}
	}
}

// WithMaxAttempts sets the maximum number of consecutive failed attempts to
// fetch or publish an event. Once reached the event is no longer requeued and is sent
// to DiscardedMessages. It stays Pending, so a reclaim sweep picks it up again.
// Default is math.MaxInt32. Must be positive.
func WithMaxAttempts(maxAttempts int32) HandlerOption {
	return func(h *OutboxHandler) {
		if maxAttempts > 0 {
			h.maxAttempts = maxAttempts
		}
	}
}

// WithDiscardedMessagesChannelSize sets the size of the discarded events channel.
// Default is 128. Size must be positive.
func WithDiscardedMessagesChannelSize(size int) HandlerOption {
	return func(h *OutboxHandler) {
		if size > 0 {
			h.discardedCh = make(chan DiscardedEvent, size)
		}
	}
}

// WithExponentialDelay sets the delay after a failure to be exponential.
// See Exponential.
func WithExponentialDelay(initialDelay time.Duration, maxDelay time.Duration) HandlerOption {
	return WithDelay(Exponential(initialDelay, maxDelay))
}

// WithFixedDelay sets the delay after a failure to be fixed.
func WithFixedDelay(delay time.Duration) HandlerOption {
	return WithDelay(Fixed(delay))
}

// WithDelay sets the delay function applied after a failed read or publish.
// Default is Fixed(50ms).
func WithDelay(delayFunc DelayFunc) HandlerOption {
	return func(h *OutboxHandler) {
		if delayFunc != nil {
			h.delayFunc = delayFunc
		}
	}
}

// WithReclaimInterval sets how often the handler asks a Reclaimer persistence
// to re-enqueue events stranded in flight. Zero disables the sweep.
// Default is 30 seconds.
func WithReclaimInterval(interval time.Duration) HandlerOption {
	return func(h *OutboxHandler) {
		h.reclaimInterval = interval
	}
}

// WithReclaimAfter sets how long an event may stay in flight before the sweep
// re-enqueues it. Default is 1 minute.
func WithReclaimAfter(age time.Duration) HandlerOption {
	return func(h *OutboxHandler) {
		if age > 0 {
			h.reclaimAfter = age
		}
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) HandlerOption {
	return func(h *OutboxHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider.
// Default is the global provider.
func WithMeterProvider(provider metric.MeterProvider) HandlerOption {
	return func(h *OutboxHandler) {
		h.meterProvider = provider
	}
}

// NewOutboxHandler creates a handler relaying events from persistence to transport.
func NewOutboxHandler(persistence Persistence, transport Transport, opts ...HandlerOption) *OutboxHandler {
	ctx, cancel := context.WithCancel(context.Background())

	h := &OutboxHandler{
		persistence:     persistence,
		transport:       transport,
		logger:          zap.NewNop(),
		ctx:             ctx,
		cancel:          cancel,
		interval:        50 * time.Millisecond,
		readTimeout:     5 * time.Second,
		publishTimeout:  5 * time.Second,
		updateTimeout:   5 * time.Second,
		maxAttempts:     math.MaxInt32,
		delayFunc:       Fixed(50 * time.Millisecond),
		reclaimInterval: 30 * time.Second,
		reclaimAfter:    time.Minute,
		failures:        make(map[string]int32),
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.errCh == nil {
		h.errCh = make(chan error, 128)
	}

	if h.discardedCh == nil {
		h.discardedCh = make(chan DiscardedEvent, 128)
	}

	metrics, err := newHandlerMetrics(h.meterProvider)
	if err != nil {
		h.logger.Warn("relay metrics disabled", zap.Error(err))
	}
	h.metrics = metrics

	return h
}

// Start begins relaying in a background goroutine.
// If Start is called multiple times, only the first call has an effect.
func (h *OutboxHandler) Start() {
	if !atomic.CompareAndSwapInt32(&h.started, 0, 1) {
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(h.errCh)
		defer close(h.discardedCh)

		var reclaimC <-chan time.Time
		if _, ok := h.persistence.(Reclaimer); ok && h.reclaimInterval > 0 {
			ticker := time.NewTicker(h.reclaimInterval)
			defer ticker.Stop()
			reclaimC = ticker.C
		}

		for {
			wait := h.handleNext()

			if wait <= 0 {
				select {
				case <-h.ctx.Done():
					return
				case <-reclaimC:
					h.reclaim()
				default:
				}
				continue
			}

			timer := time.NewTimer(wait)
			select {
			case <-h.ctx.Done():
				timer.Stop()
				return
			case <-reclaimC:
				timer.Stop()
				h.reclaim()
			case <-timer.C:
			}
		}
	}()
}

// Stop gracefully shuts down the handler. It prevents new events from being
// popped and waits for the one in progress. The provided context controls how
// long to wait before giving up, in which case its error is returned.
// Calling Stop multiple times is safe and only the first call has an effect.
func (h *OutboxHandler) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&h.closed, 0, 1) {
		return nil
	}

	h.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadError indicates Persistence.Next failed.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string { return fmt.Sprintf("reading outbox: %v", e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// FetchError indicates Persistence.Get failed for a popped id.
type FetchError struct {
	ID  string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetching event %s: %v", e.ID, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// DeliveryError indicates Transport.Publish failed for an event.
type DeliveryError struct {
	ID      string
	Info    EventInfo
	Attempt int32
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivering event %s to %s (attempt %d): %v", e.ID, e.Info.Topic(), e.Attempt, e.Err)
}
func (e *DeliveryError) Unwrap() error { return e.Err }

// UpdateError indicates an event was delivered but could not be marked Published.
type UpdateError struct {
	ID  string
	Err error
}

func (e *UpdateError) Error() string { return fmt.Sprintf("updating event %s: %v", e.ID, e.Err) }
func (e *UpdateError) Unwrap() error { return e.Err }

// RequeueError indicates a failed event could not be put back in the queue.
type RequeueError struct {
	ID  string
	Err error
}

func (e *RequeueError) Error() string { return fmt.Sprintf("requeueing event %s: %v", e.ID, e.Err) }
func (e *RequeueError) Unwrap() error { return e.Err }

// ReclaimError indicates the reclaim sweep failed.
type ReclaimError struct {
	Err error
}

func (e *ReclaimError) Error() string { return fmt.Sprintf("reclaiming stale events: %v", e.Err) }
func (e *ReclaimError) Unwrap() error { return e.Err }

// Errors returns a channel that receives errors from the handler.
// The channel is buffered to prevent blocking the handler. If the buffer becomes
// full, subsequent errors are dropped. The channel is closed when the handler
// is stopped.
//
// The returned error is one of *ReadError, *FetchError, *DeliveryError,
// *UpdateError, *RequeueError or *ReclaimError:
//
//	for err := range h.Errors() {
//		switch e := err.(type) {
//		case *crunch.DeliveryError:
//			log.Printf("Failed to deliver event | ID: %s | Topic: %s | Error: %v",
//				e.ID, e.Info.Topic(), e.Err)
//		case *crunch.UpdateError:
//			log.Printf("Delivered event not marked published | ID: %s | Error: %v", e.ID, e.Err)
//		default:
//			log.Printf("Relay error | Error: %v", e)
//		}
//	}
func (h *OutboxHandler) Errors() <-chan error {
	return h.errCh
}

// DiscardedMessages returns a channel that receives events that reached the
// maximum number of attempts. The channel is closed when the handler is stopped.
func (h *OutboxHandler) DiscardedMessages() <-chan DiscardedEvent {
	return h.discardedCh
}

func (h *OutboxHandler) sendError(err error) {
	select {
	case h.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}

func (h *OutboxHandler) sendDiscarded(ev DiscardedEvent) {
	select {
	case h.discardedCh <- ev:
	default:
	}
}

// handleNext relays at most one event and returns how long to wait before the
// next attempt. Zero means continue immediately.
func (h *OutboxHandler) handleNext() time.Duration {
	id, tx, ok, err := h.next()
	if err != nil {
		h.logger.Error("failed to read outbox", zap.Error(err))
		h.sendError(&ReadError{Err: err})
		h.readFailures++
		return h.delayFunc(h.readFailures - 1)
	}
	h.readFailures = 0

	if !ok {
		return h.interval
	}
	if tx == nil {
		tx = NopTx{}
	}

	info, content, ok, err := h.get(id)
	if err != nil {
		attempt := h.failures[id] + 1
		h.failures[id] = attempt

		h.logger.Error("failed to fetch event",
			zap.String("event_id", id),
			zap.Int32("attempt", attempt),
			zap.Error(err))
		h.sendError(&FetchError{ID: id, Err: err})
		h.rollback(tx, id)
		h.retryOrDiscard(id, EventInfo{}, attempt)

		return h.delayFunc(int(attempt - 1))
	}
	if !ok {
		h.logger.Info("did not find any pending event", zap.String("event_id", id))
		h.commit(tx, id)
		delete(h.failures, id)
		return 0
	}

	topic := info.Topic()
	if err := h.publish(info, content); err != nil {
		attempt := h.failures[id] + 1
		h.failures[id] = attempt

		h.logger.Error("failed to publish event",
			zap.String("event_id", id),
			zap.String("topic", topic),
			zap.Int32("attempt", attempt),
			zap.Error(err))
		h.sendError(&DeliveryError{ID: id, Info: info, Attempt: attempt, Err: err})
		h.metrics.failed.Add(h.ctx, 1, topicAttr(topic))
		h.rollback(tx, id)
		h.retryOrDiscard(id, info, attempt)

		return h.delayFunc(int(attempt - 1))
	}

	delete(h.failures, id)
	h.metrics.published.Add(h.ctx, 1, topicAttr(topic))

	if err := h.updatePublished(id); err != nil {
		h.logger.Error("failed to mark event published", zap.String("event_id", id), zap.Error(err))
		h.sendError(&UpdateError{ID: id, Err: err})
		h.metrics.updateFailed.Add(h.ctx, 1, topicAttr(topic))
		h.rollback(tx, id)
		return 0
	}

	h.commit(tx, id)
	h.logger.Debug("published event", zap.String("event_id", id), zap.String("topic", topic))

	return 0
}

func (h *OutboxHandler) next() (string, Tx, bool, error) {
	ctx, cancel := context.WithTimeout(h.ctx, h.readTimeout)
	defer cancel()

	return h.persistence.Next(ctx)
}

func (h *OutboxHandler) get(id string) (EventInfo, []byte, bool, error) {
	ctx, cancel := context.WithTimeout(h.ctx, h.readTimeout)
	defer cancel()

	return h.persistence.Get(ctx, id)
}

func (h *OutboxHandler) publish(info EventInfo, content []byte) error {
	ctx, cancel := context.WithTimeout(h.ctx, h.publishTimeout)
	defer cancel()

	return h.transport.Publish(ctx, info, content)
}

func (h *OutboxHandler) updatePublished(id string) error {
	// Do not use h.ctx, the event is already delivered and the update should
	// complete even while stopping.
	ctx, cancel := context.WithTimeout(context.Background(), h.updateTimeout)
	defer cancel()

	return h.persistence.UpdatePublished(ctx, id)
}

// retryOrDiscard puts a failed id back in the queue, or hands it to
// DiscardedMessages once it reached maxAttempts. The failure count is kept
// only while the id is queued again.
func (h *OutboxHandler) retryOrDiscard(id string, info EventInfo, attempt int32) {
	if attempt >= h.maxAttempts {
		delete(h.failures, id)
		h.logger.Warn("discarding event after max attempts",
			zap.String("event_id", id),
			zap.Int32("attempts", attempt))
		h.sendDiscarded(DiscardedEvent{ID: id, Info: info, Attempts: attempt})
		return
	}

	if !h.requeue(id, info) {
		delete(h.failures, id)
	}
}

func (h *OutboxHandler) requeue(id string, info EventInfo) bool {
	rq, ok := h.persistence.(Requeuer)
	if !ok {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.updateTimeout)
	defer cancel()

	if err := rq.Requeue(ctx, id); err != nil {
		h.logger.Error("failed to requeue event", zap.String("event_id", id), zap.Error(err))
		h.sendError(&RequeueError{ID: id, Err: err})
		return false
	}
	h.metrics.requeued.Add(h.ctx, 1, topicAttr(info.Topic()))
	return true
}

func (h *OutboxHandler) reclaim() {
	rc, ok := h.persistence.(Reclaimer)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.updateTimeout)
	defer cancel()

	n, err := rc.ReclaimStale(ctx, h.reclaimAfter)
	if err != nil {
		h.logger.Error("failed to reclaim stale events", zap.Error(err))
		h.sendError(&ReclaimError{Err: err})
		return
	}
	if n > 0 {
		h.logger.Info("reclaimed stale events", zap.Int("count", n))
	}
}

func (h *OutboxHandler) commit(tx Tx, id string) {
	if err := tx.Commit(); err != nil {
		h.logger.Warn("failed to commit claim", zap.String("event_id", id), zap.Error(err))
	}
}

func (h *OutboxHandler) rollback(tx Tx, id string) {
	if err := tx.Rollback(); err != nil {
		h.logger.Warn("failed to roll back claim", zap.String("event_id", id), zap.Error(err))
	}
}

var noopMeter = noop.NewMeterProvider().Meter("github.com/oagudo/crunch")

type handlerMetrics struct {
	published    metric.Int64Counter
	failed       metric.Int64Counter
	requeued     metric.Int64Counter
	updateFailed metric.Int64Counter
}

func newHandlerMetrics(provider metric.MeterProvider) (handlerMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("github.com/oagudo/crunch")

	m, err := counters(meter)
	if err != nil {
		// instruments must stay non-nil
		m, _ = counters(noopMeter)
	}
	return m, err
}

func counters(meter metric.Meter) (handlerMetrics, error) {
	var (
		m   handlerMetrics
		err error
	)

	m.published, err = meter.Int64Counter("crunch.relay.published",
		metric.WithDescription("Number of outbox events delivered to the transport"),
		metric.WithUnit("{event}"))
	if err != nil {
		return handlerMetrics{}, fmt.Errorf("create crunch.relay.published counter: %w", err)
	}

	m.failed, err = meter.Int64Counter("crunch.relay.failed",
		metric.WithDescription("Number of failed deliveries to the transport"),
		metric.WithUnit("{event}"))
	if err != nil {
		return handlerMetrics{}, fmt.Errorf("create crunch.relay.failed counter: %w", err)
	}

	m.requeued, err = meter.Int64Counter("crunch.relay.requeued",
		metric.WithDescription("Number of outbox events put back in the queue after a failure"),
		metric.WithUnit("{event}"))
	if err != nil {
		return handlerMetrics{}, fmt.Errorf("create crunch.relay.requeued counter: %w", err)
	}

	m.updateFailed, err = meter.Int64Counter("crunch.relay.update_failed",
		metric.WithDescription("Number of delivered events not marked published"),
		metric.WithUnit("{event}"))
	if err != nil {
		return handlerMetrics{}, fmt.Errorf("create crunch.relay.update_failed counter: %w", err)
	}

	return m, nil
}

func topicAttr(topic string) metric.AddOption {
	return metric.WithAttributes(attribute.String("topic", topic))
}
