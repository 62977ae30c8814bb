package crunch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
)

var invoiceCreated = EventInfo{Domain: "billing", EntityType: "invoice", EventName: "created"}

type storedEvent struct {
	info      EventInfo
	content   []byte
	published bool
}

// fakePersistence is a minimal Persistence + Requeuer + Reclaimer with
// injectable failures.
type fakePersistence struct {
	mu       sync.Mutex
	queue    []string
	events   map[string]*storedEvent
	inFlight map[string]bool
	seq      int

	nextErr    error
	getErr     error
	badIDs     map[string]bool
	updateErr  error
	requeueErr error
	missing    map[string]bool

	requeued     []string
	reclaimCalls atomic.Int32
	commits      atomic.Int32
	rollbacks    atomic.Int32
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{
		events:   make(map[string]*storedEvent),
		inFlight: make(map[string]bool),
		missing:  make(map[string]bool),
		badIDs:   make(map[string]bool),
	}
}

func (f *fakePersistence) Insert(_ context.Context, info EventInfo, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("event-%d", f.seq)
	f.queue = append(f.queue, id)
	f.events[id] = &storedEvent{info: info, content: content}
	return nil
}

func (f *fakePersistence) Next(_ context.Context) (string, Tx, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		return "", nil, false, f.nextErr
	}
	if len(f.queue) == 0 {
		return "", nil, false, nil
	}
	id := f.queue[0]
	f.queue = f.queue[1:]
	f.inFlight[id] = true
	return id, &fakeClaim{f: f}, true, nil
}

func (f *fakePersistence) Get(_ context.Context, id string) (EventInfo, []byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return EventInfo{}, nil, false, f.getErr
	}
	if f.badIDs[id] {
		return EventInfo{}, nil, false, errors.New("cannot decode envelope")
	}
	ev, ok := f.events[id]
	if !ok || ev.published || f.missing[id] {
		return EventInfo{}, nil, false, nil
	}
	return ev.info, ev.content, true, nil
}

func (f *fakePersistence) UpdatePublished(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	ev, ok := f.events[id]
	if !ok {
		return &PersistenceError{Op: OpUpdatePublished, ID: id, Err: ErrNotFound}
	}
	ev.published = true
	delete(f.inFlight, id)
	return nil
}

func (f *fakePersistence) Requeue(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requeueErr != nil {
		return f.requeueErr
	}
	delete(f.inFlight, id)
	f.queue = append([]string{id}, f.queue...)
	f.requeued = append(f.requeued, id)
	return nil
}

func (f *fakePersistence) ReclaimStale(_ context.Context, _ time.Duration) (int, error) {
	f.reclaimCalls.Add(1)
	return 0, nil
}

func (f *fakePersistence) isPublished(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	return ok && ev.published
}

func (f *fakePersistence) requeueCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requeued)
}

type fakeClaim struct{ f *fakePersistence }

func (c *fakeClaim) Commit() error   { c.f.commits.Add(1); return nil }
func (c *fakeClaim) Rollback() error { c.f.rollbacks.Add(1); return nil }

type delivery struct {
	info    EventInfo
	content []byte
}

type fakeTransport struct {
	mu        sync.Mutex
	failFirst int
	failAll   bool
	calls     int
	delivered []delivery
}

func (f *fakeTransport) Publish(_ context.Context, info EventInfo, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAll || f.calls <= f.failFirst {
		return errors.New("broker unavailable")
	}
	f.delivered = append(f.delivered, delivery{info: info, content: content})
	return nil
}

func (f *fakeTransport) Subscriber(_ context.Context, _ EventInfo) (Stream, error) {
	return nil, nil
}

func (f *fakeTransport) deliveries() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.delivered...)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func startHandler(t *testing.T, p Persistence, tr Transport, opts ...HandlerOption) *OutboxHandler {
	t.Helper()
	opts = append([]HandlerOption{
		WithInterval(time.Millisecond),
		WithFixedDelay(time.Millisecond),
		WithLogger(zaptest.NewLogger(t)),
	}, opts...)
	h := NewOutboxHandler(p, tr, opts...)
	h.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	})
	return h
}

func TestHandlerRelaysPendingEvents(t *testing.T) {
	p := newFakePersistence()
	tr := &fakeTransport{}
	ctx := context.Background()

	require.NoError(t, p.Insert(ctx, invoiceCreated, []byte("first")))
	require.NoError(t, p.Insert(ctx, invoiceCreated, []byte("second")))

	startHandler(t, p, tr)

	require.Eventually(t, func() bool {
		return p.isPublished("event-1") && p.isPublished("event-2")
	}, time.Second, 5*time.Millisecond)

	got := tr.deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, "first", string(got[0].content))
	assert.Equal(t, "second", string(got[1].content))
	assert.Equal(t, invoiceCreated, got[0].info)
	assert.Equal(t, int32(2), p.commits.Load())
}

func TestHandlerRequeuesAfterPublishFailure(t *testing.T) {
	p := newFakePersistence()
	tr := &fakeTransport{failFirst: 2}

	require.NoError(t, p.Insert(context.Background(), invoiceCreated, []byte("x")))

	h := startHandler(t, p, tr)

	require.Eventually(t, func() bool { return p.isPublished("event-1") }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, tr.callCount())
	assert.Equal(t, 2, p.requeueCount())
	assert.Equal(t, int32(2), p.rollbacks.Load())

	var deliveryErr *DeliveryError
	require.ErrorAs(t, <-h.Errors(), &deliveryErr)
	assert.Equal(t, "event-1", deliveryErr.ID)
	assert.Equal(t, int32(1), deliveryErr.Attempt)
}

func TestHandlerDiscardsAfterMaxAttempts(t *testing.T) {
	p := newFakePersistence()
	tr := &fakeTransport{failAll: true}

	require.NoError(t, p.Insert(context.Background(), invoiceCreated, []byte("x")))

	h := startHandler(t, p, tr, WithMaxAttempts(3))

	select {
	case ev := <-h.DiscardedMessages():
		assert.Equal(t, "event-1", ev.ID)
		assert.Equal(t, invoiceCreated, ev.Info)
		assert.Equal(t, int32(3), ev.Attempts)
	case <-time.After(time.Second):
		t.Fatal("expected event to be discarded")
	}

	assert.Equal(t, 2, p.requeueCount())
	assert.False(t, p.isPublished("event-1"))
}

func TestHandlerReportsReadError(t *testing.T) {
	p := newFakePersistence()
	p.nextErr = errors.New("connection refused")

	h := startHandler(t, p, &fakeTransport{})

	select {
	case err := <-h.Errors():
		var readErr *ReadError
		require.ErrorAs(t, err, &readErr)
		assert.ErrorIs(t, err, p.nextErr)
	case <-time.After(time.Second):
		t.Fatal("expected a read error")
	}
}

func TestHandlerReportsFetchErrorAndRequeues(t *testing.T) {
	p := newFakePersistence()
	p.getErr = errors.New("corrupt row")
	require.NoError(t, p.Insert(context.Background(), invoiceCreated, []byte("x")))

	h := startHandler(t, p, &fakeTransport{})

	select {
	case err := <-h.Errors():
		var fetchErr *FetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, "event-1", fetchErr.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a fetch error")
	}
	require.Eventually(t, func() bool { return p.requeueCount() > 0 }, time.Second, 5*time.Millisecond)
}

func TestHandlerDiscardsUnreadableEventAndMovesOn(t *testing.T) {
	p := newFakePersistence()
	tr := &fakeTransport{}
	ctx := context.Background()

	require.NoError(t, p.Insert(ctx, invoiceCreated, []byte("unreadable")))
	require.NoError(t, p.Insert(ctx, invoiceCreated, []byte("good")))
	p.badIDs["event-1"] = true

	h := startHandler(t, p, tr, WithMaxAttempts(3))

	select {
	case ev := <-h.DiscardedMessages():
		assert.Equal(t, "event-1", ev.ID)
		assert.Equal(t, int32(3), ev.Attempts)
		assert.Equal(t, EventInfo{}, ev.Info)
	case <-time.After(time.Second):
		t.Fatal("expected unreadable event to be discarded")
	}

	require.Eventually(t, func() bool { return p.isPublished("event-2") }, time.Second, 5*time.Millisecond)
	assert.False(t, p.isPublished("event-1"))
	assert.Equal(t, 2, p.requeueCount())

	got := tr.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "good", string(got[0].content))
}

// queueOnly hides the Requeuer and Reclaimer methods of the wrapped persistence.
type queueOnly struct {
	Persistence
}

func TestHandlerForgetsFailuresItCannotRetry(t *testing.T) {
	p := newFakePersistence()
	tr := &fakeTransport{failAll: true}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Insert(ctx, invoiceCreated, []byte("x")))
	}

	h := NewOutboxHandler(queueOnly{p}, tr,
		WithInterval(time.Millisecond),
		WithFixedDelay(time.Millisecond),
		WithLogger(zaptest.NewLogger(t)))
	h.Start()

	require.Eventually(t, func() bool { return tr.callCount() == 3 }, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.Stop(stopCtx))

	assert.Empty(t, h.failures)
	assert.Equal(t, 0, p.requeueCount())
}

func TestHandlerReportsUpdateError(t *testing.T) {
	p := newFakePersistence()
	p.updateErr = errors.New("read only transaction")
	tr := &fakeTransport{}
	require.NoError(t, p.Insert(context.Background(), invoiceCreated, []byte("x")))

	h := startHandler(t, p, tr)

	select {
	case err := <-h.Errors():
		var updateErr *UpdateError
		require.ErrorAs(t, err, &updateErr)
		assert.Equal(t, "event-1", updateErr.ID)
	case <-time.After(time.Second):
		t.Fatal("expected an update error")
	}

	assert.Len(t, tr.deliveries(), 1, "delivered once, not requeued")
	assert.Zero(t, p.requeueCount())
}

func TestHandlerReportsRequeueError(t *testing.T) {
	p := newFakePersistence()
	p.requeueErr = errors.New("queue full")
	require.NoError(t, p.Insert(context.Background(), invoiceCreated, []byte("x")))

	h := startHandler(t, p, &fakeTransport{failAll: true})

	var requeueErr *RequeueError
	require.Eventually(t, func() bool {
		select {
		case err := <-h.Errors():
			return errors.As(err, &requeueErr)
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	assert.Equal(t, "event-1", requeueErr.ID)
}

func TestHandlerSkipsEventsNoLongerPending(t *testing.T) {
	p := newFakePersistence()
	tr := &fakeTransport{}
	ctx := context.Background()
	require.NoError(t, p.Insert(ctx, invoiceCreated, []byte("gone")))
	require.NoError(t, p.Insert(ctx, invoiceCreated, []byte("kept")))
	p.missing["event-1"] = true

	startHandler(t, p, tr)

	require.Eventually(t, func() bool { return p.isPublished("event-2") }, time.Second, 5*time.Millisecond)

	got := tr.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "kept", string(got[0].content))
}

func TestHandlerRunsReclaimSweep(t *testing.T) {
	p := newFakePersistence()

	startHandler(t, p, &fakeTransport{}, WithReclaimInterval(5*time.Millisecond))

	require.Eventually(t, func() bool { return p.reclaimCalls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestHandlerStartStopIdempotent(t *testing.T) {
	h := NewOutboxHandler(newFakePersistence(), &fakeTransport{}, WithInterval(time.Millisecond))
	h.Start()
	h.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Stop(ctx))
	require.NoError(t, h.Stop(ctx))

	_, open := <-h.Errors()
	assert.False(t, open, "errors channel must be closed after Stop")
	_, open = <-h.DiscardedMessages()
	assert.False(t, open, "discarded channel must be closed after Stop")
}

func TestHandlerRecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	p := newFakePersistence()
	tr := &fakeTransport{failFirst: 1}
	require.NoError(t, p.Insert(context.Background(), invoiceCreated, []byte("x")))

	startHandler(t, p, tr, WithMeterProvider(provider))

	require.Eventually(t, func() bool { return p.isPublished("event-1") }, time.Second, 5*time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				sums[m.Name] += dp.Value
			}
		}
	}

	assert.Equal(t, int64(1), sums["crunch.relay.published"])
	assert.Equal(t, int64(1), sums["crunch.relay.failed"])
	assert.Equal(t, int64(1), sums["crunch.relay.requeued"])
}
