package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oagudo/crunch"
	"github.com/oagudo/crunch/envelope"
)

var someInfo = crunch.EventInfo{Domain: "some-domain", EntityType: "some-entity", EventName: "some-event"}

func TestInsertThenNextThenGet(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	require.NoError(t, p.Insert(ctx, someInfo, []byte("some-content")))

	id, tx, ok, err := p.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, tx)
	assert.NoError(t, tx.Commit())

	info, content, ok, err := p.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, someInfo, info)
	assert.Equal(t, []byte("some-content"), content)

	require.NoError(t, p.UpdatePublished(ctx, id))

	_, _, ok, err = p.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "published events must not be served")

	msg, ok := p.Msg(id)
	require.True(t, ok)
	assert.Equal(t, Published, msg.State)
}

func TestNextOnEmpty(t *testing.T) {
	_, _, ok, err := NewPersistence().Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextIsFIFO(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Insert(ctx, someInfo, []byte(fmt.Sprint(i))))
	}

	for i := 0; i < 5; i++ {
		id, _, ok, err := p.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		_, content, ok, err := p.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(i), string(content))
	}

	_, _, ok, err := p.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetUnknown(t *testing.T) {
	_, _, ok, err := NewPersistence().Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdatePublishedUnknown(t *testing.T) {
	err := NewPersistence().UpdatePublished(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, crunch.ErrNotFound)

	var perr *crunch.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, crunch.OpUpdatePublished, perr.Op)
	assert.Equal(t, "missing", perr.ID)
}

func TestUpdatePublishedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()
	require.NoError(t, p.Insert(ctx, someInfo, []byte("x")))
	id, _, _, _ := p.Next(ctx)

	require.NoError(t, p.UpdatePublished(ctx, id))
	require.NoError(t, p.UpdatePublished(ctx, id))

	msg, _ := p.Msg(id)
	assert.Equal(t, Published, msg.State)
}

func TestStoresEnvelopeWithConfiguredCodec(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(WithCodec(envelope.JSON{}))
	require.NoError(t, p.Insert(ctx, someInfo, []byte("x")))
	id, _, _, _ := p.Next(ctx)

	msg, ok := p.Msg(id)
	require.True(t, ok)

	content, meta, err := envelope.JSON{}.Decode(msg.Envelope)
	require.NoError(t, err)
	assert.Equal(t, "x", string(content))
	assert.Equal(t, someInfo.Domain, meta.Domain)
	assert.Equal(t, someInfo.EntityType, meta.Entity)
}

func TestRequeuePutsIDBackAtHead(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()
	require.NoError(t, p.Insert(ctx, someInfo, []byte("first")))
	require.NoError(t, p.Insert(ctx, someInfo, []byte("second")))

	first, _, _, _ := p.Next(ctx)
	require.NoError(t, p.Requeue(ctx, first))
	require.NoError(t, p.Requeue(ctx, first), "requeue of a queued id is ignored")

	again, _, ok, err := p.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, again)

	msg, _ := p.Msg(first)
	assert.Equal(t, 2, msg.Attempts)

	assert.Equal(t, Stats{Queued: 1, InFlight: 1, Pending: 2}, p.Stats())
}

func TestRequeueIgnoresPublished(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()
	require.NoError(t, p.Insert(ctx, someInfo, []byte("x")))

	id, _, _, _ := p.Next(ctx)
	require.NoError(t, p.UpdatePublished(ctx, id))
	require.NoError(t, p.Requeue(ctx, id))

	_, _, ok, _ := p.Next(ctx)
	assert.False(t, ok)
}

func TestReclaimStale(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	now := time.Now()
	p.now = func() time.Time { return now }

	require.NoError(t, p.Insert(ctx, someInfo, []byte("stale")))
	require.NoError(t, p.Insert(ctx, someInfo, []byte("done")))

	stale, _, _, _ := p.Next(ctx)
	done, _, _, _ := p.Next(ctx)
	require.NoError(t, p.UpdatePublished(ctx, done))

	n, err := p.ReclaimStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "claims younger than the cutoff stay in flight")

	now = now.Add(2 * time.Minute)

	n, err = p.ReclaimStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, _, ok, _ := p.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, stale, id)
}

func TestConcurrentInsertAndNext(t *testing.T) {
	const writers, perWriter = 8, 50

	ctx := context.Background()
	p := NewPersistence()

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_ = p.Insert(ctx, someInfo, []byte("x"))
			}
		}()
	}

	seen := make(map[string]struct{})
	var mu sync.Mutex
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				n := len(seen)
				mu.Unlock()
				if n == writers*perWriter {
					return
				}
				id, _, ok, err := p.Next(ctx)
				if err != nil || !ok {
					continue
				}
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Len(t, seen, writers*perWriter)
}
