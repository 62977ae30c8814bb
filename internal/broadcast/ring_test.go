package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendWithoutReceiversIsDropped(t *testing.T) {
	r := New(4)

	assert.Equal(t, 0, r.Send([]byte("lost")))

	rc := r.Subscribe()
	defer rc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := rc.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReceiversHaveIndependentCursors(t *testing.T) {
	r := New(8)
	a := r.Subscribe()
	b := r.Subscribe()
	defer a.Close()
	defer b.Close()

	assert.Equal(t, 2, r.Send([]byte("1")))
	assert.Equal(t, 2, r.Send([]byte("2")))

	ctx := context.Background()
	for _, rc := range []*Receiver{a, b} {
		v, err := rc.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, "1", string(v))

		v, err = rc.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, "2", string(v))
	}
}

func TestLateSubscriberSeesOnlyNewValues(t *testing.T) {
	r := New(8)
	early := r.Subscribe()
	defer early.Close()

	r.Send([]byte("before"))

	late := r.Subscribe()
	defer late.Close()

	r.Send([]byte("after"))

	v, err := late.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "after", string(v))
}

func TestLaggingReceiverSkipsToOldest(t *testing.T) {
	r := New(3)
	rc := r.Subscribe()
	defer rc.Close()

	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.Send([]byte(s))
	}

	ctx := context.Background()
	var got []string
	for i := 0; i < 3; i++ {
		v, err := rc.Recv(ctx)
		require.NoError(t, err)
		got = append(got, string(v))
	}

	assert.Equal(t, []string{"c", "d", "e"}, got)
	assert.Equal(t, uint64(2), rc.Lagged())
}

func TestRecvWakesOnSend(t *testing.T) {
	r := New(2)
	rc := r.Subscribe()
	defer rc.Close()

	got := make(chan string, 1)
	go func() {
		v, err := rc.Recv(context.Background())
		if err == nil {
			got <- string(v)
		}
	}()

	require.Eventually(t, func() bool {
		r.Send([]byte("ping"))
		select {
		case v := <-got:
			return v == "ping"
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestCloseReceiver(t *testing.T) {
	r := New(2)
	rc := r.Subscribe()
	require.Equal(t, 1, r.Receivers())

	errCh := make(chan error, 1)
	go func() {
		_, err := rc.Recv(context.Background())
		errCh <- err
	}()

	rc.Close()
	rc.Close()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("Recv did not return after Close")
	}
	assert.Equal(t, 0, r.Receivers())
}

func TestCloseRingDrainsBufferedValues(t *testing.T) {
	r := New(4)
	rc := r.Subscribe()
	defer rc.Close()

	r.Send([]byte("x"))
	r.Close()

	v, err := rc.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", string(v))

	_, err = rc.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	assert.Equal(t, 0, r.Send([]byte("y")))

	_, err = r.Subscribe().Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentSendersPreserveCount(t *testing.T) {
	const senders, perSender = 4, 25

	r := New(senders * perSender)
	rc := r.Subscribe()
	defer rc.Close()

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				r.Send([]byte{byte(j)})
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < senders*perSender; i++ {
		_, err := rc.Recv(ctx)
		require.NoError(t, err)
	}
	assert.Zero(t, rc.Lagged())
}
