// Package broadcast implements a bounded, lossy, multi-consumer channel.
//
// Every Receiver has its own cursor into a shared ring buffer. A receiver that
// falls more than the ring capacity behind skips to the oldest retained value
// and the number of skipped values is added to its Lagged counter. Senders
// never block.
package broadcast

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Recv once the ring or the receiver is closed.
var ErrClosed = errors.New("broadcast: closed")

// Ring is a fixed-capacity broadcast buffer.
type Ring struct {
	mu        sync.Mutex
	buf       [][]byte
	head      uint64 // sequence of the next value to be written
	receivers int
	closed    bool
	notify    chan struct{}
}

// New creates a Ring retaining the last capacity values.
// Capacity below 1 is raised to 1.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		buf:    make([][]byte, capacity),
		notify: make(chan struct{}),
	}
}

// Send appends v and wakes all waiting receivers. It returns the number of
// receivers at the time of the send. With no receivers the value is dropped.
func (r *Ring) Send(v []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.receivers == 0 {
		return 0
	}

	r.buf[r.head%uint64(len(r.buf))] = v
	r.head++

	close(r.notify)
	r.notify = make(chan struct{})

	return r.receivers
}

// Subscribe returns a Receiver that observes only values sent after this call.
func (r *Ring) Subscribe() *Receiver {
	r.mu.Lock()
	defer r.mu.Unlock()

	rc := &Receiver{ring: r, next: r.head, done: make(chan struct{})}
	if r.closed {
		rc.closed = true
		close(rc.done)
		return rc
	}
	r.receivers++
	return rc
}

// Receivers returns the number of open receivers.
func (r *Ring) Receivers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.receivers
}

// Close wakes all receivers. Values already buffered can still be drained.
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	close(r.notify)
}

// Receiver is one independent cursor over a Ring.
// A Receiver must not be used from more than one goroutine at a time.
type Receiver struct {
	ring   *Ring
	next   uint64
	lagged uint64
	closed bool
	done   chan struct{}
}

// Recv blocks until a value is available, ctx is done, or the receiver or the
// ring is closed.
func (rc *Receiver) Recv(ctx context.Context) ([]byte, error) {
	r := rc.ring
	for {
		r.mu.Lock()
		if rc.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}

		if rc.next < r.head {
			capacity := uint64(len(r.buf))
			if r.head-rc.next > capacity {
				oldest := r.head - capacity
				rc.lagged += oldest - rc.next
				rc.next = oldest
			}
			v := r.buf[rc.next%capacity]
			rc.next++
			r.mu.Unlock()
			return v, nil
		}

		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		wait := r.notify
		r.mu.Unlock()

		select {
		case <-wait:
		case <-rc.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Lagged returns how many values this receiver skipped because it fell behind.
func (rc *Receiver) Lagged() uint64 {
	rc.ring.mu.Lock()
	defer rc.ring.mu.Unlock()
	return rc.lagged
}

// Close detaches the receiver from the ring. It is safe to call more than once.
func (rc *Receiver) Close() {
	r := rc.ring
	r.mu.Lock()
	defer r.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.done)
	r.receivers--
}
