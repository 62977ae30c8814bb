package crunch

import (
	"context"
	"time"
)

// Tx is an opaque capability token returned by Persistence.Next.
// Backends without transactional claims return NopTx.
type Tx interface {
	Commit() error
	Rollback() error
}

// NopTx is a Tx that does nothing.
type NopTx struct{}

func (NopTx) Commit() error   { return nil }
func (NopTx) Rollback() error { return nil }

// Persistence is the durable (or in-memory) store of outbox messages.
//
// Implementations must be safe for concurrent use. Every message starts
// Pending and moves to Published exactly once, only through UpdatePublished.
type Persistence interface {
	// Insert wraps content in an envelope and stores it as a new Pending
	// message at the tail of the outbox queue. It is atomic.
	Insert(ctx context.Context, info EventInfo, content []byte) error

	// Next pops the head of the outbox queue. ok is false when the queue is empty.
	// Popping never changes the message state.
	Next(ctx context.Context) (id string, tx Tx, ok bool, err error)

	// Get returns the event of a Pending message. ok is false when the id is
	// unknown or the message was already published.
	Get(ctx context.Context, id string) (info EventInfo, content []byte, ok bool, err error)

	// UpdatePublished marks a message as Published. It fails with an error
	// wrapping ErrNotFound for an unknown id and is a no-op for a message
	// already Published.
	UpdatePublished(ctx context.Context, id string) error
}

// Requeuer is implemented by persistences that can put a popped, still
// Pending message back at the head of the outbox queue.
type Requeuer interface {
	Requeue(ctx context.Context, id string) error
}

// Reclaimer is implemented by persistences that track popped messages and can
// re-enqueue the ones that stayed Pending for longer than olderThan.
// It returns the number of re-enqueued messages.
type Reclaimer interface {
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
}
