package crunch

import "context"

// Transport is a pub/sub fan-out abstraction.
//
// It does not provide durability: a message published to a topic without
// subscribers is dropped.
type Transport interface {
	// Publish delivers content to all current subscribers of info.Topic().
	Publish(ctx context.Context, info EventInfo, content []byte) error

	// Subscriber opens a live stream of raw payloads for info.Topic().
	// A nil Stream with a nil error means the backend cannot establish the
	// subscription at all; it is never used to signal "no data yet".
	Subscriber(ctx context.Context, info EventInfo) (Stream, error)
}

// Stream is a live sequence of raw payloads from a single topic.
type Stream interface {
	// Next blocks until an item is available, ctx is done or the stream is
	// closed, in which case it returns ErrStreamClosed.
	Next(ctx context.Context) ([]byte, error)

	// Close releases the subscription. It is safe to call more than once.
	Close() error
}
