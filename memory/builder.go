package memory

import "github.com/oagudo/crunch"

// NewBuilder returns a crunch.Builder wired with a fresh in-memory
// Persistence and Transport.
func NewBuilder() *crunch.Builder {
	return crunch.NewBuilder().
		WithPersistence(NewPersistence()).
		WithTransport(NewTransport())
}
