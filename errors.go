package crunch

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Persistence.UpdatePublished for an unknown id.
	ErrNotFound = errors.New("event not found")
	// ErrNoChannel is returned when a transport cannot open a stream for a topic.
	ErrNoChannel = errors.New("failed to find channel to subscribe to")
	// ErrStreamClosed is returned by Stream.Next once the stream is closed.
	ErrStreamClosed = errors.New("stream closed")
)

// SerializationError indicates a domain value could not be turned into bytes.
type SerializationError struct {
	Info EventInfo
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to serialize %s: %v", e.Info, e.Err)
}
func (e *SerializationError) Unwrap() error { return e.Err }

// DeserializationError indicates bytes could not be turned into a domain value,
// including a malformed envelope or a payload of the wrong schema.
type DeserializationError struct {
	Info EventInfo
	Err  error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("failed to deserialize %s: %v", e.Info, e.Err)
}
func (e *DeserializationError) Unwrap() error { return e.Err }

// PersistenceOp names the Persistence operation that failed.
type PersistenceOp string

// Persistence operations.
const (
	OpInsert          PersistenceOp = "insert"
	OpNext            PersistenceOp = "next"
	OpGet             PersistenceOp = "get"
	OpUpdatePublished PersistenceOp = "update_published"
	OpRequeue         PersistenceOp = "requeue"
	OpReclaim         PersistenceOp = "reclaim"
)

// PersistenceError indicates a backend failure of a Persistence operation.
// A missing event on update wraps ErrNotFound.
type PersistenceError struct {
	Op  PersistenceOp
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.ID, e.Err)
}
func (e *PersistenceError) Unwrap() error { return e.Err }

// TransportError indicates a publish or subscribe backend failure.
type TransportError struct {
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Topic, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// SubscriptionError indicates a subscription could not be established or an
// item could not be handled at the subscription boundary.
type SubscriptionError struct {
	Info EventInfo
	Err  error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("failed to subscribe to %s: %v", e.Info.Topic(), e.Err)
}
func (e *SubscriptionError) Unwrap() error { return e.Err }

// BuilderError indicates a required dependency was not supplied to the Builder.
type BuilderError struct {
	Dependency string
}

func (e *BuilderError) Error() string {
	return fmt.Sprintf("dependency not added to builder: %s", e.Dependency)
}

// PublishKind tells which stage of Publisher.Publish failed.
type PublishKind string

// Publish failure stages.
const (
	PublishKindSerialize PublishKind = "serialize"
	PublishKindDB        PublishKind = "db"
)

// PublishError is returned by Publisher.Publish. It wraps either a
// *SerializationError or the Persistence error.
type PublishError struct {
	Kind PublishKind
	Err  error
}

func (e *PublishError) Error() string {
	switch e.Kind {
	case PublishKindSerialize:
		return fmt.Sprintf("publishing event: %v", e.Err)
	default:
		return fmt.Sprintf("publishing event: failed to commit to database: %v", e.Err)
	}
}
func (e *PublishError) Unwrap() error { return e.Err }
