package crunch

import (
	"fmt"
	"strings"
)

// Namespace is the default prefix of every transport topic.
const Namespace = "crunch"

// EventInfo identifies the routing topic of an event type.
// It is associated with a type, not with a particular instance of it.
type EventInfo struct {
	Domain     string
	EntityType string
	EventName  string
}

// Topic returns the transport-level routing key of the event:
// "crunch.<domain>.<entity_type>.<event_name>", all lowercase.
func (i EventInfo) Topic() string {
	return i.TopicWithNamespace(Namespace)
}

// TopicWithNamespace is like Topic but uses a custom namespace prefix.
func (i EventInfo) TopicWithNamespace(namespace string) string {
	return strings.ToLower(strings.Join([]string{namespace, i.Domain, i.EntityType, i.EventName}, "."))
}

func (i EventInfo) String() string {
	return fmt.Sprintf("domain: %s, entity_type: %s", i.Domain, i.EntityType)
}

// Serializer turns a domain value into bytes.
type Serializer interface {
	Serialize() ([]byte, error)
}

// Deserializer fills a domain value from bytes. It is expected to be
// implemented on the pointer receiver.
type Deserializer interface {
	Deserialize(raw []byte) error
}

// Event is a domain type that can be published through crunch.
//
// EventInfo must not depend on the receiver's state: subscriptions resolve
// routing by calling it on the zero value of the type.
type Event interface {
	Serializer
	EventInfo() EventInfo
}

// infoOf resolves the static EventInfo of T.
func infoOf[T Event]() EventInfo {
	var zero T
	return zero.EventInfo()
}
