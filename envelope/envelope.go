// Package envelope frames a routing key (domain, entity) and opaque content
// bytes into a transportable byte sequence.
//
// Three interchangeable encodings are provided. They encode the same logical
// fields but are not wire compatible with each other, so a deployment picks
// one and sticks to it:
//   - Capnp: Cap'n Proto message, compact and zero-copy friendly.
//   - Proto: protobuf wire format, length-delimited and self-describing.
//   - JSON:  human-debuggable text with base64 content.
package envelope

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed is returned when the bytes are not a valid envelope.
	ErrMalformed = errors.New("malformed envelope")
	// ErrMissingMetadata is returned when a decoded envelope has no metadata.
	ErrMissingMetadata = errors.New("metadata is missing from envelope")
	// ErrUnknownCodec is returned by ByName for an unsupported codec name.
	ErrUnknownCodec = errors.New("unknown envelope codec")
)

// Metadata is the routing information carried by an envelope.
//
// Timestamp and Sequence are part of the schema but crunch always writes 0
// and never relies on them.
type Metadata struct {
	Domain    string
	Entity    string
	Timestamp uint64
	Sequence  uint64
}

// Codec encodes and decodes envelopes.
// Decode(Encode(d, e, c)) returns c and Metadata{Domain: d, Entity: e}.
type Codec interface {
	Name() string
	Encode(domain, entity string, content []byte) ([]byte, error)
	Decode(b []byte) ([]byte, Metadata, error)
}

// Codec names accepted by ByName.
const (
	NameCapnp = "capnp"
	NameProto = "proto"
	NameJSON  = "json"
)

// Default is the codec used by persistences when none is configured.
var Default Codec = Proto{}

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameCapnp:
		return Capnp{}, nil
	case NameProto, "protobuf", "":
		return Proto{}, nil
	case NameJSON:
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

func malformed(codec string, err error) error {
	return fmt.Errorf("%w (%s): %w", ErrMalformed, codec, err)
}
