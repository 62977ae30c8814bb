package envelope

import (
	"capnproto.org/go/capnp/v3"
)

// Capnp encodes envelopes as a single-segment Cap'n Proto message of:
//
//	struct Envelope {
//	  metadata @0 :Metadata;
//	  content  @1 :Data;
//	}
//	struct Metadata {
//	  domain    @0 :Text;
//	  entity    @1 :Text;
//	  timestamp @2 :UInt64;
//	  sequence  @3 :UInt64;
//	}
type Capnp struct{}

var (
	capnpEnvelopeSize = capnp.ObjectSize{DataSize: 0, PointerCount: 2}
	capnpMetadataSize = capnp.ObjectSize{DataSize: 16, PointerCount: 2}
)

const (
	capnpEnvelopeMetadataPtr = 0
	capnpEnvelopeContentPtr  = 1

	capnpMetadataDomainPtr = 0
	capnpMetadataEntityPtr = 1

	capnpMetadataTimestampOff capnp.DataOffset = 0
	capnpMetadataSequenceOff  capnp.DataOffset = 8
)

func (Capnp) Name() string { return NameCapnp }

func (Capnp) Encode(domain, entity string, content []byte) ([]byte, error) {
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, err
	}

	root, err := capnp.NewRootStruct(seg, capnpEnvelopeSize)
	if err != nil {
		return nil, err
	}

	meta, err := capnp.NewStruct(seg, capnpMetadataSize)
	if err != nil {
		return nil, err
	}
	if err := meta.SetText(capnpMetadataDomainPtr, domain); err != nil {
		return nil, err
	}
	if err := meta.SetText(capnpMetadataEntityPtr, entity); err != nil {
		return nil, err
	}
	meta.SetUint64(capnpMetadataTimestampOff, 0)
	meta.SetUint64(capnpMetadataSequenceOff, 0)

	if err := root.SetPtr(capnpEnvelopeMetadataPtr, meta.ToPtr()); err != nil {
		return nil, err
	}
	if err := root.SetData(capnpEnvelopeContentPtr, content); err != nil {
		return nil, err
	}

	return msg.Marshal()
}

func (Capnp) Decode(b []byte) ([]byte, Metadata, error) {
	msg, err := capnp.Unmarshal(b)
	if err != nil {
		return nil, Metadata{}, malformed(NameCapnp, err)
	}

	rootPtr, err := msg.Root()
	if err != nil {
		return nil, Metadata{}, malformed(NameCapnp, err)
	}
	root := rootPtr.Struct()

	metaPtr, err := root.Ptr(capnpEnvelopeMetadataPtr)
	if err != nil {
		return nil, Metadata{}, malformed(NameCapnp, err)
	}
	if !metaPtr.IsValid() {
		return nil, Metadata{}, ErrMissingMetadata
	}
	meta := metaPtr.Struct()

	domainPtr, err := meta.Ptr(capnpMetadataDomainPtr)
	if err != nil {
		return nil, Metadata{}, malformed(NameCapnp, err)
	}
	entityPtr, err := meta.Ptr(capnpMetadataEntityPtr)
	if err != nil {
		return nil, Metadata{}, malformed(NameCapnp, err)
	}
	contentPtr, err := root.Ptr(capnpEnvelopeContentPtr)
	if err != nil {
		return nil, Metadata{}, malformed(NameCapnp, err)
	}

	// Data() aliases the message buffer.
	content := append([]byte{}, contentPtr.Data()...)

	return content, Metadata{
		Domain:    domainPtr.Text(),
		Entity:    entityPtr.Text(),
		Timestamp: meta.Uint64(capnpMetadataTimestampOff),
		Sequence:  meta.Uint64(capnpMetadataSequenceOff),
	}, nil
}
