package envelope

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Proto encodes envelopes in the protobuf wire format of:
//
//	message Metadata {
//	  string domain = 1;
//	  string entity = 2;
//	  uint64 timestamp = 3;
//	  uint64 sequence = 4;
//	}
//	message Envelope {
//	  Metadata metadata = 1;
//	  bytes content = 2;
//	}
type Proto struct{}

const (
	protoEnvelopeMetadata protowire.Number = 1
	protoEnvelopeContent  protowire.Number = 2

	protoMetadataDomain    protowire.Number = 1
	protoMetadataEntity    protowire.Number = 2
	protoMetadataTimestamp protowire.Number = 3
	protoMetadataSequence  protowire.Number = 4
)

func (Proto) Name() string { return NameProto }

func (Proto) Encode(domain, entity string, content []byte) ([]byte, error) {
	meta := encodeProtoMetadata(Metadata{Domain: domain, Entity: entity})

	b := make([]byte, 0, len(meta)+len(content)+16)
	b = protowire.AppendTag(b, protoEnvelopeMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, meta)
	if len(content) > 0 {
		b = protowire.AppendTag(b, protoEnvelopeContent, protowire.BytesType)
		b = protowire.AppendBytes(b, content)
	}
	return b, nil
}

func (Proto) Decode(b []byte) ([]byte, Metadata, error) {
	content := []byte{}
	var (
		meta    Metadata
		hasMeta bool
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, Metadata{}, malformed(NameProto, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == protoEnvelopeMetadata && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, Metadata{}, malformed(NameProto, protowire.ParseError(m))
			}
			decoded, err := decodeProtoMetadata(v)
			if err != nil {
				return nil, Metadata{}, err
			}
			meta, hasMeta = decoded, true
			n = m
		case num == protoEnvelopeContent && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, Metadata{}, malformed(NameProto, protowire.ParseError(m))
			}
			content = append(content[:0], v...)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, Metadata{}, malformed(NameProto, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}

	if !hasMeta {
		return nil, Metadata{}, ErrMissingMetadata
	}
	return content, meta, nil
}

func encodeProtoMetadata(m Metadata) []byte {
	var b []byte
	if m.Domain != "" {
		b = protowire.AppendTag(b, protoMetadataDomain, protowire.BytesType)
		b = protowire.AppendString(b, m.Domain)
	}
	if m.Entity != "" {
		b = protowire.AppendTag(b, protoMetadataEntity, protowire.BytesType)
		b = protowire.AppendString(b, m.Entity)
	}
	if m.Timestamp != 0 {
		b = protowire.AppendTag(b, protoMetadataTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Timestamp)
	}
	if m.Sequence != 0 {
		b = protowire.AppendTag(b, protoMetadataSequence, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Sequence)
	}
	return b
}

func decodeProtoMetadata(b []byte) (Metadata, error) {
	var m Metadata
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Metadata{}, malformed(NameProto, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == protoMetadataDomain && typ == protowire.BytesType:
			v, m2 := protowire.ConsumeString(b)
			if m2 < 0 {
				return Metadata{}, malformed(NameProto, protowire.ParseError(m2))
			}
			m.Domain, n = v, m2
		case num == protoMetadataEntity && typ == protowire.BytesType:
			v, m2 := protowire.ConsumeString(b)
			if m2 < 0 {
				return Metadata{}, malformed(NameProto, protowire.ParseError(m2))
			}
			m.Entity, n = v, m2
		case num == protoMetadataTimestamp && typ == protowire.VarintType:
			v, m2 := protowire.ConsumeVarint(b)
			if m2 < 0 {
				return Metadata{}, malformed(NameProto, protowire.ParseError(m2))
			}
			m.Timestamp, n = v, m2
		case num == protoMetadataSequence && typ == protowire.VarintType:
			v, m2 := protowire.ConsumeVarint(b)
			if m2 < 0 {
				return Metadata{}, malformed(NameProto, protowire.ParseError(m2))
			}
			m.Sequence, n = v, m2
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Metadata{}, malformed(NameProto, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return m, nil
}
