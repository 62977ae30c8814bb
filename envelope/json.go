package envelope

import (
	"encoding/base64"

	json "github.com/goccy/go-json"
)

// JSON encodes envelopes as
//
//	{"content": "<base64 url-safe, unpadded>", "metadata": {"domain": "...", "entity": "..."}}
type JSON struct{}

type jsonEnvelope struct {
	Content  string        `json:"content"`
	Metadata *jsonMetadata `json:"metadata"`
}

type jsonMetadata struct {
	Domain string `json:"domain"`
	Entity string `json:"entity"`
}

func (JSON) Name() string { return NameJSON }

func (JSON) Encode(domain, entity string, content []byte) ([]byte, error) {
	return json.Marshal(jsonEnvelope{
		Content: base64.RawURLEncoding.EncodeToString(content),
		Metadata: &jsonMetadata{
			Domain: domain,
			Entity: entity,
		},
	})
}

func (JSON) Decode(b []byte) ([]byte, Metadata, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, Metadata{}, malformed(NameJSON, err)
	}
	if env.Metadata == nil {
		return nil, Metadata{}, ErrMissingMetadata
	}

	content, err := base64.RawURLEncoding.DecodeString(env.Content)
	if err != nil {
		return nil, Metadata{}, malformed(NameJSON, err)
	}
	if content == nil {
		content = []byte{}
	}

	return content, Metadata{Domain: env.Metadata.Domain, Entity: env.Metadata.Entity}, nil
}
