package serialization

import (
	"encoding/json"
	"io"
)

// JSON is the default serializer. It satisfies StreamSerializer; the
// stream methods encode directly into the writer with no intermediate
// buffer.
type JSON struct {
	// Indent pretty-prints output when set. Intended for diagnostics
	// endpoints, not the wire.
	Indent bool
}

// NewJSON creates a JSON serializer
func NewJSON() *JSON {
	return &JSON{}
}

func (s *JSON) Serialize(v any) ([]byte, error) {
	if s.Indent {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}

func (s *JSON) Deserialize(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

func (s *JSON) SerializeTo(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if s.Indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func (s *JSON) DeserializeFrom(r io.Reader, out any) error {
	return json.NewDecoder(r).Decode(out)
}

// ContentType returns the wire format identifier
func (s *JSON) ContentType() ContentType {
	return ContentTypeJSON
}
