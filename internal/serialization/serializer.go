// Package serialization defines the codec boundary between the messaging
// core and concrete transports. The core never touches bytes directly;
// transports serialize envelopes on publish and deserialize on receipt.
package serialization

import "io"

// Serializer converts values to and from bytes.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, out any) error
}

// StreamSerializer is the zero-copy variant for hot paths: it writes into a
// caller-supplied writer and reads from a caller-supplied reader, avoiding
// the intermediate byte slice Serialize allocates.
type StreamSerializer interface {
	Serializer
	SerializeTo(w io.Writer, v any) error
	DeserializeFrom(r io.Reader, out any) error
}

// ContentType identifies the wire format a serializer produces, carried in
// envelope metadata so receivers pick a matching deserializer.
type ContentType string

const (
	ContentTypeJSON ContentType = "application/json"
)
