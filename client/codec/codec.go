// Package codec converts cached values to and from the string payloads
// stored by the cache service.
package codec

import "fmt"

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Format names a serialization format that can encode any type
type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
	FormatCBOR    Format = "cbor"
)

// For returns a codec for V in the given format
func For[V any](format Format) (Codec[V], error) {
	switch format {
	case FormatJSON, "":
		return JSON[V]{}, nil
	case FormatMsgpack:
		return Msgpack[V]{}, nil
	case FormatCBOR:
		return NewCBOR[V](false)
	default:
		return nil, fmt.Errorf("unknown codec format %q", format)
	}
}
