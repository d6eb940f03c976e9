package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// CBOR is a Codec that serializes values using fxamacker/cbor.
// The zero value is NOT ready to use. Construct with NewCBOR.
//
// Use deterministic=true for canonical encoding (RFC 8949 Core
// Deterministic) when identical values must produce identical bytes.
// Time values are encoded as RFC3339Nano.
type CBOR[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec[struct{}] = CBOR[struct{}]{}

// NewCBOR constructs a CBOR codec
func NewCBOR[V any](deterministic bool) (CBOR[V], error) {
	var eo cbor.EncOptions

	if deterministic {
		eo = cbor.CoreDetEncOptions()
	} else {
		eo = cbor.PreferredUnsortedEncOptions()
	}

	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()

	if err != nil {
		return CBOR[V]{}, err
	}

	dm, err := (cbor.DecOptions{}).DecMode()

	if err != nil {
		return CBOR[V]{}, err
	}

	return CBOR[V]{enc: em, dec: dm}, nil
}

// Encode encodes v as CBOR using the configured EncMode
func (c CBOR[V]) Encode(v V) ([]byte, error) {
	return c.enc.Marshal(v)
}

// Decode decodes b into a V using the configured DecMode
func (c CBOR[V]) Decode(b []byte) (V, error) {
	var v V
	err := c.dec.Unmarshal(b, &v)
	return v, err
}
