package cachepb

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype used by the cache service
const CodecName = "msgpack"

func init() {
	encoding.RegisterCodec(Codec{})
}

var _ encoding.Codec = Codec{}

// Codec is a gRPC codec for the messages of this package
type Codec struct{}

// Marshal implements encoding.Codec.Marshal
func (Codec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal implements encoding.Codec.Unmarshal
func (Codec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// Name implements encoding.Codec.Name
func (Codec) Name() string {
	return CodecName
}
