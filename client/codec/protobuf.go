package codec

import "google.golang.org/protobuf/proto"

// Protobuf is a Codec for generated protobuf messages
type Protobuf[T proto.Message] struct {
	new func() T
}

// NewProtobuf returns a codec that decodes into messages built by
// ctor, e.g. func() *mypb.Order { return &mypb.Order{} }
func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}
