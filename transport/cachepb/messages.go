// Package cachepb defines the wire contract of the cache partition
// service: its request and response messages, the gRPC service
// descriptor and a generated-style client. Messages are encoded with
// msgpack through a codec registered with gRPC under CodecName.
package cachepb

import "time"

// KeyRequest names a single key
type KeyRequest struct {
	Key string `msgpack:"key"`
}

// KeysRequest names several keys
type KeysRequest struct {
	Keys []string `msgpack:"keys"`
}

// SetRequest stores a value. ExpiryMillis <= 0 means no expiry.
type SetRequest struct {
	Key          string `msgpack:"key"`
	Value        string `msgpack:"value"`
	ExpiryMillis int64  `msgpack:"expiry_ms,omitempty"`
}

// Expiry returns the requested time to live
func (r *SetRequest) Expiry() time.Duration {
	if r.ExpiryMillis <= 0 {
		return 0
	}

	return time.Duration(r.ExpiryMillis) * time.Millisecond
}

// ExpiryMillis converts a time to live to its wire form,
// rounding sub-millisecond remainders up
func ExpiryMillis(expiry time.Duration) int64 {
	if expiry <= 0 {
		return 0
	}

	return int64((expiry + time.Millisecond - 1) / time.Millisecond)
}

// BoolResponse carries the result of a predicate or mutation
type BoolResponse struct {
	Result bool `msgpack:"result"`
}

// GetResponse carries a value lookup. Found is false
// if no live value exists.
type GetResponse struct {
	Value string `msgpack:"value"`
	Found bool   `msgpack:"found"`
}

// Empty is used by calls that take or return nothing
type Empty struct{}
