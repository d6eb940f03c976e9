package transport

import (
	"io"

	"github.com/jrife/kvcache/transport/services"
)

// CacheClient describes a handle through which
// a single cache partition can be invoked remotely.
type CacheClient interface {
	services.CacheService
	io.Closer
}

// CacheServer describes an interface
// that will be passed to each type of
// frontend. Each frontend provides support
// for a different type of protocol. The
// idea here is to decouple the inner
// workings of a cache replica from the
// protocol that its clients use
type CacheServer interface {
	services.CacheService
}
