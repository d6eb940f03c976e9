package frontends

import (
	"net"
	"time"

	"github.com/jrife/kvcache/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
)

// DefaultRetryAfter is the delay suggested to clients
// that call a replica that is not ready
const DefaultRetryAfter = time.Second

// Options define standard options
// passed to frontends during initialization
type Options struct {
	Server transport.CacheServer
	// Health is the health server whose status the frontend
	// exposes. Frontends that have no health endpoint ignore it.
	Health *health.Server
	Logger *zap.Logger
	// RetryAfter is suggested to clients whose call arrives
	// while the replica is not ready
	RetryAfter time.Duration
}

// CacheFrontend describes an interface
// that every cache frontend must
// implement.
type CacheFrontend interface {
	// Init initializes the frontend. Use this
	// to pass configuration options to the frontend
	Init(options Options) error
	// Listen tells this frontend to start listening
	// using this listener. A frontend may be asked
	// to listen on different interfaces, such as a TCP
	// socket and a Unix socket. It must accept
	// one or more calls to Listen. Listen must block
	// as long as it is actively accepting connections
	// from this listener. If the listener returns an
	// error Listen must return an error and return. If
	// Listen returns as a result of Stop being called it
	// must return nil.
	Listen(listener net.Listener) error
	// Stop tells this frontend to stop processing all
	// requests and stop listening to all listeners.
	// It must not close the listeners, however. That
	// is not its responsibility.
	Stop() error
}

// Defaults fills in unset options
func (options Options) Defaults() Options {
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	if options.RetryAfter <= 0 {
		options.RetryAfter = DefaultRetryAfter
	}

	return options
}
