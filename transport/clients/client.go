// Package clients implements proxies through which a client invokes a
// single cache partition over gRPC. Transient failures are retried with
// exponential backoff.
package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/jrife/kvcache/metrics"
	"github.com/jrife/kvcache/topology"
	"github.com/jrife/kvcache/transport"
	"github.com/jrife/kvcache/transport/cachepb"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultOperationTimeout bounds a single attempt
const DefaultOperationTimeout = 60 * time.Second

// ProxySettings controls the behavior of a CacheProxy
type ProxySettings struct {
	OperationTimeout time.Duration
	Retry            RetrySettings
}

// DefaultProxySettings are used by NewFactory when no settings are given
var DefaultProxySettings = ProxySettings{
	OperationTimeout: DefaultOperationTimeout,
	Retry:            DefaultRetrySettings,
}

var _ transport.CacheClient = (*CacheProxy)(nil)

// CacheProxy invokes one cache partition. It is safe for concurrent use
// and is meant to be shared for the lifetime of the process.
type CacheProxy struct {
	conn     *grpc.ClientConn
	client   cachepb.CacheServiceClient
	target   string
	settings ProxySettings
	logger   *zap.Logger
	metrics  metrics.Client
}

// NewCacheProxy wraps an established connection
func NewCacheProxy(conn *grpc.ClientConn, settings ProxySettings, logger *zap.Logger, m metrics.Client) *CacheProxy {
	if logger == nil {
		logger = zap.NewNop()
	}

	if m == nil {
		m = metrics.NopClient()
	}

	if settings.OperationTimeout <= 0 {
		settings.OperationTimeout = DefaultOperationTimeout
	}

	return &CacheProxy{
		conn:     conn,
		client:   cachepb.NewCacheServiceClient(conn),
		target:   conn.Target(),
		settings: settings,
		logger:   logger.With(zap.String("target", conn.Target())),
		metrics:  m,
	}
}

func call[T any](ctx context.Context, proxy *CacheProxy, op string, attempt func(ctx context.Context) (T, error)) (T, error) {
	timer := proxy.metrics.RequestDuration(op)
	defer timer.ObserveDuration()

	result, err := retry(ctx, proxy.settings.Retry, proxy.settings.OperationTimeout, attempt, func(err error, next time.Duration) {
		proxy.metrics.RequestRetried(op, statusCode(err))
		proxy.logger.Warn("retrying cache call",
			zap.String("op", op),
			zap.Duration("backoff", next),
			zap.Error(err))
	})

	proxy.metrics.RequestCompleted(op, err == nil)

	if err != nil {
		return result, fmt.Errorf("%s on %s: %w", op, proxy.target, err)
	}

	return result, nil
}

// KeyExists implements services.CacheService.KeyExists
func (proxy *CacheProxy) KeyExists(ctx context.Context, key string) (bool, error) {
	return call(ctx, proxy, "KeyExists", func(ctx context.Context) (bool, error) {
		resp, err := proxy.client.KeyExists(ctx, &cachepb.KeyRequest{Key: key})

		if err != nil {
			return false, err
		}

		return resp.Result, nil
	})
}

// StringGet implements services.CacheService.StringGet
func (proxy *CacheProxy) StringGet(ctx context.Context, key string) (string, bool, error) {
	resp, err := call(ctx, proxy, "StringGet", func(ctx context.Context) (*cachepb.GetResponse, error) {
		return proxy.client.StringGet(ctx, &cachepb.KeyRequest{Key: key})
	})

	if err != nil {
		return "", false, err
	}

	return resp.Value, resp.Found, nil
}

// StringSet implements services.CacheService.StringSet
func (proxy *CacheProxy) StringSet(ctx context.Context, key string, value string, expiry time.Duration) (bool, error) {
	return call(ctx, proxy, "StringSet", func(ctx context.Context) (bool, error) {
		resp, err := proxy.client.StringSet(ctx, &cachepb.SetRequest{Key: key, Value: value, ExpiryMillis: cachepb.ExpiryMillis(expiry)})

		if err != nil {
			return false, err
		}

		return resp.Result, nil
	})
}

// KeyDelete implements services.CacheService.KeyDelete
func (proxy *CacheProxy) KeyDelete(ctx context.Context, key string) (bool, error) {
	return call(ctx, proxy, "KeyDelete", func(ctx context.Context) (bool, error) {
		resp, err := proxy.client.KeyDelete(ctx, &cachepb.KeyRequest{Key: key})

		if err != nil {
			return false, err
		}

		return resp.Result, nil
	})
}

// KeysDelete implements services.CacheService.KeysDelete
func (proxy *CacheProxy) KeysDelete(ctx context.Context, keys []string) (bool, error) {
	return call(ctx, proxy, "KeysDelete", func(ctx context.Context) (bool, error) {
		resp, err := proxy.client.KeysDelete(ctx, &cachepb.KeysRequest{Keys: keys})

		if err != nil {
			return false, err
		}

		return resp.Result, nil
	})
}

// ClearAll implements services.CacheService.ClearAll
func (proxy *CacheProxy) ClearAll(ctx context.Context) error {
	_, err := call(ctx, proxy, "ClearAll", func(ctx context.Context) (*cachepb.Empty, error) {
		return proxy.client.ClearAll(ctx, &cachepb.Empty{})
	})

	return err
}

// Close closes the underlying connection
func (proxy *CacheProxy) Close() error {
	return proxy.conn.Close()
}

// Factory dials partitions and wraps the connections in proxies
type Factory struct {
	settings    ProxySettings
	logger      *zap.Logger
	metrics     metrics.Client
	dialOptions []grpc.DialOption
}

var _ topology.Factory[transport.CacheClient] = (*Factory)(nil)

// FactoryOption configures a Factory
type FactoryOption func(factory *Factory)

// WithProxySettings overrides DefaultProxySettings
func WithProxySettings(settings ProxySettings) FactoryOption {
	return func(factory *Factory) {
		factory.settings = settings
	}
}

// WithLogger sets the logger handed to every proxy
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(factory *Factory) {
		factory.logger = logger
	}
}

// WithMetrics sets the metrics handed to every proxy
func WithMetrics(m metrics.Client) FactoryOption {
	return func(factory *Factory) {
		factory.metrics = m
	}
}

// WithDialOptions appends options used when dialing a partition
func WithDialOptions(options ...grpc.DialOption) FactoryOption {
	return func(factory *Factory) {
		factory.dialOptions = append(factory.dialOptions, options...)
	}
}

// NewFactory creates a Factory. Connections are insecure and
// traced unless overridden through WithDialOptions.
func NewFactory(options ...FactoryOption) *Factory {
	factory := &Factory{
		settings: DefaultProxySettings,
		logger:   zap.NewNop(),
		metrics:  metrics.NopClient(),
		dialOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		},
	}

	for _, option := range options {
		option(factory)
	}

	return factory
}

// NewProxy implements topology.Factory.NewProxy. Connections are
// established lazily on first use.
func (factory *Factory) NewProxy(ctx context.Context, service string, p topology.Partition) (transport.CacheClient, error) {
	conn, err := grpc.NewClient(p.Address, factory.dialOptions...)

	if err != nil {
		return nil, fmt.Errorf("could not create client for %s: %w", p.Address, err)
	}

	logger := factory.logger.With(zap.String("service", service), zap.Stringer("partition", p.ID))

	return NewCacheProxy(conn, factory.settings, logger, factory.metrics), nil
}
