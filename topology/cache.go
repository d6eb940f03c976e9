package topology

import (
	"context"
	"fmt"
	"io"

	"github.com/jrife/kvcache/metrics"
	"github.com/jrife/kvcache/partition"
	"github.com/jrife/kvcache/utils/lock_map"
	"github.com/jrife/kvcache/utils/observable_map"
	"go.uber.org/zap"
)

// Option configures a Cache
type Option[P any] func(cache *Cache[P])

// WithLogger sets the logger of a Cache
func WithLogger[P any](logger *zap.Logger) Option[P] {
	return func(cache *Cache[P]) {
		cache.logger = logger
	}
}

// WithMetrics sets the metrics of a Cache
func WithMetrics[P any](m metrics.Client) Option[P] {
	return func(cache *Cache[P]) {
		cache.metrics = m
	}
}

// WithCloser sets the function used to dispose of proxies. By default
// proxies implementing io.Closer are closed.
func WithCloser[P any](closer func(P) error) Option[P] {
	return func(cache *Cache[P]) {
		cache.closer = closer
	}
}

// Cache caches service descriptions and partition proxies. It is
// safe for concurrent use.
type Cache[P any] struct {
	serviceType  string
	discoverer   Discoverer
	factory      Factory[P]
	descriptions *observable_map.ObservableMap[string, Description]
	proxies      *observable_map.ObservableMap[string, P]
	locks        *lock_map.LockMap[string]
	closer       func(P) error
	logger       *zap.Logger
	metrics      metrics.Client
}

// New creates a Cache for proxies of type P. serviceType distinguishes
// proxies of different kinds built for the same service.
func New[P any](serviceType string, discoverer Discoverer, factory Factory[P], options ...Option[P]) *Cache[P] {
	cache := &Cache[P]{
		serviceType:  serviceType,
		discoverer:   discoverer,
		factory:      factory,
		descriptions: observable_map.New[string, Description](),
		proxies:      observable_map.New[string, P](),
		locks:        lock_map.New[string](),
		closer:       closeIfCloser[P],
		logger:       zap.NewNop(),
		metrics:      metrics.NopClient(),
	}

	for _, option := range options {
		option(cache)
	}

	cache.proxies.OnAdd(func(key string, _ P) {
		cache.metrics.ProxyCreated()
		cache.logger.Debug("proxy created", zap.String("proxy", key))
	})
	cache.proxies.OnDelete(func(key string, _ P) {
		cache.logger.Debug("proxy released", zap.String("proxy", key))
	})

	return cache
}

// Describe returns the description of service, discovering it
// on first use
func (cache *Cache[P]) Describe(ctx context.Context, service string) (Description, error) {
	key := cache.descriptionKey(service)

	if description, ok := cache.descriptions.Get(key); ok {
		return description, nil
	}

	if err := cache.locks.Lock(ctx, key); err != nil {
		return Description{}, err
	}

	defer cache.locks.Unlock(key)

	if description, ok := cache.descriptions.Get(key); ok {
		return description, nil
	}

	description, err := cache.discoverer.Describe(ctx, service)
	cache.metrics.DiscoveryCompleted(err == nil)

	if err != nil {
		return Description{}, fmt.Errorf("describe %s: %w", service, err)
	}

	cache.descriptions.Put(key, description)
	cache.logger.Info("discovered service topology",
		zap.String("service", service),
		zap.Stringer("scheme", description.Scheme),
		zap.Int("partitions", description.PartitionCount()))

	return description, nil
}

// PartitionCount returns the number of partitions of service. It is zero
// for singleton services.
func (cache *Cache[P]) PartitionCount(ctx context.Context, service string) (int, error) {
	description, err := cache.Describe(ctx, service)

	if err != nil {
		return 0, err
	}

	return description.PartitionCount(), nil
}

// Partitions lists the partition ids of service in the order
// they should be addressed
func (cache *Cache[P]) Partitions(ctx context.Context, service string) ([]partition.ID, error) {
	count, err := cache.PartitionCount(ctx, service)

	if err != nil {
		return nil, err
	}

	if count == 0 {
		return []partition.ID{partition.Singleton}, nil
	}

	ids := make([]partition.ID, count)

	for i := range ids {
		ids[i] = partition.ID(i + 1)
	}

	return ids, nil
}

// Proxy returns the proxy for one partition of service, creating
// it on first use
func (cache *Cache[P]) Proxy(ctx context.Context, service string, id partition.ID) (P, error) {
	var zero P
	key := cache.proxyKey(service, id)

	if proxy, ok := cache.proxies.Get(key); ok {
		return proxy, nil
	}

	if err := cache.locks.Lock(ctx, key); err != nil {
		return zero, err
	}

	defer cache.locks.Unlock(key)

	if proxy, ok := cache.proxies.Get(key); ok {
		return proxy, nil
	}

	description, err := cache.Describe(ctx, service)

	if err != nil {
		return zero, err
	}

	p, err := description.Partition(id)

	if err != nil {
		return zero, err
	}

	proxy, err := cache.factory.NewProxy(ctx, service, p)

	if err != nil {
		return zero, fmt.Errorf("create proxy %s: %w", key, err)
	}

	winner, loaded := cache.proxies.PutIfAbsent(key, proxy)

	if loaded {
		if err := cache.closer(proxy); err != nil {
			cache.logger.Warn("could not close redundant proxy", zap.String("proxy", key), zap.Error(err))
		}
	}

	return winner, nil
}

// ProxyForKey hashes key onto a partition of service and returns
// that partition's proxy
func (cache *Cache[P]) ProxyForKey(ctx context.Context, service string, key string) (P, partition.ID, error) {
	var zero P
	count, err := cache.PartitionCount(ctx, service)

	if err != nil {
		return zero, 0, err
	}

	id := partition.Resolve(key, count)
	proxy, err := cache.Proxy(ctx, service, id)

	if err != nil {
		return zero, id, err
	}

	return proxy, id, nil
}

// Close disposes of every cached proxy. The cache must not be
// used afterwards.
func (cache *Cache[P]) Close() error {
	var firstErr error

	cache.proxies.Range(func(key string, proxy P) bool {
		if cache.proxies.Delete(key) {
			if err := cache.closer(proxy); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close proxy %s: %w", key, err)
			}
		}

		return true
	})

	return firstErr
}

func (cache *Cache[P]) descriptionKey(service string) string {
	return cache.serviceType + "_" + service
}

func (cache *Cache[P]) proxyKey(service string, id partition.ID) string {
	return cache.serviceType + "_" + service + "_" + id.String()
}

func closeIfCloser[P any](proxy P) error {
	if closer, ok := any(proxy).(io.Closer); ok {
		return closer.Close()
	}

	return nil
}
