// Package client is the typed entry point to a partitioned cache
// service. A Cache[T] serializes values of type T, routes each key to the
// partition that owns it and invokes that partition through a proxy
// handed out by a shared Topology.
package client

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/jrife/kvcache/client/codec"
	"github.com/jrife/kvcache/topology"
	"github.com/jrife/kvcache/transport"
	"github.com/jrife/kvcache/utils/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ServiceType distinguishes cache proxies from other proxy kinds
// kept for the same service
const ServiceType = "kvcache.CacheService"

// KeySeparator joins the entity name and the caller's key
const KeySeparator = "^"

// DefaultFanOutLimit bounds the number of concurrent calls made by
// DeleteMany and ClearAll
const DefaultFanOutLimit = 16

var (
	// ErrEmptyKey is returned when an operation is given an empty key
	ErrEmptyKey = errors.New("key must not be empty")
)

// Topology caches service descriptions and partition proxies. A single
// Topology should be shared by every Cache in a process.
type Topology = topology.Cache[transport.CacheClient]

// NewTopology creates a Topology that discovers services through
// discoverer and reaches partitions through proxies built by factory
func NewTopology(discoverer topology.Discoverer, factory topology.Factory[transport.CacheClient], options ...topology.Option[transport.CacheClient]) *Topology {
	return topology.New(ServiceType, discoverer, factory, options...)
}

// Option configures a Cache
type Option[T any] func(cache *Cache[T]) error

// WithFormat selects the serialization format of values and
// collections. The default is codec.FormatJSON.
func WithFormat[T any](format codec.Format) Option[T] {
	return func(cache *Cache[T]) error {
		item, err := codec.For[T](format)

		if err != nil {
			return err
		}

		collection, err := codec.For[[]T](format)

		if err != nil {
			return err
		}

		cache.item = item
		cache.collection = collection

		return nil
	}
}

// WithCodecs sets the codecs used for single values and collections
func WithCodecs[T any](item codec.Codec[T], collection codec.Codec[[]T]) Option[T] {
	return func(cache *Cache[T]) error {
		if item == nil || collection == nil {
			return errors.New("codecs must not be nil")
		}

		cache.item = item
		cache.collection = collection

		return nil
	}
}

// WithMaxValueSize makes reads treat values longer than n
// bytes as undecodable
func WithMaxValueSize[T any](n int) Option[T] {
	return func(cache *Cache[T]) error {
		cache.maxValueSize = n

		return nil
	}
}

// WithFanOutLimit bounds the concurrency of DeleteMany and ClearAll.
// n <= 0 removes the bound.
func WithFanOutLimit[T any](n int) Option[T] {
	return func(cache *Cache[T]) error {
		cache.fanOutLimit = n

		return nil
	}
}

// WithLogger sets the logger of a Cache
func WithLogger[T any](logger *zap.Logger) Option[T] {
	return func(cache *Cache[T]) error {
		cache.logger = logger

		return nil
	}
}

// Cache stores values of type T in one cache service. Keys are
// namespaced by an entity name which defaults to the name of T.
type Cache[T any] struct {
	service      string
	topology     *Topology
	entity       string
	item         codec.Codec[T]
	collection   codec.Codec[[]T]
	maxValueSize int
	fanOutLimit  int
	logger       *zap.Logger
}

// New creates a Cache for service
func New[T any](service string, topology *Topology, options ...Option[T]) (*Cache[T], error) {
	if topology == nil {
		return nil, errors.New("topology must not be nil")
	}

	cache := &Cache[T]{
		service:     service,
		topology:    topology,
		entity:      TypeName[T](),
		item:        codec.JSON[T]{},
		collection:  codec.JSON[[]T]{},
		fanOutLimit: DefaultFanOutLimit,
		logger:      zap.NewNop(),
	}

	for _, option := range options {
		if err := option(cache); err != nil {
			return nil, fmt.Errorf("could not configure cache for %s: %w", service, err)
		}
	}

	if cache.maxValueSize > 0 {
		cache.item = codec.Limit[T]{Inner: cache.item, MaxDecode: cache.maxValueSize}
		cache.collection = codec.Limit[[]T]{Inner: cache.collection, MaxDecode: cache.maxValueSize}
	}

	cache.logger = cache.logger.With(zap.String("service", service))

	return cache, nil
}

// WithEntity returns a copy of the cache whose keys are namespaced by
// name. An empty name restores the default, the name of T.
func (cache *Cache[T]) WithEntity(name string) *Cache[T] {
	c := *cache

	if name == "" {
		name = TypeName[T]()
	}

	c.entity = name

	return &c
}

// Entity returns the name that prefixes every key
func (cache *Cache[T]) Entity() string {
	return cache.entity
}

// Key returns the composite key under which key is stored
func (cache *Cache[T]) Key(key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}

	return cache.entity + KeySeparator + key, nil
}

// Exists returns true if a live value is stored under key
func (cache *Cache[T]) Exists(ctx context.Context, key string) (bool, error) {
	proxy, compositeKey, err := cache.proxyForKey(ctx, key)

	if err != nil {
		return false, err
	}

	return proxy.KeyExists(ctx, compositeKey)
}

// Get returns the value stored under key. A value that is
// absent or cannot be decoded is reported as not found.
func (cache *Cache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	return get(ctx, cache, key, cache.item)
}

// GetCollection returns the collection stored under key
func (cache *Cache[T]) GetCollection(ctx context.Context, key string) ([]T, bool, error) {
	return get(ctx, cache, key, cache.collection)
}

// Set stores value under key. An expiry <= 0 means the
// value never expires.
func (cache *Cache[T]) Set(ctx context.Context, key string, value T, expiry time.Duration) (bool, error) {
	return set(ctx, cache, key, value, expiry, cache.item)
}

// SetCollection stores values under key
func (cache *Cache[T]) SetCollection(ctx context.Context, key string, values []T, expiry time.Duration) (bool, error) {
	return set(ctx, cache, key, values, expiry, cache.collection)
}

// Delete removes key and returns true if a live value was removed
func (cache *Cache[T]) Delete(ctx context.Context, key string) (bool, error) {
	proxy, compositeKey, err := cache.proxyForKey(ctx, key)

	if err != nil {
		return false, err
	}

	return proxy.KeyDelete(ctx, compositeKey)
}

// DeleteMany deletes keys concurrently and returns the number of
// live values removed. Keys that could not be deleted are logged and
// left out of the count. An error is returned only if ctx ends.
func (cache *Cache[T]) DeleteMany(ctx context.Context, keys []string) (int64, error) {
	var deleted atomic.Int64
	var g errgroup.Group

	if cache.fanOutLimit > 0 {
		g.SetLimit(cache.fanOutLimit)
	}

	logger := log.WithContext(ctx, cache.logger)

	for _, key := range keys {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			ok, err := cache.Delete(ctx, key)

			if err != nil {
				logger.Warn("could not delete key", zap.String("key", key), zap.Error(err))

				return nil
			}

			if ok {
				deleted.Add(1)
			}

			return nil
		})
	}

	g.Wait()

	if err := ctx.Err(); err != nil {
		return deleted.Load(), err
	}

	return deleted.Load(), nil
}

// ClearAll clears every partition of the service, including values
// stored by other entities. It succeeds only if every partition was
// cleared.
func (cache *Cache[T]) ClearAll(ctx context.Context) (bool, error) {
	ids, err := cache.topology.Partitions(ctx, cache.service)

	if err != nil {
		return false, err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cache.fanOutLimit > 0 {
		g.SetLimit(cache.fanOutLimit)
	}

	for _, id := range ids {
		g.Go(func() error {
			proxy, err := cache.topology.Proxy(gctx, cache.service, id)

			if err != nil {
				return err
			}

			if err := proxy.ClearAll(gctx); err != nil {
				return fmt.Errorf("clear partition %s: %w", id, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return false, err
	}

	log.WithContext(ctx, cache.logger).Info("cleared all partitions", zap.Int("partitions", len(ids)))

	return true, nil
}

func (cache *Cache[T]) proxyForKey(ctx context.Context, key string) (transport.CacheClient, string, error) {
	compositeKey, err := cache.Key(key)

	if err != nil {
		return nil, "", err
	}

	proxy, _, err := cache.topology.ProxyForKey(ctx, cache.service, compositeKey)

	if err != nil {
		return nil, "", err
	}

	return proxy, compositeKey, nil
}

func get[T any, V any](ctx context.Context, cache *Cache[T], key string, c codec.Codec[V]) (V, bool, error) {
	var zero V
	proxy, compositeKey, err := cache.proxyForKey(ctx, key)

	if err != nil {
		return zero, false, err
	}

	payload, found, err := proxy.StringGet(ctx, compositeKey)

	if err != nil || !found {
		return zero, false, err
	}

	value, err := c.Decode([]byte(payload))

	if err != nil {
		log.WithContext(ctx, cache.logger).Warn("could not decode value", zap.String("key", compositeKey), zap.Error(err))

		return zero, false, nil
	}

	return value, true, nil
}

func set[T any, V any](ctx context.Context, cache *Cache[T], key string, value V, expiry time.Duration, c codec.Codec[V]) (bool, error) {
	proxy, compositeKey, err := cache.proxyForKey(ctx, key)

	if err != nil {
		return false, err
	}

	payload, err := c.Encode(value)

	if err != nil {
		return false, fmt.Errorf("could not encode value for %s: %w", compositeKey, err)
	}

	return proxy.StringSet(ctx, compositeKey, string(payload), expiry)
}

// TypeName returns the fully qualified name of T, such as
// github.com/acme/orders.Order. Unnamed types use their literal form.
func TypeName[T any]() string {
	t := reflect.TypeFor[T]()

	if t.Name() == "" || t.PkgPath() == "" {
		return t.String()
	}

	return t.PkgPath() + "." + t.Name()
}
