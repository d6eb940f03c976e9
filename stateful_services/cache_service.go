// Package stateful_services contains the services hosted by a partition
// replica. CacheService executes cache operations against the replica's
// transactional dictionary. Every operation runs in its own transaction
// which is committed only if the whole operation succeeds.
package stateful_services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrife/kvcache/metrics"
	"github.com/jrife/kvcache/storage/entry"
	"github.com/jrife/kvcache/storage/kv"
	"github.com/jrife/kvcache/transport/services"
	"github.com/jrife/kvcache/utils/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultDictionary is the name of the dictionary holding cache entries
const DefaultDictionary = "cacheDictionary"

// DefaultSweepInterval is how often expired entries are removed
const DefaultSweepInterval = time.Minute

var (
	// ErrNotReady is returned by every operation until the
	// dictionary has been opened by Open or Run
	ErrNotReady = errors.New("cache service is not ready")
)

// OpError reports a store failure when the service runs
// with StrictErrors
type OpError struct {
	Op  string
	Key string
	Err error
}

func (err *OpError) Error() string {
	if err.Key == "" {
		return fmt.Sprintf("%s: %s", err.Op, err.Err)
	}

	return fmt.Sprintf("%s %q: %s", err.Op, err.Key, err.Err)
}

func (err *OpError) Unwrap() error {
	return err.Err
}

// ErrorMode decides what callers see when the store fails
type ErrorMode int

const (
	// ContainErrors turns store failures into negative results: false,
	// absent or a no-op. Failures are only visible in the logs.
	ContainErrors ErrorMode = iota
	// StrictErrors returns store failures to the caller as *OpError
	StrictErrors
)

// Option configures a CacheService
type Option func(service *CacheService)

// WithDictionary overrides DefaultDictionary
func WithDictionary(name string) Option {
	return func(service *CacheService) {
		service.dictionaryName = name
	}
}

// WithErrorMode sets how store failures are reported
func WithErrorMode(mode ErrorMode) Option {
	return func(service *CacheService) {
		service.mode = mode
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(service *CacheService) {
		service.logger = logger
	}
}

// WithMetrics sets the metrics
func WithMetrics(m metrics.Store) Option {
	return func(service *CacheService) {
		service.metrics = m
	}
}

// WithClock replaces time.Now for expiry decisions
func WithClock(now func() time.Time) Option {
	return func(service *CacheService) {
		service.now = now
	}
}

// WithSweepInterval overrides DefaultSweepInterval. An interval
// <= 0 disables the sweeper.
func WithSweepInterval(interval time.Duration) Option {
	return func(service *CacheService) {
		service.sweepInterval = interval
	}
}

// WithDeleteConcurrency bounds the number of concurrent removals
// issued by KeysDelete
func WithDeleteConcurrency(n int) Option {
	return func(service *CacheService) {
		service.deleteConcurrency = n
	}
}

var _ services.CacheService = (*CacheService)(nil)

// CacheService implements services.CacheService on top of a kv.RootStore
type CacheService struct {
	store             kv.RootStore
	dictionaryName    string
	dictionary        atomic.Pointer[kv.Dictionary]
	mode              ErrorMode
	logger            *zap.Logger
	metrics           metrics.Store
	now               func() time.Time
	sweepInterval     time.Duration
	deleteConcurrency int

	mu             sync.Mutex
	readyObservers []func(ready bool)
}

// New creates a CacheService. The service rejects operations with
// ErrNotReady until Open or Run succeeds.
func New(store kv.RootStore, options ...Option) *CacheService {
	service := &CacheService{
		store:             store,
		dictionaryName:    DefaultDictionary,
		logger:            zap.NewNop(),
		metrics:           metrics.NopStore(),
		now:               time.Now,
		sweepInterval:     DefaultSweepInterval,
		deleteConcurrency: 16,
	}

	for _, option := range options {
		option(service)
	}

	return service
}

// OnReady registers an observer that is notified whenever the
// service starts or stops accepting operations
func (service *CacheService) OnReady(observer func(ready bool)) {
	service.mu.Lock()
	defer service.mu.Unlock()

	service.readyObservers = append(service.readyObservers, observer)
}

func (service *CacheService) setReady(dictionary kv.Dictionary) {
	var previous *kv.Dictionary

	if dictionary == nil {
		previous = service.dictionary.Swap(nil)
	} else {
		previous = service.dictionary.Swap(&dictionary)
	}

	if (previous != nil) == (dictionary != nil) {
		return
	}

	service.mu.Lock()
	observers := service.readyObservers
	service.mu.Unlock()

	for _, observer := range observers {
		observer(dictionary != nil)
	}
}

// Ready returns true if the service accepts operations
func (service *CacheService) Ready() bool {
	return service.dictionary.Load() != nil
}

// Open gets or creates the dictionary and starts accepting operations.
// Calling Open on a ready service has no effect.
func (service *CacheService) Open(ctx context.Context) error {
	if service.Ready() {
		return nil
	}

	dictionary := service.store.Dictionary(service.dictionaryName)

	if err := dictionary.Create(ctx); err != nil {
		return fmt.Errorf("could not create dictionary %s: %w", service.dictionaryName, err)
	}

	service.setReady(dictionary)
	service.logger.Info("cache dictionary ready", zap.String("dictionary", service.dictionaryName))

	return nil
}

// Suspend stops accepting operations. In-flight
// operations are not interrupted.
func (service *CacheService) Suspend() {
	service.setReady(nil)
}

// Run opens the service then removes expired entries periodically
// until ctx is done. The service is suspended when Run returns.
func (service *CacheService) Run(ctx context.Context) error {
	if err := service.Open(ctx); err != nil {
		return err
	}

	defer service.Suspend()

	if service.sweepInterval <= 0 {
		<-ctx.Done()

		return nil
	}

	ticker := time.NewTicker(service.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := service.Sweep(ctx); err != nil && ctx.Err() == nil {
				service.logger.Warn("could not sweep expired entries", zap.Error(err))
			}
		}
	}
}

// Sweep removes every expired entry in one transaction and returns the
// number of entries removed. Entries that cannot be decoded are
// left alone.
func (service *CacheService) Sweep(ctx context.Context) (int, error) {
	dictionary, err := service.currentDictionary()

	if err != nil {
		return 0, err
	}

	now := service.now()
	var expired []string

	err = kv.Update(ctx, dictionary, func(txn kv.Transaction) error {
		expired = nil
		err := txn.ForEach(func(key string, value []byte) error {
			if e, err := entry.Decode(value); err == nil && e.Expired(now) {
				expired = append(expired, key)
			}

			return nil
		})

		if err != nil {
			return err
		}

		for _, key := range expired {
			if _, _, err := txn.TryRemove(key); err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		return 0, err
	}

	if len(expired) > 0 {
		service.metrics.EntriesExpired(len(expired))
		service.logger.Debug("swept expired entries", zap.Int("count", len(expired)))
	}

	return len(expired), nil
}

func (service *CacheService) currentDictionary() (kv.Dictionary, error) {
	dictionary := service.dictionary.Load()

	if dictionary == nil {
		return nil, ErrNotReady
	}

	return *dictionary, nil
}

// execute runs one cache operation and applies the error mode to its
// failure. fallback is returned whenever the operation fails.
func execute[T any](ctx context.Context, service *CacheService, op string, key string, fallback T, fn func(dictionary kv.Dictionary) (T, error)) (T, error) {
	timer := service.metrics.OperationDuration(op)
	defer timer.ObserveDuration()

	// frontends attach a request scoped logger
	logger, _ := log.LoggerFromContext(ctx, log.WithContext(ctx, service.logger))
	logger = logger.With(zap.String("op", op))

	if key != "" {
		logger = logger.With(zap.String("key", key))
	}

	logger.Debug("cache operation")

	dictionary, err := service.currentDictionary()

	if err != nil {
		service.metrics.OperationCompleted(op, metrics.OutcomeNotReady)

		return fallback, err
	}

	result, err := fn(dictionary)

	if err == nil {
		service.metrics.OperationCompleted(op, metrics.OutcomeOK)

		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		service.metrics.OperationCompleted(op, metrics.OutcomeFailed)

		return fallback, ctxErr
	}

	if service.mode == StrictErrors {
		logger.Error("cache operation failed", zap.Error(err))
		service.metrics.OperationCompleted(op, metrics.OutcomeFailed)

		return fallback, &OpError{Op: op, Key: key, Err: err}
	}

	logger.Error("cache operation failed, reporting negative result", zap.Error(err))
	service.metrics.OperationCompleted(op, metrics.OutcomeContained)

	return fallback, nil
}

// liveEntry reads the entry under key. Expired entries are
// reported as absent.
func (service *CacheService) liveEntry(txn kv.Transaction, key string) (entry.Entry, bool, error) {
	raw, ok, err := txn.TryGet(key)

	if err != nil || !ok {
		return entry.Entry{}, false, err
	}

	e, err := entry.Decode(raw)

	if err != nil {
		return entry.Entry{}, false, err
	}

	if e.Expired(service.now()) {
		return entry.Entry{}, false, nil
	}

	return e, true, nil
}

// KeyExists implements services.CacheService.KeyExists
func (service *CacheService) KeyExists(ctx context.Context, key string) (bool, error) {
	return execute(ctx, service, "KeyExists", key, false, func(dictionary kv.Dictionary) (bool, error) {
		var exists bool

		err := kv.View(ctx, dictionary, func(txn kv.Transaction) error {
			var err error
			_, exists, err = service.liveEntry(txn, key)

			return err
		})

		return exists, err
	})
}

type getResult struct {
	value string
	found bool
}

// StringGet implements services.CacheService.StringGet
func (service *CacheService) StringGet(ctx context.Context, key string) (string, bool, error) {
	result, err := execute(ctx, service, "StringGet", key, getResult{}, func(dictionary kv.Dictionary) (getResult, error) {
		var result getResult

		err := kv.View(ctx, dictionary, func(txn kv.Transaction) error {
			e, ok, err := service.liveEntry(txn, key)
			result = getResult{value: e.Value, found: ok}

			return err
		})

		return result, err
	})

	return result.value, result.found, err
}

// StringSet implements services.CacheService.StringSet. Existing values
// are overwritten, new keys are added.
func (service *CacheService) StringSet(ctx context.Context, key string, value string, expiry time.Duration) (bool, error) {
	return execute(ctx, service, "StringSet", key, false, func(dictionary kv.Dictionary) (bool, error) {
		encoded := entry.Encode(entry.New(value, expiry, service.now()))

		err := kv.Update(ctx, dictionary, func(txn kv.Transaction) error {
			exists, err := txn.ContainsKey(key)

			if err != nil {
				return err
			}

			if exists {
				return txn.Set(key, encoded)
			}

			return txn.Add(key, encoded)
		})

		return err == nil, err
	})
}

// KeyDelete implements services.CacheService.KeyDelete
func (service *CacheService) KeyDelete(ctx context.Context, key string) (bool, error) {
	return execute(ctx, service, "KeyDelete", key, false, func(dictionary kv.Dictionary) (bool, error) {
		var removed bool

		err := kv.Update(ctx, dictionary, func(txn kv.Transaction) error {
			removed = false
			raw, ok, err := txn.TryRemove(key)

			if err != nil || !ok {
				return err
			}

			e, err := entry.Decode(raw)
			removed = err != nil || !e.Expired(service.now())

			return nil
		})

		return removed && err == nil, err
	})
}

// KeysDelete implements services.CacheService.KeysDelete. Removals are
// issued concurrently against one transaction which is committed once
// all of them complete.
func (service *CacheService) KeysDelete(ctx context.Context, keys []string) (bool, error) {
	return execute(ctx, service, "KeysDelete", "", false, func(dictionary kv.Dictionary) (bool, error) {
		err := kv.Update(ctx, dictionary, func(txn kv.Transaction) error {
			shared := kv.Synchronized(txn)
			g, gctx := errgroup.WithContext(ctx)

			if service.deleteConcurrency > 0 {
				g.SetLimit(service.deleteConcurrency)
			}

			for _, key := range keys {
				g.Go(func() error {
					if err := gctx.Err(); err != nil {
						return err
					}

					_, _, err := shared.TryRemove(key)

					return err
				})
			}

			return g.Wait()
		})

		return err == nil, err
	})
}

// ClearAll implements services.CacheService.ClearAll
func (service *CacheService) ClearAll(ctx context.Context) error {
	_, err := execute(ctx, service, "ClearAll", "", struct{}{}, func(dictionary kv.Dictionary) (struct{}, error) {
		return struct{}{}, kv.Update(ctx, dictionary, func(txn kv.Transaction) error {
			return txn.Clear()
		})
	})

	return err
}
