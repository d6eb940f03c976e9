// Package redis provides a kv plugin backed by a Redis server. Each
// dictionary is a Redis hash. Writable transactions buffer their writes
// and apply them with MULTI/EXEC at commit time. Commit validates the
// entries a writable transaction read against the committed state and
// fails with kv.ErrConflict if any of them changed. A transaction that
// listed the whole dictionary is validated against a per-dictionary
// version key instead. Reads observe the latest committed state rather
// than a snapshot taken when the transaction began.
package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/jrife/kvcache/storage/kv"
	"github.com/jrife/kvcache/utils/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	// DriverName is the name under which this plugin is registered
	DriverName = "redis"
	// TestAddrEnv names the environment variable holding the address
	// of the server used for temporary stores
	TestAddrEnv = "KVCACHE_TEST_REDIS_ADDR"
)

// ErrNilClient is returned when a root store is built without a client
var ErrNilClient = errors.New("redis: nil client")

// Plugins returns the plugins provided by this package
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&RedisPlugin{},
	}
}

var _ kv.Plugin = (*RedisPlugin)(nil)

// RedisPlugin opens Redis backed root stores
type RedisPlugin struct {
}

// Name implements kv.Plugin.Name
func (plugin *RedisPlugin) Name() string {
	return DriverName
}

// NewRootStore implements kv.Plugin.NewRootStore. Either "client"
// (a goredis.UniversalClient owned by the caller) or "addr" must be
// set. "prefix" namespaces every key written by the store.
func (plugin *RedisPlugin) NewRootStore(options kv.PluginOptions) (kv.RootStore, error) {
	var config Config

	if prefix, ok := options["prefix"]; ok {
		if s, ok := prefix.(string); ok {
			config.Prefix = s
		} else {
			return nil, fmt.Errorf("\"prefix\" must be a string")
		}
	}

	if client, ok := options["client"]; ok {
		c, ok := client.(goredis.UniversalClient)

		if !ok {
			return nil, fmt.Errorf("\"client\" must be a goredis.UniversalClient")
		}

		config.Client = c
	} else if addr, ok := options["addr"]; ok {
		s, ok := addr.(string)

		if !ok {
			return nil, fmt.Errorf("\"addr\" must be a string")
		}

		config.Client = goredis.NewClient(&goredis.Options{Addr: s})
		config.CloseClient = true
	} else {
		return nil, fmt.Errorf("one of \"client\" or \"addr\" is required")
	}

	return New(config)
}

// NewTempRootStore implements kv.Plugin.NewTempRootStore. It needs a
// server address in KVCACHE_TEST_REDIS_ADDR and returns
// kv.ErrPluginUnavailable otherwise.
func (plugin *RedisPlugin) NewTempRootStore() (kv.RootStore, error) {
	addr := os.Getenv(TestAddrEnv)

	if addr == "" {
		return nil, fmt.Errorf("%s is not set: %w", TestAddrEnv, kv.ErrPluginUnavailable)
	}

	return plugin.NewRootStore(kv.PluginOptions{
		"addr":   addr,
		"prefix": fmt.Sprintf("kvcache-test-%s:", uuid.MustUUID()),
	})
}

// Config configures a RedisRootStore
type Config struct {
	Client goredis.UniversalClient
	// CloseClient is true only if the store exclusively owns the client
	CloseClient bool
	Prefix      string
}

var _ kv.RootStore = (*RedisRootStore)(nil)

// RedisRootStore is a root store whose dictionaries
// live in a Redis keyspace under a common prefix
type RedisRootStore struct {
	mu     sync.RWMutex
	closed bool
	config Config
}

// New creates a RedisRootStore
func New(config Config) (*RedisRootStore, error) {
	if config.Client == nil {
		return nil, ErrNilClient
	}

	return &RedisRootStore{config: config}, nil
}

func (store *RedisRootStore) registryKey() string {
	return store.config.Prefix + "dictionaries"
}

func (store *RedisRootStore) hashKey(dictionary string) string {
	return store.config.Prefix + "dict:" + dictionary
}

func (store *RedisRootStore) versionKey(dictionary string) string {
	return store.config.Prefix + "version:" + dictionary
}

// Close implements kv.RootStore.Close
func (store *RedisRootStore) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return nil
	}

	store.closed = true

	if store.config.CloseClient {
		if err := store.config.Client.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}

	return nil
}

// Delete implements kv.RootStore.Delete
func (store *RedisRootStore) Delete() error {
	ctx := context.Background()

	store.mu.RLock()
	closed := store.closed
	store.mu.RUnlock()

	if !closed {
		names, err := store.config.Client.SMembers(ctx, store.registryKey()).Result()

		if err != nil {
			return fmt.Errorf("could not list dictionaries: %w", err)
		}

		keys := []string{store.registryKey()}

		for _, name := range names {
			keys = append(keys, store.hashKey(name), store.versionKey(name))
		}

		if err := store.config.Client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("could not delete dictionaries: %w", err)
		}
	}

	return store.Close()
}

// Dictionary implements kv.RootStore.Dictionary
func (store *RedisRootStore) Dictionary(name string) kv.Dictionary {
	return &RedisDictionary{store: store, name: name}
}

var _ kv.Dictionary = (*RedisDictionary)(nil)

// RedisDictionary is a handle to a dictionary in a RedisRootStore
type RedisDictionary struct {
	store *RedisRootStore
	name  string
}

// Name implements kv.Dictionary.Name
func (dictionary *RedisDictionary) Name() string {
	return dictionary.name
}

// Create implements kv.Dictionary.Create
func (dictionary *RedisDictionary) Create(ctx context.Context) error {
	dictionary.store.mu.RLock()
	defer dictionary.store.mu.RUnlock()

	if dictionary.store.closed {
		return kv.ErrClosed
	}

	if err := dictionary.store.config.Client.SAdd(ctx, dictionary.store.registryKey(), dictionary.name).Err(); err != nil {
		return fmt.Errorf("create dictionary %s: %w", dictionary.name, err)
	}

	return nil
}

// Begin implements kv.Dictionary.Begin
func (dictionary *RedisDictionary) Begin(ctx context.Context, writable bool) (kv.Transaction, error) {
	dictionary.store.mu.RLock()

	if dictionary.store.closed {
		dictionary.store.mu.RUnlock()

		return nil, kv.ErrClosed
	}

	client := dictionary.store.config.Client
	exists, err := client.SIsMember(ctx, dictionary.store.registryKey(), dictionary.name).Result()

	if err != nil {
		dictionary.store.mu.RUnlock()

		return nil, fmt.Errorf("could not look up dictionary: %w", err)
	}

	if !exists {
		dictionary.store.mu.RUnlock()

		return nil, kv.ErrNoSuchDictionary
	}

	txn := &RedisTransaction{
		ctx:        ctx,
		client:     client,
		hashKey:    dictionary.store.hashKey(dictionary.name),
		versionKey: dictionary.store.versionKey(dictionary.name),
		writable:   writable,
		buffer:     kv.NewWriteBuffer(),
		reads:      map[string]observation{},
		release:    dictionary.store.mu.RUnlock,
	}

	return txn, nil
}

// observation is what a transaction saw of one committed entry
type observation struct {
	found bool
	// value is nil when only existence was read
	value []byte
}

func (o observation) matches(current interface{}) bool {
	s, ok := current.(string)

	if !ok {
		return !o.found
	}

	return o.found && (o.value == nil || s == string(o.value))
}

var _ kv.Transaction = (*RedisTransaction)(nil)

// RedisTransaction is a buffered transaction on a Redis hash
type RedisTransaction struct {
	ctx        context.Context
	client     goredis.UniversalClient
	hashKey    string
	versionKey string
	writable   bool
	buffer     *kv.WriteBuffer
	// committed entries read by a writable transaction, keyed by field
	reads map[string]observation
	// set once the whole dictionary was listed
	listed  bool
	version int64
	release    func()
	done       bool
}

func (transaction *RedisTransaction) check(write bool) error {
	if transaction.done {
		return kv.ErrTxnClosed
	}

	if write && !transaction.writable {
		return kv.ErrReadOnly
	}

	return nil
}

func (transaction *RedisTransaction) observe(key string, o observation) {
	if !transaction.writable {
		return
	}

	// the first observation is kept so a later change fails validation
	if _, ok := transaction.reads[key]; !ok {
		transaction.reads[key] = o
	}
}

func (transaction *RedisTransaction) get(key string) ([]byte, bool, error) {
	if value, found, known := transaction.buffer.Lookup(key); known {
		return value, found, nil
	}

	value, err := transaction.client.HGet(transaction.ctx, transaction.hashKey, key).Bytes()

	if errors.Is(err, goredis.Nil) {
		transaction.observe(key, observation{})

		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}

	if value == nil {
		value = []byte{}
	}

	transaction.observe(key, observation{found: true, value: value})

	return value, true, nil
}

// ContainsKey implements kv.Transaction.ContainsKey
func (transaction *RedisTransaction) ContainsKey(key string) (bool, error) {
	if err := transaction.check(false); err != nil {
		return false, err
	}

	if _, found, known := transaction.buffer.Lookup(key); known {
		return found, nil
	}

	ok, err := transaction.client.HExists(transaction.ctx, transaction.hashKey, key).Result()

	if err != nil {
		return false, fmt.Errorf("exists %q: %w", key, err)
	}

	transaction.observe(key, observation{found: ok})

	return ok, nil
}

// TryGet implements kv.Transaction.TryGet
func (transaction *RedisTransaction) TryGet(key string) ([]byte, bool, error) {
	if err := transaction.check(false); err != nil {
		return nil, false, err
	}

	return transaction.get(key)
}

// TryRemove implements kv.Transaction.TryRemove
func (transaction *RedisTransaction) TryRemove(key string) ([]byte, bool, error) {
	if err := transaction.check(true); err != nil {
		return nil, false, err
	}

	value, ok, err := transaction.get(key)

	if err != nil || !ok {
		return nil, false, err
	}

	transaction.buffer.Remove(key)

	return value, true, nil
}

// Set implements kv.Transaction.Set
func (transaction *RedisTransaction) Set(key string, value []byte) error {
	if err := transaction.check(true); err != nil {
		return err
	}

	transaction.buffer.Put(key, append([]byte{}, value...))

	return nil
}

// Add implements kv.Transaction.Add
func (transaction *RedisTransaction) Add(key string, value []byte) error {
	if ok, err := transaction.ContainsKey(key); err != nil {
		return err
	} else if ok {
		return kv.ErrKeyExists
	}

	return transaction.Set(key, value)
}

// Clear implements kv.Transaction.Clear
func (transaction *RedisTransaction) Clear() error {
	if err := transaction.check(true); err != nil {
		return err
	}

	transaction.buffer.Clear()

	return nil
}

// ForEach implements kv.Transaction.ForEach
func (transaction *RedisTransaction) ForEach(fn func(key string, value []byte) error) error {
	if err := transaction.check(false); err != nil {
		return err
	}

	view := treemap.NewWithStringComparator()

	if !transaction.buffer.Cleared() {
		if transaction.writable && !transaction.listed {
			version, err := transaction.client.Get(transaction.ctx, transaction.versionKey).Int64()

			if err != nil && !errors.Is(err, goredis.Nil) {
				return fmt.Errorf("read dictionary version: %w", err)
			}

			transaction.listed = true
			transaction.version = version
		}

		committed, err := transaction.client.HGetAll(transaction.ctx, transaction.hashKey).Result()

		if err != nil {
			return fmt.Errorf("list entries: %w", err)
		}

		for key, value := range committed {
			view.Put(key, []byte(value))
		}
	}

	transaction.buffer.Apply(view)

	return kv.ForEachIn(view, fn)
}

// Commit implements kv.Transaction.Commit
func (transaction *RedisTransaction) Commit() error {
	if err := transaction.check(false); err != nil {
		return err
	}

	transaction.done = true
	defer transaction.release()

	if !transaction.writable || transaction.buffer.Empty() {
		return nil
	}

	ctx := transaction.ctx
	watched := []string{transaction.hashKey}

	if transaction.listed {
		watched = append(watched, transaction.versionKey)
	}

	err := transaction.client.Watch(ctx, func(tx *goredis.Tx) error {
		if err := transaction.validate(tx); err != nil {
			return err
		}

		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if transaction.buffer.Cleared() {
				pipe.Del(ctx, transaction.hashKey)
			}

			transaction.buffer.Each(func(key string, value []byte) {
				if value == nil {
					pipe.HDel(ctx, transaction.hashKey, key)
				} else {
					pipe.HSet(ctx, transaction.hashKey, key, value)
				}
			})

			pipe.Incr(ctx, transaction.versionKey)

			return nil
		})

		return err
	}, watched...)

	if errors.Is(err, goredis.TxFailedErr) {
		return kv.ErrConflict
	}

	return err
}

// validate fails with kv.ErrConflict if an entry this transaction read
// has changed since. It runs while the hash is watched so nothing can
// change between validation and EXEC without failing the EXEC.
func (transaction *RedisTransaction) validate(tx *goredis.Tx) error {
	ctx := transaction.ctx

	if transaction.listed {
		version, err := tx.Get(ctx, transaction.versionKey).Int64()

		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}

		if version != transaction.version {
			return kv.ErrConflict
		}
	}

	if len(transaction.reads) == 0 {
		return nil
	}

	fields := make([]string, 0, len(transaction.reads))

	for field := range transaction.reads {
		fields = append(fields, field)
	}

	current, err := tx.HMGet(ctx, transaction.hashKey, fields...).Result()

	if err != nil {
		return err
	}

	for i, field := range fields {
		if !transaction.reads[field].matches(current[i]) {
			return kv.ErrConflict
		}
	}

	return nil
}

// Rollback implements kv.Transaction.Rollback
func (transaction *RedisTransaction) Rollback() error {
	if transaction.done {
		return nil
	}

	transaction.done = true
	transaction.release()

	return nil
}
