package bbolt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jrife/kvcache/storage/kv"
	"github.com/jrife/kvcache/utils/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// DriverName is the name under which this plugin is registered
	DriverName = "bbolt"
)

// Plugins returns the plugins provided by this package
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&BBoltPlugin{},
	}
}

var _ kv.Plugin = (*BBoltPlugin)(nil)

// BBoltPlugin opens root stores backed by a single bbolt file
type BBoltPlugin struct {
}

// Name implements kv.Plugin.Name
func (plugin *BBoltPlugin) Name() string {
	return DriverName
}

// NewRootStore implements kv.Plugin.NewRootStore. The "path"
// option is required. "timeout" optionally bounds how long
// opening waits for the file lock.
func (plugin *BBoltPlugin) NewRootStore(options kv.PluginOptions) (kv.RootStore, error) {
	var config BBoltRootStoreConfig

	if path, ok := options["path"]; !ok {
		return nil, fmt.Errorf("\"path\" is required")
	} else if pathString, ok := path.(string); !ok {
		return nil, fmt.Errorf("\"path\" must be a string")
	} else {
		config.Path = pathString
	}

	if timeout, ok := options["timeout"]; ok {
		if d, ok := timeout.(time.Duration); ok {
			config.Timeout = d
		} else {
			return nil, fmt.Errorf("\"timeout\" must be a time.Duration")
		}
	}

	return New(config)
}

// NewTempRootStore implements kv.Plugin.NewTempRootStore
func (plugin *BBoltPlugin) NewTempRootStore() (kv.RootStore, error) {
	return plugin.NewRootStore(kv.PluginOptions{
		"path": filepath.Join(os.TempDir(), fmt.Sprintf("bbolt-%s", uuid.MustUUID())),
	})
}

// BBoltRootStoreConfig configures a bbolt root store
type BBoltRootStoreConfig struct {
	Path    string
	Timeout time.Duration
}

var _ kv.RootStore = (*BBoltRootStore)(nil)

// New opens the bbolt file at config.Path, creating it if needed
func New(config BBoltRootStoreConfig) (*BBoltRootStore, error) {
	db, err := bolt.Open(config.Path, 0666, &bolt.Options{Timeout: config.Timeout})

	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %w", config.Path, err)
	}

	return &BBoltRootStore{db: db}, nil
}

// BBoltRootStore is a root store in which every
// dictionary is a top-level bucket
type BBoltRootStore struct {
	// Held for reading by transactions and for writing by Close
	closeMu sync.RWMutex
	closed  bool
	db      *bolt.DB
}

// Close implements kv.RootStore.Close
func (store *BBoltRootStore) Close() error {
	store.closeMu.Lock()
	defer store.closeMu.Unlock()

	if store.closed {
		return nil
	}

	store.closed = true

	return store.db.Close()
}

// Delete implements kv.RootStore.Delete
func (store *BBoltRootStore) Delete() error {
	path := store.db.Path()

	if err := store.Close(); err != nil {
		return fmt.Errorf("could not close store: %w", err)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("could not remove path %s: %w", path, err)
	}

	return nil
}

// Dictionary implements kv.RootStore.Dictionary
func (store *BBoltRootStore) Dictionary(name string) kv.Dictionary {
	return &BBoltDictionary{store: store, name: name}
}

var _ kv.Dictionary = (*BBoltDictionary)(nil)

// BBoltDictionary is a dictionary stored in one bucket
type BBoltDictionary struct {
	store *BBoltRootStore
	name  string
}

// Name implements kv.Dictionary.Name
func (dictionary *BBoltDictionary) Name() string {
	return dictionary.name
}

// Create implements kv.Dictionary.Create
func (dictionary *BBoltDictionary) Create(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dictionary.store.closeMu.RLock()
	defer dictionary.store.closeMu.RUnlock()

	if dictionary.store.closed {
		return kv.ErrClosed
	}

	return dictionary.store.db.Update(func(txn *bolt.Tx) error {
		_, err := txn.CreateBucketIfNotExists([]byte(dictionary.name))

		return err
	})
}

// Begin implements kv.Dictionary.Begin. bbolt admits one writable
// transaction at a time so Begin(ctx, true) blocks while another
// writable transaction is open. The wait is not interruptible but
// ctx is checked before and after it.
func (dictionary *BBoltDictionary) Begin(ctx context.Context, writable bool) (kv.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dictionary.store.closeMu.RLock()

	if dictionary.store.closed {
		dictionary.store.closeMu.RUnlock()

		return nil, kv.ErrClosed
	}

	transaction, err := dictionary.store.db.Begin(writable)

	if err != nil {
		dictionary.store.closeMu.RUnlock()

		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}

	txn := &BBoltTransaction{
		transaction: transaction,
		bucket:      transaction.Bucket([]byte(dictionary.name)),
		name:        dictionary.name,
		release:     dictionary.store.closeMu.RUnlock,
	}

	if txn.bucket == nil {
		txn.Rollback()

		return nil, kv.ErrNoSuchDictionary
	}

	if err := ctx.Err(); err != nil {
		txn.Rollback()

		return nil, err
	}

	return txn, nil
}

var _ kv.Transaction = (*BBoltTransaction)(nil)

// BBoltTransaction wraps a bbolt transaction scoped to one bucket
type BBoltTransaction struct {
	transaction *bolt.Tx
	bucket      *bolt.Bucket
	name        string
	release     func()
	done        bool
}

func (transaction *BBoltTransaction) check(write bool) error {
	if transaction.done {
		return kv.ErrTxnClosed
	}

	if write && !transaction.transaction.Writable() {
		return kv.ErrReadOnly
	}

	return nil
}

// ContainsKey implements kv.Transaction.ContainsKey
func (transaction *BBoltTransaction) ContainsKey(key string) (bool, error) {
	if err := transaction.check(false); err != nil {
		return false, err
	}

	return transaction.bucket.Get([]byte(key)) != nil, nil
}

// TryGet implements kv.Transaction.TryGet
func (transaction *BBoltTransaction) TryGet(key string) ([]byte, bool, error) {
	if err := transaction.check(false); err != nil {
		return nil, false, err
	}

	value := transaction.bucket.Get([]byte(key))

	if value == nil {
		return nil, false, nil
	}

	// bbolt values are only valid for the life of the transaction
	return append([]byte{}, value...), true, nil
}

// TryRemove implements kv.Transaction.TryRemove
func (transaction *BBoltTransaction) TryRemove(key string) ([]byte, bool, error) {
	if err := transaction.check(true); err != nil {
		return nil, false, err
	}

	value, ok, err := transaction.TryGet(key)

	if err != nil || !ok {
		return nil, false, err
	}

	if err := transaction.bucket.Delete([]byte(key)); err != nil {
		return nil, false, err
	}

	return value, true, nil
}

// Set implements kv.Transaction.Set
func (transaction *BBoltTransaction) Set(key string, value []byte) error {
	if err := transaction.check(true); err != nil {
		return err
	}

	if value == nil {
		value = []byte{}
	}

	return transaction.bucket.Put([]byte(key), value)
}

// Add implements kv.Transaction.Add
func (transaction *BBoltTransaction) Add(key string, value []byte) error {
	if ok, err := transaction.ContainsKey(key); err != nil {
		return err
	} else if ok {
		return kv.ErrKeyExists
	}

	return transaction.Set(key, value)
}

// Clear implements kv.Transaction.Clear by recreating the bucket
func (transaction *BBoltTransaction) Clear() error {
	if err := transaction.check(true); err != nil {
		return err
	}

	name := []byte(transaction.name)

	if err := transaction.transaction.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return err
	}

	bucket, err := transaction.transaction.CreateBucket(name)

	if err != nil {
		return err
	}

	transaction.bucket = bucket

	return nil
}

// ForEach implements kv.Transaction.ForEach
func (transaction *BBoltTransaction) ForEach(fn func(key string, value []byte) error) error {
	if err := transaction.check(false); err != nil {
		return err
	}

	return transaction.bucket.ForEach(func(k, v []byte) error {
		return fn(string(k), v)
	})
}

// Commit implements kv.Transaction.Commit
func (transaction *BBoltTransaction) Commit() error {
	if err := transaction.check(false); err != nil {
		return err
	}

	transaction.done = true
	defer transaction.release()

	if !transaction.transaction.Writable() {
		return transaction.transaction.Rollback()
	}

	return transaction.transaction.Commit()
}

// Rollback implements kv.Transaction.Rollback
func (transaction *BBoltTransaction) Rollback() error {
	if transaction.done {
		return nil
	}

	transaction.done = true
	defer transaction.release()

	return transaction.transaction.Rollback()
}
