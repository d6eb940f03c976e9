// Package memory provides an in-memory kv plugin. Dictionaries are
// ordered treemaps. A writable transaction holds the dictionary's write
// lock until it ends and buffers its writes so that rollback is free.
// It is intended for tests and for caches that do not need to survive
// a restart.
package memory

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/jrife/kvcache/storage/kv"
)

const (
	// DriverName is the name under which this plugin is registered
	DriverName = "memory"
)

// Plugins returns the plugins provided by this package
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&MemoryPlugin{},
	}
}

var _ kv.Plugin = (*MemoryPlugin)(nil)

// MemoryPlugin creates in-memory root stores
type MemoryPlugin struct {
}

// Name implements kv.Plugin.Name
func (plugin *MemoryPlugin) Name() string {
	return DriverName
}

// NewRootStore implements kv.Plugin.NewRootStore. It takes no options.
func (plugin *MemoryPlugin) NewRootStore(options kv.PluginOptions) (kv.RootStore, error) {
	return New(), nil
}

// NewTempRootStore implements kv.Plugin.NewTempRootStore
func (plugin *MemoryPlugin) NewTempRootStore() (kv.RootStore, error) {
	return New(), nil
}

var _ kv.RootStore = (*MemoryRootStore)(nil)

// MemoryRootStore is an in-memory root store
type MemoryRootStore struct {
	mu           sync.Mutex
	closed       bool
	dictionaries map[string]*dictionaryState
}

type dictionaryState struct {
	// writer is a semaphore admitting one writable transaction at a time
	writer chan struct{}
	mu     sync.RWMutex
	m      *treemap.Map
}

// New creates an empty MemoryRootStore
func New() *MemoryRootStore {
	return &MemoryRootStore{dictionaries: make(map[string]*dictionaryState)}
}

// Close implements kv.RootStore.Close
func (store *MemoryRootStore) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.closed = true

	return nil
}

// Delete implements kv.RootStore.Delete
func (store *MemoryRootStore) Delete() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.closed = true
	store.dictionaries = make(map[string]*dictionaryState)

	return nil
}

// Dictionary implements kv.RootStore.Dictionary
func (store *MemoryRootStore) Dictionary(name string) kv.Dictionary {
	return &MemoryDictionary{store: store, name: name}
}

func (store *MemoryRootStore) state(name string) (*dictionaryState, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return nil, kv.ErrClosed
	}

	state, ok := store.dictionaries[name]

	if !ok {
		return nil, kv.ErrNoSuchDictionary
	}

	return state, nil
}

func (store *MemoryRootStore) isClosed() bool {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.closed
}

var _ kv.Dictionary = (*MemoryDictionary)(nil)

// MemoryDictionary is a handle to a dictionary in a MemoryRootStore
type MemoryDictionary struct {
	store *MemoryRootStore
	name  string
}

// Name implements kv.Dictionary.Name
func (dictionary *MemoryDictionary) Name() string {
	return dictionary.name
}

// Create implements kv.Dictionary.Create
func (dictionary *MemoryDictionary) Create(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dictionary.store.mu.Lock()
	defer dictionary.store.mu.Unlock()

	if dictionary.store.closed {
		return kv.ErrClosed
	}

	if _, ok := dictionary.store.dictionaries[dictionary.name]; !ok {
		dictionary.store.dictionaries[dictionary.name] = &dictionaryState{
			writer: make(chan struct{}, 1),
			m:      treemap.NewWithStringComparator(),
		}
	}

	return nil
}

// Begin implements kv.Dictionary.Begin
func (dictionary *MemoryDictionary) Begin(ctx context.Context, writable bool) (kv.Transaction, error) {
	state, err := dictionary.store.state(dictionary.name)

	if err != nil {
		return nil, err
	}

	if writable {
		select {
		case state.writer <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	txn := &MemoryTransaction{
		store:    dictionary.store,
		state:    state,
		writable: writable,
		buffer:   kv.NewWriteBuffer(),
	}

	return txn, nil
}

var _ kv.Transaction = (*MemoryTransaction)(nil)

// MemoryTransaction is a transaction on a MemoryDictionary. Reads
// observe committed state plus this transaction's buffered writes.
type MemoryTransaction struct {
	store    *MemoryRootStore
	state    *dictionaryState
	writable bool
	buffer   *kv.WriteBuffer
	done     bool
}

func (transaction *MemoryTransaction) check(write bool) error {
	if transaction.done {
		return kv.ErrTxnClosed
	}

	if transaction.store.isClosed() {
		return kv.ErrClosed
	}

	if write && !transaction.writable {
		return kv.ErrReadOnly
	}

	return nil
}

func (transaction *MemoryTransaction) get(key string) ([]byte, bool) {
	if value, found, known := transaction.buffer.Lookup(key); known {
		return value, found
	}

	transaction.state.mu.RLock()
	defer transaction.state.mu.RUnlock()

	value, ok := transaction.state.m.Get(key)

	if !ok {
		return nil, false
	}

	return value.([]byte), true
}

// ContainsKey implements kv.Transaction.ContainsKey
func (transaction *MemoryTransaction) ContainsKey(key string) (bool, error) {
	if err := transaction.check(false); err != nil {
		return false, err
	}

	_, ok := transaction.get(key)

	return ok, nil
}

// TryGet implements kv.Transaction.TryGet
func (transaction *MemoryTransaction) TryGet(key string) ([]byte, bool, error) {
	if err := transaction.check(false); err != nil {
		return nil, false, err
	}

	value, ok := transaction.get(key)

	if !ok {
		return nil, false, nil
	}

	return append([]byte{}, value...), true, nil
}

// TryRemove implements kv.Transaction.TryRemove
func (transaction *MemoryTransaction) TryRemove(key string) ([]byte, bool, error) {
	if err := transaction.check(true); err != nil {
		return nil, false, err
	}

	value, ok := transaction.get(key)

	if !ok {
		return nil, false, nil
	}

	transaction.buffer.Remove(key)

	return append([]byte{}, value...), true, nil
}

// Set implements kv.Transaction.Set
func (transaction *MemoryTransaction) Set(key string, value []byte) error {
	if err := transaction.check(true); err != nil {
		return err
	}

	transaction.buffer.Put(key, append([]byte{}, value...))

	return nil
}

// Add implements kv.Transaction.Add
func (transaction *MemoryTransaction) Add(key string, value []byte) error {
	if err := transaction.check(true); err != nil {
		return err
	}

	if _, ok := transaction.get(key); ok {
		return kv.ErrKeyExists
	}

	transaction.buffer.Put(key, append([]byte{}, value...))

	return nil
}

// Clear implements kv.Transaction.Clear
func (transaction *MemoryTransaction) Clear() error {
	if err := transaction.check(true); err != nil {
		return err
	}

	transaction.buffer.Clear()

	return nil
}

// ForEach implements kv.Transaction.ForEach
func (transaction *MemoryTransaction) ForEach(fn func(key string, value []byte) error) error {
	if err := transaction.check(false); err != nil {
		return err
	}

	view := treemap.NewWithStringComparator()

	transaction.state.mu.RLock()
	it := transaction.state.m.Iterator()

	for it.Next() {
		view.Put(it.Key(), it.Value())
	}

	transaction.state.mu.RUnlock()

	transaction.buffer.Apply(view)

	return kv.ForEachIn(view, fn)
}

// Commit implements kv.Transaction.Commit
func (transaction *MemoryTransaction) Commit() error {
	if err := transaction.check(false); err != nil {
		return err
	}

	transaction.done = true

	if !transaction.writable {
		return nil
	}

	defer transaction.release()

	transaction.state.mu.Lock()
	defer transaction.state.mu.Unlock()

	transaction.buffer.Apply(transaction.state.m)

	return nil
}

// Rollback implements kv.Transaction.Rollback
func (transaction *MemoryTransaction) Rollback() error {
	if transaction.done {
		return nil
	}

	transaction.done = true

	if transaction.writable {
		transaction.release()
	}

	return nil
}

func (transaction *MemoryTransaction) release() {
	<-transaction.state.writer
}
