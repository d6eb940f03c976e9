package kv

import (
	"context"
	"errors"
)

var (
	// ErrClosed indicates that the root store was closed
	ErrClosed = errors.New("root store was closed")
	// ErrNoSuchDictionary indicates that the dictionary doesn't exist. Either it hasn't been created or was deleted
	ErrNoSuchDictionary = errors.New("dictionary does not exist")
	// ErrKeyExists indicates that Add was called for a key that is already present
	ErrKeyExists = errors.New("key already exists")
	// ErrTxnClosed indicates that the transaction was already committed or rolled back
	ErrTxnClosed = errors.New("transaction is closed")
	// ErrReadOnly indicates that a write was attempted in a read-only transaction
	ErrReadOnly = errors.New("transaction is read-only")
	// ErrConflict indicates that a transaction could not commit because of a
	// concurrent modification. Callers may retry the whole transaction.
	ErrConflict = errors.New("transaction conflict")
	// ErrPluginUnavailable indicates that a plugin cannot create a temporary
	// store in this environment, for example because no server is configured
	ErrPluginUnavailable = errors.New("plugin unavailable")
)

// PluginOptions is a set of driver specific options
// passed to a plugin when opening a root store
type PluginOptions map[string]interface{}

// Plugin represents a kv storage plugin
type Plugin interface {
	// Name returns the name of the storage plugin
	Name() string
	// NewRootStore returns an instance of the plugin store
	NewRootStore(options PluginOptions) (RootStore, error)
	// NewTempRootStore returns an instance of the plugin store
	// initialized with some sane defaults. It is meant for
	// tests that need an initialized instance of the plugin's
	// store without knowing how to initialize it
	NewTempRootStore() (RootStore, error)
}

// RootStore is the state manager from which all
// dictionaries of a replica are descended
type RootStore interface {
	// Delete closes then deletes this store and all its contents.
	// If the root store doesn't exist it should return nil and have
	// no effect.
	Delete() error
	// Close closes the store. Calls to any objects descended from
	// this store made after Close returns must have no effect and
	// return ErrClosed. Close must not return until open transactions
	// have either rolled back or committed.
	Close() error
	// Dictionary returns a handle for the dictionary with this name.
	// It does not guarantee that the dictionary exists yet and should
	// not create it. It must not return nil.
	Dictionary(name string) Dictionary
}

// Dictionary is a reference to a named, transactional
// string-keyed map inside a root store.
type Dictionary interface {
	// Name returns the name of this dictionary
	Name() string
	// Create creates this dictionary if it does not exist. It has no
	// effect if the dictionary already exists.
	Create(ctx context.Context) error
	// Begin starts a transaction on this dictionary. It must return
	// ErrNoSuchDictionary if the dictionary has not been created.
	// Writable transactions may be serialized by the driver so
	// Begin may block until a concurrent writable transaction ends
	// or ctx is done.
	Begin(ctx context.Context, writable bool) (Transaction, error)
}

// Transaction is a unit of work against a single dictionary. None of
// its writes are visible to other transactions unless Commit returns
// nil. A transaction must be used by one goroutine at a time unless it
// is wrapped with Synchronized. Once Commit or Rollback is called all
// further calls return ErrTxnClosed. Rollback after Commit is a no-op
// so it is safe to defer Rollback.
type Transaction interface {
	// ContainsKey returns true if the key is present
	ContainsKey(key string) (bool, error)
	// TryGet returns the value stored under key and true, or nil
	// and false if the key is not present.
	TryGet(key string) ([]byte, bool, error)
	// TryRemove removes key and returns the value it held and true,
	// or nil and false if the key was not present.
	TryRemove(key string) ([]byte, bool, error)
	// Set stores value under key overwriting any existing value
	Set(key string, value []byte) error
	// Add stores value under key. It returns ErrKeyExists if the
	// key is already present.
	Add(key string, value []byte) error
	// Clear removes every key in the dictionary
	Clear() error
	// ForEach calls fn for every key in ascending order until fn
	// returns an error which is then returned by ForEach. fn must
	// not modify the transaction.
	ForEach(fn func(key string, value []byte) error) error
	// Commit makes the transaction's writes durable and visible
	Commit() error
	// Rollback discards the transaction's writes
	Rollback() error
}
