// Package sqlite provides a kv plugin backed by a SQLite database file.
// All dictionaries share one table keyed by (dictionary, key). The
// database is used through a single connection so transactions are
// serialized in the order they begin.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jrife/kvcache/storage/kv"
	"github.com/jrife/kvcache/utils/uuid"
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the name under which this plugin is registered
	DriverName = "sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS dictionaries (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS entries (
	dictionary TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	PRIMARY KEY (dictionary, key)
) WITHOUT ROWID;
`

// Plugins returns the plugins provided by this package
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&SQLitePlugin{},
	}
}

var _ kv.Plugin = (*SQLitePlugin)(nil)

// SQLitePlugin opens SQLite backed root stores
type SQLitePlugin struct {
}

// Name implements kv.Plugin.Name
func (plugin *SQLitePlugin) Name() string {
	return DriverName
}

// NewRootStore implements kv.Plugin.NewRootStore. The "path"
// option is required.
func (plugin *SQLitePlugin) NewRootStore(options kv.PluginOptions) (kv.RootStore, error) {
	path, ok := options["path"]

	if !ok {
		return nil, fmt.Errorf("\"path\" is required")
	}

	pathString, ok := path.(string)

	if !ok {
		return nil, fmt.Errorf("\"path\" must be a string")
	}

	return Open(pathString)
}

// NewTempRootStore implements kv.Plugin.NewTempRootStore
func (plugin *SQLitePlugin) NewTempRootStore() (kv.RootStore, error) {
	return Open(filepath.Join(os.TempDir(), fmt.Sprintf("sqlite-%s.db", uuid.MustUUID())))
}

var _ kv.RootStore = (*SQLiteRootStore)(nil)

// SQLiteRootStore is a root store in a SQLite database file
type SQLiteRootStore struct {
	mu     sync.RWMutex
	closed bool
	path   string
	db     *sql.DB
}

// Open opens or creates the database at path and ensures its schema
func Open(path string) (*SQLiteRootStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)

	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteRootStore{path: cleanPath, db: db}, nil
}

// Close implements kv.RootStore.Close
func (store *SQLiteRootStore) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return nil
	}

	store.closed = true

	return store.db.Close()
}

// Delete implements kv.RootStore.Delete
func (store *SQLiteRootStore) Delete() error {
	if err := store.Close(); err != nil {
		return fmt.Errorf("could not close store: %w", err)
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(store.path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("could not remove path %s: %w", store.path+suffix, err)
		}
	}

	return nil
}

// Dictionary implements kv.RootStore.Dictionary
func (store *SQLiteRootStore) Dictionary(name string) kv.Dictionary {
	return &SQLiteDictionary{store: store, name: name}
}

var _ kv.Dictionary = (*SQLiteDictionary)(nil)

// SQLiteDictionary is a handle to a dictionary in a SQLiteRootStore
type SQLiteDictionary struct {
	store *SQLiteRootStore
	name  string
}

// Name implements kv.Dictionary.Name
func (dictionary *SQLiteDictionary) Name() string {
	return dictionary.name
}

// Create implements kv.Dictionary.Create
func (dictionary *SQLiteDictionary) Create(ctx context.Context) error {
	dictionary.store.mu.RLock()
	defer dictionary.store.mu.RUnlock()

	if dictionary.store.closed {
		return kv.ErrClosed
	}

	if _, err := dictionary.store.db.ExecContext(ctx, `INSERT OR IGNORE INTO dictionaries (name) VALUES (?)`, dictionary.name); err != nil {
		return fmt.Errorf("create dictionary %s: %w", dictionary.name, err)
	}

	return nil
}

// Begin implements kv.Dictionary.Begin
func (dictionary *SQLiteDictionary) Begin(ctx context.Context, writable bool) (kv.Transaction, error) {
	dictionary.store.mu.RLock()

	if dictionary.store.closed {
		dictionary.store.mu.RUnlock()

		return nil, kv.ErrClosed
	}

	tx, err := dictionary.store.db.BeginTx(ctx, nil)

	if err != nil {
		dictionary.store.mu.RUnlock()

		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}

	txn := &SQLiteTransaction{
		ctx:        ctx,
		tx:         tx,
		dictionary: dictionary.name,
		writable:   writable,
		release:    dictionary.store.mu.RUnlock,
	}

	var exists int

	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM dictionaries WHERE name = ?`, dictionary.name).Scan(&exists); err != nil {
		txn.Rollback()

		return nil, fmt.Errorf("could not look up dictionary: %w", err)
	}

	if exists == 0 {
		txn.Rollback()

		return nil, kv.ErrNoSuchDictionary
	}

	return txn, nil
}

var _ kv.Transaction = (*SQLiteTransaction)(nil)

// SQLiteTransaction is a SQL transaction scoped to one dictionary
type SQLiteTransaction struct {
	ctx        context.Context
	tx         *sql.Tx
	dictionary string
	writable   bool
	release    func()
	done       bool
}

func (transaction *SQLiteTransaction) check(write bool) error {
	if transaction.done {
		return kv.ErrTxnClosed
	}

	if write && !transaction.writable {
		return kv.ErrReadOnly
	}

	return nil
}

// ContainsKey implements kv.Transaction.ContainsKey
func (transaction *SQLiteTransaction) ContainsKey(key string) (bool, error) {
	_, ok, err := transaction.TryGet(key)

	return ok, err
}

// TryGet implements kv.Transaction.TryGet
func (transaction *SQLiteTransaction) TryGet(key string) ([]byte, bool, error) {
	if err := transaction.check(false); err != nil {
		return nil, false, err
	}

	var value []byte

	err := transaction.tx.QueryRowContext(transaction.ctx,
		`SELECT value FROM entries WHERE dictionary = ? AND key = ?`,
		transaction.dictionary, key,
	).Scan(&value)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}

	if value == nil {
		value = []byte{}
	}

	return value, true, nil
}

// TryRemove implements kv.Transaction.TryRemove
func (transaction *SQLiteTransaction) TryRemove(key string) ([]byte, bool, error) {
	if err := transaction.check(true); err != nil {
		return nil, false, err
	}

	value, ok, err := transaction.TryGet(key)

	if err != nil || !ok {
		return nil, false, err
	}

	if _, err := transaction.tx.ExecContext(transaction.ctx,
		`DELETE FROM entries WHERE dictionary = ? AND key = ?`,
		transaction.dictionary, key,
	); err != nil {
		return nil, false, fmt.Errorf("remove %q: %w", key, err)
	}

	return value, true, nil
}

// Set implements kv.Transaction.Set
func (transaction *SQLiteTransaction) Set(key string, value []byte) error {
	if err := transaction.check(true); err != nil {
		return err
	}

	if value == nil {
		value = []byte{}
	}

	if _, err := transaction.tx.ExecContext(transaction.ctx,
		`INSERT INTO entries (dictionary, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (dictionary, key) DO UPDATE SET value = excluded.value`,
		transaction.dictionary, key, value,
	); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}

	return nil
}

// Add implements kv.Transaction.Add
func (transaction *SQLiteTransaction) Add(key string, value []byte) error {
	if err := transaction.check(true); err != nil {
		return err
	}

	if value == nil {
		value = []byte{}
	}

	result, err := transaction.tx.ExecContext(transaction.ctx,
		`INSERT OR IGNORE INTO entries (dictionary, key, value) VALUES (?, ?, ?)`,
		transaction.dictionary, key, value,
	)

	if err != nil {
		return fmt.Errorf("add %q: %w", key, err)
	}

	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("add %q: %w", key, err)
	} else if n == 0 {
		return kv.ErrKeyExists
	}

	return nil
}

// Clear implements kv.Transaction.Clear
func (transaction *SQLiteTransaction) Clear() error {
	if err := transaction.check(true); err != nil {
		return err
	}

	if _, err := transaction.tx.ExecContext(transaction.ctx,
		`DELETE FROM entries WHERE dictionary = ?`,
		transaction.dictionary,
	); err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	return nil
}

// ForEach implements kv.Transaction.ForEach
func (transaction *SQLiteTransaction) ForEach(fn func(key string, value []byte) error) error {
	if err := transaction.check(false); err != nil {
		return err
	}

	rows, err := transaction.tx.QueryContext(transaction.ctx,
		`SELECT key, value FROM entries WHERE dictionary = ? ORDER BY key`,
		transaction.dictionary,
	)

	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}

	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte

		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scan entry: %w", err)
		}

		if err := fn(key, value); err != nil {
			return err
		}
	}

	return rows.Err()
}

// Commit implements kv.Transaction.Commit
func (transaction *SQLiteTransaction) Commit() error {
	if err := transaction.check(false); err != nil {
		return err
	}

	transaction.done = true
	defer transaction.release()

	if !transaction.writable {
		return transaction.tx.Rollback()
	}

	return transaction.tx.Commit()
}

// Rollback implements kv.Transaction.Rollback
func (transaction *SQLiteTransaction) Rollback() error {
	if transaction.done {
		return nil
	}

	transaction.done = true
	defer transaction.release()

	if err := transaction.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}

	return nil
}
