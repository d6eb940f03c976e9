package kv

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// View runs fn inside a read-only transaction on dict. The
// transaction is always rolled back.
func View(ctx context.Context, dict Dictionary, fn func(txn Transaction) error) error {
	txn, err := dict.Begin(ctx, false)

	if err != nil {
		return err
	}

	defer txn.Rollback()

	return fn(txn)
}

// ConflictRetries is the number of times Update re-runs a
// transaction whose commit failed with ErrConflict
const ConflictRetries = 32

func conflictBackOff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         50 * time.Millisecond,
	}
}

// Update runs fn inside a writable transaction on dict and commits
// it if fn returns nil. The transaction is rolled back if fn returns
// an error or if ctx is done before the commit. If the commit fails
// with ErrConflict fn is run again in a new transaction, up to
// ConflictRetries times, so fn must reset any state it shares with
// the caller.
func Update(ctx context.Context, dict Dictionary, fn func(txn Transaction) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := update(ctx, dict, fn)

		if err != nil && !errors.Is(err, ErrConflict) {
			return struct{}{}, backoff.Permanent(err)
		}

		return struct{}{}, err
	},
		backoff.WithBackOff(conflictBackOff()),
		backoff.WithMaxTries(ConflictRetries+1),
		backoff.WithMaxElapsedTime(0),
	)

	var permanent *backoff.PermanentError

	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}

	return err
}

func update(ctx context.Context, dict Dictionary, fn func(txn Transaction) error) error {
	txn, err := dict.Begin(ctx, true)

	if err != nil {
		return err
	}

	defer txn.Rollback()

	if err := fn(txn); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return txn.Commit()
}

var _ Transaction = (*synchronizedTransaction)(nil)

// Synchronized wraps txn so that it may be used by
// several goroutines at once. Calls are serialized.
func Synchronized(txn Transaction) Transaction {
	if _, ok := txn.(*synchronizedTransaction); ok {
		return txn
	}

	return &synchronizedTransaction{txn: txn}
}

type synchronizedTransaction struct {
	mu  sync.Mutex
	txn Transaction
}

func (s *synchronizedTransaction) ContainsKey(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.txn.ContainsKey(key)
}

func (s *synchronizedTransaction) TryGet(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.txn.TryGet(key)
}

func (s *synchronizedTransaction) TryRemove(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.txn.TryRemove(key)
}

func (s *synchronizedTransaction) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.txn.Set(key, value)
}

func (s *synchronizedTransaction) Add(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.txn.Add(key, value)
}

func (s *synchronizedTransaction) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.txn.Clear()
}

func (s *synchronizedTransaction) ForEach(fn func(key string, value []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.txn.ForEach(fn)
}

func (s *synchronizedTransaction) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.txn.Commit()
}

func (s *synchronizedTransaction) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.txn.Rollback()
}
