package lock_map

import (
	"context"
	"sync"
)

// LockMap is a set of named mutexes. A mutex for a key is created
// the first time the key is locked and lives as long as the map.
// Lock waits can be abandoned through the context.
type LockMap[K comparable] struct {
	mu    sync.Mutex
	locks map[K]chan struct{}
}

// New creates an empty LockMap
func New[K comparable]() *LockMap[K] {
	return &LockMap[K]{locks: make(map[K]chan struct{})}
}

// Lock acquires the mutex for key. It returns ctx.Err() if the
// context ends before the mutex is acquired in which case the
// caller does not hold the mutex.
func (lm *LockMap[K]) Lock(ctx context.Context, key K) error {
	mu := lm.getOrAdd(key)

	select {
	case mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the mutex for key. It panics if the mutex for
// key is not held.
func (lm *LockMap[K]) Unlock(key K) {
	mu := lm.getOrAdd(key)

	select {
	case <-mu:
	default:
		panic("lock_map: unlock of unlocked key")
	}
}

// Len returns the number of keys that have a mutex
func (lm *LockMap[K]) Len() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	return len(lm.locks)
}

func (lm *LockMap[K]) getOrAdd(key K) chan struct{} {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	mu, ok := lm.locks[key]

	if !ok {
		mu = make(chan struct{}, 1)
		lm.locks[key] = mu
	}

	return mu
}
