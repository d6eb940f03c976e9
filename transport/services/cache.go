package services

import (
	"context"
	"time"
)

// CacheService is the set of operations a cache partition
// exposes. It is implemented by the service hosted in each
// partition replica and by the client-side proxy that calls it
// remotely, so callers cannot tell the two apart.
type CacheService interface {
	// KeyExists returns true if a live value is stored under key
	KeyExists(ctx context.Context, key string) (bool, error)
	// StringGet returns the value stored under key. found is
	// false if there is no live value.
	StringGet(ctx context.Context, key string) (value string, found bool, err error)
	// StringSet stores value under key, replacing any existing
	// value. An expiry <= 0 means the value never expires.
	StringSet(ctx context.Context, key string, value string, expiry time.Duration) (bool, error)
	// KeyDelete removes key and returns true if a live value
	// was removed.
	KeyDelete(ctx context.Context, key string) (bool, error)
	// KeysDelete removes every key in one transaction. It returns
	// true unless the transaction failed, whether or not any of
	// the keys existed.
	KeysDelete(ctx context.Context, keys []string) (bool, error)
	// ClearAll removes every key held by the partition
	ClearAll(ctx context.Context) error
}
