// Package partition maps cache keys onto the partitions of a
// partitioned service. The mapping is a pure function of the key
// and the partition count so every client process, regardless of
// when or where it runs, routes a given key to the same partition.
// Changing the algorithm is a breaking change for any deployed
// cluster since previously written keys would become unreachable.
package partition

import (
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/spaolacci/murmur3"
)

// SingletonKey is the textual partition key used
// for services that are not partitioned.
const SingletonKey = "SingletonPartition"

// ID identifies a partition within a service. Partition
// ids are 1-based. The zero value is Singleton.
type ID int64

// Singleton refers to the only instance of an
// unpartitioned service.
const Singleton ID = 0

// IsSingleton returns true if this id refers to the
// instance of an unpartitioned service
func (id ID) IsSingleton() bool {
	return id == Singleton
}

// String returns the partition key used to index
// proxies for this partition.
func (id ID) String() string {
	if id.IsSingleton() {
		return SingletonKey
	}

	return strconv.FormatInt(int64(id), 10)
}

// Resolve returns the partition that owns key for a service
// with count partitions. A count of 0 means the service is a
// singleton and no hashing takes place.
func Resolve(key string, count int) ID {
	if count == 0 {
		return Singleton
	}

	return Index(key, count)
}

// Index maps key onto a partition id in [1, count]. It panics
// if count is not positive. Callers holding a singleton service
// must use Resolve instead.
func Index(key string, count int) ID {
	if count <= 0 {
		panic(fmt.Sprintf("partition: count must be positive, got %d", count))
	}

	return ID(magnitude(Hash(key))%uint64(count)) + 1
}

// Hash returns the signed 64 bit value formed by the first eight
// bytes (little endian) of the 128 bit Murmur3 x64 digest of the key.
func Hash(key string) int64 {
	// h1 occupies the first eight bytes of the little endian digest
	h1, _ := murmur3.Sum128(asciiBytes(key))

	return int64(h1)
}

// magnitude returns |v| without overflowing for math.MinInt64
func magnitude(v int64) uint64 {
	if v >= 0 {
		return uint64(v)
	}

	return uint64(-(v + 1)) + 1
}

// asciiBytes encodes key as 7-bit ASCII, substituting '?' for
// any rune outside the ASCII range. Pure ASCII keys are returned
// as their raw bytes.
func asciiBytes(key string) []byte {
	for i := 0; i < len(key); i++ {
		if key[i] >= utf8.RuneSelf {
			return substitute(key)
		}
	}

	return []byte(key)
}

func substitute(key string) []byte {
	b := make([]byte, 0, len(key))

	for _, r := range key {
		if r < utf8.RuneSelf {
			b = append(b, byte(r))
		} else {
			b = append(b, '?')
		}
	}

	return b
}
