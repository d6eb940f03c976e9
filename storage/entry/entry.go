// Package entry defines the byte layout of a cache entry as it is
// stored in a dictionary. An entry wraps the caller's serialized value
// with an optional absolute expiry so that expiry survives restarts and
// is honored by every storage plugin the same way.
//
//	magic(4) | ver(1) | flags(1) | expiresAt(i64 be, unix nanos) | vlen(u32 be) | payload(vlen)
package entry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version    byte = 1
	headerSize      = 4 + 1 + 1 + 8 + 4
	flagExpiry byte = 1 << 0
)

var (
	// ErrCorrupt is returned when stored bytes are not a valid entry
	ErrCorrupt = errors.New("entry: corrupt entry")
	magic4     = [...]byte{'K', 'V', 'C', 'E'}
)

// Entry is a decoded cache entry
type Entry struct {
	Value string
	// ExpiresAt is the zero time if the entry never expires
	ExpiresAt time.Time
}

// New builds an entry that expires ttl after now. A ttl <= 0
// means the entry never expires.
func New(value string, ttl time.Duration, now time.Time) Entry {
	e := Entry{Value: value}

	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}

	return e
}

// Expired returns true if the entry has an expiry at or before now
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Encode returns the stored representation of the entry
func Encode(e Entry) []byte {
	var buf bytes.Buffer
	buf.Grow(headerSize + len(e.Value))

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var flags byte
	var expiresAt int64

	if !e.ExpiresAt.IsZero() {
		flags |= flagExpiry
		expiresAt = e.ExpiresAt.UnixNano()
	}

	buf.WriteByte(flags)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], uint64(expiresAt))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Value)))
	buf.Write(u4[:])

	buf.WriteString(e.Value)

	return buf.Bytes()
}

// Decode parses the stored representation of an entry. Trailing
// bytes after the payload are rejected.
func Decode(b []byte) (Entry, error) {
	if len(b) < headerSize || !bytes.Equal(b[:4], magic4[:]) || b[4] != version {
		return Entry{}, ErrCorrupt
	}

	flags := b[5]
	off := 6

	expiresAt := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4

	if vlen < 0 || vlen != len(b)-off {
		return Entry{}, ErrCorrupt
	}

	e := Entry{Value: string(b[off : off+vlen])}

	if flags&flagExpiry != 0 {
		e.ExpiresAt = time.Unix(0, expiresAt)
	}

	return e, nil
}
