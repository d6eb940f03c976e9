package kv

import (
	"github.com/emirpasic/gods/maps/treemap"
)

// WriteBuffer records the uncommitted writes of a transaction for
// drivers that apply writes at commit time. Reads consult the buffer
// first so a transaction always observes its own writes.
type WriteBuffer struct {
	cleared bool
	// key -> []byte, nil value marks a removal
	writes *treemap.Map
}

// NewWriteBuffer creates an empty WriteBuffer
func NewWriteBuffer() *WriteBuffer {
	return &WriteBuffer{writes: treemap.NewWithStringComparator()}
}

// Lookup reports what the buffer knows about key. If known is false
// the caller must consult the committed state.
func (b *WriteBuffer) Lookup(key string) (value []byte, found bool, known bool) {
	if v, ok := b.writes.Get(key); ok {
		if v == nil {
			return nil, false, true
		}

		return v.([]byte), true, true
	}

	if b.cleared {
		return nil, false, true
	}

	return nil, false, false
}

// Put buffers a write of value under key
func (b *WriteBuffer) Put(key string, value []byte) {
	// nil marks removals so empty values are stored as empty slices
	if value == nil {
		value = []byte{}
	}

	b.writes.Put(key, value)
}

// Remove buffers a removal of key
func (b *WriteBuffer) Remove(key string) {
	b.writes.Put(key, nil)
}

// Clear buffers the removal of every key, including
// keys written earlier in the transaction
func (b *WriteBuffer) Clear() {
	b.cleared = true
	b.writes.Clear()
}

// Cleared returns true if Clear was called
func (b *WriteBuffer) Cleared() bool {
	return b.cleared
}

// Empty returns true if nothing has been buffered
func (b *WriteBuffer) Empty() bool {
	return !b.cleared && b.writes.Empty()
}

// Each calls fn for every buffered write in ascending key order.
// value is nil for removals.
func (b *WriteBuffer) Each(fn func(key string, value []byte)) {
	it := b.writes.Iterator()

	for it.Next() {
		if it.Value() == nil {
			fn(it.Key().(string), nil)
		} else {
			fn(it.Key().(string), it.Value().([]byte))
		}
	}
}

// Apply replays the buffer onto view, a string -> []byte treemap
// holding a copy of the committed state.
func (b *WriteBuffer) Apply(view *treemap.Map) {
	if b.cleared {
		view.Clear()
	}

	b.Each(func(key string, value []byte) {
		if value == nil {
			view.Remove(key)
		} else {
			view.Put(key, value)
		}
	})
}

// ForEachIn calls fn for each entry of a string -> []byte treemap in
// ascending key order until fn returns an error.
func ForEachIn(view *treemap.Map, fn func(key string, value []byte) error) error {
	it := view.Iterator()

	for it.Next() {
		if err := fn(it.Key().(string), it.Value().([]byte)); err != nil {
			return err
		}
	}

	return nil
}
