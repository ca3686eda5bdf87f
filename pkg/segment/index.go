package segment

import (
	"slices"
	"sync"
)

// Entry locates a value inside a segment file.
type Entry struct {
	Offset uint64 // first byte of the value, right after "<key>,"
	Length uint64 // value length in bytes, newline excluded
}

// Index maps keys to the location of their newest value within one segment.
// Frozen segments never mutate their index; the writable segment's index is
// written by the appender while readers query it, hence the RWMutex.
type Index struct {
	mu      sync.RWMutex
	entries map[uint64]Entry
}

// NewIndex creates an empty index
func NewIndex() *Index {
	return &Index{entries: make(map[uint64]Entry)}
}

// Get returns the entry for key, if any
func (ix *Index) Get(key uint64) (Entry, bool) {
	ix.mu.RLock()
	e, ok := ix.entries[key]
	ix.mu.RUnlock()
	return e, ok
}

// Put inserts or overwrites the entry for key
func (ix *Index) Put(key uint64, e Entry) {
	ix.mu.Lock()
	ix.entries[key] = e
	ix.mu.Unlock()
}

// Len returns the number of distinct keys
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Keys returns all keys in ascending order
func (ix *Index) Keys() []uint64 {
	ix.mu.RLock()
	keys := make([]uint64, 0, len(ix.entries))
	for k := range ix.entries {
		keys = append(keys, k)
	}
	ix.mu.RUnlock()

	slices.Sort(keys)
	return keys
}

// Snapshot returns a copy of the key directory.
func (ix *Index) Snapshot() map[uint64]Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make(map[uint64]Entry, len(ix.entries))
	for k, e := range ix.entries {
		out[k] = e
	}
	return out
}
