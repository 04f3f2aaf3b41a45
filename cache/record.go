// Package cache implements the sharded, eviction-policy-driven buffer cache
// of spec §4.D: a bounded map from a fingerprint to a refcounted buffer,
// split across N partitions so that independent keys never contend on the
// same lock, with a pluggable Evictor making room when a partition fills.
package cache

import (
	"sync/atomic"

	"github.com/raakella1/HomeStore/internal/arena"
)

// Record is a cached buffer. It carries its own refcount so a reader
// holding a Record across an eviction attempt keeps the underlying bytes
// alive even if the policy decides to evict it from the index.
type Record struct {
	Key   string
	bytes []byte
	arena *arena.Arena

	refcount atomic.Int32

	// listPrev/listNext thread this record through the LRU policy's
	// doubly linked list. They are only touched while the owning
	// partition's lock is held.
	listPrev *Record
	listNext *Record
}

// NewRecord wraps data, which must already be backed by a (possibly
// nil, for test-only records) arena-owned buffer.
func NewRecord(key string, data []byte, a *arena.Arena) *Record {
	r := &Record{Key: key, bytes: data, arena: a}
	r.refcount.Store(1)
	return r
}

// Bytes returns the record's payload. Callers must not retain the slice
// past a call to Release that drops the refcount to zero.
func (r *Record) Bytes() []byte { return r.bytes }

// Size is the byte size counted against a partition's max-size budget.
func (r *Record) Size() int { return len(r.bytes) }

// Retain increments the refcount, used when a caller hands out a Record
// pointer beyond the scope that originally looked it up.
func (r *Record) Retain() { r.refcount.Add(1) }

// Release decrements the refcount. The arena-backed bytes are not actually
// freed here: the arena is a bump allocator with no per-allocation free, so
// Release's only job is bookkeeping that a canEvict callback can consult
// through InUse.
func (r *Record) Release() {
	r.refcount.Add(-1)
}

// InUse reports whether any caller still holds a reference beyond the
// cache's own bookkeeping copy.
func (r *Record) InUse() bool {
	return r.refcount.Load() > 1
}
