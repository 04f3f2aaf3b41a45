package cache

import "sync/atomic"

// Policy is the contract an eviction policy implements over *Record, the
// Go shape of eviction.hpp's `EvictionPolicy` template parameter
// (`RecordType` fixed to *Record instead of left generic, since this module
// has exactly one record type).
type Policy interface {
	Add(r *Record)
	Upvote(r *Record)
	Downvote(r *Record)
	Remove(r *Record)

	// EjectNextCandidate iterates ejection candidates in policy order,
	// calling filter for each. filter returns keep=true to leave the
	// record in place and continue, or false to remove it from the
	// policy and continue; stop tells EjectNextCandidate to halt
	// iteration immediately after processing the current candidate.
	EjectNextCandidate(filter func(r *Record) (keep, stop bool))
}

// Stats carries FailedEvictCount, which mirrors
// CACHE_STATS_FAILED_EVICT_COUNT: incremented whenever canEvict rejects a
// candidate the policy offered up for eviction.
type Stats struct {
	FailedEvictCount atomic.Int64
}

// Evictor bounds a partition's total Record size under maxSize, asking
// canEvict before actually evicting a candidate the policy nominates. This
// is the direct Go translation of eviction.hpp's Evictor<EvictionPolicy>.
type Evictor struct {
	policy   Policy
	canEvict func(r *Record) bool
	curSize  atomic.Int64
	maxSize  int64
	stats    *Stats
}

// NewEvictor returns an Evictor enforcing maxSize bytes, consulting
// canEvict before removing any candidate the policy nominates.
func NewEvictor(policy Policy, maxSize int64, stats *Stats, canEvict func(r *Record) bool) *Evictor {
	return &Evictor{policy: policy, canEvict: canEvict, maxSize: maxSize, stats: stats}
}

// AddRecord adds r to the policy, evicting other records first if r would
// push the partition over its max size. Returns false only if eviction
// could not reclaim enough room.
func (e *Evictor) AddRecord(r *Record) bool {
	sz := int64(r.Size())
	if e.curSize.Add(sz) <= e.maxSize {
		e.policy.Add(r)
		return true
	}

	if e.doEvict(sz) {
		e.policy.Add(r)
		return true
	}
	e.curSize.Add(-sz)
	return false
}

// doEvict asks the policy for eviction candidates in order until needed
// bytes have been reclaimed or the policy runs out of candidates.
func (e *Evictor) doEvict(needed int64) bool {
	var reclaimed int64
	e.policy.EjectNextCandidate(func(r *Record) (keep, stop bool) {
		if !e.canEvict(r) {
			e.stats.FailedEvictCount.Add(1)
			return true, false
		}
		reclaimed += int64(r.Size())
		e.curSize.Add(-int64(r.Size()))
		if reclaimed >= needed {
			return false, true
		}
		return false, false
	})
	return reclaimed >= needed
}

func (e *Evictor) Upvote(r *Record)   { e.policy.Upvote(r) }
func (e *Evictor) Downvote(r *Record) { e.policy.Downvote(r) }

// DeleteRecord removes r from the policy outright (not via eviction),
// freeing its size budget back to the partition immediately.
func (e *Evictor) DeleteRecord(r *Record) {
	e.policy.Remove(r)
	e.curSize.Add(-int64(r.Size()))
}

func (e *Evictor) CurSize() int64 { return e.curSize.Load() }
