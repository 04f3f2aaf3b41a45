package cache

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Partition owns one shard of the cache: a hash index, its own Evictor/LRU
// instance, and a singleflight group guaranteeing at most one concurrent
// materialization per key. Splitting the cache into partitions means a
// miss on one key never blocks a lookup for an unrelated key in another
// partition.
type Partition struct {
	mu      sync.Mutex
	index   map[string]*Record
	evictor *Evictor
	group   singleflight.Group
}

// NewPartition returns a partition bounded to maxSize bytes, evicting via
// an LRU policy by default and deferring to canEvict before actually
// dropping a candidate (e.g. the btree refusing to evict a node with a
// pending write).
func NewPartition(maxSize int64, stats *Stats, canEvict func(r *Record) bool) *Partition {
	p := &Partition{index: make(map[string]*Record)}
	// The evictor only runs from Put, under p.mu, and evicts every
	// candidate canEvict accepts, so an accepted record leaves the index
	// here as well as the policy.
	p.evictor = NewEvictor(NewLRU(), maxSize, stats, func(r *Record) bool {
		if !canEvict(r) {
			return false
		}
		delete(p.index, r.Key)
		return true
	})
	return p
}

// Get returns the record for key and upvotes it, or (nil, false) on miss.
func (p *Partition) Get(key string) (*Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.index[key]
	if !ok {
		return nil, false
	}
	r.Retain()
	p.evictor.Upvote(r)
	return r, true
}

// GetOrLoad returns the cached record for key, or calls load exactly once
// across any number of concurrent callers racing on the same key (the
// singleflight-backed "at most one concurrent materialization" invariant),
// inserting the result into the partition before returning it.
func (p *Partition) GetOrLoad(key string, load func() (*Record, error)) (*Record, error) {
	if r, ok := p.Get(key); ok {
		return r, nil
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		if r, ok := p.Get(key); ok {
			return r, nil
		}
		r, err := load()
		if err != nil {
			return nil, err
		}
		p.Put(r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	r := v.(*Record)
	r.Retain()
	return r, nil
}

// Put inserts r into the partition, evicting existing records if needed to
// stay under the size budget. Returns false if eviction could not make
// enough room and r was not inserted.
func (p *Partition) Put(r *Record) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.index[r.Key]; ok {
		p.evictor.DeleteRecord(existing)
		delete(p.index, r.Key)
	}

	if !p.evictor.AddRecord(r) {
		return false
	}
	p.index[r.Key] = r
	return true
}

// Remove evicts key outright, independent of the eviction policy's
// ordering — used when a caller knows the data is stale (e.g. a block was
// freed).
func (p *Partition) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.index[key]
	if !ok {
		return
	}
	p.evictor.DeleteRecord(r)
	delete(p.index, key)
}

// Size returns the partition's current tracked byte size.
func (p *Partition) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evictor.CurSize()
}
