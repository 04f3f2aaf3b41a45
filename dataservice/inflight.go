package dataservice

import (
	"sync"

	"github.com/raakella1/HomeStore/internal/base"
)

// inflightTracker counts outstanding reads per BlkId so FreeBlk can defer
// the allocator's Free until a piece's count drops to zero, the
// free-after-read-complete contract of spec §4.G "free_blk".
type inflightTracker struct {
	mu      sync.Mutex
	counts  map[base.BlkId]int
	waiters map[base.BlkId][]chan struct{}
}

func newInflightTracker() *inflightTracker {
	return &inflightTracker{
		counts:  make(map[base.BlkId]int),
		waiters: make(map[base.BlkId][]chan struct{}),
	}
}

func (it *inflightTracker) begin(id base.BlkId) {
	it.mu.Lock()
	it.counts[id]++
	it.mu.Unlock()
}

func (it *inflightTracker) end(id base.BlkId) {
	it.mu.Lock()
	it.counts[id]--
	if it.counts[id] > 0 {
		it.mu.Unlock()
		return
	}
	delete(it.counts, id)
	waiters := it.waiters[id]
	delete(it.waiters, id)
	it.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// waitZero returns a channel that closes once id's in-flight count is
// zero — already closed if it is zero at call time.
func (it *inflightTracker) waitZero(id base.BlkId) <-chan struct{} {
	it.mu.Lock()
	defer it.mu.Unlock()
	ch := make(chan struct{})
	if it.counts[id] <= 0 {
		close(ch)
		return ch
	}
	it.waiters[id] = append(it.waiters[id], ch)
	return ch
}
