package blkalloc

import (
	"fmt"

	"github.com/raakella1/HomeStore/internal/base"
)

// Fixed is the single-block-only allocator of spec §4.C. Its free list is a
// bounded buffered channel sized to the total block count, the idiomatic Go
// stand-in for the lock-free MPMC queue fixed_blk_allocator.cpp uses:
// alloc_contiguous pops, free pushes, and a channel give us both operations
// for free with no extra locking.
type Fixed struct {
	cfg      Config
	portions []*portion
	freeQ    chan base.BlkId
	inited   bool
}

// NewFixed builds a Fixed allocator over cfg. If initialBitmap is non-nil,
// it is consulted the way inited() consults the persisted disk bitmap on
// recovery: a set bit means the block is already allocated and is not
// pushed onto the free queue.
func NewFixed(cfg Config, initialBitmap []byte) (*Fixed, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	f := &Fixed{
		cfg:   cfg,
		freeQ: make(chan base.BlkId, cfg.TotalBlks),
	}

	numPortions := cfg.numPortions()
	f.portions = make([]*portion, numPortions)
	var start base.BlkNum
	for i := 0; i < numPortions; i++ {
		n := cfg.PortionBlks
		if n == 0 || base.BlkCount(start)+n > cfg.TotalBlks {
			n = cfg.TotalBlks - base.BlkCount(start)
		}
		f.portions[i] = newPortion(i, start, n)
		start += base.BlkNum(n)
	}

	f.initFromBitmap(initialBitmap)
	f.inited = true
	return f, nil
}

// initFromBitmap walks every portion under its own lock and pushes each
// free block onto freeQ, mirroring init_portion's per-portion scan.
func (f *Fixed) initFromBitmap(bitmap []byte) {
	for _, p := range f.portions {
		p.mu.Lock()
		for off := base.BlkNum(0); off < base.BlkNum(p.nblks); off++ {
			blkNum := p.startBlk + off
			allocated := bitmap != nil && isBitSet(bitmap, uint64(blkNum))
			if allocated {
				p.set(off)
				continue
			}
			f.freeQ <- base.BlkId{ChunkID: f.cfg.ChunkID, BlkNum: blkNum, BlkCount: 1}
		}
		p.mu.Unlock()
	}
}

func isBitSet(bitmap []byte, pos uint64) bool {
	idx := pos / 8
	if idx >= uint64(len(bitmap)) {
		return false
	}
	return bitmap[idx]&(1<<(pos%8)) != 0
}

// Alloc only ever returns single-block allocations; count must be 1.
func (f *Fixed) Alloc(count base.BlkCount, hints Hints) (base.MultiBlkId, error) {
	if count != 1 {
		return nil, fmt.Errorf("blkalloc: fixed allocator does not support multi-block alloc (got %d)", count)
	}
	id, err := f.AllocContiguous(1)
	if err != nil {
		return nil, err
	}
	return base.MultiBlkId{id}, nil
}

// AllocContiguous pops a free block id off the queue, non-blocking: an
// empty queue means the chunk is full.
func (f *Fixed) AllocContiguous(count base.BlkCount) (base.BlkId, error) {
	if count != 1 {
		return base.BlkId{}, fmt.Errorf("blkalloc: fixed allocator supports only single-block contiguous alloc")
	}
	select {
	case id := <-f.freeQ:
		f.markAllocated(id)
		return id, nil
	default:
		return base.BlkId{}, ErrSpaceFull
	}
}

func (f *Fixed) markAllocated(id base.BlkId) {
	p := f.portions[portionOf(id.BlkNum, f.cfg.PortionBlks)]
	p.mu.Lock()
	p.set(id.BlkNum - p.startBlk)
	p.mu.Unlock()
}

func (f *Fixed) markFree(id base.BlkId) {
	p := f.portions[portionOf(id.BlkNum, f.cfg.PortionBlks)]
	p.mu.Lock()
	p.clear(id.BlkNum - p.startBlk)
	p.mu.Unlock()
}

// Free clears id's bit and pushes it back onto the free queue. An id
// outside the chunk's block range, or one whose bit is not set, is
// rejected with ErrInvalidBlkId. The inited guard mirrors
// fixed_blk_allocator.cpp's "not yet inited" check; NewFixed always sets
// inited before returning.
func (f *Fixed) Free(id base.BlkId) error {
	if id.BlkCount != 1 {
		return fmt.Errorf("%w: fixed allocator only frees single blocks (got count=%d)", ErrInvalidBlkId, id.BlkCount)
	}
	if base.BlkCount(id.BlkNum) >= f.cfg.TotalBlks {
		return fmt.Errorf("%w: blk %d out of range for chunk %d", ErrInvalidBlkId, id.BlkNum, f.cfg.ChunkID)
	}
	if !f.inited {
		return nil
	}
	p := f.portions[portionOf(id.BlkNum, f.cfg.PortionBlks)]
	p.mu.Lock()
	if !p.isSet(id.BlkNum - p.startBlk) {
		p.mu.Unlock()
		return fmt.Errorf("%w: blk %d is not allocated", ErrInvalidBlkId, id.BlkNum)
	}
	p.clear(id.BlkNum - p.startBlk)
	p.mu.Unlock()
	select {
	case f.freeQ <- id:
		return nil
	default:
		return fmt.Errorf("blkalloc: free queue unexpectedly full for chunk %d", f.cfg.ChunkID)
	}
}

func (f *Fixed) IsAllocated(id base.BlkId, useLock bool) bool {
	p := f.portions[portionOf(id.BlkNum, f.cfg.PortionBlks)]
	if useLock {
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	return p.isSet(id.BlkNum - p.startBlk)
}

func (f *Fixed) AvailableBlks() base.BlkCount {
	return base.BlkCount(len(f.freeQ))
}

func (f *Fixed) GetUsedBlks() base.BlkCount {
	return f.cfg.TotalBlks - f.AvailableBlks()
}

var _ Allocator = (*Fixed)(nil)
