package blkalloc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/raakella1/HomeStore/internal/base"
)

// run is a candidate contiguous free extent found while scanning a portion.
type run struct {
	start base.BlkNum
	count base.BlkCount
}

// Variable is the general-purpose allocator of spec §4.C: it maintains a
// cache bitmap plus a segment/portion index, preferring a single contiguous
// run and falling back to a MultiBlkId of up to hints.MaxPieces pieces.
type Variable struct {
	mu       sync.Mutex
	cfg      Config
	portions []*portion
}

// NewVariable builds a Variable allocator over cfg. initialBitmap plays the
// same recovery role it does for Fixed.
func NewVariable(cfg Config, initialBitmap []byte) (*Variable, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	v := &Variable{cfg: cfg}
	numPortions := cfg.numPortions()
	v.portions = make([]*portion, numPortions)
	var start base.BlkNum
	for i := 0; i < numPortions; i++ {
		n := cfg.PortionBlks
		if n == 0 || base.BlkCount(start)+n > cfg.TotalBlks {
			n = cfg.TotalBlks - base.BlkCount(start)
		}
		v.portions[i] = newPortion(i, start, n)
		start += base.BlkNum(n)
	}

	if initialBitmap != nil {
		for _, p := range v.portions {
			for off := base.BlkNum(0); off < base.BlkNum(p.nblks); off++ {
				if isBitSet(initialBitmap, uint64(p.startBlk+off)) {
					p.set(off)
				}
			}
		}
	}
	return v, nil
}

// freeRunsInPortion scans p for maximal free runs. Callers must hold p.mu.
func freeRunsInPortion(p *portion) []run {
	var runs []run
	var cur *run
	for off := base.BlkNum(0); off < base.BlkNum(p.nblks); off++ {
		if !p.isSet(off) {
			if cur == nil {
				cur = &run{start: p.startBlk + off, count: 1}
			} else {
				cur.count++
			}
		} else if cur != nil {
			runs = append(runs, *cur)
			cur = nil
		}
	}
	if cur != nil {
		runs = append(runs, *cur)
	}
	return runs
}

// candidateRuns returns every free run across all portions at least minLen
// long, ordered by start block number ascending (the tie-break rule: lowest
// start wins; this module has one chunk per instance so the second-level
// "most free space" tie-break is applied by the caller choosing between
// chunks, not within one).
func (v *Variable) candidateRuns(minLen base.BlkCount) []run {
	var all []run
	for _, p := range v.portions {
		p.mu.Lock()
		for _, r := range freeRunsInPortion(p) {
			if r.count >= minLen {
				all = append(all, r)
			}
		}
		p.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].start < all[j].start })
	return all
}

// Alloc prefers a single contiguous run; if none covers count and
// hints.MaxPieces > 1, it stitches together up to MaxPieces runs, each at
// least hints.MinBlksPerPiece long, until count blocks are covered.
func (v *Variable) Alloc(count base.BlkCount, hints Hints) (base.MultiBlkId, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	minPiece := hints.MinBlksPerPiece
	if minPiece == 0 {
		minPiece = 1
	}

	if id, err := v.allocContiguousLocked(count); err == nil {
		return base.MultiBlkId{id}, nil
	}

	maxPieces := hints.MaxPieces
	if maxPieces <= 1 {
		return nil, ErrSpaceFull
	}

	var result base.MultiBlkId
	remaining := count
	for _, r := range v.candidateRuns(minPiece) {
		if remaining == 0 || len(result) >= maxPieces {
			break
		}
		take := r.count
		if take > remaining {
			take = remaining
		}
		if take < minPiece {
			continue
		}
		result = append(result, base.BlkId{ChunkID: v.cfg.ChunkID, BlkNum: r.start, BlkCount: take})
		remaining -= take
	}

	if remaining > 0 {
		return nil, ErrSpaceFull
	}

	for _, piece := range result {
		v.markAllocatedLocked(piece)
	}
	return result, nil
}

// AllocContiguous requires a single run covering count blocks.
func (v *Variable) AllocContiguous(count base.BlkCount) (base.BlkId, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.allocContiguousLocked(count)
}

func (v *Variable) allocContiguousLocked(count base.BlkCount) (base.BlkId, error) {
	runs := v.candidateRuns(count)
	if len(runs) == 0 {
		return base.BlkId{}, ErrSpaceFull
	}
	chosen := runs[0]
	id := base.BlkId{ChunkID: v.cfg.ChunkID, BlkNum: chosen.start, BlkCount: count}
	v.markAllocatedLocked(id)
	return id, nil
}

func (v *Variable) markAllocatedLocked(id base.BlkId) {
	for off := base.BlkNum(0); off < base.BlkNum(id.BlkCount); off++ {
		blkNum := id.BlkNum + off
		p := v.portions[portionOf(blkNum, v.cfg.PortionBlks)]
		p.mu.Lock()
		p.set(blkNum - p.startBlk)
		p.mu.Unlock()
	}
}

func (v *Variable) Free(id base.BlkId) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for off := base.BlkNum(0); off < base.BlkNum(id.BlkCount); off++ {
		blkNum := id.BlkNum + off
		pi := portionOf(blkNum, v.cfg.PortionBlks)
		if pi >= len(v.portions) {
			return fmt.Errorf("%w: blk %d out of range for chunk %d", ErrInvalidBlkId, blkNum, id.ChunkID)
		}
		p := v.portions[pi]
		p.mu.Lock()
		if !p.isSet(blkNum - p.startBlk) {
			p.mu.Unlock()
			return fmt.Errorf("%w: blk %d not allocated", ErrInvalidBlkId, blkNum)
		}
		p.clear(blkNum - p.startBlk)
		p.mu.Unlock()
	}
	return nil
}

func (v *Variable) IsAllocated(id base.BlkId, useLock bool) bool {
	p := v.portions[portionOf(id.BlkNum, v.cfg.PortionBlks)]
	if useLock {
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	return p.isSet(id.BlkNum - p.startBlk)
}

func (v *Variable) AvailableBlks() base.BlkCount {
	v.mu.Lock()
	defer v.mu.Unlock()

	var total base.BlkCount
	for _, p := range v.portions {
		p.mu.Lock()
		total += p.freeCount
		p.mu.Unlock()
	}
	return total
}

func (v *Variable) GetUsedBlks() base.BlkCount {
	return v.cfg.TotalBlks - v.AvailableBlks()
}

// Bitmap returns the allocator's current cache bitmap in the same
// chunk-relative, 1-bit-per-block layout NewVariable's initialBitmap
// expects, the disk_bm half of spec.md:44's recovery invariant
// (cache_bm = disk_bm ∪ replayed ops). A caller that persists the result
// at checkpoint time and feeds it back into NewVariable on the next Open
// recovers every block allocated as of that checkpoint.
func (v *Variable) Bitmap() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	bitmap := make([]byte, (v.cfg.TotalBlks+7)/8)
	for _, p := range v.portions {
		p.mu.Lock()
		for off := base.BlkNum(0); off < base.BlkNum(p.nblks); off++ {
			if p.isSet(off) {
				setBitmapBit(bitmap, uint64(p.startBlk+off))
			}
		}
		p.mu.Unlock()
	}
	return bitmap
}

func setBitmapBit(bitmap []byte, pos uint64) {
	bitmap[pos/8] |= 1 << (pos % 8)
}

var _ Allocator = (*Variable)(nil)
