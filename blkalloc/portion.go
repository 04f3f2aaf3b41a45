package blkalloc

import (
	"sync"

	"github.com/raakella1/HomeStore/internal/base"
)

// portion is a lock-independent range of blocks guarded by its own mutex,
// the same role BlkAllocPortion plays in the original allocator: splitting
// the bitmap into portions means two allocations in different portions
// never contend on the same lock.
type portion struct {
	mu        sync.Mutex
	num       int
	startBlk  base.BlkNum
	nblks     base.BlkCount
	bitmap    []byte // 1 bit per block, set == allocated
	freeCount base.BlkCount
}

func newPortion(num int, startBlk base.BlkNum, nblks base.BlkCount) *portion {
	return &portion{
		num:       num,
		startBlk:  startBlk,
		nblks:     nblks,
		bitmap:    make([]byte, (nblks+7)/8),
		freeCount: nblks,
	}
}

func (p *portion) isSet(off base.BlkNum) bool {
	return p.bitmap[off/8]&(1<<(off%8)) != 0
}

func (p *portion) set(off base.BlkNum) {
	if !p.isSet(off) {
		p.bitmap[off/8] |= 1 << (off % 8)
		p.freeCount--
	}
}

func (p *portion) clear(off base.BlkNum) {
	if p.isSet(off) {
		p.bitmap[off/8] &^= 1 << (off % 8)
		p.freeCount++
	}
}

// portionOf returns the portion index covering blkNum given portionBlks-size
// portions.
func portionOf(blkNum base.BlkNum, portionBlks base.BlkCount) int {
	if portionBlks == 0 {
		return 0
	}
	return int(blkNum) / int(portionBlks)
}
