package device

import (
	"sync/atomic"

	"github.com/raakella1/HomeStore/internal/base"
)

// DMChunkInfo records where one of a pdev's two alternating DM-info chunks
// lives and how large it is. A copy of both is persisted in the first
// block (PdevInfoHeader.DMChunks) so Load can locate them and validate
// their size against the currently configured dm_info_size, mirroring
// physical_dev.cpp's super_block::dm_chunk[2] array of chunk_info_block.
type DMChunkInfo struct {
	ChunkID     base.ChunkID
	StartOffset uint64
	Size        uint64
}

// roundUpToPage rounds v up to the next multiple of pageSize, the Go
// equivalent of physical_dev.cpp's ALIGN_SIZE(dm_info_size, phys_page_size).
func roundUpToPage(v, pageSize uint64) uint64 {
	if pageSize == 0 {
		return v
	}
	return (v + pageSize - 1) / pageSize * pageSize
}

// DMInfo is the "DM chunk" area: a small metadata region that alternates
// between two physical copies so that a crash mid-write always leaves one
// intact copy to boot from. Callers publish a new version by writing to the
// inactive copy and then flipping GenCount; only once GenCount's parity
// changes does the reader's view move to the new copy.
type DMInfo struct {
	genCount atomic.Uint64
	copies   [2][]byte
}

// NewDMInfo returns a DMInfo sized to hold payloads up to size bytes per
// copy.
func NewDMInfo(size int) *DMInfo {
	return &DMInfo{copies: [2][]byte{make([]byte, size), make([]byte, size)}}
}

// activeIndex returns which of the two copies is currently the published
// one: even generation counts read copy 0, odd counts read copy 1.
func (d *DMInfo) activeIndex() int {
	return int(d.genCount.Load() & 1)
}

// Active returns the currently published copy. Callers must not retain the
// slice across a Publish call.
func (d *DMInfo) Active() []byte {
	return d.copies[d.activeIndex()]
}

// Publish writes data into the inactive copy and then atomically flips the
// generation counter so readers observe the new copy as a single step. If a
// crash happens before the flip, the previously active copy is still
// intact and Active() continues to return it on the next boot.
func (d *DMInfo) Publish(data []byte) {
	inactive := 1 - d.activeIndex()
	buf := d.copies[inactive]
	clear(buf)
	copy(buf, data)
	d.genCount.Add(1)
}

// GenCount returns the current generation counter, stored alongside the DM
// area on disk so a reboot can tell which copy was last published.
func (d *DMInfo) GenCount() uint64 {
	return d.genCount.Load()
}

// loadActive seeds a freshly constructed DMInfo with the generation count
// and payload read back from the active chunk on disk, so Active() and
// GenCount() reflect the last published image instead of the zero value,
// and the next Publish still flips into the correct (currently inactive)
// copy.
func (d *DMInfo) loadActive(genCount uint64, data []byte) {
	d.genCount.Store(genCount)
	copy(d.copies[d.activeIndex()], data)
}
