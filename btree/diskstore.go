package btree

import (
	"fmt"

	"github.com/raakella1/HomeStore/blkalloc"
	"github.com/raakella1/HomeStore/drive"
	"github.com/raakella1/HomeStore/internal/base"
)

// nodeChunk is the single chunk a DiskStore's backing blkalloc.Fixed
// allocates node pages from — a btree owns a dedicated vdev/chunk the same
// way metablk.Manager owns a dedicated meta chunk.
const nodeChunk base.ChunkID = 0

// DiskStore persists nodes as fixed-size pages on a drive.Endpoint, one
// page per node, the node's address doubling as its page number —
// structurally the same page-addressed layout metablk.Manager uses for
// meta-blocks (§4.E), generalized from "one page per mblk head" to "one
// page per btree node."
type DiskStore struct {
	ep       drive.Endpoint
	pageSize uint32
	alloc    *blkalloc.Fixed
}

// NewDiskStore formats a fresh node store over totalPages pages of
// pageSize bytes each on ep.
func NewDiskStore(ep drive.Endpoint, pageSize uint32, totalPages base.BlkCount) (*DiskStore, error) {
	alloc, err := blkalloc.NewFixed(blkalloc.Config{ChunkID: nodeChunk, TotalBlks: totalPages}, nil)
	if err != nil {
		return nil, err
	}
	return &DiskStore{ep: ep, pageSize: pageSize, alloc: alloc}, nil
}

// ReopenDiskStore rebuilds a DiskStore over an already-formatted node
// region, consulting liveBitmap (one bit per page, set == allocated) the
// way blkalloc.NewFixed's initialBitmap parameter does on any allocator
// recovery path.
func ReopenDiskStore(ep drive.Endpoint, pageSize uint32, totalPages base.BlkCount, liveBitmap []byte) (*DiskStore, error) {
	alloc, err := blkalloc.NewFixed(blkalloc.Config{ChunkID: nodeChunk, TotalBlks: totalPages}, liveBitmap)
	if err != nil {
		return nil, err
	}
	return &DiskStore{ep: ep, pageSize: pageSize, alloc: alloc}, nil
}

// addrToPage/pageToAddr translate between a node address and its backing
// page number, offset by one so that page 0 never collides with
// base.InvalidNodeID (address 0).
func addrToPage(addr uint64) base.BlkNum { return base.BlkNum(addr - 1) }
func pageToAddr(p base.BlkNum) uint64    { return uint64(p) + 1 }

func (s *DiskStore) AllocNode(kind Kind) (Node, error) {
	id, err := s.alloc.AllocContiguous(1)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpaceFull, err)
	}
	addr := pageToAddr(id.BlkNum)
	if kind == KindLeaf {
		return newLeafNode(addr), nil
	}
	return newInteriorNode(addr), nil
}

func (s *DiskStore) ReadNode(id base.NodeID) (Node, error) {
	buf := make([]byte, s.pageSize)
	if _, err := s.ep.SyncRead(buf, int64(addrToPage(id.Addr()))*int64(s.pageSize)); err != nil {
		return nil, fmt.Errorf("btree: read node %d: %w", id.Addr(), err)
	}
	return DecodeNode(buf, id.Addr())
}

func (s *DiskStore) WriteNode(n Node) error {
	buf := n.Encode()
	if uint32(len(buf)) > s.pageSize {
		return fmt.Errorf("btree: encoded node %d is %d bytes, exceeds page size %d", n.Addr(), len(buf), s.pageSize)
	}
	page := make([]byte, s.pageSize)
	copy(page, buf)
	if _, err := s.ep.SyncWrite(page, int64(addrToPage(n.Addr()))*int64(s.pageSize)); err != nil {
		return fmt.Errorf("btree: write node %d: %w", n.Addr(), err)
	}
	return nil
}

func (s *DiskStore) FreeNode(id base.NodeID) error {
	return s.alloc.Free(base.BlkId{ChunkID: nodeChunk, BlkNum: addrToPage(id.Addr()), BlkCount: 1})
}

// AvailableBlks exposes remaining node capacity, used by boot logging and
// tests asserting space accounting.
func (s *DiskStore) AvailableBlks() base.BlkCount { return s.alloc.AvailableBlks() }

var _ Store = (*DiskStore)(nil)
