package btree

import (
	"errors"
	"sync"

	"github.com/raakella1/HomeStore/internal/base"
)

// ErrNodeNotFound is returned by Store.ReadNode when addr names a node
// that was never allocated or has since been freed.
var ErrNodeNotFound = errors.New("btree: node not found")

// Store persists nodes keyed by their stable address. AllocNode/FreeNode
// mirror alloc_node/free_node (spec §3 "Lifecycles": "btree nodes created
// via alloc_node, freed via free_node post-unlock"); ReadNode/WriteNode are
// the crash-consistency boundary the split/merge write-ordering guarantees
// in §4.F depend on — WriteNode must be durable before the function that
// called it returns.
type Store interface {
	AllocNode(kind Kind) (Node, error)
	ReadNode(id base.NodeID) (Node, error)
	WriteNode(n Node) error
	FreeNode(id base.NodeID) error
}

// MemStore is an in-process Store over a map, the one this module's tests
// and any caller without a backing device use. It still honors the
// same-address-different-flag semantics a real device would: ReadNode
// returns whatever flag was last written at that address, regardless of
// the flag embedded in the id argument, so pc_gen_flag mismatch detection
// behaves identically to DiskStore.
type MemStore struct {
	mu       sync.Mutex
	bufs     map[uint64][]byte
	nextAddr uint64
}

// NewMemStore returns an empty MemStore. Addresses start at 1 so that 0
// (base.InvalidNodeID's address) is never a live node.
func NewMemStore() *MemStore {
	return &MemStore{bufs: make(map[uint64][]byte), nextAddr: 1}
}

func (s *MemStore) AllocNode(kind Kind) (Node, error) {
	s.mu.Lock()
	addr := s.nextAddr
	s.nextAddr++
	s.mu.Unlock()

	if kind == KindLeaf {
		return newLeafNode(addr), nil
	}
	return newInteriorNode(addr), nil
}

func (s *MemStore) ReadNode(id base.NodeID) (Node, error) {
	s.mu.Lock()
	buf, ok := s.bufs[id.Addr()]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNodeNotFound
	}
	return DecodeNode(buf, id.Addr())
}

func (s *MemStore) WriteNode(n Node) error {
	buf := n.Encode()
	s.mu.Lock()
	s.bufs[n.Addr()] = buf
	s.mu.Unlock()
	return nil
}

func (s *MemStore) FreeNode(id base.NodeID) error {
	s.mu.Lock()
	delete(s.bufs, id.Addr())
	s.mu.Unlock()
	return nil
}

var _ Store = (*MemStore)(nil)
