package btree

import (
	"sync"

	"github.com/raakella1/HomeStore/internal/base"
)

// latchTable lazily creates and hands out one *sync.RWMutex per node
// address, the "reader/writer latch per node" of spec §5 "Shared
// resources". Addresses, not NodeIDs, are the latch key: a node's flag
// bit changes across rewrites but its physical slot — and therefore the
// latch guarding concurrent access to that slot — does not.
type latchTable struct {
	mu      sync.Mutex
	latches map[uint64]*sync.RWMutex
}

func newLatchTable() *latchTable {
	return &latchTable{latches: make(map[uint64]*sync.RWMutex)}
}

func (lt *latchTable) get(addr uint64) *sync.RWMutex {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	l, ok := lt.latches[addr]
	if !ok {
		l = &sync.RWMutex{}
		lt.latches[addr] = l
	}
	return l
}

// lockedNode bundles a latched node with the latch itself and whether it
// is held for write, so callers can upgrade or release without threading
// three separate values around.
type lockedNode struct {
	id    base.NodeID
	node  Node
	latch *sync.RWMutex
	write bool
}

func (t *Tree) rlock(id base.NodeID) (*lockedNode, error) {
	l := t.latches.get(id.Addr())
	l.RLock()
	n, err := t.store.ReadNode(id)
	if err != nil {
		l.RUnlock()
		return nil, err
	}
	return &lockedNode{id: id, node: n, latch: l, write: false}, nil
}

func (t *Tree) wlock(id base.NodeID) (*lockedNode, error) {
	l := t.latches.get(id.Addr())
	l.Lock()
	n, err := t.store.ReadNode(id)
	if err != nil {
		l.Unlock()
		return nil, err
	}
	return &lockedNode{id: id, node: n, latch: l, write: true}, nil
}

// upgrade converts a read latch to a write latch, re-reading the node
// under the stronger lock since another writer may have mutated it during
// the brief window between RUnlock and Lock. If the node's generation
// changed underneath, the caller must restart the whole operation from
// the root — upgrade returns ErrRetry to signal that (spec §4.F "Upgrade
// may fail ... on failure, the operation restarts from the root").
func (ln *lockedNode) upgrade(t *Tree) error {
	if ln.write {
		return nil
	}
	gen := ln.node.Gen()
	ln.latch.RUnlock()
	ln.latch.Lock()
	n, err := t.store.ReadNode(ln.id)
	if err != nil {
		ln.latch.Unlock()
		return err
	}
	ln.write = true
	if n.Gen() != gen {
		ln.latch.Unlock()
		ln.write = false
		return ErrRetry
	}
	ln.node = n
	return nil
}

func (ln *lockedNode) release() {
	if ln.write {
		ln.latch.Unlock()
	} else {
		ln.latch.RUnlock()
	}
}
