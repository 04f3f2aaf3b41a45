package btree

import (
	"sync"

	"github.com/raakella1/HomeStore/internal/base"
	"github.com/raakella1/HomeStore/internal/compare"
)

// Tree is a persistent, latch-coupled B+tree over a Store (spec §4.F
// "Persistent B+tree"). Get descends holding only read latches,
// hand-over-hand: a parent is released as soon as its child is latched.
// Put and Remove descend holding write latches the whole way down instead
// of the fully optimistic read-then-upgrade protocol — simpler to reason
// about, and since a mutating operation may need to split or merge any
// node on its path, most of the path ends up wanting a write latch anyway.
type Tree struct {
	store   Store
	cfg     Config
	cmp     compare.Compare
	latches *latchTable

	rootMu sync.Mutex
	rootID base.NodeID
}

// NewTree formats a brand-new tree with a single empty leaf as its root.
func NewTree(store Store, cfg Config) (*Tree, error) {
	if cfg.Cmp == nil {
		cfg.Cmp = compare.Bytes
	}
	root, err := store.AllocNode(KindLeaf)
	if err != nil {
		return nil, err
	}
	if err := store.WriteNode(root); err != nil {
		return nil, err
	}
	return &Tree{
		store:   store,
		cfg:     cfg,
		cmp:     cfg.Cmp,
		latches: newLatchTable(),
		rootID:  root.ID(),
	}, nil
}

// OpenTree reattaches to a tree whose root is already durable at rootID,
// the path a caller takes after recovering rootID from its own
// metablk-persisted superblock.
func OpenTree(store Store, cfg Config, rootID base.NodeID) *Tree {
	if cfg.Cmp == nil {
		cfg.Cmp = compare.Bytes
	}
	return &Tree{
		store:   store,
		cfg:     cfg,
		cmp:     cfg.Cmp,
		latches: newLatchTable(),
		rootID:  rootID,
	}
}

func (t *Tree) loadRoot() base.NodeID {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	return t.rootID
}

// RootID returns the tree's current root, for a caller that wants to
// persist it in a meta-block.
func (t *Tree) RootID() base.NodeID { return t.loadRoot() }

// mismatch reports whether child's pc_gen_flag disagrees with what the
// NodeID stored in parent at idx expects — the torn-write detector spec
// §4.F "fix_pc_gen_mismatch" is built around.
func mismatch(parent *InteriorNode, idx int, child Node) bool {
	return parent.ChildAt(idx).PcGenFlag() != child.ID().PcGenFlag()
}

// Get returns the value stored for key, or ErrNotFound.
func (t *Tree) Get(key []byte) ([]byte, error) {
	for {
		val, err := t.getOnce(key)
		if err == ErrRetry {
			continue
		}
		return val, err
	}
}

func (t *Tree) getOnce(key []byte) ([]byte, error) {
	cur, err := t.rlock(t.loadRoot())
	if err != nil {
		return nil, err
	}
	for {
		interior, ok := cur.node.(*InteriorNode)
		if !ok {
			leaf := cur.node.(*LeafNode)
			found, idx := leaf.Find(key, t.cmp)
			cur.release()
			if !found {
				return nil, ErrNotFound
			}
			return leaf.Get(idx), nil
		}

		idx := interior.FindChild(key, t.cmp)
		childID := interior.ChildAt(idx)
		child, err := t.rlock(childID)
		if err != nil {
			cur.release()
			return nil, err
		}

		if mismatch(interior, idx, child.node) {
			parentID := cur.id
			child.release()
			cur.release()
			if err := t.repairMismatchAt(parentID, key); err != nil {
				return nil, err
			}
			return nil, ErrRetry
		}

		cur.release()
		cur = child
	}
}

// repairMismatchAt re-latches parentID and its child covering key for
// write and runs fixPcGenMismatch, used by the read-only Get path when it
// encounters a torn write it cannot repair while only holding read
// latches.
func (t *Tree) repairMismatchAt(parentID base.NodeID, key []byte) error {
	parent, err := t.wlock(parentID)
	if err != nil {
		return err
	}
	defer parent.release()

	interior := parent.node.(*InteriorNode)
	idx := interior.FindChild(key, t.cmp)
	childID := interior.ChildAt(idx)
	child, err := t.wlock(childID)
	if err != nil {
		return err
	}
	defer child.release()

	if !mismatch(interior, idx, child.node) {
		return nil // already repaired by someone else
	}
	return t.fixPcGenMismatch(parent, idx, child)
}

// Put upserts (key, value) per pt, splitting nodes on the way down as
// needed (spec §4.F "Put").
func (t *Tree) Put(key, value []byte, pt PutType) error {
	for {
		err := t.putOnce(key, value, pt)
		if err == ErrRetry {
			continue
		}
		return err
	}
}

func (t *Tree) putOnce(key, value []byte, pt PutType) error {
	rootID := t.loadRoot()
	root, err := t.wlock(rootID)
	if err != nil {
		return err
	}

	if leaf, ok := root.node.(*LeafNode); ok {
		if leaf.IsSplitNeeded(t.cfg, key, value) {
			root.release()
			if err := t.splitRootAndRetry(rootID); err != nil {
				return err
			}
			return ErrRetry
		}
		ok := leaf.Put(key, value, pt, t.cmp)
		if !ok {
			root.release()
			if pt == PutInsertOnly {
				return ErrKeyExists
			}
			return ErrNotFound
		}
		leaf.BumpGen()
		err := t.store.WriteNode(leaf)
		root.release()
		return err
	}

	interior := root.node.(*InteriorNode)
	if interior.IsSplitNeeded(t.cfg, key) {
		root.release()
		if err := t.splitRootAndRetry(rootID); err != nil {
			return err
		}
		return ErrRetry
	}

	return t.descendPut(root, key, value, pt)
}

// descendPut walks from a write-latched interior node down to the leaf
// that should hold key, splitting any child that would otherwise overflow
// and repairing any pc_gen_flag mismatch it finds along the way. parent is
// released only once child is safely latched and any needed split/repair
// has completed.
func (t *Tree) descendPut(parent *lockedNode, key, value []byte, pt PutType) error {
	for {
		interior := parent.node.(*InteriorNode)
		idx := interior.FindChild(key, t.cmp)
		childID := interior.ChildAt(idx)

		child, err := t.wlock(childID)
		if err != nil {
			parent.release()
			return err
		}

		if mismatch(interior, idx, child.node) {
			err := t.fixPcGenMismatch(parent, idx, child)
			parent.release()
			child.release()
			if err != nil {
				return err
			}
			return ErrRetry
		}

		switch n := child.node.(type) {
		case *LeafNode:
			if n.IsSplitNeeded(t.cfg, key, value) {
				err := t.splitNode(parent, idx, child)
				parent.release()
				child.release()
				if err != nil {
					return err
				}
				return ErrRetry
			}
			parent.release()
			ok := n.Put(key, value, pt, t.cmp)
			if !ok {
				child.release()
				if pt == PutInsertOnly {
					return ErrKeyExists
				}
				return ErrNotFound
			}
			n.BumpGen()
			err := t.store.WriteNode(n)
			child.release()
			return err

		case *InteriorNode:
			if n.IsSplitNeeded(t.cfg, key) {
				err := t.splitNode(parent, idx, child)
				parent.release()
				child.release()
				if err != nil {
					return err
				}
				return ErrRetry
			}
			parent.release()
			parent = child
			continue

		default:
			parent.release()
			child.release()
			return ErrRetry
		}
	}
}

// Remove deletes key, merging underfull nodes on the way down (spec §4.F
// "Remove").
func (t *Tree) Remove(key []byte) error {
	for {
		err := t.removeOnce(key)
		if err == ErrRetry {
			continue
		}
		return err
	}
}

func (t *Tree) removeOnce(key []byte) error {
	rootID := t.loadRoot()
	root, err := t.wlock(rootID)
	if err != nil {
		return err
	}

	if leaf, ok := root.node.(*LeafNode); ok {
		defer root.release()
		found, idx := leaf.Find(key, t.cmp)
		if !found {
			return ErrNotFound
		}
		leaf.Remove(idx)
		leaf.BumpGen()
		return t.store.WriteNode(leaf)
	}

	return t.descendRemove(root, key)
}

// descendRemove mirrors descendPut but merges an underfull child into its
// neighbors (up to cfg.MaxAdjacentMerge of them) instead of splitting an
// overfull one.
func (t *Tree) descendRemove(parent *lockedNode, key []byte) error {
	for {
		interior := parent.node.(*InteriorNode)
		idx := interior.FindChild(key, t.cmp)
		childID := interior.ChildAt(idx)

		child, err := t.wlock(childID)
		if err != nil {
			parent.release()
			return err
		}

		if mismatch(interior, idx, child.node) {
			err := t.fixPcGenMismatch(parent, idx, child)
			parent.release()
			child.release()
			if err != nil {
				return err
			}
			return ErrRetry
		}

		if child.node.IsMergeNeeded(t.cfg) {
			indices := adjacentIndices(interior, idx, t.cfg.MaxAdjacentMerge)
			// mergeNodes re-latches every index in indices itself, so the
			// child latch acquired above must be released first or
			// mergeNodes would deadlock trying to write-lock it again.
			child.release()
			if len(indices) >= 2 {
				err := t.mergeNodes(parent, indices)
				parent.release()
				if err != nil {
					return err
				}
				return ErrRetry
			}
			// No neighbor to merge with (sole child in its parent):
			// nothing more to do here, re-latch and fall through.
			child, err = t.wlock(childID)
			if err != nil {
				parent.release()
				return err
			}
		}

		switch n := child.node.(type) {
		case *LeafNode:
			parent.release()
			found, lidx := n.Find(key, t.cmp)
			if !found {
				child.release()
				return ErrNotFound
			}
			n.Remove(lidx)
			n.BumpGen()
			err := t.store.WriteNode(n)
			child.release()
			return err

		case *InteriorNode:
			parent.release()
			parent = child
			continue

		default:
			parent.release()
			child.release()
			return ErrRetry
		}
	}
}

// adjacentIndices returns idx plus up to max-1 neighboring indices (idx-1,
// idx+1, idx-2, idx+2, ...) that exist in interior, the Go shape of the
// MAX_ADJACENT_INDEX search merge_nodes' caller runs in btree.hpp, kept in
// ascending order for mergeNodes' right-to-left write pass.
func adjacentIndices(interior *InteriorNode, idx, max int) []int {
	last := interior.NumEntries() // valid index range is [0, last], last == edge
	set := map[int]bool{idx: true}
	for span := 1; len(set) < max; span++ {
		added := false
		if idx-span >= 0 {
			set[idx-span] = true
			added = true
		}
		if idx+span <= last {
			set[idx+span] = true
			added = true
		}
		if !added {
			break
		}
	}
	out := make([]int, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	sortInts(out)
	if len(out) > max {
		out = out[:max]
	}
	return out
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// RemoveAny deletes the first key >= start (or the last key <= start if
// reverse is set), returning the removed key and value. It mirrors
// BtreeRemoveAnyRequest in btree_req.hpp: the caller doesn't know the
// exact key, only a bound. Only a leaf root is supported directly; a
// multi-level tree is walked down to the leaf covering start first.
func (t *Tree) RemoveAny(start []byte, reverse bool) (key, value []byte, err error) {
	for {
		key, value, err = t.removeAnyOnce(start, reverse)
		if err == ErrRetry {
			continue
		}
		return key, value, err
	}
}

func (t *Tree) removeAnyOnce(start []byte, reverse bool) ([]byte, []byte, error) {
	rootID := t.loadRoot()
	parent, err := t.wlock(rootID)
	if err != nil {
		return nil, nil, err
	}

	for {
		leaf, ok := parent.node.(*LeafNode)
		if ok {
			defer parent.release()
			idx, ok := resolveAny(leaf, start, reverse, t.cmp)
			if !ok {
				return nil, nil, ErrNotFound
			}
			k, v := leaf.entries[idx].Key, leaf.entries[idx].Value
			leaf.Remove(idx)
			leaf.BumpGen()
			if err := t.store.WriteNode(leaf); err != nil {
				return nil, nil, err
			}
			return k, v, nil
		}

		interior := parent.node.(*InteriorNode)
		idx := interior.FindChild(start, t.cmp)
		childID := interior.ChildAt(idx)
		child, err := t.wlock(childID)
		if err != nil {
			parent.release()
			return nil, nil, err
		}
		if mismatch(interior, idx, child.node) {
			err := t.fixPcGenMismatch(parent, idx, child)
			parent.release()
			child.release()
			if err != nil {
				return nil, nil, err
			}
			return nil, nil, ErrRetry
		}
		parent.release()
		parent = child
	}
}

func resolveAny(leaf *LeafNode, start []byte, reverse bool, cmp compare.Compare) (int, bool) {
	found, idx := leaf.Find(start, cmp)
	if found {
		return idx, true
	}
	if reverse {
		idx--
		return idx, idx >= 0
	}
	return idx, idx < len(leaf.entries)
}
