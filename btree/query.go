package btree

import (
	"github.com/raakella1/HomeStore/internal/compare"
	"github.com/raakella1/HomeStore/internal/iterator"
)

// QueryType selects how RangeQuery walks the tree, the Go shape of
// BtreeQueryType in btree_req.hpp.
type QueryType uint8

const (
	// QuerySweep follows leaf next_bnode pointers, the cheap non-intrusive
	// pagination query (spec §4.F "Sweep range query").
	QuerySweep QueryType = iota
	// QueryTraversal walks down from the root for every batch instead of
	// trusting next_bnode, paying more latch traffic for a query that
	// tolerates concurrent structural changes mid-scan.
	QueryTraversal
)

// KeyRange bounds a range query; End == nil means unbounded above.
type KeyRange struct {
	Start     []byte
	End       []byte
	Inclusive bool // whether Start itself is included
}

// Cursor resumes a range query strictly after its last returned key. It
// holds only that key: every RangeQuery call descends from the root again
// to the leaf covering it.
type Cursor struct {
	lastKey []byte
	done    bool
}

// RangeQuery fetches up to batchSize entries in r starting at the cursor's
// position (or r.Start on a zero-value Cursor), advancing the cursor.
func (t *Tree) RangeQuery(r KeyRange, qt QueryType, batchSize int, cur *Cursor) ([]iterator.KV, error) {
	if batchSize <= 0 {
		batchSize = t.cfg.DefaultBatchSize
	}
	if cur.done {
		return nil, nil
	}

	start := r.Start
	inclusive := r.Inclusive
	if cur.lastKey != nil {
		start = cur.lastKey
		inclusive = false // resume strictly after the last key returned
	}

	var out []leafEntry
	var err error
	switch qt {
	case QueryTraversal:
		out, err = t.traversalFetch(start, inclusive, r.End, batchSize)
	default:
		out, err = t.sweepFetch(start, inclusive, r.End, batchSize)
	}
	if err != nil {
		return nil, err
	}

	if len(out) == 0 {
		cur.done = true
		return nil, nil
	}
	cur.lastKey = out[len(out)-1].Key
	if len(out) < batchSize {
		cur.done = true
	}

	kvs := make([]iterator.KV, len(out))
	for i, e := range out {
		kvs[i] = iterator.KV{Key: e.Key, Value: e.Value}
	}
	return kvs, nil
}

// sweepFetch descends once to the leaf holding start, then walks
// next_bnode hand-over-hand — latch next, then release current — so at
// most two leaf latches are held at once, until batchSize entries are
// collected or the range's upper bound is passed (spec §4.F "Sweep range
// query").
func (t *Tree) sweepFetch(start []byte, inclusive bool, end []byte, batchSize int) ([]leafEntry, error) {
	leaf, err := t.findLeaf(start)
	if err != nil {
		return nil, err
	}

	var out []leafEntry
	for {
		n := leaf.node.(*LeafNode)
		_, exhausted := n.GetAll(start, t.cmp, inclusive, batchSize-len(out), &out)

		out = clipToEnd(out, end, t.cmp)
		if len(out) >= batchSize || (len(out) > 0 && end != nil && t.cmp(out[len(out)-1].Key, end) >= 0) {
			leaf.release()
			return out, nil
		}
		if !exhausted {
			leaf.release()
			return out, nil
		}

		nextID := n.NextBnode()
		if !nextID.IsValid() {
			leaf.release()
			return out, nil
		}
		next, err := t.rlock(nextID)
		leaf.release()
		if err != nil {
			return out, err
		}
		leaf = next
		inclusive = true
		start = n.LastKey()
	}
}

// traversalFetch re-descends from the root for a single batch: finds the
// leaf covering start, reads up to batchSize entries, and returns —
// unlike sweepFetch it never trusts next_bnode across calls, so a
// structural change between RangeQuery calls can't strand the cursor on a
// freed leaf.
func (t *Tree) traversalFetch(start []byte, inclusive bool, end []byte, batchSize int) ([]leafEntry, error) {
	leaf, err := t.findLeaf(start)
	if err != nil {
		return nil, err
	}
	defer leaf.release()

	n := leaf.node.(*LeafNode)
	var out []leafEntry
	n.GetAll(start, t.cmp, inclusive, batchSize, &out)
	return clipToEnd(out, end, t.cmp), nil
}

// findLeaf read-latches its way from the root to the leaf covering key,
// repairing any pc_gen_flag mismatch it encounters (via repairMismatchAt)
// and retrying the whole descent if it does.
func (t *Tree) findLeaf(key []byte) (*lockedNode, error) {
	for {
		ln, err := t.findLeafOnce(key)
		if err == ErrRetry {
			continue
		}
		return ln, err
	}
}

func (t *Tree) findLeafOnce(key []byte) (*lockedNode, error) {
	cur, err := t.rlock(t.loadRoot())
	if err != nil {
		return nil, err
	}
	for {
		interior, ok := cur.node.(*InteriorNode)
		if !ok {
			return cur, nil
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

func clipToEnd(entries []leafEntry, end []byte, cmp compare.Compare) []leafEntry {
	if end == nil {
		return entries
	}
	for i, e := range entries {
		if cmp(e.Key, end) > 0 {
			return entries[:i]
		}
	}
	return entries
}
