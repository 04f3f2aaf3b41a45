package btree

import "github.com/raakella1/HomeStore/internal/base"

// removeInteriorChild drops the child at idx from n, handling the edge
// case (idx == NumEntries(), i.e. the rightmost edge child) by promoting
// the previous entry's child into the edge slot and dropping that entry,
// the same "remove interally updates parent's edge if needed" behavior
// merge_nodes relies on in btree.hpp.
func removeInteriorChild(n *InteriorNode, idx int) {
	if idx >= len(n.entries) {
		if len(n.entries) > 0 {
			last := len(n.entries) - 1
			n.edge = n.entries[last].ChildID
			n.entries = n.entries[:last]
		} else {
			n.edge = base.InvalidNodeID
		}
		return
	}
	n.entries = append(n.entries[:idx], n.entries[idx+1:]...)
}

// mergeNodes redistributes entries across the children named by indices
// (ascending, adjacent, parent write-latched) toward cfg.IdealFillSize,
// freeing any child that ends up empty and removing its parent entry
// (spec §4.F "Merge"). The leftmost child keeps its address and flips its
// pc_gen_flag in place; later survivors are rewritten at their own
// addresses. Write order is right-to-left child copies, then parent, then
// the leftmost child, matching split's crash-safety ordering in reverse.
func (t *Tree) mergeNodes(parent *lockedNode, indices []int) error {
	if len(indices) < 2 {
		return nil
	}

	interior := parent.node.(*InteriorNode)
	children := make([]*lockedNode, len(indices))
	for i, idx := range indices {
		childID := interior.ChildAt(idx)
		c, err := t.wlock(childID)
		if err != nil {
			for j := 0; j < i; j++ {
				children[j].release()
			}
			return err
		}
		children[i] = c
	}
	defer func() {
		for _, c := range children {
			c.release()
		}
	}()

	switch children[0].node.(type) {
	case *LeafNode:
		return t.mergeLeaves(parent, indices, children)
	case *InteriorNode:
		return t.mergeInteriors(parent, indices, children)
	default:
		return nil
	}
}

func (t *Tree) mergeLeaves(parent *lockedNode, indices []int, children []*lockedNode) error {
	leaves := make([]*LeafNode, len(children))
	for i, c := range children {
		leaves[i] = c.node.(*LeafNode)
	}

	freed := make([]bool, len(leaves))
	i, j := 0, 1
	for i < len(leaves)-1 && j < len(leaves) {
		if leaves[i].OccupiedSize() < t.cfg.IdealFillSize {
			pull := t.cfg.IdealFillSize - leaves[i].OccupiedSize()
			leaves[i].MoveInFromRightBySize(leaves[j], pull)
			if leaves[j].NumEntries() == 0 {
				freed[j] = true
				leaves[i].SetNextBnode(leaves[j].NextBnode())
				j++
				continue
			}
		}
		i = j
		j++
	}

	leaves[0].FlipPcGenFlag()
	leaves[0].BumpGen()

	interior := parent.node.(*InteriorNode)
	for n := len(leaves) - 1; n >= 1; n-- {
		idx := indices[n]
		if freed[n] {
			removeInteriorChild(interior, idx)
			if err := t.store.FreeNode(children[n].id); err != nil {
				return err
			}
			continue
		}
		leaves[n].BumpGen()
		if err := t.store.WriteNode(leaves[n]); err != nil {
			return err
		}
		interior.UpdateChildAt(idx, leaves[n].ID())
		if idx < interior.NumEntries() {
			interior.entries[idx].Key = leaves[n].LastKey()
		}
	}

	interior.UpdateChildAt(indices[0], leaves[0].ID())
	if indices[0] < interior.NumEntries() {
		interior.entries[indices[0]].Key = leaves[0].LastKey()
	}
	parent.node.BumpGen()
	if err := t.store.WriteNode(parent.node); err != nil {
		return err
	}
	return t.store.WriteNode(leaves[0])
}

func (t *Tree) mergeInteriors(parent *lockedNode, indices []int, children []*lockedNode) error {
	nodes := make([]*InteriorNode, len(children))
	for i, c := range children {
		nodes[i] = c.node.(*InteriorNode)
	}

	freed := make([]bool, len(nodes))
	i, j := 0, 1
	for i < len(nodes)-1 && j < len(nodes) {
		if nodes[i].OccupiedSize() < t.cfg.IdealFillSize {
			pull := t.cfg.IdealFillSize - nodes[i].OccupiedSize()
			nodes[i].MoveInFromRightBySize(nodes[j], pull)
			if len(nodes[j].entries) == 0 {
				// j's keyed entries are gone; its edge becomes the new
				// tail of i's range before j is dropped entirely.
				nodes[i].SetEdgeID(nodes[j].EdgeID())
				freed[j] = true
				j++
				continue
			}
		}
		i = j
		j++
	}

	nodes[0].FlipPcGenFlag()
	nodes[0].BumpGen()

	interior := parent.node.(*InteriorNode)
	for n := len(nodes) - 1; n >= 1; n-- {
		idx := indices[n]
		if freed[n] {
			removeInteriorChild(interior, idx)
			if err := t.store.FreeNode(children[n].id); err != nil {
				return err
			}
			continue
		}
		nodes[n].BumpGen()
		if err := t.store.WriteNode(nodes[n]); err != nil {
			return err
		}
		interior.UpdateChildAt(idx, nodes[n].ID())
		if idx < interior.NumEntries() {
			interior.entries[idx].Key = nodes[n].LastKey()
		}
	}

	interior.UpdateChildAt(indices[0], nodes[0].ID())
	if indices[0] < interior.NumEntries() {
		interior.entries[indices[0]].Key = nodes[0].LastKey()
	}
	parent.node.BumpGen()
	if err := t.store.WriteNode(parent.node); err != nil {
		return err
	}
	return t.store.WriteNode(nodes[0])
}
