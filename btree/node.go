package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/raakella1/HomeStore/internal/base"
	"github.com/raakella1/HomeStore/internal/compare"
)

// Kind distinguishes a leaf node (holds key/value entries) from an interior
// node (holds key/child-id entries plus a rightmost edge child), spec §3
// "B+tree node" States {leaf, interior}.
type Kind uint8

const (
	KindLeaf Kind = iota
	KindInterior
)

// PutType selects upsert semantics for LeafNode.Put, the Go shape of
// btree_put_type in btree_req.hpp.
type PutType uint8

const (
	// PutUpsert inserts the key if absent, replaces its value if present.
	PutUpsert PutType = iota
	// PutInsertOnly fails (returns false) if the key already exists.
	PutInsertOnly
	// PutUpdateOnly fails (returns false) if the key does not already exist.
	PutUpdateOnly
)

// entryOverhead is the per-entry length-prefix bytes charged against
// Config.MaxNodeSize so size accounting matches what Encode actually writes.
const (
	leafEntryOverhead     = 8 // keyLen(4) + valLen(4)
	interiorEntryOverhead = 12 // keyLen(4) + childID(8)
	nodeHeaderBytes       = 22 // kind(1) + flag(1) + gen(8) + next/edge(8) + numEntries(4)
)

// Node is the protocol every node, leaf or interior, supports (spec §4.F
// "Node protocol"). Leaf-only and interior-only operations (Put, GetAll,
// FindChild, ...) live on the concrete *LeafNode / *InteriorNode types;
// Tree type-switches on Kind() to reach them, the Go stand-in for the
// virtual dispatch btree.hpp gets from a common BtreeNode base class.
type Node interface {
	ID() base.NodeID
	Addr() uint64
	Kind() Kind
	Gen() base.Gen
	BumpGen()
	FlipPcGenFlag()
	NumEntries() int
	LastKey() []byte
	OccupiedSize() int
	IsMergeNeeded(cfg Config) bool
	Encode() []byte
}

// baseNode carries the fields every node kind shares: its own address
// (stable for the node's lifetime), the pc_gen_flag parity bit flipped on
// every in-place rewrite, and the mutation generation counter.
type baseNode struct {
	addr uint64
	flag bool
	gen  base.Gen
}

func (n *baseNode) ID() base.NodeID    { return base.MakeNodeID(n.addr, n.flag) }
func (n *baseNode) Addr() uint64       { return n.addr }
func (n *baseNode) Gen() base.Gen      { return n.gen }
func (n *baseNode) BumpGen()           { n.gen++ }
func (n *baseNode) FlipPcGenFlag()     { n.flag = !n.flag }
func (n *baseNode) setAddr(addr uint64) { n.addr = addr }

// --- Leaf ---------------------------------------------------------------

type leafEntry struct {
	Key   []byte
	Value []byte
}

// LeafNode holds the key/value entries of spec §3 "B+tree node" and the
// next_bnode sibling pointer used by the sweep range query to walk across
// leaves without re-descending from the root each time.
type LeafNode struct {
	baseNode
	entries []leafEntry
	next    base.NodeID

	// movedOut is scratch state populated by MoveOutToRightBySize and
	// drained by the caller (splitNode) into the new sibling; never
	// persisted.
	movedOut []leafEntry
}

func newLeafNode(addr uint64) *LeafNode {
	return &LeafNode{baseNode: baseNode{addr: addr}, next: base.InvalidNodeID}
}

func (n *LeafNode) Kind() Kind      { return KindLeaf }
func (n *LeafNode) NumEntries() int { return len(n.entries) }

func (n *LeafNode) LastKey() []byte {
	if len(n.entries) == 0 {
		return nil
	}
	return n.entries[len(n.entries)-1].Key
}

func (n *LeafNode) NextBnode() base.NodeID     { return n.next }
func (n *LeafNode) SetNextBnode(id base.NodeID) { n.next = id }

func (n *LeafNode) OccupiedSize() int {
	size := 0
	for _, e := range n.entries {
		size += leafEntryOverhead + len(e.Key) + len(e.Value)
	}
	return size
}

// Find locates key, returning (true, index) if present, or (false, index)
// where index is the insertion point that keeps entries ordered.
func (n *LeafNode) Find(key []byte, cmp compare.Compare) (bool, int) {
	lo, hi := 0, len(n.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		c := cmp(n.entries[mid].Key, key)
		switch {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid
		default:
			return true, mid
		}
	}
	return false, lo
}

// Get returns the value stored for key, mirroring node.get(index).
func (n *LeafNode) Get(index int) []byte {
	if index < 0 || index >= len(n.entries) {
		return nil
	}
	return n.entries[index].Value
}

// Put inserts or replaces (key, value) per pt, reporting whether the
// mutation was accepted (false only for a CAS-style rejection).
func (n *LeafNode) Put(key, value []byte, pt PutType, cmp compare.Compare) bool {
	found, idx := n.Find(key, cmp)
	switch pt {
	case PutInsertOnly:
		if found {
			return false
		}
	case PutUpdateOnly:
		if !found {
			return false
		}
	}

	if found {
		n.entries[idx].Value = value
		return true
	}

	n.entries = append(n.entries, leafEntry{})
	copy(n.entries[idx+1:], n.entries[idx:])
	n.entries[idx] = leafEntry{Key: key, Value: value}
	return true
}

// Remove deletes the entry at index, mirroring node.remove(index).
func (n *LeafNode) Remove(index int) {
	if index < 0 || index >= len(n.entries) {
		return
	}
	n.entries = append(n.entries[:index], n.entries[index+1:]...)
}

// IsSplitNeeded reports whether accepting (key, value) would push the
// node's occupied size past cfg.MaxNodeSize.
func (n *LeafNode) IsSplitNeeded(cfg Config, key, value []byte) bool {
	return n.OccupiedSize()+leafEntryOverhead+len(key)+len(value) > cfg.MaxNodeSize
}

func (n *LeafNode) IsMergeNeeded(cfg Config) bool {
	return len(n.entries) > 0 && n.OccupiedSize() < cfg.MinNodeSize
}

// GetAll appends up to budget entries in [start, ) to out, returning the
// number appended and whether the node was exhausted before budget ran out
// (used by the sweep range query's per-leaf fetch, spec §4.F).
func (n *LeafNode) GetAll(start []byte, cmp compare.Compare, inclusive bool, budget int, out *[]leafEntry) (appended int, exhausted bool) {
	_, idx := n.Find(start, cmp)
	if idx < len(n.entries) && cmp(n.entries[idx].Key, start) == 0 && !inclusive {
		idx++
	}
	for idx < len(n.entries) && appended < budget {
		*out = append(*out, n.entries[idx])
		idx++
		appended++
	}
	return appended, idx >= len(n.entries)
}

// MoveOutToRightBySize sets aside the tail of n's entries (the largest
// keys) until approximately targetSize bytes have moved, the Go shape of
// move_out_to_right_by_size. The caller collects them with DrainMovedOut
// for the new upper-key sibling; n keeps the lower-key head. Returns n's
// new last key, the split key out_split_key callers insert into the parent.
func (n *LeafNode) MoveOutToRightBySize(targetSize int) []byte {
	moved := 0
	cut := len(n.entries)
	for cut > 1 && moved < targetSize {
		cut--
		moved += leafEntryOverhead + len(n.entries[cut].Key) + len(n.entries[cut].Value)
	}
	other := make([]leafEntry, len(n.entries)-cut)
	copy(other, n.entries[cut:])
	n.entries = n.entries[:cut]
	n.movedOut = other
	return n.LastKey()
}

// DrainMovedOut returns and clears the entries most recently set aside by
// MoveOutToRightBySize, for the caller to splice into the new sibling.
func (n *LeafNode) DrainMovedOut() []leafEntry {
	out := n.movedOut
	n.movedOut = nil
	return out
}

// MoveInFromRightBySize pulls entries off the front of other into n until
// n has grown by approximately targetSize bytes, or other is exhausted.
// Returns true if anything moved.
func (n *LeafNode) MoveInFromRightBySize(other *LeafNode, targetSize int) bool {
	pulled := 0
	moved := false
	for len(other.entries) > 0 && pulled < targetSize {
		e := other.entries[0]
		other.entries = other.entries[1:]
		n.entries = append(n.entries, e)
		pulled += leafEntryOverhead + len(e.Key) + len(e.Value)
		moved = true
	}
	return moved
}

// MoveInFromRightByEntries pulls exactly count entries off the front of
// other into n, used by fixPcGenMismatch to absorb a whole right sibling.
func (n *LeafNode) MoveInFromRightByEntries(other *LeafNode, count int) int {
	if count > len(other.entries) {
		count = len(other.entries)
	}
	n.entries = append(n.entries, other.entries[:count]...)
	other.entries = other.entries[count:]
	return count
}

func (n *LeafNode) Encode() []byte {
	buf := make([]byte, nodeHeaderBytes)
	buf[0] = byte(KindLeaf)
	if n.flag {
		buf[1] = 1
	}
	binary.LittleEndian.PutUint64(buf[2:10], uint64(n.gen))
	binary.LittleEndian.PutUint64(buf[10:18], uint64(n.next))
	binary.LittleEndian.PutUint32(buf[18:22], uint32(len(n.entries)))
	for _, e := range n.entries {
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(e.Key)))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(e.Value)))
		buf = append(buf, hdr...)
		buf = append(buf, e.Key...)
		buf = append(buf, e.Value...)
	}
	return buf
}

func decodeLeafNode(buf []byte, addr uint64) (*LeafNode, error) {
	if len(buf) < nodeHeaderBytes {
		return nil, fmt.Errorf("btree: leaf node buffer too short (%d bytes)", len(buf))
	}
	n := newLeafNode(addr)
	n.flag = buf[1] == 1
	n.gen = base.Gen(binary.LittleEndian.Uint64(buf[2:10]))
	n.next = base.NodeID(binary.LittleEndian.Uint64(buf[10:18]))
	count := int(binary.LittleEndian.Uint32(buf[18:22]))
	off := nodeHeaderBytes
	n.entries = make([]leafEntry, 0, count)
	for i := 0; i < count; i++ {
		if off+8 > len(buf) {
			return nil, fmt.Errorf("btree: leaf node truncated at entry %d", i)
		}
		klen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		vlen := int(binary.LittleEndian.Uint32(buf[off+4 : off+8]))
		off += 8
		if off+klen+vlen > len(buf) {
			return nil, fmt.Errorf("btree: leaf node truncated at entry %d body", i)
		}
		key := append([]byte(nil), buf[off:off+klen]...)
		off += klen
		val := append([]byte(nil), buf[off:off+vlen]...)
		off += vlen
		n.entries = append(n.entries, leafEntry{Key: key, Value: val})
	}
	return n, nil
}

// --- Interior ------------------------------------------------------------

type interiorEntry struct {
	Key     []byte
	ChildID base.NodeID
}

// InteriorNode holds (key, child) pairs where interior key i equals the
// last key of child i, plus edge: the rightmost child for keys beyond the
// last entry's key (spec §3 "B+tree node" invariants).
type InteriorNode struct {
	baseNode
	entries []interiorEntry
	edge    base.NodeID

	// movedOut mirrors LeafNode.movedOut.
	movedOut []interiorEntry
}

func newInteriorNode(addr uint64) *InteriorNode {
	return &InteriorNode{baseNode: baseNode{addr: addr}, edge: base.InvalidNodeID}
}

func (n *InteriorNode) Kind() Kind      { return KindInterior }
func (n *InteriorNode) NumEntries() int { return len(n.entries) }
func (n *InteriorNode) EdgeID() base.NodeID      { return n.edge }
func (n *InteriorNode) SetEdgeID(id base.NodeID) { n.edge = id }

func (n *InteriorNode) LastKey() []byte {
	if len(n.entries) == 0 {
		return nil
	}
	return n.entries[len(n.entries)-1].Key
}

func (n *InteriorNode) OccupiedSize() int {
	size := 0
	for _, e := range n.entries {
		size += interiorEntryOverhead + len(e.Key)
	}
	return size
}

// FindChild returns the index of the child covering key: the smallest i
// with key <= entries[i].Key, or len(entries) if key falls in the edge
// child's range. ChildAt resolves index to the actual NodeID.
func (n *InteriorNode) FindChild(key []byte, cmp compare.Compare) int {
	lo, hi := 0, len(n.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(n.entries[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// ChildAt resolves index (as returned by FindChild, 0..NumEntries() for the
// edge) to a NodeID.
func (n *InteriorNode) ChildAt(index int) base.NodeID {
	if index >= len(n.entries) {
		return n.edge
	}
	return n.entries[index].ChildID
}

// ExpectedLastKey reports the "last expected key" fix_pc_gen_mismatch
// compares a child's actual last key against: entries[index].Key if index
// is a real entry, or (false, nil) if index is the edge slot (spec §4.F
// "fix_pc_gen_mismatch" edge case).
func (n *InteriorNode) ExpectedLastKey(index int) (key []byte, ok bool) {
	if index >= len(n.entries) {
		return nil, false
	}
	return n.entries[index].Key, true
}

// UpdateChildAt rewrites the ChildID stored at index (or the edge, if index
// is out of entry range) without touching the key.
func (n *InteriorNode) UpdateChildAt(index int, id base.NodeID) {
	if index >= len(n.entries) {
		n.edge = id
		return
	}
	n.entries[index].ChildID = id
}

// InsertAt inserts (key, childID) at index, shifting entries at and after
// index to the right — the Go shape of parent_node->insert(*out_split_key,
// ninfo) in split_node.
func (n *InteriorNode) InsertAt(index int, key []byte, childID base.NodeID) {
	n.entries = append(n.entries, interiorEntry{})
	copy(n.entries[index+1:], n.entries[index:])
	n.entries[index] = interiorEntry{Key: key, ChildID: childID}
}

// RemoveAt deletes the entry at index. If index == len(entries)-1 (the
// last real entry, about to vanish) and the caller is collapsing that
// child into the edge slot, the caller is responsible for updating edge
// separately — RemoveAt only shifts the entry slice.
func (n *InteriorNode) RemoveAt(index int) {
	if index < 0 || index >= len(n.entries) {
		return
	}
	n.entries = append(n.entries[:index], n.entries[index+1:]...)
}

func (n *InteriorNode) IsSplitNeeded(cfg Config, key []byte) bool {
	return n.OccupiedSize()+interiorEntryOverhead+len(key) > cfg.MaxNodeSize
}

func (n *InteriorNode) IsMergeNeeded(cfg Config) bool {
	return len(n.entries) > 0 && n.OccupiedSize() < cfg.MinNodeSize
}

// MoveOutToRightBySize is the interior analogue of LeafNode's: it sets
// aside the tail entries (largest keys) for DrainMovedOut. It does not
// touch the edge; splitNode gives the old edge to the new right-hand
// sibling, since it represents "above all keys in this node."
func (n *InteriorNode) MoveOutToRightBySize(targetSize int) []byte {
	moved := 0
	cut := len(n.entries)
	for cut > 1 && moved < targetSize {
		cut--
		moved += interiorEntryOverhead + len(n.entries[cut].Key)
	}
	other := make([]interiorEntry, len(n.entries)-cut)
	copy(other, n.entries[cut:])
	n.entries = n.entries[:cut]
	n.movedOut = other
	return n.LastKey()
}

// DrainMovedOut returns and clears the entries most recently set aside by
// MoveOutToRightBySize, for the caller to splice into the new sibling.
func (n *InteriorNode) DrainMovedOut() []interiorEntry {
	out := n.movedOut
	n.movedOut = nil
	return out
}

func (n *InteriorNode) MoveInFromRightBySize(other *InteriorNode, targetSize int) bool {
	pulled := 0
	moved := false
	for len(other.entries) > 0 && pulled < targetSize {
		e := other.entries[0]
		other.entries = other.entries[1:]
		n.entries = append(n.entries, e)
		pulled += interiorEntryOverhead + len(e.Key)
		moved = true
	}
	return moved
}

func (n *InteriorNode) MoveInFromRightByEntries(other *InteriorNode, count int) int {
	if count > len(other.entries) {
		count = len(other.entries)
	}
	n.entries = append(n.entries, other.entries[:count]...)
	other.entries = other.entries[count:]
	return count
}

func (n *InteriorNode) Encode() []byte {
	buf := make([]byte, nodeHeaderBytes)
	buf[0] = byte(KindInterior)
	if n.flag {
		buf[1] = 1
	}
	binary.LittleEndian.PutUint64(buf[2:10], uint64(n.gen))
	binary.LittleEndian.PutUint64(buf[10:18], uint64(n.edge))
	binary.LittleEndian.PutUint32(buf[18:22], uint32(len(n.entries)))
	for _, e := range n.entries {
		hdr := make([]byte, 12)
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(e.Key)))
		binary.LittleEndian.PutUint64(hdr[4:12], uint64(e.ChildID))
		buf = append(buf, hdr...)
		buf = append(buf, e.Key...)
	}
	return buf
}

func decodeInteriorNode(buf []byte, addr uint64) (*InteriorNode, error) {
	if len(buf) < nodeHeaderBytes {
		return nil, fmt.Errorf("btree: interior node buffer too short (%d bytes)", len(buf))
	}
	n := newInteriorNode(addr)
	n.flag = buf[1] == 1
	n.gen = base.Gen(binary.LittleEndian.Uint64(buf[2:10]))
	n.edge = base.NodeID(binary.LittleEndian.Uint64(buf[10:18]))
	count := int(binary.LittleEndian.Uint32(buf[18:22]))
	off := nodeHeaderBytes
	n.entries = make([]interiorEntry, 0, count)
	for i := 0; i < count; i++ {
		if off+12 > len(buf) {
			return nil, fmt.Errorf("btree: interior node truncated at entry %d", i)
		}
		klen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		childID := base.NodeID(binary.LittleEndian.Uint64(buf[off+4 : off+12]))
		off += 12
		if off+klen > len(buf) {
			return nil, fmt.Errorf("btree: interior node truncated at entry %d key", i)
		}
		key := append([]byte(nil), buf[off:off+klen]...)
		off += klen
		n.entries = append(n.entries, interiorEntry{Key: key, ChildID: childID})
	}
	return n, nil
}

// DecodeNode dispatches on the kind byte to reconstruct a Node from its
// on-disk (or in-memory Store) encoding. The node's own flag byte, not
// whatever flag a caller's stale NodeID carried, is the source of truth a
// parent's pc_gen_flag comparison checks against.
func DecodeNode(buf []byte, addr uint64) (Node, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("btree: empty node buffer")
	}
	switch Kind(buf[0]) {
	case KindLeaf:
		return decodeLeafNode(buf, addr)
	case KindInterior:
		return decodeInteriorNode(buf, addr)
	default:
		return nil, fmt.Errorf("btree: unknown node kind %d", buf[0])
	}
}
