package device

import (
	"sort"
	"sync"

	"github.com/raakella1/HomeStore/internal/base"
)

// chunkInfoSize is the fixed on-disk size of one ChunkInfo slot in the chunk
// area, mirroring the bitmap-indexed chunk table the diagram in
// superblock.go shows.
const chunkInfoSize = 128

// Chunk describes one contiguous extent of a pdev. Chunks form a doubly
// linked free/used list per pdev via PrevChunkID/NextChunkID, exactly as
// physical_dev.cpp's chunk manager keeps a linked list of chunks so that
// adjacent free chunks can be merged in O(1) without rescanning the table.
type Chunk struct {
	ChunkID      base.ChunkID
	PdevID       base.PdevID
	VdevID       base.VdevID
	StartOffset  uint64
	Size         uint64
	PrevChunkID  base.ChunkID
	NextChunkID  base.ChunkID
	Free         bool
	IsSBChunk    bool // set on the two DM-info chunks physical_dev.cpp marks via set_sb_chunk
	SlabFree     uint64 // TODO: not yet wired to a slab allocator, reserved for future use
}

// ChunkTable owns the in-memory chunk linked list for a single pdev, backed
// by the on-disk chunk area. It is the Go analogue of physical_dev.cpp's
// PhysicalDevChunk bookkeeping.
type ChunkTable struct {
	mu     sync.Mutex
	pdevID base.PdevID
	nextID base.ChunkID
	chunks map[base.ChunkID]*Chunk
	head   base.ChunkID // first chunk by offset, InvalidChunkID if empty
}

// NewChunkTable returns an empty table for pdevID.
func NewChunkTable(pdevID base.PdevID) *ChunkTable {
	return &ChunkTable{
		pdevID: pdevID,
		nextID: 1,
		chunks: make(map[base.ChunkID]*Chunk),
		head:   base.InvalidChunkID,
	}
}

// CreateChunk carves out a new chunk of size bytes starting at offset and
// links it into the list at its StartOffset position.
func (t *ChunkTable) CreateChunk(vdevID base.VdevID, offset, size uint64) *Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := &Chunk{
		ChunkID:     t.nextID,
		PdevID:      t.pdevID,
		VdevID:      vdevID,
		StartOffset: offset,
		Size:        size,
		PrevChunkID: base.InvalidChunkID,
		NextChunkID: base.InvalidChunkID,
		Free:        false,
	}
	t.nextID++
	t.attach(c)
	return c
}

// attach links c into the ordered (by StartOffset) chunk list. Callers must
// hold t.mu.
func (t *ChunkTable) attach(c *Chunk) {
	t.chunks[c.ChunkID] = c

	if t.head == base.InvalidChunkID {
		t.head = c.ChunkID
		return
	}

	var prev *Chunk
	cur := t.chunks[t.head]
	for cur != nil && cur.StartOffset < c.StartOffset {
		prev = cur
		if cur.NextChunkID == base.InvalidChunkID {
			cur = nil
			break
		}
		cur = t.chunks[cur.NextChunkID]
	}

	if prev == nil {
		c.NextChunkID = t.head
		t.chunks[t.head].PrevChunkID = c.ChunkID
		t.head = c.ChunkID
		return
	}

	c.PrevChunkID = prev.ChunkID
	c.NextChunkID = prev.NextChunkID
	if prev.NextChunkID != base.InvalidChunkID {
		t.chunks[prev.NextChunkID].PrevChunkID = c.ChunkID
	}
	prev.NextChunkID = c.ChunkID
}

// detach unlinks c from the list without removing it from t.chunks. Callers
// must hold t.mu.
func (t *ChunkTable) detach(c *Chunk) {
	if c.PrevChunkID != base.InvalidChunkID {
		t.chunks[c.PrevChunkID].NextChunkID = c.NextChunkID
	} else {
		t.head = c.NextChunkID
	}
	if c.NextChunkID != base.InvalidChunkID {
		t.chunks[c.NextChunkID].PrevChunkID = c.PrevChunkID
	}
	c.PrevChunkID = base.InvalidChunkID
	c.NextChunkID = base.InvalidChunkID
}

// FreeChunk marks c free and merges it with an immediately adjacent free
// neighbor on either side, the same opportunistic merge_free_chunks does so
// the free list never accumulates needless fragmentation.
func (t *ChunkTable) FreeChunk(id base.ChunkID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.chunks[id]
	if !ok {
		return
	}
	c.Free = true
	t.mergeWithNeighbors(c)
}

func (t *ChunkTable) mergeWithNeighbors(c *Chunk) {
	if next, ok := t.chunks[c.NextChunkID]; ok && next.Free {
		c.Size += next.Size
		t.detach(next)
		delete(t.chunks, next.ChunkID)
	}
	if prev, ok := t.chunks[c.PrevChunkID]; ok && prev.Free {
		prev.Size += c.Size
		t.detach(c)
		delete(t.chunks, c.ChunkID)
	}
}

// FindFreeChunk returns the best-fit free chunk of at least minSize: the
// smallest free chunk large enough to satisfy the request, with ties broken
// by the lower ChunkID so allocation is deterministic. Returns nil if no
// chunk fits.
func (t *ChunkTable) FindFreeChunk(minSize uint64) *Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()

	var candidates []*Chunk
	for _, c := range t.chunks {
		if c.Free && c.Size >= minSize {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Size != candidates[j].Size {
			return candidates[i].Size < candidates[j].Size
		}
		return candidates[i].ChunkID < candidates[j].ChunkID
	})
	return candidates[0]
}

// CarveChunk finds the best-fit free chunk of at least size bytes, assigns
// it to vdevID, and — if the chunk is larger than needed — splits off the
// remainder as a new free chunk immediately following it. Returns
// ErrNoFreeChunk if no free chunk is large enough.
func (t *ChunkTable) CarveChunk(vdevID base.VdevID, size uint64) (*Chunk, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var candidates []*Chunk
	for _, c := range t.chunks {
		if c.Free && c.Size >= size {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoFreeChunk
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Size != candidates[j].Size {
			return candidates[i].Size < candidates[j].Size
		}
		return candidates[i].ChunkID < candidates[j].ChunkID
	})
	c := candidates[0]

	if c.Size > size {
		remainder := &Chunk{
			ChunkID:     t.nextID,
			PdevID:      t.pdevID,
			VdevID:      base.InvalidVdevID,
			StartOffset: c.StartOffset + size,
			Size:        c.Size - size,
			Free:        true,
		}
		t.nextID++
		c.Size = size
		t.attach(remainder)
	}

	c.VdevID = vdevID
	c.Free = false
	return c, nil
}

// Get returns the chunk with the given id, or nil if it does not exist.
func (t *ChunkTable) Get(id base.ChunkID) *Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunks[id]
}

// All returns every chunk in offset order, used by Manager when persisting
// the chunk area.
func (t *ChunkTable) All() []*Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Chunk, 0, len(t.chunks))
	id := t.head
	for id != base.InvalidChunkID {
		c := t.chunks[id]
		out = append(out, c)
		id = c.NextChunkID
	}
	return out
}
