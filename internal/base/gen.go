package base

import "sync/atomic"

// Gen is a monotonically increasing generation counter. Every completed
// mutation of a btree node, and every published DM-info image, bumps a Gen
// by exactly one; recovery uses the highest surviving Gen as the
// authoritative version (§3 "B+tree node", §4.B "Atomic DM update").
type Gen uint64

type AtomicGen struct {
	value atomic.Uint64
}

func (g *AtomicGen) Load() Gen {
	return Gen(g.value.Load())
}

func (g *AtomicGen) Store(v Gen) {
	g.value.Store(uint64(v))
}

// Next atomically increments the generation and returns the new value.
func (g *AtomicGen) Next() Gen {
	return Gen(g.value.Add(1))
}

func (g *AtomicGen) CompareAndSwap(old, new Gen) bool {
	return g.value.CompareAndSwap(uint64(old), uint64(new))
}
