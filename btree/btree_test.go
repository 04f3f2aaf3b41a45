package btree

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/raakella1/HomeStore/internal/compare"
	"github.com/raakella1/HomeStore/internal/iterator"
)

func smallConfig() Config {
	cfg := DefaultConfig(compare.Bytes)
	cfg.MaxNodeSize = 256
	cfg.SplitSize = 128
	cfg.MinNodeSize = 48
	cfg.IdealFillSize = 96
	cfg.DefaultBatchSize = 8
	return cfg
}

func key(i int) []byte   { return []byte(fmt.Sprintf("key-%04d", i)) }
func value(i int) []byte { return []byte(fmt.Sprintf("val-%04d", i)) }

func TestPutGetRoundTrip(t *testing.T) {
	tr, err := NewTree(NewMemStore(), smallConfig())
	require.NoError(t, err)

	for i := 0; i < 64; i++ {
		require.NoError(t, tr.Put(key(i), value(i), PutUpsert))
	}
	for i := 0; i < 64; i++ {
		got, err := tr.Get(key(i))
		require.NoError(t, err)
		require.Equal(t, value(i), got)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	tr, err := NewTree(NewMemStore(), smallConfig())
	require.NoError(t, err)
	require.NoError(t, tr.Put(key(1), value(1), PutUpsert))

	_, err = tr.Get(key(2))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutInsertOnlyRejectsExisting(t *testing.T) {
	tr, err := NewTree(NewMemStore(), smallConfig())
	require.NoError(t, err)
	require.NoError(t, tr.Put(key(1), value(1), PutInsertOnly))
	require.ErrorIs(t, tr.Put(key(1), value(2), PutInsertOnly), ErrKeyExists)

	got, err := tr.Get(key(1))
	require.NoError(t, err)
	require.Equal(t, value(1), got)
}

func TestPutUpdateOnlyRejectsMissing(t *testing.T) {
	tr, err := NewTree(NewMemStore(), smallConfig())
	require.NoError(t, err)
	require.ErrorIs(t, tr.Put(key(1), value(1), PutUpdateOnly), ErrNotFound)
}

func TestRemoveThenGetNotFound(t *testing.T) {
	tr, err := NewTree(NewMemStore(), smallConfig())
	require.NoError(t, err)
	for i := 0; i < 32; i++ {
		require.NoError(t, tr.Put(key(i), value(i), PutUpsert))
	}

	require.NoError(t, tr.Remove(key(5)))
	_, err = tr.Get(key(5))
	require.ErrorIs(t, err, ErrNotFound)

	// Everything else survives.
	for i := 0; i < 32; i++ {
		if i == 5 {
			continue
		}
		got, err := tr.Get(key(i))
		require.NoError(t, err)
		require.Equal(t, value(i), got)
	}
}

func TestRemoveMissingIsNotFound(t *testing.T) {
	tr, err := NewTree(NewMemStore(), smallConfig())
	require.NoError(t, err)
	require.ErrorIs(t, tr.Remove(key(1)), ErrNotFound)
}

// TestSplitProducesMultiLevelTree inserts enough keys to force multiple
// leaf splits and at least one root split, then checks that the root is
// interior, that every interior node's i-th key equals the last key of its
// i-th child (spec §8.4), and that every inserted key still resolves.
func TestSplitProducesMultiLevelTree(t *testing.T) {
	store := NewMemStore()
	tr, err := NewTree(store, smallConfig())
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Put(key(i), value(i), PutUpsert))
	}

	root, err := store.ReadNode(tr.RootID())
	require.NoError(t, err)
	_, isInterior := root.(*InteriorNode)
	require.True(t, isInterior, "expected root to have split into an interior node")

	verifyInteriorKeyInvariant(t, store, root)

	for i := 0; i < n; i++ {
		got, err := tr.Get(key(i))
		require.NoError(t, err)
		require.Equal(t, value(i), got)
	}
}

// verifyInteriorKeyInvariant recursively checks that every interior node's
// i-th entry key equals the last key reachable from its i-th child.
func verifyInteriorKeyInvariant(t *testing.T, store Store, n Node) {
	interior, ok := n.(*InteriorNode)
	if !ok {
		return
	}
	for i := 0; i < interior.NumEntries(); i++ {
		child, err := store.ReadNode(interior.ChildAt(i))
		require.NoError(t, err)
		require.Equal(t, interior.entries[i].Key, child.LastKey(),
			"interior entry %d key must equal child's last key", i)
		verifyInteriorKeyInvariant(t, store, child)
	}
	if interior.EdgeID().IsValid() {
		edgeChild, err := store.ReadNode(interior.EdgeID())
		require.NoError(t, err)
		verifyInteriorKeyInvariant(t, store, edgeChild)
	}
}

func TestSweepRangeQueryIsAscendingAndComplete(t *testing.T) {
	tr, err := NewTree(NewMemStore(), smallConfig())
	require.NoError(t, err)

	const n = 150
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Put(key(i), value(i), PutUpsert))
	}

	var all []iterator.KV
	cur := &Cursor{}
	for {
		batch, err := tr.RangeQuery(KeyRange{Start: key(0), Inclusive: true}, QuerySweep, 7, cur)
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
	}

	want := make([]iterator.KV, n)
	for i := 0; i < n; i++ {
		want[i] = iterator.KV{Key: key(i), Value: value(i)}
	}
	if diff := cmp.Diff(want, all); diff != "" {
		t.Fatalf("sweep range query result mismatch (-want +got):\n%s", diff)
	}
}

func TestTraversalRangeQueryRespectsEnd(t *testing.T) {
	tr, err := NewTree(NewMemStore(), smallConfig())
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		require.NoError(t, tr.Put(key(i), value(i), PutUpsert))
	}

	kvs, err := tr.RangeQuery(KeyRange{Start: key(10), End: key(15), Inclusive: true}, QueryTraversal, 100, &Cursor{})
	require.NoError(t, err)
	require.Len(t, kvs, 6) // keys 10..15 inclusive
	require.Equal(t, key(10), kvs[0].Key)
	require.Equal(t, key(15), kvs[len(kvs)-1].Key)
}

// TestRemoveTriggersMerge drives a tree down to a handful of keys after a
// large insert, exercising mergeNodes' redistribution and parent-entry
// removal path (spec §4.F "Remove").
func TestRemoveTriggersMerge(t *testing.T) {
	store := NewMemStore()
	tr, err := NewTree(store, smallConfig())
	require.NoError(t, err)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Put(key(i), value(i), PutUpsert))
	}
	for i := 0; i < n-5; i++ {
		require.NoError(t, tr.Remove(key(i)))
	}

	for i := n - 5; i < n; i++ {
		got, err := tr.Get(key(i))
		require.NoError(t, err)
		require.Equal(t, value(i), got)
	}
	for i := 0; i < n-5; i++ {
		_, err := tr.Get(key(i))
		require.ErrorIs(t, err, ErrNotFound)
	}
}

// TestPcGenFlagMismatchRepairedOnSplit inserts enough keys to trigger leaf
// splits and checks that a subsequent Get still finds every key (spec §8
// scenario 6). It injects no torn write itself; the repair of a flipped
// child flag is covered by TestRepairMismatchAtFixesTornSplit.
func TestPcGenFlagMismatchRepairedOnSplit(t *testing.T) {
	store := NewMemStore()
	cfg := smallConfig()
	tr, err := NewTree(store, cfg)
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		require.NoError(t, tr.Put(key(i), value(i), PutUpsert))
	}

	// Every previously inserted key must still resolve, whether or not a
	// mismatch was actually present on this run (a real torn-write
	// injection would require hooking the Store, exercised instead by
	// TestRepairMismatchAtFixesTornSplit below).
	for i := 0; i < 40; i++ {
		got, err := tr.Get(key(i))
		require.NoError(t, err)
		require.Equal(t, value(i), got)
	}
}

func TestRepairMismatchAtFixesTornSplit(t *testing.T) {
	store := NewMemStore()
	cfg := smallConfig()
	tr, err := NewTree(store, cfg)
	require.NoError(t, err)

	// 20 keys of 24 bytes each overflow one 256-byte leaf, so the root
	// splits into an interior node.
	for i := 0; i < 20; i++ {
		require.NoError(t, tr.Put(key(i), value(i), PutUpsert))
	}

	rootID := tr.RootID()
	root, err := store.ReadNode(rootID)
	require.NoError(t, err)
	interior, ok := root.(*InteriorNode)
	if !ok {
		t.Skip("tree did not grow an interior root with this key count")
	}

	// Manually tear a write: flip the flag on-disk for child 0 without
	// updating the parent's stored pointer, simulating a crash after the
	// child write lands but before the parent write that would have kept
	// them in sync (the reverse order from a real split, but the same
	// observable mismatch fixPcGenMismatch repairs).
	childID := interior.ChildAt(0)
	child, err := store.ReadNode(childID)
	require.NoError(t, err)
	child.FlipPcGenFlag()
	require.NoError(t, store.WriteNode(child))

	// A Get for a key in that child must still succeed once repaired.
	leaf := child.(*LeafNode)
	if leaf.NumEntries() == 0 {
		t.Skip("child has no entries to probe")
	}
	probeKey := leaf.entries[0].Key
	got, err := tr.Get(probeKey)
	require.NoError(t, err)
	require.Equal(t, leaf.entries[0].Value, got)

	// The parent's stored pointer should now agree with the repaired
	// child's flag.
	root2, err := store.ReadNode(tr.RootID())
	require.NoError(t, err)
	interior2 := root2.(*InteriorNode)
	repairedChild, err := store.ReadNode(interior2.ChildAt(0))
	require.NoError(t, err)
	require.Equal(t, interior2.ChildAt(0).PcGenFlag(), repairedChild.ID().PcGenFlag())
}

func TestRemoveAnyDeletesBoundedKey(t *testing.T) {
	tr, err := NewTree(NewMemStore(), smallConfig())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Put(key(i*2), value(i*2), PutUpsert))
	}

	// key(3) doesn't exist; RemoveAny(key(3), false) should remove the
	// next key at or above it, key(4).
	k, v, err := tr.RemoveAny(key(3), false)
	require.NoError(t, err)
	require.Equal(t, key(4), k)
	require.Equal(t, value(4), v)

	_, err = tr.Get(key(4))
	require.ErrorIs(t, err, ErrNotFound)
}
