package blkalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raakella1/HomeStore/internal/base"
)

func TestFixedAllocExhaustsThenFrees(t *testing.T) {
	f, err := NewFixed(Config{ChunkID: 1, TotalBlks: 4, PortionBlks: 2}, nil)
	require.NoError(t, err)

	var got []base.BlkId
	for i := 0; i < 4; i++ {
		id, err := f.AllocContiguous(1)
		require.NoError(t, err)
		got = append(got, id)
	}

	_, err = f.AllocContiguous(1)
	require.ErrorIs(t, err, ErrSpaceFull)

	require.NoError(t, f.Free(got[0]))
	id, err := f.AllocContiguous(1)
	require.NoError(t, err)
	require.Equal(t, got[0].BlkNum, id.BlkNum)
}

func TestFixedAllocRejectsMultiBlock(t *testing.T) {
	f, err := NewFixed(Config{ChunkID: 1, TotalBlks: 4}, nil)
	require.NoError(t, err)

	_, err = f.Alloc(2, Hints{})
	require.Error(t, err)
}

func TestFixedRespectsInitialBitmap(t *testing.T) {
	bitmap := []byte{0b0000_0011} // blocks 0,1 pre-allocated
	f, err := NewFixed(Config{ChunkID: 1, TotalBlks: 4}, bitmap)
	require.NoError(t, err)

	require.Equal(t, base.BlkCount(2), f.AvailableBlks())
	require.True(t, f.IsAllocated(base.BlkId{ChunkID: 1, BlkNum: 0, BlkCount: 1}, true))
	require.False(t, f.IsAllocated(base.BlkId{ChunkID: 1, BlkNum: 2, BlkCount: 1}, true))
}

func TestVariableAllocPrefersContiguous(t *testing.T) {
	v, err := NewVariable(Config{ChunkID: 2, TotalBlks: 16, PortionBlks: 8}, nil)
	require.NoError(t, err)

	ids, err := v.Alloc(4, Hints{})
	require.NoError(t, err)
	require.Equal(t, 1, ids.NumPieces())
	require.Equal(t, base.BlkCount(4), ids.BlkCount())
}

func TestVariableAllocFallsBackToMultiPieceWithHints(t *testing.T) {
	// Free runs at [0-1], [4-5], [8-9]; blocks 2-3, 6-7, 10-11 pre-allocated.
	bitmap := []byte{0xCC, 0x0C}
	v, err := NewVariable(Config{ChunkID: 2, TotalBlks: 12}, bitmap)
	require.NoError(t, err)

	// No single run covers 6 blocks, so contiguous alloc must fail first.
	_, err = v.AllocContiguous(6)
	require.ErrorIs(t, err, ErrSpaceFull)

	ids, err := v.Alloc(6, Hints{MaxPieces: 3, MinBlksPerPiece: 2})
	require.NoError(t, err)
	require.Equal(t, 3, ids.NumPieces())
	require.Equal(t, base.BlkCount(6), ids.BlkCount())
}

func TestVariableAllocRejectsPieceBelowMinBlksPerPiece(t *testing.T) {
	// Block 2 pre-allocated; the contiguous alloc below takes block 0,
	// leaving blocks 1 and 3 free as two single-block runs.
	v, err := NewVariable(Config{ChunkID: 2, TotalBlks: 4}, []byte{0b0000_0100})
	require.NoError(t, err)

	_, err = v.AllocContiguous(1)
	require.NoError(t, err)

	// Two free blocks would cover the request as two pieces, but neither
	// run reaches MinBlksPerPiece.
	_, err = v.Alloc(2, Hints{MaxPieces: 4, MinBlksPerPiece: 2})
	require.ErrorIs(t, err, ErrSpaceFull)
}

func TestVariableFreeRejectsUnallocated(t *testing.T) {
	v, err := NewVariable(Config{ChunkID: 2, TotalBlks: 4}, nil)
	require.NoError(t, err)

	err = v.Free(base.BlkId{ChunkID: 2, BlkNum: 0, BlkCount: 1})
	require.ErrorIs(t, err, ErrInvalidBlkId)
}
