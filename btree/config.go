package btree

import "github.com/raakella1/HomeStore/internal/compare"

// Config parameterizes a Tree's split/merge thresholds and the key
// comparator, matching the `BtreeConfig` the teacher's cfg structs pass
// through every node operation in btree.hpp (`m_btree_cfg`).
type Config struct {
	Cmp compare.Compare

	// MaxNodeSize is the byte budget a node may occupy before is_split_needed
	// reports true for an incoming (key, value).
	MaxNodeSize int

	// SplitSize is the byte target move_out_to_right_by_size moves to the
	// new sibling on a split (spec §4.F "Split").
	SplitSize int

	// MinNodeSize is the occupied-size floor below which is_merge_needed
	// reports true.
	MinNodeSize int

	// IdealFillSize is the balanced occupied size merge_nodes redistributes
	// entries toward.
	IdealFillSize int

	// MaxAdjacentMerge bounds how many sibling indices Remove considers
	// merging at once (spec §4.F "Remove": MAX_ADJACENT_INDEX = 3).
	MaxAdjacentMerge int

	// DefaultBatchSize is used by RangeQuery when the caller leaves
	// BatchSize unset.
	DefaultBatchSize int
}

// DefaultConfig returns reasonable thresholds for a 4KiB-page-sized node,
// matching the DiskStore/MemStore page size most callers use.
func DefaultConfig(cmp compare.Compare) Config {
	if cmp == nil {
		cmp = compare.Bytes
	}
	return Config{
		Cmp:              cmp,
		MaxNodeSize:      4096 - nodeHeaderBytes,
		SplitSize:        2048,
		MinNodeSize:      1024,
		IdealFillSize:    3072,
		MaxAdjacentMerge: 3,
		DefaultBatchSize: 128,
	}
}
