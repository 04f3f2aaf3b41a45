package compare

import "bytes"

// Compare orders two keys. It follows the same contract as bytes.Compare:
// negative if a < b, zero if equal, positive if a > b. The btree's key
// ordering takes a Compare so that callers can supply a codec-specific
// comparator instead of raw byte order; the block allocators do not use it.
type Compare func(a, b []byte) int

// Bytes is the default Compare, ordering keys lexicographically.
func Bytes(a, b []byte) int {
	return bytes.Compare(a, b)
}
