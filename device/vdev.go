package device

import "github.com/raakella1/HomeStore/internal/base"

// vdevInfoSize is the fixed on-disk size of one VdevInfo slot in the vdev
// area. It is generous enough to hold the struct below plus the future
// padding hs_super_blk reserves per vdev.
const vdevInfoSize = 512

// VdevInfo describes one virtual device: a logical span striped or
// concatenated across one or more pdev chunks. The data service and the
// btree each own a VdevID identifying the vdev their nodes/blocks live on.
type VdevInfo struct {
	VdevID    base.VdevID
	Name      string
	BlockSize uint32
	NumChunks uint32
	Slot      uint32 // index into the fixed-size vdev area, stable for the vdev's lifetime
	InUse     bool
}
