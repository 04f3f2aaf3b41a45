// Package device owns the physical-device super block, pdev/vdev tables and
// chunk area described in original_source's hs_super_blk.h:
//
//	| First  | Vdev[1]| Vdev[2]| .. |Vdev[N]| Chunk Slot | Chunk[1] | Chunk[2]| .. |  Chunk[M] | Reserved  |
//	| Block  | Info   | Info   |    | Info  | Bitmap     | Info     | Info    |    |  Info     | Space     |
//
// Manager.Format lays this area out on a drive.Endpoint; Manager.Load
// validates and reconstructs it on boot.
package device

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/raakella1/HomeStore/internal/base"
	"github.com/raakella1/HomeStore/internal/crc"
)

const (
	// HomestoreMagic is the magic written as the first bytes of every pdev.
	HomestoreMagic uint64 = 0xCEEDDEEB

	// ProductName identifies the on-disk format family. A pdev whose first
	// block carries a different product name was formatted by something
	// else and must be rejected rather than adopted.
	ProductName = "OmStore"

	productNameSize = 64

	// CurrentSuperBlockVersion is bumped whenever the first-block layout
	// changes in an incompatible way.
	CurrentSuperBlockVersion uint32 = 4

	// AtomicFirstBlockSize is the most bytes the marshaled first block may
	// occupy; marshal rejects anything larger, so the meaningful part of the
	// block fits in one atomically written sector.
	AtomicFirstBlockSize = 512

	// IOFirstBlockSize is the size actually written to the drive, padded up
	// to a full page so the I/O is aligned.
	IOFirstBlockSize = 4096

	// MinChunkSizeData is the smallest chunk size allowed on spinning/data
	// class devices. Keeping it low grows the number of chunks and thus the
	// super-block area the chunk table occupies.
	MinChunkSizeData uint64 = 16 << 20

	// MinChunkSizeFast is the smallest chunk size allowed on fast/NVMe class
	// devices, kept higher than MinChunkSizeData to bound the super-block
	// area on more expensive media.
	MinChunkSizeFast uint64 = 32 << 20

	// MaxChunksInSystem bounds the number of chunks addressable across all
	// pdevs.
	MaxChunksInSystem uint32 = 65536

	// MaxVdevsInSystem bounds how many vdev slots the first block reserves.
	MaxVdevsInSystem uint32 = 1024
)

// DiskAttr mirrors the disk_attr fields copied out of iomgr's drive
// attributes: the physical page size, required alignment, atomic write size
// and stream count a pdev advertises.
type DiskAttr struct {
	PhysPageSize      uint32
	AlignSize         uint32
	AtomicPhysPageSize uint32
	NumStreams        uint32
}

// IsValid reports whether every page-size-like field is a nonzero power of
// two, the same check hs_super_blk::disk_attr::is_valid performs.
func (d DiskAttr) IsValid() bool {
	return isPow2(d.PhysPageSize) && isPow2(d.AlignSize) && isPow2(d.AtomicPhysPageSize)
}

func isPow2(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// FirstBlockHeader is the system-wide portion of the first block: it is
// identical across every pdev in the system and only changes when a vdev or
// chunk is added/removed, bumping GenNumber.
type FirstBlockHeader struct {
	GenNumber      uint64
	Version        uint32
	ProductName    string
	NumPdevs       uint32
	MaxVdevs       uint32
	MaxSystemChunks uint32
	SystemUUID     uuid.UUID
}

// PdevInfoHeader is the portion of the first block specific to the pdev it
// is written on.
type PdevInfoHeader struct {
	DataOffset     uint64
	Size           uint64
	PdevID         base.PdevID
	MaxPdevChunks  uint32
	DevAttr        DiskAttr
	MirrorSuperBlock bool
	SystemUUID     uuid.UUID

	// CurIndx and DMChunks are physical_dev.cpp's m_cur_indx and
	// super_block::dm_chunk[2]: CurIndx holds the DM-info generation count,
	// whose parity names the currently active chunk, and DMChunks records
	// where each of the two alternating chunks lives. The first
	// block is only ever rewritten with a new CurIndx after the
	// corresponding DM-info write has landed (spec.md:60), so whichever
	// value is durable here is always the authoritative copy.
	CurIndx uint32
	DMChunks [2]DMChunkInfo
}

// FirstBlock is the root structure written at offset 0 of every pdev.
type FirstBlock struct {
	Magic    uint64
	Checksum uint32
	Header   FirstBlockHeader
	PdevInfo PdevInfoHeader
}

// IsValid checks the magic and product name, the two fields that must be
// right before anything else about the block can be trusted.
func (fb *FirstBlock) IsValid() bool {
	return fb.Magic == HomestoreMagic && fb.Header.ProductName == ProductName
}

// marshal serializes fb, with the checksum computed over everything after
// the checksum field, matching the C++ comment "Checksum of the entire first
// block (excluding this field)". The encoding must fit in
// AtomicFirstBlockSize bytes; the returned buffer is zero-padded to
// IOFirstBlockSize.
func (fb *FirstBlock) marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	body := new(bytes.Buffer)

	if err := binary.Write(body, binary.LittleEndian, fb.Header.GenNumber); err != nil {
		return nil, err
	}
	if err := binary.Write(body, binary.LittleEndian, fb.Header.Version); err != nil {
		return nil, err
	}
	var name [productNameSize]byte
	copy(name[:], fb.Header.ProductName)
	body.Write(name[:])
	if err := binary.Write(body, binary.LittleEndian, fb.Header.NumPdevs); err != nil {
		return nil, err
	}
	if err := binary.Write(body, binary.LittleEndian, fb.Header.MaxVdevs); err != nil {
		return nil, err
	}
	if err := binary.Write(body, binary.LittleEndian, fb.Header.MaxSystemChunks); err != nil {
		return nil, err
	}
	sysUUID, _ := fb.Header.SystemUUID.MarshalBinary()
	body.Write(sysUUID)

	if err := binary.Write(body, binary.LittleEndian, fb.PdevInfo.DataOffset); err != nil {
		return nil, err
	}
	if err := binary.Write(body, binary.LittleEndian, fb.PdevInfo.Size); err != nil {
		return nil, err
	}
	if err := binary.Write(body, binary.LittleEndian, uint32(fb.PdevInfo.PdevID)); err != nil {
		return nil, err
	}
	if err := binary.Write(body, binary.LittleEndian, fb.PdevInfo.MaxPdevChunks); err != nil {
		return nil, err
	}
	if err := binary.Write(body, binary.LittleEndian, fb.PdevInfo.DevAttr); err != nil {
		return nil, err
	}
	mirror := byte(0)
	if fb.PdevInfo.MirrorSuperBlock {
		mirror = 1
	}
	body.WriteByte(mirror)
	pdevUUID, _ := fb.PdevInfo.SystemUUID.MarshalBinary()
	body.Write(pdevUUID)

	if err := binary.Write(body, binary.LittleEndian, fb.PdevInfo.CurIndx); err != nil {
		return nil, err
	}
	for i := range fb.PdevInfo.DMChunks {
		if err := binary.Write(body, binary.LittleEndian, uint32(fb.PdevInfo.DMChunks[i].ChunkID)); err != nil {
			return nil, err
		}
		if err := binary.Write(body, binary.LittleEndian, fb.PdevInfo.DMChunks[i].StartOffset); err != nil {
			return nil, err
		}
		if err := binary.Write(body, binary.LittleEndian, fb.PdevInfo.DMChunks[i].Size); err != nil {
			return nil, err
		}
	}

	checksum := crc.Checksum32(body.Bytes())

	if err := binary.Write(buf, binary.LittleEndian, fb.Magic); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, checksum); err != nil {
		return nil, err
	}
	buf.Write(body.Bytes())

	if buf.Len() > AtomicFirstBlockSize {
		return nil, fmt.Errorf("device: marshaled first block %d bytes exceeds atomic size %d", buf.Len(), AtomicFirstBlockSize)
	}
	out := make([]byte, IOFirstBlockSize)
	copy(out, buf.Bytes())
	return out, nil
}

// unmarshalFirstBlock is the inverse of marshal. It decodes the stored
// checksum but does not verify it; Manager.verifyChecksum does that.
func unmarshalFirstBlock(data []byte) (*FirstBlock, error) {
	if len(data) < AtomicFirstBlockSize {
		return nil, fmt.Errorf("device: first block buffer too small: %d", len(data))
	}
	r := bytes.NewReader(data)

	fb := &FirstBlock{}
	if err := binary.Read(r, binary.LittleEndian, &fb.Magic); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &fb.Checksum); err != nil {
		return nil, err
	}

	if err := binary.Read(r, binary.LittleEndian, &fb.Header.GenNumber); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &fb.Header.Version); err != nil {
		return nil, err
	}
	var name [productNameSize]byte
	if _, err := r.Read(name[:]); err != nil {
		return nil, err
	}
	fb.Header.ProductName = string(bytes.TrimRight(name[:], "\x00"))
	if err := binary.Read(r, binary.LittleEndian, &fb.Header.NumPdevs); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &fb.Header.MaxVdevs); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &fb.Header.MaxSystemChunks); err != nil {
		return nil, err
	}
	var sysUUID [16]byte
	if _, err := r.Read(sysUUID[:]); err != nil {
		return nil, err
	}
	fb.Header.SystemUUID, _ = uuid.FromBytes(sysUUID[:])

	if err := binary.Read(r, binary.LittleEndian, &fb.PdevInfo.DataOffset); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &fb.PdevInfo.Size); err != nil {
		return nil, err
	}
	var pdevID uint32
	if err := binary.Read(r, binary.LittleEndian, &pdevID); err != nil {
		return nil, err
	}
	fb.PdevInfo.PdevID = base.PdevID(pdevID)
	if err := binary.Read(r, binary.LittleEndian, &fb.PdevInfo.MaxPdevChunks); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &fb.PdevInfo.DevAttr); err != nil {
		return nil, err
	}
	var mirror byte
	if err := binary.Read(r, binary.LittleEndian, &mirror); err != nil {
		return nil, err
	}
	fb.PdevInfo.MirrorSuperBlock = mirror != 0
	var pdevUUID [16]byte
	if _, err := r.Read(pdevUUID[:]); err != nil {
		return nil, err
	}
	fb.PdevInfo.SystemUUID, _ = uuid.FromBytes(pdevUUID[:])

	if err := binary.Read(r, binary.LittleEndian, &fb.PdevInfo.CurIndx); err != nil {
		return nil, err
	}
	for i := range fb.PdevInfo.DMChunks {
		var chunkID uint32
		if err := binary.Read(r, binary.LittleEndian, &chunkID); err != nil {
			return nil, err
		}
		fb.PdevInfo.DMChunks[i].ChunkID = base.ChunkID(chunkID)
		if err := binary.Read(r, binary.LittleEndian, &fb.PdevInfo.DMChunks[i].StartOffset); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &fb.PdevInfo.DMChunks[i].Size); err != nil {
			return nil, err
		}
	}

	return fb, nil
}

// VdevSuperBlockOffset and ChunkSuperBlockOffset lay out the areas following
// the first block, per the diagram at the top of this file.
func VdevSuperBlockOffset() uint64 { return IOFirstBlockSize }

func VdevSuperBlockSize(maxVdevs uint32) uint64 {
	return uint64(maxVdevs) * vdevInfoSize
}

func ChunkSuperBlockOffset(maxVdevs uint32) uint64 {
	return VdevSuperBlockOffset() + VdevSuperBlockSize(maxVdevs)
}

func ChunkSuperBlockSize(maxChunks uint32) uint64 {
	return uint64(maxChunks) * chunkInfoSize
}

// MaxChunksInPdev returns how many chunks of minChunkSize fit in a pdev of
// devSize bytes, rounding up the way hs_super_blk::max_chunks_in_pdev does.
func MaxChunksInPdev(devSize, minChunkSize uint64) uint32 {
	if devSize == 0 {
		return 0
	}
	return uint32((devSize-1)/minChunkSize) + 1
}
