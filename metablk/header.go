package metablk

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/raakella1/HomeStore/internal/base"
	"github.com/raakella1/HomeStore/internal/crc"
)

const (
	metaBlkMagic   uint64 = 0xCEEDDEEB
	metaBlkVersion uint32 = 1
	typeFieldSize         = 32
)

// pagePtr addresses one page within the meta vdev's single dedicated chunk.
// InvalidPagePtr terminates both the overflow chain and the meta_ssb list.
type pagePtr = base.BlkId

var invalidPagePtr = base.BlkId{ChunkID: base.InvalidChunkID}

func isValidPtr(p pagePtr) bool { return p.ChunkID != base.InvalidChunkID }

// header is the on-disk prefix of every meta-block page. A head page (the
// first page of an mblk) additionally carries Compressed/ContextSz/SSBNext/
// SSBPrev; an overflow continuation page only needs Next/BodyLen/Checksum,
// but for simplicity every page carries the same fixed layout and unused
// fields are zero.
type header struct {
	Magic      uint64
	Version    uint32
	Checksum   uint32
	Type       string
	ContextSz  uint32 // logical payload size across the whole chain; head page only
	Compressed bool
	BodyLen    uint32 // bytes of payload carried by this page's body
	Next       pagePtr
	SSBNext    pagePtr // meta_ssb registry list forward link, head pages only
	SSBPrev    pagePtr // meta_ssb registry list backward link, head pages only
}

func (h *header) marshalInto(pageSize uint32, body []byte) ([]byte, error) {
	buf := new(bytes.Buffer)

	var typeBytes [typeFieldSize]byte
	copy(typeBytes[:], h.Type)

	fields := []any{
		h.Magic, h.Version, h.Checksum,
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	buf.Write(typeBytes[:])

	compressed := byte(0)
	if h.Compressed {
		compressed = 1
	}
	rest := []any{h.ContextSz, compressed, h.BodyLen,
		uint32(h.Next.ChunkID), uint64(h.Next.BlkNum),
		uint32(h.SSBNext.ChunkID), uint64(h.SSBNext.BlkNum),
		uint32(h.SSBPrev.ChunkID), uint64(h.SSBPrev.BlkNum),
	}
	for _, f := range rest {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}

	out := make([]byte, pageSize)
	hdrBytes := buf.Bytes()
	if len(hdrBytes)+len(body) > len(out) {
		return nil, fmt.Errorf("metablk: page overflow: header %d + body %d > page %d", len(hdrBytes), len(body), len(out))
	}
	copy(out, hdrBytes)
	copy(out[len(hdrBytes):], body)
	return out, nil
}

func unmarshalHeader(page []byte) (*header, []byte, error) {
	r := bytes.NewReader(page)
	h := &header{}

	if err := binary.Read(r, binary.LittleEndian, &h.Magic); err != nil {
		return nil, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return nil, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Checksum); err != nil {
		return nil, nil, err
	}
	var typeBytes [typeFieldSize]byte
	if _, err := r.Read(typeBytes[:]); err != nil {
		return nil, nil, err
	}
	h.Type = string(bytes.TrimRight(typeBytes[:], "\x00"))

	if err := binary.Read(r, binary.LittleEndian, &h.ContextSz); err != nil {
		return nil, nil, err
	}
	var compressed byte
	if err := binary.Read(r, binary.LittleEndian, &compressed); err != nil {
		return nil, nil, err
	}
	h.Compressed = compressed != 0
	if err := binary.Read(r, binary.LittleEndian, &h.BodyLen); err != nil {
		return nil, nil, err
	}

	var nextChunk, ssbNextChunk, ssbPrevChunk uint32
	var nextBlk, ssbNextBlk, ssbPrevBlk uint64
	if err := binary.Read(r, binary.LittleEndian, &nextChunk); err != nil {
		return nil, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &nextBlk); err != nil {
		return nil, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &ssbNextChunk); err != nil {
		return nil, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &ssbNextBlk); err != nil {
		return nil, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &ssbPrevChunk); err != nil {
		return nil, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &ssbPrevBlk); err != nil {
		return nil, nil, err
	}
	h.Next = base.BlkId{ChunkID: base.ChunkID(nextChunk), BlkNum: base.BlkNum(nextBlk), BlkCount: 1}
	h.SSBNext = base.BlkId{ChunkID: base.ChunkID(ssbNextChunk), BlkNum: base.BlkNum(ssbNextBlk), BlkCount: 1}
	h.SSBPrev = base.BlkId{ChunkID: base.ChunkID(ssbPrevChunk), BlkNum: base.BlkNum(ssbPrevBlk), BlkCount: 1}

	hdrLen := len(page) - r.Len()
	body := page[hdrLen:]
	return h, body, nil
}

func checksumBody(body []byte) uint32 {
	return crc.Checksum32(body)
}
