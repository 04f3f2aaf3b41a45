// Package metablk implements the meta-block manager of spec §4.E: a
// registry of typed sub-superblocks, each occupying a head page plus an
// optional overflow chain on a dedicated meta vdev, with replay callbacks
// driven at recovery.
package metablk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/raakella1/HomeStore/blkalloc"
	"github.com/raakella1/HomeStore/drive"
	"github.com/raakella1/HomeStore/internal/base"
)

var (
	// ErrNoSpace is returned when the meta vdev has no free page left to
	// satisfy an add/update.
	ErrNoSpace = errors.New("metablk: no space")

	// ErrCorruptHeader is surfaced to the scanner when a page's magic or
	// checksum does not validate; ScanMetaBlks may skip it under
	// SkipHeaderSizeCheck instead of failing outright.
	ErrCorruptHeader = errors.New("metablk: corrupt header")

	// ErrUnknownCookie is returned by UpdateSubSB/RemoveSubSB when the page
	// at cookie does not carry the meta-block magic. Only the magic is
	// checked: a head page that was already removed still carries it and
	// is not detected.
	ErrUnknownCookie = errors.New("metablk: unknown cookie")
)

// Cookie identifies a live mblk by the page address of its head.
type Cookie = base.BlkId

// Handler is registered per type and invoked during recovery: OnRecover
// fires once per live head mblk of that type, OnRecoveryDone fires once
// after every head of that type has been replayed.
type Handler struct {
	OnRecover      func(cookie Cookie, payload []byte)
	OnRecoveryDone func()
}

const metaChunk base.ChunkID = 0
const rootPage base.BlkNum = 0

// Manager is the meta-block manager itself: one dedicated chunk on ep, laid
// out in fixed pageSize pages, page 0 reserved for the meta_ssb registry
// root pointer.
type Manager struct {
	mu       sync.Mutex
	ep       drive.Endpoint
	pageSize uint32
	alloc    *blkalloc.Fixed
	handlers map[string]Handler
	ratioLimit int
	skipHeaderMismatch bool
	log      *logrus.Entry

	ssbHead pagePtr // first live head mblk, invalidPagePtr if empty
	unknownTypesSeen map[string]int
}

// Config parameterizes the manager at Open/Format time.
type Config struct {
	PageSize            uint32
	TotalPages          base.BlkCount // includes the reserved root page
	CompressRatioLimit  int
	SkipHeaderSizeCheck bool
}

// Format initializes a fresh, empty meta vdev: writes an invalid root
// pointer to page 0 and returns a Manager with every other page free.
func Format(ep drive.Endpoint, cfg Config, log *logrus.Entry) (*Manager, error) {
	alloc, err := blkalloc.NewFixed(blkalloc.Config{ChunkID: metaChunk, TotalBlks: cfg.TotalPages}, nil)
	if err != nil {
		return nil, err
	}
	// Reserve page 0 for the root pointer by allocating and never freeing it.
	root, err := alloc.AllocContiguous(1)
	if err != nil {
		return nil, fmt.Errorf("metablk: reserving root page: %w", err)
	}
	if root.BlkNum != rootPage {
		return nil, fmt.Errorf("metablk: expected root page 0, got %d", root.BlkNum)
	}

	m := &Manager{
		ep: ep, pageSize: cfg.PageSize, alloc: alloc,
		handlers:           make(map[string]Handler),
		ratioLimit:         cfg.CompressRatioLimit,
		skipHeaderMismatch: cfg.SkipHeaderSizeCheck,
		log:                log,
		ssbHead:            invalidPagePtr,
		unknownTypesSeen:   make(map[string]int),
	}
	if err := m.writeRootPointer(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reopen rebuilds a Manager over an already-formatted meta vdev: it marks
// every page reachable from the root pointer (following both the meta_ssb
// list and each head's overflow chain) as allocated before handing the
// allocator back out, and sets ssbHead from the root pointer page it
// decoded. Callers still need Recover afterwards to drive replay callbacks.
func Reopen(ep drive.Endpoint, cfg Config, log *logrus.Entry) (*Manager, error) {
	bitmap := make([]byte, (cfg.TotalPages+7)/8)
	setBit(bitmap, uint64(rootPage))

	m := &Manager{
		ep: ep, pageSize: cfg.PageSize,
		handlers:           make(map[string]Handler),
		ratioLimit:         cfg.CompressRatioLimit,
		skipHeaderMismatch: cfg.SkipHeaderSizeCheck,
		log:                log,
		ssbHead:            invalidPagePtr,
		unknownTypesSeen:   make(map[string]int),
	}

	rootBuf, err := m.readPage(base.BlkId{ChunkID: metaChunk, BlkNum: rootPage, BlkCount: 1})
	if err != nil {
		return nil, err
	}
	rootH, rootBody, err := unmarshalHeader(rootBuf)
	if err != nil {
		return nil, err
	}
	if rootH.Magic != metaBlkMagic {
		return nil, ErrCorruptHeader
	}
	ssbHead := decodePagePtr(rootBody)

	cur := ssbHead
	for isValidPtr(cur) {
		setBit(bitmap, uint64(cur.BlkNum))
		page, err := m.readPage(cur)
		if err != nil {
			return nil, err
		}
		h, _, err := unmarshalHeader(page)
		if err != nil {
			return nil, err
		}
		overflow := h.Next
		for isValidPtr(overflow) {
			setBit(bitmap, uint64(overflow.BlkNum))
			opage, err := m.readPage(overflow)
			if err != nil {
				return nil, err
			}
			oh, _, err := unmarshalHeader(opage)
			if err != nil {
				return nil, err
			}
			overflow = oh.Next
		}
		cur = h.SSBNext
	}

	alloc, err := blkalloc.NewFixed(blkalloc.Config{ChunkID: metaChunk, TotalBlks: cfg.TotalPages}, bitmap)
	if err != nil {
		return nil, err
	}
	m.alloc = alloc
	m.ssbHead = ssbHead
	return m, nil
}

func setBit(bitmap []byte, pos uint64) {
	bitmap[pos/8] |= 1 << (pos % 8)
}

// RegisterHandler registers h for mtype. Recovery invokes OnRecover once
// per live head of this type and OnRecoveryDone once after all of them.
func (m *Manager) RegisterHandler(mtype string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[mtype] = h
}

func (m *Manager) DeregisterHandler(mtype string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, mtype)
}

func (m *Manager) pagePtrToBlkNum(p pagePtr) int64 { return int64(p.BlkNum) }

func (m *Manager) readPage(p pagePtr) ([]byte, error) {
	buf := make([]byte, m.pageSize)
	if _, err := m.ep.SyncRead(buf, m.pagePtrToBlkNum(p)*int64(m.pageSize)); err != nil {
		return nil, fmt.Errorf("metablk: read page %d: %w", p.BlkNum, err)
	}
	return buf, nil
}

func (m *Manager) writePage(p pagePtr, buf []byte) error {
	if _, err := m.ep.SyncWrite(buf, m.pagePtrToBlkNum(p)*int64(m.pageSize)); err != nil {
		return fmt.Errorf("metablk: write page %d: %w", p.BlkNum, err)
	}
	return nil
}

func (m *Manager) writeRootPointer() error {
	h := &header{Magic: metaBlkMagic, Version: metaBlkVersion, Type: "__root__"}
	body := make([]byte, 16)
	copy(body, encodePagePtr(m.ssbHead))
	h.BodyLen = uint32(len(body))
	h.Checksum = checksumBody(body)
	page, err := h.marshalInto(m.pageSize, body)
	if err != nil {
		return err
	}
	return m.writePage(base.BlkId{ChunkID: metaChunk, BlkNum: rootPage, BlkCount: 1}, page)
}

func encodePagePtr(p pagePtr) []byte {
	out := make([]byte, 12)
	be := func(v uint32, off int) {
		out[off] = byte(v)
		out[off+1] = byte(v >> 8)
		out[off+2] = byte(v >> 16)
		out[off+3] = byte(v >> 24)
	}
	be(uint32(p.ChunkID), 0)
	v := uint64(p.BlkNum)
	for i := 0; i < 8; i++ {
		out[4+i] = byte(v >> (8 * i))
	}
	return out
}

func decodePagePtr(b []byte) pagePtr {
	chunk := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	var blk uint64
	for i := 0; i < 8; i++ {
		blk |= uint64(b[4+i]) << (8 * i)
	}
	return base.BlkId{ChunkID: base.ChunkID(chunk), BlkNum: base.BlkNum(blk), BlkCount: 1}
}

func (m *Manager) pageCapacity() (int, error) {
	capacityPerPage := int(m.pageSize) - reservedHeaderBytes
	if capacityPerPage <= 0 {
		return 0, fmt.Errorf("metablk: page size %d too small for header", m.pageSize)
	}
	return capacityPerPage, nil
}

// splitPayload compresses payload (with ratio backoff) and slices it into
// page-sized chunks. chunks[0] belongs on the head page; chunks[1:] belong
// to the overflow chain.
func (m *Manager) splitPayload(payload []byte) (chunks [][]byte, isCompressed bool, err error) {
	capacityPerPage, err := m.pageCapacity()
	if err != nil {
		return nil, false, err
	}

	body, isCompressed := compress(payload, m.ratioLimit)
	numPages := (len(body) + capacityPerPage - 1) / capacityPerPage
	if numPages == 0 {
		numPages = 1
	}

	chunks = make([][]byte, numPages)
	for i := 0; i < numPages; i++ {
		start := i * capacityPerPage
		end := start + capacityPerPage
		if end > len(body) {
			end = len(body)
		}
		chunks[i] = body[start:end]
	}
	return chunks, isCompressed, nil
}

// writeOverflowPages allocates and writes one page per entry in chunks,
// wiring each page's Next to the following one, and returns a pointer to
// the first page written (or invalidPagePtr if chunks is empty). None of
// these pages carry SSB links — only a head page does.
func (m *Manager) writeOverflowPages(mtype string, chunks [][]byte) (pagePtr, error) {
	if len(chunks) == 0 {
		return invalidPagePtr, nil
	}

	pages := make([]pagePtr, len(chunks))
	for i := range chunks {
		id, err := m.alloc.AllocContiguous(1)
		if err != nil {
			for j := 0; j < i; j++ {
				_ = m.alloc.Free(pages[j])
			}
			return invalidPagePtr, ErrNoSpace
		}
		pages[i] = id
	}

	for i := len(chunks) - 1; i >= 0; i-- {
		h := &header{
			Magic:    metaBlkMagic,
			Version:  metaBlkVersion,
			Type:     mtype,
			BodyLen:  uint32(len(chunks[i])),
			Checksum: checksumBody(chunks[i]),
			Next:     invalidPagePtr,
			SSBNext:  invalidPagePtr,
			SSBPrev:  invalidPagePtr,
		}
		if i+1 < len(chunks) {
			h.Next = pages[i+1]
		}
		page, err := h.marshalInto(m.pageSize, chunks[i])
		if err != nil {
			return invalidPagePtr, err
		}
		if err := m.writePage(pages[i], page); err != nil {
			return invalidPagePtr, err
		}
	}

	return pages[0], nil
}

// writeChain allocates a fresh head page plus whatever overflow pages
// payload needs and writes them all, returning the new head's pointer.
// SSB links are left invalid — AddSubSB's linkIntoRegistry sets them.
func (m *Manager) writeChain(mtype string, payload []byte) (pagePtr, error) {
	chunks, isCompressed, err := m.splitPayload(payload)
	if err != nil {
		return invalidPagePtr, err
	}

	overflowHead, err := m.writeOverflowPages(mtype, chunks[1:])
	if err != nil {
		return invalidPagePtr, err
	}

	headPtr, err := m.alloc.AllocContiguous(1)
	if err != nil {
		if isValidPtr(overflowHead) {
			_ = m.freeChain(overflowHead)
		}
		return invalidPagePtr, ErrNoSpace
	}

	h := &header{
		Magic:      metaBlkMagic,
		Version:    metaBlkVersion,
		Type:       mtype,
		ContextSz:  uint32(len(payload)),
		Compressed: isCompressed,
		BodyLen:    uint32(len(chunks[0])),
		Checksum:   checksumBody(chunks[0]),
		Next:       overflowHead,
		SSBNext:    invalidPagePtr,
		SSBPrev:    invalidPagePtr,
	}
	page, err := h.marshalInto(m.pageSize, chunks[0])
	if err != nil {
		return invalidPagePtr, err
	}
	if err := m.writePage(headPtr, page); err != nil {
		return invalidPagePtr, err
	}
	return headPtr, nil
}

// reservedHeaderBytes is the fixed marshaled header size: magic(8) +
// version(4) + checksum(4) + type(32) + context_sz(4) + compressed(1) +
// body_len(4) + next(12) + ssb_next(12) + ssb_prev(12).
const reservedHeaderBytes = 8 + 4 + 4 + typeFieldSize + 4 + 1 + 4 + 12 + 12 + 12

func (m *Manager) freeChain(head pagePtr) error {
	cur := head
	for isValidPtr(cur) {
		page, err := m.readPage(cur)
		if err != nil {
			return err
		}
		h, _, err := unmarshalHeader(page)
		if err != nil {
			return err
		}
		if err := m.alloc.Free(cur); err != nil {
			return err
		}
		cur = h.Next
	}
	return nil
}

// AddSubSB allocates a head mblk (plus overflow chain as needed) for
// payload, links it into the meta_ssb registry, and returns its cookie.
func (m *Manager) AddSubSB(mtype string, payload []byte) (Cookie, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	head, err := m.writeChain(mtype, payload)
	if err != nil {
		return Cookie{}, err
	}
	if err := m.linkIntoRegistry(head); err != nil {
		return Cookie{}, err
	}
	return head, nil
}

func (m *Manager) linkIntoRegistry(head pagePtr) error {
	if isValidPtr(m.ssbHead) {
		oldHeadPage, err := m.readPage(m.ssbHead)
		if err != nil {
			return err
		}
		oldH, oldBody, err := unmarshalHeader(oldHeadPage)
		if err != nil {
			return err
		}
		oldH.SSBPrev = head
		if err := m.rewritePageHeader(m.ssbHead, oldH, oldBody); err != nil {
			return err
		}
	}

	headPage, err := m.readPage(head)
	if err != nil {
		return err
	}
	h, body, err := unmarshalHeader(headPage)
	if err != nil {
		return err
	}
	h.SSBNext = m.ssbHead
	h.SSBPrev = invalidPagePtr
	if err := m.rewritePageHeader(head, h, body); err != nil {
		return err
	}

	m.ssbHead = head
	return m.writeRootPointer()
}

func (m *Manager) unlinkFromRegistry(head pagePtr, h *header) error {
	if isValidPtr(h.SSBPrev) {
		prevPage, err := m.readPage(h.SSBPrev)
		if err != nil {
			return err
		}
		prevH, prevBody, err := unmarshalHeader(prevPage)
		if err != nil {
			return err
		}
		prevH.SSBNext = h.SSBNext
		if err := m.rewritePageHeader(h.SSBPrev, prevH, prevBody); err != nil {
			return err
		}
	} else {
		m.ssbHead = h.SSBNext
		if err := m.writeRootPointer(); err != nil {
			return err
		}
	}

	if isValidPtr(h.SSBNext) {
		nextPage, err := m.readPage(h.SSBNext)
		if err != nil {
			return err
		}
		nextH, nextBody, err := unmarshalHeader(nextPage)
		if err != nil {
			return err
		}
		nextH.SSBPrev = h.SSBPrev
		if err := m.rewritePageHeader(h.SSBNext, nextH, nextBody); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) rewritePageHeader(p pagePtr, h *header, body []byte) error {
	page, err := h.marshalInto(m.pageSize, body)
	if err != nil {
		return err
	}
	return m.writePage(p, page)
}

// UpdateSubSB rewrites the mblk named by cookie in place: the head page's
// Bid is preserved, and only once the new chain is durable are the old
// overflow pages freed, so a crash mid-update leaves either the whole old
// chain or the whole new chain intact, never a partial splice.
func (m *Manager) UpdateSubSB(cookie Cookie, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldPage, err := m.readPage(cookie)
	if err != nil {
		return err
	}
	oldH, _, err := unmarshalHeader(oldPage)
	if err != nil {
		return err
	}
	if oldH.Magic != metaBlkMagic {
		return ErrUnknownCookie
	}
	oldOverflow := oldH.Next

	chunks, isCompressed, err := m.splitPayload(payload)
	if err != nil {
		return err
	}

	newOverflow, err := m.writeOverflowPages(oldH.Type, chunks[1:])
	if err != nil {
		return err
	}

	newH := &header{
		Magic:      metaBlkMagic,
		Version:    metaBlkVersion,
		Type:       oldH.Type,
		ContextSz:  uint32(len(payload)),
		Compressed: isCompressed,
		BodyLen:    uint32(len(chunks[0])),
		Checksum:   checksumBody(chunks[0]),
		Next:       newOverflow,
		SSBNext:    oldH.SSBNext,
		SSBPrev:    oldH.SSBPrev,
	}
	// The head page keeps its BlkId (cookie) across the update; only its
	// contents and overflow chain change.
	if err := m.rewritePageHeader(cookie, newH, chunks[0]); err != nil {
		return err
	}

	// Only free the old overflow chain once the new head is durable, so a
	// crash here leaves either the whole old chain or the whole new one
	// reachable, never a partial splice.
	if isValidPtr(oldOverflow) {
		if err := m.freeChain(oldOverflow); err != nil {
			return err
		}
	}
	return nil
}

// RemoveSubSB unlinks cookie from the registry and frees its entire chain.
func (m *Manager) RemoveSubSB(cookie Cookie) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	page, err := m.readPage(cookie)
	if err != nil {
		return err
	}
	h, _, err := unmarshalHeader(page)
	if err != nil {
		return err
	}
	if h.Magic != metaBlkMagic {
		return ErrUnknownCookie
	}

	if err := m.unlinkFromRegistry(cookie, h); err != nil {
		return err
	}
	return m.freeChain(cookie)
}

// ReadSubSB materializes and returns the payload for every live mblk of
// mtype, invoking the registered handler's OnRecover for each — the same
// walk Recover performs, usable outside of boot-time recovery too.
func (m *Manager) ReadSubSB(mtype string) error {
	m.mu.Lock()
	h, ok := m.handlers[mtype]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("metablk: %w: %s", errors.New("no handler registered"), mtype)
	}

	heads, err := m.walkRegistry()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	for _, head := range heads {
		if head.hdr.Type != mtype {
			continue
		}
		h.OnRecover(head.ptr, head.payload)
	}
	return nil
}

// AvailableBlks and GetUsedBlks expose the meta vdev's space accounting,
// satisfying the invariant get_used_size + free_size = get_size.
func (m *Manager) AvailableBlks() base.BlkCount { return m.alloc.AvailableBlks() }
func (m *Manager) GetUsedBlks() base.BlkCount   { return m.alloc.GetUsedBlks() }
