package metablk

import (
	"github.com/raakella1/HomeStore/internal/base"
)

type scannedHead struct {
	ptr     pagePtr
	hdr     *header
	payload []byte
}

// ScanMetaBlks reads the root pointer page, then walks the meta_ssb list
// following each head's SSBNext, validating every page's magic and
// checksum. A corrupt or short-header page is skipped (not fatal) only if
// m.skipHeaderMismatch is set; otherwise scanning stops and returns
// ErrCorruptHeader.
func (m *Manager) ScanMetaBlks() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rootPageBuf, err := m.readPage(base.BlkId{ChunkID: metaChunk, BlkNum: rootPage, BlkCount: 1})
	if err != nil {
		return err
	}
	rootH, rootBody, err := unmarshalHeader(rootPageBuf)
	if err != nil {
		return err
	}
	if rootH.Magic != metaBlkMagic {
		return ErrCorruptHeader
	}
	m.ssbHead = decodePagePtr(rootBody)

	_, err = m.walkRegistry()
	return err
}

// walkRegistry reads every live head mblk from the meta_ssb list,
// decompressing its (possibly overflow-chained) payload, and returns them
// in list order. It does not take m.mu — callers must already hold it.
func (m *Manager) walkRegistry() ([]scannedHead, error) {
	var heads []scannedHead
	cur := m.ssbHead
	for isValidPtr(cur) {
		page, err := m.readPage(cur)
		if err != nil {
			return nil, err
		}
		h, body, err := unmarshalHeader(page)
		if err != nil {
			return nil, err
		}
		if h.Magic != metaBlkMagic || checksumBody(body[:h.BodyLen]) != h.Checksum {
			if m.skipHeaderMismatch {
				cur = h.SSBNext
				continue
			}
			return nil, ErrCorruptHeader
		}

		payload, err := m.readChainPayload(h, body)
		if err != nil {
			return nil, err
		}

		heads = append(heads, scannedHead{ptr: cur, hdr: h, payload: payload})
		cur = h.SSBNext
	}
	return heads, nil
}

// readChainPayload reassembles a head mblk's logical payload by
// concatenating every page body in its overflow chain and then
// decompressing once, per spec §4.E: "Consumers never see partial overflow
// chains" — any read error anywhere in the chain aborts the whole
// reassembly rather than returning a truncated payload.
func (m *Manager) readChainPayload(headH *header, headBody []byte) ([]byte, error) {
	var raw []byte
	raw = append(raw, headBody[:headH.BodyLen]...)

	next := headH.Next
	for isValidPtr(next) {
		page, err := m.readPage(next)
		if err != nil {
			return nil, err
		}
		h, body, err := unmarshalHeader(page)
		if err != nil {
			return nil, err
		}
		if h.Magic != metaBlkMagic || checksumBody(body[:h.BodyLen]) != h.Checksum {
			return nil, ErrCorruptHeader
		}
		raw = append(raw, body[:h.BodyLen]...)
		next = h.Next
	}

	return decompress(raw, headH.Compressed)
}

// Recover drives the per-type handler calls after ScanMetaBlks: every live
// head's OnRecover fires exactly once, grouped so each type's
// OnRecoveryDone fires only after all of that type's heads have been
// delivered. Heads of a type with no registered handler are counted as
// UnknownType and skipped, not treated as fatal.
func (m *Manager) Recover(doCallbacks bool) error {
	m.mu.Lock()
	heads, err := m.walkRegistry()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if !doCallbacks {
		return nil
	}

	byType := make(map[string][]scannedHead)
	for _, h := range heads {
		byType[h.hdr.Type] = append(byType[h.hdr.Type], h)
	}

	for mtype, group := range byType {
		m.mu.Lock()
		handler, ok := m.handlers[mtype]
		if !ok {
			m.unknownTypesSeen[mtype] += len(group)
		}
		m.mu.Unlock()
		if !ok {
			if m.log != nil {
				m.log.WithField("type", mtype).Warn("metablk: no handler registered for recovered type")
			}
			continue
		}
		for _, h := range group {
			handler.OnRecover(h.ptr, h.payload)
		}
		if handler.OnRecoveryDone != nil {
			handler.OnRecoveryDone()
		}
	}
	return nil
}
