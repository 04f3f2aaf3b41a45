package device

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/raakella1/HomeStore/drive"
	"github.com/raakella1/HomeStore/internal/base"
	"github.com/raakella1/HomeStore/pkg/config"
)

// Pdev pairs a drive.Endpoint with the chunk table, super block state and
// DM-info area homestore tracks for it. dm is nil only for a Pdev that has
// not completed Format or Load.
type Pdev struct {
	ID       base.PdevID
	Endpoint drive.Endpoint
	Chunks   *ChunkTable
	fb       FirstBlock
	dm       *DMInfo
}

// DM returns the pdev's DM-info area, the current published copy of which
// backs whatever metadata a caller publishes through Manager.PublishDMInfo.
func (p *Pdev) DM() *DMInfo {
	return p.dm
}

// Manager owns every pdev in the system and the vdev table shared across
// them. It is the Go analogue of physical_dev.cpp's PhysicalDevManager plus
// db.Open's "create/validate the on-disk layout" responsibility in the
// teacher's internal/db/db.go.
type Manager struct {
	mu       sync.Mutex
	log      *logrus.Entry
	cfg      config.Config
	pdevs    map[base.PdevID]*Pdev
	vdevs    map[base.VdevID]*VdevInfo
	nextVdev base.VdevID
	uuid     uuid.UUID
}

// NewManager returns an empty Manager. Callers must call Format or Load
// before using it.
func NewManager(cfg config.Config, log *logrus.Entry) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      log,
		pdevs:    make(map[base.PdevID]*Pdev),
		vdevs:    make(map[base.VdevID]*VdevInfo),
		nextVdev: 1,
	}
}

// dmChunkSize returns the configured DM-info size rounded up to a full
// drive page, the Go equivalent of physical_dev.cpp's
// ALIGN_SIZE(dm_info_size, HomeStoreConfig::phys_page_size).
func (m *Manager) dmChunkSize(ep drive.Endpoint) uint64 {
	return roundUpToPage(m.cfg.DMInfoSize, uint64(ep.BlockSize()))
}

// Format initializes a brand-new pdev: carves the two DM-info chunks,
// writes an initial (empty) DM image through ep, and only then writes the
// first block — mirroring physical_dev.cpp's constructor, which refuses to
// consider a disk usable until its first DM-info write has landed
// (spec.md:60). The remainder of the device becomes a single free chunk
// vdevs carve their own chunks out of later.
func (m *Manager) Format(id base.PdevID, ep drive.Endpoint, devSize uint64, fast bool) (*Pdev, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.uuid == uuid.Nil {
		m.uuid = uuid.New()
	}

	minChunk := m.cfg.MinChunkSizeData
	if fast {
		minChunk = m.cfg.MinChunkSizeFast
	}
	maxChunks := MaxChunksInPdev(devSize, minChunk)
	dmSize := m.dmChunkSize(ep)

	fb := FirstBlock{
		Magic: HomestoreMagic,
		Header: FirstBlockHeader{
			GenNumber:       1,
			Version:         CurrentSuperBlockVersion,
			ProductName:     ProductName,
			NumPdevs:        uint32(len(m.pdevs) + 1),
			MaxVdevs:        m.cfg.MaxVdevs,
			MaxSystemChunks: m.cfg.MaxChunks,
			SystemUUID:      m.uuid,
		},
		PdevInfo: PdevInfoHeader{
			DataOffset:    ChunkSuperBlockOffset(m.cfg.MaxVdevs) + ChunkSuperBlockSize(m.cfg.MaxChunks),
			Size:          devSize,
			PdevID:        id,
			MaxPdevChunks: maxChunks,
			DevAttr: DiskAttr{
				PhysPageSize:       uint32(ep.BlockSize()),
				AlignSize:          uint32(ep.AlignSize()),
				AtomicPhysPageSize: uint32(ep.BlockSize()),
				NumStreams:         1,
			},
			SystemUUID: m.uuid,
		},
	}

	chunks := NewChunkTable(id)
	free := chunks.CreateChunk(base.InvalidVdevID, fb.PdevInfo.DataOffset, devSize-fb.PdevInfo.DataOffset)
	free.Free = true

	dmChunk0, err := chunks.CarveChunk(base.InvalidVdevID, dmSize)
	if err != nil {
		return nil, fmt.Errorf("device: carving dm chunk 0: %w", err)
	}
	dmChunk0.IsSBChunk = true
	dmChunk1, err := chunks.CarveChunk(base.InvalidVdevID, dmSize)
	if err != nil {
		return nil, fmt.Errorf("device: carving dm chunk 1: %w", err)
	}
	dmChunk1.IsSBChunk = true

	fb.PdevInfo.DMChunks[0] = DMChunkInfo{ChunkID: dmChunk0.ChunkID, StartOffset: dmChunk0.StartOffset, Size: dmChunk0.Size}
	fb.PdevInfo.DMChunks[1] = DMChunkInfo{ChunkID: dmChunk1.ChunkID, StartOffset: dmChunk1.StartOffset, Size: dmChunk1.Size}
	fb.PdevInfo.CurIndx = 0

	// Seed the active (index 0, matching a fresh DMInfo's zero generation
	// count) copy with an empty image before the first block is written,
	// so a crash right after this point still finds a valid, if empty, DM
	// area rather than an uninitialized one.
	dm := NewDMInfo(int(dmSize))
	if _, err := ep.SyncWrite(dm.Active(), int64(dmChunk0.StartOffset)); err != nil {
		return nil, fmt.Errorf("%w: writing initial dm chunk: %v", ErrDeviceIO, err)
	}

	buf, err := fb.marshal()
	if err != nil {
		return nil, fmt.Errorf("device: marshal first block: %w", err)
	}
	if _, err := ep.SyncWrite(buf, 0); err != nil {
		return nil, fmt.Errorf("%w: writing first block: %v", ErrDeviceIO, err)
	}

	pdev := &Pdev{ID: id, Endpoint: ep, Chunks: chunks, fb: fb, dm: dm}
	m.pdevs[id] = pdev

	m.log.WithFields(logrus.Fields{"pdev_id": id, "size": devSize, "max_chunks": maxChunks}).Info("device: formatted pdev")
	return pdev, nil
}

// Load reads and validates an existing pdev's first block, rejecting it if
// it was never formatted, was formatted by a different system, or carries an
// incompatible layout version.
func (m *Manager) Load(id base.PdevID, ep drive.Endpoint) (*Pdev, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, IOFirstBlockSize)
	if _, err := ep.SyncRead(buf, 0); err != nil {
		return nil, fmt.Errorf("%w: reading first block: %v", ErrDeviceIO, err)
	}

	fb, err := unmarshalFirstBlock(buf)
	if err != nil {
		return nil, fmt.Errorf("device: unmarshal first block: %w", err)
	}
	if !fb.IsValid() {
		return nil, ErrNotFormatted
	}
	if fb.Header.Version > CurrentSuperBlockVersion {
		return nil, ErrIncompatibleLayout
	}
	if m.uuid != uuid.Nil && fb.Header.SystemUUID != m.uuid {
		return nil, ErrUUIDMismatch
	}
	if m.uuid == uuid.Nil {
		m.uuid = fb.Header.SystemUUID
	}

	if err := m.verifyChecksum(buf, fb); err != nil {
		return nil, err
	}

	dmSize := m.dmChunkSize(ep)
	if fb.PdevInfo.DMChunks[0].Size != dmSize || fb.PdevInfo.DMChunks[1].Size != dmSize {
		return nil, ErrIncompatibleLayout
	}

	chunks := NewChunkTable(id)
	// The chunk area reserved at ChunkSuperBlockOffset is not yet persisted
	// or parsed back (no SPEC_FULL.md component writes it), so Load cannot
	// recover the exact chunk list a prior CarveChunk sequence produced.
	// What it *can* recover deterministically is the same sequence of
	// CreateChunk/CarveChunk calls Format made: the single free chunk
	// spanning the data area followed by carving off the two DM chunks in
	// the same order, which lands on the same chunk boundaries every time.
	free := chunks.CreateChunk(base.InvalidVdevID, fb.PdevInfo.DataOffset, fb.PdevInfo.Size-fb.PdevInfo.DataOffset)
	free.Free = true

	dmChunk0, err := chunks.CarveChunk(base.InvalidVdevID, dmSize)
	if err != nil {
		return nil, fmt.Errorf("device: recreating dm chunk 0: %w", err)
	}
	dmChunk0.IsSBChunk = true
	dmChunk1, err := chunks.CarveChunk(base.InvalidVdevID, dmSize)
	if err != nil {
		return nil, fmt.Errorf("device: recreating dm chunk 1: %w", err)
	}
	dmChunk1.IsSBChunk = true

	active := fb.PdevInfo.DMChunks[fb.PdevInfo.CurIndx&1]
	data := make([]byte, active.Size)
	if _, err := ep.SyncRead(data, int64(active.StartOffset)); err != nil {
		return nil, fmt.Errorf("%w: reading dm chunk: %v", ErrDeviceIO, err)
	}
	dm := NewDMInfo(int(dmSize))
	dm.loadActive(uint64(fb.PdevInfo.CurIndx), data)

	pdev := &Pdev{ID: id, Endpoint: ep, Chunks: chunks, fb: *fb, dm: dm}
	m.pdevs[id] = pdev

	m.log.WithFields(logrus.Fields{"pdev_id": id, "gen": fb.Header.GenNumber}).Info("device: loaded pdev")
	return pdev, nil
}

// PublishDMInfo atomically publishes a new DM-info image for id: it writes
// data into the currently inactive DM chunk, then rewrites the first block
// with the bumped generation count, matching physical_dev.cpp's
// write_dm_chunk followed by write_super_block. If this crashes between the
// two writes, the first block on disk still names the previous generation
// as current and Load continues to read the still-intact old copy.
func (m *Manager) PublishDMInfo(id base.PdevID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pdev, ok := m.pdevs[id]
	if !ok {
		return fmt.Errorf("device: unknown pdev %d", id)
	}

	inactive := pdev.fb.PdevInfo.DMChunks[1-pdev.dm.activeIndex()]
	buf := make([]byte, inactive.Size)
	copy(buf, data)
	if _, err := pdev.Endpoint.SyncWrite(buf, int64(inactive.StartOffset)); err != nil {
		return fmt.Errorf("%w: writing dm chunk: %v", ErrDeviceIO, err)
	}

	pdev.dm.Publish(data)
	pdev.fb.PdevInfo.CurIndx = uint32(pdev.dm.GenCount())

	fbBuf, err := pdev.fb.marshal()
	if err != nil {
		return fmt.Errorf("device: marshal first block: %w", err)
	}
	if _, err := pdev.Endpoint.SyncWrite(fbBuf, 0); err != nil {
		return fmt.Errorf("%w: writing first block: %v", ErrDeviceIO, err)
	}
	return nil
}

// verifyChecksum re-marshals the decoded first block and compares the
// checksum marshal computes against the one stored in fb. Re-deriving it
// this way keeps the checksum definition in exactly one place (marshal)
// instead of duplicating the field layout here.
func (m *Manager) verifyChecksum(raw []byte, fb *FirstBlock) error {
	reencoded, err := fb.marshal()
	if err != nil {
		return err
	}
	recomputed, err := unmarshalFirstBlock(reencoded)
	if err != nil {
		return err
	}
	if recomputed.Checksum != fb.Checksum {
		return ErrChecksumMismatch
	}
	return nil
}

// AllocVdev reserves a new VdevID and registers its metadata.
// pkg/homestore calls this once each for the meta-block, btree and data
// regions at Open/Format time.
func (m *Manager) AllocVdev(name string, blockSize uint32) (*VdevInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uint32(len(m.vdevs)) >= m.cfg.MaxVdevs {
		return nil, fmt.Errorf("device: max vdevs (%d) exceeded", m.cfg.MaxVdevs)
	}
	v := &VdevInfo{
		VdevID:    m.nextVdev,
		Name:      name,
		BlockSize: blockSize,
		Slot:      uint32(m.nextVdev - 1),
		InUse:     true,
	}
	m.vdevs[v.VdevID] = v
	m.nextVdev++
	return v, nil
}

// Pdev returns the Pdev registered under id, or nil.
func (m *Manager) Pdev(id base.PdevID) *Pdev {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pdevs[id]
}

// Close closes every registered pdev endpoint, aggregating failures the way
// the teacher's DB.Close joins multiple directory-close errors — generalized
// here to an arbitrary number of pdevs via multierror instead of a
// two-element slice.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result *multierror.Error
	for id, pdev := range m.pdevs {
		if err := pdev.Endpoint.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("pdev %d: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}
