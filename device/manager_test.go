package device

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/raakella1/HomeStore/internal/base"
	"github.com/raakella1/HomeStore/internal/future"
	"github.com/raakella1/HomeStore/drive"
	"github.com/raakella1/HomeStore/pkg/config"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("component", "device_test")
}

func TestFormatThenLoadRoundTrips(t *testing.T) {
	cfg := config.Default()
	sched := future.NewScheduler(1)
	defer sched.Close()

	mgr := NewManager(cfg, testLogger())
	ep := drive.NewMem(sched)

	const devSize = 64 << 20
	formatted, err := mgr.Format(1, ep, devSize, false)
	require.NoError(t, err)
	require.True(t, formatted.fb.IsValid())

	loaded, err := NewManager(cfg, testLogger()).Load(1, ep)
	require.NoError(t, err)
	require.Equal(t, formatted.fb.Header.SystemUUID, loaded.fb.Header.SystemUUID)
	require.Equal(t, formatted.fb.PdevInfo.Size, loaded.fb.PdevInfo.Size)
}

func TestFormatCarvesTwoDMChunks(t *testing.T) {
	cfg := config.Default()
	sched := future.NewScheduler(1)
	defer sched.Close()

	mgr := NewManager(cfg, testLogger())
	ep := drive.NewMem(sched)

	const devSize = 64 << 20
	pdev, err := mgr.Format(1, ep, devSize, false)
	require.NoError(t, err)

	dm0 := pdev.Chunks.Get(pdev.fb.PdevInfo.DMChunks[0].ChunkID)
	dm1 := pdev.Chunks.Get(pdev.fb.PdevInfo.DMChunks[1].ChunkID)
	require.NotNil(t, dm0)
	require.NotNil(t, dm1)
	require.True(t, dm0.IsSBChunk)
	require.True(t, dm1.IsSBChunk)
	require.False(t, dm0.Free)
	require.False(t, dm1.Free)
	require.NotEqual(t, dm0.ChunkID, dm1.ChunkID)
	require.Equal(t, uint32(0), pdev.fb.PdevInfo.CurIndx)
	require.NotNil(t, pdev.DM())
}

func TestPublishDMInfoRoundTripsThroughLoad(t *testing.T) {
	cfg := config.Default()
	sched := future.NewScheduler(1)
	defer sched.Close()

	mgr := NewManager(cfg, testLogger())
	ep := drive.NewMem(sched)

	const devSize = 64 << 20
	pdev, err := mgr.Format(1, ep, devSize, false)
	require.NoError(t, err)

	payload := make([]byte, cfg.DMInfoSize)
	copy(payload, []byte("generation-one"))
	require.NoError(t, mgr.PublishDMInfo(1, payload))

	payload2 := make([]byte, cfg.DMInfoSize)
	copy(payload2, []byte("generation-two"))
	require.NoError(t, mgr.PublishDMInfo(1, payload2))

	require.Equal(t, uint64(2), pdev.DM().GenCount())

	loaded, err := NewManager(cfg, testLogger()).Load(1, ep)
	require.NoError(t, err)
	require.Equal(t, uint64(2), loaded.DM().GenCount())
	require.True(t, bytes.HasPrefix(loaded.DM().Active(), []byte("generation-two")))
}

func TestLoadRejectsMismatchedDMInfoSize(t *testing.T) {
	cfg := config.Default()
	sched := future.NewScheduler(1)
	defer sched.Close()

	mgr := NewManager(cfg, testLogger())
	ep := drive.NewMem(sched)

	const devSize = 64 << 20
	_, err := mgr.Format(1, ep, devSize, false)
	require.NoError(t, err)

	otherCfg := cfg
	otherCfg.DMInfoSize = cfg.DMInfoSize * 2
	_, err = NewManager(otherCfg, testLogger()).Load(1, ep)
	require.ErrorIs(t, err, ErrIncompatibleLayout)
}

func TestLoadRejectsUnformattedDevice(t *testing.T) {
	cfg := config.Default()
	sched := future.NewScheduler(1)
	defer sched.Close()

	mgr := NewManager(cfg, testLogger())
	ep := drive.NewMem(sched)

	_, err := mgr.Load(1, ep)
	require.ErrorIs(t, err, ErrNotFormatted)
}

func TestChunkTableFindFreeChunkBestFit(t *testing.T) {
	table := NewChunkTable(1)
	small := table.CreateChunk(base.InvalidVdevID, 0, 1<<20)
	small.Free = true
	large := table.CreateChunk(base.InvalidVdevID, 1<<20, 8<<20)
	large.Free = true

	got := table.FindFreeChunk(512 << 10)
	require.Equal(t, small.ChunkID, got.ChunkID)

	got = table.FindFreeChunk(4 << 20)
	require.Equal(t, large.ChunkID, got.ChunkID)

	require.Nil(t, table.FindFreeChunk(100<<20))
}

func TestChunkTableMergesAdjacentFreeChunks(t *testing.T) {
	table := NewChunkTable(1)
	a := table.CreateChunk(base.InvalidVdevID, 0, 1<<20)
	b := table.CreateChunk(base.InvalidVdevID, 1<<20, 1<<20)

	table.FreeChunk(a.ChunkID)
	table.FreeChunk(b.ChunkID)

	all := table.All()
	require.Len(t, all, 1)
	require.Equal(t, uint64(2<<20), all[0].Size)
	require.True(t, all[0].Free)
}

func TestAllocVdevRespectsMaxVdevs(t *testing.T) {
	cfg := config.Default()
	cfg.MaxVdevs = 2
	mgr := NewManager(cfg, testLogger())

	_, err := mgr.AllocVdev("data", 4096)
	require.NoError(t, err)
	_, err = mgr.AllocVdev("meta", 4096)
	require.NoError(t, err)
	_, err = mgr.AllocVdev("overflow", 4096)
	require.Error(t, err)
}

func TestDMInfoPublishAlternatesCopies(t *testing.T) {
	dm := NewDMInfo(16)
	dm.Publish([]byte("first-gen"))
	first := append([]byte{}, dm.Active()...)

	dm.Publish([]byte("second-gen"))
	second := dm.Active()

	require.NotEqual(t, first, second)
	require.Equal(t, uint64(2), dm.GenCount())
}
