package metablk

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/raakella1/HomeStore/drive"
	"github.com/raakella1/HomeStore/internal/future"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("component", "metablk_test")
}

func testConfig() Config {
	return Config{PageSize: 4096, TotalPages: 64, CompressRatioLimit: 70}
}

func TestAddAndReadSubSBRoundTrips(t *testing.T) {
	sched := future.NewScheduler(1)
	defer sched.Close()
	ep := drive.NewMem(sched)

	mgr, err := Format(ep, testConfig(), testLog())
	require.NoError(t, err)

	var got []byte
	mgr.RegisterHandler("widget", Handler{OnRecover: func(c Cookie, payload []byte) { got = payload }})

	cookie, err := mgr.AddSubSB("widget", []byte("hello meta block"))
	require.NoError(t, err)
	require.True(t, cookie.IsValid())

	require.NoError(t, mgr.ReadSubSB("widget"))
	require.Equal(t, []byte("hello meta block"), got)
}

func TestAddSubSBOverflowsAcrossMultiplePages(t *testing.T) {
	sched := future.NewScheduler(1)
	defer sched.Close()
	ep := drive.NewMem(sched)

	mgr, err := Format(ep, testConfig(), testLog())
	require.NoError(t, err)

	// Pseudo-random bytes do not compress under the 70% ratio limit, so
	// the 10000-byte payload is stored raw across a head page and two
	// overflow pages of 3999 body bytes each.
	large := make([]byte, 10000)
	x := uint32(1)
	for i := range large {
		x = x*1664525 + 1013904223
		large[i] = byte(x >> 24)
	}

	var got []byte
	mgr.RegisterHandler("blob", Handler{OnRecover: func(c Cookie, payload []byte) { got = payload }})

	_, err = mgr.AddSubSB("blob", large)
	require.NoError(t, err)
	require.NoError(t, mgr.ReadSubSB("blob"))
	require.Equal(t, large, got)
}

func TestUpdateSubSBPreservesCookie(t *testing.T) {
	sched := future.NewScheduler(1)
	defer sched.Close()
	ep := drive.NewMem(sched)

	mgr, err := Format(ep, testConfig(), testLog())
	require.NoError(t, err)

	cookie, err := mgr.AddSubSB("widget", []byte("v1"))
	require.NoError(t, err)

	require.NoError(t, mgr.UpdateSubSB(cookie, []byte("v2-longer-payload")))

	var got []byte
	mgr.RegisterHandler("widget", Handler{OnRecover: func(c Cookie, payload []byte) { got = payload }})
	require.NoError(t, mgr.ReadSubSB("widget"))
	require.Equal(t, []byte("v2-longer-payload"), got)
}

func TestRemoveSubSBFreesChain(t *testing.T) {
	sched := future.NewScheduler(1)
	defer sched.Close()
	ep := drive.NewMem(sched)

	mgr, err := Format(ep, testConfig(), testLog())
	require.NoError(t, err)

	before := mgr.AvailableBlks()
	cookie, err := mgr.AddSubSB("widget", []byte("v1"))
	require.NoError(t, err)
	require.Less(t, mgr.AvailableBlks(), before)

	require.NoError(t, mgr.RemoveSubSB(cookie))
	require.Equal(t, before, mgr.AvailableBlks())
}

func TestRecoverInvokesHandlerOncePerType(t *testing.T) {
	sched := future.NewScheduler(1)
	defer sched.Close()
	ep := drive.NewMem(sched)

	mgr, err := Format(ep, testConfig(), testLog())
	require.NoError(t, err)

	_, err = mgr.AddSubSB("widget", []byte("a"))
	require.NoError(t, err)
	_, err = mgr.AddSubSB("widget", []byte("b"))
	require.NoError(t, err)

	var recovered int
	var doneCount int
	mgr.RegisterHandler("widget", Handler{
		OnRecover:      func(c Cookie, payload []byte) { recovered++ },
		OnRecoveryDone: func() { doneCount++ },
	})

	require.NoError(t, mgr.ScanMetaBlks())
	require.NoError(t, mgr.Recover(true))

	require.Equal(t, 2, recovered)
	require.Equal(t, 1, doneCount)
}

func TestReopenRebuildsAllocatorState(t *testing.T) {
	sched := future.NewScheduler(1)
	defer sched.Close()
	ep := drive.NewMem(sched)

	cfg := testConfig()
	mgr, err := Format(ep, cfg, testLog())
	require.NoError(t, err)

	_, err = mgr.AddSubSB("widget", []byte("hello"))
	require.NoError(t, err)
	usedBefore := mgr.GetUsedBlks()

	reopened, err := Reopen(ep, cfg, testLog())
	require.NoError(t, err)
	require.Equal(t, usedBefore, reopened.GetUsedBlks())

	var got []byte
	reopened.RegisterHandler("widget", Handler{OnRecover: func(c Cookie, payload []byte) { got = payload }})
	require.NoError(t, reopened.Recover(true))
	require.Equal(t, []byte("hello"), got)
}
