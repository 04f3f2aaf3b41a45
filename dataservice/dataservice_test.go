package dataservice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raakella1/HomeStore/blkalloc"
	"github.com/raakella1/HomeStore/drive"
	"github.com/raakella1/HomeStore/internal/future"
)

func newTestService(t *testing.T) (*Service, *future.Scheduler, *drive.Mem) {
	t.Helper()
	sched := future.NewScheduler(4)
	ep := drive.NewMem(sched)
	alloc, err := blkalloc.NewVariable(blkalloc.Config{ChunkID: 1, TotalBlks: 256, PortionBlks: 32}, nil)
	require.NoError(t, err)
	return New(alloc, SingleEndpointResolver{EP: ep}, 4096, sched), sched, ep
}

func TestAllocWriteThenReadRoundTrips(t *testing.T) {
	svc, sched, _ := newTestService(t)
	defer sched.Close()

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}

	bids, fut, err := svc.AllocWrite(context.Background(), [][]byte{payload}, blkalloc.Hints{})
	require.NoError(t, err)
	res, err := fut.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, bids, res.Bids)

	out := make([][]byte, len(bids))
	for i, p := range bids {
		out[i] = make([]byte, int(p.BlkCount)*4096)
	}
	readFut := svc.Read(context.Background(), bids, out)
	readRes, err := readFut.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(payload), readRes.N)
	require.Equal(t, payload, out[0][:len(payload)])
}

func TestFreeBlkWaitsForInFlightRead(t *testing.T) {
	svc, sched, ep := newTestService(t)
	defer sched.Close()

	payload := make([]byte, 4096)
	_, writeFut, err := svc.AllocWrite(context.Background(), [][]byte{payload}, blkalloc.Hints{})
	require.NoError(t, err)
	res, err := writeFut.Get(context.Background())
	require.NoError(t, err)
	bids := res.Bids

	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	// Inject the spec's literal drive-level delay (spec.md §8 scenario 3)
	// on the read so it is still provably in-flight (inflight.begin has
	// already run, SyncRead is sleeping) when FreeBlk is submitted right
	// after it, rather than racing a fixed sleep against real I/O.
	ep.SetReadDelay(500 * time.Millisecond)

	out := [][]byte{make([]byte, 4096)}
	readFut := svc.Read(context.Background(), bids, out)
	freeFut := svc.FreeBlk(context.Background(), bids)

	_, err = readFut.Get(context.Background())
	require.NoError(t, err)
	record("read-done")

	_, err = freeFut.Get(context.Background())
	require.NoError(t, err)
	record("free-done")

	require.Equal(t, []string{"read-done", "free-done"}, order)

	require.False(t, svc.alloc.IsAllocated(bids[0], true))
}

func TestAllocWriteSuccessKeepsPiecesAllocated(t *testing.T) {
	svc, sched, _ := newTestService(t)
	defer sched.Close()

	// A single large piece that fits in one contiguous run always
	// succeeds against drive.Mem (which never errors), so instead verify
	// the non-failure path frees nothing prematurely: after a successful
	// write, the allocation remains held until an explicit FreeBlk.
	payload := make([]byte, 8192)
	bids, fut, err := svc.AllocWrite(context.Background(), [][]byte{payload}, blkalloc.Hints{})
	require.NoError(t, err)
	_, err = fut.Get(context.Background())
	require.NoError(t, err)

	for _, id := range bids {
		require.True(t, svc.alloc.IsAllocated(id, true))
	}
}
