package drive

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raakella1/HomeStore/internal/future"
)

// Mem is an in-memory Endpoint, the same role zhangchn-cockroach's
// disk/mem.memDisk plays for cockroach's Disk interface: "implements the
// Disk interface in-memory... obviously not durable." It lets every
// component above the drive endpoint be unit-tested without real O_DIRECT
// files or root-owned block devices.
type Mem struct {
	mu        sync.Mutex
	bytes     []byte
	sched     *future.Scheduler
	readDelay atomic.Int64 // nanoseconds, injected before every read completes
}

// NewMem returns a Mem endpoint backed by a growable in-memory buffer.
func NewMem(sched *future.Scheduler) *Mem {
	return &Mem{sched: sched}
}

// SetReadDelay makes every subsequent SyncRead/SyncReadv (and the async
// reads built on top of them) block for d before returning, so tests can
// reproduce the drive-level latency spec.md §8's in-flight-read scenario
// depends on without racing a fixed sleep against real I/O.
func (m *Mem) SetReadDelay(d time.Duration) {
	m.readDelay.Store(int64(d))
}

func (m *Mem) grow(n int64) {
	if n > int64(len(m.bytes)) {
		grown := make([]byte, n)
		copy(grown, m.bytes)
		m.bytes = grown
	}
}

func (m *Mem) SyncWrite(buf []byte, offset int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grow(offset + int64(len(buf)))
	copy(m.bytes[offset:], buf)
	return len(buf), nil
}

func (m *Mem) SyncRead(buf []byte, offset int64) (int, error) {
	if d := m.readDelay.Load(); d > 0 {
		time.Sleep(time.Duration(d))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grow(offset + int64(len(buf)))
	n := copy(buf, m.bytes[offset:offset+int64(len(buf))])
	return n, nil
}

func (m *Mem) SyncWritev(iovs [][]byte, offset int64) (int, error) {
	total := 0
	for _, iov := range iovs {
		n, err := m.SyncWrite(iov, offset)
		if err != nil {
			return total, err
		}
		total += n
		offset += int64(n)
	}
	return total, nil
}

func (m *Mem) SyncReadv(iovs [][]byte, offset int64) (int, error) {
	total := 0
	for _, iov := range iovs {
		n, err := m.SyncRead(iov, offset)
		if err != nil {
			return total, err
		}
		total += n
		offset += int64(n)
	}
	return total, nil
}

func (m *Mem) AsyncWrite(ctx context.Context, buf []byte, offset int64, cookie any) *future.Future[Completion] {
	return m.asyncOp(func() (int, error) { return m.SyncWrite(buf, offset) }, cookie)
}

func (m *Mem) AsyncRead(ctx context.Context, buf []byte, offset int64, cookie any) *future.Future[Completion] {
	return m.asyncOp(func() (int, error) { return m.SyncRead(buf, offset) }, cookie)
}

func (m *Mem) AsyncWritev(ctx context.Context, iovs [][]byte, offset int64, cookie any) *future.Future[Completion] {
	return m.asyncOp(func() (int, error) { return m.SyncWritev(iovs, offset) }, cookie)
}

func (m *Mem) AsyncReadv(ctx context.Context, iovs [][]byte, offset int64, cookie any) *future.Future[Completion] {
	return m.asyncOp(func() (int, error) { return m.SyncReadv(iovs, offset) }, cookie)
}

func (m *Mem) asyncOp(op func() (int, error), cookie any) *future.Future[Completion] {
	f, resolve := future.New[Completion]()
	m.sched.Submit(func() {
		n, err := op()
		resolve(Completion{Cookie: cookie, N: n, Err: err}, nil)
	})
	return f
}

func (m *Mem) BlockSize() int { return 4096 }
func (m *Mem) AlignSize() int { return 4096 }
func (m *Mem) Close() error   { return nil }

var _ Endpoint = (*Mem)(nil)
var _ Endpoint = (*Handle)(nil)
