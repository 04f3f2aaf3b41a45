package drive

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/ncw/directio"

	"github.com/raakella1/HomeStore/internal/future"
)

// Handle is the teacher's internal/storage/file.go Writer generalized from
// an append-only writer into a random-access reader/writer: the alignment
// and trailing-block padding logic is the same, but Write becomes
// WriteAt/ReadAt pairs, and every operation also gets an async variant that
// runs on a shared Scheduler so callers get a cookie-based completion
// instead of a blocking call.
type Handle struct {
	file      *os.File
	blockSize int
	alignSize int
	sched     *future.Scheduler
	closed    sync.Once
}

var initBlockSize sync.Once
var directioBlockSize = directio.BlockSize

// Open opens path for page-aligned O_DIRECT random access. sched is shared
// across every Handle in the process; the caller owns its lifetime.
func Open(path string, flag int, sched *future.Scheduler) (*Handle, error) {
	file, err := directio.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("drive: open %s: %w", path, err)
	}

	initBlockSize.Do(func() {
		directioBlockSize = len(directio.AlignedBlock(directio.BlockSize))
	})

	return &Handle{
		file:      file,
		blockSize: directioBlockSize,
		alignSize: directioBlockSize,
		sched:     sched,
	}, nil
}

func (h *Handle) BlockSize() int { return h.blockSize }
func (h *Handle) AlignSize() int { return h.alignSize }

// pad returns buf padded up to the next multiple of the block size, the way
// the teacher's Writer.Write pads a trailing partial block before issuing
// the O_DIRECT write.
func (h *Handle) pad(buf []byte) []byte {
	rem := len(buf) % h.blockSize
	if rem == 0 {
		return buf
	}
	padded := make([]byte, len(buf)+(h.blockSize-rem))
	copy(padded, buf)
	return padded
}

func (h *Handle) SyncWrite(buf []byte, offset int64) (int, error) {
	n, err := h.file.WriteAt(h.pad(buf), offset)
	if err != nil {
		return n, fmt.Errorf("drive: write at %d: %w", offset, err)
	}
	return n, nil
}

func (h *Handle) SyncRead(buf []byte, offset int64) (int, error) {
	n, err := h.file.ReadAt(buf, offset)
	if err != nil {
		return n, fmt.Errorf("drive: read at %d: %w", offset, err)
	}
	return n, nil
}

// SyncWritev writes each iovec to its own contiguous offset range, advancing
// offset by the padded length of each piece in turn.
func (h *Handle) SyncWritev(iovs [][]byte, offset int64) (int, error) {
	total := 0
	for _, iov := range iovs {
		n, err := h.SyncWrite(iov, offset)
		if err != nil {
			return total, err
		}
		total += n
		offset += int64(len(h.pad(iov)))
	}
	return total, nil
}

func (h *Handle) SyncReadv(iovs [][]byte, offset int64) (int, error) {
	total := 0
	for _, iov := range iovs {
		n, err := h.SyncRead(iov, offset)
		if err != nil {
			return total, err
		}
		total += n
		offset += int64(len(iov))
	}
	return total, nil
}

func (h *Handle) AsyncWrite(ctx context.Context, buf []byte, offset int64, cookie any) *future.Future[Completion] {
	return h.asyncOp(func() (int, error) { return h.SyncWrite(buf, offset) }, cookie)
}

func (h *Handle) AsyncRead(ctx context.Context, buf []byte, offset int64, cookie any) *future.Future[Completion] {
	return h.asyncOp(func() (int, error) { return h.SyncRead(buf, offset) }, cookie)
}

func (h *Handle) AsyncWritev(ctx context.Context, iovs [][]byte, offset int64, cookie any) *future.Future[Completion] {
	return h.asyncOp(func() (int, error) { return h.SyncWritev(iovs, offset) }, cookie)
}

func (h *Handle) AsyncReadv(ctx context.Context, iovs [][]byte, offset int64, cookie any) *future.Future[Completion] {
	return h.asyncOp(func() (int, error) { return h.SyncReadv(iovs, offset) }, cookie)
}

func (h *Handle) asyncOp(op func() (int, error), cookie any) *future.Future[Completion] {
	f, resolve := future.New[Completion]()
	h.sched.Submit(func() {
		n, err := op()
		resolve(Completion{Cookie: cookie, N: n, Err: err}, nil)
	})
	return f
}

func (h *Handle) Close() error {
	var err error
	h.closed.Do(func() {
		err = h.file.Close()
	})
	return err
}
