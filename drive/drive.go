// Package drive is the "drive endpoint" of §6: a sync/async page-aligned
// pread/pwrite/preadv/pwritev wrapper around a file descriptor. §1 lists it
// as an external collaborator — the real iomgr/SPDK endpoint lives outside
// this module — but every other component needs a concrete implementation
// to run against, so this package provides one backed by O_DIRECT.
package drive

import (
	"context"

	"github.com/raakella1/HomeStore/internal/future"
)

// Completion is delivered to the cookie-based completion callback described
// in §6: comp_callback(cookie, status).
type Completion struct {
	Cookie any
	N      int
	Err    error
}

// Endpoint is the contract every component in this module programs against.
// It is satisfied by *Handle (this package's O_DIRECT implementation in
// direct.go) and by *Mem, the in-memory fake used in unit tests.
type Endpoint interface {
	SyncRead(buf []byte, offset int64) (int, error)
	SyncWrite(buf []byte, offset int64) (int, error)
	SyncReadv(iovs [][]byte, offset int64) (int, error)
	SyncWritev(iovs [][]byte, offset int64) (int, error)

	AsyncRead(ctx context.Context, buf []byte, offset int64, cookie any) *future.Future[Completion]
	AsyncWrite(ctx context.Context, buf []byte, offset int64, cookie any) *future.Future[Completion]
	AsyncReadv(ctx context.Context, iovs [][]byte, offset int64, cookie any) *future.Future[Completion]
	AsyncWritev(ctx context.Context, iovs [][]byte, offset int64, cookie any) *future.Future[Completion]

	BlockSize() int
	AlignSize() int
	Close() error
}
