package homestore

import (
	"context"

	"github.com/raakella1/HomeStore/drive"
	"github.com/raakella1/HomeStore/internal/future"
)

// chunkEndpoint adapts a pdev's shared drive.Endpoint to look like a
// private one scoped to a single chunk: every offset passed in is relative
// to the chunk's own start, and chunkEndpoint adds the chunk's byte offset
// on the underlying device before the read/write lands. This is what lets
// metablk, the btree's DiskStore and the data service each treat their
// chunk as if it were its own device, the same way a vdev's chunk list
// gives each logical device a private address space over shared pdevs in
// physical_dev.cpp.
type chunkEndpoint struct {
	drive.Endpoint
	base int64
}

func newChunkEndpoint(ep drive.Endpoint, byteOffset uint64) chunkEndpoint {
	return chunkEndpoint{Endpoint: ep, base: int64(byteOffset)}
}

func (c chunkEndpoint) SyncRead(buf []byte, offset int64) (int, error) {
	return c.Endpoint.SyncRead(buf, c.base+offset)
}

func (c chunkEndpoint) SyncWrite(buf []byte, offset int64) (int, error) {
	return c.Endpoint.SyncWrite(buf, c.base+offset)
}

func (c chunkEndpoint) SyncReadv(iovs [][]byte, offset int64) (int, error) {
	return c.Endpoint.SyncReadv(iovs, c.base+offset)
}

func (c chunkEndpoint) SyncWritev(iovs [][]byte, offset int64) (int, error) {
	return c.Endpoint.SyncWritev(iovs, c.base+offset)
}

func (c chunkEndpoint) AsyncRead(ctx context.Context, buf []byte, offset int64, cookie any) *future.Future[drive.Completion] {
	return c.Endpoint.AsyncRead(ctx, buf, c.base+offset, cookie)
}

func (c chunkEndpoint) AsyncWrite(ctx context.Context, buf []byte, offset int64, cookie any) *future.Future[drive.Completion] {
	return c.Endpoint.AsyncWrite(ctx, buf, c.base+offset, cookie)
}

func (c chunkEndpoint) AsyncReadv(ctx context.Context, iovs [][]byte, offset int64, cookie any) *future.Future[drive.Completion] {
	return c.Endpoint.AsyncReadv(ctx, iovs, c.base+offset, cookie)
}

func (c chunkEndpoint) AsyncWritev(ctx context.Context, iovs [][]byte, offset int64, cookie any) *future.Future[drive.Completion] {
	return c.Endpoint.AsyncWritev(ctx, iovs, c.base+offset, cookie)
}

// Close is a no-op: the chunk endpoint shares its underlying drive.Endpoint
// with every other chunk on the pdev, which the device.Manager owns and
// closes once.
func (c chunkEndpoint) Close() error { return nil }

var _ drive.Endpoint = chunkEndpoint{}
