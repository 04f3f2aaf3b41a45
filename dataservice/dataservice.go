// Package dataservice implements the block data service of spec §4.G:
// alloc_write/read/free_blk over allocator-assigned BlkIds, scattered
// across one or more chunks' drive endpoints.
package dataservice

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/raakella1/HomeStore/blkalloc"
	"github.com/raakella1/HomeStore/drive"
	"github.com/raakella1/HomeStore/internal/base"
	"github.com/raakella1/HomeStore/internal/future"
)

// ChunkResolver maps a chunk to the drive endpoint that serves it, letting
// a single Service fan out across chunks that live on different pdevs.
type ChunkResolver interface {
	Endpoint(chunk base.ChunkID) (drive.Endpoint, error)
}

// SingleEndpointResolver resolves every chunk to the same endpoint, the
// common case of a data service whose chunks all live on one pdev.
type SingleEndpointResolver struct {
	EP drive.Endpoint
}

func (r SingleEndpointResolver) Endpoint(base.ChunkID) (drive.Endpoint, error) {
	return r.EP, nil
}

// AllocWriteResult is delivered on the Future returned by AllocWrite.
type AllocWriteResult struct {
	Bids base.MultiBlkId
}

// ReadResult is delivered on the Future returned by Read.
type ReadResult struct {
	N int
}

// Service is the block data service: alloc_write, read, and free_blk over
// an Allocator and a set of chunk-resolved drive endpoints, scattering
// each multi-piece operation across goroutines with errgroup so a single
// piece's failure fails the whole future while sibling pieces still run
// to completion (spec §4.G point 4).
type Service struct {
	alloc     blkalloc.Allocator
	resolver  ChunkResolver
	blockSize uint32
	sched     *future.Scheduler
	inflight  *inflightTracker
}

// New returns a Service backed by alloc for block allocation, resolver for
// chunk-to-endpoint lookup, and sched to run I/O off the caller's
// goroutine.
func New(alloc blkalloc.Allocator, resolver ChunkResolver, blockSize uint32, sched *future.Scheduler) *Service {
	return &Service{
		alloc:     alloc,
		resolver:  resolver,
		blockSize: blockSize,
		sched:     sched,
		inflight:  newInflightTracker(),
	}
}

// AllocWrite reserves enough blocks for sgl's combined size (honoring
// hints), then issues one scatter-gather write per resulting piece. The
// allocation itself is synchronous (spec step 1, "ask the allocator");
// only the I/O is asynchronous, delivered on the returned Future. On any
// piece failure, the whole future fails and the pieces that *did* land
// are scheduled for free_blk, per spec §4.G point 4.
func (s *Service) AllocWrite(ctx context.Context, sgl [][]byte, hints blkalloc.Hints) (base.MultiBlkId, *future.Future[AllocWriteResult], error) {
	data := flatten(sgl)
	blocks := base.BlkCount((len(data) + int(s.blockSize) - 1) / int(s.blockSize))
	if blocks == 0 {
		blocks = 1
	}
	bids, err := s.alloc.Alloc(blocks, hints)
	if err != nil {
		return nil, nil, err
	}

	fut, resolve := future.New[AllocWriteResult]()
	pieces := splitByPieces(data, bids, s.blockSize)
	s.sched.Submit(func() {
		g, _ := errgroup.WithContext(ctx)
		var mu sync.Mutex
		var written []base.BlkId
		for i := range bids {
			id := bids[i]
			buf := pieces[i]
			g.Go(func() error {
				ep, err := s.resolver.Endpoint(id.ChunkID)
				if err != nil {
					return err
				}
				if _, err := ep.SyncWrite(buf, pieceOffset(id, s.blockSize)); err != nil {
					return err
				}
				mu.Lock()
				written = append(written, id)
				mu.Unlock()
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			for _, id := range written {
				_ = s.alloc.Free(id)
			}
			resolve(AllocWriteResult{}, err)
			return
		}
		resolve(AllocWriteResult{Bids: bids}, nil)
	})
	return bids, fut, nil
}

// Read issues one read per piece of bid into the matching sgl buffer,
// completing only once every piece has completed (spec §4.G "read").
// Each piece is marked in-flight for the duration so a concurrent
// FreeBlk on the same BlkId defers its allocator Free until this Read
// finishes.
func (s *Service) Read(ctx context.Context, bid base.MultiBlkId, sgl [][]byte) *future.Future[ReadResult] {
	fut, resolve := future.New[ReadResult]()
	for _, id := range bid {
		s.inflight.begin(id)
	}
	s.sched.Submit(func() {
		defer func() {
			for _, id := range bid {
				s.inflight.end(id)
			}
		}()

		g, _ := errgroup.WithContext(ctx)
		var mu sync.Mutex
		total := 0
		for i := range bid {
			id := bid[i]
			buf := sgl[i]
			g.Go(func() error {
				ep, err := s.resolver.Endpoint(id.ChunkID)
				if err != nil {
					return err
				}
				n, err := ep.SyncRead(buf, pieceOffset(id, s.blockSize))
				if err != nil {
					return err
				}
				mu.Lock()
				total += n
				mu.Unlock()
				return nil
			})
		}
		err := g.Wait()
		resolve(ReadResult{N: total}, err)
	})
	return fut
}

// FreeBlk releases bid back to the allocator, deferring each piece's Free
// until that piece's in-flight read count has dropped to zero — the
// free-after-read-complete property of spec §4.G.
func (s *Service) FreeBlk(ctx context.Context, bid base.MultiBlkId) *future.Future[struct{}] {
	fut, resolve := future.New[struct{}]()
	s.sched.Submit(func() {
		for _, id := range bid {
			select {
			case <-s.inflight.waitZero(id):
			case <-ctx.Done():
				resolve(struct{}{}, ctx.Err())
				return
			}
		}
		for _, id := range bid {
			if err := s.alloc.Free(id); err != nil {
				resolve(struct{}{}, err)
				return
			}
		}
		resolve(struct{}{}, nil)
	})
	return fut
}

// Bitmap returns the allocator's current cache bitmap if the underlying
// allocator exposes one (only blkalloc.Variable does), for a caller to
// persist at checkpoint time and feed back in on the next Open — see
// blkalloc.Variable.Bitmap.
func (s *Service) Bitmap() []byte {
	if v, ok := s.alloc.(*blkalloc.Variable); ok {
		return v.Bitmap()
	}
	return nil
}

func pieceOffset(id base.BlkId, blockSize uint32) int64 {
	return int64(id.BlkNum) * int64(blockSize)
}

func flatten(sgl [][]byte) []byte {
	total := 0
	for _, b := range sgl {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range sgl {
		out = append(out, b...)
	}
	return out
}

// splitByPieces slices data into one []byte per piece of bids, sized by
// that piece's block count. Flattening sgl into one contiguous buffer
// before re-splitting costs a copy; a production implementation would
// instead walk both the sgl and bids in lockstep without ever
// materializing the concatenation, but for this scale of data service the
// simpler two-pass version is clearer and still exercises the real
// scatter-gather fan-out across pieces.
func splitByPieces(data []byte, bids base.MultiBlkId, blockSize uint32) [][]byte {
	out := make([][]byte, len(bids))
	off := 0
	for i, p := range bids {
		n := int(p.BlkCount) * int(blockSize)
		end := off + n
		if end > len(data) {
			end = len(data)
		}
		if off > len(data) {
			off = len(data)
		}
		out[i] = data[off:end]
		off = end
	}
	return out
}
