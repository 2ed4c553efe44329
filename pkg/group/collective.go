package group

import (
	"context"
	"fmt"
	"slices"

	"github.com/raskyld/peerrpc/pkg/wire"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/encoding/protowire"
)

// rootRank gathers contributions and broadcasts the result.
const rootRank = 0

// AllGather implements the all-gather collective on top of point-to-point
// operations on `CollectiveTag`: every rank sends its contribution to
// `rootRank`, which answers with all of them, indexed by rank.
//
// Like any collective, it MUST be called by every rank, in the same order
// relative to other collectives.
func AllGather(ctx context.Context, p PointToPoint, in []byte) ([][]byte, error) {
	size := p.Size()
	if p.Rank() != rootRank {
		if err := sendSized(ctx, p, rootRank, in); err != nil {
			return nil, fmt.Errorf("%w: contribute to root: %w", ErrCollective, err)
		}
		blob, err := recvSized(ctx, p, rootRank)
		if err != nil {
			return nil, fmt.Errorf("%w: receive from root: %w", ErrCollective, err)
		}
		_, parts, err := wire.Deserialize(blob)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCollective, err)
		}
		if len(parts) != size {
			return nil, fmt.Errorf("%w: root sent %d parts for a group of %d", ErrCollective, len(parts), size)
		}
		return parts, nil
	}

	parts := make([][]byte, size)
	parts[rootRank] = slices.Clone(in)

	gather, gctx := errgroup.WithContext(ctx)
	for src := 0; src < size; src++ {
		if src == rootRank {
			continue
		}
		gather.Go(func() error {
			data, err := recvSized(gctx, p, src)
			if err != nil {
				return fmt.Errorf("gather from rank %d: %w", src, err)
			}
			parts[src] = data
			return nil
		})
	}
	if err := gather.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCollective, err)
	}

	blob := wire.Serialize(nil, parts)
	scatter, sctx := errgroup.WithContext(ctx)
	for dst := 0; dst < size; dst++ {
		if dst == rootRank {
			continue
		}
		scatter.Go(func() error {
			if err := sendSized(sctx, p, dst, blob); err != nil {
				return fmt.Errorf("broadcast to rank %d: %w", dst, err)
			}
			return nil
		})
	}
	if err := scatter.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCollective, err)
	}

	return parts, nil
}

// Barrier returns once every rank of the group called it.
func Barrier(ctx context.Context, p PointToPoint) error {
	_, err := AllGather(ctx, p, nil)
	return err
}

func sendSized(ctx context.Context, p PointToPoint, dst int, data []byte) error {
	header := protowire.AppendFixed64(make([]byte, 0, 8), uint64(len(data)))
	hw := p.Send(header, dst, CollectiveTag)
	dw := p.Send(data, dst, CollectiveTag)
	if err := WaitOrAbort(ctx, hw); err != nil {
		dw.Abort()
		return err
	}
	return WaitOrAbort(ctx, dw)
}

func recvSized(ctx context.Context, p PointToPoint, src int) ([]byte, error) {
	header := make([]byte, 8)
	if err := WaitOrAbort(ctx, p.Recv(header, src, CollectiveTag)); err != nil {
		return nil, err
	}
	size, n := protowire.ConsumeFixed64(header)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}

	data := make([]byte, size)
	if err := WaitOrAbort(ctx, p.Recv(data, src, CollectiveTag)); err != nil {
		return nil, err
	}
	return data, nil
}
