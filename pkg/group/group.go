// Package group defines the group-communication substrate an agent runs
// on: ordered point-to-point sends and receives addressed by rank and tag,
// plus the barrier and all-gather collectives.
//
// Operations are asynchronous: they return a `Work` the caller waits on.
// Buffers passed to `Send` are owned by the operation until it completes.
package group

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrAborted      = errors.New("group: operation aborted")
	ErrClosed       = errors.New("group: closed")
	ErrSizeMismatch = errors.New("group: message does not fit the receive buffer")
	ErrInvalidRank  = errors.New("group: rank out of bound")
	ErrCollective   = errors.New("group: collective failed")
)

// AnySource can be used as a source rank to match messages from any peer.
const AnySource = -1

// CollectiveTag is reserved for collectives, point-to-point users MUST
// use tags >= 0.
const CollectiveTag = -1

// Work is an in-flight operation.
type Work interface {
	// Wait blocks until the operation completes, is aborted or `ctx` is
	// done. It returns `ErrAborted` if the operation was aborted.
	Wait(ctx context.Context) error

	// Abort cancels the operation if it is still pending.
	Abort()

	// Source is the rank of the peer which sent the matched message.
	// Only meaningful once `Wait` returned nil on a receive.
	Source() int
}

// PointToPoint is the subset of `Group` needed to build collectives.
//
// Messages sent from one rank to another with the same tag are received
// in the order they were issued.
type PointToPoint interface {
	Rank() int
	Size() int
	Send(buf []byte, dst, tag int) Work
	Recv(buf []byte, src, tag int) Work
	RecvAny(buf []byte, tag int) Work
}

// Group is the full substrate contract.
type Group interface {
	PointToPoint
	AllGather(ctx context.Context, in []byte) ([][]byte, error)
	Barrier(ctx context.Context) error
}

var _ Work = (*Handle)(nil)

// Handle is the `Work` implementation shared by substrates.
type Handle struct {
	done  chan struct{}
	once  sync.Once
	src   int
	err   error
	abort func()
}

// NewHandle returns a pending `Handle`, `abort` is invoked (at most
// once) when the user aborts it.
func NewHandle(abort func()) *Handle {
	return &Handle{
		done:  make(chan struct{}),
		src:   AnySource,
		abort: abort,
	}
}

// Completed returns an already completed `Handle`.
func Completed(src int, err error) *Handle {
	h := NewHandle(nil)
	h.Complete(src, err)
	return h
}

// Complete resolves the handle, it returns false if it was already
// resolved.
func (h *Handle) Complete(src int, err error) (completed bool) {
	h.once.Do(func() {
		h.src = src
		h.err = err
		close(h.done)
		completed = true
	})
	return
}

func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) Abort() {
	select {
	case <-h.done:
		return
	default:
	}
	if h.abort != nil {
		h.abort()
	}
	h.Complete(AnySource, ErrAborted)
}

func (h *Handle) Source() int {
	select {
	case <-h.done:
		return h.src
	default:
		return AnySource
	}
}

// Done is closed once the handle completes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// WaitOrAbort waits for `w` and aborts it if `ctx` expires first, so
// the substrate does not keep a dangling operation around.
func WaitOrAbort(ctx context.Context, w Work) error {
	err := w.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		w.Abort()
	}
	return err
}
