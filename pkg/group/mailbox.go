package group

import (
	"fmt"
	"sync"
)

type envelope struct {
	src  int
	tag  int
	data []byte
}

type recvWaiter struct {
	src int
	tag int
	buf []byte
	h   *Handle
}

func (w *recvWaiter) matches(src, tag int) bool {
	return w.tag == tag && (w.src == AnySource || w.src == src)
}

// fill must be called with the mailbox lock held.
func (w *recvWaiter) fill(src int, data []byte) {
	if len(data) != len(w.buf) {
		w.h.Complete(src, fmt.Errorf(
			"%w: expected %d bytes from rank %d, got %d",
			ErrSizeMismatch, len(w.buf), src, len(data),
		))
		return
	}
	copy(w.buf, data)
	w.h.Complete(src, nil)
}

// Mailbox matches delivered messages against posted receives by
// (source, tag), in arrival order. It is the receiving half of every
// substrate in this package and of the QUIC transport.
type Mailbox struct {
	lk      sync.Mutex
	queued  []envelope
	waiters []*recvWaiter
	closed  bool
}

func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Deliver hands a message over to the mailbox, which takes ownership
// of `data`.
func (mb *Mailbox) Deliver(src, tag int, data []byte) error {
	mb.lk.Lock()
	defer mb.lk.Unlock()
	if mb.closed {
		return ErrClosed
	}

	for i, w := range mb.waiters {
		if w.matches(src, tag) {
			mb.waiters = append(mb.waiters[:i], mb.waiters[i+1:]...)
			w.fill(src, data)
			return nil
		}
	}

	mb.queued = append(mb.queued, envelope{src: src, tag: tag, data: data})
	return nil
}

// Recv posts a receive of exactly `len(buf)` bytes from `src` (or
// `AnySource`) on `tag`.
func (mb *Mailbox) Recv(buf []byte, src, tag int) Work {
	mb.lk.Lock()
	defer mb.lk.Unlock()
	if mb.closed {
		return Completed(src, ErrClosed)
	}

	w := &recvWaiter{src: src, tag: tag, buf: buf}
	for i, env := range mb.queued {
		if w.matches(env.src, env.tag) {
			mb.queued = append(mb.queued[:i], mb.queued[i+1:]...)
			w.h = NewHandle(nil)
			w.fill(env.src, env.data)
			return w.h
		}
	}

	w.h = NewHandle(func() { mb.cancel(w) })
	mb.waiters = append(mb.waiters, w)
	return w.h
}

func (mb *Mailbox) cancel(target *recvWaiter) {
	mb.lk.Lock()
	defer mb.lk.Unlock()
	for i, w := range mb.waiters {
		if w == target {
			mb.waiters = append(mb.waiters[:i], mb.waiters[i+1:]...)
			w.h.Complete(AnySource, ErrAborted)
			return
		}
	}
}

// Pending returns how many messages are queued and how many receives are
// waiting.
func (mb *Mailbox) Pending() (queued int, waiting int) {
	mb.lk.Lock()
	defer mb.lk.Unlock()
	return len(mb.queued), len(mb.waiters)
}

// Close fails every posted receive and drops queued messages.
func (mb *Mailbox) Close() {
	mb.lk.Lock()
	defer mb.lk.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	for _, w := range mb.waiters {
		w.h.Complete(AnySource, ErrClosed)
	}
	mb.waiters = nil
	mb.queued = nil
}
