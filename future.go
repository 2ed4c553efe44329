package peerrpc

import (
	"context"
	"sync"
)

// Future is a single-assignment cell completed exactly once by the
// agent, with the response to a request or with an error.
type Future struct {
	lk        sync.Mutex
	done      chan struct{}
	completed bool
	msg       *Message
	err       error
	callbacks []func(*Message, error)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func completedFuture(msg *Message, err error) *Future {
	f := newFuture()
	f.complete(msg, err)
	return f
}

// Wait blocks until the future completes or `ctx` is done.
//
// A response carrying an EXCEPTION is returned along with a
// `*RemoteError`.
func (f *Future) Wait(ctx context.Context) (*Message, error) {
	select {
	case <-f.done:
		return f.msg, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Then registers a callback invoked with the outcome of the future. It
// runs on the goroutine completing the future, or immediately if the
// future is already completed. Callbacks MAY call back into the agent.
func (f *Future) Then(cb func(*Message, error)) {
	f.lk.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, cb)
		f.lk.Unlock()
		return
	}
	f.lk.Unlock()
	cb(f.msg, f.err)
}

func (f *Future) complete(msg *Message, err error) bool {
	f.lk.Lock()
	if f.completed {
		f.lk.Unlock()
		return false
	}
	f.completed = true
	f.msg = msg
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.lk.Unlock()

	for _, cb := range callbacks {
		cb(msg, err)
	}
	return true
}
