package peerrpc

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/btree"
)

const infiniteDeadline int64 = math.MaxInt64

// pendingRequest tracks a request until its response arrives or the
// watchdog gives up on it.
type pendingRequest struct {
	id      int64
	future  *Future
	dst     int
	start   time.Time
	timeout time.Duration

	// deadline is in nanoseconds since the registry epoch, which keeps
	// the ordering on the monotonic clock.
	deadline int64
}

type expiryKey struct {
	deadline int64
	id       int64
}

func expiryLess(a, b expiryKey) bool {
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.id < b.id
}

// futureRegistry maps request ids to their pending request and keeps a
// second index ordered by deadline for the watchdog. Both are only
// mutated together, under `lk`. Futures are always completed outside of
// `lk` since their callbacks may call back into the agent.
type futureRegistry struct {
	lk       sync.Mutex
	epoch    time.Time
	futures  map[int64]*pendingRequest
	expiries *btree.BTreeG[expiryKey]

	// idleCh is closed whenever no request is pending.
	idleCh chan struct{}

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// onExpired runs on the watchdog goroutine, after the future of an
	// expired request has been completed.
	onExpired func(*pendingRequest)
}

func newFutureRegistry(onExpired func(*pendingRequest)) *futureRegistry {
	idleCh := make(chan struct{})
	close(idleCh)
	return &futureRegistry{
		epoch:     time.Now(),
		futures:   make(map[int64]*pendingRequest),
		expiries:  btree.NewG(8, expiryLess),
		idleCh:    idleCh,
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		onExpired: onExpired,
	}
}

func (r *futureRegistry) since(t time.Time) int64 {
	return int64(t.Sub(r.epoch))
}

// register tracks a new request. A zero timeout never expires.
func (r *futureRegistry) register(id int64, future *Future, dst int, timeout time.Duration) error {
	if timeout < 0 {
		return fmt.Errorf("%w: negative timeout %s", ErrInvalidCfg, timeout)
	}

	start := time.Now()
	pr := &pendingRequest{
		id:       id,
		future:   future,
		dst:      dst,
		start:    start,
		timeout:  timeout,
		deadline: infiniteDeadline,
	}
	if elapsed := r.since(start); timeout > 0 && int64(timeout) < infiniteDeadline-elapsed {
		pr.deadline = elapsed + int64(timeout)
	}

	r.lk.Lock()
	if _, exists := r.futures[id]; exists {
		r.lk.Unlock()
		return fmt.Errorf("%w: %d", ErrDuplicateRequest, id)
	}
	r.futures[id] = pr
	key := expiryKey{deadline: pr.deadline, id: id}
	r.expiries.ReplaceOrInsert(key)
	if len(r.futures) == 1 {
		r.idleCh = make(chan struct{})
	}
	earliest, _ := r.expiries.Min()
	mustWake := len(r.futures) == 1 || earliest == key
	r.lk.Unlock()

	if mustWake {
		r.wake()
	}
	return nil
}

// resolve completes the future of request `id`. It returns false when the
// request is unknown, which is expected for responses arriving after the
// watchdog expired the request.
func (r *futureRegistry) resolve(id int64, msg *Message, err error) (*pendingRequest, bool) {
	r.lk.Lock()
	pr, exists := r.futures[id]
	if !exists {
		r.lk.Unlock()
		return nil, false
	}
	r.remove(pr)
	r.lk.Unlock()

	pr.future.complete(msg, err)
	return pr, true
}

// remove MUST be called with `lk` held.
func (r *futureRegistry) remove(pr *pendingRequest) {
	delete(r.futures, pr.id)
	r.expiries.Delete(expiryKey{deadline: pr.deadline, id: pr.id})
	if len(r.futures) == 0 {
		close(r.idleCh)
	}
}

func (r *futureRegistry) pending() int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return len(r.futures)
}

// waitEmpty blocks until no request is pending.
func (r *futureRegistry) waitEmpty(ctx context.Context) error {
	r.lk.Lock()
	idleCh := r.idleCh
	r.lk.Unlock()

	select {
	case <-idleCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *futureRegistry) wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

func (r *futureRegistry) start() {
	r.wg.Add(1)
	go r.watch()
}

// stop terminates the watchdog, pending requests are left untouched.
func (r *futureRegistry) stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

func (r *futureRegistry) watch() {
	defer r.wg.Done()
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		r.lk.Lock()
		var timerCh <-chan time.Time
		if earliest, ok := r.expiries.Min(); ok && earliest.deadline != infiniteDeadline {
			remaining := time.Duration(earliest.deadline - r.since(time.Now()))
			timer.Reset(max(remaining, 0))
			timerCh = timer.C
		}
		r.lk.Unlock()

		select {
		case <-r.stopCh:
			timer.Stop()
			return
		case <-r.wakeCh:
		case <-timerCh:
		}
		timer.Stop()

		select {
		case <-r.stopCh:
			return
		default:
		}

		for _, pr := range r.collectExpired() {
			pr.future.complete(nil, &TimeoutError{RequestID: pr.id, Timeout: pr.timeout})
			if r.onExpired != nil {
				r.onExpired(pr)
			}
		}
	}
}

// collectExpired removes every request whose deadline is reached, in
// deadline order.
func (r *futureRegistry) collectExpired() []*pendingRequest {
	r.lk.Lock()
	defer r.lk.Unlock()

	now := r.since(time.Now())
	var keys []expiryKey
	r.expiries.Ascend(func(key expiryKey) bool {
		if key.deadline > now {
			return false
		}
		keys = append(keys, key)
		return true
	})

	expired := make([]*pendingRequest, 0, len(keys))
	for _, key := range keys {
		pr := r.futures[key.id]
		r.remove(pr)
		expired = append(expired, pr)
	}
	return expired
}
