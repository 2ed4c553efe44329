package peerrpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFutureRegistry_Resolve(t *testing.T) {
	reg := newFutureRegistry(nil)
	reg.start()
	defer reg.stop()

	fut := newFuture()
	require.NoError(t, reg.register(1, fut, 3, time.Minute))
	require.Equal(t, 1, reg.pending())

	t.Run("a pending id cannot be registered twice", func(t *testing.T) {
		err := reg.register(1, newFuture(), 3, time.Minute)
		require.ErrorIs(t, err, ErrDuplicateRequest)
	})

	t.Run("resolving completes the future", func(t *testing.T) {
		resp := NewResponse([]byte("pong"))
		pr, found := reg.resolve(1, resp, nil)
		require.True(t, found)
		require.Equal(t, 3, pr.dst)

		msg, err := fut.Wait(context.Background())
		require.NoError(t, err)
		require.Same(t, resp, msg)
		require.Zero(t, reg.pending())
	})

	t.Run("resolving an unknown id is not an error", func(t *testing.T) {
		_, found := reg.resolve(1, NewResponse(nil), nil)
		require.False(t, found)
	})

	t.Run("the id can be reused once resolved", func(t *testing.T) {
		require.NoError(t, reg.register(1, newFuture(), 0, time.Minute))
		_, found := reg.resolve(1, NewResponse(nil), nil)
		require.True(t, found)
	})
}

func TestFutureRegistry_NegativeTimeout(t *testing.T) {
	reg := newFutureRegistry(nil)
	err := reg.register(1, newFuture(), 0, -time.Second)
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.Zero(t, reg.pending())
}

func TestFutureRegistry_ExpiryOrder(t *testing.T) {
	var (
		lk      sync.Mutex
		expired []int64
	)
	reg := newFutureRegistry(func(pr *pendingRequest) {
		lk.Lock()
		defer lk.Unlock()
		expired = append(expired, pr.id)
	})
	reg.start()
	defer reg.stop()

	futures := map[int64]*Future{}
	for id, timeout := range map[int64]time.Duration{
		10: 100 * time.Millisecond,
		5:  50 * time.Millisecond,
		20: 200 * time.Millisecond,
	} {
		futures[id] = newFuture()
		require.NoError(t, reg.register(id, futures[id], 1, timeout))
	}

	require.Eventually(t, func() bool {
		lk.Lock()
		defer lk.Unlock()
		return len(expired) == 3
	}, 5*time.Second, 10*time.Millisecond)

	lk.Lock()
	require.Equal(t, []int64{5, 10, 20}, expired)
	lk.Unlock()

	for id, fut := range futures {
		_, err := fut.Wait(context.Background())
		require.ErrorIs(t, err, ErrTimeout)

		var terr *TimeoutError
		require.True(t, errors.As(err, &terr))
		require.Equal(t, id, terr.RequestID)
	}
	require.Zero(t, reg.pending())
}

func TestFutureRegistry_EarlierDeadlineWakesWatchdog(t *testing.T) {
	reg := newFutureRegistry(nil)
	reg.start()
	defer reg.stop()

	late := newFuture()
	require.NoError(t, reg.register(1, late, 1, time.Hour))

	early := newFuture()
	start := time.Now()
	require.NoError(t, reg.register(2, early, 1, 20*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := early.Wait(ctx)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), time.Hour)

	select {
	case <-late.Done():
		t.Fatal("request with a later deadline must still be pending")
	default:
	}
	require.Equal(t, 1, reg.pending())
}

func TestFutureRegistry_InfiniteTimeout(t *testing.T) {
	reg := newFutureRegistry(func(pr *pendingRequest) {
		if pr.id == 1 {
			t.Error("a request without timeout must not expire")
		}
	})
	reg.start()
	defer reg.stop()

	fut := newFuture()
	require.NoError(t, reg.register(1, fut, 1, InfiniteTimeout))
	require.NoError(t, reg.register(2, newFuture(), 1, 10*time.Millisecond))

	require.Eventually(t, func() bool {
		return reg.pending() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Give the watchdog a chance to misbehave.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, reg.pending())
}

func TestFutureRegistry_WaitEmpty(t *testing.T) {
	reg := newFutureRegistry(nil)
	require.NoError(t, reg.waitEmpty(context.Background()), "an empty registry is idle")

	require.NoError(t, reg.register(7, newFuture(), 1, time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, reg.waitEmpty(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		done <- reg.waitEmpty(context.Background())
	}()

	reg.resolve(7, NewResponse(nil), nil)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waitEmpty did not return once the registry emptied")
	}
}

func TestFuture_Then(t *testing.T) {
	fut := newFuture()

	var got []string
	fut.Then(func(msg *Message, err error) {
		got = append(got, "before:"+string(msg.Payload))
	})

	require.True(t, fut.complete(NewResponse([]byte("ok")), nil))
	require.False(t, fut.complete(NewResponse([]byte("again")), nil), "futures complete once")

	fut.Then(func(msg *Message, err error) {
		got = append(got, "after:"+string(msg.Payload))
	})
	require.Equal(t, []string{"before:ok", "after:ok"}, got)
}
