package peerrpc

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/peerrpc/pkg/group"
	"github.com/stretchr/testify/require"
)

func collectAll(t *testing.T, names ...string) ([]*workerDirectory, []error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	members := group.NewLocal(len(names))
	dirs := make([]*workerDirectory, len(names))
	errs := make([]error, len(names))

	var wg sync.WaitGroup
	for rank, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dirs[rank], errs[rank] = collectNames(ctx, members[rank], name)
		}()
	}
	wg.Wait()
	return dirs, errs
}

func TestDirectory(t *testing.T) {
	dirs, errs := collectAll(t, "trainer-1", "ps-0", "trainer-0")
	for _, err := range errs {
		require.NoError(t, err)
	}

	for _, dir := range dirs {
		require.Equal(t, 3, dir.size())
		require.Equal(t, []WorkerInfo{
			{Name: "trainer-1", ID: 0},
			{Name: "ps-0", ID: 1},
			{Name: "trainer-0", ID: 2},
		}, dir.all())

		info, err := dir.resolve("ps-0")
		require.NoError(t, err)
		require.Equal(t, WorkerInfo{Name: "ps-0", ID: 1}, info)
		require.Equal(t, info, dir.byID(1))

		_, err = dir.resolve("ps-1")
		require.ErrorIs(t, err, ErrNameResolution)
	}

	t.Run("scan returns workers sharing a prefix in name order", func(t *testing.T) {
		found, err := dirs[0].scan("trainer-")
		require.NoError(t, err)
		require.Equal(t, []WorkerInfo{
			{Name: "trainer-0", ID: 2},
			{Name: "trainer-1", ID: 0},
		}, found)

		_, err = dirs[0].scan("worker")
		require.ErrorIs(t, err, ErrNameResolution)
	})

	t.Run("all returns a copy", func(t *testing.T) {
		infos := dirs[0].all()
		infos[0].Name = "mutated"
		require.Equal(t, "trainer-1", dirs[0].byID(0).Name)
	})
}

func TestDirectory_NameConflict(t *testing.T) {
	_, errs := collectAll(t, "worker", "worker")
	for _, err := range errs {
		require.ErrorIs(t, err, ErrNameConflict)
	}
}

func TestDirectory_WorldTooSmall(t *testing.T) {
	_, errs := collectAll(t, "alone")
	require.ErrorIs(t, errs[0], ErrWorldTooSmall)
}

func TestDirectory_InvalidName(t *testing.T) {
	members := group.NewLocal(2)
	for _, name := range []string{"", "nul\x00name", strings.Repeat("a", MaxNameLength+1)} {
		_, err := collectNames(context.Background(), members[0], name)
		require.ErrorIs(t, err, ErrNameInvalid, "name %q", name)
	}

	require.True(t, ValidateWorkerName(strings.Repeat("a", MaxNameLength)))
	require.True(t, ValidateWorkerName("node-1.example"))
	require.False(t, ValidateHostname("worker_0"))
	require.True(t, ValidateHostname("node-1.example"))
}

func TestDirectory_PermissiveNames(t *testing.T) {
	names := []string{"worker_0", "trainer:0", "ps 1/shard"}
	dirs, errs := collectAll(t, names...)
	for _, err := range errs {
		require.NoError(t, err)
	}

	for rank, name := range names {
		info, err := dirs[1].resolve(name)
		require.NoError(t, err)
		require.Equal(t, WorkerInfo{Name: name, ID: rank}, info)
	}
}
