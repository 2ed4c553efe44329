package peerrpc

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestNodeMeta(t *testing.T) {
	rank, addr, err := decodeNodeMeta(encodeNodeMeta(3, "10.0.0.3:6174"))
	require.NoError(t, err)
	require.Equal(t, 3, rank)
	require.Equal(t, "10.0.0.3:6174", addr)

	t.Run("unknown fields are skipped", func(t *testing.T) {
		meta := encodeNodeMeta(1, "a:1")
		meta = protowire.AppendTag(meta, 9, protowire.VarintType)
		meta = protowire.AppendVarint(meta, 42)
		rank, _, err := decodeNodeMeta(meta)
		require.NoError(t, err)
		require.Equal(t, 1, rank)
	})

	for name, meta := range map[string][]byte{
		"empty":     nil,
		"garbage":   {0xff, 0xff},
		"no rank":   protowire.AppendString(protowire.AppendTag(nil, metaFieldAddr, protowire.BytesType), "a:1"),
		"truncated": encodeNodeMeta(1, "a:1")[:3],
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := decodeNodeMeta(meta)
			require.ErrorIs(t, err, ErrInvalidNodeMeta)
		})
	}
}

func TestCollectPeers(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, time.Minute)
	logger := slog.New(testLogHandler("collect"))

	nodes := []*memberlist.Node{
		{Name: "node-1", Meta: encodeNodeMeta(1, "h1:1")},
		{Name: "node-0", Meta: encodeNodeMeta(0, "h0:1")},
		{Name: "stranger", Meta: []byte("not a meta")},
		{Name: "node-7", Meta: encodeNodeMeta(7, "h7:1")},
	}

	peers, complete, err := collectPeers(nodes, 2, logger, sink, nil)
	require.NoError(t, err)
	require.True(t, complete)
	require.Equal(t, []Peer{
		{Name: "node-0", Addr: "h0:1"},
		{Name: "node-1", Addr: "h1:1"},
	}, peers)
	require.Equal(t, 2, counterValue(sink, MetricDiscoveryInvalidMetaCount))

	_, complete, err = collectPeers(nodes[:1], 2, logger, sink, nil)
	require.NoError(t, err)
	require.False(t, complete)

	_, _, err = collectPeers(append(nodes, &memberlist.Node{
		Name: "node-0-bis",
		Meta: encodeNodeMeta(0, "h0:2"),
	}), 2, logger, sink, nil)
	require.ErrorIs(t, err, ErrDiscovery)
}

func TestDiscover(t *testing.T) {
	const size, basePort = 3, 7101

	gossipAddrs := make([]string, size)
	for rank := range gossipAddrs {
		gossipAddrs[rank] = fmt.Sprintf("127.0.0.1:%d", basePort+rank)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rosters := make([]*Roster, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for rank := range size {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("node-%d", rank)
			neighbours := slices.Delete(slices.Clone(gossipAddrs), rank, rank+1)
			rosters[rank], errs[rank] = Discover(ctx, &DiscoveryConfig{
				Name:          name,
				Rank:          rank,
				Size:          size,
				TransportAddr: fmt.Sprintf("127.0.0.1:%d", 6100+rank),
				BindAddr:      "127.0.0.1",
				BindPort:      basePort + rank,
				Neighbours:    neighbours,
				PollInterval:  50 * time.Millisecond,
				LogHandler:    testLogHandler(name),
			})
		}()
	}
	wg.Wait()

	for rank := range size {
		require.NoError(t, errs[rank])
		defer rosters[rank].Close()
	}

	expected := testPeers(6100, "node-0", "node-1", "node-2")
	for _, roster := range rosters {
		require.Equal(t, expected, roster.Peers())
	}
}

func TestDiscover_InvalidConfig(t *testing.T) {
	for name, cfg := range map[string]*DiscoveryConfig{
		"rank out of group": {Name: "n", Rank: 2, Size: 2, TransportAddr: "a:1"},
		"invalid name":      {Name: "n n", Rank: 0, Size: 2, TransportAddr: "a:1"},
		"no address":        {Name: "n", Rank: 0, Size: 2},
		"underscore name":   {Name: "worker_0", Rank: 0, Size: 2, TransportAddr: "a:1"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Discover(context.Background(), cfg)
			require.ErrorIs(t, err, ErrInvalidCfg)
		})
	}

	_, err := Discover(context.Background(), &DiscoveryConfig{Name: "trainer:0", Rank: 0, Size: 2, TransportAddr: "a:1"})
	require.ErrorIs(t, err, ErrHostnameInvalid)
}
