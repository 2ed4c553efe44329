package peerrpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"google.golang.org/protobuf/encoding/protowire"
)

// DiscoveryConfig represents configuration for `Discover`.
type DiscoveryConfig struct {
	// Name of the local peer, it MUST match the name in its certificate.
	Name string

	// Rank and Size of the group to assemble.
	Rank int
	Size int

	// TransportAddr is the "host:port" other peers must dial to reach the
	// transport of the local peer.
	TransportAddr string

	// BindAddr and BindPort are where gossip is exchanged.
	BindAddr string
	BindPort int

	// Neighbours are tried until the group is complete.
	Neighbours []string

	// SecretKey enables gossip encryption, see `memberlist.Config`.
	SecretKey []byte

	// PollInterval between two checks of the membership.
	PollInterval time.Duration

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

// Roster is the outcome of `Discover`.
type Roster struct {
	ml     *memberlist.Memberlist
	logger *slog.Logger
	peers  []Peer
}

// Discover gossips with `Neighbours` until `Size` peers, each announcing
// a distinct rank, are known.
func Discover(ctx context.Context, cfg *DiscoveryConfig) (*Roster, error) {
	if cfg.Size < 1 || cfg.Rank < 0 || cfg.Rank >= cfg.Size {
		return nil, fmt.Errorf("%w: rank %d in a group of %d", ErrInvalidCfg, cfg.Rank, cfg.Size)
	}
	if !ValidateHostname(cfg.Name) {
		return nil, fmt.Errorf("%w: %w: %q", ErrInvalidCfg, ErrHostnameInvalid, cfg.Name)
	}
	if cfg.TransportAddr == "" {
		return nil, fmt.Errorf("%w: no transport address to advertise", ErrInvalidCfg)
	}

	handler := cfg.LogHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	msink := cfg.MetricSink
	if msink == nil {
		msink = &metrics.BlackholeSink{}
	}
	interval := cfg.PollInterval
	if interval == 0 {
		interval = 200 * time.Millisecond
	}

	logger := slog.New(handler).With(LabelWorkerName.L(cfg.Name))

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = cfg.Name
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
	}
	if cfg.BindPort != 0 {
		mlCfg.BindPort = cfg.BindPort
		mlCfg.AdvertisePort = cfg.BindPort
	}
	mlCfg.SecretKey = cfg.SecretKey
	mlCfg.Delegate = &nodeMeta{
		meta: encodeNodeMeta(cfg.Rank, cfg.TransportAddr),
	}
	mlCfg.Events = &gossip{logger: logger}
	mlCfg.LogOutput = nil
	mlCfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)
	mlCfg.MetricLabels = legacyLabels(cfg.MetricLabels)

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}

	roster := &Roster{ml: ml, logger: logger}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ml.NumMembers() < cfg.Size && len(cfg.Neighbours) > 0 {
			joined, err := ml.Join(cfg.Neighbours)
			if err != nil {
				logger.Debug("neighbours not reachable yet", "joined", joined, LabelError.L(err))
			}
		}

		peers, complete, err := collectPeers(ml.Members(), cfg.Size, logger, msink, cfg.MetricLabels)
		if err != nil {
			ml.Shutdown()
			return nil, err
		}
		msink.SetGaugeWithLabels(MetricDiscoveryMembersCount, float32(ml.NumMembers()), cfg.MetricLabels)
		if complete {
			roster.peers = peers
			logger.Info("group discovered", "size", cfg.Size)
			return roster, nil
		}

		select {
		case <-ctx.Done():
			ml.Shutdown()
			return nil, fmt.Errorf("%w: %w", ErrDiscovery, ctx.Err())
		case <-ticker.C:
		}
	}
}

func collectPeers(
	members []*memberlist.Node,
	size int,
	logger *slog.Logger,
	msink metrics.MetricSink,
	labels []metrics.Label,
) ([]Peer, bool, error) {
	peers := make([]Peer, size)
	found := 0
	for _, node := range members {
		rank, addr, err := decodeNodeMeta(node.Meta)
		if err == nil && rank >= size {
			err = fmt.Errorf("%w: rank %d is out of a group of %d", ErrInvalidNodeMeta, rank, size)
		}
		if err != nil {
			msink.IncrCounterWithLabels(
				MetricDiscoveryInvalidMetaCount,
				1.0,
				withLabels(labels, LabelPeerName.M(node.Name)),
			)
			withLogNode(logger, node).Warn("ignoring peer", LabelError.L(err))
			continue
		}

		if peers[rank].Name != "" {
			return nil, false, fmt.Errorf(
				"%w: rank %d claimed by both %s and %s",
				ErrDiscovery, rank, peers[rank].Name, node.Name,
			)
		}
		peers[rank] = Peer{Name: Hostname(node.Name), Addr: addr}
		found++
	}
	return peers, found == size, nil
}

// Peers returns the discovered peers indexed by rank.
func (r *Roster) Peers() []Peer {
	peers := make([]Peer, len(r.peers))
	copy(peers, r.peers)
	return peers
}

// Close leaves the gossip cluster.
func (r *Roster) Close() error {
	if err := r.ml.Leave(5 * time.Second); err != nil {
		r.logger.Warn("failed to leave gracefully", LabelError.L(err))
	}
	return r.ml.Shutdown()
}

const (
	metaFieldRank protowire.Number = 1
	metaFieldAddr protowire.Number = 2
)

func encodeNodeMeta(rank int, addr string) []byte {
	b := protowire.AppendTag(nil, metaFieldRank, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rank))
	b = protowire.AppendTag(b, metaFieldAddr, protowire.BytesType)
	return protowire.AppendString(b, addr)
}

func decodeNodeMeta(b []byte) (rank int, addr string, err error) {
	var hasRank, hasAddr bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, "", fmt.Errorf("%w: %w", ErrInvalidNodeMeta, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == metaFieldRank && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, "", fmt.Errorf("%w: %w", ErrInvalidNodeMeta, protowire.ParseError(n))
			}
			rank, hasRank = int(v), true
			b = b[n:]
		case num == metaFieldAddr && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, "", fmt.Errorf("%w: %w", ErrInvalidNodeMeta, protowire.ParseError(n))
			}
			addr, hasAddr = v, true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, "", fmt.Errorf("%w: %w", ErrInvalidNodeMeta, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !hasRank || !hasAddr || rank < 0 {
		return 0, "", fmt.Errorf("%w: missing rank or address", ErrInvalidNodeMeta)
	}
	return rank, addr, nil
}

// nodeMeta only advertises the static metadata of the local peer, no
// user message is exchanged over gossip.
type nodeMeta struct {
	meta []byte
}

func (d *nodeMeta) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *nodeMeta) NotifyMsg([]byte) {}

func (d *nodeMeta) GetBroadcasts(_, _ int) [][]byte {
	return nil
}

func (d *nodeMeta) LocalState(bool) []byte {
	return nil
}

func (d *nodeMeta) MergeRemoteState([]byte, bool) {}

type gossip struct {
	logger *slog.Logger
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelPeerName.L(node.Name),
		LabelPeerAddr.L(node.Address()),
	)
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer joined cluster")
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer left cluster")
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer updated")
}
