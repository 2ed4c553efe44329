package peerrpc

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/peerrpc/pkg/group"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	defaultUDPBufferSize int = 1 << 21
	defaultMaxFrameSize  int = 1 << 28
	defaultQueueDepth    int = 1024

	// ALPN of the protocol.
	NextProto = "peerrpc/1"
)

// TransportConfig represents configuration for the QUIC group.
type TransportConfig struct {
	// Rank of the local process in `Peers`.
	Rank int

	// Peers of the group indexed by rank, including the local process.
	Peers []Peer

	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize crashes if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where we want the transport to listen.
	BindAddr string
	BindPort int

	// MaxFrameSize is the largest frame accepted from a peer.
	MaxFrameSize int

	// HostnameResolver to resolve hostname from peer certificates.
	HostnameResolver HostnameResolver

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout controls how much time we wait for stream establishment.
	DialTimeout time.Duration

	// GracePeriod controls how much time we wait on Shutdown for peers
	// to read what we sent them.
	GracePeriod time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

var _ group.Group = (*Transport)(nil)

// Transport is a `group.Group` whose members talk over QUIC.
//
// Every peer sends to another one on a single unidirectional stream, so
// frames it sends to a given rank are received in order. When a write
// fails, the stream is reset and the next frame opens a new one; the
// receiver only reads the new stream once the previous one from the same
// rank has ended, so order is kept but the frames lost with the reset are
// not retransmitted.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	mb      *group.Mailbox
	writers []*peerWriter

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc

	inbound   []quic.Connection
	inboundLk sync.Mutex

	// lastReader holds, per rank, a channel closed once the latest
	// stream accepted from that rank is fully read. Guarded by inboundLk.
	lastReader []chan struct{}

	writersWg sync.WaitGroup
	readersWg sync.WaitGroup

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

type outFrame struct {
	tag     int
	data    []byte
	h       *group.Handle
	aborted atomic.Bool
}

// peerWriter owns the outbound connection to a peer. Only its goroutine
// touches `conn` and `stream` until it exits.
type peerWriter struct {
	rank   int
	peer   Peer
	queue  chan *outFrame
	conn   quic.Connection
	stream quic.SendStream
}

func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}
	if cfg.Rank < 0 || cfg.Rank >= len(cfg.Peers) {
		return nil, fmt.Errorf("%w: rank %d is not in a group of %d peers", ErrInvalidCfg, cfg.Rank, len(cfg.Peers))
	}

	t = &Transport{
		cfg:     cfg,
		mb:      group.NewMailbox(),
		writers: make([]*peerWriter, len(cfg.Peers)),

		lastReader: make([]chan struct{}, len(cfg.Peers)),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}
	t.logger = t.logger.With(LabelPeerRank.L(cfg.Rank))

	if cfg.MetricSink == nil {
		t.msink = &metrics.BlackholeSink{}
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}
	if cfg.HostnameResolver == nil {
		cfg.HostnameResolver = CommonNameResolver
	}

	tlsConf := cfg.TlsConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{NextProto}
	}
	cfg.TlsConfig = tlsConf

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	port := cfg.BindPort
	if port == 0 {
		port = 6174
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpAddr := &net.UDPAddr{IP: addr, Port: port}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := t.tr.Listen(cfg.TlsConfig, t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	for rank, peer := range cfg.Peers {
		if rank == cfg.Rank {
			continue
		}
		w := &peerWriter{
			rank:  rank,
			peer:  peer,
			queue: make(chan *outFrame, defaultQueueDepth),
		}
		t.writers[rank] = w
		t.writersWg.Add(1)
		go t.writeLoop(w)
	}

	t.readersWg.Add(1)
	go t.acceptCx()
	return
}

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		Versions: []quic.Version{quic.Version2, quic.Version1},
		// One stream per remote peer is enough.
		MaxIncomingStreams:    -1,
		MaxIncomingUniStreams: int64(len(t.cfg.Peers)),
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}
}

// Addr returns the address the transport listens on.
func (t *Transport) Addr() net.Addr {
	return t.udpLn.LocalAddr()
}

func (t *Transport) Rank() int {
	return t.cfg.Rank
}

func (t *Transport) Size() int {
	return len(t.cfg.Peers)
}

// Send queues `buf` for `dst`. The transport owns `buf` until the
// returned work completes.
func (t *Transport) Send(buf []byte, dst, tag int) group.Work {
	if dst < 0 || dst >= t.Size() {
		return group.Completed(dst, group.ErrInvalidRank)
	}
	if t.gracefulTerm.Load() {
		return group.Completed(dst, ErrShutdown)
	}
	if dst == t.cfg.Rank {
		return group.Completed(dst, t.mb.Deliver(dst, tag, slices.Clone(buf)))
	}
	if len(buf) > t.cfg.MaxFrameSize {
		return group.Completed(dst, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, len(buf)))
	}

	f := &outFrame{tag: tag, data: buf}
	f.h = group.NewHandle(func() {
		f.aborted.Store(true)
	})

	select {
	case t.writers[dst].queue <- f:
	case <-t.ctx.Done():
		f.h.Complete(dst, ErrShutdown)
	}
	return f.h
}

func (t *Transport) Recv(buf []byte, src, tag int) group.Work {
	if src < 0 || src >= t.Size() {
		return group.Completed(src, group.ErrInvalidRank)
	}
	return t.mb.Recv(buf, src, tag)
}

func (t *Transport) RecvAny(buf []byte, tag int) group.Work {
	return t.mb.Recv(buf, group.AnySource, tag)
}

func (t *Transport) AllGather(ctx context.Context, in []byte) ([][]byte, error) {
	return group.AllGather(ctx, t, in)
}

func (t *Transport) Barrier(ctx context.Context) error {
	return group.Barrier(ctx, t)
}

func (t *Transport) writeLoop(w *peerWriter) {
	defer t.writersWg.Done()
	logger := t.logger.With("peer", w.peer)

	for {
		select {
		case <-t.ctx.Done():
			t.drainQueue(w)
			return
		case f := <-w.queue:
			if f.aborted.Load() {
				continue
			}
			err := t.writeFrame(w, f)
			if err != nil && !t.gracefulTerm.Load() {
				logger.Warn("failed to write frame", LabelError.L(err))
			}
			f.h.Complete(w.rank, err)
		}
	}
}

func (t *Transport) drainQueue(w *peerWriter) {
	for {
		select {
		case f := <-w.queue:
			f.h.Complete(w.rank, ErrShutdown)
		default:
			return
		}
	}
}

func (t *Transport) writeFrame(w *peerWriter, f *outFrame) error {
	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerRank.M(strconv.Itoa(w.rank)))

	if w.stream == nil {
		if err := t.openStream(w); err != nil {
			return err
		}
	}

	header := make([]byte, 0, 2*binary.MaxVarintLen64)
	header = protowire.AppendVarint(header, protowire.EncodeZigZag(int64(f.tag)))
	header = protowire.AppendVarint(header, uint64(len(f.data)))

	for _, chunk := range [][]byte{header, f.data} {
		if _, err := w.stream.Write(chunk); err != nil {
			t.msink.IncrCounterWithLabels(
				MetricTransportFrameErrorCount,
				1.0,
				withLabels(mLabels, LabelDirection.M("out")),
			)
			// The peer may have lost frames, do not reuse the stream.
			w.stream.CancelWrite(QErrStreamShutdown)
			w.stream = nil
			return fmt.Errorf("%w: %w", ErrStreamWrite, err)
		}
	}

	t.msink.IncrCounterWithLabels(MetricTransportFrameOutBytes, float32(len(f.data)), mLabels)
	return nil
}

func (t *Transport) openStream(w *peerWriter) error {
	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerRank.M(strconv.Itoa(w.rank)))
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
	defer cancel()

	if w.conn == nil || w.conn.Context().Err() != nil {
		conn, err := t.dial(ctx, w.peer)
		if err != nil {
			t.msink.IncrCounterWithLabels(
				MetricTransportConnErrorCount,
				1.0,
				withLabels(mLabels, LabelDirection.M("out")),
			)
			return err
		}
		w.conn = conn
		t.msink.IncrCounterWithLabels(
			MetricTransportConnEstCount,
			1.0,
			withLabels(mLabels, LabelDirection.M("out")),
		)
	}

	stream, err := w.conn.OpenUniStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricTransportStreamErrorCount,
			1.0,
			withLabels(mLabels, LabelError.M("cannot_open_stream")),
		)
		return err
	}

	hello := protowire.AppendFixed64(make([]byte, 0, 8), uint64(t.cfg.Rank))
	if _, err := stream.Write(hello); err != nil {
		stream.CancelWrite(QErrStreamShutdown)
		t.msink.IncrCounterWithLabels(
			MetricTransportStreamErrorCount,
			1.0,
			withLabels(mLabels, LabelError.M("cannot_send_hello")),
		)
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	w.stream = stream
	t.msink.IncrCounterWithLabels(MetricTransportStreamOutCount, 1.0, mLabels)
	return nil
}

func (t *Transport) dial(ctx context.Context, peer Peer) (quic.Connection, error) {
	host, _, err := net.SplitHostPort(peer.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	addr, err := net.ResolveUDPAddr("udp", peer.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	tlsConf := t.cfg.TlsConfig.Clone()
	if tlsConf.ServerName == "" {
		tlsConf.ServerName = host
	}

	conn, err := t.tr.Dial(ctx, addr, tlsConf, t.quicConfig())
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}
	if err != nil {
		return nil, err
	}

	hostname, err := t.resolve(conn)
	if err != nil {
		return nil, err
	}
	if hostname != peer.Name {
		QErrHostname.Close(conn, fmt.Sprintf("expected %s, got %s", peer.Name, hostname))
		return nil, fmt.Errorf("%w: dialed %s, got %s", ErrHostnameMismatch, peer.Name, hostname)
	}
	return conn, nil
}

func (t *Transport) resolve(conn quic.Connection) (Hostname, error) {
	hostname, err, uerr := t.cfg.HostnameResolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		t.logger.Error("failed to resolve hostname", "remote", conn.RemoteAddr(), LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			MetricTransportConnErrorCount,
			1.0,
			withLabels(t.cfg.MetricLabels,
				LabelPeerAddr.M(conn.RemoteAddr().String()),
				LabelError.M("name_resolution"),
			),
		)
		if uerr == "" {
			QErrInternal.Close(conn, "unexpected error during hostname resolution")
		} else {
			QErrInternal.Close(conn, fmt.Sprintf("error during resolution: %s", uerr))
		}
		return "", ErrHostnameResolve
	}
	return hostname, nil
}

func (t *Transport) acceptCx() {
	defer t.readersWg.Done()
	for {
		conn, err := t.ln.Accept(t.ctx)
		if err != nil {
			if !t.gracefulTerm.Load() {
				// NB(raskyld): atm, the implementation only return errors if
				// Close() has been called, that's why we make assumptions but
				// that's not a good design.
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		hostname, err := t.resolve(conn)
		if err != nil {
			continue
		}

		t.inboundLk.Lock()
		t.inbound = append(t.inbound, conn)
		t.inboundLk.Unlock()

		t.msink.IncrCounterWithLabels(
			MetricTransportConnEstCount,
			1.0,
			withLabels(t.cfg.MetricLabels,
				LabelPeerName.M(string(hostname)),
				LabelDirection.M("in"),
			),
		)

		t.readersWg.Add(1)
		go t.handleStreams(conn, hostname)
	}
}

func (t *Transport) handleStreams(conn quic.Connection, hostname Hostname) {
	defer t.readersWg.Done()
	logger := t.logger.With("remote", conn.RemoteAddr(), LabelPeerName.L(hostname))

	for {
		stream, err := conn.AcceptUniStream(t.ctx)
		if err != nil {
			if !t.gracefulTerm.Load() && conn.Context().Err() == nil {
				logger.Warn("error accepting stream", LabelError.L(err))
			}
			return
		}

		t.readersWg.Add(1)
		go t.readStream(stream, hostname, logger.With("stream_id", stream.StreamID()))
	}
}

// readStream delivers the frames of `stream` to the mailbox until the
// stream ends.
func (t *Transport) readStream(stream quic.ReceiveStream, hostname Hostname, logger *slog.Logger) {
	defer t.readersWg.Done()
	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerName.M(string(hostname)))

	violation := func(msg string, args ...any) {
		logger.Warn("protocol violation: "+msg, args...)
		stream.CancelRead(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(
			MetricTransportStreamErrorCount,
			1.0,
			withLabels(mLabels, LabelError.M("protocol_violation")),
		)
	}

	r := bufio.NewReader(stream)
	hello := make([]byte, 8)
	if _, err := io.ReadFull(r, hello); err != nil {
		violation("no hello frame", LabelError.L(err))
		return
	}
	rawRank, _ := protowire.ConsumeFixed64(hello)
	if rawRank >= uint64(t.Size()) || int(rawRank) == t.cfg.Rank {
		violation("invalid rank", LabelPeerRank.L(rawRank))
		return
	}
	src := int(rawRank)
	if t.cfg.Peers[src].Name != hostname {
		violation(
			"certificate does not match rank",
			LabelPeerRank.L(src),
			LabelError.L(ErrHostnameMismatch),
		)
		return
	}

	t.msink.IncrCounterWithLabels(MetricTransportStreamInCount, 1.0, mLabels)
	logger = logger.With(LabelPeerRank.L(src))

	// Frames of a stream replacing a reset one are delivered after what
	// could still be read from the old stream.
	done := make(chan struct{})
	defer close(done)
	t.inboundLk.Lock()
	prev := t.lastReader[src]
	t.lastReader[src] = done
	t.inboundLk.Unlock()
	if prev != nil {
		select {
		case <-prev:
		case <-t.ctx.Done():
			return
		}
	}

	for {
		data, tag, err := t.readFrame(r)
		if err != nil {
			switch {
			case t.gracefulTerm.Load(), errors.Is(err, io.EOF):
				logger.Debug("stream closed")
			case errors.Is(err, ErrTransportViolation):
				violation("malformed frame", LabelError.L(err))
			default:
				logger.Warn("stream was broken", LabelError.L(err))
				t.msink.IncrCounterWithLabels(
					MetricTransportFrameErrorCount,
					1.0,
					withLabels(mLabels, LabelDirection.M("in")),
				)
			}
			return
		}

		t.msink.IncrCounterWithLabels(MetricTransportFrameInBytes, float32(len(data)), mLabels)
		if err := t.mb.Deliver(src, tag, data); err != nil {
			return
		}
	}
}

func (t *Transport) readFrame(r *bufio.Reader) ([]byte, int, error) {
	rawTag, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, 0, err
	}
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: truncated header: %w", ErrTransportViolation, err)
	}
	if size > uint64(t.cfg.MaxFrameSize) {
		return nil, 0, fmt.Errorf("%w: %w: %d bytes", ErrTransportViolation, ErrTooLargeFrame, size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, 0, err
	}
	return data, int(protowire.DecodeZigZag(rawTag)), nil
}

// Shutdown fails pending operations, gives peers `GracePeriod` to read
// what was already written, then closes every connection.
func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	t.cancel()
	t.mb.Close()
	t.writersWg.Wait()

	var closers errgroup.Group
	for _, w := range t.writers {
		if w == nil || w.conn == nil {
			continue
		}
		closers.Go(func() error {
			if w.stream != nil {
				w.stream.Close()
			}
			// dumb SO_LINGER like behaviour until it is implemented
			// in go-quic
			select {
			case <-w.conn.Context().Done():
			case <-time.After(t.cfg.GracePeriod):
			}
			return QErrShutdown.Close(w.conn, "we are shutting down! bye!")
		})
	}
	err := closers.Wait()

	t.inboundLk.Lock()
	for _, conn := range t.inbound {
		QErrShutdown.Close(conn, "we are shutting down! bye!")
	}
	t.inboundLk.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}
	if t.tr != nil {
		t.tr.Close()
	}
	if t.udpLn != nil {
		t.udpLn.Close()
	}

	t.readersWg.Wait()
	return err
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricTransportUDPBufferSize,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}
