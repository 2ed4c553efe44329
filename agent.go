package peerrpc

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/peerrpc/pkg/group"
	"github.com/raskyld/peerrpc/pkg/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

// Agent exchanges request and response messages with the other workers
// of a `group.Group`.
//
// Every worker of the group MUST create its agent with a distinct name,
// and call the collective methods (`New`, `Sync`, `Join`) in the same
// order.
type Agent struct {
	config *config
	logger *slog.Logger
	msink  metrics.MetricSink

	g       group.Group
	handler Handler
	dir     *workerDirectory
	self    WorkerInfo

	sendCounts *messageCounter
	recvCounts *messageCounter
	futures    *futureRegistry
	pool       *workerPool

	nextID atomic.Int64

	// sendLocks keep the preamble and payload of a message adjacent
	// on the channel of each destination.
	sendLocks []sync.Mutex

	// ctx bounds substrate waits, it is cancelled once the agent is
	// shut down.
	ctx    context.Context
	cancel context.CancelFunc

	// handlerCtx is handed to handlers. It is cancelled as soon as
	// `Shutdown` is called, before the pool is drained.
	handlerCtx     context.Context
	cancelHandlers context.CancelFunc

	lk       sync.Mutex
	running  atomic.Bool
	shutdown bool

	recvLk   sync.Mutex
	recvWork group.Work

	wg sync.WaitGroup
}

// New exchanges names with the rest of the group and returns an agent
// ready to be started. It blocks until every worker of the group called
// it.
func New(ctx context.Context, name string, g group.Group, handler Handler, opts ...Option) (*Agent, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: a handler is required", ErrInvalidCfg)
	}

	dir, err := collectNames(ctx, g, name)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		config:     cfg,
		logger:     slog.New(cfg.logHandler).With(LabelWorkerName.L(name)),
		msink:      cfg.metricSink,
		g:          g,
		handler:    handler,
		dir:        dir,
		self:       dir.byID(g.Rank()),
		sendCounts: newMessageCounter(dir.size()),
		recvCounts: newMessageCounter(dir.size()),
		sendLocks:  make([]sync.Mutex, dir.size()),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.handlerCtx, a.cancelHandlers = context.WithCancel(a.ctx)
	a.futures = newFutureRegistry(a.onRequestExpired)
	a.pool = newWorkerPool(cfg.numWorkers, func(depth int) {
		a.msink.SetGaugeWithLabels(MetricPoolQueueDepth, float32(depth), a.config.metricLabels)
	})

	a.logger.Info("worker names collected", "world_size", dir.size(), "rank", a.self.ID)
	return a, nil
}

// Start runs the listener and the timeout watchdog. Messages can only be
// sent once the agent is started.
func (a *Agent) Start() error {
	a.lk.Lock()
	defer a.lk.Unlock()
	if a.shutdown {
		return ErrAgentShutdown
	}
	if a.running.Load() {
		return nil
	}

	a.running.Store(true)
	a.futures.start()
	a.wg.Add(1)
	go a.listen()

	a.logger.Info("agent started")
	return nil
}

// Self returns the identity of the local worker.
func (a *Agent) Self() WorkerInfo {
	return a.self
}

func (a *Agent) GetWorkerInfo(name string) (WorkerInfo, error) {
	return a.dir.resolve(name)
}

// GetWorkerInfoByID panics if `id` is not a rank of the group.
func (a *Agent) GetWorkerInfoByID(id int) WorkerInfo {
	return a.dir.byID(id)
}

func (a *Agent) GetWorkerInfos() []WorkerInfo {
	return a.dir.all()
}

// ScanWorkers returns the workers whose name starts with `prefix`, in
// lexicographic order.
func (a *Agent) ScanWorkers(prefix string) ([]WorkerInfo, error) {
	return a.dir.scan(prefix)
}

// Send sends `msg` to `to` with the default timeout of the agent.
//
// The returned `Future` completes with the response of a request. For
// any other type of message, it is already completed.
func (a *Agent) Send(to WorkerInfo, msg *Message) (*Future, error) {
	return a.SendWithTimeout(to, msg, a.config.rpcTimeout)
}

// SendWithTimeout is like `Send` but the request expires after `timeout`.
// `InfiniteTimeout` waits forever.
//
// `msg` is serialized before this method returns, the caller can reuse
// it right away. The `ID` of requests is overwritten with a fresh id.
func (a *Agent) SendWithTimeout(to WorkerInfo, msg *Message, timeout time.Duration) (*Future, error) {
	if !a.running.Load() {
		return nil, ErrNotStarted
	}
	if to.ID < 0 || to.ID >= a.dir.size() {
		return nil, fmt.Errorf(
			"%w: got %d, but world size is %d",
			ErrInvalidDestination, to.ID, a.dir.size(),
		)
	}
	if msg.Type == MessageTypeUnspecified || msg.Type > MessageTypeShutdown {
		return nil, fmt.Errorf("%w: cannot send a message of type %d", ErrProtocolViolation, msg.Type)
	}
	if to.ID == a.self.ID && msg.IsShutdown() {
		return nil, ErrSelfShutdown
	}
	if size := wire.Size(msg.Payload, msg.Aux); size > a.config.maxMsgSize {
		return nil, fmt.Errorf("%w: %d bytes, limit is %d", ErrMessageTooLarge, size, a.config.maxMsgSize)
	}
	to = a.dir.byID(to.ID)

	var fut *Future
	if msg.IsRequest() {
		msg.ID = a.nextID.Add(1) - 1
		fut = newFuture()
		if err := a.futures.register(msg.ID, fut, to.ID, timeout); err != nil {
			return nil, err
		}
	} else {
		fut = completedFuture(nil, nil)
	}

	typ, id := msg.Type, msg.ID
	frame := wire.Serialize(msg.Payload, msg.Aux)

	var task func()
	if to.ID == a.self.ID {
		task = func() {
			a.sendCounts.increment(a.self.ID)
			a.processRecv(a.self, typ, id, frame)
		}
	} else {
		task = func() {
			a.processSend(to, typ, id, frame)
		}
	}

	if !a.pool.run(task) {
		if typ == MessageTypeRequest {
			a.futures.resolve(id, nil, ErrAgentShutdown)
		}
		return nil, ErrAgentShutdown
	}
	return fut, nil
}

// processSend runs on the pool.
func (a *Agent) processSend(to WorkerInfo, typ MessageType, id int64, frame []byte) {
	preamble := wire.Preamble{
		SenderRank:    int64(a.self.ID),
		PayloadLength: int64(len(frame)),
		TypeCode:      int64(typ),
		RequestID:     id,
	}

	// The tag is the id of the destination, see `listen`.
	lk := &a.sendLocks[to.ID]
	lk.Lock()
	pending := []group.Work{a.g.Send(preamble.Encode(), to.ID, to.ID)}
	if typ != MessageTypeShutdown {
		pending = append(pending, a.g.Send(frame, to.ID, to.ID))
	}
	lk.Unlock()

	labels := a.labels(
		LabelPeerRank.M(strconv.Itoa(to.ID)),
		LabelMessageType.M(typ.String()),
	)
	for _, work := range pending {
		if err := group.WaitOrAbort(a.ctx, work); err != nil {
			a.msink.IncrCounterWithLabels(MetricSendErrorCount, 1, labels)
			a.logger.Error(
				"failed to send message",
				LabelPeerName.L(to.Name),
				LabelMessageType.L(typ.String()),
				LabelRequestID.L(id),
				LabelError.L(err),
			)
			if typ == MessageTypeRequest {
				a.futures.resolve(id, nil, fmt.Errorf("%w to %s: %w", ErrSend, to.Name, err))
			}
			return
		}
	}

	if typ != MessageTypeShutdown {
		a.sendCounts.increment(to.ID)
	}
	a.msink.IncrCounterWithLabels(MetricSendCount, 1, labels)
}

// processRecv runs on the pool, `from` is the sender of the message.
func (a *Agent) processRecv(from WorkerInfo, typ MessageType, id int64, frame []byte) {
	payload, aux, err := wire.Deserialize(frame)
	if err != nil {
		a.fatal(fmt.Errorf("%w: from %s: %w", ErrProtocolViolation, from.Name, err))
		return
	}
	msg := &Message{Payload: payload, Aux: aux, Type: typ, ID: id}

	switch typ {
	case MessageTypeRequest:
		resp := a.serve(from, msg)
		resp.ID = id
		if _, err := a.Send(from, resp); err != nil {
			a.logger.Warn(
				"could not send response",
				LabelPeerName.L(from.Name),
				LabelRequestID.L(id),
				LabelError.L(err),
			)
		}

	case MessageTypeResponse, MessageTypeException:
		var remoteErr error
		if typ == MessageTypeException {
			remoteErr = &RemoteError{From: from, Message: string(payload)}
		}

		pr, found := a.futures.resolve(id, msg, remoteErr)
		if !found {
			// The watchdog already accounted for this message.
			a.msink.IncrCounterWithLabels(MetricResponseLateCount, 1, a.labels(
				LabelPeerRank.M(strconv.Itoa(from.ID)),
			))
			a.logger.Debug(
				"dropping late response",
				LabelPeerName.L(from.Name),
				LabelRequestID.L(id),
			)
			return
		}
		a.msink.AddSampleWithLabels(
			MetricRequestLatency,
			float32(time.Since(pr.start).Milliseconds()),
			a.labels(LabelPeerRank.M(strconv.Itoa(from.ID))),
		)

	default:
		a.fatal(fmt.Errorf("%w: unexpected %s message from %s", ErrProtocolViolation, typ, from.Name))
		return
	}

	a.recvCounts.increment(from.ID)
	a.msink.IncrCounterWithLabels(MetricRecvCount, 1, a.labels(
		LabelPeerRank.M(strconv.Itoa(from.ID)),
		LabelMessageType.M(typ.String()),
	))
}

// serve never returns nil, failures of the handler are turned into an
// EXCEPTION.
func (a *Agent) serve(from WorkerInfo, req *Message) *Message {
	resp, err := a.handler.Handle(a.handlerCtx, from, req)
	switch {
	case err != nil:
		a.logger.Debug(
			"handler failed",
			LabelPeerName.L(from.Name),
			LabelRequestID.L(req.ID),
			LabelError.L(err),
		)
		return NewException(err)
	case resp == nil:
		return NewResponse(nil)
	case !resp.IsResponse():
		return NewException(fmt.Errorf("handler answered with a %s message", resp.Type))
	default:
		return resp
	}
}

func (a *Agent) listen() {
	defer a.wg.Done()

	for a.running.Load() {
		buf := make([]byte, wire.PreambleSize)
		src, ok := a.receive(buf, group.AnySource)
		if !ok {
			return
		}

		preamble, err := wire.DecodePreamble(buf)
		if err != nil {
			a.fatal(fmt.Errorf("%w: %w", ErrProtocolViolation, err))
			return
		}
		if int(preamble.SenderRank) != src {
			a.fatal(fmt.Errorf(
				"%w: rank %d sent a preamble claiming rank %d",
				ErrProtocolViolation, src, preamble.SenderRank,
			))
			return
		}
		typ, err := ParseMessageType(preamble.TypeCode)
		if err != nil {
			a.fatal(fmt.Errorf("%w: from rank %d", err, src))
			return
		}

		if preamble.PayloadLength < 0 || preamble.PayloadLength > int64(a.config.maxMsgSize) {
			a.fatal(fmt.Errorf(
				"%w: %w: rank %d announced %d bytes",
				ErrProtocolViolation, ErrMessageTooLarge, src, preamble.PayloadLength,
			))
			return
		}

		from := a.dir.byID(src)
		if typ == MessageTypeShutdown {
			a.logger.Info("listener stopped by peer", LabelPeerName.L(from.Name))
			return
		}

		frame := make([]byte, preamble.PayloadLength)
		if _, ok := a.receive(frame, src); !ok {
			return
		}

		a.pool.run(func() {
			a.processRecv(from, typ, preamble.RequestID, frame)
		})
	}
}

// receive fills `buf` from `src` on the channel of the local worker. The
// pending operation is published so `Shutdown` can abort it. It returns
// false when the listener must stop.
func (a *Agent) receive(buf []byte, src int) (int, bool) {
	var work group.Work
	if src == group.AnySource {
		work = a.g.RecvAny(buf, a.self.ID)
	} else {
		work = a.g.Recv(buf, src, a.self.ID)
	}

	a.recvLk.Lock()
	a.recvWork = work
	a.recvLk.Unlock()

	if !a.running.Load() {
		work.Abort()
		return 0, false
	}

	if err := work.Wait(context.Background()); err != nil {
		if a.running.Load() {
			a.logger.Error("listener failed to receive", LabelError.L(err))
		}
		return 0, false
	}
	return work.Source(), true
}

func (a *Agent) onRequestExpired(pr *pendingRequest) {
	// The reply will never be counted by the receive path, so the sender
	// accounts for it to keep the counters of the group balanced.
	a.recvCounts.increment(pr.dst)
	a.msink.IncrCounterWithLabels(MetricRequestTimeoutCount, 1, a.labels(
		LabelPeerRank.M(strconv.Itoa(pr.dst)),
	))
	a.logger.Debug(
		"request timed out",
		LabelPeerRank.L(pr.dst),
		LabelRequestID.L(pr.id),
		LabelDuration.L(pr.timeout),
	)
}

// hasOutstandingTraffic reports whether a message sent by any worker has
// not been processed by its destination yet. It is a collective.
func (a *Agent) hasOutstandingTraffic(ctx context.Context) (bool, error) {
	size := a.dir.size()
	recvs := a.recvCounts.snapshot()
	sends := a.sendCounts.snapshot()

	snapshot := make([]byte, 0, 2*size*8)
	for _, count := range recvs {
		snapshot = protowire.AppendFixed64(snapshot, uint64(count))
	}
	for _, count := range sends {
		snapshot = protowire.AppendFixed64(snapshot, uint64(count))
	}

	gathered, err := a.g.AllGather(ctx, snapshot)
	if err != nil {
		return false, fmt.Errorf("agent: could not gather message counts: %w", err)
	}

	peerRecvs := make([][]int64, size)
	peerSends := make([][]int64, size)
	for rank, raw := range gathered {
		peerRecvs[rank], peerSends[rank], err = decodeCounts(raw, size)
		if err != nil {
			return false, fmt.Errorf("%w: counts of rank %d: %w", ErrProtocolViolation, rank, err)
		}
	}

	// Counts of different workers are not read at the same time, so a
	// mismatch in either direction only means the drain is not over.
	for from := 0; from < size; from++ {
		for to := 0; to < size; to++ {
			if peerSends[from][to] != peerRecvs[to][from] {
				return true, nil
			}
		}
	}
	return false, nil
}

func decodeCounts(raw []byte, size int) (recvs []int64, sends []int64, err error) {
	if len(raw) != 2*size*8 {
		return nil, nil, fmt.Errorf("expected %d bytes, got %d", 2*size*8, len(raw))
	}
	counts := make([]int64, 2*size)
	for i := range counts {
		v, n := protowire.ConsumeFixed64(raw)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		counts[i] = int64(v)
		raw = raw[n:]
	}
	return counts[:size], counts[size:], nil
}

// Sync blocks until every message sent by any worker of the group has
// been processed. It is a collective.
func (a *Agent) Sync(ctx context.Context) error {
	if err := a.g.Barrier(ctx); err != nil {
		return fmt.Errorf("agent: sync barrier: %w", err)
	}

	for {
		// Tasks can enqueue new messages, e.g. a handler issuing a
		// nested request, so the pool is drained before every check.
		a.pool.waitWorkComplete()

		outstanding, err := a.hasOutstandingTraffic(ctx)
		if err != nil {
			return err
		}
		if !outstanding {
			return nil
		}
	}
}

// Join waits for the whole group to be done: all messages are processed
// and no request is pending on any worker. It is a collective.
func (a *Agent) Join(ctx context.Context) error {
	if err := a.Sync(ctx); err != nil {
		return err
	}
	if err := a.futures.waitEmpty(ctx); err != nil {
		return fmt.Errorf("agent: waiting for pending requests: %w", err)
	}
	if err := a.g.Barrier(ctx); err != nil {
		return fmt.Errorf("agent: join barrier: %w", err)
	}
	a.logger.Info("group joined")
	return nil
}

// Shutdown stops the agent. The context of running handlers is cancelled
// first. Pending requests are not failed, except by the watchdog before
// it stops. Calling it more than once is a no-op.
func (a *Agent) Shutdown() error {
	a.lk.Lock()
	if a.shutdown {
		a.lk.Unlock()
		return nil
	}
	a.shutdown = true
	a.running.Store(false)
	a.lk.Unlock()

	// Handlers blocked on nested requests must give up, the responses
	// will not be received anymore.
	a.cancelHandlers()

	start := time.Now()
	a.logger.Info("shutting down...")

	a.logger.Info("shutdown: timeout watchdog")
	a.futures.stop()

	a.logger.Info("shutdown: listener")
	a.recvLk.Lock()
	if a.recvWork != nil {
		a.recvWork.Abort()
	}
	a.recvLk.Unlock()

	a.logger.Info("shutdown: worker pool")
	a.pool.waitWorkComplete()
	a.wg.Wait()
	a.pool.stop()
	a.cancel()

	a.logger.Info("shutdown complete", LabelDuration.L(time.Since(start)))
	return nil
}

func (a *Agent) fatal(err error) {
	a.logger.Error("unrecoverable error", LabelError.L(err))
	a.config.onFatal(err)
}

func (a *Agent) labels(labels ...metrics.Label) []metrics.Label {
	return withLabels(a.config.metricLabels, labels...)
}
