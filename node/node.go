package node

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	cfg "marketbft/config"
	"marketbft/consensus"
	"marketbft/libs/clock"
	"marketbft/libs/metric"
	"marketbft/mempool"
	"marketbft/privval"
	"marketbft/state"
	"marketbft/store"
	"marketbft/types"
)

const (
	EventCommitted = "Committed"
	EventTimedOut  = "TimedOut"
	EventRejected  = "Rejected"
	EventFault     = "Fault"
)

// EventDataCommitted is fired once per sequence, when the strategy reports
// it committed. The block may be applied to the ledger later if an earlier
// sequence is still open.
type EventDataCommitted struct {
	NodeID  int
	Block   *types.Block
	QC      *types.QuorumCertificate // nil when the commit did not come from a message
	Latency time.Duration            // proposer only
}

// EventDataAborted is fired for TimedOut and Rejected sequences.
type EventDataAborted struct {
	NodeID   int
	Sequence int64
	Status   types.Status
}

type EventDataFault struct {
	NodeID int
	Fault  types.Fault
}

// Node is one replica: it drives a consensus strategy and applies what it
// commits to its ledger. All strategy state is owned by receiveRoutine;
// Propose, ExpireTimeouts and inbound messages are all funneled into it.
type Node struct {
	service.BaseService

	config *cfg.Config
	id     int
	clock  clock.Clock

	strategy  consensus.Strategy
	mempool   mempool.Mempool
	blockExec state.BlockExecutor
	store     store.Store
	sender    consensus.Sender

	signer privval.Signer
	valSet *privval.ValidatorSet

	// drop peer messages outside inWindow
	windowed bool

	// read by rpc and the harness, written by receiveRoutine
	mtx      sync.RWMutex
	state    state.State
	statuses map[int64]types.Status
	qcs      map[int64]*types.QuorumCertificate
	faults   []types.Fault

	// owned by receiveRoutine
	highestProposed int64
	lastProposed    *types.Block
	proposedAt      map[int64]time.Time
	inflight        map[int64]struct{}
	pending         map[int64]*types.Block // committed, waiting for their predecessor
	strategyFaults  int

	peerMsgQueue     chan msgInfo
	internalMsgQueue chan callInfo
	done             chan struct{}

	evsw      events.EventSwitch
	metrics   *Metrics
	metric    *consensus.Metric
	metricSet *metric.MetricSet
}

type Option func(*Node)

// WithSigner signs outbound messages with signer and verifies inbound ones
// against vals. Certificates are aggregated when every vote is signed.
func WithSigner(signer privval.Signer, vals *privval.ValidatorSet) Option {
	return func(n *Node) {
		n.signer = signer
		n.valSet = vals
	}
}

// WithMempool replaces the default list mempool.
func WithMempool(mem mempool.Mempool) Option {
	return func(n *Node) {
		n.mempool = mem
	}
}

// NewNode builds node config.NodeID on top of the ledger in db, appending
// genesis if it is empty. sender carries the node's outbound messages and
// clk is the time source of the strategy timeouts.
func NewNode(config *cfg.Config, sender consensus.Sender, db store.Store, clk clock.Clock,
	logger log.Logger, options ...Option) (*Node, error) {
	if err := config.Consensus.ValidateBasic(); err != nil {
		return nil, errors.Wrap(err, "error in [consensus] section")
	}
	kind, err := consensus.ParseKind(config.Consensus.Strategy)
	if err != nil {
		return nil, err
	}

	st, err := state.LoadState(db)
	if err != nil {
		return nil, errors.Wrap(err, "load state")
	}

	n := &Node{
		config:           config,
		id:               config.NodeID,
		clock:            clk,
		store:            db,
		sender:           sender,
		windowed:         kind.Timed(),
		state:            st,
		statuses:         make(map[int64]types.Status),
		qcs:              make(map[int64]*types.QuorumCertificate),
		highestProposed:  st.Height(),
		proposedAt:       make(map[int64]time.Time),
		inflight:         make(map[int64]struct{}),
		pending:          make(map[int64]*types.Block),
		peerMsgQueue:     make(chan msgInfo, config.Consensus.QueueSize),
		internalMsgQueue: make(chan callInfo),
		done:             make(chan struct{}),
		evsw:             events.NewEventSwitch(),
		metricSet:        metric.NewMetricSet(),
	}
	for _, option := range options {
		option(n)
	}

	if n.mempool == nil {
		mem := mempool.NewListMempool(config.Mempool, st.Height())
		mem.SetLogger(logger.With("module", "mempool"))
		if err := n.metricSet.SetMetrics("mempool", mem.Metric()); err != nil {
			return nil, err
		}
		n.mempool = mem
	}
	n.blockExec = state.NewBlockExecutor(db, n.mempool, state.MaxBlockTxs(config.Consensus.MaxBlockTxs))
	n.blockExec.SetLogger(logger.With("module", "state"))

	n.strategy, err = consensus.NewStrategy(kind, n.strategyConfig(logger.With("module", "consensus")))
	if err != nil {
		return nil, err
	}
	n.metrics = NewMetrics(n.id, n.strategy.Name())
	n.metric = consensus.NewMetric(n.strategy, n.id, config.Consensus.View, config.Consensus.Nodes)
	n.metric.HighestProposed = st.Height()
	n.metric.HighestCommitted = st.Height()
	if err := n.metricSet.SetMetrics("consensus", n.metric); err != nil {
		return nil, err
	}
	n.metrics.Height.Set(float64(st.Height()))

	n.BaseService = *service.NewBaseService(logger, "Node", n)
	n.evsw.SetLogger(logger.With("module", "events"))
	return n, nil
}

func (n *Node) strategyConfig(logger log.Logger) consensus.Config {
	c := n.config.Consensus
	cc := consensus.DefaultConfig(n.id, c.Nodes)
	cc.View = c.View
	cc.Timeout = c.Timeout
	cc.Clock = n.clock
	cc.Sender = n.sender
	cc.Validate = n.validateBlock
	cc.Logger = logger
	if n.signer != nil {
		cc.Signer = n.signer
	}
	if n.valSet != nil {
		cc.Aggregator = n.valSet
	}
	cc.Gossip = consensus.GossipConfig{Fanout: c.GossipFanout, Rounds: c.GossipRounds, Seed: c.GossipSeed}
	// 单节点集群没有可以确认的对端
	minConf := c.EventualMinConfirmations
	if minConf > c.Nodes-1 {
		minConf = c.Nodes - 1
	}
	cc.Eventual = consensus.EventualConfig{MinConfirmations: minConf}
	if c.FPaxosQ1 > 0 {
		cc.FPaxos.Q1 = c.FPaxosQ1
	}
	if c.FPaxosQ2 > 0 {
		cc.FPaxos.Q2 = c.FPaxosQ2
	}
	return cc
}

// validateBlock runs inside strategy.Handle, that is on receiveRoutine.
func (n *Node) validateBlock(block *types.Block) error {
	return n.blockExec.ValidateBlock(n.state, block)
}

// OnStart implements service.Service.
func (n *Node) OnStart() error {
	if err := n.evsw.Start(); err != nil {
		return err
	}
	go n.receiveRoutine()
	n.Logger.Info("node started", "id", n.id, "strategy", n.strategy.Name(), "height", n.Height())
	return nil
}

// OnStop implements service.Service.
func (n *Node) OnStop() {
	<-n.done
	if err := n.evsw.Stop(); err != nil {
		n.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
	n.Logger.Info("node stopped", "id", n.id, "height", n.Height())
}

// receiveRoutine负责接收所有的消息，是唯一修改strategy状态的协程
func (n *Node) receiveRoutine() {
	defer close(n.done)

	var sweep <-chan time.Time
	if n.config.Consensus.TimeoutSweep > 0 {
		ticker := time.NewTicker(n.config.Consensus.TimeoutSweep)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case <-n.Quit():
			return

		case mi := <-n.peerMsgQueue:
			// 接收到其他节点的消息
			n.handleMsg(mi.Msg)
			if mi.Done != nil {
				close(mi.Done)
			}

		case ci := <-n.internalMsgQueue:
			ci.fn()
			close(ci.done)

		case <-sweep:
			n.expireTimeouts()
		}
	}
}

// Receive implements transport.Receiver. done, if not nil, is closed once
// the message has been handled.
func (n *Node) Receive(msg *types.ConsensusMessage, done chan struct{}) error {
	select {
	case n.peerMsgQueue <- msgInfo{Msg: msg, Done: done}:
		return nil
	case <-n.Quit():
		return ErrNodeNotRunning
	}
}

func (n *Node) handleMsg(msg *types.ConsensusMessage) {
	n.metrics.Messages.WithLabelValues(msg.Type.String()).Inc()

	if n.valSet != nil {
		if err := n.valSet.VerifyMessage(msg); err != nil {
			n.addFault(types.Fault{
				Kind:     types.FaultInvalidSignature,
				Sender:   msg.Sender,
				View:     msg.View,
				Sequence: msg.Sequence,
				Detail:   err.Error(),
			})
			return
		}
	}

	if n.windowed && !n.inWindow(msg.Sequence) {
		n.Logger.Debug("dropped message outside the window", "msg", msg, "height", n.state.Height())
		return
	}

	qc, err := n.strategy.Handle(msg)
	n.syncFaults()
	if err != nil {
		n.Logger.Debug("dropped message", "msg", msg, "err", err)
		return
	}
	if qc != nil {
		n.checkQC(qc)
		n.mtx.Lock()
		n.qcs[qc.Sequence] = qc
		n.mtx.Unlock()
	}
	n.track(msg.Sequence)
	n.checkSeq(msg.Sequence, qc)
}

// inWindow bounds the sequences peers can open on this node. The proposer
// runs at most one window past its own height; the second window lets this
// node lag one behind it.
func (n *Node) inWindow(seq int64) bool {
	height := n.state.Height()
	return seq > height && seq <= height+2*int64(n.config.Consensus.Window)
}

func (n *Node) checkQC(qc *types.QuorumCertificate) {
	if n.valSet == nil || len(qc.Signature) == 0 {
		return
	}
	if err := n.valSet.VerifyQC(qc); err != nil {
		n.Logger.Error("certificate does not verify", "seq", qc.Sequence, "err", err)
	}
}

// syncFaults publishes the faults the strategy recorded since the last call.
func (n *Node) syncFaults() {
	faults := n.strategy.Faults()
	for _, f := range faults[n.strategyFaults:] {
		n.addFault(f)
	}
	n.strategyFaults = len(faults)
}

func (n *Node) addFault(f types.Fault) {
	n.Logger.Info("fault", "fault", f)
	n.mtx.Lock()
	n.faults = append(n.faults, f)
	n.mtx.Unlock()
	n.metric.MarkFault()
	n.metrics.Faults.WithLabelValues(f.Kind.String()).Inc()
	n.evsw.FireEvent(EventFault, EventDataFault{NodeID: n.id, Fault: f})
}

func (n *Node) track(seq int64) {
	if seq <= n.Height() {
		return
	}
	if st := n.Status(seq); st.IsFinal() {
		return
	}
	n.inflight[seq] = struct{}{}
	n.metrics.InFlight.Set(float64(len(n.inflight)))
}

// checkSeq records the first final status of seq. Later changes, e.g. a
// gossip conflict resolved after the commit, are not re-applied.
func (n *Node) checkSeq(seq int64, qc *types.QuorumCertificate) {
	if n.Status(seq).IsFinal() {
		return
	}
	status := n.strategy.Status(seq)
	if !status.IsFinal() {
		return
	}

	n.mtx.Lock()
	n.statuses[seq] = status
	n.mtx.Unlock()
	delete(n.inflight, seq)
	n.metrics.InFlight.Set(float64(len(n.inflight)))

	switch status {
	case types.StatusCommitted:
		block, err := n.strategy.Finalize(seq)
		if err != nil {
			// unreachable, Committed always has a block
			n.Logger.Error("finalize committed sequence", "seq", seq, "err", err)
			return
		}
		var latency time.Duration
		if t, ok := n.proposedAt[seq]; ok {
			latency = n.clock.Now().Sub(t)
			delete(n.proposedAt, seq)
		}
		n.metric.MarkCommitted(seq, n.clock.Now())
		n.metrics.RecordCommit(latency)
		n.pending[seq] = block
		n.applyPending()
		n.evsw.FireEvent(EventCommitted, EventDataCommitted{NodeID: n.id, Block: block, QC: qc, Latency: latency})

	default:
		delete(n.proposedAt, seq)
		n.metric.MarkAborted(status)
		n.metrics.Aborts.WithLabelValues(status.String()).Inc()
		n.Logger.Info("sequence aborted", "seq", seq, "status", status)
		event := EventTimedOut
		if status == types.StatusRejected {
			event = EventRejected
		}
		n.evsw.FireEvent(event, EventDataAborted{NodeID: n.id, Sequence: seq, Status: status})
	}
}

// applyPending appends buffered committed blocks to the ledger in index
// order. A block the ledger refuses is dropped; on a storage failure it
// stays buffered and is retried.
func (n *Node) applyPending() {
	for {
		next := n.state.Height() + 1
		block, ok := n.pending[next]
		if !ok {
			break
		}
		delete(n.pending, next)

		newState, err := n.blockExec.ApplyBlock(n.state, block)
		if err != nil {
			if errors.Is(err, state.ErrInvalidBlock) || errors.Is(err, state.ErrConflictingBlock) {
				n.Logger.Error("committed block refused by ledger", "block", block, "err", err)
				n.metrics.ApplyFailures.Inc()
				continue
			}
			n.Logger.Error("failed to apply committed block", "block", block, "err", err)
			n.pending[next] = block
			break
		}
		n.mtx.Lock()
		n.state = newState
		n.mtx.Unlock()
		n.metrics.Height.Set(float64(newState.Height()))
	}
	// stale entries can no longer be applied
	for seq := range n.pending {
		if seq <= n.state.Height() {
			delete(n.pending, seq)
		}
	}
	n.metrics.MempoolSize.Set(float64(n.mempool.Size()))
}

func (n *Node) expireTimeouts() {
	seqs := make([]int64, 0, len(n.inflight))
	for seq := range n.inflight {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		n.checkSeq(seq, nil)
	}
	n.applyPending()
}

// propose builds the successor of the highest block this node knows of,
// committed or still in flight, and hands it to the strategy.
func (n *Node) propose() (types.ProposalID, error) {
	committed := n.state.Height()
	if n.highestProposed-committed >= int64(n.config.Consensus.Window) {
		return types.ProposalID{}, errors.Wrapf(ErrWindowFull, "proposed %d, committed %d, window %d",
			n.highestProposed, committed, n.config.Consensus.Window)
	}

	prev := n.state.LastBlock
	if n.lastProposed != nil && n.lastProposed.Index > prev.Index {
		prev = n.lastProposed
	}
	block := n.blockExec.CreateProposal(prev, clock.Millis(n.clock))

	id, err := n.strategy.Propose(block)
	n.syncFaults()
	if err != nil {
		// the block never entered consensus
		n.mempool.Requeue(block.Txs)
		return id, err
	}

	n.highestProposed = block.Index
	n.lastProposed = block
	n.proposedAt[block.Index] = n.clock.Now()
	n.metric.MarkProposed(block.Index)
	n.metrics.Proposals.Inc()
	n.Logger.Debug("proposed", "id", id, "block", block)

	n.track(block.Index)
	n.checkSeq(block.Index, nil)
	return id, nil
}

// call runs fn on receiveRoutine and waits for it.
func (n *Node) call(ctx context.Context, fn func()) error {
	if !n.IsRunning() {
		return ErrNodeNotRunning
	}
	ci := callInfo{fn: fn, done: make(chan struct{})}
	select {
	case n.internalMsgQueue <- ci:
	case <-n.Quit():
		return ErrNodeNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ci.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Propose drains the mempool into the next block and starts consensus on
// it. It fails with ErrWindowFull while window sequences are in flight.
func (n *Node) Propose(ctx context.Context) (types.ProposalID, error) {
	var (
		id  types.ProposalID
		err error
	)
	if cerr := n.call(ctx, func() { id, err = n.propose() }); cerr != nil {
		return id, cerr
	}
	return id, err
}

// ExpireTimeouts moves in-flight sequences past their timeout to TimedOut.
// Nodes with a timeout_sweep do this on their own.
func (n *Node) ExpireTimeouts(ctx context.Context) error {
	return n.call(ctx, n.expireTimeouts)
}

//-----------------------------------------------------------------------------
// Read-only accessors, safe from any goroutine.

func (n *Node) ID() int {
	return n.id
}

// Status returns the final status recorded for seq, Pending if there is none.
func (n *Node) Status(seq int64) types.Status {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.statuses[seq]
}

// Certificate returns the certificate seq committed with, if this node
// committed it on a message.
func (n *Node) Certificate(seq int64) *types.QuorumCertificate {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.qcs[seq]
}

func (n *Node) State() state.State {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.state.Copy()
}

func (n *Node) Height() int64 {
	return n.State().Height()
}

// Ledger returns the applied blocks from genesis to the tip.
func (n *Node) Ledger() ([]*types.Block, error) {
	return n.store.Query(0, n.Height())
}

// Faults returns every fault this node observed.
func (n *Node) Faults() []types.Fault {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	faults := make([]types.Fault, len(n.faults))
	copy(faults, n.faults)
	return faults
}

func (n *Node) StrategyName() string {
	return n.strategy.Name()
}

func (n *Node) Params() consensus.Params {
	return n.strategy.Params()
}

func (n *Node) IsPrimary() bool {
	return consensus.Primary(n.config.Consensus.View, n.config.Consensus.Nodes) == n.id
}

func (n *Node) Store() store.Store {
	return n.store
}

func (n *Node) Mempool() mempool.Mempool {
	return n.mempool
}

func (n *Node) EventSwitch() events.EventSwitch {
	return n.evsw
}

func (n *Node) Metrics() *Metrics {
	return n.metrics
}

func (n *Node) Metric() *consensus.Metric {
	return n.metric
}

func (n *Node) MetricSet() *metric.MetricSet {
	return n.metricSet
}

//-----------------------------------------------------------------------------

type msgInfo struct {
	Msg  *types.ConsensusMessage
	Done chan struct{}
}

// internally generated calls which may update the state
type callInfo struct {
	fn   func()
	done chan struct{}
}
