// Package harness replays one seeded transaction stream through every
// consensus strategy on an in-process cluster and compares the outcomes.
//
// A run is deterministic: the bus delivers in a fixed order, all time is
// logical, and the mock source is seeded, so two runs with the same
// configuration produce the same report apart from the wall time.
package harness

import (
	"context"
	"time"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"

	cfg "marketbft/config"
	"marketbft/consensus"
	"marketbft/etl"
	"marketbft/libs/clock"
	"marketbft/node"
	"marketbft/types"
)

// Epoch is the logical start time of every run.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const listenerID = "harness"

type Harness struct {
	config *cfg.Config
	logger log.Logger

	keepLedger bool
}

// Option sets an optional parameter on the Harness.
type Option func(*Harness)

// KeepLedger makes runs write to the configured ledger backend instead of
// throwaway in-memory stores.
func KeepLedger() Option {
	return func(h *Harness) { h.keepLedger = true }
}

func NewHarness(config *cfg.Config, logger log.Logger, options ...Option) *Harness {
	h := &Harness{config: config, logger: logger}
	for _, option := range options {
		option(h)
	}
	return h
}

// Kinds returns the strategies selected by the harness config, in report
// order.
func (h *Harness) Kinds() ([]consensus.Kind, error) {
	names := h.config.Harness.StrategyNames()
	if len(names) == 0 {
		return consensus.AllKinds, nil
	}
	kinds := make([]consensus.Kind, 0, len(names))
	for _, name := range names {
		kind, err := consensus.ParseKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// Run runs every selected strategy in turn.
func (h *Harness) Run(ctx context.Context) (*Report, error) {
	kinds, err := h.Kinds()
	if err != nil {
		return nil, err
	}
	byzantine, err := h.config.Harness.ByzantineIDs()
	if err != nil {
		return nil, err
	}
	crashed, err := h.config.Harness.CrashedIDs()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	report := &Report{
		Seed:        h.config.Harness.Seed,
		Nodes:       h.config.Consensus.Nodes,
		Blocks:      h.config.Harness.Blocks,
		TxsPerBlock: h.config.Harness.TxsPerBlock,
		Window:      h.config.Consensus.Window,
		Byzantine:   byzantine,
		Crashed:     crashed,
	}
	for _, kind := range kinds {
		result, err := h.RunStrategy(ctx, kind)
		if err != nil {
			return nil, errors.Wrapf(err, "run %s", kind)
		}
		report.Results = append(report.Results, result)
	}
	report.WallTime = time.Since(start)
	return report, nil
}

// runConfig derives the config of one strategy run: no timeout ticker,
// timeouts are expired by the harness itself, and in-memory ledgers unless
// KeepLedger is set.
func (h *Harness) runConfig(kind consensus.Kind) *cfg.Config {
	config := *h.config
	consensusConfig := *h.config.Consensus
	consensusConfig.Strategy = string(kind)
	consensusConfig.TimeoutSweep = 0
	config.Consensus = &consensusConfig
	if !h.keepLedger {
		ledgerConfig := *h.config.Ledger
		ledgerConfig.Backend = cfg.BackendMemDB
		config.Ledger = &ledgerConfig
	}
	return &config
}

// RunStrategy runs the configured workload through a fresh cluster running
// kind.
func (h *Harness) RunStrategy(ctx context.Context, kind consensus.Kind) (*StrategyResult, error) {
	config := h.runConfig(kind)
	logger := h.logger.With("strategy", string(kind))
	clk := clock.NewLogical(Epoch)

	cluster, err := node.NewLocalCluster(config, clk, logger)
	if err != nil {
		return nil, err
	}
	if err := cluster.Start(); err != nil {
		cluster.Stop()
		return nil, err
	}
	defer func() {
		if err := cluster.Stop(); err != nil {
			logger.Error("failed to stop cluster", "err", err)
		}
	}()

	proposer := cluster.Primary()
	r := &run{
		config:   config,
		cluster:  cluster,
		proposer: proposer,
		clock:    clk,
		registry: metrics.NewRegistry(),
		logger:   logger,
	}
	r.latency = metrics.GetOrRegisterHistogram("latency", r.registry,
		metrics.NewUniformSample(config.Harness.Blocks+1))
	r.commits = metrics.GetOrRegisterCounter("commits", r.registry)
	r.stalled = metrics.GetOrRegisterCounter("stalled", r.registry)

	err = proposer.EventSwitch().AddListenerForEvent(listenerID, node.EventCommitted, func(data events.EventData) {
		ev := data.(node.EventDataCommitted)
		r.commits.Inc(1)
		r.latency.Update(ev.Latency.Microseconds())
	})
	if err != nil {
		return nil, err
	}
	defer proposer.EventSwitch().RemoveListener(listenerID)

	source := etl.NewMockSource(config.Harness.Seed, clk.Now(), etl.MockMalformedEvery(config.ETL.MalformedEvery))
	transformer := etl.NewTransformer(etl.NewValidator(config.ETL), config.ETL.DedupWindow, clk)
	r.pipeline = etl.NewPipeline(source, transformer, proposer.Mempool())
	r.pipeline.SetLogger(logger.With("module", "etl"))

	if err := r.drive(ctx); err != nil {
		return nil, err
	}
	return r.result()
}

// run is the state of one strategy run.
type run struct {
	config   *cfg.Config
	cluster  *node.LocalCluster
	proposer *node.Node
	pipeline *etl.Pipeline
	clock    *clock.Logical

	registry metrics.Registry
	latency  metrics.Histogram
	commits  metrics.Counter
	stalled  metrics.Counter

	logger log.Logger
}

// drive feeds one batch per block and proposes it. While the window is full
// the bus is drained first; a proposal that still does not fit is counted
// as stalled and its batch rolls into the next block.
func (r *run) drive(ctx context.Context) error {
	for i := 0; i < r.config.Harness.Blocks; i++ {
		if _, err := r.pipeline.Run(ctx, r.config.Harness.TxsPerBlock); err != nil {
			return err
		}
		// local block production costs one hop
		r.clock.Advance(r.config.Harness.Hop)

		_, err := r.proposer.Propose(ctx)
		if errors.Is(err, node.ErrWindowFull) {
			if err := r.settle(ctx); err != nil {
				return err
			}
			_, err = r.proposer.Propose(ctx)
		}
		switch {
		case err == nil:
		case errors.Is(err, node.ErrWindowFull):
			r.stalled.Inc(1)
		default:
			return err
		}
	}
	return r.settle(ctx)
}

// settle delivers every queued message. Sequences the proposer still has
// open afterwards can only end by timeout, so the clock is moved past it.
func (r *run) settle(ctx context.Context) error {
	if _, err := r.cluster.Drain(ctx); err != nil {
		return err
	}
	if !r.pendingProposals() {
		return nil
	}
	r.clock.Advance(r.config.Consensus.Timeout)
	if err := r.cluster.ExpireTimeouts(ctx); err != nil {
		return err
	}
	_, err := r.cluster.Drain(ctx)
	return err
}

func (r *run) pendingProposals() bool {
	for seq := r.proposer.Height() + 1; seq <= r.proposer.Metric().HighestProposed; seq++ {
		if !r.proposer.Status(seq).IsFinal() {
			return true
		}
	}
	return false
}

func (r *run) result() (*StrategyResult, error) {
	n := r.config.Consensus.Nodes
	params := r.proposer.Params()
	metric := r.proposer.Metric()

	var ledgers [][]*types.Block
	faults := 0
	for _, nd := range r.cluster.Honest() {
		blocks, err := nd.Ledger()
		if err != nil {
			return nil, err
		}
		ledgers = append(ledgers, blocks)
		faults += len(nd.Faults())
	}
	agreement, replication := checkAgreement(ledgers)

	commits := r.commits.Count()
	messages := r.cluster.Bus.Sent()
	msgsPerCommit := float64(messages)
	if commits > 0 {
		msgsPerCommit = float64(messages) / float64(commits)
	}
	elapsed := r.clock.Since(Epoch)
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(commits) / elapsed.Seconds()
	}

	result := &StrategyResult{
		Strategy:          r.proposer.StrategyName(),
		Kind:              r.config.Consensus.Strategy,
		Params:            params,
		LatencyMean:       r.latency.Mean() / 1000,
		LatencyStdDev:     r.latency.StdDev() / 1000,
		LatencyP50:        r.latency.Percentile(0.5) / 1000,
		LatencyP95:        r.latency.Percentile(0.95) / 1000,
		LatencyMax:        float64(r.latency.Max()) / 1000,
		Throughput:        throughput,
		Commits:           commits,
		Aborts:            metric.Aborts,
		Stalled:           r.stalled.Count(),
		Height:            r.proposer.Height(),
		Messages:          messages,
		MessagesPerCommit: msgsPerCommit,
		Faults:            faults,
		Agreement:         agreement,
		Replication:       replication,
		LogicalTimeMs:     float64(elapsed) / float64(time.Millisecond),

		DecentralizationScore: Decentralization(params, n),
		SecurityScore:         Security(params, n),
		ScalabilityScore:      Scalability(n, msgsPerCommit),
	}
	r.logger.Info("strategy finished", "commits", result.Commits, "aborts", result.Aborts,
		"stalled", result.Stalled, "messages", result.Messages, "agreement", result.Agreement)
	return result, nil
}

// checkAgreement compares the ledgers of the honest nodes. They agree when
// each one is a prefix of the longest; replication is the share that holds
// the longest in full.
func checkAgreement(ledgers [][]*types.Block) (bool, float64) {
	if len(ledgers) == 0 {
		return true, 0
	}
	longest := ledgers[0]
	for _, l := range ledgers[1:] {
		if len(l) > len(longest) {
			longest = l
		}
	}

	agree := true
	full := 0
	for _, l := range ledgers {
		prefix := true
		for i, b := range l {
			if b.Hash != longest[i].Hash {
				prefix = false
				break
			}
		}
		if !prefix {
			agree = false
			continue
		}
		if len(l) == len(longest) {
			full++
		}
	}
	return agree, float64(full) / float64(len(ledgers))
}
