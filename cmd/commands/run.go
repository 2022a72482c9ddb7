package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/service"

	cfg "marketbft/config"
	"marketbft/etl"
	"marketbft/harness"
	"marketbft/libs/clock"
	"marketbft/node"
	"marketbft/privval"
	"marketbft/rpc"
	"marketbft/store"
	"marketbft/transport"
)

var port int

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding a marketbft node
func AddNodeFlags(cmd *cobra.Command) {
	cmd.Flags().Int("node_id", config.NodeID, "id of this node, 0..nodes-1")
	cmd.Flags().String("mode", config.Mode, "live (one node over websockets) or offline (in-process cluster)")
	cmd.Flags().Int64("key_seed", config.KeySeed, "seed the validator keys are derived from")

	// consensus flags
	cmd.Flags().String("consensus.strategy", config.Consensus.Strategy, "consensus strategy")
	cmd.Flags().Int("consensus.nodes", config.Consensus.Nodes, "number of nodes in the cluster")
	cmd.Flags().Int("consensus.window", config.Consensus.Window, "max sequences in flight")
	cmd.Flags().Bool("consensus.sign_messages", config.Consensus.SignMessages, "sign and verify consensus messages")
	cmd.Flags().Duration("consensus.block_interval", config.Consensus.BlockInterval, "proposal interval of the primary")

	// ledger flags
	cmd.Flags().String("ledger.backend", config.Ledger.Backend, "ledger backend: goleveldb, memdb or sqlite")

	// etl flags
	cmd.Flags().String("etl.source", config.ETL.Source, "transaction source: mock or live")

	// rpc flags
	cmd.Flags().String("rpc.laddr", config.RPC.ListenAddress, "RPC and peer listen address")
	cmd.Flags().String("rpc.peers", config.RPC.Peers, "comma separated id@host:port list of the other nodes")
	cmd.Flags().IntVar(&port, "port", 0, "listen port, overrides the port of rpc.laddr")

	aliasFlags(cmd, map[string]string{
		"node-id":   "node_id",
		"consensus": "consensus.strategy",
		"nodes":     "consensus.nodes",
		"backend":   "ledger.backend",
		"source":    "etl.source",
		"peers":     "rpc.peers",
	})
}

// NewRunNodeCmd returns the command that runs a node, or an in-process
// cluster in offline mode.
func NewRunNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"node", "start"},
		Short:   "Run the marketbft node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				host, _, err := net.SplitHostPort(config.RPC.ListenAddress)
				if err != nil {
					return errors.Wrap(err, "rpc.laddr")
				}
				config.RPC.ListenAddress = net.JoinHostPort(host, fmt.Sprint(port))
			}
			if config.Mode == cfg.ModeOffline {
				return runOffline(cmd.Context())
			}

			n, err := newLiveNode(config, logger)
			if err != nil {
				return errors.Wrap(err, "failed to create node")
			}
			if err := n.Start(); err != nil {
				return errors.Wrap(err, "failed to start node")
			}
			logger.Info("Started node", "id", config.NodeID, "strategy", config.Consensus.Strategy,
				"laddr", config.RPC.ListenAddress)

			// Stop upon receiving SIGTERM or CTRL-C.
			tmos.TrapSignal(logger, func() {
				if n.IsRunning() {
					if err := n.Stop(); err != nil {
						logger.Error("unable to stop the node", "error", err)
					}
				}
			})

			// Run forever.
			select {}
		},
	}

	AddNodeFlags(cmd)
	return cmd
}

// runOffline runs the configured strategy on an in-process cluster fed by
// the mock source and keeps the resulting ledgers.
func runOffline(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	offline := *config
	harnessConfig := *config.Harness
	harnessConfig.Strategies = config.Consensus.Strategy
	offline.Harness = &harnessConfig

	report, err := harness.NewHarness(&offline, logger, harness.KeepLedger()).Run(ctx)
	if err != nil {
		return err
	}
	return report.WriteTable(os.Stdout)
}

//-----------------------------------------------------------------------------

// liveNode is one node of a cluster spread over processes: the consensus
// node, its websocket transport, the ETL loop and the RPC server.
type liveNode struct {
	service.BaseService

	config    *cfg.Config
	node      *node.Node
	transport *transport.WSTransport
	pipeline  *etl.Pipeline
	db        store.Store
	listener  net.Listener

	cancel context.CancelFunc
	done   chan struct{}
}

func newLiveNode(config *cfg.Config, logger log.Logger) (*liveNode, error) {
	peers, err := config.RPC.PeerAddrs()
	if err != nil {
		return nil, err
	}
	clk := clock.System()

	tr := transport.NewWSTransport(config.NodeID, peers, config.Consensus.QueueSize, nil)
	tr.SetLogger(logger.With("module", "transport"))

	db, err := store.NewStore(config.Ledger.Backend, "ledger", config.Ledger.LedgerDir())
	if err != nil {
		return nil, errors.Wrap(err, "open ledger")
	}

	var options []node.Option
	if config.Consensus.SignMessages {
		pv, err := privval.LoadFilePV(config.PrivValidatorKeyFile())
		if err != nil {
			db.Close()
			return nil, errors.Wrap(err, "load validator key, run gen-validator first")
		}
		if pv.NodeID() != config.NodeID {
			db.Close()
			return nil, errors.Errorf("validator key belongs to node %d, not %d", pv.NodeID(), config.NodeID)
		}
		vals, _ := privval.GenValidatorSet(config.Consensus.Nodes, config.KeySeed)
		options = append(options, node.WithSigner(pv, vals))
	}

	nd, err := node.NewNode(config, tr, db, clk, logger.With("node", config.NodeID), options...)
	if err != nil {
		db.Close()
		return nil, err
	}
	tr.SetReceiver(nd)

	etlLogger := logger.With("module", "etl")
	source, err := etl.NewSource(config.ETL, clk, etlLogger)
	if err != nil {
		db.Close()
		return nil, err
	}
	transformer := etl.NewTransformer(etl.NewValidator(config.ETL), config.ETL.DedupWindow, clk)
	pipeline := etl.NewPipeline(source, transformer, nd.Mempool())
	pipeline.SetLogger(etlLogger)

	metricSet := nd.MetricSet()
	if err := metricSet.SetMetrics("etl", pipeline.Metric()); err != nil {
		db.Close()
		return nil, err
	}
	rpc.SetEnvironment(&rpc.Environment{
		Node:      nd,
		Pipeline:  pipeline,
		MetricSet: metricSet,
		Logger:    logger.With("module", "rpc"),
	})

	n := &liveNode{
		config:    config,
		node:      nd,
		transport: tr,
		pipeline:  pipeline,
		db:        db,
		done:      make(chan struct{}),
	}
	n.BaseService = *service.NewBaseService(logger, "LiveNode", n)
	return n, nil
}

func (n *liveNode) OnStart() error {
	if err := n.node.Start(); err != nil {
		return err
	}
	if err := n.transport.Start(); err != nil {
		n.node.Stop()
		return err
	}

	listener, rpcConfig, err := rpc.Listen(n.config.RPC.ListenAddress, n.config.RPC.MaxBodyBytes)
	if err != nil {
		n.transport.Stop()
		n.node.Stop()
		return err
	}
	n.listener = listener
	rpcLogger := n.Logger.With("module", "rpc-server")
	mux := rpc.NewServeMux(n.transport.Handler(), n.config.RPC.MaxBodyBytes, rpcLogger)
	go func() {
		if err := rpc.Serve(listener, mux, rpcConfig, rpcLogger); err != nil {
			rpcLogger.Info("RPC server stopped", "reason", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	go n.produceRoutine(ctx)
	return nil
}

func (n *liveNode) OnStop() {
	n.cancel()
	<-n.done
	if err := n.listener.Close(); err != nil {
		n.Logger.Error("Error closing listener", "err", err)
	}
	if err := n.transport.Stop(); err != nil {
		n.Logger.Error("Error stopping transport", "err", err)
	}
	if err := n.node.Stop(); err != nil {
		n.Logger.Error("Error stopping node", "err", err)
	}
	if err := n.db.Close(); err != nil {
		n.Logger.Error("Error closing ledger", "err", err)
	}
}

// produceRoutine runs the primary's block loop: every block interval it
// pulls one ETL batch into the mempool and proposes. Backups only serve
// consensus and the RPC surface.
func (n *liveNode) produceRoutine(ctx context.Context) {
	defer close(n.done)
	if !n.node.IsPrimary() {
		return
	}

	ticker := time.NewTicker(n.config.Consensus.BlockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats, err := n.pipeline.Run(ctx, n.config.ETL.BatchSize)
		if err != nil {
			n.Logger.Error("ETL run failed", "err", err)
		} else if stats.Dropped > 0 {
			n.Logger.Info("ETL dropped events", "stats", stats)
		}

		id, err := n.node.Propose(ctx)
		switch {
		case err == nil:
			n.Logger.Debug("Proposed", "seq", id.Sequence, "digest", id.Digest)
		case errors.Is(err, node.ErrWindowFull):
			n.Logger.Debug("Window full, skipping proposal", "height", n.node.Height())
		case errors.Is(err, context.Canceled):
			return
		default:
			n.Logger.Error("Propose failed", "err", err)
		}
	}
}
