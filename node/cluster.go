package node

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	cfg "marketbft/config"
	"marketbft/consensus"
	"marketbft/libs/clock"
	"marketbft/privval"
	"marketbft/store"
	"marketbft/transport"
)

// LocalCluster is an n node cluster in one process, wired over a
// deterministic bus. Nothing is delivered until Drain is called.
type LocalCluster struct {
	Nodes  []*Node
	Bus    *transport.Bus
	Clock  *clock.Logical
	ValSet *privval.ValidatorSet // nil when messages are unsigned

	byzantine map[int]bool
	crashed   map[int]bool
	logger    log.Logger
}

// NewLocalCluster builds config.Consensus.Nodes nodes sharing clk. Nodes
// listed in config.Harness.Byzantine equivocate, nodes listed in
// config.Harness.Crashed are disconnected from the start.
func NewLocalCluster(config *cfg.Config, clk *clock.Logical, logger log.Logger) (*LocalCluster, error) {
	n := config.Consensus.Nodes
	byzantine, err := config.Harness.ByzantineIDs()
	if err != nil {
		return nil, err
	}
	crashed, err := config.Harness.CrashedIDs()
	if err != nil {
		return nil, err
	}

	c := &LocalCluster{
		Bus:       transport.NewBus(n, clk, config.Harness.Hop),
		Clock:     clk,
		byzantine: make(map[int]bool),
		crashed:   make(map[int]bool),
		logger:    logger,
	}
	c.Bus.SetLogger(logger.With("module", "bus"))
	for _, id := range byzantine {
		if id >= n {
			return nil, errors.Wrapf(ErrUnknownNode, "byzantine id %d", id)
		}
		c.byzantine[id] = true
	}
	for _, id := range crashed {
		if id >= n {
			return nil, errors.Wrapf(ErrUnknownNode, "crashed id %d", id)
		}
		c.crashed[id] = true
		c.Bus.Crash(id)
	}

	var pvs []*privval.FilePV
	if config.Consensus.SignMessages {
		c.ValSet, pvs = privval.GenValidatorSet(n, config.KeySeed)
	}

	for id := 0; id < n; id++ {
		nodeLogger := logger.With("node", id)
		db, err := store.NewStore(config.Ledger.Backend, fmt.Sprintf("node%d", id), config.Ledger.LedgerDir())
		if err != nil {
			c.closeStores()
			return nil, errors.Wrapf(err, "open ledger of node %d", id)
		}

		var options []Option
		var signer privval.Signer
		if pvs != nil {
			signer = pvs[id]
			options = append(options, WithSigner(pvs[id], c.ValSet))
		}
		var sender consensus.Sender = c.Bus.Endpoint(id)
		if c.byzantine[id] {
			eq := transport.NewEquivocator(sender, id, n, signer)
			eq.SetLogger(nodeLogger.With("module", "equivocator"))
			sender = eq
		}

		nd, err := NewNode(nodeConfig(config, id), sender, db, clk, nodeLogger, options...)
		if err != nil {
			db.Close()
			c.closeStores()
			return nil, err
		}
		if err := c.Bus.Register(id, nd); err != nil {
			db.Close()
			c.closeStores()
			return nil, err
		}
		c.Nodes = append(c.Nodes, nd)
	}
	return c, nil
}

func nodeConfig(config *cfg.Config, id int) *cfg.Config {
	c := *config
	c.NodeID = id
	return &c
}

func (c *LocalCluster) Start() error {
	for _, nd := range c.Nodes {
		if err := nd.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every node and closes the ledgers.
func (c *LocalCluster) Stop() error {
	var firstErr error
	for _, nd := range c.Nodes {
		if !nd.IsRunning() {
			continue
		}
		if err := nd.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.closeStores()
	return firstErr
}

func (c *LocalCluster) closeStores() {
	for _, nd := range c.Nodes {
		if err := nd.Store().Close(); err != nil {
			c.logger.Error("failed to close ledger", "node", nd.ID(), "err", err)
		}
	}
}

// Primary returns the node that proposes in the configured view.
func (c *LocalCluster) Primary() *Node {
	for _, nd := range c.Nodes {
		if nd.IsPrimary() {
			return nd
		}
	}
	return c.Nodes[0]
}

func (c *LocalCluster) IsByzantine(id int) bool {
	return c.byzantine[id]
}

func (c *LocalCluster) IsCrashed(id int) bool {
	return c.crashed[id]
}

// Honest returns the nodes that are neither byzantine nor crashed.
func (c *LocalCluster) Honest() []*Node {
	var honest []*Node
	for _, nd := range c.Nodes {
		if !c.IsByzantine(nd.ID()) && !c.IsCrashed(nd.ID()) {
			honest = append(honest, nd)
		}
	}
	return honest
}

// Drain delivers queued messages until the bus is idle.
func (c *LocalCluster) Drain(ctx context.Context) (int, error) {
	return c.Bus.Drain(ctx)
}

// ExpireTimeouts sweeps every node.
func (c *LocalCluster) ExpireTimeouts(ctx context.Context) error {
	for _, nd := range c.Nodes {
		if err := nd.ExpireTimeouts(ctx); err != nil {
			return errors.Wrapf(err, "node %d", nd.ID())
		}
	}
	return nil
}
