package consensus

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	cstypes "marketbft/consensus/types"
	"marketbft/types"
)

// Gossip commits a block on first receipt and forwards it to Fanout peers
// sampled with a per-node seeded RNG, for at most Rounds hops. Two blocks
// for one sequence resolve to the lexicographically smaller digest. There
// is no finality deadline.
type Gossip struct {
	base

	fanout int
	rounds int
	rng    *rand.Rand
}

var _ Strategy = (*Gossip)(nil)

func NewGossip(cfg Config) (*Gossip, error) {
	b, err := newBase(cfg, KindGossip)
	if err != nil {
		return nil, err
	}
	gc := cfg.Gossip
	if gc.Fanout < 1 || gc.Rounds < 1 {
		return nil, errors.Wrapf(ErrInvalidParams, "gossip fanout %d, rounds %d", gc.Fanout, gc.Rounds)
	}
	b.params = Params{
		Quorum:         1,
		CrashTolerance: cfg.N - 1,
		Description:    fmt.Sprintf("Gossip - fanout %d, %d rounds, probabilistic delivery", gc.Fanout, gc.Rounds),
	}
	return &Gossip{
		base:   b,
		fanout: gc.Fanout,
		rounds: gc.Rounds,
		rng:    rand.New(rand.NewSource(gc.Seed + int64(cfg.NodeID))),
	}, nil
}

func (g *Gossip) Propose(block *types.Block) (types.ProposalID, error) {
	if err := g.validateBlock(block); err != nil {
		return types.ProposalID{}, errors.Wrap(ErrInvalidProposal, err.Error())
	}
	ss := g.seq(block.Index)
	if ss.Step != cstypes.StepIdle {
		return types.ProposalID{}, errors.Wrapf(ErrSequenceInUse, "sequence %d is %v", block.Index, ss.Step)
	}
	ss.Proposer = g.cfg.NodeID
	ss.Commit(block, g.selfQC(types.MsgGossip, g.cfg.View, block.Index, block.Hash), g.now())

	msg := g.newMsg(types.MsgGossip, g.cfg.View, block.Index, block.Hash, block)
	msg.Hops = 1
	g.forward(msg, -1)
	return types.ProposalID{View: g.cfg.View, Sequence: block.Index, Digest: block.Hash}, nil
}

func (g *Gossip) Handle(msg *types.ConsensusMessage) (*types.QuorumCertificate, error) {
	if err := g.checkMessage(msg); err != nil {
		return nil, err
	}
	if msg.Type != types.MsgGossip {
		return nil, errors.Errorf("gossip does not handle %v", msg.Type)
	}
	if !msg.MatchesBlock() {
		g.recordFault(types.FaultDigestMismatch, msg, "digest does not match block")
		return nil, nil
	}
	ss := g.seq(msg.Sequence)

	switch ss.Step {
	case cstypes.StepIdle:
		if err := g.validateBlock(msg.Block); err != nil {
			g.Logger.Info("Dropped invalid gossip", "seq", msg.Sequence, "from", msg.Sender, "err", err)
			return nil, nil
		}
		ss.Proposer = msg.Sender
		qc := g.selfQC(types.MsgGossip, msg.View, msg.Sequence, msg.Digest, msg.Sender, g.cfg.NodeID)
		ss.Commit(msg.Block, qc, g.now())
		g.relay(msg)
		return qc, nil

	case cstypes.StepCommitted:
		if ss.Digest == msg.Digest {
			return nil, nil
		}
		g.recordFault(types.FaultConflict, msg, fmt.Sprintf("have %s", ss.Digest))
		if msg.Digest < ss.Digest {
			ss.Accept(msg.Block, msg.Sender)
			g.relay(msg)
		}
		return nil, nil
	}
	return nil, nil
}

// relay forwards a received block one hop further while rounds remain.
func (g *Gossip) relay(msg *types.ConsensusMessage) {
	if msg.Hops >= g.rounds {
		return
	}
	fwd := g.newMsg(types.MsgGossip, msg.View, msg.Sequence, msg.Digest, msg.Block)
	fwd.Hops = msg.Hops + 1
	g.forward(fwd, msg.Sender)
}

// forward sends msg to up to fanout peers other than this node and exclude.
func (g *Gossip) forward(msg *types.ConsensusMessage, exclude int) {
	peers := make([]int, 0, g.cfg.N)
	for _, id := range g.rng.Perm(g.cfg.N) {
		if id == g.cfg.NodeID || id == exclude {
			continue
		}
		peers = append(peers, id)
		if len(peers) == g.fanout {
			break
		}
	}
	for _, id := range peers {
		g.send(id, msg)
	}
}
