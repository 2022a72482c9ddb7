package consensus

import (
	"github.com/pkg/errors"

	cstypes "marketbft/consensus/types"
	"marketbft/types"
)

// NoConsensus commits whatever its own node proposes and talks to nobody.
// It is the latency floor of the comparison.
type NoConsensus struct {
	base
}

var _ Strategy = (*NoConsensus)(nil)

func NewNoConsensus(cfg Config) (*NoConsensus, error) {
	b, err := newBase(cfg, KindNoConsensus)
	if err != nil {
		return nil, err
	}
	b.params = Params{
		Quorum:      1,
		Description: "No consensus - single node decides",
	}
	return &NoConsensus{base: b}, nil
}

func (nc *NoConsensus) Propose(block *types.Block) (types.ProposalID, error) {
	if err := nc.validateBlock(block); err != nil {
		return types.ProposalID{}, errors.Wrap(ErrInvalidProposal, err.Error())
	}
	ss := nc.seq(block.Index)
	if ss.Step != cstypes.StepIdle {
		return types.ProposalID{}, errors.Wrapf(ErrSequenceInUse, "sequence %d is %v", block.Index, ss.Step)
	}
	ss.Proposer = nc.cfg.NodeID
	ss.Commit(block, nc.selfQC(types.MsgPropose, nc.cfg.View, block.Index, block.Hash), nc.now())
	return types.ProposalID{View: nc.cfg.View, Sequence: block.Index, Digest: block.Hash}, nil
}

// Handle ignores every message.
func (nc *NoConsensus) Handle(msg *types.ConsensusMessage) (*types.QuorumCertificate, error) {
	return nil, nc.checkMessage(msg)
}
