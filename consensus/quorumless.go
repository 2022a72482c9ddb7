package consensus

import (
	"fmt"

	"github.com/pkg/errors"

	cstypes "marketbft/consensus/types"
	"marketbft/types"
)

// Quorumless commits the first valid proposal it sees for a sequence, from
// any node. A later proposal with another digest is a Conflict fault.
type Quorumless struct {
	base
}

var _ Strategy = (*Quorumless)(nil)

func NewQuorumless(cfg Config) (*Quorumless, error) {
	b, err := newBase(cfg, KindQuorumless)
	if err != nil {
		return nil, err
	}
	b.params = Params{
		Quorum:         1,
		CrashTolerance: cfg.N - 1,
		Description:    "Quorumless - first valid proposal wins",
	}
	return &Quorumless{base: b}, nil
}

func (q *Quorumless) Propose(block *types.Block) (types.ProposalID, error) {
	if err := q.validateBlock(block); err != nil {
		return types.ProposalID{}, errors.Wrap(ErrInvalidProposal, err.Error())
	}
	ss := q.seq(block.Index)
	if ss.Step != cstypes.StepIdle {
		return types.ProposalID{}, errors.Wrapf(ErrSequenceInUse, "sequence %d is %v", block.Index, ss.Step)
	}
	ss.Proposer = q.cfg.NodeID
	ss.Commit(block, q.selfQC(types.MsgPropose, q.cfg.View, block.Index, block.Hash), q.now())
	q.broadcast(q.newMsg(types.MsgPropose, q.cfg.View, block.Index, block.Hash, block))
	return types.ProposalID{View: q.cfg.View, Sequence: block.Index, Digest: block.Hash}, nil
}

func (q *Quorumless) Handle(msg *types.ConsensusMessage) (*types.QuorumCertificate, error) {
	if err := q.checkMessage(msg); err != nil {
		return nil, err
	}
	if msg.Type != types.MsgPropose {
		return nil, errors.Errorf("quorumless does not handle %v", msg.Type)
	}
	if !msg.MatchesBlock() {
		q.recordFault(types.FaultDigestMismatch, msg, "digest does not match block")
		return nil, nil
	}
	ss := q.seq(msg.Sequence)
	switch ss.Step {
	case cstypes.StepIdle:
	case cstypes.StepCommitted:
		if ss.Digest != msg.Digest {
			q.recordFault(types.FaultConflict, msg, fmt.Sprintf("kept %s", ss.Digest))
		}
		return nil, nil
	default:
		return nil, nil
	}
	if err := q.validateBlock(msg.Block); err != nil {
		q.Logger.Info("Ignored invalid proposal", "seq", msg.Sequence, "from", msg.Sender, "err", err)
		return nil, nil
	}
	ss.Proposer = msg.Sender
	qc := q.selfQC(types.MsgPropose, msg.View, msg.Sequence, msg.Digest, msg.Sender, q.cfg.NodeID)
	ss.Commit(msg.Block, qc, q.now())
	return qc, nil
}
