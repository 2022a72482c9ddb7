package consensus

import (
	"fmt"

	"github.com/pkg/errors"

	cstypes "marketbft/consensus/types"
	"marketbft/types"
)

// PBFT is the normal-case three phase protocol under a static primary:
//
//	primary: PrePrepare(block) + Prepare
//	backups: Prepare on a valid PrePrepare
//	all:     Commit after 2f+1 matching Prepares, commit after 2f+1 Commits
//
// Votes that arrive before the PrePrepare are kept and counted later.
type PBFT struct {
	base

	f      int
	quorum int
}

var _ Strategy = (*PBFT)(nil)

func NewPBFT(cfg Config) (*PBFT, error) {
	b, err := newBase(cfg, KindPBFT)
	if err != nil {
		return nil, err
	}
	f := (cfg.N - 1) / 3
	if cfg.N < 3*f+1 {
		return nil, errors.Wrapf(ErrInvalidParams, "pbft needs n >= 3f+1, n=%d f=%d", cfg.N, f)
	}
	p := &PBFT{base: b, f: f, quorum: 2*f + 1}
	p.params = Params{
		Quorum:             p.quorum,
		ByzantineTolerance: f,
		CrashTolerance:     f,
		RequiresMajority:   true,
		Description:        fmt.Sprintf("Practical Byzantine Fault Tolerance - requires 2f+1 out of 3f+1 nodes (f=%d)", f),
	}
	return p, nil
}

func (p *PBFT) Propose(block *types.Block) (types.ProposalID, error) {
	if !p.isPrimary() {
		return types.ProposalID{}, errors.Wrapf(ErrNotPrimary, "node %d, view %d", p.cfg.NodeID, p.cfg.View)
	}
	if err := p.validateBlock(block); err != nil {
		return types.ProposalID{}, errors.Wrap(ErrInvalidProposal, err.Error())
	}
	ss := p.seq(block.Index)
	p.touch(ss)
	if ss.Step != cstypes.StepIdle {
		return types.ProposalID{}, errors.Wrapf(ErrSequenceInUse, "sequence %d is %v", block.Index, ss.Step)
	}

	ss.Accept(block, p.cfg.NodeID)
	ss.Step = cstypes.StepPrePrepared
	p.start(ss)
	p.broadcast(p.newMsg(types.MsgPrePrepare, p.cfg.View, block.Index, block.Hash, block))
	p.vote(ss, types.MsgPrepare)
	p.tryPrepared(ss)

	return types.ProposalID{View: p.cfg.View, Sequence: block.Index, Digest: block.Hash}, nil
}

func (p *PBFT) Handle(msg *types.ConsensusMessage) (*types.QuorumCertificate, error) {
	if err := p.checkMessage(msg); err != nil {
		return nil, err
	}
	if msg.Sender == p.cfg.NodeID {
		return nil, nil
	}
	ss := p.seq(msg.Sequence)
	p.touch(ss)
	if ss.IsFinal() {
		return nil, nil
	}
	if msg.View != p.cfg.View {
		p.recordFault(types.FaultStaleView, msg, fmt.Sprintf("view %d, ours %d", msg.View, p.cfg.View))
		return nil, nil
	}

	switch msg.Type {
	case types.MsgPrePrepare:
		return p.handlePrePrepare(ss, msg), nil
	case types.MsgPrepare, types.MsgCommit:
		if err := ss.VoteSet(msg.Type).AddVote(msg); err != nil {
			if errors.Is(err, cstypes.ErrVoteConflict) {
				p.recordEquivocation(msg, err.Error())
			}
			return nil, nil
		}
		if msg.Type == types.MsgPrepare {
			return p.tryPrepared(ss), nil
		}
		return p.tryCommitted(ss), nil
	default:
		return nil, errors.Errorf("pbft does not handle %v", msg.Type)
	}
}

func (p *PBFT) handlePrePrepare(ss *cstypes.SeqState, msg *types.ConsensusMessage) *types.QuorumCertificate {
	if primary := Primary(p.cfg.View, p.cfg.N); msg.Sender != primary {
		p.recordFault(types.FaultWrongProposer, msg, fmt.Sprintf("primary is %d", primary))
		return nil
	}
	if !msg.MatchesBlock() {
		p.recordFault(types.FaultDigestMismatch, msg, "digest does not match block")
		return nil
	}
	if ss.Step != cstypes.StepIdle {
		if ss.Digest != msg.Digest {
			p.recordEquivocation(msg, fmt.Sprintf("pre-prepared %s then %s", ss.Digest, msg.Digest))
		}
		return nil
	}
	if err := p.validateBlock(msg.Block); err != nil {
		ss.AddCandidate(msg.Block)
		ss.Step = cstypes.StepRejected
		p.Logger.Info("Rejected pre-prepared block", "seq", msg.Sequence, "err", err)
		return nil
	}

	ss.Accept(msg.Block, msg.Sender)
	ss.Step = cstypes.StepPrePrepared
	p.start(ss)
	p.vote(ss, types.MsgPrepare)
	return p.tryPrepared(ss)
}

// vote records this node's own vote for the accepted digest and sends it.
func (p *PBFT) vote(ss *cstypes.SeqState, phase types.MsgType) {
	msg := p.newMsg(phase, p.cfg.View, ss.Sequence, ss.Digest, nil)
	if err := ss.VoteSet(phase).AddVote(msg); err != nil {
		p.Logger.Error("Failed to add own vote", "msg", msg, "err", err)
	}
	p.broadcast(msg)
}

func (p *PBFT) tryPrepared(ss *cstypes.SeqState) *types.QuorumCertificate {
	if ss.Step != cstypes.StepPrePrepared {
		return nil
	}
	prepares := ss.VoteSet(types.MsgPrepare)
	if prepares.Count(ss.Digest) < p.quorum {
		return nil
	}
	ss.PreparedDigest = ss.Digest
	ss.PreparedQC = p.makeQC(prepares, p.cfg.View, ss.Sequence, ss.Digest)
	ss.Step = cstypes.StepPrepared
	p.Logger.Debug("Prepared", "seq", ss.Sequence, "qc", ss.PreparedQC)

	p.vote(ss, types.MsgCommit)
	return p.tryCommitted(ss)
}

func (p *PBFT) tryCommitted(ss *cstypes.SeqState) *types.QuorumCertificate {
	if ss.Step != cstypes.StepPrepared {
		return nil
	}
	commits := ss.VoteSet(types.MsgCommit)
	if commits.Count(ss.Digest) < p.quorum {
		return nil
	}
	qc := p.makeQC(commits, p.cfg.View, ss.Sequence, ss.Digest)
	ss.Commit(ss.Block, qc, p.now())
	p.Logger.Info("Committed", "seq", ss.Sequence, "block", ss.Block, "qc", qc)
	return qc
}

// Tolerance returns f, the number of Byzantine nodes tolerated.
func (p *PBFT) Tolerance() int {
	return p.f
}

// State returns the progress of seq for inspection in tests and status
// queries.
func (p *PBFT) State(seq int64) (*cstypes.SeqState, bool) {
	return p.seqs.Get(seq)
}
