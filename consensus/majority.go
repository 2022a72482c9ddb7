package consensus

import (
	"fmt"

	"github.com/pkg/errors"

	cstypes "marketbft/consensus/types"
	"marketbft/types"
)

// SimpleMajority commits a block once n/2+1 nodes voted for its digest.
// Votes carry the block, and a node commits whatever block reaches the
// threshold first, even one it never saw proposed. It tolerates crashes but
// not a colluding majority.
type SimpleMajority struct {
	base

	quorum int
}

var _ Strategy = (*SimpleMajority)(nil)

func NewSimpleMajority(cfg Config) (*SimpleMajority, error) {
	b, err := newBase(cfg, KindSimpleMajority)
	if err != nil {
		return nil, err
	}
	quorum := cfg.N/2 + 1
	b.params = Params{
		Quorum:           quorum,
		CrashTolerance:   cfg.N - quorum,
		RequiresMajority: true,
		Description:      fmt.Sprintf("Simple majority - requires %d out of %d nodes", quorum, cfg.N),
	}
	return &SimpleMajority{base: b, quorum: quorum}, nil
}

func (sm *SimpleMajority) Propose(block *types.Block) (types.ProposalID, error) {
	if !sm.isPrimary() {
		return types.ProposalID{}, errors.Wrapf(ErrNotPrimary, "node %d, view %d", sm.cfg.NodeID, sm.cfg.View)
	}
	if err := sm.validateBlock(block); err != nil {
		return types.ProposalID{}, errors.Wrap(ErrInvalidProposal, err.Error())
	}
	ss := sm.seq(block.Index)
	sm.touch(ss)
	if ss.Step != cstypes.StepIdle {
		return types.ProposalID{}, errors.Wrapf(ErrSequenceInUse, "sequence %d is %v", block.Index, ss.Step)
	}
	ss.Accept(block, sm.cfg.NodeID)
	ss.Step = cstypes.StepPrePrepared
	sm.start(ss)
	sm.broadcast(sm.newMsg(types.MsgPropose, sm.cfg.View, block.Index, block.Hash, block))
	sm.vote(ss)
	sm.tryCommit(ss)
	return types.ProposalID{View: sm.cfg.View, Sequence: block.Index, Digest: block.Hash}, nil
}

func (sm *SimpleMajority) Handle(msg *types.ConsensusMessage) (*types.QuorumCertificate, error) {
	if err := sm.checkMessage(msg); err != nil {
		return nil, err
	}
	if msg.Sender == sm.cfg.NodeID {
		return nil, nil
	}
	ss := sm.seq(msg.Sequence)
	sm.touch(ss)
	if ss.IsFinal() {
		return nil, nil
	}

	switch msg.Type {
	case types.MsgPropose:
		if primary := Primary(sm.cfg.View, sm.cfg.N); msg.Sender != primary {
			sm.recordFault(types.FaultWrongProposer, msg, fmt.Sprintf("primary is %d", primary))
			return nil, nil
		}
		if !msg.MatchesBlock() {
			sm.recordFault(types.FaultDigestMismatch, msg, "digest does not match block")
			return nil, nil
		}
		ss.AddCandidate(msg.Block)
		if ss.Step != cstypes.StepIdle {
			if ss.Digest != msg.Digest {
				sm.recordFault(types.FaultConflict, msg, fmt.Sprintf("already voted %s", ss.Digest))
			}
			return sm.tryCommit(ss), nil
		}
		if err := sm.validateBlock(msg.Block); err != nil {
			ss.Step = cstypes.StepRejected
			sm.Logger.Info("Rejected proposed block", "seq", msg.Sequence, "err", err)
			return nil, nil
		}
		ss.Accept(msg.Block, msg.Sender)
		ss.Step = cstypes.StepPrePrepared
		sm.start(ss)
		sm.vote(ss)
		return sm.tryCommit(ss), nil

	case types.MsgVote:
		if msg.Block != nil {
			if !msg.MatchesBlock() {
				sm.recordFault(types.FaultDigestMismatch, msg, "vote block does not match digest")
				return nil, nil
			}
			ss.AddCandidate(msg.Block)
		}
		if err := ss.VoteSet(types.MsgVote).AddVote(msg); err != nil {
			if errors.Is(err, cstypes.ErrVoteConflict) {
				sm.recordEquivocation(msg, err.Error())
			}
			return nil, nil
		}
		return sm.tryCommit(ss), nil

	default:
		return nil, errors.Errorf("simple majority does not handle %v", msg.Type)
	}
}

// vote sends this node's vote, carrying the block, for the accepted digest.
func (sm *SimpleMajority) vote(ss *cstypes.SeqState) {
	msg := sm.newMsg(types.MsgVote, sm.cfg.View, ss.Sequence, ss.Digest, ss.Block)
	if err := ss.VoteSet(types.MsgVote).AddVote(msg); err != nil {
		sm.Logger.Error("Failed to add own vote", "msg", msg, "err", err)
	}
	sm.broadcast(msg)
}

// tryCommit commits the first digest, in sorted order, that reached the
// threshold and whose block is known.
func (sm *SimpleMajority) tryCommit(ss *cstypes.SeqState) *types.QuorumCertificate {
	if ss.IsFinal() {
		return nil
	}
	votes := ss.VoteSet(types.MsgVote)
	for _, digest := range votes.Digests() {
		if votes.Count(digest) < sm.quorum {
			continue
		}
		block, ok := ss.Blocks[digest]
		if !ok {
			continue
		}
		if digest != ss.Digest && ss.Digest != "" {
			sm.Logger.Info("Majority overrode own vote", "seq", ss.Sequence, "ours", ss.Digest, "majority", digest)
		}
		qc := sm.makeQC(votes, sm.cfg.View, ss.Sequence, digest)
		ss.Commit(block, qc, sm.now())
		sm.Logger.Info("Committed", "seq", ss.Sequence, "block", block, "votes", qc.Signers)
		return qc
	}
	return nil
}
