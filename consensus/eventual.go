package consensus

import (
	"fmt"

	"github.com/pkg/errors"

	cstypes "marketbft/consensus/types"
	"marketbft/types"
)

// Eventual commits optimistically and replicates with Update/Ack. The
// proposer counts Acks against MinConfirmations; confirmation is reported
// but never gates the commit. Divergent updates reconcile by last writer
// wins on (block timestamp, sender).
type Eventual struct {
	base

	minConfirmations int
	confirmed        map[int64]bool
}

var _ Strategy = (*Eventual)(nil)

func NewEventual(cfg Config) (*Eventual, error) {
	b, err := newBase(cfg, KindEventual)
	if err != nil {
		return nil, err
	}
	mc := cfg.Eventual.MinConfirmations
	if mc < 0 || mc > cfg.N-1 {
		return nil, errors.Wrapf(ErrInvalidParams, "min confirmations %d with %d peers", mc, cfg.N-1)
	}
	b.params = Params{
		Quorum:         1,
		CrashTolerance: cfg.N - 1,
		Description:    fmt.Sprintf("Eventual consistency - optimistic commit, %d confirmations", mc),
	}
	return &Eventual{
		base:             b,
		minConfirmations: mc,
		confirmed:        make(map[int64]bool),
	}, nil
}

func (e *Eventual) Propose(block *types.Block) (types.ProposalID, error) {
	if err := e.validateBlock(block); err != nil {
		return types.ProposalID{}, errors.Wrap(ErrInvalidProposal, err.Error())
	}
	ss := e.seq(block.Index)
	if ss.Step != cstypes.StepIdle {
		return types.ProposalID{}, errors.Wrapf(ErrSequenceInUse, "sequence %d is %v", block.Index, ss.Step)
	}
	ss.Proposer = e.cfg.NodeID
	ss.Commit(block, e.selfQC(types.MsgUpdate, e.cfg.View, block.Index, block.Hash), e.now())
	e.checkConfirmed(ss)
	e.broadcast(e.newMsg(types.MsgUpdate, e.cfg.View, block.Index, block.Hash, block))
	return types.ProposalID{View: e.cfg.View, Sequence: block.Index, Digest: block.Hash}, nil
}

func (e *Eventual) Handle(msg *types.ConsensusMessage) (*types.QuorumCertificate, error) {
	if err := e.checkMessage(msg); err != nil {
		return nil, err
	}
	switch msg.Type {
	case types.MsgUpdate:
		return e.handleUpdate(msg), nil
	case types.MsgAck:
		ss, ok := e.seqs.Get(msg.Sequence)
		if !ok || ss.Proposer != e.cfg.NodeID {
			return nil, nil
		}
		if err := ss.VoteSet(types.MsgAck).AddVote(msg); err != nil {
			return nil, nil
		}
		e.checkConfirmed(ss)
		return nil, nil
	default:
		return nil, errors.Errorf("eventual consistency does not handle %v", msg.Type)
	}
}

func (e *Eventual) handleUpdate(msg *types.ConsensusMessage) *types.QuorumCertificate {
	if !msg.MatchesBlock() {
		e.recordFault(types.FaultDigestMismatch, msg, "digest does not match block")
		return nil
	}
	if err := e.validateBlock(msg.Block); err != nil {
		e.Logger.Info("Dropped invalid update", "seq", msg.Sequence, "from", msg.Sender, "err", err)
		return nil
	}
	ss := e.seq(msg.Sequence)
	if ss.Step == cstypes.StepCommitted {
		if ss.Digest == msg.Digest {
			return nil
		}
		e.recordFault(types.FaultConflict, msg, fmt.Sprintf("have %s from %d", ss.Digest, ss.Proposer))
		if newerWrite(msg.Block.Timestamp, msg.Sender, ss.Block.Timestamp, ss.Proposer) {
			ss.Accept(msg.Block, msg.Sender)
			e.ack(msg)
		}
		return nil
	}

	ss.Proposer = msg.Sender
	qc := e.selfQC(types.MsgUpdate, msg.View, msg.Sequence, msg.Digest, msg.Sender, e.cfg.NodeID)
	ss.Commit(msg.Block, qc, e.now())
	e.ack(msg)
	return qc
}

func (e *Eventual) ack(update *types.ConsensusMessage) {
	e.send(update.Sender, e.newMsg(types.MsgAck, update.View, update.Sequence, update.Digest, nil))
}

func (e *Eventual) checkConfirmed(ss *cstypes.SeqState) {
	if e.confirmed[ss.Sequence] {
		return
	}
	if ss.VoteSet(types.MsgAck).Count(ss.Digest) >= e.minConfirmations {
		e.confirmed[ss.Sequence] = true
		e.Logger.Debug("Update confirmed", "seq", ss.Sequence, "confirmations", e.minConfirmations)
	}
}

// Confirmed reports whether this node's own update for seq collected
// MinConfirmations acks.
func (e *Eventual) Confirmed(seq int64) bool {
	return e.confirmed[seq]
}

// newerWrite orders writes by (timestamp, sender).
func newerWrite(ts int64, sender int, curTs int64, curSender int) bool {
	if ts != curTs {
		return ts > curTs
	}
	return sender > curSender
}
