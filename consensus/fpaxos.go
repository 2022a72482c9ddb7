package consensus

import (
	"fmt"

	"github.com/pkg/errors"

	cstypes "marketbft/consensus/types"
	"marketbft/types"
)

// FlexiblePaxos is single-decree Paxos per sequence with distinct phase
// quorums: Q1 promises before proposing, Q2 accepts to commit. Any Q1 and
// Q2 quorum must intersect, so q1+q2 > n.
//
//	proposer: PromiseRequest(b)          -> all
//	acceptor: Promise(b, prior accepted) -> proposer
//	proposer: Accept(b, v) after Q1      -> all
//	acceptor: Accepted(b, v)             -> all, commit after Q2
type FlexiblePaxos struct {
	base

	q1, q2 int

	acceptors map[int64]*acceptorState
	proposals map[int64]*proposerState
	accepted  map[ballotKey]*cstypes.VoteSet
}

type acceptorState struct {
	promised       int64
	acceptedBallot int64
	accepted       *types.Block
}

type proposerState struct {
	ballot    int64
	accepting bool
	value     *types.Block
	promises  map[int]struct{}

	// highest prior accepted value reported in a promise
	prior       *types.Block
	priorBallot int64
}

type ballotKey struct {
	seq    int64
	ballot int64
}

var _ Strategy = (*FlexiblePaxos)(nil)

// ValidateQuorums checks the flexible quorum constraints for n nodes.
func ValidateQuorums(n, q1, q2 int) error {
	if q1 < 1 || q1 > n || q2 < 1 || q2 > n {
		return errors.Wrapf(ErrInvalidParams, "quorums must be in [1, %d], got q1=%d q2=%d", n, q1, q2)
	}
	if q1+q2 <= n {
		return errors.Wrapf(ErrInvalidParams, "q1+q2 must exceed n: %d+%d <= %d", q1, q2, n)
	}
	if q1 < n/2+1 {
		return errors.Wrapf(ErrInvalidParams, "q1 must be a majority: %d < %d", q1, n/2+1)
	}
	return nil
}

func NewFlexiblePaxos(cfg Config) (*FlexiblePaxos, error) {
	b, err := newBase(cfg, KindFlexiblePaxos)
	if err != nil {
		return nil, err
	}
	q1, q2 := cfg.FPaxos.Q1, cfg.FPaxos.Q2
	if err := ValidateQuorums(cfg.N, q1, q2); err != nil {
		return nil, err
	}
	maxQ := q1
	if q2 > maxQ {
		maxQ = q2
	}
	b.params = Params{
		Quorum:           q2,
		CrashTolerance:   cfg.N - maxQ,
		RequiresMajority: true,
		Description:      fmt.Sprintf("Flexible Paxos - Q1=%d promises, Q2=%d accepts", q1, q2),
	}
	return &FlexiblePaxos{
		base:      b,
		q1:        q1,
		q2:        q2,
		acceptors: make(map[int64]*acceptorState),
		proposals: make(map[int64]*proposerState),
		accepted:  make(map[ballotKey]*cstypes.VoteSet),
	}, nil
}

// Ballot returns this node's ballot number for round.
func (fp *FlexiblePaxos) Ballot(round int64) int64 {
	return round*int64(fp.cfg.N) + int64(fp.cfg.NodeID)
}

func (fp *FlexiblePaxos) Propose(block *types.Block) (types.ProposalID, error) {
	if err := fp.validateBlock(block); err != nil {
		return types.ProposalID{}, errors.Wrap(ErrInvalidProposal, err.Error())
	}
	ss := fp.seq(block.Index)
	fp.touch(ss)
	if ss.Step != cstypes.StepIdle || fp.proposals[block.Index] != nil {
		return types.ProposalID{}, errors.Wrapf(ErrSequenceInUse, "sequence %d is %v", block.Index, ss.Step)
	}

	// a higher ballot may already have been promised to another proposer
	round := int64(0)
	if acc, ok := fp.acceptors[block.Index]; ok {
		for fp.Ballot(round) <= acc.promised {
			round++
		}
	}
	prop := &proposerState{
		ballot:      fp.Ballot(round),
		value:       block,
		promises:    make(map[int]struct{}),
		priorBallot: -1,
	}
	fp.proposals[block.Index] = prop
	ss.AddCandidate(block)
	fp.start(ss)
	ss.Proposer = fp.cfg.NodeID
	ss.View = prop.ballot

	req := fp.newMsg(types.MsgPromiseRequest, prop.ballot, block.Index, block.Hash, nil)
	fp.broadcast(req)
	if promise := fp.prepare(req); promise != nil {
		fp.handlePromise(ss, promise)
	}
	return types.ProposalID{View: prop.ballot, Sequence: block.Index, Digest: block.Hash}, nil
}

func (fp *FlexiblePaxos) Handle(msg *types.ConsensusMessage) (*types.QuorumCertificate, error) {
	if err := fp.checkMessage(msg); err != nil {
		return nil, err
	}
	if msg.Sender == fp.cfg.NodeID {
		return nil, nil
	}
	ss := fp.seq(msg.Sequence)
	fp.touch(ss)

	switch msg.Type {
	case types.MsgPromiseRequest:
		if promise := fp.prepare(msg); promise != nil {
			fp.send(msg.Sender, promise)
		}
		return nil, nil
	case types.MsgAccept:
		if ss.IsFinal() {
			return nil, nil
		}
		return fp.accept(ss, msg), nil
	case types.MsgPromise:
		if ss.IsFinal() {
			return nil, nil
		}
		return fp.handlePromise(ss, msg), nil
	case types.MsgAccepted:
		if ss.IsFinal() {
			return nil, nil
		}
		return fp.handleAccepted(ss, msg), nil
	default:
		return nil, errors.Errorf("flexible paxos does not handle %v", msg.Type)
	}
}

func (fp *FlexiblePaxos) acceptor(seq int64) *acceptorState {
	acc, ok := fp.acceptors[seq]
	if !ok {
		acc = &acceptorState{promised: -1, acceptedBallot: -1}
		fp.acceptors[seq] = acc
	}
	return acc
}

// prepare is the acceptor side of phase 1. It returns nil when the ballot
// is not higher than one already promised.
func (fp *FlexiblePaxos) prepare(req *types.ConsensusMessage) *types.ConsensusMessage {
	acc := fp.acceptor(req.Sequence)
	if req.View <= acc.promised {
		fp.Logger.Debug("Refused promise", "seq", req.Sequence, "ballot", req.View, "promised", acc.promised)
		return nil
	}
	acc.promised = req.View

	var (
		digest string
		block  *types.Block
	)
	if acc.accepted != nil {
		digest, block = acc.accepted.Hash, acc.accepted
	}
	promise := fp.newMsg(types.MsgPromise, req.View, req.Sequence, digest, block)
	promise.PriorView = acc.acceptedBallot
	return promise
}

// handlePromise counts a promise for this node's current ballot and starts
// phase 2 once Q1 promised.
func (fp *FlexiblePaxos) handlePromise(ss *cstypes.SeqState, msg *types.ConsensusMessage) *types.QuorumCertificate {
	prop, ok := fp.proposals[msg.Sequence]
	if !ok || prop.accepting || msg.View != prop.ballot {
		return nil
	}
	if _, dup := prop.promises[msg.Sender]; dup {
		return nil
	}
	if msg.Block != nil {
		if !msg.MatchesBlock() {
			fp.recordFault(types.FaultDigestMismatch, msg, "promised value does not match digest")
			return nil
		}
		if msg.PriorView > prop.priorBallot {
			prop.prior, prop.priorBallot = msg.Block, msg.PriorView
		}
	}
	prop.promises[msg.Sender] = struct{}{}
	if len(prop.promises) < fp.q1 {
		return nil
	}

	prop.accepting = true
	value := prop.value
	if prop.prior != nil && prop.prior.Hash != value.Hash {
		fp.Logger.Info("Re-proposing prior accepted value", "seq", msg.Sequence,
			"ballot", prop.ballot, "prior_ballot", prop.priorBallot, "block", prop.prior)
		value = prop.prior
	}
	ss.AddCandidate(value)
	accept := fp.newMsg(types.MsgAccept, prop.ballot, msg.Sequence, value.Hash, value)
	fp.broadcast(accept)
	return fp.accept(ss, accept)
}

// accept is the acceptor side of phase 2.
func (fp *FlexiblePaxos) accept(ss *cstypes.SeqState, msg *types.ConsensusMessage) *types.QuorumCertificate {
	if !msg.MatchesBlock() {
		fp.recordFault(types.FaultDigestMismatch, msg, "digest does not match block")
		return nil
	}
	acc := fp.acceptor(msg.Sequence)
	if msg.View < acc.promised {
		fp.Logger.Debug("Refused accept", "seq", msg.Sequence, "ballot", msg.View, "promised", acc.promised)
		return nil
	}
	if err := fp.validateBlock(msg.Block); err != nil {
		fp.Logger.Info("Refused invalid value", "seq", msg.Sequence, "from", msg.Sender, "err", err)
		return nil
	}
	acc.promised = msg.View
	acc.acceptedBallot = msg.View
	acc.accepted = msg.Block
	ss.AddCandidate(msg.Block)
	fp.start(ss)

	accepted := fp.newMsg(types.MsgAccepted, msg.View, msg.Sequence, msg.Digest, nil)
	fp.broadcast(accepted)
	return fp.handleAccepted(ss, accepted)
}

func (fp *FlexiblePaxos) handleAccepted(ss *cstypes.SeqState, msg *types.ConsensusMessage) *types.QuorumCertificate {
	key := ballotKey{msg.Sequence, msg.View}
	vs, ok := fp.accepted[key]
	if !ok {
		vs = cstypes.NewVoteSet(types.MsgAccepted)
		fp.accepted[key] = vs
	}
	if err := vs.AddVote(msg); err != nil {
		if errors.Is(err, cstypes.ErrVoteConflict) {
			fp.recordEquivocation(msg, err.Error())
		}
		return nil
	}
	if vs.Count(msg.Digest) < fp.q2 {
		return nil
	}
	block, ok := ss.Blocks[msg.Digest]
	if !ok {
		// value not seen yet, commit once the Accept arrives
		return nil
	}
	qc := fp.makeQC(vs, msg.View, msg.Sequence, msg.Digest)
	ss.View = msg.View
	ss.Commit(block, qc, fp.now())
	fp.Logger.Info("Committed", "seq", ss.Sequence, "ballot", msg.View, "block", block, "accepted", qc.Signers)
	return qc
}
