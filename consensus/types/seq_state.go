package types

import (
	"fmt"
	"sort"
	"time"

	"marketbft/types"
)

// SeqState is the progress of one sequence (block index) on one node. It is
// owned by the node's handler goroutine and never shared.
type SeqState struct {
	Sequence int64
	View     int64
	Step     StepType
	Proposer int

	// accepted block and its digest
	Block  *types.Block
	Digest string

	// candidate blocks seen for this sequence, by digest
	Blocks map[string]*types.Block

	Votes map[types.MsgType]*VoteSet

	PreparedDigest string
	PreparedQC     *types.QuorumCertificate
	CommittedQC    *types.QuorumCertificate

	// zero until a proposal for the sequence is made or accepted
	StartTime  time.Time
	CommitTime time.Time
}

func NewSeqState(seq, view int64) *SeqState {
	return &SeqState{
		Sequence: seq,
		View:     view,
		Step:     StepIdle,
		Proposer: -1,
		Blocks:   make(map[string]*types.Block),
		Votes:    make(map[types.MsgType]*VoteSet),
	}
}

// Start arms the liveness deadline of the sequence. Only the first call
// counts.
func (ss *SeqState) Start(now time.Time) {
	if ss.StartTime.IsZero() {
		ss.StartTime = now
	}
}

func (ss *SeqState) Started() bool {
	return !ss.StartTime.IsZero()
}

// VoteSet returns the vote set of phase, creating it on first use.
func (ss *SeqState) VoteSet(phase types.MsgType) *VoteSet {
	vs, ok := ss.Votes[phase]
	if !ok {
		vs = NewVoteSet(phase)
		ss.Votes[phase] = vs
	}
	return vs
}

// Accept makes block the value of this sequence.
func (ss *SeqState) Accept(block *types.Block, proposer int) {
	ss.Block = block
	ss.Digest = block.Hash
	ss.Proposer = proposer
	ss.Blocks[block.Hash] = block
}

func (ss *SeqState) AddCandidate(block *types.Block) {
	if block != nil {
		ss.Blocks[block.Hash] = block
	}
}

// Commit moves the sequence to StepCommitted with block as its value.
func (ss *SeqState) Commit(block *types.Block, qc *types.QuorumCertificate, now time.Time) {
	ss.Block = block
	ss.Digest = block.Hash
	ss.Blocks[block.Hash] = block
	ss.CommittedQC = qc
	ss.Step = StepCommitted
	ss.CommitTime = now
}

func (ss *SeqState) IsFinal() bool {
	return ss.Step.IsFinal()
}

func (ss *SeqState) Status() types.Status {
	return ss.Step.Status()
}

func (ss *SeqState) String() string {
	return fmt.Sprintf("SeqState{s:%d v:%d %v %s}", ss.Sequence, ss.View, ss.Step, ss.Digest)
}

//-----------------------------------------------------------------------------

// SeqLog indexes SeqState by sequence.
type SeqLog struct {
	states map[int64]*SeqState
}

func NewSeqLog() *SeqLog {
	return &SeqLog{states: make(map[int64]*SeqState)}
}

func (l *SeqLog) Get(seq int64) (*SeqState, bool) {
	ss, ok := l.states[seq]
	return ss, ok
}

// GetOrCreate returns the state of seq, creating it with the given view on
// first use.
func (l *SeqLog) GetOrCreate(seq, view int64) *SeqState {
	ss, ok := l.states[seq]
	if !ok {
		ss = NewSeqState(seq, view)
		l.states[seq] = ss
	}
	return ss
}

func (l *SeqLog) Len() int {
	return len(l.states)
}

// Sequences returns every tracked sequence in ascending order.
func (l *SeqLog) Sequences() []int64 {
	seqs := make([]int64, 0, len(l.states))
	for s := range l.states {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}
