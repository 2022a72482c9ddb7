package consensus

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketbft/types"
)

func TestValidateQuorums(t *testing.T) {
	testCases := []struct {
		n, q1, q2 int
		ok        bool
	}{
		{4, 3, 2, true},
		{4, 4, 1, true},
		{5, 3, 3, true},
		{5, 4, 2, true},
		{1, 1, 1, true},
		{3, 2, 2, true},
		{4, 2, 3, false}, // q1 not a majority
		{4, 3, 1, false}, // 3+1 <= 4
		{4, 5, 1, false},
		{4, 0, 4, false},
		{4, 3, 0, false},
	}
	for _, tc := range testCases {
		err := ValidateQuorums(tc.n, tc.q1, tc.q2)
		if tc.ok {
			assert.NoError(t, err, "n=%d q1=%d q2=%d", tc.n, tc.q1, tc.q2)
		} else {
			assert.True(t, errors.Is(err, ErrInvalidParams), "n=%d q1=%d q2=%d", tc.n, tc.q1, tc.q2)
		}
	}

	cfg := DefaultConfig(0, 4)
	cfg.Sender = &captureSender{}
	cfg.FPaxos = FPaxosConfig{Q1: 2, Q2: 2}
	_, err := NewStrategy(KindFlexiblePaxos, cfg)
	assert.True(t, errors.Is(err, ErrInvalidParams))
}

func TestFlexiblePaxosBallot(t *testing.T) {
	s, _, _ := newCaptured(t, KindFlexiblePaxos, 2, 4)
	fp := s.(*FlexiblePaxos)
	assert.EqualValues(t, 2, fp.Ballot(0))
	assert.EqualValues(t, 6, fp.Ballot(1))
	assert.EqualValues(t, 10, fp.Ballot(2))
}

func TestFlexiblePaxosCommit(t *testing.T) {
	tn := newTestNet(t, KindFlexiblePaxos, 4)
	block := makeBlock("a")

	id, err := tn.nodes[0].Propose(block)
	require.NoError(t, err)
	assert.EqualValues(t, 0, id.View)
	tn.drain()

	assert.Equal(t, []string{block.Hash, block.Hash, block.Hash, block.Hash}, tn.committed(1))
	for i := 0; i < 4; i++ {
		require.Len(t, tn.qcs[i], 1, "node %d", i)
		assert.Equal(t, types.MsgAccepted, tn.qcs[i][0].Phase)
		assert.NoError(t, tn.qcs[i][0].ValidateBasic(2))
	}
}

func TestFlexiblePaxosProposerOtherThanZero(t *testing.T) {
	tn := newTestNet(t, KindFlexiblePaxos, 5, func(cfg *Config) {
		cfg.FPaxos = FPaxosConfig{Q1: 4, Q2: 2}
	})
	block := makeBlock("a")
	id, err := tn.nodes[3].Propose(block)
	require.NoError(t, err)
	assert.EqualValues(t, 3, id.View)
	tn.drain()
	for i := 0; i < 5; i++ {
		assert.Equal(t, types.StatusCommitted, tn.nodes[i].Status(1), "node %d", i)
	}
}

func TestFlexiblePaxosReproposesPriorValue(t *testing.T) {
	s, sender, _ := newCaptured(t, KindFlexiblePaxos, 1, 4)
	mine, prior := makeBlock("mine"), makeBlock("prior")

	id, err := s.Propose(mine)
	require.NoError(t, err)
	assert.EqualValues(t, 1, id.View)
	require.Len(t, sender.ofType(types.MsgPromiseRequest), 1)

	withPrior := &types.ConsensusMessage{
		Type: types.MsgPromise, View: 1, Sequence: 1, Sender: 2,
		Digest: prior.Hash, Block: prior, PriorView: 0,
	}
	empty := &types.ConsensusMessage{
		Type: types.MsgPromise, View: 1, Sequence: 1, Sender: 3, PriorView: -1,
	}
	_, err = s.Handle(withPrior)
	require.NoError(t, err)
	assert.Empty(t, sender.ofType(types.MsgAccept), "two promises are below q1")
	_, err = s.Handle(empty)
	require.NoError(t, err)

	accepts := sender.ofType(types.MsgAccept)
	require.Len(t, accepts, 1)
	assert.Equal(t, prior.Hash, accepts[0].Digest)
	assert.EqualValues(t, 1, accepts[0].View)
}

func TestFlexiblePaxosAcceptorRefusesLowerBallot(t *testing.T) {
	s, sender, _ := newCaptured(t, KindFlexiblePaxos, 2, 4)
	block := makeBlock("a")

	_, err := s.Handle(&types.ConsensusMessage{Type: types.MsgPromiseRequest, View: 3, Sequence: 1, Sender: 3})
	require.NoError(t, err)
	promises := sender.ofType(types.MsgPromise)
	require.Len(t, promises, 1)
	assert.Equal(t, 3, promises[0].To)
	assert.EqualValues(t, -1, promises[0].PriorView)

	_, err = s.Handle(&types.ConsensusMessage{Type: types.MsgPromiseRequest, View: 1, Sequence: 1, Sender: 1})
	require.NoError(t, err)
	assert.Len(t, sender.ofType(types.MsgPromise), 1)

	_, err = s.Handle(msgFrom(1, types.MsgAccept, 1, block))
	require.NoError(t, err)
	assert.Empty(t, sender.ofType(types.MsgAccepted))

	_, err = s.Handle(msgFrom(3, types.MsgAccept, 3, block))
	require.NoError(t, err)
	assert.Len(t, sender.ofType(types.MsgAccepted), 1)

	// a later promise reports the accepted value
	_, err = s.Handle(&types.ConsensusMessage{Type: types.MsgPromiseRequest, View: 5, Sequence: 1, Sender: 1})
	require.NoError(t, err)
	promises = sender.ofType(types.MsgPromise)
	require.Len(t, promises, 2)
	assert.Equal(t, block.Hash, promises[1].Digest)
	assert.EqualValues(t, 3, promises[1].PriorView)
}

func TestFlexiblePaxosTimesOutWithoutQ1(t *testing.T) {
	tn := newTestNet(t, KindFlexiblePaxos, 4)
	tn.crashed[2] = true
	tn.crashed[3] = true

	_, err := tn.nodes[0].Propose(makeBlock("a"))
	require.NoError(t, err)
	tn.drain()
	assert.Equal(t, types.StatusPending, tn.nodes[0].Status(1))
	tn.clock.Advance(2 * time.Second)
	assert.Equal(t, types.StatusTimedOut, tn.nodes[0].Status(1))
}
