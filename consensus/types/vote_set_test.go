package types

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketbft/types"
)

func vote(sender int, digest string, sig []byte) *types.ConsensusMessage {
	return &types.ConsensusMessage{
		Type:      types.MsgPrepare,
		Sequence:  1,
		Digest:    digest,
		Sender:    sender,
		Signature: sig,
	}
}

func TestVoteSet(t *testing.T) {
	vs := NewVoteSet(types.MsgPrepare)

	require.NoError(t, vs.AddVote(vote(2, "aa", []byte{2})))
	require.NoError(t, vs.AddVote(vote(0, "aa", []byte{0})))
	require.NoError(t, vs.AddVote(vote(1, "bb", nil)))

	err := vs.AddVote(vote(2, "aa", []byte{2}))
	assert.True(t, errors.Is(err, ErrDuplicateVote))
	err = vs.AddVote(vote(2, "bb", []byte{2}))
	assert.True(t, errors.Is(err, ErrVoteConflict))

	wrong := vote(3, "aa", nil)
	wrong.Type = types.MsgCommit
	assert.Error(t, vs.AddVote(wrong))

	assert.Equal(t, 3, vs.Size())
	assert.True(t, vs.Has(1))
	assert.False(t, vs.Has(3))
	assert.Equal(t, 2, vs.Count("aa"), "conflicting vote must not replace the first one")
	assert.Equal(t, 1, vs.Count("bb"))
	assert.Equal(t, []int{0, 2}, vs.Signers("aa"))
	assert.Equal(t, []string{"aa", "bb"}, vs.Digests())

	signers, sigs, ok := vs.Signatures("aa")
	assert.True(t, ok)
	assert.Equal(t, []int{0, 2}, signers)
	assert.Equal(t, [][]byte{{0}, {2}}, sigs)

	_, _, ok = vs.Signatures("bb")
	assert.False(t, ok)

	qc := vs.MakeQC(0, 1, "aa")
	assert.Equal(t, types.MsgPrepare, qc.Phase)
	assert.NoError(t, qc.ValidateBasic(2))
}

func TestSeqState(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	log := NewSeqLog()
	ss := log.GetOrCreate(3, 0)
	assert.Same(t, ss, log.GetOrCreate(3, 0))
	log.GetOrCreate(1, 0)

	assert.False(t, ss.Started())
	ss.Start(now)
	ss.Start(now.Add(time.Second))
	assert.True(t, ss.Started())
	assert.Equal(t, now, ss.StartTime)

	assert.Equal(t, []int64{1, 3}, log.Sequences())
	assert.Equal(t, types.StatusPending, ss.Status())
	assert.Same(t, ss.VoteSet(types.MsgCommit), ss.VoteSet(types.MsgCommit))

	block := types.MakeBlock(types.GenesisBlock(), 1, nil)
	ss.Commit(block, nil, now)
	assert.True(t, ss.IsFinal())
	assert.Equal(t, types.StatusCommitted, ss.Status())
	assert.Equal(t, block.Hash, ss.Digest)

	assert.Equal(t, types.StatusRejected, StepRejected.Status())
	assert.Equal(t, types.StatusTimedOut, StepTimedOut.Status())
	assert.False(t, StepPrepared.IsFinal())
}
