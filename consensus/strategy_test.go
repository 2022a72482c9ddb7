package consensus

import (
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
)

func TestNewStrategyParams(t *testing.T) {
	testCases := []struct {
		kind     Kind
		params   Params
		majority bool
	}{
		{KindPBFT, Params{Quorum: 3, ByzantineTolerance: 1, CrashTolerance: 1}, true},
		{KindNoConsensus, Params{Quorum: 1}, false},
		{KindSimpleMajority, Params{Quorum: 3, CrashTolerance: 1}, true},
		{KindGossip, Params{Quorum: 1, CrashTolerance: 3}, false},
		{KindEventual, Params{Quorum: 1, CrashTolerance: 3}, false},
		{KindQuorumless, Params{Quorum: 1, CrashTolerance: 3}, false},
		{KindFlexiblePaxos, Params{Quorum: 2, CrashTolerance: 1}, true},
	}
	require.Len(t, testCases, len(AllKinds))

	for _, tc := range testCases {
		cfg := DefaultConfig(0, 4)
		cfg.Sender = &captureSender{}
		cfg.Logger = log.TestingLogger()
		s, err := NewStrategy(tc.kind, cfg)
		require.NoError(t, err, tc.kind)

		assert.Equal(t, tc.kind.DisplayName(), s.Name())
		p := s.Params()
		assert.Equal(t, tc.params.Quorum, p.Quorum, tc.kind)
		assert.Equal(t, tc.params.ByzantineTolerance, p.ByzantineTolerance, tc.kind)
		assert.Equal(t, tc.params.CrashTolerance, p.CrashTolerance, tc.kind)
		assert.Equal(t, tc.majority, p.RequiresMajority, tc.kind)
		assert.NotEmpty(t, p.Description)
	}
}

func TestNewStrategyErrors(t *testing.T) {
	cfg := DefaultConfig(0, 4)
	_, err := NewStrategy(KindPBFT, cfg)
	assert.True(t, errors.Is(err, ErrInvalidParams), "nil sender")

	cfg.Sender = &captureSender{}
	_, err = NewStrategy(Kind("pow"), cfg)
	assert.True(t, errors.Is(err, ErrUnknownStrategy))

	cfg.NodeID = 4
	_, err = NewStrategy(KindGossip, cfg)
	assert.True(t, errors.Is(err, ErrInvalidParams))
}

func TestParseKind(t *testing.T) {
	testCases := map[string]Kind{
		"pbft":                KindPBFT,
		"PBFT":                KindPBFT,
		" no_consensus ":      KindNoConsensus,
		"SimpleMajority":      KindSimpleMajority,
		"EventualConsistency": KindEventual,
		"flexible_paxos":      KindFlexiblePaxos,
	}
	for in, want := range testCases {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseKind("proof_of_work")
	assert.True(t, errors.Is(err, ErrUnknownStrategy))

	assert.True(t, KindPBFT.Timed())
	assert.True(t, KindFlexiblePaxos.Timed())
	assert.False(t, KindGossip.Timed())
	assert.False(t, KindEventual.Timed())
}

func TestPrimary(t *testing.T) {
	assert.Equal(t, 0, Primary(0, 4))
	assert.Equal(t, 1, Primary(5, 4))
	assert.Equal(t, 0, Primary(3, 1))
}

func TestMetricJSON(t *testing.T) {
	tn := newTestNet(t, KindPBFT, 4)
	m := NewMetric(tn.nodes[0], 0, 0, 4)
	m.MarkProposed(2)
	m.MarkProposed(1)
	m.MarkFault()

	var out map[string]interface{}
	require.NoError(t, jsoniter.UnmarshalFromString(m.JSONString(), &out))
	assert.Equal(t, "PBFT", out["strategy"])
	assert.Equal(t, true, out["is_primary"])
	assert.EqualValues(t, 2, out["highest_proposed"])
	assert.EqualValues(t, 1, out["faults"])
}
