package harness

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	cfg "marketbft/config"
	"marketbft/consensus"
	"marketbft/types"
)

func TestTrilemmaScores(t *testing.T) {
	testCases := []struct {
		name          string
		params        consensus.Params
		msgsPerCommit float64
		dec, sec, sca float64
	}{
		{"pbft", consensus.Params{Quorum: 3, ByzantineTolerance: 1, CrashTolerance: 1}, 27, 3.75, 5, 0.65},
		{"no consensus", consensus.Params{Quorum: 1}, 0, 1.25, 0, 5},
		{"majority", consensus.Params{Quorum: 3, CrashTolerance: 1}, 15, 3.75, 2.5, 1.05},
		{"gossip", consensus.Params{Quorum: 1, CrashTolerance: 3}, 6, 1.25, 2.5, 2},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.dec, Decentralization(tc.params, 4))
			assert.Equal(t, tc.sec, Security(tc.params, 4))
			assert.Equal(t, tc.sca, Scalability(4, tc.msgsPerCommit))
		})
	}

	// a single node has nothing to tolerate
	assert.Equal(t, 0.0, Security(consensus.Params{Quorum: 1}, 1))
}

func chain(hashes ...string) []*types.Block {
	blocks := make([]*types.Block, len(hashes))
	for i, h := range hashes {
		blocks[i] = &types.Block{Index: int64(i), Hash: h}
	}
	return blocks
}

func TestCheckAgreement(t *testing.T) {
	agree, replication := checkAgreement([][]*types.Block{
		chain("g", "a", "b"),
		chain("g", "a"),
		chain("g", "a", "b"),
		chain("g"),
	})
	assert.True(t, agree)
	assert.Equal(t, 0.5, replication)

	agree, _ = checkAgreement([][]*types.Block{
		chain("g", "a", "b"),
		chain("g", "x"),
	})
	assert.False(t, agree)

	agree, replication = checkAgreement(nil)
	assert.True(t, agree)
	assert.Zero(t, replication)
}

func testHarness(t *testing.T, mutate func(*cfg.Config)) *Harness {
	config := cfg.TestConfig()
	if mutate != nil {
		mutate(config)
	}
	require.NoError(t, config.Harness.ValidateBasic())
	return NewHarness(config, log.TestingLogger())
}

func resultOf(t *testing.T, report *Report, kind consensus.Kind) *StrategyResult {
	t.Helper()
	for _, res := range report.Results {
		if res.Kind == string(kind) {
			return res
		}
	}
	t.Fatalf("no result for %s", kind)
	return nil
}

func TestHarnessRunsEveryStrategy(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	h := testHarness(t, nil)
	report, err := h.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, len(consensus.AllKinds))

	pbft := resultOf(t, report, consensus.KindPBFT)
	assert.EqualValues(t, 5, pbft.Commits)
	assert.EqualValues(t, 5, pbft.Height)
	assert.Zero(t, pbft.Aborts)
	assert.True(t, pbft.Agreement)
	assert.Equal(t, 1.0, pbft.Replication)
	assert.Greater(t, pbft.LatencyMean, 0.0)
	assert.Equal(t, 5.0, pbft.SecurityScore)

	nocons := resultOf(t, report, consensus.KindNoConsensus)
	assert.EqualValues(t, 5, nocons.Commits)
	assert.Zero(t, nocons.Messages)
	assert.Zero(t, nocons.LatencyMean)
	assert.True(t, nocons.Agreement)
	// only the proposer holds the blocks
	assert.Equal(t, 0.25, nocons.Replication)

	// every message spent on a commit costs scalability
	assert.Greater(t, nocons.ScalabilityScore, pbft.ScalabilityScore)
	assert.Greater(t, pbft.DecentralizationScore, nocons.DecentralizationScore)

	var table bytes.Buffer
	require.NoError(t, report.WriteTable(&table))
	assert.Contains(t, table.String(), "PBFT")
	assert.Contains(t, table.String(), "FlexiblePaxos")
}

func TestHarnessIsReproducible(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	mutate := func(config *cfg.Config) {
		config.Harness.Seed = 7
		config.Harness.Blocks = 4
		config.Harness.Byzantine = "1"
	}
	first, err := testHarness(t, mutate).Run(context.Background())
	require.NoError(t, err)
	second, err := testHarness(t, mutate).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Results, second.Results)
	firstJSON, err := first.JSON()
	require.NoError(t, err)
	secondJSON, err := second.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(firstJSON), string(secondJSON))
}

func TestHarnessByzantinePrimaryKeepsPBFTSafe(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	h := testHarness(t, func(config *cfg.Config) {
		config.Harness.Strategies = "pbft"
		config.Harness.Byzantine = "0"
	})
	report, err := h.Run(context.Background())
	require.NoError(t, err)

	pbft := resultOf(t, report, consensus.KindPBFT)
	assert.True(t, pbft.Agreement)
	assert.Zero(t, pbft.Commits)
	assert.EqualValues(t, 1, pbft.Aborts)
	assert.EqualValues(t, 4, pbft.Stalled)
}

func TestHarnessToleratesCrash(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	h := testHarness(t, func(config *cfg.Config) {
		config.Harness.Strategies = "pbft,simple_majority"
		config.Harness.Crashed = "3"
	})
	report, err := h.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	for _, res := range report.Results {
		assert.EqualValues(t, 5, res.Commits, res.Strategy)
		assert.True(t, res.Agreement, res.Strategy)
		assert.Equal(t, 1.0, res.Replication, res.Strategy)
	}
}

func TestHarnessRejectsUnknownStrategy(t *testing.T) {
	h := testHarness(t, func(config *cfg.Config) {
		config.Harness.Strategies = "pbft,raft"
	})
	_, err := h.Kinds()
	assert.ErrorIs(t, err, consensus.ErrUnknownStrategy)
}
