package store

import (
	"fmt"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tm-db/memdb"

	cfg "marketbft/config"
	"marketbft/types"
)

func makeChain(n int) []*types.Block {
	blocks := []*types.Block{types.GenesisBlock()}
	for i := 1; i < n; i++ {
		txs := types.Txs{{
			ID:        fmt.Sprintf("tx-%d", i),
			Payload:   types.MarketEvent{Asset: "BTC", Price: 50000.25 + float64(i), Source: "Test", Timestamp: int64(1704067200 + i)},
			Timestamp: int64(i) * 1000,
		}}
		blocks = append(blocks, types.MakeBlock(blocks[i-1], int64(i)*1000, txs))
	}
	return blocks
}

// every backend runs the same contract
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, backend := range []string{cfg.BackendMemDB, cfg.BackendGoLevelDB, cfg.BackendSQLite} {
		backend := backend
		t.Run(backend, func(t *testing.T) {
			dir, err := os.MkdirTemp("", "ledger-"+backend)
			require.NoError(t, err)
			defer os.RemoveAll(dir)

			s, err := NewStore(backend, "ledger", dir)
			require.NoError(t, err)
			defer s.Close()

			fn(t, s)
		})
	}
}

func TestStoreAppendAndQuery(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		chain := makeChain(5)
		for _, b := range chain {
			require.NoError(t, s.Append(b))
		}

		n, err := s.Count()
		require.NoError(t, err)
		assert.EqualValues(t, 5, n)

		latest, err := s.Latest()
		require.NoError(t, err)
		assert.Equal(t, chain[4].Hash, latest.Hash)

		blocks, err := s.Query(1, 3)
		require.NoError(t, err)
		require.Len(t, blocks, 3)
		for i, b := range blocks {
			assert.Equal(t, chain[i+1].Hash, b.Hash)
			assert.Equal(t, chain[i+1].Hash, b.ComputeHash(), "hash recomputes after a round trip")
		}

		blocks, err = s.Query(3, 100)
		require.NoError(t, err)
		assert.Len(t, blocks, 2)

		b, err := s.BlockByIndex(2)
		require.NoError(t, err)
		assert.Equal(t, chain[2].Txs, b.Txs)

		b, err = s.BlockByHash(chain[3].Hash)
		require.NoError(t, err)
		assert.EqualValues(t, 3, b.Index)

		_, err = s.BlockByIndex(9)
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = s.BlockByHash("nope")
		assert.True(t, errors.Is(err, ErrNotFound))

		st, err := s.Stats()
		require.NoError(t, err)
		assert.Equal(t, Stats{Total: 5, MinIndex: 0, MaxIndex: 4, MinTimestamp: 0, MaxTimestamp: 4000}, st)

		assert.NoError(t, VerifyChain(s))
	})
}

func TestStoreRejectsBadAppends(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		chain := makeChain(4)

		_, err := s.Latest()
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.True(t, errors.Is(s.Append(chain[1]), ErrNonContiguous), "ledger must start at genesis")

		require.NoError(t, s.Append(chain[0]))
		require.NoError(t, s.Append(chain[1]))

		assert.True(t, errors.Is(s.Append(chain[1]), ErrBlockExists))
		assert.True(t, errors.Is(s.Append(chain[3]), ErrNonContiguous), "gap")

		forked := types.MakeBlock(chain[0], 99, nil)
		assert.True(t, errors.Is(s.Append(forked), ErrNonContiguous), "conflict at index 1")

		badLink := types.MakeBlock(chain[0], 5, nil)
		badLink.Index = 2
		badLink.Seal()
		assert.True(t, errors.Is(s.Append(badLink), ErrNonContiguous), "prev_hash mismatch")

		tampered := chain[2].Copy()
		tampered.Timestamp++
		assert.True(t, errors.Is(s.Append(tampered), ErrInvalidBlock))

		n, err := s.Count()
		require.NoError(t, err)
		assert.EqualValues(t, 2, n, "failed appends leave the ledger intact")
		assert.NoError(t, VerifyChain(s))
	})
}

func TestStoreEmpty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		n, err := s.Count()
		require.NoError(t, err)
		assert.Zero(t, n)

		st, err := s.Stats()
		require.NoError(t, err)
		assert.Equal(t, Stats{}, st)

		blocks, err := s.Query(0, 10)
		require.NoError(t, err)
		assert.Empty(t, blocks)
		assert.NoError(t, VerifyChain(s))
	})
}

func TestKVStoreReopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "ledger-reopen")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	chain := makeChain(3)
	s, err := NewStore(cfg.BackendGoLevelDB, "ledger", dir)
	require.NoError(t, err)
	for _, b := range chain {
		require.NoError(t, s.Append(b))
	}
	require.NoError(t, s.Close())

	s, err = NewStore(cfg.BackendGoLevelDB, "ledger", dir)
	require.NoError(t, err)
	defer s.Close()

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, chain[2].Hash, latest.Hash)
	assert.NoError(t, s.Append(types.MakeBlock(chain[2], 3000, nil)))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	db := memdb.NewDB()
	s, err := NewKVStore(db)
	require.NoError(t, err)
	chain := makeChain(4)
	for _, b := range chain {
		require.NoError(t, s.Append(b))
	}

	// rewrite block 2 behind the store's back
	tampered := chain[2].Copy()
	tampered.Txs[0].Payload.Price = 1
	tampered.Seal()
	require.NoError(t, db.Set(blockKey(2), mustEncode(t, tampered)))

	err = VerifyChain(s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIntegrity))

	// a stale hash is caught too
	tampered.Hash = chain[2].Hash
	require.NoError(t, db.Set(blockKey(2), mustEncode(t, tampered)))
	assert.True(t, errors.Is(VerifyChain(s), ErrIntegrity))
}

func TestMockStoreFailAppends(t *testing.T) {
	s := NewMockStore()
	chain := makeChain(2)
	require.NoError(t, s.Append(chain[0]))

	s.FailAppends(true)
	assert.True(t, errors.Is(s.Append(chain[1]), ErrMockAppend))
	s.FailAppends(false)
	require.NoError(t, s.Append(chain[1]))
	assert.Equal(t, 2, s.Appends())
}

func mustEncode(t *testing.T, b *types.Block) []byte {
	bz, err := tmjson.Marshal(b)
	require.NoError(t, err)
	return bz
}
