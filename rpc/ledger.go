package rpc

import (
	"github.com/pkg/errors"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"marketbft/store"
)

// Ledger returns the blocks with from <= index <= to. to = 0 means the tip,
// at most maxLedgerRange blocks are returned.
func Ledger(ctx *rpctypes.Context, from, to int64) (*ResultLedger, error) {
	height := env.Node.Height()
	if from < 0 {
		return nil, errors.Errorf("from can't be negative")
	}
	if to == 0 || to > height {
		to = height
	}
	if from > to {
		return nil, errors.Errorf("from %d above to %d", from, to)
	}
	if to-from+1 > maxLedgerRange {
		to = from + maxLedgerRange - 1
	}
	blocks, err := env.Node.Store().Query(from, to)
	if err != nil {
		return nil, err
	}
	return &ResultLedger{Height: height, Blocks: blocks}, nil
}

func Block(ctx *rpctypes.Context, index int64) (*ResultBlock, error) {
	block, err := env.Node.Store().BlockByIndex(index)
	if err != nil {
		return nil, err
	}
	return &ResultBlock{Block: block}, nil
}

func BlockByHash(ctx *rpctypes.Context, hash string) (*ResultBlock, error) {
	block, err := env.Node.Store().BlockByHash(hash)
	if err != nil {
		return nil, err
	}
	return &ResultBlock{Block: block}, nil
}

func LedgerStats(ctx *rpctypes.Context) (*ResultLedgerStats, error) {
	stats, err := env.Node.Store().Stats()
	if err != nil {
		return nil, err
	}
	return &ResultLedgerStats{Stats: stats, Height: env.Node.Height()}, nil
}

// VerifyLedger replays the integrity check. A broken ledger is reported in
// the result, only a read failure is an error.
func VerifyLedger(ctx *rpctypes.Context) (*ResultVerifyLedger, error) {
	result := &ResultVerifyLedger{Valid: true, Height: env.Node.Height()}
	err := store.VerifyChain(env.Node.Store())
	switch {
	case err == nil:
	case errors.Is(err, store.ErrIntegrity):
		result.Valid = false
		result.Error = err.Error()
	default:
		return nil, err
	}
	return result, nil
}
