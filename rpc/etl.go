package rpc

import (
	"github.com/pkg/errors"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"marketbft/etl"
)

var (
	ErrIntakeDisabled = errors.New("event intake is disabled on this node")
	// only the primary proposes, events queued on a backup would never
	// reach a block
	ErrNotPrimary = errors.New("events are only accepted by the primary")
)

// SubmitEvent pushes one market event through transform into the mempool.
func SubmitEvent(ctx *rpctypes.Context, asset string, price float64, source string,
	timestamp int64) (*ResultSubmitEvent, error) {
	if env.Pipeline == nil {
		return nil, ErrIntakeDisabled
	}
	if !env.Node.IsPrimary() {
		return nil, errors.Wrapf(ErrNotPrimary, "node %d", env.Node.ID())
	}
	tx, err := env.Pipeline.Submit(etl.RawEvent{
		Asset:     asset,
		Price:     price,
		Source:    source,
		Timestamp: timestamp,
	})
	if err != nil {
		return nil, err
	}
	return &ResultSubmitEvent{
		TxID:         tx.ID,
		Deduplicated: tx.Deduplicated,
		MempoolSize:  env.Node.Mempool().Size(),
	}, nil
}
