package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

// ConsensusStatus reports the status of seq on this node along with the
// node's strategy and the faults it observed.
func ConsensusStatus(ctx *rpctypes.Context, seq int64) (*ResultConsensusStatus, error) {
	nd := env.Node
	return &ResultConsensusStatus{
		NodeID:    nd.ID(),
		Strategy:  nd.StrategyName(),
		Params:    nd.Params(),
		IsPrimary: nd.IsPrimary(),
		Height:    nd.Height(),
		Sequence:  seq,
		Status:    nd.Status(seq).String(),
		QC:        nd.Certificate(seq),
		Faults:    nd.Faults(),
	}, nil
}
