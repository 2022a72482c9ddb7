package rpc

import (
	"marketbft/consensus"
	"marketbft/store"
	"marketbft/types"
)

type ResultLedger struct {
	Height int64          `json:"height"`
	Blocks []*types.Block `json:"blocks"`
}

type ResultBlock struct {
	Block *types.Block `json:"block"`
}

type ResultLedgerStats struct {
	Stats  store.Stats `json:"stats"`
	Height int64       `json:"height"`
}

type ResultVerifyLedger struct {
	Valid  bool   `json:"valid"`
	Height int64  `json:"height"`
	Error  string `json:"error,omitempty"`
}

type ResultConsensusStatus struct {
	NodeID    int                      `json:"node_id"`
	Strategy  string                   `json:"strategy"`
	Params    consensus.Params         `json:"params"`
	IsPrimary bool                     `json:"is_primary"`
	Height    int64                    `json:"height"`
	Sequence  int64                    `json:"sequence"`
	Status    string                   `json:"status"`
	QC        *types.QuorumCertificate `json:"qc,omitempty"`
	Faults    []types.Fault            `json:"faults"`
}

type ResultSubmitEvent struct {
	TxID         string `json:"tx_id"`
	Deduplicated bool   `json:"deduplicated"`
	MempoolSize  int    `json:"mempool_size"`
}

type ResultMetrics struct {
	Metrics map[string]string `json:"metrics"`
}
