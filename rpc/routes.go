package rpc

import rpc "github.com/tendermint/tendermint/rpc/jsonrpc/server"

var Routes = map[string]*rpc.RPCFunc{
	// ledger
	"ledger":        rpc.NewRPCFunc(Ledger, "from,to"),
	"block":         rpc.NewRPCFunc(Block, "index"),
	"block_by_hash": rpc.NewRPCFunc(BlockByHash, "hash"),
	"ledger_stats":  rpc.NewRPCFunc(LedgerStats, ""),
	"verify_ledger": rpc.NewRPCFunc(VerifyLedger, ""),

	// consensus
	"consensus_status": rpc.NewRPCFunc(ConsensusStatus, "seq"),

	// intake
	"submit_event": rpc.NewRPCFunc(SubmitEvent, "asset,price,source,timestamp"),

	"metrics": rpc.NewRPCFunc(JSONMetrics, "label"),
}
