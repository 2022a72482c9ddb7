package mempool

import (
	"marketbft/types"
)

const (
	// UnknownPeerID is the peer ID to use when running CheckTx when there is
	// no peer (e.g. the tx came from the local intake pipeline).
	UnknownPeerID uint16 = 0
)

// Mempool is the per-node queue of transactions awaiting a block.
type Mempool interface {
	// CheckTx validates a new tx and queues it. A tx that is already queued
	// or was already drained into a block is refused.
	CheckTx(types.Tx, TxInfo) error

	// ReapMaxTxs atomically removes up to max txs in arrival order and returns
	// them. A negative max drains everything. Clients can never queue a
	// reaped tx again, so no tx is proposed twice by the same node.
	ReapMaxTxs(max int) types.Txs

	// Requeue puts back txs reaped for a block that was never proposed, ahead
	// of anything queued since.
	Requeue(txs types.Txs)

	// Lock locks the mempool. The consensus path must hold the lock while
	// calling Update.
	Lock()

	// Unlock unlocks the mempool.
	Unlock()

	// Update removes txs committed in the block at height, which this node
	// may still hold if the block was proposed by someone else.
	// NOTE: caller is responsible for Lock/Unlock
	Update(height int64, txs types.Txs) error

	// Flush removes all queued txs and resets the cache.
	Flush()

	// TxsAvailable fires at most once per reap when the mempool is not empty.
	TxsAvailable() <-chan struct{}

	Size() int

	TxsBytes() int64
}

//--------------------------------------------------------------------------------

// PreCheckFunc is an optional filter run by CheckTx before queueing.
type PreCheckFunc func(types.Tx) error

// TxInfo are parameters that get passed when attempting to add a tx to the
// mempool.
type TxInfo struct {
	// SenderID is the node the tx came from, UnknownPeerID for local intake.
	SenderID uint16
	// Source names the intake path, used for logging only.
	Source string
}
