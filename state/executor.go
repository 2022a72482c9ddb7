package state

import (
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"marketbft/mempool"
	"marketbft/store"
	"marketbft/types"
)

type BlockExecutor interface {
	// CreateProposal 从mempool按照交易到达的顺序打包交易
	// CreateProposal drains up to the max block txs from the mempool and
	// builds the successor of prev.
	CreateProposal(prev *types.Block, timestamp int64) *types.Block

	// ValidateBlock checks a proposed block against the committed state.
	// Blocks more than one ahead of the tip can only be checked on their own.
	ValidateBlock(state State, block *types.Block) error

	// Apply一个已提交的区块，返回新的state
	// ApplyBlock appends block to the ledger and returns the new state.
	// Applying a block that is already in the ledger is a no-op.
	ApplyBlock(state State, block *types.Block) (State, error)

	SetLogger(logger log.Logger)
}

type BlockExecutorOption func(*blockExecutor)

// MaxBlockTxs caps the txs drained into one proposal, a negative value
// drains the whole mempool.
func MaxBlockTxs(n int) BlockExecutorOption {
	return func(exec *blockExecutor) {
		exec.maxBlockTxs = n
	}
}

func NewBlockExecutor(db store.Store, mempool mempool.Mempool, options ...BlockExecutorOption) BlockExecutor {
	exec := &blockExecutor{
		db:          db,
		mempool:     mempool,
		maxBlockTxs: -1,
		logger:      log.NewNopLogger(),
	}
	for _, option := range options {
		option(exec)
	}
	return exec
}

type blockExecutor struct {
	mempool mempool.Mempool

	db store.Store

	maxBlockTxs int

	logger log.Logger
}

// SetLogger implements BlockExecutor
func (exec *blockExecutor) SetLogger(logger log.Logger) {
	exec.logger = logger
}

// CreateProposal implements BlockExecutor
func (exec *blockExecutor) CreateProposal(prev *types.Block, timestamp int64) *types.Block {
	txs := exec.mempool.ReapMaxTxs(exec.maxBlockTxs)
	block := types.MakeBlock(prev, timestamp, txs)
	exec.logger.Debug("created proposal", "block", block)
	return block
}

// ValidateBlock implements BlockExecutor
func (exec *blockExecutor) ValidateBlock(state State, block *types.Block) error {
	if err := block.ValidateBasic(); err != nil {
		return errors.Wrap(ErrInvalidBlock, err.Error())
	}
	if block.Index <= state.Height() {
		return errors.Wrapf(ErrStaleBlock, "block %d, height %d", block.Index, state.Height())
	}
	if block.Index == state.Height()+1 {
		if err := types.VerifyLink(state.LastBlock, block); err != nil {
			return errors.Wrap(ErrInvalidBlock, err.Error())
		}
	}
	return nil
}

// ApplyBlock implements BlockExecutor
func (exec *blockExecutor) ApplyBlock(state State, block *types.Block) (State, error) {
	if block.Index <= state.Height() {
		stored, err := exec.db.BlockByIndex(block.Index)
		if err != nil {
			return state, err
		}
		if stored.Hash != block.Hash {
			return state, errors.Wrapf(ErrConflictingBlock, "index %d: have %s, got %s", block.Index, stored.Hash, block.Hash)
		}
		exec.logger.Debug("block already applied", "block", block)
		return state, nil
	}

	if err := block.ValidateBasic(); err != nil {
		return state, errors.Wrap(ErrInvalidBlock, err.Error())
	}
	if err := types.VerifyLink(state.LastBlock, block); err != nil {
		return state, errors.Wrap(ErrInvalidBlock, err.Error())
	}

	// 账本写入失败时state保持不变
	if err := exec.db.Append(block); err != nil && !errors.Is(err, store.ErrBlockExists) {
		return state, errors.Wrapf(err, "apply block %d", block.Index)
	}

	// 提交成功后更新mempool，首先加锁
	exec.mempool.Lock()
	err := exec.mempool.Update(block.Index, block.Txs)
	exec.mempool.Unlock()
	if err != nil {
		exec.logger.Error("update mempool failed", "height", block.Index, "err", err)
	}

	exec.logger.Info("committed block", "block", block, "txs", len(block.Txs))
	return State{LastBlock: block}, nil
}
