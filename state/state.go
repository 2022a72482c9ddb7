package state

import (
	"fmt"

	"github.com/pkg/errors"

	"marketbft/store"
	"marketbft/types"
)

// MakeGenesisState returns the state of a node that holds only genesis.
func MakeGenesisState(genesis *types.Block) State {
	return State{LastBlock: genesis}
}

// LoadState restores the state from the ledger, appending genesis to an
// empty one.
func LoadState(s store.Store) (State, error) {
	latest, err := s.Latest()
	if errors.Is(err, store.ErrNotFound) {
		genesis := types.GenesisBlock()
		if err := s.Append(genesis); err != nil {
			return State{}, errors.Wrap(err, "append genesis")
		}
		return MakeGenesisState(genesis), nil
	}
	if err != nil {
		return State{}, err
	}
	return State{LastBlock: latest}, nil
}

// 节点已提交账本的状态
// State is the committed tip of one node. It is a value, ApplyBlock returns
// the successor instead of mutating it.
type State struct {
	LastBlock *types.Block
}

func (state State) Height() int64 {
	if state.LastBlock == nil {
		return -1
	}
	return state.LastBlock.Index
}

func (state State) LastBlockHash() string {
	if state.LastBlock == nil {
		return ""
	}
	return state.LastBlock.Hash
}

// Copy returns a copy of state. The last block is shared, committed blocks
// are never mutated.
func (state State) Copy() State {
	return State{LastBlock: state.LastBlock}
}

func (state State) IsEmpty() bool {
	return state.LastBlock == nil
}

func (state State) String() string {
	return fmt.Sprintf("State{height:%d hash:%s}", state.Height(), state.LastBlockHash())
}
