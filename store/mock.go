package store

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tendermint/tm-db/memdb"

	"marketbft/types"
)

var ErrMockAppend = errors.New("mock append failure")

// NewMockStore wraps a memdb ledger whose appends can be made to fail.
func NewMockStore() *MockStore {
	kv, err := NewKVStore(memdb.NewDB())
	if err != nil {
		panic(err)
	}
	return &MockStore{Store: kv}
}

type MockStore struct {
	Store

	mtx        sync.Mutex
	failAppend bool
	appends    int
}

// FailAppends makes every following Append fail until reset.
func (mock *MockStore) FailAppends(fail bool) {
	mock.mtx.Lock()
	mock.failAppend = fail
	mock.mtx.Unlock()
}

// Appends counts the successful appends.
func (mock *MockStore) Appends() int {
	mock.mtx.Lock()
	defer mock.mtx.Unlock()
	return mock.appends
}

func (mock *MockStore) Append(block *types.Block) error {
	mock.mtx.Lock()
	defer mock.mtx.Unlock()
	if mock.failAppend {
		return errors.Wrapf(ErrMockAppend, "block %d", block.Index)
	}
	if err := mock.Store.Append(block); err != nil {
		return err
	}
	mock.appends++
	return nil
}
