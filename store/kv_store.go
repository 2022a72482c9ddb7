package store

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tm-db"

	"marketbft/types"
)

const (
	prefixBlock = "B:"
	prefixHash  = "H:"
)

func blockKey(index int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixBlock, index))
}

func hashKey(hash string) []byte {
	return []byte(prefixHash + hash)
}

// KVStore keeps the ledger in a tm-db database. Blocks live under a zero
// padded index key so that iteration is in index order, a second key maps
// hash to index.
type KVStore struct {
	mtx    sync.RWMutex
	db     dbm.DB
	latest *types.Block

	logger log.Logger
}

var _ Store = (*KVStore)(nil)

func NewKVStore(db dbm.DB) (*KVStore, error) {
	kv := &KVStore{db: db, logger: log.NewNopLogger()}
	latest, err := kv.loadLatest()
	if err != nil {
		return nil, err
	}
	kv.latest = latest
	return kv, nil
}

func (kv *KVStore) SetLogger(l log.Logger) {
	kv.logger = l
}

func (kv *KVStore) loadLatest() (*types.Block, error) {
	it, err := kv.db.ReverseIterator(blockKey(0), []byte(prefixBlock+"~"))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	if !it.Valid() {
		return nil, nil
	}
	return decodeBlock(it.Value())
}

func (kv *KVStore) Append(block *types.Block) error {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()

	if err := checkAppend(kv.latest, block, kv.blockByIndex); err != nil {
		return err
	}

	bz, err := tmjson.Marshal(block)
	if err != nil {
		return err
	}

	batch := kv.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(blockKey(block.Index), bz); err != nil {
		return err
	}
	if err := batch.Set(hashKey(block.Hash), []byte(strconv.FormatInt(block.Index, 10))); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return errors.Wrapf(err, "append block %d", block.Index)
	}

	kv.latest = block
	kv.logger.Debug("appended block", "block", block)
	return nil
}

func (kv *KVStore) Query(from, to int64) ([]*types.Block, error) {
	if from < 0 {
		from = 0
	}
	if to < from {
		return []*types.Block{}, nil
	}
	it, err := kv.db.Iterator(blockKey(from), blockKey(to+1))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	blocks := make([]*types.Block, 0)
	for ; it.Valid(); it.Next() {
		b, err := decodeBlock(it.Value())
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, it.Error()
}

func (kv *KVStore) Latest() (*types.Block, error) {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()
	if kv.latest == nil {
		return nil, ErrNotFound
	}
	return kv.latest, nil
}

func (kv *KVStore) BlockByIndex(index int64) (*types.Block, error) {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()
	return kv.blockByIndex(index)
}

func (kv *KVStore) blockByIndex(index int64) (*types.Block, error) {
	bz, err := kv.db.Get(blockKey(index))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, errors.Wrapf(ErrNotFound, "index %d", index)
	}
	return decodeBlock(bz)
}

func (kv *KVStore) BlockByHash(hash string) (*types.Block, error) {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()

	bz, err := kv.db.Get(hashKey(hash))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, errors.Wrapf(ErrNotFound, "hash %s", hash)
	}
	index, err := strconv.ParseInt(string(bz), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "corrupted hash index for %s", hash)
	}
	return kv.blockByIndex(index)
}

// Count relies on the ledger being contiguous from genesis.
func (kv *KVStore) Count() (int64, error) {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()
	if kv.latest == nil {
		return 0, nil
	}
	return kv.latest.Index + 1, nil
}

func (kv *KVStore) Stats() (Stats, error) {
	blocks, err := kv.Query(0, 1<<62)
	if err != nil {
		return Stats{}, err
	}
	return statsOf(blocks), nil
}

func (kv *KVStore) Close() error {
	return kv.db.Close()
}

func decodeBlock(bz []byte) (*types.Block, error) {
	b := new(types.Block)
	if err := tmjson.Unmarshal(bz, b); err != nil {
		return nil, errors.Wrap(err, "decode block")
	}
	if b.Txs == nil {
		b.Txs = types.Txs{}
	}
	return b, nil
}

func statsOf(blocks []*types.Block) Stats {
	var st Stats
	for i, b := range blocks {
		if i == 0 {
			st.MinIndex, st.MaxIndex = b.Index, b.Index
			st.MinTimestamp, st.MaxTimestamp = b.Timestamp, b.Timestamp
		}
		if b.Index < st.MinIndex {
			st.MinIndex = b.Index
		}
		if b.Index > st.MaxIndex {
			st.MaxIndex = b.Index
		}
		if b.Timestamp < st.MinTimestamp {
			st.MinTimestamp = b.Timestamp
		}
		if b.Timestamp > st.MaxTimestamp {
			st.MaxTimestamp = b.Timestamp
		}
		st.Total++
	}
	return st
}
