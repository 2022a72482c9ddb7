package mempool

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"

	cfg "marketbft/config"
	"marketbft/libs/metric"
	"marketbft/types"
)

func NewListMempool(config *cfg.MempoolConfig, height int64, options ...ListMempoolOption) *ListMempool {
	mem := &ListMempool{
		height: height,
		config: config,
		txs:    clist.New(),
		logger: log.NewNopLogger(),
	}

	if config.CacheSize > 0 {
		mem.cache = newMapTxCache(config.CacheSize)
	} else {
		mem.cache = nopTxCache{}
	}

	mem.txsAvailable = make(chan struct{}, 1)
	mem.metric = newMemMetric()

	for _, option := range options {
		option(mem)
	}

	return mem
}

// ListMempool is an ordered in-memory mempool. Txs are kept in arrival order
// in a concurrent linked list and indexed by TxKey.
type ListMempool struct {
	// Atomic integers
	height   int64 // the last block Update()'d to
	txsBytes int64 // total size of mempool, in bytes

	txsAvailable chan struct{} // fires when the mempool goes from empty to non-empty

	config *cfg.MempoolConfig

	// updateMtx excludes CheckTx while the consensus path runs Update.
	updateMtx sync.RWMutex
	// mtx serializes list mutations, which makes a reap atomic.
	mtx      sync.Mutex
	preCheck PreCheckFunc

	txs    *clist.CList
	txsMap sync.Map

	// Keep a cache of already-seen txs, drained txs stay in it.
	cache txCache

	metric *memMetric
	logger log.Logger
}

var _ Mempool = (*ListMempool)(nil)

type ListMempoolOption func(memppol *ListMempool)

func SetPreCheck(precheck PreCheckFunc) ListMempoolOption {
	return func(mem *ListMempool) {
		mem.preCheck = precheck
	}
}

func (mem *ListMempool) SetLogger(logger log.Logger) {
	mem.logger = logger
}

// Metric returns the JSON metric item of this mempool.
func (mem *ListMempool) Metric() metric.MetricItem {
	return mem.metric
}

func (mem *ListMempool) CheckTx(tx types.Tx, txinfo TxInfo) error {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if err := tx.ValidateBasic(); err != nil {
		return ErrPreCheck{Reason: err}
	}
	if mem.preCheck != nil {
		if err := mem.preCheck(tx); err != nil {
			return ErrPreCheck{Reason: err}
		}
	}

	mem.mtx.Lock()
	defer mem.mtx.Unlock()

	if err := mem.isFull(tx.Size()); err != nil {
		return err
	}

	key := tx.Key()
	if _, ok := mem.txsMap.Load(key); ok {
		return errors.Wrap(ErrTxInMap, tx.ID)
	}
	if !mem.cache.Push(key) {
		return errors.Wrap(ErrTxInCache, tx.ID)
	}

	memTx := &mempoolTx{
		height: atomic.LoadInt64(&mem.height),
		tx:     tx,
	}
	memTx.senders.Store(txinfo.SenderID, struct{}{})

	mem.logger.Debug("added tx", "tx", tx.ID, "source", txinfo.Source)
	mem.addTx(memTx)
	mem.notifyTxsAvailable()

	return nil
}

func (mem *ListMempool) ReapMaxTxs(max int) types.Txs {
	mem.mtx.Lock()
	defer mem.mtx.Unlock()

	if max < 0 || max > mem.txs.Len() {
		max = mem.txs.Len()
	}
	txs := make(types.Txs, 0, max)
	for e := mem.txs.Front(); e != nil && len(txs) < max; {
		next := e.Next()
		memTx := e.Value.(*mempoolTx)
		txs = append(txs, memTx.tx)
		mem.removeTx(memTx.tx, e)
		e = next
	}
	mem.metric.MarkReaped(len(txs))
	mem.syncMetric()
	return txs
}

// Requeue puts txs reaped for a proposal that never started back at the
// front of the queue, in their original order.
func (mem *ListMempool) Requeue(txs types.Txs) {
	if len(txs) == 0 {
		return
	}
	mem.mtx.Lock()
	defer mem.mtx.Unlock()

	var queued []*mempoolTx
	for e := mem.txs.Front(); e != nil; {
		next := e.Next()
		memTx := e.Value.(*mempoolTx)
		queued = append(queued, memTx)
		mem.removeTx(memTx.tx, e)
		e = next
	}
	height := atomic.LoadInt64(&mem.height)
	for _, tx := range txs {
		mem.addTx(&mempoolTx{height: height, tx: tx})
	}
	for _, memTx := range queued {
		mem.addTx(memTx)
	}
	mem.metric.MarkRequeued(len(txs))
	mem.logger.Debug("requeued txs", "txs", len(txs))
	mem.notifyTxsAvailable()
}

// Lock locks the updateMtx write lock
func (mem *ListMempool) Lock() {
	mem.updateMtx.Lock()
}

// Unlock releases the updateMtx write lock
func (mem *ListMempool) Unlock() {
	mem.updateMtx.Unlock()
}

func (mem *ListMempool) Update(height int64, txs types.Txs) error {
	mem.mtx.Lock()
	defer mem.mtx.Unlock()

	atomic.StoreInt64(&mem.height, height)
	for _, tx := range txs {
		key := tx.Key()
		// committed elsewhere, never accept it again
		mem.cache.Push(key)
		if e, ok := mem.txsMap.Load(key); ok {
			mem.removeTx(tx, e.(*clist.CElement))
		}
	}
	mem.syncMetric()
	return nil
}

func (mem *ListMempool) Flush() {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()
	mem.mtx.Lock()
	defer mem.mtx.Unlock()

	atomic.StoreInt64(&mem.txsBytes, 0)
	mem.cache.Reset()

	for e := mem.txs.Front(); e != nil; e = e.Next() {
		mem.txs.Remove(e)
		e.DetachPrev()
	}

	mem.txsMap.Range(func(key, _ interface{}) bool {
		mem.txsMap.Delete(key)
		return true
	})
	mem.syncMetric()
}

func (mem *ListMempool) TxsAvailable() <-chan struct{} {
	return mem.txsAvailable
}

func (mem *ListMempool) Size() int {
	return mem.txs.Len()
}

func (mem *ListMempool) TxsBytes() int64 {
	return atomic.LoadInt64(&mem.txsBytes)
}

func (mem *ListMempool) isFull(txSize int64) error {
	var (
		memSize  = mem.txs.Len()
		txsBytes = atomic.LoadInt64(&mem.txsBytes)
	)
	if mem.config.Size > 0 && memSize >= mem.config.Size {
		return ErrMempoolIsFull{numTxs: memSize, maxTxs: mem.config.Size, txsBytes: txsBytes + txSize}
	}
	return nil
}

// addTx pushes the tx onto the list and updates txsMap and the byte counter.
func (mem *ListMempool) addTx(memTx *mempoolTx) {
	e := mem.txs.PushBack(memTx)
	mem.txsMap.Store(memTx.tx.Key(), e)
	atomic.AddInt64(&mem.txsBytes, memTx.tx.Size())
	mem.syncMetric()
}

// removeTx is the reverse of addTx. Caller holds mtx.
func (mem *ListMempool) removeTx(tx types.Tx, elem *clist.CElement) {
	mem.txs.Remove(elem)
	elem.DetachPrev()
	mem.txsMap.Delete(tx.Key())
	atomic.AddInt64(&mem.txsBytes, -tx.Size())
}

func (mem *ListMempool) notifyTxsAvailable() {
	select {
	case mem.txsAvailable <- struct{}{}:
	default:
	}
}

func (mem *ListMempool) syncMetric() {
	mem.metric.MarkTxsNum(mem.txs.Len())
	mem.metric.MarkTotalTxsBytes(atomic.LoadInt64(&mem.txsBytes))
}

// ------------------------------

type txCache interface {
	Reset()
	Push(key types.TxKey) bool
	Remove(key types.TxKey)
}

// mapTxCache is an LRU cache of tx keys bounded by size.
type mapTxCache struct {
	mtx      sync.Mutex
	size     int
	cacheMap map[types.TxKey]*list.Element
	list     *list.List
}

func newMapTxCache(cacheSize int) *mapTxCache {
	return &mapTxCache{
		size:     cacheSize,
		cacheMap: make(map[types.TxKey]*list.Element, cacheSize),
		list:     list.New(),
	}
}

func (cache *mapTxCache) Reset() {
	cache.mtx.Lock()
	cache.cacheMap = make(map[types.TxKey]*list.Element, cache.size)
	cache.list.Init()
	cache.mtx.Unlock()
}

// Push adds key and returns false if it was already cached.
func (cache *mapTxCache) Push(key types.TxKey) bool {
	cache.mtx.Lock()
	defer cache.mtx.Unlock()

	if moved, exists := cache.cacheMap[key]; exists {
		cache.list.MoveToBack(moved)
		return false
	}

	if cache.list.Len() >= cache.size {
		popped := cache.list.Front()
		if popped != nil {
			poppedKey := popped.Value.(types.TxKey)
			delete(cache.cacheMap, poppedKey)
			cache.list.Remove(popped)
		}
	}
	e := cache.list.PushBack(key)
	cache.cacheMap[key] = e
	return true
}

func (cache *mapTxCache) Remove(key types.TxKey) {
	cache.mtx.Lock()
	if e, ok := cache.cacheMap[key]; ok {
		cache.list.Remove(e)
		delete(cache.cacheMap, key)
	}
	cache.mtx.Unlock()
}

type nopTxCache struct{}

func (nopTxCache) Reset()                {}
func (nopTxCache) Push(types.TxKey) bool { return true }
func (nopTxCache) Remove(types.TxKey)    {}

type mempoolTx struct {
	height int64

	tx      types.Tx
	senders sync.Map
}

// Height returns the height for this transaction
func (memTx *mempoolTx) Height() int64 {
	return atomic.LoadInt64(&memTx.height)
}
