package mempool

import (
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	cfg "marketbft/config"
	"marketbft/types"
)

// ----- utility func -----

func newMempool() *ListMempool {
	return newMempoolWithConfig(cfg.TestConfig().Mempool)
}

func newMempoolWithConfig(config *cfg.MempoolConfig, options ...ListMempoolOption) *ListMempool {
	mempool := NewListMempool(config, 0, options...)
	mempool.SetLogger(log.TestingLogger())
	return mempool
}

var txCounter int

func makeTx() types.Tx {
	txCounter++
	return types.Tx{
		ID: fmt.Sprintf("tx-%06d", txCounter),
		Payload: types.MarketEvent{
			Asset:     "BTC",
			Price:     50000,
			Source:    "MockData",
			Timestamp: 1700000000,
		},
		Timestamp: 1700000000000,
	}
}

// generates count txs and runs CheckTx on each
func checkTxs(t *testing.T, mempool Mempool, count int, peerID uint16) types.Txs {
	txs := make(types.Txs, count)
	txinfo := TxInfo{
		SenderID: peerID,
	}
	for i := 0; i < count; i++ {
		txs[i] = makeTx()
		if err := mempool.CheckTx(txs[i], txinfo); err != nil {
			t.Fatalf("checkTx failed: %v while checking #%d tx", err, i)
		}
	}

	return txs
}

// ----- tests -----

func TestBasicMempool(t *testing.T) {
	mem := newMempool()

	test_Flush(t, mem)
	test_CheckTx(t, mem)
}

func test_Flush(t *testing.T, mem Mempool) {
	txs := checkTxs(t, mem, 1, UnknownPeerID)
	assert.Equal(t, 1, mem.Size())
	assert.Equal(t, txs[0].Size(), mem.TxsBytes())

	mem.Flush()
	assert.Equal(t, 0, mem.Size())
	assert.Equal(t, int64(0), mem.TxsBytes())

	// flush resets the cache, so the same tx is accepted again
	assert.NoError(t, mem.CheckTx(txs[0], TxInfo{SenderID: UnknownPeerID}))
	mem.Flush()
}

func test_CheckTx(t *testing.T, mem Mempool) {
	// the same tx can not be added twice
	{
		txs := checkTxs(t, mem, 1, UnknownPeerID)
		err := mem.CheckTx(txs[0], TxInfo{SenderID: UnknownPeerID})
		assert.True(t, errors.Is(err, ErrTxInMap), "the same tx can add to mempool.")
		mem.Flush()
	}

	// malformed txs fail the pre check
	{
		tx := makeTx()
		tx.Payload.Price = -1
		err := mem.CheckTx(tx, TxInfo{})
		assert.True(t, IsPreCheckError(err))
	}

	tests := []struct {
		numTxsToCreate int
		expectedTxNum  int
	}{
		{0, 0},
		{1, 1},
		{10, 10},
	}

	for index, test := range tests {
		txs := checkTxs(t, mem, test.numTxsToCreate, UnknownPeerID)
		assert.Equal(t, test.expectedTxNum, mem.Size(),
			"[memNum] Got %d, expected %d tc #%d",
			mem.Size(), test.expectedTxNum, index)
		assert.Equal(t, txs.Size(), mem.TxsBytes(),
			"[memBytes] tc #%d", index)
		mem.Flush()
	}
}

func TestReapMaxTxs(t *testing.T) {
	mem := newMempool()

	tests := []struct {
		numTxsToCreate int
		max            int
		expectedNumTxs int
	}{
		{20, -1, 20},
		{20, 0, 0},
		{20, 7, 7},
		{20, 30, 20},
	}

	for index, test := range tests {
		txs := checkTxs(t, mem, test.numTxsToCreate, UnknownPeerID)
		reaped := mem.ReapMaxTxs(test.max)
		assert.Equal(t, test.expectedNumTxs, len(reaped),
			"Got %v tx, expected %d, tc #%d",
			len(reaped), test.expectedNumTxs, index)
		assert.Equal(t, txs[:test.expectedNumTxs].IDs(), reaped.IDs(), "reap keeps arrival order")
		assert.Equal(t, test.numTxsToCreate-test.expectedNumTxs, mem.Size(), "reaped txs leave the mempool")
		mem.Flush()
	}
}

func TestReapDrainsOnce(t *testing.T) {
	mem := newMempool()

	txs := checkTxs(t, mem, 5, UnknownPeerID)
	first := mem.ReapMaxTxs(-1)
	require.Len(t, first, 5)
	assert.Empty(t, mem.ReapMaxTxs(-1))

	// a drained tx is never queued again
	err := mem.CheckTx(txs[0], TxInfo{})
	assert.True(t, errors.Is(err, ErrTxInCache))
}

func TestRequeue(t *testing.T) {
	mem := newMempool()

	txs := checkTxs(t, mem, 3, UnknownPeerID)
	reaped := mem.ReapMaxTxs(2)
	later := checkTxs(t, mem, 1, UnknownPeerID)

	mem.Requeue(reaped)
	assert.Equal(t, 4, mem.Size())
	assert.EqualValues(t, txs.Size()+later.Size(), mem.TxsBytes())

	// requeued txs go first, still in arrival order
	want := append(append(types.Txs{}, txs...), later...)
	assert.Equal(t, want.IDs(), mem.ReapMaxTxs(-1).IDs())

	// still cached, so clients cannot queue them twice
	err := mem.CheckTx(txs[0], TxInfo{})
	assert.True(t, errors.Is(err, ErrTxInCache))

	mem.Requeue(nil)
	assert.Zero(t, mem.Size())
}

func TestConcurrentReap(t *testing.T) {
	mem := newMempool()
	checkTxs(t, mem, 200, UnknownPeerID)

	var (
		wg   sync.WaitGroup
		mtx  sync.Mutex
		seen = make(map[string]int)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, tx := range mem.ReapMaxTxs(10) {
				mtx.Lock()
				seen[tx.ID]++
				mtx.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 80)
	for id, n := range seen {
		assert.Equal(t, 1, n, "tx %s reaped twice", id)
	}
}

func TestUpdate(t *testing.T) {
	mem := newMempool()

	tx := makeTx()
	require.NoError(t, mem.CheckTx(tx, TxInfo{}))

	mem.Lock()
	err := mem.Update(1, types.Txs{tx})
	mem.Unlock()
	require.NoError(t, err)
	assert.Zero(t, mem.Size())

	// committed elsewhere, refused from now on
	assert.True(t, errors.Is(mem.CheckTx(tx, TxInfo{}), ErrTxInCache))
}

func TestMempoolIsFull(t *testing.T) {
	config := cfg.TestConfig().Mempool
	config.Size = 2
	mem := newMempoolWithConfig(config)

	checkTxs(t, mem, 2, UnknownPeerID)
	err := mem.CheckTx(makeTx(), TxInfo{})
	_, full := err.(ErrMempoolIsFull)
	assert.True(t, full)
}

func TestPreCheck(t *testing.T) {
	onlyBTC := func(tx types.Tx) error {
		if tx.Payload.Asset != "BTC" {
			return errors.New("only BTC")
		}
		return nil
	}
	mem := newMempoolWithConfig(cfg.TestConfig().Mempool, SetPreCheck(onlyBTC))

	tx := makeTx()
	tx.Payload.Asset = "ETH"
	assert.True(t, IsPreCheckError(mem.CheckTx(tx, TxInfo{})))
	assert.NoError(t, mem.CheckTx(makeTx(), TxInfo{}))
}

func TestTxsAvailable(t *testing.T) {
	mem := newMempool()
	checkTxs(t, mem, 3, UnknownPeerID)

	select {
	case <-mem.TxsAvailable():
	default:
		t.Fatal("expected txs available")
	}
	assert.Contains(t, mem.Metric().JSONString(), `"txs_num":3`)
}
