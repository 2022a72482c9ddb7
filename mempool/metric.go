package mempool

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
)

func newMemMetric() *memMetric {
	return &memMetric{}
}

type memMetric struct {
	mtx           sync.RWMutex
	TxsNum        int   `json:"txs_num"`         // txs currently queued
	ReapedTxsNum  int64 `json:"reaped_txs_num"`  // txs drained into blocks so far
	Reaps         int64 `json:"reaps"`           // number of proposals that drained the mempool
	TotalTxsBytes int64 `json:"total_txs_bytes"` // bytes currently queued
}

func (mm *memMetric) JSONString() string {
	mm.mtx.RLock()
	defer mm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(mm)
	return s
}

func (mm *memMetric) MarkTxsNum(txsnum int) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.TxsNum = txsnum
}

func (mm *memMetric) MarkReaped(n int) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.ReapedTxsNum += int64(n)
	mm.Reaps++
}

// MarkRequeued takes back txs counted as reaped.
func (mm *memMetric) MarkRequeued(n int) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.ReapedTxsNum -= int64(n)
}

func (mm *memMetric) MarkTotalTxsBytes(totalTxsBytes int64) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.TotalTxsBytes = totalTxsBytes
}
