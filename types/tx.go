package types

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/tmhash"
)

const (
	TxKeySize = tmhash.Size
)

// MarketEvent is the payload carried by a transaction: one price observation
// of one asset as reported by one source.
type MarketEvent struct {
	Asset     string  `json:"asset"`
	Price     float64 `json:"price"`
	Source    string  `json:"source"`
	Timestamp int64   `json:"timestamp"` // unix seconds
}

func (ev MarketEvent) String() string {
	return fmt.Sprintf("%s@%.2f(%s,%d)", ev.Asset, ev.Price, ev.Source, ev.Timestamp)
}

// Tx is a canonical market transaction. It is created at intake and consumed
// exactly once when it is included in a proposed block.
type Tx struct {
	ID           string      `json:"id"`
	Payload      MarketEvent `json:"payload"`
	Timestamp    int64       `json:"timestamp"` // intake time, unix millis
	Deduplicated bool        `json:"deduplicated"`
}

// TxKey is the fixed length array hash used as the key in maps.
type TxKey [TxKeySize]byte

func (tx Tx) Key() TxKey {
	var key TxKey
	copy(key[:], tmhash.Sum([]byte(tx.ID)))
	return key
}

// Size is an estimate of the bytes the tx occupies in the mempool.
func (tx Tx) Size() int64 {
	return int64(len(tx.ID)+len(tx.Payload.Asset)+len(tx.Payload.Source)) + 3*8 + 1
}

func (tx Tx) ValidateBasic() error {
	if tx.ID == "" {
		return errors.New("tx had no id")
	}
	if tx.Payload.Asset == "" {
		return errors.Errorf("tx %s had no asset", tx.ID)
	}
	if math.IsNaN(tx.Payload.Price) || math.IsInf(tx.Payload.Price, 0) || tx.Payload.Price < 0 {
		return errors.Errorf("tx %s had invalid price %v", tx.ID, tx.Payload.Price)
	}
	return nil
}

func (tx Tx) String() string {
	return fmt.Sprintf("Tx{%s %v}", tx.ID, tx.Payload)
}

type Txs []Tx

func (txs Txs) Append(other Txs) Txs {
	return append(txs, other...)
}

func (txs Txs) Size() int64 {
	var size int64
	for _, tx := range txs {
		size += tx.Size()
	}
	return size
}

// IDs returns tx ids in block order.
func (txs Txs) IDs() []string {
	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	return ids
}
