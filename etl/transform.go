package etl

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketbft/libs/clock"
	"marketbft/libs/utils"
	"marketbft/types"
)

// txNamespace is the UUIDv5 namespace of transaction ids.
var txNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("marketbft/tx"))

// TxID derives the deterministic id of a normalized event.
func TxID(ev types.MarketEvent) string {
	canonical := fmt.Sprintf("%s|%.2f|%s|%d", ev.Asset, ev.Price, ev.Source, ev.Timestamp)
	return uuid.NewSHA1(txNamespace, []byte(canonical)).String()
}

// Transformer validates and normalizes raw events into transactions.
type Transformer struct {
	validator   *Validator
	dedupWindow time.Duration
	clock       clock.Clock

	mtx      sync.Mutex
	lastSeen map[string]int64 // asset/source -> timestamp of the last accepted event
}

func NewTransformer(validator *Validator, dedupWindow time.Duration, c clock.Clock) *Transformer {
	return &Transformer{
		validator:   validator,
		dedupWindow: dedupWindow,
		clock:       c,
		lastSeen:    make(map[string]int64),
	}
}

// NormalizePrice rounds to cents.
func NormalizePrice(price float64) float64 {
	return utils.Round(price, 2)
}

// Transform turns ev into a transaction. An event of the same asset and
// source within the dedup window of the previous one is kept but flagged.
func (t *Transformer) Transform(ev RawEvent) (types.Tx, error) {
	now := t.clock.Now()
	if err := t.validator.Validate(ev, now); err != nil {
		return types.Tx{}, err
	}

	payload := types.MarketEvent{
		Asset:     ev.Asset,
		Price:     NormalizePrice(ev.Price),
		Source:    ev.Source,
		Timestamp: ev.Timestamp,
	}

	key := ev.Asset + "/" + ev.Source
	t.mtx.Lock()
	last, seen := t.lastSeen[key]
	t.lastSeen[key] = ev.Timestamp
	t.mtx.Unlock()

	dedup := false
	if seen {
		delta := ev.Timestamp - last
		if delta < 0 {
			delta = -delta
		}
		dedup = delta < int64(t.dedupWindow/time.Second)
	}

	return types.Tx{
		ID:           TxID(payload),
		Payload:      payload,
		Timestamp:    clock.Millis(t.clock),
		Deduplicated: dedup,
	}, nil
}
