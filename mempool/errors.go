package mempool

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTxInCache is returned to the client if we saw tx earlier
	ErrTxInCache = errors.New("tx already exists in cache")
	ErrTxInMap   = errors.New("tx already exists in map")
)

// ErrMempoolIsFull means Tendermint & an application can't handle that much load
type ErrMempoolIsFull struct {
	numTxs   int
	maxTxs   int
	txsBytes int64
}

func (e ErrMempoolIsFull) Error() string {
	return fmt.Sprintf(
		"mempool is full: number of txs %d (max: %d), total txs bytes %d",
		e.numTxs, e.maxTxs, e.txsBytes)
}

// ErrPreCheck is returned when tx is rejected by the PreCheckFunc.
type ErrPreCheck struct {
	Reason error
}

func (e ErrPreCheck) Error() string {
	return e.Reason.Error()
}

// IsPreCheckError returns true if err is due to pre check failure.
func IsPreCheckError(err error) bool {
	_, ok := errors.Cause(err).(ErrPreCheck)
	return ok
}
