package rpc

import (
	"github.com/tendermint/tendermint/libs/log"

	"marketbft/etl"
	"marketbft/libs/metric"
	"marketbft/node"
)

const (
	// maxLedgerRange caps the blocks returned by one ledger call.
	maxLedgerRange = 100
)

var (
	env *Environment
)

// SetEnvironment sets the node the route handlers read from. It must be
// called before the server starts.
func SetEnvironment(e *Environment) {
	env = e
}

type Environment struct {
	Node      *node.Node
	Pipeline  *etl.Pipeline // nil disables submit_event
	MetricSet *metric.MetricSet

	Logger log.Logger
}
