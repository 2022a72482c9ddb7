package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

// JSONMetrics renders the metric item registered under label, or every item
// when label is empty.
func JSONMetrics(ctx *rpctypes.Context, label string) (*ResultMetrics, error) {
	var labels []string
	if label != "" {
		labels = []string{label}
	}
	return &ResultMetrics{Metrics: env.MetricSet.Snapshot(labels...)}, nil
}
