package metric

// MetricItem is one independently reported metric module, e.g. the mempool or
// the consensus node. Implementations must be safe for concurrent reads.
type MetricItem interface {
	JSONString() string
}

type mockMetricItem struct {
	name string
}

func (mock *mockMetricItem) JSONString() string {
	return mock.name
}
