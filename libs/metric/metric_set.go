package metric

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrMetricLabelExist = errors.New("metric label already exist")
)

func NewMetricSet() *MetricSet {
	return &MetricSet{
		metrics: make(map[string]MetricItem),
	}
}

// MetricSet is the label registry served by the metrics RPC route.
type MetricSet struct {
	mtx     sync.RWMutex
	metrics map[string]MetricItem
}

// SetMetrics registers item under label. An existing label is an error.
func (ms *MetricSet) SetMetrics(label string, item MetricItem) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()

	if _, existed := ms.metrics[label]; existed {
		return errors.Wrap(ErrMetricLabelExist, label)
	}
	ms.metrics[label] = item
	return nil
}

func (ms *MetricSet) HasMetrics(label string) bool {
	ms.mtx.RLock()
	_, existed := ms.metrics[label]
	ms.mtx.RUnlock()
	return existed
}

func (ms *MetricSet) GetMetrics(label string) MetricItem {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	return ms.metrics[label]
}

// Labels returns the registered labels, sorted.
func (ms *MetricSet) Labels() []string {
	ms.mtx.RLock()
	keys := make([]string, 0, len(ms.metrics))
	for k := range ms.metrics {
		keys = append(keys, k)
	}
	ms.mtx.RUnlock()

	sort.Strings(keys)
	return keys
}

// Snapshot renders the given labels, or all labels when none are given.
// Unknown labels are skipped.
func (ms *MetricSet) Snapshot(labels ...string) map[string]string {
	if len(labels) == 0 {
		labels = ms.Labels()
	}
	out := make(map[string]string, len(labels))
	for _, l := range labels {
		if item := ms.GetMetrics(l); item != nil {
			out[l] = item.JSONString()
		}
	}
	return out
}
