package metric

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func newTestMetric() *MetricSet {
	m := NewMetricSet()
	m.metrics["TEST"] = &mockMetricItem{name: "TEST"}
	return m
}

func TestMetricSet_HasMetrics(t *testing.T) {
	metric := newTestMetric()

	assert.True(t, metric.HasMetrics("TEST"), "should contain label(TEST)")
	assert.False(t, metric.HasMetrics("FTEST"), "shouldn't contain label(FTEST)")
}

func TestMetricSet_SetMetrics(t *testing.T) {
	metric := newTestMetric()

	mockItem := &mockMetricItem{name: "TEST"}
	err := metric.SetMetrics("TEST", mockItem)
	assert.True(t, errors.Is(err, ErrMetricLabelExist), "label(TEST) is already registered")

	assert.Nil(t, metric.SetMetrics("TEST1", mockItem), "label(TEST1) should be registered")

	assert.True(t, metric.HasMetrics("TEST"), "should contain label(TEST)")
	assert.True(t, metric.HasMetrics("TEST1"), "should contain label(TEST1)")
}

func TestMetricSet_Labels(t *testing.T) {
	metric := newTestMetric()
	_ = metric.SetMetrics("A", &mockMetricItem{name: "A"})

	assert.Equal(t, []string{"A", "TEST"}, metric.Labels())
}

func TestMetricSet_Snapshot(t *testing.T) {
	metric := newTestMetric()
	_ = metric.SetMetrics("A", &mockMetricItem{name: "a-json"})

	assert.Equal(t, map[string]string{"A": "a-json", "TEST": "TEST"}, metric.Snapshot())
	assert.Equal(t, map[string]string{"A": "a-json"}, metric.Snapshot("A", "missing"))
}
