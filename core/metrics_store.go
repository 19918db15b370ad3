package core

import (
	"context"
	"time"
)

// MetricSample is one recorded observation of a named time series.
type MetricSample struct {
	Name      string
	Value     float64
	Metadata  map[string]interface{}
	Timestamp time.Time
	Version   int64
}

// MetricsStore is a thin layer over StateStore (C3): every record_metric
// call is a StateStore write under the "metric:<name>" keyspace, so the
// append-only version history StateStore already keeps doubles as the
// time series.
type MetricsStore struct {
	states *StateStore
	logger Logger
}

// NewMetricsStore constructs a MetricsStore backed by states.
func NewMetricsStore(states *StateStore, logger Logger) *MetricsStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/metrics")
	}
	return &MetricsStore{states: states, logger: logger}
}

func metricKey(name string) string {
	return "metric:" + name
}

// RecordMetric appends a new sample to the named series and emits
// METRIC_RECORDED.
func (m *MetricsStore) RecordMetric(ctx context.Context, name string, value float64, metadata map[string]interface{}) error {
	version, err := m.states.SetState(ctx, metricKey(name), value, ResourceMetric, metadata)
	if err != nil {
		return err
	}
	if m.states.bus != nil {
		_ = m.states.bus.Emit(ctx, EventMetricRecorded, map[string]interface{}{
			"name":    name,
			"value":   value,
			"version": version,
		}, PriorityNormal)
	}
	if registry := GetGlobalMetricsRegistry(); registry != nil {
		registry.Gauge("agentsubstrate.metric."+name, value)
	}
	return nil
}

// GetMetrics returns the samples recorded for name, oldest first, bounded
// by limit (0 = unlimited).
func (m *MetricsStore) GetMetrics(name string, limit int) []MetricSample {
	entries := m.states.GetStateHistory(metricKey(name), limit)
	out := make([]MetricSample, 0, len(entries))
	for _, e := range entries {
		value, _ := e.Value.(float64)
		out = append(out, MetricSample{
			Name:      name,
			Value:     value,
			Metadata:  e.Metadata,
			Timestamp: e.Timestamp,
			Version:   e.Version,
		})
	}
	return out
}
