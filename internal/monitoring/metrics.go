// Package monitoring collects per-operation metrics for table loads and the
// fatal-error counters a task reports to its execution framework.
package monitoring

import (
	"sync"
	"time"
)

// OperationMetrics represents the metrics of one recorded operation, such as
// building one small table.
type OperationMetrics struct {
	Duration       time.Duration `json:"duration"`
	RowsProcessed  int64         `json:"rows_processed"`
	BytesProcessed int64         `json:"bytes_processed"`
	MemoryUsed     int64         `json:"memory_used"`
	Operation      string        `json:"operation"`
	Leg            int           `json:"leg"`
	Parallel       bool          `json:"parallel"`
	Failed         bool          `json:"failed"`
}

// MetricsCollector collects and stores operation metrics.
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics []OperationMetrics
	enabled bool
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(enabled bool) *MetricsCollector {
	return &MetricsCollector{
		metrics: make([]OperationMetrics, 0),
		enabled: enabled,
	}
}

// IsEnabled returns whether metrics collection is enabled. A nil collector is
// disabled.
func (mc *MetricsCollector) IsEnabled() bool {
	if mc == nil {
		return false
	}
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.enabled
}

// RecordOperation executes fn and records its duration and outcome.
func (mc *MetricsCollector) RecordOperation(operation string, fn func() error) error {
	if !mc.IsEnabled() {
		return fn()
	}

	start := time.Now()
	err := fn()

	mc.Record(OperationMetrics{
		Duration:  time.Since(start),
		Operation: operation,
		Leg:       -1,
		Failed:    err != nil,
	})
	return err
}

// Record stores metrics measured by the caller.
func (mc *MetricsCollector) Record(m OperationMetrics) {
	if !mc.IsEnabled() {
		return
	}
	mc.mu.Lock()
	mc.metrics = append(mc.metrics, m)
	mc.mu.Unlock()
}

// GetMetrics returns a copy of all collected metrics.
func (mc *MetricsCollector) GetMetrics() []OperationMetrics {
	if mc == nil {
		return nil
	}
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	result := make([]OperationMetrics, len(mc.metrics))
	copy(result, mc.metrics)
	return result
}

// Clear removes all collected metrics.
func (mc *MetricsCollector) Clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics = mc.metrics[:0]
}

// SetEnabled enables or disables metrics collection.
func (mc *MetricsCollector) SetEnabled(enabled bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.enabled = enabled
}

// GetSummary returns a summary of collected metrics.
func (mc *MetricsCollector) GetSummary() MetricsSummary {
	if mc == nil {
		return MetricsSummary{}
	}
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if len(mc.metrics) == 0 {
		return MetricsSummary{}
	}

	var summary MetricsSummary
	summary.OperationCounts = make(map[string]int)
	for _, metric := range mc.metrics {
		summary.TotalDuration += metric.Duration
		summary.TotalMemory += metric.MemoryUsed
		summary.TotalRows += metric.RowsProcessed
		summary.TotalBytes += metric.BytesProcessed
		summary.OperationCounts[metric.Operation]++
		if metric.Failed {
			summary.Failures++
		}
	}
	summary.TotalOperations = len(mc.metrics)
	summary.AverageDuration = summary.TotalDuration / time.Duration(len(mc.metrics))
	return summary
}

// MetricsSummary provides aggregate statistics for collected metrics.
type MetricsSummary struct {
	TotalOperations int            `json:"total_operations"`
	TotalDuration   time.Duration  `json:"total_duration"`
	TotalMemory     int64          `json:"total_memory"`
	TotalRows       int64          `json:"total_rows"`
	TotalBytes      int64          `json:"total_bytes"`
	Failures        int            `json:"failures"`
	OperationCounts map[string]int `json:"operation_counts"`
	AverageDuration time.Duration  `json:"average_duration"`
}
