package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Datastore operation status labels
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

// DatastoreMetrics contains Prometheus metrics for datastore operations
type DatastoreMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	rowsWritten       *prometheus.CounterVec
}

// NewDatastoreMetrics creates the datastore metrics and registers them
func NewDatastoreMetrics(registry prometheus.Registerer) (*DatastoreMetrics, error) {
	m := &DatastoreMetrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datastore_operations_total",
			Help: "Total number of datastore operations by operation and status",
		}, []string{"operation", "status"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datastore_operation_duration_seconds",
			Help:    "Duration of datastore operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation"}),
		rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datastore_rows_written_total",
			Help: "Total number of rows inserted by table",
		}, []string{"table"}),
	}

	for _, c := range []prometheus.Collector{m.operationsTotal, m.operationDuration, m.rowsWritten} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register datastore metrics: %w", err)
		}
	}
	return m, nil
}

// RecordOperation records the outcome and duration of one operation
func (m *DatastoreMetrics) RecordOperation(operation, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordRowsWritten counts inserted rows for a table
func (m *DatastoreMetrics) RecordRowsWritten(table string, rows int) {
	if m == nil || rows <= 0 {
		return
	}
	m.rowsWritten.WithLabelValues(table).Add(float64(rows))
}

// OperationCount returns the counter for operation/status, for tests
func (m *DatastoreMetrics) OperationCount(operation, status string) prometheus.Counter {
	return m.operationsTotal.WithLabelValues(operation, status)
}
