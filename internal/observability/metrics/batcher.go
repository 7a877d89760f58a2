package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BatcherMetrics tracks periodic buffer flushes
type BatcherMetrics struct {
	flushes       *prometheus.CounterVec
	samples       *prometheus.CounterVec
	flushDuration prometheus.Histogram
	lastFlushTime prometheus.Gauge
}

// NewBatcherMetrics creates the batcher metrics and registers them
func NewBatcherMetrics(registry prometheus.Registerer) (*BatcherMetrics, error) {
	m := &BatcherMetrics{
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batcher_flushes_total",
			Help: "Buffer flushes by status (success, error, empty)",
		}, []string{"status"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batcher_samples_total",
			Help: "Samples drained from the buffer, by status (persisted, lost)",
		}, []string{"status"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batcher_flush_duration_seconds",
			Help:    "Duration of bulk inserts in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		lastFlushTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batcher_last_success_time_seconds",
			Help: "Timestamp of the last successful flush",
		}),
	}
	if err := registerAll(registry, "batcher", m.flushes, m.samples, m.flushDuration, m.lastFlushTime); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordEmpty counts a flush that found nothing to write
func (m *BatcherMetrics) RecordEmpty() {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues("empty").Inc()
}

// RecordFlush records a bulk insert of n samples
func (m *BatcherMetrics) RecordFlush(n int, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.flushDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.flushes.WithLabelValues(StatusError).Inc()
		m.samples.WithLabelValues("lost").Add(float64(n))
		return
	}
	m.flushes.WithLabelValues(StatusSuccess).Inc()
	m.samples.WithLabelValues("persisted").Add(float64(n))
	m.lastFlushTime.SetToCurrentTime()
}

// FlushCount returns the flush counter for status, for tests
func (m *BatcherMetrics) FlushCount(status string) prometheus.Counter {
	return m.flushes.WithLabelValues(status)
}

// SampleCount returns the sample counter for status, for tests
func (m *BatcherMetrics) SampleCount(status string) prometheus.Counter {
	return m.samples.WithLabelValues(status)
}
