package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BroadcastMetrics tracks snapshot rounds
type BroadcastMetrics struct {
	rounds        *prometheus.CounterVec
	snapshots     prometheus.Counter
	queryErrors   prometheus.Counter
	roundDuration prometheus.Histogram
}

// NewBroadcastMetrics creates the broadcast metrics and registers them
func NewBroadcastMetrics(registry prometheus.Registerer) (*BroadcastMetrics, error) {
	m := &BroadcastMetrics{
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_rounds_total",
			Help: "Broadcast rounds by status (completed, skipped)",
		}, []string{"status"}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_snapshots_total",
			Help: "Snapshots delivered to sessions",
		}),
		queryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_query_errors_total",
			Help: "Latest-sample queries that failed",
		}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broadcast_round_duration_seconds",
			Help:    "Duration of a broadcast round in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	if err := registerAll(registry, "broadcast", m.rounds, m.snapshots, m.queryErrors, m.roundDuration); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordRound records a completed round
func (m *BroadcastMetrics) RecordRound(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues("completed").Inc()
	m.roundDuration.Observe(elapsed.Seconds())
}

// RecordSkippedRound counts a tick skipped because the previous round was still running
func (m *BroadcastMetrics) RecordSkippedRound() {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues("skipped").Inc()
}

// RecordSnapshot counts a delivered snapshot
func (m *BroadcastMetrics) RecordSnapshot() {
	if m == nil {
		return
	}
	m.snapshots.Inc()
}

// RecordQueryError counts a failed storage lookup
func (m *BroadcastMetrics) RecordQueryError() {
	if m == nil {
		return
	}
	m.queryErrors.Inc()
}

// SnapshotCount returns the snapshot counter, for tests
func (m *BroadcastMetrics) SnapshotCount() prometheus.Counter {
	return m.snapshots
}

// SkippedCount returns the skipped round counter, for tests
func (m *BroadcastMetrics) SkippedCount() prometheus.Counter {
	return m.rounds.WithLabelValues("skipped")
}
