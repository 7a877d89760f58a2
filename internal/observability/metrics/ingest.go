package metrics

import "github.com/prometheus/client_golang/prometheus"

// Ingest message outcome labels
const (
	OutcomeBuffered = "buffered"
	OutcomeCoerced  = "coerced"
	OutcomeUnmapped = "unmapped"
	OutcomeDetected = "detected"
	OutcomeDropped  = "dropped"
	OutcomeRejected = "rejected"
)

// IngestMetrics tracks message routing and immediate record writes
type IngestMetrics struct {
	messages   *prometheus.CounterVec
	records    *prometheus.CounterVec
	inflight   prometheus.Gauge
	relayDrops prometheus.Counter
}

// NewIngestMetrics creates the ingest metrics and registers them
func NewIngestMetrics(registry prometheus.Registerer) (*IngestMetrics, error) {
	m := &IngestMetrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_messages_total",
			Help: "Device messages routed, by outcome",
		}, []string{"outcome"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_total",
			Help: "Position and detection records written immediately, by record and status",
		}, []string{"record", "status"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_inflight_writes",
			Help: "Immediate record writes currently in progress",
		}),
		relayDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_relay_dropped_total",
			Help: "Raw relay frames dropped because a session queue was full",
		}),
	}
	if err := registerAll(registry, "ingest", m.messages, m.records, m.inflight, m.relayDrops); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordMessage counts a routed message by outcome
func (m *IngestMetrics) RecordMessage(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

// RecordWrite counts an immediate record write
func (m *IngestMetrics) RecordWrite(record, status string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(record, status).Inc()
}

// WriteStarted and WriteFinished track in-flight immediate writes
func (m *IngestMetrics) WriteStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *IngestMetrics) WriteFinished() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

// RecordRelayDrop counts a dropped raw relay frame
func (m *IngestMetrics) RecordRelayDrop() {
	if m == nil {
		return
	}
	m.relayDrops.Inc()
}

// MessageCount returns the counter for outcome, for tests
func (m *IngestMetrics) MessageCount(outcome string) prometheus.Counter {
	return m.messages.WithLabelValues(outcome)
}
