package metrics

import "github.com/prometheus/client_golang/prometheus"

// Authentication result labels
const (
	AuthOK       = "ok"
	AuthInvalid  = "invalid"
	AuthRepeated = "repeated"
)

// SessionMetrics tracks push channel sessions
type SessionMetrics struct {
	active       prometheus.Gauge
	authResults  *prometheus.CounterVec
	terminations *prometheus.CounterVec
	framesSent   *prometheus.CounterVec
	framesDrop   prometheus.Counter
}

// NewSessionMetrics creates the session metrics and registers them
func NewSessionMetrics(registry prometheus.Registerer) (*SessionMetrics, error) {
	m := &SessionMetrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_active",
			Help: "Currently open push channel sessions",
		}),
		authResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_auth_total",
			Help: "Handshake attempts by result",
		}, []string{"result"}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_closed_total",
			Help: "Closed sessions by reason",
		}, []string{"reason"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_frames_sent_total",
			Help: "Frames queued to clients by frame type",
		}, []string{"type"}),
		framesDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_frames_dropped_total",
			Help: "Frames dropped because a client send queue was full",
		}),
	}
	if err := registerAll(registry, "session", m.active, m.authResults, m.terminations, m.framesSent, m.framesDrop); err != nil {
		return nil, err
	}
	return m, nil
}

// SessionOpened increments the active session gauge
func (m *SessionMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.active.Inc()
}

// SessionClosed decrements the active gauge and counts the reason
func (m *SessionMetrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.terminations.WithLabelValues(reason).Inc()
}

// RecordAuth counts a handshake attempt
func (m *SessionMetrics) RecordAuth(result string) {
	if m == nil {
		return
	}
	m.authResults.WithLabelValues(result).Inc()
}

// RecordFrame counts a queued frame
func (m *SessionMetrics) RecordFrame(frameType string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(frameType).Inc()
}

// RecordDrop counts a dropped frame
func (m *SessionMetrics) RecordDrop() {
	if m == nil {
		return
	}
	m.framesDrop.Inc()
}

// ClosedCount returns the close counter for reason, for tests
func (m *SessionMetrics) ClosedCount(reason string) prometheus.Counter {
	return m.terminations.WithLabelValues(reason)
}

// AuthCount returns the auth counter for result, for tests
func (m *SessionMetrics) AuthCount(result string) prometheus.Counter {
	return m.authResults.WithLabelValues(result)
}
