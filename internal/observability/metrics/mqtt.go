// Package metrics provides the Prometheus collectors of the bridge components.
//
// Every recording method is safe to call on a nil receiver, so components
// can run without metrics in tests.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MQTTMetrics contains all Prometheus metrics related to MQTT operations
type MQTTMetrics struct {
	ConnectionStatus  prometheus.Gauge
	LastConnectTime   prometheus.Gauge
	MessagesReceived  prometheus.Counter
	MessagesPublished prometheus.Counter
	Errors            *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	MessageSize       prometheus.Histogram
	PublishLatency    prometheus.Histogram
}

// NewMQTTMetrics creates the MQTT metrics and registers them
func NewMQTTMetrics(registry prometheus.Registerer) (*MQTTMetrics, error) {
	m := &MQTTMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register MQTT metrics: %w", err)
	}
	return m, nil
}

func (m *MQTTMetrics) initMetrics() {
	m.ConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_connection_status",
		Help: "Current MQTT connection status (1 for connected, 0 for disconnected)",
	})
	m.LastConnectTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_last_connect_time_seconds",
		Help: "Timestamp of the last successful MQTT connection",
	})
	m.MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_messages_received_total",
		Help: "Total number of MQTT messages received from the device",
	})
	m.MessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_messages_published_total",
		Help: "Total number of MQTT messages handed to the broker",
	})
	m.Errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_errors_total",
		Help: "Total number of MQTT errors by operation",
	}, []string{"operation"})
	m.ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_reconnect_attempts_total",
		Help: "Total number of MQTT reconnection attempts",
	})
	m.MessageSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mqtt_message_size_bytes",
		Help:    "Size of received MQTT payloads in bytes",
		Buckets: prometheus.ExponentialBuckets(8, 2, 10),
	})
	m.PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mqtt_publish_latency_seconds",
		Help:    "Latency of MQTT publish handoff in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
	})
}

// UpdateConnectionStatus records a connection state change
func (m *MQTTMetrics) UpdateConnectionStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.ConnectionStatus.Set(1)
		m.LastConnectTime.SetToCurrentTime()
		return
	}
	m.ConnectionStatus.Set(0)
}

// RecordReceived counts an inbound message and its size
func (m *MQTTMetrics) RecordReceived(size int) {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
	m.MessageSize.Observe(float64(size))
}

// RecordPublished counts an outbound message and its handoff latency
func (m *MQTTMetrics) RecordPublished(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.MessagesPublished.Inc()
	m.PublishLatency.Observe(elapsed.Seconds())
}

// RecordError counts a failure of the given operation (connect, publish, subscribe)
func (m *MQTTMetrics) RecordError(operation string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(operation).Inc()
}

// RecordReconnect counts a reconnection attempt
func (m *MQTTMetrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// Describe implements the prometheus.Collector interface
func (m *MQTTMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.ConnectionStatus.Describe(ch)
	m.LastConnectTime.Describe(ch)
	m.MessagesReceived.Describe(ch)
	m.MessagesPublished.Describe(ch)
	m.Errors.Describe(ch)
	m.ReconnectAttempts.Describe(ch)
	m.MessageSize.Describe(ch)
	m.PublishLatency.Describe(ch)
}

// Collect implements the prometheus.Collector interface
func (m *MQTTMetrics) Collect(ch chan<- prometheus.Metric) {
	m.ConnectionStatus.Collect(ch)
	m.LastConnectTime.Collect(ch)
	m.MessagesReceived.Collect(ch)
	m.MessagesPublished.Collect(ch)
	m.Errors.Collect(ch)
	m.ReconnectAttempts.Collect(ch)
	m.MessageSize.Collect(ch)
	m.PublishLatency.Collect(ch)
}
