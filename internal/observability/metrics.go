// Package observability owns the Prometheus registry of the bridge.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rovernet/roverbridge/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application
type Metrics struct {
	registry  *prometheus.Registry
	MQTT      *metrics.MQTTMetrics
	Datastore *metrics.DatastoreMetrics
	Ingest    *metrics.IngestMetrics
	Batcher   *metrics.BatcherMetrics
	Session   *metrics.SessionMetrics
	Broadcast *metrics.BroadcastMetrics
	Command   *metrics.CommandMetrics
}

// NewMetrics creates a fresh registry with process, Go runtime and
// component collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{registry: registry}

	var err error
	if m.MQTT, err = metrics.NewMQTTMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}
	if m.Datastore, err = metrics.NewDatastoreMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create datastore metrics: %w", err)
	}
	if m.Ingest, err = metrics.NewIngestMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create ingest metrics: %w", err)
	}
	if m.Batcher, err = metrics.NewBatcherMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create batcher metrics: %w", err)
	}
	if m.Session, err = metrics.NewSessionMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create session metrics: %w", err)
	}
	if m.Broadcast, err = metrics.NewBroadcastMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create broadcast metrics: %w", err)
	}
	if m.Command, err = metrics.NewCommandMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create command metrics: %w", err)
	}

	return m, nil
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
		Registry:      m.registry,
	})
}
