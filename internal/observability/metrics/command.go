package metrics

import "github.com/prometheus/client_golang/prometheus"

// CommandMetrics tracks dispatched device commands
type CommandMetrics struct {
	dispatched *prometheus.CounterVec
}

// NewCommandMetrics creates the command metrics and registers them
func NewCommandMetrics(registry prometheus.Registerer) (*CommandMetrics, error) {
	m := &CommandMetrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "command_dispatch_total",
			Help: "Command dispatch attempts by action and result",
		}, []string{"action", "result"}),
	}
	if err := registerAll(registry, "command", m.dispatched); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordDispatch counts a dispatch attempt
func (m *CommandMetrics) RecordDispatch(action, result string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(action, result).Inc()
}

// DispatchCount returns the counter for action/result, for tests
func (m *CommandMetrics) DispatchCount(action, result string) prometheus.Counter {
	return m.dispatched.WithLabelValues(action, result)
}
