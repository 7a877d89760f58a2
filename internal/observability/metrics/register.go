package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

func registerAll(registry prometheus.Registerer, component string, collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return fmt.Errorf("failed to register %s metrics: %w", component, err)
		}
	}
	return nil
}
