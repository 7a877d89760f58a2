package serve

import (
	"context"
	"os"

	"github.com/rovernet/roverbridge/internal/logger"
)

// rotator rolls the log file over
type rotator interface {
	Rotate() error
}

// rotateOnSignal rotates the log file on every signal received until ctx ends
func rotateOnSignal(ctx context.Context, sigs <-chan os.Signal, r rotator, log logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			if err := r.Rotate(); err != nil {
				log.Warn("log rotation failed", logger.Error(err))
				continue
			}
			log.Info("log file rotated")
		}
	}
}
