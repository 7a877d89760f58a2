// Package batcher periodically drains the telemetry buffer into storage.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/rovernet/roverbridge/internal/buffer"
	"github.com/rovernet/roverbridge/internal/datastore"
	"github.com/rovernet/roverbridge/internal/logger"
	"github.com/rovernet/roverbridge/internal/observability/metrics"
)

const componentName = "batcher"

// SampleStore is the bulk insert used by a flush
type SampleStore interface {
	InsertSensorSamples(ctx context.Context, samples []datastore.SensorSample) error
}

// Config holds the flush period and per-flush write timeout
type Config struct {
	DeviceID     string
	OwnerID      int64
	Interval     time.Duration
	StoreTimeout time.Duration
}

// Batcher writes everything buffered since the previous flush as one batch.
// Delivery is at-most-once: a failed batch is logged and not re-queued.
type Batcher struct {
	config  Config
	buf     *buffer.Buffer
	store   SampleStore
	log     logger.Logger
	metrics *metrics.BatcherMetrics

	// flushes never overlap
	mu sync.Mutex
}

// New returns a batcher for buf
func New(cfg Config, buf *buffer.Buffer, store SampleStore, log logger.Logger, m *metrics.BatcherMetrics) *Batcher {
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	return &Batcher{config: cfg, buf: buf, store: store, log: log, metrics: m}
}

// Run flushes on every tick until ctx is cancelled. The final flush on
// shutdown is the caller's job.
func (b *Batcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.config.Interval)
	defer ticker.Stop()

	b.log.Info("persistence batcher started", logger.Duration("interval", b.config.Interval))
	for {
		select {
		case <-ctx.Done():
			b.log.Info("persistence batcher stopped")
			return nil
		case <-ticker.C:
			// bound by the store timeout, not the run context, so a tick that
			// races shutdown still completes its write
			flushCtx, cancel := context.WithTimeout(context.Background(), b.config.StoreTimeout)
			_, _ = b.Flush(flushCtx)
			cancel()
		}
	}
}

// Flush drains the buffer and writes the samples in one bulk insert. It
// returns the number of samples drained. An empty buffer is a no-op.
func (b *Batcher) Flush(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	drained := b.buf.DrainAll()
	if len(drained) == 0 {
		b.metrics.RecordEmpty()
		return 0, nil
	}

	samples := make([]datastore.SensorSample, 0, len(drained))
	for _, s := range drained {
		samples = append(samples, b.toRecord(s))
	}

	start := time.Now()
	err := b.store.InsertSensorSamples(ctx, samples)
	b.metrics.RecordFlush(len(samples), err, time.Since(start))
	if err != nil {
		b.log.Error("failed to persist sensor batch, samples dropped",
			logger.Int("samples", len(samples)),
			logger.Error(err))
		return len(samples), err
	}

	b.log.Debug("sensor batch persisted",
		logger.Int("samples", len(samples)),
		logger.Duration("elapsed", time.Since(start)))
	return len(samples), nil
}

func (b *Batcher) toRecord(s buffer.Sample) datastore.SensorSample {
	meta := datastore.Metadata{
		"topic":       s.Topic,
		"observed_at": s.ObservedAt.UTC().Format(time.RFC3339Nano),
	}
	if s.Text != "" {
		meta["text"] = s.Text
	}
	return datastore.SensorSample{
		OwnerID:   b.config.OwnerID,
		DeviceID:  b.config.DeviceID,
		Kind:      s.Kind,
		Value:     s.Value,
		Unit:      s.Unit,
		Metadata:  meta,
		Timestamp: s.ObservedAt.UTC(),
	}
}
