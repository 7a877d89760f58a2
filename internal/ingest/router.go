// Package ingest routes device messages into the telemetry buffer and
// persists position fixes and object detections as they arrive.
package ingest

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rovernet/roverbridge/internal/buffer"
	"github.com/rovernet/roverbridge/internal/datastore"
	"github.com/rovernet/roverbridge/internal/logger"
	"github.com/rovernet/roverbridge/internal/observability/metrics"
	"github.com/rovernet/roverbridge/internal/topics"
)

const (
	componentName = "ingest"

	defaultBattery = 100
	defaultStatus  = "active"
)

// RecordStore is the subset of the datastore the router writes to
type RecordStore interface {
	InsertPosition(ctx context.Context, rec *datastore.PositionRecord) error
	InsertDetection(ctx context.Context, rec *datastore.DetectionRecord) error
}

// Relay forwards raw device messages to live sessions. It returns the number
// of sessions whose queue was full.
type Relay interface {
	Relay(topic, value string, at time.Time) int
}

// Config identifies the device and owner that ingested records belong to
type Config struct {
	DeviceID     string
	OwnerID      int64
	StoreTimeout time.Duration
}

// Router classifies device messages. OnMessage never blocks on storage.
type Router struct {
	config   Config
	registry *topics.Registry
	buf      *buffer.Buffer
	store    RecordStore
	relay    Relay
	log      logger.Logger
	metrics  *metrics.IngestMetrics
	now      func() time.Time

	// mu is held shared for the length of each OnMessage; Close takes it
	// exclusively so no message is half-handled once it returns
	mu     sync.RWMutex
	closed bool

	// ctx bounds immediate writes; cancelled when Wait runs out of time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter returns a router writing into buf and store. relay may be nil.
func NewRouter(cfg Config, registry *topics.Registry, buf *buffer.Buffer, store RecordStore, relay Relay,
	log logger.Logger, m *metrics.IngestMetrics) *Router {
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		config:   cfg,
		registry: registry,
		buf:      buf,
		store:    store,
		relay:    relay,
		log:      log,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnMessage handles one device message. It has the mqtt.MessageHandler signature.
// Messages arriving after Close are discarded.
func (r *Router) OnMessage(topic string, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.metrics.RecordMessage(metrics.OutcomeRejected)
		return
	}

	now := r.now()
	raw := string(payload)

	r.forward(topic, raw, now)

	if r.registry.IsDetection(topic) {
		r.handleDetection(raw, now)
		return
	}

	mapping, ok := r.registry.Resolve(topic)
	if !ok {
		r.metrics.RecordMessage(metrics.OutcomeUnmapped)
		r.log.Trace("unmapped topic", logger.String("topic", topic))
		return
	}

	sample := buffer.Sample{
		Topic:      topic,
		Kind:       mapping.Kind,
		Unit:       mapping.Unit,
		ObservedAt: now,
	}
	if mapping.Textual {
		sample.Text = strings.TrimSpace(raw)
		r.metrics.RecordMessage(metrics.OutcomeBuffered)
	} else {
		value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			// non-numeric payloads are stored as zero
			r.log.Debug("non-numeric payload coerced to zero",
				logger.String("topic", topic),
				logger.String("payload", raw))
			r.metrics.RecordMessage(metrics.OutcomeCoerced)
			value = 0
		} else {
			r.metrics.RecordMessage(metrics.OutcomeBuffered)
		}
		sample.Value = value
	}
	r.buf.Put(sample)

	if r.registry.IsPositionAxis(topic) {
		r.handlePosition(now)
	}
}

func (r *Router) forward(topic, raw string, now time.Time) {
	if r.relay == nil {
		return
	}
	for range r.relay.Relay(topic, raw, now) {
		r.metrics.RecordRelayDrop()
	}
}

// handlePosition appends a position fix once both axes are known and non-zero
func (r *Router) handlePosition(now time.Time) {
	x, okX := r.buf.Peek(r.registry.Topic(topics.PositionX))
	y, okY := r.buf.Peek(r.registry.Topic(topics.PositionY))
	if !okX || !okY || x.Value == 0 || y.Value == 0 {
		return
	}

	rec := &datastore.PositionRecord{
		DeviceID:  r.config.DeviceID,
		OwnerID:   r.config.OwnerID,
		X:         x.Value,
		Y:         y.Value,
		Battery:   defaultBattery,
		Status:    defaultStatus,
		Timestamp: now,
	}
	if s, ok := r.buf.Peek(r.registry.Topic(topics.PositionHeading)); ok {
		rec.Heading = s.Value
	}
	if s, ok := r.buf.Peek(r.registry.Topic(topics.Battery)); ok {
		rec.Battery = s.Value
	}
	if s, ok := r.buf.Peek(r.registry.Topic(topics.Status)); ok && s.Text != "" {
		rec.Status = truncate(s.Text, datastore.MaxStatusLen)
	}

	r.persist("position", func(ctx context.Context) error {
		return r.store.InsertPosition(ctx, rec)
	})
}

// handleDetection persists a detection event; malformed payloads are dropped
func (r *Router) handleDetection(raw string, now time.Time) {
	det, err := ParseDetection([]byte(raw))
	if err != nil {
		r.metrics.RecordMessage(metrics.OutcomeDropped)
		r.log.Warn("dropping malformed detection",
			logger.String("payload", raw),
			logger.Error(err))
		return
	}
	r.metrics.RecordMessage(metrics.OutcomeDetected)

	rec := &datastore.DetectionRecord{
		DeviceID:   r.config.DeviceID,
		OwnerID:    r.config.OwnerID,
		Object:     truncate(det.Object, datastore.MaxObjectLen),
		Confidence: det.Confidence,
		X:          det.X,
		Y:          det.Y,
		Distance:   det.Distance,
		Metadata:   det.Raw,
		Timestamp:  now,
	}
	r.persist("detection", func(ctx context.Context) error {
		return r.store.InsertDetection(ctx, rec)
	})
}

// truncate cuts s to at most n runes
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// persist runs write on its own goroutine bounded by the store timeout.
// Failures are logged and not retried. Callers hold r.mu shared.
func (r *Router) persist(record string, write func(ctx context.Context) error) {
	if r.store == nil {
		return
	}

	r.wg.Add(1)
	r.metrics.WriteStarted()
	go func() {
		defer r.wg.Done()
		defer r.metrics.WriteFinished()

		ctx, cancel := context.WithTimeout(r.ctx, r.config.StoreTimeout)
		defer cancel()

		if err := write(ctx); err != nil {
			r.metrics.RecordWrite(record, metrics.StatusError)
			r.log.Error("failed to persist record",
				logger.String("record", record),
				logger.Error(err))
			return
		}
		r.metrics.RecordWrite(record, metrics.StatusSuccess)
	}()
}

// Close stops intake. It returns once no message is being handled, so the
// buffer and the set of in-flight writes no longer grow.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Wait blocks until in-flight writes finish or ctx ends. When ctx ends first
// the remaining writes are cancelled. Call Close first so no write starts
// while Wait is blocked.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
