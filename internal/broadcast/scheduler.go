// Package broadcast pushes the latest persisted measurements of each owner
// to that owner's authenticated sessions.
package broadcast

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/rovernet/roverbridge/internal/datastore"
	"github.com/rovernet/roverbridge/internal/errors"
	"github.com/rovernet/roverbridge/internal/logger"
	"github.com/rovernet/roverbridge/internal/observability/metrics"
	"github.com/rovernet/roverbridge/internal/session"
)

const componentName = "broadcast"

// LatestStore reads the newest sample of a kind for an owner
type LatestStore interface {
	LatestSample(ctx context.Context, ownerID int64, kind string) (datastore.SensorSample, error)
}

// Sink receives snapshot frames
type Sink interface {
	Send(frame any) bool
}

// Target is one authenticated session and its owner
type Target struct {
	Sink    Sink
	OwnerID int64
}

// Directory lists the sessions eligible for a round
type Directory interface {
	Targets() []Target
}

// Tracked maps a snapshot key to a stored measurement kind
type Tracked struct {
	Key  string
	Kind string
}

// DefaultTracked are the kinds pushed when none are configured
var DefaultTracked = []Tracked{
	{Key: "temperature", Kind: "temperatura"},
	{Key: "humidity", Kind: "humedad"},
	{Key: "co", Kind: "co"},
}

// Config holds the round period and tracked kinds
type Config struct {
	Interval     time.Duration
	QueryTimeout time.Duration
	Tracked      []Tracked
}

// Scheduler runs broadcast rounds. Rounds never overlap; a tick that finds
// the previous round still running is skipped.
type Scheduler struct {
	config    Config
	store     LatestStore
	directory Directory
	log       logger.Logger
	metrics   *metrics.BroadcastMetrics
	now       func() time.Time

	// owner snapshots shared by sessions of the same owner within a round
	snapshots *cache.Cache
	running   atomic.Bool
	wg        sync.WaitGroup
}

// NewScheduler returns a scheduler reading from store
func NewScheduler(cfg Config, store LatestStore, directory Directory, log logger.Logger, m *metrics.BroadcastMetrics) *Scheduler {
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	if len(cfg.Tracked) == 0 {
		cfg.Tracked = DefaultTracked
	}
	ttl := cfg.Interval / 2
	return &Scheduler{
		config:    cfg,
		store:     store,
		directory: directory,
		log:       log,
		metrics:   m,
		now:       time.Now,
		snapshots: cache.New(ttl, 0),
	}
}

// Run starts a round on every tick until ctx ends, then waits for the
// round in progress.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.running.CompareAndSwap(false, true) {
				s.metrics.RecordSkippedRound()
				s.log.Debug("previous broadcast round still running, skipping tick")
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.running.Store(false)
				s.Round(ctx)
			}()
		}
	}
}

// Round sends one snapshot to every target. A failed query skips only the
// affected session.
func (s *Scheduler) Round(ctx context.Context) {
	start := time.Now()
	targets := s.directory.Targets()

	for _, t := range targets {
		if ctx.Err() != nil {
			return
		}
		data, err := s.snapshot(ctx, t.OwnerID)
		if err != nil {
			s.metrics.RecordQueryError()
			s.log.Warn("skipping session, snapshot query failed",
				logger.Int64("owner_id", t.OwnerID),
				logger.Error(err))
			continue
		}
		if t.Sink.Send(session.NewSensorData(s.now(), data)) {
			s.metrics.RecordSnapshot()
		}
	}

	s.metrics.RecordRound(time.Since(start))
	if len(targets) > 0 {
		s.log.Trace("broadcast round finished",
			logger.Int("sessions", len(targets)),
			logger.Duration("elapsed", time.Since(start)))
	}
}

// snapshot returns the latest value per tracked kind. Kinds without any
// sample are left out.
func (s *Scheduler) snapshot(ctx context.Context, owner int64) (map[string]float64, error) {
	key := strconv.FormatInt(owner, 10)
	if cached, ok := s.snapshots.Get(key); ok {
		return cached.(map[string]float64), nil
	}

	data := make(map[string]float64, len(s.config.Tracked))
	for _, tr := range s.config.Tracked {
		qctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
		sample, err := s.store.LatestSample(qctx, owner, tr.Kind)
		cancel()

		switch {
		case err == nil:
			data[tr.Key] = sample.Value
		case errors.Is(err, errors.ErrNotFound):
			// no sample yet
		default:
			return nil, errors.New(err).
				Component(componentName).
				Category(errors.CategoryBroadcast).
				Context("owner_id", owner).
				Context("kind", tr.Kind).
				Build()
		}
	}

	s.snapshots.SetDefault(key, data)
	return data, nil
}

// ManagerDirectory exposes the authenticated sessions of a session.Manager
type ManagerDirectory struct {
	Manager *session.Manager
}

// Targets implements Directory
func (d ManagerDirectory) Targets() []Target {
	recipients := d.Manager.Authenticated()
	out := make([]Target, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, Target{Sink: r.Session, OwnerID: r.OwnerID})
	}
	return out
}
