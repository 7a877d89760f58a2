// Package bridge assembles the device transport, the ingest path, the
// persistence and broadcast tasks and the HTTP surface into one service.
package bridge

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rovernet/roverbridge/internal/api"
	"github.com/rovernet/roverbridge/internal/auth"
	"github.com/rovernet/roverbridge/internal/batcher"
	"github.com/rovernet/roverbridge/internal/broadcast"
	"github.com/rovernet/roverbridge/internal/buffer"
	"github.com/rovernet/roverbridge/internal/buildinfo"
	"github.com/rovernet/roverbridge/internal/command"
	"github.com/rovernet/roverbridge/internal/conf"
	"github.com/rovernet/roverbridge/internal/datastore"
	"github.com/rovernet/roverbridge/internal/errors"
	"github.com/rovernet/roverbridge/internal/ingest"
	"github.com/rovernet/roverbridge/internal/logger"
	"github.com/rovernet/roverbridge/internal/mqtt"
	"github.com/rovernet/roverbridge/internal/observability"
	"github.com/rovernet/roverbridge/internal/session"
	"github.com/rovernet/roverbridge/internal/topics"
)

const componentName = "bridge"

// Bridge owns every component of a running service
type Bridge struct {
	settings *conf.Settings
	log      logger.Logger
	metrics  *observability.Metrics
	build    buildinfo.BuildInfo

	store      datastore.Interface
	client     mqtt.Client
	registry   *topics.Registry
	buf        *buffer.Buffer
	sessions   *session.Manager
	router     *ingest.Router
	dispatcher *command.Dispatcher
	batcher    *batcher.Batcher
	scheduler  *broadcast.Scheduler
	server     *api.Server

	ready chan struct{}
}

// Option customizes a Bridge
type Option func(*Bridge)

// WithLogger sets the logger
func WithLogger(log logger.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// WithDataStore uses an already opened store instead of the configured backend
func WithDataStore(ds datastore.Interface) Option {
	return func(b *Bridge) { b.store = ds }
}

// WithMQTTClient replaces the broker client
func WithMQTTClient(c mqtt.Client) Option {
	return func(b *Bridge) { b.client = c }
}

// WithBuildInfo sets the build metadata reported on /health
func WithBuildInfo(info buildinfo.BuildInfo) Option {
	return func(b *Bridge) { b.build = info }
}

// WithMetrics uses an existing metrics registry
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New builds the bridge from settings. The configured datastore is opened here.
func New(settings *conf.Settings, opts ...Option) (*Bridge, error) {
	b := &Bridge{settings: settings, ready: make(chan struct{})}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = logger.Global().Module(componentName)
	}
	if b.build == nil {
		b.build = buildinfo.NewContext("", "")
	}

	var err error
	if b.metrics == nil {
		if b.metrics, err = observability.NewMetrics(); err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	if b.registry, err = topics.Default(settings.MQTT.TopicPrefix); err != nil {
		return nil, err
	}

	if b.store == nil {
		store, err := datastore.New(settings, b.log.Module("datastore"), b.metrics.Datastore)
		if err != nil {
			return nil, err
		}
		if err := store.Open(); err != nil {
			return nil, err
		}
		b.store = store
	}

	if b.client == nil {
		if b.client, err = mqtt.NewClient(settings, b.log.Module("mqtt"), b.metrics.MQTT); err != nil {
			b.closeStore()
			return nil, err
		}
	}

	verifier, err := auth.NewVerifier(settings.Security.JWTSecret)
	if err != nil {
		b.closeStore()
		return nil, err
	}

	b.buf = buffer.New()

	b.sessions = session.NewManager(session.Config{
		Heartbeat:      settings.Timers.Heartbeat,
		WriteTimeout:   settings.Session.WriteTimeout,
		SendBuffer:     settings.Session.SendBuffer,
		MaxMessageSize: settings.Session.MaxMessageSize,
		RawRelay:       settings.Session.RawRelay,
	}, verifier, b.log.Module("session"), b.metrics.Session)

	b.router = ingest.NewRouter(ingest.Config{
		DeviceID:     settings.Main.DeviceID,
		OwnerID:      settings.Main.OwnerID,
		StoreTimeout: settings.Timers.StoreTimeout,
	}, b.registry, b.buf, b.store, b.sessions, b.log.Module("ingest"), b.metrics.Ingest)

	b.dispatcher = command.NewDispatcher(b.client, b.registry.Prefix(), b.log.Module("command"), b.metrics.Command)

	b.batcher = batcher.New(batcher.Config{
		DeviceID:     settings.Main.DeviceID,
		OwnerID:      settings.Main.OwnerID,
		Interval:     settings.Timers.Flush,
		StoreTimeout: settings.Timers.StoreTimeout,
	}, b.buf, b.store, b.log.Module("batcher"), b.metrics.Batcher)

	b.scheduler = broadcast.NewScheduler(broadcast.Config{
		Interval:     settings.Timers.Broadcast,
		QueryTimeout: settings.Timers.StoreTimeout,
		Tracked:      trackedKinds(settings.Broadcast.Tracked),
	}, b.store, broadcast.ManagerDirectory{Manager: b.sessions}, b.log.Module("broadcast"), b.metrics.Broadcast)

	b.server, err = api.New(api.Config{
		Listen:           settings.WebServer.Listen,
		DeviceID:         settings.Main.DeviceID,
		CommandRateLimit: settings.WebServer.CommandRateLimit,
		CommandBurst:     settings.WebServer.CommandBurst,
	}, verifier,
		api.WithLogger(b.log.Module("api")),
		api.WithDataStore(b.store),
		api.WithDispatcher(b.dispatcher, b.client),
		api.WithSessions(b.sessions),
		api.WithMetrics(b.metrics),
		api.WithBuildInfo(b.build),
	)
	if err != nil {
		b.closeStore()
		return nil, err
	}

	return b, nil
}

func trackedKinds(configured []conf.TrackedKind) []broadcast.Tracked {
	if len(configured) == 0 {
		return broadcast.DefaultTracked
	}
	out := make([]broadcast.Tracked, 0, len(configured))
	for _, t := range configured {
		out = append(out, broadcast.Tracked{Key: t.Key, Kind: t.Kind})
	}
	return out
}

// Listen binds the HTTP listener ahead of Run and returns its address
func (b *Bridge) Listen() (net.Addr, error) {
	return b.server.Listen()
}

// Ready is closed once Run has started every task
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Run starts the bridge and blocks until ctx is cancelled or a task fails,
// then shuts down within the configured grace period.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.closeStore()

	if err := b.client.Subscribe(b.registry.Subscriptions(), b.router.OnMessage); err != nil {
		return err
	}
	if err := b.client.Connect(ctx); err != nil {
		// paho keeps retrying in the background
		b.log.Warn("initial MQTT connection failed, retrying in background", logger.Error(err))
	}

	if _, err := b.server.Listen(); err != nil {
		b.client.Disconnect()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(b.server.Start)
	g.Go(func() error { return b.batcher.Run(gctx) })
	g.Go(func() error { return b.scheduler.Run(gctx) })
	g.Go(func() error { return b.sessions.RunHeartbeat(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return b.shutdown()
	})

	b.log.Info("bridge started",
		logger.String("version", b.build.Version()),
		logger.String("instance_id", b.build.InstanceID()),
		logger.String("device_id", b.settings.Main.DeviceID),
		logger.String("topic_prefix", b.registry.Prefix()),
		logger.Int("subscriptions", len(b.registry.Subscriptions())))
	close(b.ready)

	return g.Wait()
}

// shutdown stops HTTP and broker intake, closes sessions, flushes what is
// buffered and drains in-flight writes, all bounded by the shutdown grace period.
func (b *Bridge) shutdown() error {
	grace := b.settings.Timers.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	b.log.Info("shutting down", logger.Duration("grace", grace))

	var errs []error
	if err := b.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	// nothing may reach the buffer or start a write past this point
	b.client.Disconnect()
	b.router.Close()

	if err := b.sessions.CloseAll(ctx); err != nil {
		b.log.Warn("sessions did not close in time", logger.Error(err))
	}

	if n, err := b.batcher.Flush(ctx); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		b.log.Info("final flush completed", logger.Int("samples", n))
	}

	if err := b.router.Wait(ctx); err != nil {
		b.log.Warn("in-flight writes cancelled", logger.Error(err))
	}

	b.log.Info("shutdown complete")

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (b *Bridge) closeStore() {
	if b.store == nil {
		return
	}
	if err := b.store.Close(); err != nil {
		b.log.Warn("failed to close datastore", logger.Error(err))
	}
}
