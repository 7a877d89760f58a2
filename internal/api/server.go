// Package api serves the HTTP surface of the bridge: the push channel
// endpoint, health and metrics, and the authenticated device and sensor API.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/rovernet/roverbridge/internal/buildinfo"
	"github.com/rovernet/roverbridge/internal/datastore"
	"github.com/rovernet/roverbridge/internal/errors"
	"github.com/rovernet/roverbridge/internal/logger"
	"github.com/rovernet/roverbridge/internal/observability"
)

const (
	componentName = "api"

	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second
	bodyLimit    = "2M"
	queryTimeout = 5 * time.Second
)

// TokenVerifier resolves a bearer token to its owner id
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// Dispatcher sends device commands
type Dispatcher interface {
	Dispatch(action string, params map[string]any) bool
}

// Transport reports the device connection state
type Transport interface {
	IsConnected() bool
}

// Sessions is the push channel endpoint
type Sessions interface {
	ServeWS(w http.ResponseWriter, r *http.Request) error
	Count() int
}

// Config holds the server settings
type Config struct {
	Listen           string
	DeviceID         string
	CommandRateLimit float64
	CommandBurst     int
}

// Server is the HTTP server of the bridge
type Server struct {
	echo    *echo.Echo
	config  Config
	log     logger.Logger
	metrics *observability.Metrics

	verifier   TokenVerifier
	store      datastore.Interface
	dispatcher Dispatcher
	transport  Transport
	sessions   Sessions
	build      buildinfo.BuildInfo

	mu        sync.Mutex
	listener  net.Listener
	startTime time.Time
}

// ServerOption is a functional option for configuring the Server
type ServerOption func(*Server)

// WithDataStore sets the datastore behind the sensor and device routes
func WithDataStore(ds datastore.Interface) ServerOption {
	return func(s *Server) { s.store = ds }
}

// WithDispatcher sets the command dispatcher and the transport it publishes on
func WithDispatcher(d Dispatcher, t Transport) ServerOption {
	return func(s *Server) {
		s.dispatcher = d
		s.transport = t
	}
}

// WithSessions sets the push channel endpoint
func WithSessions(sessions Sessions) ServerOption {
	return func(s *Server) { s.sessions = sessions }
}

// WithMetrics exposes the registry on /metrics
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithBuildInfo reports build metadata on /health
func WithBuildInfo(info buildinfo.BuildInfo) ServerOption {
	return func(s *Server) { s.build = info }
}

// WithLogger sets the logger
func WithLogger(log logger.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// New creates the server. The verifier guards every /api/v1 route.
func New(cfg Config, verifier TokenVerifier, opts ...ServerOption) (*Server, error) {
	if verifier == nil {
		return nil, errors.Newf("token verifier is required").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}

	s := &Server{config: cfg, verifier: verifier, startTime: time.Now()}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module(componentName)
	}
	if s.build == nil {
		s.build = (*buildinfo.Context)(nil)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = readTimeout
	s.echo.Server.WriteTimeout = writeTimeout
	s.echo.Server.IdleTimeout = idleTimeout

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// setupMiddleware configures the Echo middleware stack
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())
	s.echo.Use(newRequestLogger(s.log, func(c echo.Context) bool {
		return c.Path() == "/metrics" || c.Path() == "/health"
	}))
	s.echo.Use(echomw.BodyLimit(bodyLimit))
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
	if s.sessions != nil {
		s.echo.GET("/ws", s.serveWS)
	}

	v1 := s.echo.Group("/api/v1", s.bearerAuth)

	if s.dispatcher != nil {
		v1.POST("/device/commands/:action", s.postCommand, s.commandRateLimiter())
	}
	if s.store != nil {
		v1.GET("/device/position", s.getPosition)
		v1.GET("/device/detections", s.getDetections)
		v1.POST("/sensors", s.postSensor)
		v1.POST("/sensors/batch", s.postSensorBatch)
		v1.GET("/sensors/:kind/stats", s.getSensorStats)
	}
}

// healthCheck handles the server health check endpoint
func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)

	sessions := 0
	if s.sessions != nil {
		sessions = s.sessions.Count()
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.build.Version(),
		"instance_id":    s.build.InstanceID(),
		"mqtt_connected": s.transport != nil && s.transport.IsConnected(),
		"sessions":       sessions,
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) serveWS(c echo.Context) error {
	if err := s.sessions.ServeWS(c.Response(), c.Request()); err != nil {
		s.log.Warn("websocket upgrade failed",
			logger.String("ip", c.RealIP()),
			logger.Error(err))
	}
	return nil
}

// Listen binds the listen address. Start calls it when needed.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr(), nil
	}
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Context("listen", s.config.Listen).
			Build()
	}
	s.listener = ln
	s.echo.Listener = ln
	return ln.Addr(), nil
}

// Start serves requests and blocks until Shutdown
func (s *Server) Start() error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}

	s.log.Info("HTTP server starting", logger.String("address", addr.String()))
	if err := s.echo.Start(addr.String()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones until ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.log.Info("HTTP server stopped")
	return nil
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.echo
}
