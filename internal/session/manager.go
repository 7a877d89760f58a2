// Package session runs the WebSocket push channel: the authentication
// handshake, heartbeat liveness tracking and per-owner delivery.
package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rovernet/roverbridge/internal/errors"
	"github.com/rovernet/roverbridge/internal/logger"
	"github.com/rovernet/roverbridge/internal/observability/metrics"
)

const componentName = "session"

// TokenVerifier resolves the owner id of a signed token
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// Config tunes the push channel
type Config struct {
	Heartbeat      time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	RawRelay       bool
}

// Recipient is an authenticated, live session and its owner
type Recipient struct {
	Session *Session
	OwnerID int64
}

// Manager owns the set of active sessions
type Manager struct {
	config   Config
	verifier TokenVerifier
	upgrader websocket.Upgrader
	log      logger.Logger
	metrics  *metrics.SessionMetrics
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// NewManager returns a manager verifying handshakes with verifier
func NewManager(cfg Config, verifier TokenVerifier, log logger.Logger, m *metrics.SessionMetrics) *Manager {
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	return &Manager{
		config:   cfg,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// the handshake token is the access control, not the origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:      log,
		metrics:  m,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// ServeWS upgrades the request and starts the session pumps
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) error {
	m.mu.RLock()
	closing := m.closing
	m.mu.RUnlock()
	if closing {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return nil
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryWebSocket).
			Context("remote_addr", r.RemoteAddr).
			Build()
	}

	s := newSession(uuid.NewString(), conn, m)

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseNormal, "server shutting down"),
			time.Now().Add(m.config.WriteTimeout))
		_ = conn.Close()
		return nil
	}
	m.sessions[s.id] = s
	m.wg.Add(2)
	m.mu.Unlock()

	m.metrics.SessionOpened()
	s.log.Info("push channel connected", logger.String("remote_addr", r.RemoteAddr))

	go func() {
		defer m.wg.Done()
		s.writePump()
	}()
	go func() {
		defer m.wg.Done()
		s.readPump()
	}()
	return nil
}

// authenticate runs the handshake for one auth frame
func (m *Manager) authenticate(s *Session, token string) {
	owner, err := m.verifier.Verify(token)
	if err != nil {
		m.metrics.RecordAuth(metrics.AuthInvalid)
		s.log.Warn("push channel authentication failed", logger.Error(err))
		s.fail()
		return
	}

	accepted, repeated := s.bind(owner)
	if !accepted {
		m.metrics.RecordAuth(metrics.AuthInvalid)
		bound, _ := s.Owner()
		s.log.Warn("rejecting token for a different owner",
			logger.Int64("bound_owner", bound),
			logger.Int64("token_owner", owner))
		s.fail()
		return
	}

	if repeated {
		m.metrics.RecordAuth(metrics.AuthRepeated)
	} else {
		m.metrics.RecordAuth(metrics.AuthOK)
		s.log.Info("push channel authenticated", logger.Int64("owner_id", owner))
	}
	s.Send(AuthOK{Type: TypeAuthOK, OwnerID: owner})
}

// remove drops a terminated session from the active set
func (m *Manager) remove(s *Session, reason string) {
	m.mu.Lock()
	_, present := m.sessions[s.id]
	delete(m.sessions, s.id)
	m.mu.Unlock()

	if present {
		m.metrics.SessionClosed(reason)
		s.log.Info("push channel closed", logger.String("reason", reason))
	}
}

// Heartbeat runs one liveness round. Sessions that did not answer the
// previous probe are terminated, the rest are probed again.
func (m *Manager) Heartbeat() {
	for _, s := range m.snapshot() {
		if !s.probe() {
			s.log.Info("terminating unresponsive push channel")
			s.terminate(ReasonHeartbeat)
			continue
		}
		deadline := time.Now().Add(m.config.WriteTimeout)
		if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			s.terminate(ReasonWriteError)
		}
	}
}

// RunHeartbeat calls Heartbeat every heartbeat period until ctx ends
func (m *Manager) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(m.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Heartbeat()
		}
	}
}

// Authenticated returns the live authenticated sessions
func (m *Manager) Authenticated() []Recipient {
	sessions := m.snapshot()
	out := make([]Recipient, 0, len(sessions))
	for _, s := range sessions {
		if owner, ok := s.deliverable(); ok {
			out = append(out, Recipient{Session: s, OwnerID: owner})
		}
	}
	return out
}

// Relay forwards a raw device message to authenticated sessions when
// relaying is enabled. It returns the number of full queues.
func (m *Manager) Relay(topic, value string, at time.Time) int {
	if !m.config.RawRelay {
		return 0
	}
	frame := SensorUpdate{Type: TypeSensorUpdate, Topic: topic, Value: value, Timestamp: at.UTC()}
	dropped := 0
	for _, r := range m.Authenticated() {
		if !r.Session.Send(frame) {
			dropped++
		}
	}
	return dropped
}

// Count returns the number of open sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll stops accepting sessions, closes every open one with the normal
// close code and waits for their pumps until ctx ends.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	for _, s := range m.snapshot() {
		s.closeWith(CloseNormal, "server shutting down", ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
