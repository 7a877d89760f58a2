package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rovernet/roverbridge/internal/logger"
)

// State is the lifecycle state of a session
type State int

// Session states. Closed is terminal.
const (
	StateConnected State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// Close reasons, used as metric labels
const (
	ReasonDisconnect = "disconnect"
	ReasonAuth       = "auth_failure"
	ReasonHeartbeat  = "heartbeat_timeout"
	ReasonWriteError = "write_error"
	ReasonShutdown   = "shutdown"
)

// outbound is a queued text frame, optionally followed by a close frame
type outbound struct {
	data        []byte
	closeCode   int
	closeReason string
}

// Session is one push channel connection. State, owner and liveness only
// change through the transitions below.
type Session struct {
	id      string
	conn    *websocket.Conn
	manager *Manager
	log     logger.Logger
	send    chan outbound
	done    chan struct{}

	mu     sync.Mutex
	state  State
	owner  int64
	alive  bool
	reason string // close reason decided before the connection drops

	closeOnce sync.Once
}

func newSession(id string, conn *websocket.Conn, m *Manager) *Session {
	return &Session{
		id:      id,
		conn:    conn,
		manager: m,
		log:     m.log.With(logger.String("session_id", id)),
		send:    make(chan outbound, m.config.SendBuffer),
		done:    make(chan struct{}),
		state:   StateConnected,
		alive:   true,
	}
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Owner returns the bound owner id and whether one is bound
func (s *Session) Owner() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner, s.state == StateAuthenticated
}

// deliverable reports whether broadcast traffic may be sent
func (s *Session) deliverable() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner, s.state == StateAuthenticated && s.alive
}

// Send queues a frame without blocking. It returns false when the session
// is closed or its queue is full.
func (s *Session) Send(frame any) bool {
	data, err := encode(frame)
	if err != nil {
		s.log.Error("failed to encode frame", logger.Error(err))
		return false
	}
	if !s.enqueue(outbound{data: data}) {
		s.manager.metrics.RecordDrop()
		return false
	}
	s.manager.metrics.RecordFrame(frameType(frame))
	return true
}

func (s *Session) enqueue(o outbound) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- o:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// bind applies a verified owner. It reports whether the session may stay open.
func (s *Session) bind(owner int64) (accepted, repeated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateConnected:
		s.owner = owner
		s.state = StateAuthenticated
		return true, false
	case StateAuthenticated:
		return s.owner == owner, s.owner == owner
	default:
		return false, false
	}
}

// markAlive records a pong
func (s *Session) markAlive() {
	s.mu.Lock()
	s.alive = true
	s.mu.Unlock()
}

// probe clears the liveness flag and reports whether it was set
func (s *Session) probe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasAlive := s.alive
	s.alive = false
	return wasAlive
}

// fail queues the token_invalid error frame followed by the auth close code
func (s *Session) fail() {
	data, _ := encode(ErrorFrame{Type: TypeError, Error: ErrTokenInvalid})
	ok := s.enqueue(outbound{data: data, closeCode: CloseAuthFailure, closeReason: ErrTokenInvalid})
	if !ok {
		s.closeWith(CloseAuthFailure, ErrTokenInvalid, ReasonAuth)
		return
	}
	s.manager.metrics.RecordFrame(TypeError)
}

// closeWith sends a close frame and terminates the session
func (s *Session) closeWith(code int, text, reason string) {
	s.mu.Lock()
	if s.reason == "" {
		s.reason = reason
	}
	s.mu.Unlock()

	deadline := time.Now().Add(s.manager.config.WriteTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	s.terminate(reason)
}

// terminate moves the session to Closed exactly once
func (s *Session) terminate(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		if s.reason != "" {
			reason = s.reason
		}
		s.mu.Unlock()

		close(s.done)
		_ = s.conn.Close()
		s.manager.remove(s, reason)
	})
}

// readPump handles inbound frames until the connection fails
func (s *Session) readPump() {
	defer s.terminate(ReasonDisconnect)

	s.conn.SetReadLimit(s.manager.config.MaxMessageSize)
	s.conn.SetPongHandler(func(string) error {
		s.markAlive()
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read error", logger.Error(err))
			}
			return
		}
		s.handleFrame(message)
	}
}

func (s *Session) handleFrame(message []byte) {
	var msg inbound
	if err := json.Unmarshal(message, &msg); err != nil {
		s.log.Trace("ignoring non-JSON frame", logger.Int("bytes", len(message)))
		return
	}

	switch msg.Type {
	case TypeAuth:
		s.manager.authenticate(s, msg.Token)
	case TypePing:
		s.Send(Pong{Type: TypePong, Timestamp: s.manager.now().UTC()})
	default:
		s.log.Trace("ignoring frame", logger.String("type", msg.Type))
	}
}

// writePump is the only writer of data frames
func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.manager.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				s.log.Debug("websocket write failed", logger.Error(err))
				s.terminate(ReasonWriteError)
				return
			}
			if msg.closeCode != 0 {
				s.closeWith(msg.closeCode, msg.closeReason, ReasonAuth)
				return
			}
		}
	}
}
