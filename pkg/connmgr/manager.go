package connmgr

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/musterhq/muster/pkg/config"
	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/types"
	"github.com/musterhq/muster/pkg/wire"
)

// Authenticator verifies join tokens presented during the auth
// handshake.
type Authenticator interface {
	Verify(token string) error
}

// HandlerFunc processes one inbound frame on an authenticated session.
// Handlers run on the session's read loop, so per-session ordering is
// the arrival order; blocking work belongs elsewhere.
type HandlerFunc func(s *Session, frame *wire.Frame)

// Manager owns every peer session: accept, authenticate, register,
// ping, route. Domain behavior is plugged in as per-type handlers.
type Manager struct {
	cfg    config.SessionConfig
	auth   Authenticator
	broker *events.Broker
	logger zerolog.Logger
	clock  func() int64

	mu           sync.RWMutex
	sessions     map[string]*Session
	nodeSessions map[string]string // nodeID -> sessionID
	podSessions  map[string]string // podID -> sessionID

	handlers map[string]HandlerFunc

	stopCh   chan struct{}
	stopOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBroker attaches an event broker for session open/close events.
func WithBroker(b *events.Broker) ManagerOption {
	return func(m *Manager) { m.broker = b }
}

// NewManager creates a connection manager.
func NewManager(cfg config.SessionConfig, auth Authenticator, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:          cfg,
		auth:         auth,
		logger:       log.WithComponent("connmgr"),
		clock:        func() int64 { return time.Now().UnixMilli() },
		sessions:     make(map[string]*Session),
		nodeSessions: make(map[string]string),
		podSessions:  make(map[string]string),
		handlers:     make(map[string]HandlerFunc),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle registers the handler for a frame type. Registration happens
// at wiring time, before any session is accepted.
func (m *Manager) Handle(frameType string, h HandlerFunc) {
	m.handlers[frameType] = h
}

// Accept takes ownership of a connection: greets it, arms the auth
// timeout, and starts its loops. The returned session is already
// running.
func (m *Manager) Accept(conn Conn) *Session {
	s := newSession(conn, m.cfg, m.removeSession)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	go s.writeLoop()
	go s.readLoop(m.dispatch)

	_ = s.Send(wire.TypeConnected, wire.ConnectedPayload{ConnectionID: s.ID}, "")

	time.AfterFunc(m.cfg.AuthTimeout, func() {
		if s.State() == StateOpen {
			_ = s.Send(wire.ErrorType(wire.TypeAuthenticate), wire.ErrorPayload{
				Code:    types.CodeAuthTimeout,
				Message: "no authentication within the allowed window",
			}, "")
			s.Close(wire.ClosePolicyViolation, "auth timeout")
		}
	})

	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: events.EventSessionOpened, Message: s.ID})
	}
	return s
}

// dispatch handles one inbound frame. Built-in types (auth, ping,
// pong) are handled here; everything else goes to registered handlers
// once the session is authenticated. Unknown types are ignored.
func (m *Manager) dispatch(s *Session, frame *wire.Frame) {
	switch frame.Type {
	case wire.TypeAuthenticate:
		m.handleAuthenticate(s, frame)
		return
	case wire.TypePing:
		p, err := wire.DecodePayload[wire.PingPayload](frame)
		if err != nil {
			return
		}
		_ = s.Send(wire.TypePong, wire.PongPayload{Timestamp: p.Timestamp}, frame.CorrelationID)
		return
	case wire.TypePong:
		s.notePong()
		return
	}

	if s.State() == StateOpen {
		s.logger.Debug().Str("type", frame.Type).Msg("dropping frame from unauthenticated session")
		return
	}

	if h, ok := m.handlers[frame.Type]; ok {
		h(s, frame)
		return
	}
	s.logger.Debug().Str("type", frame.Type).Msg("ignoring unknown frame type")
}

func (m *Manager) handleAuthenticate(s *Session, frame *wire.Frame) {
	reject := func(code types.Code, message string) {
		_ = s.Send(wire.ErrorType(wire.TypeAuthenticate), wire.ErrorPayload{
			Code:    code,
			Message: message,
		}, frame.CorrelationID)
		s.Close(wire.ClosePolicyViolation, string(code))
	}

	p, err := wire.DecodePayload[wire.AuthenticatePayload](frame)
	if err != nil {
		reject(types.CodeAuthFailed, "malformed auth payload")
		return
	}
	if err := m.auth.Verify(p.Token); err != nil {
		s.logger.Warn().Err(err).Msg("authentication rejected")
		reject(types.CodeAuthFailed, "invalid token")
		return
	}
	if err := s.authenticate(); err != nil {
		reject(types.CodeInvalidState, err.Error())
		return
	}

	_ = s.Send(wire.TypeAuthenticate, wire.AuthenticatedPayload{SessionID: s.ID}, frame.CorrelationID)
	go s.pingLoop(m.clock)
}

// BindNode registers a session as the channel for a node. An existing
// session for the same node is superseded and closed.
func (m *Manager) BindNode(s *Session, nodeID string) error {
	if err := s.bindNode(nodeID); err != nil {
		return err
	}

	m.mu.Lock()
	prevID, had := m.nodeSessions[nodeID]
	m.nodeSessions[nodeID] = s.ID
	var prev *Session
	if had && prevID != s.ID {
		prev = m.sessions[prevID]
	}
	m.mu.Unlock()

	if prev != nil {
		prev.Close(wire.CloseNormal, "superseded by a newer session")
	}
	metrics.SessionsConnected.WithLabelValues(string(KindNode)).Inc()
	return nil
}

// BindPod registers a session as the channel for a pod.
func (m *Manager) BindPod(s *Session, podID, serviceID string) error {
	if err := s.bindPod(podID, serviceID); err != nil {
		return err
	}

	m.mu.Lock()
	prevID, had := m.podSessions[podID]
	m.podSessions[podID] = s.ID
	var prev *Session
	if had && prevID != s.ID {
		prev = m.sessions[prevID]
	}
	m.mu.Unlock()

	if prev != nil {
		prev.Close(wire.CloseNormal, "superseded by a newer session")
	}
	metrics.SessionsConnected.WithLabelValues(string(KindPod)).Inc()
	return nil
}

// removeSession is the session close hook: drop it from the maps so
// routing immediately sees the peer as unreachable.
func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	if nodeID := s.NodeID(); nodeID != "" && m.nodeSessions[nodeID] == s.ID {
		delete(m.nodeSessions, nodeID)
	}
	if podID := s.PodID(); podID != "" && m.podSessions[podID] == s.ID {
		delete(m.podSessions, podID)
	}
	m.mu.Unlock()

	if kind := s.Kind(); kind != KindUnbound {
		metrics.SessionsConnected.WithLabelValues(string(kind)).Dec()
	}
	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:    events.EventSessionClosed,
			NodeID:  s.NodeID(),
			PodID:   s.PodID(),
			Message: s.ID,
		})
	}
}

// NodeSession returns the open session for a node.
func (m *Manager) NodeSession(nodeID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id, ok := m.nodeSessions[nodeID]; ok {
		if s, ok := m.sessions[id]; ok {
			return s, nil
		}
	}
	return nil, types.Errorf(types.CodeNotConnected, "node %s has no open session", nodeID)
}

// PodSession returns the open session for a pod.
func (m *Manager) PodSession(podID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id, ok := m.podSessions[podID]; ok {
		if s, ok := m.sessions[id]; ok {
			return s, nil
		}
	}
	return nil, types.Errorf(types.CodeNotConnected, "pod %s has no open session", podID)
}

// NodeConnected reports whether a node currently holds an open session.
func (m *Manager) NodeConnected(nodeID string) bool {
	_, err := m.NodeSession(nodeID)
	return err == nil
}

// PodConnected reports whether a pod currently holds an open session.
func (m *Manager) PodConnected(podID string) bool {
	_, err := m.PodSession(podID)
	return err == nil
}

// SendToNode queues a frame on a node's session.
func (m *Manager) SendToNode(nodeID, frameType string, payload any) error {
	s, err := m.NodeSession(nodeID)
	if err != nil {
		return err
	}
	return s.Send(frameType, payload, "")
}

// RequestNode sends a correlated request to a node and waits for the
// response.
func (m *Manager) RequestNode(ctx context.Context, nodeID, frameType string, payload any) (*wire.Frame, error) {
	s, err := m.NodeSession(nodeID)
	if err != nil {
		return nil, err
	}
	return s.Request(ctx, frameType, payload)
}

// SendToPod queues a frame on a pod's session.
func (m *Manager) SendToPod(podID, frameType string, payload any) error {
	s, err := m.PodSession(podID)
	if err != nil {
		return err
	}
	return s.Send(frameType, payload, "")
}

// SessionCount returns the number of open sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stop closes every session with the shutdown code. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)

		m.mu.RLock()
		open := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			open = append(open, s)
		}
		m.mu.RUnlock()

		for _, s := range open {
			s.Close(wire.CloseInternalError, "server shutdown")
		}
		m.logger.Info().Int("sessions", len(open)).Msg("connection manager stopped")
	})
}
