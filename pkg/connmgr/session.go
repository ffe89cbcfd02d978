package connmgr

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/musterhq/muster/pkg/config"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/types"
	"github.com/musterhq/muster/pkg/wire"
)

// SessionKind distinguishes node agent sessions from pod sessions.
type SessionKind string

const (
	KindUnbound SessionKind = "unbound"
	KindNode    SessionKind = "node"
	KindPod     SessionKind = "pod"
)

// SessionState is the lifecycle of one session.
type SessionState string

const (
	StateOpen          SessionState = "open"
	StateAuthenticated SessionState = "authenticated"
	StateRegistered    SessionState = "registered"
	StateStale         SessionState = "stale"
	StateClosed        SessionState = "closed"
)

// Session owns one peer connection: its send queue, its correlation
// map, and its liveness. All inbound frames for a session are handled
// in arrival order by its read loop.
type Session struct {
	ID string

	mu        sync.Mutex
	state     SessionState
	kind      SessionKind
	nodeID    string
	podID     string
	serviceID string

	conn   Conn
	queue  *sendQueue
	cfg    config.SessionConfig
	logger zerolog.Logger

	pendingMu sync.Mutex
	pending   map[string]chan *wire.Frame

	pongCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	onClose   func(*Session)

	decodeFailureLogged bool
}

func newSession(conn Conn, cfg config.SessionConfig, onClose func(*Session)) *Session {
	id := uuid.New().String()
	return &Session{
		ID:      id,
		state:   StateOpen,
		kind:    KindUnbound,
		conn:    conn,
		queue:   newSendQueue(cfg),
		cfg:     cfg,
		logger:  log.WithSessionID(id),
		pending: make(map[string]chan *wire.Frame),
		pongCh:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Kind returns what the session registered as.
func (s *Session) Kind() SessionKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// NodeID returns the bound node id, if any.
func (s *Session) NodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID
}

// PodID returns the bound pod id, if any.
func (s *Session) PodID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.podID
}

// ServiceID returns the bound pod's service id, if any.
func (s *Session) ServiceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serviceID
}

// Congested reports whether the send queue is above its high-water
// mark.
func (s *Session) Congested() bool {
	return s.queue.isCongested()
}

// authenticate moves open -> authenticated.
func (s *Session) authenticate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return types.Errorf(types.CodeInvalidState, "session %s is %s, not open", s.ID, s.state)
	}
	s.state = StateAuthenticated
	return nil
}

// bindNode moves authenticated -> registered as a node session.
func (s *Session) bindNode(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthenticated {
		return types.Errorf(types.CodeInvalidState, "session %s is %s, not authenticated", s.ID, s.state)
	}
	s.state = StateRegistered
	s.kind = KindNode
	s.nodeID = nodeID
	s.logger = s.logger.With().Str("node_id", nodeID).Logger()
	return nil
}

// bindPod moves authenticated -> registered as a pod session.
func (s *Session) bindPod(podID, serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthenticated {
		return types.Errorf(types.CodeInvalidState, "session %s is %s, not authenticated", s.ID, s.state)
	}
	s.state = StateRegistered
	s.kind = KindPod
	s.podID = podID
	s.serviceID = serviceID
	s.logger = s.logger.With().Str("pod_id", podID).Logger()
	return nil
}

// Send queues a frame. Non-critical frames are shed while the session
// is congested; shedding is not an error, only a counter.
func (s *Session) Send(frameType string, payload any, correlationID string) error {
	if s.State() == StateClosed {
		return types.Errorf(types.CodeNotConnected, "session %s is closed", s.ID)
	}

	frame, err := wire.Encode(frameType, payload, correlationID)
	if err != nil {
		return err
	}
	data, err := wire.Marshal(frame)
	if err != nil {
		return err
	}

	if !s.queue.push(data, wire.Critical(frameType)) {
		if s.State() == StateClosed {
			return types.Errorf(types.CodeNotConnected, "session %s is closed", s.ID)
		}
		metrics.MessagesDropped.WithLabelValues("congested").Inc()
		s.logger.Debug().Str("type", frameType).Msg("shed non-critical frame on congested session")
	}
	return nil
}

// SendFrame queues an already built frame.
func (s *Session) SendFrame(frame *wire.Frame) error {
	return s.Send(frame.Type, frame.Payload, frame.CorrelationID)
}

// Request sends a frame with a fresh correlation id and blocks for the
// paired response. The response is an error when its type carries the
// error suffix. Context cancellation rejects with TIMEOUT or CANCELLED;
// session close rejects with CONNECTION_CLOSED.
func (s *Session) Request(ctx context.Context, frameType string, payload any) (*wire.Frame, error) {
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	correlationID := uuid.New().String()
	ch := make(chan *wire.Frame, 1)

	s.pendingMu.Lock()
	s.pending[correlationID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, correlationID)
		s.pendingMu.Unlock()
	}()

	if err := s.Send(frameType, payload, correlationID); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.IsError() {
			p, err := wire.DecodePayload[wire.ErrorPayload](resp)
			if err != nil {
				return nil, types.Errorf(types.CodeValidation, "undecodable error response for %s", frameType)
			}
			return nil, types.NewError(p.Code, p.Message)
		}
		return resp, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			metrics.CorrelationTimeouts.Inc()
			return nil, types.Errorf(types.CodeTimeout, "request %s timed out", frameType)
		}
		return nil, types.Errorf(types.CodeCancelled, "request %s cancelled", frameType)
	case <-s.done:
		return nil, types.Errorf(types.CodeConnectionClosed, "session %s closed with request in flight", s.ID)
	}
}

// resolve routes a correlated inbound frame to its waiting request.
func (s *Session) resolve(frame *wire.Frame) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[frame.CorrelationID]
	if ok {
		delete(s.pending, frame.CorrelationID)
	}
	s.pendingMu.Unlock()

	if ok {
		ch <- frame
	}
	return ok
}

// markStale records a liveness failure before the close.
func (s *Session) markStale() {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateStale
	}
	s.mu.Unlock()
}

// Close tears the session down once: queue, connection, in-flight
// requests. Idempotent.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		close(s.done)
		s.queue.close()
		_ = s.conn.Close(code, reason)
		if s.onClose != nil {
			s.onClose(s)
		}
		s.logger.Debug().Int("code", code).Str("reason", reason).Msg("session closed")
	})
}

// writeLoop drains the send queue onto the connection.
func (s *Session) writeLoop() {
	for {
		data, ok := s.queue.pop()
		if !ok {
			return
		}
		if err := s.conn.Write(data); err != nil {
			s.logger.Debug().Err(err).Msg("write failed, closing session")
			s.Close(wire.CloseNormal, "write failed")
			return
		}
	}
}

// readLoop pulls frames in arrival order. Malformed frames are dropped
// and logged once per session; connection errors end the session.
func (s *Session) readLoop(dispatch func(*Session, *wire.Frame)) {
	for {
		data, err := s.conn.Read()
		if err != nil {
			s.Close(wire.CloseNormal, "connection lost")
			return
		}

		frame, err := wire.Unmarshal(data)
		if err != nil {
			if !s.decodeFailureLogged {
				s.decodeFailureLogged = true
				s.logger.Warn().Err(err).Msg("dropping malformed frame")
			}
			continue
		}

		if frame.CorrelationID != "" && s.resolve(frame) {
			continue
		}
		dispatch(s, frame)
	}
}

// pingLoop drives server-side liveness once the session authenticates.
func (s *Session) pingLoop(clock func() int64) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			// Drain any pong that arrived since the last probe.
			select {
			case <-s.pongCh:
			default:
			}
			if err := s.Send(wire.TypePing, wire.PingPayload{Timestamp: clock()}, ""); err != nil {
				return
			}

			timeout := time.NewTimer(s.cfg.PongTimeout)
			select {
			case <-s.pongCh:
				timeout.Stop()
			case <-timeout.C:
				s.logger.Warn().Msg("pong timeout, marking session stale")
				s.markStale()
				s.Close(wire.CloseInternalError, "stale session")
				return
			case <-s.done:
				timeout.Stop()
				return
			}
		}
	}
}

// notePong signals the ping loop; extra pongs are dropped.
func (s *Session) notePong() {
	select {
	case s.pongCh <- struct{}{}:
	default:
	}
}
