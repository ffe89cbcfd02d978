package agent

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/musterhq/muster/pkg/config"
	"github.com/musterhq/muster/pkg/connmgr"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/types"
	"github.com/musterhq/muster/pkg/wire"
)

// handshakeTimeout bounds the connected/auth/register exchange on a
// fresh connection.
const handshakeTimeout = 15 * time.Second

// DialFunc opens a raw message channel to the control plane.
type DialFunc func(ctx context.Context) (connmgr.Conn, error)

// Agent is the node-side client: it dials the control plane, registers
// the node, heartbeats, and executes pod commands against its runtime.
type Agent struct {
	cfg     config.AgentConfig
	name    string
	token   string
	labels  map[string]string
	taints  []types.Taint
	alloc   types.Resources
	runtime Runtime
	dial    DialFunc
	logger  zerolog.Logger

	mu     sync.Mutex
	nodeID string
}

// Option overrides a default collaborator before the agent runs.
type Option func(*Agent)

// WithDialer replaces the websocket dialer, for embedding and tests.
func WithDialer(dial DialFunc) Option {
	return func(a *Agent) { a.dial = dial }
}

// WithLabels sets the labels the node registers with.
func WithLabels(labels map[string]string) Option {
	return func(a *Agent) { a.labels = labels }
}

// WithTaints sets the taints the node registers with.
func WithTaints(taints []types.Taint) Option {
	return func(a *Agent) { a.taints = taints }
}

// New builds an agent that will advertise the given allocatable
// resources. The runtime is required.
func New(cfg config.AgentConfig, name, token string, allocatable types.Resources, rt Runtime, opts ...Option) *Agent {
	a := &Agent{
		cfg:     cfg,
		name:    name,
		token:   token,
		alloc:   allocatable,
		runtime: rt,
		logger:  log.WithComponent("agent"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.dial == nil {
		a.dial = func(ctx context.Context) (connmgr.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.ServerURL, nil)
			if err != nil {
				return nil, fmt.Errorf("failed to dial %s: %w", cfg.ServerURL, err)
			}
			return connmgr.NewWebsocketConn(conn, wire.MaxFrameSize), nil
		}
	}
	return a
}

// NodeID returns the identity the control plane assigned, or "" before
// the first successful registration.
func (a *Agent) NodeID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodeID
}

func (a *Agent) setNodeID(id string) {
	a.mu.Lock()
	a.nodeID = id
	a.mu.Unlock()
}

// Run connects and serves until the context is cancelled. Lost
// connections are redialed with exponential backoff from ReconnectBase;
// ReconnectRetries bounds consecutive failures, -1 retries forever.
func (a *Agent) Run(ctx context.Context) error {
	opts := []retry.Option{
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		// Exponential backoff from ReconnectBase, capped at 32x so a
		// long outage cannot shift the delay into nonsense.
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return a.cfg.ReconnectBase << min(n, 5)
		}),
		retry.OnRetry(func(n uint, err error) {
			a.logger.Warn().Err(err).Uint("attempt", n+1).Msg("connection lost, redialing")
		}),
	}
	if a.cfg.ReconnectRetries >= 0 {
		opts = append(opts, retry.Attempts(uint(a.cfg.ReconnectRetries)+1))
	} else {
		opts = append(opts, retry.Attempts(math.MaxUint32))
	}

	err := retry.Do(func() error { return a.serve(ctx) }, opts...)
	if ctx.Err() != nil {
		// Cancellation is a clean shutdown, not a connection failure.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to maintain server connection: %w", err)
	}
	return nil
}

// serve runs one connection to completion: dial, handshake, then pump
// frames until the connection or the context dies.
func (a *Agent) serve(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(wire.CloseNormal, "agent shutdown")

	if err := a.handshake(conn); err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)

	readErr := make(chan error, 1)
	frames := make(chan *wire.Frame, 16)
	go func() {
		for {
			data, err := conn.Read()
			if err != nil {
				readErr <- err
				return
			}
			frame, err := wire.Unmarshal(data)
			if err != nil {
				a.logger.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			select {
			case frames <- frame:
			case <-stop:
				return
			}
		}
	}()

	heartbeat := time.NewTicker(a.cfg.HeartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case frame := <-frames:
			a.dispatch(conn, frame)
		case ev := <-a.runtime.Events():
			a.report(conn, ev.PodID, ev.Status, ev.Message)
		case <-heartbeat.C:
			a.send(conn, wire.TypeNodeHeartbeat, wire.HeartbeatPayload{
				NodeID:    a.NodeID(),
				Allocated: a.runtime.Allocated(),
				Timestamp: time.Now().UnixMilli(),
			}, "")
		}
	}
}

// handshake performs the connected/authenticate/register exchange. A
// reconnect that the control plane no longer recognizes falls back to a
// fresh registration under the same name.
func (a *Agent) handshake(conn connmgr.Conn) error {
	deadline := time.Now().Add(handshakeTimeout)

	if _, err := a.await(conn, wire.TypeConnected, "", deadline); err != nil {
		return fmt.Errorf("no greeting from server: %w", err)
	}

	corr := uuid.New().String()
	a.send(conn, wire.TypeAuthenticate, wire.AuthenticatePayload{Token: a.token}, corr)
	if _, err := a.await(conn, wire.TypeAuthenticate, corr, deadline); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	if nodeID := a.NodeID(); nodeID != "" {
		corr = uuid.New().String()
		a.send(conn, wire.TypeNodeReconnect, wire.ReconnectNodePayload{NodeID: nodeID}, corr)
		frame, err := a.await(conn, wire.TypeNodeReconnect, corr, deadline)
		if err == nil {
			resp, err := wire.DecodePayload[wire.RegisterNodeResponse](frame)
			if err != nil {
				return err
			}
			a.setNodeID(resp.NodeID)
			a.logger.Info().Str("node_id", resp.NodeID).Msg("reconnected")
			return nil
		}
		a.logger.Warn().Err(err).Msg("reconnect rejected, registering fresh")
		a.setNodeID("")
	}

	corr = uuid.New().String()
	a.send(conn, wire.TypeNodeRegister, wire.RegisterNodePayload{
		Name:        a.name,
		Runtime:     types.RuntimeNative,
		Labels:      a.labels,
		Taints:      a.taints,
		Allocatable: a.alloc,
	}, corr)
	frame, err := a.await(conn, wire.TypeNodeRegister, corr, deadline)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	resp, err := wire.DecodePayload[wire.RegisterNodeResponse](frame)
	if err != nil {
		return err
	}
	a.setNodeID(resp.NodeID)
	a.logger.Info().Str("node_id", resp.NodeID).Str("name", a.name).Msg("registered")
	return nil
}

// await reads frames until the expected response arrives. Pings are
// answered in place so the handshake cannot stall the server's liveness
// probe; everything else before the response is dropped.
func (a *Agent) await(conn connmgr.Conn, frameType, correlationID string, deadline time.Time) (*wire.Frame, error) {
	for time.Now().Before(deadline) {
		data, err := conn.Read()
		if err != nil {
			return nil, err
		}
		frame, err := wire.Unmarshal(data)
		if err != nil {
			continue
		}
		if frame.Type == wire.TypePing {
			a.dispatch(conn, frame)
			continue
		}
		if correlationID != "" && frame.CorrelationID != correlationID {
			continue
		}
		switch frame.Type {
		case frameType:
			return frame, nil
		case wire.ErrorType(frameType):
			p, err := wire.DecodePayload[wire.ErrorPayload](frame)
			if err != nil {
				return nil, err
			}
			return nil, types.NewError(p.Code, p.Message)
		}
	}
	return nil, types.Errorf(types.CodeTimeout, "no %s response before the deadline", frameType)
}

func (a *Agent) dispatch(conn connmgr.Conn, frame *wire.Frame) {
	switch frame.Type {
	case wire.TypePing:
		p, err := wire.DecodePayload[wire.PingPayload](frame)
		if err != nil {
			return
		}
		a.send(conn, wire.TypePong, wire.PongPayload{Timestamp: p.Timestamp}, frame.CorrelationID)
	case wire.TypePodDeploy:
		p, err := wire.DecodePayload[wire.DeployPodPayload](frame)
		if err != nil {
			a.logger.Warn().Err(err).Msg("bad deploy command")
			return
		}
		go a.deploy(conn, p)
	case wire.TypePodStop:
		p, err := wire.DecodePayload[wire.StopPodPayload](frame)
		if err != nil {
			a.logger.Warn().Err(err).Msg("bad stop command")
			return
		}
		go a.stop(conn, p)
	case wire.TypePong:
		// The server answering our heartbeat traffic; nothing to do.
	default:
		a.logger.Debug().Str("type", frame.Type).Msg("ignoring unexpected frame")
	}
}

// deploy walks the pod through starting and running, or reports the
// failure. Deploy timeouts come from the pack manifest.
func (a *Agent) deploy(conn connmgr.Conn, p *wire.DeployPodPayload) {
	a.report(conn, p.PodID, types.PodStatusStarting, "")

	ctx := context.Background()
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	if err := a.runtime.Deploy(ctx, *p); err != nil {
		a.logger.Error().Err(err).Str("pod_id", p.PodID).Msg("deploy failed")
		a.report(conn, p.PodID, types.PodStatusFailed, err.Error())
		return
	}
	a.report(conn, p.PodID, types.PodStatusRunning, "")
}

func (a *Agent) stop(conn connmgr.Conn, p *wire.StopPodPayload) {
	a.report(conn, p.PodID, types.PodStatusStopping, p.Reason)

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.GracefulStop+10*time.Second)
	defer cancel()

	if err := a.runtime.Stop(ctx, p.PodID, p.Graceful, a.cfg.GracefulStop); err != nil {
		if types.IsCode(err, types.CodePodNotFound) {
			// Already gone; confirm the stop so the control plane settles.
			a.report(conn, p.PodID, types.PodStatusStopped, p.Reason)
			return
		}
		a.logger.Error().Err(err).Str("pod_id", p.PodID).Msg("stop failed")
		a.report(conn, p.PodID, types.PodStatusFailed, err.Error())
		return
	}
	a.report(conn, p.PodID, types.PodStatusStopped, p.Reason)
}

func (a *Agent) report(conn connmgr.Conn, podID string, status types.PodStatus, message string) {
	a.send(conn, wire.TypePodStatusUpdate, wire.PodStatusPayload{
		PodID:   podID,
		Status:  status,
		Message: message,
	}, "")
}

func (a *Agent) send(conn connmgr.Conn, frameType string, payload any, correlationID string) {
	frame, err := wire.Encode(frameType, payload, correlationID)
	if err != nil {
		a.logger.Error().Err(err).Str("type", frameType).Msg("failed to encode frame")
		return
	}
	data, err := wire.Marshal(frame)
	if err != nil {
		a.logger.Error().Err(err).Str("type", frameType).Msg("failed to marshal frame")
		return
	}
	if err := conn.Write(data); err != nil {
		a.logger.Debug().Err(err).Str("type", frameType).Msg("write failed")
	}
}
