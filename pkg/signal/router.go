package signal

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/musterhq/muster/pkg/connmgr"
	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/types"
	"github.com/musterhq/muster/pkg/wire"
)

// Peer is the inbound side of a registered pod session.
type Peer interface {
	PodID() string
	ServiceID() string
	Send(frameType string, payload any, correlationID string) error
}

// PodChannel delivers frames to other pods' sessions.
type PodChannel interface {
	SendToPod(podID, frameType string, payload any) error
	PodConnected(podID string) bool
}

// Directory resolves services and their pods.
type Directory interface {
	GetService(id string) (*types.Service, error)
	PodsByService(serviceID string) []*types.Pod
}

// Router relays signaling envelopes between pod sessions without
// inspecting their payload, and answers route-lookup requests with a
// round-robin choice among a service's healthy pods.
type Router struct {
	dir    Directory
	pods   PodChannel
	broker *events.Broker
	logger zerolog.Logger

	rrMu sync.Mutex
	rr   map[string]uint64 // serviceID -> next index
}

// Option configures a Router.
type Option func(*Router)

// WithBroker attaches an event broker for forwarded-signal events.
func WithBroker(b *events.Broker) Option {
	return func(r *Router) { r.broker = b }
}

// NewRouter creates a signaling router.
func NewRouter(dir Directory, pods PodChannel, opts ...Option) *Router {
	r := &Router{
		dir:    dir,
		pods:   pods,
		logger: log.WithComponent("signal"),
		rr:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register wires the router's frame types into the connection manager.
func (r *Router) Register(m *connmgr.Manager) {
	m.Handle(wire.TypeSignal, func(s *connmgr.Session, f *wire.Frame) {
		r.HandleSignal(s, f)
	})
	m.Handle(wire.TypeRouteRequest, func(s *connmgr.Session, f *wire.Frame) {
		r.HandleRouteRequest(s, f)
	})
}

// HandleSignal relays one signal frame. The claimed source must match
// the session's registered pod; signals to pods without an open session
// are rejected, never buffered.
func (r *Router) HandleSignal(peer Peer, frame *wire.Frame) {
	p, err := wire.DecodePayload[wire.SignalPayload](frame)
	if err != nil {
		r.logger.Debug().Err(err).Msg("dropping undecodable signal")
		metrics.SignalsRejected.WithLabelValues("malformed").Inc()
		return
	}

	if peer.PodID() == "" || p.SourcePodID != peer.PodID() {
		r.logger.Warn().
			Str("claimed_source", p.SourcePodID).
			Str("session_pod", peer.PodID()).
			Msg("dropping spoofed signal")
		metrics.SignalsRejected.WithLabelValues("source_spoofed").Inc()
		_ = peer.Send(wire.ErrorType(wire.TypeSignal), wire.ErrorPayload{
			Code:    types.CodeSourceSpoofed,
			Message: "signal source does not match the session's registered pod",
		}, frame.CorrelationID)
		return
	}

	if err := r.pods.SendToPod(p.TargetPodID, wire.TypeSignal, p); err != nil {
		metrics.SignalsRejected.WithLabelValues("target_unreachable").Inc()
		_ = peer.Send(wire.ErrorType(wire.TypeSignal), wire.ErrorPayload{
			Code:    types.CodeTargetUnreachable,
			Message: "target pod has no open session",
		}, frame.CorrelationID)
		return
	}

	metrics.SignalsForwarded.Inc()
	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:  events.EventSignalForwarded,
			PodID: p.SourcePodID,
			Metadata: map[string]string{
				"targetPodId": p.TargetPodID,
				"signalType":  p.SignalType,
			},
		})
	}
}

// HandleRouteRequest resolves a service to one of its connected running
// pods, round-robin per service, honoring visibility and allowed
// sources.
func (r *Router) HandleRouteRequest(peer Peer, frame *wire.Frame) {
	respondErr := func(code types.Code, message string) {
		_ = peer.Send(wire.ErrorType(wire.TypeRouteRequest), wire.ErrorPayload{
			Code:    code,
			Message: message,
		}, frame.CorrelationID)
	}

	p, err := wire.DecodePayload[wire.RouteRequestPayload](frame)
	if err != nil {
		respondErr(types.CodeValidation, "malformed route request")
		return
	}

	svc, err := r.dir.GetService(p.TargetServiceID)
	if err != nil {
		respondErr(types.CodeServiceNotFound, "no such service")
		return
	}
	if !r.allowed(svc, peer.ServiceID()) {
		metrics.SignalsRejected.WithLabelValues("visibility").Inc()
		respondErr(types.CodeTargetUnreachable, "service does not accept routes from this source")
		return
	}

	candidates := r.routablePods(svc.ID)
	if len(candidates) == 0 {
		respondErr(types.CodeTargetUnreachable, "service has no reachable pods")
		return
	}

	chosen := candidates[r.next(svc.ID)%uint64(len(candidates))]
	_ = peer.Send(wire.TypeRouteResponse, wire.RouteResponsePayload{
		PodID:  chosen.ID,
		NodeID: chosen.NodeID,
	}, frame.CorrelationID)
}

// allowed applies the visibility policy: public services accept any
// source, private ones only their own pods or explicitly allowed
// services, system ones nothing over the peer channel.
func (r *Router) allowed(svc *types.Service, sourceServiceID string) bool {
	switch svc.Visibility {
	case types.VisibilityPublic:
		return true
	case types.VisibilityPrivate:
		if sourceServiceID == svc.ID {
			return true
		}
		for _, id := range svc.AllowedSources {
			if id == sourceServiceID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// routablePods returns the service's running pods that hold an open
// session, in the directory's stable order.
func (r *Router) routablePods(serviceID string) []*types.Pod {
	var out []*types.Pod
	for _, pod := range r.dir.PodsByService(serviceID) {
		if pod.Status == types.PodStatusRunning && r.pods.PodConnected(pod.ID) {
			out = append(out, pod)
		}
	}
	return out
}

func (r *Router) next(serviceID string) uint64 {
	r.rrMu.Lock()
	defer r.rrMu.Unlock()

	n := r.rr[serviceID]
	r.rr[serviceID] = n + 1
	return n
}
