package wire

import (
	"encoding/json"
	"time"

	"github.com/musterhq/muster/pkg/types"
)

// ConnectedPayload greets a freshly accepted session.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// AuthenticatePayload carries the join token.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// AuthenticatedPayload acknowledges a successful authentication.
type AuthenticatedPayload struct {
	SessionID string `json:"sessionId"`
}

// ErrorPayload is the body of any *:error response.
type ErrorPayload struct {
	Code    types.Code `json:"code"`
	Message string     `json:"message"`
}

// ErrorPayloadFor extracts the code and message from an error, falling
// back to an internal-looking validation code for untagged errors.
func ErrorPayloadFor(err error) ErrorPayload {
	if code := types.CodeOf(err); code != "" {
		return ErrorPayload{Code: code, Message: err.Error()}
	}
	return ErrorPayload{Code: types.CodeValidation, Message: err.Error()}
}

// PingPayload and PongPayload carry a millisecond timestamp for RTT
// observation.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// RegisterNodePayload announces a new node after authentication.
type RegisterNodePayload struct {
	Name         string            `json:"name"`
	Runtime      types.RuntimeKind `json:"runtime"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Taints       []types.Taint     `json:"taints,omitempty"`
	Allocatable  types.Resources   `json:"allocatable"`
}

// RegisterNodeResponse returns the node identity the agent must keep
// for reconnects.
type RegisterNodeResponse struct {
	NodeID string `json:"nodeId"`
}

// ReconnectNodePayload resumes an existing node identity instead of
// registering a duplicate.
type ReconnectNodePayload struct {
	NodeID string `json:"nodeId"`
}

// HeartbeatPayload reports node liveness and observed allocation.
type HeartbeatPayload struct {
	NodeID    string           `json:"nodeId"`
	Status    types.NodeStatus `json:"status"`
	Allocated types.Resources  `json:"allocated"`
	Timestamp int64            `json:"timestamp"`
}

// PackManifest is the slice of a pack a node needs to run it.
type PackManifest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	BundleBytes []byte            `json:"bundleBytes,omitempty"`
	BundlePath  string            `json:"bundlePath,omitempty"`
	Entrypoint  string            `json:"entrypoint,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// DeployPodPayload instructs a node to start a pod.
type DeployPodPayload struct {
	PodID   string            `json:"podId"`
	Pack    PackManifest      `json:"pack"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// StopPodPayload instructs a node to stop a pod. Graceful stops give
// the pod's shutdown handlers a deadline before hard termination.
type StopPodPayload struct {
	PodID    string `json:"podId"`
	Reason   string `json:"reason,omitempty"`
	Graceful bool   `json:"graceful,omitempty"`
}

// PodStatusPayload reports a pod lifecycle change observed on a node.
type PodStatusPayload struct {
	PodID   string          `json:"podId"`
	Status  types.PodStatus `json:"status"`
	Message string          `json:"message,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// RegisterPodPayload binds a pod session to its pod and service.
type RegisterPodPayload struct {
	PodID     string `json:"podId"`
	ServiceID string `json:"serviceId"`
}

// SignalPayload is relayed between pod sessions verbatim; the router
// never inspects SignalData.
type SignalPayload struct {
	SourcePodID string          `json:"sourcePodId"`
	TargetPodID string          `json:"targetPodId"`
	SignalType  string          `json:"signalType"`
	SignalData  json.RawMessage `json:"signalData,omitempty"`
}

// RouteRequestPayload asks for a healthy pod of a service.
type RouteRequestPayload struct {
	TargetServiceID string `json:"targetServiceId"`
}

// RouteResponsePayload names the chosen pod session.
type RouteResponsePayload struct {
	PodID  string `json:"podId"`
	NodeID string `json:"nodeId"`
}
