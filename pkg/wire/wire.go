package wire

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/musterhq/muster/pkg/types"
)

// Reserved frame types. A response reuses the request's type, or the
// type with ErrorSuffix appended when the request failed.
const (
	TypeConnected        = "connected"
	TypeAuthenticate     = "auth:authenticate"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeNodeRegister     = "node:register"
	TypeNodeReconnect    = "node:reconnect"
	TypeNodeHeartbeat    = "node:heartbeat"
	TypePodDeploy        = "pod:deploy"
	TypePodStop          = "pod:stop"
	TypePodStatusUpdate  = "pod:status:update"
	TypePodRegister      = "network:pod:register"
	TypeSignal           = "network:signal"
	TypeRouteRequest     = "network:route:request"
	TypeRouteResponse    = "network:route:response"
)

// ErrorSuffix marks a frame as the failure response to its correlated
// request.
const ErrorSuffix = ":error"

// MaxFrameSize is the hard limit on an encoded frame. Peers sending
// larger frames are closed with a policy violation.
const MaxFrameSize = 10 << 20

// Close codes, per RFC 6455.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// Frame is the envelope every message travels in. Payload stays raw
// until the receiver knows the type; CorrelationID pairs a request with
// its response.
type Frame struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// IsError reports whether the frame is a failure response.
func (f *Frame) IsError() bool {
	return strings.HasSuffix(f.Type, ErrorSuffix)
}

// ErrorType returns the failure response type for a request type.
func ErrorType(requestType string) string {
	return requestType + ErrorSuffix
}

// Encode builds a frame with the given payload marshaled in place.
func Encode(frameType string, payload any, correlationID string) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, types.Errorf(types.CodeValidation, "failed to encode %s payload: %v", frameType, err)
	}
	return &Frame{Type: frameType, Payload: raw, CorrelationID: correlationID}, nil
}

// Marshal serializes a frame, enforcing the size limit.
func Marshal(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, types.Errorf(types.CodeValidation, "failed to marshal frame: %v", err)
	}
	if len(data) > MaxFrameSize {
		return nil, types.Errorf(types.CodeValidation, "frame of %d bytes exceeds the %d byte limit", len(data), MaxFrameSize)
	}
	return data, nil
}

// Unmarshal parses a frame, enforcing the size limit and requiring a
// type.
func Unmarshal(data []byte) (*Frame, error) {
	if len(data) > MaxFrameSize {
		return nil, types.Errorf(types.CodeValidation, "frame of %d bytes exceeds the %d byte limit", len(data), MaxFrameSize)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, types.Errorf(types.CodeValidation, "malformed frame: %v", err)
	}
	if f.Type == "" {
		return nil, types.NewError(types.CodeValidation, "frame has no type")
	}
	return &f, nil
}

// DecodePayload strictly decodes a frame's payload into T. Unknown
// fields are rejected so protocol drift surfaces at the boundary.
func DecodePayload[T any](f *Frame) (*T, error) {
	var v T
	if len(f.Payload) == 0 {
		return &v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(f.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, types.Errorf(types.CodeValidation, "bad %s payload: %v", f.Type, err)
	}
	return &v, nil
}

// Critical reports whether a frame type must bypass congestion
// shedding: auth responses, liveness, and pod commands always queue.
func Critical(frameType string) bool {
	switch frameType {
	case TypeConnected, TypePing, TypePong, TypePodDeploy, TypePodStop:
		return true
	}
	return frameType == TypeAuthenticate ||
		frameType == ErrorType(TypeAuthenticate)
}
