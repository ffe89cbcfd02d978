package server

import (
	"time"

	"github.com/musterhq/muster/pkg/connmgr"
	"github.com/musterhq/muster/pkg/state"
	"github.com/musterhq/muster/pkg/types"
	"github.com/musterhq/muster/pkg/wire"
)

// registerHandlers wires the node and pod frame types into the
// connection manager. Signal frames are wired separately by the
// signaling router.
func (s *Server) registerHandlers() {
	s.conns.Handle(wire.TypeNodeRegister, s.handleNodeRegister)
	s.conns.Handle(wire.TypeNodeReconnect, s.handleNodeReconnect)
	s.conns.Handle(wire.TypeNodeHeartbeat, s.handleNodeHeartbeat)
	s.conns.Handle(wire.TypePodRegister, s.handlePodRegister)
	s.conns.Handle(wire.TypePodStatusUpdate, s.handlePodStatus)
}

func (s *Server) handleNodeRegister(sess *connmgr.Session, frame *wire.Frame) {
	reject := func(err error) {
		_ = sess.Send(wire.ErrorType(wire.TypeNodeRegister), wire.ErrorPayloadFor(err), frame.CorrelationID)
	}

	p, err := wire.DecodePayload[wire.RegisterNodePayload](frame)
	if err != nil {
		reject(err)
		return
	}

	node, err := s.store.AddNode(state.NodeSpec{
		Name:         p.Name,
		Runtime:      p.Runtime,
		Capabilities: p.Capabilities,
		Labels:       p.Labels,
		Taints:       p.Taints,
		Allocatable:  p.Allocatable,
	})
	if types.IsCode(err, types.CodeNameTaken) {
		// An agent that lost its node id re-registers under its old
		// name; treat that as a reconnect instead of a duplicate.
		node, err = s.store.GetNodeByName(p.Name)
	}
	if err != nil {
		reject(err)
		return
	}

	if err := s.conns.BindNode(sess, node.ID); err != nil {
		reject(err)
		return
	}
	_ = s.store.SetNodeStatus(node.ID, types.NodeStatusOnline)
	_ = s.store.ProcessHeartbeat(node.ID, types.Resources{}, time.Now().UTC())
	_ = sess.Send(wire.TypeNodeRegister, wire.RegisterNodeResponse{NodeID: node.ID}, frame.CorrelationID)
	s.logger.Info().Str("node_id", node.ID).Str("name", node.Name).Msg("node registered")

	// A fresh node may satisfy daemon-mode services or pending pods.
	if s.reconciler != nil {
		s.reconciler.Poke()
	}
}

func (s *Server) handleNodeReconnect(sess *connmgr.Session, frame *wire.Frame) {
	reject := func(err error) {
		_ = sess.Send(wire.ErrorType(wire.TypeNodeReconnect), wire.ErrorPayloadFor(err), frame.CorrelationID)
	}

	p, err := wire.DecodePayload[wire.ReconnectNodePayload](frame)
	if err != nil {
		reject(err)
		return
	}

	node, err := s.store.GetNode(p.NodeID)
	if err != nil {
		reject(err)
		return
	}
	if err := s.conns.BindNode(sess, node.ID); err != nil {
		reject(err)
		return
	}

	// Reconnection reuses the existing entity: back online, heartbeat
	// refreshed, no duplicate node.
	_ = s.store.SetNodeStatus(node.ID, types.NodeStatusOnline)
	_ = s.store.ProcessHeartbeat(node.ID, types.Resources{}, time.Now().UTC())
	_ = sess.Send(wire.TypeNodeReconnect, wire.RegisterNodeResponse{NodeID: node.ID}, frame.CorrelationID)
	s.logger.Info().Str("node_id", node.ID).Msg("node reconnected")

	if s.reconciler != nil {
		s.reconciler.Poke()
	}
}

func (s *Server) handleNodeHeartbeat(sess *connmgr.Session, frame *wire.Frame) {
	p, err := wire.DecodePayload[wire.HeartbeatPayload](frame)
	if err != nil {
		return
	}
	nodeID := sess.NodeID()
	if nodeID == "" || (p.NodeID != "" && p.NodeID != nodeID) {
		s.logger.Warn().
			Str("claimed", p.NodeID).
			Str("session_node", nodeID).
			Msg("dropping heartbeat with mismatched node id")
		return
	}

	at := time.Now().UTC()
	if p.Timestamp > 0 {
		at = time.UnixMilli(p.Timestamp).UTC()
	}
	if err := s.store.ProcessHeartbeat(nodeID, p.Allocated, at); err != nil {
		s.logger.Warn().Err(err).Str("node_id", nodeID).Msg("failed to process heartbeat")
	}
}

func (s *Server) handlePodRegister(sess *connmgr.Session, frame *wire.Frame) {
	reject := func(err error) {
		_ = sess.Send(wire.ErrorType(wire.TypePodRegister), wire.ErrorPayloadFor(err), frame.CorrelationID)
	}

	p, err := wire.DecodePayload[wire.RegisterPodPayload](frame)
	if err != nil {
		reject(err)
		return
	}

	pod, err := s.store.GetPod(p.PodID)
	if err != nil {
		reject(err)
		return
	}
	if pod.ServiceID != p.ServiceID {
		reject(types.Errorf(types.CodeValidation,
			"pod %s does not belong to service %s", p.PodID, p.ServiceID))
		return
	}
	if pod.Status.Terminal() {
		reject(types.Errorf(types.CodeInvalidState, "pod %s is %s", pod.ID, pod.Status))
		return
	}

	if err := s.conns.BindPod(sess, pod.ID, pod.ServiceID); err != nil {
		reject(err)
		return
	}
	_ = sess.Send(wire.TypePodRegister, wire.RegisterPodPayload{
		PodID:     pod.ID,
		ServiceID: pod.ServiceID,
	}, frame.CorrelationID)
}

// handlePodStatus applies a node-reported lifecycle change to the pod
// state machine. Reports that match the pod's current status are
// idempotent no-ops.
func (s *Server) handlePodStatus(sess *connmgr.Session, frame *wire.Frame) {
	p, err := wire.DecodePayload[wire.PodStatusPayload](frame)
	if err != nil {
		return
	}

	pod, err := s.store.GetPod(p.PodID)
	if err != nil {
		s.logger.Warn().Str("pod_id", p.PodID).Msg("status update for unknown pod")
		return
	}
	if sess.NodeID() != "" && pod.NodeID != sess.NodeID() {
		s.logger.Warn().
			Str("pod_id", p.PodID).
			Str("session_node", sess.NodeID()).
			Msg("dropping status update from a node that does not host the pod")
		return
	}
	if pod.Status == p.Status {
		return
	}

	message := p.Message
	if message == "" {
		message = p.Reason
	}
	for _, action := range actionsTo(pod.Status, p.Status) {
		updated, err := s.store.TransitionPod(pod.ID, action, message)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("pod_id", pod.ID).
				Str("reported", string(p.Status)).
				Msg("failed to apply reported pod status")
			return
		}
		pod = updated
	}
}

// actionsTo maps a reported target status onto the transitions that
// reach it from the current one. A pod that dies before its start is
// acknowledged counts as failed. Unreachable reports return nil and are
// dropped.
func actionsTo(current, reported types.PodStatus) []types.PodAction {
	switch current {
	case types.PodStatusScheduled:
		switch reported {
		case types.PodStatusStarting:
			return []types.PodAction{types.PodActionStart}
		case types.PodStatusRunning:
			return []types.PodAction{types.PodActionStart, types.PodActionRun}
		case types.PodStatusFailed, types.PodStatusStopped:
			return []types.PodAction{types.PodActionFail}
		}
	case types.PodStatusStarting:
		switch reported {
		case types.PodStatusRunning:
			return []types.PodAction{types.PodActionRun}
		case types.PodStatusFailed, types.PodStatusStopped:
			return []types.PodAction{types.PodActionFail}
		}
	case types.PodStatusRunning:
		switch reported {
		case types.PodStatusStopping:
			return []types.PodAction{types.PodActionStop}
		case types.PodStatusStopped:
			return []types.PodAction{types.PodActionStop, types.PodActionStopped}
		case types.PodStatusFailed:
			return []types.PodAction{types.PodActionFail}
		}
	case types.PodStatusStopping:
		switch reported {
		case types.PodStatusStopped:
			return []types.PodAction{types.PodActionStopped}
		case types.PodStatusFailed:
			return []types.PodAction{types.PodActionFail}
		}
	}
	return nil
}
