package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/storage"
	"github.com/musterhq/muster/pkg/types"
)

// NodeSpec is the caller-supplied part of a node registration.
type NodeSpec struct {
	Name         string
	Runtime      types.RuntimeKind
	Capabilities []string
	Labels       map[string]string
	Taints       []types.Taint
	Allocatable  types.Resources
}

// AddNode registers a new node and marks it online. Node names are
// unique across the cluster.
func (s *Store) AddNode(spec NodeSpec) (*types.Node, error) {
	if spec.Name == "" {
		return nil, types.NewError(types.CodeValidation, "node name is required")
	}
	switch spec.Runtime {
	case types.RuntimeNative, types.RuntimeBrowser:
	default:
		return nil, types.Errorf(types.CodeValidation, "invalid node runtime %q", spec.Runtime)
	}
	if err := types.ValidateLabels(spec.Labels); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, taken := s.nodesByName[spec.Name]; taken {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodeNameTaken, "node name %q is already registered", spec.Name)
	}

	now := time.Now().UTC()
	node := &types.Node{
		ID:              uuid.New().String(),
		Name:            spec.Name,
		Runtime:         spec.Runtime,
		Capabilities:    spec.Capabilities,
		Labels:          spec.Labels,
		Taints:          spec.Taints,
		Allocatable:     spec.Allocatable,
		Status:          types.NodeStatusOnline,
		LastHeartbeatAt: now,
		CreatedAt:       now,
	}
	s.nodes[node.ID] = node
	s.nodesByName[node.Name] = node.ID
	err := s.save(func(p storage.Store) error { return p.SaveNode(node) })
	out := cloneNode(node)
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s.publish(&events.Event{
		Type:    events.EventNodeRegistered,
		NodeID:  node.ID,
		Message: "node " + node.Name + " registered",
	})
	return out, nil
}

// GetNode returns the node by id.
func (s *Store) GetNode(id string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, types.Errorf(types.CodeNodeNotFound, "node %s not found", id)
	}
	return cloneNode(node), nil
}

// GetNodeByName returns the node with the given name.
func (s *Store) GetNodeByName(name string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.nodesByName[name]
	if !ok {
		return nil, types.Errorf(types.CodeNodeNotFound, "node %q not found", name)
	}
	return cloneNode(s.nodes[id]), nil
}

// ProcessHeartbeat records a node heartbeat. A heartbeat from an
// unhealthy node brings it back online; reported allocation is
// observational only, the store's own accounting stays authoritative.
func (s *Store) ProcessHeartbeat(nodeID string, reported types.Resources, at time.Time) error {
	s.mu.Lock()
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return types.Errorf(types.CodeNodeNotFound, "node %s not found", nodeID)
	}

	node.LastHeartbeatAt = at
	recovered := node.Status == types.NodeStatusUnhealthy
	if recovered {
		node.Status = types.NodeStatusOnline
	}
	if !reported.IsZero() && reported != node.Allocated {
		s.logger.Debug().
			Str("node_id", nodeID).
			Interface("reported", reported).
			Interface("tracked", node.Allocated).
			Msg("node-reported allocation diverges from tracked allocation")
	}
	err := s.save(func(p storage.Store) error { return p.SaveNode(node) })
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if recovered {
		s.publish(&events.Event{Type: events.EventNodeOnline, NodeID: nodeID})
	}
	return nil
}

// SetNodeStatus transitions a node to the given status.
func (s *Store) SetNodeStatus(nodeID string, status types.NodeStatus) error {
	switch status {
	case types.NodeStatusOnline, types.NodeStatusDraining, types.NodeStatusUnhealthy, types.NodeStatusOffline:
	default:
		return types.Errorf(types.CodeValidation, "invalid node status %q", status)
	}

	s.mu.Lock()
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return types.Errorf(types.CodeNodeNotFound, "node %s not found", nodeID)
	}
	prev := node.Status
	node.Status = status
	err := s.save(func(p storage.Store) error { return p.SaveNode(node) })
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if prev != status {
		s.publish(&events.Event{Type: nodeStatusEvent(status), NodeID: nodeID})
	}
	return nil
}

func nodeStatusEvent(status types.NodeStatus) events.EventType {
	switch status {
	case types.NodeStatusOnline:
		return events.EventNodeOnline
	case types.NodeStatusDraining:
		return events.EventNodeDraining
	case types.NodeStatusUnhealthy:
		return events.EventNodeUnhealthy
	default:
		return events.EventNodeOffline
	}
}

// DrainNode marks a node draining and unschedulable. Existing pods keep
// running until the reconciler relocates them.
func (s *Store) DrainNode(nodeID string) error {
	s.mu.Lock()
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return types.Errorf(types.CodeNodeNotFound, "node %s not found", nodeID)
	}
	node.Status = types.NodeStatusDraining
	node.Unschedulable = true
	err := s.save(func(p storage.Store) error { return p.SaveNode(node) })
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.publish(&events.Event{Type: events.EventNodeDraining, NodeID: nodeID})
	return nil
}

// UncordonNode returns a drained node to service.
func (s *Store) UncordonNode(nodeID string) error {
	s.mu.Lock()
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return types.Errorf(types.CodeNodeNotFound, "node %s not found", nodeID)
	}
	node.Status = types.NodeStatusOnline
	node.Unschedulable = false
	err := s.save(func(p storage.Store) error { return p.SaveNode(node) })
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.publish(&events.Event{Type: events.EventNodeOnline, NodeID: nodeID})
	return nil
}

// RemoveNode deletes a node. Nodes still referenced by non-terminal
// pods cannot be removed; evict or relocate the pods first.
func (s *Store) RemoveNode(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[nodeID]; !ok {
		return types.Errorf(types.CodeNodeNotFound, "node %s not found", nodeID)
	}
	for _, pod := range s.pods {
		if pod.NodeID == nodeID && !pod.Status.Terminal() {
			return types.Errorf(types.CodeInvalidState, "node %s still has non-terminal pod %s", nodeID, pod.ID)
		}
	}

	node := s.nodes[nodeID]
	delete(s.nodes, nodeID)
	delete(s.nodesByName, node.Name)
	return s.save(func(p storage.Store) error { return p.DeleteNode(nodeID) })
}
