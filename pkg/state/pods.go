package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/storage"
	"github.com/musterhq/muster/pkg/types"
)

// podTransitions is the pod state machine: current status -> action ->
// next status. Anything absent is an invalid transition.
var podTransitions = map[types.PodStatus]map[types.PodAction]types.PodStatus{
	types.PodStatusPending: {
		types.PodActionSchedule: types.PodStatusScheduled,
		types.PodActionFail:     types.PodStatusFailed,
	},
	types.PodStatusScheduled: {
		types.PodActionStart: types.PodStatusStarting,
		types.PodActionFail:  types.PodStatusFailed,
		types.PodActionEvict: types.PodStatusEvicted,
	},
	types.PodStatusStarting: {
		types.PodActionRun:   types.PodStatusRunning,
		types.PodActionFail:  types.PodStatusFailed,
		types.PodActionEvict: types.PodStatusEvicted,
	},
	types.PodStatusRunning: {
		types.PodActionStop:  types.PodStatusStopping,
		types.PodActionFail:  types.PodStatusFailed,
		types.PodActionEvict: types.PodStatusEvicted,
	},
	types.PodStatusStopping: {
		types.PodActionStopped: types.PodStatusStopped,
		types.PodActionFail:    types.PodStatusFailed,
		types.PodActionEvict:   types.PodStatusEvicted,
	},
}

// PodSpec is the caller-supplied part of a pod creation.
type PodSpec struct {
	Namespace     string
	ServiceID     string
	PackName      string
	PackVersion   string
	Priority      int
	PriorityClass string
	Requests      types.Resources
	Limits        types.Resources
	Labels        map[string]string
	Tolerations   []types.Toleration
	NodeSelector  map[string]string
	Env           map[string]string
	CreatedBy     string
}

// CreatePod validates the spec against the referenced pack and
// namespace and creates the pod in pending. Requests are normalized to
// include one pod slot so node and namespace accounting is uniform.
func (s *Store) CreatePod(spec PodSpec) (*types.Pod, error) {
	if spec.Namespace == "" {
		spec.Namespace = types.DefaultNamespace
	}
	if err := types.ValidateLabels(spec.Labels); err != nil {
		return nil, err
	}

	s.mu.Lock()
	pack, err := s.packByRefLocked(spec.PackName, spec.PackVersion)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ns, ok := s.namespaces[spec.Namespace]
	if !ok {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodeNamespaceMissing, "namespace %q does not exist", spec.Namespace)
	}
	if ns.Phase == types.NamespaceTerminating {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodeInvalidState, "namespace %q is terminating", spec.Namespace)
	}

	requests := spec.Requests
	if ns.Limits != nil {
		if requests.IsZero() {
			requests = ns.Limits.DefaultRequest
		}
		if max := ns.Limits.MaxRequest; !max.IsZero() && !requests.Fits(max) {
			s.mu.Unlock()
			return nil, types.Errorf(types.CodeValidation,
				"requests exceed the namespace limit range for %q", spec.Namespace)
		}
	}
	requests.Pods = 1

	if ns.Quota != nil && !ns.Usage.Add(requests).Fits(*ns.Quota) {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodeQuotaExceeded,
			"namespace %q quota would be exceeded", spec.Namespace)
	}

	priority := spec.Priority
	if spec.PriorityClass != "" {
		// A missing class falls back to priority 0.
		priority = 0
		if pc, ok := s.priorityClasses[spec.PriorityClass]; ok {
			priority = pc.Value
		}
	} else if spec.Priority == 0 {
		for _, pc := range s.priorityClasses {
			if pc.GlobalDefault {
				priority = pc.Value
				break
			}
		}
	}

	now := time.Now().UTC()
	pod := &types.Pod{
		ID:            uuid.New().String(),
		Namespace:     spec.Namespace,
		ServiceID:     spec.ServiceID,
		PackID:        pack.ID,
		PackName:      pack.Name,
		PackVersion:   pack.Version,
		Status:        types.PodStatusPending,
		Priority:      priority,
		PriorityClass: spec.PriorityClass,
		Requests:      requests,
		Limits:        spec.Limits,
		Labels:        spec.Labels,
		Tolerations:   spec.Tolerations,
		NodeSelector:  spec.NodeSelector,
		Env:           spec.Env,
		CreatedBy:     spec.CreatedBy,
		CreatedAt:     now,
	}
	s.pods[pod.ID] = pod
	ns.Usage = ns.Usage.Add(requests)

	s.appendHistory(&types.PodHistoryEntry{
		PodID:     pod.ID,
		Timestamp: now,
		Action:    types.HistoryCreated,
		NewStatus: types.PodStatusPending,
	})
	err = s.save(func(p storage.Store) error {
		if err := p.SavePod(pod); err != nil {
			return err
		}
		return p.SaveNamespace(ns)
	})
	out := clonePod(pod)
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s.publish(&events.Event{
		Type:      events.EventPodCreated,
		PodID:     pod.ID,
		ServiceID: pod.ServiceID,
	})
	return out, nil
}

// GetPod returns the pod by id.
func (s *Store) GetPod(id string) (*types.Pod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pod, ok := s.pods[id]
	if !ok {
		return nil, types.Errorf(types.CodePodNotFound, "pod %s not found", id)
	}
	return clonePod(pod), nil
}

// SchedulePod binds a pending pod to a node, atomically re-checking
// capacity under the store lock so two placements can never oversubscribe
// the same node.
func (s *Store) SchedulePod(podID, nodeID string) (*types.Pod, error) {
	s.mu.Lock()
	pod, ok := s.pods[podID]
	if !ok {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodePodNotFound, "pod %s not found", podID)
	}
	if pod.Status != types.PodStatusPending {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodeInvalidState, "pod %s is %s, not pending", podID, pod.Status)
	}
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodeNodeNotFound, "node %s not found", nodeID)
	}
	if !node.Schedulable() {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodeInvalidState, "node %s is not schedulable", nodeID)
	}
	if !pod.Requests.Fits(node.Free()) {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodeInsufficientResources,
			"node %s cannot fit pod %s", nodeID, podID)
	}

	now := time.Now().UTC()
	node.Allocated = node.Allocated.Add(pod.Requests)
	pod.NodeID = nodeID
	pod.Status = types.PodStatusScheduled
	pod.ScheduledAt = now
	pod.StatusMessage = ""

	s.appendHistory(&types.PodHistoryEntry{
		PodID:          podID,
		Timestamp:      now,
		Action:         types.HistoryScheduled,
		PreviousStatus: types.PodStatusPending,
		NewStatus:      types.PodStatusScheduled,
		Metadata:       map[string]string{"nodeId": nodeID},
	})
	err := s.save(func(p storage.Store) error {
		if err := p.SavePod(pod); err != nil {
			return err
		}
		return p.SaveNode(node)
	})
	out := clonePod(pod)
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s.publish(&events.Event{
		Type:      events.EventPodScheduled,
		PodID:     podID,
		NodeID:    nodeID,
		ServiceID: out.ServiceID,
	})
	return out, nil
}

// TransitionPod applies an action to the pod state machine. Reaching a
// terminal status releases the pod's node allocation and namespace
// usage exactly once.
func (s *Store) TransitionPod(podID string, action types.PodAction, message string) (*types.Pod, error) {
	s.mu.Lock()
	pod, ok := s.pods[podID]
	if !ok {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodePodNotFound, "pod %s not found", podID)
	}

	next, valid := podTransitions[pod.Status][action]
	if !valid {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodeInvalidTransition,
			"pod %s cannot %s from %s", podID, action, pod.Status)
	}

	now := time.Now().UTC()
	prev := pod.Status
	pod.Status = next
	pod.StatusMessage = message
	switch next {
	case types.PodStatusStarting:
		pod.StartedAt = now
	case types.PodStatusStopped, types.PodStatusFailed, types.PodStatusEvicted:
		pod.StoppedAt = now
	}

	var node *types.Node
	if next.Terminal() {
		if n, ok := s.nodes[pod.NodeID]; ok && prev != types.PodStatusPending {
			n.Allocated = n.Allocated.Sub(pod.Requests)
			node = n
		}
		if ns, ok := s.namespaces[pod.Namespace]; ok {
			ns.Usage = ns.Usage.Sub(pod.Requests)
		}
	}

	entry := &types.PodHistoryEntry{
		PodID:          podID,
		Timestamp:      now,
		Action:         historyActionFor(action),
		PreviousStatus: prev,
		NewStatus:      next,
	}
	if message != "" {
		entry.Metadata = map[string]string{"message": message}
	}
	s.appendHistory(entry)

	err := s.save(func(p storage.Store) error {
		if err := p.SavePod(pod); err != nil {
			return err
		}
		if node != nil {
			if err := p.SaveNode(node); err != nil {
				return err
			}
		}
		if ns, ok := s.namespaces[pod.Namespace]; ok && next.Terminal() {
			return p.SaveNamespace(ns)
		}
		return nil
	})
	out := clonePod(pod)
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ev := podStatusEvent(next); ev != "" {
		s.publish(&events.Event{
			Type:      ev,
			PodID:     podID,
			NodeID:    out.NodeID,
			ServiceID: out.ServiceID,
			Message:   message,
		})
	}
	return out, nil
}

func historyActionFor(action types.PodAction) types.HistoryAction {
	switch action {
	case types.PodActionSchedule:
		return types.HistoryScheduled
	case types.PodActionStart:
		return types.HistoryStarted
	case types.PodActionRun:
		return types.HistoryRunning
	case types.PodActionStop, types.PodActionStopped:
		return types.HistoryStopped
	case types.PodActionFail:
		return types.HistoryFailed
	case types.PodActionEvict:
		return types.HistoryEvicted
	default:
		return types.HistoryAction(action)
	}
}

func podStatusEvent(status types.PodStatus) events.EventType {
	switch status {
	case types.PodStatusRunning:
		return events.EventPodRunning
	case types.PodStatusStopped:
		return events.EventPodStopped
	case types.PodStatusFailed:
		return events.EventPodFailed
	case types.PodStatusEvicted:
		return events.EventPodEvicted
	default:
		return ""
	}
}

// RecordScheduleFailure bumps a pending pod's placement attempt counter
// and returns the new count.
func (s *Store) RecordScheduleFailure(podID, reason string) (int, error) {
	s.mu.Lock()
	pod, ok := s.pods[podID]
	if !ok {
		s.mu.Unlock()
		return 0, types.Errorf(types.CodePodNotFound, "pod %s not found", podID)
	}
	pod.ScheduleAttempts++
	pod.StatusMessage = reason
	attempts := pod.ScheduleAttempts
	s.appendHistory(&types.PodHistoryEntry{
		PodID:     podID,
		Timestamp: time.Now().UTC(),
		Action:    types.HistoryUnscheduled,
		Metadata:  map[string]string{"reason": reason},
	})
	err := s.save(func(p storage.Store) error { return p.SavePod(pod) })
	s.mu.Unlock()
	return attempts, err
}

// ApplyRollback points a pod back at a previously registered pack
// version. The scheduler drives the surrounding stop/reschedule flow;
// the store only swaps the reference and records it.
func (s *Store) ApplyRollback(podID, packID, packVersion string) (*types.Pod, error) {
	s.mu.Lock()
	pod, ok := s.pods[podID]
	if !ok {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodePodNotFound, "pod %s not found", podID)
	}
	pack, ok := s.packs[packID]
	if !ok {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodePackNotFound, "pack %s not found", packID)
	}
	if pack.Version != packVersion {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodeVersionNotFound,
			"pack %s is version %s, not %s", packID, pack.Version, packVersion)
	}

	now := time.Now().UTC()
	prevVersion := pod.PackVersion
	pod.PackID = pack.ID
	pod.PackVersion = pack.Version
	s.appendHistory(&types.PodHistoryEntry{
		PodID:     podID,
		Timestamp: now,
		Action:    types.HistoryRolledBack,
		Metadata: map[string]string{
			"fromVersion": prevVersion,
			"toVersion":   pack.Version,
		},
	})
	err := s.save(func(p storage.Store) error { return p.SavePod(pod) })
	out := clonePod(pod)
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s.publish(&events.Event{
		Type:      events.EventPodRolledBack,
		PodID:     podID,
		NodeID:    out.NodeID,
		ServiceID: out.ServiceID,
	})
	return out, nil
}

// RemovePod deletes a pod and its history. Removing a non-terminal pod
// releases its node and namespace accounting first.
func (s *Store) RemovePod(podID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pod, ok := s.pods[podID]
	if !ok {
		return types.Errorf(types.CodePodNotFound, "pod %s not found", podID)
	}

	if !pod.Status.Terminal() {
		if node, ok := s.nodes[pod.NodeID]; ok && pod.Status != types.PodStatusPending {
			node.Allocated = node.Allocated.Sub(pod.Requests)
			if err := s.save(func(p storage.Store) error { return p.SaveNode(node) }); err != nil {
				return err
			}
		}
		if ns, ok := s.namespaces[pod.Namespace]; ok {
			ns.Usage = ns.Usage.Sub(pod.Requests)
			if err := s.save(func(p storage.Store) error { return p.SaveNamespace(ns) }); err != nil {
				return err
			}
		}
	}

	delete(s.pods, podID)
	delete(s.history, podID)
	return s.save(func(p storage.Store) error {
		if err := p.DeletePod(podID); err != nil {
			return err
		}
		return p.DeleteHistory(podID)
	})
}
