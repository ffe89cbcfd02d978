package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/musterhq/muster/pkg/config"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/state"
	"github.com/musterhq/muster/pkg/types"
)

// Commander carries placement decisions to nodes. Nil commanders are
// allowed; placement then only mutates state, which is what tests and
// dry runs want.
type Commander interface {
	// DeployPod tells the pod's node to start it.
	DeployPod(nodeID string, pod *types.Pod) error
	// StopPod tells a node to stop a pod.
	StopPod(nodeID, podID, reason string, graceful bool) error
}

// Scheduler chooses placements: filter candidate nodes, score them by
// policy, commit atomically through the state store, and preempt
// lower-priority pods when allowed and necessary.
type Scheduler struct {
	store     *state.Store
	cfg       config.SchedulerConfig
	commander Commander
	logger    zerolog.Logger
}

// New creates a scheduler.
func New(store *state.Store, cfg config.SchedulerConfig, commander Commander) *Scheduler {
	return &Scheduler{
		store:     store,
		cfg:       cfg,
		commander: commander,
		logger:    log.WithComponent("scheduler"),
	}
}

// Schedule places a pending pod. On success the pod is scheduled, the
// node's allocation reflects it, and the deploy command is on its way.
func (s *Scheduler) Schedule(podID string) (*types.Pod, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	pod, err := s.store.GetPod(podID)
	if err != nil {
		return nil, err
	}
	if pod.Status != types.PodStatusPending {
		return nil, types.Errorf(types.CodeInvalidState, "pod %s is %s, not pending", podID, pod.Status)
	}
	pack, err := s.store.GetPack(pod.PackID)
	if err != nil {
		return nil, err
	}

	candidates, starved := s.filter(pod, pack, s.store.SchedulableNodes())
	if len(candidates) == 0 {
		if s.cfg.PreemptionEnabled && len(starved) > 0 {
			return s.scheduleWithPreemption(pod, starved)
		}
		return nil, types.Errorf(types.CodeNoCompatibleNodes,
			"no node can take pod %s", podID)
	}

	ranked := s.rank(candidates, pod)

	// Commit against the freshest state; a lost race on one node falls
	// through to the next candidate.
	retries := s.cfg.CommitRetries
	if retries <= 0 {
		retries = 1
	}
	var lastErr error
	attempts := 0
	for _, node := range ranked {
		if attempts >= retries {
			break
		}
		attempts++
		placed, err := s.store.SchedulePod(pod.ID, node.ID)
		if err == nil {
			metrics.PodsScheduled.Inc()
			s.deploy(placed, pack)
			return placed, nil
		}
		if !types.IsCode(err, types.CodeInsufficientResources) && !types.IsCode(err, types.CodeInvalidState) {
			return nil, err
		}
		lastErr = err
		s.logger.Debug().Err(err).Str("pod_id", pod.ID).Str("node_id", node.ID).
			Msg("lost commit race, trying next candidate")
	}
	if lastErr != nil {
		return nil, types.Errorf(types.CodeNoCompatibleNodes,
			"placement for pod %s failed after %d commit attempts", podID, attempts)
	}
	return nil, types.Errorf(types.CodeNoCompatibleNodes, "no node can take pod %s", podID)
}

// deploy sends the start command. Failures here are not placement
// failures: the node reports the pod's fate through status updates.
func (s *Scheduler) deploy(pod *types.Pod, pack *types.Pack) {
	if s.commander == nil {
		return
	}
	if err := s.commander.DeployPod(pod.NodeID, pod); err != nil {
		s.logger.Warn().Err(err).
			Str("pod_id", pod.ID).
			Str("node_id", pod.NodeID).
			Str("pack", pack.Ref()).
			Msg("failed to send deploy command")
	}
}

// Rollback points a placed pod at a previously registered version of
// its pack without rescheduling it.
func (s *Scheduler) Rollback(podID, targetVersion string) (*types.Pod, error) {
	pod, err := s.store.GetPod(podID)
	if err != nil {
		return nil, err
	}
	switch pod.Status {
	case types.PodStatusScheduled, types.PodStatusStarting, types.PodStatusRunning:
	default:
		return nil, types.Errorf(types.CodeInvalidState,
			"pod %s is %s; rollback needs a placed pod", podID, pod.Status)
	}
	if pod.PackVersion == targetVersion {
		return nil, types.Errorf(types.CodeSameVersion,
			"pod %s already runs %s", podID, targetVersion)
	}

	pack, err := s.store.GetPackByRef(pod.PackName, targetVersion)
	if err != nil {
		return nil, err
	}
	if pod.NodeID != "" {
		node, err := s.store.GetNode(pod.NodeID)
		if err != nil {
			return nil, err
		}
		if !pack.Runtime.Compatible(node.Runtime) {
			return nil, types.Errorf(types.CodeRuntimeMismatch,
				"pack %s runtime %s cannot run on node %s (%s)",
				pack.Ref(), pack.Runtime, node.ID, node.Runtime)
		}
	}

	return s.store.ApplyRollback(podID, pack.ID, pack.Version)
}
