package scheduler

import (
	"slices"
	"strings"

	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/types"
)

// preemptionPlan is one way to make room: evict victims on node, then
// place the pod there.
type preemptionPlan struct {
	node           *types.Node
	victims        []*types.Pod
	summedPriority int
}

// scheduleWithPreemption tries to make room on a resource-starved node
// by evicting lower-priority pods. The chosen plan minimizes eviction
// count, then the summed priority of the evicted pods, then node id.
func (s *Scheduler) scheduleWithPreemption(pod *types.Pod, starved []*types.Node) (*types.Pod, error) {
	var best *preemptionPlan
	for _, node := range starved {
		plan := s.planFor(pod, node)
		if plan == nil {
			continue
		}
		if best == nil || planLess(plan, best) {
			best = plan
		}
	}
	if best == nil {
		return nil, types.Errorf(types.CodeNoCompatibleNodes,
			"no node can take pod %s, even with preemption", pod.ID)
	}

	s.logger.Info().
		Str("pod_id", pod.ID).
		Str("node_id", best.node.ID).
		Int("evictions", len(best.victims)).
		Msg("preempting lower-priority pods")

	for _, victim := range best.victims {
		evicted, err := s.store.TransitionPod(victim.ID, types.PodActionEvict,
			"preempted by higher-priority pod "+pod.ID)
		if err != nil {
			return nil, err
		}
		metrics.PodsPreempted.Inc()
		if s.commander != nil {
			if err := s.commander.StopPod(evicted.NodeID, evicted.ID, "preempted", false); err != nil {
				s.logger.Warn().Err(err).Str("pod_id", evicted.ID).
					Msg("failed to send stop for preempted pod")
			}
		}
	}

	placed, err := s.store.SchedulePod(pod.ID, best.node.ID)
	if err != nil {
		return nil, err
	}
	metrics.PodsScheduled.Inc()
	if pack, packErr := s.store.GetPack(placed.PackID); packErr == nil {
		s.deploy(placed, pack)
	}
	return placed, nil
}

// planFor finds the cheapest victim set on one node, or nil when no set
// of strictly lower-priority pods frees enough. Victims are taken
// lowest priority first, pod id as the deterministic tie-break.
func (s *Scheduler) planFor(pod *types.Pod, node *types.Node) *preemptionPlan {
	victims := s.store.PodsByNode(node.ID)
	victims = slices.DeleteFunc(victims, func(p *types.Pod) bool {
		return p.Priority >= pod.Priority
	})
	slices.SortFunc(victims, func(a, b *types.Pod) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return strings.Compare(a.ID, b.ID)
	})

	free := node.Free()
	plan := &preemptionPlan{node: node}
	for _, victim := range victims {
		if pod.Requests.Fits(free) {
			break
		}
		free = free.Add(victim.Requests)
		plan.victims = append(plan.victims, victim)
		plan.summedPriority += victim.Priority
	}
	if !pod.Requests.Fits(free) || len(plan.victims) == 0 {
		return nil
	}
	return plan
}

func planLess(a, b *preemptionPlan) bool {
	if len(a.victims) != len(b.victims) {
		return len(a.victims) < len(b.victims)
	}
	if a.summedPriority != b.summedPriority {
		return a.summedPriority < b.summedPriority
	}
	return a.node.ID < b.node.ID
}
