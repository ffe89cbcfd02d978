package scheduler

import (
	"slices"
	"strings"

	"github.com/musterhq/muster/pkg/config"
	"github.com/musterhq/muster/pkg/types"
)

// filter splits schedulable nodes into candidates that can take the pod
// now and nodes that fail only on resources. The latter are the
// preemption frontier: everything else about them fits.
func (s *Scheduler) filter(pod *types.Pod, pack *types.Pack, nodes []*types.Node) (candidates, starved []*types.Node) {
	for _, node := range nodes {
		if !node.Schedulable() {
			continue
		}
		if !pack.Runtime.Compatible(node.Runtime) {
			continue
		}
		if !selectorMatches(pod.NodeSelector, node.Labels) {
			continue
		}
		if !taintsTolerated(node.Taints, pod.Tolerations) {
			continue
		}
		if !pod.Requests.Fits(node.Free()) {
			starved = append(starved, node)
			continue
		}
		candidates = append(candidates, node)
	}
	return candidates, starved
}

// selectorMatches reports whether every selector pair appears in the
// node's labels.
func selectorMatches(selector, labels map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// taintsTolerated reports whether the pod tolerates every NoSchedule
// taint on the node.
func taintsTolerated(taints []types.Taint, tolerations []types.Toleration) bool {
	for _, taint := range taints {
		if taint.Effect != types.TaintEffectNoSchedule {
			continue
		}
		tolerated := false
		for _, tol := range tolerations {
			if tol.Tolerates(taint) {
				tolerated = true
				break
			}
		}
		if !tolerated {
			return false
		}
	}
	return true
}

// rank orders candidates best-first by the configured policy, with
// node id as the deterministic tie-break.
func (s *Scheduler) rank(candidates []*types.Node, pod *types.Pod) []*types.Node {
	scores := make(map[string]float64, len(candidates))
	for _, node := range candidates {
		scores[node.ID] = s.score(node, pod)
	}

	ranked := slices.Clone(candidates)
	slices.SortFunc(ranked, func(a, b *types.Node) int {
		if scores[a.ID] != scores[b.ID] {
			if scores[a.ID] > scores[b.ID] {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return ranked
}

// score rates one node for one pod. Spread prefers emptier nodes;
// binpack prefers nodes that end up fullest after placement.
func (s *Scheduler) score(node *types.Node, pod *types.Pod) float64 {
	switch s.cfg.Policy {
	case config.ScoreBinpack:
		after := node.Allocated.Add(pod.Requests)
		return utilization(after, node.Allocatable)
	default: // spread
		return 1.0 / float64(1+node.Allocated.Pods)
	}
}

// utilization averages the used fraction across the dimensions the node
// actually allocates.
func utilization(used, allocatable types.Resources) float64 {
	var sum float64
	var dims int
	for _, pair := range [][2]int64{
		{used.CPU, allocatable.CPU},
		{used.Memory, allocatable.Memory},
		{used.Pods, allocatable.Pods},
	} {
		if pair[1] > 0 {
			sum += float64(pair[0]) / float64(pair[1])
			dims++
		}
	}
	if dims == 0 {
		return 0
	}
	return sum / float64(dims)
}
