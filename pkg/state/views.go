package state

import (
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/musterhq/muster/pkg/types"
)

// Read views. Each one takes the read lock once and returns deep
// copies, so callers see a consistent snapshot that no later mutation
// can disturb.

// ListNodes returns all nodes, ordered by id.
func (s *Store) ListNodes() []*types.Node {
	s.mu.RLock()
	nodes := lo.MapToSlice(s.nodes, func(_ string, n *types.Node) *types.Node {
		return cloneNode(n)
	})
	s.mu.RUnlock()

	slices.SortFunc(nodes, func(a, b *types.Node) int {
		return strings.Compare(a.ID, b.ID)
	})
	return nodes
}

// SchedulableNodes returns the nodes currently accepting pods, ordered
// by id.
func (s *Store) SchedulableNodes() []*types.Node {
	return lo.Filter(s.ListNodes(), func(n *types.Node, _ int) bool {
		return n.Schedulable()
	})
}

// ListPods returns all pods, ordered by creation time then id.
func (s *Store) ListPods() []*types.Pod {
	s.mu.RLock()
	pods := lo.MapToSlice(s.pods, func(_ string, p *types.Pod) *types.Pod {
		return clonePod(p)
	})
	s.mu.RUnlock()

	sortPodsByAge(pods)
	return pods
}

// PendingPods returns pods awaiting placement, highest priority first
// and oldest first within a priority.
func (s *Store) PendingPods() []*types.Pod {
	s.mu.RLock()
	pods := lo.FilterMap(lo.Values(s.pods), func(p *types.Pod, _ int) (*types.Pod, bool) {
		return clonePod(p), p.Status == types.PodStatusPending
	})
	s.mu.RUnlock()

	slices.SortFunc(pods, func(a, b *types.Pod) int {
		if a.Priority != b.Priority {
			if a.Priority > b.Priority {
				return -1
			}
			return 1
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return pods
}

// PodsByNode returns the non-terminal pods placed on a node.
func (s *Store) PodsByNode(nodeID string) []*types.Pod {
	s.mu.RLock()
	pods := lo.FilterMap(lo.Values(s.pods), func(p *types.Pod, _ int) (*types.Pod, bool) {
		return clonePod(p), p.NodeID == nodeID && !p.Status.Terminal()
	})
	s.mu.RUnlock()

	sortPodsByAge(pods)
	return pods
}

// PodsByService returns all pods owned by a service, terminal included.
func (s *Store) PodsByService(serviceID string) []*types.Pod {
	s.mu.RLock()
	pods := lo.FilterMap(lo.Values(s.pods), func(p *types.Pod, _ int) (*types.Pod, bool) {
		return clonePod(p), p.ServiceID == serviceID
	})
	s.mu.RUnlock()

	sortPodsByAge(pods)
	return pods
}

// ListServices returns all services, ordered by namespace then name.
func (s *Store) ListServices() []*types.Service {
	s.mu.RLock()
	services := lo.MapToSlice(s.services, func(_ string, svc *types.Service) *types.Service {
		return cloneService(svc)
	})
	s.mu.RUnlock()

	slices.SortFunc(services, func(a, b *types.Service) int {
		if a.Namespace != b.Namespace {
			return strings.Compare(a.Namespace, b.Namespace)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return services
}

// ListPacks returns all registered pack versions, ordered by name then
// newest version first.
func (s *Store) ListPacks() []*types.Pack {
	s.mu.RLock()
	packs := lo.MapToSlice(s.packs, func(_ string, p *types.Pack) *types.Pack {
		return clonePack(p)
	})
	s.mu.RUnlock()

	byName := lo.GroupBy(packs, func(p *types.Pack) string { return p.Name })
	names := lo.Keys(byName)
	slices.Sort(names)

	out := make([]*types.Pack, 0, len(packs))
	for _, name := range names {
		group := byName[name]
		sortPacksByVersion(group)
		out = append(out, group...)
	}
	return out
}

// ListNamespaces returns all namespaces, ordered by name.
func (s *Store) ListNamespaces() []*types.Namespace {
	s.mu.RLock()
	namespaces := lo.MapToSlice(s.namespaces, func(_ string, ns *types.Namespace) *types.Namespace {
		return cloneNamespace(ns)
	})
	s.mu.RUnlock()

	slices.SortFunc(namespaces, func(a, b *types.Namespace) int {
		return strings.Compare(a.Name, b.Name)
	})
	return namespaces
}

// ListPriorityClasses returns all priority classes, ordered by name.
func (s *Store) ListPriorityClasses() []*types.PriorityClass {
	s.mu.RLock()
	classes := lo.MapToSlice(s.priorityClasses, func(_ string, pc *types.PriorityClass) *types.PriorityClass {
		out := *pc
		return &out
	})
	s.mu.RUnlock()

	slices.SortFunc(classes, func(a, b *types.PriorityClass) int {
		return strings.Compare(a.Name, b.Name)
	})
	return classes
}

func sortPodsByAge(pods []*types.Pod) {
	slices.SortFunc(pods, func(a, b *types.Pod) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

