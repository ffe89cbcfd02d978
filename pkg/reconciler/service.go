package reconciler

import (
	"maps"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/musterhq/muster/pkg/state"
	"github.com/musterhq/muster/pkg/types"
)

// TemplateHashLabel is stamped on every pod the reconciler creates so a
// later template change makes existing pods out of date even when the
// pack version is unchanged.
const TemplateHashLabel = "muster.io/template-hash"

// reconcileService converges one service: scale up, scale down, rolling
// replacement, observed counters. Deleting services are torn down
// instead.
func (r *Reconciler) reconcileService(svc *types.Service) {
	switch svc.Status {
	case types.ServiceStatusDeleting:
		r.teardownService(svc)
		return
	case types.ServiceStatusPaused:
		r.updateCounters(svc)
		return
	}

	desired := r.desiredReplicas(svc)
	observed := lo.Filter(r.store.PodsByService(svc.ID), func(p *types.Pod, _ int) bool {
		return !p.Status.Terminal()
	})

	upToDate := lo.Filter(observed, func(p *types.Pod, _ int) bool {
		return r.podUpToDate(p, svc)
	})
	outOfDate := lo.Filter(observed, func(p *types.Pod, _ int) bool {
		return !r.podUpToDate(p, svc)
	})

	// During a rolling replacement the service may run above the desired
	// count, bounded by maxSurge.
	allowedTotal := desired
	if len(outOfDate) > 0 {
		allowedTotal += svc.Strategy.MaxSurge
	}

	// Bring up pods at the target version while both the up-to-date
	// count and the surge bound allow it.
	missing := desired - len(upToDate)
	headroom := allowedTotal - len(observed)
	for i := 0; i < min(missing, max(headroom, 0)); i++ {
		pod, err := r.createServicePod(svc)
		if err != nil {
			r.logger.Error().Err(err).
				Str("service_id", svc.ID).
				Msg("failed to create replacement pod")
			break
		}
		observed = append(observed, pod)
		upToDate = append(upToDate, pod)
		r.placePod(pod.ID)
	}

	// Shed surplus above the allowed total, out-of-date pods first.
	if surplus := len(observed) - allowedTotal; surplus > 0 {
		victims := scaleDownOrder(observed, svc)
		for _, victim := range victims[:min(surplus, len(victims))] {
			r.retirePod(victim, "scaled down")
		}
	}

	// Stop out-of-date pods only while enough pods stay running. A
	// non-running out-of-date pod never counts against availability.
	if len(outOfDate) > 0 {
		minAvailable := desired - svc.Strategy.MaxUnavailable
		running := lo.CountBy(observed, func(p *types.Pod) bool {
			return p.Status == types.PodStatusRunning
		})
		for _, old := range scaleDownOrder(outOfDate, svc) {
			if old.Status != types.PodStatusRunning {
				r.retirePod(old, "superseded by new version")
				continue
			}
			if running-1 < minAvailable {
				break
			}
			r.retirePod(old, "superseded by new version")
			running--
		}
	}

	r.updateCounters(svc)
}

// desiredReplicas resolves the target count. Daemon mode means one pod
// per schedulable node whose runtime can run the service's pack,
// recomputed every tick.
func (r *Reconciler) desiredReplicas(svc *types.Service) int {
	if !svc.DaemonMode() {
		return svc.Replicas
	}
	pack, err := r.store.GetPackByRef(svc.PackName, svc.PackVersion)
	if err != nil {
		r.logger.Error().Err(err).Str("service_id", svc.ID).
			Msg("daemon-mode service references an unknown pack")
		return 0
	}
	return lo.CountBy(r.store.SchedulableNodes(), func(n *types.Node) bool {
		return pack.Runtime.Compatible(n.Runtime)
	})
}

// podUpToDate reports whether a pod already matches the service's target
// version and template. Pods created before template stamping are
// judged on version alone.
func (r *Reconciler) podUpToDate(pod *types.Pod, svc *types.Service) bool {
	if pod.PackVersion != svc.PackVersion {
		return false
	}
	if stamped, ok := pod.Labels[TemplateHashLabel]; ok {
		return stamped == svc.TemplateHash
	}
	return true
}

// createServicePod stamps the service template onto a fresh pending pod.
func (r *Reconciler) createServicePod(svc *types.Service) (*types.Pod, error) {
	labels := maps.Clone(svc.Template.Labels)
	if labels == nil {
		labels = make(map[string]string, 1)
	}
	labels[TemplateHashLabel] = svc.TemplateHash

	return r.store.CreatePod(state.PodSpec{
		Namespace:     svc.Namespace,
		ServiceID:     svc.ID,
		PackName:      svc.PackName,
		PackVersion:   svc.PackVersion,
		PriorityClass: svc.Template.PriorityClass,
		Requests:      svc.Template.Requests,
		Limits:        svc.Template.Limits,
		Labels:        labels,
		Tolerations:   svc.Template.Tolerations,
		NodeSelector:  svc.Template.NodeSelector,
		Env:           svc.Template.Env,
		CreatedBy:     "reconciler",
	})
}

// retirePod removes one pod from service: pending pods are deleted
// outright, running pods get a graceful stop, anything else placed is
// evicted. Stops already in flight are left alone.
func (r *Reconciler) retirePod(pod *types.Pod, reason string) {
	switch pod.Status {
	case types.PodStatusPending:
		if err := r.store.RemovePod(pod.ID); err != nil {
			r.logger.Error().Err(err).Str("pod_id", pod.ID).Msg("failed to remove pending pod")
		}
	case types.PodStatusRunning:
		if _, err := r.store.TransitionPod(pod.ID, types.PodActionStop, reason); err != nil {
			r.logger.Error().Err(err).Str("pod_id", pod.ID).Msg("failed to stop pod")
			return
		}
		r.stopPodOnNode(pod.NodeID, pod.ID, reason, true)
	case types.PodStatusScheduled, types.PodStatusStarting:
		if _, err := r.store.TransitionPod(pod.ID, types.PodActionEvict, reason); err != nil {
			r.logger.Error().Err(err).Str("pod_id", pod.ID).Msg("failed to evict pod")
			return
		}
		r.stopPodOnNode(pod.NodeID, pod.ID, reason, false)
	}
}

// scaleDownOrder ranks pods most-expendable first: out-of-date before
// current, then lowest priority, then youngest, then id.
func scaleDownOrder(pods []*types.Pod, svc *types.Service) []*types.Pod {
	ranked := slices.Clone(pods)
	slices.SortFunc(ranked, func(a, b *types.Pod) int {
		aCurrent := a.PackVersion == svc.PackVersion
		bCurrent := b.PackVersion == svc.PackVersion
		if aCurrent != bCurrent {
			if !aCurrent {
				return -1
			}
			return 1
		}
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return ranked
}

// teardownService retires every pod the service still owns, then drops
// the service record once nothing references it.
func (r *Reconciler) teardownService(svc *types.Service) {
	pods := r.store.PodsByService(svc.ID)
	for _, pod := range pods {
		if pod.Status.Terminal() {
			if err := r.store.RemovePod(pod.ID); err != nil {
				r.logger.Error().Err(err).Str("pod_id", pod.ID).Msg("failed to remove terminal pod")
			}
			continue
		}
		r.retirePod(pod, "service deleted")
	}
	if len(r.store.PodsByService(svc.ID)) == 0 {
		if err := r.store.RemoveService(svc.ID); err != nil {
			r.logger.Error().Err(err).Str("service_id", svc.ID).Msg("failed to remove service")
		}
	}
}

// updateCounters refreshes the observed replica counters: ready counts
// running pods at the target version, available counts running pods of
// any version, updated counts non-terminal pods at the target version.
func (r *Reconciler) updateCounters(svc *types.Service) {
	var ready, available, updated int
	for _, pod := range r.store.PodsByService(svc.ID) {
		if pod.Status.Terminal() {
			continue
		}
		current := pod.PackVersion == svc.PackVersion
		if pod.Status == types.PodStatusRunning {
			available++
			if current {
				ready++
			}
		}
		if current {
			updated++
		}
	}
	if err := r.store.SetServiceCounters(svc.ID, ready, available, updated); err != nil {
		r.logger.Error().Err(err).Str("service_id", svc.ID).Msg("failed to update service counters")
	}
}
