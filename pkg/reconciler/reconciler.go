package reconciler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/musterhq/muster/pkg/config"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/scheduler"
	"github.com/musterhq/muster/pkg/state"
	"github.com/musterhq/muster/pkg/types"
)

// Reconciler drives observed state toward desired state: node
// liveness, lost-node eviction, pending-pod placement, and per-service
// replica counts including rolling updates.
type Reconciler struct {
	store     *state.Store
	sched     *scheduler.Scheduler
	commander scheduler.Commander
	cfg       config.ReconcilerConfig

	// pingInterval anchors the node liveness thresholds: unhealthy
	// after 2x without a heartbeat, offline after 4x.
	pingInterval time.Duration

	logger   zerolog.Logger
	now      func() time.Time
	trigger  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	started  bool
}

// New creates a reconciler. The commander may be nil, in which case
// stop commands are skipped (state still converges).
func New(store *state.Store, sched *scheduler.Scheduler, commander scheduler.Commander,
	cfg config.ReconcilerConfig, pingInterval time.Duration) *Reconciler {
	return &Reconciler{
		store:        store,
		sched:        sched,
		commander:    commander,
		cfg:          cfg,
		pingInterval: pingInterval,
		logger:       log.WithComponent("reconciler"),
		now:          time.Now,
		trigger:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start begins the reconcile loop.
func (r *Reconciler) Start() {
	r.started = true
	go r.run()
}

// Stop cancels the loop; an in-flight tick finishes its current service
// and returns. Idempotent.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	if r.started {
		<-r.doneCh
	}
}

// Poke requests an immediate reconcile pass without waiting for the
// next tick. Used when a node joins or a service changes.
func (r *Reconciler) Poke() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Reconciler) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		case <-r.trigger:
		}
		r.ReconcileOnce()
	}
}

// ReconcileOnce runs a single full pass. Exposed so callers can force
// convergence synchronously.
func (r *Reconciler) ReconcileOnce() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
	metrics.ReconciliationCyclesTotal.Inc()

	r.checkNodeLiveness()
	r.evictLostPods()
	r.placePendingPods()

	for _, svc := range r.store.ListServices() {
		select {
		case <-r.stopCh:
			return
		default:
		}
		r.reconcileService(svc)
	}

	r.sweepTerminatingNamespaces()
	r.updateGauges()
}

// checkNodeLiveness demotes nodes by heartbeat age: unhealthy past 2x
// the ping interval, offline past 4x.
func (r *Reconciler) checkNodeLiveness() {
	if r.pingInterval <= 0 {
		return
	}
	now := r.now()
	for _, node := range r.store.ListNodes() {
		if node.Status == types.NodeStatusOffline {
			continue
		}
		age := now.Sub(node.LastHeartbeatAt)
		switch {
		case age > 4*r.pingInterval:
			r.logger.Warn().Str("node_id", node.ID).Dur("heartbeat_age", age).
				Msg("node lost, marking offline")
			if err := r.store.SetNodeStatus(node.ID, types.NodeStatusOffline); err != nil {
				r.logger.Error().Err(err).Str("node_id", node.ID).Msg("failed to mark node offline")
			}
		case age > 2*r.pingInterval && node.Status == types.NodeStatusOnline:
			if err := r.store.SetNodeStatus(node.ID, types.NodeStatusUnhealthy); err != nil {
				r.logger.Error().Err(err).Str("node_id", node.ID).Msg("failed to mark node unhealthy")
			}
		}
	}
}

// evictLostPods marks every non-terminal pod on an offline or draining
// node evicted so placement picks it up again on a healthy node.
func (r *Reconciler) evictLostPods() {
	for _, node := range r.store.ListNodes() {
		if node.Status != types.NodeStatusOffline && node.Status != types.NodeStatusDraining {
			continue
		}
		for _, pod := range r.store.PodsByNode(node.ID) {
			if pod.Status == types.PodStatusPending {
				continue
			}
			if _, err := r.store.TransitionPod(pod.ID, types.PodActionEvict, string(types.CodeNodeLost)); err != nil {
				r.logger.Error().Err(err).Str("pod_id", pod.ID).Msg("failed to evict pod from lost node")
			}
		}
	}
}

// placePendingPods asks the scheduler to place every pending pod,
// highest priority first. Capacity failures burn one attempt from the
// pod's budget; pods over budget are failed as unschedulable.
func (r *Reconciler) placePendingPods() {
	for _, pod := range r.store.PendingPods() {
		select {
		case <-r.stopCh:
			return
		default:
		}
		r.placePod(pod.ID)
	}
}

// placePod runs one placement attempt for a pending pod.
func (r *Reconciler) placePod(podID string) {
	_, err := r.sched.Schedule(podID)
	if err == nil {
		return
	}
	if !types.Retryable(err) {
		r.logger.Error().Err(err).Str("pod_id", podID).Msg("placement failed")
		return
	}

	attempts, recErr := r.store.RecordScheduleFailure(podID, err.Error())
	if recErr != nil {
		r.logger.Error().Err(recErr).Str("pod_id", podID).Msg("failed to record placement failure")
		return
	}
	if attempts >= r.cfg.MaxScheduleAttempts {
		r.logger.Warn().Str("pod_id", podID).Int("attempts", attempts).
			Msg("placement budget exhausted, failing pod")
		metrics.PodsFailed.Inc()
		if _, err := r.store.TransitionPod(podID, types.PodActionFail, string(types.CodeUnschedulable)); err != nil {
			r.logger.Error().Err(err).Str("pod_id", podID).Msg("failed to fail unschedulable pod")
		}
	}
}

// sweepTerminatingNamespaces winds down namespaces waiting to die:
// their services are marked deleting and the namespace is removed once
// nothing references it.
func (r *Reconciler) sweepTerminatingNamespaces() {
	for _, ns := range r.store.ListNamespaces() {
		if ns.Phase != types.NamespaceTerminating {
			continue
		}
		for _, svc := range r.store.ListServices() {
			if svc.Namespace == ns.Name && svc.Status != types.ServiceStatusDeleting {
				if err := r.store.DeleteService(svc.ID); err != nil {
					r.logger.Error().Err(err).Str("service_id", svc.ID).Msg("failed to mark service deleting")
				}
			}
		}
		// Removes the namespace once it is empty; until then this keeps
		// it terminating, which is a no-op.
		if err := r.store.DeleteNamespace(ns.Name); err != nil {
			r.logger.Error().Err(err).Str("namespace", ns.Name).Msg("failed to sweep namespace")
		}
	}
}

func (r *Reconciler) updateGauges() {
	metrics.NodesTotal.Reset()
	for _, node := range r.store.ListNodes() {
		metrics.NodesTotal.WithLabelValues(string(node.Runtime), string(node.Status)).Inc()
	}
	metrics.PodsTotal.Reset()
	for _, pod := range r.store.ListPods() {
		metrics.PodsTotal.WithLabelValues(string(pod.Status)).Inc()
	}
	metrics.ServicesTotal.Set(float64(len(r.store.ListServices())))
	metrics.PacksTotal.Set(float64(len(r.store.ListPacks())))
}

// stopPodOnNode sends the stop command when a commander is wired.
func (r *Reconciler) stopPodOnNode(nodeID, podID, reason string, graceful bool) {
	if r.commander == nil || nodeID == "" {
		return
	}
	if err := r.commander.StopPod(nodeID, podID, reason, graceful); err != nil {
		r.logger.Warn().Err(err).Str("pod_id", podID).Msg("failed to send stop command")
	}
}
