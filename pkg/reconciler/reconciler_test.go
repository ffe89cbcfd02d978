package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhq/muster/pkg/config"
	"github.com/musterhq/muster/pkg/scheduler"
	"github.com/musterhq/muster/pkg/state"
	"github.com/musterhq/muster/pkg/types"
)

type command struct {
	kind   string // deploy | stop
	nodeID string
	podID  string
}

type recordingCommander struct {
	commands []command
}

func (c *recordingCommander) DeployPod(nodeID string, pod *types.Pod) error {
	c.commands = append(c.commands, command{"deploy", nodeID, pod.ID})
	return nil
}

func (c *recordingCommander) StopPod(nodeID, podID, reason string, graceful bool) error {
	c.commands = append(c.commands, command{"stop", nodeID, podID})
	return nil
}

func newFixture(t *testing.T) (*state.Store, *Reconciler, *recordingCommander) {
	t.Helper()
	store, err := state.NewStore()
	require.NoError(t, err)

	commander := &recordingCommander{}
	sched := scheduler.New(store, config.SchedulerConfig{
		Policy:        config.ScoreSpread,
		CommitRetries: 3,
	}, commander)
	rec := New(store, sched, commander, config.ReconcilerConfig{
		Interval:            time.Hour,
		MaxScheduleAttempts: 5,
	}, 30*time.Second)
	return store, rec, commander
}

func registerPack(t *testing.T, store *state.Store, name, version string, runtime types.RuntimeKind) *types.Pack {
	t.Helper()
	pack, err := store.RegisterPack(state.PackSpec{Name: name, Version: version, Runtime: runtime})
	require.NoError(t, err)
	return pack
}

func addNode(t *testing.T, store *state.Store, name string, runtime types.RuntimeKind) *types.Node {
	t.Helper()
	node, err := store.AddNode(state.NodeSpec{
		Name:        name,
		Runtime:     runtime,
		Allocatable: types.Resources{CPU: 1000, Memory: 1024, Pods: 10},
	})
	require.NoError(t, err)
	return node
}

func createService(t *testing.T, store *state.Store, replicas int, strategy types.UpdateStrategy) *types.Service {
	t.Helper()
	svc, err := store.CreateService(state.ServiceSpec{
		Name:        "web",
		PackName:    "p",
		PackVersion: "1.0.0",
		Replicas:    replicas,
		Strategy:    strategy,
		Template: types.PodTemplate{
			Requests: types.Resources{CPU: 100, Memory: 128},
		},
	})
	require.NoError(t, err)
	return svc
}

// markRunning walks a scheduled pod through starting into running, as a
// node's status updates would.
func markRunning(t *testing.T, store *state.Store, podID string) {
	t.Helper()
	_, err := store.TransitionPod(podID, types.PodActionStart, "")
	require.NoError(t, err)
	_, err = store.TransitionPod(podID, types.PodActionRun, "")
	require.NoError(t, err)
}

func livePods(store *state.Store, serviceID string) []*types.Pod {
	var out []*types.Pod
	for _, p := range store.PodsByService(serviceID) {
		if !p.Status.Terminal() {
			out = append(out, p)
		}
	}
	return out
}

func TestScaleUpToDesired(t *testing.T) {
	store, rec, _ := newFixture(t)
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	addNode(t, store, "n1", types.RuntimeNative)
	addNode(t, store, "n2", types.RuntimeNative)
	svc := createService(t, store, 3, types.UpdateStrategy{})

	rec.ReconcileOnce()

	pods := livePods(store, svc.ID)
	require.Len(t, pods, 3)
	for _, pod := range pods {
		assert.Equal(t, types.PodStatusScheduled, pod.Status)
		assert.NotEmpty(t, pod.NodeID)
	}
}

func TestNodeLossReschedulesPods(t *testing.T) {
	store, rec, _ := newFixture(t)
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	n1 := addNode(t, store, "n1", types.RuntimeNative)
	n2 := addNode(t, store, "n2", types.RuntimeNative)
	svc := createService(t, store, 3, types.UpdateStrategy{})

	rec.ReconcileOnce()
	for _, pod := range livePods(store, svc.ID) {
		markRunning(t, store, pod.ID)
	}

	require.NoError(t, store.SetNodeStatus(n1.ID, types.NodeStatusOffline))
	rec.ReconcileOnce()

	// Pods stranded on n1 are evicted; replacements land on n2.
	for _, pod := range store.PodsByService(svc.ID) {
		if pod.NodeID == n1.ID {
			assert.Equal(t, types.PodStatusEvicted, pod.Status)
		}
	}
	rec.ReconcileOnce()

	pods := livePods(store, svc.ID)
	require.Len(t, pods, 3)
	for _, pod := range pods {
		assert.Equal(t, n2.ID, pod.NodeID)
	}
}

func TestDaemonModeOnePodPerCompatibleNode(t *testing.T) {
	store, rec, _ := newFixture(t)
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	addNode(t, store, "n1", types.RuntimeNative)
	addNode(t, store, "n2", types.RuntimeNative)
	addNode(t, store, "browser", types.RuntimeBrowser)
	svc := createService(t, store, 0, types.UpdateStrategy{})

	rec.ReconcileOnce()
	assert.Len(t, livePods(store, svc.ID), 2)

	// A new compatible node raises the daemon count on the next tick.
	addNode(t, store, "n3", types.RuntimeNative)
	rec.ReconcileOnce()
	assert.Len(t, livePods(store, svc.ID), 3)
}

func TestSteadyStateIsNoOp(t *testing.T) {
	store, rec, commander := newFixture(t)
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	addNode(t, store, "n1", types.RuntimeNative)
	svc := createService(t, store, 2, types.UpdateStrategy{})

	rec.ReconcileOnce()
	for _, pod := range livePods(store, svc.ID) {
		markRunning(t, store, pod.ID)
	}
	rec.ReconcileOnce() // settles counters

	before := store.PodsByService(svc.ID)
	sent := len(commander.commands)

	rec.ReconcileOnce()

	after := store.PodsByService(svc.ID)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Status, after[i].Status)
		assert.Equal(t, before[i].NodeID, after[i].NodeID)
	}
	assert.Len(t, commander.commands, sent)
}

func TestScaleDownPrefersLowestPriorityThenYoungest(t *testing.T) {
	store, rec, _ := newFixture(t)
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	addNode(t, store, "n1", types.RuntimeNative)
	svc := createService(t, store, 3, types.UpdateStrategy{})

	rec.ReconcileOnce()
	pods := livePods(store, svc.ID)
	require.Len(t, pods, 3)
	for _, pod := range pods {
		markRunning(t, store, pod.ID)
	}

	_, err := store.UpdateService(svc.ID, state.ServiceUpdate{Replicas: intPtr(2)})
	require.NoError(t, err)
	rec.ReconcileOnce()

	remaining := 0
	for _, pod := range store.PodsByService(svc.ID) {
		if pod.Status == types.PodStatusRunning {
			remaining++
		}
	}
	assert.Equal(t, 2, remaining)
}

func TestRollingUpdateHonorsSurgeAndAvailability(t *testing.T) {
	store, rec, _ := newFixture(t)
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	registerPack(t, store, "p", "2.0.0", types.RuntimeNative)
	addNode(t, store, "n1", types.RuntimeNative)
	addNode(t, store, "n2", types.RuntimeNative)
	svc := createService(t, store, 3, types.UpdateStrategy{MaxSurge: 1, MaxUnavailable: 0})

	rec.ReconcileOnce()
	for _, pod := range livePods(store, svc.ID) {
		markRunning(t, store, pod.ID)
	}

	_, err := store.UpdateService(svc.ID, state.ServiceUpdate{PackVersion: strPtr("2.0.0")})
	require.NoError(t, err)

	// Drive ticks until convergence, checking the bounds at every step.
	for tick := 0; tick < 20; tick++ {
		rec.ReconcileOnce()

		pods := livePods(store, svc.ID)
		assert.LessOrEqual(t, len(pods), 4, "surge bound exceeded")
		running := 0
		for _, pod := range pods {
			if pod.Status == types.PodStatusRunning {
				running++
			}
		}
		assert.GreaterOrEqual(t, running, 3, "availability bound broken")

		// Node-side progress: scheduled pods come up, stopping pods die.
		converged := true
		for _, pod := range store.PodsByService(svc.ID) {
			switch pod.Status {
			case types.PodStatusScheduled:
				markRunning(t, store, pod.ID)
				converged = false
			case types.PodStatusStopping:
				_, err := store.TransitionPod(pod.ID, types.PodActionStopped, "")
				require.NoError(t, err)
				converged = false
			}
		}
		current, err := store.GetService(svc.ID)
		require.NoError(t, err)
		if converged && current.ReadyReplicas == 3 {
			break
		}
	}

	pods := livePods(store, svc.ID)
	require.Len(t, pods, 3)
	for _, pod := range pods {
		assert.Equal(t, "2.0.0", pod.PackVersion)
		assert.Equal(t, types.PodStatusRunning, pod.Status)
	}
}

func TestPlacementBudgetFailsPod(t *testing.T) {
	store, rec, _ := newFixture(t)
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	// No nodes at all: every placement attempt fails on capacity.
	pod, err := store.CreatePod(state.PodSpec{
		PackName:    "p",
		PackVersion: "1.0.0",
		Requests:    types.Resources{CPU: 100, Memory: 128},
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		rec.ReconcileOnce()
	}

	failed, err := store.GetPod(pod.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PodStatusFailed, failed.Status)
	assert.Equal(t, string(types.CodeUnschedulable), failed.StatusMessage)
}

func TestNodeLivenessDemotion(t *testing.T) {
	store, rec, _ := newFixture(t)
	node := addNode(t, store, "n1", types.RuntimeNative)

	base := time.Now()
	rec.now = func() time.Time { return base.Add(70 * time.Second) }
	rec.ReconcileOnce()
	got, err := store.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusUnhealthy, got.Status)

	rec.now = func() time.Time { return base.Add(150 * time.Second) }
	rec.ReconcileOnce()
	got, err = store.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOffline, got.Status)

	// A heartbeat from an unhealthy node recovers it; offline needs an
	// explicit reconnect path, which re-registers through the manager.
	require.NoError(t, store.SetNodeStatus(node.ID, types.NodeStatusUnhealthy))
	require.NoError(t, store.ProcessHeartbeat(node.ID, types.Resources{}, rec.now()))
	got, err = store.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, got.Status)
}

func TestDeletingServiceTearsDownPods(t *testing.T) {
	store, rec, commander := newFixture(t)
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	addNode(t, store, "n1", types.RuntimeNative)
	svc := createService(t, store, 2, types.UpdateStrategy{})

	rec.ReconcileOnce()
	for _, pod := range livePods(store, svc.ID) {
		markRunning(t, store, pod.ID)
	}

	require.NoError(t, store.DeleteService(svc.ID))
	rec.ReconcileOnce()

	stops := 0
	for _, cmd := range commander.commands {
		if cmd.kind == "stop" {
			stops++
		}
	}
	assert.Equal(t, 2, stops)

	// Node reports the stops; the next tick removes the service.
	for _, pod := range store.PodsByService(svc.ID) {
		if pod.Status == types.PodStatusStopping {
			_, err := store.TransitionPod(pod.ID, types.PodActionStopped, "")
			require.NoError(t, err)
		}
	}
	rec.ReconcileOnce()
	rec.ReconcileOnce()

	_, err := store.GetService(svc.ID)
	assert.True(t, types.IsCode(err, types.CodeServiceNotFound))
}

func TestCountersTrackObservedState(t *testing.T) {
	store, rec, _ := newFixture(t)
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	addNode(t, store, "n1", types.RuntimeNative)
	svc := createService(t, store, 2, types.UpdateStrategy{})

	rec.ReconcileOnce()
	pods := livePods(store, svc.ID)
	require.Len(t, pods, 2)
	markRunning(t, store, pods[0].ID)
	rec.ReconcileOnce()

	got, err := store.GetService(svc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ReadyReplicas)
	assert.Equal(t, 1, got.AvailableReplicas)
	assert.Equal(t, 2, got.UpdatedReplicas)
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
