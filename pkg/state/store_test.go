package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhq/muster/pkg/storage"
	"github.com/musterhq/muster/pkg/types"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(opts...)
	require.NoError(t, err)
	return s
}

// registerPack is a test helper for the common pack setup.
func registerPack(t *testing.T, s *Store, name, version string, runtime types.RuntimeKind) *types.Pack {
	t.Helper()
	pack, err := s.RegisterPack(PackSpec{Name: name, Version: version, Runtime: runtime})
	require.NoError(t, err)
	return pack
}

func addNode(t *testing.T, s *Store, name string, allocatable types.Resources) *types.Node {
	t.Helper()
	node, err := s.AddNode(NodeSpec{
		Name:        name,
		Runtime:     types.RuntimeNative,
		Allocatable: allocatable,
	})
	require.NoError(t, err)
	return node
}

func TestAddNodeRejectsDuplicateName(t *testing.T) {
	s := newTestStore(t)

	addNode(t, s, "edge-a", types.Resources{CPU: 1000, Memory: 1024, Pods: 10})

	_, err := s.AddNode(NodeSpec{Name: "edge-a", Runtime: types.RuntimeNative})
	assert.True(t, types.IsCode(err, types.CodeNameTaken))
}

func TestHeartbeatRecoversUnhealthyNode(t *testing.T) {
	s := newTestStore(t)
	node := addNode(t, s, "edge-a", types.Resources{CPU: 1000, Memory: 1024, Pods: 10})

	require.NoError(t, s.SetNodeStatus(node.ID, types.NodeStatusUnhealthy))

	at := time.Now().UTC()
	require.NoError(t, s.ProcessHeartbeat(node.ID, types.Resources{}, at))

	got, err := s.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, got.Status)
	assert.Equal(t, at, got.LastHeartbeatAt)
}

func TestDrainAndUncordon(t *testing.T) {
	s := newTestStore(t)
	node := addNode(t, s, "edge-a", types.Resources{CPU: 1000, Memory: 1024, Pods: 10})

	require.NoError(t, s.DrainNode(node.ID))
	got, err := s.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusDraining, got.Status)
	assert.False(t, got.Schedulable())
	assert.Empty(t, s.SchedulableNodes())

	require.NoError(t, s.UncordonNode(node.ID))
	got, err = s.GetNode(node.ID)
	require.NoError(t, err)
	assert.True(t, got.Schedulable())
}

func TestRegisterPackValidation(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name     string
		spec     PackSpec
		wantCode types.Code
	}{
		{
			name:     "bad semver",
			spec:     PackSpec{Name: "api", Version: "not-a-version", Runtime: types.RuntimeNative},
			wantCode: types.CodeValidation,
		},
		{
			name:     "missing name",
			spec:     PackSpec{Version: "1.0.0", Runtime: types.RuntimeNative},
			wantCode: types.CodeValidation,
		},
		{
			name:     "bad runtime",
			spec:     PackSpec{Name: "api", Version: "1.0.0", Runtime: "jvm"},
			wantCode: types.CodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.RegisterPack(tt.spec)
			assert.True(t, types.IsCode(err, tt.wantCode), "got %v", err)
		})
	}

	registerPack(t, s, "api", "1.0.0", types.RuntimeNative)
	_, err := s.RegisterPack(PackSpec{Name: "api", Version: "1.0.0", Runtime: types.RuntimeNative})
	assert.True(t, types.IsCode(err, types.CodeVersionExists))
}

func TestPackVersionsSortedNewestFirst(t *testing.T) {
	s := newTestStore(t)
	registerPack(t, s, "api", "1.0.0", types.RuntimeNative)
	registerPack(t, s, "api", "1.10.0", types.RuntimeNative)
	registerPack(t, s, "api", "1.2.0", types.RuntimeNative)

	versions := s.PackVersions("api")
	require.Len(t, versions, 3)
	assert.Equal(t, "1.10.0", versions[0].Version)
	assert.Equal(t, "1.2.0", versions[1].Version)
	assert.Equal(t, "1.0.0", versions[2].Version)
}

func TestRemovePackBlockedByPods(t *testing.T) {
	s := newTestStore(t)
	pack := registerPack(t, s, "api", "1.0.0", types.RuntimeNative)

	_, err := s.CreatePod(PodSpec{PackName: "api", PackVersion: "1.0.0"})
	require.NoError(t, err)

	err = s.RemovePack(pack.ID)
	assert.True(t, types.IsCode(err, types.CodeInvalidState))
}

func TestCreatePodErrors(t *testing.T) {
	s := newTestStore(t)
	registerPack(t, s, "api", "1.0.0", types.RuntimeNative)

	_, err := s.CreatePod(PodSpec{PackName: "worker", PackVersion: "1.0.0"})
	assert.True(t, types.IsCode(err, types.CodePackNotFound))

	_, err = s.CreatePod(PodSpec{PackName: "api", PackVersion: "2.0.0"})
	assert.True(t, types.IsCode(err, types.CodeVersionNotFound))

	_, err = s.CreatePod(PodSpec{Namespace: "missing", PackName: "api", PackVersion: "1.0.0"})
	assert.True(t, types.IsCode(err, types.CodeNamespaceMissing))
}

func TestNamespaceQuotaEnforced(t *testing.T) {
	s := newTestStore(t)
	registerPack(t, s, "api", "1.0.0", types.RuntimeNative)
	_, err := s.CreateNamespace("team-a", &types.Resources{CPU: 500, Memory: 512, Pods: 2}, nil)
	require.NoError(t, err)

	spec := PodSpec{
		Namespace:   "team-a",
		PackName:    "api",
		PackVersion: "1.0.0",
		Requests:    types.Resources{CPU: 300, Memory: 256},
	}
	pod1, err := s.CreatePod(spec)
	require.NoError(t, err)

	// Second pod would exceed the CPU quota.
	_, err = s.CreatePod(spec)
	assert.True(t, types.IsCode(err, types.CodeQuotaExceeded))

	// Terminal pods release their usage.
	_, err = s.TransitionPod(pod1.ID, types.PodActionFail, "boom")
	require.NoError(t, err)
	_, err = s.CreatePod(spec)
	assert.NoError(t, err)
}

func TestPriorityResolution(t *testing.T) {
	s := newTestStore(t)
	registerPack(t, s, "api", "1.0.0", types.RuntimeNative)
	_, err := s.CreatePriorityClass(types.PriorityClass{Name: "critical", Value: 1000})
	require.NoError(t, err)

	pod, err := s.CreatePod(PodSpec{PackName: "api", PackVersion: "1.0.0", PriorityClass: "critical"})
	require.NoError(t, err)
	assert.Equal(t, 1000, pod.Priority)

	// A missing class resolves to zero rather than failing the create.
	pod, err = s.CreatePod(PodSpec{PackName: "api", PackVersion: "1.0.0", PriorityClass: "absent"})
	require.NoError(t, err)
	assert.Equal(t, 0, pod.Priority)
}

func TestSchedulePodAccountsResources(t *testing.T) {
	s := newTestStore(t)
	registerPack(t, s, "api", "1.0.0", types.RuntimeNative)
	node := addNode(t, s, "edge-a", types.Resources{CPU: 1000, Memory: 1024, Pods: 10})

	pod, err := s.CreatePod(PodSpec{
		PackName:    "api",
		PackVersion: "1.0.0",
		Requests:    types.Resources{CPU: 200, Memory: 256},
	})
	require.NoError(t, err)

	scheduled, err := s.SchedulePod(pod.ID, node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PodStatusScheduled, scheduled.Status)
	assert.Equal(t, node.ID, scheduled.NodeID)

	got, err := s.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Resources{CPU: 200, Memory: 256, Pods: 1}, got.Allocated)

	// A second schedule of the same pod is invalid.
	_, err = s.SchedulePod(pod.ID, node.ID)
	assert.True(t, types.IsCode(err, types.CodeInvalidState))
}

func TestSchedulePodInsufficientResources(t *testing.T) {
	s := newTestStore(t)
	registerPack(t, s, "api", "1.0.0", types.RuntimeNative)
	node := addNode(t, s, "small", types.Resources{CPU: 100, Memory: 128, Pods: 1})

	pod, err := s.CreatePod(PodSpec{
		PackName:    "api",
		PackVersion: "1.0.0",
		Requests:    types.Resources{CPU: 500, Memory: 512},
	})
	require.NoError(t, err)

	_, err = s.SchedulePod(pod.ID, node.ID)
	assert.True(t, types.IsCode(err, types.CodeInsufficientResources))
}

func TestTransitionLifecycleReleasesAllocation(t *testing.T) {
	s := newTestStore(t)
	registerPack(t, s, "api", "1.0.0", types.RuntimeNative)
	node := addNode(t, s, "edge-a", types.Resources{CPU: 1000, Memory: 1024, Pods: 10})

	pod, err := s.CreatePod(PodSpec{
		PackName:    "api",
		PackVersion: "1.0.0",
		Requests:    types.Resources{CPU: 200, Memory: 256},
	})
	require.NoError(t, err)
	_, err = s.SchedulePod(pod.ID, node.ID)
	require.NoError(t, err)

	for _, action := range []types.PodAction{
		types.PodActionStart, types.PodActionRun, types.PodActionStop, types.PodActionStopped,
	} {
		_, err = s.TransitionPod(pod.ID, action, "")
		require.NoError(t, err)
	}

	got, err := s.GetNode(node.ID)
	require.NoError(t, err)
	assert.True(t, got.Allocated.IsZero(), "terminal pod must release its allocation")

	// Terminal is a sink.
	_, err = s.TransitionPod(pod.ID, types.PodActionStart, "")
	assert.True(t, types.IsCode(err, types.CodeInvalidTransition))

	history := s.History(pod.ID)
	require.NotEmpty(t, history)
	assert.Equal(t, types.HistoryCreated, history[0].Action)
	assert.Equal(t, types.HistoryStopped, history[len(history)-1].Action)
}

func TestInvalidTransitionFromPending(t *testing.T) {
	s := newTestStore(t)
	registerPack(t, s, "api", "1.0.0", types.RuntimeNative)

	pod, err := s.CreatePod(PodSpec{PackName: "api", PackVersion: "1.0.0"})
	require.NoError(t, err)

	_, err = s.TransitionPod(pod.ID, types.PodActionRun, "")
	assert.True(t, types.IsCode(err, types.CodeInvalidTransition))

	// Pending pods can still fail (placement gave up).
	_, err = s.TransitionPod(pod.ID, types.PodActionFail, "unschedulable")
	assert.NoError(t, err)
}

func TestPendingPodsOrdering(t *testing.T) {
	s := newTestStore(t)
	registerPack(t, s, "api", "1.0.0", types.RuntimeNative)

	low, err := s.CreatePod(PodSpec{PackName: "api", PackVersion: "1.0.0", Priority: 10})
	require.NoError(t, err)
	high, err := s.CreatePod(PodSpec{PackName: "api", PackVersion: "1.0.0", Priority: 100})
	require.NoError(t, err)

	pending := s.PendingPods()
	require.Len(t, pending, 2)
	assert.Equal(t, high.ID, pending[0].ID)
	assert.Equal(t, low.ID, pending[1].ID)
}

func TestApplyRollbackRecordsHistory(t *testing.T) {
	s := newTestStore(t)
	v1 := registerPack(t, s, "api", "1.0.0", types.RuntimeNative)
	registerPack(t, s, "api", "2.0.0", types.RuntimeNative)

	pod, err := s.CreatePod(PodSpec{PackName: "api", PackVersion: "2.0.0"})
	require.NoError(t, err)

	rolled, err := s.ApplyRollback(pod.ID, v1.ID, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", rolled.PackVersion)

	history := s.History(pod.ID)
	last := history[len(history)-1]
	assert.Equal(t, types.HistoryRolledBack, last.Action)
	assert.Equal(t, "2.0.0", last.Metadata["fromVersion"])
	assert.Equal(t, "1.0.0", last.Metadata["toVersion"])
}

func TestServiceLifecycle(t *testing.T) {
	s := newTestStore(t)
	registerPack(t, s, "api", "1.0.0", types.RuntimeNative)
	registerPack(t, s, "api", "2.0.0", types.RuntimeNative)

	svc, err := s.CreateService(ServiceSpec{
		Name:        "api",
		PackName:    "api",
		PackVersion: "1.0.0",
		Replicas:    3,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, svc.TemplateHash)

	// Duplicate name in the same namespace.
	_, err = s.CreateService(ServiceSpec{Name: "api", PackName: "api", PackVersion: "1.0.0", Replicas: 1})
	assert.True(t, types.IsCode(err, types.CodeNameTaken))

	// No-op version update is rejected.
	same := "1.0.0"
	_, err = s.UpdateService(svc.ID, ServiceUpdate{PackVersion: &same})
	assert.True(t, types.IsCode(err, types.CodeSameVersion))

	next := "2.0.0"
	updated, err := s.UpdateService(svc.ID, ServiceUpdate{PackVersion: &next})
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", updated.PackVersion)
	assert.NotEqual(t, svc.TemplateHash, updated.TemplateHash)

	require.NoError(t, s.DeleteService(svc.ID))
	got, err := s.GetService(svc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ServiceStatusDeleting, got.Status)

	require.NoError(t, s.RemoveService(svc.ID))
	_, err = s.GetService(svc.ID)
	assert.True(t, types.IsCode(err, types.CodeServiceNotFound))
}

func TestDeleteNamespaceReservedAndTerminating(t *testing.T) {
	s := newTestStore(t)
	registerPack(t, s, "api", "1.0.0", types.RuntimeNative)

	err := s.DeleteNamespace(types.DefaultNamespace)
	assert.True(t, types.IsCode(err, types.CodeValidation))

	_, err = s.CreateNamespace("team-a", nil, nil)
	require.NoError(t, err)
	_, err = s.CreatePod(PodSpec{Namespace: "team-a", PackName: "api", PackVersion: "1.0.0"})
	require.NoError(t, err)

	// Populated namespaces go terminating instead of vanishing.
	require.NoError(t, s.DeleteNamespace("team-a"))
	ns, err := s.GetNamespace("team-a")
	require.NoError(t, err)
	assert.Equal(t, types.NamespaceTerminating, ns.Phase)

	// Terminating namespaces accept no new pods.
	_, err = s.CreatePod(PodSpec{Namespace: "team-a", PackName: "api", PackVersion: "1.0.0"})
	assert.True(t, types.IsCode(err, types.CodeInvalidState))
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	backend, err := storage.NewBoltStore(dir)
	require.NoError(t, err)

	s := newTestStore(t, WithPersistence(backend))
	registerPack(t, s, "api", "1.0.0", types.RuntimeNative)
	node := addNode(t, s, "edge-a", types.Resources{CPU: 1000, Memory: 1024, Pods: 10})
	pod, err := s.CreatePod(PodSpec{
		PackName:    "api",
		PackVersion: "1.0.0",
		Requests:    types.Resources{CPU: 200, Memory: 256},
	})
	require.NoError(t, err)
	_, err = s.SchedulePod(pod.ID, node.ID)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	backend, err = storage.NewBoltStore(dir)
	require.NoError(t, err)
	reloaded := newTestStore(t, WithPersistence(backend))
	defer reloaded.Close()

	got, err := reloaded.GetPod(pod.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PodStatusScheduled, got.Status)
	assert.Equal(t, node.ID, got.NodeID)

	gotNode, err := reloaded.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Resources{CPU: 200, Memory: 256, Pods: 1}, gotNode.Allocated)

	history := reloaded.History(pod.ID)
	require.Len(t, history, 2)
	assert.Equal(t, types.HistoryCreated, history[0].Action)
	assert.Equal(t, types.HistoryScheduled, history[1].Action)
}

func TestReadsReturnCopies(t *testing.T) {
	s := newTestStore(t)
	registerPack(t, s, "api", "1.0.0", types.RuntimeNative)
	node := addNode(t, s, "edge-a", types.Resources{CPU: 1000, Memory: 1024, Pods: 10})

	got, err := s.GetNode(node.ID)
	require.NoError(t, err)
	got.Name = "mutated"
	got.Allocated = types.Resources{CPU: 999}

	again, err := s.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, "edge-a", again.Name)
	assert.True(t, again.Allocated.IsZero())
}
