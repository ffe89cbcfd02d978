package storage

import (
	"testing"
	"time"

	"github.com/musterhq/muster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNodeRoundTrip(t *testing.T) {
	store := newTestStore(t)

	node := &types.Node{
		ID:          "node-1",
		Name:        "edge-a",
		Runtime:     types.RuntimeNative,
		Allocatable: types.Resources{CPU: 1000, Memory: 1024, Pods: 10},
		Status:      types.NodeStatusOnline,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.SaveNode(node))

	nodes, err := store.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "edge-a", nodes[0].Name)
	assert.Equal(t, int64(1000), nodes[0].Allocatable.CPU)

	// upsert
	node.Status = types.NodeStatusDraining
	require.NoError(t, store.SaveNode(node))
	nodes, err = store.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, types.NodeStatusDraining, nodes[0].Status)

	require.NoError(t, store.DeleteNode("node-1"))
	nodes, err = store.ListNodes()
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestPodAndServiceRoundTrip(t *testing.T) {
	store := newTestStore(t)

	pod := &types.Pod{
		ID:          "pod-1",
		Namespace:   "default",
		PackID:      "pack-1",
		PackName:    "api",
		PackVersion: "1.0.0",
		Status:      types.PodStatusPending,
		Requests:    types.Resources{CPU: 200, Memory: 256, Pods: 1},
	}
	require.NoError(t, store.SavePod(pod))

	svc := &types.Service{
		ID:          "svc-1",
		Namespace:   "default",
		Name:        "api",
		PackName:    "api",
		PackVersion: "1.0.0",
		Replicas:    3,
		Status:      types.ServiceStatusActive,
	}
	require.NoError(t, store.SaveService(svc))

	pods, err := store.ListPods()
	require.NoError(t, err)
	require.Len(t, pods, 1)
	assert.Equal(t, types.PodStatusPending, pods[0].Status)

	services, err := store.ListServices()
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, 3, services[0].Replicas)
}

func TestNamespaceAndPriorityClassRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveNamespace(&types.Namespace{
		Name:  "default",
		Phase: types.NamespaceActive,
	}))
	require.NoError(t, store.SavePriorityClass(&types.PriorityClass{
		Name:  "critical",
		Value: 1000,
	}))

	namespaces, err := store.ListNamespaces()
	require.NoError(t, err)
	require.Len(t, namespaces, 1)

	classes, err := store.ListPriorityClasses()
	require.NoError(t, err)
	require.Len(t, classes, 1)
	assert.Equal(t, 1000, classes[0].Value)
}

func TestHistoryAppendOrderAndDelete(t *testing.T) {
	store := newTestStore(t)

	actions := []types.HistoryAction{
		types.HistoryCreated,
		types.HistoryScheduled,
		types.HistoryStarted,
		types.HistoryRunning,
	}
	for _, action := range actions {
		require.NoError(t, store.AppendHistory(&types.PodHistoryEntry{
			PodID:     "pod-1",
			Timestamp: time.Now().UTC(),
			Action:    action,
		}))
	}

	entries, err := store.ListHistory("pod-1")
	require.NoError(t, err)
	require.Len(t, entries, len(actions))
	for i, action := range actions {
		assert.Equal(t, action, entries[i].Action)
	}

	// other pods are unaffected
	entries, err = store.ListHistory("pod-2")
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, store.DeleteHistory("pod-1"))
	entries, err = store.ListHistory("pod-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// deleting absent history is a no-op
	require.NoError(t, store.DeleteHistory("pod-1"))
}
