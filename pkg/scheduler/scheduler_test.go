package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhq/muster/pkg/config"
	"github.com/musterhq/muster/pkg/state"
	"github.com/musterhq/muster/pkg/types"
)

type command struct {
	kind   string // deploy | stop
	nodeID string
	podID  string
}

// recordingCommander captures the commands placement would send.
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

func schedConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Policy:            config.ScoreSpread,
		PreemptionEnabled: true,
		CommitRetries:     3,
	}
}

func newFixture(t *testing.T, cfg config.SchedulerConfig) (*state.Store, *Scheduler, *recordingCommander) {
	t.Helper()
	store, err := state.NewStore()
	require.NoError(t, err)
	commander := &recordingCommander{}
	return store, New(store, cfg, commander), commander
}

func registerPack(t *testing.T, store *state.Store, name, version string, runtime types.RuntimeKind) *types.Pack {
	t.Helper()
	pack, err := store.RegisterPack(state.PackSpec{Name: name, Version: version, Runtime: runtime})
	require.NoError(t, err)
	return pack
}

func addNode(t *testing.T, store *state.Store, spec state.NodeSpec) *types.Node {
	t.Helper()
	node, err := store.AddNode(spec)
	require.NoError(t, err)
	return node
}

func createPod(t *testing.T, store *state.Store, spec state.PodSpec) *types.Pod {
	t.Helper()
	pod, err := store.CreatePod(spec)
	require.NoError(t, err)
	return pod
}

func TestBasicPlacement(t *testing.T) {
	store, sched, commander := newFixture(t, schedConfig())
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	node := addNode(t, store, state.NodeSpec{
		Name:        "nA",
		Runtime:     types.RuntimeNative,
		Allocatable: types.Resources{CPU: 1000, Memory: 1024, Pods: 10},
	})
	pod := createPod(t, store, state.PodSpec{
		PackName:    "p",
		PackVersion: "1.0.0",
		Requests:    types.Resources{CPU: 200, Memory: 256},
	})

	placed, err := sched.Schedule(pod.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PodStatusScheduled, placed.Status)
	assert.Equal(t, node.ID, placed.NodeID)

	got, err := store.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Resources{CPU: 200, Memory: 256, Pods: 1}, got.Allocated)

	require.Len(t, commander.commands, 1)
	assert.Equal(t, command{"deploy", node.ID, pod.ID}, commander.commands[0])
}

func TestTaintRejectionAndToleration(t *testing.T) {
	store, sched, _ := newFixture(t, schedConfig())
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	addNode(t, store, state.NodeSpec{
		Name:        "nA",
		Runtime:     types.RuntimeNative,
		Allocatable: types.Resources{CPU: 1000, Memory: 1024, Pods: 10},
		Taints:      []types.Taint{{Key: "gpu", Value: "true", Effect: types.TaintEffectNoSchedule}},
	})

	plain := createPod(t, store, state.PodSpec{
		PackName:    "p",
		PackVersion: "1.0.0",
		Requests:    types.Resources{CPU: 200, Memory: 256},
	})
	_, err := sched.Schedule(plain.ID)
	assert.True(t, types.IsCode(err, types.CodeNoCompatibleNodes))

	tolerant := createPod(t, store, state.PodSpec{
		PackName:    "p",
		PackVersion: "1.0.0",
		Requests:    types.Resources{CPU: 200, Memory: 256},
		Tolerations: []types.Toleration{{
			Key:      "gpu",
			Operator: types.TolerationOpEqual,
			Value:    "true",
			Effect:   types.TaintEffectNoSchedule,
		}},
	})
	placed, err := sched.Schedule(tolerant.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PodStatusScheduled, placed.Status)
}

func TestRuntimeCompatibility(t *testing.T) {
	store, sched, _ := newFixture(t, schedConfig())
	registerPack(t, store, "browser-only", "1.0.0", types.RuntimeBrowser)
	registerPack(t, store, "universal", "1.0.0", types.RuntimeUniversal)
	native := addNode(t, store, state.NodeSpec{
		Name:        "native-node",
		Runtime:     types.RuntimeNative,
		Allocatable: types.Resources{CPU: 1000, Memory: 1024, Pods: 10},
	})

	mismatched := createPod(t, store, state.PodSpec{PackName: "browser-only", PackVersion: "1.0.0"})
	_, err := sched.Schedule(mismatched.ID)
	assert.True(t, types.IsCode(err, types.CodeNoCompatibleNodes))

	anywhere := createPod(t, store, state.PodSpec{PackName: "universal", PackVersion: "1.0.0"})
	placed, err := sched.Schedule(anywhere.ID)
	require.NoError(t, err)
	assert.Equal(t, native.ID, placed.NodeID)
}

func TestNodeSelector(t *testing.T) {
	store, sched, _ := newFixture(t, schedConfig())
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	addNode(t, store, state.NodeSpec{
		Name:        "plain",
		Runtime:     types.RuntimeNative,
		Allocatable: types.Resources{CPU: 1000, Memory: 1024, Pods: 10},
	})
	labeled := addNode(t, store, state.NodeSpec{
		Name:        "labeled",
		Runtime:     types.RuntimeNative,
		Labels:      map[string]string{"zone": "edge"},
		Allocatable: types.Resources{CPU: 1000, Memory: 1024, Pods: 10},
	})

	pod := createPod(t, store, state.PodSpec{
		PackName:     "p",
		PackVersion:  "1.0.0",
		NodeSelector: map[string]string{"zone": "edge"},
	})
	placed, err := sched.Schedule(pod.ID)
	require.NoError(t, err)
	assert.Equal(t, labeled.ID, placed.NodeID)
}

func TestSpreadPrefersEmptierNode(t *testing.T) {
	store, sched, _ := newFixture(t, schedConfig())
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	busy := addNode(t, store, state.NodeSpec{
		Name:        "busy",
		Runtime:     types.RuntimeNative,
		Allocatable: types.Resources{CPU: 1000, Memory: 1024, Pods: 10},
	})
	idle := addNode(t, store, state.NodeSpec{
		Name:        "idle",
		Runtime:     types.RuntimeNative,
		Allocatable: types.Resources{CPU: 1000, Memory: 1024, Pods: 10},
	})

	first := createPod(t, store, state.PodSpec{PackName: "p", PackVersion: "1.0.0", Requests: types.Resources{CPU: 100, Memory: 64}})
	_, err := store.SchedulePod(first.ID, busy.ID)
	require.NoError(t, err)

	pod := createPod(t, store, state.PodSpec{PackName: "p", PackVersion: "1.0.0", Requests: types.Resources{CPU: 100, Memory: 64}})
	placed, err := sched.Schedule(pod.ID)
	require.NoError(t, err)
	assert.Equal(t, idle.ID, placed.NodeID)
}

func TestBinpackPrefersFullerNode(t *testing.T) {
	cfg := schedConfig()
	cfg.Policy = config.ScoreBinpack
	store, sched, _ := newFixture(t, cfg)
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	busy := addNode(t, store, state.NodeSpec{
		Name:        "busy",
		Runtime:     types.RuntimeNative,
		Allocatable: types.Resources{CPU: 1000, Memory: 1024, Pods: 10},
	})
	addNode(t, store, state.NodeSpec{
		Name:        "idle",
		Runtime:     types.RuntimeNative,
		Allocatable: types.Resources{CPU: 1000, Memory: 1024, Pods: 10},
	})

	first := createPod(t, store, state.PodSpec{PackName: "p", PackVersion: "1.0.0", Requests: types.Resources{CPU: 400, Memory: 256}})
	_, err := store.SchedulePod(first.ID, busy.ID)
	require.NoError(t, err)

	pod := createPod(t, store, state.PodSpec{PackName: "p", PackVersion: "1.0.0", Requests: types.Resources{CPU: 100, Memory: 64}})
	placed, err := sched.Schedule(pod.ID)
	require.NoError(t, err)
	assert.Equal(t, busy.ID, placed.NodeID)
}

func TestTieBreakByNodeID(t *testing.T) {
	store, sched, _ := newFixture(t, schedConfig())
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	a := addNode(t, store, state.NodeSpec{
		Name: "a", Runtime: types.RuntimeNative,
		Allocatable: types.Resources{CPU: 1000, Memory: 1024, Pods: 10},
	})
	b := addNode(t, store, state.NodeSpec{
		Name: "b", Runtime: types.RuntimeNative,
		Allocatable: types.Resources{CPU: 1000, Memory: 1024, Pods: 10},
	})
	want := a.ID
	if b.ID < a.ID {
		want = b.ID
	}

	pod := createPod(t, store, state.PodSpec{PackName: "p", PackVersion: "1.0.0"})
	placed, err := sched.Schedule(pod.ID)
	require.NoError(t, err)
	assert.Equal(t, want, placed.NodeID)
}

func TestPreemptionEvictsLowerPriority(t *testing.T) {
	store, sched, commander := newFixture(t, schedConfig())
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	node := addNode(t, store, state.NodeSpec{
		Name:        "nA",
		Runtime:     types.RuntimeNative,
		Allocatable: types.Resources{CPU: 500, Memory: 512, Pods: 10},
	})

	low := createPod(t, store, state.PodSpec{
		PackName: "p", PackVersion: "1.0.0",
		Priority: 100,
		Requests: types.Resources{CPU: 400, Memory: 400},
	})
	_, err := store.SchedulePod(low.ID, node.ID)
	require.NoError(t, err)

	high := createPod(t, store, state.PodSpec{
		PackName: "p", PackVersion: "1.0.0",
		Priority: 1000,
		Requests: types.Resources{CPU: 400, Memory: 400},
	})
	placed, err := sched.Schedule(high.ID)
	require.NoError(t, err)
	assert.Equal(t, node.ID, placed.NodeID)
	assert.Equal(t, types.PodStatusScheduled, placed.Status)

	gotLow, err := store.GetPod(low.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PodStatusEvicted, gotLow.Status)

	gotNode, err := store.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Resources{CPU: 400, Memory: 400, Pods: 1}, gotNode.Allocated)

	// One stop for the victim, one deploy for the winner.
	require.Len(t, commander.commands, 2)
	assert.Equal(t, command{"stop", node.ID, low.ID}, commander.commands[0])
	assert.Equal(t, command{"deploy", node.ID, high.ID}, commander.commands[1])
}

func TestPreemptionDisabled(t *testing.T) {
	cfg := schedConfig()
	cfg.PreemptionEnabled = false
	store, sched, _ := newFixture(t, cfg)
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	node := addNode(t, store, state.NodeSpec{
		Name:        "nA",
		Runtime:     types.RuntimeNative,
		Allocatable: types.Resources{CPU: 500, Memory: 512, Pods: 10},
	})

	low := createPod(t, store, state.PodSpec{
		PackName: "p", PackVersion: "1.0.0",
		Priority: 100,
		Requests: types.Resources{CPU: 400, Memory: 400},
	})
	_, err := store.SchedulePod(low.ID, node.ID)
	require.NoError(t, err)

	high := createPod(t, store, state.PodSpec{
		PackName: "p", PackVersion: "1.0.0",
		Priority: 1000,
		Requests: types.Resources{CPU: 400, Memory: 400},
	})
	_, err = sched.Schedule(high.ID)
	assert.True(t, types.IsCode(err, types.CodeNoCompatibleNodes))

	gotLow, err := store.GetPod(low.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PodStatusScheduled, gotLow.Status)
}

func TestPreemptionNeverEvictsEqualOrHigherPriority(t *testing.T) {
	store, sched, _ := newFixture(t, schedConfig())
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	node := addNode(t, store, state.NodeSpec{
		Name:        "nA",
		Runtime:     types.RuntimeNative,
		Allocatable: types.Resources{CPU: 500, Memory: 512, Pods: 10},
	})

	peer := createPod(t, store, state.PodSpec{
		PackName: "p", PackVersion: "1.0.0",
		Priority: 1000,
		Requests: types.Resources{CPU: 400, Memory: 400},
	})
	_, err := store.SchedulePod(peer.ID, node.ID)
	require.NoError(t, err)

	challenger := createPod(t, store, state.PodSpec{
		PackName: "p", PackVersion: "1.0.0",
		Priority: 1000,
		Requests: types.Resources{CPU: 400, Memory: 400},
	})
	_, err = sched.Schedule(challenger.ID)
	assert.True(t, types.IsCode(err, types.CodeNoCompatibleNodes))
}

func TestPreemptionChoosesMinimalVictimSet(t *testing.T) {
	store, sched, _ := newFixture(t, schedConfig())
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)

	// crowded holds two small pods; roomy holds one big pod. Evicting
	// the single big pod is the cheaper plan.
	crowded := addNode(t, store, state.NodeSpec{
		Name: "crowded", Runtime: types.RuntimeNative,
		Allocatable: types.Resources{CPU: 400, Memory: 512, Pods: 10},
	})
	roomy := addNode(t, store, state.NodeSpec{
		Name: "roomy", Runtime: types.RuntimeNative,
		Allocatable: types.Resources{CPU: 400, Memory: 512, Pods: 10},
	})
	for i := 0; i < 2; i++ {
		small := createPod(t, store, state.PodSpec{
			PackName: "p", PackVersion: "1.0.0",
			Priority: 10,
			Requests: types.Resources{CPU: 200, Memory: 200},
		})
		_, err := store.SchedulePod(small.ID, crowded.ID)
		require.NoError(t, err)
	}
	big := createPod(t, store, state.PodSpec{
		PackName: "p", PackVersion: "1.0.0",
		Priority: 10,
		Requests: types.Resources{CPU: 400, Memory: 400},
	})
	_, err := store.SchedulePod(big.ID, roomy.ID)
	require.NoError(t, err)

	challenger := createPod(t, store, state.PodSpec{
		PackName: "p", PackVersion: "1.0.0",
		Priority: 1000,
		Requests: types.Resources{CPU: 400, Memory: 400},
	})
	placed, err := sched.Schedule(challenger.ID)
	require.NoError(t, err)
	assert.Equal(t, roomy.ID, placed.NodeID)

	gotBig, err := store.GetPod(big.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PodStatusEvicted, gotBig.Status)
}

func TestRollbackValidation(t *testing.T) {
	store, sched, _ := newFixture(t, schedConfig())
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	registerPack(t, store, "p", "2.0.0", types.RuntimeNative)
	node := addNode(t, store, state.NodeSpec{
		Name: "nA", Runtime: types.RuntimeNative,
		Allocatable: types.Resources{CPU: 1000, Memory: 1024, Pods: 10},
	})

	pod := createPod(t, store, state.PodSpec{PackName: "p", PackVersion: "2.0.0"})

	// Pending pods cannot roll back.
	_, err := sched.Rollback(pod.ID, "1.0.0")
	assert.True(t, types.IsCode(err, types.CodeInvalidState))

	_, err = store.SchedulePod(pod.ID, node.ID)
	require.NoError(t, err)

	_, err = sched.Rollback(pod.ID, "2.0.0")
	assert.True(t, types.IsCode(err, types.CodeSameVersion))

	_, err = sched.Rollback(pod.ID, "3.0.0")
	assert.True(t, types.IsCode(err, types.CodeVersionNotFound))

	rolled, err := sched.Rollback(pod.ID, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", rolled.PackVersion)
	assert.Equal(t, types.PodStatusScheduled, rolled.Status)
	assert.Equal(t, node.ID, rolled.NodeID)
}

func TestRollbackRoundTrip(t *testing.T) {
	store, sched, _ := newFixture(t, schedConfig())
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	registerPack(t, store, "p", "2.0.0", types.RuntimeNative)
	node := addNode(t, store, state.NodeSpec{
		Name: "nA", Runtime: types.RuntimeNative,
		Allocatable: types.Resources{CPU: 1000, Memory: 1024, Pods: 10},
	})

	pod := createPod(t, store, state.PodSpec{PackName: "p", PackVersion: "2.0.0"})
	_, err := store.SchedulePod(pod.ID, node.ID)
	require.NoError(t, err)

	_, err = sched.Rollback(pod.ID, "1.0.0")
	require.NoError(t, err)
	rolled, err := sched.Rollback(pod.ID, "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", rolled.PackVersion)

	history := store.History(pod.ID)
	rolledBack := 0
	for _, entry := range history {
		if entry.Action == types.HistoryRolledBack {
			rolledBack++
		}
	}
	assert.Equal(t, 2, rolledBack)
}

func TestRollbackRuntimeMismatch(t *testing.T) {
	store, sched, _ := newFixture(t, schedConfig())
	registerPack(t, store, "p", "1.0.0", types.RuntimeBrowser)
	registerPack(t, store, "p", "2.0.0", types.RuntimeUniversal)
	node := addNode(t, store, state.NodeSpec{
		Name: "nA", Runtime: types.RuntimeNative,
		Allocatable: types.Resources{CPU: 1000, Memory: 1024, Pods: 10},
	})

	pod := createPod(t, store, state.PodSpec{PackName: "p", PackVersion: "2.0.0"})
	_, err := store.SchedulePod(pod.ID, node.ID)
	require.NoError(t, err)

	_, err = sched.Rollback(pod.ID, "1.0.0")
	assert.True(t, types.IsCode(err, types.CodeRuntimeMismatch))
}

func TestNoNodesAtAll(t *testing.T) {
	store, sched, _ := newFixture(t, schedConfig())
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	pod := createPod(t, store, state.PodSpec{PackName: "p", PackVersion: "1.0.0"})

	_, err := sched.Schedule(pod.ID)
	assert.True(t, types.IsCode(err, types.CodeNoCompatibleNodes))
}

func TestScheduleNonPendingPod(t *testing.T) {
	store, sched, _ := newFixture(t, schedConfig())
	registerPack(t, store, "p", "1.0.0", types.RuntimeNative)
	addNode(t, store, state.NodeSpec{
		Name: "nA", Runtime: types.RuntimeNative,
		Allocatable: types.Resources{CPU: 1000, Memory: 1024, Pods: 10},
	})
	pod := createPod(t, store, state.PodSpec{PackName: "p", PackVersion: "1.0.0"})

	_, err := sched.Schedule(pod.ID)
	require.NoError(t, err)

	_, err = sched.Schedule(pod.ID)
	assert.True(t, types.IsCode(err, types.CodeInvalidState))

	_, err = sched.Schedule("ghost")
	assert.True(t, types.IsCode(err, types.CodePodNotFound))
}
