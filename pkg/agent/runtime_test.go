package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhq/muster/pkg/types"
	"github.com/musterhq/muster/pkg/wire"
)

func deployScript(t *testing.T, rt *ExecRuntime, podID, script string) {
	t.Helper()
	err := rt.Deploy(context.Background(), wire.DeployPodPayload{
		PodID: podID,
		Pack: wire.PackManifest{
			Name:        "p",
			Version:     "1.0.0",
			Entrypoint:  "run.sh",
			BundleBytes: []byte("#!/bin/sh\n" + script + "\n"),
		},
	})
	require.NoError(t, err)
}

func awaitEvent(t *testing.T, rt *ExecRuntime) PodEvent {
	t.Helper()
	select {
	case ev := <-rt.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no runtime event")
		return PodEvent{}
	}
}

func TestExecRuntimeStopIsNotAFailure(t *testing.T) {
	rt := NewExecRuntime(t.TempDir())

	deployScript(t, rt, "pod-1", "sleep 60")
	assert.Equal(t, int64(1), rt.Allocated().Pods)

	require.NoError(t, rt.Stop(context.Background(), "pod-1", true, 2*time.Second))

	ev := awaitEvent(t, rt)
	assert.Equal(t, "pod-1", ev.PodID)
	assert.Equal(t, types.PodStatusStopped, ev.Status)
	assert.Equal(t, int64(0), rt.Allocated().Pods)
}

func TestExecRuntimeCrashReportsFailed(t *testing.T) {
	rt := NewExecRuntime(t.TempDir())

	deployScript(t, rt, "pod-1", "exit 3")

	ev := awaitEvent(t, rt)
	assert.Equal(t, "pod-1", ev.PodID)
	assert.Equal(t, types.PodStatusFailed, ev.Status)
	assert.NotEmpty(t, ev.Message)
}

func TestExecRuntimeCleanExitReportsFailed(t *testing.T) {
	// A service pod has no business exiting on its own; even a zero
	// exit counts as a failure unless a stop was requested.
	rt := NewExecRuntime(t.TempDir())

	deployScript(t, rt, "pod-1", "exit 0")

	ev := awaitEvent(t, rt)
	assert.Equal(t, types.PodStatusFailed, ev.Status)
}

func TestExecRuntimeRejectsDuplicatePod(t *testing.T) {
	rt := NewExecRuntime(t.TempDir())

	deployScript(t, rt, "pod-1", "sleep 60")
	defer func() { _ = rt.Stop(context.Background(), "pod-1", false, 0) }()

	err := rt.Deploy(context.Background(), wire.DeployPodPayload{
		PodID: "pod-1",
		Pack:  wire.PackManifest{Name: "p", Entrypoint: "run.sh", BundleBytes: []byte("#!/bin/sh\n")},
	})
	assert.True(t, types.IsCode(err, types.CodeInvalidState))
}

func TestExecRuntimeMissingBundleAndBinary(t *testing.T) {
	rt := NewExecRuntime(t.TempDir())

	err := rt.Deploy(context.Background(), wire.DeployPodPayload{
		PodID: "pod-1",
		Pack:  wire.PackManifest{Name: "definitely-not-a-real-binary-4f2a", Version: "1.0.0"},
	})
	assert.True(t, types.IsCode(err, types.CodeBundleUnavailable))

	err = rt.Stop(context.Background(), "pod-1", false, 0)
	assert.True(t, types.IsCode(err, types.CodePodNotFound))
}
