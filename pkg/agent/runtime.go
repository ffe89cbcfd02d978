package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/types"
	"github.com/musterhq/muster/pkg/wire"
)

// PodEvent is an asynchronous runtime observation: a pod exited or
// crashed outside of a deploy or stop command.
type PodEvent struct {
	PodID   string
	Status  types.PodStatus
	Message string
}

// Runtime executes pods on the node. Deploy blocks until the pod is
// running or has failed to start; exits after that surface on Events.
type Runtime interface {
	Deploy(ctx context.Context, cmd wire.DeployPodPayload) error
	// Stop terminates a pod. Graceful stops signal the pod and wait up
	// to deadline before hard termination.
	Stop(ctx context.Context, podID string, graceful bool, deadline time.Duration) error
	// Allocated reports what the runtime is currently hosting, for
	// heartbeats.
	Allocated() types.Resources
	Events() <-chan PodEvent
}

// ExecRuntime runs pack entrypoints as local processes. Bundles are
// materialized under dataDir/pods/<podID>; each pod is one process.
type ExecRuntime struct {
	dataDir string
	logger  zerolog.Logger
	events  chan PodEvent

	mu   sync.Mutex
	pods map[string]*execPod
}

type execPod struct {
	cmd *exec.Cmd
	// stopping marks a pod whose termination we asked for, so its exit
	// reports as stopped instead of failed.
	stopping bool
	done     chan struct{}
}

func NewExecRuntime(dataDir string) *ExecRuntime {
	return &ExecRuntime{
		dataDir: dataDir,
		logger:  log.WithComponent("runtime"),
		events:  make(chan PodEvent, 64),
		pods:    make(map[string]*execPod),
	}
}

func (r *ExecRuntime) Events() <-chan PodEvent { return r.events }

func (r *ExecRuntime) Allocated() types.Resources {
	r.mu.Lock()
	defer r.mu.Unlock()
	return types.Resources{Pods: int64(len(r.pods))}
}

// Deploy writes the bundle to disk and starts the entrypoint. A pod id
// that is already running is rejected; the control plane never
// double-deploys, so a duplicate means a stale command.
func (r *ExecRuntime) Deploy(ctx context.Context, cmd wire.DeployPodPayload) error {
	r.mu.Lock()
	if _, exists := r.pods[cmd.PodID]; exists {
		r.mu.Unlock()
		return types.Errorf(types.CodeInvalidState, "pod %s is already running", cmd.PodID)
	}
	r.mu.Unlock()

	entrypoint, err := r.materialize(cmd)
	if err != nil {
		return err
	}

	proc := exec.Command(entrypoint)
	proc.Dir = filepath.Dir(entrypoint)
	proc.Env = os.Environ()
	for k, v := range cmd.Env {
		proc.Env = append(proc.Env, k+"="+v)
	}
	proc.Env = append(proc.Env, "MUSTER_POD_ID="+cmd.PodID)
	proc.Stdout = os.Stdout
	proc.Stderr = os.Stderr
	// Own process group so a graceful signal reaches children too.
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := proc.Start(); err != nil {
		return fmt.Errorf("failed to start pod %s: %w", cmd.PodID, err)
	}

	p := &execPod{cmd: proc, done: make(chan struct{})}
	r.mu.Lock()
	r.pods[cmd.PodID] = p
	r.mu.Unlock()

	go r.reap(cmd.PodID, p)

	r.logger.Info().Str("pod_id", cmd.PodID).Str("pack", cmd.Pack.Name).
		Int("pid", proc.Process.Pid).Msg("pod started")
	return nil
}

// materialize lays the bundle out on disk and returns the entrypoint
// path. Inline bytes win over a bundle path; with neither, the
// entrypoint must name a binary already on the node.
func (r *ExecRuntime) materialize(cmd wire.DeployPodPayload) (string, error) {
	dir := filepath.Join(r.dataDir, "pods", cmd.PodID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create pod directory: %w", err)
	}

	entrypoint := cmd.Pack.Entrypoint
	if entrypoint == "" {
		entrypoint = cmd.Pack.Name
	}

	if len(cmd.Pack.BundleBytes) > 0 {
		path := filepath.Join(dir, entrypoint)
		if err := os.WriteFile(path, cmd.Pack.BundleBytes, 0o755); err != nil {
			return "", fmt.Errorf("failed to write bundle: %w", err)
		}
		return path, nil
	}

	path, err := exec.LookPath(entrypoint)
	if err != nil {
		return "", types.Errorf(types.CodeBundleUnavailable,
			"pod %s has no bundle bytes and %q is not on the node", cmd.PodID, entrypoint)
	}
	return path, nil
}

// reap waits for the process and reports how it went. Requested stops
// are not failures.
func (r *ExecRuntime) reap(podID string, p *execPod) {
	err := p.cmd.Wait()
	close(p.done)

	r.mu.Lock()
	stopping := p.stopping
	delete(r.pods, podID)
	r.mu.Unlock()
	_ = os.RemoveAll(filepath.Join(r.dataDir, "pods", podID))

	ev := PodEvent{PodID: podID, Status: types.PodStatusStopped}
	if !stopping {
		ev.Status = types.PodStatusFailed
		ev.Message = "pod process exited"
	}
	if err != nil {
		ev.Message = err.Error()
		if !stopping {
			ev.Status = types.PodStatusFailed
		}
	}
	r.events <- ev
}

func (r *ExecRuntime) Stop(ctx context.Context, podID string, graceful bool, deadline time.Duration) error {
	r.mu.Lock()
	p, ok := r.pods[podID]
	if ok {
		p.stopping = true
	}
	r.mu.Unlock()
	if !ok {
		return types.Errorf(types.CodePodNotFound, "pod %s is not running here", podID)
	}

	pgid := -p.cmd.Process.Pid
	if graceful {
		_ = syscall.Kill(pgid, syscall.SIGTERM)
		select {
		case <-p.done:
			return nil
		case <-time.After(deadline):
			r.logger.Warn().Str("pod_id", podID).Msg("graceful stop deadline passed, killing")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	_ = syscall.Kill(pgid, syscall.SIGKILL)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
