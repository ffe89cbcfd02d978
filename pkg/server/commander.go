package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/musterhq/muster/pkg/bundle"
	"github.com/musterhq/muster/pkg/connmgr"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/state"
	"github.com/musterhq/muster/pkg/types"
	"github.com/musterhq/muster/pkg/wire"
)

// resolveTimeout bounds one bundle resolution inside a deploy command.
const resolveTimeout = 30 * time.Second

// commander carries scheduler decisions to nodes over their sessions,
// embedding resolved bundle bytes in deploy commands.
type commander struct {
	store   *state.Store
	conns   *connmgr.Manager
	bundles *bundle.Distributor
	logger  zerolog.Logger
}

func newCommander(store *state.Store, conns *connmgr.Manager, bundles *bundle.Distributor) *commander {
	return &commander{
		store:   store,
		conns:   conns,
		bundles: bundles,
		logger:  log.WithComponent("commander"),
	}
}

// DeployPod implements scheduler.Commander.
func (c *commander) DeployPod(nodeID string, pod *types.Pod) error {
	pack, err := c.store.GetPack(pod.PackID)
	if err != nil {
		return err
	}

	manifest := wire.PackManifest{
		ID:         pack.ID,
		Name:       pack.Name,
		Version:    pack.Version,
		Entrypoint: pack.Entrypoint,
		BundlePath: pack.BundleURL,
	}
	if c.bundles != nil {
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		data, err := c.bundles.Resolve(ctx, pack)
		cancel()
		if err != nil {
			// The node can still pull from BundlePath itself; resolution
			// failure is not fatal to the command.
			c.logger.Warn().Err(err).Str("pack", pack.Ref()).
				Msg("bundle resolution failed, deploying by reference")
		} else {
			manifest.BundleBytes = data
		}
	}

	env := make(map[string]string, len(pack.DefaultEnv)+len(pod.Env))
	for k, v := range pack.DefaultEnv {
		env[k] = v
	}
	for k, v := range pod.Env {
		env[k] = v
	}

	return c.conns.SendToNode(nodeID, wire.TypePodDeploy, wire.DeployPodPayload{
		PodID:   pod.ID,
		Pack:    manifest,
		Env:     env,
		Timeout: pack.Timeout,
	})
}

// StopPod implements scheduler.Commander.
func (c *commander) StopPod(nodeID, podID, reason string, graceful bool) error {
	return c.conns.SendToNode(nodeID, wire.TypePodStop, wire.StopPodPayload{
		PodID:    podID,
		Reason:   reason,
		Graceful: graceful,
	})
}
