package state

import (
	"maps"
	"slices"

	"github.com/musterhq/muster/pkg/types"
)

// Deep copy helpers. Every read view hands out clones; nothing outside
// this package ever holds a pointer into the store's maps.

func cloneNode(n *types.Node) *types.Node {
	out := *n
	out.Capabilities = slices.Clone(n.Capabilities)
	out.Labels = maps.Clone(n.Labels)
	out.Taints = slices.Clone(n.Taints)
	return &out
}

func clonePack(p *types.Pack) *types.Pack {
	out := *p
	out.BundleBytes = slices.Clone(p.BundleBytes)
	out.DefaultEnv = maps.Clone(p.DefaultEnv)
	return &out
}

func clonePod(p *types.Pod) *types.Pod {
	out := *p
	out.Labels = maps.Clone(p.Labels)
	out.Tolerations = slices.Clone(p.Tolerations)
	out.NodeSelector = maps.Clone(p.NodeSelector)
	out.Env = maps.Clone(p.Env)
	return &out
}

func cloneService(s *types.Service) *types.Service {
	out := *s
	out.Template = clonePodTemplate(s.Template)
	out.AllowedSources = slices.Clone(s.AllowedSources)
	return &out
}

func clonePodTemplate(t types.PodTemplate) types.PodTemplate {
	t.Labels = maps.Clone(t.Labels)
	t.Tolerations = slices.Clone(t.Tolerations)
	t.NodeSelector = maps.Clone(t.NodeSelector)
	t.Env = maps.Clone(t.Env)
	return t
}

func cloneNamespace(ns *types.Namespace) *types.Namespace {
	out := *ns
	if ns.Quota != nil {
		q := *ns.Quota
		out.Quota = &q
	}
	if ns.Limits != nil {
		l := *ns.Limits
		out.Limits = &l
	}
	return &out
}

func cloneHistoryEntry(e *types.PodHistoryEntry) *types.PodHistoryEntry {
	out := *e
	out.Metadata = maps.Clone(e.Metadata)
	return &out
}
