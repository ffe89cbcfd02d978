package storage

import (
	"github.com/musterhq/muster/pkg/types"
)

// Store is the persistent record store behind the in-memory cluster
// state. The state store writes through after each mutation and reloads
// the full contents at startup. Implementations must be safe for
// concurrent use.
type Store interface {
	// Nodes
	SaveNode(node *types.Node) error
	DeleteNode(id string) error
	ListNodes() ([]*types.Node, error)

	// Packs
	SavePack(pack *types.Pack) error
	DeletePack(id string) error
	ListPacks() ([]*types.Pack, error)

	// Pods
	SavePod(pod *types.Pod) error
	DeletePod(id string) error
	ListPods() ([]*types.Pod, error)

	// Services
	SaveService(service *types.Service) error
	DeleteService(id string) error
	ListServices() ([]*types.Service, error)

	// Namespaces
	SaveNamespace(ns *types.Namespace) error
	DeleteNamespace(name string) error
	ListNamespaces() ([]*types.Namespace, error)

	// Priority classes
	SavePriorityClass(pc *types.PriorityClass) error
	DeletePriorityClass(name string) error
	ListPriorityClasses() ([]*types.PriorityClass, error)

	// Pod history, append-only per pod; deleting a pod's history removes
	// every entry.
	AppendHistory(entry *types.PodHistoryEntry) error
	ListHistory(podID string) ([]*types.PodHistoryEntry, error)
	DeleteHistory(podID string) error

	// Utility
	Close() error
}
