package state

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/storage"
	"github.com/musterhq/muster/pkg/types"
)

// Store is the authoritative in-memory view of the cluster: nodes,
// packs, pods, services, namespaces, priority classes, and per-pod
// history. All mutations go through typed operations that validate
// invariants, write through to the persistent record store, and publish
// an event. Reads return deep copies so callers can never corrupt
// internal state.
type Store struct {
	mu sync.RWMutex

	nodes       map[string]*types.Node
	nodesByName map[string]string // name -> id

	packs      map[string]*types.Pack
	packsByRef map[string]string // name@version -> id

	pods            map[string]*types.Pod
	services        map[string]*types.Service
	namespaces      map[string]*types.Namespace
	priorityClasses map[string]*types.PriorityClass
	history         map[string][]*types.PodHistoryEntry

	persist storage.Store  // optional write-through backend
	broker  *events.Broker // optional event sink
	logger  zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPersistence attaches a record store; every mutation writes
// through and NewStore loads the existing contents.
func WithPersistence(p storage.Store) Option {
	return func(s *Store) { s.persist = p }
}

// WithBroker attaches an event broker; every successful mutation
// publishes an event after the store's lock is released.
func WithBroker(b *events.Broker) Option {
	return func(s *Store) { s.broker = b }
}

// NewStore creates a Store, loading any persisted state. The default
// namespace always exists.
func NewStore(opts ...Option) (*Store, error) {
	s := &Store{
		nodes:           make(map[string]*types.Node),
		nodesByName:     make(map[string]string),
		packs:           make(map[string]*types.Pack),
		packsByRef:      make(map[string]string),
		pods:            make(map[string]*types.Pod),
		services:        make(map[string]*types.Service),
		namespaces:      make(map[string]*types.Namespace),
		priorityClasses: make(map[string]*types.PriorityClass),
		history:         make(map[string][]*types.PodHistoryEntry),
		logger:          log.WithComponent("state"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.persist != nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("failed to load persisted state: %w", err)
		}
	}

	if _, ok := s.namespaces[types.DefaultNamespace]; !ok {
		ns := &types.Namespace{
			Name:  types.DefaultNamespace,
			Phase: types.NamespaceActive,
		}
		s.namespaces[ns.Name] = ns
		if err := s.save(func(p storage.Store) error { return p.SaveNamespace(ns) }); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) load() error {
	nodes, err := s.persist.ListNodes()
	if err != nil {
		return err
	}
	for _, n := range nodes {
		s.nodes[n.ID] = n
		s.nodesByName[n.Name] = n.ID
	}

	packs, err := s.persist.ListPacks()
	if err != nil {
		return err
	}
	for _, p := range packs {
		s.packs[p.ID] = p
		s.packsByRef[p.Ref()] = p.ID
	}

	pods, err := s.persist.ListPods()
	if err != nil {
		return err
	}
	for _, p := range pods {
		s.pods[p.ID] = p
		entries, err := s.persist.ListHistory(p.ID)
		if err != nil {
			return err
		}
		s.history[p.ID] = entries
	}

	services, err := s.persist.ListServices()
	if err != nil {
		return err
	}
	for _, svc := range services {
		s.services[svc.ID] = svc
	}

	namespaces, err := s.persist.ListNamespaces()
	if err != nil {
		return err
	}
	for _, ns := range namespaces {
		s.namespaces[ns.Name] = ns
	}

	classes, err := s.persist.ListPriorityClasses()
	if err != nil {
		return err
	}
	for _, pc := range classes {
		s.priorityClasses[pc.Name] = pc
	}

	return nil
}

// save runs fn against the persistence backend if one is attached.
// Mutations are applied in memory first; a persistence failure is
// returned to the caller but does not roll the memory state back, on
// the grounds that the in-memory view stays authoritative.
func (s *Store) save(fn func(storage.Store) error) error {
	if s.persist == nil {
		return nil
	}
	return fn(s.persist)
}

// publish emits an event asynchronously. Callers must not hold s.mu;
// observers that need the current value re-read through the store.
func (s *Store) publish(ev *events.Event) {
	if s.broker != nil {
		s.broker.Publish(ev)
	}
}

// appendHistory records a lifecycle entry for a pod. Caller holds s.mu.
func (s *Store) appendHistory(entry *types.PodHistoryEntry) {
	s.history[entry.PodID] = append(s.history[entry.PodID], entry)
	if err := s.save(func(p storage.Store) error { return p.AppendHistory(entry) }); err != nil {
		s.logger.Error().Err(err).Str("pod_id", entry.PodID).Msg("failed to persist history entry")
	}
}

// History returns the append-only lifecycle records for a pod in order.
func (s *Store) History(podID string) []*types.PodHistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[podID]
	out := make([]*types.PodHistoryEntry, len(entries))
	for i, e := range entries {
		out[i] = cloneHistoryEntry(e)
	}
	return out
}

// Close releases the persistence backend, if any.
func (s *Store) Close() error {
	if s.persist != nil {
		return s.persist.Close()
	}
	return nil
}
