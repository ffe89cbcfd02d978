package state

import (
	"strings"
	"time"

	"github.com/musterhq/muster/pkg/storage"
	"github.com/musterhq/muster/pkg/types"
)

// CreateNamespace creates a namespace with optional quota and limit
// range. Names under the system prefix are reserved for the control
// plane itself.
func (s *Store) CreateNamespace(name string, quota *types.Resources, limits *types.LimitRange) (*types.Namespace, error) {
	if name == "" {
		return nil, types.NewError(types.CodeValidation, "namespace name is required")
	}
	if strings.HasPrefix(name, types.SystemNamespacePrefix) {
		return nil, types.Errorf(types.CodeValidation, "namespace prefix %q is reserved", types.SystemNamespacePrefix)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.namespaces[name]; exists {
		return nil, types.Errorf(types.CodeNameTaken, "namespace %q already exists", name)
	}

	ns := &types.Namespace{
		Name:      name,
		Phase:     types.NamespaceActive,
		Quota:     quota,
		Limits:    limits,
		CreatedAt: time.Now().UTC(),
	}
	s.namespaces[name] = ns
	if err := s.save(func(p storage.Store) error { return p.SaveNamespace(ns) }); err != nil {
		return nil, err
	}
	return cloneNamespace(ns), nil
}

// GetNamespace returns the namespace by name.
func (s *Store) GetNamespace(name string) (*types.Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns, ok := s.namespaces[name]
	if !ok {
		return nil, types.Errorf(types.CodeNamespaceMissing, "namespace %q does not exist", name)
	}
	return cloneNamespace(ns), nil
}

// SetNamespaceQuota replaces a namespace's quota. Existing usage above
// the new quota is allowed to drain; only new pods are rejected.
func (s *Store) SetNamespaceQuota(name string, quota *types.Resources) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.namespaces[name]
	if !ok {
		return types.Errorf(types.CodeNamespaceMissing, "namespace %q does not exist", name)
	}
	ns.Quota = quota
	return s.save(func(p storage.Store) error { return p.SaveNamespace(ns) })
}

// DeleteNamespace removes an empty namespace, or marks a populated one
// terminating so the reconciler can wind its contents down first.
// Reserved namespaces cannot be deleted.
func (s *Store) DeleteNamespace(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.namespaces[name]
	if !ok {
		return types.Errorf(types.CodeNamespaceMissing, "namespace %q does not exist", name)
	}
	if ns.Reserved() {
		return types.Errorf(types.CodeValidation, "namespace %q is reserved", name)
	}

	populated := false
	for _, pod := range s.pods {
		if pod.Namespace == name && !pod.Status.Terminal() {
			populated = true
			break
		}
	}
	if !populated {
		for _, svc := range s.services {
			if svc.Namespace == name {
				populated = true
				break
			}
		}
	}

	if populated {
		ns.Phase = types.NamespaceTerminating
		return s.save(func(p storage.Store) error { return p.SaveNamespace(ns) })
	}

	delete(s.namespaces, name)
	return s.save(func(p storage.Store) error { return p.DeleteNamespace(name) })
}

// CreatePriorityClass registers a named scheduling priority value.
func (s *Store) CreatePriorityClass(pc types.PriorityClass) (*types.PriorityClass, error) {
	if pc.Name == "" {
		return nil, types.NewError(types.CodeValidation, "priority class name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.priorityClasses[pc.Name]; exists {
		return nil, types.Errorf(types.CodeNameTaken, "priority class %q already exists", pc.Name)
	}
	if pc.GlobalDefault {
		for _, existing := range s.priorityClasses {
			if existing.GlobalDefault {
				return nil, types.Errorf(types.CodeValidation,
					"priority class %q is already the global default", existing.Name)
			}
		}
	}

	stored := pc
	s.priorityClasses[pc.Name] = &stored
	if err := s.save(func(p storage.Store) error { return p.SavePriorityClass(&stored) }); err != nil {
		return nil, err
	}
	out := stored
	return &out, nil
}

// DeletePriorityClass removes a priority class. Pods already holding
// its resolved value keep it.
func (s *Store) DeletePriorityClass(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.priorityClasses[name]; !ok {
		return types.Errorf(types.CodeValidation, "priority class %q does not exist", name)
	}
	delete(s.priorityClasses, name)
	return s.save(func(p storage.Store) error { return p.DeletePriorityClass(name) })
}
