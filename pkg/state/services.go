package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/storage"
	"github.com/musterhq/muster/pkg/types"
)

// ServiceSpec is the caller-supplied part of a service creation.
type ServiceSpec struct {
	Namespace      string
	Name           string
	PackName       string
	PackVersion    string
	Replicas       int
	Template       types.PodTemplate
	Strategy       types.UpdateStrategy
	Visibility     types.Visibility
	Exposed        bool
	AllowedSources []string
}

// templateHash fingerprints the parts of a service that make an
// existing pod out of date: the pack version and the pod template.
func templateHash(version string, tmpl types.PodTemplate) string {
	h, err := hashstructure.Hash(struct {
		Version  string
		Template types.PodTemplate
	}{version, tmpl}, hashstructure.FormatV2, nil)
	if err != nil {
		// Hashing a plain struct of strings and maps cannot fail.
		return version
	}
	return fmt.Sprintf("%016x", h)
}

// CreateService declares a desired state: N replicas of a pack version.
// Replicas == 0 declares daemon mode. Service names are unique within a
// namespace.
func (s *Store) CreateService(spec ServiceSpec) (*types.Service, error) {
	if spec.Name == "" {
		return nil, types.NewError(types.CodeValidation, "service name is required")
	}
	if spec.Replicas < 0 {
		return nil, types.Errorf(types.CodeValidation, "replicas must be >= 0, got %d", spec.Replicas)
	}
	if spec.Strategy.MaxSurge < 0 || spec.Strategy.MaxUnavailable < 0 {
		return nil, types.NewError(types.CodeValidation, "update strategy bounds must be >= 0")
	}
	if spec.Namespace == "" {
		spec.Namespace = types.DefaultNamespace
	}
	if spec.Visibility == "" {
		spec.Visibility = types.VisibilityPrivate
	}
	switch spec.Visibility {
	case types.VisibilityPublic, types.VisibilityPrivate, types.VisibilitySystem:
	default:
		return nil, types.Errorf(types.CodeValidation, "invalid visibility %q", spec.Visibility)
	}
	if err := types.ValidateLabels(spec.Template.Labels); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, err := s.packByRefLocked(spec.PackName, spec.PackVersion); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ns, ok := s.namespaces[spec.Namespace]
	if !ok {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodeNamespaceMissing, "namespace %q does not exist", spec.Namespace)
	}
	if ns.Phase == types.NamespaceTerminating {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodeInvalidState, "namespace %q is terminating", spec.Namespace)
	}
	for _, existing := range s.services {
		if existing.Namespace == spec.Namespace && existing.Name == spec.Name {
			s.mu.Unlock()
			return nil, types.Errorf(types.CodeNameTaken,
				"service %q already exists in namespace %q", spec.Name, spec.Namespace)
		}
	}

	now := time.Now().UTC()
	svc := &types.Service{
		ID:             uuid.New().String(),
		Namespace:      spec.Namespace,
		Name:           spec.Name,
		PackName:       spec.PackName,
		PackVersion:    spec.PackVersion,
		Replicas:       spec.Replicas,
		Template:       spec.Template,
		TemplateHash:   templateHash(spec.PackVersion, spec.Template),
		Strategy:       spec.Strategy,
		Status:         types.ServiceStatusActive,
		Visibility:     spec.Visibility,
		Exposed:        spec.Exposed,
		AllowedSources: spec.AllowedSources,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.services[svc.ID] = svc
	err := s.save(func(p storage.Store) error { return p.SaveService(svc) })
	out := cloneService(svc)
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s.publish(&events.Event{
		Type:      events.EventServiceCreated,
		ServiceID: svc.ID,
		Message:   "service " + svc.Namespace + "/" + svc.Name + " created",
	})
	return out, nil
}

// GetService returns the service by id.
func (s *Store) GetService(id string) (*types.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, ok := s.services[id]
	if !ok {
		return nil, types.Errorf(types.CodeServiceNotFound, "service %s not found", id)
	}
	return cloneService(svc), nil
}

// GetServiceByName returns the service with the given name in a
// namespace.
func (s *Store) GetServiceByName(namespace, name string) (*types.Service, error) {
	if namespace == "" {
		namespace = types.DefaultNamespace
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, svc := range s.services {
		if svc.Namespace == namespace && svc.Name == name {
			return cloneService(svc), nil
		}
	}
	return nil, types.Errorf(types.CodeServiceNotFound, "service %s/%s not found", namespace, name)
}

// ServiceUpdate carries the mutable fields of a service. Nil fields are
// left unchanged.
type ServiceUpdate struct {
	Replicas    *int
	PackVersion *string
	Template    *types.PodTemplate
	Strategy    *types.UpdateStrategy
	Paused      *bool
}

// UpdateService applies a declarative update. Changing the pack version
// or template re-fingerprints the service; the reconciler then rolls
// existing pods within the update strategy's bounds. Updating to the
// currently deployed version is rejected.
func (s *Store) UpdateService(id string, update ServiceUpdate) (*types.Service, error) {
	s.mu.Lock()
	svc, ok := s.services[id]
	if !ok {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodeServiceNotFound, "service %s not found", id)
	}
	if svc.Status == types.ServiceStatusDeleting {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodeInvalidState, "service %s is being deleted", id)
	}

	if update.PackVersion != nil {
		if *update.PackVersion == svc.PackVersion && update.Template == nil {
			s.mu.Unlock()
			return nil, types.Errorf(types.CodeSameVersion,
				"service %s is already at version %s", svc.Name, svc.PackVersion)
		}
		if _, err := s.packByRefLocked(svc.PackName, *update.PackVersion); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		svc.PackVersion = *update.PackVersion
	}
	if update.Replicas != nil {
		if *update.Replicas < 0 {
			s.mu.Unlock()
			return nil, types.Errorf(types.CodeValidation, "replicas must be >= 0, got %d", *update.Replicas)
		}
		svc.Replicas = *update.Replicas
	}
	if update.Template != nil {
		if err := types.ValidateLabels(update.Template.Labels); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		svc.Template = *update.Template
	}
	if update.Strategy != nil {
		svc.Strategy = *update.Strategy
	}
	if update.Paused != nil {
		if *update.Paused {
			svc.Status = types.ServiceStatusPaused
		} else {
			svc.Status = types.ServiceStatusActive
		}
	}

	svc.TemplateHash = templateHash(svc.PackVersion, svc.Template)
	svc.UpdatedAt = time.Now().UTC()
	err := s.save(func(p storage.Store) error { return p.SaveService(svc) })
	out := cloneService(svc)
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s.publish(&events.Event{Type: events.EventServiceUpdated, ServiceID: id})
	return out, nil
}

// SetServiceCounters updates the reconciler-observed replica counters.
func (s *Store) SetServiceCounters(id string, ready, available, updated int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.services[id]
	if !ok {
		return types.Errorf(types.CodeServiceNotFound, "service %s not found", id)
	}
	if svc.ReadyReplicas == ready && svc.AvailableReplicas == available && svc.UpdatedReplicas == updated {
		return nil
	}
	svc.ReadyReplicas = ready
	svc.AvailableReplicas = available
	svc.UpdatedReplicas = updated
	return s.save(func(p storage.Store) error { return p.SaveService(svc) })
}

// DeleteService marks the service deleting. The reconciler stops its
// pods and calls RemoveService once none remain.
func (s *Store) DeleteService(id string) error {
	s.mu.Lock()
	svc, ok := s.services[id]
	if !ok {
		s.mu.Unlock()
		return types.Errorf(types.CodeServiceNotFound, "service %s not found", id)
	}
	svc.Status = types.ServiceStatusDeleting
	svc.UpdatedAt = time.Now().UTC()
	err := s.save(func(p storage.Store) error { return p.SaveService(svc) })
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.publish(&events.Event{Type: events.EventServiceDeleted, ServiceID: id})
	return nil
}

// RemoveService drops a service record. Callers must have removed or
// terminated its pods first.
func (s *Store) RemoveService(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[id]; !ok {
		return types.Errorf(types.CodeServiceNotFound, "service %s not found", id)
	}
	for _, pod := range s.pods {
		if pod.ServiceID == id {
			return types.Errorf(types.CodeInvalidState, "service %s still has pod %s", id, pod.ID)
		}
	}
	delete(s.services, id)
	return s.save(func(p storage.Store) error { return p.DeleteService(id) })
}
