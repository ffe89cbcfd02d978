package state

import (
	"slices"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/storage"
	"github.com/musterhq/muster/pkg/types"
)

// PackSpec is the caller-supplied part of a pack registration.
type PackSpec struct {
	Name        string
	Version     string
	Runtime     types.RuntimeKind
	OwnerID     string
	BundleURL   string
	BundleBytes []byte
	Entrypoint  string
	DefaultEnv  map[string]string
	Timeout     time.Duration
}

// RegisterPack registers an immutable pack version. The (name, version)
// pair must be new; versions must parse as semver.
func (s *Store) RegisterPack(spec PackSpec) (*types.Pack, error) {
	if spec.Name == "" {
		return nil, types.NewError(types.CodeValidation, "pack name is required")
	}
	if _, err := semver.StrictNewVersion(spec.Version); err != nil {
		return nil, types.Errorf(types.CodeValidation, "pack version %q is not valid semver: %v", spec.Version, err)
	}
	switch spec.Runtime {
	case types.RuntimeNative, types.RuntimeBrowser, types.RuntimeUniversal:
	default:
		return nil, types.Errorf(types.CodeValidation, "invalid pack runtime %q", spec.Runtime)
	}

	s.mu.Lock()
	ref := spec.Name + "@" + spec.Version
	if _, exists := s.packsByRef[ref]; exists {
		s.mu.Unlock()
		return nil, types.Errorf(types.CodeVersionExists, "pack %s already registered", ref)
	}

	pack := &types.Pack{
		ID:          uuid.New().String(),
		Name:        spec.Name,
		Version:     spec.Version,
		Runtime:     spec.Runtime,
		OwnerID:     spec.OwnerID,
		BundleURL:   spec.BundleURL,
		BundleBytes: spec.BundleBytes,
		Entrypoint:  spec.Entrypoint,
		DefaultEnv:  spec.DefaultEnv,
		Timeout:     spec.Timeout,
		CreatedAt:   time.Now().UTC(),
	}
	s.packs[pack.ID] = pack
	s.packsByRef[ref] = pack.ID
	err := s.save(func(p storage.Store) error { return p.SavePack(pack) })
	out := clonePack(pack)
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s.publish(&events.Event{
		Type:    events.EventPackRegistered,
		Message: "pack " + ref + " registered",
		Metadata: map[string]string{
			"packId":  pack.ID,
			"ref":     ref,
			"runtime": string(pack.Runtime),
		},
	})
	return out, nil
}

// GetPack returns the pack by id.
func (s *Store) GetPack(id string) (*types.Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pack, ok := s.packs[id]
	if !ok {
		return nil, types.Errorf(types.CodePackNotFound, "pack %s not found", id)
	}
	return clonePack(pack), nil
}

// GetPackByRef returns the pack with the given name and version.
func (s *Store) GetPackByRef(name, version string) (*types.Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.packByRefLocked(name, version)
}

func (s *Store) packByRefLocked(name, version string) (*types.Pack, error) {
	id, ok := s.packsByRef[name+"@"+version]
	if !ok {
		if len(s.packVersionsLocked(name)) > 0 {
			return nil, types.Errorf(types.CodeVersionNotFound, "pack %s has no version %s", name, version)
		}
		return nil, types.Errorf(types.CodePackNotFound, "pack %s not found", name)
	}
	return clonePack(s.packs[id]), nil
}

func (s *Store) packVersionsLocked(name string) []*types.Pack {
	var out []*types.Pack
	for _, pack := range s.packs {
		if pack.Name == name {
			out = append(out, pack)
		}
	}
	return out
}

// PackVersions returns all registered versions of a pack, newest first
// by semver order.
func (s *Store) PackVersions(name string) []*types.Pack {
	s.mu.RLock()
	packs := s.packVersionsLocked(name)
	for i, p := range packs {
		packs[i] = clonePack(p)
	}
	s.mu.RUnlock()

	sortPacksByVersion(packs)
	return packs
}

func sortPacksByVersion(packs []*types.Pack) {
	slices.SortFunc(packs, func(a, b *types.Pack) int {
		va, errA := semver.NewVersion(a.Version)
		vb, errB := semver.NewVersion(b.Version)
		if errA != nil || errB != nil {
			return strings.Compare(b.Version, a.Version)
		}
		return vb.Compare(va)
	})
}

// SetPackMetadata updates the mutable fields of a pack: entrypoint,
// default environment, and timeout. Name, version, runtime, and bundle
// content are immutable.
func (s *Store) SetPackMetadata(id, entrypoint string, env map[string]string, timeout time.Duration) (*types.Pack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pack, ok := s.packs[id]
	if !ok {
		return nil, types.Errorf(types.CodePackNotFound, "pack %s not found", id)
	}
	if entrypoint != "" {
		pack.Entrypoint = entrypoint
	}
	if env != nil {
		pack.DefaultEnv = env
	}
	if timeout > 0 {
		pack.Timeout = timeout
	}
	if err := s.save(func(p storage.Store) error { return p.SavePack(pack) }); err != nil {
		return nil, err
	}
	return clonePack(pack), nil
}

// RemovePack deletes a pack version. Versions still referenced by pods
// cannot be removed.
func (s *Store) RemovePack(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pack, ok := s.packs[id]
	if !ok {
		return types.Errorf(types.CodePackNotFound, "pack %s not found", id)
	}
	for _, pod := range s.pods {
		if pod.PackName == pack.Name && pod.PackVersion == pack.Version {
			return types.Errorf(types.CodeInvalidState, "pack %s is referenced by pod %s", pack.Ref(), pod.ID)
		}
	}

	delete(s.packs, id)
	delete(s.packsByRef, pack.Ref())
	return s.save(func(p storage.Store) error { return p.DeletePack(id) })
}
