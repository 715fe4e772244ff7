// Package registry owns the set of installed contributors. Mutations build
// a new immutable snapshot and swap it atomically, so an in-flight assembly
// holding the previous snapshot sees one consistent view end-to-end.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/samhotchkiss/prompt-loom/internal/assembly"
	"github.com/samhotchkiss/prompt-loom/internal/composition"
)

var (
	// ErrNotFound is returned when a contributor id is not installed.
	ErrNotFound = errors.New("contributor not installed")
	// ErrNotPurgeable is returned when a purge is routed to a contributor
	// that keeps no purgeable state.
	ErrNotPurgeable = errors.New("contributor does not support purge")
)

// Descriptor is the static metadata a contributor registers with. Budget
// fields are defaults; compositions override them per run.
type Descriptor struct {
	ID          string  `json:"id"`
	Priority    int     `json:"priority"`
	TargetPct   float64 `json:"target_pct"`
	MinPct      float64 `json:"min_pct"`
	MaxPct      float64 `json:"max_pct"`
	Condensable bool    `json:"condensable"`
	Purgeable   bool    `json:"purgeable"`
}

// Installed pairs a descriptor with its implementation and activation state.
type Installed struct {
	Descriptor Descriptor
	Impl       assembly.Contributor
	Active     bool
	// LoadError is set when a loader failed for this contributor during
	// reload; the contributor is excluded from assembly but stays listed
	// so operators can see what broke.
	LoadError string
}

// Snapshot is an immutable view of the registry. It satisfies
// assembly.Source.
type Snapshot struct {
	order []string
	byID  map[string]Installed
}

// Contributor implements assembly.Source. Deactivated and failed
// contributors resolve as absent.
func (s *Snapshot) Contributor(id string) (assembly.Contributor, bool) {
	if s == nil {
		return nil, false
	}
	installed, ok := s.byID[id]
	if !ok || !installed.Active || installed.LoadError != "" || installed.Impl == nil {
		return nil, false
	}
	return installed.Impl, true
}

// List returns installed contributors in installation order.
func (s *Snapshot) List() []Installed {
	if s == nil {
		return nil
	}
	out := make([]Installed, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Get returns one installed contributor.
func (s *Snapshot) Get(id string) (Installed, bool) {
	if s == nil {
		return Installed{}, false
	}
	installed, ok := s.byID[id]
	return installed, ok
}

// Loader produces the full contributor set for a reload. It is injected so
// the registry stays ignorant of where contributors come from.
type Loader func() ([]Installed, error)

// Registry holds the current snapshot and serializes writers. Readers never
// block: they load the snapshot pointer and keep it for the whole run.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[Snapshot]
	loader   Loader
	Logf     func(format string, args ...any)
}

// New builds an empty registry. The loader may be nil when contributors are
// only installed explicitly.
func New(loader Loader) *Registry {
	r := &Registry{loader: loader, Logf: log.Printf}
	r.snapshot.Store(newSnapshot(nil))
	return r
}

func newSnapshot(installed []Installed) *Snapshot {
	s := &Snapshot{byID: make(map[string]Installed, len(installed))}
	for _, inst := range installed {
		if _, exists := s.byID[inst.Descriptor.ID]; !exists {
			s.order = append(s.order, inst.Descriptor.ID)
		}
		s.byID[inst.Descriptor.ID] = inst
	}
	return s
}

// Current returns the active snapshot. Callers hold it for the duration of
// one assembly run.
func (r *Registry) Current() *Snapshot {
	return r.snapshot.Load()
}

// List returns the current snapshot's contributors.
func (r *Registry) List() []Installed {
	return r.Current().List()
}

// Get returns one contributor from the current snapshot.
func (r *Registry) Get(id string) (Installed, bool) {
	return r.Current().Get(id)
}

// Install adds or replaces a contributor and swaps in a new snapshot.
func (r *Registry) Install(desc Descriptor, impl assembly.Contributor) error {
	if desc.ID == "" {
		return fmt.Errorf("descriptor id is required")
	}
	if impl == nil {
		return fmt.Errorf("contributor implementation is required")
	}
	if desc.MinPct < 0 || desc.TargetPct < desc.MinPct || desc.MaxPct < desc.TargetPct || desc.MaxPct > 1 {
		return fmt.Errorf("descriptor %q budget must satisfy 0 <= min <= target <= max <= 1", desc.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.swap(func(installed []Installed) []Installed {
		next := Installed{Descriptor: desc, Impl: impl, Active: true}
		for i, inst := range installed {
			if inst.Descriptor.ID == desc.ID {
				installed[i] = next
				return installed
			}
		}
		return append(installed, next)
	})
	return nil
}

// Activate marks a contributor eligible for assembly again.
func (r *Registry) Activate(id string) error {
	return r.setActive(id, true)
}

// Deactivate excludes a contributor from future assemblies without
// uninstalling it. Runs already holding a snapshot are unaffected.
func (r *Registry) Deactivate(id string) error {
	return r.setActive(id, false)
}

func (r *Registry) setActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	r.swap(func(installed []Installed) []Installed {
		for i, inst := range installed {
			if inst.Descriptor.ID == id {
				installed[i].Active = active
				found = true
			}
		}
		return installed
	})
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Purge routes a purge request to the named contributor's own Purge method.
// It never touches any other contributor's state.
func (r *Registry) Purge(ctx context.Context, id, scope string) (string, error) {
	installed, ok := r.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	purger, ok := installed.Impl.(assembly.Purger)
	if !ok || !installed.Descriptor.Purgeable {
		return "", fmt.Errorf("%w: %s", ErrNotPurgeable, id)
	}
	status, err := purger.Purge(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("purge %s: %w", id, err)
	}
	return status, nil
}

// Reload rebuilds the snapshot through the loader. A contributor the loader
// flags with a load error is kept listed but excluded from assembly; the
// rest of the registry keeps operating.
func (r *Registry) Reload() error {
	if r.loader == nil {
		return fmt.Errorf("registry has no loader configured")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	installed, err := r.loader()
	if err != nil {
		return fmt.Errorf("reload contributors: %w", err)
	}
	for _, inst := range installed {
		if inst.LoadError != "" && r.Logf != nil {
			r.Logf("contributor %s failed to load: %s", inst.Descriptor.ID, inst.LoadError)
		}
	}
	r.snapshot.Store(newSnapshot(installed))
	return nil
}

// swap rebuilds the snapshot from a copy of the current install list. The
// caller must hold r.mu.
func (r *Registry) swap(mutate func([]Installed) []Installed) {
	current := r.Current().List()
	r.snapshot.Store(newSnapshot(mutate(current)))
}

// DescriptorEntry converts a registered descriptor into a composition entry
// carrying the descriptor's defaults.
func DescriptorEntry(d Descriptor) composition.Entry {
	return composition.Entry{
		ContributorID: d.ID,
		Priority:      d.Priority,
		TargetPct:     d.TargetPct,
		MinPct:        d.MinPct,
		MaxPct:        d.MaxPct,
		Condensable:   d.Condensable,
		Purgeable:     d.Purgeable,
		Active:        true,
	}
}
