// Package registry holds the registered function definitions the
// invocation plane serves. Definitions are created and mutated by
// control-plane operations outside this process; the registry is the
// in-memory, versioned view handlers and executors read from.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/telemetry"
)

type (
	// Registry is a concurrency-safe versioned definition store. The
	// latest sentinel resolves to the most recently registered version,
	// matching the code store's rolling latest.
	Registry struct {
		mu     sync.RWMutex
		byID   map[string]map[string]*fn.Definition
		latest map[string]string
		logger telemetry.Logger
	}

	// Option configures a Registry.
	Option func(*Registry)
)

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithDefinitions seeds the registry. Invalid definitions are skipped
// and logged; seeding never fails construction.
func WithDefinitions(defs ...*fn.Definition) Option {
	return func(r *Registry) {
		for _, def := range defs {
			if def == nil {
				continue
			}
			if err := r.register(def); err != nil {
				r.logger.Warn(context.Background(), "skipping invalid definition",
					"functionId", def.ID, "error", err.Error())
			}
		}
	}
}

// New builds an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byID:   make(map[string]map[string]*fn.Definition),
		latest: make(map[string]string),
		logger: telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates and stores a definition under its id and version.
// Registering an existing (id, version) replaces it; every successful
// registration moves the latest pointer.
func (r *Registry) Register(def *fn.Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(def)
}

func (r *Registry) register(def *fn.Definition) error {
	if def == nil {
		return fn.NewValidationError("definition is required")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	version := def.Version
	if version == "" || version == fn.Latest {
		return fn.NewValidationError(fmt.Sprintf("function %s: a concrete version is required", def.ID))
	}
	if _, err := semver.NewVersion(version); err != nil {
		return fn.NewValidationError(fmt.Sprintf("function %s: version %q is not semver", def.ID, version))
	}
	versions, ok := r.byID[def.ID]
	if !ok {
		versions = make(map[string]*fn.Definition)
		r.byID[def.ID] = versions
	}
	versions[version] = def
	r.latest[def.ID] = version
	return nil
}

// Lookup resolves (id, version) to a definition. An empty version and
// the latest sentinel resolve through the rolling latest pointer. A miss
// is a NotFoundError.
func (r *Registry) Lookup(_ context.Context, id, version string) (*fn.Definition, error) {
	if err := fn.ValidateID(id); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.byID[id]
	if !ok {
		return nil, fn.NewNotFoundError(fmt.Sprintf("function %s is not registered", id))
	}
	if version == "" || version == fn.Latest {
		version = r.latest[id]
	}
	def, ok := versions[version]
	if !ok {
		return nil, fn.NewNotFoundError(fmt.Sprintf("function %s@%s is not registered", id, version))
	}
	return def, nil
}

// Delete removes one version. Deleting the version behind the latest
// pointer moves the pointer to the highest remaining semver.
func (r *Registry) Delete(_ context.Context, id, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.byID[id]
	if !ok {
		return fn.NewNotFoundError(fmt.Sprintf("function %s is not registered", id))
	}
	if version == "" || version == fn.Latest {
		version = r.latest[id]
	}
	if _, ok := versions[version]; !ok {
		return fn.NewNotFoundError(fmt.Sprintf("function %s@%s is not registered", id, version))
	}
	delete(versions, version)
	if len(versions) == 0 {
		delete(r.byID, id)
		delete(r.latest, id)
		return nil
	}
	if r.latest[id] == version {
		r.latest[id] = highestVersion(versions)
	}
	return nil
}

// DeleteAll removes every version of id and reports how many were
// removed.
func (r *Registry) DeleteAll(_ context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.byID[id]
	if !ok {
		return 0, fn.NewNotFoundError(fmt.Sprintf("function %s is not registered", id))
	}
	n := len(versions)
	delete(r.byID, id)
	delete(r.latest, id)
	return n, nil
}

// List returns the registered function ids in lexical order.
func (r *Registry) List(_ context.Context) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Versions returns the versions of id in ascending semver order.
func (r *Registry) Versions(_ context.Context, id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.byID[id]
	if !ok {
		return nil, fn.NewNotFoundError(fmt.Sprintf("function %s is not registered", id))
	}
	parsed := make([]*semver.Version, 0, len(versions))
	for tag := range versions {
		v, err := semver.NewVersion(tag)
		if err != nil {
			continue
		}
		parsed = append(parsed, v)
	}
	sort.Sort(semver.Collection(parsed))
	out := make([]string, len(parsed))
	for i, v := range parsed {
		out[i] = v.Original()
	}
	return out, nil
}

func highestVersion(versions map[string]*fn.Definition) string {
	var best *semver.Version
	for tag := range versions {
		v, err := semver.NewVersion(tag)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
		}
	}
	if best == nil {
		return ""
	}
	return best.Original()
}
