package adapter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	gearmanerrors "github.com/Workana/li3-gearman/internal/runtime/errors"
)

// Builder constructs an adapter from configuration settings.
type Builder func(ctx context.Context, settings Settings) (Adapter, error)

type entry struct {
	name    string
	builder Builder
	caps    Capabilities
}

// Registry maps adapter identifiers to builders. Lookups ignore case, so a
// configuration may say "job" or "Job".
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// DefaultRegistry is the process-wide adapter table that built-in adapters
// register themselves in.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds or replaces the builder for name.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{Name: name})
}

// RegisterWithCapabilities adds or replaces the builder for name together with
// its capabilities.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	if caps.Name == "" {
		caps.Name = name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[strings.ToLower(name)] = entry{name: name, builder: builder, caps: caps}
}

// Build constructs the adapter named by settings.Adapter.
func (r *Registry) Build(ctx context.Context, settings Settings) (Adapter, error) {
	r.mu.RLock()
	e, ok := r.entries[strings.ToLower(settings.Adapter)]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", gearmanerrors.ErrUnknownAdapter, settings.Adapter, r.Names())
	}
	return e.builder(ctx, settings)
}

// GetCapabilities returns the capabilities registered for name.
func (r *Registry) GetCapabilities(name string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[strings.ToLower(name)]
	return e.caps, ok
}

// Names returns the registered identifiers as registered, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[strings.ToLower(name)]
	return ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to the default registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}
