package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maps URL schemes to transport builders and their capabilities.
// Transport packages register themselves using Register.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new transport registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a transport builder for one or more URL schemes.
func (r *Registry) Register(builder Builder, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, scheme := range schemes {
		r.builders[strings.ToLower(scheme)] = builder
	}
}

// RegisterWithCapabilities adds a transport builder and its capabilities for
// the given schemes.
func (r *Registry) RegisterWithCapabilities(builder Builder, caps Capabilities, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, scheme := range schemes {
		scheme = strings.ToLower(scheme)
		r.builders[scheme] = builder
		r.capabilities[scheme] = caps
	}
}

// GetCapabilities returns the capabilities registered for scheme.
// Returns a Capabilities with only Name set if the scheme is unknown.
func (r *Registry) GetCapabilities(scheme string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[strings.ToLower(scheme)]; ok {
		return caps
	}
	return Capabilities{Name: scheme}
}

// Build creates a transport for ep using the builder registered for its scheme.
func (r *Registry) Build(ctx context.Context, ep Endpoint, logger watermill.LoggerAdapter) (Transport, error) {
	if ep.Scheme == "" {
		return Transport{}, fmt.Errorf("endpoint scheme is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	r.mu.RLock()
	builder, ok := r.builders[ep.Scheme]
	r.mu.RUnlock()

	if !ok {
		return Transport{}, fmt.Errorf("unknown transport: %q (registered: %v)", ep.Scheme, r.Names())
	}

	return builder(ctx, ep, logger)
}

// BuildDescriptor parses raw and builds the matching transport.
func (r *Registry) BuildDescriptor(ctx context.Context, raw, defaultScheme string, logger watermill.LoggerAdapter) (Transport, Endpoint, error) {
	ep, err := ParseEndpoint(raw, defaultScheme)
	if err != nil {
		return Transport{}, Endpoint{}, err
	}
	t, err := r.Build(ctx, ep, logger)
	return t, ep, err
}

// Names returns the registered schemes in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if a transport is registered for scheme.
func (r *Registry) Has(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[strings.ToLower(scheme)]
	return ok
}

// Register adds a transport builder to the default registry.
func Register(builder Builder, schemes ...string) {
	DefaultRegistry.Register(builder, schemes...)
}

// RegisterWithCapabilities adds a transport builder and its capabilities to the default registry.
func RegisterWithCapabilities(builder Builder, caps Capabilities, schemes ...string) {
	DefaultRegistry.RegisterWithCapabilities(builder, caps, schemes...)
}

// Build creates a transport using the default registry.
func Build(ctx context.Context, ep Endpoint, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, ep, logger)
}

// GetCapabilities returns the capabilities for a scheme from the default registry.
func GetCapabilities(scheme string) Capabilities {
	return DefaultRegistry.GetCapabilities(scheme)
}
