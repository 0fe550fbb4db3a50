package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/Workana/li3-gearman/adapter"
	configpkg "github.com/Workana/li3-gearman/internal/runtime/config"
	errspkg "github.com/Workana/li3-gearman/internal/runtime/errors"
	loggingpkg "github.com/Workana/li3-gearman/internal/runtime/logging"
)

// entry is everything the registry keeps for one configuration name. gen is
// bumped by every Configure so constructions started for older settings can
// be recognised and discarded.
type entry struct {
	raw        any
	gen        uint64
	normalized *configpkg.Configuration
	instance   adapter.Adapter
}

// Registry stores named configurations and owns one lazily built adapter per
// name. It is safe for concurrent use.
type Registry struct {
	adapters *adapter.Registry
	logger   loggingpkg.ServiceLogger

	mu      sync.RWMutex
	entries map[string]*entry
	gen     uint64
	retired []retiredAdapter

	group singleflight.Group
}

// NewRegistry creates an empty configuration registry that builds adapters
// from the given constructor table. A nil table means adapter.DefaultRegistry
// and a nil logger discards output.
func NewRegistry(adapters *adapter.Registry, logger loggingpkg.ServiceLogger) *Registry {
	if adapters == nil {
		adapters = adapter.DefaultRegistry
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &Registry{
		adapters: adapters,
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

// retiredAdapter is an instance dropped from the cache by Configure or Remove.
// Calls started before the drop may still be using it, so it stays open until
// Close.
type retiredAdapter struct {
	name     string
	instance adapter.Adapter
}

// Configure stores settings under name, replacing what was there. Settings are
// not validated until first access. A cached adapter for name is dropped from
// the cache; the next resolution builds a new one.
func (r *Registry) Configure(name string, settings any) {
	r.mu.Lock()
	r.gen++
	old := r.entries[name]
	r.entries[name] = &entry{raw: settings, gen: r.gen}
	if old != nil {
		r.retireLocked(name, old.instance)
	}
	r.mu.Unlock()

	if old != nil {
		r.logger.Debug("Configuration replaced", loggingpkg.LogFields{
			"config":          name,
			"adapter_retired": old.instance != nil,
		})
	}
}

// Remove forgets name and drops its cached adapter. It reports whether the
// name was registered.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	old, ok := r.entries[name]
	delete(r.entries, name)
	if ok {
		r.retireLocked(name, old.instance)
	}
	r.mu.Unlock()

	if ok {
		r.logger.Debug("Configuration removed", loggingpkg.LogFields{
			"config":          name,
			"adapter_retired": old.instance != nil,
		})
	}
	return ok
}

func (r *Registry) retireLocked(name string, inst adapter.Adapter) {
	if inst == nil {
		return
	}
	r.retired = append(r.retired, retiredAdapter{name: name, instance: inst})
}

// Names returns the registered configuration names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetConfig returns a copy of the normalized configuration registered under
// name. It fails with ErrConfigurationMissing, ErrConfigurationInvalid or
// ErrNoServersDefined, wrapped with the name.
func (r *Registry) GetConfig(name string) (*configpkg.Configuration, error) {
	cfg, _, err := r.config(name)
	if err != nil {
		return nil, err
	}
	return cfg.Clone(), nil
}

// config normalizes the entry once per registration and returns the shared
// normalized value with the generation it belongs to.
func (r *Registry) config(name string) (*configpkg.Configuration, uint64, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	var cfg *configpkg.Configuration
	var gen uint64
	var raw any
	if ok {
		cfg, gen, raw = e.normalized, e.gen, e.raw
	}
	r.mu.RUnlock()

	if !ok {
		return nil, 0, errspkg.ForConfiguration(name, errspkg.ErrConfigurationMissing)
	}

	if cfg == nil {
		normalized, err := configpkg.Normalize(name, raw)
		if err != nil {
			return nil, 0, errspkg.ForConfiguration(name, err)
		}
		r.mu.Lock()
		if cur := r.entries[name]; cur != nil && cur.gen == gen {
			if cur.normalized == nil {
				cur.normalized = normalized
			}
			normalized = cur.normalized
		}
		r.mu.Unlock()
		cfg = normalized
	}

	if err := cfg.Validate(); err != nil {
		return nil, 0, errspkg.ForConfiguration(name, err)
	}
	return cfg, gen, nil
}

// errStale reports that the configuration was replaced while its adapter was
// being built.
var errStale = errors.New("gearman: configuration replaced during adapter construction")

// ResolveAdapter returns the adapter cached for name, building it on first
// use. Concurrent first calls share a single construction.
func (r *Registry) ResolveAdapter(ctx context.Context, name string) (adapter.Adapter, error) {
	for {
		inst, err := r.resolve(ctx, name)
		if !errors.Is(err, errStale) {
			return inst, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (r *Registry) resolve(ctx context.Context, name string) (adapter.Adapter, error) {
	cfg, gen, err := r.config(name)
	if err != nil {
		return nil, err
	}

	if inst := r.cached(name, gen); inst != nil {
		return inst, nil
	}

	key := name + "\x00" + strconv.FormatUint(gen, 10)
	v, err, _ := r.group.Do(key, func() (any, error) {
		if inst := r.cached(name, gen); inst != nil {
			return inst, nil
		}
		return r.build(ctx, cfg, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(adapter.Adapter), nil
}

func (r *Registry) cached(name string, gen uint64) adapter.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e := r.entries[name]; e != nil && e.gen == gen {
		return e.instance
	}
	return nil
}

func (r *Registry) build(ctx context.Context, cfg *configpkg.Configuration, gen uint64) (adapter.Adapter, error) {
	settings := adapter.Settings{
		ConfigName: cfg.Name,
		Adapter:    cfg.Adapter,
		Servers:    append([]string(nil), cfg.Servers...),
		Options:    cfg.Clone().Options,
		Logger:     r.logger,
	}

	inst, err := r.adapters.Build(ctx, settings)
	if err != nil {
		return nil, errspkg.ForConfiguration(cfg.Name, err)
	}
	if inst == nil {
		return nil, errspkg.ForConfiguration(cfg.Name, fmt.Errorf("%w: %q built a nil adapter", errspkg.ErrUnknownAdapter, cfg.Adapter))
	}

	r.mu.Lock()
	e := r.entries[cfg.Name]
	current := e != nil && e.gen == gen
	if current {
		e.instance = inst
	}
	r.mu.Unlock()

	if !current {
		r.logger.Debug("Discarding adapter built for replaced configuration", loggingpkg.LogFields{"config": cfg.Name})
		r.release(cfg.Name, inst)
		return nil, errStale
	}

	r.logger.Info("Adapter created", loggingpkg.LogFields{
		"config":  cfg.Name,
		"adapter": cfg.Adapter,
		"servers": len(cfg.Servers),
	})
	return inst, nil
}

func (r *Registry) release(name string, inst adapter.Adapter) {
	closer, ok := inst.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		r.logger.Error("Failed to close adapter", err, loggingpkg.LogFields{"config": name})
	}
}

// Close closes every cached and retired adapter that implements io.Closer and
// forgets the instances. Configurations stay registered.
func (r *Registry) Close() error {
	r.mu.Lock()
	open := r.retired
	r.retired = nil
	for name, e := range r.entries {
		if e.instance != nil {
			open = append(open, retiredAdapter{name: name, instance: e.instance})
		}
		e.instance = nil
	}
	r.mu.Unlock()

	var errs []error
	for _, ra := range open {
		closer, ok := ra.instance.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", ra.name, err))
		}
	}
	return errors.Join(errs...)
}
