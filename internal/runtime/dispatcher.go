package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Workana/li3-gearman/adapter"
	"github.com/Workana/li3-gearman/chain"
	configpkg "github.com/Workana/li3-gearman/internal/runtime/config"
	errspkg "github.com/Workana/li3-gearman/internal/runtime/errors"
	loggingpkg "github.com/Workana/li3-gearman/internal/runtime/logging"
)

// PingMessage is what Ping writes when called from a scheduler.
const PingMessage = "[Scheduled PING] OK\n"

// ConfigNameInjection selects the operations whose adapter call receives the
// configuration name: run gets it in options, execute in env. Both use the
// adapter.ConfigNameOption key.
type ConfigNameInjection struct {
	Run     bool
	Execute bool
}

// DefaultConfigNameInjection injects the name into run options only.
func DefaultConfigNameInjection() ConfigNameInjection {
	return ConfigNameInjection{Run: true}
}

// DispatcherDependencies holds the optional collaborators of a Dispatcher.
// Zero values select the defaults.
type DispatcherDependencies struct {
	Filters               []FilterRegistration // Added after the built-in filter table, replacing entries with the same name.
	DisableDefaultFilters bool                 // Skips the built-in filter table when true.
	InjectConfigName      *ConfigNameInjection
	Registerer            prometheus.Registerer
	TracerProvider        trace.TracerProvider
	Retry                 RetryConfig
	Timeout               time.Duration
	Hooks                 JobHooks
	ErrorClassifier       ErrorClassifier
	// Output receives the scheduled ping line. Defaults to os.Stdout.
	Output io.Writer
}

// Dispatcher runs the run, execute and scheduled operations of a named
// configuration through that configuration's filter chain.
type Dispatcher struct {
	Logger loggingpkg.ServiceLogger

	registry       *Registry
	inject         ConfigNameInjection
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
	retry          RetryConfig
	timeout        time.Duration
	hooks          JobHooks
	classifier     ErrorClassifier
	output         io.Writer

	filtersMu sync.RWMutex
	filters   map[string]Filter
}

// NewDispatcher wires a dispatcher to registry and builds its named filter
// table.
func NewDispatcher(registry *Registry, logger loggingpkg.ServiceLogger, deps DispatcherDependencies) (*Dispatcher, error) {
	if registry == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	d := &Dispatcher{
		Logger:         logger,
		registry:       registry,
		inject:         DefaultConfigNameInjection(),
		registerer:     deps.Registerer,
		tracerProvider: deps.TracerProvider,
		retry:          deps.Retry,
		timeout:        deps.Timeout,
		hooks:          deps.Hooks,
		classifier:     deps.ErrorClassifier,
		output:         deps.Output,
		filters:        make(map[string]Filter),
	}
	if deps.InjectConfigName != nil {
		d.inject = *deps.InjectConfigName
	}
	if d.registerer == nil {
		d.registerer = prometheus.DefaultRegisterer
	}
	if d.tracerProvider == nil {
		d.tracerProvider = otel.GetTracerProvider()
	}
	if d.classifier == nil {
		d.classifier = DefaultErrorClassifier
	}
	if d.output == nil {
		d.output = os.Stdout
	}

	var registrations []FilterRegistration
	if !deps.DisableDefaultFilters {
		registrations = append(registrations, DefaultFilters()...)
	}
	registrations = append(registrations, deps.Filters...)
	for _, reg := range registrations {
		if err := d.RegisterFilter(reg); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Registry returns the configuration registry the dispatcher reads from.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// RegisterFilter makes a filter available under reg.Name, replacing any
// filter with that name.
func (d *Dispatcher) RegisterFilter(reg FilterRegistration) error {
	name := normalizeFilterName(reg.Name)
	if name == "" {
		return fmt.Errorf("%w: filter registration requires a name", errspkg.ErrInvalidFilter)
	}

	f := reg.Filter
	switch {
	case f != nil:
	case reg.Builder != nil && reg.Lazy:
		f = d.lazyFilter(name, reg.Builder)
	case reg.Builder != nil:
		var err error
		if f, err = reg.Builder(d); err != nil {
			return fmt.Errorf("build filter %q: %w", name, err)
		}
		if f == nil {
			return nil
		}
	default:
		return fmt.Errorf("%w: filter %q requires Filter or Builder", errspkg.ErrInvalidFilter, name)
	}

	d.filtersMu.Lock()
	d.filters[name] = f
	d.filtersMu.Unlock()
	return nil
}

// lazyFilter builds the filter on its first call and reuses it afterwards.
func (d *Dispatcher) lazyFilter(name string, build FilterBuilder) Filter {
	var (
		once  sync.Once
		built Filter
		err   error
	)
	return func(ctx context.Context, params Params, next Handler) (any, error) {
		once.Do(func() {
			if built, err = build(d); err != nil {
				err = fmt.Errorf("build filter %q: %w", name, err)
			}
		})
		if err != nil {
			return nil, err
		}
		if built == nil {
			return next(ctx, params)
		}
		return built(ctx, params, next)
	}
}

// FilterNames returns the names configurations can use, sorted.
func (d *Dispatcher) FilterNames() []string {
	d.filtersMu.RLock()
	defer d.filtersMu.RUnlock()
	names := make([]string, 0, len(d.filters))
	for name := range d.filters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configure stores settings under name. See Registry.Configure.
func (d *Dispatcher) Configure(name string, settings any) {
	d.registry.Configure(name, settings)
}

// GetConfig returns the normalized configuration for name.
func (d *Dispatcher) GetConfig(name string) (*configpkg.Configuration, error) {
	return d.registry.GetConfig(name)
}

// Run submits action through the adapter of configName. The adapter receives
// options with the configuration name added under adapter.ConfigNameOption;
// the injected value wins over a caller supplied one.
func (d *Dispatcher) Run(ctx context.Context, configName, action string, args, options map[string]any) (any, error) {
	params := Params{
		Operation:  OperationRun,
		ConfigName: configName,
		Action:     action,
		Args:       args,
		Options:    options,
	}
	return d.dispatch(ctx, params, func(ctx context.Context, a adapter.Adapter, p Params) (any, error) {
		opts := p.Options
		if d.inject.Run {
			opts = union(map[string]any{adapter.ConfigNameOption: p.ConfigName}, opts)
		}
		return a.Run(ctx, p.Action, p.Args, opts)
	})
}

// Execute performs action through the adapter of configName.
func (d *Dispatcher) Execute(ctx context.Context, configName, action string, args, env, workload map[string]any) (any, error) {
	params := Params{
		Operation:  OperationExecute,
		ConfigName: configName,
		Action:     action,
		Args:       args,
		Env:        env,
		Workload:   workload,
	}
	return d.dispatch(ctx, params, func(ctx context.Context, a adapter.Adapter, p Params) (any, error) {
		env := p.Env
		if d.inject.Execute {
			env = union(map[string]any{adapter.ConfigNameOption: p.ConfigName}, env)
		}
		return a.Execute(ctx, p.Action, p.Args, env, p.Workload)
	})
}

// Scheduled runs the periodic work of the adapter of configName.
func (d *Dispatcher) Scheduled(ctx context.Context, configName string) (any, error) {
	params := Params{Operation: OperationScheduled, ConfigName: configName}
	return d.dispatch(ctx, params, func(ctx context.Context, a adapter.Adapter, _ Params) (any, error) {
		return a.Scheduled(ctx)
	})
}

// Consume feeds jobs for actions received by the adapter of configName into
// Execute, so worker-side execution passes through the configured filters.
// It blocks until ctx is cancelled.
func (d *Dispatcher) Consume(ctx context.Context, configName string, actions []string) error {
	a, err := d.registry.ResolveAdapter(ctx, configName)
	if err != nil {
		return err
	}
	consumer, ok := a.(adapter.Consumer)
	if !ok {
		return errspkg.ForConfiguration(configName, errspkg.ErrConsumeUnsupported)
	}
	return consumer.Consume(ctx, actions, func(ctx context.Context, action string, args, env, workload map[string]any) (any, error) {
		return d.Execute(ctx, configName, action, args, env, workload)
	})
}

// Ping returns "OK". When scheduled is true it writes PingMessage to the
// dispatcher output instead and returns an empty string.
func (d *Dispatcher) Ping(scheduled bool) string {
	out, err := Ping(d.output, scheduled)
	if err != nil {
		d.Logger.Error("Failed to write ping", err, nil)
	}
	return out
}

// Ping is the configuration independent liveness check: "OK", or with
// scheduled set, PingMessage written to w and "".
func Ping(w io.Writer, scheduled bool) (string, error) {
	if !scheduled {
		return "OK", nil
	}
	_, err := io.WriteString(w, PingMessage)
	return "", err
}

type invokeFunc func(ctx context.Context, a adapter.Adapter, p Params) (any, error)

// dispatch is the single path shared by every operation: configuration,
// filters, chain, then the adapter at the innermost link.
func (d *Dispatcher) dispatch(ctx context.Context, params Params, invoke invokeFunc) (any, error) {
	cfg, _, err := d.registry.config(params.ConfigName)
	if err != nil {
		return nil, err
	}

	filters, err := d.resolveFilters(cfg.Filters)
	if err != nil {
		return nil, errspkg.ForConfiguration(params.ConfigName, err)
	}

	base := func(ctx context.Context, p Params) (any, error) {
		a, err := d.registry.ResolveAdapter(ctx, p.ConfigName)
		if err != nil {
			return nil, err
		}
		return invoke(ctx, a, p)
	}
	return chain.Chain(base, filters...)(ctx, params)
}

func (d *Dispatcher) resolveFilters(specs []any) ([]Filter, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	filters := make([]Filter, 0, len(specs))
	var errs []error
	for i, spec := range specs {
		f, err := d.resolveFilter(spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("filters[%d]: %w", i, err))
			continue
		}
		if f != nil {
			filters = append(filters, f)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return filters, nil
}

func (d *Dispatcher) resolveFilter(spec any) (Filter, error) {
	switch v := spec.(type) {
	case nil:
		return nil, nil
	case Filter:
		return v, nil
	case FilterFunc:
		return Filter(v), nil
	case func(context.Context, Params, Handler) (any, error):
		return Filter(v), nil
	case FilterRegistration:
		if v.Filter != nil {
			return v.Filter, nil
		}
		if v.Builder == nil {
			return nil, fmt.Errorf("%w: filter %q requires Filter or Builder", errspkg.ErrInvalidFilter, v.Name)
		}
		return v.Builder(d)
	case string:
		name := normalizeFilterName(v)
		d.filtersMu.RLock()
		f, ok := d.filters[name]
		d.filtersMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: unknown filter %q (registered: %v)", errspkg.ErrInvalidFilter, v, d.FilterNames())
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: unsupported filter of type %T", errspkg.ErrInvalidFilter, spec)
	}
}

func normalizeFilterName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
