/*
Package runtime provides the dispatch core of li3-gearman.

# Architecture Overview

Application code names a configuration instead of a queue technology. The
runtime resolves that name to settings and a cached adapter, and runs every
call through the filters the configuration lists.

	caller -> Dispatcher -> Registry (config, adapter) -> filter chain -> adapter

# Package Structure

## Registry (registry.go)

The Registry stores raw settings per configuration name and owns one lazily
built adapter per name:
  - Configure stores settings without validating them and invalidates the
    cached adapter
  - GetConfig normalizes once per registration and validates on every access
  - ResolveAdapter builds through the adapter constructor table; concurrent
    first calls share one construction

## Dispatcher (dispatcher.go)

Run, Execute and Scheduled share a single path: resolve the configuration,
resolve its filters, build the chain, invoke the adapter at the innermost
link. Run adds the configuration name to the adapter options.

## Filters (filters.go, hooks.go)

Configurations list filters as functions or by name. Built-in names:
  - correlation_id: ensures a correlation id in the context
  - logging: logs every call with its duration
  - recover: turns panics into errors
  - tracing: OpenTelemetry spans
  - metrics: Prometheus counters and histograms
  - retry: exponential backoff retry
  - timeout: bounds the call duration
  - hooks: JobHooks supplied to the dispatcher

## Status (status.go)

JSON description of every configuration for health endpoints.

# Sub-packages

  - config/: settings normalization, validation and file loading
  - errors/: sentinel errors
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling
  - logging/: logger interface and adapters
  - metadata/: message headers and correlation ids

# Usage Example

	registry := runtime.NewRegistry(nil, logger)
	registry.Configure("default", config.Settings{
		"servers": []string{"nats://localhost:4222"},
		"filters": []any{"logging", "retry"},
	})

	d, err := runtime.NewDispatcher(registry, logger, runtime.DispatcherDependencies{})
	if err != nil {
		return err
	}
	receipt, err := d.Run(ctx, "default", "send_mail", map[string]any{"to": "ops@example.com"}, nil)
*/
package runtime
