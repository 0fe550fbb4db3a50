package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cast"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/Workana/li3-gearman/internal/runtime/errors"
	idspkg "github.com/Workana/li3-gearman/internal/runtime/ids"
	loggingpkg "github.com/Workana/li3-gearman/internal/runtime/logging"
	"github.com/Workana/li3-gearman/internal/runtime/metadata"
)

// Names of the built-in filters that configurations can list.
const (
	FilterCorrelationID = "correlation_id"
	FilterLogging       = "logging"
	FilterRecover       = "recover"
	FilterTracing       = "tracing"
	FilterMetrics       = "metrics"
	FilterRetry         = "retry"
	FilterTimeout       = "timeout"
	FilterHooks         = "hooks"
)

// TracerName is the instrumentation name of dispatch spans.
const TracerName = "github.com/Workana/li3-gearman"

// DefaultTimeout bounds a call wrapped by the timeout filter when the
// dispatcher has no Timeout dependency.
const DefaultTimeout = 30 * time.Second

// FilterBuilder constructs a named filter for a dispatcher.
type FilterBuilder func(*Dispatcher) (Filter, error)

// FilterRegistration makes a filter available by name to configuration
// filter lists. Either Filter or Builder must be set. A Builder returning a
// nil filter leaves the name unregistered.
//
// A Lazy registration runs Builder when a configuration first dispatches
// through the filter instead of at registration, so it is always listed and a
// nil result makes it a pass-through.
type FilterRegistration struct {
	Name    string
	Filter  Filter
	Builder FilterBuilder
	Lazy    bool
}

// RetryConfig customises the retry filter.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryIf decides whether an error is worth another try. Defaults to the
	// dispatcher's error classifier.
	RetryIf func(error) bool
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = func(err error) bool { return DefaultErrorClassifier(err).Retryable() }
	}
	return cfg
}

// DefaultFilters returns the built-in filter table. None of them run unless a
// configuration lists them by name.
func DefaultFilters() []FilterRegistration {
	return []FilterRegistration{
		{Name: FilterCorrelationID, Filter: CorrelationIDFilter()},
		{Name: FilterLogging, Builder: func(d *Dispatcher) (Filter, error) {
			return LoggingFilter(d.Logger), nil
		}},
		{Name: FilterRecover, Builder: func(d *Dispatcher) (Filter, error) {
			return RecoverFilter(d.Logger), nil
		}},
		{Name: FilterTracing, Builder: func(d *Dispatcher) (Filter, error) {
			return TracingFilter(d.tracerProvider), nil
		}},
		{Name: FilterMetrics, Lazy: true, Builder: func(d *Dispatcher) (Filter, error) {
			return MetricsFilter(d.registerer, d.classifier)
		}},
		{Name: FilterRetry, Builder: func(d *Dispatcher) (Filter, error) {
			cfg := d.retry
			if cfg.RetryIf == nil {
				classify := d.classifier
				cfg.RetryIf = func(err error) bool { return classify(err).Retryable() }
			}
			return RetryFilter(cfg), nil
		}},
		{Name: FilterTimeout, Builder: func(d *Dispatcher) (Filter, error) {
			return TimeoutFilter(d.timeout), nil
		}},
		{Name: FilterHooks, Builder: func(d *Dispatcher) (Filter, error) {
			if d.hooks.IsZero() {
				return nil, nil
			}
			return HooksFilter(d.hooks), nil
		}},
	}
}

// CorrelationIDFilter makes sure the context carries a correlation id. An id
// found in an execute workload is reused, otherwise a new ULID is generated.
func CorrelationIDFilter() Filter {
	return func(ctx context.Context, params Params, next Handler) (any, error) {
		if metadata.CorrelationIDFromContext(ctx) == "" {
			id := cast.ToString(params.Workload["correlation_id"])
			if id == "" {
				id = idspkg.New()
			}
			ctx = metadata.WithCorrelationID(ctx, id)
		}
		return next(ctx, params)
	}
}

// LoggingFilter logs every call with its duration and outcome.
func LoggingFilter(logger loggingpkg.ServiceLogger) Filter {
	return HooksFilter(LoggingHooks(logger))
}

// RecoverFilter turns a panic in the rest of the chain into an ErrPanic error.
func RecoverFilter(logger loggingpkg.ServiceLogger) Filter {
	return func(ctx context.Context, params Params, next Handler) (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", errspkg.ErrPanic, r)
				result = nil
				logger.Error("Recovered from panic", err, loggingpkg.LogFields{
					"operation": string(params.Operation),
					"config":    params.ConfigName,
					"action":    params.Action,
					"stack":     string(debug.Stack()),
				})
			}
		}()
		return next(ctx, params)
	}
}

// TracingFilter wraps the rest of the chain in an OpenTelemetry span named
// after the operation.
func TracingFilter(tp trace.TracerProvider) Filter {
	tracer := tp.Tracer(TracerName)
	return func(ctx context.Context, params Params, next Handler) (any, error) {
		kind := trace.SpanKindInternal
		switch params.Operation {
		case OperationRun:
			kind = trace.SpanKindProducer
		case OperationExecute:
			kind = trace.SpanKindConsumer
		}

		ctx, span := tracer.Start(ctx, "gearman."+string(params.Operation),
			trace.WithSpanKind(kind),
			trace.WithAttributes(
				attribute.String("gearman.config", params.ConfigName),
				attribute.String("gearman.action", params.Action),
			),
		)
		defer span.End()

		if id := metadata.CorrelationIDFromContext(ctx); id != "" {
			span.SetAttributes(attribute.String("gearman.correlation_id", id))
		}

		result, err := next(ctx, params)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return result, err
	}
}

// MetricsFilter counts calls and observes their duration. Collectors already
// registered with reg are reused, so several dispatchers can share one
// registry.
func MetricsFilter(reg prometheus.Registerer, classify ErrorClassifier) (Filter, error) {
	if classify == nil {
		classify = DefaultErrorClassifier
	}

	calls, err := registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gearman",
		Name:      "dispatch_total",
		Help:      "Dispatch calls by operation, configuration and outcome.",
	}, []string{"operation", "config", "status"}))
	if err != nil {
		return nil, err
	}
	duration, err := registerCollector(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gearman",
		Name:      "dispatch_duration_seconds",
		Help:      "Duration of dispatch calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "config"}))
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, params Params, next Handler) (any, error) {
		start := time.Now()
		result, err := next(ctx, params)

		op := string(params.Operation)
		duration.WithLabelValues(op, params.ConfigName).Observe(time.Since(start).Seconds())
		calls.WithLabelValues(op, params.ConfigName, string(classify(err))).Inc()
		return result, err
	}, nil
}

func registerCollector[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metrics: %w", err)
	}
	return c, nil
}

// RetryFilter calls the rest of the chain again with exponential backoff while
// cfg.RetryIf accepts the error. Each try sees its attempt number through
// JobContext.Attempt.
func RetryFilter(cfg RetryConfig) Filter {
	cfg = cfg.withDefaults()
	return func(ctx context.Context, params Params, next Handler) (any, error) {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.InitialInterval
		b.MaxInterval = cfg.MaxInterval

		attempt := 0
		return backoff.Retry(ctx, func() (any, error) {
			attempt++
			result, err := next(withAttempt(ctx, attempt), params)
			if err != nil && !cfg.RetryIf(err) {
				return result, backoff.Permanent(err)
			}
			return result, err
		}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(cfg.MaxRetries+1)))
	}
}

// TimeoutFilter cancels the rest of the chain after d. A non-positive d means
// DefaultTimeout.
func TimeoutFilter(d time.Duration) Filter {
	if d <= 0 {
		d = DefaultTimeout
	}
	return func(ctx context.Context, params Params, next Handler) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx, params)
	}
}
