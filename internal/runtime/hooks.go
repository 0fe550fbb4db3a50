package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/Workana/li3-gearman/internal/runtime/logging"
)

// JobContext describes one dispatch call to hooks.
type JobContext struct {
	Operation  Operation
	ConfigName string
	Action     string
	// Context is the context the call was made with.
	Context context.Context
	// StartedAt is when the call entered the hooks filter.
	StartedAt time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
	// Attempt is 1 for the first try and grows when an outer retry filter
	// calls again.
	Attempt int
}

// JobHooks defines callbacks for dispatch lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the rest of the chain runs.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when the rest of the chain returned without error.
	OnJobDone func(ctx JobContext)

	// OnJobError is called with the error returned by the rest of the chain.
	OnJobError func(ctx JobContext, err error)
}

// IsZero reports whether no hook is set.
func (h JobHooks) IsZero() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// HooksFilter invokes hooks around the rest of the chain. It never changes
// the result.
func HooksFilter(hooks JobHooks) Filter {
	return func(ctx context.Context, params Params, next Handler) (any, error) {
		jobCtx := JobContext{
			Operation:  params.Operation,
			ConfigName: params.ConfigName,
			Action:     params.Action,
			Context:    ctx,
			StartedAt:  time.Now(),
			Attempt:    attemptFromContext(ctx),
		}

		if hooks.OnJobStart != nil {
			hooks.OnJobStart(jobCtx)
		}

		result, err := next(ctx, params)
		jobCtx.Duration = time.Since(jobCtx.StartedAt)

		if err != nil {
			if hooks.OnJobError != nil {
				hooks.OnJobError(jobCtx, err)
			}
		} else if hooks.OnJobDone != nil {
			hooks.OnJobDone(jobCtx)
		}
		return result, err
	}
}

// LoggingHooks returns hooks that log every dispatch call.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"operation": string(ctx.Operation),
			"config":    ctx.ConfigName,
			"action":    ctx.Action,
			"attempt":   ctx.Attempt,
		}
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Job completed", f)
		},
		OnJobError: func(ctx JobContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Job failed", err, f)
		},
	}
}

// MetricsHooks returns hooks that report each lifecycle event by operation and
// configuration name.
func MetricsHooks(onStart, onDone, onError func(op Operation, configName string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Operation, ctx.ConfigName)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Operation, ctx.ConfigName)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Operation, ctx.ConfigName)
			}
		},
	}
}

// AlertingHooks returns hooks that call alertFunc on every failure.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}

type attemptKey struct{}

func withAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

func attemptFromContext(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey{}).(int); ok && n > 0 {
		return n
	}
	return 1
}
