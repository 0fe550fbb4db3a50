// Package adapter defines the capability set every job backend implements and
// the constructor table the configuration registry uses to build backends by
// their configured identifier.
package adapter

import (
	"context"

	"github.com/Workana/li3-gearman/internal/runtime/logging"
)

// ConfigNameOption is the option key the dispatcher injects into Run options.
const ConfigNameOption = "configName"

// Adapter is a job backend.
type Adapter interface {
	// Run submits action with args to the backend.
	Run(ctx context.Context, action string, args, options map[string]any) (any, error)
	// Execute performs action in-process, typically on a worker.
	Execute(ctx context.Context, action string, args, env, workload map[string]any) (any, error)
	// Scheduled performs periodic work such as releasing delayed jobs.
	Scheduled(ctx context.Context) (any, error)
}

// Consumer is implemented by adapters that can receive jobs for a worker loop.
// fn is called for each received job; a non-nil error rejects the job.
type Consumer interface {
	Consume(ctx context.Context, actions []string, fn ExecuteFunc) error
}

// ExecuteFunc runs one received job.
type ExecuteFunc func(ctx context.Context, action string, args, env, workload map[string]any) (any, error)

// Settings is everything an adapter constructor gets from a configuration.
// Filters stay with the dispatcher and are never passed down.
type Settings struct {
	ConfigName string
	Adapter    string
	Servers    []string
	Options    map[string]any
	Logger     logging.ServiceLogger
}

// Option returns Options[key] or fallback.
func (s Settings) Option(key string, fallback any) any {
	if v, ok := s.Options[key]; ok && v != nil {
		return v
	}
	return fallback
}

// Funcs adapts plain functions to Adapter. Nil fields return (nil, nil).
type Funcs struct {
	RunFunc       func(ctx context.Context, action string, args, options map[string]any) (any, error)
	ExecuteFunc   ExecuteFunc
	ScheduledFunc func(ctx context.Context) (any, error)
}

func (f Funcs) Run(ctx context.Context, action string, args, options map[string]any) (any, error) {
	if f.RunFunc == nil {
		return nil, nil
	}
	return f.RunFunc(ctx, action, args, options)
}

func (f Funcs) Execute(ctx context.Context, action string, args, env, workload map[string]any) (any, error) {
	if f.ExecuteFunc == nil {
		return nil, nil
	}
	return f.ExecuteFunc(ctx, action, args, env, workload)
}

func (f Funcs) Scheduled(ctx context.Context) (any, error) {
	if f.ScheduledFunc == nil {
		return nil, nil
	}
	return f.ScheduledFunc(ctx)
}

var _ Adapter = Funcs{}
