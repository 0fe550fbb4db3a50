package runtime

import (
	"context"

	"github.com/Workana/li3-gearman/chain"
)

// Operation names a dispatch entry point.
type Operation string

const (
	OperationRun       Operation = "run"
	OperationExecute   Operation = "execute"
	OperationScheduled Operation = "scheduled"
)

// Params is the parameter bag every filter receives. Filters change it by
// passing a modified copy to next; maps are shared, so replace rather than
// mutate them.
type Params struct {
	Operation  Operation
	ConfigName string
	Action     string
	Args       map[string]any
	// Options is only set for run.
	Options map[string]any
	// Env and Workload are only set for execute.
	Env      map[string]any
	Workload map[string]any
}

// Handler is a link of the dispatch chain.
type Handler = chain.Handler[Params, any]

// Filter is a dispatch interceptor.
type Filter = chain.Filter[Params, any]

// FilterFunc is the plain function form of Filter, accepted in configuration
// filter lists.
type FilterFunc func(ctx context.Context, params Params, next Handler) (any, error)

// WithOption returns a copy of p whose Options include key=value.
func (p Params) WithOption(key string, value any) Params {
	p.Options = withEntry(p.Options, key, value)
	return p
}

// WithEnv returns a copy of p whose Env includes key=value.
func (p Params) WithEnv(key string, value any) Params {
	p.Env = withEntry(p.Env, key, value)
	return p
}

func withEntry(m map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}

// union returns left ∪ right where left wins on key collisions.
func union(left, right map[string]any) map[string]any {
	out := make(map[string]any, len(left)+len(right))
	for k, v := range right {
		out[k] = v
	}
	for k, v := range left {
		out[k] = v
	}
	return out
}
