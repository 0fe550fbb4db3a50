package job

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cast"
)

// ErrUnknownAction is returned by Execute when no handler is registered.
var ErrUnknownAction = errors.New("gearman: unknown action")

// Request is what a handler receives.
type Request struct {
	ConfigName string
	Action     string
	Args       map[string]any
	// Env is the process environment overlaid with the env passed to Execute.
	Env      map[string]string
	Workload map[string]any
}

// HandlerFunc performs one action.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// Handlers maps action names to handlers.
type Handlers struct {
	mu sync.RWMutex
	m  map[string]HandlerFunc
}

// DefaultHandlers is used by Job adapters built without WithHandlers.
var DefaultHandlers = NewHandlers()

// NewHandlers creates an empty handler table.
func NewHandlers() *Handlers {
	return &Handlers{m: make(map[string]HandlerFunc)}
}

// Handle registers fn for action, replacing any previous handler.
func (h *Handlers) Handle(action string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[action] = fn
}

// Lookup returns the handler for action.
func (h *Handlers) Lookup(action string) (HandlerFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.m[action]
	return fn, ok
}

// Actions returns the registered action names, sorted.
func (h *Handlers) Actions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	actions := make([]string, 0, len(h.m))
	for a := range h.m {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return actions
}

// Handle registers fn for action in DefaultHandlers.
func Handle(action string, fn HandlerFunc) {
	DefaultHandlers.Handle(action, fn)
}

func layerEnv(environ []string, overrides map[string]any) map[string]string {
	env := make(map[string]string, len(environ)+len(overrides))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	for k, v := range overrides {
		env[k] = cast.ToString(v)
	}
	return env
}
