package runtime

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Workana/li3-gearman/adapter"
	loggingpkg "github.com/Workana/li3-gearman/internal/runtime/logging"
)

type loggedEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]loggedEntry
	base    loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]loggedEntry{}}
}

func (r *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range r.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.entries = append(*r.entries, loggedEntry{level: level, msg: msg, err: err, fields: merged})
}

func (r *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	base := loggingpkg.LogFields{}
	for k, v := range r.base {
		base[k] = v
	}
	for k, v := range fields {
		base[k] = v
	}
	return &recordingLogger{mu: r.mu, entries: r.entries, base: base}
}

func (r *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	r.record("debug", msg, nil, fields)
}

func (r *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	r.record("info", msg, nil, fields)
}

func (r *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	r.record("error", msg, err, fields)
}

func (r *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	r.record("trace", msg, nil, fields)
}

func (r *recordingLogger) messages(level string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range *r.entries {
		if e.level == level {
			out = append(out, e.msg)
		}
	}
	return out
}

// runCall records one adapter.Run invocation.
type runCall struct {
	action  string
	args    map[string]any
	options map[string]any
}

type executeCall struct {
	action   string
	args     map[string]any
	env      map[string]any
	workload map[string]any
}

var errStubClosed = errors.New("stub: adapter closed")

type stubAdapter struct {
	settings adapter.Settings

	mu        sync.Mutex
	runs      []runCall
	executes  []executeCall
	scheduled int
	closed    atomic.Bool

	runResult any
	runErr    error
}

func (s *stubAdapter) Run(ctx context.Context, action string, args, options map[string]any) (any, error) {
	if s.closed.Load() {
		return nil, errStubClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, runCall{action: action, args: args, options: options})
	return s.runResult, s.runErr
}

func (s *stubAdapter) Execute(ctx context.Context, action string, args, env, workload map[string]any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executes = append(s.executes, executeCall{action: action, args: args, env: env, workload: workload})
	return "executed " + action, nil
}

func (s *stubAdapter) Scheduled(ctx context.Context) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled++
	return s.scheduled, nil
}

func (s *stubAdapter) Close() error {
	s.closed.Store(true)
	return nil
}

// stubFactory builds stubAdapters and remembers every instance.
type stubFactory struct {
	mu      sync.Mutex
	built   []*stubAdapter
	prepare func(*stubAdapter)
}

func (f *stubFactory) build(ctx context.Context, settings adapter.Settings) (adapter.Adapter, error) {
	a := &stubAdapter{settings: settings}
	if f.prepare != nil {
		f.prepare(a)
	}
	f.mu.Lock()
	f.built = append(f.built, a)
	f.mu.Unlock()
	return a, nil
}

func (f *stubFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func (f *stubFactory) last() *stubAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}

type testEnv struct {
	factory    *stubFactory
	adapters   *adapter.Registry
	registry   *Registry
	dispatcher *Dispatcher
	logger     *recordingLogger
	metrics    *prometheus.Registry
	output     *bytes.Buffer
}

func newTestEnv(t *testing.T, deps DispatcherDependencies) *testEnv {
	t.Helper()

	env := &testEnv{
		factory:  &stubFactory{},
		adapters: adapter.NewRegistry(),
		logger:   newRecordingLogger(),
		metrics:  prometheus.NewRegistry(),
		output:   &bytes.Buffer{},
	}
	env.adapters.Register("Job", env.factory.build)
	env.adapters.Register("Stub", env.factory.build)
	env.registry = NewRegistry(env.adapters, env.logger)

	if deps.Registerer == nil {
		deps.Registerer = env.metrics
	}
	if deps.Output == nil {
		deps.Output = env.output
	}
	d, err := NewDispatcher(env.registry, env.logger, deps)
	require.NoError(t, err)
	env.dispatcher = d
	return env
}
