// Package job is the baseline "Job" adapter. It publishes every Run as an
// encoded Envelope over Watermill transports built from the configured
// servers and executes actions through a table of registered handlers.
//
// Delayed jobs are published at once with their run time. Servers whose
// transport has delayed delivery hold them back; on every other transport the
// consumer waits for the run time before executing. With hold_delayed set the
// adapter keeps delayed jobs in memory instead, Scheduled publishes the due
// ones and Close publishes the rest.
//
// Adapter options:
//
//	transport     scheme used for bare host:port servers (default "channel")
//	topic_prefix  prefix of every action topic (default "gearman.")
//	codec         "json" (default) or "proto"
//	hold_delayed  keep delayed jobs in memory until Scheduled (default false)
package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/spf13/cast"

	"github.com/Workana/li3-gearman/adapter"
	gearmanerrors "github.com/Workana/li3-gearman/internal/runtime/errors"
	"github.com/Workana/li3-gearman/internal/runtime/ids"
	"github.com/Workana/li3-gearman/internal/runtime/logging"
	"github.com/Workana/li3-gearman/internal/runtime/metadata"
	"github.com/Workana/li3-gearman/transport"
	_ "github.com/Workana/li3-gearman/transport/channel"
)

// Name is the adapter identifier configurations use by default.
const Name = "Job"

// Adapter options.
const (
	OptionTransport   = "transport"
	OptionTopicPrefix = "topic_prefix"
	OptionCodec       = "codec"
	OptionHoldDelayed = "hold_delayed"

	DefaultTopicPrefix = "gearman."
)

// Capabilities of the Job adapter.
var Capabilities = adapter.Capabilities{
	Name:        Name,
	Consume:     true,
	DelayedJobs: true,
	Closable:    true,
}

func init() {
	adapter.RegisterWithCapabilities(Name, NewBuilder(), Capabilities)
}

// Receipt is the result of Run.
type Receipt struct {
	ID     string    `json:"id"`
	Action string    `json:"action"`
	Topic  string    `json:"topic"`
	Server string    `json:"server,omitempty"`
	RunAt  time.Time `json:"run_at"`
	// Scheduled is true when the job is held in memory until Scheduled or
	// Close publishes it.
	Scheduled bool `json:"scheduled"`
}

// ScheduledReport is the result of Scheduled.
type ScheduledReport struct {
	Published int `json:"published"`
	Pending   int `json:"pending"`
}

// ErrClosed is returned when publishing through a closed adapter.
var ErrClosed = errors.New("job: adapter is closed")

// ErrMessageTooLarge is returned when an encoded job exceeds the message size
// of every server.
var ErrMessageTooLarge = errors.New("job: message too large")

type options struct {
	handlers   *Handlers
	transports *transport.Registry
	now        func() time.Time
	environ    func() []string
}

// Option configures a Job adapter.
type Option func(*options)

// WithHandlers sets the action handler table. Defaults to DefaultHandlers.
func WithHandlers(h *Handlers) Option {
	return func(o *options) { o.handlers = h }
}

// WithTransports sets the transport registry. Defaults to transport.DefaultRegistry.
func WithTransports(r *transport.Registry) Option {
	return func(o *options) { o.transports = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithEnviron replaces os.Environ as the base of Request.Env.
func WithEnviron(environ func() []string) Option {
	return func(o *options) { o.environ = environ }
}

type server struct {
	endpoint  transport.Endpoint
	transport transport.Transport
	caps      transport.Capabilities
}

func (s server) delaysNatively() bool {
	return s.caps.DelayedDelivery
}

// Adapter is the Job adapter.
type Adapter struct {
	configName string
	prefix     string
	codec      Codec
	logger     logging.ServiceLogger
	handlers   *Handlers
	now        func() time.Time
	environ    func() []string
	hold       bool

	mu       sync.RWMutex
	servers  []server
	next     atomic.Uint64
	schedule schedule
}

var (
	_ adapter.Adapter              = (*Adapter)(nil)
	_ adapter.Consumer             = (*Adapter)(nil)
	_ adapter.CapabilitiesProvider = (*Adapter)(nil)
)

// NewBuilder returns an adapter.Builder creating Job adapters with opts.
func NewBuilder(opts ...Option) adapter.Builder {
	return func(ctx context.Context, settings adapter.Settings) (adapter.Adapter, error) {
		return New(ctx, settings, opts...)
	}
}

// New connects one transport per configured server.
func New(ctx context.Context, settings adapter.Settings, opts ...Option) (*Adapter, error) {
	o := options{
		handlers:   DefaultHandlers,
		transports: transport.DefaultRegistry,
		now:        time.Now,
		environ:    os.Environ,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if len(settings.Servers) == 0 {
		return nil, gearmanerrors.ForConfiguration(settings.ConfigName, gearmanerrors.ErrNoServersDefined)
	}

	codec, err := CodecByName(cast.ToString(settings.Option(OptionCodec, CodecJSON)))
	if err != nil {
		return nil, err
	}

	logger := settings.Logger
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}
	logger = logger.With(logging.LogFields{"adapter": Name, "config": settings.ConfigName})

	hold, err := cast.ToBoolE(settings.Option(OptionHoldDelayed, false))
	if err != nil {
		return nil, fmt.Errorf("job: invalid %q option: %w", OptionHoldDelayed, err)
	}

	a := &Adapter{
		configName: settings.ConfigName,
		prefix:     cast.ToString(settings.Option(OptionTopicPrefix, DefaultTopicPrefix)),
		codec:      codec,
		logger:     logger,
		handlers:   o.handlers,
		now:        o.now,
		environ:    o.environ,
		hold:       hold,
	}

	scheme := cast.ToString(settings.Option(OptionTransport, transport.DefaultScheme))
	wmLogger := logging.NewWatermillAdapter(logger)
	for _, raw := range settings.Servers {
		tr, ep, err := o.transports.BuildDescriptor(ctx, raw, scheme, wmLogger)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("job: server %q: %w", raw, err)
		}
		caps := o.transports.GetCapabilities(ep.Scheme)
		a.servers = append(a.servers, server{endpoint: ep, transport: tr, caps: caps})
		logger.Debug("Connected job server", logging.LogFields{
			"server":           ep.String(),
			"delayed_delivery": caps.DelayedDelivery,
			"durable":          caps.Durable,
		})
	}

	return a, nil
}

// Handle registers fn for action in this adapter's handler table.
func (a *Adapter) Handle(action string, fn HandlerFunc) {
	a.handlers.Handle(action, fn)
}

// Topic returns the topic jobs for action are published on.
func (a *Adapter) Topic(action string) string {
	return a.prefix + action
}

// Capabilities reports what the Job adapter supports.
func (a *Adapter) Capabilities() adapter.Capabilities {
	return Capabilities
}

// Run publishes a job for action and returns a Receipt. A job the schedule or
// delay option puts in the future carries its run time; with hold_delayed and
// no server that delays natively it is kept for Scheduled instead.
func (a *Adapter) Run(ctx context.Context, action string, args, options map[string]any) (any, error) {
	if action == "" {
		return nil, gearmanerrors.ErrActionRequired
	}

	now := a.now()
	runAt, err := runAtFromOptions(options, now)
	if err != nil {
		return nil, err
	}

	env := Envelope{
		ID:            ids.NewAt(now),
		Action:        action,
		ConfigName:    a.configName,
		CorrelationID: metadata.CorrelationIDFromContext(ctx),
		Args:          args,
		Options:       jobOptions(options),
		EnqueuedAt:    now,
		RunAt:         runAt,
	}
	if name := cast.ToString(options[adapter.ConfigNameOption]); name != "" {
		env.ConfigName = name
	}

	receipt := Receipt{ID: env.ID, Action: action, Topic: a.Topic(action), RunAt: runAt}

	if !runAt.IsZero() && a.hold && !a.anyDelaysNatively() {
		a.schedule.push(env)
		receipt.Scheduled = true
		a.logger.Debug("Job scheduled", logging.LogFields{"job_id": env.ID, "action": action, "run_at": runAt})
		return receipt, nil
	}

	srv, err := a.publish(ctx, env, !runAt.IsZero())
	if err != nil {
		return nil, err
	}
	receipt.Server = srv.endpoint.String()
	return receipt, nil
}

// Execute runs the handler registered for action.
func (a *Adapter) Execute(ctx context.Context, action string, args, env, workload map[string]any) (any, error) {
	fn, ok := a.handlers.Lookup(action)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	return fn(ctx, Request{
		ConfigName: a.configName,
		Action:     action,
		Args:       args,
		Env:        layerEnv(a.environ(), env),
		Workload:   workload,
	})
}

// Scheduled publishes every delayed job that is due and returns a
// ScheduledReport. Jobs that fail to publish are kept for the next call.
func (a *Adapter) Scheduled(ctx context.Context) (any, error) {
	due := a.schedule.popDue(a.now())

	report := ScheduledReport{}
	var errs []error
	for _, env := range due {
		if err := ctx.Err(); err != nil {
			a.schedule.push(env)
			errs = append(errs, err)
			continue
		}
		if _, err := a.publish(ctx, env, false); err != nil {
			a.schedule.push(env)
			errs = append(errs, fmt.Errorf("job %s: %w", env.ID, err))
			continue
		}
		report.Published++
	}
	report.Pending = a.schedule.len()

	if report.Published > 0 || len(errs) > 0 {
		a.logger.Info("Released scheduled jobs", logging.LogFields{
			"published": report.Published,
			"pending":   report.Pending,
			"failed":    len(errs),
		})
	}
	return report, errors.Join(errs...)
}

// Close publishes the jobs still held for Scheduled with their run time, so
// consumers run them when due, then closes every server transport. Jobs that
// cannot be published are reported in the returned error.
func (a *Adapter) Close() error {
	errs := a.flushHeld()

	a.mu.Lock()
	servers := a.servers
	a.servers = nil
	a.mu.Unlock()

	for _, s := range servers {
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.endpoint, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Adapter) flushHeld() []error {
	held := a.schedule.drain()
	if len(held) == 0 {
		return nil
	}

	ctx := context.Background()
	var errs []error
	for _, env := range held {
		if _, err := a.publish(ctx, env, true); err != nil {
			errs = append(errs, fmt.Errorf("job %s lost on close: %w", env.ID, err))
		}
	}
	a.logger.Info("Published held jobs on close", logging.LogFields{
		"published": len(held) - len(errs),
		"failed":    len(errs),
	})
	return errs
}

func (a *Adapter) snapshot() []server {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.servers
}

func (a *Adapter) anyDelaysNatively() bool {
	for _, s := range a.snapshot() {
		if s.delaysNatively() {
			return true
		}
	}
	return false
}

// publish sends env to the servers in round-robin order, failing over to the
// next server on error. Delayed envelopes try servers with delayed delivery
// first. Servers whose message size limit the payload exceeds are skipped.
func (a *Adapter) publish(ctx context.Context, env Envelope, delayed bool) (server, error) {
	payload, err := a.codec.Marshal(env)
	if err != nil {
		return server{}, err
	}

	md := metadata.Metadata{}.
		With(metadata.Action, env.Action).
		With(metadata.Config, env.ConfigName).
		With(metadata.Codec, a.codec.Name()).
		With(metadata.CorrelationID, env.CorrelationID).
		WithTime(metadata.EnqueuedAt, env.EnqueuedAt).
		WithTime(metadata.RunAt, env.RunAt)

	topic := a.Topic(env.Action)
	servers := a.snapshot()
	if len(servers) == 0 {
		return server{}, ErrClosed
	}

	var errs []error
	for _, s := range a.candidates(servers, delayed) {
		if !s.caps.Accepts(len(payload)) {
			errs = append(errs, fmt.Errorf("%s: %w: %d bytes, limit %d", s.endpoint, ErrMessageTooLarge, len(payload), s.caps.MaxMessageSize))
			continue
		}

		msg := message.NewMessage(env.ID, payload)
		msg.Metadata = metadata.ToWatermill(md)
		msg.SetContext(ctx)

		if err := s.transport.Publisher.Publish(topic, msg); err != nil {
			a.logger.Error("Publish failed, trying next server", err, logging.LogFields{
				"server": s.endpoint.String(),
				"topic":  topic,
				"job_id": env.ID,
			})
			errs = append(errs, fmt.Errorf("%s: %w", s.endpoint, err))
			continue
		}

		a.logger.Debug("Job published", logging.LogFields{
			"server": s.endpoint.String(),
			"topic":  topic,
			"job_id": env.ID,
		})
		return s, nil
	}
	return server{}, fmt.Errorf("job: publish %s: %w", topic, errors.Join(errs...))
}

// candidates rotates servers for round-robin. For delayed jobs the servers
// with delayed delivery come first.
func (a *Adapter) candidates(servers []server, delayed bool) []server {
	n := len(servers)
	start := int(a.next.Add(1)-1) % n
	ordered := make([]server, 0, n)
	for i := 0; i < n; i++ {
		ordered = append(ordered, servers[(start+i)%n])
	}
	if delayed {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].delaysNatively() && !ordered[j].delaysNatively()
		})
	}
	return ordered
}

func jobOptions(options map[string]any) map[string]any {
	if len(options) == 0 {
		return nil
	}
	out := make(map[string]any, len(options))
	for k, v := range options {
		switch k {
		case adapter.ConfigNameOption, OptionSchedule, OptionDelay:
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
