package job

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Workana/li3-gearman/adapter"
	gearmanerrors "github.com/Workana/li3-gearman/internal/runtime/errors"
	"github.com/Workana/li3-gearman/internal/runtime/metadata"
	"github.com/Workana/li3-gearman/transport"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newAdapter(t *testing.T, settings adapter.Settings, opts ...Option) *Adapter {
	t.Helper()
	if settings.ConfigName == "" {
		settings.ConfigName = "default"
	}
	a, err := New(context.Background(), settings, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func subscribe(t *testing.T, host, topic string) <-chan *message.Message {
	t.Helper()
	tr, _, err := transport.DefaultRegistry.BuildDescriptor(context.Background(), host, "", watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	msgs, err := tr.Subscriber.Subscribe(ctx, topic)
	require.NoError(t, err)
	return msgs
}

func receive(t *testing.T, msgs <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-msgs:
		msg.Ack()
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestRegisteredInDefaultRegistry(t *testing.T) {
	require.True(t, adapter.DefaultRegistry.Has("job"))
	caps, ok := adapter.DefaultRegistry.GetCapabilities("Job")
	require.True(t, ok)
	assert.Equal(t, Capabilities, caps)

	a, err := adapter.DefaultRegistry.Build(context.Background(), adapter.Settings{
		ConfigName: "registered",
		Adapter:    "job",
		Servers:    []string{"job-registered"},
	})
	require.NoError(t, err)
	require.IsType(t, &Adapter{}, a)
	assert.NoError(t, a.(*Adapter).Close())
}

func TestNewValidatesSettings(t *testing.T) {
	_, err := New(context.Background(), adapter.Settings{ConfigName: "empty"})
	require.ErrorIs(t, err, gearmanerrors.ErrNoServersDefined)
	var cfgErr *gearmanerrors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "empty", cfgErr.Name)

	_, err = New(context.Background(), adapter.Settings{
		Servers: []string{"job-codec"},
		Options: map[string]any{OptionCodec: "xml"},
	})
	assert.ErrorContains(t, err, `unknown codec "xml"`)

	_, err = New(context.Background(), adapter.Settings{Servers: []string{"nope://somewhere"}})
	assert.ErrorContains(t, err, "unknown transport")
}

func TestNewClosesBuiltServersOnFailure(t *testing.T) {
	built := &recordingPublisher{}
	reg := registryWith(map[string]message.Publisher{"ok": built})

	_, err := New(context.Background(), adapter.Settings{
		Servers: []string{"fake://ok", "broken://host"},
	}, WithTransports(reg))
	require.ErrorContains(t, err, `server "broken://host"`)
	assert.True(t, built.isClosed())
}

func TestRunPublishesEnvelope(t *testing.T) {
	clock := &fakeClock{now: epoch}
	a := newAdapter(t, adapter.Settings{
		ConfigName: "mailer",
		Servers:    []string{"job-run"},
	}, WithClock(clock.Now))

	ctx := metadata.WithCorrelationID(context.Background(), "corr-1")
	result, err := a.Run(ctx, "send_mail", map[string]any{"to": "ops@example.com"}, map[string]any{
		adapter.ConfigNameOption: "mailer",
		"priority":               "high",
	})
	require.NoError(t, err)

	receipt, ok := result.(Receipt)
	require.True(t, ok)
	assert.NotEmpty(t, receipt.ID)
	assert.Equal(t, "send_mail", receipt.Action)
	assert.Equal(t, "gearman.send_mail", receipt.Topic)
	assert.Equal(t, "channel://job-run", receipt.Server)
	assert.False(t, receipt.Scheduled)
	assert.True(t, receipt.RunAt.IsZero())

	msg := receive(t, subscribe(t, "job-run", "gearman.send_mail"))
	assert.Equal(t, receipt.ID, msg.UUID)
	assert.Equal(t, "send_mail", msg.Metadata.Get(metadata.Action))
	assert.Equal(t, "mailer", msg.Metadata.Get(metadata.Config))
	assert.Equal(t, CodecJSON, msg.Metadata.Get(metadata.Codec))
	assert.Equal(t, "corr-1", msg.Metadata.Get(metadata.CorrelationID))
	assert.Empty(t, msg.Metadata.Get(metadata.RunAt))

	enqueued, ok := metadata.FromWatermill(msg.Metadata).Time(metadata.EnqueuedAt)
	require.True(t, ok)
	assert.True(t, enqueued.Equal(epoch))

	env, err := JSONCodec{}.Unmarshal(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, receipt.ID, env.ID)
	assert.Equal(t, "mailer", env.ConfigName)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, map[string]any{"to": "ops@example.com"}, env.Args)
	assert.Equal(t, map[string]any{"priority": "high"}, env.Options)
}

func TestRunConfigNameOptionOverridesAdapterName(t *testing.T) {
	a := newAdapter(t, adapter.Settings{ConfigName: "own", Servers: []string{"job-confname"}})

	_, err := a.Run(context.Background(), "noop", nil, map[string]any{adapter.ConfigNameOption: "injected"})
	require.NoError(t, err)

	msg := receive(t, subscribe(t, "job-confname", "gearman.noop"))
	assert.Equal(t, "injected", msg.Metadata.Get(metadata.Config))

	_, err = a.Run(context.Background(), "noop", nil, nil)
	require.NoError(t, err)
}

func TestRunRequiresAction(t *testing.T) {
	a := newAdapter(t, adapter.Settings{Servers: []string{"job-noaction"}})
	_, err := a.Run(context.Background(), "", nil, nil)
	assert.ErrorIs(t, err, gearmanerrors.ErrActionRequired)
}

func TestRunRejectsBadScheduleOption(t *testing.T) {
	a := newAdapter(t, adapter.Settings{Servers: []string{"job-badschedule"}})
	_, err := a.Run(context.Background(), "noop", nil, map[string]any{OptionDelay: "soon"})
	assert.ErrorContains(t, err, `invalid "delay" option`)
}

func TestRunUsesTopicPrefixAndProtoCodec(t *testing.T) {
	a := newAdapter(t, adapter.Settings{
		Servers: []string{"job-proto"},
		Options: map[string]any{OptionTopicPrefix: "jobs/", OptionCodec: "proto"},
	})

	_, err := a.Run(context.Background(), "resize", map[string]any{"width": 640}, nil)
	require.NoError(t, err)

	msg := receive(t, subscribe(t, "job-proto", "jobs/resize"))
	assert.Equal(t, CodecProto, msg.Metadata.Get(metadata.Codec))
	env, err := ProtoCodec{}.Unmarshal(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "resize", env.Action)
	assert.Equal(t, float64(640), env.Args["width"])
}

func TestRunPublishesDelayedJobsWithRunAt(t *testing.T) {
	clock := &fakeClock{now: epoch}
	a := newAdapter(t, adapter.Settings{Servers: []string{"job-delayed-now"}}, WithClock(clock.Now))
	msgs := subscribe(t, "job-delayed-now", "gearman.report")

	result, err := a.Run(context.Background(), "report", nil, map[string]any{OptionDelay: "1m"})
	require.NoError(t, err)
	receipt := result.(Receipt)
	assert.False(t, receipt.Scheduled)
	assert.Equal(t, "channel://job-delayed-now", receipt.Server)
	assert.True(t, receipt.RunAt.Equal(epoch.Add(time.Minute)))

	msg := receive(t, msgs)
	assert.Equal(t, receipt.ID, msg.UUID)
	runAt, ok := metadata.FromWatermill(msg.Metadata).Time(metadata.RunAt)
	require.True(t, ok)
	assert.True(t, runAt.Equal(receipt.RunAt))

	env, err := JSONCodec{}.Unmarshal(msg.Payload)
	require.NoError(t, err)
	assert.True(t, env.RunAt.Equal(receipt.RunAt))

	report, err := a.Scheduled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScheduledReport{}, report)
}

func TestHoldDelayedWaitsForScheduled(t *testing.T) {
	clock := &fakeClock{now: epoch}
	a := newAdapter(t, adapter.Settings{
		Servers: []string{"job-delayed"},
		Options: map[string]any{OptionHoldDelayed: true},
	}, WithClock(clock.Now))
	msgs := subscribe(t, "job-delayed", "gearman.report")

	result, err := a.Run(context.Background(), "report", nil, map[string]any{OptionDelay: "1m"})
	require.NoError(t, err)
	receipt := result.(Receipt)
	assert.True(t, receipt.Scheduled)
	assert.Empty(t, receipt.Server)
	assert.True(t, receipt.RunAt.Equal(epoch.Add(time.Minute)))

	_, err = a.Run(context.Background(), "report", nil, map[string]any{OptionSchedule: epoch.Add(2 * time.Minute)})
	require.NoError(t, err)

	report, err := a.Scheduled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScheduledReport{Published: 0, Pending: 2}, report)

	select {
	case <-msgs:
		t.Fatal("delayed job published early")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Minute)
	report, err = a.Scheduled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScheduledReport{Published: 1, Pending: 1}, report)

	msg := receive(t, msgs)
	assert.Equal(t, receipt.ID, msg.UUID)

	clock.Advance(time.Hour)
	report, err = a.Scheduled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScheduledReport{Published: 1, Pending: 0}, report)
}

func TestCloseFlushesHeldJobs(t *testing.T) {
	clock := &fakeClock{now: epoch}
	a, err := New(context.Background(), adapter.Settings{
		ConfigName: "default",
		Servers:    []string{"job-flush"},
		Options:    map[string]any{OptionHoldDelayed: "1"},
	}, WithClock(clock.Now))
	require.NoError(t, err)
	msgs := subscribe(t, "job-flush", "gearman.report")

	result, err := a.Run(context.Background(), "report", nil, map[string]any{OptionDelay: time.Hour})
	require.NoError(t, err)
	receipt := result.(Receipt)
	require.True(t, receipt.Scheduled)

	require.NoError(t, a.Close())

	msg := receive(t, msgs)
	assert.Equal(t, receipt.ID, msg.UUID)
	runAt, ok := metadata.FromWatermill(msg.Metadata).Time(metadata.RunAt)
	require.True(t, ok)
	assert.True(t, runAt.Equal(epoch.Add(time.Hour)))
}

func TestCloseReportsHeldJobsItCannotPublish(t *testing.T) {
	clock := &fakeClock{now: epoch}
	down := &recordingPublisher{err: errors.New("broker down")}
	reg := registryWith(map[string]message.Publisher{"down": down})

	a, err := New(context.Background(), adapter.Settings{
		ConfigName: "default",
		Servers:    []string{"fake://down"},
		Options:    map[string]any{OptionHoldDelayed: true},
	}, WithTransports(reg), WithClock(clock.Now))
	require.NoError(t, err)

	result, err := a.Run(context.Background(), "noop", nil, map[string]any{OptionDelay: 30})
	require.NoError(t, err)

	err = a.Close()
	require.Error(t, err)
	assert.ErrorContains(t, err, result.(Receipt).ID)
	assert.ErrorContains(t, err, "broker down")
	assert.True(t, down.isClosed())
}

func TestNewRejectsBadHoldDelayedOption(t *testing.T) {
	_, err := New(context.Background(), adapter.Settings{
		Servers: []string{"job-bad-hold"},
		Options: map[string]any{OptionHoldDelayed: "sometimes"},
	})
	assert.ErrorContains(t, err, `invalid "hold_delayed" option`)
}

func TestRunPastScheduleIsImmediate(t *testing.T) {
	clock := &fakeClock{now: epoch}
	a := newAdapter(t, adapter.Settings{Servers: []string{"job-past"}}, WithClock(clock.Now))

	result, err := a.Run(context.Background(), "noop", nil, map[string]any{OptionSchedule: epoch.Add(-time.Hour)})
	require.NoError(t, err)
	assert.False(t, result.(Receipt).Scheduled)
}

func TestScheduledRequeuesOnCancelledContext(t *testing.T) {
	clock := &fakeClock{now: epoch}
	a := newAdapter(t, adapter.Settings{
		Servers: []string{"job-requeue"},
		Options: map[string]any{OptionHoldDelayed: true},
	}, WithClock(clock.Now))

	_, err := a.Run(context.Background(), "noop", nil, map[string]any{OptionDelay: 10})
	require.NoError(t, err)
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := a.Scheduled(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ScheduledReport{Published: 0, Pending: 1}, report)

	report, err = a.Scheduled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScheduledReport{Published: 1, Pending: 0}, report)
}

type recordingPublisher struct {
	mu       sync.Mutex
	err      error
	closed   bool
	messages []*message.Message
}

func (p *recordingPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, messages...)
	return nil
}

func (p *recordingPublisher) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func fakeBuilder(pubs map[string]message.Publisher) transport.Builder {
	return func(ctx context.Context, ep transport.Endpoint, logger watermill.LoggerAdapter) (transport.Transport, error) {
		pub := pubs[ep.Host]
		sub, _ := pub.(message.Subscriber)
		return transport.Transport{Publisher: pub, Subscriber: sub}, nil
	}
}

// registryWith serves "fake" without capabilities, "delayed" with delayed
// delivery and "small" with a 64 byte message limit.
func registryWith(pubs map[string]message.Publisher) *transport.Registry {
	reg := transport.NewRegistry()
	reg.Register(fakeBuilder(pubs), "fake")
	reg.RegisterWithCapabilities(fakeBuilder(pubs), transport.Capabilities{Name: "delayed", DelayedDelivery: true}, "delayed")
	reg.RegisterWithCapabilities(fakeBuilder(pubs), transport.Capabilities{Name: "small", MaxMessageSize: 64}, "small")
	return reg
}

func TestRunRoundRobinAndFailover(t *testing.T) {
	a1 := &recordingPublisher{}
	a2 := &recordingPublisher{}
	reg := registryWith(map[string]message.Publisher{"one": a1, "two": a2})

	a := newAdapter(t, adapter.Settings{Servers: []string{"fake://one", "fake://two"}}, WithTransports(reg))

	for i := 0; i < 4; i++ {
		_, err := a.Run(context.Background(), "noop", nil, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, a1.count())
	assert.Equal(t, 2, a2.count())

	a1.err = errors.New("broker down")
	for i := 0; i < 2; i++ {
		result, err := a.Run(context.Background(), "noop", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "fake://two", result.(Receipt).Server)
	}
	assert.Equal(t, 4, a2.count())

	a2.err = errors.New("also down")
	_, err := a.Run(context.Background(), "noop", nil, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "broker down")
	assert.ErrorContains(t, err, "also down")
}

func TestRunDelegatesDelayToNativeTransport(t *testing.T) {
	clock := &fakeClock{now: epoch}
	native := &recordingPublisher{}
	plain := &recordingPublisher{}
	reg := registryWith(map[string]message.Publisher{"native": native, "plain": plain})

	a := newAdapter(t, adapter.Settings{
		Servers: []string{"fake://plain", "delayed://native"},
		Options: map[string]any{OptionHoldDelayed: true},
	}, WithTransports(reg), WithClock(clock.Now))

	for i := 0; i < 2; i++ {
		result, err := a.Run(context.Background(), "noop", nil, map[string]any{OptionDelay: time.Hour})
		require.NoError(t, err)
		receipt := result.(Receipt)
		assert.False(t, receipt.Scheduled)
		assert.Equal(t, "delayed://native", receipt.Server)
	}

	require.Equal(t, 2, native.count())
	assert.Equal(t, 0, plain.count())
	runAt, ok := metadata.FromWatermill(native.messages[0].Metadata).Time(metadata.RunAt)
	require.True(t, ok)
	assert.True(t, runAt.Equal(epoch.Add(time.Hour)))

	report, err := a.Scheduled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScheduledReport{}, report)

	native.err = errors.New("stream unavailable")
	result, err := a.Run(context.Background(), "noop", nil, map[string]any{OptionDelay: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "fake://plain", result.(Receipt).Server)
	assert.Equal(t, 1, plain.count())
}

func TestRunSkipsServersThatCannotCarryThePayload(t *testing.T) {
	small := &recordingPublisher{}
	large := &recordingPublisher{}
	reg := registryWith(map[string]message.Publisher{"small": small, "large": large})

	a := newAdapter(t, adapter.Settings{Servers: []string{"small://small", "fake://large"}}, WithTransports(reg))

	big := map[string]any{"blob": strings.Repeat("x", 256)}
	for i := 0; i < 2; i++ {
		result, err := a.Run(context.Background(), "upload", big, nil)
		require.NoError(t, err)
		assert.Equal(t, "fake://large", result.(Receipt).Server)
	}
	assert.Equal(t, 0, small.count())
	assert.Equal(t, 2, large.count())

	large.err = errors.New("broker down")
	_, err := a.Run(context.Background(), "upload", big, nil)
	require.ErrorIs(t, err, ErrMessageTooLarge)
	assert.ErrorContains(t, err, "broker down")
}

func TestExecuteDispatchesToHandler(t *testing.T) {
	handlers := NewHandlers()
	var got Request
	handlers.Handle("greet", func(ctx context.Context, req Request) (any, error) {
		got = req
		return "hello " + req.Args["name"].(string), nil
	})

	a := newAdapter(t, adapter.Settings{ConfigName: "workers", Servers: []string{"job-execute"}},
		WithHandlers(handlers),
		WithEnviron(func() []string { return []string{"HOME=/root", "LANG=C", "broken"} }))

	result, err := a.Execute(context.Background(), "greet",
		map[string]any{"name": "ada"},
		map[string]any{"LANG": "en_US.UTF-8", "RETRIES": 3},
		map[string]any{"id": "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "hello ada", result)

	assert.Equal(t, "workers", got.ConfigName)
	assert.Equal(t, "greet", got.Action)
	assert.Equal(t, map[string]string{"HOME": "/root", "LANG": "en_US.UTF-8", "RETRIES": "3"}, got.Env)
	assert.Equal(t, map[string]any{"id": "job-1"}, got.Workload)

	_, err = a.Execute(context.Background(), "missing", nil, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownAction)
	assert.ErrorContains(t, err, `"missing"`)
}

func TestAdapterHandleUsesItsTable(t *testing.T) {
	handlers := NewHandlers()
	a := newAdapter(t, adapter.Settings{Servers: []string{"job-handle"}}, WithHandlers(handlers))
	a.Handle("ping", func(context.Context, Request) (any, error) { return "pong", nil })

	assert.Equal(t, []string{"ping"}, handlers.Actions())
	result, err := a.Execute(context.Background(), "ping", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", result)
}

func TestCloseDropsServers(t *testing.T) {
	a, err := New(context.Background(), adapter.Settings{Servers: []string{"job-close"}})
	require.NoError(t, err)
	assert.Equal(t, Capabilities, a.Capabilities())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = a.Run(context.Background(), "noop", nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
}
