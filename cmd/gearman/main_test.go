package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	kong "github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Workana/li3-gearman/adapter/job"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	cli := new(CLI)
	parser, err := kong.New(cli, kong.Name("gearman"))
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	return cli, ctx
}

func TestParseRun(t *testing.T) {
	cli, ctx := parse(t, "--log-level", "debug", "run", "mail", "send",
		"--arg", "to=ops@example.com", "-a", "subject=hi", "-o", "priority=high", "--delay", "90s")

	assert.Equal(t, "run <config> <action>", ctx.Command())
	assert.Equal(t, "debug", cli.LogLevel)
	assert.Equal(t, "mail", cli.Run.Config)
	assert.Equal(t, "send", cli.Run.Action)
	assert.Equal(t, map[string]string{"to": "ops@example.com", "subject": "hi"}, cli.Run.Args)
	assert.Equal(t, map[string]string{"priority": "high"}, cli.Run.Options)
	assert.Equal(t, 90*time.Second, cli.Run.Delay)
}

func TestParseWorkAndScheduled(t *testing.T) {
	cli, _ := parse(t, "work", "mail", "send", "resize")
	assert.Equal(t, "mail", cli.Work.Config)
	assert.Equal(t, []string{"send", "resize"}, cli.Work.Actions)

	cli, _ = parse(t, "scheduled", "mail", "--every", "1m")
	assert.Equal(t, time.Minute, cli.Scheduled.Every)

	cli, _ = parse(t, "ping", "--scheduled")
	assert.True(t, cli.Ping.Scheduled)
}

func TestPingIgnoresConfiguration(t *testing.T) {
	g := &Globals{Config: filepath.Join(t.TempDir(), "missing.yaml"), LogLevel: "error", ctx: context.Background()}
	_, _, err := g.Dispatcher()
	require.Error(t, err)

	require.NoError(t, (&PingCommand{}).Run(g))

	var out bytes.Buffer
	require.NoError(t, (&PingCommand{}).ping(&out))
	assert.Equal(t, "OK\n", out.String())

	out.Reset()
	require.NoError(t, (&PingCommand{Scheduled: true}).ping(&out))
	assert.Equal(t, "[Scheduled PING] OK\n", out.String())
}

func TestRunCommandThroughChannelTransport(t *testing.T) {
	g := &Globals{LogLevel: "error", ctx: context.Background()}
	d, cleanup, err := g.Dispatcher()
	require.NoError(t, err)
	defer cleanup()

	d.Configure("local", map[string]any{"servers": "channel://cli-test", "filters": "correlation_id"})
	res, err := d.Run(context.Background(), "local", "send", stringMap(map[string]string{"to": "x"}), nil)
	require.NoError(t, err)

	receipt, ok := res.(job.Receipt)
	require.True(t, ok)
	assert.Equal(t, "send", receipt.Action)
	assert.NotEmpty(t, receipt.ID)
}

func TestWorkHandlerExec(t *testing.T) {
	cmd := &WorkCommand{Exec: []string{"cat"}}
	out, err := cmd.handler()(context.Background(), job.Request{
		ConfigName: "local",
		Action:     "send",
		Args:       map[string]any{"to": "x"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"config":"local","action":"send","args":{"to":"x"},"workload":null}`, out.(string))
}
