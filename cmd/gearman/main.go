// Command gearman submits, schedules and works background jobs for the named
// configurations of a configuration file.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	kong "github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/Workana/li3-gearman/adapter/adapters"
	"github.com/Workana/li3-gearman/internal/runtime"
	configpkg "github.com/Workana/li3-gearman/internal/runtime/config"
	loggingpkg "github.com/Workana/li3-gearman/internal/runtime/logging"
)

type Globals struct {
	Config      string `name:"config" short:"c" env:"GEARMAN_CONFIG" help:"Configuration file (YAML, JSON, TOML or HCL)" type:"path"`
	LogLevel    string `name:"log-level" env:"GEARMAN_LOG_LEVEL" help:"Log level (debug, info, warn, error)" default:"info"`
	MetricsAddr string `name:"metrics-addr" env:"GEARMAN_METRICS_ADDR" help:"Serve /metrics and /status on this address"`

	ctx    context.Context
	cancel context.CancelFunc
}

type CLI struct {
	Globals

	Ping       PingCommand      `cmd:"" help:"Check that the tool responds."`
	Run        RunCommand       `cmd:"" help:"Submit a job."`
	Scheduled  ScheduledCommand `cmd:"" help:"Run the periodic work of a configuration."`
	Work       WorkCommand      `cmd:"" help:"Consume jobs and execute them."`
	ShowConfig ConfigCommand    `cmd:"" name:"show-config" help:"Print the normalized configurations."`
}

func main() {
	cli := new(CLI)
	ctx := kong.Parse(cli,
		kong.Name("gearman"),
		kong.Description("Background job dispatch for named configurations"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)

	cli.Globals.ctx, cli.Globals.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cli.Globals.cancel()

	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// Dispatcher builds a dispatcher holding every configuration of the
// configuration file. The returned func releases adapters and the metrics
// server.
func (g *Globals) Dispatcher() (*runtime.Dispatcher, func(), error) {
	level, err := loggingpkg.ParseLevel(g.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := loggingpkg.NewJSONServiceLogger(os.Stderr, level)

	registry := runtime.NewRegistry(nil, logger)
	if g.Config != "" {
		configs, err := configpkg.LoadFile(g.Config)
		if err != nil {
			return nil, nil, err
		}
		for name, settings := range configs {
			registry.Configure(name, settings)
		}
	}

	metrics := prometheus.NewRegistry()
	d, err := runtime.NewDispatcher(registry, logger, runtime.DispatcherDependencies{
		Registerer: metrics,
		Hooks:      runtime.AlertingHooks(func(ctx runtime.JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"operation": string(ctx.Operation),
				"config":    ctx.ConfigName,
				"action":    ctx.Action,
				"attempt":   ctx.Attempt,
			})
		}),
	})
	if err != nil {
		return nil, nil, err
	}

	stopServer := g.serveMetrics(d, metrics, logger)
	cleanup := func() {
		stopServer()
		if err := registry.Close(); err != nil {
			logger.Error("Failed to close adapters", err, nil)
		}
	}
	return d, cleanup, nil
}

func (g *Globals) serveMetrics(d *runtime.Dispatcher, metrics *prometheus.Registry, logger loggingpkg.ServiceLogger) func() {
	if g.MetricsAddr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
	mux.Handle("/status", d.StatusHandler("*"))
	srv := &http.Server{Addr: g.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("Serving metrics", loggingpkg.LogFields{"addr": g.MetricsAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", err, nil)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
