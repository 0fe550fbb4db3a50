package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/Workana/li3-gearman/adapter/job"
	"github.com/Workana/li3-gearman/internal/runtime"
	"github.com/Workana/li3-gearman/internal/runtime/jsoncodec"
)

type PingCommand struct {
	Scheduled bool `name:"scheduled" help:"Print the scheduler confirmation line instead of OK."`
}

type RunCommand struct {
	Config  string            `arg:"" name:"config" help:"Configuration name"`
	Action  string            `arg:"" name:"action" help:"Action to run"`
	Args    map[string]string `name:"arg" short:"a" help:"Job argument as key=value (repeatable)"`
	Options map[string]string `name:"option" short:"o" help:"Adapter option as key=value (repeatable)"`
	Delay   time.Duration     `name:"delay" help:"Run the job after this delay"`
}

type ScheduledCommand struct {
	Config string        `arg:"" name:"config" help:"Configuration name"`
	Every  time.Duration `name:"every" help:"Repeat at this interval until interrupted"`
}

type WorkCommand struct {
	Config  string   `arg:"" name:"config" help:"Configuration name"`
	Actions []string `arg:"" name:"action" help:"Actions to consume"`
	Exec    []string `name:"exec" help:"Command run per job with the job as JSON on stdin; without it jobs are printed"`
}

type ConfigCommand struct {
	Names []string `arg:"" optional:"" name:"config" help:"Configuration names (default all)"`
}

// Run answers without reading the configuration file, so a broken
// configuration does not fail the health check.
func (cmd *PingCommand) Run(g *Globals) error {
	return cmd.ping(os.Stdout)
}

func (cmd *PingCommand) ping(w io.Writer) error {
	out, err := runtime.Ping(w, cmd.Scheduled)
	if err != nil {
		return err
	}
	if out != "" {
		_, err = fmt.Fprintln(w, out)
	}
	return err
}

func (cmd *RunCommand) Run(g *Globals) error {
	d, cleanup, err := g.Dispatcher()
	if err != nil {
		return err
	}
	defer cleanup()

	options := stringMap(cmd.Options)
	if cmd.Delay > 0 {
		options[job.OptionDelay] = cmd.Delay
	}
	res, err := d.Run(g.ctx, cmd.Config, cmd.Action, stringMap(cmd.Args), options)
	if err != nil {
		return err
	}
	return jsoncodec.Encode(os.Stdout, res)
}

func (cmd *ScheduledCommand) Run(g *Globals) error {
	d, cleanup, err := g.Dispatcher()
	if err != nil {
		return err
	}
	defer cleanup()

	tick := func() error {
		res, err := d.Scheduled(g.ctx, cmd.Config)
		if err != nil {
			return err
		}
		return jsoncodec.Encode(os.Stdout, res)
	}

	if cmd.Every <= 0 {
		return tick()
	}

	ticker := time.NewTicker(cmd.Every)
	defer ticker.Stop()
	for {
		if err := tick(); err != nil {
			d.Logger.Error("Scheduled run failed", err, nil)
		}
		select {
		case <-g.ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (cmd *WorkCommand) Run(g *Globals) error {
	for _, action := range cmd.Actions {
		if _, ok := job.DefaultHandlers.Lookup(action); !ok {
			job.Handle(action, cmd.handler())
		}
	}

	d, cleanup, err := g.Dispatcher()
	if err != nil {
		return err
	}
	defer cleanup()

	err = d.Consume(g.ctx, cmd.Config, cmd.Actions)
	if g.ctx.Err() != nil {
		return nil
	}
	return err
}

// handler prints the job or pipes it into the --exec command.
func (cmd *WorkCommand) handler() job.HandlerFunc {
	return func(ctx context.Context, req job.Request) (any, error) {
		payload, err := jsoncodec.Marshal(map[string]any{
			"config":   req.ConfigName,
			"action":   req.Action,
			"args":     req.Args,
			"workload": req.Workload,
		})
		if err != nil {
			return nil, err
		}

		if len(cmd.Exec) == 0 {
			_, err := fmt.Fprintln(os.Stdout, string(payload))
			return nil, err
		}

		c := exec.CommandContext(ctx, cmd.Exec[0], cmd.Exec[1:]...)
		c.Stdin = bytes.NewReader(payload)
		c.Stderr = os.Stderr
		c.Env = make([]string, 0, len(req.Env))
		for k, v := range req.Env {
			c.Env = append(c.Env, k+"="+v)
		}
		out, err := c.Output()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", req.Action, err)
		}
		return string(out), nil
	}
}

func (cmd *ConfigCommand) Run(g *Globals) error {
	d, cleanup, err := g.Dispatcher()
	if err != nil {
		return err
	}
	defer cleanup()

	names := cmd.Names
	if len(names) == 0 {
		names = d.Registry().Names()
	}
	out := make(map[string]any, len(names))
	for _, name := range names {
		cfg, err := d.GetConfig(name)
		if err != nil {
			out[name] = map[string]string{"error": err.Error()}
			continue
		}
		out[name] = map[string]any{
			"adapter": cfg.Adapter,
			"servers": cfg.RedactedServers(),
			"filters": cfg.Filters,
			"options": cfg.Options,
		}
	}
	return jsoncodec.Encode(os.Stdout, out)
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
