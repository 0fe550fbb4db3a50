package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/Workana/li3-gearman/adapter"
	"github.com/Workana/li3-gearman/internal/runtime/logging"
	"github.com/Workana/li3-gearman/internal/runtime/metadata"
)

// CloseTimeout bounds how long Consume waits for in-flight jobs after ctx is
// cancelled.
var CloseTimeout = 30 * time.Second

// DeferWindow is the longest a consumer holds a job that arrived before its
// run time. A job further out is published again and acked.
var DeferWindow = time.Minute

// Consume subscribes every server to the topic of each action and calls fn
// for every job received, until ctx is cancelled. Jobs fn fails are nacked so
// the transport can redeliver them. Payloads that cannot be decoded are logged
// and acked. Jobs received before their run time wait for it, see DeferWindow.
func (a *Adapter) Consume(ctx context.Context, actions []string, fn adapter.ExecuteFunc) error {
	if len(actions) == 0 {
		return errors.New("job: consume requires at least one action")
	}
	if fn == nil {
		fn = a.Execute
	}
	servers := a.snapshot()
	if len(servers) == 0 {
		return ErrClosed
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: CloseTimeout}, logging.NewWatermillAdapter(a.logger))
	if err != nil {
		return fmt.Errorf("job: create router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)

	for _, action := range actions {
		topic := a.Topic(action)
		for i, s := range servers {
			name := fmt.Sprintf("%s#%d", topic, i)
			router.AddNoPublisherHandler(name, topic, borrowedSubscriber{s.transport.Subscriber}, a.consumeHandler(s, topic, action, fn))
		}
	}

	a.logger.Info("Consuming jobs", logging.LogFields{"actions": actions, "servers": len(servers)})
	if err := router.Run(ctx); err != nil {
		return fmt.Errorf("job: consume: %w", err)
	}
	return nil
}

func (a *Adapter) consumeHandler(s server, topic, action string, fn adapter.ExecuteFunc) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		md := metadata.FromWatermill(msg.Metadata)

		codec, err := CodecByName(md[metadata.Codec])
		if err != nil {
			a.logger.Error("Dropping job with unknown codec", err, logging.LogFields{"message_uuid": msg.UUID})
			return nil
		}
		env, err := codec.Unmarshal(msg.Payload)
		if err != nil {
			a.logger.Error("Dropping undecodable job", err, logging.LogFields{"message_uuid": msg.UUID})
			return nil
		}
		if env.Action == "" {
			env.Action = action
		}

		ctx := msg.Context()
		if env.CorrelationID != "" {
			ctx = metadata.WithCorrelationID(ctx, env.CorrelationID)
		}

		fields := logging.LogFields{"job_id": env.ID, "action": env.Action}

		due, err := a.waitRunAt(ctx, env.RunAt)
		if err != nil {
			return err
		}
		if !due {
			if err := s.transport.Publisher.Publish(topic, msg.Copy()); err != nil {
				a.logger.Error("Failed to defer job", err, fields)
				return err
			}
			a.logger.Debug("Deferred job", logging.LogFields{"job_id": env.ID, "action": env.Action, "run_at": env.RunAt})
			return nil
		}

		a.logger.Debug("Executing job", fields)

		if _, err := fn(ctx, env.Action, env.Args, nil, env.Workload()); err != nil {
			a.logger.Error("Job failed", err, fields)
			return err
		}
		return nil
	}
}

// waitRunAt blocks until runAt or for DeferWindow, whichever is sooner, and
// reports whether the job is due.
func (a *Adapter) waitRunAt(ctx context.Context, runAt time.Time) (bool, error) {
	if runAt.IsZero() {
		return true, nil
	}
	remaining := runAt.Sub(a.now())
	if remaining <= 0 {
		return true, nil
	}
	wait := remaining
	if wait > DeferWindow {
		wait = DeferWindow
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
	}
	return !runAt.After(a.now()), nil
}

// borrowedSubscriber keeps the router from closing a subscriber the adapter
// owns.
type borrowedSubscriber struct {
	message.Subscriber
}

func (borrowedSubscriber) Close() error { return nil }
