// Package gearman dispatches background jobs through named configurations.
// Application code names a configuration ("default", "mail") instead of a
// queue technology; the configuration picks the adapter, the servers it talks
// to and the filters every call passes through.
//
// A Registry stores raw settings per name and builds one adapter per name on
// first use. A Dispatcher resolves the configuration of each call, composes
// its filters around the adapter and runs one of three operations:
//
//   - Run submits a job. The adapter receives the configuration name in its
//     options under ConfigNameOption.
//   - Execute performs a job on the worker side.
//   - Scheduled runs the periodic work of an adapter, such as releasing
//     delayed jobs the Job adapter holds when hold_delayed is set.
//
// # Adapters
//
// The built-in Job adapter publishes jobs over Watermill transports chosen by
// the scheme of each server descriptor:
//   - channel, memory: in-process Go channels
//   - nats, jetstream: NATS core and JetStream (native delayed delivery)
//   - kafka: Kafka via Sarama
//   - amqp, rabbitmq: RabbitMQ
//   - aws, sns: AWS SNS/SQS
//   - http, https: HTTP webhooks
//   - file: append-only files
//
// Other adapters are registered by name with RegisterAdapter.
//
// # Filters
//
// Filters wrap the rest of the chain; the first listed is the outermost.
// Configurations list them as Filter values or by name. The built-in names are
// correlation_id, logging, recover, tracing, metrics, retry, timeout and hooks.
// Custom named filters are added through DispatcherDependencies.Filters.
//
// # Job Hooks
//
// HooksFilter provides OnJobStart, OnJobDone, and OnJobError callbacks for
// custom logging, metrics collection, and alerting around dispatch calls.
//
// Configurations can also be loaded from YAML, JSON, TOML or HCL files with
// LoadFile or FromFile; the gearman command in cmd/gearman wraps the same API.
package gearman
