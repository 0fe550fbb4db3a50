// Package transport turns server descriptors into Watermill publisher and
// subscriber pairs. Each transport implementation (kafka, rabbitmq, nats, ...)
// lives in its own sub-package and registers the URL schemes it serves.
package transport

import (
	"context"
	"io"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the publisher and the subscriber, skipping the second call when
// both sides are the same object.
func (t Transport) Close() error {
	var firstErr error
	if t.Publisher != nil {
		firstErr = t.Publisher.Close()
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		if err := t.Subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ io.Closer = Transport{}

// MetadataRunAt carries the earliest delivery time of a message as Unix
// milliseconds.
const MetadataRunAt = "gearman_run_at"

// Builder creates a transport for one server endpoint.
type Builder func(ctx context.Context, ep Endpoint, logger watermill.LoggerAdapter) (Transport, error)
