// Package nats provides a NATS Core transport. Subscribers join a queue group
// so that several workers share the jobs of one topic.
//
//	nats://user:pass@a:4222,b:4222?queue=resizers
package nats

import (
	"context"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/Workana/li3-gearman/transport"
)

// Scheme served by this transport.
const Scheme = "nats"

// DefaultQueueGroup is used when the endpoint has no queue parameter.
const DefaultQueueGroup = "gearman"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(Build, Capabilities, Scheme)
}

// Build creates a new NATS transport.
func Build(ctx context.Context, ep transport.Endpoint, logger watermill.LoggerAdapter) (transport.Transport, error) {
	urls := ep.URLs(Scheme)
	if len(urls) == 0 {
		return transport.Transport{}, fmt.Errorf("nats: endpoint %s has no host", ep)
	}
	url := strings.Join(urls, ",")
	marshaler := &nats.NATSMarshaler{}
	options := []nc.Option{
		nc.Name(ep.Param("name", "li3-gearman")),
		nc.MaxReconnects(-1),
	}
	coreOnly := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   coreOnly,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			QueueGroupPrefix: ep.Param("queue", DefaultQueueGroup),
			NatsOptions:      options,
			Unmarshaler:      marshaler,
			JetStream:        coreOnly,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities of the NATS Core transport: at-most-once, 1 MiB default
// max_payload.
var Capabilities = transport.Capabilities{
	Name:           Scheme,
	MaxMessageSize: 1 << 20,
}
