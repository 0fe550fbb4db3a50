// Package kafka provides a Kafka transport. The endpoint host lists the
// brokers: kafka://b1:9092,b2:9092?group=workers&offset=oldest.
package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/Workana/li3-gearman/transport"
)

// Scheme served by this transport.
const Scheme = "kafka"

// DefaultConsumerGroup is used when the endpoint has no group parameter.
const DefaultConsumerGroup = "gearman-workers"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(Build, Capabilities, Scheme)
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, ep transport.Endpoint, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := ep.Hosts()
	if len(brokers) == 0 {
		return transport.Transport{}, fmt.Errorf("kafka: endpoint %s has no brokers", ep)
	}

	saramaSub := kafka.DefaultSaramaSubscriberConfig()
	switch offset := ep.Param("offset", "newest"); offset {
	case "oldest":
		saramaSub.Consumer.Offsets.Initial = sarama.OffsetOldest
	case "newest":
		saramaSub.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		return transport.Transport{}, fmt.Errorf("kafka: unknown offset %q", offset)
	}
	saramaPub := kafka.DefaultSaramaSyncPublisherConfig()
	if clientID := ep.Param("client_id", ""); clientID != "" {
		saramaSub.ClientID = clientID
		saramaPub.ClientID = clientID
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaPub,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			ConsumerGroup:         ep.Param("group", DefaultConsumerGroup),
			OverwriteSaramaConfig: saramaSub,
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

// Capabilities of the Kafka transport. Brokers default to 1 MiB messages.
var Capabilities = transport.Capabilities{
	Name:           Scheme,
	Redelivery:     true,
	Durable:        true,
	MaxMessageSize: 1 << 20,
}
