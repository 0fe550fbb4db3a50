// Package channel provides an in-process transport backed by Watermill's Go
// channel pub/sub. Endpoints with the same host share one pub/sub, so a
// dispatcher and a worker in the same process see each other's jobs.
package channel

import (
	"context"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/Workana/li3-gearman/transport"
)

// Schemes served by this transport.
var Schemes = []string{"channel", "memory"}

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

var (
	hubMu sync.Mutex
	hubs  = map[string]*sharedPubSub{}
)

func init() {
	transport.RegisterWithCapabilities(Build, Capabilities, Schemes...)
}

// Build returns the pub/sub shared by every endpoint naming the same host.
//
// Query parameters: persistent (default true) keeps published messages for
// late subscribers, buffer sets the output channel size.
func Build(ctx context.Context, ep transport.Endpoint, logger watermill.LoggerAdapter) (transport.Transport, error) {
	key := ep.Host + ep.Path

	hubMu.Lock()
	defer hubMu.Unlock()

	if hub, ok := hubs[key]; ok {
		hub.refs++
		return transport.Transport{Publisher: hub, Subscriber: hub}, nil
	}

	persistent, err := strconv.ParseBool(ep.Param("persistent", "true"))
	if err != nil {
		return transport.Transport{}, err
	}
	buffer, err := strconv.ParseInt(ep.Param("buffer", "0"), 10, 64)
	if err != nil {
		return transport.Transport{}, err
	}

	pub, sub := Factory(gochannel.Config{
		Persistent:          persistent,
		OutputChannelBuffer: buffer,
	}, logger)

	hub := &sharedPubSub{key: key, pub: pub, sub: sub, refs: 1}
	hubs[key] = hub
	logger.Debug("Created in-memory pub/sub", watermill.LogFields{"host": key, "persistent": persistent})
	return transport.Transport{Publisher: hub, Subscriber: hub}, nil
}

// Capabilities of the in-memory transport. Messages live as long as the
// process.
var Capabilities = transport.Capabilities{
	Name:       "channel",
	Redelivery: true,
}

// sharedPubSub counts references so the underlying pub/sub is closed only when
// the last transport using it is closed.
type sharedPubSub struct {
	key  string
	pub  message.Publisher
	sub  message.Subscriber
	refs int
}

func (s *sharedPubSub) Publish(topic string, messages ...*message.Message) error {
	return s.pub.Publish(topic, messages...)
}

func (s *sharedPubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.sub.Subscribe(ctx, topic)
}

func (s *sharedPubSub) Close() error {
	hubMu.Lock()
	defer hubMu.Unlock()

	s.refs--
	if s.refs > 0 {
		return nil
	}
	if hubs[s.key] == s {
		delete(hubs, s.key)
	}
	return transport.Transport{Publisher: s.pub, Subscriber: s.sub}.Close()
}
