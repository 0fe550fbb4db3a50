// Package jetstream provides a NATS JetStream transport with durable pull
// consumers. Messages carrying transport.MetadataRunAt are redelivered with a
// delay until they are due.
//
//	jetstream://localhost:4222?stream=JOBS&max_deliver=5&ack_wait=1m&retention=workqueue
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/Workana/li3-gearman/transport"
)

// Schemes served by this transport.
var Schemes = []string{"jetstream", "nats+jetstream"}

const (
	// DefaultStreamName is used when the endpoint has no stream parameter.
	DefaultStreamName = "GEARMAN"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second
)

// ConnectFactory allows overriding the NATS connection for testing.
var ConnectFactory = func(url string, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, opts...)
}

func init() {
	transport.RegisterWithCapabilities(Build, Capabilities, Schemes...)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, ep transport.Endpoint, logger watermill.LoggerAdapter) (transport.Transport, error) {
	cfg, err := ConfigFromEndpoint(ep)
	if err != nil {
		return transport.Transport{}, err
	}

	t, err := New(cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities of the JetStream transport. Subscribers hold back messages
// carrying transport.MetadataRunAt until they are due.
var Capabilities = transport.Capabilities{
	Name:            "jetstream",
	DelayedDelivery: true,
	Redelivery:      true,
	Durable:         true,
	MaxMessageSize:  1 << 20,
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is a comma separated list of NATS server URLs.
	URL string

	// StreamName defaults to DefaultStreamName.
	StreamName string

	MaxDeliver int
	AckWait    time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "limits" (default), "interest", or "workqueue"
	RetentionPolicy string
}

// ConfigFromEndpoint reads the stream settings from the endpoint query.
func ConfigFromEndpoint(ep transport.Endpoint) (Config, error) {
	urls := ep.URLs("nats")
	if len(urls) == 0 {
		return Config{}, fmt.Errorf("jetstream: endpoint %s has no host", ep)
	}

	cfg := Config{
		URL:             strings.Join(urls, ","),
		StreamName:      ep.Param("stream", ""),
		RetentionPolicy: ep.Param("retention", ""),
	}

	var err error
	if v := ep.Param("max_deliver", ""); v != "" {
		if cfg.MaxDeliver, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("jetstream: max_deliver: %w", err)
		}
	}
	if v := ep.Param("ack_wait", ""); v != "" {
		if cfg.AckWait, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("jetstream: ack_wait: %w", err)
		}
	}
	if v := ep.Param("replicas", ""); v != "" {
		if cfg.Replicas, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("jetstream: replicas: %w", err)
		}
	}
	switch cfg.RetentionPolicy {
	case "", "limits", "interest", "workqueue":
	default:
		return Config{}, fmt.Errorf("jetstream: unknown retention policy %q", cfg.RetentionPolicy)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) streamConfig() *nats.StreamConfig {
	streamCfg := &nats.StreamConfig{
		Name:     c.StreamName,
		Subjects: []string{c.StreamName + ".>"},
		MaxAge:   7 * 24 * time.Hour,
		Replicas: c.Replicas,
	}
	switch c.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}
	return streamCfg
}

// Transport implements Publisher and Subscriber for NATS JetStream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subscriptions map[string]*nats.Subscription
	subMu         sync.Mutex

	closeOnce  sync.Once
	closedChan chan struct{}
}

var (
	_ message.Publisher  = (*Transport)(nil)
	_ message.Subscriber = (*Transport)(nil)
)

// New connects to NATS and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := ConnectFactory(cfg.URL, nats.Name("li3-gearman"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &Transport{
		nc:            nc,
		js:            js,
		config:        cfg,
		logger:        logger,
		subscriptions: make(map[string]*nats.Subscription),
		closedChan:    make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := t.config.streamConfig()
	if _, err := t.js.AddStream(streamCfg); err == nil {
		return nil
	}
	if _, err := t.js.UpdateStream(streamCfg); err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	return nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closedChan:
		return true
	default:
		return false
	}
}

// Publish publishes messages to the JetStream stream.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return fmt.Errorf("transport is closed")
	}

	subject := t.topicToSubject(topic)
	for _, msg := range messages {
		headers := nats.Header{}
		for k, v := range msg.Metadata {
			headers.Set(k, v)
		}
		headers.Set(nats.MsgIdHdr, msg.UUID)

		if _, err := t.js.PublishMsg(&nats.Msg{Subject: subject, Data: msg.Payload, Header: headers}); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

// Subscribe creates or updates a durable pull consumer for topic.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, fmt.Errorf("transport is closed")
	}

	subject := t.topicToSubject(topic)
	consumerName := t.topicToConsumer(topic)

	consumerCfg := &nats.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err = t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, consumerName)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	t.subMu.Lock()
	t.subscriptions[topic] = sub
	t.subMu.Unlock()

	output := make(chan *message.Message)
	go t.fetchMessages(ctx, sub, output, topic)
	return output, nil
}

func (t *Transport) fetchMessages(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(10, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if t.isClosed() {
				return
			}
			t.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			continue
		}

		for _, natsMsg := range msgs {
			if wait := RemainingDelay(natsMsg.Header.Get(transport.MetadataRunAt), time.Now()); wait > 0 {
				if err := natsMsg.NakWithDelay(wait); err != nil {
					t.logger.Error("Failed to NAK delayed message", err, nil)
				}
				continue
			}

			wmMsg := toWatermill(natsMsg)
			select {
			case output <- wmMsg:
			case <-ctx.Done():
				return
			}

			select {
			case <-wmMsg.Acked():
				if err := natsMsg.Ack(); err != nil {
					t.logger.Error("Failed to ack", err, nil)
				}
			case <-wmMsg.Nacked():
				if err := natsMsg.Nak(); err != nil {
					t.logger.Error("Failed to nak", err, nil)
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// RemainingDelay returns how long until runAt (Unix milliseconds) is due.
// Empty or malformed values are due immediately.
func RemainingDelay(runAt string, now time.Time) time.Duration {
	if runAt == "" {
		return 0
	}
	ms, err := strconv.ParseInt(runAt, 10, 64)
	if err != nil {
		return 0
	}
	if d := time.UnixMilli(ms).Sub(now); d > 0 {
		return d
	}
	return 0
}

func toWatermill(natsMsg *nats.Msg) *message.Message {
	msgID := natsMsg.Header.Get(nats.MsgIdHdr)
	if msgID == "" {
		msgID = watermill.NewULID()
	}

	wmMsg := message.NewMessage(msgID, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if len(v) > 0 && k != nats.MsgIdHdr {
			wmMsg.Metadata.Set(k, v[0])
		}
	}
	return wmMsg
}

func (t *Transport) topicToSubject(topic string) string {
	return t.config.StreamName + "." + topic
}

// Durable names may not contain dots.
func (t *Transport) topicToConsumer(topic string) string {
	return "consumer_" + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(topic)
}

// Close unsubscribes all consumers and closes the connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closedChan)

		t.subMu.Lock()
		for _, sub := range t.subscriptions {
			_ = sub.Unsubscribe()
		}
		t.subscriptions = map[string]*nats.Subscription{}
		t.subMu.Unlock()

		t.nc.Close()
	})
	return nil
}
