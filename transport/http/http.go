// Package http provides an HTTP transport: publishers POST each job to
// <endpoint>/<topic> and workers receive them on an embedded HTTP server.
// The server is only started when a worker subscribes, so dispatch-only
// processes never bind a port.
//
//	http://jobs.internal:8080/hooks?listen=:8080
package http

import (
	"context"
	"fmt"
	"net"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/Workana/li3-gearman/transport"
)

// Schemes served by this transport.
var Schemes = []string{"http", "https"}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	transport.RegisterWithCapabilities(Build, Capabilities, Schemes...)
}

// Build creates a new HTTP transport.
func Build(ctx context.Context, ep transport.Endpoint, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if ep.Host == "" {
		return transport.Transport{}, fmt.Errorf("http: endpoint %s has no host", ep)
	}
	base := strings.TrimSuffix(ep.URL(""), "/")
	prefix := strings.TrimSuffix(ep.Path, "/")

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(base+"/"+topic, msg)
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber := &lazySubscriber{
		addr:   ListenAddress(ep),
		prefix: prefix,
		logger: logger,
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// ListenAddress returns the listen parameter, or ":<port>" of the endpoint host.
func ListenAddress(ep transport.Endpoint) string {
	if listen := ep.Param("listen", ""); listen != "" {
		return listen
	}
	if _, port, err := net.SplitHostPort(ep.Host); err == nil {
		return ":" + port
	}
	if ep.Scheme == "https" {
		return ":443"
	}
	return ":80"
}

// Capabilities of the HTTP transport. Delivery is a single request.
var Capabilities = transport.Capabilities{
	Name: "http",
}

type lazySubscriber struct {
	addr   string
	prefix string
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	sub     message.Subscriber
	started bool
}

func (l *lazySubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sub == nil {
		sub, err := SubscriberFactory(l.addr, http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		}, l.logger)
		if err != nil {
			return nil, err
		}
		l.sub = sub
	}

	ch, err := l.sub.Subscribe(ctx, l.prefix+"/"+topic)
	if err != nil {
		return nil, err
	}

	if !l.started {
		l.started = true
		if s, ok := l.sub.(*http.Subscriber); ok {
			go func() {
				if err := s.StartHTTPServer(); err != nil && err != nethttp.ErrServerClosed {
					l.logger.Error("Failed to start HTTP subscriber server", err, watermill.LogFields{"addr": l.addr})
				}
			}()
		}
	}
	return ch, nil
}

func (l *lazySubscriber) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub == nil {
		return nil
	}
	return l.sub.Close()
}
