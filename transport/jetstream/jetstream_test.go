package jetstream

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Workana/li3-gearman/transport"
)

func endpoint(t *testing.T, raw string) transport.Endpoint {
	t.Helper()
	ep, err := transport.ParseEndpoint(raw, "")
	require.NoError(t, err)
	return ep
}

func TestRegistered(t *testing.T) {
	for _, scheme := range Schemes {
		assert.True(t, transport.DefaultRegistry.Has(scheme), scheme)
	}
	caps := transport.GetCapabilities("jetstream")
	assert.True(t, caps.DelayedDelivery)
	assert.Equal(t, Capabilities, caps)
}

func TestConfigFromEndpoint(t *testing.T) {
	cfg, err := ConfigFromEndpoint(endpoint(t, "jetstream://a:4222,b:4222?stream=JOBS&max_deliver=5&ack_wait=1m&replicas=3&retention=workqueue"))
	require.NoError(t, err)

	assert.Equal(t, "nats://a:4222,nats://b:4222", cfg.URL)
	assert.Equal(t, "JOBS", cfg.StreamName)
	assert.Equal(t, 5, cfg.MaxDeliver)
	assert.Equal(t, time.Minute, cfg.AckWait)
	assert.Equal(t, 3, cfg.Replicas)
	assert.Equal(t, nats.WorkQueuePolicy, cfg.streamConfig().Retention)
	assert.Equal(t, []string{"JOBS.>"}, cfg.streamConfig().Subjects)
}

func TestConfigFromEndpointDefaults(t *testing.T) {
	cfg, err := ConfigFromEndpoint(endpoint(t, "jetstream://localhost:4222"))
	require.NoError(t, err)

	assert.Equal(t, DefaultStreamName, cfg.StreamName)
	assert.Equal(t, DefaultMaxDeliver, cfg.MaxDeliver)
	assert.Equal(t, DefaultAckWait, cfg.AckWait)
	assert.Equal(t, 1, cfg.Replicas)
	assert.Equal(t, nats.LimitsPolicy, cfg.streamConfig().Retention)
}

func TestConfigFromEndpointErrors(t *testing.T) {
	tests := map[string]string{
		"max_deliver": "jetstream://localhost:4222?max_deliver=many",
		"ack_wait":    "jetstream://localhost:4222?ack_wait=soon",
		"replicas":    "jetstream://localhost:4222?replicas=x",
		"retention":   "jetstream://localhost:4222?retention=forever",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ConfigFromEndpoint(endpoint(t, raw))
			assert.ErrorContains(t, err, name)
		})
	}

	_, err := ConfigFromEndpoint(transport.Endpoint{Scheme: "jetstream"})
	assert.ErrorContains(t, err, "no host")
}

func TestBuildConnectFailure(t *testing.T) {
	original := ConnectFactory
	defer func() { ConnectFactory = original }()

	var gotURL string
	ConnectFactory = func(url string, opts ...nats.Option) (*nats.Conn, error) {
		gotURL = url
		return nil, errors.New("no servers available")
	}

	_, err := Build(context.Background(), endpoint(t, "jetstream://queue:4222"), watermill.NopLogger{})
	assert.ErrorContains(t, err, "failed to connect to NATS")
	assert.Equal(t, "nats://queue:4222", gotURL)
}

func TestRemainingDelay(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)

	assert.Zero(t, RemainingDelay("", now))
	assert.Zero(t, RemainingDelay("soon", now))
	assert.Zero(t, RemainingDelay(strconv.FormatInt(now.Add(-time.Second).UnixMilli(), 10), now))
	assert.Equal(t, 5*time.Second, RemainingDelay(strconv.FormatInt(now.Add(5*time.Second).UnixMilli(), 10), now))
}

func TestToWatermill(t *testing.T) {
	msg := &nats.Msg{Data: []byte("job"), Header: nats.Header{}}
	msg.Header.Set(nats.MsgIdHdr, "01HX")
	msg.Header.Set("gearman_action", "resize")

	wm := toWatermill(msg)
	assert.Equal(t, "01HX", wm.UUID)
	assert.Equal(t, "resize", wm.Metadata.Get("gearman_action"))
	assert.Empty(t, wm.Metadata.Get(nats.MsgIdHdr))

	anon := toWatermill(&nats.Msg{Data: []byte("job")})
	assert.NotEmpty(t, anon.UUID)
}

func TestTopicToConsumer(t *testing.T) {
	tr := &Transport{config: Config{StreamName: "GEARMAN"}}
	assert.Equal(t, "consumer_gearman_resize", tr.topicToConsumer("gearman.resize"))
	assert.Equal(t, "GEARMAN.gearman.resize", tr.topicToSubject("gearman.resize"))
}
