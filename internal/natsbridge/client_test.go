package natsbridge

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/config"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/metrics"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(url string) *config.Config {
	return &config.Config{
		NATS: config.NATSConfig{
			URL:               url,
			ConnectionTimeout: 2 * time.Second,
			ReconnectDelay:    100 * time.Millisecond,
		},
		Streams: []config.StreamConfig{
			{
				Name:     "DEVICE_EVENTS",
				Subjects: []string{"device.>"},
				Storage:  "memory",
			},
		},
		Consumer: config.ConsumerConfig{
			AckWait:       2 * time.Second,
			MaxDeliver:    3,
			MaxAckPending: 100,
		},
		PublishRetryPolicy: config.PublishRetryPolicy{
			MaxRetries:        2,
			InitialDelay:      10 * time.Millisecond,
			MaxDelay:          50 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	}
}

func newTestClient(t *testing.T) (*Client, func()) {
	t.Helper()
	url, stopNATS := testutil.StartNATSServer(t)

	client, err := New(testConfig(url), testLogger(), metrics.Noop)
	require.NoError(t, err)

	return client, func() {
		client.Close()
		stopNATS()
	}
}

func TestReconcileStreamsCreatesDeclaredStream(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()

	info, err := client.js.StreamInfo("DEVICE_EVENTS")
	require.NoError(t, err)
	assert.Equal(t, "DEVICE_EVENTS", info.Config.Name)
}

func TestPublishAndSubscribeDevice(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()

	var mu sync.Mutex
	var received []string

	handle, err := client.SubscribeDevice("device-1", "device.device-1.telemetry", func(subject string, payload []byte) error {
		mu.Lock()
		received = append(received, string(payload))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "DEVICE_EVENTS", handle.StreamName)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = client.Publish(ctx, "device.device-1.telemetry", []byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"hello"}, received)
	mu.Unlock()
}

func TestSubscribeDeviceIsIdempotent(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()

	deliver := func(subject string, payload []byte) error { return nil }

	first, err := client.SubscribeDevice("device-1", "device.device-1.telemetry", deliver)
	require.NoError(t, err)

	second, err := client.SubscribeDevice("device-1", "device.device-1.telemetry", deliver)
	require.NoError(t, err)

	assert.Same(t, first, second, "a duplicate subscribe for the same (clientID, pattern) must reuse the consumer")
}

func TestUnsubscribeRemovesBinding(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()

	deliver := func(subject string, payload []byte) error { return nil }
	handle, err := client.SubscribeDevice("device-1", "device.device-1.telemetry", deliver)
	require.NoError(t, err)

	require.NoError(t, client.Unsubscribe("device-1", "device.device-1.telemetry", handle))

	client.mu.Lock()
	_, stillPresent := client.subsByKey["device-1\x00device.device-1.telemetry"]
	client.mu.Unlock()
	assert.False(t, stillPresent)
}

func TestStreamForResolvesWildcardCoverage(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()

	assert.Equal(t, "DEVICE_EVENTS", client.streamFor("device.device-1.telemetry"))
	assert.Equal(t, "", client.streamFor("unrelated.subject"))
}

func TestConsumerNameIsDeterministicAndSanitized(t *testing.T) {
	a := consumerName("device/1", "device.1.telemetry")
	b := consumerName("device/1", "device.1.telemetry")
	c := consumerName("device/1", "device.1.commands")

	assert.Equal(t, a, b, "same inputs must produce the same durable name")
	assert.NotEqual(t, a, c, "different patterns must produce different durable names")
	assert.Contains(t, a, "gw-device_1-")
}

func TestCoversPattern(t *testing.T) {
	assert.True(t, coversPattern("device.>", "device.1.telemetry"))
	assert.True(t, coversPattern("device.*.telemetry", "device.1.telemetry"))
	assert.False(t, coversPattern("device.*.telemetry", "device.1.commands"))
}
