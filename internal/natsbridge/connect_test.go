package natsbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/config"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/metrics"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/testutil"
)

func TestConnectWithRetrySucceedsOnceReachable(t *testing.T) {
	url, stopNATS := testutil.StartNATSServer(t)
	defer stopNATS()

	cfg := testConfig(url)
	cfg.NATS.ReconnectDelay = 10 * time.Millisecond

	client, err := ConnectWithRetry(context.Background(), cfg, testLogger(), metrics.Noop, 5)
	require.NoError(t, err)
	defer client.Close()
}

func TestConnectWithRetryGivesUpOnContextCancel(t *testing.T) {
	cfg := &config.Config{
		NATS: config.NATSConfig{
			URL:               "nats://127.0.0.1:1", // nothing listens here
			ConnectionTimeout: 50 * time.Millisecond,
			ReconnectDelay:    20 * time.Millisecond,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_, err := ConnectWithRetry(ctx, cfg, testLogger(), metrics.Noop, 0)
	assert.Error(t, err)
}
