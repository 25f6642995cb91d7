package natsbridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/config"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/metrics"
)

// ConnectWithRetry calls New in a loop until it succeeds, ctx is cancelled,
// or maxAttempts attempts have failed (maxAttempts <= 0 means no limit),
// waiting cfg.NATS.ReconnectDelay between attempts. Useful at
// startup when NATS may not be reachable yet (e.g. it is still coming up in
// the same compose/k8s rollout as the gateway).
func ConnectWithRetry(ctx context.Context, cfg *config.Config, log *slog.Logger, sink metrics.Sink, maxAttempts int) (*Client, error) {
	var lastErr error
	for attempt := 1; maxAttempts <= 0 || attempt <= maxAttempts; attempt++ {
		client, err := New(cfg, log, sink)
		if err == nil {
			return client, nil
		}
		lastErr = err
		log.Warn("nats connect attempt failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.NATS.ReconnectDelay):
		}
	}
	return nil, lastErr
}
