// Package natsbridge is the NATS Adapter: it owns the JetStream connection,
// reconciles declared streams at startup, publishes device messages with
// retry, and manages one durable push consumer per (device, subject
// pattern) subscription.
package natsbridge

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/config"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/metrics"
)

// DeliverFunc is invoked once per inbound JetStream message for a
// subscription. The adapter calls Ack/Nak on the underlying message
// depending on the return value: nil acks, non-nil naks.
type DeliverFunc func(subject string, payload []byte) error

// SubscriptionHandle identifies a live per-device JetStream consumer.
type SubscriptionHandle struct {
	SubscriptionID string
	ConsumerName   string
	StreamName     string
	FilterSubject  string

	sub *nats.Subscription
}

// Client is the NATS Adapter.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    *config.Config
	log    *slog.Logger
	sink   metrics.Sink

	mu          sync.Mutex
	subsByKey   map[string]*SubscriptionHandle // keyed by clientID+"\x00"+pattern, guards idempotent create
}

// New dials NATS, establishes a JetStream context, and reconciles the
// configured streams. Stream reconciliation failures are logged and do not
// prevent startup: streams may already be managed by another service.
func New(cfg *config.Config, log *slog.Logger, sink metrics.Sink) (*Client, error) {
	opts := []nats.Option{
		nats.Name("device-gateway"),
		nats.Timeout(cfg.NATS.ConnectionTimeout),
		nats.MaxReconnects(cfg.NATS.MaxReconnectAttempts),
		nats.ReconnectWait(cfg.NATS.ReconnectDelay),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Warn("nats connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("nats error", "error", err)
			sink.Error("nats")
		}),
	}
	opts = append(opts, credentialOptions(cfg.NATS)...)

	conn, err := nats.Connect(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := conn.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	c := &Client{
		conn:      conn,
		js:        js,
		cfg:       cfg,
		log:       log,
		sink:      sink,
		subsByKey: make(map[string]*SubscriptionHandle),
	}

	if err := c.reconcileStreams(); err != nil {
		log.Warn("stream reconciliation incomplete", "error", err)
	}

	log.Info("connected to nats", "url", cfg.NATS.URL)
	return c, nil
}

func credentialOptions(cfg config.NATSConfig) []nats.Option {
	var opts []nats.Option
	switch {
	case cfg.CredentialsFile != "":
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	return opts
}

// Close drains then closes the underlying connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Drain()
		c.conn.Close()
	}
}

func (c *Client) reconcileStreams() error {
	var firstErr error
	for _, s := range c.cfg.Streams {
		streamCfg := toStreamConfig(s)
		_, err := c.js.StreamInfo(streamCfg.Name)
		switch {
		case err == nats.ErrStreamNotFound:
			if _, aerr := c.js.AddStream(&streamCfg); aerr != nil {
				c.log.Error("failed to create stream", "stream", streamCfg.Name, "error", aerr)
				if firstErr == nil {
					firstErr = aerr
				}
			} else {
				c.log.Info("created stream", "stream", streamCfg.Name)
			}
		case err != nil:
			c.log.Warn("failed to check stream", "stream", streamCfg.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		default:
			c.log.Debug("stream exists", "stream", streamCfg.Name)
		}
	}
	return firstErr
}

func toStreamConfig(s config.StreamConfig) nats.StreamConfig {
	storage := nats.FileStorage
	if s.Storage == "memory" {
		storage = nats.MemoryStorage
	}
	retention := nats.LimitsPolicy
	switch s.Retention {
	case "interest":
		retention = nats.InterestPolicy
	case "workqueue":
		retention = nats.WorkQueuePolicy
	}
	discard := nats.DiscardOld
	if s.Discard == "new" {
		discard = nats.DiscardNew
	}
	return nats.StreamConfig{
		Name:      s.Name,
		Subjects:  s.Subjects,
		Storage:   storage,
		Retention: retention,
		MaxAge:    s.MaxAge,
		MaxMsgs:   s.MaxMsgs,
		MaxBytes:  s.MaxBytes,
		Replicas:  s.Replicas,
		Discard:   discard,
	}
}

// Publish publishes payload to subject, retrying transient failures with
// exponential backoff + jitter per the configured PublishRetryPolicy.
func (c *Client) Publish(ctx context.Context, subject string, payload []byte) (uint64, error) {
	policy := c.cfg.PublishRetryPolicy
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialDelay
	b.MaxInterval = policy.MaxDelay
	b.Multiplier = policy.BackoffMultiplier
	b.RandomizationFactor = 0
	if policy.AddJitter {
		b.RandomizationFactor = 0.3
	}

	var bo backoff.BackOff = backoff.WithMaxRetries(b, uint64(policy.MaxRetries))
	bo = backoff.WithContext(bo, ctx)

	var seq uint64
	start := time.Now()
	err := backoff.Retry(func() error {
		ack, perr := c.js.Publish(subject, payload)
		if perr != nil {
			return perr
		}
		seq = ack.Sequence
		return nil
	}, bo)

	c.sink.PublishLatency(time.Since(start).Seconds())
	c.sink.PublishResult(err == nil)
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", subject, err)
	}
	return seq, nil
}

// SubscribeDevice creates (or attaches idempotently to) a durable JetStream
// push consumer bound to pattern for clientID, delivering each message to
// deliver. The consumer name is derived deterministically from
// (clientID, pattern) so repeated SUBSCRIBE requests for the same pattern
// never allocate a second consumer. Subscription creation is serialized by
// c.mu, which is held across the lookup and the js.Subscribe call.
func (c *Client) SubscribeDevice(clientID, pattern string, deliver DeliverFunc) (*SubscriptionHandle, error) {
	key := clientID + "\x00" + pattern

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.subsByKey[key]; ok {
		return existing, nil
	}

	streamName := c.streamFor(pattern)
	if streamName == "" {
		return nil, fmt.Errorf("no configured stream matches subject %q", pattern)
	}

	durable := consumerName(clientID, pattern)
	handle := &SubscriptionHandle{
		SubscriptionID: durable,
		ConsumerName:   durable,
		StreamName:     streamName,
		FilterSubject:  pattern,
	}

	cc := c.cfg.Consumer
	sub, err := c.js.Subscribe(pattern, func(msg *nats.Msg) {
		if err := deliver(msg.Subject, msg.Data); err != nil {
			msg.Nak()
			return
		}
		msg.Ack()
	},
		nats.BindStream(streamName),
		nats.Durable(durable),
		nats.ManualAck(),
		nats.DeliverNew(),
		nats.AckWait(cc.AckWait),
		nats.MaxDeliver(cc.MaxDeliver),
		nats.MaxAckPending(cc.MaxAckPending),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribing %s for %s: %w", pattern, clientID, err)
	}
	handle.sub = sub
	c.subsByKey[key] = handle

	return handle, nil
}

// Unsubscribe detaches the consumer backing handle and removes the durable.
func (c *Client) Unsubscribe(clientID, pattern string, handle *SubscriptionHandle) error {
	key := clientID + "\x00" + pattern

	c.mu.Lock()
	delete(c.subsByKey, key)
	c.mu.Unlock()

	if handle == nil || handle.sub == nil {
		return nil
	}
	return handle.sub.Unsubscribe()
}

func (c *Client) streamFor(pattern string) string {
	for _, s := range c.cfg.Streams {
		for _, subj := range s.Subjects {
			if subj == pattern || coversPattern(subj, pattern) {
				return s.Name
			}
		}
	}
	return ""
}

// coversPattern reports whether a stream's declared wildcard subject (e.g.
// "factory.>") covers a device's concrete or wildcard subscribe pattern.
func coversPattern(streamSubject, pattern string) bool {
	return matchesPrefix(streamSubject, pattern)
}

func matchesPrefix(streamSubject, pattern string) bool {
	sTokens := splitSubject(streamSubject)
	pTokens := splitSubject(pattern)
	for i, st := range sTokens {
		if st == ">" {
			return true
		}
		if i >= len(pTokens) {
			return false
		}
		if st == "*" || pTokens[i] == "*" || pTokens[i] == ">" {
			continue
		}
		if st != pTokens[i] {
			return false
		}
	}
	return len(sTokens) == len(pTokens)
}

func splitSubject(s string) []string {
	var tokens []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			tokens = append(tokens, s[start:i])
			start = i + 1
		}
	}
	tokens = append(tokens, s[start:])
	return tokens
}

func consumerName(clientID, pattern string) string {
	h := sha1.Sum([]byte(pattern))
	return fmt.Sprintf("gw-%s-%s", sanitize(clientID), hex.EncodeToString(h[:])[:12])
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
