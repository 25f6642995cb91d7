// Package metrics defines the narrow, non-blocking event sink interface
// every gateway component reports through, plus a no-op and a Prometheus
// implementation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives observable events from the gateway core. Implementations
// must not block the caller.
type Sink interface {
	ConnectionOpened()
	ConnectionClosed(reason string)
	AuthAttempt(outcome string)
	MessageReceived(msgType string)
	MessageSent(msgType string)
	PublishResult(ok bool)
	PublishLatency(seconds float64)
	BufferEnqueue()
	BufferOverflow()
	RateLimitRejection()
	AuthorizationCheck(op string, allowed bool)
	Error(kind string)
}

type noop struct{}

// Noop is a Sink that discards every event.
var Noop Sink = noop{}

func (noop) ConnectionOpened()                     {}
func (noop) ConnectionClosed(string)                {}
func (noop) AuthAttempt(string)                     {}
func (noop) MessageReceived(string)                 {}
func (noop) MessageSent(string)                     {}
func (noop) PublishResult(bool)                     {}
func (noop) PublishLatency(float64)                 {}
func (noop) BufferEnqueue()                         {}
func (noop) BufferOverflow()                        {}
func (noop) RateLimitRejection()                    {}
func (noop) AuthorizationCheck(string, bool)        {}
func (noop) Error(string)                           {}

// Prometheus is a Sink backed by github.com/prometheus/client_golang,
// registered against the provided registry so cmd/gateway can expose it on
// GET /metrics.
type Prometheus struct {
	connectionsOpened prometheus.Counter
	connectionsClosed *prometheus.CounterVec
	authAttempts      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	publishResults    *prometheus.CounterVec
	publishLatency    prometheus.Histogram
	bufferEnqueue     prometheus.Counter
	bufferOverflow    prometheus.Counter
	rateLimitReject   prometheus.Counter
	authzChecks       *prometheus.CounterVec
	errors            *prometheus.CounterVec
}

// NewPrometheus creates and registers a Prometheus sink on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_opened_total",
			Help: "Total WebSocket connections accepted.",
		}),
		connectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_connections_closed_total",
			Help: "Total WebSocket connections closed, by reason.",
		}, []string{"reason"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_attempts_total",
			Help: "Authentication attempts, by outcome.",
		}, []string{"outcome"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_messages_received_total",
			Help: "Inbound wire messages, by type.",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_messages_sent_total",
			Help: "Outbound wire messages, by type.",
		}, []string{"type"}),
		publishResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_publish_results_total",
			Help: "NATS publish attempts, by result.",
		}, []string{"result"}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_publish_latency_seconds",
			Help:    "Latency of NATS publish operations.",
			Buckets: prometheus.DefBuckets,
		}),
		bufferEnqueue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_buffer_enqueue_total",
			Help: "Outbound buffer enqueue attempts.",
		}),
		bufferOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_buffer_overflow_total",
			Help: "Outbound buffer drops due to a full queue.",
		}),
		rateLimitReject: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejections_total",
			Help: "Inbound messages rejected by the per-device rate limiter.",
		}),
		authzChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_authorization_checks_total",
			Help: "Authorization checks, by operation and outcome.",
		}, []string{"op", "allowed"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Errors, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		p.connectionsOpened, p.connectionsClosed, p.authAttempts,
		p.messagesReceived, p.messagesSent, p.publishResults,
		p.publishLatency, p.bufferEnqueue, p.bufferOverflow,
		p.rateLimitReject, p.authzChecks, p.errors,
	)
	return p
}

func (p *Prometheus) ConnectionOpened()              { p.connectionsOpened.Inc() }
func (p *Prometheus) ConnectionClosed(reason string)  { p.connectionsClosed.WithLabelValues(reason).Inc() }
func (p *Prometheus) AuthAttempt(outcome string)      { p.authAttempts.WithLabelValues(outcome).Inc() }
func (p *Prometheus) MessageReceived(t string)        { p.messagesReceived.WithLabelValues(t).Inc() }
func (p *Prometheus) MessageSent(t string)             { p.messagesSent.WithLabelValues(t).Inc() }
func (p *Prometheus) PublishLatency(seconds float64)  { p.publishLatency.Observe(seconds) }
func (p *Prometheus) BufferEnqueue()                  { p.bufferEnqueue.Inc() }
func (p *Prometheus) BufferOverflow()                 { p.bufferOverflow.Inc() }
func (p *Prometheus) RateLimitRejection()             { p.rateLimitReject.Inc() }
func (p *Prometheus) Error(kind string)               { p.errors.WithLabelValues(kind).Inc() }

func (p *Prometheus) PublishResult(ok bool) {
	if ok {
		p.publishResults.WithLabelValues("success").Inc()
		return
	}
	p.publishResults.WithLabelValues("failure").Inc()
}

func (p *Prometheus) AuthorizationCheck(op string, allowed bool) {
	p.authzChecks.WithLabelValues(op, boolLabel(allowed)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
