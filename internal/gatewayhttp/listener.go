// Package gatewayhttp is the Listener: it accepts WebSocket upgrades on
// GET /ws and spawns a Session Controller per accepted connection, plus
// serves GET /health, GET /metrics, and GET /devices.
//
// Adapted from the teacher's gin-based websocket_handler.go down to the
// standard library's net/http.ServeMux: the gateway has four routes and no
// middleware chain to justify gin's router on top of gorilla/websocket,
// whose Upgrader already takes a bare http.ResponseWriter/*http.Request.
package gatewayhttp

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/auth"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/config"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/metrics"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/ratelimit"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/registry"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Listener is the gateway's HTTP surface.
type Listener struct {
	cfg       *config.Config
	validator *auth.Validator
	registry  *registry.Registry
	nats      session.NATSAdapter
	limiter   *ratelimit.Limiter
	sink      metrics.Sink
	log       *slog.Logger

	metricsHandler http.Handler
}

// New constructs a Listener. metricsHandler may be nil to disable GET /metrics.
// nats accepts any session.NATSAdapter, normally a *natsbridge.Client.
func New(
	cfg *config.Config,
	validator *auth.Validator,
	reg *registry.Registry,
	nats session.NATSAdapter,
	limiter *ratelimit.Limiter,
	sink metrics.Sink,
	log *slog.Logger,
	metricsHandler http.Handler,
) *Listener {
	return &Listener{
		cfg:            cfg,
		validator:      validator,
		registry:       reg,
		nats:           nats,
		limiter:        limiter,
		sink:           sink,
		log:            log,
		metricsHandler: metricsHandler,
	}
}

// Mux builds the *http.ServeMux routing the gateway's four endpoints.
func (l *Listener) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", l.handleUpgrade)
	mux.HandleFunc("/health", l.handleHealth)
	mux.HandleFunc("/devices", l.handleDevices)
	if l.metricsHandler != nil {
		mux.Handle("/metrics", l.metricsHandler)
	}
	return mux
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var preAuth *auth.DeviceContext
	if header := r.Header.Get("Authorization"); header != "" {
		token := auth.TokenFromHeader(header)
		device, err := l.validator.Validate(token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		preAuth = device
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := session.New(conn, l.cfg, l.validator, l.registry, l.nats, l.limiter, l.sink, l.log)
	go sess.Serve(preAuth)
}

func (l *Listener) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (l *Listener) handleDevices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"count":   l.registry.Count(),
		"devices": l.registry.ClientIDs(),
	})
}
