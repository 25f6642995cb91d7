// Command gateway runs the device gateway: it terminates WebSocket device
// connections, authenticates and authorizes them against JWT claims, and
// bridges them to a NATS/JetStream backbone.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/auth"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/config"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/gatewayhttp"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/metrics"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/natsbridge"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/ratelimit"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/registry"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	flag.Parse()

	slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	})))
	log := slog.Default().With("context", "main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(log, err, "failed to load configuration")
	}
	if level, ok := parseLevel(cfg.LogLevel); ok {
		slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})))
		log = slog.Default().With("context", "main")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()

	var sink metrics.Sink = metrics.Noop
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		sink = metrics.NewPrometheus(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	validator := auth.NewValidator(cfg.JWT)
	reg := registry.New()
	limiter := ratelimit.New(cfg.Server.MessageRateLimitPerSecond, cfg.Server.RateLimitBurst)

	natsClient, err := natsbridge.ConnectWithRetry(ctx, cfg, log.With("component", "natsbridge"), sink, 30)
	if err != nil {
		fatal(log, err, "failed to connect to nats")
	}
	defer natsClient.Close()

	listener := gatewayhttp.New(cfg, validator, reg, natsClient, limiter, sink, log.With("component", "listener"), metricsHandler)

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      listener.Mux(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(log, err, "http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up resources")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("error during http server shutdown", "error", err)
	}

	log.Info("graceful shutdown completed")
}

func fatal(log *slog.Logger, err error, msg string) {
	log.Error(msg, "error", err)
	os.Exit(1)
}

func parseLevel(level string) (slog.Level, bool) {
	switch level {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
