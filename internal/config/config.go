// Package config loads and validates the gateway's configuration: server,
// JWT, NATS, and the declarative stream/consumer/retry settings from §6 of
// the device-gateway spec.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/auth"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/secrets"
)

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Host string `yaml:"host" json:"host" env:"GATEWAY_HOST" default:"0.0.0.0"`
	Port int    `yaml:"port" json:"port" env:"GATEWAY_PORT" default:"8080" validate:"gt=0"`

	MaxMessageSize            int64         `yaml:"maxMessageSize" json:"maxMessageSize" default:"65536" validate:"gt=0"`
	MessageRateLimitPerSecond float64       `yaml:"messageRateLimitPerSecond" json:"messageRateLimitPerSecond" default:"50" validate:"gt=0"`
	RateLimitBurst            int           `yaml:"rateLimitBurst" json:"rateLimitBurst" default:"50" validate:"gt=0"`
	OutgoingBufferSize        int           `yaml:"outgoingBufferSize" json:"outgoingBufferSize" default:"256" validate:"gt=0"`
	AuthenticationTimeout     time.Duration `yaml:"authenticationTimeout" json:"authenticationTimeout" default:"10s" validate:"gt=0"`
	PingInterval              time.Duration `yaml:"pingInterval" json:"pingInterval" default:"30s" validate:"gt=0"`
	PingTimeout               time.Duration `yaml:"pingTimeout" json:"pingTimeout" default:"10s" validate:"gt=0"`
}

// NATSConfig controls the connection to the NATS/JetStream backbone.
type NATSConfig struct {
	URL                  string        `yaml:"url" json:"url" env:"GATEWAY_NATS_URL" default:"nats://127.0.0.1:4222" validate:"required"`
	UseJetStream         bool          `yaml:"useJetStream" json:"useJetStream" default:"true"`
	ConnectionTimeout    time.Duration `yaml:"connectionTimeout" json:"connectionTimeout" default:"10s" validate:"gt=0"`
	ReconnectDelay       time.Duration `yaml:"reconnectDelay" json:"reconnectDelay" default:"2s" validate:"gt=0"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts" json:"maxReconnectAttempts" default:"-1"`

	// Credentials, resolved through internal/secrets.Resolve (supports
	// "env:NAME" and "file:/path" indirection in addition to inline values).
	Username        string `yaml:"username" json:"username"`
	Password        string `yaml:"password" json:"password"`
	Token           string `yaml:"token" json:"token"`
	CredentialsFile string `yaml:"credentialsFile" json:"credentialsFile"`
}

// StreamConfig declares one JetStream stream to reconcile at startup.
type StreamConfig struct {
	Name      string        `yaml:"name" json:"name" validate:"required"`
	Subjects  []string      `yaml:"subjects" json:"subjects" validate:"required,min=1"`
	Storage   string        `yaml:"storage" json:"storage" default:"file" validate:"oneof=file memory"`
	Retention string        `yaml:"retention" json:"retention" default:"limits" validate:"oneof=limits interest workqueue"`
	MaxAge    time.Duration `yaml:"maxAge" json:"maxAge" default:"168h"`
	MaxMsgs   int64         `yaml:"maxMsgs" json:"maxMsgs" default:"-1"`
	MaxBytes  int64         `yaml:"maxBytes" json:"maxBytes" default:"-1"`
	Replicas  int           `yaml:"replicas" json:"replicas" default:"1" validate:"gte=1"`
	Discard   string        `yaml:"discard" json:"discard" default:"old" validate:"oneof=old new"`
}

// ConsumerConfig declares the defaults applied to every per-device durable
// consumer the NATS adapter creates for a subscription.
type ConsumerConfig struct {
	AckWait       time.Duration `yaml:"ackWait" json:"ackWait" default:"30s" validate:"gt=0"`
	MaxDeliver    int           `yaml:"maxDeliver" json:"maxDeliver" default:"3" validate:"gte=1"`
	MaxAckPending int           `yaml:"maxAckPending" json:"maxAckPending" default:"1000" validate:"gte=1"`
}

// PublishRetryPolicy controls backoff for transient NATS publish failures.
type PublishRetryPolicy struct {
	MaxRetries        int           `yaml:"maxRetries" json:"maxRetries" default:"5" validate:"gte=0"`
	InitialDelay      time.Duration `yaml:"initialDelay" json:"initialDelay" default:"100ms" validate:"gt=0"`
	MaxDelay          time.Duration `yaml:"maxDelay" json:"maxDelay" default:"5s" validate:"gt=0"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier" json:"backoffMultiplier" default:"2.0" validate:"gt=1"`
	AddJitter         bool          `yaml:"addJitter" json:"addJitter" default:"true"`
}

// Config is the complete gateway configuration.
type Config struct {
	Server ServerConfig `yaml:"server" json:"server"`
	NATS   NATSConfig   `yaml:"nats" json:"nats"`
	JWT    auth.Config  `yaml:"jwt" json:"jwt"`

	Streams            []StreamConfig     `yaml:"streams" json:"streams" validate:"dive"`
	Consumer           ConsumerConfig     `yaml:"consumer" json:"consumer"`
	PublishRetryPolicy PublishRetryPolicy `yaml:"publishRetryPolicy" json:"publishRetryPolicy"`

	Environment string `yaml:"environment" json:"environment" env:"GATEWAY_ENV" default:"development"`
	LogLevel    string `yaml:"logLevel" json:"logLevel" env:"GATEWAY_LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	MetricsEnabled bool `yaml:"metricsEnabled" json:"metricsEnabled" default:"true"`
}

// UnsupportedExtensionError is returned by Load when path's extension is
// neither .yaml/.yml nor .json.
type UnsupportedExtensionError struct {
	Extension string
}

func (e *UnsupportedExtensionError) Error() string {
	return "unsupported config file extension: " + e.Extension
}

// Load reads and decodes the configuration file at path, applies defaults,
// overlays environment variable overrides tagged with `env`, resolves
// jwt.secret and the NATS credentials through secrets.Resolve, and then
// validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("applying config defaults: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	for _, v := range []*string{&cfg.JWT.Secret, &cfg.NATS.Username, &cfg.NATS.Password, &cfg.NATS.Token, &cfg.NATS.CredentialsFile} {
		resolved, err := secrets.Resolve(*v)
		if err != nil {
			return nil, fmt.Errorf("resolving secret: %w", err)
		}
		*v = resolved
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer file.Close()

	switch ext := strings.ToLower(filepath.Ext(absPath)); ext {
	case ".yaml", ".yml":
		err = yaml.NewDecoder(file).Decode(cfg)
	case ".json":
		err = sonic.ConfigDefault.NewDecoder(file).Decode(cfg)
	default:
		return &UnsupportedExtensionError{Extension: ext}
	}

	if err != nil {
		return fmt.Errorf("decoding config file: %w", err)
	}
	return nil
}
