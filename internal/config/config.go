// =============================================================================
// BUS CONFIGURATION
// =============================================================================
//
// One YAML file describes a process's view of the bus:
//
//	backend:
//	  kind: kafka            # kafka | sql | memory
//	  brokers: [localhost:9092]
//	  dsn: ./data/bus.db     # sql only
//	topics:
//	  - {name: orders, partitions: 4}
//	  - {name: order-state, partitions: 4, compacted: true}
//	http:
//	  addr: :8080
//	  tls: {enabled: true, cert-file: tls.crt, key-file: tls.key}
//	  api-keys:
//	    - {name: loader, key: "...", endpoints: [publish]}
//	grpc:
//	  addr: :9090            # empty disables the gRPC listener
//	subscription:
//	  batch-size: 100
//	  poll-timeout: 500ms
//	tracing:
//	  enabled: true
//	  endpoint: otel-collector:4317
//
// PRECEDENCE: flag > env > file > defaults
//   A missing file is not an error; defaults apply. MESSAGEBUS_* variables
//   override file values, and command-line flags override both.
//
// =============================================================================

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"messagebus/internal/backoff"
	"messagebus/internal/metrics"
	"messagebus/internal/security"
	"messagebus/internal/tracing"
	"messagebus/pkg/messaging"
)

// Backend kinds.
const (
	BackendKafka  = "kafka"
	BackendSQL    = "sql"
	BackendMemory = "memory"
)

// Config is the whole bus configuration.
type Config struct {
	Backend      BackendConfig                `yaml:"backend"`
	Topics       []TopicConfig                `yaml:"topics,omitempty"`
	HTTP         HTTPConfig                   `yaml:"http"`
	GRPC         GRPCConfig                   `yaml:"grpc"`
	Metrics      metrics.Config               `yaml:"metrics"`
	Subscription messaging.SubscriptionConfig `yaml:"subscription"`
	Publisher    PublisherConfig              `yaml:"publisher"`
	Tracker      TrackerConfig                `yaml:"tracker"`
	Backoff      backoff.Policy               `yaml:"backoff"`
	Log          LogConfig                    `yaml:"log"`
	Tracing      tracing.Config               `yaml:"tracing"`
}

// BackendConfig selects and addresses the transport.
type BackendConfig struct {
	Kind     string   `yaml:"kind"`
	Brokers  []string `yaml:"brokers,omitempty"`
	ClientID string   `yaml:"client-id,omitempty"`
	DSN      string   `yaml:"dsn,omitempty"`

	// TLS is used when dialing Kafka brokers.
	TLS security.TLSConfig `yaml:"tls,omitempty"`
}

// TopicConfig is a topic created at bootstrap.
type TopicConfig struct {
	Name       string `yaml:"name"`
	Partitions int    `yaml:"partitions"`
	Compacted  bool   `yaml:"compacted,omitempty"`
}

// Info converts to the messaging type.
func (t TopicConfig) Info() messaging.TopicInfo {
	return messaging.TopicInfo{Name: t.Name, Partitions: t.Partitions, Compacted: t.Compacted}
}

// HTTPConfig configures the RPC/health/metrics listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`

	TLS     security.TLSConfig      `yaml:"tls,omitempty"`
	APIKeys []security.APIKeyConfig `yaml:"api-keys,omitempty"`
}

// GRPCConfig configures the gRPC listener. It serves the same endpoints
// as /rpc with the HTTP listener's TLS and API keys.
type GRPCConfig struct {
	// Addr is the listen address. Empty disables gRPC.
	Addr       string `yaml:"addr"`
	Reflection bool   `yaml:"reflection"`
}

// PublisherConfig configures publishers created from this config.
type PublisherConfig struct {
	InstanceID string `yaml:"instance-id,omitempty"`
	Workers    int    `yaml:"workers"`
	QueueSize  int    `yaml:"queue-size,omitempty"`
}

// TrackerConfig configures the offset tracker.
type TrackerConfig struct {
	Groups          []string      `yaml:"groups,omitempty"`
	RefreshInterval time.Duration `yaml:"refresh-interval"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a config that runs against the in-memory backend.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Kind:     BackendMemory,
			ClientID: "messagebus",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		GRPC:         GRPCConfig{Addr: ":9090", Reflection: true},
		Metrics:      metrics.DefaultConfig(),
		Subscription: messaging.DefaultSubscriptionConfig("", ""),
		Publisher:    PublisherConfig{Workers: 4},
		Tracker:      TrackerConfig{RefreshInterval: time.Second},
		Backoff:      backoff.DefaultPolicy(),
		Log:          LogConfig{Level: "info", Format: "text"},
		Tracing:      tracing.DefaultConfig(),
	}
}

// =============================================================================
// FILE OPERATIONS
// =============================================================================

// DefaultConfigPath returns ~/.messagebus/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".messagebus.yaml"
	}
	return filepath.Join(home, ".messagebus", "config.yaml")
}

// Load reads path (defaults when it does not exist), then applies
// MESSAGEBUS_* overrides and validates.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a config file over the defaults. A missing file returns
// the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Subscription = cfg.Subscription.WithDefaults()
	return cfg, nil
}

// SaveToPath writes the configuration to path.
func (c *Config) SaveToPath(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Topic returns the named bootstrap topic.
func (c *Config) Topic(name string) (TopicConfig, bool) {
	for _, t := range c.Topics {
		if t.Name == name {
			return t, true
		}
	}
	return TopicConfig{}, false
}

// =============================================================================
// ENVIRONMENT VARIABLE OVERRIDES
// =============================================================================

// Environment variable names.
const (
	EnvConfig      = "MESSAGEBUS_CONFIG"
	EnvBackend     = "MESSAGEBUS_BACKEND"
	EnvBrokers     = "MESSAGEBUS_BROKERS"
	EnvDSN         = "MESSAGEBUS_DSN"
	EnvHTTPAddr    = "MESSAGEBUS_HTTP_ADDR"
	EnvGRPCAddr    = "MESSAGEBUS_GRPC_ADDR"
	EnvInstanceID  = "MESSAGEBUS_INSTANCE_ID"
	EnvLogLevel    = "MESSAGEBUS_LOG_LEVEL"
	EnvLogFormat   = "MESSAGEBUS_LOG_FORMAT"
	EnvBatchSize   = "MESSAGEBUS_BATCH_SIZE"
	EnvPollTimeout = "MESSAGEBUS_POLL_TIMEOUT"
	EnvAPIKey      = "MESSAGEBUS_API_KEY"
	EnvOTLP        = "MESSAGEBUS_OTLP_ENDPOINT"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs []string

	if v, ok := lookup(EnvBackend); ok && v != "" {
		c.Backend.Kind = v
	}
	if v, ok := lookup(EnvBrokers); ok && v != "" {
		c.Backend.Brokers = splitList(v)
	}
	if v, ok := lookup(EnvDSN); ok && v != "" {
		c.Backend.DSN = v
	}
	if v, ok := lookup(EnvHTTPAddr); ok && v != "" {
		c.HTTP.Addr = normalizeAddr(v)
	}
	if v, ok := lookup(EnvGRPCAddr); ok {
		// set but empty turns gRPC off
		c.GRPC.Addr = v
		if v != "" {
			c.GRPC.Addr = normalizeAddr(v)
		}
	}
	if v, ok := lookup(EnvInstanceID); ok && v != "" {
		c.Publisher.InstanceID = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.Log.Format = v
	}
	if v, ok := lookup(EnvBatchSize); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", EnvBatchSize, err))
		} else {
			c.Subscription.BatchSize = n
		}
	}
	if v, ok := lookup(EnvPollTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", EnvPollTimeout, err))
		} else {
			c.Subscription.PollTimeout = d
		}
	}
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		c.HTTP.APIKeys = append(c.HTTP.APIKeys, security.APIKeyConfig{Name: "env", Key: v})
	}
	if v, ok := lookup(EnvOTLP); ok && v != "" {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = v
	}

	return errorsOrNil(errs)
}

// ResolvePath picks the config file with flag > env > default precedence.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return env
	}
	return DefaultConfigPath()
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeAddr accepts both "8080" and ":8080".
func normalizeAddr(addr string) string {
	if !strings.Contains(addr, ":") {
		return ":" + addr
	}
	return addr
}

// =============================================================================
// LOGGER
// =============================================================================

// ErrUnknownLogLevel is returned by NewLogger for an unrecognized level.
var ErrUnknownLogLevel = errors.New("unknown log level")

// NewLogger builds the process logger.
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "", "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLogLevel, cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
