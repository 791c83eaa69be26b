package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the realtime layer.
type Config struct {
	Instance      InstanceConfig      `yaml:"instance"`
	PubSub        PubSubConfig        `yaml:"pubsub"`
	Connections   ConnectionsConfig   `yaml:"connections"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Stream        StreamConfig        `yaml:"stream"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// PubSubConfig configures the upstream pub/sub provider.
type PubSubConfig struct {
	// URL is the NATS server URL. Empty selects the in-process provider.
	URL string `yaml:"url"`
	// Name is the client connection name reported to the server.
	Name string `yaml:"name"`
}

// ConnectionsConfig configures the Connection Manager.
type ConnectionsConfig struct {
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
	InboundBatchInterval time.Duration `yaml:"inbound_batch_interval"`
	InboundBatchSize     int           `yaml:"inbound_batch_size"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	MaxMessageSize       int64         `yaml:"max_message_size"`
}

// SubscriptionsConfig configures the Subscription Manager.
type SubscriptionsConfig struct {
	BatchWindow time.Duration `yaml:"batch_window"`
}

// StreamConfig configures the Event Stream Optimizer.
type StreamConfig struct {
	BufferCapacity       int           `yaml:"buffer_capacity"`
	DedupWindow          time.Duration `yaml:"dedup_window"`
	PruneInterval        time.Duration `yaml:"prune_interval"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	CompressionMinGain   float64       `yaml:"compression_min_gain"`
}

// NotificationsConfig configures the Notification Batcher.
type NotificationsConfig struct {
	DedupWindow      time.Duration `yaml:"dedup_window"`
	BatchInterval    time.Duration `yaml:"batch_interval"`
	BatchSize        int           `yaml:"batch_size"`
	LowPriorityDelay time.Duration `yaml:"low_priority_delay"`
}

// MetricsConfig configures the health/metrics HTTP server.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// Load reads a YAML config file, substituting ${ENV_VAR} references
// with environment values before parsing. Defaults are applied to
// unset optional fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadAndValidate loads a config file and validates it.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
