package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatTimeout     = 60 * time.Second
	DefaultInboundBatchInterval = 100 * time.Millisecond
	DefaultInboundBatchSize     = 100
	DefaultWriteTimeout         = 5 * time.Second
	DefaultCompressionThreshold = 1024
	DefaultMaxMessageSize       = 100 << 20 // 100MB single-message cap

	DefaultBatchWindow = 50 * time.Millisecond

	DefaultBufferCapacity           = 1000
	DefaultDedupWindow              = 1 * time.Second
	DefaultPruneInterval            = 60 * time.Second
	DefaultStreamCompressionMinGain = 0.10

	DefaultNotificationDedupWindow = 5 * time.Second
	DefaultNotificationInterval    = 1 * time.Second
	DefaultNotificationBatchSize   = 100
	DefaultLowPriorityDelay        = 5 * time.Second

	DefaultMetricsPort = 9090
	DefaultMetricsPath = "/metrics"
)

func (c *Config) applyDefaults() {
	// Connections defaults
	if c.Connections.ReconnectBaseDelay == 0 {
		c.Connections.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connections.ReconnectMaxDelay == 0 {
		c.Connections.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connections.MaxReconnectAttempts == 0 {
		c.Connections.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Connections.HeartbeatInterval == 0 {
		c.Connections.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Connections.HeartbeatTimeout == 0 {
		c.Connections.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Connections.InboundBatchInterval == 0 {
		c.Connections.InboundBatchInterval = DefaultInboundBatchInterval
	}
	if c.Connections.InboundBatchSize == 0 {
		c.Connections.InboundBatchSize = DefaultInboundBatchSize
	}
	if c.Connections.WriteTimeout == 0 {
		c.Connections.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connections.CompressionThreshold == 0 {
		c.Connections.CompressionThreshold = DefaultCompressionThreshold
	}
	if c.Connections.MaxMessageSize == 0 {
		c.Connections.MaxMessageSize = DefaultMaxMessageSize
	}

	// Subscriptions defaults
	if c.Subscriptions.BatchWindow == 0 {
		c.Subscriptions.BatchWindow = DefaultBatchWindow
	}

	// Stream defaults
	if c.Stream.BufferCapacity == 0 {
		c.Stream.BufferCapacity = DefaultBufferCapacity
	}
	if c.Stream.DedupWindow == 0 {
		c.Stream.DedupWindow = DefaultDedupWindow
	}
	if c.Stream.PruneInterval == 0 {
		c.Stream.PruneInterval = DefaultPruneInterval
	}
	if c.Stream.CompressionThreshold == 0 {
		c.Stream.CompressionThreshold = DefaultCompressionThreshold
	}
	if c.Stream.CompressionMinGain == 0 {
		c.Stream.CompressionMinGain = DefaultStreamCompressionMinGain
	}

	// Notifications defaults
	if c.Notifications.DedupWindow == 0 {
		c.Notifications.DedupWindow = DefaultNotificationDedupWindow
	}
	if c.Notifications.BatchInterval == 0 {
		c.Notifications.BatchInterval = DefaultNotificationInterval
	}
	if c.Notifications.BatchSize == 0 {
		c.Notifications.BatchSize = DefaultNotificationBatchSize
	}
	if c.Notifications.LowPriorityDelay == 0 {
		c.Notifications.LowPriorityDelay = DefaultLowPriorityDelay
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}
