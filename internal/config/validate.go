package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Connections.ReconnectBaseDelay <= 0 {
		return errors.New("connections.reconnect_base_delay must be > 0")
	}
	if c.Connections.ReconnectMaxDelay < c.Connections.ReconnectBaseDelay {
		return fmt.Errorf("connections.reconnect_max_delay (%v) cannot be less than reconnect_base_delay (%v)",
			c.Connections.ReconnectMaxDelay, c.Connections.ReconnectBaseDelay)
	}
	if c.Connections.MaxReconnectAttempts < 1 {
		return errors.New("connections.max_reconnect_attempts must be >= 1")
	}
	if c.Connections.HeartbeatTimeout <= c.Connections.HeartbeatInterval {
		return fmt.Errorf("connections.heartbeat_timeout (%v) must exceed heartbeat_interval (%v)",
			c.Connections.HeartbeatTimeout, c.Connections.HeartbeatInterval)
	}
	if c.Connections.InboundBatchSize < 1 {
		return errors.New("connections.inbound_batch_size must be >= 1")
	}

	if c.Subscriptions.BatchWindow <= 0 {
		return errors.New("subscriptions.batch_window must be > 0")
	}

	if c.Stream.BufferCapacity < 1 {
		return errors.New("stream.buffer_capacity must be >= 1")
	}
	if c.Stream.CompressionMinGain < 0 || c.Stream.CompressionMinGain >= 1 {
		return fmt.Errorf("stream.compression_min_gain must be in [0, 1), got %v", c.Stream.CompressionMinGain)
	}

	if c.Notifications.BatchSize < 1 {
		return errors.New("notifications.batch_size must be >= 1")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}
