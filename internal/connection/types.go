package connection

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no pong)")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrUnknownRecipient = errors.New("unknown recipient")
)

// Status is the lifecycle state of a connection.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusClosed       Status = "closed"
)

// TimestampedMessage wraps raw message data with its receive timestamp.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// Message is a parsed inbound message.
type Message struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"-"`
}

// MessageBatch is one type group dispatched from a drain cycle.
// Messages preserve their relative arrival order.
type MessageBatch struct {
	RecipientID string
	Type        string
	Messages    []Message
}

// StatusEvent notifies observers of a connection status transition.
type StatusEvent struct {
	RecipientID string
	Status      Status
	Err         error // set for StatusError and terminal StatusClosed
}

// Options are per-connection settings supplied at creation.
type Options struct {
	// Header values sent during the transport handshake.
	Headers map[string]string
}

// ClientConfig configures a transport client.
type ClientConfig struct {
	URL                  string
	Headers              map[string]string
	WriteTimeout         time.Duration
	CompressionThreshold int   // compress outbound payloads above this size
	MaxMessageSize       int64 // read limit for a single inbound message
	BufferSize           int   // inbound message channel buffer
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		WriteTimeout:         5 * time.Second,
		CompressionThreshold: 1024,
		MaxMessageSize:       100 << 20,
		BufferSize:           1000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	InboundBatchInterval time.Duration
	InboundBatchSize     int
	WriteTimeout         time.Duration
	CompressionThreshold int
	MaxMessageSize       int64
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     60 * time.Second,
		InboundBatchInterval: 100 * time.Millisecond,
		InboundBatchSize:     100,
		WriteTimeout:         5 * time.Second,
		CompressionThreshold: 1024,
		MaxMessageSize:       100 << 20,
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	ActiveConnections int
	ConnectedCount    int
	MessagesQueued    int64
	MessagesDropped   int64
	BatchesDispatched int64
}
