package subscription

import (
	"encoding/json"
	"time"
)

// Callback receives delivery payloads for a subscription: either one raw
// upstream update, or a synthetic batch (see BatchPayload).
type Callback func(payload json.RawMessage)

// BatchPayload is the synthetic delivery for a window that merged more
// than one update.
type BatchPayload struct {
	Type    string            `json:"type"` // always "batch"
	Updates []json.RawMessage `json:"updates"`
	Count   int               `json:"count"`
}

// ManagerConfig configures the Subscription Manager.
type ManagerConfig struct {
	// BatchWindow is how long incoming updates are accumulated before
	// delivery.
	BatchWindow time.Duration

	// Upstream subscribe failures retry with the same capped
	// exponential backoff policy as transport reconnection.
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	MaxRetryAttempts int
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		BatchWindow:      50 * time.Millisecond,
		RetryBaseDelay:   1 * time.Second,
		RetryMaxDelay:    30 * time.Second,
		MaxRetryAttempts: 5,
	}
}

// ManagerStats provides statistics about the subscription manager.
type ManagerStats struct {
	ActiveSubscriptions int
	TotalListeners      int
	UpdatesReceived     int64
	BatchesDelivered    int64
	SharedAttaches      int64 // subscribe calls served by an existing channel
	GroupCounts         map[string]int
}
