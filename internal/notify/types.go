package notify

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotStarted is returned when queueing before Start.
var ErrNotStarted = errors.New("notification batcher not started")

// Priority orders notification delivery urgency.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Notification is a single outbound notification. Title and Body are the
// user-facing text; Data carries the already-serialized payload.
type Notification struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Title    string          `json:"title"`
	Body     string          `json:"body"`
	Priority Priority        `json:"priority"`
	Data     json.RawMessage `json:"data"`
	QueuedAt time.Time       `json:"queued_at"`
}

// BatcherConfig holds notification batching knobs.
type BatcherConfig struct {
	// DedupWindow is how long an identical notification suppresses
	// repeats for the same recipient.
	DedupWindow time.Duration

	// Interval is the batch processing cycle period.
	Interval time.Duration

	// BatchSize caps normal-priority notifications per recipient per
	// cycle.
	BatchSize int

	// LowPriorityDelay holds low-priority notifications back past the
	// normal cycle.
	LowPriorityDelay time.Duration
}

// DefaultBatcherConfig returns production defaults.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		DedupWindow:      5 * time.Second,
		Interval:         time.Second,
		BatchSize:        100,
		LowPriorityDelay: 5 * time.Second,
	}
}

// BatcherStats is a point-in-time snapshot.
type BatcherStats struct {
	Pending          int   `json:"pending"`
	Recipients       int   `json:"recipients"`
	TotalQueued      int64 `json:"total_queued"`
	TotalDeduped     int64 `json:"total_deduped"`
	TotalSent        int64 `json:"total_sent"`
	TotalFailed      int64 `json:"total_failed"`
	BatchesDelivered int64 `json:"batches_delivered"`
}
