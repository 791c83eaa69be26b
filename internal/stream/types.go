package stream

import (
	"encoding/json"
	"time"
)

// Event is a single outbound event. Data carries the already-serialized
// event body. A zero Timestamp is stamped at processing time.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// ProcessedBatch is the result of a flush. When Compressed is set,
// Payload holds the deflated serialization and both sizes are reported;
// otherwise Payload holds the plain serialization.
type ProcessedBatch struct {
	Events         []Event   `json:"events"`
	Payload        []byte    `json:"-"`
	Compressed     bool      `json:"compressed"`
	OriginalSize   int       `json:"original_size"`
	CompressedSize int       `json:"compressed_size,omitempty"`
	FlushedAt      time.Time `json:"flushed_at"`
}

// OptimizerConfig holds event stream tuning knobs.
type OptimizerConfig struct {
	// BufferCapacity bounds the number of buffered events. Reaching it
	// forces an immediate flush.
	BufferCapacity int

	// DedupWindow is how long an identical event suppresses repeats.
	DedupWindow time.Duration

	// PruneInterval is how often stale dedup entries are evicted.
	PruneInterval time.Duration

	// CompressionThreshold is the serialized size above which
	// compression is attempted.
	CompressionThreshold int

	// CompressionMinGain is the minimum fractional size reduction for a
	// compressed payload to be kept.
	CompressionMinGain float64
}

// DefaultOptimizerConfig returns production defaults.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		BufferCapacity:       1000,
		DedupWindow:          time.Second,
		PruneInterval:        60 * time.Second,
		CompressionThreshold: 1024,
		CompressionMinGain:   0.10,
	}
}

// OptimizerStats is a point-in-time snapshot.
type OptimizerStats struct {
	Buffered       int   `json:"buffered"`
	DedupEntries   int   `json:"dedup_entries"`
	TotalProcessed int64 `json:"total_processed"`
	TotalDeduped   int64 `json:"total_deduped"`
	TotalFlushes   int64 `json:"total_flushes"`
	ForcedFlushes  int64 `json:"forced_flushes"`
	BytesSaved     int64 `json:"bytes_saved"`
	DroppedBatches int64 `json:"dropped_batches"`
}
