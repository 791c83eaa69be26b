package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/flate"

	"github.com/candlefish/realtime/internal/metrics"
)

// Optimizer deduplicates, buffers, and flushes outbound events.
type Optimizer interface {
	// Start begins the dedup prune loop.
	Start(ctx context.Context) error

	// Stop flushes remaining events and shuts down.
	Stop(ctx context.Context) error

	// Process deduplicates and buffers events. It returns a batch only
	// when the buffer reached capacity and was force-flushed.
	Process(events []Event) (*ProcessedBatch, error)

	// Flush drains the buffer into a batch. Returns nil when empty.
	Flush() (*ProcessedBatch, error)

	// Batches delivers flushed batches to the publisher.
	Batches() <-chan *ProcessedBatch

	// Stats returns current optimizer statistics.
	Stats() OptimizerStats
}

// OptimizerOption customizes an Optimizer.
type OptimizerOption func(*optimizer)

// WithClock overrides the optimizer's clock.
func WithClock(clk clockwork.Clock) OptimizerOption {
	return func(o *optimizer) { o.clock = clk }
}

// optimizer implements the Optimizer interface.
type optimizer struct {
	cfg    OptimizerConfig
	clock  clockwork.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	buffer    []Event
	seen      map[string]time.Time
	outClosed bool

	out chan *ProcessedBatch

	statsMu   sync.Mutex
	processed int64
	deduped   int64
	flushes   int64
	forced    int64
	saved     int64
	dropped   int64
}

// NewOptimizer creates a new event stream optimizer.
func NewOptimizer(cfg OptimizerConfig, logger *slog.Logger, opts ...OptimizerOption) Optimizer {
	if logger == nil {
		logger = slog.Default()
	}

	o := &optimizer{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: logger,
		buffer: make([]Event, 0, cfg.BufferCapacity),
		seen:   make(map[string]time.Time),
		out:    make(chan *ProcessedBatch, 16),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Start begins the dedup prune loop.
func (o *optimizer) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(1)
	go o.pruneLoop()

	o.logger.Info("event optimizer started",
		"buffer_capacity", o.cfg.BufferCapacity,
		"dedup_window", o.cfg.DedupWindow,
	)

	return nil
}

// Stop flushes remaining events and shuts down.
func (o *optimizer) Stop(ctx context.Context) error {
	o.logger.Info("stopping event optimizer")

	if _, err := o.Flush(); err != nil {
		o.logger.Error("final flush failed", "error", err)
	}

	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("shutdown timeout, abandoning prune loop")
	}

	o.mu.Lock()
	o.outClosed = true
	close(o.out)
	o.mu.Unlock()

	o.logger.Info("event optimizer stopped")
	return nil
}

// Process deduplicates and buffers events, force-flushing when the buffer
// reaches capacity.
func (o *optimizer) Process(events []Event) (*ProcessedBatch, error) {
	now := o.clock.Now()

	o.mu.Lock()
	var accepted, dropped int
	for _, ev := range events {
		key := dedupKey(ev)
		if last, ok := o.seen[key]; ok && now.Sub(last) < o.cfg.DedupWindow {
			dropped++
			continue
		}
		o.seen[key] = now
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		o.buffer = append(o.buffer, ev)
		accepted++
	}
	full := len(o.buffer) >= o.cfg.BufferCapacity
	o.mu.Unlock()

	metrics.EventsBuffered.Add(float64(accepted))
	metrics.EventsDeduped.Add(float64(dropped))
	o.statsMu.Lock()
	o.processed += int64(accepted)
	o.deduped += int64(dropped)
	o.statsMu.Unlock()

	if !full {
		return nil, nil
	}

	// Buffer at capacity: flush now rather than grow unbounded.
	o.statsMu.Lock()
	o.forced++
	o.statsMu.Unlock()

	batch, err := o.Flush()
	if err != nil {
		return nil, fmt.Errorf("forced flush: %w", err)
	}
	return batch, nil
}

// Flush drains the buffer into a batch and publishes it.
func (o *optimizer) Flush() (*ProcessedBatch, error) {
	o.mu.Lock()
	if len(o.buffer) == 0 {
		o.mu.Unlock()
		return nil, nil
	}
	events := o.buffer
	o.buffer = make([]Event, 0, o.cfg.BufferCapacity)
	o.mu.Unlock()

	payload, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("serialize batch: %w", err)
	}

	batch := &ProcessedBatch{
		Events:       events,
		Payload:      payload,
		OriginalSize: len(payload),
		FlushedAt:    o.clock.Now(),
	}

	if len(payload) > o.cfg.CompressionThreshold {
		compressed, err := deflate(payload)
		if err != nil {
			o.logger.Error("compression failed, sending plain", "error", err)
		} else if gain(len(payload), len(compressed)) > o.cfg.CompressionMinGain {
			batch.Payload = compressed
			batch.Compressed = true
			batch.CompressedSize = len(compressed)

			saved := len(payload) - len(compressed)
			metrics.EventCompressionSavings.Add(float64(saved))
			o.statsMu.Lock()
			o.saved += int64(saved)
			o.statsMu.Unlock()
		}
	}

	metrics.EventFlushes.Inc()
	o.statsMu.Lock()
	o.flushes++
	o.statsMu.Unlock()

	delivered := false
	o.mu.Lock()
	if !o.outClosed {
		select {
		case o.out <- batch:
			delivered = true
		default:
		}
	}
	o.mu.Unlock()
	if !delivered {
		o.statsMu.Lock()
		o.dropped++
		o.statsMu.Unlock()
		o.logger.Warn("batch channel unavailable, dropping flushed batch",
			"events", len(events),
		)
	}

	o.logger.Debug("flushed event batch",
		"events", len(events),
		"original_size", batch.OriginalSize,
		"compressed", batch.Compressed,
	)

	return batch, nil
}

// Batches delivers flushed batches to the publisher.
func (o *optimizer) Batches() <-chan *ProcessedBatch {
	return o.out
}

// Stats returns current optimizer statistics.
func (o *optimizer) Stats() OptimizerStats {
	o.mu.Lock()
	buffered := len(o.buffer)
	entries := len(o.seen)
	o.mu.Unlock()

	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	return OptimizerStats{
		Buffered:       buffered,
		DedupEntries:   entries,
		TotalProcessed: o.processed,
		TotalDeduped:   o.deduped,
		TotalFlushes:   o.flushes,
		ForcedFlushes:  o.forced,
		BytesSaved:     o.saved,
		DroppedBatches: o.dropped,
	}
}

// pruneLoop evicts dedup entries older than the window so the map stays
// bounded between flushes.
func (o *optimizer) pruneLoop() {
	defer o.wg.Done()

	ticker := o.clock.NewTicker(o.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.Chan():
			o.prune()
		}
	}
}

func (o *optimizer) prune() {
	cutoff := o.clock.Now().Add(-o.cfg.PruneInterval)

	o.mu.Lock()
	before := len(o.seen)
	for key, ts := range o.seen {
		if ts.Before(cutoff) {
			delete(o.seen, key)
		}
	}
	evicted := before - len(o.seen)
	o.mu.Unlock()

	if evicted > 0 {
		o.logger.Debug("pruned dedup entries", "evicted", evicted)
	}
}

// dedupKey fingerprints an event by type, id, and serialized body.
func dedupKey(ev Event) string {
	var b strings.Builder
	b.Grow(len(ev.Type) + len(ev.ID) + len(ev.Data) + 2)
	b.WriteString(ev.Type)
	b.WriteByte(0)
	b.WriteString(ev.ID)
	b.WriteByte(0)
	b.Write(ev.Data)
	return b.String()
}

// deflate compresses data at the default level.
func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// gain is the fractional size reduction from compression.
func gain(original, compressed int) float64 {
	if original == 0 {
		return 0
	}
	return 1 - float64(compressed)/float64(original)
}
