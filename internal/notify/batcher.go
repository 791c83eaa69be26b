package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/candlefish/realtime/internal/metrics"
)

// Sender delivers notification batches to a recipient. Implementations own
// retry policy; the batcher never retries a failed send.
type Sender interface {
	Send(ctx context.Context, recipientID string, notifications []Notification) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, recipientID string, notifications []Notification) error

func (f SenderFunc) Send(ctx context.Context, recipientID string, notifications []Notification) error {
	return f(ctx, recipientID, notifications)
}

// Batcher queues notifications per recipient and delivers them in
// priority-aware batches on a fixed cycle.
type Batcher interface {
	// Start begins the batch processing cycle.
	Start(ctx context.Context) error

	// Stop delivers remaining batches and shuts down.
	Stop(ctx context.Context) error

	// Queue adds a notification to a recipient's queue. Duplicates
	// inside the dedup window are dropped silently.
	Queue(recipientID string, n Notification) error

	// Stats returns current batcher statistics.
	Stats() BatcherStats
}

// BatcherOption customizes a Batcher.
type BatcherOption func(*batcher)

// WithClock overrides the batcher's clock.
func WithClock(clk clockwork.Clock) BatcherOption {
	return func(b *batcher) { b.clock = clk }
}

// recipientQueue holds one recipient's pending notifications plus the
// fingerprints seen inside the dedup window.
type recipientQueue struct {
	pending []Notification
	seen    map[string]time.Time
}

// batcher implements the Batcher interface.
type batcher struct {
	cfg    BatcherConfig
	sender Sender
	clock  clockwork.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*recipientQueue

	statsMu sync.Mutex
	queued  int64
	deduped int64
	sent    int64
	failed  int64
	batches int64
}

// NewBatcher creates a new notification batcher.
func NewBatcher(cfg BatcherConfig, sender Sender, logger *slog.Logger, opts ...BatcherOption) Batcher {
	if logger == nil {
		logger = slog.Default()
	}

	b := &batcher{
		cfg:    cfg,
		sender: sender,
		clock:  clockwork.NewRealClock(),
		logger: logger,
		queues: make(map[string]*recipientQueue),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Start begins the batch processing cycle.
func (b *batcher) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.cycleLoop()

	b.logger.Info("notification batcher started",
		"interval", b.cfg.Interval,
		"batch_size", b.cfg.BatchSize,
	)

	return nil
}

// Stop delivers remaining batches and shuts down.
func (b *batcher) Stop(ctx context.Context) error {
	b.logger.Info("stopping notification batcher")

	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("shutdown timeout, abandoning cycle loop")
	}

	// Final cycle drains everything still pending, low-priority holds
	// included.
	b.cycle(true)

	b.logger.Info("notification batcher stopped")
	return nil
}

// Queue adds a notification to a recipient's queue.
func (b *batcher) Queue(recipientID string, n Notification) error {
	if b.ctx == nil {
		return ErrNotStarted
	}

	now := b.clock.Now()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	n.QueuedAt = now

	key := fingerprint(n)

	b.mu.Lock()
	q, ok := b.queues[recipientID]
	if !ok {
		q = &recipientQueue{seen: make(map[string]time.Time)}
		b.queues[recipientID] = q
	}
	if last, dup := q.seen[key]; dup && now.Sub(last) < b.cfg.DedupWindow {
		b.mu.Unlock()
		metrics.NotificationsDeduped.Inc()
		b.statsMu.Lock()
		b.deduped++
		b.statsMu.Unlock()
		return nil
	}
	q.seen[key] = now
	q.pending = append(q.pending, n)
	b.mu.Unlock()

	metrics.NotificationsQueued.Inc()
	b.statsMu.Lock()
	b.queued++
	b.statsMu.Unlock()

	return nil
}

// Stats returns current batcher statistics.
func (b *batcher) Stats() BatcherStats {
	b.mu.Lock()
	recipients := 0
	pending := 0
	for _, q := range b.queues {
		if len(q.pending) > 0 {
			recipients++
		}
		pending += len(q.pending)
	}
	b.mu.Unlock()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return BatcherStats{
		Pending:          pending,
		Recipients:       recipients,
		TotalQueued:      b.queued,
		TotalDeduped:     b.deduped,
		TotalSent:        b.sent,
		TotalFailed:      b.failed,
		BatchesDelivered: b.batches,
	}
}

func (b *batcher) cycleLoop() {
	defer b.wg.Done()

	ticker := b.clock.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.Chan():
			b.cycle(false)
		}
	}
}

// cycle delivers one processing round for every recipient with pending
// notifications. drain ignores the low-priority hold and the normal
// batch cap during shutdown.
func (b *batcher) cycle(drain bool) {
	now := b.clock.Now()

	b.mu.Lock()
	type work struct {
		recipientID string
		high        []Notification
		normal      []Notification
	}
	var rounds []work

	for id, q := range b.queues {
		if len(q.pending) == 0 {
			b.pruneSeen(q, now)
			if len(q.seen) == 0 {
				delete(b.queues, id)
			}
			continue
		}

		w := work{recipientID: id}
		var held []Notification
		budget := b.cfg.BatchSize

		for _, n := range q.pending {
			switch {
			case n.Priority == PriorityHigh:
				w.high = append(w.high, n)
			case n.Priority == PriorityLow && !drain &&
				now.Sub(n.QueuedAt) < b.cfg.LowPriorityDelay:
				held = append(held, n)
			case !drain && budget == 0:
				held = append(held, n)
			default:
				w.normal = append(w.normal, n)
				if budget > 0 {
					budget--
				}
			}
		}

		q.pending = held
		b.pruneSeen(q, now)
		if len(w.high) > 0 || len(w.normal) > 0 {
			rounds = append(rounds, w)
		}
	}
	b.mu.Unlock()

	ctx := b.ctx
	if drain {
		// The run context is already canceled during shutdown.
		ctx = context.Background()
	}

	for _, w := range rounds {
		// High priority always goes out as its own batch, ahead of the
		// normal one.
		if len(w.high) > 0 {
			b.send(ctx, w.recipientID, w.high)
		}
		if len(w.normal) > 0 {
			b.send(ctx, w.recipientID, w.normal)
		}
	}
}

// send hands one batch to the delivery service. Failures are logged and
// the batch is dropped; retry belongs to the sender.
func (b *batcher) send(ctx context.Context, recipientID string, batch []Notification) {
	if err := b.sender.Send(ctx, recipientID, batch); err != nil {
		metrics.NotificationsFailed.Add(float64(len(batch)))
		b.statsMu.Lock()
		b.failed += int64(len(batch))
		b.statsMu.Unlock()
		b.logger.Error("notification delivery failed",
			"recipient", recipientID,
			"count", len(batch),
			"error", err,
		)
		return
	}

	for _, n := range batch {
		metrics.NotificationsSent.WithLabelValues(string(n.Priority)).Inc()
	}
	b.statsMu.Lock()
	b.sent += int64(len(batch))
	b.batches++
	b.statsMu.Unlock()
}

// pruneSeen drops dedup fingerprints older than the window. Caller holds
// b.mu.
func (b *batcher) pruneSeen(q *recipientQueue, now time.Time) {
	for key, ts := range q.seen {
		if now.Sub(ts) >= b.cfg.DedupWindow {
			delete(q.seen, key)
		}
	}
}

// fingerprint identifies a notification by type and serialized body.
func fingerprint(n Notification) string {
	var s strings.Builder
	s.Grow(len(n.Type) + len(n.Data) + 1)
	s.WriteString(n.Type)
	s.WriteByte(0)
	s.Write(n.Data)
	return s.String()
}
