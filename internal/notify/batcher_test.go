package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type sentBatch struct {
	recipientID   string
	notifications []Notification
}

type fakeSender struct {
	mu      sync.Mutex
	batches []sentBatch
	err     error
}

func (s *fakeSender) Send(ctx context.Context, recipientID string, notifications []Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, sentBatch{recipientID: recipientID, notifications: notifications})
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *fakeSender) delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b.notifications)
	}
	return n
}

func (s *fakeSender) batch(i int) sentBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func newTestBatcher(t *testing.T, cfg BatcherConfig, sender Sender) (Batcher, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClock()
	b := NewBatcher(cfg, sender, nil, WithClock(clk))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { b.Stop(context.Background()) })

	// Cycle loop must be on its ticker before the clock advances.
	if err := clk.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("cycle loop never started: %v", err)
	}
	return b, clk
}

func notification(typ string, prio Priority, data string) Notification {
	return Notification{Type: typ, Priority: prio, Data: json.RawMessage(data)}
}

func TestBatcher_QueueBeforeStart(t *testing.T) {
	b := NewBatcher(DefaultBatcherConfig(), &fakeSender{}, nil)
	if err := b.Queue("r1", notification("alert", PriorityNormal, `{}`)); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Queue before Start returned %v, want ErrNotStarted", err)
	}
}

func TestBatcher_DuplicateWithinWindowDropped(t *testing.T) {
	sender := &fakeSender{}
	b, clk := newTestBatcher(t, DefaultBatcherConfig(), sender)

	n := notification("alert", PriorityNormal, `{"level":"warn"}`)
	if err := b.Queue("r1", n); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}
	if err := b.Queue("r1", n); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	stats := b.Stats()
	if stats.TotalQueued != 1 || stats.TotalDeduped != 1 {
		t.Errorf("queued=%d deduped=%d, want 1 and 1", stats.TotalQueued, stats.TotalDeduped)
	}

	clk.Advance(DefaultBatcherConfig().Interval)
	waitFor(t, "delivery", func() bool { return sender.count() == 1 })

	if got := sender.delivered(); got != 1 {
		t.Errorf("delivered %d notifications, want exactly 1", got)
	}
}

func TestBatcher_DuplicateAllowedAfterWindow(t *testing.T) {
	sender := &fakeSender{}
	cfg := DefaultBatcherConfig()
	b, clk := newTestBatcher(t, cfg, sender)

	n := notification("alert", PriorityNormal, `{"level":"warn"}`)
	b.Queue("r1", n)

	// Walk the clock past the dedup window one cycle at a time.
	for elapsed := time.Duration(0); elapsed < cfg.DedupWindow; elapsed += cfg.Interval {
		clk.Advance(cfg.Interval)
		time.Sleep(5 * time.Millisecond)
	}

	b.Queue("r1", n)
	clk.Advance(cfg.Interval)

	waitFor(t, "second delivery", func() bool { return sender.delivered() == 2 })
	if got := b.Stats().TotalDeduped; got != 0 {
		t.Errorf("TotalDeduped = %d, want 0 once the window elapsed", got)
	}
}

func TestBatcher_DeliversFullNotification(t *testing.T) {
	sender := &fakeSender{}
	b, clk := newTestBatcher(t, DefaultBatcherConfig(), sender)

	n := notification("alert", PriorityNormal, `{"level":"warn"}`)
	n.Title = "Disk space low"
	n.Body = "Volume /data is at 92% capacity"
	if err := b.Queue("r1", n); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	clk.Advance(DefaultBatcherConfig().Interval)
	waitFor(t, "delivery", func() bool { return sender.count() == 1 })

	got := sender.batch(0).notifications[0]
	if got.Title != n.Title || got.Body != n.Body {
		t.Errorf("delivered notification lost text: title=%q body=%q", got.Title, got.Body)
	}
	if got.Type != "alert" || string(got.Data) != `{"level":"warn"}` {
		t.Errorf("delivered notification mutated: type=%q data=%s", got.Type, got.Data)
	}
	if got.ID == "" {
		t.Error("delivered notification has no id")
	}
}

func TestBatcher_DedupIsPerRecipient(t *testing.T) {
	sender := &fakeSender{}
	b, clk := newTestBatcher(t, DefaultBatcherConfig(), sender)

	n := notification("alert", PriorityNormal, `{"level":"warn"}`)
	b.Queue("r1", n)
	b.Queue("r2", n)

	clk.Advance(DefaultBatcherConfig().Interval)
	waitFor(t, "both recipients", func() bool { return sender.count() == 2 })
}

func TestBatcher_HighPriorityIsItsOwnBatch(t *testing.T) {
	sender := &fakeSender{}
	b, clk := newTestBatcher(t, DefaultBatcherConfig(), sender)

	b.Queue("r1", notification("page", PriorityHigh, `{"sev":1}`))
	b.Queue("r1", notification("digest", PriorityNormal, `{"n":1}`))
	b.Queue("r1", notification("digest", PriorityNormal, `{"n":2}`))

	clk.Advance(DefaultBatcherConfig().Interval)
	waitFor(t, "both batches", func() bool { return sender.count() == 2 })

	first := sender.batch(0)
	if len(first.notifications) != 1 {
		t.Fatalf("first batch = %d notifications, want the lone high one", len(first.notifications))
	}
	if first.notifications[0].Priority != PriorityHigh {
		t.Errorf("first batch priority = %v, want high", first.notifications[0].Priority)
	}
	second := sender.batch(1)
	if len(second.notifications) != 2 {
		t.Errorf("second batch = %d notifications, want the 2 normal ones", len(second.notifications))
	}
}

func TestBatcher_NormalBatchSizeCapCarriesOverflow(t *testing.T) {
	sender := &fakeSender{}
	cfg := DefaultBatcherConfig()
	cfg.BatchSize = 2
	b, clk := newTestBatcher(t, cfg, sender)

	for _, data := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		b.Queue("r1", notification("digest", PriorityNormal, data))
	}

	clk.Advance(cfg.Interval)
	waitFor(t, "capped batch", func() bool { return sender.count() == 1 })
	if got := len(sender.batch(0).notifications); got != 2 {
		t.Errorf("first cycle sent %d notifications, want 2", got)
	}

	clk.Advance(cfg.Interval)
	waitFor(t, "overflow batch", func() bool { return sender.count() == 2 })
	if got := len(sender.batch(1).notifications); got != 1 {
		t.Errorf("second cycle sent %d notifications, want the 1 held over", got)
	}
}

func TestBatcher_LowPriorityHeldPastDelay(t *testing.T) {
	sender := &fakeSender{}
	cfg := DefaultBatcherConfig()
	b, clk := newTestBatcher(t, cfg, sender)

	b.Queue("r1", notification("hint", PriorityLow, `{"tip":"x"}`))

	clk.Advance(cfg.Interval)
	time.Sleep(20 * time.Millisecond)
	if sender.count() != 0 {
		t.Fatal("low priority delivered before its hold elapsed")
	}

	for elapsed := cfg.Interval; elapsed < cfg.LowPriorityDelay+cfg.Interval; elapsed += cfg.Interval {
		clk.Advance(cfg.Interval)
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, "held delivery", func() bool { return sender.delivered() == 1 })
}

func TestBatcher_FailedSendIsNotRetried(t *testing.T) {
	sender := &fakeSender{err: errors.New("delivery service down")}
	cfg := DefaultBatcherConfig()
	b, clk := newTestBatcher(t, cfg, sender)

	b.Queue("r1", notification("alert", PriorityNormal, `{"level":"warn"}`))

	clk.Advance(cfg.Interval)
	waitFor(t, "failure recorded", func() bool { return b.Stats().TotalFailed == 1 })

	// The failed batch is dropped, not re-queued.
	clk.Advance(cfg.Interval)
	time.Sleep(20 * time.Millisecond)

	stats := b.Stats()
	if stats.TotalFailed != 1 {
		t.Errorf("TotalFailed = %d, want 1 (no retry)", stats.TotalFailed)
	}
	if stats.Pending != 0 {
		t.Errorf("Pending = %d, want 0", stats.Pending)
	}
}

func TestBatcher_StopDrainsPending(t *testing.T) {
	sender := &fakeSender{}
	cfg := DefaultBatcherConfig()
	b, _ := newTestBatcher(t, cfg, sender)

	b.Queue("r1", notification("hint", PriorityLow, `{"tip":"x"}`))
	b.Queue("r1", notification("digest", PriorityNormal, `{"n":1}`))

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := sender.delivered(); got != 2 {
		t.Errorf("delivered %d notifications on shutdown, want 2", got)
	}
}
