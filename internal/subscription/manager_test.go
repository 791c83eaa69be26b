package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/candlefish/realtime/internal/pubsub"
)

type deliveryRecorder struct {
	mu       sync.Mutex
	payloads []json.RawMessage
}

func (r *deliveryRecorder) callback(payload json.RawMessage) {
	r.mu.Lock()
	r.payloads = append(r.payloads, payload)
	r.mu.Unlock()
}

func (r *deliveryRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *deliveryRecorder) last() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.payloads) == 0 {
		return nil
	}
	return r.payloads[len(r.payloads)-1]
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

func newTestManager(t *testing.T) (Manager, *pubsub.Memory, *clockwork.FakeClock) {
	t.Helper()
	provider := pubsub.NewMemory(nil)
	clk := clockwork.NewFakeClock()
	mgr := NewManager(DefaultManagerConfig(), provider, nil, WithClock(clk))
	t.Cleanup(func() { mgr.Close() })
	return mgr, provider, clk
}

func TestManager_IdenticalSubscriptionsShareOneChannel(t *testing.T) {
	mgr, provider, clk := newTestManager(t)

	vars := map[string]any{"x": 1}
	recA := &deliveryRecorder{}
	recB := &deliveryRecorder{}

	subA, err := mgr.Subscribe("subscriber-a", "query Dashboard { widgets }", vars, recA.callback)
	if err != nil {
		t.Fatalf("Subscribe A failed: %v", err)
	}
	subB, err := mgr.Subscribe("subscriber-b", "query Dashboard { widgets }", vars, recB.callback)
	if err != nil {
		t.Fatalf("Subscribe B failed: %v", err)
	}

	if subA != subB {
		t.Fatal("identical (query, variables) produced different subscriptions")
	}
	if n := provider.SubscribeCalls(subA.Channel()); n != 1 {
		t.Errorf("upstream subscribe calls = %d, want 1", n)
	}
	if subA.Listeners() != 2 {
		t.Errorf("listeners = %d, want 2", subA.Listeners())
	}

	update := []byte(`{"widget":"w1","value":42}`)
	if err := provider.Publish(context.Background(), subA.Channel(), update); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	clk.Advance(DefaultManagerConfig().BatchWindow)

	waitFor(t, "fan-out", func() bool { return recA.count() == 1 && recB.count() == 1 })
	if string(recA.last()) != string(update) || string(recB.last()) != string(update) {
		t.Error("listeners received different payloads for the same update")
	}

	// Both unsubscribe: the single upstream channel is torn down once.
	mgr.Unsubscribe("subscriber-a")
	if n := provider.UnsubscribeCalls(subA.Channel()); n != 0 {
		t.Errorf("unsubscribe calls = %d, want 0 while a listener remains", n)
	}
	mgr.Unsubscribe("subscriber-b")
	if n := provider.UnsubscribeCalls(subA.Channel()); n != 1 {
		t.Errorf("unsubscribe calls = %d, want exactly 1", n)
	}
	if provider.ActiveChannels() != 0 {
		t.Errorf("ActiveChannels = %d, want 0", provider.ActiveChannels())
	}
}

func TestManager_DistinctVariablesOpenDistinctChannels(t *testing.T) {
	mgr, provider, _ := newTestManager(t)

	rec := &deliveryRecorder{}
	s1, err := mgr.Subscribe("a", "query Metrics { points }", map[string]any{"x": 1}, rec.callback)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	s2, err := mgr.Subscribe("a", "query Metrics { points }", map[string]any{"x": 2}, rec.callback)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if s1 == s2 {
		t.Error("different variables must not share a subscription")
	}
	if provider.ActiveChannels() != 2 {
		t.Errorf("ActiveChannels = %d, want 2", provider.ActiveChannels())
	}

	stats := mgr.Stats()
	if stats.ActiveSubscriptions != 2 {
		t.Errorf("ActiveSubscriptions = %d, want 2", stats.ActiveSubscriptions)
	}
}

func TestManager_WindowMergesMultipleUpdates(t *testing.T) {
	mgr, provider, clk := newTestManager(t)

	rec := &deliveryRecorder{}
	sub, err := mgr.Subscribe("a", "query Dashboard { widgets }", nil, rec.callback)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		update, _ := json.Marshal(map[string]int{"seq": i})
		if err := provider.Publish(context.Background(), sub.Channel(), update); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	clk.Advance(DefaultManagerConfig().BatchWindow)

	waitFor(t, "batched delivery", func() bool { return rec.count() == 1 })

	var batch BatchPayload
	if err := json.Unmarshal(rec.last(), &batch); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	if batch.Type != "batch" {
		t.Errorf("Type = %q, want %q", batch.Type, "batch")
	}
	if batch.Count != 5 || len(batch.Updates) != 5 {
		t.Errorf("Count = %d, Updates = %d, want 5 and 5", batch.Count, len(batch.Updates))
	}
	// Merged items preserve relative arrival order.
	for i, u := range batch.Updates {
		var item struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(u, &item); err != nil {
			t.Fatalf("unmarshal update %d: %v", i, err)
		}
		if item.Seq != i {
			t.Errorf("update %d has seq %d, want %d", i, item.Seq, i)
		}
	}
}

func TestManager_SingleUpdateDeliveredUnbatched(t *testing.T) {
	mgr, provider, clk := newTestManager(t)

	rec := &deliveryRecorder{}
	sub, err := mgr.Subscribe("a", "query Widget { state }", nil, rec.callback)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	update := []byte(`{"state":"ok"}`)
	provider.Publish(context.Background(), sub.Channel(), update)

	clk.Advance(DefaultManagerConfig().BatchWindow)

	waitFor(t, "delivery", func() bool { return rec.count() == 1 })
	if string(rec.last()) != string(update) {
		t.Errorf("payload = %s, want the raw update unmodified", rec.last())
	}
}

func TestManager_UnsubscribeCancelsPendingWindow(t *testing.T) {
	mgr, provider, clk := newTestManager(t)

	rec := &deliveryRecorder{}
	sub, err := mgr.Subscribe("a", "query Dashboard { widgets }", nil, rec.callback)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	provider.Publish(context.Background(), sub.Channel(), []byte(`{"n":1}`))
	mgr.Unsubscribe("a")

	clk.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)

	if rec.count() != 0 {
		t.Errorf("deliveries = %d, want 0 after unsubscribe", rec.count())
	}
}

// flakySubscribeProvider fails the first N subscribe calls.
type flakySubscribeProvider struct {
	*pubsub.Memory
	mu       sync.Mutex
	failures int
}

func (p *flakySubscribeProvider) Subscribe(ctx context.Context, channel string, handler pubsub.Handler) (pubsub.Subscription, error) {
	p.mu.Lock()
	if p.failures > 0 {
		p.failures--
		p.mu.Unlock()
		return nil, errors.New("upstream unavailable")
	}
	p.mu.Unlock()
	return p.Memory.Subscribe(ctx, channel, handler)
}

func TestManager_UpstreamSubscribeRetriesWithBackoff(t *testing.T) {
	provider := &flakySubscribeProvider{Memory: pubsub.NewMemory(nil), failures: 2}

	cfg := DefaultManagerConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 4 * time.Millisecond

	mgr := NewManager(cfg, provider, nil)
	defer mgr.Close()

	rec := &deliveryRecorder{}
	sub, err := mgr.Subscribe("a", "query Metrics { points }", nil, rec.callback)
	if err != nil {
		t.Fatalf("Subscribe failed after retries: %v", err)
	}
	if sub.Listeners() != 1 {
		t.Errorf("listeners = %d, want 1", sub.Listeners())
	}
}

func TestManager_UpstreamSubscribeExhaustsRetries(t *testing.T) {
	provider := &flakySubscribeProvider{Memory: pubsub.NewMemory(nil), failures: 100}

	cfg := DefaultManagerConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	cfg.MaxRetryAttempts = 3

	mgr := NewManager(cfg, provider, nil)
	defer mgr.Close()

	if _, err := mgr.Subscribe("a", "query Metrics { points }", nil, func(json.RawMessage) {}); err == nil {
		t.Error("expected error once retries are exhausted")
	}
	if mgr.Stats().ActiveSubscriptions != 0 {
		t.Errorf("ActiveSubscriptions = %d, want 0", mgr.Stats().ActiveSubscriptions)
	}
}

func TestGroupFor(t *testing.T) {
	cases := map[string]string{
		"query Dashboard { widgets }": "dashboard",
		"query WidgetState { w }":     "widget",
		"query MetricPoints { p }":    "metrics",
		"query Something { else }":    "other",
	}
	for query, want := range cases {
		if got := groupFor(query); got != want {
			t.Errorf("groupFor(%q) = %q, want %q", query, got, want)
		}
	}
}

func TestCanonicalKeyStable(t *testing.T) {
	k1, err := canonicalKey("q", map[string]any{"a": 1, "b": "two"})
	if err != nil {
		t.Fatalf("canonicalKey failed: %v", err)
	}
	k2, err := canonicalKey("q", map[string]any{"b": "two", "a": 1})
	if err != nil {
		t.Fatalf("canonicalKey failed: %v", err)
	}
	if k1 != k2 {
		t.Error("equal variable maps produced different keys")
	}

	k3, _ := canonicalKey("q", map[string]any{"a": 2, "b": "two"})
	if k1 == k3 {
		t.Error("different variable values produced the same key")
	}
}
