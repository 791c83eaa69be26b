package subscription

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/candlefish/realtime/internal/metrics"
	"github.com/candlefish/realtime/internal/pubsub"
)

// Manager deduplicates logical subscriptions over the upstream pub/sub
// provider and batches update delivery to listeners.
type Manager interface {
	// Subscribe attaches a listener to the subscription for
	// (query, variables), opening exactly one upstream channel per
	// distinct pair.
	Subscribe(subscriberID, query string, variables map[string]any, cb Callback) (*Subscription, error)

	// Unsubscribe detaches a subscriber from every subscription it is
	// attached to, tearing down upstream channels left without
	// listeners.
	Unsubscribe(subscriberID string)

	// Stats returns current subscription statistics.
	Stats() ManagerStats

	// Close tears down all subscriptions.
	Close() error
}

// Subscription is a deduplicated logical subscription shared by all
// listeners with the same canonical key.
type Subscription struct {
	ID        string
	Key       string
	Query     string
	Variables map[string]any
	Group     string // informational only; never affects delivery

	mgr *manager

	mu        sync.Mutex
	listeners map[string]Callback // subscriber id → callback
	pending   []json.RawMessage
	timer     clockwork.Timer
	upstream  pubsub.Subscription
	closed    bool
}

// Channel returns the upstream channel name for this subscription.
func (s *Subscription) Channel() string {
	return "subscription:" + s.ID
}

// Listeners returns the number of attached listeners.
func (s *Subscription) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// ManagerOption customizes a Manager.
type ManagerOption func(*manager)

// WithClock overrides the manager's clock.
func WithClock(clk clockwork.Clock) ManagerOption {
	return func(m *manager) { m.clock = clk }
}

// manager implements the Manager interface.
type manager struct {
	cfg      ManagerConfig
	provider pubsub.Provider
	clock    clockwork.Clock
	logger   *slog.Logger

	flight singleflight.Group

	mu     sync.Mutex
	subs   map[string]*Subscription // canonical key → subscription
	closed bool

	statsMu  sync.Mutex
	updates  int64
	batches  int64
	attaches int64
}

// NewManager creates a new Subscription Manager.
func NewManager(cfg ManagerConfig, provider pubsub.Provider, logger *slog.Logger, opts ...ManagerOption) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &manager{
		cfg:      cfg,
		provider: provider,
		clock:    clockwork.NewRealClock(),
		logger:   logger,
		subs:     make(map[string]*Subscription),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Subscribe attaches a listener, opening the upstream channel on first
// use of a canonical key.
func (m *manager) Subscribe(subscriberID, query string, variables map[string]any, cb Callback) (*Subscription, error) {
	key, err := canonicalKey(query, variables)
	if err != nil {
		return nil, fmt.Errorf("canonical key: %w", err)
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, pubsub.ErrClosed
		}
		if sub, ok := m.subs[key]; ok {
			sub.mu.Lock()
			sub.listeners[subscriberID] = cb
			sub.mu.Unlock()
			m.mu.Unlock()

			m.statsMu.Lock()
			m.attaches++
			m.statsMu.Unlock()

			m.logger.Debug("attached to existing subscription",
				"subscriber", subscriberID,
				"subscription", sub.ID,
			)
			return sub, nil
		}
		m.mu.Unlock()

		// Collapse concurrent opens for the same key into one upstream
		// subscribe call.
		v, err, _ := m.flight.Do(key, func() (any, error) {
			return m.open(key, query, variables)
		})
		if err != nil {
			return nil, err
		}
		sub := v.(*Subscription)

		m.mu.Lock()
		if registered, ok := m.subs[key]; ok && registered == sub {
			sub.mu.Lock()
			sub.listeners[subscriberID] = cb
			sub.mu.Unlock()
			m.mu.Unlock()
			return sub, nil
		}
		m.mu.Unlock()
		// Torn down between open and attach; start over.
	}
}

// open creates a Subscription and its upstream channel, and registers it.
func (m *manager) open(key, query string, variables map[string]any) (*Subscription, error) {
	sub := &Subscription{
		ID:        uuid.NewString(),
		Key:       key,
		Query:     query,
		Variables: variables,
		Group:     groupFor(query),
		mgr:       m,
		listeners: make(map[string]Callback),
	}

	upstream, err := m.subscribeUpstream(sub)
	if err != nil {
		return nil, fmt.Errorf("open upstream channel: %w", err)
	}

	sub.mu.Lock()
	sub.upstream = upstream
	sub.mu.Unlock()

	m.mu.Lock()
	m.subs[key] = sub
	total := len(m.subs)
	m.mu.Unlock()

	metrics.SubscriptionsActive.Set(float64(total))
	m.logger.Info("subscription opened",
		"subscription", sub.ID,
		"group", sub.Group,
	)

	return sub, nil
}

// subscribeUpstream opens the upstream channel, retrying transient
// failures with the same capped exponential backoff as transport
// reconnection.
func (m *manager) subscribeUpstream(sub *Subscription) (pubsub.Subscription, error) {
	delay := m.cfg.RetryBaseDelay
	for attempt := 1; ; attempt++ {
		upstream, err := m.provider.Subscribe(context.Background(), sub.Channel(), sub.handleUpdate)
		if err == nil {
			return upstream, nil
		}
		if attempt >= m.cfg.MaxRetryAttempts {
			return nil, err
		}

		m.logger.Warn("upstream subscribe failed, retrying",
			"subscription", sub.ID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		<-m.clock.After(delay)

		delay *= 2
		if delay > m.cfg.RetryMaxDelay {
			delay = m.cfg.RetryMaxDelay
		}
	}
}

// Unsubscribe detaches a subscriber everywhere it is attached.
func (m *manager) Unsubscribe(subscriberID string) {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if _, ok := sub.listeners[subscriberID]; !ok {
			sub.mu.Unlock()
			continue
		}
		delete(sub.listeners, subscriberID)
		empty := len(sub.listeners) == 0
		sub.mu.Unlock()

		if empty {
			m.teardown(sub)
		}
	}
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	active := len(m.subs)
	listeners := 0
	groups := make(map[string]int)
	for _, sub := range m.subs {
		listeners += sub.Listeners()
		groups[sub.Group]++
	}
	m.mu.Unlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return ManagerStats{
		ActiveSubscriptions: active,
		TotalListeners:      listeners,
		UpdatesReceived:     m.updates,
		BatchesDelivered:    m.batches,
		SharedAttaches:      m.attaches,
		GroupCounts:         groups,
	}
}

// Close tears down all subscriptions.
func (m *manager) Close() error {
	m.mu.Lock()
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		m.teardown(sub)
	}
	return nil
}

// teardown closes a subscription's upstream channel, cancels its window
// timer, and evicts it from the dedup cache.
func (m *manager) teardown(sub *Subscription) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
	sub.pending = nil
	upstream := sub.upstream
	sub.mu.Unlock()

	if upstream != nil {
		if err := upstream.Unsubscribe(); err != nil {
			m.logger.Warn("upstream unsubscribe failed",
				"subscription", sub.ID,
				"error", err,
			)
		}
	}

	m.mu.Lock()
	if m.subs[sub.Key] == sub {
		delete(m.subs, sub.Key)
	}
	total := len(m.subs)
	m.mu.Unlock()

	metrics.SubscriptionsActive.Set(float64(total))
	m.logger.Info("subscription closed", "subscription", sub.ID)
}

// handleUpdate accumulates an upstream message into the current delivery
// window, opening the window on the first message.
func (s *Subscription) handleUpdate(data []byte) {
	m := s.mgr

	metrics.SubscriptionUpdates.WithLabelValues(s.Group).Inc()
	m.statsMu.Lock()
	m.updates++
	m.statsMu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, buf)
	if s.timer == nil {
		s.timer = m.clock.AfterFunc(m.cfg.BatchWindow, s.flushWindow)
	}
	s.mu.Unlock()
}

// flushWindow delivers the accumulated window: one update unmodified, or
// a synthetic batch when more than one arrived.
func (s *Subscription) flushWindow() {
	m := s.mgr

	s.mu.Lock()
	if s.closed || len(s.pending) == 0 {
		s.timer = nil
		s.mu.Unlock()
		return
	}
	pending := s.pending
	s.pending = nil
	s.timer = nil
	listeners := make([]Callback, 0, len(s.listeners))
	for _, cb := range s.listeners {
		listeners = append(listeners, cb)
	}
	s.mu.Unlock()

	var payload json.RawMessage
	if len(pending) == 1 {
		payload = pending[0]
	} else {
		batch := BatchPayload{
			Type:    "batch",
			Updates: pending,
			Count:   len(pending),
		}
		data, err := json.Marshal(batch)
		if err != nil {
			m.logger.Error("marshal batch payload",
				"subscription", s.ID,
				"error", err,
			)
			return
		}
		payload = data

		metrics.SubscriptionBatches.Inc()
		m.statsMu.Lock()
		m.batches++
		m.statsMu.Unlock()
	}

	for _, cb := range listeners {
		s.deliver(cb, payload)
	}
}

// deliver invokes a callback, isolating delivery from panics.
func (s *Subscription) deliver(cb Callback, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.mgr.logger.Error("subscription callback panicked",
				"subscription", s.ID,
				"panic", r,
			)
		}
	}()
	cb(payload)
}

// canonicalKey fingerprints (query, variables). encoding/json sorts map
// keys, so equal variable maps serialize identically.
func canonicalKey(query string, variables map[string]any) (string, error) {
	vars, err := json.Marshal(variables)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write(vars)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// groupFor classifies a query by keyword for observability.
func groupFor(query string) string {
	q := strings.ToLower(query)
	switch {
	case strings.Contains(q, "dashboard"):
		return "dashboard"
	case strings.Contains(q, "widget"):
		return "widget"
	case strings.Contains(q, "metric"):
		return "metrics"
	default:
		return "other"
	}
}
