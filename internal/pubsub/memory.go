package pubsub

import (
	"context"
	"log/slog"
	"sync"
)

// Memory is an in-process Provider used for single-node runs and tests.
// It counts subscribe/unsubscribe calls per channel so tests can assert
// upstream channel reuse.
type Memory struct {
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	channels map[string]map[*memorySubscription]struct{}

	subscribeCalls   map[string]int
	unsubscribeCalls map[string]int
}

// NewMemory creates an in-process provider.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		logger:           logger,
		channels:         make(map[string]map[*memorySubscription]struct{}),
		subscribeCalls:   make(map[string]int),
		unsubscribeCalls: make(map[string]int),
	}
}

func (m *Memory) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{provider: m, channel: channel, handler: handler}
	subs := m.channels[channel]
	if subs == nil {
		subs = make(map[*memorySubscription]struct{})
		m.channels[channel] = subs
	}
	subs[sub] = struct{}{}
	m.subscribeCalls[channel]++

	return sub, nil
}

func (m *Memory) Publish(ctx context.Context, channel string, data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(m.channels[channel]))
	for sub := range m.channels[channel] {
		handlers = append(handlers, sub.handler)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.channels = make(map[string]map[*memorySubscription]struct{})
	return nil
}

// SubscribeCalls returns how many times Subscribe was called for a channel.
func (m *Memory) SubscribeCalls(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribeCalls[channel]
}

// UnsubscribeCalls returns how many times a subscription on a channel
// was torn down.
func (m *Memory) UnsubscribeCalls(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unsubscribeCalls[channel]
}

// ActiveChannels returns the number of channels with at least one subscriber.
func (m *Memory) ActiveChannels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

type memorySubscription struct {
	provider *Memory
	channel  string
	handler  Handler

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) Channel() string { return s.channel }

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	m := s.provider
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.channels[s.channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(m.channels, s.channel)
		}
	}
	m.unsubscribeCalls[s.channel]++
	return nil
}
