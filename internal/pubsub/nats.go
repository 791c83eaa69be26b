package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// natsProvider implements Provider over a NATS connection.
type natsProvider struct {
	nc     *nats.Conn
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NATSOptions configures the NATS-backed provider.
type NATSOptions struct {
	URL  string
	Name string
}

// NewNATS connects to a NATS server and returns a Provider backed by it.
func NewNATS(opts NATSOptions, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("nats connected", "url", nc.ConnectedUrl())

	return &natsProvider{nc: nc, logger: logger}, nil
}

func (p *natsProvider) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	sub, err := p.nc.Subscribe(channel, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	return &natsSubscription{channel: channel, sub: sub}, nil
}

func (p *natsProvider) Publish(ctx context.Context, channel string, data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	if err := p.nc.Publish(channel, data); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (p *natsProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.nc.Close()
	return nil
}

// natsSubscription wraps a nats subscription.
type natsSubscription struct {
	channel string
	sub     *nats.Subscription

	mu     sync.Mutex
	closed bool
}

func (s *natsSubscription) Channel() string { return s.channel }

func (s *natsSubscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Unsubscribe()
}
