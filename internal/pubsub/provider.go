package pubsub

import (
	"context"
	"errors"
)

// Errors
var (
	ErrClosed = errors.New("provider closed")
)

// Handler receives raw message payloads for a channel.
type Handler func(data []byte)

// Subscription is a live channel subscription.
type Subscription interface {
	// Channel returns the channel name this subscription is bound to.
	Channel() string

	// Unsubscribe tears down the subscription. Safe to call more than once.
	Unsubscribe() error
}

// Provider is the upstream pub/sub collaborator.
type Provider interface {
	// Subscribe opens a subscription on a channel. Each delivered message
	// invokes handler on the provider's delivery goroutine.
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)

	// Publish sends a payload to all current subscribers of a channel.
	Publish(ctx context.Context, channel string, data []byte) error

	// Close releases provider resources and tears down all subscriptions.
	Close() error
}
