// Package pubsub abstracts the upstream pub/sub provider used by the
// subscription layer. Channels are flat string names; messages are
// opaque JSON payloads delivered to a handler per channel.
package pubsub
