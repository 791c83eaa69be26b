// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns one transport connection per recipient id
//   - Handles reconnection with capped exponential backoff
//   - Detects stale connections via ping/pong heartbeats
//   - Batches inbound messages per recipient, grouped by type
package connection
