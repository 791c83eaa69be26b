// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection counts and status transitions
//   - Inbound message batching and drop counts
//   - Subscription fan-out and per-group update rates
//   - Event buffer utilization, dedup drops, and compression savings
//   - Notification queue depth and delivery outcomes
package metrics
