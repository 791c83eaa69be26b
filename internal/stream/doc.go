// Package stream deduplicates and batches outbound events. Events are
// buffered up to a fixed capacity, duplicates inside a rolling window are
// dropped, and flushed batches are compressed when it pays off.
package stream
