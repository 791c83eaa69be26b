package connection

import "sync"

// inboundQueue is a thread-safe ring buffer for a recipient's inbound
// messages. It doubles its capacity when it reaches 70% full, so bursty
// input is never dropped between drain cycles.
type inboundQueue struct {
	mu       sync.Mutex
	buf      []TimestampedMessage
	head     int
	tail     int
	count    int
	capacity int

	totalReceived int64
	totalDrained  int64
}

func newInboundQueue(initialCapacity int) *inboundQueue {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &inboundQueue{
		buf:      make([]TimestampedMessage, initialCapacity),
		capacity: initialCapacity,
	}
}

// Append adds a message to the queue, growing it when near capacity.
func (q *inboundQueue) Append(msg TimestampedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	threshold := (q.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold {
		q.grow()
	}

	q.buf[q.tail] = msg
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalReceived++
}

// DrainTo removes and returns up to max messages in arrival order.
func (q *inboundQueue) DrainTo(max int) []TimestampedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	n := q.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]TimestampedMessage, n)
	for i := 0; i < n; i++ {
		result[i] = q.buf[q.head]
		q.buf[q.head] = TimestampedMessage{} // clear reference for GC
		q.head = (q.head + 1) % q.capacity
		q.count--
		q.totalDrained++
	}

	return result
}

// Len returns the current number of queued messages.
func (q *inboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// grow doubles the queue capacity. Must be called with lock held.
func (q *inboundQueue) grow() {
	newCapacity := q.capacity * 2
	newBuf := make([]TimestampedMessage, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
}
