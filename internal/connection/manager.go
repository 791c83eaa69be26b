package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/candlefish/realtime/internal/metrics"
)

// Manager owns per-recipient transport connections: creation, heartbeat,
// reconnection, and inbound message batching.
type Manager interface {
	// Start begins the heartbeat and inbound drain loops.
	Start(ctx context.Context) error

	// Stop gracefully shuts down all connections.
	Stop(ctx context.Context) error

	// CreateConnection returns the connection for a recipient, creating
	// it on first call. Subsequent calls with the same recipient id
	// return the identical object.
	CreateConnection(recipientID, endpoint string, opts Options) (*Connection, error)

	// Close removes a recipient's connection and cancels its timers.
	Close(recipientID string) error

	// Get returns the connection for a recipient, if present.
	Get(recipientID string) (*Connection, bool)

	// Send writes raw bytes to a recipient's connection.
	Send(recipientID string, data []byte) error

	// OnStatus registers a status observer. The returned function
	// removes it.
	OnStatus(fn func(StatusEvent)) func()

	// OnMessage registers an inbound batch listener. The returned
	// function removes it.
	OnMessage(fn func(MessageBatch)) func()

	// Stats returns current connection statistics.
	Stats() ManagerStats
}

// Connection is the per-recipient connection state. Exclusively owned by
// the Manager; callers observe it through accessors.
type Connection struct {
	RecipientID string
	Endpoint    string
	Options     Options

	mu       sync.RWMutex
	status   Status
	attempts int
	client   Client
	removed  bool
	done     chan struct{}
	queue    *inboundQueue
}

// Status returns the connection's current lifecycle state.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Attempts returns the current reconnect attempt counter.
func (c *Connection) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// LastPong returns the last heartbeat ack time.
func (c *Connection) LastPong() time.Time {
	c.mu.RLock()
	cl := c.client
	c.mu.RUnlock()
	if cl == nil {
		return time.Time{}
	}
	return cl.LastPong()
}

func (c *Connection) currentClient() Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// ClientFactory builds transport clients. Tests inject fakes through it.
type ClientFactory func(cfg ClientConfig) Client

// ManagerOption customizes a Manager.
type ManagerOption func(*manager)

// WithClock overrides the manager's clock.
func WithClock(clk clockwork.Clock) ManagerOption {
	return func(m *manager) { m.clock = clk }
}

// WithClientFactory overrides transport client construction.
func WithClientFactory(f ClientFactory) ManagerOption {
	return func(m *manager) { m.newClient = f }
}

// manager implements the Manager interface.
type manager struct {
	cfg       ManagerConfig
	clock     clockwork.Clock
	logger    *slog.Logger
	newClient ClientFactory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.RWMutex
	conns  map[string]*Connection

	listenerMu   sync.RWMutex
	statusSubs   map[int64]func(StatusEvent)
	msgSubs      map[int64]func(MessageBatch)
	nextListener int64

	statsMu sync.Mutex
	queued  int64
	dropped int64
	batches int64
}

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger, opts ...ManagerOption) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &manager{
		cfg:        cfg,
		clock:      clockwork.NewRealClock(),
		logger:     logger,
		conns:      make(map[string]*Connection),
		statusSubs: make(map[int64]func(StatusEvent)),
		msgSubs:    make(map[int64]func(MessageBatch)),
	}
	m.newClient = func(ccfg ClientConfig) Client {
		return NewClient(ccfg, m.clock, m.logger)
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start begins the heartbeat and inbound drain loops.
func (m *manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go m.heartbeatLoop()
	go m.drainLoop()

	m.logger.Info("connection manager started",
		"heartbeat_interval", m.cfg.HeartbeatInterval,
		"inbound_batch_interval", m.cfg.InboundBatchInterval,
	)

	return nil
}

// Stop gracefully shuts down.
func (m *manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping connection manager")

	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
	}

	m.connMu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Connection)
	m.connMu.Unlock()

	for _, c := range conns {
		m.teardown(c, StatusClosed, nil)
	}
	metrics.ConnectionsActive.Set(0)

	m.logger.Info("connection manager stopped")
	return nil
}

// CreateConnection returns the connection for a recipient, creating it on
// first call.
func (m *manager) CreateConnection(recipientID, endpoint string, opts Options) (*Connection, error) {
	if m.ctx == nil {
		return nil, fmt.Errorf("manager not started")
	}

	m.connMu.Lock()
	if existing, ok := m.conns[recipientID]; ok {
		m.connMu.Unlock()
		return existing, nil
	}

	c := &Connection{
		RecipientID: recipientID,
		Endpoint:    endpoint,
		Options:     opts,
		status:      StatusConnecting,
		done:        make(chan struct{}),
		queue:       newInboundQueue(m.cfg.InboundBatchSize),
	}
	m.conns[recipientID] = c
	total := len(m.conns)
	m.connMu.Unlock()

	metrics.ConnectionsActive.Set(float64(total))
	m.emit(StatusEvent{RecipientID: recipientID, Status: StatusConnecting})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connect(c)
	}()

	return c, nil
}

// Close removes a recipient's connection and cancels its timers.
func (m *manager) Close(recipientID string) error {
	m.connMu.RLock()
	c, ok := m.conns[recipientID]
	m.connMu.RUnlock()
	if !ok {
		return ErrUnknownRecipient
	}

	m.remove(c, StatusClosed, nil)
	return nil
}

// Get returns the connection for a recipient, if present.
func (m *manager) Get(recipientID string) (*Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	c, ok := m.conns[recipientID]
	return c, ok
}

// Send writes raw bytes to a recipient's connection.
func (m *manager) Send(recipientID string, data []byte) error {
	m.connMu.RLock()
	c, ok := m.conns[recipientID]
	m.connMu.RUnlock()
	if !ok {
		return ErrUnknownRecipient
	}

	cl := c.currentClient()
	if cl == nil {
		return ErrNotConnected
	}
	return cl.Send(data)
}

// OnStatus registers a status observer.
func (m *manager) OnStatus(fn func(StatusEvent)) func() {
	m.listenerMu.Lock()
	m.nextListener++
	id := m.nextListener
	m.statusSubs[id] = fn
	m.listenerMu.Unlock()

	return func() {
		m.listenerMu.Lock()
		delete(m.statusSubs, id)
		m.listenerMu.Unlock()
	}
}

// OnMessage registers an inbound batch listener.
func (m *manager) OnMessage(fn func(MessageBatch)) func() {
	m.listenerMu.Lock()
	m.nextListener++
	id := m.nextListener
	m.msgSubs[id] = fn
	m.listenerMu.Unlock()

	return func() {
		m.listenerMu.Lock()
		delete(m.msgSubs, id)
		m.listenerMu.Unlock()
	}
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.connMu.RLock()
	active := len(m.conns)
	connected := 0
	for _, c := range m.conns {
		if c.Status() == StatusConnected {
			connected++
		}
	}
	m.connMu.RUnlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return ManagerStats{
		ActiveConnections: active,
		ConnectedCount:    connected,
		MessagesQueued:    m.queued,
		MessagesDropped:   m.dropped,
		BatchesDispatched: m.batches,
	}
}

// connect dials a recipient's endpoint with a fresh transport client.
func (m *manager) connect(c *Connection) {
	select {
	case <-m.ctx.Done():
		return
	case <-c.done:
		return
	default:
	}

	cl := m.newClient(ClientConfig{
		URL:                  c.Endpoint,
		Headers:              c.Options.Headers,
		WriteTimeout:         m.cfg.WriteTimeout,
		CompressionThreshold: m.cfg.CompressionThreshold,
		MaxMessageSize:       m.cfg.MaxMessageSize,
		BufferSize:           m.cfg.InboundBatchSize * 10,
	})

	c.mu.Lock()
	c.client = cl
	c.status = StatusConnecting
	c.mu.Unlock()

	if err := cl.Connect(m.ctx); err != nil {
		m.logger.Warn("connection attempt failed",
			"recipient", c.RecipientID,
			"error", err,
		)
		m.handleDialFailure(c, err)
		return
	}

	c.mu.Lock()
	c.attempts = 0
	c.status = StatusConnected
	c.mu.Unlock()

	m.emit(StatusEvent{RecipientID: c.RecipientID, Status: StatusConnected})
	m.logger.Info("connected", "recipient", c.RecipientID)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.readLoop(c, cl)
	}()
}

// handleDialFailure counts a failed attempt and schedules the next one,
// removing the connection once attempts are exhausted.
func (m *manager) handleDialFailure(c *Connection, err error) {
	c.mu.Lock()
	c.attempts++
	attempts := c.attempts
	c.mu.Unlock()

	if attempts >= m.cfg.MaxReconnectAttempts {
		m.logger.Error("reconnect attempts exhausted, removing connection",
			"recipient", c.RecipientID,
			"attempts", attempts,
		)
		m.remove(c, StatusClosed, ErrRetriesExhausted)
		return
	}

	delay := m.backoffDelay(attempts)
	m.logger.Debug("scheduling reconnect",
		"recipient", c.RecipientID,
		"attempt", attempts,
		"delay", delay,
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-m.ctx.Done():
			return
		case <-c.done:
			return
		case <-m.clock.After(delay):
		}
		m.connect(c)
	}()
}

// backoffDelay computes min(base * 2^n, cap) for the n-th retry.
func (m *manager) backoffDelay(attempts int) time.Duration {
	delay := m.cfg.ReconnectBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= m.cfg.ReconnectMaxDelay {
			return m.cfg.ReconnectMaxDelay
		}
	}
	if delay > m.cfg.ReconnectMaxDelay {
		delay = m.cfg.ReconnectMaxDelay
	}
	return delay
}

// readLoop feeds inbound messages into the recipient's queue and reacts
// to transport errors.
func (m *manager) readLoop(c *Connection, cl Client) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-c.done:
			return

		case err := <-cl.Errors():
			// Error is a side status; the transition happens on the
			// close that follows.
			m.emit(StatusEvent{RecipientID: c.RecipientID, Status: StatusError, Err: err})
			m.handleDisconnect(c, cl)
			return

		case msg, ok := <-cl.Messages():
			if !ok {
				m.handleDisconnect(c, cl)
				return
			}
			c.queue.Append(msg)
			metrics.InboundMessages.Inc()
			m.statsMu.Lock()
			m.queued++
			m.statsMu.Unlock()
		}
	}
}

// handleDisconnect transitions a connection to DISCONNECTED and enters
// the reconnect path.
func (m *manager) handleDisconnect(c *Connection, cl Client) {
	cl.Close()

	select {
	case <-c.done:
		return
	default:
	}

	c.mu.Lock()
	c.status = StatusDisconnected
	attempts := c.attempts
	c.mu.Unlock()

	m.emit(StatusEvent{RecipientID: c.RecipientID, Status: StatusDisconnected})

	delay := m.backoffDelay(attempts + 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-m.ctx.Done():
			return
		case <-c.done:
			return
		case <-m.clock.After(delay):
		}
		m.connect(c)
	}()
}

// heartbeatLoop pings connected recipients and removes stale connections.
func (m *manager) heartbeatLoop() {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.Chan():
			m.heartbeat()
		}
	}
}

// heartbeat performs one heartbeat cycle over all connections.
func (m *manager) heartbeat() {
	m.connMu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.connMu.RUnlock()

	for _, c := range conns {
		if c.Status() != StatusConnected {
			continue
		}

		cl := c.currentClient()
		if cl == nil {
			continue
		}

		// The remote end is presumed gone; removal, not a retry trigger.
		if m.clock.Since(cl.LastPong()) > m.cfg.HeartbeatTimeout {
			m.logger.Warn("stale connection, removing",
				"recipient", c.RecipientID,
				"last_pong", cl.LastPong(),
			)
			m.remove(c, StatusClosed, ErrStaleConnection)
			continue
		}

		if err := cl.Ping(); err != nil {
			m.logger.Debug("ping failed",
				"recipient", c.RecipientID,
				"error", err,
			)
		}
	}
}

// drainLoop dispatches queued inbound messages on a fixed interval.
func (m *manager) drainLoop() {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.cfg.InboundBatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.Chan():
			m.drainAll()
		}
	}
}

// drainAll drains every recipient's queue once, grouping parsed messages
// by type and dispatching to listeners.
func (m *manager) drainAll() {
	m.connMu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.connMu.RUnlock()

	for _, c := range conns {
		raw := c.queue.DrainTo(m.cfg.InboundBatchSize)
		if len(raw) == 0 {
			continue
		}

		batches := m.groupByType(c.RecipientID, raw)
		if len(batches) == 0 {
			continue
		}

		metrics.InboundBatches.Inc()
		m.statsMu.Lock()
		m.batches++
		m.statsMu.Unlock()

		m.listenerMu.RLock()
		listeners := make([]func(MessageBatch), 0, len(m.msgSubs))
		for _, fn := range m.msgSubs {
			listeners = append(listeners, fn)
		}
		m.listenerMu.RUnlock()

		for _, batch := range batches {
			for _, fn := range listeners {
				m.dispatch(fn, batch)
			}
		}
	}
}

// groupByType parses raw messages and groups them by message type,
// preserving intra-type arrival order. Malformed payloads are dropped.
func (m *manager) groupByType(recipientID string, raw []TimestampedMessage) []MessageBatch {
	var batches []MessageBatch
	index := make(map[string]int)

	for _, tm := range raw {
		var msg Message
		if err := json.Unmarshal(tm.Data, &msg); err != nil || msg.Type == "" {
			m.logger.Warn("dropping malformed message",
				"recipient", recipientID,
				"error", err,
			)
			metrics.InboundDropped.Inc()
			m.statsMu.Lock()
			m.dropped++
			m.statsMu.Unlock()
			continue
		}
		msg.ReceivedAt = tm.ReceivedAt

		i, ok := index[msg.Type]
		if !ok {
			i = len(batches)
			index[msg.Type] = i
			batches = append(batches, MessageBatch{
				RecipientID: recipientID,
				Type:        msg.Type,
			})
		}
		batches[i].Messages = append(batches[i].Messages, msg)
	}

	return batches
}

// dispatch invokes a listener, isolating the drain loop from panics.
func (m *manager) dispatch(fn func(MessageBatch), batch MessageBatch) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("message listener panicked",
				"recipient", batch.RecipientID,
				"type", batch.Type,
				"panic", r,
			)
		}
	}()
	fn(batch)
}

// remove deletes a connection from the registry and tears it down.
func (m *manager) remove(c *Connection, status Status, err error) {
	m.connMu.Lock()
	delete(m.conns, c.RecipientID)
	total := len(m.conns)
	m.connMu.Unlock()

	metrics.ConnectionsActive.Set(float64(total))
	m.teardown(c, status, err)
}

// teardown closes a connection's transport and emits its terminal status.
func (m *manager) teardown(c *Connection, status Status, err error) {
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return
	}
	c.removed = true
	c.status = status
	cl := c.client
	close(c.done)
	c.mu.Unlock()

	if cl != nil {
		cl.Close()
	}

	m.emit(StatusEvent{RecipientID: c.RecipientID, Status: status, Err: err})
}

// emit notifies status observers.
func (m *manager) emit(ev StatusEvent) {
	metrics.ConnectionTransitions.WithLabelValues(string(ev.Status)).Inc()

	m.listenerMu.RLock()
	observers := make([]func(StatusEvent), 0, len(m.statusSubs))
	for _, fn := range m.statusSubs {
		observers = append(observers, fn)
	}
	m.listenerMu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("status observer panicked", "panic", r)
				}
			}()
			fn(ev)
		}()
	}
}
