// Package server wires the realtime components together: pub/sub
// provider, connection manager, subscription manager, event stream
// optimizer, and notification batcher, plus the health and metrics HTTP
// endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/candlefish/realtime/internal/config"
	"github.com/candlefish/realtime/internal/connection"
	"github.com/candlefish/realtime/internal/notify"
	"github.com/candlefish/realtime/internal/pubsub"
	"github.com/candlefish/realtime/internal/stream"
	"github.com/candlefish/realtime/internal/subscription"
)

// Pub/sub channels for flushed event batches. Compressed batches go out
// on a separate channel so consumers know to inflate them.
const (
	EventChannel         = "events.processed"
	EventChannelDeflated = "events.processed.deflate"
)

const shutdownTimeout = 10 * time.Second

// Server owns the realtime component graph.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	provider      pubsub.Provider
	connections   connection.Manager
	subscriptions subscription.Manager
	optimizer     stream.Optimizer
	notifications notify.Batcher
	health        *http.Server
}

// New builds the component graph from configuration. An empty pub/sub
// URL selects the in-process provider.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var provider pubsub.Provider
	if cfg.PubSub.URL == "" {
		logger.Warn("no pubsub url configured, using in-process provider")
		provider = pubsub.NewMemory(logger)
	} else {
		var err error
		provider, err = pubsub.NewNATS(pubsub.NATSOptions{
			URL:  cfg.PubSub.URL,
			Name: cfg.PubSub.Name,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("pubsub provider: %w", err)
		}
	}

	connections := connection.NewManager(connection.ManagerConfig{
		ReconnectBaseDelay:   cfg.Connections.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Connections.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Connections.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Connections.HeartbeatInterval,
		HeartbeatTimeout:     cfg.Connections.HeartbeatTimeout,
		InboundBatchInterval: cfg.Connections.InboundBatchInterval,
		InboundBatchSize:     cfg.Connections.InboundBatchSize,
		WriteTimeout:         cfg.Connections.WriteTimeout,
		CompressionThreshold: cfg.Connections.CompressionThreshold,
		MaxMessageSize:       cfg.Connections.MaxMessageSize,
	}, logger)

	subscriptions := subscription.NewManager(subscription.ManagerConfig{
		BatchWindow: cfg.Subscriptions.BatchWindow,
		// Upstream subscribe retries follow the transport reconnect
		// policy.
		RetryBaseDelay:   cfg.Connections.ReconnectBaseDelay,
		RetryMaxDelay:    cfg.Connections.ReconnectMaxDelay,
		MaxRetryAttempts: cfg.Connections.MaxReconnectAttempts,
	}, provider, logger)

	optimizer := stream.NewOptimizer(stream.OptimizerConfig{
		BufferCapacity:       cfg.Stream.BufferCapacity,
		DedupWindow:          cfg.Stream.DedupWindow,
		PruneInterval:        cfg.Stream.PruneInterval,
		CompressionThreshold: cfg.Stream.CompressionThreshold,
		CompressionMinGain:   cfg.Stream.CompressionMinGain,
	}, logger)

	notifications := notify.NewBatcher(notify.BatcherConfig{
		DedupWindow:      cfg.Notifications.DedupWindow,
		Interval:         cfg.Notifications.BatchInterval,
		BatchSize:        cfg.Notifications.BatchSize,
		LowPriorityDelay: cfg.Notifications.LowPriorityDelay,
	}, newConnectionSender(connections), logger)

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		provider:      provider,
		connections:   connections,
		subscriptions: subscriptions,
		optimizer:     optimizer,
		notifications: notifications,
	}

	s.health = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: s.handler(),
	}

	return s, nil
}

// Connections exposes the connection manager to callers embedding the
// server.
func (s *Server) Connections() connection.Manager { return s.connections }

// Subscriptions exposes the subscription manager.
func (s *Server) Subscriptions() subscription.Manager { return s.subscriptions }

// Optimizer exposes the event stream optimizer.
func (s *Server) Optimizer() stream.Optimizer { return s.optimizer }

// Notifications exposes the notification batcher.
func (s *Server) Notifications() notify.Batcher { return s.notifications }

// Run starts every component and blocks until the context is canceled,
// then shuts them down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.connections.Start(ctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}
	if err := s.optimizer.Start(ctx); err != nil {
		return fmt.Errorf("start event optimizer: %w", err)
	}
	if err := s.notifications.Start(ctx); err != nil {
		return fmt.Errorf("start notification batcher: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("health server listening", "addr", s.health.Addr)
		if err := s.health.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.publishLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	s.logger.Info("realtime server running",
		"instance_id", s.cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", s.cfg.Metrics.Port),
	)

	return g.Wait()
}

// publishLoop forwards flushed event batches to the pub/sub provider.
func (s *Server) publishLoop(ctx context.Context) {
	for batch := range s.optimizer.Batches() {
		channel := EventChannel
		if batch.Compressed {
			channel = EventChannelDeflated
		}
		if err := s.provider.Publish(ctx, channel, batch.Payload); err != nil {
			s.logger.Error("publish event batch failed",
				"channel", channel,
				"events", len(batch.Events),
				"error", err,
			)
		}
	}
}

// shutdown stops components in dependency order. The optimizer stops
// before the publish loop's channel closes behind it.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.health.Shutdown(ctx)

	if err := s.notifications.Stop(ctx); err != nil {
		s.logger.Error("stop notification batcher", "error", err)
	}
	if err := s.optimizer.Stop(ctx); err != nil {
		s.logger.Error("stop event optimizer", "error", err)
	}
	if err := s.subscriptions.Close(); err != nil {
		s.logger.Error("close subscription manager", "error", err)
	}
	if err := s.connections.Stop(ctx); err != nil {
		s.logger.Error("stop connection manager", "error", err)
	}
	if err := s.provider.Close(); err != nil {
		s.logger.Error("close pubsub provider", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// handler serves /health with component snapshots and /metrics with the
// Prometheus registry.
func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := struct {
			Status     string         `json:"status"`
			InstanceID string         `json:"instance_id"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			InstanceID: s.cfg.Instance.ID,
			Components: map[string]any{
				"connections":   s.connections.Stats(),
				"subscriptions": s.subscriptions.Stats(),
				"stream":        s.optimizer.Stats(),
				"notifications": s.notifications.Stats(),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health)
	})

	path := s.cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	return mux
}

// connectionSender delivers notification batches over the recipient's
// active transport connection.
type connectionSender struct {
	connections connection.Manager
}

func newConnectionSender(connections connection.Manager) notify.Sender {
	return &connectionSender{connections: connections}
}

// Send marshals a batch envelope and writes it to the recipient's
// connection. No connection means delivery fails; the batcher logs and
// drops it.
func (cs *connectionSender) Send(ctx context.Context, recipientID string, notifications []notify.Notification) error {
	payload, err := json.Marshal(struct {
		Type          string                `json:"type"`
		Notifications []notify.Notification `json:"notifications"`
		Count         int                   `json:"count"`
	}{
		Type:          "notifications",
		Notifications: notifications,
		Count:         len(notifications),
	})
	if err != nil {
		return fmt.Errorf("marshal notification batch: %w", err)
	}

	return cs.connections.Send(recipientID, payload)
}
