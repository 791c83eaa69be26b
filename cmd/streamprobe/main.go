// streamprobe connects to a realtime endpoint and streams inbound message
// batches to the console. Useful for eyeballing what a recipient would
// receive, including reconnect and heartbeat behavior.
//
// Usage: go run ./cmd/streamprobe --endpoint wss://host/ws
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/candlefish/realtime/internal/connection"
)

func main() {
	endpoint := flag.String("endpoint", "", "websocket endpoint to probe")
	headers := flag.String("headers", "", "comma-separated key=value request headers")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	if *endpoint == "" {
		logger.Error("--endpoint is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	mgr := connection.NewManager(connection.DefaultManagerConfig(), logger)
	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start connection manager", "error", err)
		os.Exit(1)
	}

	mgr.OnStatus(func(ev connection.StatusEvent) {
		logger.Info("status",
			"recipient", ev.RecipientID,
			"status", ev.Status,
			"error", ev.Err,
		)
	})

	msgCount := 0
	mgr.OnMessage(func(batch connection.MessageBatch) {
		msgCount += len(batch.Messages)
		logger.Info("batch",
			"type", batch.Type,
			"messages", len(batch.Messages),
			"total", msgCount,
		)
		if *verbose {
			for _, msg := range batch.Messages {
				pretty, err := json.MarshalIndent(msg.Data, "", "  ")
				if err != nil {
					fmt.Printf("  %s\n", msg.Data)
					continue
				}
				fmt.Printf("  %s\n", pretty)
			}
		}
	})

	if _, err := mgr.CreateConnection("probe", *endpoint, connection.Options{
		Headers: parseHeaders(*headers),
	}); err != nil {
		logger.Error("failed to create connection", "error", err)
		os.Exit(1)
	}

	logger.Info("probe running", "endpoint", *endpoint)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mgr.Stop(shutdownCtx)

	logger.Info("probe stopped", "messages_seen", msgCount)
}

func parseHeaders(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
