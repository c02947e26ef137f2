// streamtest connects to one target and prints state changes and messages to console.
// Usage: go run ./cmd/streamtest --url wss://md.example.com/stream [--token $TOKEN] [--n 100]
//
// nats:// URLs subscribe to market.<id>.in and publish to market.<id>.out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rickgao/market-stream/internal/connection"
)

func main() {
	url := flag.String("url", "", "stream url (ws://, wss://, nats://)")
	id := flag.String("id", "streamtest", "target id")
	token := flag.String("token", os.Getenv("STREAM_TOKEN"), "bearer token")
	n := flag.Int("n", 0, "exit after n messages (0 = run until interrupted)")
	send := flag.String("send", "", "payload to send once the stream opens")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	flag.Parse()

	// Setup logger
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *url == "" {
		fmt.Fprintln(os.Stderr, "usage: streamtest --url <stream url> [--token t] [--n count]")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	transport := connection.DefaultTransports(
		connection.NewWebSocketTransport(connection.DefaultWebSocketConfig(), logger),
		connection.NewNATSTransport(connection.DefaultNATSConfig()),
	)

	cfg := connection.DefaultManagerConfig()
	cfg.HealthInterval = -1
	m := connection.NewManager(cfg, transport, connection.WithLogger(logger))

	var count atomic.Int64
	m.Subscribe(
		func(msg connection.Message) {
			if msg.Kind == connection.KindError {
				fmt.Printf("[error] %v\n", msg.Err)
				return
			}
			c := count.Add(1)
			if *verbose {
				fmt.Printf("[%d] %s %s\n", c, msg.Type, msg.Raw)
			} else {
				fmt.Printf("[%d] %s (%d bytes)\n", c, msg.Type, len(msg.Raw))
			}
			if *n > 0 && c >= int64(*n) {
				cancel()
			}
		},
		func(sc connection.StateChange) {
			line := fmt.Sprintf("state %s -> %s attempt=%d", sc.From, sc.To, sc.Attempt)
			if sc.RetryIn > 0 {
				line += fmt.Sprintf(" retry_in=%s", sc.RetryIn)
			}
			if sc.Reason != nil {
				line += fmt.Sprintf(" reason=%q", sc.Reason.Error())
			}
			fmt.Println(line)

			var pf *connection.PermanentFailure
			if errors.As(sc.Reason, &pf) {
				cancel()
			}
			if sc.To == connection.StateOpen && *send != "" {
				if err := m.Send([]byte(*send)); err != nil {
					logger.Warn("send failed", "error", err)
				}
			}
		},
	)

	target := connection.Target{ID: *id, URL: *url, Token: *token}
	if err := m.Start(target); err != nil {
		logger.Error("failed to start stream", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	stats := m.Stats()
	fmt.Printf("messages=%d heartbeats=%d parse_errors=%d sessions=%d\n",
		stats.Messages, stats.Heartbeats, stats.ParseErrors, stats.SessionsOpened)
}
