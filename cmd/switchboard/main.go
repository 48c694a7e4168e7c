// Switchboard coordinator server — durable session event log, pending-request
// queue, and subscribe streams over HTTP/WebSocket.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/switchboard-dev/switchboard/pkg/api"
	"github.com/switchboard-dev/switchboard/pkg/database"
	"github.com/switchboard-dev/switchboard/pkg/events"
	"github.com/switchboard-dev/switchboard/pkg/queue"
	"github.com/switchboard-dev/switchboard/pkg/services"
	"github.com/switchboard-dev/switchboard/pkg/store"
	"github.com/switchboard-dev/switchboard/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogging() {
	level := slog.LevelInfo
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		_ = level.UnmarshalText([]byte(v))
	}

	var handler slog.Handler
	if getEnv("LOG_FORMAT", "text") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	}
	slog.SetDefault(slog.New(handler))
}

// openStore picks the event store backend from STORE_DRIVER. The returned
// *sql.DB is nil for the in-memory backend.
func openStore(ctx context.Context) (store.EventStore, *sql.DB, func(), error) {
	driver := getEnv("STORE_DRIVER", "postgres")
	switch driver {
	case "memory":
		slog.Warn("Using in-memory event store, events will not survive a restart")
		return store.NewMemoryStore(), nil, func() {}, nil

	case "postgres":
		cfg, err := database.LoadConfigFromEnv()
		if err != nil {
			return nil, nil, nil, err
		}
		client, err := database.NewClient(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		slog.Info("Connected to PostgreSQL database", "host", cfg.Host, "database", cfg.Database)
		cleanup := func() {
			if err := client.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}
		return store.NewPostgresStore(client.DB()), client.DB(), cleanup, nil

	default:
		return nil, nil, nil, errors.New("unknown STORE_DRIVER: " + driver)
	}
}

func main() {
	envFile := flag.String("env-file", getEnv("ENV_FILE", ".env"), "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	setupLogging()

	httpPort := getEnv("HTTP_PORT", "8080")
	slog.Info("Starting switchboard", "version", version.Full(), "http_port", httpPort)

	ctx := context.Background()

	st, db, closeStore, err := openStore(ctx)
	if err != nil {
		slog.Error("Failed to initialize event store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	pending := queue.NewPendingQueue(st)
	broadcaster := events.NewBroadcaster(st, events.DefaultBufferSize)

	// Warm the pending queues for recently active sessions so the first
	// queue read after a restart does not pay the rebuild.
	if page, err := st.ListSessions(ctx, "", 100); err != nil {
		slog.Warn("Could not list sessions for queue warmup", "error", err)
	} else {
		for _, sess := range page.Sessions {
			if err := pending.Reconstruct(ctx, sess.ID); err != nil {
				slog.Warn("Pending queue warmup failed", "session_id", sess.ID, "error", err)
			}
		}
		slog.Info("Pending queues reconstructed", "sessions", len(page.Sessions))
	}

	sessionService := services.NewSessionService(st)
	turnService := services.NewTurnService(st, pending, broadcaster)

	httpServer := api.NewServer(sessionService, turnService, broadcaster, db)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	broadcaster.Shutdown()
	slog.Info("Shutdown complete")
}
