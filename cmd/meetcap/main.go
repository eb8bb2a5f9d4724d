// Command meetcap joins a meeting voice channel, records every participant
// and the mixed bus to per-session files, streams the audio live to a
// receiver and converts the session to WAV on shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/meetcap/internal/app"
	"github.com/MrWong99/meetcap/internal/config"
	"github.com/MrWong99/meetcap/internal/logging"
	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/pkg/stream"
	"github.com/MrWong99/meetcap/pkg/stream/tcp"
	"github.com/MrWong99/meetcap/pkg/stream/websocket"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "meetcap: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "meetcap: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := logging.New(cfg.Server)
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	slog.Info("meetcap starting",
		"version", version,
		"config", *configPath,
		"recordings_dir", cfg.Recording.Dir,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Streaming backends ────────────────────────────────────────────────────
	backends := stream.DefaultRegistry()
	backends.Register(tcp.Name, tcp.Factory)
	backends.Register(websocket.Name, websocket.Factory)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "meetcap", ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg,
		app.WithBackends(backends),
		app.WithMetricsHandler(tel.Handler),
		app.WithLogLevel(logger.Level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.Reload)
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	}

	slog.Info("capture ready, press Ctrl+C to stop and convert",
		"session", application.Coordinator().Session(),
		"admin_addr", cfg.Server.ListenAddr,
	)

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	// No reloads may reach the app while it converts and uploads.
	if watcher != nil {
		watcher.Stop()
	}

	// Conversion of a long session can take a while; give it a generous
	// deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	slog.Info("stopping capture and converting session…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	rep := application.Report()
	slog.Info("goodbye",
		"dir", application.Coordinator().Dir(),
		"converted", rep.ConvertedCount(),
		"skipped", rep.SkippedCount(),
	)
	return exit
}
