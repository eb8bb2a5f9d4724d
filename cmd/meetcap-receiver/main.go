// Command meetcap-receiver accepts audio streamed by meetcap over TCP or a
// websocket and writes one WAV file per stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meetcap/internal/config"
	"github.com/MrWong99/meetcap/internal/health"
	"github.com/MrWong99/meetcap/internal/logging"
	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/internal/receiver"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "optional path to the YAML configuration file")
	listen := flag.String("listen", "", "TCP listen address (overrides receiver.listen_addr)")
	httpAddr := flag.String("http", "", "websocket/metrics listen address (overrides receiver.http_addr)")
	dir := flag.String("output-dir", "", "output directory (overrides receiver.dir)")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "meetcap-receiver: %v\n", err)
			return 1
		}
	} else {
		config.ApplyDefaults(cfg)
	}
	if *listen != "" {
		cfg.Receiver.ListenAddr = *listen
	}
	if *httpAddr != "" {
		cfg.Receiver.HTTPAddr = *httpAddr
	}
	if *dir != "" {
		cfg.Receiver.Dir = *dir
	}
	if *verbose {
		cfg.Server.LogLevel = config.LogDebug
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := logging.New(cfg.Server)
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "meetcap-receiver"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	srv, err := receiver.New(cfg.Receiver.Dir)
	if err != nil {
		slog.Error("failed to create receiver", "err", err)
		return 1
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Receiver.ListenAddr)
	})

	if cfg.Receiver.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle(receiver.WebSocketPath, srv.Handler(gctx))
		mux.Handle("GET /metrics", tel.Handler)
		health.New(health.DirWritable("output_dir", srv.Dir())).Register(mux)

		hs := &http.Server{
			Addr:              cfg.Receiver.HTTPAddr,
			Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			slog.Info("receiver: http listening", "addr", cfg.Receiver.HTTPAddr, "websocket", receiver.WebSocketPath)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(shutdownCtx)
		})
	}

	exit := 0
	if err := g.Wait(); err != nil {
		slog.Error("receiver error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	convertCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	rep := srv.Close(convertCtx)
	slog.Info("receiver stopped", "dir", srv.Dir(), "summary", rep.String())
	return exit
}
