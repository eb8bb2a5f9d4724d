// Package app wires the meetcap subsystems into a running capture process.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run sets capture up and blocks until the context ends, and
// Shutdown converts the session and tears everything down in order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithCatalog, WithArchiver, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meetcap/internal/archive"
	"github.com/MrWong99/meetcap/internal/capture"
	"github.com/MrWong99/meetcap/internal/catalog"
	"github.com/MrWong99/meetcap/internal/config"
	"github.com/MrWong99/meetcap/internal/health"
	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/pkg/audio"
	"github.com/MrWong99/meetcap/pkg/audio/discord"
	"github.com/MrWong99/meetcap/pkg/audio/wav"
	"github.com/MrWong99/meetcap/pkg/stream"
)

// Catalog records sessions and their conversion reports.
// *catalog.Store satisfies it. An injected catalog is not closed by the App.
type Catalog interface {
	BeginSession(ctx context.Context, id, dir string, startedAt time.Time) error
	RecordReport(ctx context.Context, id string, rep wav.Report, m *wav.Manifest) error
	EndSession(ctx context.Context, id string, endedAt time.Time, archivedObjects int) error
	Ping(ctx context.Context) error
	Close()
}

// Archiver uploads a finished session directory. *archive.Uploader
// satisfies it.
type Archiver interface {
	UploadDir(ctx context.Context, dir, session string) (int, error)
}

var (
	_ Catalog  = (*catalog.Store)(nil)
	_ Archiver = (*archive.Uploader)(nil)
)

// App owns all subsystem lifetimes of one capture session.
type App struct {
	cfg *config.Config

	provider  audio.Provider
	authority audio.PermissionAuthority
	directory audio.Directory
	catalog   Catalog
	archiver  Archiver
	backends  *stream.Registry
	metrics   *observe.Metrics
	promH     http.Handler
	level     *slog.LevelVar
	now       func() time.Time

	coord  *capture.Coordinator
	health *health.Handler
	admin  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	mu      sync.Mutex
	setup   capture.SetupResult
	report  wav.Report
	adminLn net.Listener

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects the audio provider instead of joining Discord.
func WithProvider(p audio.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithAuthority injects the raw-recording permission authority.
func WithAuthority(pa audio.PermissionAuthority) Option {
	return func(a *App) { a.authority = pa }
}

// WithDirectory injects the participant name directory.
func WithDirectory(d audio.Directory) Option {
	return func(a *App) { a.directory = d }
}

// WithCatalog injects a session catalog instead of connecting to
// PostgreSQL.
func WithCatalog(c Catalog) Option {
	return func(a *App) { a.catalog = c }
}

// WithArchiver injects a session archiver instead of creating an S3
// uploader.
func WithArchiver(ar Archiver) Option {
	return func(a *App) { a.archiver = ar }
}

// WithBackends sets the streaming backend registry. Default:
// [stream.DefaultRegistry].
func WithBackends(r *stream.Registry) Option {
	return func(a *App) { a.backends = r }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h on /metrics of the admin server.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promH = h }
}

// WithLogLevel hands the app the level variable of the process logger so
// hot reloads can change verbosity.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Subsystems that
// were not injected are created from cfg. New is synchronous: the Discord
// gateway, the catalog connection and the session directory all exist when
// it returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.backends == nil {
		a.backends = stream.DefaultRegistry()
	}

	// ── 1. Audio source ──────────────────────────────────────────────────
	if err := a.initSource(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init audio source: %w", err)
	}

	// ── 2. Catalog ───────────────────────────────────────────────────────
	if err := a.initCatalog(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 3. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 4. Capture coordinator ───────────────────────────────────────────
	coord, err := capture.New(a.provider,
		capture.WithRecordingsDir(cfg.Recording.Dir),
		capture.WithAuthority(a.authority),
		capture.WithDirectory(a.directory),
		capture.WithBackends(a.backends),
		capture.WithQueueOptions(cfg.Streaming.QueueOptions()...),
		capture.WithMetrics(a.metrics),
		capture.WithSyncWrites(cfg.Recording.SyncWrites),
		capture.WithConvertConcurrency(cfg.Recording.ConvertConcurrency),
		capture.WithClock(a.now),
	)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init capture: %w", err)
	}
	a.coord = coord

	if a.catalog != nil {
		if err := a.catalog.BeginSession(ctx, coord.Session(), coord.Dir(), a.now()); err != nil {
			slog.Warn("app: catalog begin session failed", "session", coord.Session(), "err", err)
		}
	}

	// ── 5. Admin HTTP ────────────────────────────────────────────────────
	a.initAdmin()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSource joins Discord unless a provider was injected.
func (a *App) initSource() error {
	if a.provider != nil {
		return nil
	}
	dc := a.cfg.Discord
	if !dc.Configured() {
		return errors.New("no audio provider configured")
	}

	session, err := discordgo.New("Bot " + dc.Token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMembers
	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	a.closers = append(a.closers, session.Close)

	src := discord.New(session, dc.GuildID, dc.ChannelID)
	a.provider = src
	if a.authority == nil {
		a.authority = src
	}
	if a.directory == nil {
		a.directory = src
	}
	slog.Info("app: discord connected", "guild_id", dc.GuildID, "channel_id", dc.ChannelID)
	return nil
}

// initCatalog connects to PostgreSQL when a DSN is configured.
func (a *App) initCatalog(ctx context.Context) error {
	if a.catalog != nil || a.cfg.Catalog.PostgresDSN == "" {
		return nil
	}
	store, err := catalog.New(ctx, a.cfg.Catalog.PostgresDSN)
	if err != nil {
		return err
	}
	a.catalog = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initArchive creates the S3 uploader when a bucket is configured.
func (a *App) initArchive(ctx context.Context) error {
	ac := a.cfg.Archive
	if a.archiver != nil || ac.Bucket == "" {
		return nil
	}
	up, err := archive.New(ctx, archive.Config{
		Bucket:          ac.Bucket,
		Region:          ac.Region,
		Endpoint:        ac.Endpoint,
		Prefix:          ac.Prefix,
		AccessKeyID:     ac.AccessKeyID,
		SecretAccessKey: ac.SecretAccessKey,
		UsePathStyle:    ac.UsePathStyle,
		Concurrency:     ac.Concurrency,
	}, archive.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.archiver = up
	return nil
}

// initAdmin builds the health checks and the admin mux.
func (a *App) initAdmin() {
	checks := []health.Checker{
		health.DirWritable("recordings_dir", a.coord.Dir()),
	}
	if a.cfg.Streaming.IsEnabled() {
		checks = append(checks, health.Connected("streaming", a.coord.StreamingConnected))
	}
	if a.catalog != nil {
		checks = append(checks, health.Ping("catalog", a.catalog))
	}
	a.health = health.New(checks...)

	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.promH != nil {
		mux.Handle("GET /metrics", a.promH)
	}
	a.admin = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Coordinator returns the capture coordinator of the session.
func (a *App) Coordinator() *capture.Coordinator { return a.coord }

// Handler returns the admin HTTP handler (health, readiness and metrics).
func (a *App) Handler() http.Handler { return a.admin.Handler }

// SetupResult returns the outcome of the capture setup performed by Run.
func (a *App) SetupResult() capture.SetupResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setup
}

// Report returns the conversion report produced by Shutdown.
func (a *App) Report() wav.Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.report
}

// AdminAddr returns the address the admin server listens on, or "" before
// Run starts it or when it is disabled.
func (a *App) AdminAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.adminLn == nil {
		return ""
	}
	return a.adminLn.Addr().String()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the admin endpoints, sets capture up and blocks until ctx is
// cancelled. It returns an error when the audio subscription cannot be
// established or the admin server fails; cancellation is not an error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("app: admin listen %s: %w", addr, err)
		}
		a.mu.Lock()
		a.adminLn = ln
		a.mu.Unlock()
		slog.Info("app: admin server listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := a.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return a.admin.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		res := capture.Setup(gctx, a.coord, a.setupOptions(a.cfg))
		a.mu.Lock()
		a.setup = res
		a.mu.Unlock()
		if !res.Success {
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("app: %s", res.StatusMessage)
		}
		slog.Info("app: capturing", "session", a.coord.Session(), "status", res.StatusMessage)
		<-gctx.Done()
		return nil
	})

	return g.Wait()
}

func (a *App) setupOptions(cfg *config.Config) capture.SetupOptions {
	opts := capture.SetupOptions{
		WithInterpreters: cfg.Recording.WithInterpreters,
		StartRecording:   a.authority != nil,
		Retry: capture.RetryPolicy{
			MaxRetries: cfg.Subscribe.MaxRetries,
			Backoff:    cfg.Subscribe.Backoff,
			MaxBackoff: cfg.Subscribe.MaxBackoff,
		},
	}
	if cfg.Streaming.IsEnabled() {
		opts.Streaming = &capture.StreamingOptions{
			Backend: cfg.Streaming.Backend,
			Config:  cfg.Streaming.StreamConfig(),
		}
	}
	return opts
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a config change: the log
// level and the streaming block. It is meant as the [config.Watcher]
// callback. Changes to other sections are logged and wait for a restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}

	if d.StreamingChanged {
		a.coord.DisableStreaming()
		if d.NewStreaming.IsEnabled() {
			ok := a.coord.EnableStreaming(d.NewStreaming.Backend, d.NewStreaming.StreamConfig())
			slog.Info("app: streaming reconfigured",
				"backend", d.NewStreaming.Backend,
				"endpoint", d.NewStreaming.Endpoint,
				"connected", ok,
			)
		} else {
			slog.Info("app: streaming disabled by config")
		}
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops capture, converts the session, records it in the catalog,
// uploads it to the archive and closes every subsystem. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		session := a.coord.Session()
		slog.Info("app: shutting down", "session", session)

		rep, _ := a.coord.StopRecording(ctx)
		a.mu.Lock()
		a.report = rep
		a.mu.Unlock()

		if a.catalog != nil {
			m, err := wav.LoadManifest(a.coord.Dir())
			if err != nil {
				slog.Warn("app: reload manifest", "err", err)
			}
			if err := a.catalog.RecordReport(ctx, session, rep, m); err != nil {
				slog.Warn("app: catalog record report failed", "err", err)
			}
		}

		archived := 0
		if a.archiver != nil {
			n, err := a.archiver.UploadDir(ctx, a.coord.Dir(), session)
			if err != nil {
				slog.Warn("app: archive upload incomplete", "uploaded", n, "err", err)
			}
			archived = n
		}

		if a.catalog != nil {
			if err := a.catalog.EndSession(ctx, session, a.now(), archived); err != nil {
				slog.Warn("app: catalog end session failed", "err", err)
			}
		}
		a.closers = append([]func() error{a.coord.Close}, a.closers...)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete", "session", session, "converted", rep.ConvertedCount(), "skipped", rep.SkippedCount())
	})
	return shutdownErr
}

// closeAll runs the closers collected so far. Used when New fails.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("app: closer error", "err", err)
		}
	}
}
