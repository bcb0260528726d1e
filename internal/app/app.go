// Package app wires the Kineo subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, ApplyConfig reacts to
// configuration reloads, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kineo-ai/kineo/internal/assistant"
	"github.com/kineo-ai/kineo/internal/config"
	"github.com/kineo-ai/kineo/internal/health"
	"github.com/kineo-ai/kineo/internal/mcpserver"
	"github.com/kineo-ai/kineo/internal/observe"
	"github.com/kineo-ai/kineo/internal/resilience"
	"github.com/kineo-ai/kineo/internal/storage"
	"github.com/kineo-ai/kineo/internal/studio"
	"github.com/kineo-ai/kineo/internal/tools"
	"github.com/kineo-ai/kineo/internal/web"
	"github.com/kineo-ai/kineo/pkg/provider/live"
)

// readHeaderTimeout bounds slow clients during the HTTP handshake.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the Kineo server.
type App struct {
	cfg      *config.Config
	tls      *config.TLSConfig
	provider live.Provider
	logger   *slog.Logger
	level    *slog.LevelVar

	// baseCtx parents every request context; cancelling it ends the
	// hijacked assistant connections that http.Server.Shutdown ignores.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	// Subsystems, initialised in New and torn down in Shutdown.
	store          storage.Store
	studio         *studio.Studio
	dispatcher     *tools.Dispatcher
	breaker        *resilience.CircuitBreaker
	metrics        *observe.Metrics
	metricsHandler http.Handler
	health         *health.Handler
	web            *web.Server
	http           *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a key/value store instead of creating one from config.
func WithStore(s storage.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to
// [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLevelVar lets ApplyConfig change the log level of the running process.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. provider comes from
// main.go (created via the config registry) and is wrapped in a connect
// circuit breaker here.
func New(ctx context.Context, cfg *config.Config, provider live.Provider, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: live provider is required")
	}
	a := &App{
		cfg:      cfg,
		tls:      cfg.Server.TLS,
		provider: provider,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	// ── 1. Storage ───────────────────────────────────────────────────────
	if err := a.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 2. Studio + tools ────────────────────────────────────────────────
	st, err := studio.New(ctx, a.store, studio.WithLogger(a.logger))
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init studio: %w", err)
	}
	a.studio = st
	a.dispatcher = tools.New(st, tools.WithMetrics(a.metrics), tools.WithLogger(a.logger))

	// ── 3. Guarded provider ──────────────────────────────────────────────
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "live-connect",
		MaxFailures:  cfg.Assistant.ConnectBreaker.MaxFailures,
		ResetTimeout: cfg.Assistant.ConnectBreaker.ResetTimeout,
		Logger:       a.logger,
	})
	guarded := resilience.NewGuardedProvider(a.provider, a.breaker)
	creds := storage.Credentials{Store: a.store, Fallback: cfg.Providers.Live.APIKey}

	// ── 4. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		health.Ping("storage", a.store),
		health.Credential("credential", creds),
		health.Checker{Name: "live-connect", Check: a.checkBreaker},
	)

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	webOpts := []web.Option{
		web.WithStudio(st),
		web.WithStore(a.store),
		web.WithHealth(a.health),
		web.WithMetrics(a.metrics),
		web.WithMetricsHandler(a.metricsHandler),
		web.WithOriginPatterns(cfg.Server.AllowedOrigins...),
		web.WithAssistantOptions(assistantOptions(cfg)...),
		web.WithLogger(a.logger),
	}
	if cfg.MCP.Enabled {
		srv := mcpserver.New(a.dispatcher, mcpserver.WithLogger(a.logger))
		webOpts = append(webOpts, web.WithMCPHandler(mcpserver.Handler(srv)))
	}
	a.web = web.New(guarded, creds, a.dispatcher, webOpts...)
	a.baseCtx, a.baseCancel = context.WithCancel(context.WithoutCancel(ctx))
	a.http = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.web.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return a.baseCtx },
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStorage opens the configured backend unless one was injected.
func (a *App) initStorage(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Storage.Backend {
	case config.StoragePostgres:
		pg, err := storage.NewPostgresStore(ctx, a.cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = pg
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		a.logger.Info("storage ready", "backend", "postgres")
	case config.StorageMemory, "":
		a.store = storage.NewMemoryStore()
		a.logger.Info("storage ready", "backend", "memory")
	default:
		return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *App) checkBreaker(context.Context) error {
	if a.breaker.State() == resilience.StateOpen {
		return fmt.Errorf("%w: retry in %s", resilience.ErrCircuitOpen, a.breaker.RetryAfter().Round(time.Second))
	}
	return nil
}

// assistantOptions converts the assistant section into assistant options.
func assistantOptions(cfg *config.Config) []assistant.Option {
	opts := []assistant.Option{
		assistant.WithModel(cfg.Providers.Live.Model),
		assistant.WithCaptureQueueSize(cfg.Assistant.CaptureQueueSize),
	}
	if cfg.Assistant.SystemInstruction != "" {
		opts = append(opts, assistant.WithSystemInstruction(cfg.Assistant.SystemInstruction))
	}
	if cfg.Assistant.Voice != "" {
		opts = append(opts, assistant.WithVoice(cfg.Assistant.Voice))
	}
	return opts
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the routed HTTP handler. Useful for tests and embedding.
func (a *App) Handler() http.Handler { return a.http.Handler }

// Studio returns the studio state shared by every connection.
func (a *App) Studio() *studio.Studio { return a.studio }

// Dispatcher returns the tool dispatcher.
func (a *App) Dispatcher() *tools.Dispatcher { return a.dispatcher }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.http.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then stops
// accepting and returns ctx.Err(). Open assistant connections are left to
// Shutdown.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http server listening", "addr", ln.Addr().String(), "tls", a.tls != nil)
		var err error
		if a.tls != nil {
			err = a.http.ServeTLS(ln, a.tls.CertFile, a.tls.KeyFile)
		} else {
			err = a.http.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), readHeaderTimeout)
		defer cancel()
		return a.http.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig reacts to a configuration reload. The log level and assistant
// settings apply immediately; everything else is logged as needing a
// restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AssistantChanged {
		a.web.SetAssistantOptions(assistantOptions(new)...)
		a.logger.Info("assistant settings reloaded; new sessions use them")
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("config changes need a restart", "fields", d.RestartRequired)
	}
}

// SlogLevel converts a config level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, waits for assistant connections to tear
// down and closes the remaining subsystems. It respects the context
// deadline: if ctx expires first, the context error is returned and the
// remaining closers still run.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		if err := a.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownErr = err
		}
		a.baseCancel()

		done := make(chan struct{})
		go func() {
			a.web.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			a.logger.Warn("shutdown deadline exceeded waiting for assistant connections")
			shutdownErr = ctx.Err()
		}

		a.closeAll()
		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			a.logger.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
