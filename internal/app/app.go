// Package app wires all fixline subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the control surface until the context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithCaseStore,
// WithDialer, etc.). When an option is not provided, New creates real
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
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/fixline/internal/casestore"
	"github.com/MrWong99/fixline/internal/config"
	"github.com/MrWong99/fixline/internal/events"
	"github.com/MrWong99/fixline/internal/health"
	"github.com/MrWong99/fixline/internal/observe"
	"github.com/MrWong99/fixline/internal/report"
	"github.com/MrWong99/fixline/internal/resilience"
	"github.com/MrWong99/fixline/internal/server"
	"github.com/MrWong99/fixline/internal/session"
	"github.com/MrWong99/fixline/pkg/audio"
	"github.com/MrWong99/fixline/pkg/live"
	"github.com/MrWong99/fixline/pkg/live/ws"
	"github.com/MrWong99/fixline/pkg/provider/llm"
	"github.com/MrWong99/fixline/pkg/video"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// LLM summarizes finished sessions. It is usually an
	// [resilience.LLMFallback].
	LLM    llm.Provider
	Audio  audio.Platform
	Camera video.Opener
}

// breakerStates is implemented by backends that fail over between
// several circuit-broken entries.
type breakerStates interface {
	States() map[string]resilience.State
}

// pinger is implemented by stores that can probe their backend.
type pinger interface {
	Ping(ctx context.Context) error
}

// App owns all subsystem lifetimes and serves the fixline control surface.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers

	// Subsystems, initialised in New, torn down in Shutdown.
	store     casestore.Store
	publisher session.Publisher
	dialer    live.Dialer
	hub       *server.Hub
	manager   *SessionManager
	server    *server.Server
	health    *health.Handler
	checkers  []health.Checker

	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar
	listener       net.Listener

	// cancelSessions cancels every running session on shutdown.
	cancelSessions context.CancelFunc

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCaseStore injects a case store instead of creating one from config.
func WithCaseStore(s casestore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher injects a case event publisher instead of creating one from
// config.
func WithPublisher(p session.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithDialer injects the live channel dialer instead of creating a
// WebSocket dialer from config.
func WithDialer(d live.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMetrics records metrics on m instead of the default metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets config reloads adjust the log level through v.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithListener serves on l instead of listening on the configured address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Audio == nil {
		return nil, errors.New("app: an audio platform is required")
	}
	a := &App{providers: providers}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Case store ────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init case store: %w", err)
	}

	// ── 2. Event publisher ───────────────────────────────────────────────
	a.initPublisher()

	// ── 3. Live channel dialer ───────────────────────────────────────────
	a.initDialer()

	// ── 4. Session manager ───────────────────────────────────────────────
	a.initManager(ctx)

	// ── 5. Control surface ───────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the PostgreSQL store with the JSONL file as its fallback,
// or the file store alone when no DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	st := a.Config().Storage
	file := casestore.NewFileStore(st.FilePath)

	if st.PostgresDSN == "" {
		a.store = file
		slog.Info("case store ready", "backend", "file", "path", st.FilePath)
		return nil
	}

	pg, err := casestore.NewPostgresStore(ctx, st.PostgresDSN)
	if err != nil {
		return err
	}
	a.store = casestore.NewFallback(pg, "postgres", resilience.FallbackConfig{},
		casestore.Named{Name: "file", Store: file})
	a.checkers = append(a.checkers, health.Checker{
		Name:     "case_store",
		Check:    pg.Ping,
		Optional: true,
	})
	slog.Info("case store ready", "backend", "postgres", "fallback", st.FilePath)
	return nil
}

// initPublisher creates the Kafka publisher if one wasn't injected.
func (a *App) initPublisher() {
	if a.publisher != nil {
		return
	}
	ec := a.Config().Events
	p := events.New(events.Config{
		Brokers:      ec.Brokers,
		Topic:        ec.Topic,
		ClientID:     ec.ClientID,
		WriteTimeout: ec.WriteTimeout,
	}, events.WithMetrics(a.metrics))
	a.publisher = p
	a.closers = append(a.closers, p.Close)
}

// initDialer creates the WebSocket dialer if one wasn't injected.
func (a *App) initDialer() {
	if a.dialer != nil {
		return
	}
	lc := a.Config().Live
	opts := []ws.Option{
		ws.WithQueueSize(lc.QueueSize),
		ws.WithWriteTimeout(lc.WriteTimeout),
		ws.WithReadLimit(lc.ReadLimit),
	}
	if lc.APIKey != "" {
		opts = append(opts, ws.WithHeader("Authorization", "Bearer "+lc.APIKey))
	}
	a.dialer = ws.NewDialer(lc.URL, opts...)
}

// initManager builds the report pipeline and the session manager.
func (a *App) initManager(ctx context.Context) {
	renderer := report.MarkdownRenderer{}
	reporter := &session.Reporter{
		Store:     a.store,
		Renderer:  renderer,
		Publisher: a.publisher,
		Timeout:   a.Config().Session.ReportTimeout,
		Metrics:   a.metrics,
	}
	if a.providers.LLM != nil {
		reporter.Summarizer = report.NewLLMSummarizer(a.providers.LLM)
		if bs, ok := a.providers.LLM.(breakerStates); ok {
			a.checkers = append(a.checkers, health.Checker{
				Name:     "summarizer",
				Check:    health.BreakerCheck(bs.States),
				Optional: true,
			})
		}
	}
	if bs, ok := a.store.(breakerStates); ok {
		a.checkers = append(a.checkers, health.Checker{
			Name:     "case_store_backends",
			Check:    health.BreakerCheck(bs.States),
			Optional: true,
		})
	} else if p, ok := a.store.(pinger); ok {
		a.checkers = append(a.checkers, health.Checker{Name: "case_store", Check: p.Ping})
	}

	a.hub = server.NewHub()
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancelSessions = cancel
	a.manager = NewSessionManager(sessCtx, SessionManagerConfig{
		Config:   a.Config,
		Audio:    a.providers.Audio,
		Camera:   a.providers.Camera,
		Dialer:   a.dialer,
		Reporter: reporter,
		Store:    a.store,
		Renderer: renderer,
		Hub:      a.hub,
		Metrics:  a.metrics,
	})
}

// initServer assembles the HTTP control surface.
func (a *App) initServer() {
	a.health = health.New(a.checkers...)
	opts := []server.Option{
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
		server.WithOriginPatterns(a.Config().Server.AllowedOrigins...),
	}
	if a.metricsHandler != nil {
		opts = append(opts, server.WithMetricsHandler(a.metricsHandler))
	}
	a.server = server.New(a.manager, a.manager, a.hub, opts...)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Config returns the current configuration.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.manager }

// Handler returns the control surface handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control surface and blocks until ctx is cancelled or the
// listener fails. A cancelled ctx triggers a graceful HTTP shutdown bounded
// by the configured shutdown timeout; Run then returns nil.
func (a *App) Run(ctx context.Context) error {
	sc := a.Config().Server
	srv := &http.Server{
		Addr:              sc.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln := a.listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", sc.ListenAddr); err != nil {
			return fmt.Errorf("app: listen on %s: %w", sc.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("control server listening", "addr", ln.Addr().String(), "tls", sc.TLS != nil)
		var err error
		if sc.TLS != nil {
			err = srv.ServeTLS(ln, sc.TLS.CertFile, sc.TLS.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sc.ShutdownTimeout)
		defer cancel()
		// Event streams are hijacked and end once the hub closes.
		a.hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig installs a reloaded configuration. It is the callback passed
// to [config.NewWatcher]. The log level applies immediately and session
// settings apply to the next session; every other change is logged and
// waits for a restart.
func (a *App) ApplyConfig(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if !d.Changed() {
		return
	}
	a.cfg.Store(updated)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TurnDebounceChanged {
		slog.Info("turn debounce changed", "debounce", d.NewTurnDebounce)
	}
	if d.SessionChanged {
		slog.Info("session settings reloaded; they apply to the next session")
	}
	for _, section := range d.RestartRequired {
		slog.Warn("config change requires a restart", "section", section)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It ends the running session
// (letting its report finish), then closes the hub and every backend. It
// respects the context deadline: if ctx expires before the session ends,
// sessions are cancelled and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers)+1)

		if err := a.manager.Shutdown(ctx); err != nil {
			slog.Warn("session shutdown incomplete", "err", err)
			shutdownErr = err
		}
		a.cancelSessions()
		a.hub.Close()

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		if err := a.store.Close(); err != nil {
			slog.Warn("case store close error", "err", err)
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
