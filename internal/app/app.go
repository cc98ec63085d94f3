// Package app wires the voxrelay subsystems into a running server.
//
// The App owns the full lifecycle: New builds the session manager and the
// HTTP routes, Run serves until its context is cancelled, and Shutdown
// drains sessions and tears everything down in order.
//
// Routes:
//
//	GET <server.path>            websocket streaming endpoint
//	GET <telemetry.metrics_path> Prometheus metrics
//	GET /healthz, GET /readyz    probes
//
// For testing, inject a listener, metrics or a logger via functional
// options, or serve [App.Handler] from an httptest server.
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

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/session"
	"github.com/MrWong99/voxrelay/internal/transport/ws"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer"
)

// readHeaderTimeout bounds the HTTP request header read, including the
// websocket upgrade request.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	provider recognizer.Provider

	log        *slog.Logger
	metrics    *observe.Metrics
	corrector  session.Corrector
	engineName string
	listener   net.Listener

	sessions *SessionManager
	mux      *http.ServeMux
	server   *http.Server

	// closers run in order at the end of Shutdown.
	closers []func() error

	stopOnce    sync.Once
	shutdownErr error
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger passed to the server and every session.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCorrector applies c to every final sentence.
func WithCorrector(c session.Corrector) Option {
	return func(a *App) { a.corrector = c }
}

// WithEngineName labels the recognizer in logs and metrics. It defaults to
// the configured recognizer name.
func WithEngineName(name string) Option {
	return func(a *App) { a.engineName = name }
}

// WithListener makes Run serve on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithCloser registers fn to run at the end of Shutdown. Closers run in
// registration order.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New creates an App serving sessions through provider.
func New(cfg *config.Config, provider recognizer.Provider, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if provider == nil {
		return nil, errors.New("app: recognizer provider is required")
	}
	a := &App{
		cfg:        cfg,
		provider:   provider,
		engineName: cfg.Recognizer.Name,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Provider:   provider,
		EngineName: a.engineName,
		Engine:     cfg.Engine.RecognizerConfig(),
		Session:    cfg.Session,
		Corrector:  a.corrector,
		Metrics:    a.metrics,
		Logger:     a.log,
	})

	a.mux = http.NewServeMux()
	a.routes()

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
	return a, nil
}

func (a *App) routes() {
	srv := a.cfg.Server
	stream := ws.NewHandler(a.sessions, ws.Config{
		OriginPatterns:     srv.OriginPatterns,
		InsecureSkipVerify: srv.InsecureSkipVerify,
		MaxMessageBytes:    srv.MaxMessageBytes,
	}, a.log)
	a.mux.Handle("GET "+srv.Path, observe.Middleware(a.metrics)(stream))

	if p := a.cfg.Telemetry.MetricsPath; p != "" {
		a.mux.Handle("GET "+p, promhttp.Handler())
	}

	health.New(
		health.Warmup(a.sessions.WarmedUp),
		health.Draining(a.sessions.Draining),
	).Register(a.mux)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.mux }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Warmup constructs and stops one recognizer. See [SessionManager.Warmup].
func (a *App) Warmup(ctx context.Context) error {
	if err := a.sessions.Warmup(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

// ApplyDiff applies the parts of a config reload that take effect without a
// restart. Engine and session changes only affect new sessions.
func (a *App) ApplyDiff(cfg *config.Config, d config.ConfigDiff) {
	if d.EngineChanged {
		a.sessions.UpdateEngine(cfg.Engine.RecognizerConfig())
		a.log.Info("engine options updated for new sessions")
	}
	if d.SessionChanged {
		a.sessions.UpdateSession(cfg.Session)
		a.log.Info("session options updated for new sessions")
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// Run serves HTTP until ctx is cancelled or the server fails, then calls
// Shutdown bounded by session.shutdown_timeout. It returns nil after a
// clean shutdown.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("serving", "addr", ln.Addr().String(), "path", a.cfg.Server.Path, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		return a.Shutdown(sctx)
	})
	return g.Wait()
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.cfg.Session.ShutdownTimeout; d > 0 {
		return d
	}
	return 15 * time.Second
}

// Shutdown drains sessions, stops the HTTP server and runs the closers. Only
// the first call does work; later calls return the same result. If ctx
// expires, remaining closers are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.sessions.ActiveCount())
		var errs []error

		if err := a.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}

		for i, closer := range a.closers {
			if ctx.Err() != nil {
				a.log.Warn("shutdown deadline exceeded", "remaining_closers", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				break
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.shutdownErr = errors.Join(errs...)
		if a.shutdownErr == nil {
			a.log.Info("shutdown complete")
		}
	})
	return a.shutdownErr
}
