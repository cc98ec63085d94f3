package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/session"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer"
)

var (
	// ErrDraining is returned by AcceptConnection once Shutdown has begun.
	// It wraps [session.ErrShuttingDown] so the client sees a going-away
	// close.
	ErrDraining = fmt.Errorf("app: draining: %w", session.ErrShuttingDown)

	// ErrTooManySessions is returned when MaxSessions sessions are active.
	ErrTooManySessions = fmt.Errorf("app: too many sessions: %w", session.ErrBusy)
)

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// ID is the session's unique identifier.
	ID string

	// State is the session's lifecycle state at the time of the call.
	State session.State

	// StartedAt is when the connection was accepted.
	StartedAt time.Time
}

// tracked is an active session plus the channel closed when Run returned.
type tracked struct {
	sess      *session.Session
	startedAt time.Time
	done      chan struct{}
}

// SessionManager accepts connections and runs one [session.Session] per
// connection. All exported methods are safe for concurrent use.
type SessionManager struct {
	provider   recognizer.Provider
	engineName string
	corrector  session.Corrector
	metrics    *observe.Metrics
	log        *slog.Logger

	// base is cancelled by Shutdown; every session context derives from it.
	base       context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	engine   recognizer.Config
	sessCfg  config.SessionConfig
	active   map[string]*tracked
	draining bool

	warmupOnce sync.Once
	warmupErr  error
	warmedUp   atomic.Bool
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Provider constructs one recognizer per session. Required.
	Provider recognizer.Provider

	// EngineName labels recognizer metrics. Default: "default".
	EngineName string

	// Engine is passed unchanged to every NewRecognizer call.
	Engine recognizer.Config

	// Session holds per-connection behaviour.
	Session config.SessionConfig

	// Corrector, if set, rewrites final sentences.
	Corrector session.Corrector

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.EngineName == "" {
		cfg.EngineName = "default"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		provider:   cfg.Provider,
		engineName: cfg.EngineName,
		corrector:  cfg.Corrector,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		base:       base,
		cancelBase: cancel,
		engine:     cfg.Engine,
		sessCfg:    cfg.Session,
		active:     make(map[string]*tracked),
	}
}

// AcceptConnection runs a new session over conn and blocks until it ends.
// Cancelling ctx or calling [SessionManager.Shutdown] ends the session with
// [session.ErrShuttingDown].
func (sm *SessionManager) AcceptConnection(ctx context.Context, conn session.Conn) error {
	sm.mu.Lock()
	if sm.draining {
		sm.mu.Unlock()
		return ErrDraining
	}
	if limit := sm.sessCfg.MaxSessions; limit > 0 && len(sm.active) >= limit {
		sm.mu.Unlock()
		sm.log.Warn("refusing connection, session limit reached", "max_sessions", limit)
		return ErrTooManySessions
	}
	opts, err := sm.sessionOptions()
	if err != nil {
		sm.mu.Unlock()
		return err
	}
	ctx, span := observe.StartSpan(ctx, "voxrelay.session",
		trace.WithAttributes(observe.Attr("recognizer.engine", sm.engineName)))
	opts = append(opts, session.WithLogger(observe.Logger(ctx, sm.log)))
	sess := session.New(conn, sm.provider, sm.engine, opts...)
	span.SetAttributes(observe.Attr("session.id", sess.ID()))
	t := &tracked{sess: sess, startedAt: time.Now(), done: make(chan struct{})}
	sm.active[sess.ID()] = t
	sm.mu.Unlock()

	defer func() {
		sm.mu.Lock()
		delete(sm.active, sess.ID())
		sm.mu.Unlock()
		close(t.done)
	}()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sm.base, cancel)
	defer stop()

	err = sess.Run(sctx)
	observe.EndSpan(span, err, session.ErrDisconnected, session.ErrShuttingDown)
	return err
}

// sessionOptions builds the per-session options from the current settings.
// sm.mu must be held.
func (sm *SessionManager) sessionOptions() ([]session.Option, error) {
	policy, err := session.ParseFramePolicy(string(sm.sessCfg.FrameErrorPolicy))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	opts := []session.Option{
		session.WithFramePolicy(policy),
		session.WithRealtimeBacklog(sm.sessCfg.RealtimeBacklog),
		session.WithEngineName(sm.engineName),
		session.WithMetrics(sm.metrics),
		session.WithWriteTimeout(sm.sessCfg.WriteTimeout),
	}
	if sm.corrector != nil {
		opts = append(opts, session.WithCorrector(sm.corrector))
	}
	return opts, nil
}

// UpdateEngine replaces the engine options used for sessions accepted from
// now on. Running sessions keep the options they started with.
func (sm *SessionManager) UpdateEngine(cfg recognizer.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.engine = cfg
}

// UpdateSession replaces the per-connection settings for new sessions.
func (sm *SessionManager) UpdateSession(cfg config.SessionConfig) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sessCfg = cfg
}

// Sessions returns metadata about every active session.
func (sm *SessionManager) Sessions() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]SessionInfo, 0, len(sm.active))
	for id, t := range sm.active {
		out = append(out, SessionInfo{ID: id, State: t.sess.State(), StartedAt: t.startedAt})
	}
	return out
}

// ActiveCount returns the number of active sessions.
func (sm *SessionManager) ActiveCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.active)
}

// Draining reports whether Shutdown has been called.
func (sm *SessionManager) Draining() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.draining
}

// Shutdown refuses new connections, ends every active session with
// [session.ErrShuttingDown] and waits for them to finish. If ctx is done
// first, the returned error wraps ctx.Err().
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.draining = true
	pending := make([]*tracked, 0, len(sm.active))
	for _, t := range sm.active {
		pending = append(pending, t)
	}
	sm.mu.Unlock()

	sm.log.Info("draining sessions", "active", len(pending))
	sm.cancelBase()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range pending {
		g.Go(func() error {
			select {
			case <-t.done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("app: session %s did not stop: %w", t.sess.ID(), gctx.Err())
			}
		})
	}
	return g.Wait()
}

// Warmup constructs and stops one recognizer so that model loading happens
// before the first client connects. Only the first call does work; later
// calls return the same result.
func (sm *SessionManager) Warmup(ctx context.Context) error {
	sm.warmupOnce.Do(func() {
		sm.warmupErr = sm.warmup(ctx)
		if sm.warmupErr == nil {
			sm.warmedUp.Store(true)
		}
	})
	return sm.warmupErr
}

func (sm *SessionManager) warmup(ctx context.Context) error {
	sm.mu.Lock()
	cfg := sm.engine
	sm.mu.Unlock()

	start := time.Now()
	rec, err := sm.provider.NewRecognizer(ctx, cfg, recognizer.Callbacks{})
	sm.metrics.EngineInitDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", sm.engineName)))
	if err != nil {
		sm.metrics.RecordRecognizerError(ctx, sm.engineName, "warmup")
		return &session.EngineInitError{Err: fmt.Errorf("warmup: %w", err)}
	}
	if err := rec.Stop(); err != nil && !errors.Is(err, recognizer.ErrStopped) {
		return fmt.Errorf("app: warmup: stop recognizer: %w", err)
	}
	sm.log.Info("recognizer warmed up", "engine", sm.engineName, "elapsed", time.Since(start))
	return nil
}

// WarmedUp reports whether Warmup completed successfully.
func (sm *SessionManager) WarmedUp() bool {
	return sm.warmedUp.Load()
}
