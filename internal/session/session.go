// Package session runs one client connection of the speech-to-text relay.
//
// A [Session] owns a single recognizer. Its lifecycle:
//
//	Initializing ──engine ready──▶ Ready ──first frame fed──▶ Streaming
//	      │                          │                          │
//	      └──────────────────────────┴────────▶ Closing ──▶ Closed
//
// Three goroutines cooperate while the session streams. The receive loop
// reads binary frames, decodes and resamples them to 16 kHz and feeds the
// recognizer. The engine goroutine constructs the recognizer and then pulls
// final sentences from it. The writer goroutine is the only goroutine that
// writes to the connection; every outbound message, whether a recognizer
// callback or a final sentence, passes through an unbounded outbox that never
// blocks its producers.
//
// Messages from one producer reach the client in the order they were
// produced. There is no ordering guarantee between producers, so a realtime
// update may arrive after the sentence that finalised it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/protocol"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer"
)

// Conn is the client connection as seen by a session.
//
// Read returns the next binary message. It returns [ErrDisconnected] when the
// peer closed normally. Write sends one text message. Close ends the
// connection; reason is nil for a normal close, [ErrShuttingDown] when the
// server drains, and the session's failure otherwise.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, msg []byte) error
	Close(reason error) error
}

// Session is one client connection bound to one recognizer.
type Session struct {
	id       string
	conn     Conn
	provider recognizer.Provider
	cfg      recognizer.Config

	log             *slog.Logger
	metrics         *observe.Metrics
	policy          FramePolicy
	corrector       Corrector
	resample        Resampler
	realtimeBacklog int
	engineName      string
	writeTimeout    time.Duration

	state stateBox
	out   *outbox

	// ready is closed once recognizer construction finished, successfully
	// or not. rec and initErr are written before it is closed.
	ready   chan struct{}
	rec     recognizer.Recognizer
	initErr error

	// ending is closed by the first call to end; cause is written before.
	ending  chan struct{}
	endOnce sync.Once
	cause   error

	stopRecOnce sync.Once
	runOnce     sync.Once
	wg          sync.WaitGroup
}

// New creates a session for conn. Call [Session.Run] to start it.
func New(conn Conn, p recognizer.Provider, cfg recognizer.Config, opts ...Option) *Session {
	s := &Session{
		id:           uuid.Must(uuid.NewV7()).String(),
		conn:         conn,
		provider:     p,
		cfg:          cfg,
		log:          slog.Default(),
		policy:       FramePolicyDrop,
		resample:     audio.Resample,
		engineName:   "default",
		writeTimeout: defaultWriteTimeout,
		ready:        make(chan struct{}),
		ending:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = s.log.With(slog.String("session_id", s.id))
	s.out = newOutbox(s.realtimeBacklog)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state.load() }

// Ready is closed once recognizer construction has finished. Check
// [Session.State] afterwards to tell success from failure.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Stop asks the session to end with a normal close. It does not wait; Run
// returns once teardown is complete. Safe to call at any time, repeatedly.
func (s *Session) Stop() {
	s.end(nil)
}

// end records the reason the session stops. Only the first call counts.
func (s *Session) end(cause error) {
	s.endOnce.Do(func() {
		s.cause = cause
		close(s.ending)
	})
}

// Run drives the session until the client disconnects, [Session.Stop] is
// called, ctx is cancelled, or a fatal error occurs. It returns nil for a
// normal end and the cause otherwise. Initialisation failures are returned as
// *[EngineInitError]. Run must be called at most once.
func (s *Session) Run(ctx context.Context) error {
	err := errors.New("session: Run called twice")
	s.runOnce.Do(func() { err = s.run(ctx) })
	return err
}

func (s *Session) run(parent context.Context) error {
	start := time.Now()
	s.metrics.ActiveSessions.Add(parent, 1)
	defer func() {
		s.metrics.ActiveSessions.Add(context.WithoutCancel(parent), -1)
		s.metrics.SessionDuration.Record(context.WithoutCancel(parent), time.Since(start).Seconds())
	}()

	stopWatch := context.AfterFunc(parent, func() { s.end(ErrShuttingDown) })
	defer stopWatch()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.log.Debug("session starting", "engine", s.engineName)

	s.wg.Add(1)
	go s.runEngine(ctx)

	select {
	case <-s.ready:
	case <-s.ending:
		// Abort construction; the engine goroutine still closes ready.
		cancel()
		<-s.ready
	}

	if s.initErr != nil {
		s.end(s.initErr)
	} else if s.state.transition(Initializing, Ready) {
		select {
		case <-s.ending:
		default:
			s.log.Info("session ready")
			s.wg.Add(2)
			go s.runWriter(parent)
			go s.runReceiver(ctx)
		}
	}

	<-s.ending
	return s.teardown(cancel)
}

// teardown stops the recognizer before cancelling the session context so
// that the engine goroutine exits through [recognizer.ErrStopped].
func (s *Session) teardown(cancel context.CancelFunc) error {
	s.state.advance(Closing)
	cause := s.cause

	s.stopRecognizer()
	cancel()
	s.out.close()
	s.wg.Wait()

	var initErr *EngineInitError
	switch {
	case cause == nil:
		s.log.Info("session ended")
	case errors.Is(cause, ErrShuttingDown):
		s.log.Info("session ended by server shutdown")
	case errors.As(cause, &initErr):
		s.log.Error("recognizer construction failed", "err", initErr.Err)
	default:
		s.log.Warn("session failed", "err", cause)
	}

	if err := s.conn.Close(cause); err != nil {
		s.log.Debug("closing connection", "err", err)
	}
	s.state.advance(Closed)

	if cause == nil || errors.Is(cause, ErrShuttingDown) {
		return nil
	}
	return cause
}

func (s *Session) stopRecognizer() {
	s.stopRecOnce.Do(func() {
		// rec is only read after ready is closed.
		select {
		case <-s.ready:
		default:
			return
		}
		if s.rec == nil {
			return
		}
		if err := s.rec.Stop(); err != nil {
			s.log.Warn("stopping recognizer", "err", err)
		}
	})
}

// runEngine constructs the recognizer, signals readiness and then pulls
// final sentences until the recognizer is stopped.
func (s *Session) runEngine(ctx context.Context) {
	defer s.wg.Done()

	start := time.Now()
	rec, err := s.provider.NewRecognizer(ctx, s.cfg, s.callbacks())
	s.metrics.EngineInitDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", s.engineName)))
	if err != nil {
		s.metrics.RecordRecognizerError(ctx, s.engineName, "init")
		s.initErr = &EngineInitError{Err: err}
		close(s.ready)
		return
	}
	s.rec = rec
	close(s.ready)

	for {
		text, err := rec.Text()
		if err != nil {
			if errors.Is(err, recognizer.ErrStopped) {
				s.end(nil)
				return
			}
			s.metrics.RecordRecognizerError(ctx, s.engineName, "text")
			s.end(fmt.Errorf("session: recognizer: %w", err))
			return
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if s.corrector != nil {
			text = s.corrector.Apply(text)
		}
		s.enqueue(protocol.NewSentence(text))
	}
}

// callbacks bridge engine events into the outbox. They never block.
func (s *Session) callbacks() recognizer.Callbacks {
	return recognizer.Callbacks{
		OnRealtimeUpdate: func(text string) {
			s.enqueue(protocol.NewRealtime(text))
		},
		OnRecordingStart: func() {
			s.enqueue(protocol.NewStatus(protocol.StatusStart))
		},
		OnRecordingStop: func() {
			s.enqueue(protocol.NewStatus(protocol.StatusStop))
		},
	}
}

func (s *Session) enqueue(m protocol.Message) {
	ok, superseded := s.out.push(m)
	if !ok {
		s.metrics.RecordMessageDropped(context.Background(), string(m.Type))
		return
	}
	if superseded != nil {
		s.metrics.RecordMessageDropped(context.Background(), string(superseded.Type))
	}
}

// runWriter is the only goroutine that writes to the connection. It drains
// the outbox until it is closed and empty. ctx is the parent context; each
// write gets its own deadline so that queued messages can still be flushed
// during teardown.
func (s *Session) runWriter(ctx context.Context) {
	defer s.wg.Done()
	base := context.WithoutCancel(ctx)

	for {
		m, ok := s.out.pop()
		if !ok {
			return
		}
		b, err := m.Marshal()
		if err != nil {
			s.log.Error("encoding message", "type", m.Type, "err", err)
			continue
		}
		wctx, cancel := context.WithTimeout(base, s.writeTimeout)
		err = s.conn.Write(wctx, b)
		cancel()
		if err != nil {
			s.end(&TransportError{Op: "write", Err: err})
			return
		}
		s.metrics.RecordMessageSent(base, string(m.Type))
	}
}

// runReceiver reads frames until the connection ends or ctx is cancelled.
func (s *Session) runReceiver(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in receive loop", "panic", r)
			s.end(&TransportError{Op: "receive", Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	for {
		b, err := s.conn.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, ErrDisconnected):
				s.end(nil)
			default:
				s.end(&TransportError{Op: "read", Err: err})
			}
			return
		}
		if err := s.handleFrame(ctx, b); err != nil {
			if errors.Is(err, recognizer.ErrStopped) {
				s.end(nil)
			} else {
				s.metrics.RecordRecognizerError(ctx, s.engineName, "feed")
				s.end(err)
			}
			return
		}
	}
}

// handleFrame decodes, resamples and feeds one frame. Decode and resample
// failures only affect the frame; the returned error is fatal.
func (s *Session) handleFrame(ctx context.Context, b []byte) error {
	frame, err := protocol.Decode(b)
	if err != nil {
		kind := "unknown"
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			kind = de.Kind.String()
		}
		s.rejectFrame(ctx, kind, err)
		return nil
	}
	s.metrics.FramesReceived.Add(ctx, 1)

	pcm := frame.Samples()
	if len(pcm) == 0 {
		return nil
	}
	if frame.SampleRate != audio.TargetSampleRate {
		start := time.Now()
		pcm, err = s.resample(pcm, frame.SampleRate, audio.TargetSampleRate)
		s.metrics.ResampleDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			s.rejectFrame(ctx, "resample", err)
			return nil
		}
	}

	if err := s.rec.FeedAudio(pcm); err != nil {
		if errors.Is(err, recognizer.ErrStopped) {
			return err
		}
		return fmt.Errorf("session: feed audio: %w", err)
	}
	if s.state.transition(Ready, Streaming) {
		s.log.Debug("session streaming", "sample_rate", frame.SampleRate)
	}
	return nil
}

func (s *Session) rejectFrame(ctx context.Context, kind string, err error) {
	s.metrics.RecordFrameError(ctx, kind)
	s.log.Warn("dropping frame", "kind", kind, "err", err)
	if s.policy == FramePolicyReport {
		s.enqueue(protocol.NewError(err.Error()))
	}
}
