package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

// FramePolicy decides what happens to a frame that fails to decode.
type FramePolicy int

const (
	// FramePolicyDrop logs and discards the frame. The client is not told.
	FramePolicyDrop FramePolicy = iota
	// FramePolicyReport discards the frame and sends an "error" message
	// describing the decode failure.
	FramePolicyReport
)

// String returns the configuration name of the policy.
func (p FramePolicy) String() string {
	switch p {
	case FramePolicyDrop:
		return "drop"
	case FramePolicyReport:
		return "report"
	default:
		return "unknown"
	}
}

// ParseFramePolicy parses "drop" or "report". The empty string means drop.
func ParseFramePolicy(s string) (FramePolicy, error) {
	switch s {
	case "", "drop":
		return FramePolicyDrop, nil
	case "report":
		return FramePolicyReport, nil
	default:
		return 0, fmt.Errorf("session: unknown frame policy %q", s)
	}
}

// Corrector rewrites a final sentence before it is sent.
type Corrector interface {
	Apply(text string) string
}

// Resampler converts mono PCM between sample rates.
type Resampler func(pcm []int16, srcRate, dstRate int) ([]int16, error)

// defaultWriteTimeout bounds a single outbound write.
const defaultWriteTimeout = 5 * time.Second

// Option configures a [Session].
type Option func(*Session)

// WithFramePolicy sets how malformed frames are handled. Default: drop.
func WithFramePolicy(p FramePolicy) Option {
	return func(s *Session) { s.policy = p }
}

// WithLogger sets the base logger. The session adds its own session_id.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithCorrector applies c to every final sentence. Realtime updates are sent
// as the engine produced them.
func WithCorrector(c Corrector) Option {
	return func(s *Session) { s.corrector = c }
}

// WithRealtimeBacklog caps the number of realtime updates waiting to be sent.
// Zero or negative means unlimited.
func WithRealtimeBacklog(n int) Option {
	return func(s *Session) { s.realtimeBacklog = max(n, 0) }
}

// WithResampler replaces the FFT resampler ([audio.Resample]).
func WithResampler(r Resampler) Option {
	return func(s *Session) {
		if r != nil {
			s.resample = r
		}
	}
}

// WithEngineName labels the recognizer in logs and metrics.
func WithEngineName(name string) Option {
	return func(s *Session) {
		if name != "" {
			s.engineName = name
		}
	}
}

// WithWriteTimeout bounds each outbound message write. Default: 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

var _ Resampler = audio.Resample
