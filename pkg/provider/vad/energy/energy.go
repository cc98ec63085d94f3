// Package energy implements a dependency-free VAD engine based on frame RMS
// energy.
//
// Each frame's RMS level in dBFS is mapped through a logistic curve to a
// speech probability. The session then applies the start-frame and hangover
// smoothing configured in [vad.Config]. It is far less robust than a neural
// VAD against background noise but needs no model files, which makes it the
// default for whisper-backed recognizers.
package energy

import (
	"fmt"
	"math"

	"github.com/MrWong99/voxrelay/pkg/provider/vad"
)

const (
	// midpointDBFS is the level with speech probability 0.5.
	midpointDBFS = -45.0

	// slopeDB controls how quickly probability rises around the midpoint.
	slopeDB = 4.0
)

// Engine creates energy VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start := cfg.StartFrames
	if start <= 0 {
		start = 1
	}
	return &Session{cfg: cfg, startFrames: start, frameLen: cfg.FrameSamples()}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a single-stream energy detector. Not safe for concurrent use.
type Session struct {
	cfg         vad.Config
	startFrames int
	frameLen    int

	inSpeech  bool
	speechRun int
	silentRun int
	closed    bool
}

// ProcessFrame classifies one frame.
func (s *Session) ProcessFrame(frame []int16) (vad.Event, error) {
	if s.closed {
		return vad.Event{}, vad.ErrClosed
	}
	if len(frame) != s.frameLen {
		return vad.Event{}, fmt.Errorf("energy: frame has %d samples, want %d", len(frame), s.frameLen)
	}
	p := Probability(frame)

	if !s.inSpeech {
		if p < s.cfg.SpeechThreshold {
			s.speechRun = 0
			return vad.Event{Type: vad.Silence, Probability: p}, nil
		}
		s.speechRun++
		if s.speechRun < s.startFrames {
			return vad.Event{Type: vad.Silence, Probability: p}, nil
		}
		s.inSpeech = true
		s.silentRun = 0
		return vad.Event{Type: vad.SpeechStart, Probability: p}, nil
	}

	if p >= s.cfg.SilenceThreshold {
		s.silentRun = 0
		return vad.Event{Type: vad.SpeechContinue, Probability: p}, nil
	}
	s.silentRun++
	if s.silentRun <= s.cfg.HangoverFrames {
		return vad.Event{Type: vad.SpeechContinue, Probability: p}, nil
	}
	s.inSpeech = false
	s.speechRun = 0
	return vad.Event{Type: vad.SpeechEnd, Probability: p}, nil
}

// Reset returns the session to the silent state.
func (s *Session) Reset() {
	s.inSpeech = false
	s.speechRun = 0
	s.silentRun = 0
}

// Close marks the session closed. Idempotent.
func (s *Session) Close() error {
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*Session)(nil)

// Probability maps the RMS level of frame to a speech probability in [0, 1].
func Probability(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, v := range frame {
		f := float64(v)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	if rms == 0 {
		return 0
	}
	db := 20 * math.Log10(rms/32768)
	return 1 / (1 + math.Exp(-(db-midpointDBFS)/slopeDB))
}
