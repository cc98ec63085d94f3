// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script detection results, either as a fixed EventResult or
// through Classify, and to inspect the frames that were submitted.
//
// Example:
//
//	sess := &mock.Session{Classify: mock.NonZeroIsSpeech}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"slices"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new Session with Classify set to NonZeroIsSpeech.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{Classify: NonZeroIsSpeech}, nil
}

// Calls returns a copy of the recorded NewSession calls. Thread-safe.
func (e *Engine) Calls() []NewSessionCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.NewSessionCalls)
}

var _ vad.Engine = (*Engine)(nil)

// NonZeroIsSpeech classifies a frame as speech when any sample is non-zero.
func NonZeroIsSpeech(frame []int16) vad.Event {
	for _, s := range frame {
		if s != 0 {
			return vad.Event{Type: vad.SpeechContinue, Probability: 1}
		}
	}
	return vad.Event{Type: vad.Silence}
}

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Classify, if set, computes the result of each ProcessFrame call.
	// Otherwise EventResult is returned.
	Classify func(frame []int16) vad.Event

	// EventResult is returned by ProcessFrame when Classify is nil.
	EventResult vad.Event

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	frames     [][]int16
	resetCalls int
	closeCalls int
}

// ProcessFrame records a copy of frame and returns the scripted result.
func (s *Session) ProcessFrame(frame []int16) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, slices.Clone(frame))
	if s.ProcessFrameErr != nil {
		return vad.Event{}, s.ProcessFrameErr
	}
	if s.Classify != nil {
		return s.Classify(frame), nil
	}
	return s.EventResult, nil
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCalls++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return s.CloseErr
}

// Frames returns copies of every processed frame. Thread-safe.
func (s *Session) Frames() [][]int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}

// CloseCallCount returns the number of Close calls. Thread-safe.
func (s *Session) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// ResetCallCount returns the number of Reset calls. Thread-safe.
func (s *Session) ResetCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetCalls
}

var _ vad.SessionHandle = (*Session)(nil)
