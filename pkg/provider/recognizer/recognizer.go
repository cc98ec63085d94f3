// Package recognizer defines the contract between a voxrelay session and a
// speech recognition engine.
//
// A Recognizer is a heavy, synchronous engine instance owned by exactly one
// session. Audio goes in through FeedAudio, which never blocks. Finished
// sentences come out through Text, which blocks until the engine finalises an
// utterance or is stopped. Low-latency events (realtime transcription updates
// and recording start/stop) are pushed through the [Callbacks] supplied at
// construction and may fire on any goroutine the implementation chooses.
//
// Every Recognizer must be stopped before it is dropped. Stop is idempotent
// and unblocks any goroutine parked in Text, which then returns [ErrStopped].
package recognizer

import (
	"context"
	"errors"
	"time"
)

// ErrStopped is returned by [Recognizer.Text] once the recognizer has been
// stopped and no further sentences will be produced. It marks normal
// termination, not a failure.
var ErrStopped = errors.New("recognizer: stopped")

// Callbacks receives the engine's asynchronous events. Any field may be nil.
// Implementations invoke callbacks from their own goroutines; receivers must
// not block.
type Callbacks struct {
	// OnRealtimeUpdate delivers a provisional transcription of the utterance
	// in progress. Successive updates may revise earlier ones.
	OnRealtimeUpdate func(text string)

	// OnRecordingStart fires when the engine detects the start of speech.
	OnRecordingStart func()

	// OnRecordingStop fires when the engine closes the current utterance.
	OnRecordingStop func()
}

// RealtimeUpdate invokes OnRealtimeUpdate if set.
func (c Callbacks) RealtimeUpdate(text string) {
	if c.OnRealtimeUpdate != nil {
		c.OnRealtimeUpdate(text)
	}
}

// RecordingStart invokes OnRecordingStart if set.
func (c Callbacks) RecordingStart() {
	if c.OnRecordingStart != nil {
		c.OnRecordingStart()
	}
}

// RecordingStop invokes OnRecordingStop if set.
func (c Callbacks) RecordingStop() {
	if c.OnRecordingStop != nil {
		c.OnRecordingStop()
	}
}

// Recognizer is one running recognition engine instance.
//
// All methods must be safe for concurrent use. Audio passed to FeedAudio is
// always mono int16 PCM at audio.TargetSampleRate.
type Recognizer interface {
	// FeedAudio queues samples for recognition and returns without waiting
	// for them to be processed. The recognizer takes ownership of pcm.
	// Feeding a stopped recognizer returns [ErrStopped].
	FeedAudio(pcm []int16) error

	// Text blocks until the next final sentence is available and returns it.
	// After Stop it returns "" and [ErrStopped]. Any other error is a runtime
	// engine failure.
	Text() (string, error)

	// Stop shuts the engine down and releases its resources. Any goroutine
	// blocked in Text is released promptly. Calling Stop more than once, or
	// concurrently, is safe; only the first call does work.
	Stop() error
}

// Provider constructs Recognizer instances.
//
// NewRecognizer may block for as long as model loading takes. It must not
// retain ctx beyond construction unless documented by the implementation.
type Provider interface {
	NewRecognizer(ctx context.Context, cfg Config, cb Callbacks) (Recognizer, error)
}

// Config carries the engine options selected in configuration. The session
// passes it through without interpreting it; each provider honours the fields
// it supports and ignores the rest.
type Config struct {
	// Model selects the model used for final sentences (e.g. "medium",
	// a whisper.cpp ggml path, "nova-3").
	Model string

	// RealtimeModel selects the lighter model used for realtime updates.
	// Empty means reuse Model.
	RealtimeModel string

	// Language is a language hint such as "en". Empty lets the engine detect it.
	Language string

	// InitialPrompt biases the transcriber's vocabulary, if supported.
	InitialPrompt string

	// SileroSensitivity is the voice-activity sensitivity in [0, 1]; higher
	// values treat quieter audio as speech.
	SileroSensitivity float64

	// WebRTCSensitivity is the voice-activity aggressiveness in [0, 3]; higher
	// values require more evidence before speech starts.
	WebRTCSensitivity int

	// PostSpeechSilence is how long silence must last before an utterance is
	// closed.
	PostSpeechSilence time.Duration

	// MinGapBetweenRecordings is the minimum pause between the end of one
	// utterance and the start of the next.
	MinGapBetweenRecordings time.Duration

	// MinRecordingLength discards utterances shorter than this.
	MinRecordingLength time.Duration

	// PreRecordingBuffer is how much audio before the detected speech onset is
	// kept and prepended to the utterance.
	PreRecordingBuffer time.Duration

	// EnableRealtime turns realtime updates on.
	EnableRealtime bool

	// RealtimeInterval is the minimum spacing between realtime updates.
	RealtimeInterval time.Duration

	// BeamSize and RealtimeBeamSize configure beam search width where
	// supported.
	BeamSize         int
	RealtimeBeamSize int

	// EnsureUppercase capitalises the first letter of each final sentence.
	EnsureUppercase bool

	// EnsurePeriod terminates each final sentence with punctuation.
	EnsurePeriod bool
}

// DefaultConfig returns the engine defaults used when configuration leaves a
// field unset.
func DefaultConfig() Config {
	return Config{
		Model:                   "medium",
		RealtimeModel:           "base.en",
		Language:                "en",
		SileroSensitivity:       0.1,
		WebRTCSensitivity:       3,
		PostSpeechSilence:       700 * time.Millisecond,
		MinGapBetweenRecordings: 0,
		MinRecordingLength:      0,
		PreRecordingBuffer:      200 * time.Millisecond,
		EnableRealtime:          true,
		RealtimeInterval:        200 * time.Millisecond,
		BeamSize:                5,
		RealtimeBeamSize:        3,
		EnsureUppercase:         true,
		EnsurePeriod:            true,
	}
}
