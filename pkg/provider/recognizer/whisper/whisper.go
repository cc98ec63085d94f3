// Package whisper provides whisper.cpp-backed transcribers for the
// [utterance] recognizer.
//
// Two backends are available:
//
//   - [Native] runs inference in-process through the whisper.cpp CGO
//     bindings. Models are loaded once and shared across sessions, so the
//     first NewRecognizer (normally the startup warm-up) pays the load cost.
//   - [Server] POSTs each utterance as a WAV file to a running
//     whisper-server's /inference endpoint.
//
// Usage:
//
//	t, err := whisper.NewServer("http://localhost:8080")
//	p := whisper.NewProvider(t, energy.New())
//	rec, err := p.NewRecognizer(ctx, recognizer.DefaultConfig(), cb)
package whisper

import (
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer/utterance"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
)

const defaultLanguage = "en"

// NewProvider returns a recognizer provider that segments audio with v and
// transcribes utterances with t.
func NewProvider(t utterance.Transcriber, v vad.Engine, opts ...utterance.Option) *utterance.Provider {
	return utterance.NewProvider(t, v, opts...)
}

// cleanText drops whisper's non-speech markers.
func cleanText(text string) string {
	switch text {
	case "[BLANK_AUDIO]", "BLANK_AUDIO", "(silence)", "[silence]":
		return ""
	}
	return text
}
