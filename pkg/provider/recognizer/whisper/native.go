// This file contains the Native transcriber backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer/utterance"
)

var (
	_ utterance.Transcriber = (*Native)(nil)
	_ utterance.Loader      = (*Native)(nil)
)

// nativeModel is one loaded model. whisper.cpp contexts created from the same
// model must not run Process concurrently, so inference is serialised per
// model.
type nativeModel struct {
	path  string
	model whisperlib.Model
	infer sync.Mutex
}

// Native runs whisper.cpp in-process. It maps model names (as used in
// recognizer.Config.Model and RealtimeModel) to ggml model files.
type Native struct {
	models       map[string]*nativeModel
	defaultModel string

	loadOnce sync.Once
	loadErr  error
}

// NewNative returns a transcriber over the given model files, keyed by model
// name. defaultModel is used when a request names a model not in the map.
// Nothing is loaded until Load or the first Transcribe.
func NewNative(models map[string]string, defaultModel string) (*Native, error) {
	if len(models) == 0 {
		return nil, errors.New("whisper: at least one model path is required")
	}
	if _, ok := models[defaultModel]; !ok {
		return nil, fmt.Errorf("whisper: default model %q has no path", defaultModel)
	}
	n := &Native{models: make(map[string]*nativeModel, len(models)), defaultModel: defaultModel}
	for name, path := range models {
		if path == "" {
			return nil, fmt.Errorf("whisper: model %q has an empty path", name)
		}
		n.models[name] = &nativeModel{path: path}
	}
	return n, nil
}

// Load reads every model into memory. It runs once; later calls return the
// first result.
func (n *Native) Load(ctx context.Context) error {
	n.loadOnce.Do(func() {
		for name, m := range n.models {
			if err := ctx.Err(); err != nil {
				n.loadErr = err
				return
			}
			slog.Info("whisper: loading model", "model", name, "path", m.path)
			model, err := whisperlib.New(m.path)
			if err != nil {
				n.loadErr = fmt.Errorf("whisper: load model %q: %w", m.path, err)
				return
			}
			m.model = model
		}
	})
	return n.loadErr
}

// Close releases all loaded models.
func (n *Native) Close() error {
	var errs []error
	for _, m := range n.models {
		if m.model != nil {
			errs = append(errs, m.model.Close())
			m.model = nil
		}
	}
	return errors.Join(errs...)
}

// Transcribe runs inference on a fresh whisper context.
func (n *Native) Transcribe(ctx context.Context, pcm []int16, opts utterance.TranscribeOptions) (string, error) {
	if err := n.Load(ctx); err != nil {
		return "", err
	}
	m, ok := n.models[opts.Model]
	if !ok {
		m = n.models[n.defaultModel]
	}

	wctx, err := m.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	lang := opts.Language
	if lang == "" {
		lang = defaultLanguage
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}
	wctx.SetTranslate(false)
	if opts.BeamSize > 0 {
		wctx.SetBeamSize(opts.BeamSize)
	}
	if opts.InitialPrompt != "" {
		wctx.SetInitialPrompt(opts.InitialPrompt)
	}

	samples := audio.SamplesToFloat32(pcm)
	m.infer.Lock()
	if err := ctx.Err(); err != nil {
		m.infer.Unlock()
		return "", err
	}
	err = wctx.Process(samples, nil, nil, nil)
	m.infer.Unlock()
	if err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := cleanText(strings.TrimSpace(segment.Text)); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
