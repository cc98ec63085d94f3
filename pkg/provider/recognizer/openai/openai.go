// Package openai provides a transcriber backed by the OpenAI audio
// transcription API, or any server that implements it, for use with the
// [utterance] recognizer.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer/utterance"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
)

// DefaultModel is the default transcription model.
const DefaultModel = oai.AudioModelWhisper1

var _ utterance.Transcriber = (*Transcriber)(nil)

// Transcriber implements utterance.Transcriber using the OpenAI API.
type Transcriber struct {
	client        oai.Client
	model         string
	realtimeModel string
}

type config struct {
	baseURL       string
	timeout       time.Duration
	maxRetries    int
	model         string
	realtimeModel string
}

// Option is a functional option for Transcriber.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, e.g. to reach a
// self-hosted faster-whisper server with an OpenAI-compatible API.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how often a failed request is retried. Default: 2.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithModel sets the model used for final transcriptions.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithRealtimeModel sets the model used for realtime previews. Defaults to
// the final model.
func WithRealtimeModel(model string) Option {
	return func(c *config) { c.realtimeModel = model }
}

// New constructs a Transcriber. The whisper.cpp model names carried in
// recognizer.Config do not exist on the OpenAI API, so the API models are
// configured here instead.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai transcriber: apiKey must not be empty")
	}
	cfg := &config{model: DefaultModel, maxRetries: 2}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.realtimeModel == "" {
		cfg.realtimeModel = cfg.model
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Transcriber{
		client:        oai.NewClient(reqOpts...),
		model:         cfg.model,
		realtimeModel: cfg.realtimeModel,
	}, nil
}

// NewProvider returns a recognizer provider that segments audio with v and
// transcribes utterances with t.
func NewProvider(t *Transcriber, v vad.Engine, opts ...utterance.Option) *utterance.Provider {
	return utterance.NewProvider(t, v, opts...)
}

// Transcribe uploads pcm as a WAV file.
func (t *Transcriber) Transcribe(ctx context.Context, pcm []int16, opts utterance.TranscribeOptions) (string, error) {
	model := t.model
	if opts.Realtime {
		model = t.realtimeModel
	}
	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(audio.EncodeWAV(pcm, audio.TargetSampleRate)), "audio.wav", "audio/wav"),
		Model:          oai.AudioModel(model),
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	if opts.Language != "" {
		params.Language = oai.String(opts.Language)
	}
	if opts.InitialPrompt != "" {
		params.Prompt = oai.String(opts.InitialPrompt)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai transcriber: transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
