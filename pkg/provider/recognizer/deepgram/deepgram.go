// Package deepgram provides a natively streaming recognizer backed by the
// Deepgram live transcription websocket API.
//
// Deepgram events map onto the recognizer callbacks as follows:
//
//	SpeechStarted          -> OnRecordingStart
//	Results, is_final=false -> OnRealtimeUpdate
//	Results, is_final=true  -> queued for Text
//	UtteranceEnd           -> OnRecordingStop
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer/utterance"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// minUtteranceEndMs is the smallest utterance_end_ms Deepgram accepts.
	minUtteranceEndMs = 1000

	closeStreamTimeout = 2 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model (e.g. "nova-3", "base"). The whisper model
// names in recognizer.Config do not apply to Deepgram.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithEndpoint overrides the websocket endpoint, for self-hosted deployments
// and tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithKeyterms boosts recognition of the given vocabulary.
func WithKeyterms(terms []string) Option {
	return func(p *Provider) { p.keyterms = terms }
}

// Provider implements recognizer.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	endpoint string
	model    string
	keyterms []string
}

var _ recognizer.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: deepgramEndpoint,
		model:    defaultModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// NewRecognizer dials Deepgram and returns a streaming Recognizer. Audio is
// always sent as 16 kHz mono linear16.
func (p *Provider) NewRecognizer(ctx context.Context, cfg recognizer.Config, cb recognizer.Callbacks) (recognizer.Recognizer, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	writeCtx, cancelWrites := context.WithCancel(context.Background())
	r := &Recognizer{
		conn:         conn,
		writeCtx:     writeCtx,
		cancelWrites: cancelWrites,
		cfg:       cfg,
		cb:        cb,
		audioWake: make(chan struct{}, 1),
		finalWake: make(chan struct{}, 1),
		stopped:   make(chan struct{}),
		lost:      make(chan struct{}),
	}
	r.readers.Add(1)
	go r.readLoop()
	r.writers.Add(1)
	go r.writeLoop()
	return r, nil
}

// buildURL constructs the streaming endpoint URL for cfg.
func (p *Provider) buildURL(cfg recognizer.Config) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	lang := cfg.Language
	if lang == "" {
		lang = defaultLanguage
	}
	silenceMs := int(cfg.PostSpeechSilence / time.Millisecond)

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.EnableRealtime))
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(audio.TargetSampleRate))
	q.Set("channels", "1")
	q.Set("vad_events", "true")
	q.Set("utterance_end_ms", strconv.Itoa(max(silenceMs, minUtteranceEndMs)))
	if silenceMs > 0 {
		q.Set("endpointing", strconv.Itoa(silenceMs))
	}
	for _, kt := range p.keyterms {
		q.Add("keyterm", kt)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// response is the subset of Deepgram's server messages that is consumed.
type response struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Recognizer is a live Deepgram stream.
type Recognizer struct {
	conn *websocket.Conn
	cfg  recognizer.Config
	cb   recognizer.Callbacks

	// writeCtx bounds every audio write. Stop cancels it when the write loop
	// does not finish within closeStreamTimeout.
	writeCtx     context.Context
	cancelWrites context.CancelFunc

	mu        sync.Mutex
	pending   [][]byte
	finals    []string
	recording bool
	lostErr   error

	audioWake chan struct{}
	finalWake chan struct{}
	stopped   chan struct{}
	lost      chan struct{}
	stopOnce  sync.Once
	readers   sync.WaitGroup
	writers   sync.WaitGroup
}

var _ recognizer.Recognizer = (*Recognizer)(nil)

// FeedAudio queues pcm for the write loop. It never blocks.
func (r *Recognizer) FeedAudio(pcm []int16) error {
	select {
	case <-r.stopped:
		return recognizer.ErrStopped
	default:
	}
	r.mu.Lock()
	r.pending = append(r.pending, audio.SamplesToBytes(pcm))
	r.mu.Unlock()
	wake(r.audioWake)
	return nil
}

// Text blocks for the next final result. Finals received before the
// connection dropped are still returned; after that Text returns the
// connection error.
func (r *Recognizer) Text() (string, error) {
	for {
		r.mu.Lock()
		if len(r.finals) > 0 {
			text := r.finals[0]
			r.finals = r.finals[1:]
			r.mu.Unlock()
			return text, nil
		}
		lostErr := r.lostErr
		r.mu.Unlock()

		select {
		case <-r.stopped:
			return "", recognizer.ErrStopped
		default:
		}
		if lostErr != nil {
			return "", fmt.Errorf("deepgram: connection lost: %w", lostErr)
		}

		select {
		case <-r.finalWake:
		case <-r.lost:
		case <-r.stopped:
			return "", recognizer.ErrStopped
		}
	}
}

// Stop flushes the stream with CloseStream and closes the connection. It is
// idempotent and waits for the read and write loops to exit. If Deepgram
// stops reading, the connection is dropped after closeStreamTimeout.
func (r *Recognizer) Stop() error {
	r.stopOnce.Do(func() {
		close(r.stopped)

		flushed := make(chan struct{})
		go func() {
			r.writers.Wait()
			close(flushed)
		}()
		timer := time.NewTimer(closeStreamTimeout)
		defer timer.Stop()
		select {
		case <-flushed:
			_ = r.conn.Close(websocket.StatusNormalClosure, "session closed")
		case <-timer.C:
			slog.Debug("deepgram: stream did not drain, dropping connection")
			r.cancelWrites()
			_ = r.conn.CloseNow()
			<-flushed
		}
		r.cancelWrites()
		r.readers.Wait()
	})
	return nil
}

func (r *Recognizer) writeLoop() {
	defer r.writers.Done()
	for {
		select {
		case <-r.audioWake:
			if err := r.flush(r.writeCtx); err != nil {
				slog.Debug("deepgram: write failed", "err", err)
				return
			}
		case <-r.lost:
			return
		case <-r.stopped:
			ctx, cancel := context.WithTimeout(r.writeCtx, closeStreamTimeout)
			defer cancel()
			_ = r.flush(ctx)
			_ = r.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
			return
		}
	}
}

func (r *Recognizer) flush(ctx context.Context) error {
	r.mu.Lock()
	chunks := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, c := range chunks {
		if err := r.conn.Write(ctx, websocket.MessageBinary, c); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recognizer) readLoop() {
	defer r.readers.Done()
	for {
		_, msg, err := r.conn.Read(context.Background())
		if err != nil {
			r.mu.Lock()
			r.lostErr = err
			r.mu.Unlock()
			close(r.lost)
			return
		}
		r.dispatch(msg)
	}
}

func (r *Recognizer) dispatch(msg []byte) {
	var resp response
	if err := json.Unmarshal(msg, &resp); err != nil {
		slog.Debug("deepgram: ignoring malformed message", "err", err)
		return
	}
	switch resp.Type {
	case "SpeechStarted":
		if r.setRecording(true) {
			r.cb.RecordingStart()
		}
	case "UtteranceEnd":
		if r.setRecording(false) {
			r.cb.RecordingStop()
		}
	case "Results":
		if len(resp.Channel.Alternatives) == 0 {
			return
		}
		text := resp.Channel.Alternatives[0].Transcript
		if !resp.IsFinal {
			if text = utterance.Normalize(text, r.cfg.EnsureUppercase, false); text != "" {
				r.cb.RealtimeUpdate(text)
			}
			return
		}
		if text = utterance.Normalize(text, r.cfg.EnsureUppercase, r.cfg.EnsurePeriod); text == "" {
			return
		}
		r.mu.Lock()
		r.finals = append(r.finals, text)
		r.mu.Unlock()
		wake(r.finalWake)
	}
}

// setRecording updates the recording flag and reports whether it changed.
func (r *Recognizer) setRecording(on bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording == on {
		return false
	}
	r.recording = on
	return true
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
