// Package utterance turns a batch [Transcriber] into a streaming
// [recognizer.Recognizer].
//
// Incoming 16 kHz audio is cut into fixed VAD frames on a processing
// goroutine. Speech opens a recording (seeded with the pre-recording buffer),
// and PostSpeechSilence of silence closes it. Closed recordings queue up for
// [Recognizer.Text], which transcribes them with the main model on the
// caller's goroutine. While a recording is open, snapshots are transcribed
// with the realtime model every RealtimeInterval on a separate goroutine and
// reported through OnRealtimeUpdate.
//
// All timing is measured in audio samples, not wall-clock time, so results
// depend only on the audio fed in.
package utterance

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/recognizer"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
)

// FrameSizeMs is the VAD frame length used for segmentation.
const FrameSizeMs = 20

// TranscribeOptions selects the model and decoding parameters for one
// transcription.
type TranscribeOptions struct {
	Model         string
	Language      string
	InitialPrompt string
	BeamSize      int

	// Realtime is true for preview transcriptions of an open recording.
	Realtime bool
}

// Transcriber converts one complete 16 kHz mono utterance to text.
// Implementations must be safe for concurrent use.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []int16, opts TranscribeOptions) (string, error)
}

// Loader is implemented by transcribers with an expensive one-time setup,
// such as loading model weights. [Provider] calls Load during
// NewRecognizer.
type Loader interface {
	Load(ctx context.Context) error
}

// Recognizer is a VAD-segmented streaming recognizer.
type Recognizer struct {
	cfg   recognizer.Config
	cb    recognizer.Callbacks
	t     Transcriber
	vad   vad.SessionHandle
	log   *slog.Logger
	frame int

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	feed       [][]int16
	utterances [][]int16
	feedWake   chan struct{}
	uttWake    chan struct{}

	snapshots chan snapshot
	gen       generation

	stopOnce sync.Once
	stopped  chan struct{}
	done     sync.WaitGroup
}

type snapshot struct {
	gen int64
	pcm []int16
}

// generation identifies the currently open recording so that late realtime
// results for a closed recording are discarded.
type generation struct {
	mu  sync.Mutex
	cur int64
}

func (g *generation) next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cur++
	return g.cur
}

func (g *generation) current() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cur
}

func (g *generation) is(v int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cur == v
}

// New starts a Recognizer over t using the VAD session v, which it takes
// ownership of and closes when stopped.
func New(t Transcriber, v vad.SessionHandle, cfg recognizer.Config, cb recognizer.Callbacks, log *slog.Logger) *Recognizer {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recognizer{
		cfg:       cfg,
		cb:        cb,
		t:         t,
		vad:       v,
		log:       log,
		frame:     audio.TargetSampleRate * FrameSizeMs / 1000,
		ctx:       ctx,
		cancel:    cancel,
		feedWake:  make(chan struct{}, 1),
		uttWake:   make(chan struct{}, 1),
		snapshots: make(chan snapshot, 1),
		stopped:   make(chan struct{}),
	}
	r.done.Add(1)
	go r.process()
	if cfg.EnableRealtime {
		r.done.Add(1)
		go r.realtime()
	}
	return r
}

var _ recognizer.Recognizer = (*Recognizer)(nil)

// FeedAudio queues pcm for processing. It never blocks.
func (r *Recognizer) FeedAudio(pcm []int16) error {
	select {
	case <-r.stopped:
		return recognizer.ErrStopped
	default:
	}
	if len(pcm) == 0 {
		return nil
	}
	r.mu.Lock()
	r.feed = append(r.feed, slices.Clone(pcm))
	r.mu.Unlock()
	notify(r.feedWake)
	return nil
}

// Text blocks until the next completed utterance has been transcribed.
// Utterances that transcribe to nothing, or fail to transcribe, are skipped.
// After Stop it returns [recognizer.ErrStopped].
func (r *Recognizer) Text() (string, error) {
	for {
		pcm, ok := r.nextUtterance()
		if !ok {
			return "", recognizer.ErrStopped
		}
		text, err := r.t.Transcribe(r.ctx, pcm, TranscribeOptions{
			Model:         r.cfg.Model,
			Language:      r.cfg.Language,
			InitialPrompt: r.cfg.InitialPrompt,
			BeamSize:      r.cfg.BeamSize,
		})
		if err != nil {
			if r.ctx.Err() != nil {
				return "", recognizer.ErrStopped
			}
			r.log.Warn("utterance: transcription failed, dropping utterance", "err", err, "samples", len(pcm))
			continue
		}
		if text = Normalize(text, r.cfg.EnsureUppercase, r.cfg.EnsurePeriod); text != "" {
			return text, nil
		}
	}
}

// Stop ends processing and releases any blocked Text call. It is idempotent
// and safe to call from any goroutine. It does not wait for in-flight
// transcriptions; their contexts are cancelled.
func (r *Recognizer) Stop() error {
	r.stopOnce.Do(func() {
		close(r.stopped)
		r.cancel()
	})
	return nil
}

// Wait blocks until the background goroutines have exited after Stop.
func (r *Recognizer) Wait() { r.done.Wait() }

func (r *Recognizer) nextUtterance() ([]int16, bool) {
	for {
		select {
		case <-r.stopped:
			return nil, false
		default:
		}
		r.mu.Lock()
		if len(r.utterances) > 0 {
			u := r.utterances[0]
			r.utterances[0] = nil
			r.utterances = r.utterances[1:]
			r.mu.Unlock()
			return u, true
		}
		r.mu.Unlock()
		select {
		case <-r.uttWake:
		case <-r.stopped:
			return nil, false
		}
	}
}

func (r *Recognizer) takeFeed() [][]int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	chunks := r.feed
	r.feed = nil
	return chunks
}

// process runs the segmentation state machine.
func (r *Recognizer) process() {
	defer r.done.Done()
	defer func() {
		if err := r.vad.Close(); err != nil {
			r.log.Debug("utterance: close vad session", "err", err)
		}
	}()

	seg := newSegmenter(r.cfg, r.frame)
	var pending []int16
	for {
		select {
		case <-r.stopped:
			return
		case <-r.feedWake:
		}
		for _, chunk := range r.takeFeed() {
			pending = append(pending, chunk...)
		}
		for len(pending) >= r.frame {
			frame := pending[:r.frame]
			ev, err := r.vad.ProcessFrame(frame)
			if err != nil {
				r.log.Warn("utterance: vad frame failed", "err", err)
				ev = vad.Event{Type: vad.Silence}
			}
			r.apply(seg.step(frame, ev.Type.IsSpeech()))
			pending = pending[r.frame:]
		}
		// Keep the remainder in a fresh slice so the consumed prefix can be
		// collected.
		pending = slices.Clone(pending)
	}
}

func (r *Recognizer) apply(act action) {
	switch act.kind {
	case actionStart:
		r.gen.next()
		r.cb.RecordingStart()
	case actionStop:
		r.gen.next()
		r.cb.RecordingStop()
		if act.pcm != nil {
			r.mu.Lock()
			r.utterances = append(r.utterances, act.pcm)
			r.mu.Unlock()
			notify(r.uttWake)
		}
	case actionSnapshot:
		if !r.cfg.EnableRealtime {
			return
		}
		s := snapshot{gen: r.gen.current(), pcm: act.pcm}
		// Replace a snapshot the realtime goroutine has not picked up yet.
		select {
		case <-r.snapshots:
		default:
		}
		r.snapshots <- s
	}
}

// realtime transcribes recording snapshots with the realtime model.
func (r *Recognizer) realtime() {
	defer r.done.Done()
	model := r.cfg.RealtimeModel
	if model == "" {
		model = r.cfg.Model
	}
	beam := r.cfg.RealtimeBeamSize
	if beam <= 0 {
		beam = r.cfg.BeamSize
	}
	var (
		last    string
		lastGen int64
	)
	for {
		var s snapshot
		select {
		case <-r.stopped:
			return
		case s = <-r.snapshots:
		}
		text, err := r.t.Transcribe(r.ctx, s.pcm, TranscribeOptions{
			Model:         model,
			Language:      r.cfg.Language,
			InitialPrompt: r.cfg.InitialPrompt,
			BeamSize:      beam,
			Realtime:      true,
		})
		if err != nil {
			if r.ctx.Err() == nil {
				r.log.Debug("utterance: realtime transcription failed", "err", err)
			}
			continue
		}
		text = Normalize(text, r.cfg.EnsureUppercase, false)
		if text == "" || !r.gen.is(s.gen) || (s.gen == lastGen && text == last) {
			continue
		}
		last, lastGen = text, s.gen
		r.cb.RealtimeUpdate(text)
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Normalize collapses whitespace and optionally capitalizes the first letter
// and terminates the text with a period when it ends in a letter or digit.
func Normalize(text string, upper, period bool) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}
	if upper {
		first, size := utf8.DecodeRuneInString(text)
		text = string(unicode.ToUpper(first)) + text[size:]
	}
	if period {
		last, _ := utf8.DecodeLastRuneInString(text)
		if unicode.IsLetter(last) || unicode.IsDigit(last) {
			text += "."
		}
	}
	return text
}

// samplesFor converts a duration to a sample count at the target rate.
func samplesFor(d time.Duration) int {
	return int(int64(d) * audio.TargetSampleRate / int64(time.Second))
}

// Provider builds utterance recognizers over a shared Transcriber.
type Provider struct {
	t   Transcriber
	vad vad.Engine
	log *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger handed to each Recognizer.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// NewProvider returns a recognizer.Provider that segments audio with
// sessions from v and transcribes with t.
func NewProvider(t Transcriber, v vad.Engine, opts ...Option) *Provider {
	p := &Provider{t: t, vad: v, log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

var _ recognizer.Provider = (*Provider)(nil)

// NewRecognizer loads the transcriber if it implements [Loader], opens a VAD
// session tuned from cfg, and starts a Recognizer.
func (p *Provider) NewRecognizer(ctx context.Context, cfg recognizer.Config, cb recognizer.Callbacks) (recognizer.Recognizer, error) {
	if l, ok := p.t.(Loader); ok {
		if err := l.Load(ctx); err != nil {
			return nil, fmt.Errorf("utterance: load transcriber: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, err := p.vad.NewSession(VADConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("utterance: open vad session: %w", err)
	}
	return New(p.t, sess, cfg, cb, p.log), nil
}

// VADConfig derives VAD session parameters from recognizer sensitivities.
// SileroSensitivity s sets the speech threshold to 1-s. WebRTCSensitivity
// (0 to 3) sets the number of consecutive speech frames needed to open a
// segment and the hangover tolerated inside one.
func VADConfig(cfg recognizer.Config) vad.Config {
	threshold := min(max(1-cfg.SileroSensitivity, 0.05), 1)
	level := min(max(cfg.WebRTCSensitivity, 0), 3)
	return vad.Config{
		SampleRate:       audio.TargetSampleRate,
		FrameSizeMs:      FrameSizeMs,
		SpeechThreshold:  threshold,
		SilenceThreshold: threshold * 0.7,
		StartFrames:      1 + level,
		HangoverFrames:   2 * level,
	}
}
