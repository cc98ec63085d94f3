// Package mock provides test doubles for the recognizer package interfaces.
//
// Provider records construction requests and can hold them open on a gate
// channel to simulate slow model loading. Recognizer records every FeedAudio
// and Stop call, serves final sentences pushed with [Recognizer.PushText], and
// exposes the Callbacks it was created with so tests can fire engine events.
//
// Example:
//
//	p := &mock.Provider{}
//	rec, _ := p.NewRecognizer(ctx, recognizer.DefaultConfig(), cb)
//	m := rec.(*mock.Recognizer)
//	m.Callbacks.RecordingStart()
//	m.PushText("hello world.")
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/recognizer"
)

// Event names recorded in [Recognizer.Events].
const (
	EventCreated = "created"
	EventFeed    = "feed"
	EventStop    = "stop"
)

// NewRecognizerCall records a single invocation of Provider.NewRecognizer.
type NewRecognizerCall struct {
	Ctx context.Context
	Cfg recognizer.Config
}

// Provider is a mock implementation of recognizer.Provider.
type Provider struct {
	mu sync.Mutex

	// Gate, when non-nil, makes NewRecognizer block until Gate is closed or
	// ctx is done.
	Gate chan struct{}

	// NewErr, if non-nil, is returned from NewRecognizer (after Gate).
	NewErr error

	// Recognizer, if non-nil, is returned from every NewRecognizer call after
	// its Callbacks are replaced with the caller's. Otherwise a fresh
	// Recognizer is created per call.
	Recognizer *Recognizer

	// Calls records every call to NewRecognizer.
	Calls []NewRecognizerCall

	// Created holds every Recognizer handed out, in order.
	Created []*Recognizer
}

// NewRecognizer records the call and returns a mock Recognizer.
func (p *Provider) NewRecognizer(ctx context.Context, cfg recognizer.Config, cb recognizer.Callbacks) (recognizer.Recognizer, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, NewRecognizerCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NewErr != nil {
		return nil, p.NewErr
	}
	r := p.Recognizer
	if r == nil {
		r = NewRecognizer(cb)
	} else {
		r.setCallbacks(cb)
	}
	p.Created = append(p.Created, r)
	return r, nil
}

// CallCount returns the number of NewRecognizer calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Last returns the most recently created Recognizer, or nil. Thread-safe.
func (p *Provider) Last() *Recognizer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Created) == 0 {
		return nil
	}
	return p.Created[len(p.Created)-1]
}

var _ recognizer.Provider = (*Provider)(nil)

// Recognizer is a mock implementation of recognizer.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Callbacks is the set passed to NewRecognizer.
	Callbacks recognizer.Callbacks

	// FeedErr, if non-nil, is returned by every FeedAudio call.
	FeedErr error

	// TextErr, if non-nil, is returned by the next Text call instead of a
	// sentence. It is cleared after use.
	TextErr error

	// StopErr, if non-nil, is returned by Stop.
	StopErr error

	feeds     [][]int16
	events    []string
	stopCalls int

	texts    chan string
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewRecognizer returns a ready mock Recognizer bound to cb.
func NewRecognizer(cb recognizer.Callbacks) *Recognizer {
	return &Recognizer{
		Callbacks: cb,
		events:    []string{EventCreated},
		texts:     make(chan string, 64),
		stopped:   make(chan struct{}),
	}
}

func (r *Recognizer) setCallbacks(cb recognizer.Callbacks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Callbacks = cb
	r.events = append(r.events, EventCreated)
}

// FeedAudio records a copy of pcm.
func (r *Recognizer) FeedAudio(pcm []int16) error {
	select {
	case <-r.stopped:
		return recognizer.ErrStopped
	default:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds = append(r.feeds, slices.Clone(pcm))
	r.events = append(r.events, EventFeed)
	return r.FeedErr
}

// PushText queues a final sentence for Text.
func (r *Recognizer) PushText(s string) {
	r.texts <- s
}

// Text returns the next pushed sentence, or ErrStopped once stopped.
func (r *Recognizer) Text() (string, error) {
	r.mu.Lock()
	if err := r.TextErr; err != nil {
		r.TextErr = nil
		r.mu.Unlock()
		return "", err
	}
	r.mu.Unlock()

	select {
	case <-r.stopped:
		return "", recognizer.ErrStopped
	default:
	}
	select {
	case s := <-r.texts:
		return s, nil
	case <-r.stopped:
		return "", recognizer.ErrStopped
	}
}

// Stop records the call and releases Text.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	r.stopCalls++
	r.events = append(r.events, EventStop)
	err := r.StopErr
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.stopped) })
	return err
}

// Stopped is closed after the first Stop call.
func (r *Recognizer) Stopped() <-chan struct{} { return r.stopped }

// Feeds returns copies of every fed chunk in order. Thread-safe.
func (r *Recognizer) Feeds() [][]int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.feeds)
}

// FeedCallCount returns the number of FeedAudio calls. Thread-safe.
func (r *Recognizer) FeedCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.feeds)
}

// StopCallCount returns the number of Stop calls. Thread-safe.
func (r *Recognizer) StopCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopCalls
}

// Events returns the ordered lifecycle log (created, feed, stop). Thread-safe.
func (r *Recognizer) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

var _ recognizer.Recognizer = (*Recognizer)(nil)
