package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxrelay/pkg/provider/recognizer"
)

// ErrAllFailed is returned when every provider in a [RecognizerFallback]
// failed or had an open breaker.
var ErrAllFailed = errors.New("resilience: all recognizer providers failed")

type entry struct {
	name     string
	provider recognizer.Provider
	breaker  *Breaker
}

// RecognizerFallback implements [recognizer.Provider] over an ordered list of
// providers. Only construction fails over: once a Recognizer is running the
// session is bound to it.
type RecognizerFallback struct {
	cfg     BreakerConfig
	entries []entry

	// OnFailover, if set, is called each time a provider is skipped or fails.
	OnFailover func(name string, err error)
}

var _ recognizer.Provider = (*RecognizerFallback)(nil)

// NewRecognizerFallback returns a fallback chain with primary first. cfg is
// copied into one breaker per provider with the provider name filled in.
func NewRecognizerFallback(primaryName string, primary recognizer.Provider, cfg BreakerConfig) *RecognizerFallback {
	f := &RecognizerFallback{cfg: cfg}
	f.Add(primaryName, primary)
	return f
}

// Add appends a fallback provider. Add is not safe to call concurrently with
// NewRecognizer; finish building the chain first.
func (f *RecognizerFallback) Add(name string, p recognizer.Provider) {
	cfg := f.cfg
	cfg.Name = name
	f.entries = append(f.entries, entry{name: name, provider: p, breaker: NewBreaker(cfg)})
}

// Names returns the provider names in try order.
func (f *RecognizerFallback) Names() []string {
	names := make([]string, len(f.entries))
	for i, e := range f.entries {
		names[i] = e.name
	}
	return names
}

// NewRecognizer tries each provider in order until one constructs a
// Recognizer. A cancelled ctx stops the chain immediately and is not counted
// against any breaker.
func (f *RecognizerFallback) NewRecognizer(ctx context.Context, cfg recognizer.Config, cb recognizer.Callbacks) (recognizer.Recognizer, error) {
	var lastErr error
	for _, e := range f.entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec recognizer.Recognizer
		err := e.breaker.Do(func() error {
			var err error
			rec, err = e.provider.NewRecognizer(ctx, cfg, cb)
			if err != nil && ctx.Err() != nil {
				// Cancellation is the caller's doing; do not trip the breaker.
				return nil
			}
			return err
		})
		if err == nil && rec != nil {
			return rec, nil
		}
		if err == nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping recognizer provider (circuit open)", "provider", e.name)
		} else {
			slog.Warn("recognizer provider failed, trying next", "provider", e.name, "err", err)
		}
		if f.OnFailover != nil {
			f.OnFailover(e.name, err)
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
