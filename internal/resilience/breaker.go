// Package resilience protects recognizer construction from failing backends.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open).
// [RecognizerFallback] puts one breaker in front of each configured
// recognizer provider and tries them in order, so a backend that keeps
// failing to start sessions is skipped until its reset timeout elapses.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout has elapsed.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig tunes a [Breaker]. Zero values select the defaults.
type BreakerConfig struct {
	// Name labels log records.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenProbes is the number of successful probes needed to close a
	// half-open breaker. Default: 1.
	HalfOpenProbes int

	// OnStateChange, if set, is called after every transition with the
	// breaker lock released.
	OnStateChange func(name string, from, to State)
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	probeWins int
}

// NewBreaker returns a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Do runs fn unless the breaker is open. The outcome of fn updates the
// breaker; [ErrCircuitOpen] is returned without calling fn when rejected.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err == nil)
	return err
}

// State reports the current state. An open breaker whose timeout has expired
// reports [StateHalfOpen]; the transition itself happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.transition(func() State {
		b.failures, b.probes, b.probeWins = 0, 0, 0
		return StateClosed
	})
}

func (b *Breaker) admit() (probe bool, err error) {
	var rejected bool
	b.transition(func() State {
		switch b.state {
		case StateOpen:
			if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
				rejected = true
				return StateOpen
			}
			b.probes, b.probeWins = 1, 0
			probe = true
			return StateHalfOpen
		case StateHalfOpen:
			if b.probes >= b.cfg.HalfOpenProbes {
				rejected = true
				return StateHalfOpen
			}
			b.probes++
			probe = true
		}
		return b.state
	})
	if rejected {
		return false, ErrCircuitOpen
	}
	return probe, nil
}

func (b *Breaker) record(probe, ok bool) {
	b.transition(func() State {
		if probe {
			if !ok {
				b.openedAt = b.now()
				return StateOpen
			}
			b.probeWins++
			if b.probeWins >= b.cfg.HalfOpenProbes {
				b.failures = 0
				return StateClosed
			}
			return StateHalfOpen
		}
		if ok {
			b.failures = 0
			return b.state
		}
		b.failures++
		if b.failures >= b.cfg.MaxFailures && b.state == StateClosed {
			b.openedAt = b.now()
			return StateOpen
		}
		return b.state
	})
}

// transition runs step under the lock, applies the returned state and
// reports a change to the log and the OnStateChange hook.
func (b *Breaker) transition(step func() State) {
	b.mu.Lock()
	from := b.state
	to := step()
	b.state = to
	b.mu.Unlock()

	if from == to {
		return
	}
	slog.Info("circuit breaker state changed", "name", b.cfg.Name, "from", from, "to", to)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
