package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/recognizer"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// RecognizerFactory builds a recognizer provider. v is the configured VAD
// engine; providers that segment audio server-side may ignore it.
type RecognizerFactory func(entry ProviderEntry, v vad.Engine) (recognizer.Provider, error)

// VADFactory builds a VAD engine.
type VADFactory func(entry ProviderEntry) (vad.Engine, error)

// Registry maps provider names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	recognizer map[string]RecognizerFactory
	vad        map[string]VADFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		recognizer: make(map[string]RecognizerFactory),
		vad:        make(map[string]VADFactory),
	}
}

// RegisterRecognizer registers a recognizer provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRecognizer(name string, factory RecognizerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizer[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory VADFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateRecognizer instantiates the recognizer provider registered under
// entry.Name. Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateRecognizer(entry ProviderEntry, v vad.Engine) (recognizer.Provider, error) {
	r.mu.RLock()
	factory, ok := r.recognizer[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognizer/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, v)
}

// CreateVAD instantiates the VAD engine registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// RecognizerNames returns the registered recognizer names, sorted.
func (r *Registry) RecognizerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.recognizer))
	for n := range r.recognizer {
		names = append(names, n)
	}
	sort.Strings(names)
	return slices.Clip(names)
}
