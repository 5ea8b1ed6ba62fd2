package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/needledrop/needledrop/internal/recognize"
	"github.com/needledrop/needledrop/internal/scrobble"
	"github.com/needledrop/needledrop/pkg/audio"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	recognizers map[string]func(ProviderEntry) (recognize.Service, error)
	scrobblers  map[string]func(ProviderEntry) (scrobble.Sink, error)
	inputs      map[string]func(AudioConfig) (audio.Input, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		recognizers: make(map[string]func(ProviderEntry) (recognize.Service, error)),
		scrobblers:  make(map[string]func(ProviderEntry) (scrobble.Sink, error)),
		inputs:      make(map[string]func(AudioConfig) (audio.Input, error)),
	}
}

// RegisterRecognizer registers a recognition service factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRecognizer(name string, factory func(ProviderEntry) (recognize.Service, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizers[name] = factory
}

// RegisterScrobbler registers a scrobble sink factory under name.
func (r *Registry) RegisterScrobbler(name string, factory func(ProviderEntry) (scrobble.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrobblers[name] = factory
}

// RegisterInput registers an audio input factory under name.
func (r *Registry) RegisterInput(name string, factory func(AudioConfig) (audio.Input, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs[name] = factory
}

// CreateRecognizer instantiates a recognition service using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateRecognizer(entry ProviderEntry) (recognize.Service, error) {
	r.mu.RLock()
	factory, ok := r.recognizers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognizer/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateScrobbler instantiates a scrobble sink using the factory registered
// under entry.Name.
func (r *Registry) CreateScrobbler(entry ProviderEntry) (scrobble.Sink, error) {
	r.mu.RLock()
	factory, ok := r.scrobblers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: scrobbler/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateInput instantiates an audio input using the factory registered
// under name.
func (r *Registry) CreateInput(name string, audioCfg AudioConfig) (audio.Input, error) {
	r.mu.RLock()
	factory, ok := r.inputs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input/%q", ErrProviderNotRegistered, name)
	}
	return factory(audioCfg)
}
