package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/pipeline"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	vad      map[string]func(ProviderEntry) (vad.Engine, error)
	pipeline map[string]func(ProviderEntry) (pipeline.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:      make(map[string]func(ProviderEntry) (vad.Engine, error)),
		pipeline: make(map[string]func(ProviderEntry) (pipeline.Provider, error)),
	}
}

// RegisterVAD registers a classifier engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterPipeline registers a pipeline backend factory under name.
func (r *Registry) RegisterPipeline(name string, factory func(ProviderEntry) (pipeline.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipeline[name] = factory
}

// CreateVAD instantiates a classifier engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreatePipeline instantiates a pipeline backend using the factory registered under entry.Name.
func (r *Registry) CreatePipeline(entry ProviderEntry) (pipeline.Provider, error) {
	r.mu.RLock()
	factory, ok := r.pipeline[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: pipeline/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted provider names registered for kind ("vad" or
// "pipeline"). Unknown kinds return nil.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "vad":
		for n := range r.vad {
			names = append(names, n)
		}
	case "pipeline":
		for n := range r.pipeline {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}
