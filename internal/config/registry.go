package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/fixline/pkg/audio"
	"github.com/MrWong99/fixline/pkg/provider/llm"
	"github.com/MrWong99/fixline/pkg/video"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider and backend names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	llm    map[string]func(ProviderEntry) (llm.Provider, error)
	audio  map[AudioBackend]func(AudioConfig) (audio.Platform, error)
	camera map[CameraBackend]func(CameraConfig) (video.Opener, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:    make(map[string]func(ProviderEntry) (llm.Provider, error)),
		audio:  make(map[AudioBackend]func(AudioConfig) (audio.Platform, error)),
		camera: make(map[CameraBackend]func(CameraConfig) (video.Opener, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterAudio registers an audio platform factory for backend.
func (r *Registry) RegisterAudio(backend AudioBackend, factory func(AudioConfig) (audio.Platform, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[backend] = factory
}

// RegisterCamera registers a camera opener factory for backend.
func (r *Registry) RegisterCamera(backend CameraBackend, factory func(CameraConfig) (video.Opener, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.camera[backend] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateAudio instantiates the audio platform for cfg.Backend.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Platform, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreateCamera instantiates the camera opener for cfg.Backend. The none
// backend yields a nil opener without a registration.
func (r *Registry) CreateCamera(cfg CameraConfig) (video.Opener, error) {
	if cfg.Backend == CameraNone || cfg.Backend == "" {
		return nil, nil
	}
	r.mu.RLock()
	factory, ok := r.camera[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: camera/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}
