package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/peercall/pkg/audio"
)

// ErrDeviceNotRegistered is returned by Create* methods when no factory has
// been registered under the requested device name.
var ErrDeviceNotRegistered = errors.New("config: audio device not registered")

// DeviceRegistry maps device names to constructors for capture and playback
// devices. It is safe for concurrent use.
type DeviceRegistry struct {
	mu      sync.RWMutex
	sources map[string]func(DeviceEntry) (audio.Source, error)
	sinks   map[string]func(DeviceEntry) (audio.Sink, error)
}

// NewDeviceRegistry returns an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		sources: make(map[string]func(DeviceEntry) (audio.Source, error)),
		sinks:   make(map[string]func(DeviceEntry) (audio.Sink, error)),
	}
}

// RegisterSource registers a capture device factory under name.
// Registering a name twice replaces the earlier factory.
func (r *DeviceRegistry) RegisterSource(name string, factory func(DeviceEntry) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterSink registers a playback device factory under name.
func (r *DeviceRegistry) RegisterSink(name string, factory func(DeviceEntry) (audio.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = factory
}

// CreateSource builds the capture device entry names.
func (r *DeviceRegistry) CreateSource(entry DeviceEntry) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrDeviceNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSink builds the playback device entry names.
func (r *DeviceRegistry) CreateSink(entry DeviceEntry) (audio.Sink, error) {
	r.mu.RLock()
	factory, ok := r.sinks[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrDeviceNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Float reads a numeric option, accepting any YAML number form.
func (e DeviceEntry) Float(key string, def float64) (float64, error) {
	v, ok := e.Options[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("config: device %q option %q: want a number, got %T", e.Name, key, v)
	}
}

// String reads a string option.
func (e DeviceEntry) String(key, def string) (string, error) {
	v, ok := e.Options[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("config: device %q option %q: want a string, got %T", e.Name, key, v)
	}
	return s, nil
}
