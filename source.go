package camrec

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Microphone delivers S16LE PCM at the sample rate and channel count of the
// preset it was opened with.
type Microphone interface {
	Start() error

	// Read blocks until PCM is available and returns the bytes read. Zero
	// means nothing was available yet. Stop unblocks a pending Read.
	Read(buf []byte) (int, error)

	Stop() error
	Release() error
}

// MicrophoneFactory opens a microphone for a preset.
type MicrophoneFactory func(AudioPreset) (Microphone, error)

// FrameSink receives camera frames. Pixels are RGBA, top row first, and
// only valid for the duration of the call.
type FrameSink func(pixels []byte, width, height int, frontFacing bool, rotation int)

// CameraConfig configures a camera source.
type CameraConfig struct {
	Width       int
	Height      int
	FPS         int
	Rotation    int  // Sensor orientation reported with every frame
	FrontFacing bool // Mirror as a front camera
}

// CameraSource produces frames for a FrameSink until stopped.
type CameraSource interface {
	Start(ctx context.Context, sink FrameSink) error
	Stop() error
	Config() CameraConfig
}

// CameraFactory creates a camera source.
type CameraFactory func(CameraConfig) (CameraSource, error)

type sourceRegistry struct {
	mu          sync.RWMutex
	cameras     map[string]CameraFactory
	microphones map[string]MicrophoneFactory
}

var globalSourceRegistry = &sourceRegistry{
	cameras:     make(map[string]CameraFactory),
	microphones: make(map[string]MicrophoneFactory),
}

// RegisterCamera registers a camera factory under name.
func RegisterCamera(name string, factory CameraFactory) {
	globalSourceRegistry.mu.Lock()
	defer globalSourceRegistry.mu.Unlock()
	globalSourceRegistry.cameras[name] = factory
}

// RegisterMicrophone registers a microphone factory under name.
func RegisterMicrophone(name string, factory MicrophoneFactory) {
	globalSourceRegistry.mu.Lock()
	defer globalSourceRegistry.mu.Unlock()
	globalSourceRegistry.microphones[name] = factory
}

// NewCamera creates a camera of a registered kind.
func NewCamera(name string, config CameraConfig) (CameraSource, error) {
	globalSourceRegistry.mu.RLock()
	factory, ok := globalSourceRegistry.cameras[name]
	globalSourceRegistry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("camera source not available: %q", name)
	}
	return factory(config)
}

// MicrophoneByName returns the factory registered under name.
func MicrophoneByName(name string) (MicrophoneFactory, error) {
	globalSourceRegistry.mu.RLock()
	defer globalSourceRegistry.mu.RUnlock()

	factory, ok := globalSourceRegistry.microphones[name]
	if !ok {
		return nil, fmt.Errorf("microphone not available: %q", name)
	}
	return factory, nil
}

// AvailableCameras returns the registered camera kinds, sorted.
func AvailableCameras() []string {
	globalSourceRegistry.mu.RLock()
	defer globalSourceRegistry.mu.RUnlock()

	names := make([]string, 0, len(globalSourceRegistry.cameras))
	for n := range globalSourceRegistry.cameras {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AvailableMicrophones returns the registered microphone kinds, sorted.
func AvailableMicrophones() []string {
	globalSourceRegistry.mu.RLock()
	defer globalSourceRegistry.mu.RUnlock()

	names := make([]string, 0, len(globalSourceRegistry.microphones))
	for n := range globalSourceRegistry.microphones {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
