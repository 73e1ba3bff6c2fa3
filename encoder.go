package camrec

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// VideoEncoderConfig configures a surface-input video encoder.
type VideoEncoderConfig struct {
	Codec    VideoCodec // Codec type
	Provider Provider   // Provider to use (ProviderAuto = library chooses)

	Width             int // Frame width, must be even
	Height            int // Frame height, must be even
	FrameRate         int // Target framerate
	BitrateBps        int // Target bitrate in bits per second
	IFrameIntervalSec int // Seconds between sync frames
	Threads           int // Encoder threads (0 = auto)

	Logger *zap.Logger
}

// NewVideoEncoderConfig derives an encoder configuration from a preset.
func NewVideoEncoderConfig(preset VideoPreset, width, height int) VideoEncoderConfig {
	return VideoEncoderConfig{
		Codec:             VideoCodecH264,
		Provider:          ProviderAuto,
		Width:             width,
		Height:            height,
		FrameRate:         preset.FrameRate,
		BitrateBps:        preset.BitrateBps,
		IFrameIntervalSec: preset.IFrameIntervalSec,
	}
}

// AudioEncoderConfig configures a buffer-input audio encoder.
type AudioEncoderConfig struct {
	Codec    AudioCodec // Codec type
	Provider Provider   // Provider to use (ProviderAuto = library chooses)

	SampleRate int // Sample rate (e.g., 44100)
	Channels   int // Number of channels (1 or 2)
	BitrateBps int // Target bitrate in bps
	Profile    int // AAC audio object type
	BufferSize int // Size in bytes of each input buffer

	Logger *zap.Logger
}

// NewAudioEncoderConfig derives an encoder configuration from a preset.
func NewAudioEncoderConfig(preset AudioPreset) AudioEncoderConfig {
	return AudioEncoderConfig{
		Codec:      AudioCodecAAC,
		Provider:   ProviderAuto,
		SampleRate: preset.SampleRate,
		Channels:   preset.Channels,
		BitrateBps: preset.BitrateBps,
		Profile:    preset.Profile,
		BufferSize: preset.BufferSize,
	}
}

// Encoder is the output side shared by all encoders. Outputs are pulled
// with DequeueOutput; every OutputSample must be handed back with
// ReleaseOutput.
type Encoder interface {
	// Start begins encoding. Inputs submitted before Start are rejected.
	Start() error

	// DequeueOutput returns the next output event, waiting at most timeout.
	// A zero timeout never blocks. Returns an OutputTryAgain event when
	// nothing is ready.
	DequeueOutput(timeout time.Duration) (Output, error)

	// ReleaseOutput returns the buffer of a dequeued sample.
	ReleaseOutput(index int) error

	// Stop halts encoding. Pending outputs are discarded.
	Stop() error

	// Release frees all resources. Safe to call more than once.
	Release() error
}

// SurfaceEncoder consumes frames rendered into its input surface.
type SurfaceEncoder interface {
	Encoder

	// InputSurface returns the sink a GPU window surface presents into.
	InputSurface() SurfaceSink

	// SignalEndOfInputStream marks the end of input. The final output
	// sample carries FlagEndOfStream.
	SignalEndOfInputStream() error
}

// BufferEncoder consumes raw input buffers.
type BufferEncoder interface {
	Encoder

	// DequeueInput returns a free input buffer, waiting at most timeout.
	// Returns index -1 when no buffer became free.
	DequeueInput(timeout time.Duration) (int, []byte, error)

	// QueueInput submits size bytes of the buffer at index. FlagEndOfStream
	// marks the end of input.
	QueueInput(index, size int, ptsUs int64, flags BufferFlags) error
}

// --- Registry ---

// VideoEncoderFactory creates a surface-input video encoder.
type VideoEncoderFactory func(VideoEncoderConfig) (SurfaceEncoder, error)

// AudioEncoderFactory creates a buffer-input audio encoder.
type AudioEncoderFactory func(AudioEncoderConfig) (BufferEncoder, error)

type encoderRegistry struct {
	mu sync.RWMutex

	// codec -> provider -> factory
	videoProviders map[VideoCodec]map[Provider]VideoEncoderFactory
	audioProviders map[AudioCodec]map[Provider]AudioEncoderFactory

	videoDefaults map[VideoCodec]Provider
	audioDefaults map[AudioCodec]Provider
}

var globalEncoderRegistry = &encoderRegistry{
	videoProviders: make(map[VideoCodec]map[Provider]VideoEncoderFactory),
	audioProviders: make(map[AudioCodec]map[Provider]AudioEncoderFactory),
	videoDefaults:  make(map[VideoCodec]Provider),
	audioDefaults:  make(map[AudioCodec]Provider),
}

// RegisterVideoEncoder registers a video encoder factory for a codec+provider
// and marks the provider available. Hardware backends register with
// ProviderHost and become the default for the codec.
func RegisterVideoEncoder(codec VideoCodec, provider Provider, factory VideoEncoderFactory) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()

	setProviderAvailable(provider)
	if globalEncoderRegistry.videoProviders[codec] == nil {
		globalEncoderRegistry.videoProviders[codec] = make(map[Provider]VideoEncoderFactory)
	}
	globalEncoderRegistry.videoProviders[codec][provider] = factory

	current, exists := globalEncoderRegistry.videoDefaults[codec]
	if !exists || preferProvider(provider, current) {
		globalEncoderRegistry.videoDefaults[codec] = provider
	}
}

// RegisterAudioEncoder registers an audio encoder factory for a codec+provider
// and marks the provider available.
func RegisterAudioEncoder(codec AudioCodec, provider Provider, factory AudioEncoderFactory) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()

	setProviderAvailable(provider)
	if globalEncoderRegistry.audioProviders[codec] == nil {
		globalEncoderRegistry.audioProviders[codec] = make(map[Provider]AudioEncoderFactory)
	}
	globalEncoderRegistry.audioProviders[codec][provider] = factory

	current, exists := globalEncoderRegistry.audioDefaults[codec]
	if !exists || preferProvider(provider, current) {
		globalEncoderRegistry.audioDefaults[codec] = provider
	}
}

// preferProvider reports whether candidate should replace current as the
// default: hardware first, then permissive licenses.
func preferProvider(candidate, current Provider) bool {
	ch, cur := candidate.Features().Has(FeatureHardware), current.Features().Has(FeatureHardware)
	if ch != cur {
		return ch
	}
	return candidate.License().Permissive() && !current.License().Permissive()
}

// SetDefaultVideoEncoderProvider sets the default provider for a video codec.
func SetDefaultVideoEncoderProvider(codec VideoCodec, provider Provider) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()
	globalEncoderRegistry.videoDefaults[codec] = provider
}

// SetDefaultAudioEncoderProvider sets the default provider for an audio codec.
func SetDefaultAudioEncoderProvider(codec AudioCodec, provider Provider) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()
	globalEncoderRegistry.audioDefaults[codec] = provider
}

// NewVideoEncoder creates a surface-input video encoder.
func NewVideoEncoder(config VideoEncoderConfig) (SurfaceEncoder, error) {
	globalEncoderRegistry.mu.RLock()
	providers := globalEncoderRegistry.videoProviders[config.Codec]
	p := config.Provider
	if p == ProviderAuto {
		p = globalEncoderRegistry.videoDefaults[config.Codec]
	}
	factory, ok := providers[p]
	globalEncoderRegistry.mu.RUnlock()

	if providers == nil {
		return nil, fmt.Errorf("%w: no providers for %s", ErrCodecNotSupported, config.Codec)
	}
	if !ok || !p.Available() {
		return nil, fmt.Errorf("%w: %s for %s", ErrProviderNotFound, p, config.Codec)
	}

	return factory(config)
}

// NewAudioEncoder creates a buffer-input audio encoder.
func NewAudioEncoder(config AudioEncoderConfig) (BufferEncoder, error) {
	globalEncoderRegistry.mu.RLock()
	providers := globalEncoderRegistry.audioProviders[config.Codec]
	p := config.Provider
	if p == ProviderAuto {
		p = globalEncoderRegistry.audioDefaults[config.Codec]
	}
	factory, ok := providers[p]
	globalEncoderRegistry.mu.RUnlock()

	if providers == nil {
		return nil, fmt.Errorf("%w: no providers for %s", ErrCodecNotSupported, config.Codec)
	}
	if !ok || !p.Available() {
		return nil, fmt.Errorf("%w: %s for %s", ErrProviderNotFound, p, config.Codec)
	}

	return factory(config)
}

// VideoEncoderProviders returns available providers for a video codec.
func VideoEncoderProviders(codec VideoCodec) []Provider {
	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()

	providers := globalEncoderRegistry.videoProviders[codec]
	result := make([]Provider, 0, len(providers))
	for p := range providers {
		if p.Available() {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// AudioEncoderProviders returns available providers for an audio codec.
func AudioEncoderProviders(codec AudioCodec) []Provider {
	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()

	providers := globalEncoderRegistry.audioProviders[codec]
	result := make([]Provider, 0, len(providers))
	for p := range providers {
		if p.Available() {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
