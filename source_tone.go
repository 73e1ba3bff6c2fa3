package camrec

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"
)

var errMicrophoneStopped = errors.New("microphone stopped")

// ToneConfig configures a ToneMicrophone.
type ToneConfig struct {
	SampleRate int     // Sample rate (default: 44100)
	Channels   int     // Number of channels (default: 1)
	Frequency  float64 // Tone frequency in Hz (default: 440)
	Amplitude  float64 // Amplitude 0.0-1.0 (default: 0.5)

	// Paced makes Read deliver samples no faster than real time.
	Paced bool
}

// ToneMicrophone is a synthetic microphone producing an S16LE sine tone.
type ToneMicrophone struct {
	config ToneConfig

	mu      sync.Mutex
	phase   float64
	started bool
	stopped chan struct{}
	begin   time.Time
	frames  int64 // Frames delivered since Start
}

var _ Microphone = (*ToneMicrophone)(nil)

// NewToneMicrophone creates a tone microphone.
func NewToneMicrophone(config ToneConfig) *ToneMicrophone {
	if config.SampleRate <= 0 {
		config.SampleRate = 44100
	}
	if config.Channels <= 0 {
		config.Channels = 1
	}
	if config.Frequency <= 0 {
		config.Frequency = 440.0
	}
	if config.Amplitude <= 0 {
		config.Amplitude = 0.5
	}
	if config.Amplitude > 1.0 {
		config.Amplitude = 1.0
	}
	return &ToneMicrophone{config: config, stopped: make(chan struct{})}
}

// Start implements Microphone.
func (m *ToneMicrophone) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("microphone already started")
	}
	m.started = true
	m.stopped = make(chan struct{})
	m.begin = time.Now()
	m.frames = 0
	m.phase = 0
	return nil
}

// Read fills buf with whole frames of tone. When paced it first waits until
// the wall clock has caught up with the samples already delivered.
func (m *ToneMicrophone) Read(buf []byte) (int, error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return 0, errMicrophoneStopped
	}
	stopped := m.stopped
	due := m.begin.Add(time.Duration(m.frames) * time.Second / time.Duration(m.config.SampleRate))
	m.mu.Unlock()

	if m.config.Paced {
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-stopped:
				timer.Stop()
				return 0, errMicrophoneStopped
			case <-timer.C:
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return 0, errMicrophoneStopped
	}

	frameBytes := m.config.Channels * AudioFormatS16.BytesPerSample()
	n := len(buf) / frameBytes
	step := 2 * math.Pi * m.config.Frequency / float64(m.config.SampleRate)
	for i := 0; i < n; i++ {
		v := int16(m.config.Amplitude * math.MaxInt16 * math.Sin(m.phase))
		for ch := 0; ch < m.config.Channels; ch++ {
			binary.LittleEndian.PutUint16(buf[(i*m.config.Channels+ch)*2:], uint16(v))
		}
		m.phase += step
		if m.phase >= 2*math.Pi {
			m.phase -= 2 * math.Pi
		}
	}
	m.frames += int64(n)
	return n * frameBytes, nil
}

// Stop implements Microphone. A pending Read returns.
func (m *ToneMicrophone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	close(m.stopped)
	return nil
}

// Release implements Microphone.
func (m *ToneMicrophone) Release() error {
	return m.Stop()
}

func init() {
	RegisterMicrophone("tone", func(preset AudioPreset) (Microphone, error) {
		return NewToneMicrophone(ToneConfig{
			SampleRate: preset.SampleRate,
			Channels:   preset.Channels,
			Paced:      true,
		}), nil
	})
}
