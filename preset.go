package camrec

import (
	"fmt"
	"strings"
)

// VideoQuality selects a video preset tier.
type VideoQuality int

const (
	VideoQualityLow VideoQuality = iota
	VideoQualityMedium
	VideoQualityHigh
	VideoQualityUltra
)

// AudioQuality selects an audio preset tier.
type AudioQuality int

const (
	AudioQualityLow AudioQuality = iota
	AudioQualityMedium
	AudioQualityHigh
	AudioQualityUltra
)

var qualityNames = [...]string{"low", "medium", "high", "ultra"}

func (q VideoQuality) String() string {
	if q < 0 || int(q) >= len(qualityNames) {
		return "unknown"
	}
	return qualityNames[q]
}

func (q AudioQuality) String() string {
	if q < 0 || int(q) >= len(qualityNames) {
		return "unknown"
	}
	return qualityNames[q]
}

// VideoPreset holds the encoder parameters of a video tier. Custom values
// are accepted anywhere a preset is.
type VideoPreset struct {
	BitrateBps        int
	FrameRate         int
	IFrameIntervalSec int
}

// AudioPreset holds the encoder and capture parameters of an audio tier.
type AudioPreset struct {
	SampleRate int
	Channels   int
	BitrateBps int
	Profile    int // AAC audio object type
	BufferSize int // PCM bytes per capture read
}

// audioFramesPerBuffer is the PCM frame count of one capture read.
const audioFramesPerBuffer = 2048

var videoPresets = map[VideoQuality]VideoPreset{
	VideoQualityLow:    {BitrateBps: 1_000_000, FrameRate: 24, IFrameIntervalSec: 2},
	VideoQualityMedium: {BitrateBps: 4_000_000, FrameRate: 30, IFrameIntervalSec: 1},
	VideoQualityHigh:   {BitrateBps: 8_000_000, FrameRate: 30, IFrameIntervalSec: 1},
	VideoQualityUltra:  {BitrateBps: 16_000_000, FrameRate: 60, IFrameIntervalSec: 1},
}

var audioPresets = map[AudioQuality]AudioPreset{
	AudioQualityLow:    newAudioPreset(22050, 1, 64_000),
	AudioQualityMedium: newAudioPreset(44100, 1, 96_000),
	AudioQualityHigh:   newAudioPreset(44100, 2, 128_000),
	AudioQualityUltra:  newAudioPreset(48000, 2, 192_000),
}

func newAudioPreset(sampleRate, channels, bitrate int) AudioPreset {
	return AudioPreset{
		SampleRate: sampleRate,
		Channels:   channels,
		BitrateBps: bitrate,
		Profile:    AACProfileLC,
		BufferSize: audioFramesPerBuffer * channels * AudioFormatS16.BytesPerSample(),
	}
}

// VideoPresetFor returns the preset of a tier. Unknown tiers get Medium.
func VideoPresetFor(q VideoQuality) VideoPreset {
	if p, ok := videoPresets[q]; ok {
		return p
	}
	return videoPresets[VideoQualityMedium]
}

// AudioPresetFor returns the preset of a tier. Unknown tiers get Medium.
func AudioPresetFor(q AudioQuality) AudioPreset {
	if p, ok := audioPresets[q]; ok {
		return p
	}
	return audioPresets[AudioQualityMedium]
}

// ParseVideoQuality parses a tier name.
func ParseVideoQuality(s string) (VideoQuality, error) {
	i, err := parseQuality(s)
	return VideoQuality(i), err
}

// ParseAudioQuality parses a tier name.
func ParseAudioQuality(s string) (AudioQuality, error) {
	i, err := parseQuality(s)
	return AudioQuality(i), err
}

func parseQuality(s string) (int, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range qualityNames {
		if n == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown quality %q (want low, medium, high or ultra)", s)
}

// Validate checks that a custom video preset is usable.
func (p VideoPreset) Validate() error {
	if p.BitrateBps <= 0 || p.FrameRate <= 0 || p.IFrameIntervalSec < 0 {
		return fmt.Errorf("invalid video preset %+v", p)
	}
	return nil
}

// Validate checks that a custom audio preset is usable.
func (p AudioPreset) Validate() error {
	if p.SampleRate <= 0 || p.Channels < 1 || p.Channels > 2 || p.BitrateBps <= 0 || p.BufferSize <= 0 {
		return fmt.Errorf("invalid audio preset %+v", p)
	}
	if p.BufferSize%(p.Channels*AudioFormatS16.BytesPerSample()) != 0 {
		return fmt.Errorf("audio buffer size %d is not a whole number of frames", p.BufferSize)
	}
	return nil
}
