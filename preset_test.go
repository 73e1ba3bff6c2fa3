package camrec

import "testing"

func TestParseQuality(t *testing.T) {
	tests := []struct {
		in      string
		want    VideoQuality
		wantErr bool
	}{
		{"low", VideoQualityLow, false},
		{"Medium", VideoQualityMedium, false},
		{" HIGH ", VideoQualityHigh, false},
		{"ultra", VideoQualityUltra, false},
		{"4k", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseVideoQuality(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseVideoQuality(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseVideoQuality(%q) = %s, want %s", tt.in, got, tt.want)
		}
		aq, err := ParseAudioQuality(tt.in)
		if !tt.wantErr && (err != nil || int(aq) != int(tt.want)) {
			t.Errorf("ParseAudioQuality(%q) = %s, %v", tt.in, aq, err)
		}
	}
}

func TestPresetFor(t *testing.T) {
	if got := VideoPresetFor(VideoQuality(42)); got != VideoPresetFor(VideoQualityMedium) {
		t.Errorf("unknown video tier = %+v, want medium", got)
	}
	if got := AudioPresetFor(AudioQuality(-1)); got != AudioPresetFor(AudioQualityMedium) {
		t.Errorf("unknown audio tier = %+v, want medium", got)
	}

	prevBitrate := 0
	for q := VideoQualityLow; q <= VideoQualityUltra; q++ {
		p := VideoPresetFor(q)
		if err := p.Validate(); err != nil {
			t.Errorf("%s: %v", q, err)
		}
		if p.BitrateBps <= prevBitrate {
			t.Errorf("%s bitrate %d does not exceed the tier below", q, p.BitrateBps)
		}
		prevBitrate = p.BitrateBps
	}
	for q := AudioQualityLow; q <= AudioQualityUltra; q++ {
		p := AudioPresetFor(q)
		if err := p.Validate(); err != nil {
			t.Errorf("%s: %v", q, err)
		}
		if want := audioFramesPerBuffer * p.Channels * 2; p.BufferSize != want {
			t.Errorf("%s buffer size = %d, want %d", q, p.BufferSize, want)
		}
	}
}

func TestPresetValidate(t *testing.T) {
	videoTests := []struct {
		name    string
		preset  VideoPreset
		wantErr bool
	}{
		{"custom", VideoPreset{BitrateBps: 2_500_000, FrameRate: 25, IFrameIntervalSec: 0}, false},
		{"zero bitrate", VideoPreset{FrameRate: 30}, true},
		{"zero frame rate", VideoPreset{BitrateBps: 1}, true},
		{"negative interval", VideoPreset{BitrateBps: 1, FrameRate: 30, IFrameIntervalSec: -1}, true},
	}
	for _, tt := range videoTests {
		if err := tt.preset.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("video %s: error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}

	audioTests := []struct {
		name    string
		preset  AudioPreset
		wantErr bool
	}{
		{"custom", AudioPreset{SampleRate: 16000, Channels: 1, BitrateBps: 32000, BufferSize: 640}, false},
		{"three channels", AudioPreset{SampleRate: 16000, Channels: 3, BitrateBps: 1, BufferSize: 6}, true},
		{"partial frame", AudioPreset{SampleRate: 16000, Channels: 2, BitrateBps: 1, BufferSize: 6}, true},
		{"no buffer", AudioPreset{SampleRate: 16000, Channels: 1, BitrateBps: 1}, true},
	}
	for _, tt := range audioTests {
		if err := tt.preset.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("audio %s: error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}
