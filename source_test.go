package camrec

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"slices"
	"sync/atomic"
	"testing"
	"time"
)

func TestToneMicrophone_Read(t *testing.T) {
	m := NewToneMicrophone(ToneConfig{SampleRate: 8000, Channels: 2, Amplitude: 0.5})
	buf := make([]byte, 1002)
	if _, err := m.Read(buf); !errors.Is(err, errMicrophoneStopped) {
		t.Fatalf("Read before Start = %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err == nil {
		t.Error("second Start succeeded")
	}

	n, err := m.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1000 {
		t.Fatalf("Read = %d bytes, want 1000 (whole stereo frames)", n)
	}
	limit := int16(math.MaxInt16 / 2)
	peak := int16(0)
	for i := 0; i < n; i += 4 {
		l := int16(binary.LittleEndian.Uint16(buf[i:]))
		r := int16(binary.LittleEndian.Uint16(buf[i+2:]))
		if l != r {
			t.Fatalf("frame %d channels differ: %d, %d", i/4, l, r)
		}
		if l > limit || l < -limit {
			t.Fatalf("sample %d exceeds amplitude", l)
		}
		peak = max(peak, l)
	}
	if int(peak) < int(limit)*9/10 {
		t.Errorf("peak %d, want close to %d", peak, limit)
	}

	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Read(buf); !errors.Is(err, errMicrophoneStopped) {
		t.Errorf("Read after Stop = %v", err)
	}
	if err := m.Release(); err != nil {
		t.Errorf("Release() = %v", err)
	}
}

func TestToneMicrophone_StopUnblocksPacedRead(t *testing.T) {
	m := NewToneMicrophone(ToneConfig{SampleRate: 1000, Paced: true})
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	// One second of audio puts the next read a second in the future.
	if _, err := m.Read(make([]byte, 2000)); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := m.Read(make([]byte, 2))
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	m.Stop()

	select {
	case err := <-errc:
		if !errors.Is(err, errMicrophoneStopped) {
			t.Errorf("pending Read = %v, want errMicrophoneStopped", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Stop did not unblock Read")
	}
}

func TestPatternSource_ColorBars(t *testing.T) {
	s := NewPatternSource(PatternConfig{CameraConfig: CameraConfig{Width: 16, Height: 2}})
	for i, want := range colorBarsRGB {
		x := i * 2
		p := s.pixels[x*4 : x*4+4]
		if p[0] != want[0] || p[1] != want[1] || p[2] != want[2] || p[3] != 0xFF {
			t.Errorf("bar %d pixel = %v, want %v", i, p, want)
		}
	}
}

func TestPatternSource_Delivers(t *testing.T) {
	s := NewPatternSource(PatternConfig{
		CameraConfig: CameraConfig{Width: 8, Height: 4, FPS: 200, Rotation: 90, FrontFacing: true},
		Pattern:      PatternMovingBox,
	})
	if err := s.Start(context.Background(), nil); err == nil {
		t.Fatal("Start without sink succeeded")
	}

	var frames atomic.Int32
	var bad atomic.Bool
	sink := func(pixels []byte, w, h int, front bool, rotation int) {
		if len(pixels) != RGBASize(8, 4) || w != 8 || h != 4 || !front || rotation != 90 {
			bad.Store(true)
		}
		frames.Add(1)
	}
	if err := s.Start(context.Background(), sink); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background(), sink); err == nil {
		t.Error("second Start succeeded")
	}
	deadline := time.Now().Add(2 * time.Second)
	for frames.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if frames.Load() < 3 {
		t.Fatalf("got %d frames", frames.Load())
	}
	if bad.Load() {
		t.Error("frame metadata does not match the config")
	}
	after := frames.Load()
	time.Sleep(20 * time.Millisecond)
	if frames.Load() != after {
		t.Error("frames delivered after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() = %v", err)
	}
}

func TestParsePatternType(t *testing.T) {
	for p := PatternColorBars; p <= PatternMovingBox; p++ {
		got, err := ParsePatternType(p.String())
		if err != nil || got != p {
			t.Errorf("ParsePatternType(%q) = %v, %v", p.String(), got, err)
		}
	}
	if got, err := ParsePatternType("checkerboard"); err != nil || got != PatternCheckerboard {
		t.Errorf("case-insensitive parse = %v, %v", got, err)
	}
	if _, err := ParsePatternType("snow"); err == nil {
		t.Error("unknown pattern parsed")
	}
}

func TestSourceRegistry(t *testing.T) {
	cams := AvailableCameras()
	for _, name := range []string{"pattern", "movingbox"} {
		if !slices.Contains(cams, name) {
			t.Errorf("camera %q not registered: %v", name, cams)
		}
	}
	if !slices.IsSorted(cams) {
		t.Errorf("cameras not sorted: %v", cams)
	}
	if _, err := NewCamera("nope", CameraConfig{}); err == nil {
		t.Error("unknown camera created")
	}
	cam, err := NewCamera("pattern", CameraConfig{Width: 4, Height: 4, Rotation: 270})
	if err != nil {
		t.Fatal(err)
	}
	if cam.Config().Rotation != 270 {
		t.Errorf("config = %+v", cam.Config())
	}

	if !slices.Contains(AvailableMicrophones(), "tone") {
		t.Error("tone microphone not registered")
	}
	factory, err := MicrophoneByName("tone")
	if err != nil {
		t.Fatal(err)
	}
	mic, err := factory(AudioPresetFor(AudioQualityHigh))
	if err != nil {
		t.Fatal(err)
	}
	if tone := mic.(*ToneMicrophone); tone.config.Channels != 2 || !tone.config.Paced {
		t.Errorf("tone config = %+v", tone.config)
	}
	if _, err := MicrophoneByName("nope"); err == nil {
		t.Error("unknown microphone found")
	}
}
