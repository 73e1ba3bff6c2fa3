package camrec

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// topLevelBoxes lists the box types at the top of an ISO-BMFF file.
func topLevelBoxes(t *testing.T, data []byte) []string {
	t.Helper()
	var boxes []string
	for len(data) > 0 {
		if len(data) < 8 {
			t.Fatalf("truncated box header: %d bytes left", len(data))
		}
		size := int(binary.BigEndian.Uint32(data))
		if size < 8 || size > len(data) {
			t.Fatalf("box %q has bad size %d", data[4:8], size)
		}
		boxes = append(boxes, string(data[4:8]))
		data = data[size:]
	}
	return boxes
}

func countBoxes(boxes []string, typ string) int {
	n := 0
	for _, b := range boxes {
		if b == typ {
			n++
		}
	}
	return n
}

func newTestMuxer(t *testing.T) (*MP4Muxer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.mp4")
	m, err := NewMP4Muxer(path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Release() })
	return m, path
}

func TestMP4Muxer_WritesFragmentedFile(t *testing.T) {
	m, path := newTestMuxer(t)

	video, err := m.AddTrack(testVideoFormat())
	if err != nil {
		t.Fatal(err)
	}
	audio, err := m.AddTrack(testAudioFormat())
	if err != nil {
		t.Fatal(err)
	}
	if video != 0 || audio != 1 {
		t.Fatalf("track indices = %d, %d, want 0, 1", video, audio)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	// 2.5 s of 30 fps video with a key frame every second, and AAC frames.
	for i := 0; i < 75; i++ {
		ptsUs := int64(i) * 1_000_000 / 30
		var flags BufferFlags
		if i%30 == 0 {
			flags = FlagKeyFrame
		}
		au := annexB(flags.Has(FlagKeyFrame), byte(i+1))
		if err := m.WriteSample(video, au, SampleInfo{Size: len(au), PresentationTimeUs: ptsUs, Flags: flags}); err != nil {
			t.Fatalf("video sample %d: %v", i, err)
		}
		aac := []byte{0x21, 0x10, byte(i)}
		if err := m.WriteSample(audio, aac, SampleInfo{Size: len(aac), PresentationTimeUs: ptsUs, Flags: FlagKeyFrame}); err != nil {
			t.Fatalf("audio sample %d: %v", i, err)
		}
	}
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop() = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	boxes := topLevelBoxes(t, data)
	if len(boxes) < 4 || boxes[0] != "ftyp" || boxes[1] != "moov" {
		t.Fatalf("boxes = %v, want ftyp, moov, then fragments", boxes)
	}
	moofs := countBoxes(boxes, "moof")
	if moofs < 3 || moofs != countBoxes(boxes, "mdat") {
		t.Errorf("boxes = %v, want at least 3 moof+mdat pairs", boxes)
	}

	st := m.Stats()
	if st.Samples != 150 {
		t.Errorf("samples = %d, want 150", st.Samples)
	}
	if st.BytesWritten != int64(len(data)) {
		t.Errorf("bytes written = %d, file has %d", st.BytesWritten, len(data))
	}
	if int(st.Fragments) != moofs {
		t.Errorf("fragments = %d, file has %d", st.Fragments, moofs)
	}
}

func TestMP4Muxer_TrackRules(t *testing.T) {
	m, _ := newTestMuxer(t)

	bad := []struct {
		name   string
		format MediaFormat
	}{
		{"unknown video codec", MediaFormat{Kind: TrackVideo, SPS: testSPS, PPS: testPPS}},
		{"video without parameter sets", MediaFormat{Kind: TrackVideo, VideoCodec: VideoCodecH264}},
		{"unknown audio codec", MediaFormat{Kind: TrackAudio, SampleRate: 44100, Channels: 1}},
		{"audio without rate", MediaFormat{Kind: TrackAudio, AudioCodec: AudioCodecAAC, Channels: 1}},
		{"unknown kind", MediaFormat{Kind: TrackKind(7)}},
	}
	for _, tt := range bad {
		if _, err := m.AddTrack(tt.format); err == nil {
			t.Errorf("AddTrack(%s) succeeded", tt.name)
		}
	}

	if err := m.Start(); err == nil {
		t.Error("Start without tracks succeeded")
	}
	if err := m.WriteSample(0, []byte{1}, SampleInfo{}); !errors.Is(err, ErrMuxerNotStarted) {
		t.Errorf("WriteSample before Start = %v, want ErrMuxerNotStarted", err)
	}

	if _, err := m.AddTrack(testVideoFormat()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddTrack(testAudioFormat()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddTrack(testAudioFormat()); !errors.Is(err, ErrTrackLimit) {
		t.Errorf("third AddTrack = %v, want ErrTrackLimit", err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddTrack(testVideoFormat()); !errors.Is(err, ErrMuxerStarted) {
		t.Errorf("AddTrack after Start = %v, want ErrMuxerStarted", err)
	}
	if err := m.Start(); !errors.Is(err, ErrMuxerStarted) {
		t.Errorf("second Start = %v, want ErrMuxerStarted", err)
	}
	if err := m.WriteSample(5, []byte{1}, SampleInfo{}); err == nil {
		t.Error("WriteSample to unknown track succeeded")
	}
}

func TestMP4Muxer_StopBeforeStart(t *testing.T) {
	m, path := newTestMuxer(t)
	if err := m.Stop(); !errors.Is(err, ErrMuxerNotStarted) {
		t.Errorf("Stop before Start = %v, want ErrMuxerNotStarted", err)
	}
	if err := m.Release(); err != nil {
		t.Fatal(err)
	}
	if err := m.Release(); err != nil {
		t.Errorf("second Release() = %v", err)
	}
	if _, err := m.AddTrack(testVideoFormat()); !errors.Is(err, ErrReleased) {
		t.Errorf("AddTrack after Release = %v, want ErrReleased", err)
	}
	if m.Path() != path {
		t.Errorf("Path() = %q, want %q", m.Path(), path)
	}
}

func TestSamplePayload_StripsDelimiters(t *testing.T) {
	au := []byte{0, 0, 0, 1, 0x09, 0xf0, 0, 0, 0, 1, 0x65, 0xaa, 0xbb}
	got, err := samplePayload(TrackVideo, au)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 0, 0, 3, 0x65, 0xaa, 0xbb}
	if string(got) != string(want) {
		t.Errorf("samplePayload = %x, want %x", got, want)
	}

	raw := []byte{1, 2, 3}
	got, _ = samplePayload(TrackAudio, raw)
	raw[0] = 9
	if got[0] != 1 {
		t.Error("audio payload aliases the encoder buffer")
	}
}

func TestSession_WritesPlayableFile(t *testing.T) {
	h := newSessionHarness(t, harnessOptions{audio: true})
	h.session.cfg.NewMuxer = func(path string, log *zap.Logger) (Muxer, error) {
		return NewMP4Muxer(path, log)
	}
	out := filepath.Join(t.TempDir(), "session.mp4")
	if !h.session.Start(out, 320, 240) {
		t.Fatal("Start() = false")
	}
	if !h.renderUntil(func() bool {
		st := h.session.Stats()
		return st.VideoSamples >= 3 && st.AudioSamples >= 3
	}) {
		t.Fatalf("too few samples: %+v", h.session.Stats())
	}
	ok, file := h.stop()
	if !ok || file != out {
		t.Fatalf("Stop = (%v, %q)", ok, file)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	boxes := topLevelBoxes(t, data)
	if boxes[0] != "ftyp" || boxes[1] != "moov" || countBoxes(boxes, "moof") == 0 {
		t.Errorf("boxes = %v", boxes)
	}
}
