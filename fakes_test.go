package camrec

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// 1920x1080 constrained baseline parameter sets, without start codes.
var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
	}
	testPPS = []byte{0x08, 0x06, 0x07, 0x08}
)

func testVideoFormat() MediaFormat {
	return MediaFormat{
		Kind:       TrackVideo,
		VideoCodec: VideoCodecH264,
		Width:      1920,
		Height:     1080,
		FrameRate:  30,
		SPS:        testSPS,
		PPS:        testPPS,
	}
}

func testAudioFormat() MediaFormat {
	return MediaFormat{
		Kind:       TrackAudio,
		AudioCodec: AudioCodecAAC,
		SampleRate: 44100,
		Channels:   1,
		Profile:    AACProfileLC,
	}
}

// annexB builds an access unit holding one slice NALU.
func annexB(keyFrame bool, payload ...byte) []byte {
	header := byte(0x41)
	if keyFrame {
		header = 0x65
	}
	au := []byte{0, 0, 0, 1, header}
	return append(au, payload...)
}

// faults injects errors and panics into named fake calls and counts them.
type faults struct {
	mu     sync.Mutex
	errs   map[string]error
	panics map[string]bool
	calls  map[string]int
}

func newFaults() *faults {
	return &faults{
		errs:   make(map[string]error),
		panics: make(map[string]bool),
		calls:  make(map[string]int),
	}
}

func (f *faults) fail(name string) {
	f.mu.Lock()
	f.errs[name] = fmt.Errorf("injected %s failure", name)
	f.mu.Unlock()
}

func (f *faults) panicOn(name string) {
	f.mu.Lock()
	f.panics[name] = true
	f.mu.Unlock()
}

func (f *faults) hit(name string) error {
	f.mu.Lock()
	f.calls[name]++
	err, doPanic := f.errs[name], f.panics[name]
	f.mu.Unlock()
	if doPanic {
		panic("injected " + name + " panic")
	}
	return err
}

func (f *faults) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

// fakeCore emits one encoded unit per input, every keyEvery-th a key frame.
type fakeCore struct {
	format   MediaFormat
	keyEvery int
	n        int
	closed   atomic.Bool
}

func (c *fakeCore) Encode(input []byte, ptsUs int64) ([]encodedUnit, error) {
	key := c.keyEvery <= 1 || c.n%c.keyEvery == 0
	c.n++
	var data []byte
	if c.format.Kind == TrackVideo {
		data = annexB(key, byte(c.n))
	} else {
		data = []byte{0x21, 0x10, byte(c.n)}
	}
	var flags BufferFlags
	if key {
		flags = FlagKeyFrame
	}
	return []encodedUnit{{data: data, ptsUs: ptsUs, flags: flags}}, nil
}

func (c *fakeCore) Flush() ([]encodedUnit, error) { return nil, nil }

func (c *fakeCore) Format() (MediaFormat, bool) { return c.format, true }

func (c *fakeCore) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeVideoEncoder struct {
	*codecQueue
	f *faults
}

func newFakeVideoEncoder(f *faults, log *zap.Logger) *fakeVideoEncoder {
	core := &fakeCore{format: testVideoFormat(), keyEvery: 30}
	return &fakeVideoEncoder{codecQueue: newCodecQueue("fake-video", core, 0, 0, log), f: f}
}

func (e *fakeVideoEncoder) InputSurface() SurfaceSink {
	return SurfaceSinkFunc(func(pixels []byte, width, height int, ptsNs int64) error {
		e.submitFrame(pixels, ptsNs/1000)
		return nil
	})
}

func (e *fakeVideoEncoder) Start() error {
	if err := e.f.hit("video.start"); err != nil {
		return err
	}
	return e.codecQueue.Start()
}

func (e *fakeVideoEncoder) SignalEndOfInputStream() error {
	if err := e.f.hit("video.eos"); err != nil {
		return err
	}
	return e.codecQueue.SignalEndOfInputStream()
}

func (e *fakeVideoEncoder) Stop() error {
	if err := e.f.hit("video.stop"); err != nil {
		return err
	}
	return e.codecQueue.Stop()
}

func (e *fakeVideoEncoder) Release() error {
	if err := e.f.hit("video.release"); err != nil {
		return err
	}
	return e.codecQueue.Release()
}

type fakeAudioEncoder struct {
	*codecQueue
	f *faults
}

func newFakeAudioEncoder(f *faults, bufferSize int, log *zap.Logger) *fakeAudioEncoder {
	core := &fakeCore{format: testAudioFormat()}
	return &fakeAudioEncoder{codecQueue: newCodecQueue("fake-audio", core, 4, bufferSize, log), f: f}
}

func (e *fakeAudioEncoder) Start() error {
	if err := e.f.hit("audio.start"); err != nil {
		return err
	}
	return e.codecQueue.Start()
}

func (e *fakeAudioEncoder) QueueInput(index, size int, ptsUs int64, flags BufferFlags) error {
	if flags.Has(FlagEndOfStream) {
		if err := e.f.hit("audio.eos"); err != nil {
			return err
		}
	}
	return e.codecQueue.QueueInput(index, size, ptsUs, flags)
}

func (e *fakeAudioEncoder) Stop() error {
	if err := e.f.hit("audio.stop"); err != nil {
		return err
	}
	return e.codecQueue.Stop()
}

func (e *fakeAudioEncoder) Release() error {
	if err := e.f.hit("audio.release"); err != nil {
		return err
	}
	return e.codecQueue.Release()
}

type fakeSample struct {
	track int
	data  []byte
	info  SampleInfo
}

type fakeMuxer struct {
	f *faults

	mu            sync.Mutex
	path          string
	tracks        []MediaFormat
	started       bool
	tracksAtStart int // Tracks registered when Start was called
	stopped       bool
	samples       []fakeSample
}

func (m *fakeMuxer) AddTrack(format MediaFormat) (int, error) {
	if err := m.f.hit("muxer.addtrack"); err != nil {
		return -1, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return -1, ErrMuxerStarted
	}
	m.tracks = append(m.tracks, format)
	return len(m.tracks) - 1, nil
}

func (m *fakeMuxer) Start() error {
	if err := m.f.hit("muxer.start"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrMuxerStarted
	}
	m.started = true
	m.tracksAtStart = len(m.tracks)
	return nil
}

func (m *fakeMuxer) WriteSample(track int, data []byte, info SampleInfo) error {
	if err := m.f.hit("muxer.write"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.stopped {
		return ErrMuxerNotStarted
	}
	m.samples = append(m.samples, fakeSample{track: track, data: append([]byte(nil), data...), info: info})
	return nil
}

func (m *fakeMuxer) Stop() error {
	if err := m.f.hit("muxer.stop"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrMuxerNotStarted
	}
	m.stopped = true
	return nil
}

func (m *fakeMuxer) Release() error {
	return m.f.hit("muxer.release")
}

func (m *fakeMuxer) trackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks)
}

func (m *fakeMuxer) isStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *fakeMuxer) samplesFor(track int) []fakeSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fakeSample
	for _, s := range m.samples {
		if s.track == track {
			out = append(out, s)
		}
	}
	return out
}

// fakeMicrophone returns silence, paced by a short sleep per read.
type fakeMicrophone struct {
	f       *faults
	stopped chan struct{}
	once    sync.Once
	reads   atomic.Uint64

	// readHook replaces Read when set.
	readHook func(p []byte) (int, error)
}

func newFakeMicrophone(f *faults) *fakeMicrophone {
	return &fakeMicrophone{f: f, stopped: make(chan struct{})}
}

func (m *fakeMicrophone) Start() error {
	return m.f.hit("mic.start")
}

func (m *fakeMicrophone) Read(p []byte) (int, error) {
	m.reads.Add(1)
	if m.readHook != nil {
		return m.readHook(p)
	}
	select {
	case <-m.stopped:
		return 0, errMicrophoneStopped
	case <-time.After(time.Millisecond):
	}
	clear(p)
	return len(p), nil
}

func (m *fakeMicrophone) Stop() error {
	m.once.Do(func() { close(m.stopped) })
	return m.f.hit("mic.stop")
}

func (m *fakeMicrophone) Release() error {
	m.once.Do(func() { close(m.stopped) })
	return m.f.hit("mic.release")
}

// recordingFakes collects what the session factories created.
type recordingFakes struct {
	f       *faults
	log     *zap.Logger
	micHook func(p []byte) (int, error)

	mu     sync.Mutex
	videos []*fakeVideoEncoder
	audios []*fakeAudioEncoder
	muxers []*fakeMuxer
	mics   []*fakeMicrophone
}

func (r *recordingFakes) newVideoEncoder(VideoEncoderConfig) (SurfaceEncoder, error) {
	if err := r.f.hit("video.new"); err != nil {
		return nil, err
	}
	e := newFakeVideoEncoder(r.f, r.log)
	r.mu.Lock()
	r.videos = append(r.videos, e)
	r.mu.Unlock()
	return e, nil
}

func (r *recordingFakes) newAudioEncoder(c AudioEncoderConfig) (BufferEncoder, error) {
	if err := r.f.hit("audio.new"); err != nil {
		return nil, err
	}
	e := newFakeAudioEncoder(r.f, c.BufferSize, r.log)
	r.mu.Lock()
	r.audios = append(r.audios, e)
	r.mu.Unlock()
	return e, nil
}

func (r *recordingFakes) newMuxer(path string, _ *zap.Logger) (Muxer, error) {
	if err := r.f.hit("muxer.new"); err != nil {
		return nil, err
	}
	m := &fakeMuxer{f: r.f, path: path}
	r.mu.Lock()
	r.muxers = append(r.muxers, m)
	r.mu.Unlock()
	return m, nil
}

func (r *recordingFakes) newMicrophone(AudioPreset) (Microphone, error) {
	if err := r.f.hit("mic.new"); err != nil {
		return nil, err
	}
	m := newFakeMicrophone(r.f)
	m.readHook = r.micHook
	r.mu.Lock()
	r.mics = append(r.mics, m)
	r.mu.Unlock()
	return m, nil
}

func (r *recordingFakes) video() *fakeVideoEncoder {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.videos) == 0 {
		return nil
	}
	return r.videos[len(r.videos)-1]
}

func (r *recordingFakes) audio() *fakeAudioEncoder {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.audios) == 0 {
		return nil
	}
	return r.audios[len(r.audios)-1]
}

func (r *recordingFakes) muxer() *fakeMuxer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.muxers) == 0 {
		return nil
	}
	return r.muxers[len(r.muxers)-1]
}

func (r *recordingFakes) mic() *fakeMicrophone {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.mics) == 0 {
		return nil
	}
	return r.mics[len(r.mics)-1]
}

// sessionHarness is a Session wired to fakes over a SoftGPU whose display
// context is current.
type sessionHarness struct {
	t       *testing.T
	gpu     *SoftGPU
	session *Session
	fakes   *recordingFakes
	display Binding
}

type harnessOptions struct {
	audio          bool
	audioFactoryFn AudioEncoderFactory // Overrides the fake audio factory
	micHook        func(p []byte) (int, error)
}

func newSessionHarness(t *testing.T, opts harnessOptions) *sessionHarness {
	t.Helper()
	log := zaptest.NewLogger(t)

	gpu := NewSoftGPU()
	ctx, err := gpu.CreateContext(NoContext)
	if err != nil {
		t.Fatal(err)
	}
	surf, err := gpu.CreateWindowSurface(nil, 64, 64)
	if err != nil {
		t.Fatal(err)
	}
	display := Binding{Context: ctx, Draw: surf, Read: surf}
	if err := gpu.MakeCurrent(display); err != nil {
		t.Fatal(err)
	}

	fakes := &recordingFakes{f: newFaults(), log: log}
	cfg := SessionConfig{
		Video:           VideoPresetFor(VideoQualityLow),
		Audio:           AudioPresetFor(AudioQualityLow),
		Platform:        gpu,
		Logger:          log,
		NewVideoEncoder: fakes.newVideoEncoder,
		NewAudioEncoder: fakes.newAudioEncoder,
		NewMuxer:        fakes.newMuxer,
	}
	if opts.audioFactoryFn != nil {
		cfg.NewAudioEncoder = opts.audioFactoryFn
	}
	if opts.audio {
		fakes.micHook = opts.micHook
		cfg.NewMicrophone = fakes.newMicrophone
	}

	s, err := NewSession(cfg)
	if err != nil {
		t.Fatal(err)
	}
	h := &sessionHarness{t: t, gpu: gpu, session: s, fakes: fakes, display: display}
	t.Cleanup(func() { s.Stop(nil) })
	return h
}

// render submits one frame and reports the error.
func (h *sessionHarness) render() error {
	return h.session.RenderToEncoderTarget(func(t RenderTarget) error {
		if err := h.gpu.BindFramebuffer(t.Framebuffer); err != nil {
			return err
		}
		h.gpu.Viewport(0, 0, t.Width, t.Height)
		h.gpu.ClearColor(1, 0, 0, 1)
		h.gpu.Clear()
		return nil
	})
}

// renderUntil renders frames until cond holds or the deadline passes.
func (h *sessionHarness) renderUntil(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		if err := h.render(); err != nil && !errors.Is(err, ErrNotRecording) {
			h.t.Fatalf("render: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func (h *sessionHarness) stop() (bool, string) {
	var (
		ok   bool
		file string
	)
	called := 0
	h.session.Stop(func(success bool, f string) {
		called++
		ok, file = success, f
	})
	if called != 1 {
		h.t.Fatalf("stop callback called %d times", called)
	}
	return ok, file
}
