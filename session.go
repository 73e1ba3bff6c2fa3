package camrec

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateStarting
	StateRecording
	StateStopping
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// SessionConfig configures a Session.
type SessionConfig struct {
	Video VideoPreset
	Audio AudioPreset

	// Factories default to the encoder registry and NewMP4Muxer. A nil
	// NewMicrophone records video only.
	NewVideoEncoder VideoEncoderFactory
	NewAudioEncoder AudioEncoderFactory
	NewMuxer        MuxerFactory
	NewMicrophone   MicrophoneFactory

	// Platform creates the encoder render target. Its current context when
	// Start runs becomes the share context.
	Platform Platform

	// Runner executes fn on the render thread, typically RenderThread.Call.
	// Defaults to calling fn directly.
	Runner func(fn func() error) error

	// Clock returns monotonic nanoseconds used for every presentation time.
	Clock func() int64

	Logger *zap.Logger
	Taps   []SampleTap
}

// SessionStats counts what a recording produced.
type SessionStats struct {
	FramesRendered      uint64
	VideoSamples        uint64
	AudioSamples        uint64
	SamplesDropped      uint64
	AudioBuffersDropped uint64
}

// recording holds every resource a recording owns. All handles are nil
// outside Start and Stop.
type recording struct {
	outputFile string

	videoEnc SurfaceEncoder
	audioEnc BufferEncoder
	mic      Microphone
	muxer    Muxer
	target   *EncoderTarget
	capture  *audioCapture

	videoStarted bool
	audioStarted bool

	// Guarded by muxMu.
	muxMu        sync.Mutex
	videoTrack   int
	audioTrack   int
	muxerStarted bool
}

func newRecording(outputFile string) *recording {
	return &recording{outputFile: outputFile, videoTrack: -1, audioTrack: -1}
}

func (r *recording) encoder(kind TrackKind) Encoder {
	if kind == TrackVideo {
		if r.videoEnc == nil {
			return nil
		}
		return r.videoEnc
	}
	if r.audioEnc == nil {
		return nil
	}
	return r.audioEnc
}

func (r *recording) trackIndex(kind TrackKind) *int {
	if kind == TrackVideo {
		return &r.videoTrack
	}
	return &r.audioTrack
}

// clear drops every handle.
func (r *recording) clear() {
	r.videoEnc = nil
	r.audioEnc = nil
	r.mic = nil
	r.muxer = nil
	r.target = nil
	r.capture = nil
	r.videoStarted, r.audioStarted = false, false
	r.muxMu.Lock()
	r.videoTrack, r.audioTrack = -1, -1
	r.muxerStarted = false
	r.muxMu.Unlock()
}

// Session records composited frames and microphone audio into one file.
// Start and Stop are serialized; frames are submitted from the render
// thread with RenderToEncoderTarget.
type Session struct {
	cfg  SessionConfig
	log  *zap.Logger
	taps tapSet

	state atomic.Int32
	mu    sync.Mutex // Serializes Start and Stop

	renderMu sync.Mutex // Held while a frame is submitted
	rec      *recording

	framesRendered atomic.Uint64
	videoSamples   atomic.Uint64
	audioSamples   atomic.Uint64
	samplesDropped atomic.Uint64
	audioDropped   atomic.Uint64
}

// NewSession validates cfg and fills in defaults.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Platform == nil {
		return nil, errors.New("session requires a GPU platform")
	}
	if err := cfg.Video.Validate(); err != nil {
		return nil, fmt.Errorf("video preset: %w", err)
	}
	if cfg.NewMicrophone != nil {
		if err := cfg.Audio.Validate(); err != nil {
			return nil, fmt.Errorf("audio preset: %w", err)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.NewVideoEncoder == nil {
		cfg.NewVideoEncoder = NewVideoEncoder
	}
	if cfg.NewAudioEncoder == nil {
		cfg.NewAudioEncoder = NewAudioEncoder
	}
	if cfg.NewMuxer == nil {
		cfg.NewMuxer = func(path string, log *zap.Logger) (Muxer, error) {
			m, err := NewMP4Muxer(path, log)
			if err != nil {
				return nil, err
			}
			return m, nil
		}
	}
	if cfg.Runner == nil {
		cfg.Runner = func(fn func() error) error { return fn() }
	}
	if cfg.Clock == nil {
		epoch := time.Now()
		cfg.Clock = func() int64 { return int64(time.Since(epoch)) }
	}

	log := cfg.Logger.Named("session")
	return &Session{
		cfg:  cfg,
		log:  log,
		taps: tapSet{taps: cfg.Taps, log: log},
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// IsRecording reports whether frames are being accepted.
func (s *Session) IsRecording() bool {
	return s.State() == StateRecording
}

// Stats returns counters of the current or last recording.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		FramesRendered:      s.framesRendered.Load(),
		VideoSamples:        s.videoSamples.Load(),
		AudioSamples:        s.audioSamples.Load(),
		SamplesDropped:      s.samplesDropped.Load(),
		AudioBuffersDropped: s.audioDropped.Load(),
	}
}

func (s *Session) resetStats() {
	s.framesRendered.Store(0)
	s.videoSamples.Store(0)
	s.audioSamples.Store(0)
	s.samplesDropped.Store(0)
	s.audioDropped.Store(0)
}

// Start begins recording to outputFile at width x height, rounded down to
// even. It returns false after releasing everything it acquired when any
// part of the video path or the muxer cannot be set up. Audio failures
// only degrade the recording to video.
func (s *Session) Start(outputFile string, width, height int) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		s.log.Warn("start rejected", zap.Stringer("state", s.State()), zap.Error(ErrSessionBusy))
		return false
	}
	s.resetStats()

	rec := newRecording(outputFile)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("start panicked", zap.Any("panic", r))
			ok = false
		}
		if !ok {
			s.teardown(rec)
			s.state.Store(int32(StateIdle))
		}
	}()

	width, height = width&^1, height&^1
	if width <= 0 || height <= 0 {
		s.log.Error("invalid recording size", zap.Int("width", width), zap.Int("height", height))
		return false
	}
	log := s.log.With(zap.String("output", outputFile))

	vcfg := NewVideoEncoderConfig(s.cfg.Video, width, height)
	vcfg.Logger = s.cfg.Logger
	venc, err := s.cfg.NewVideoEncoder(vcfg)
	if err != nil {
		log.Error("create video encoder", zap.Error(err))
		return false
	}
	rec.videoEnc = venc

	err = s.cfg.Runner(func() error {
		share := s.cfg.Platform.Current().Context
		t, err := NewEncoderTarget(s.cfg.Platform, share, venc.InputSurface(), width, height, s.cfg.Logger)
		if err != nil {
			return err
		}
		rec.target = t
		return nil
	})
	if err != nil {
		log.Error("create encoder target", zap.Error(err))
		return false
	}

	s.setupAudio(rec, log)

	mux, err := s.cfg.NewMuxer(outputFile, s.cfg.Logger)
	if err != nil {
		log.Error("create muxer", zap.Error(err))
		return false
	}
	rec.muxer = mux

	if err := venc.Start(); err != nil {
		log.Error("start video encoder", zap.Error(err))
		return false
	}
	rec.videoStarted = true

	if rec.audioEnc != nil {
		s.startAudio(rec, log)
	}

	s.rec = rec
	s.state.Store(int32(StateRecording))
	log.Info("recording started",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Bool("audio", rec.audioEnc != nil),
	)
	return true
}

// setupAudio creates the audio encoder and microphone. Any failure leaves
// the recording video-only.
func (s *Session) setupAudio(rec *recording, log *zap.Logger) {
	if s.cfg.NewMicrophone == nil {
		return
	}

	acfg := NewAudioEncoderConfig(s.cfg.Audio)
	acfg.Logger = s.cfg.Logger
	aenc, err := s.safeAudioEncoder(acfg)
	if err != nil {
		log.Warn("audio encoder unavailable, recording video only", zap.Error(err))
		return
	}
	mic, err := s.cfg.NewMicrophone(s.cfg.Audio)
	if err != nil {
		log.Warn("microphone unavailable, recording video only", zap.Error(err))
		s.step("release audio encoder", aenc.Release)
		return
	}
	rec.audioEnc = aenc
	rec.mic = mic
}

func (s *Session) safeAudioEncoder(cfg AudioEncoderConfig) (enc BufferEncoder, err error) {
	defer func() {
		if r := recover(); r != nil {
			enc, err = nil, fmt.Errorf("audio encoder factory panicked: %v", r)
		}
	}()
	return s.cfg.NewAudioEncoder(cfg)
}

// startAudio starts the audio encoder and the capture task, dropping the
// audio path when either fails. Nothing drains audio before this returns.
func (s *Session) startAudio(rec *recording, log *zap.Logger) {
	drop := func(reason string, err error) {
		log.Warn(reason+", recording video only", zap.Error(err))
		if rec.audioStarted {
			s.step("stop audio encoder", rec.audioEnc.Stop)
		}
		s.step("release audio encoder", rec.audioEnc.Release)
		s.step("release microphone", rec.mic.Release)
		rec.muxMu.Lock()
		rec.audioEnc, rec.mic, rec.audioStarted = nil, nil, false
		rec.muxMu.Unlock()
	}

	if err := rec.audioEnc.Start(); err != nil {
		drop("start audio encoder", err)
		return
	}
	rec.audioStarted = true

	capture, err := startAudioCapture(
		rec.mic,
		rec.audioEnc,
		s.cfg.Audio.BufferSize,
		s.cfg.Clock,
		func() { s.drain(rec, TrackAudio, false) },
		&s.audioDropped,
		s.log,
	)
	if err != nil {
		drop("start audio capture", err)
		return
	}
	rec.capture = capture
}

// RenderToEncoderTarget draws one frame into the encoder surface and drains
// video output. It must be called on the render thread.
func (s *Session) RenderToEncoderTarget(draw func(RenderTarget) error) (err error) {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	if s.State() != StateRecording {
		return ErrNotRecording
	}
	rec := s.rec

	err = rec.target.WithEncoderTarget(s.cfg.Clock(), func(t RenderTarget) (derr error) {
		defer func() {
			if r := recover(); r != nil {
				derr = fmt.Errorf("draw panicked: %v", r)
			}
		}()
		return draw(t)
	})
	if err != nil {
		s.log.Warn("render to encoder target", zap.Error(err))
		return err
	}
	s.framesRendered.Add(1)
	s.drain(rec, TrackVideo, false)
	return nil
}

// Stop finalizes the recording and calls cb with whether a playable file
// was produced. Outside of recording it calls cb(false, "") and does
// nothing else.
func (s *Session) Stop(cb func(ok bool, file string)) {
	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(StateRecording), int32(StateStopping)) {
		s.mu.Unlock()
		if cb != nil {
			cb(false, "")
		}
		return
	}

	// Wait out a frame being submitted.
	s.renderMu.Lock()
	rec := s.rec
	s.renderMu.Unlock()

	ok := s.teardown(rec)
	file := rec.outputFile
	s.rec = nil
	s.state.Store(int32(StateIdle))
	s.mu.Unlock()

	s.log.Info("recording stopped", zap.String("output", file), zap.Bool("ok", ok), zap.Any("stats", s.Stats()))
	if cb != nil {
		if !ok {
			file = ""
		}
		cb(ok, file)
	}
}

// teardown releases everything rec holds, in order, continuing past
// failures. It reports whether the muxer was started and stopped cleanly.
func (s *Session) teardown(rec *recording) bool {
	defer rec.clear()

	if rec.capture != nil {
		s.step("stop audio capture", func() error {
			if !rec.capture.stop() {
				return errors.New("audio capture did not exit")
			}
			return nil
		})
	} else if rec.mic != nil {
		s.step("release microphone", rec.mic.Release)
	}

	rec.muxMu.Lock()
	audioTrack := rec.audioTrack
	rec.muxMu.Unlock()

	videoEOS, audioEOS := false, false
	if rec.videoStarted {
		s.step("signal video end of stream", func() error {
			if err := rec.videoEnc.SignalEndOfInputStream(); err != nil {
				return err
			}
			videoEOS = true
			return nil
		})
	}
	if rec.audioStarted && audioTrack >= 0 {
		s.step("signal audio end of stream", func() error {
			idx, _, err := rec.audioEnc.DequeueInput(audioInputWait)
			if err != nil {
				return err
			}
			if idx < 0 {
				return errors.New("no audio input buffer for end of stream")
			}
			if err := rec.audioEnc.QueueInput(idx, 0, s.cfg.Clock()/1000, FlagEndOfStream); err != nil {
				return err
			}
			audioEOS = true
			return nil
		})
	}
	if rec.videoStarted {
		s.step("drain video", func() error { s.drain(rec, TrackVideo, videoEOS); return nil })
	}
	if rec.audioStarted {
		s.step("drain audio", func() error { s.drain(rec, TrackAudio, audioEOS); return nil })
	}

	if rec.videoEnc != nil {
		s.step("stop video encoder", rec.videoEnc.Stop)
		s.step("release video encoder", rec.videoEnc.Release)
	}
	if rec.audioEnc != nil {
		s.step("stop audio encoder", rec.audioEnc.Stop)
		s.step("release audio encoder", rec.audioEnc.Release)
	}

	stopped := false
	if rec.muxer != nil {
		rec.muxMu.Lock()
		muxerStarted := rec.muxerStarted
		rec.muxMu.Unlock()
		if muxerStarted {
			s.step("stop muxer", func() error {
				if err := rec.muxer.Stop(); err != nil {
					return err
				}
				stopped = true
				return nil
			})
		}
		s.step("release muxer", rec.muxer.Release)
	}

	if rec.target != nil {
		s.step("release encoder target", func() error {
			return s.cfg.Runner(rec.target.Release)
		})
	}
	return stopped
}

// step runs one teardown step, logging its error or panic.
func (s *Session) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("teardown step panicked", zap.String("step", name), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		s.log.Warn("teardown step failed", zap.String("step", name), zap.Error(err))
	}
}
