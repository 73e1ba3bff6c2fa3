package camrec

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	GPU         GPU         // Defaults to a SoftGPU
	DisplaySink SurfaceSink // Receives preview frames; nil discards them

	ViewWidth  int
	ViewHeight int
	FPS        int // Render rate of Run; defaults to the video preset's

	Video VideoPreset
	Audio AudioPreset

	NewVideoEncoder VideoEncoderFactory
	NewAudioEncoder AudioEncoderFactory
	NewMuxer        MuxerFactory
	NewMicrophone   MicrophoneFactory // nil records video only

	OverlayText string
	Taps        []SampleTap
	Logger      *zap.Logger
}

// Recorder composites camera frames to a display surface and, while
// recording, to the encoder of a Session. It owns the render thread.
//
// Start and Stop must not be called from the render thread.
type Recorder struct {
	cfg     RecorderConfig
	log     *zap.Logger
	gpu     GPU
	thread  *RenderThread
	slot    *FrameSlot
	comp    *Compositor
	session *Session

	// Render thread only.
	displayCtx  Context
	displaySurf Surface
	viewWidth   int
	viewHeight  int

	overlayMu   sync.RWMutex
	overlayText string

	epoch     time.Time
	closeOnce sync.Once
}

// NewRecorder creates the display context on a new render thread.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.GPU == nil {
		cfg.GPU = NewSoftGPU()
	}
	if cfg.ViewWidth <= 0 || cfg.ViewHeight <= 0 {
		return nil, fmt.Errorf("invalid view size %dx%d", cfg.ViewWidth, cfg.ViewHeight)
	}
	if cfg.FPS <= 0 {
		cfg.FPS = cfg.Video.FrameRate
	}

	r := &Recorder{
		cfg:         cfg,
		log:         cfg.Logger.Named("recorder"),
		gpu:         cfg.GPU,
		thread:      NewRenderThread(),
		slot:        NewFrameSlot(),
		overlayText: cfg.OverlayText,
		epoch:       time.Now(),
	}
	r.comp = NewCompositor(cfg.GPU, cfg.Logger.Named("compositor"))

	session, err := NewSession(SessionConfig{
		Video:           cfg.Video,
		Audio:           cfg.Audio,
		NewVideoEncoder: cfg.NewVideoEncoder,
		NewAudioEncoder: cfg.NewAudioEncoder,
		NewMuxer:        cfg.NewMuxer,
		NewMicrophone:   cfg.NewMicrophone,
		Platform:        cfg.GPU,
		Runner:          r.thread.Call,
		Clock:           r.now,
		Logger:          cfg.Logger,
		Taps:            cfg.Taps,
	})
	if err != nil {
		r.thread.Close()
		return nil, err
	}
	r.session = session

	if err := r.thread.Call(r.setup); err != nil {
		r.thread.Close()
		return nil, fmt.Errorf("set up display: %w", err)
	}
	return r, nil
}

func (r *Recorder) now() int64 {
	return int64(time.Since(r.epoch))
}

func (r *Recorder) setup() error {
	ctx, err := r.gpu.CreateContext(NoContext)
	if err != nil {
		return err
	}
	surf, err := r.gpu.CreateWindowSurface(r.cfg.DisplaySink, r.cfg.ViewWidth, r.cfg.ViewHeight)
	if err != nil {
		r.gpu.DestroyContext(ctx)
		return err
	}
	if err := r.gpu.MakeCurrent(Binding{Context: ctx, Draw: surf, Read: surf}); err != nil {
		r.gpu.DestroySurface(surf)
		r.gpu.DestroyContext(ctx)
		return err
	}
	r.displayCtx, r.displaySurf = ctx, surf
	r.viewWidth, r.viewHeight = r.cfg.ViewWidth, r.cfg.ViewHeight

	if err := r.comp.Init(); err != nil {
		return err
	}
	r.comp.Resize(r.viewWidth, r.viewHeight)
	return nil
}

func (r *Recorder) displayTarget() RenderTarget {
	return RenderTarget{
		Surface:     r.displaySurf,
		Framebuffer: DefaultFramebuffer,
		Width:       r.viewWidth,
		Height:      r.viewHeight,
	}
}

// UpdateFrame hands a camera frame to the renderer. It copies pixels and
// never blocks; a frame not yet rendered is replaced. Invalid frames are
// logged and dropped.
func (r *Recorder) UpdateFrame(pixels []byte, width, height int, isFront bool, rotation int) {
	f := Frame{Pixels: pixels, Width: width, Height: height, Rotation: rotation, FrontFacing: isFront}
	if err := f.Validate(); err != nil {
		r.log.Warn("frame rejected", zap.Error(err))
		return
	}
	r.slot.Publish(pixels, width, height, rotation, isFront, r.now())
}

// SetOverlayText changes the text blended into recorded frames.
func (r *Recorder) SetOverlayText(text string) {
	r.overlayMu.Lock()
	r.overlayText = text
	r.overlayMu.Unlock()
}

func (r *Recorder) overlay() string {
	r.overlayMu.RLock()
	defer r.overlayMu.RUnlock()
	return r.overlayText
}

// RenderFrame uploads the latest frame, draws the display and, when a new
// frame arrived during a recording, the encoder target.
func (r *Recorder) RenderFrame() error {
	return r.thread.Call(r.renderFrame)
}

func (r *Recorder) renderFrame() error {
	if f := r.slot.Take(); f != nil {
		err := r.comp.UploadFrame(f)
		r.slot.Recycle(f)
		if err != nil {
			return fmt.Errorf("upload frame: %w", err)
		}
	}

	if err := r.comp.Draw(r.displayTarget()); err != nil {
		return fmt.Errorf("draw display: %w", err)
	}
	if err := r.gpu.SwapBuffers(r.displaySurf); err != nil {
		return fmt.Errorf("swap display: %w", err)
	}

	if !r.comp.TakeDirty() || !r.session.IsRecording() {
		return nil
	}
	text := r.overlay()
	err := r.session.RenderToEncoderTarget(func(t RenderTarget) error {
		if err := r.comp.Draw(t); err != nil {
			return err
		}
		return r.comp.DrawOverlay(t, text)
	})
	if errors.Is(err, ErrNotRecording) {
		return nil
	}
	return err
}

// Run renders at the configured rate until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(max(r.cfg.FPS, 1)))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.RenderFrame(); err != nil {
				if errors.Is(err, ErrRenderThreadClosed) {
					return err
				}
				r.log.Warn("render frame", zap.Error(err))
			}
		}
	}
}

// Start begins recording to file. See Session.Start.
func (r *Recorder) Start(file string, width, height int) bool {
	return r.session.Start(file, width, height)
}

// Stop finishes the recording and reports the outcome to cb.
func (r *Recorder) Stop(cb func(ok bool, file string)) {
	r.session.Stop(cb)
}

// IsRecording reports whether a recording is in progress.
func (r *Recorder) IsRecording() bool {
	return r.session.IsRecording()
}

// Stats returns the counters of the current or last recording.
func (r *Recorder) Stats() SessionStats {
	return r.session.Stats()
}

// CaptureStill renders the last uploaded frame into the display surface and
// reads it back upright.
func (r *Recorder) CaptureStill() (*image.RGBA, error) {
	var img *image.RGBA
	err := r.thread.Call(func() error {
		target := r.displayTarget()
		if err := r.comp.Draw(target); err != nil {
			return err
		}
		var err error
		img, err = r.comp.CaptureStill(target)
		return err
	})
	return img, err
}

// Resize recreates the display surface at the new size.
func (r *Recorder) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid view size %dx%d", width, height)
	}
	return r.thread.Call(func() error {
		if width == r.viewWidth && height == r.viewHeight {
			return nil
		}
		surf, err := r.gpu.CreateWindowSurface(r.cfg.DisplaySink, width, height)
		if err != nil {
			return err
		}
		if err := r.gpu.MakeCurrent(Binding{Context: r.displayCtx, Draw: surf, Read: surf}); err != nil {
			r.gpu.DestroySurface(surf)
			return err
		}
		if err := r.gpu.DestroySurface(r.displaySurf); err != nil {
			r.log.Warn("destroy old display surface", zap.Error(err))
		}
		r.displaySurf = surf
		r.viewWidth, r.viewHeight = width, height
		r.comp.Resize(width, height)
		return nil
	})
}

// Close stops any recording, releases GPU objects and the render thread,
// and closes the taps.
func (r *Recorder) Close() error {
	var errs []error
	r.closeOnce.Do(func() {
		r.session.Stop(nil)

		err := r.thread.Call(func() error {
			r.comp.Release()
			var errs []error
			if err := r.gpu.MakeCurrent(Binding{}); err != nil {
				errs = append(errs, err)
			}
			if err := r.gpu.DestroySurface(r.displaySurf); err != nil {
				errs = append(errs, err)
			}
			if err := r.gpu.DestroyContext(r.displayCtx); err != nil {
				errs = append(errs, err)
			}
			return errors.Join(errs...)
		})
		if err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, r.thread.Close(), closeTaps(r.cfg.Taps))
	})
	return errors.Join(errs...)
}
