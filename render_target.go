package camrec

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// EncoderTarget is an offscreen render target bound to a video encoder's
// input surface. Its context is created in the share group of the display
// context so textures uploaded for the display can be sampled here.
type EncoderTarget struct {
	platform Platform
	log      *zap.Logger

	ctx     Context
	surface Surface
	width   int
	height  int
}

// NewEncoderTarget creates a context sharing with share and a window
// surface presenting into sink.
func NewEncoderTarget(p Platform, share Context, sink SurfaceSink, width, height int, log *zap.Logger) (*EncoderTarget, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if share == NoContext {
		return nil, errors.New("encoder target requires a share context")
	}

	ctx, err := p.CreateContext(share)
	if err != nil {
		return nil, fmt.Errorf("create shared context: %w", err)
	}
	surface, err := p.CreateWindowSurface(sink, width, height)
	if err != nil {
		if derr := p.DestroyContext(ctx); derr != nil {
			log.Warn("destroy context after surface failure", zap.Error(derr))
		}
		return nil, fmt.Errorf("create encoder surface: %w", err)
	}

	return &EncoderTarget{
		platform: p,
		log:      log,
		ctx:      ctx,
		surface:  surface,
		width:    width,
		height:   height,
	}, nil
}

// Target returns the draw target of the encoder surface.
func (t *EncoderTarget) Target() RenderTarget {
	return RenderTarget{
		Surface:     t.surface,
		Framebuffer: DefaultFramebuffer,
		Width:       t.width,
		Height:      t.height,
	}
}

// Binding returns the binding that draws into the encoder surface.
func (t *EncoderTarget) Binding() Binding {
	return Binding{Context: t.ctx, Draw: t.surface, Read: t.surface}
}

// WithEncoderTarget makes the encoder surface current, runs draw, stamps the
// frame with ptsNs and swaps it to the encoder. The binding current before
// the call is restored on every path, panics included.
func (t *EncoderTarget) WithEncoderTarget(ptsNs int64, draw func(RenderTarget) error) (err error) {
	if t.ctx == NoContext {
		return ErrReleased
	}

	saved := t.platform.Current()
	if err := t.platform.MakeCurrent(t.Binding()); err != nil {
		if rerr := t.platform.MakeCurrent(saved); rerr != nil {
			t.log.Error("restore binding after failed switch", zap.Error(rerr))
		}
		return fmt.Errorf("%w: %v", ErrContextSwitch, err)
	}
	defer func() {
		if rerr := t.platform.MakeCurrent(saved); rerr != nil {
			t.log.Error("restore binding", zap.Error(rerr))
			if err == nil {
				err = fmt.Errorf("%w: restore: %v", ErrContextSwitch, rerr)
			}
		}
	}()

	if err := draw(t.Target()); err != nil {
		return err
	}
	if err := t.platform.SetPresentationTime(t.surface, ptsNs); err != nil {
		return fmt.Errorf("set presentation time: %w", err)
	}
	if err := t.platform.SwapBuffers(t.surface); err != nil {
		return fmt.Errorf("swap encoder surface: %w", err)
	}
	return nil
}

// Release destroys the surface and context. Safe to call more than once.
func (t *EncoderTarget) Release() error {
	if t.ctx == NoContext {
		return nil
	}
	var errs []error
	if t.platform.Current().Context == t.ctx {
		if err := t.platform.MakeCurrent(Binding{}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.platform.DestroySurface(t.surface); err != nil {
		errs = append(errs, fmt.Errorf("destroy surface: %w", err))
	}
	if err := t.platform.DestroyContext(t.ctx); err != nil {
		errs = append(errs, fmt.Errorf("destroy context: %w", err))
	}
	t.ctx, t.surface = NoContext, NoSurface
	return errors.Join(errs...)
}
