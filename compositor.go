package camrec

import (
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"
)

// Renderer is driven by the render loop: Init once a context is current,
// Resize when the display changes, Draw once per tick.
type Renderer interface {
	Init() error
	Resize(width, height int)
	Draw(target RenderTarget) error
}

// CompositorStats reports compositor work.
type CompositorStats struct {
	Uploads         uint64 // Frames uploaded
	Reallocations   uint64 // Texture storage (re)allocations
	GeometryUpdates uint64 // Quad recomputations
	OverlayRenders  uint64 // Overlay texture uploads
}

type geomKey struct {
	rotation              int
	texWidth, texHeight   int
	viewWidth, viewHeight int
}

// Compositor draws the camera texture, rotated and aspect-fitted, plus an
// optional text overlay. All methods must run on the render thread with a
// context from the share group Init ran in.
type Compositor struct {
	dev Device
	log *zap.Logger

	program       Program
	texture       Texture
	positionBuf   Buffer
	texcoordBuf   Buffer
	overlayProg   Program
	overlayTex    Texture
	overlayPosBuf Buffer
	overlayUVBuf  Buffer

	texWidth    int
	texHeight   int
	rotation    int
	frontFacing bool
	hasFrame    bool
	dirty       bool

	coords      TextureCoordinates
	quads       map[geomKey]VertexQuad
	uploadedKey geomKey
	quadLoaded  bool

	viewWidth  int
	viewHeight int

	overlay        OverlayCache
	overlayLoaded  uint64 // Generation in overlayTex
	overlayHasData bool

	initialized bool
	stats       CompositorStats
}

var _ Renderer = (*Compositor)(nil)

// NewCompositor creates a compositor drawing through dev.
func NewCompositor(dev Device, log *zap.Logger) *Compositor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compositor{
		dev:   dev,
		log:   log,
		quads: make(map[geomKey]VertexQuad),
	}
}

// Init creates programs, buffers and textures in the current context.
func (c *Compositor) Init() (err error) {
	if c.initialized {
		return nil
	}
	defer func() {
		if err != nil {
			c.Release()
		}
	}()

	if c.program, err = c.dev.CreateProgram(cameraVertexShader, cameraFragmentShader); err != nil {
		return fmt.Errorf("camera program: %w", err)
	}
	if c.overlayProg, err = c.dev.CreateProgram(overlayVertexShader, overlayFragmentShader); err != nil {
		return fmt.Errorf("overlay program: %w", err)
	}
	for _, tex := range []*Texture{&c.texture, &c.overlayTex} {
		if *tex, err = c.dev.CreateTexture(); err != nil {
			return fmt.Errorf("create texture: %w", err)
		}
	}
	for _, buf := range []*Buffer{&c.positionBuf, &c.texcoordBuf, &c.overlayPosBuf, &c.overlayUVBuf} {
		if *buf, err = c.dev.CreateBuffer(); err != nil {
			return fmt.Errorf("create buffer: %w", err)
		}
	}

	c.coords = Rotation0
	if err = c.dev.BufferData(c.texcoordBuf, c.coords[:]); err != nil {
		return err
	}
	if err = c.dev.BufferData(c.overlayPosBuf, FullScreenQuad.Positions[:]); err != nil {
		return err
	}
	if err = c.dev.BufferData(c.overlayUVBuf, Rotation0[:]); err != nil {
		return err
	}

	c.initialized = true
	return nil
}

// Resize records the display size.
func (c *Compositor) Resize(width, height int) {
	if width == c.viewWidth && height == c.viewHeight {
		return
	}
	c.viewWidth, c.viewHeight = width, height
	c.log.Debug("compositor resized", zap.Int("width", width), zap.Int("height", height))
}

// ViewSize returns the display size recorded by Resize.
func (c *Compositor) ViewSize() (width, height int) {
	return c.viewWidth, c.viewHeight
}

// UploadFrame copies a frame into the camera texture. Storage is
// reallocated only when the frame size changes. Coordinates follow the
// frame's rotation and mirroring.
func (c *Compositor) UploadFrame(f *Frame) error {
	if !c.initialized {
		return errors.New("compositor not initialized")
	}
	if err := f.Validate(); err != nil {
		return err
	}

	if f.Width != c.texWidth || f.Height != c.texHeight {
		if err := c.dev.TexImage2D(c.texture, f.Width, f.Height, f.Pixels); err != nil {
			return fmt.Errorf("allocate texture: %w", err)
		}
		c.texWidth, c.texHeight = f.Width, f.Height
		c.stats.Reallocations++
		clear(c.quads)
	} else if err := c.dev.TexSubImage2D(c.texture, f.Width, f.Height, f.Pixels); err != nil {
		return fmt.Errorf("update texture: %w", err)
	}

	if !c.hasFrame || f.Rotation != c.rotation || f.FrontFacing != c.frontFacing {
		coords := CoordinatesFor(f.Rotation, f.FrontFacing)
		if coords != c.coords {
			if err := c.dev.BufferData(c.texcoordBuf, coords[:]); err != nil {
				return err
			}
			c.coords = coords
		}
		if f.Rotation != c.rotation {
			clear(c.quads)
		}
		c.rotation, c.frontFacing = f.Rotation, f.FrontFacing
	}

	c.hasFrame = true
	c.dirty = true
	c.stats.Uploads++
	return nil
}

// TakeDirty reports whether a frame was uploaded since the last call.
func (c *Compositor) TakeDirty() bool {
	d := c.dirty
	c.dirty = false
	return d
}

// Coordinates returns the texture coordinates in use.
func (c *Compositor) Coordinates() TextureCoordinates {
	return c.coords
}

// Quad returns the quad for the current frame drawn into a view of the
// given size.
func (c *Compositor) Quad(viewWidth, viewHeight int) VertexQuad {
	key := geomKey{c.rotation, c.texWidth, c.texHeight, viewWidth, viewHeight}
	if q, ok := c.quads[key]; ok {
		return q
	}
	q := FitQuad(c.rotation, c.texWidth, c.texHeight, viewWidth, viewHeight)
	c.quads[key] = q
	c.stats.GeometryUpdates++
	return q
}

// Draw clears target and draws the camera texture into it. Before any frame
// was uploaded only the clear happens.
func (c *Compositor) Draw(target RenderTarget) error {
	if !c.initialized {
		return errors.New("compositor not initialized")
	}
	if err := c.bind(target); err != nil {
		return err
	}
	c.dev.SetBlend(BlendNone)
	c.dev.ClearColor(0, 0, 0, 1)
	c.dev.Clear()
	if !c.hasFrame {
		return nil
	}

	key := geomKey{c.rotation, c.texWidth, c.texHeight, target.Width, target.Height}
	quad := c.Quad(target.Width, target.Height)
	if !c.quadLoaded || key != c.uploadedKey {
		if err := c.dev.BufferData(c.positionBuf, quad.Positions[:]); err != nil {
			return err
		}
		c.uploadedKey = key
		c.quadLoaded = true
	}
	return c.dev.DrawTriangleStrip(c.program, c.positionBuf, c.texcoordBuf, c.texture)
}

// DrawOverlay blends text over whatever target holds. Empty text draws
// nothing.
func (c *Compositor) DrawOverlay(target RenderTarget, text string) error {
	if text == "" {
		return nil
	}
	if !c.initialized {
		return errors.New("compositor not initialized")
	}
	if err := c.bind(target); err != nil {
		return err
	}

	bitmap, _ := c.overlay.Bitmap(text, target.Width, target.Height)
	if !c.overlayHasData || c.overlay.Generation() != c.overlayLoaded {
		b := bitmap.Bounds()
		if err := c.dev.TexImage2D(c.overlayTex, b.Dx(), b.Dy(), bitmap.Pix); err != nil {
			return fmt.Errorf("upload overlay: %w", err)
		}
		c.overlayLoaded = c.overlay.Generation()
		c.overlayHasData = true
		c.stats.OverlayRenders++
	}

	c.dev.SetBlend(BlendAlpha)
	defer c.dev.SetBlend(BlendNone)
	return c.dev.DrawTriangleStrip(c.overlayProg, c.overlayPosBuf, c.overlayUVBuf, c.overlayTex)
}

// CaptureStill reads back target, which must be bound for reading, and
// returns it upright.
func (c *Compositor) CaptureStill(target RenderTarget) (*image.RGBA, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("invalid capture target %dx%d", target.Width, target.Height)
	}
	w, h := target.Width, target.Height
	raw := make([]byte, RGBASize(w, h))
	if err := c.dev.ReadPixels(0, 0, w, h, raw); err != nil {
		return nil, fmt.Errorf("read pixels: %w", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rowBytes := w * 4
	for y := 0; y < h; y++ {
		src := raw[(h-1-y)*rowBytes : (h-y)*rowBytes]
		copy(img.Pix[y*img.Stride:y*img.Stride+rowBytes], src)
	}
	return img, nil
}

// Stats returns compositor counters.
func (c *Compositor) Stats() CompositorStats {
	return c.stats
}

// Release deletes all GPU objects.
func (c *Compositor) Release() {
	for _, p := range []Program{c.program, c.overlayProg} {
		if p != 0 {
			c.dev.DeleteProgram(p)
		}
	}
	for _, t := range []Texture{c.texture, c.overlayTex} {
		if t != 0 {
			c.dev.DeleteTexture(t)
		}
	}
	for _, b := range []Buffer{c.positionBuf, c.texcoordBuf, c.overlayPosBuf, c.overlayUVBuf} {
		if b != 0 {
			c.dev.DeleteBuffer(b)
		}
	}
	c.program, c.overlayProg = 0, 0
	c.texture, c.overlayTex = 0, 0
	c.positionBuf, c.texcoordBuf, c.overlayPosBuf, c.overlayUVBuf = 0, 0, 0, 0
	c.texWidth, c.texHeight = 0, 0
	c.hasFrame, c.dirty, c.quadLoaded, c.overlayHasData = false, false, false, false
	c.overlay.Reset()
	clear(c.quads)
	c.initialized = false
}

func (c *Compositor) bind(target RenderTarget) error {
	if !target.Valid() {
		return fmt.Errorf("invalid render target %dx%d", target.Width, target.Height)
	}
	if err := c.dev.BindFramebuffer(target.Framebuffer); err != nil {
		return fmt.Errorf("bind framebuffer: %w", err)
	}
	c.dev.Viewport(0, 0, target.Width, target.Height)
	return nil
}
