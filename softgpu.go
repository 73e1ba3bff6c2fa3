package camrec

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
)

var (
	errNoContext      = errors.New("softgpu: no current context")
	errUnknownObject  = errors.New("softgpu: unknown object")
	errNotShared      = errors.New("softgpu: object not visible in current share group")
	errNoDrawSurface  = errors.New("softgpu: no draw surface bound")
	errSurfaceCurrent = errors.New("softgpu: surface is current")
)

// SoftGPUStats counts work done by a SoftGPU.
type SoftGPUStats struct {
	TexImageCalls    uint64
	TexSubImageCalls uint64
	Draws            uint64
	Swaps            uint64
}

type softContext struct {
	group uint32
}

type softSurface struct {
	width, height int
	pixels        []byte // RGBA, bottom row first
	sink          SurfaceSink
	ptsNs         int64
}

type softTexture struct {
	group         uint32
	width, height int
	pixels        []byte // RGBA, row 0 at t=0
}

type softBuffer struct {
	group uint32
	data  []float32
}

type softProgram struct {
	group uint32
}

// SoftGPU is a CPU implementation of GPU. It rasterizes triangle strips
// with nearest-neighbour sampling into per-surface RGBA framebuffers and
// enforces context share groups the way EGL does. One binding is tracked,
// so it serves a single render thread.
type SoftGPU struct {
	mu sync.Mutex

	nextID    uint32
	nextGroup uint32

	contexts map[Context]*softContext
	surfaces map[Surface]*softSurface
	textures map[Texture]*softTexture
	buffers  map[Buffer]*softBuffer
	programs map[Program]*softProgram

	current  Binding
	fbBound  bool
	viewport [4]int
	clear    [4]uint8
	blend    BlendMode

	stats SoftGPUStats
}

// NewSoftGPU creates an empty software GPU with no contexts.
func NewSoftGPU() *SoftGPU {
	return &SoftGPU{
		contexts: make(map[Context]*softContext),
		surfaces: make(map[Surface]*softSurface),
		textures: make(map[Texture]*softTexture),
		buffers:  make(map[Buffer]*softBuffer),
		programs: make(map[Program]*softProgram),
		clear:    [4]uint8{0, 0, 0, 255},
	}
}

// Stats returns a snapshot of the work counters.
func (g *SoftGPU) Stats() SoftGPUStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

func (g *SoftGPU) id() uint32 {
	g.nextID++
	return g.nextID
}

func (g *SoftGPU) currentGroup() (uint32, error) {
	ctx, ok := g.contexts[g.current.Context]
	if !ok {
		return 0, errNoContext
	}
	return ctx.group, nil
}

// --- Platform ---

// Current implements Platform.
func (g *SoftGPU) Current() Binding {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// MakeCurrent implements Platform. A zero Context releases the binding.
func (g *SoftGPU) MakeCurrent(b Binding) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b.Context == NoContext {
		g.current = Binding{}
		g.fbBound = false
		return nil
	}
	if _, ok := g.contexts[b.Context]; !ok {
		return fmt.Errorf("%w: context %d", errUnknownObject, b.Context)
	}
	for _, s := range []Surface{b.Draw, b.Read} {
		if s == NoSurface {
			continue
		}
		if _, ok := g.surfaces[s]; !ok {
			return fmt.Errorf("%w: surface %d", errUnknownObject, s)
		}
	}
	if b != g.current {
		g.fbBound = false
	}
	g.current = b
	return nil
}

// CreateContext implements Platform.
func (g *SoftGPU) CreateContext(share Context) (Context, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var group uint32
	if share != NoContext {
		sc, ok := g.contexts[share]
		if !ok {
			return 0, fmt.Errorf("%w: share context %d", errUnknownObject, share)
		}
		group = sc.group
	} else {
		g.nextGroup++
		group = g.nextGroup
	}

	ctx := Context(g.id())
	g.contexts[ctx] = &softContext{group: group}
	return ctx, nil
}

// DestroyContext implements Platform. Destroying the current context
// releases the binding.
func (g *SoftGPU) DestroyContext(ctx Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.contexts[ctx]; !ok {
		return fmt.Errorf("%w: context %d", errUnknownObject, ctx)
	}
	delete(g.contexts, ctx)
	if g.current.Context == ctx {
		g.current = Binding{}
		g.fbBound = false
	}
	return nil
}

// CreateWindowSurface implements Platform.
func (g *SoftGPU) CreateWindowSurface(sink SurfaceSink, width, height int) (Surface, error) {
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("softgpu: invalid surface size %dx%d", width, height)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Surface(g.id())
	g.surfaces[s] = &softSurface{
		width:  width,
		height: height,
		pixels: make([]byte, RGBASize(width, height)),
		sink:   sink,
	}
	return s, nil
}

// DestroySurface implements Platform.
func (g *SoftGPU) DestroySurface(s Surface) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.surfaces[s]; !ok {
		return fmt.Errorf("%w: surface %d", errUnknownObject, s)
	}
	if g.current.Draw == s || g.current.Read == s {
		return fmt.Errorf("%w: %d", errSurfaceCurrent, s)
	}
	delete(g.surfaces, s)
	return nil
}

// SetPresentationTime implements Platform.
func (g *SoftGPU) SetPresentationTime(s Surface, ptsNs int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	surf, ok := g.surfaces[s]
	if !ok {
		return fmt.Errorf("%w: surface %d", errUnknownObject, s)
	}
	surf.ptsNs = ptsNs
	return nil
}

// SwapBuffers implements Platform. The surface must be the current draw
// surface.
func (g *SoftGPU) SwapBuffers(s Surface) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	surf, ok := g.surfaces[s]
	if !ok {
		return fmt.Errorf("%w: surface %d", errUnknownObject, s)
	}
	if g.current.Draw != s {
		return fmt.Errorf("softgpu: swap of surface %d which is not current", s)
	}
	g.stats.Swaps++
	if surf.sink == nil {
		return nil
	}
	return surf.sink.PresentFrame(surf.pixels, surf.width, surf.height, surf.ptsNs)
}

// --- Device ---

// CreateProgram implements Device. Shader sources are checked for an entry
// point only.
func (g *SoftGPU) CreateProgram(vertexSrc, fragmentSrc string) (Program, error) {
	if !hasMain(vertexSrc) || !hasMain(fragmentSrc) {
		return 0, errors.New("softgpu: shader without main")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	group, err := g.currentGroup()
	if err != nil {
		return 0, err
	}
	p := Program(g.id())
	g.programs[p] = &softProgram{group: group}
	return p, nil
}

// DeleteProgram implements Device.
func (g *SoftGPU) DeleteProgram(p Program) {
	g.mu.Lock()
	delete(g.programs, p)
	g.mu.Unlock()
}

// CreateTexture implements Device.
func (g *SoftGPU) CreateTexture() (Texture, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	group, err := g.currentGroup()
	if err != nil {
		return 0, err
	}
	t := Texture(g.id())
	g.textures[t] = &softTexture{group: group}
	return t, nil
}

// TexImage2D implements Device.
func (g *SoftGPU) TexImage2D(tex Texture, width, height int, pixels []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, err := g.texture(tex)
	if err != nil {
		return err
	}
	if len(pixels) != RGBASize(width, height) {
		return fmt.Errorf("softgpu: %d bytes for %dx%d texture", len(pixels), width, height)
	}
	t.width, t.height = width, height
	t.pixels = make([]byte, len(pixels))
	copy(t.pixels, pixels)
	g.stats.TexImageCalls++
	return nil
}

// TexSubImage2D implements Device.
func (g *SoftGPU) TexSubImage2D(tex Texture, width, height int, pixels []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, err := g.texture(tex)
	if err != nil {
		return err
	}
	if width != t.width || height != t.height || len(pixels) != len(t.pixels) {
		return fmt.Errorf("softgpu: sub image %dx%d exceeds storage %dx%d", width, height, t.width, t.height)
	}
	copy(t.pixels, pixels)
	g.stats.TexSubImageCalls++
	return nil
}

// DeleteTexture implements Device.
func (g *SoftGPU) DeleteTexture(tex Texture) {
	g.mu.Lock()
	delete(g.textures, tex)
	g.mu.Unlock()
}

// CreateBuffer implements Device.
func (g *SoftGPU) CreateBuffer() (Buffer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	group, err := g.currentGroup()
	if err != nil {
		return 0, err
	}
	b := Buffer(g.id())
	g.buffers[b] = &softBuffer{group: group}
	return b, nil
}

// BufferData implements Device.
func (g *SoftGPU) BufferData(buf Buffer, data []float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, err := g.buffer(buf)
	if err != nil {
		return err
	}
	b.data = append(b.data[:0], data...)
	return nil
}

// DeleteBuffer implements Device.
func (g *SoftGPU) DeleteBuffer(buf Buffer) {
	g.mu.Lock()
	delete(g.buffers, buf)
	g.mu.Unlock()
}

// BindFramebuffer implements Device. Only the default framebuffer of the
// draw surface exists.
func (g *SoftGPU) BindFramebuffer(fb Framebuffer) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if fb != DefaultFramebuffer {
		return fmt.Errorf("%w: framebuffer %d", errUnknownObject, fb)
	}
	if _, ok := g.surfaces[g.current.Draw]; !ok {
		return errNoDrawSurface
	}
	g.fbBound = true
	return nil
}

// Viewport implements Device.
func (g *SoftGPU) Viewport(x, y, width, height int) {
	g.mu.Lock()
	g.viewport = [4]int{x, y, width, height}
	g.mu.Unlock()
}

// ClearColor implements Device.
func (g *SoftGPU) ClearColor(r, gr, b, a float32) {
	g.mu.Lock()
	g.clear = [4]uint8{unorm8(r), unorm8(gr), unorm8(b), unorm8(a)}
	g.mu.Unlock()
}

// Clear implements Device. The whole draw surface is cleared.
func (g *SoftGPU) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	surf, ok := g.surfaces[g.current.Draw]
	if !ok || !g.fbBound {
		return
	}
	for i := 0; i < len(surf.pixels); i += 4 {
		copy(surf.pixels[i:i+4], g.clear[:])
	}
}

// SetBlend implements Device.
func (g *SoftGPU) SetBlend(mode BlendMode) {
	g.mu.Lock()
	g.blend = mode
	g.mu.Unlock()
}

// DrawTriangleStrip implements Device.
func (g *SoftGPU) DrawTriangleStrip(p Program, positions, texcoords Buffer, tex Texture) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	surf, ok := g.surfaces[g.current.Draw]
	if !ok || !g.fbBound {
		return errNoDrawSurface
	}
	group, err := g.currentGroup()
	if err != nil {
		return err
	}
	prog, ok := g.programs[p]
	if !ok {
		return fmt.Errorf("%w: program %d", errUnknownObject, p)
	}
	if prog.group != group {
		return fmt.Errorf("%w: program %d", errNotShared, p)
	}
	pos, err := g.buffer(positions)
	if err != nil {
		return err
	}
	uv, err := g.buffer(texcoords)
	if err != nil {
		return err
	}
	t, err := g.texture(tex)
	if err != nil {
		return err
	}
	if len(pos.data) < 8 || len(uv.data) < 8 {
		return errors.New("softgpu: strip needs 4 vertices")
	}
	if t.width == 0 || t.height == 0 {
		return fmt.Errorf("softgpu: texture %d has no storage", tex)
	}

	g.rasterize(surf, pos.data, uv.data, t, 0, 1, 2)
	g.rasterize(surf, pos.data, uv.data, t, 2, 1, 3)
	g.stats.Draws++
	return nil
}

// ReadPixels implements Device.
func (g *SoftGPU) ReadPixels(x, y, width, height int, dst []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	surf, ok := g.surfaces[g.current.Read]
	if !ok {
		return errors.New("softgpu: no read surface bound")
	}
	if x < 0 || y < 0 || x+width > surf.width || y+height > surf.height {
		return fmt.Errorf("softgpu: read %dx%d+%d+%d outside %dx%d surface", width, height, x, y, surf.width, surf.height)
	}
	if len(dst) < RGBASize(width, height) {
		return fmt.Errorf("softgpu: read buffer of %d bytes too small", len(dst))
	}
	rowBytes := width * 4
	for row := 0; row < height; row++ {
		src := ((y+row)*surf.width + x) * 4
		copy(dst[row*rowBytes:(row+1)*rowBytes], surf.pixels[src:src+rowBytes])
	}
	return nil
}

func (g *SoftGPU) texture(tex Texture) (*softTexture, error) {
	t, ok := g.textures[tex]
	if !ok {
		return nil, fmt.Errorf("%w: texture %d", errUnknownObject, tex)
	}
	group, err := g.currentGroup()
	if err != nil {
		return nil, err
	}
	if t.group != group {
		return nil, fmt.Errorf("%w: texture %d", errNotShared, tex)
	}
	return t, nil
}

func (g *SoftGPU) buffer(buf Buffer) (*softBuffer, error) {
	b, ok := g.buffers[buf]
	if !ok {
		return nil, fmt.Errorf("%w: buffer %d", errUnknownObject, buf)
	}
	group, err := g.currentGroup()
	if err != nil {
		return nil, err
	}
	if b.group != group {
		return nil, fmt.Errorf("%w: buffer %d", errNotShared, buf)
	}
	return b, nil
}

type vertex struct {
	x, y float64
	u, v float64
}

// rasterize fills one triangle of the strip. Pixel centers exactly on an
// edge belong to the triangle for which the edge points up (or left when
// horizontal), so the shared diagonal of a quad is drawn once.
func (g *SoftGPU) rasterize(surf *softSurface, pos, uv []float32, tex *softTexture, i0, i1, i2 int) {
	vx, vy, vw, vh := float64(g.viewport[0]), float64(g.viewport[1]), float64(g.viewport[2]), float64(g.viewport[3])
	mk := func(i int) vertex {
		return vertex{
			x: vx + (float64(pos[2*i])+1)*0.5*vw,
			y: vy + (float64(pos[2*i+1])+1)*0.5*vh,
			u: float64(uv[2*i]),
			v: float64(uv[2*i+1]),
		}
	}
	a, b, c := mk(i0), mk(i1), mk(i2)

	area := edge(a, b, c.x, c.y)
	if area == 0 {
		return
	}
	if area < 0 {
		b, c = c, b
		area = -area
	}

	minX := max(int(math.Floor(min(a.x, b.x, c.x))), g.viewport[0], 0)
	maxX := min(int(math.Ceil(max(a.x, b.x, c.x))), g.viewport[0]+g.viewport[2], surf.width)
	minY := max(int(math.Floor(min(a.y, b.y, c.y))), g.viewport[1], 0)
	maxY := min(int(math.Ceil(max(a.y, b.y, c.y))), g.viewport[1]+g.viewport[3], surf.height)

	for py := minY; py < maxY; py++ {
		cy := float64(py) + 0.5
		for px := minX; px < maxX; px++ {
			cx := float64(px) + 0.5
			w0 := edge(b, c, cx, cy)
			w1 := edge(c, a, cx, cy)
			w2 := edge(a, b, cx, cy)
			if !covers(w0, b, c) || !covers(w1, c, a) || !covers(w2, a, b) {
				continue
			}
			u := (w0*a.u + w1*b.u + w2*c.u) / area
			v := (w0*a.v + w1*b.v + w2*c.v) / area

			tx := clampInt(int(u*float64(tex.width)), 0, tex.width-1)
			ty := clampInt(int(v*float64(tex.height)), 0, tex.height-1)
			src := tex.pixels[(ty*tex.width+tx)*4:][:4]
			dst := surf.pixels[(py*surf.width+px)*4:][:4]
			if g.blend == BlendAlpha {
				blendOver(dst, src)
			} else {
				copy(dst, src)
			}
		}
	}
}

func edge(a, b vertex, px, py float64) float64 {
	return (b.x-a.x)*(py-a.y) - (b.y-a.y)*(px-a.x)
}

func covers(w float64, a, b vertex) bool {
	if w > 0 {
		return true
	}
	if w < 0 {
		return false
	}
	dx, dy := b.x-a.x, b.y-a.y
	return dy > 0 || (dy == 0 && dx < 0)
}

func blendOver(dst, src []byte) {
	sa := uint32(src[3])
	inv := 255 - sa
	for i := 0; i < 3; i++ {
		dst[i] = uint8((uint32(src[i])*sa + uint32(dst[i])*inv + 127) / 255)
	}
	dst[3] = uint8(sa + (uint32(dst[3])*inv+127)/255)
}

func unorm8(f float32) uint8 {
	if f <= 0 {
		return 0
	}
	if f >= 1 {
		return 255
	}
	return uint8(f*255 + 0.5)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func hasMain(src string) bool {
	return strings.Contains(src, "void main(")
}
