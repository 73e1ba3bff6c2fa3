package camrec

// GPU object handles. Zero is never a valid object.
type (
	Program     uint32
	Texture     uint32
	Buffer      uint32
	Framebuffer uint32
	Context     uint32
	Surface     uint32
)

// NoContext requests a context outside any share group.
const NoContext Context = 0

// NoSurface is the null surface.
const NoSurface Surface = 0

// DefaultFramebuffer is the framebuffer backed by the bound draw surface.
const DefaultFramebuffer Framebuffer = 0

// BlendMode selects the fragment blend equation.
type BlendMode int

const (
	BlendNone  BlendMode = iota // Source replaces destination
	BlendAlpha                  // (SRC_ALPHA, ONE_MINUS_SRC_ALPHA)
)

// Device is the subset of a GLES-style API the compositor draws with.
// Calls apply to the context current on the calling thread, so a Device
// must only be used from its render thread.
type Device interface {
	CreateProgram(vertexSrc, fragmentSrc string) (Program, error)
	DeleteProgram(p Program)

	CreateTexture() (Texture, error)
	// TexImage2D (re)allocates texture storage from tightly packed RGBA,
	// first row at t=0.
	TexImage2D(tex Texture, width, height int, pixels []byte) error
	// TexSubImage2D replaces the full contents of already allocated storage.
	TexSubImage2D(tex Texture, width, height int, pixels []byte) error
	DeleteTexture(tex Texture)

	CreateBuffer() (Buffer, error)
	BufferData(buf Buffer, data []float32) error
	DeleteBuffer(buf Buffer)

	BindFramebuffer(fb Framebuffer) error
	Viewport(x, y, width, height int)
	ClearColor(r, g, b, a float32)
	Clear()
	SetBlend(mode BlendMode)

	// DrawTriangleStrip draws four vertices with 2D positions and texture
	// coordinates taken from the given buffers, sampling tex.
	DrawTriangleStrip(p Program, positions, texcoords Buffer, tex Texture) error

	// ReadPixels copies RGBA from the bound framebuffer. Rows are returned
	// in framebuffer order, bottom row first.
	ReadPixels(x, y, width, height int, dst []byte) error
}

// Binding is the context and surfaces current on a thread.
type Binding struct {
	Context Context
	Draw    Surface
	Read    Surface
}

// Platform is the EGL-style layer that owns contexts and window surfaces.
type Platform interface {
	// Current returns the binding current on the calling thread.
	Current() Binding
	MakeCurrent(b Binding) error

	// CreateContext creates a context. A non-zero share joins the share
	// group of that context, making its textures, buffers and programs
	// visible.
	CreateContext(share Context) (Context, error)
	DestroyContext(ctx Context) error

	// CreateWindowSurface creates a surface whose swapped frames are
	// presented to sink. A nil sink discards frames.
	CreateWindowSurface(sink SurfaceSink, width, height int) (Surface, error)
	DestroySurface(s Surface) error

	SetPresentationTime(s Surface, ptsNs int64) error
	SwapBuffers(s Surface) error
}

// GPU combines the drawing and platform layers of one implementation.
type GPU interface {
	Device
	Platform
}

// SurfaceSink receives frames swapped into a window surface. Pixels are
// RGBA, bottom row first, and only valid for the duration of the call.
type SurfaceSink interface {
	PresentFrame(pixels []byte, width, height int, ptsNs int64) error
}

// SurfaceSinkFunc adapts a function to SurfaceSink.
type SurfaceSinkFunc func(pixels []byte, width, height int, ptsNs int64) error

// PresentFrame implements SurfaceSink.
func (f SurfaceSinkFunc) PresentFrame(pixels []byte, width, height int, ptsNs int64) error {
	return f(pixels, width, height, ptsNs)
}

// RenderTarget names where a draw lands: a framebuffer of a surface and its
// size.
type RenderTarget struct {
	Surface     Surface
	Framebuffer Framebuffer
	Width       int
	Height      int
}

// Valid reports whether the target has a drawable size.
func (t RenderTarget) Valid() bool {
	return t.Width > 0 && t.Height > 0
}
