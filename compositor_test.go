package camrec

import (
	"bytes"
	"testing"

	"go.uber.org/zap/zaptest"
)

func solidFrame(width, height int, rgba [4]byte) *Frame {
	f := &Frame{Pixels: make([]byte, RGBASize(width, height)), Width: width, Height: height}
	for i := 0; i < len(f.Pixels); i += 4 {
		copy(f.Pixels[i:], rgba[:])
	}
	return f
}

// uniqueFrame gives every pixel a distinct opaque color.
func uniqueFrame(width, height int) *Frame {
	f := &Frame{Pixels: make([]byte, RGBASize(width, height)), Width: width, Height: height}
	for i := 0; i < width*height; i++ {
		f.Pixels[i*4] = byte(10 + i)
		f.Pixels[i*4+1] = byte(100 + 3*i)
		f.Pixels[i*4+2] = byte(200 - 5*i)
		f.Pixels[i*4+3] = 255
	}
	return f
}

func pixelAt(pix []byte, width, x, y int) []byte {
	i := (y*width + x) * 4
	return pix[i : i+4]
}

type compositorFixture struct {
	gpu     *SoftGPU
	comp    *Compositor
	display Binding
	target  RenderTarget
}

func newCompositorFixture(t *testing.T, viewWidth, viewHeight int) *compositorFixture {
	t.Helper()
	gpu, display := displayGPU(t, viewWidth, viewHeight)
	comp := NewCompositor(gpu, zaptest.NewLogger(t))
	if err := comp.Init(); err != nil {
		t.Fatalf("Init() = %v", err)
	}
	comp.Resize(viewWidth, viewHeight)
	return &compositorFixture{
		gpu:     gpu,
		comp:    comp,
		display: display,
		target:  RenderTarget{Surface: display.Draw, Width: viewWidth, Height: viewHeight},
	}
}

func (fx *compositorFixture) render(t *testing.T, f *Frame) []byte {
	t.Helper()
	if f != nil {
		if err := fx.comp.UploadFrame(f); err != nil {
			t.Fatalf("UploadFrame() = %v", err)
		}
	}
	if err := fx.comp.Draw(fx.target); err != nil {
		t.Fatalf("Draw() = %v", err)
	}
	img, err := fx.comp.CaptureStill(fx.target)
	if err != nil {
		t.Fatalf("CaptureStill() = %v", err)
	}
	return img.Pix
}

func TestCompositor_CaptureStillMatchesFrame(t *testing.T) {
	fx := newCompositorFixture(t, 3, 2)
	frame := uniqueFrame(3, 2)

	got := fx.render(t, frame)
	if !bytes.Equal(got, frame.Pixels) {
		t.Fatalf("CaptureStill = %v, want %v", got, frame.Pixels)
	}

	// The raw readback is bottom row first.
	raw := make([]byte, RGBASize(3, 2))
	if err := fx.gpu.ReadPixels(0, 0, 3, 2, raw); err != nil {
		t.Fatal(err)
	}
	rowBytes := 3 * 4
	if !bytes.Equal(raw[:rowBytes], frame.Pixels[rowBytes:]) || !bytes.Equal(raw[rowBytes:], frame.Pixels[:rowBytes]) {
		t.Errorf("raw readback is not the vertical flip of the frame")
	}
}

func TestCompositor_Orientation(t *testing.T) {
	a := []byte{10, 100, 200, 255}
	b := []byte{11, 103, 195, 255}

	tests := []struct {
		name     string
		rotation int
		front    bool
		viewW    int
		viewH    int
		want     [][]byte // Captured pixels, top-left first
	}{
		{"rear 0", 0, false, 2, 1, [][]byte{a, b}},
		{"rear 90", 90, false, 1, 2, [][]byte{a, b}},
		{"rear 180", 180, false, 2, 1, [][]byte{b, a}},
		{"rear 270", 270, false, 1, 2, [][]byte{b, a}},
		{"front 0 mirrors", 0, true, 2, 1, [][]byte{b, a}},
		{"front 90 uses 270", 90, true, 1, 2, [][]byte{b, a}},
		{"front 270 uses 90", 270, true, 1, 2, [][]byte{a, b}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newCompositorFixture(t, tt.viewW, tt.viewH)
			frame := uniqueFrame(2, 1)
			frame.Rotation = tt.rotation
			frame.FrontFacing = tt.front

			got := fx.render(t, frame)
			for i, want := range tt.want {
				if px := got[i*4 : i*4+4]; !bytes.Equal(px, want) {
					t.Errorf("pixel %d = %v, want %v", i, px, want)
				}
			}
		})
	}
}

func TestCompositor_Letterbox(t *testing.T) {
	fx := newCompositorFixture(t, 4, 4)
	frame := uniqueFrame(4, 2)

	got := fx.render(t, frame)
	black := []byte{0, 0, 0, 255}
	for x := 0; x < 4; x++ {
		if px := pixelAt(got, 4, x, 0); !bytes.Equal(px, black) {
			t.Errorf("top band pixel %d = %v, want black", x, px)
		}
		if px := pixelAt(got, 4, x, 3); !bytes.Equal(px, black) {
			t.Errorf("bottom band pixel %d = %v, want black", x, px)
		}
		for y := 0; y < 2; y++ {
			if px, want := pixelAt(got, 4, x, y+1), pixelAt(frame.Pixels, 4, x, y); !bytes.Equal(px, want) {
				t.Errorf("pixel (%d,%d) = %v, want %v", x, y+1, px, want)
			}
		}
	}
	if fit := fx.comp.Quad(4, 4).Fit; fit != FitLetterbox {
		t.Errorf("fit = %s, want letterbox", fit)
	}
}

func TestCompositor_DrawBeforeFrame(t *testing.T) {
	fx := newCompositorFixture(t, 2, 2)
	got := fx.render(t, nil)
	want := bytes.Repeat([]byte{0, 0, 0, 255}, 4)
	if !bytes.Equal(got, want) {
		t.Errorf("empty draw = %v, want opaque black", got)
	}
	if fx.gpu.Stats().Draws != 0 {
		t.Error("draw call issued without a frame")
	}
}

func TestCompositor_ReallocatesOnlyOnSizeChange(t *testing.T) {
	fx := newCompositorFixture(t, 4, 4)
	for i := 0; i < 3; i++ {
		if err := fx.comp.UploadFrame(solidFrame(4, 2, [4]byte{byte(i), 0, 0, 255})); err != nil {
			t.Fatal(err)
		}
	}
	if st := fx.comp.Stats(); st.Reallocations != 1 || st.Uploads != 3 {
		t.Fatalf("stats = %+v, want 1 reallocation over 3 uploads", st)
	}
	if gs := fx.gpu.Stats(); gs.TexImageCalls != 1 || gs.TexSubImageCalls != 2 {
		t.Errorf("gpu stats = %+v, want 1 allocation and 2 sub-image updates", gs)
	}

	if err := fx.comp.UploadFrame(solidFrame(2, 4, [4]byte{0, 0, 0, 255})); err != nil {
		t.Fatal(err)
	}
	if st := fx.comp.Stats(); st.Reallocations != 2 {
		t.Errorf("reallocations after size change = %d, want 2", st.Reallocations)
	}
}

func TestCompositor_GeometryCached(t *testing.T) {
	fx := newCompositorFixture(t, 4, 4)
	frame := solidFrame(4, 2, [4]byte{1, 2, 3, 255})
	for i := 0; i < 3; i++ {
		fx.render(t, frame)
	}
	if got := fx.comp.Stats().GeometryUpdates; got != 1 {
		t.Errorf("geometry updates = %d, want 1", got)
	}

	frame.Rotation = 90
	fx.render(t, frame)
	if got := fx.comp.Stats().GeometryUpdates; got != 2 {
		t.Errorf("geometry updates after rotation = %d, want 2", got)
	}
}

func TestCompositor_PortraitScenario(t *testing.T) {
	fx := newCompositorFixture(t, 8, 8)
	frame := solidFrame(1280, 720, [4]byte{50, 60, 70, 255})
	frame.Rotation = 90
	frame.FrontFacing = true
	if err := fx.comp.UploadFrame(frame); err != nil {
		t.Fatal(err)
	}

	if got := fx.comp.Coordinates(); got != Rotation270 {
		t.Errorf("coordinates = %v, want Rotation270", got)
	}
	quad := fx.comp.Quad(1080, 1920)
	if quad.Fit != FitPillarbox {
		t.Errorf("fit = %s, want pillarbox", quad.Fit)
	}
	if x, y := quad.HalfExtents(); x != 1 || y != 1 {
		t.Errorf("half extents = (%v, %v), want (1, 1)", x, y)
	}
}

func TestCompositor_TakeDirty(t *testing.T) {
	fx := newCompositorFixture(t, 2, 2)
	if fx.comp.TakeDirty() {
		t.Error("dirty before any upload")
	}
	if err := fx.comp.UploadFrame(solidFrame(2, 2, [4]byte{0, 0, 0, 255})); err != nil {
		t.Fatal(err)
	}
	if !fx.comp.TakeDirty() {
		t.Error("not dirty after upload")
	}
	if fx.comp.TakeDirty() {
		t.Error("dirty flag not cleared")
	}
}

func TestCompositor_RejectsInvalidFrame(t *testing.T) {
	fx := newCompositorFixture(t, 2, 2)
	tests := []struct {
		name  string
		frame *Frame
	}{
		{"short buffer", &Frame{Pixels: make([]byte, 3), Width: 1, Height: 1}},
		{"zero size", &Frame{Width: 0, Height: 2}},
		{"bad rotation", &Frame{Pixels: make([]byte, 4), Width: 1, Height: 1, Rotation: 45}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := fx.comp.UploadFrame(tt.frame); err == nil {
				t.Error("UploadFrame() accepted invalid frame")
			}
		})
	}
}

func TestCompositor_Overlay(t *testing.T) {
	fx := newCompositorFixture(t, 120, 40)
	frame := solidFrame(120, 40, [4]byte{0, 0, 255, 255})
	if err := fx.comp.UploadFrame(frame); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := fx.comp.Draw(fx.target); err != nil {
			t.Fatal(err)
		}
		if err := fx.comp.DrawOverlay(fx.target, "REC"); err != nil {
			t.Fatal(err)
		}
	}
	if got := fx.comp.Stats().OverlayRenders; got != 1 {
		t.Errorf("overlay renders = %d, want 1", got)
	}

	img, err := fx.comp.CaptureStill(fx.target)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(img.Pix, frame.Pixels) {
		t.Error("overlay left the frame unchanged")
	}
	if px := pixelAt(img.Pix, 120, 119, 0); !bytes.Equal(px, []byte{0, 0, 255, 255}) {
		t.Errorf("pixel outside the overlay band = %v, want the frame color", px)
	}

	if err := fx.comp.DrawOverlay(fx.target, "STOP"); err != nil {
		t.Fatal(err)
	}
	if got := fx.comp.Stats().OverlayRenders; got != 2 {
		t.Errorf("overlay renders after text change = %d, want 2", got)
	}

	draws := fx.gpu.Stats().Draws
	if err := fx.comp.DrawOverlay(fx.target, ""); err != nil {
		t.Fatal(err)
	}
	if fx.gpu.Stats().Draws != draws {
		t.Error("empty overlay text issued a draw")
	}
}

func TestCompositor_Release(t *testing.T) {
	fx := newCompositorFixture(t, 2, 2)
	if err := fx.comp.UploadFrame(solidFrame(2, 2, [4]byte{0, 0, 0, 255})); err != nil {
		t.Fatal(err)
	}
	fx.comp.Release()

	fx.gpu.mu.Lock()
	textures, buffers, programs := len(fx.gpu.textures), len(fx.gpu.buffers), len(fx.gpu.programs)
	fx.gpu.mu.Unlock()
	if textures != 0 || buffers != 0 || programs != 0 {
		t.Errorf("left %d textures, %d buffers, %d programs", textures, buffers, programs)
	}
	if err := fx.comp.Draw(fx.target); err == nil {
		t.Error("Draw after Release succeeded")
	}
	if err := fx.comp.Init(); err != nil {
		t.Errorf("Init after Release = %v", err)
	}
}
