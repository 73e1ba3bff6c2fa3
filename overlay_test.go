package camrec

import "testing"

func TestOverlayCache_RegeneratesOnlyOnChange(t *testing.T) {
	var c OverlayCache

	steps := []struct {
		text      string
		w, h      int
		wantRegen bool
		wantGen   uint64
	}{
		{"REC 00:01", 320, 240, true, 1},
		{"REC 00:01", 320, 240, false, 1},
		{"REC 00:02", 320, 240, true, 2},
		{"REC 00:02", 640, 480, true, 3},
		{"REC 00:02", 640, 480, false, 3},
	}
	for i, s := range steps {
		bmp, regen := c.Bitmap(s.text, s.w, s.h)
		if regen != s.wantRegen {
			t.Errorf("step %d: regenerated = %v, want %v", i, regen, s.wantRegen)
		}
		if c.Generation() != s.wantGen {
			t.Errorf("step %d: generation = %d, want %d", i, c.Generation(), s.wantGen)
		}
		if b := bmp.Bounds(); b.Dx() != s.w || b.Dy() != s.h {
			t.Errorf("step %d: bitmap %dx%d, want %dx%d", i, b.Dx(), b.Dy(), s.w, s.h)
		}
	}

	c.Reset()
	if _, regen := c.Bitmap("REC 00:02", 640, 480); !regen {
		t.Error("Bitmap after Reset was not regenerated")
	}
	if c.Generation() != 4 {
		t.Errorf("generation after Reset = %d, want 4", c.Generation())
	}
}

func TestRenderOverlay(t *testing.T) {
	empty := renderOverlay("", 64, 32)
	for i := 3; i < len(empty.Pix); i += 4 {
		if empty.Pix[i] != 0 {
			t.Fatal("empty text produced visible pixels")
		}
	}

	img := renderOverlay("Hi", 200, 100)
	band, text := 0, 0
	for i := 0; i < len(img.Pix); i += 4 {
		switch {
		case img.Pix[i+3] == 0:
		case img.Pix[i] == 255 && img.Pix[i+3] == 255:
			text++
		default:
			band++
		}
	}
	if band == 0 || text == 0 {
		t.Errorf("overlay has %d band and %d text pixels, want both", band, text)
	}

	// The band sits in the bottom-left corner.
	if img.RGBAAt(199, 0).A != 0 || img.RGBAAt(0, 0).A != 0 {
		t.Error("top corners are not transparent")
	}
	if img.RGBAAt(10, 90).A == 0 {
		t.Error("bottom-left band is transparent")
	}
}
