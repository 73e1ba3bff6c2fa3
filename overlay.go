package camrec

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	overlayBandColor = color.RGBA{0, 0, 0, 128}
	overlayTextColor = color.RGBA{255, 255, 255, 255}
)

// OverlayCache holds the rendered overlay bitmap. The bitmap is rebuilt only
// when the text or the target size changes.
type OverlayCache struct {
	bitmap     *image.RGBA
	lastText   string
	lastWidth  int
	lastHeight int
	generation uint64
}

// Bitmap returns the bitmap for text at the given target size, rendering it
// if needed. The second result reports whether it was regenerated.
func (c *OverlayCache) Bitmap(text string, width, height int) (*image.RGBA, bool) {
	if c.bitmap != nil && text == c.lastText && width == c.lastWidth && height == c.lastHeight {
		return c.bitmap, false
	}
	c.bitmap = renderOverlay(text, width, height)
	c.lastText = text
	c.lastWidth = width
	c.lastHeight = height
	c.generation++
	return c.bitmap, true
}

// Generation counts bitmap regenerations.
func (c *OverlayCache) Generation() uint64 {
	return c.generation
}

// Reset drops the cached bitmap.
func (c *OverlayCache) Reset() {
	*c = OverlayCache{generation: c.generation}
}

// renderOverlay draws text on a translucent band at the bottom-left of a
// transparent target-sized bitmap. The 7x13 face is scaled by pixel
// replication so the text stays legible on tall targets.
func renderOverlay(text string, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if text == "" || width <= 0 || height <= 0 {
		return dst
	}

	face := basicfont.Face7x13
	scale := max(1, height/360)

	d := &font.Drawer{Face: face}
	textW := d.MeasureString(text).Ceil()
	textH := face.Metrics().Height.Ceil()

	glyphs := image.NewRGBA(image.Rect(0, 0, textW, textH))
	d.Dst = glyphs
	d.Src = image.NewUniform(overlayTextColor)
	d.Dot = fixed.Point26_6{X: 0, Y: face.Metrics().Ascent}
	d.DrawString(text)

	margin := 8 * scale
	pad := 4 * scale
	band := image.Rect(
		margin,
		height-margin-textH*scale-2*pad,
		min(width, margin+textW*scale+2*pad),
		height-margin,
	).Intersect(dst.Bounds())
	draw.Draw(dst, band, image.NewUniform(overlayBandColor), image.Point{}, draw.Src)

	origin := image.Pt(band.Min.X+pad, band.Min.Y+pad)
	for y := 0; y < textH; y++ {
		for x := 0; x < textW; x++ {
			px := glyphs.RGBAAt(x, y)
			if px.A == 0 {
				continue
			}
			cell := image.Rect(origin.X+x*scale, origin.Y+y*scale, origin.X+(x+1)*scale, origin.Y+(y+1)*scale)
			draw.Draw(dst, cell.Intersect(band), image.NewUniform(px), image.Point{}, draw.Over)
		}
	}
	return dst
}
