package camrec

// TextureCoordinates holds four (s, t) pairs in triangle-strip order:
// bottom-left, bottom-right, top-left, top-right.
type TextureCoordinates [8]float32

// The five texture coordinate permutations. Texture row 0 holds the top row
// of the uploaded image, so the upright mapping samples t=1 at the bottom of
// the target. This table is the only source of orientation; nothing is
// derived with trigonometry at runtime.
var (
	Rotation0 = TextureCoordinates{
		0, 1,
		1, 1,
		0, 0,
		1, 0,
	}
	Rotation90 = TextureCoordinates{
		1, 1,
		1, 0,
		0, 1,
		0, 0,
	}
	Rotation180 = TextureCoordinates{
		1, 0,
		0, 0,
		1, 1,
		0, 1,
	}
	Rotation270 = TextureCoordinates{
		0, 0,
		0, 1,
		1, 0,
		1, 1,
	}
	FrontMirror0 = TextureCoordinates{
		1, 1,
		0, 1,
		1, 0,
		0, 0,
	}
)

// CoordinatesFor selects the texture coordinates for a frame orientation.
// Front-facing cameras use the mirrored row for 0 and swap the 90 and 270
// rows. Unknown rotations fall back to the 0 degree rows.
func CoordinatesFor(rotation int, frontFacing bool) TextureCoordinates {
	if frontFacing {
		switch rotation {
		case 90:
			return Rotation270
		case 180:
			return Rotation180
		case 270:
			return Rotation90
		default:
			return FrontMirror0
		}
	}
	switch rotation {
	case 90:
		return Rotation90
	case 180:
		return Rotation180
	case 270:
		return Rotation270
	default:
		return Rotation0
	}
}

// FitMode describes how a quad was fitted into the view.
type FitMode int

const (
	FitLetterbox FitMode = iota // Texture wider than view: bands top and bottom
	FitPillarbox                // Texture taller than (or equal to) view: bands left and right
)

func (m FitMode) String() string {
	switch m {
	case FitLetterbox:
		return "letterbox"
	case FitPillarbox:
		return "pillarbox"
	default:
		return "unknown"
	}
}

// VertexQuad is a screen-aligned quad in normalized device coordinates,
// four (x, y) pairs in the same strip order as TextureCoordinates.
type VertexQuad struct {
	Positions [8]float32
	Fit       FitMode
}

// FullScreenQuad covers the whole [-1,1] box.
var FullScreenQuad = VertexQuad{
	Positions: [8]float32{
		-1, -1,
		1, -1,
		-1, 1,
		1, 1,
	},
	Fit: FitPillarbox,
}

// HalfExtents returns the x and y half-extents of the quad.
func (q VertexQuad) HalfExtents() (x, y float32) {
	return q.Positions[2], q.Positions[5]
}

// TextureAspectRatio returns the display aspect ratio of a texture after
// rotation is applied.
func TextureAspectRatio(rotation, width, height int) float64 {
	if rotation == 90 || rotation == 270 {
		return float64(height) / float64(width)
	}
	return float64(width) / float64(height)
}

// FitQuad computes the aspect-preserving quad for a texture of the given
// size and rotation drawn into a view of the given size.
func FitQuad(rotation, texWidth, texHeight, viewWidth, viewHeight int) VertexQuad {
	if texWidth <= 0 || texHeight <= 0 || viewWidth <= 0 || viewHeight <= 0 {
		return FullScreenQuad
	}

	textureAR := TextureAspectRatio(rotation, texWidth, texHeight)
	viewAR := float64(viewWidth) / float64(viewHeight)

	x, y := float32(1), float32(1)
	fit := FitPillarbox
	if textureAR > viewAR {
		y = float32(viewAR / textureAR)
		fit = FitLetterbox
	} else {
		x = float32(textureAR / viewAR)
	}

	return VertexQuad{
		Positions: [8]float32{
			-x, -y,
			x, -y,
			-x, y,
			x, y,
		},
		Fit: fit,
	}
}
