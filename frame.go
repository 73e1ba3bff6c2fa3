// Core frame and sample types used across the camrec package.
package camrec

import "fmt"

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatRGBA32 PixelFormat = iota // Packed RGBA, 4 bytes per pixel
	PixelFormatI420                      // YUV 4:2:0 planar (Y + U + V)
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatRGBA32:
		return "RGBA32"
	case PixelFormatI420:
		return "I420"
	default:
		return "Unknown"
	}
}

// AudioFormat represents audio sample formats.
type AudioFormat int

const (
	AudioFormatS16 AudioFormat = iota // Signed 16-bit little-endian PCM
)

// BytesPerSample returns the number of bytes per sample for this format.
func (a AudioFormat) BytesPerSample() int {
	switch a {
	case AudioFormatS16:
		return 2
	default:
		return 0
	}
}

// Frame is one camera frame as handed over by the upstream filter chain.
// Pixels are tightly packed RGBA8888, top row first.
type Frame struct {
	Pixels      []byte // RGBA8888, len = Width*Height*4
	Width       int    // Frame width in pixels
	Height      int    // Frame height in pixels
	Rotation    int    // Clockwise rotation needed for display: 0, 90, 180 or 270
	FrontFacing bool   // Frame comes from a front-facing (mirrored) camera
	Timestamp   int64  // Arrival time in nanoseconds (session clock)
}

// RGBASize returns the buffer size of a tightly packed RGBA frame.
func RGBASize(width, height int) int {
	return width * height * 4
}

// Validate checks the frame invariants.
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	if len(f.Pixels) != RGBASize(f.Width, f.Height) {
		return fmt.Errorf("%w: %d bytes for %dx%d", ErrInvalidFrame, len(f.Pixels), f.Width, f.Height)
	}
	if !validRotation(f.Rotation) {
		return fmt.Errorf("%w: rotation %d", ErrInvalidFrame, f.Rotation)
	}
	return nil
}

// Clone creates a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	clone := *f
	if f.Pixels != nil {
		clone.Pixels = make([]byte, len(f.Pixels))
		copy(clone.Pixels, f.Pixels)
	}
	return &clone
}

func validRotation(deg int) bool {
	switch deg {
	case 0, 90, 180, 270:
		return true
	default:
		return false
	}
}
