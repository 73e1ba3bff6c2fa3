package camrec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PatternType selects what a PatternSource draws.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternMovingBox                       // White box circling the center
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// ParsePatternType parses a pattern name as printed by String, case
// insensitively.
func ParsePatternType(s string) (PatternType, error) {
	for p := PatternColorBars; p <= PatternMovingBox; p++ {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown pattern %q", s)
}

// PatternConfig configures a PatternSource.
type PatternConfig struct {
	CameraConfig
	Pattern     PatternType
	CheckerSize int // Size of each checker square (default: 32)
}

// PatternSource is a synthetic camera producing RGBA test patterns at a
// fixed rate, tagged with the configured rotation and facing.
type PatternSource struct {
	config PatternConfig
	pixels []byte

	frameDuration time.Duration
	frameCount    uint64

	running atomic.Bool
	cancel  context.CancelFunc
	doneCh  chan struct{}

	mu sync.Mutex
}

var _ CameraSource = (*PatternSource)(nil)

// NewPatternSource creates a pattern camera.
func NewPatternSource(config PatternConfig) *PatternSource {
	if config.Width <= 0 {
		config.Width = 1280
	}
	if config.Height <= 0 {
		config.Height = 720
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}
	if config.CheckerSize <= 0 {
		config.CheckerSize = 32
	}

	s := &PatternSource{
		config:        config,
		pixels:        make([]byte, RGBASize(config.Width, config.Height)),
		frameDuration: time.Second / time.Duration(config.FPS),
	}
	s.generate(0)
	return s
}

// Start delivers frames to sink until ctx is done or Stop is called.
func (s *PatternSource) Start(ctx context.Context, sink FrameSink) error {
	if sink == nil {
		return errors.New("pattern source needs a sink")
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("source already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.doneCh = make(chan struct{})
	s.frameCount = 0
	done := s.doneCh
	s.mu.Unlock()

	go s.loop(ctx, sink, done)
	return nil
}

// Stop stops generating frames and waits for the goroutine to exit.
func (s *PatternSource) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.mu.Lock()
	cancel, done := s.cancel, s.doneCh
	s.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Config implements CameraSource.
func (s *PatternSource) Config() CameraConfig {
	return s.config.CameraConfig
}

func (s *PatternSource) loop(ctx context.Context, sink FrameSink, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.frameCount++
			if s.config.Pattern == PatternMovingBox {
				s.generate(s.frameCount)
			}
			sink(s.pixels, s.config.Width, s.config.Height, s.config.FrontFacing, s.config.Rotation)
		}
	}
}

func (s *PatternSource) generate(frameNum uint64) {
	switch s.config.Pattern {
	case PatternGradient:
		s.generateGradient()
	case PatternCheckerboard:
		s.generateCheckerboard()
	case PatternMovingBox:
		s.generateMovingBox(frameNum)
	default:
		s.generateColorBars()
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func (s *PatternSource) set(x, y int, r, g, b uint8) {
	i := (y*s.config.Width + x) * 4
	s.pixels[i] = r
	s.pixels[i+1] = g
	s.pixels[i+2] = b
	s.pixels[i+3] = 0xFF
}

func (s *PatternSource) generateColorBars() {
	w, h := s.config.Width, s.config.Height
	barWidth := max(w/8, 1)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			rgb := colorBarsRGB[min(x/barWidth, 7)]
			s.set(x, y, rgb[0], rgb[1], rgb[2])
		}
	}
}

func (s *PatternSource) generateGradient() {
	w, h := s.config.Width, s.config.Height

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x * 255) / w)
			s.set(x, y, v, v, v)
		}
	}
}

func (s *PatternSource) generateCheckerboard() {
	w, h := s.config.Width, s.config.Height
	size := s.config.CheckerSize

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(16)
			if ((x/size)+(y/size))%2 == 0 {
				v = 235
			}
			s.set(x, y, v, v, v)
		}
	}
}

func (s *PatternSource) generateMovingBox(frameNum uint64) {
	w, h := s.config.Width, s.config.Height

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s.set(x, y, 16, 16, 16)
		}
	}

	// The box moves in a circle.
	boxSize := max(min(w, h)/8, 1)
	radius := float64(min(w, h)) / 4
	angle := float64(frameNum) * 0.05
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	for y := max(boxY, 0); y < boxY+boxSize && y < h; y++ {
		for x := max(boxX, 0); x < boxX+boxSize && x < w; x++ {
			s.set(x, y, 235, 235, 235)
		}
	}
}

func init() {
	RegisterCamera("pattern", func(config CameraConfig) (CameraSource, error) {
		return NewPatternSource(PatternConfig{CameraConfig: config, Pattern: PatternColorBars}), nil
	})
	RegisterCamera("movingbox", func(config CameraConfig) (CameraSource, error) {
		return NewPatternSource(PatternConfig{CameraConfig: config, Pattern: PatternMovingBox}), nil
	})
}
