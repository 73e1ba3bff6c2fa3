//go:build (darwin || linux) && !noh264

// H.264 surface encoder backed by libmedia_h264 through purego.

package camrec

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/ebitengine/purego"
)

var (
	mediaH264Once    sync.Once
	mediaH264Handle  uintptr
	mediaH264InitErr error
)

// libmedia_h264 function pointers
var (
	mediaH264EncoderCreate        func(width, height, fps, bitrateKbps, profile, threads int32) uint64
	mediaH264EncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts, outDts uintptr) int32
	mediaH264EncoderMaxOutputSize func(encoder uint64) int32
	mediaH264EncoderGetSPSPPS     func(encoder uint64, spsOut uintptr, spsCapacity int32, spsLen uintptr, ppsOut uintptr, ppsCapacity int32, ppsLen uintptr) int32
	mediaH264EncoderDestroy       func(encoder uint64)

	mediaH264GetError         func() uintptr
	mediaH264EncoderAvailable func() int32
)

// Constants from media_h264.h
const (
	mediaH264ProfileBaseline = 66

	mediaH264FrameI   = 0
	mediaH264FrameIDR = 3
)

func loadMediaH264() error {
	mediaH264Once.Do(func() {
		mediaH264InitErr = loadMediaH264Lib()
	})
	return mediaH264InitErr
}

func loadMediaH264Lib() error {
	var lastErr error
	for _, path := range nativeLibPaths("libmedia_h264", "MEDIA_H264_LIB_PATH") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		mediaH264Handle = handle
		loadMediaH264Symbols()
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("failed to load libmedia_h264: %w", lastErr)
	}
	return errors.New("libmedia_h264 not found in any standard location")
}

func loadMediaH264Symbols() {
	purego.RegisterLibFunc(&mediaH264EncoderCreate, mediaH264Handle, "media_h264_encoder_create")
	purego.RegisterLibFunc(&mediaH264EncoderEncode, mediaH264Handle, "media_h264_encoder_encode")
	purego.RegisterLibFunc(&mediaH264EncoderMaxOutputSize, mediaH264Handle, "media_h264_encoder_max_output_size")
	purego.RegisterLibFunc(&mediaH264EncoderGetSPSPPS, mediaH264Handle, "media_h264_encoder_get_sps_pps")
	purego.RegisterLibFunc(&mediaH264EncoderDestroy, mediaH264Handle, "media_h264_encoder_destroy")
	purego.RegisterLibFunc(&mediaH264GetError, mediaH264Handle, "media_h264_get_error")
	purego.RegisterLibFunc(&mediaH264EncoderAvailable, mediaH264Handle, "media_h264_encoder_available")
}

// IsH264EncoderAvailable checks if libmedia_h264 is loadable and has an
// encoder compiled in.
func IsH264EncoderAvailable() bool {
	if err := loadMediaH264(); err != nil {
		return false
	}
	return mediaH264EncoderAvailable() != 0
}

func getH264Error() string {
	ptr := mediaH264GetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// h264Core encodes bottom-up RGBA surface frames.
type h264Core struct {
	config VideoEncoderConfig
	handle uint64

	i420      []byte
	outputBuf []byte

	gop        int64
	frameCount int64

	sps []byte
	pps []byte

	// Heap-allocated out parameters for the native call.
	out *h264EncodeResult
}

type h264EncodeResult struct {
	FrameType int32
	PTS       int64
	DTS       int64
}

func newH264Core(config VideoEncoderConfig) (*h264Core, error) {
	if err := loadMediaH264(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}
	if mediaH264EncoderAvailable() == 0 {
		return nil, fmt.Errorf("%w: H.264 encoder not compiled into libmedia_h264", ErrEncoderUnavailable)
	}
	if config.Width <= 0 || config.Height <= 0 || config.Width%2 != 0 || config.Height%2 != 0 {
		return nil, fmt.Errorf("H.264 needs even dimensions, got %dx%d", config.Width, config.Height)
	}

	fps := config.FrameRate
	if fps <= 0 {
		fps = 30
	}
	bitrateKbps := config.BitrateBps / 1000
	if bitrateKbps <= 0 {
		bitrateKbps = 1000
	}
	threads := config.Threads
	if threads <= 0 {
		threads = 4
	}

	handle := mediaH264EncoderCreate(
		int32(config.Width),
		int32(config.Height),
		int32(fps),
		int32(bitrateKbps),
		mediaH264ProfileBaseline,
		int32(threads),
	)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create H.264 encoder: %s", getH264Error())
	}

	maxOutput := mediaH264EncoderMaxOutputSize(handle)
	if maxOutput <= 0 {
		maxOutput = int32(I420Size(config.Width, config.Height))
	}

	c := &h264Core{
		config:    config,
		handle:    handle,
		i420:      make([]byte, I420Size(config.Width, config.Height)),
		outputBuf: make([]byte, maxOutput),
		gop:       int64(fps * max(config.IFrameIntervalSec, 1)),
		out:       &h264EncodeResult{},
	}
	c.extractSPSPPS()
	return c, nil
}

func (c *h264Core) extractSPSPPS() {
	spsOut := make([]byte, 256)
	ppsOut := make([]byte, 256)
	lens := &[2]int32{}

	mediaH264EncoderGetSPSPPS(
		c.handle,
		uintptr(unsafe.Pointer(&spsOut[0])), 256, uintptr(unsafe.Pointer(&lens[0])),
		uintptr(unsafe.Pointer(&ppsOut[0])), 256, uintptr(unsafe.Pointer(&lens[1])),
	)

	if lens[0] > 0 {
		c.sps = append([]byte(nil), spsOut[:lens[0]]...)
	}
	if lens[1] > 0 {
		c.pps = append([]byte(nil), ppsOut[:lens[1]]...)
	}
}

// Encode implements frameEncoder.
func (c *h264Core) Encode(rgba []byte, ptsUs int64) ([]encodedUnit, error) {
	if c.handle == 0 {
		return nil, ErrReleased
	}
	if len(rgba) != RGBASize(c.config.Width, c.config.Height) {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d surface", ErrInvalidFrame, len(rgba), c.config.Width, c.config.Height)
	}
	rgbaToI420(c.i420, rgba, c.config.Width, c.config.Height, true)

	ySize := c.config.Width * c.config.Height
	cSize := (c.config.Width / 2) * (c.config.Height / 2)
	forceKeyframe := int32(0)
	if c.frameCount%c.gop == 0 {
		forceKeyframe = 1
	}
	c.frameCount++

	result := mediaH264EncoderEncode(
		c.handle,
		uintptr(unsafe.Pointer(&c.i420[0])),
		uintptr(unsafe.Pointer(&c.i420[ySize])),
		uintptr(unsafe.Pointer(&c.i420[ySize+cSize])),
		int32(c.config.Width),
		int32(c.config.Width/2),
		forceKeyframe,
		uintptr(unsafe.Pointer(&c.outputBuf[0])),
		int32(len(c.outputBuf)),
		uintptr(unsafe.Pointer(&c.out.FrameType)),
		uintptr(unsafe.Pointer(&c.out.PTS)),
		uintptr(unsafe.Pointer(&c.out.DTS)),
	)
	if result < 0 {
		return nil, fmt.Errorf("encode failed: %s", getH264Error())
	}
	if result == 0 {
		return nil, nil
	}

	data := append([]byte(nil), c.outputBuf[:result]...)
	var flags BufferFlags
	if c.out.FrameType == mediaH264FrameIDR || c.out.FrameType == mediaH264FrameI {
		flags |= FlagKeyFrame
	}
	if c.sps == nil || c.pps == nil {
		c.parameterSetsFrom(data)
	}
	return []encodedUnit{{data: data, ptsUs: ptsUs, flags: flags}}, nil
}

// parameterSetsFrom picks SPS and PPS out of an Annex-B access unit when the
// library did not report them up front.
func (c *h264Core) parameterSetsFrom(au []byte) {
	var nalus h264.AnnexB
	if err := nalus.Unmarshal(au); err != nil {
		return
	}
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			c.sps = append([]byte(nil), nalu...)
		case h264.NALUTypePPS:
			c.pps = append([]byte(nil), nalu...)
		}
	}
}

// Flush implements frameEncoder. Baseline output has no reordering, so
// nothing is held back.
func (c *h264Core) Flush() ([]encodedUnit, error) {
	return nil, nil
}

// Format implements frameEncoder.
func (c *h264Core) Format() (MediaFormat, bool) {
	if c.sps == nil || c.pps == nil {
		return MediaFormat{}, false
	}
	return MediaFormat{
		Kind:       TrackVideo,
		VideoCodec: VideoCodecH264,
		Width:      c.config.Width,
		Height:     c.config.Height,
		FrameRate:  c.config.FrameRate,
		SPS:        c.sps,
		PPS:        c.pps,
		BitrateBps: c.config.BitrateBps,
	}, true
}

// Close implements frameEncoder.
func (c *h264Core) Close() error {
	if c.handle != 0 {
		mediaH264EncoderDestroy(c.handle)
		c.handle = 0
	}
	return nil
}

// H264Encoder is a SurfaceEncoder over libmedia_h264. Frames swapped into
// its input surface are converted to I420 and encoded on a worker goroutine.
type H264Encoder struct {
	*codecQueue
	config VideoEncoderConfig
}

var _ SurfaceEncoder = (*H264Encoder)(nil)

// NewH264Encoder creates a new H.264 surface encoder.
func NewH264Encoder(config VideoEncoderConfig) (*H264Encoder, error) {
	core, err := newH264Core(config)
	if err != nil {
		return nil, err
	}
	return &H264Encoder{
		codecQueue: newCodecQueue("h264", core, 0, 0, config.Logger),
		config:     config,
	}, nil
}

// InputSurface implements SurfaceEncoder.
func (e *H264Encoder) InputSurface() SurfaceSink {
	return SurfaceSinkFunc(e.present)
}

func (e *H264Encoder) present(pixels []byte, width, height int, ptsNs int64) error {
	if width != e.config.Width || height != e.config.Height {
		return fmt.Errorf("surface %dx%d does not match encoder %dx%d", width, height, e.config.Width, e.config.Height)
	}
	e.submitFrame(pixels, ptsNs/1000)
	return nil
}

func init() {
	if IsH264EncoderAvailable() {
		RegisterVideoEncoder(VideoCodecH264, ProviderX264, func(config VideoEncoderConfig) (SurfaceEncoder, error) {
			return NewH264Encoder(config)
		})
	}
}
