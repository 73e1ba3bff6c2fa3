//go:build (darwin || linux) && !noaac

// AAC-LC buffer encoder backed by libmedia_aac through purego.

package camrec

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	mediaAACOnce    sync.Once
	mediaAACHandle  uintptr
	mediaAACInitErr error
)

// libmedia_aac function pointers
var (
	mediaAACEncoderCreate        func(sampleRate, channels, bitrate, objectType int32) uint64
	mediaAACEncoderFrameSize     func(encoder uint64) int32
	mediaAACEncoderMaxOutputSize func(encoder uint64) int32
	mediaAACEncoderEncode        func(encoder uint64, pcm uintptr, frames int32, outData uintptr, outCapacity int32) int32
	mediaAACEncoderDestroy       func(encoder uint64)

	mediaAACGetError         func() uintptr
	mediaAACEncoderAvailable func() int32
)

func loadMediaAAC() error {
	mediaAACOnce.Do(func() {
		mediaAACInitErr = loadMediaAACLib()
	})
	return mediaAACInitErr
}

func loadMediaAACLib() error {
	var lastErr error
	for _, path := range nativeLibPaths("libmedia_aac", "MEDIA_AAC_LIB_PATH") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		mediaAACHandle = handle
		loadMediaAACSymbols()
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("failed to load libmedia_aac: %w", lastErr)
	}
	return errors.New("libmedia_aac not found in any standard location")
}

func loadMediaAACSymbols() {
	purego.RegisterLibFunc(&mediaAACEncoderCreate, mediaAACHandle, "media_aac_encoder_create")
	purego.RegisterLibFunc(&mediaAACEncoderFrameSize, mediaAACHandle, "media_aac_encoder_frame_size")
	purego.RegisterLibFunc(&mediaAACEncoderMaxOutputSize, mediaAACHandle, "media_aac_encoder_max_output_size")
	purego.RegisterLibFunc(&mediaAACEncoderEncode, mediaAACHandle, "media_aac_encoder_encode")
	purego.RegisterLibFunc(&mediaAACEncoderDestroy, mediaAACHandle, "media_aac_encoder_destroy")
	purego.RegisterLibFunc(&mediaAACGetError, mediaAACHandle, "media_aac_get_error")
	purego.RegisterLibFunc(&mediaAACEncoderAvailable, mediaAACHandle, "media_aac_encoder_available")
}

// IsAACEncoderAvailable checks if libmedia_aac is loadable and has an
// encoder compiled in.
func IsAACEncoderAvailable() bool {
	if err := loadMediaAAC(); err != nil {
		return false
	}
	return mediaAACEncoderAvailable() != 0
}

func getAACError() string {
	ptr := mediaAACGetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// aacCore re-frames S16LE PCM into codec frames and encodes them to raw AAC
// access units.
type aacCore struct {
	config AudioEncoderConfig
	handle uint64

	frameSize  int // PCM frames per access unit
	frameBytes int
	pending    []byte
	outputBuf  []byte

	anchorPtsUs int64 // Timestamp of the first pending frame's anchor
	consumed    int64 // Frames encoded since the anchor
}

func newAACCore(config AudioEncoderConfig) (*aacCore, error) {
	if err := loadMediaAAC(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}
	if mediaAACEncoderAvailable() == 0 {
		return nil, fmt.Errorf("%w: AAC encoder not compiled into libmedia_aac", ErrEncoderUnavailable)
	}
	if config.SampleRate <= 0 || config.Channels < 1 || config.Channels > 2 {
		return nil, fmt.Errorf("unsupported AAC layout %dHz/%dch", config.SampleRate, config.Channels)
	}
	profile := config.Profile
	if profile == 0 {
		profile = AACProfileLC
	}

	handle := mediaAACEncoderCreate(int32(config.SampleRate), int32(config.Channels), int32(config.BitrateBps), int32(profile))
	if handle == 0 {
		return nil, fmt.Errorf("failed to create AAC encoder: %s", getAACError())
	}

	frameSize := int(mediaAACEncoderFrameSize(handle))
	if frameSize <= 0 {
		frameSize = 1024
	}
	maxOutput := int(mediaAACEncoderMaxOutputSize(handle))
	if maxOutput <= 0 {
		maxOutput = 768 * config.Channels
	}
	frameBytes := frameSize * config.Channels * AudioFormatS16.BytesPerSample()

	return &aacCore{
		config:     config,
		handle:     handle,
		frameSize:  frameSize,
		frameBytes: frameBytes,
		pending:    make([]byte, 0, frameBytes*4),
		outputBuf:  make([]byte, maxOutput),
	}, nil
}

// Encode implements frameEncoder.
func (c *aacCore) Encode(pcm []byte, ptsUs int64) ([]encodedUnit, error) {
	if c.handle == 0 {
		return nil, ErrReleased
	}
	if len(c.pending) == 0 {
		c.anchorPtsUs = ptsUs
		c.consumed = 0
	}
	c.pending = append(c.pending, pcm...)

	var units []encodedUnit
	for len(c.pending) >= c.frameBytes {
		u, err := c.encodeFrame(c.pending[:c.frameBytes])
		if err != nil {
			return units, err
		}
		if u != nil {
			units = append(units, *u)
		}
		c.pending = append(c.pending[:0], c.pending[c.frameBytes:]...)
	}
	return units, nil
}

func (c *aacCore) encodeFrame(frame []byte) (*encodedUnit, error) {
	ptsUs := c.anchorPtsUs + c.consumed*1_000_000/int64(c.config.SampleRate)
	c.consumed += int64(c.frameSize)

	n := mediaAACEncoderEncode(
		c.handle,
		uintptr(unsafe.Pointer(&frame[0])),
		int32(c.frameSize),
		uintptr(unsafe.Pointer(&c.outputBuf[0])),
		int32(len(c.outputBuf)),
	)
	if n < 0 {
		return nil, fmt.Errorf("encode failed: %s", getAACError())
	}
	if n == 0 {
		return nil, nil
	}
	return &encodedUnit{
		data:  append([]byte(nil), c.outputBuf[:n]...),
		ptsUs: ptsUs,
		flags: FlagKeyFrame,
	}, nil
}

// Flush implements frameEncoder. A partial frame is padded with silence.
func (c *aacCore) Flush() ([]encodedUnit, error) {
	if c.handle == 0 || len(c.pending) == 0 {
		return nil, nil
	}
	frame := make([]byte, c.frameBytes)
	copy(frame, c.pending)
	c.pending = c.pending[:0]

	u, err := c.encodeFrame(frame)
	if err != nil || u == nil {
		return nil, err
	}
	return []encodedUnit{*u}, nil
}

// Format implements frameEncoder.
func (c *aacCore) Format() (MediaFormat, bool) {
	profile := c.config.Profile
	if profile == 0 {
		profile = AACProfileLC
	}
	return MediaFormat{
		Kind:       TrackAudio,
		AudioCodec: AudioCodecAAC,
		SampleRate: c.config.SampleRate,
		Channels:   c.config.Channels,
		Profile:    profile,
		BitrateBps: c.config.BitrateBps,
	}, true
}

// Close implements frameEncoder.
func (c *aacCore) Close() error {
	if c.handle != 0 {
		mediaAACEncoderDestroy(c.handle)
		c.handle = 0
	}
	return nil
}

// AACEncoder is a BufferEncoder over libmedia_aac.
type AACEncoder struct {
	*codecQueue
	config AudioEncoderConfig
}

var _ BufferEncoder = (*AACEncoder)(nil)

// aacInputBuffers is the number of PCM input buffers an AACEncoder offers.
const aacInputBuffers = 4

// NewAACEncoder creates a new AAC-LC buffer encoder.
func NewAACEncoder(config AudioEncoderConfig) (*AACEncoder, error) {
	if config.BufferSize <= 0 {
		return nil, fmt.Errorf("AAC input buffer size must be positive, got %d", config.BufferSize)
	}
	core, err := newAACCore(config)
	if err != nil {
		return nil, err
	}
	return &AACEncoder{
		codecQueue: newCodecQueue("aac", core, aacInputBuffers, config.BufferSize, config.Logger),
		config:     config,
	}, nil
}

func init() {
	if IsAACEncoderAvailable() {
		RegisterAudioEncoder(AudioCodecAAC, ProviderFDKAAC, func(config AudioEncoderConfig) (BufferEncoder, error) {
			return NewAACEncoder(config)
		})
	}
}
