package camrec

import "fmt"

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecH264
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecH264:
		return "H264"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecH264:
		return "video/avc"
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c VideoCodec) ClockRate() uint32 {
	return 90000
}

// DefaultPayloadType returns a typical payload type for this codec.
func (c VideoCodec) DefaultPayloadType() uint8 {
	switch c {
	case VideoCodecH264:
		return 102
	default:
		return 96
	}
}

// AudioCodec identifies the audio codec type.
type AudioCodec int

const (
	AudioCodecUnknown AudioCodec = iota
	AudioCodecAAC
)

func (c AudioCodec) String() string {
	switch c {
	case AudioCodecAAC:
		return "AAC"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c AudioCodec) MimeType() string {
	switch c {
	case AudioCodecAAC:
		return "audio/mp4a-latm"
	default:
		return ""
	}
}

// TrackKind distinguishes the two elementary streams of a recording.
type TrackKind int

const (
	TrackVideo TrackKind = iota
	TrackAudio
)

func (k TrackKind) String() string {
	switch k {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// AAC object types used in AudioPreset.Profile.
const (
	AACProfileLC = 2
)

// MediaFormat describes one encoded track. Encoders publish it once, before
// their first sample.
type MediaFormat struct {
	Kind TrackKind

	// Video
	VideoCodec VideoCodec
	Width      int
	Height     int
	FrameRate  int
	SPS        []byte // Without start code
	PPS        []byte // Without start code

	// Audio
	AudioCodec AudioCodec
	SampleRate int
	Channels   int
	Profile    int // AAC audio object type

	BitrateBps int
}

func (f MediaFormat) String() string {
	switch f.Kind {
	case TrackVideo:
		return fmt.Sprintf("%s %dx%d@%d", f.VideoCodec, f.Width, f.Height, f.FrameRate)
	case TrackAudio:
		return fmt.Sprintf("%s %dHz/%dch", f.AudioCodec, f.SampleRate, f.Channels)
	default:
		return "unknown"
	}
}

// BufferFlags annotate encoded samples.
type BufferFlags uint32

const (
	FlagKeyFrame    BufferFlags = 1 << iota // Sample is a sync sample
	FlagCodecConfig                         // Sample carries codec configuration only
	FlagEndOfStream                         // Last sample of the stream
)

// Has returns true if all specified flags are set.
func (f BufferFlags) Has(flag BufferFlags) bool { return f&flag == flag }

// SampleInfo describes one encoded sample.
type SampleInfo struct {
	Size               int
	PresentationTimeUs int64
	Flags              BufferFlags
}

// OutputKind classifies the result of Encoder.DequeueOutput.
type OutputKind int

const (
	OutputTryAgain      OutputKind = iota // Nothing available yet
	OutputFormatChanged                   // Output format is ready, see Output.Format
	OutputSample                          // Encoded sample, release with Encoder.ReleaseOutput
)

func (k OutputKind) String() string {
	switch k {
	case OutputTryAgain:
		return "TryAgain"
	case OutputFormatChanged:
		return "FormatChanged"
	case OutputSample:
		return "Sample"
	default:
		return "Unknown"
	}
}

// Output is one event dequeued from an encoder.
type Output struct {
	Kind   OutputKind
	Index  int          // Buffer index for ReleaseOutput (samples only)
	Data   []byte       // Encoded payload, valid until ReleaseOutput
	Info   SampleInfo   // Sample metadata
	Format *MediaFormat // Set for OutputFormatChanged
}
