package camrec

import (
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// WebRTCTap exposes the video track as a local WebRTC track that any number
// of peer connections can send. Audio is ignored.
type WebRTCTap struct {
	track *webrtc.TrackLocalStaticSample
	log   *zap.Logger

	mu       sync.Mutex
	sps, pps []byte
	lastUs   int64
	frameDur time.Duration
	started  bool
}

var _ SampleTap = (*WebRTCTap)(nil)

// NewWebRTCTap creates the local H.264 track.
func NewWebRTCTap(streamID string, log *zap.Logger) (*WebRTCTap, error) {
	if log == nil {
		log = zap.NewNop()
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   VideoCodecH264.ClockRate(),
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		"video",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create webrtc track: %w", err)
	}
	return &WebRTCTap{
		track:    track,
		log:      log.Named("webrtc"),
		frameDur: time.Second / 30,
	}, nil
}

// Track returns the local track.
func (t *WebRTCTap) Track() *webrtc.TrackLocalStaticSample {
	return t.track
}

// AddTo adds the track to pc and discards incoming RTCP on the sender.
func (t *WebRTCTap) AddTo(pc *webrtc.PeerConnection) (*webrtc.RTPSender, error) {
	sender, err := pc.AddTrack(t.track)
	if err != nil {
		return nil, err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

// TrackFormat implements SampleTap.
func (t *WebRTCTap) TrackFormat(kind TrackKind, format MediaFormat) error {
	if kind != TrackVideo {
		return nil
	}
	if format.VideoCodec != VideoCodecH264 {
		return fmt.Errorf("%w: %s over WebRTC", ErrCodecNotSupported, format.VideoCodec)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sps, t.pps = format.SPS, format.PPS
	if format.FrameRate > 0 {
		t.frameDur = time.Second / time.Duration(format.FrameRate)
	}
	return nil
}

// WriteSample implements SampleTap. Sample durations follow presentation
// time deltas.
func (t *WebRTCTap) WriteSample(kind TrackKind, data []byte, info SampleInfo) error {
	if kind != TrackVideo {
		return nil
	}

	t.mu.Lock()
	sps, pps := t.sps, t.pps
	dur := t.frameDur
	if t.started && info.PresentationTimeUs > t.lastUs {
		dur = time.Duration(info.PresentationTimeUs-t.lastUs) * time.Microsecond
	}
	t.lastUs = info.PresentationTimeUs
	t.started = true
	t.mu.Unlock()

	nalus, err := accessUnit(data, info.Flags.Has(FlagKeyFrame), sps, pps)
	if err != nil {
		return err
	}
	au, err := h264.AnnexB(nalus).Marshal()
	if err != nil {
		return fmt.Errorf("marshal annex-b: %w", err)
	}
	return t.track.WriteSample(media.Sample{Data: au, Duration: dur})
}

// Close implements SampleTap.
func (t *WebRTCTap) Close() error {
	return nil
}
