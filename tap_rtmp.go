package camrec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/sirupsen/logrus"
	flvtag "github.com/yutopp/go-flv/tag"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
	"go.uber.org/zap"
)

const (
	rtmpChunkSize     = 128
	rtmpVideoChunkID  = 6
	rtmpAudioChunkID  = 4
	defaultRTMPPort   = "1935"
	rtmpFlashVersion  = "FMLE/3.0 (compatible; camrec)"
	avcConfigVersion  = 1
	avcNALULengthSize = 4
)

// messageWriter is the publishing side of an RTMP stream.
type messageWriter interface {
	Write(chunkStreamID int, timestamp uint32, msg rtmpmsg.Message) error
}

// RTMPTap publishes both tracks to an RTMP server as FLV tags. Sequence
// headers are sent once per track before its first sample.
type RTMPTap struct {
	w      messageWriter
	closer func() error
	log    *zap.Logger

	mu          sync.Mutex
	video       *MediaFormat
	audio       *MediaFormat
	videoHeader bool
	audioHeader bool
	originSet   bool
	originUs    int64
}

var _ SampleTap = (*RTMPTap)(nil)

// DialRTMPTap connects to rtmp://host[:port]/app/stream and starts
// publishing stream.
func DialRTMPTap(rawURL string, log *zap.Logger) (*RTMPTap, error) {
	if log == nil {
		log = zap.NewNop()
	}
	addr, app, name, err := parseRTMPURL(rawURL)
	if err != nil {
		return nil, err
	}

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	conn, err := rtmp.Dial("rtmp", addr, &rtmp.ConnConfig{Logger: quiet})
	if err != nil {
		return nil, fmt.Errorf("dial rtmp %s: %w", addr, err)
	}
	tcURL := strings.TrimSuffix(rawURL, "/"+name)
	if err := conn.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      app,
			Type:     "nonprivate",
			FlashVer: rtmpFlashVersion,
			TCURL:    tcURL,
		},
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rtmp connect: %w", err)
	}
	stream, err := conn.CreateStream(nil, rtmpChunkSize)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rtmp create stream: %w", err)
	}
	if err := stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: name,
		PublishingType: "live",
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rtmp publish: %w", err)
	}

	t := newRTMPTap(stream, log)
	t.closer = conn.Close
	t.log.Info("rtmp preview", zap.String("addr", addr), zap.String("app", app), zap.String("stream", name))
	return t, nil
}

func newRTMPTap(w messageWriter, log *zap.Logger) *RTMPTap {
	return &RTMPTap{w: w, log: log.Named("rtmp")}
}

func parseRTMPURL(raw string) (addr, app, name string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("parse rtmp url: %w", err)
	}
	if u.Scheme != "rtmp" {
		return "", "", "", fmt.Errorf("unsupported rtmp scheme %q", u.Scheme)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[len(parts)-1] == "" {
		return "", "", "", fmt.Errorf("rtmp url %q needs /app/stream", raw)
	}
	addr = u.Host
	if u.Port() == "" {
		addr += ":" + defaultRTMPPort
	}
	return addr, strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1], nil
}

// TrackFormat implements SampleTap.
func (t *RTMPTap) TrackFormat(kind TrackKind, format MediaFormat) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f := format
	switch kind {
	case TrackVideo:
		if f.VideoCodec != VideoCodecH264 {
			return fmt.Errorf("%w: %s over RTMP", ErrCodecNotSupported, f.VideoCodec)
		}
		t.video, t.videoHeader = &f, false
	case TrackAudio:
		if f.AudioCodec != AudioCodecAAC {
			return fmt.Errorf("%w: %s over RTMP", ErrCodecNotSupported, f.AudioCodec)
		}
		t.audio, t.audioHeader = &f, false
	}
	return nil
}

// WriteSample implements SampleTap.
func (t *RTMPTap) WriteSample(kind TrackKind, data []byte, info SampleInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if kind == TrackVideo && t.video == nil {
		return errors.New("video sample before format")
	}
	if kind != TrackVideo && t.audio == nil {
		return errors.New("audio sample before format")
	}
	if !t.originSet {
		t.originUs = info.PresentationTimeUs
		t.originSet = true
	}
	ts := uint32(max(info.PresentationTimeUs-t.originUs, 0) / 1000)

	if kind == TrackVideo {
		if !t.videoHeader {
			header, err := flvVideoSequenceHeader(t.video.SPS, t.video.PPS)
			if err != nil {
				return err
			}
			if err := t.w.Write(rtmpVideoChunkID, ts, &rtmpmsg.VideoMessage{Payload: bytes.NewReader(header)}); err != nil {
				return err
			}
			t.videoHeader = true
		}
		payload, err := flvVideoPayload(data, info.Flags.Has(FlagKeyFrame))
		if err != nil {
			return err
		}
		return t.w.Write(rtmpVideoChunkID, ts, &rtmpmsg.VideoMessage{Payload: bytes.NewReader(payload)})
	}

	if !t.audioHeader {
		header, err := flvAudioSequenceHeader(*t.audio)
		if err != nil {
			return err
		}
		if err := t.w.Write(rtmpAudioChunkID, ts, &rtmpmsg.AudioMessage{Payload: bytes.NewReader(header)}); err != nil {
			return err
		}
		t.audioHeader = true
	}
	payload, err := flvAudioPayload(data, flvtag.AACPacketTypeRaw)
	if err != nil {
		return err
	}
	return t.w.Write(rtmpAudioChunkID, ts, &rtmpmsg.AudioMessage{Payload: bytes.NewReader(payload)})
}

// Close implements SampleTap.
func (t *RTMPTap) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer()
}

// flvVideoSequenceHeader builds an AVC sequence header tag body holding an
// AVCDecoderConfigurationRecord.
func flvVideoSequenceHeader(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, errors.New("AVC sequence header needs SPS and PPS")
	}
	record := make([]byte, 0, 11+len(sps)+len(pps))
	record = append(record,
		avcConfigVersion,
		sps[1], sps[2], sps[3], // Profile, compatibility, level
		0xFC|(avcNALULengthSize-1),
		0xE0|1, // One SPS
		byte(len(sps)>>8), byte(len(sps)),
	)
	record = append(record, sps...)
	record = append(record, 1, byte(len(pps)>>8), byte(len(pps)))
	record = append(record, pps...)

	var buf bytes.Buffer
	err := flvtag.EncodeVideoData(&buf, &flvtag.VideoData{
		FrameType:     flvtag.FrameTypeKeyFrame,
		CodecID:       flvtag.CodecIDAVC,
		AVCPacketType: flvtag.AVCPacketTypeSequenceHeader,
		Data:          bytes.NewReader(record),
	})
	if err != nil {
		return nil, fmt.Errorf("encode avc sequence header: %w", err)
	}
	return buf.Bytes(), nil
}

// flvVideoPayload converts an Annex-B access unit into an AVC NALU tag
// body.
func flvVideoPayload(data []byte, keyFrame bool) ([]byte, error) {
	nalus, err := accessUnit(data, false, nil, nil)
	if err != nil {
		return nil, err
	}
	avcc, err := h264.AVCC(nalus).Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal avcc: %w", err)
	}

	frameType := flvtag.FrameTypeInterFrame
	if keyFrame {
		frameType = flvtag.FrameTypeKeyFrame
	}
	var buf bytes.Buffer
	err = flvtag.EncodeVideoData(&buf, &flvtag.VideoData{
		FrameType:     frameType,
		CodecID:       flvtag.CodecIDAVC,
		AVCPacketType: flvtag.AVCPacketTypeNALU,
		Data:          bytes.NewReader(avcc),
	})
	if err != nil {
		return nil, fmt.Errorf("encode avc nalu: %w", err)
	}
	return buf.Bytes(), nil
}

// flvAudioSequenceHeader builds an AAC sequence header tag body holding the
// AudioSpecificConfig of f.
func flvAudioSequenceHeader(f MediaFormat) ([]byte, error) {
	conf := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectType(f.Profile),
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
	}
	asc, err := conf.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal audio specific config: %w", err)
	}
	return flvAudioPayload(asc, flvtag.AACPacketTypeSequenceHeader)
}

func flvAudioPayload(data []byte, packetType flvtag.AACPacketType) ([]byte, error) {
	// AAC tags always signal 44 kHz stereo; the real layout is in the
	// AudioSpecificConfig.
	var buf bytes.Buffer
	err := flvtag.EncodeAudioData(&buf, &flvtag.AudioData{
		SoundFormat:   flvtag.SoundFormatAAC,
		SoundRate:     flvtag.SoundRate44kHz,
		SoundSize:     flvtag.SoundSize16Bit,
		SoundType:     flvtag.SoundTypeStereo,
		AACPacketType: packetType,
		Data:          bytes.NewReader(data),
	})
	if err != nil {
		return nil, fmt.Errorf("encode aac tag: %w", err)
	}
	return buf.Bytes(), nil
}
