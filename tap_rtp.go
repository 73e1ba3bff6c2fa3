package camrec

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pion/rtp"
	"go.uber.org/zap"
)

const (
	defaultRTPMTU = 1200
	rtpHeaderSize = 12
	nalTypeFUA    = 28 // Fragmentation Unit A
)

// H264Packetizer splits H.264 access units into RTP packets (RFC 6184):
// single NAL unit packets where they fit, FU-A fragments otherwise.
type H264Packetizer struct {
	ssrc        uint32
	payloadType uint8
	mtu         int
	sequencer   rtp.Sequencer
	mu          sync.Mutex
}

// NewH264Packetizer creates a new H.264 RTP packetizer.
func NewH264Packetizer(ssrc uint32, payloadType uint8, mtu int) *H264Packetizer {
	if mtu <= rtpHeaderSize+2 {
		mtu = defaultRTPMTU
	}
	return &H264Packetizer{
		ssrc:        ssrc,
		payloadType: payloadType,
		mtu:         mtu,
		sequencer:   rtp.NewRandomSequencer(),
	}
}

// Packetize converts the NAL units of one access unit into RTP packets.
// The marker bit is set on the last packet.
func (p *H264Packetizer) Packetize(nalus [][]byte, timestamp uint32) []*rtp.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()

	var packets []*rtp.Packet
	for i, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		isLast := i == len(nalus)-1

		if len(nalu) <= p.mtu-rtpHeaderSize {
			packets = append(packets, p.packet(nalu, timestamp, isLast))
			continue
		}
		packets = append(packets, p.fragment(nalu, timestamp, isLast)...)
	}
	return packets
}

func (p *H264Packetizer) packet(payload []byte, timestamp uint32, marker bool) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    p.payloadType,
			SequenceNumber: p.sequencer.NextSequenceNumber(),
			Timestamp:      timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
}

// fragment splits a NAL unit into FU-A packets.
func (p *H264Packetizer) fragment(nalu []byte, timestamp uint32, isLastNALU bool) []*rtp.Packet {
	nalType := nalu[0] & 0x1F
	nri := nalu[0] & 0x60

	payload := nalu[1:]
	maxPayload := p.mtu - rtpHeaderSize - 2 // FU indicator + FU header

	var packets []*rtp.Packet
	for offset := 0; offset < len(payload); {
		end := min(offset+maxPayload, len(payload))
		isStart := offset == 0
		isEnd := end == len(payload)

		fuHeader := nalType
		if isStart {
			fuHeader |= 0x80
		}
		if isEnd {
			fuHeader |= 0x40
		}

		buf := make([]byte, 2+end-offset)
		buf[0] = nri | nalTypeFUA
		buf[1] = fuHeader
		copy(buf[2:], payload[offset:end])

		packets = append(packets, p.packet(buf, timestamp, isEnd && isLastNALU))
		offset = end
	}
	return packets
}

// SSRC returns the synchronization source.
func (p *H264Packetizer) SSRC() uint32 { return p.ssrc }

// RTPTapConfig configures an RTPTap.
type RTPTapConfig struct {
	Addr        string // UDP destination host:port
	PayloadType uint8  // Defaults to VideoCodecH264.DefaultPayloadType()
	SSRC        uint32 // Random when zero
	MTU         int
	Logger      *zap.Logger
}

// RTPTap streams the video track as H.264 over RTP. Audio is ignored.
// Parameter sets are repeated before every key frame so receivers can
// join at any IDR.
type RTPTap struct {
	w      io.Writer
	closer io.Closer
	pkt    *H264Packetizer
	log    *zap.Logger

	mu       sync.Mutex
	sps, pps []byte

	packets atomic.Uint64
	bytes   atomic.Uint64
}

var _ SampleTap = (*RTPTap)(nil)

// NewRTPTap dials the UDP destination.
func NewRTPTap(cfg RTPTapConfig) (*RTPTap, error) {
	conn, err := net.Dial("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial rtp %s: %w", cfg.Addr, err)
	}
	t := newRTPTap(conn, cfg)
	t.closer = conn
	t.log.Info("rtp preview", zap.String("addr", cfg.Addr), zap.Uint32("ssrc", t.pkt.SSRC()))
	return t, nil
}

func newRTPTap(w io.Writer, cfg RTPTapConfig) *RTPTap {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = VideoCodecH264.DefaultPayloadType()
	}
	if cfg.SSRC == 0 {
		cfg.SSRC = rand.Uint32()
	}
	return &RTPTap{
		w:   w,
		pkt: NewH264Packetizer(cfg.SSRC, cfg.PayloadType, cfg.MTU),
		log: cfg.Logger.Named("rtp"),
	}
}

// TrackFormat implements SampleTap.
func (t *RTPTap) TrackFormat(kind TrackKind, format MediaFormat) error {
	if kind != TrackVideo {
		return nil
	}
	if format.VideoCodec != VideoCodecH264 {
		return fmt.Errorf("%w: %s over RTP", ErrCodecNotSupported, format.VideoCodec)
	}
	t.mu.Lock()
	t.sps, t.pps = format.SPS, format.PPS
	t.mu.Unlock()
	return nil
}

// WriteSample implements SampleTap.
func (t *RTPTap) WriteSample(kind TrackKind, data []byte, info SampleInfo) error {
	if kind != TrackVideo {
		return nil
	}
	t.mu.Lock()
	sps, pps := t.sps, t.pps
	t.mu.Unlock()

	nalus, err := accessUnit(data, info.Flags.Has(FlagKeyFrame), sps, pps)
	if err != nil {
		return err
	}

	ts := uint32(info.PresentationTimeUs * int64(VideoCodecH264.ClockRate()) / 1_000_000)
	for _, p := range t.pkt.Packetize(nalus, ts) {
		b, err := p.Marshal()
		if err != nil {
			return fmt.Errorf("marshal rtp: %w", err)
		}
		if _, err := t.w.Write(b); err != nil {
			return err
		}
		t.packets.Add(1)
		t.bytes.Add(uint64(len(b)))
	}
	return nil
}

// Packets returns the number of RTP packets sent.
func (t *RTPTap) Packets() uint64 { return t.packets.Load() }

// Close implements SampleTap.
func (t *RTPTap) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// accessUnit parses an Annex-B sample, drops access unit delimiters and,
// for key frames without parameter sets, prepends sps and pps.
func accessUnit(data []byte, keyFrame bool, sps, pps []byte) ([][]byte, error) {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("parse annex-b: %w", err)
	}

	hasParams := false
	nalus := make([][]byte, 0, len(au)+2)
	for _, n := range au {
		if len(n) == 0 {
			continue
		}
		switch h264.NALUType(n[0] & 0x1F) {
		case h264.NALUTypeAccessUnitDelimiter:
			continue
		case h264.NALUTypeSPS:
			hasParams = true
		}
		nalus = append(nalus, n)
	}
	if len(nalus) == 0 {
		return nil, errors.New("empty access unit")
	}
	if keyFrame && !hasParams && len(sps) > 0 && len(pps) > 0 {
		nalus = append([][]byte{sps, pps}, nalus...)
	}
	return nalus, nil
}
