package camrec

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"go.uber.org/zap"
)

// Muxer interleaves encoded tracks into a container. Tracks are added
// before Start; samples are written between Start and Stop.
type Muxer interface {
	AddTrack(format MediaFormat) (int, error)
	Start() error
	WriteSample(track int, data []byte, info SampleInfo) error
	Stop() error
	Release() error
}

// MuxerFactory opens a muxer bound to an output file.
type MuxerFactory func(path string, log *zap.Logger) (Muxer, error)

const (
	maxMuxerTracks      = 2
	videoTimeScale      = 90000
	fragmentDurationUs  = 1_000_000
	maxBufferedSamples  = 2048
	defaultAudioFrameSz = 1024
)

// MuxerStats reports what a muxer wrote.
type MuxerStats struct {
	Samples      uint64
	Fragments    uint64
	BytesWritten int64
}

type pendingSample struct {
	dts     uint64
	payload []byte
	nonSync bool
}

type muxTrack struct {
	id        int // Container track ID, 1-based
	format    MediaFormat
	timeScale uint32

	pending      *pendingSample
	samples      []*fmp4.Sample
	baseTime     uint64
	lastDuration uint32
}

// MP4Muxer writes fragmented ISO-BMFF: an init segment (ftyp+moov) on Start
// and one moof+mdat fragment roughly per second of video, cut on sync
// samples. Durations come from presentation time deltas.
type MP4Muxer struct {
	path string
	log  *zap.Logger

	mu       sync.Mutex
	file     *os.File
	tracks   []*muxTrack
	started  bool
	stopped  bool
	released bool

	originSet   bool
	originUs    int64
	seq         uint32
	lastFlushUs int64

	stats MuxerStats
}

var _ Muxer = (*MP4Muxer)(nil)

// NewMP4Muxer creates the output file and returns a muxer bound to it.
func NewMP4Muxer(path string, log *zap.Logger) (*MP4Muxer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	return &MP4Muxer{
		path: path,
		log:  log.With(zap.String("output", path)),
		file: f,
		seq:  1,
	}, nil
}

// AddTrack implements Muxer.
func (m *MP4Muxer) AddTrack(format MediaFormat) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return -1, ErrReleased
	}
	if m.started {
		return -1, ErrMuxerStarted
	}
	if len(m.tracks) >= maxMuxerTracks {
		return -1, ErrTrackLimit
	}

	t := &muxTrack{id: len(m.tracks) + 1, format: format}
	switch format.Kind {
	case TrackVideo:
		if format.VideoCodec != VideoCodecH264 {
			return -1, fmt.Errorf("%w: %s in MP4", ErrCodecNotSupported, format.VideoCodec)
		}
		if len(format.SPS) == 0 || len(format.PPS) == 0 {
			return -1, errors.New("H.264 track without SPS/PPS")
		}
		t.timeScale = videoTimeScale
	case TrackAudio:
		if format.AudioCodec != AudioCodecAAC {
			return -1, fmt.Errorf("%w: %s in MP4", ErrCodecNotSupported, format.AudioCodec)
		}
		if format.SampleRate <= 0 || format.Channels <= 0 {
			return -1, fmt.Errorf("invalid audio track %s", format)
		}
		t.timeScale = uint32(format.SampleRate)
	default:
		return -1, fmt.Errorf("unknown track kind %d", format.Kind)
	}

	m.tracks = append(m.tracks, t)
	m.log.Debug("track added", zap.Int("track", len(m.tracks)-1), zap.Stringer("format", format))
	return len(m.tracks) - 1, nil
}

// Start implements Muxer. It writes the init segment.
func (m *MP4Muxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return ErrReleased
	}
	if m.started {
		return ErrMuxerStarted
	}
	if len(m.tracks) == 0 {
		return errors.New("muxer has no tracks")
	}

	initSeg := fmp4.Init{}
	for _, t := range m.tracks {
		initSeg.Tracks = append(initSeg.Tracks, &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: t.timeScale,
			Codec:     trackCodec(t.format),
		})
	}

	var buf seekablebuffer.Buffer
	if err := initSeg.Marshal(&buf); err != nil {
		return fmt.Errorf("marshal init segment: %w", err)
	}
	if err := m.write(buf.Bytes()); err != nil {
		return err
	}
	m.started = true
	return nil
}

func trackCodec(f MediaFormat) mp4.Codec {
	if f.Kind == TrackVideo {
		return &mp4.CodecH264{SPS: f.SPS, PPS: f.PPS}
	}
	return &mp4.CodecMPEG4Audio{
		Config: mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectType(f.Profile),
			SampleRate:   f.SampleRate,
			ChannelCount: f.Channels,
		},
	}
}

// WriteSample implements Muxer. Video payloads are Annex-B and stored as
// AVCC; audio payloads are raw AAC access units.
func (m *MP4Muxer) WriteSample(track int, data []byte, info SampleInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.stopped {
		return ErrMuxerNotStarted
	}
	if track < 0 || track >= len(m.tracks) {
		return fmt.Errorf("unknown track %d", track)
	}
	if len(data) == 0 {
		return nil
	}
	t := m.tracks[track]

	payload, err := samplePayload(t.format.Kind, data)
	if err != nil {
		return err
	}

	if !m.originSet {
		m.originUs = info.PresentationTimeUs
		m.originSet = true
	}
	rel := max(info.PresentationTimeUs-m.originUs, 0)
	dts := uint64(rel) * uint64(t.timeScale) / 1_000_000

	if t.pending != nil {
		dur := t.lastDuration
		if dts > t.pending.dts {
			dur = uint32(dts - t.pending.dts)
		}
		m.commit(t, max(dur, 1))
	}
	t.pending = &pendingSample{dts: dts, payload: payload, nonSync: !info.Flags.Has(FlagKeyFrame)}
	m.stats.Samples++

	if t.format.Kind == TrackVideo && info.Flags.Has(FlagKeyFrame) && rel-m.lastFlushUs >= fragmentDurationUs {
		if err := m.flush(); err != nil {
			return err
		}
		m.lastFlushUs = rel
	} else if m.buffered() >= maxBufferedSamples {
		if err := m.flush(); err != nil {
			return err
		}
	}
	return nil
}

func samplePayload(kind TrackKind, data []byte) ([]byte, error) {
	if kind != TrackVideo {
		return append([]byte(nil), data...), nil
	}
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("parse annex-b: %w", err)
	}
	nalus := au[:0]
	for _, n := range au {
		if len(n) > 0 && h264.NALUType(n[0]&0x1F) != h264.NALUTypeAccessUnitDelimiter {
			nalus = append(nalus, n)
		}
	}
	avcc, err := h264.AVCC(nalus).Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal avcc: %w", err)
	}
	return avcc, nil
}

// commit moves the pending sample of t into its fragment queue.
func (m *MP4Muxer) commit(t *muxTrack, duration uint32) {
	p := t.pending
	if len(t.samples) == 0 {
		t.baseTime = p.dts
	}
	t.samples = append(t.samples, &fmp4.Sample{
		Duration:        duration,
		IsNonSyncSample: p.nonSync,
		Payload:         p.payload,
	})
	t.lastDuration = duration
	t.pending = nil
}

func (m *MP4Muxer) buffered() int {
	n := 0
	for _, t := range m.tracks {
		n += len(t.samples)
	}
	return n
}

// flush writes queued samples of all tracks as one fragment.
func (m *MP4Muxer) flush() error {
	part := fmp4.Part{SequenceNumber: m.seq}
	for _, t := range m.tracks {
		if len(t.samples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: t.baseTime,
			Samples:  t.samples,
		})
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("marshal fragment: %w", err)
	}
	if err := m.write(buf.Bytes()); err != nil {
		return err
	}
	for _, t := range m.tracks {
		t.samples = nil
	}
	m.seq++
	m.stats.Fragments++
	return nil
}

func (m *MP4Muxer) write(b []byte) error {
	n, err := m.file.Write(b)
	m.stats.BytesWritten += int64(n)
	if err != nil {
		return fmt.Errorf("write %s: %w", m.path, err)
	}
	return nil
}

// Stop implements Muxer. Pending samples are committed with the previous
// sample's duration and the file is closed.
func (m *MP4Muxer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return ErrMuxerNotStarted
	}
	if m.stopped {
		return nil
	}
	m.stopped = true

	var errs []error
	for _, t := range m.tracks {
		if t.pending == nil {
			continue
		}
		dur := t.lastDuration
		if dur == 0 {
			dur = defaultSampleDuration(t)
		}
		m.commit(t, dur)
	}
	if err := m.flush(); err != nil {
		errs = append(errs, err)
	}
	if err := m.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync %s: %w", m.path, err))
	}
	if err := m.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", m.path, err))
	}
	m.file = nil
	return errors.Join(errs...)
}

func defaultSampleDuration(t *muxTrack) uint32 {
	if t.format.Kind == TrackVideo {
		fps := t.format.FrameRate
		if fps <= 0 {
			fps = 30
		}
		return videoTimeScale / uint32(fps)
	}
	return defaultAudioFrameSz
}

// Release implements Muxer. An unstopped file is closed as is.
func (m *MP4Muxer) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return nil
	}
	m.released = true
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// Stats returns muxer counters.
func (m *MP4Muxer) Stats() MuxerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Path returns the output file path.
func (m *MP4Muxer) Path() string {
	return m.path
}
