package camrec

import (
	"time"

	"go.uber.org/zap"
)

const (
	finalDrainPoll    = 10 * time.Millisecond
	finalDrainTimeout = 2 * time.Second
)

// drain pulls every ready output of one encoder. A regular drain never
// blocks and returns on the first TryAgain. A final drain polls until the
// end-of-stream sample or finalDrainTimeout.
func (s *Session) drain(rec *recording, kind TrackKind, final bool) {
	enc := rec.encoder(kind)
	if enc == nil {
		return
	}

	var timeout time.Duration
	deadline := time.Now().Add(finalDrainTimeout)
	if final {
		timeout = finalDrainPoll
	}

	for {
		out, err := enc.DequeueOutput(timeout)
		if err != nil {
			s.log.Warn("dequeue output", zap.Stringer("kind", kind), zap.Error(err))
			return
		}

		switch out.Kind {
		case OutputTryAgain:
			if !final {
				return
			}
			if time.Now().After(deadline) {
				s.log.Warn("end of stream not reached", zap.Stringer("kind", kind), zap.Duration("timeout", finalDrainTimeout))
				return
			}

		case OutputFormatChanged:
			s.registerTrack(rec, kind, out.Format)

		case OutputSample:
			s.writeSample(rec, kind, out)
			if err := enc.ReleaseOutput(out.Index); err != nil {
				s.log.Warn("release output", zap.Stringer("kind", kind), zap.Int("index", out.Index), zap.Error(err))
			}
			if out.Info.Flags.Has(FlagEndOfStream) {
				return
			}
		}
	}
}

// registerTrack adds the stream's track on its first format event and
// re-checks the muxer start gate.
func (s *Session) registerTrack(rec *recording, kind TrackKind, format *MediaFormat) {
	if format == nil {
		s.log.Warn("format event without format", zap.Stringer("kind", kind))
		return
	}

	rec.muxMu.Lock()
	defer rec.muxMu.Unlock()

	idx := rec.trackIndex(kind)
	if *idx >= 0 {
		s.log.Warn("format changed after track registration, ignored",
			zap.Stringer("kind", kind), zap.Stringer("format", *format))
		return
	}
	if rec.muxerStarted {
		s.log.Warn("format arrived after muxer start, stream dropped", zap.Stringer("kind", kind))
		return
	}

	track, err := rec.muxer.AddTrack(*format)
	if err != nil {
		s.log.Error("add muxer track", zap.Stringer("kind", kind), zap.Error(err))
		return
	}
	*idx = track
	s.log.Debug("track registered", zap.Stringer("kind", kind), zap.Int("track", track), zap.Stringer("format", *format))
	s.taps.format(kind, *format)

	s.maybeStartMuxer(rec)
}

// maybeStartMuxer starts the muxer once every expected track is
// registered: video always, audio when its encoder is configured.
// Callers hold rec.muxMu.
func (s *Session) maybeStartMuxer(rec *recording) {
	if rec.muxerStarted || rec.videoTrack < 0 {
		return
	}
	if rec.audioEnc != nil && rec.audioTrack < 0 {
		return
	}
	if err := rec.muxer.Start(); err != nil {
		s.log.Error("start muxer", zap.Error(err))
		return
	}
	rec.muxerStarted = true
	s.log.Info("muxer started", zap.Int("video_track", rec.videoTrack), zap.Int("audio_track", rec.audioTrack))
}

// writeSample hands one encoded sample to the muxer and the taps. Samples
// arriving before the muxer starts are dropped.
func (s *Session) writeSample(rec *recording, kind TrackKind, out Output) {
	if out.Info.Flags.Has(FlagCodecConfig) || out.Info.Size <= 0 {
		return
	}
	size := min(out.Info.Size, len(out.Data))
	data := out.Data[:size]

	rec.muxMu.Lock()
	track := *rec.trackIndex(kind)
	if !rec.muxerStarted || track < 0 {
		rec.muxMu.Unlock()
		s.samplesDropped.Add(1)
		return
	}
	err := rec.muxer.WriteSample(track, data, out.Info)
	rec.muxMu.Unlock()

	if err != nil {
		s.log.Warn("write sample", zap.Stringer("kind", kind), zap.Int64("pts_us", out.Info.PresentationTimeUs), zap.Error(err))
		s.samplesDropped.Add(1)
		return
	}
	if kind == TrackVideo {
		s.videoSamples.Add(1)
	} else {
		s.audioSamples.Add(1)
	}
	s.taps.sample(kind, data, out.Info)
}
