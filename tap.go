package camrec

import (
	"errors"

	"go.uber.org/zap"
)

// SampleTap receives the encoded samples a session writes to its muxer.
// Calls arrive from the drain goroutine of each stream, so implementations
// must be safe for concurrent use across kinds.
type SampleTap interface {
	// TrackFormat is called once per stream when its format is known.
	TrackFormat(kind TrackKind, format MediaFormat) error

	// WriteSample is called for every media sample. data is only valid for
	// the duration of the call.
	WriteSample(kind TrackKind, data []byte, info SampleInfo) error

	Close() error
}

// tapSet fans samples out to taps. Tap errors are logged and never stop the
// recording.
type tapSet struct {
	taps []SampleTap
	log  *zap.Logger
}

func (ts tapSet) format(kind TrackKind, f MediaFormat) {
	for _, t := range ts.taps {
		if err := t.TrackFormat(kind, f); err != nil {
			ts.log.Warn("tap rejected format", zap.Stringer("kind", kind), zap.Error(err))
		}
	}
}

func (ts tapSet) sample(kind TrackKind, data []byte, info SampleInfo) {
	for _, t := range ts.taps {
		if err := t.WriteSample(kind, data, info); err != nil {
			ts.log.Debug("tap write failed", zap.Stringer("kind", kind), zap.Error(err))
		}
	}
}

// closeTaps closes every tap and joins their errors.
func closeTaps(taps []SampleTap) error {
	var errs []error
	for _, t := range taps {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
