package camrec

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	audioInputWait = 10 * time.Millisecond
	audioIdleWait  = 2 * time.Millisecond
	audioJoinLimit = 2 * time.Second
)

// audioCapture pumps PCM from a microphone into a buffer encoder on its own
// goroutine and drains encoded output after every buffer.
type audioCapture struct {
	mic        Microphone
	enc        BufferEncoder
	bufferSize int
	clock      func() int64 // Nanoseconds
	drain      func()
	log        *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}

	buffers atomic.Uint64
	dropped *atomic.Uint64
}

// startAudioCapture starts the microphone and the capture goroutine. Dropped
// buffers are added to dropped when it is non-nil.
func startAudioCapture(mic Microphone, enc BufferEncoder, bufferSize int, clock func() int64, drain func(), dropped *atomic.Uint64, log *zap.Logger) (*audioCapture, error) {
	if bufferSize <= 0 {
		return nil, errors.New("audio buffer size must be positive")
	}
	if err := mic.Start(); err != nil {
		return nil, err
	}
	if dropped == nil {
		dropped = new(atomic.Uint64)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &audioCapture{
		mic:        mic,
		enc:        enc,
		bufferSize: bufferSize,
		clock:      clock,
		drain:      drain,
		log:        log,
		cancel:     cancel,
		done:       make(chan struct{}),
		dropped:    dropped,
	}
	go a.run(ctx)
	return a, nil
}

func (a *audioCapture) run(ctx context.Context) {
	defer close(a.done)

	buf := make([]byte, a.bufferSize)
	for ctx.Err() == nil {
		n, err := a.mic.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				a.log.Warn("microphone read failed, audio capture ends", zap.Error(err))
			}
			return
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(audioIdleWait):
			}
			continue
		}

		idx, in, err := a.enc.DequeueInput(audioInputWait)
		if err != nil {
			a.log.Warn("audio encoder input unavailable, audio capture ends", zap.Error(err))
			return
		}
		if idx < 0 {
			a.dropped.Add(1)
		} else {
			size := copy(in, buf[:n])
			if err := a.enc.QueueInput(idx, size, a.clock()/1000, 0); err != nil {
				a.log.Warn("queue audio input", zap.Error(err))
				a.dropped.Add(1)
			} else {
				a.buffers.Add(1)
			}
		}
		a.drain()
	}
}

// stop ends the capture goroutine, waiting up to audioJoinLimit, and
// releases the microphone. It reports whether the goroutine exited.
func (a *audioCapture) stop() bool {
	a.cancel()
	if err := guard(a.mic.Stop); err != nil {
		a.log.Warn("stop microphone", zap.Error(err))
	}

	joined := true
	timer := time.NewTimer(audioJoinLimit)
	defer timer.Stop()
	select {
	case <-a.done:
	case <-timer.C:
		joined = false
		a.log.Warn("audio capture did not exit in time", zap.Duration("limit", audioJoinLimit))
	}

	if err := guard(a.mic.Release); err != nil {
		a.log.Warn("release microphone", zap.Error(err))
	}
	return joined
}

// guard runs fn, turning a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// Buffers returns the number of PCM buffers handed to the encoder.
func (a *audioCapture) Buffers() uint64 { return a.buffers.Load() }

// Dropped returns the number of PCM buffers dropped for lack of input space.
func (a *audioCapture) Dropped() uint64 { return a.dropped.Load() }
