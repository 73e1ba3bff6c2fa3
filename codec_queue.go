package camrec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// frameEncoder is the synchronous codec behind a codecQueue. It is only
// called from the queue's worker goroutine.
type frameEncoder interface {
	// Encode consumes one input unit and returns the access units it
	// completed, possibly none.
	Encode(input []byte, ptsUs int64) ([]encodedUnit, error)

	// Flush returns the access units still buffered at end of stream.
	Flush() ([]encodedUnit, error)

	// Format returns the output format once it is known.
	Format() (MediaFormat, bool)

	Close() error
}

type encodedUnit struct {
	data  []byte
	ptsUs int64
	flags BufferFlags
}

type codecJob struct {
	data  []byte
	slot  int // Input slot to return, -1 for surface frames
	ptsUs int64
	eos   bool
}

// QueueStats counts codec queue traffic.
type QueueStats struct {
	InputsQueued   uint64
	InputsDropped  uint64
	OutputsEmitted uint64
	EncodeErrors   uint64
}

// codecQueue turns a synchronous frameEncoder into the asynchronous
// dequeue/release model of Encoder. Inputs are encoded on a worker
// goroutine; the format event always precedes the first sample and the
// end-of-stream sample is always last.
type codecQueue struct {
	name string
	core frameEncoder
	log  *zap.Logger

	jobs    chan codecJob
	outputs chan Output
	free    chan int
	slots   [][]byte
	frames  sync.Pool

	mu         sync.Mutex
	started    bool
	released   bool
	eosQueued  bool
	cancel     context.CancelFunc
	done       chan struct{}
	nextIndex  int
	inFlight   map[int]struct{}
	formatSent bool
	lastPtsUs  int64

	inputsQueued   atomic.Uint64
	inputsDropped  atomic.Uint64
	outputsEmitted atomic.Uint64
	encodeErrors   atomic.Uint64
}

const (
	surfaceQueueDepth = 4
	outputQueueDepth  = 64
)

// newCodecQueue creates a queue. inputSlots > 0 enables buffer input with
// that many buffers of slotSize bytes.
func newCodecQueue(name string, core frameEncoder, inputSlots, slotSize int, log *zap.Logger) *codecQueue {
	if log == nil {
		log = zap.NewNop()
	}
	depth := surfaceQueueDepth
	if inputSlots > 0 {
		depth = inputSlots + 1
	}
	q := &codecQueue{
		name:     name,
		core:     core,
		log:      log.With(zap.String("codec", name)),
		jobs:     make(chan codecJob, depth),
		outputs:  make(chan Output, outputQueueDepth),
		free:     make(chan int, inputSlots),
		inFlight: make(map[int]struct{}),
	}
	for i := 0; i < inputSlots; i++ {
		q.slots = append(q.slots, make([]byte, slotSize))
		q.free <- i
	}
	return q
}

// Start implements Encoder.
func (q *codecQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.released {
		return ErrReleased
	}
	if q.started {
		return fmt.Errorf("%s encoder already started", q.name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	q.started = true
	q.eosQueued = false
	go q.run(ctx, q.done)
	return nil
}

func (q *codecQueue) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	eos := false
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			if eos {
				q.returnSlot(job.slot)
				continue
			}
			if len(job.data) > 0 {
				units, err := q.core.Encode(job.data, job.ptsUs)
				if job.slot < 0 {
					q.frames.Put(job.data[:0])
				}
				q.returnSlot(job.slot)
				if err != nil {
					q.encodeErrors.Add(1)
					q.log.Warn("encode failed", zap.Error(err))
				} else if !q.emit(ctx, units) {
					return
				}
			} else {
				q.returnSlot(job.slot)
			}
			if job.eos {
				eos = true
				units, err := q.core.Flush()
				if err != nil {
					q.log.Warn("flush failed", zap.Error(err))
				}
				if !q.emit(ctx, units) {
					return
				}
				if !q.send(ctx, Output{
					Kind: OutputSample,
					Info: SampleInfo{PresentationTimeUs: q.lastPtsUs, Flags: FlagEndOfStream},
				}) {
					return
				}
			}
		}
	}
}

func (q *codecQueue) emit(ctx context.Context, units []encodedUnit) bool {
	for _, u := range units {
		if !q.formatSent {
			f, ok := q.core.Format()
			if !ok {
				q.log.Warn("dropping output before format is known", zap.Int64("pts_us", u.ptsUs))
				continue
			}
			q.formatSent = true
			if !q.send(ctx, Output{Kind: OutputFormatChanged, Format: &f}) {
				return false
			}
		}
		q.lastPtsUs = u.ptsUs
		if !q.send(ctx, Output{
			Kind: OutputSample,
			Data: u.data,
			Info: SampleInfo{Size: len(u.data), PresentationTimeUs: u.ptsUs, Flags: u.flags},
		}) {
			return false
		}
	}
	return true
}

func (q *codecQueue) send(ctx context.Context, out Output) bool {
	if out.Kind == OutputSample {
		q.mu.Lock()
		out.Index = q.nextIndex
		q.nextIndex++
		q.inFlight[out.Index] = struct{}{}
		q.mu.Unlock()
	}
	select {
	case q.outputs <- out:
		q.outputsEmitted.Add(1)
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *codecQueue) returnSlot(slot int) {
	if slot >= 0 {
		q.free <- slot
	}
}

// DequeueOutput implements Encoder.
func (q *codecQueue) DequeueOutput(timeout time.Duration) (Output, error) {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if !started {
		return Output{}, fmt.Errorf("%s encoder not started", q.name)
	}

	if timeout <= 0 {
		select {
		case out := <-q.outputs:
			return out, nil
		default:
			return Output{Kind: OutputTryAgain}, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-q.outputs:
		return out, nil
	case <-timer.C:
		return Output{Kind: OutputTryAgain}, nil
	}
}

// ReleaseOutput implements Encoder.
func (q *codecQueue) ReleaseOutput(index int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[index]; !ok {
		return fmt.Errorf("%s encoder: output %d not in flight", q.name, index)
	}
	delete(q.inFlight, index)
	return nil
}

// DequeueInput returns a free input buffer, or index -1 when none became
// free within timeout.
func (q *codecQueue) DequeueInput(timeout time.Duration) (int, []byte, error) {
	q.mu.Lock()
	started, eos := q.started, q.eosQueued
	q.mu.Unlock()
	if !started {
		return -1, nil, fmt.Errorf("%s encoder not started", q.name)
	}
	if eos || len(q.slots) == 0 {
		return -1, nil, nil
	}

	select {
	case i := <-q.free:
		return i, q.slots[i], nil
	default:
	}
	if timeout <= 0 {
		return -1, nil, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case i := <-q.free:
		return i, q.slots[i], nil
	case <-timer.C:
		return -1, nil, nil
	}
}

// QueueInput submits a dequeued input buffer.
func (q *codecQueue) QueueInput(index, size int, ptsUs int64, flags BufferFlags) error {
	if index < 0 || index >= len(q.slots) {
		return fmt.Errorf("%s encoder: input index %d out of range", q.name, index)
	}
	if size < 0 || size > len(q.slots[index]) {
		return fmt.Errorf("%s encoder: input size %d exceeds buffer", q.name, size)
	}

	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return fmt.Errorf("%s encoder not started", q.name)
	}
	eos := flags.Has(FlagEndOfStream)
	if eos {
		q.eosQueued = true
	}
	q.mu.Unlock()

	q.jobs <- codecJob{data: q.slots[index][:size], slot: index, ptsUs: ptsUs, eos: eos}
	q.inputsQueued.Add(1)
	return nil
}

// submitFrame queues a copy of a surface frame. Frames arriving while the
// worker is behind are dropped.
func (q *codecQueue) submitFrame(pixels []byte, ptsUs int64) bool {
	q.mu.Lock()
	ok := q.started && !q.eosQueued
	q.mu.Unlock()
	if !ok {
		q.inputsDropped.Add(1)
		return false
	}

	buf, _ := q.frames.Get().([]byte)
	buf = append(buf[:0], pixels...)
	select {
	case q.jobs <- codecJob{data: buf, slot: -1, ptsUs: ptsUs}:
		q.inputsQueued.Add(1)
		return true
	default:
		q.frames.Put(buf[:0])
		q.inputsDropped.Add(1)
		return false
	}
}

// SignalEndOfInputStream ends surface input.
func (q *codecQueue) SignalEndOfInputStream() error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return fmt.Errorf("%s encoder not started", q.name)
	}
	if q.eosQueued {
		q.mu.Unlock()
		return nil
	}
	q.eosQueued = true
	done := q.done
	q.mu.Unlock()

	select {
	case q.jobs <- codecJob{slot: -1, eos: true}:
		return nil
	case <-done:
		return errors.New("encoder stopped before end of stream")
	}
}

// Stop implements Encoder.
func (q *codecQueue) Stop() error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	cancel, done := q.cancel, q.done
	q.mu.Unlock()

	cancel()
	<-done

	// Discard what the worker left behind and recover input slots.
	for {
		select {
		case <-q.outputs:
		case job := <-q.jobs:
			q.returnSlot(job.slot)
		default:
			q.mu.Lock()
			clear(q.inFlight)
			q.mu.Unlock()
			return nil
		}
	}
}

// Release implements Encoder.
func (q *codecQueue) Release() error {
	if err := q.Stop(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return nil
	}
	q.released = true
	return q.core.Close()
}

// Stats returns queue counters.
func (q *codecQueue) Stats() QueueStats {
	return QueueStats{
		InputsQueued:   q.inputsQueued.Load(),
		InputsDropped:  q.inputsDropped.Load(),
		OutputsEmitted: q.outputsEmitted.Load(),
		EncodeErrors:   q.encodeErrors.Load(),
	}
}
