package camrec

import (
	"sync"
	"sync/atomic"
)

// FrameSlot hands frames from a producer to the render thread. It holds at
// most one frame: publishing replaces any frame not yet taken, which is
// counted as a drop. Publish never blocks.
type FrameSlot struct {
	cell atomic.Pointer[Frame]
	pool sync.Pool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// FrameSlotStats reports slot traffic.
type FrameSlotStats struct {
	Published uint64
	Dropped   uint64
}

// NewFrameSlot creates an empty slot.
func NewFrameSlot() *FrameSlot {
	return &FrameSlot{}
}

// Publish copies pixels into a pooled frame and makes it the latest.
func (s *FrameSlot) Publish(pixels []byte, width, height, rotation int, frontFacing bool, ts int64) {
	f := s.get(len(pixels))
	copy(f.Pixels, pixels)
	f.Width = width
	f.Height = height
	f.Rotation = rotation
	f.FrontFacing = frontFacing
	f.Timestamp = ts

	s.published.Add(1)
	if old := s.cell.Swap(f); old != nil {
		s.dropped.Add(1)
		s.Recycle(old)
	}
}

// Take removes and returns the latest frame, or nil. The caller owns the
// frame and should Recycle it after use.
func (s *FrameSlot) Take() *Frame {
	return s.cell.Swap(nil)
}

// Recycle returns a taken frame's buffer to the pool.
func (s *FrameSlot) Recycle(f *Frame) {
	if f == nil {
		return
	}
	s.pool.Put(f)
}

// Stats returns the slot counters.
func (s *FrameSlot) Stats() FrameSlotStats {
	return FrameSlotStats{
		Published: s.published.Load(),
		Dropped:   s.dropped.Load(),
	}
}

func (s *FrameSlot) get(size int) *Frame {
	if f, ok := s.pool.Get().(*Frame); ok && cap(f.Pixels) >= size {
		f.Pixels = f.Pixels[:size]
		return f
	}
	return &Frame{Pixels: make([]byte, size)}
}
