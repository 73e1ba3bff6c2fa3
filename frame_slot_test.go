package camrec

import (
	"bytes"
	"sync"
	"testing"
)

func TestFrameSlot_LatestWins(t *testing.T) {
	s := NewFrameSlot()
	if s.Take() != nil {
		t.Fatal("empty slot returned a frame")
	}

	for i := 0; i < 5; i++ {
		s.Publish([]byte{byte(i), 0, 0, 255}, 1, 1, 90, i%2 == 0, int64(i))
	}
	f := s.Take()
	if f == nil {
		t.Fatal("Take() = nil after Publish")
	}
	if f.Pixels[0] != 4 || f.Timestamp != 4 || f.Rotation != 90 || !f.FrontFacing {
		t.Errorf("took %+v, want the last published frame", f)
	}
	if s.Take() != nil {
		t.Error("frame taken twice")
	}

	st := s.Stats()
	if st.Published != 5 || st.Dropped != 4 {
		t.Errorf("stats = %+v, want 5 published, 4 dropped", st)
	}
}

func TestFrameSlot_CopiesPixels(t *testing.T) {
	s := NewFrameSlot()
	src := []byte{1, 2, 3, 4}
	s.Publish(src, 1, 1, 0, false, 0)
	src[0] = 99

	f := s.Take()
	if !bytes.Equal(f.Pixels, []byte{1, 2, 3, 4}) {
		t.Errorf("slot aliases the caller's buffer: %v", f.Pixels)
	}
	s.Recycle(f)
	s.Recycle(nil)
}

func TestFrameSlot_ReusesBuffersAcrossSizes(t *testing.T) {
	s := NewFrameSlot()
	s.Publish(make([]byte, 16), 2, 2, 0, false, 0)
	s.Recycle(s.Take())

	s.Publish(make([]byte, 64), 4, 4, 0, false, 1)
	f := s.Take()
	if len(f.Pixels) != 64 || f.Width != 4 {
		t.Fatalf("frame %dx%d with %d bytes, want 4x4 with 64", f.Width, f.Height, len(f.Pixels))
	}
	s.Recycle(f)

	s.Publish(make([]byte, 4), 1, 1, 0, false, 2)
	if f := s.Take(); len(f.Pixels) != 4 {
		t.Errorf("shrunk frame has %d bytes, want 4", len(f.Pixels))
	}
}

func TestFrameSlot_ConcurrentPublish(t *testing.T) {
	s := NewFrameSlot()
	const producers, each = 4, 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			px := []byte{byte(p), 0, 0, 255}
			for i := 0; i < each; i++ {
				s.Publish(px, 1, 1, 0, false, int64(i))
			}
		}(p)
	}

	taken := uint64(0)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		if f := s.Take(); f != nil {
			taken++
			s.Recycle(f)
		}
	}
	if f := s.Take(); f != nil {
		taken++
	}

	st := s.Stats()
	if st.Published != producers*each {
		t.Errorf("published = %d, want %d", st.Published, producers*each)
	}
	if taken+st.Dropped != st.Published {
		t.Errorf("taken %d + dropped %d != published %d", taken, st.Dropped, st.Published)
	}
}
