package camrec

import (
	"fmt"
	"runtime"
	"sync"
)

// RenderThread owns all GPU state. Work is funneled to a single goroutine
// locked to its OS thread, the way GL contexts require.
type RenderThread struct {
	tasks chan func()
	done  chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewRenderThread starts the render goroutine.
func NewRenderThread() *RenderThread {
	t := &RenderThread{
		tasks: make(chan func(), 16),
		done:  make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *RenderThread) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)

	for fn := range t.tasks {
		fn()
	}
}

// Call runs fn on the render thread and waits for its result. Panics in fn
// are returned as errors. Call must not be used from the render thread.
func (t *RenderThread) Call(fn func() error) error {
	result := make(chan error, 1)
	if !t.Post(func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("render thread panic: %v", r)
			}
		}()
		result <- fn()
	}) {
		return ErrRenderThreadClosed
	}
	return <-result
}

// Post queues fn without waiting. Returns false once the thread is closed.
func (t *RenderThread) Post(fn func()) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return false
	}
	t.tasks <- fn
	return true
}

// Close drains queued work and stops the thread.
func (t *RenderThread) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.tasks)
		t.mu.Unlock()
	})
	<-t.done
	return nil
}
