// Package ring provides a bounded frame queue between a real-time producer and
// a worker goroutine. The producer side never blocks: when the ring is full the
// oldest unread frame is overwritten and counted as dropped.
package ring

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/peercall/pkg/audio"
)

// ErrClosed is returned by [Ring.Pop] once the ring is closed and drained.
var ErrClosed = errors.New("ring: closed")

// Ring is a fixed-capacity FIFO of audio frames with drop-oldest overflow.
// Push may be called from a hardware callback; Pop is meant for a single
// consumer goroutine. All methods are safe for concurrent use.
type Ring struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
	head   int // index of the oldest frame
	size   int
	closed bool

	// notify has capacity 1; Push does a non-blocking send to wake Pop.
	notify chan struct{}

	dropped atomic.Uint64
}

// New returns a Ring holding at most capacity frames. Capacities below one are
// raised to one.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		frames: make([]audio.AudioFrame, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends frame. When the ring is full the oldest frame is discarded.
// Push never blocks beyond a short critical section and reports whether a
// frame had to be dropped. Pushing to a closed ring drops frame.
func (r *Ring) Push(frame audio.AudioFrame) (dropped bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.dropped.Add(1)
		return true
	}
	capacity := len(r.frames)
	if r.size == capacity {
		r.frames[r.head] = audio.AudioFrame{}
		r.head = (r.head + 1) % capacity
		r.size--
		dropped = true
	}
	r.frames[(r.head+r.size)%capacity] = frame
	r.size++
	r.mu.Unlock()

	if dropped {
		r.dropped.Add(1)
	}
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return dropped
}

// TryPop removes and returns the oldest frame without waiting.
func (r *Ring) TryPop() (audio.AudioFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return audio.AudioFrame{}, false
	}
	fr := r.frames[r.head]
	r.frames[r.head] = audio.AudioFrame{}
	r.head = (r.head + 1) % len(r.frames)
	r.size--
	return fr, true
}

// Pop waits for the oldest frame. It returns ctx.Err() when ctx is done and
// [ErrClosed] once the ring is closed and empty.
func (r *Ring) Pop(ctx context.Context) (audio.AudioFrame, error) {
	for {
		if fr, ok := r.TryPop(); ok {
			return fr, nil
		}
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return audio.AudioFrame{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return audio.AudioFrame{}, ctx.Err()
		case <-r.notify:
		}
	}
}

// Len returns the number of buffered frames.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.frames) }

// Dropped returns the total number of frames discarded by overflow or after Close.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }

// Close wakes a waiting Pop. Frames still buffered can be drained; further
// pushes are dropped. Close is idempotent.
func (r *Ring) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
