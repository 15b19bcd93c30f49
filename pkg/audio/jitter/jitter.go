// Package jitter provides a small reorder buffer for inbound RTP audio.
//
// Packets are pushed as they arrive from the network, in any order. The
// playback callback pops one packet per frame slot. Playout starts only once
// Depth packets are queued, which gives late packets Depth frame-durations to
// arrive and be put back in sequence order. A slot whose packet has not
// arrived by its turn is reported as lost and the caller plays silence; an
// empty buffer is an underrun, and a run of Depth consecutive underruns puts
// the buffer back into its initial buffering phase.
package jitter

import (
	"container/heap"
	"sync"
)

const (
	// DefaultDepth is the playout delay in frames.
	DefaultDepth = 3

	// MinDepth and MaxDepth bound the configurable playout delay.
	MinDepth = 2
	MaxDepth = 4
)

// Packet is one encoded audio frame taken off the wire.
type Packet struct {
	Seq       uint16
	Timestamp uint32
	Payload   []byte
}

// Result classifies the outcome of [Buffer.Pop].
type Result int

const (
	// Ready means the returned packet is the next one in sequence.
	Ready Result = iota

	// Lost means the packet for this slot never arrived in time; the caller
	// should conceal the gap.
	Lost

	// Underrun means the buffer has nothing to play; the caller should play
	// silence.
	Underrun
)

// String returns the human-readable name of the result.
func (r Result) String() string {
	switch r {
	case Ready:
		return "ready"
	case Lost:
		return "lost"
	case Underrun:
		return "underrun"
	default:
		return "unknown"
	}
}

// Stats are cumulative counters since the buffer was created.
type Stats struct {
	Pushed     uint64
	Played     uint64
	Lost       uint64
	Late       uint64
	Duplicates uint64
	Overflow   uint64
	Underruns  uint64
}

// Option configures a [Buffer].
type Option func(*Buffer)

// WithDepth sets the playout delay in frames, clamped to [MinDepth, MaxDepth].
func WithDepth(n int) Option {
	return func(b *Buffer) {
		b.depth = min(max(n, MinDepth), MaxDepth)
	}
}

// Buffer is a sequence-ordered jitter buffer. All methods are safe for
// concurrent use; Push and Pop are expected on different goroutines.
type Buffer struct {
	mu       sync.Mutex
	h        packetHeap
	depth    int
	capacity int

	playing bool
	next    uint16
	dry     int // consecutive underruns while playing

	stats Stats
}

// New creates an empty buffer in its buffering phase.
func New(opts ...Option) *Buffer {
	b := &Buffer{depth: DefaultDepth}
	for _, o := range opts {
		o(b)
	}
	b.capacity = b.depth * 2
	b.h = make(packetHeap, 0, b.capacity+1)
	heap.Init(&b.h)
	return b
}

// Depth returns the configured playout delay in frames.
func (b *Buffer) Depth() int { return b.depth }

// Push queues p. Packets that arrive after their slot was played, and
// duplicates of queued packets, are discarded. When the buffer holds more than
// twice its depth the oldest packet is discarded. Push reports whether p was
// queued.
func (b *Buffer) Push(p Packet) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.playing && seqBefore(p.Seq, b.next) {
		b.stats.Late++
		return false
	}
	if b.h.contains(p.Seq) {
		b.stats.Duplicates++
		return false
	}
	heap.Push(&b.h, p)
	b.stats.Pushed++

	for b.h.Len() > b.capacity {
		old := heap.Pop(&b.h).(Packet)
		b.stats.Overflow++
		if b.playing && !seqBefore(old.Seq, b.next) {
			b.next = old.Seq + 1
		}
	}
	return true
}

// Pop returns the packet for the next playout slot.
func (b *Buffer) Pop() (Packet, Result) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.playing {
		if b.h.Len() < b.depth {
			b.stats.Underruns++
			return Packet{}, Underrun
		}
		b.playing = true
		b.next = b.h[0].Seq
	}

	if b.h.Len() == 0 {
		b.stats.Underruns++
		b.dry++
		if b.dry >= b.depth {
			b.playing = false
			b.dry = 0
		}
		return Packet{}, Underrun
	}
	b.dry = 0

	if b.h[0].Seq != b.next {
		// The head is ahead of the slot: the packet for this slot is late
		// beyond the playout delay.
		b.stats.Lost++
		b.next++
		return Packet{}, Lost
	}

	p := heap.Pop(&b.h).(Packet)
	b.next = p.Seq + 1
	b.stats.Played++
	return p, Ready
}

// Len returns the number of queued packets.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.h.Len()
}

// Stats returns a snapshot of the cumulative counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Reset drops all queued packets and returns to the buffering phase.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.h)
	b.h = b.h[:0]
	b.playing = false
	b.dry = 0
}
