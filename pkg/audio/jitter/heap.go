package jitter

// seqBefore reports whether RTP sequence number a precedes b, accounting for
// 16-bit wraparound (RFC 3550 §A.1 serial number arithmetic).
func seqBefore(a, b uint16) bool {
	return int16(a-b) < 0
}

// packetHeap implements [container/heap.Interface] as a min-heap ordered by
// sequence number with wraparound.
type packetHeap []Packet

func (h packetHeap) Len() int { return len(h) }

func (h packetHeap) Less(i, j int) bool { return seqBefore(h[i].Seq, h[j].Seq) }

func (h packetHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *packetHeap) Push(x any) {
	*h = append(*h, x.(Packet))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = Packet{}
	*h = old[:n-1]
	return p
}

// contains reports whether a packet with seq is already queued.
func (h packetHeap) contains(seq uint16) bool {
	for _, p := range h {
		if p.Seq == seq {
			return true
		}
	}
	return false
}
