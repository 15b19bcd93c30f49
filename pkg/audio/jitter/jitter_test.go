package jitter_test

import (
	"testing"

	"github.com/pion/rtp"

	"github.com/MrWong99/peercall/pkg/audio/jitter"
)

// packet builds a jitter packet the way the RTP receive loop does.
func packet(seq uint16) jitter.Packet {
	p := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq, Timestamp: uint32(seq) * 960},
		Payload: []byte{byte(seq)},
	}
	return jitter.Packet{Seq: p.SequenceNumber, Timestamp: p.Timestamp, Payload: p.Payload}
}

type pop struct {
	seq    uint16
	result jitter.Result
}

func expectPops(t *testing.T, b *jitter.Buffer, want []pop) {
	t.Helper()
	for i, w := range want {
		p, res := b.Pop()
		if res != w.result {
			t.Fatalf("pop %d: result %s, want %s", i, res, w.result)
		}
		if res == jitter.Ready && p.Seq != w.seq {
			t.Fatalf("pop %d: seq %d, want %d", i, p.Seq, w.seq)
		}
	}
}

func TestBuffer_ReordersWithinDepth(t *testing.T) {
	t.Parallel()

	b := jitter.New(jitter.WithDepth(3))
	for _, seq := range []uint16{12, 10, 11} {
		if !b.Push(packet(seq)) {
			t.Fatalf("Push(%d) rejected", seq)
		}
	}
	expectPops(t, b, []pop{
		{10, jitter.Ready},
		{11, jitter.Ready},
		{12, jitter.Ready},
	})
}

func TestBuffer_UnderrunWhileBuffering(t *testing.T) {
	t.Parallel()

	b := jitter.New(jitter.WithDepth(3))
	b.Push(packet(1))
	b.Push(packet(2))
	if _, res := b.Pop(); res != jitter.Underrun {
		t.Fatalf("Pop() = %s with 2 of 3 packets, want underrun", res)
	}
	b.Push(packet(3))
	expectPops(t, b, []pop{{1, jitter.Ready}})
}

func TestBuffer_GapReportedAsLost(t *testing.T) {
	t.Parallel()

	b := jitter.New(jitter.WithDepth(3))
	for _, seq := range []uint16{1, 3, 4} {
		b.Push(packet(seq))
	}
	expectPops(t, b, []pop{
		{1, jitter.Ready},
		{0, jitter.Lost},
		{3, jitter.Ready},
		{4, jitter.Ready},
	})
	if got := b.Stats().Lost; got != 1 {
		t.Errorf("Stats().Lost = %d, want 1", got)
	}

	// Packet 2 finally shows up after its slot was concealed.
	if b.Push(packet(2)) {
		t.Error("late packet was queued")
	}
	if got := b.Stats().Late; got != 1 {
		t.Errorf("Stats().Late = %d, want 1", got)
	}
}

func TestBuffer_SequenceWraparound(t *testing.T) {
	t.Parallel()

	b := jitter.New(jitter.WithDepth(3))
	for _, seq := range []uint16{0, 65535, 65534, 1} {
		b.Push(packet(seq))
	}
	expectPops(t, b, []pop{
		{65534, jitter.Ready},
		{65535, jitter.Ready},
		{0, jitter.Ready},
		{1, jitter.Ready},
	})
}

func TestBuffer_RebuffersAfterSustainedUnderrun(t *testing.T) {
	t.Parallel()

	b := jitter.New(jitter.WithDepth(2))
	b.Push(packet(1))
	b.Push(packet(2))
	expectPops(t, b, []pop{
		{1, jitter.Ready},
		{2, jitter.Ready},
		{0, jitter.Underrun},
		{0, jitter.Underrun},
	})

	// Back in the buffering phase: one packet is not enough to resume.
	b.Push(packet(3))
	expectPops(t, b, []pop{{0, jitter.Underrun}})
	b.Push(packet(4))
	expectPops(t, b, []pop{{3, jitter.Ready}, {4, jitter.Ready}})
}

func TestBuffer_DuplicatesIgnored(t *testing.T) {
	t.Parallel()

	b := jitter.New()
	b.Push(packet(7))
	if b.Push(packet(7)) {
		t.Error("duplicate packet was queued")
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}
	if got := b.Stats().Duplicates; got != 1 {
		t.Errorf("Stats().Duplicates = %d, want 1", got)
	}
}

func TestBuffer_OverflowDropsOldest(t *testing.T) {
	t.Parallel()

	b := jitter.New(jitter.WithDepth(2)) // capacity 4
	for seq := uint16(1); seq <= 6; seq++ {
		b.Push(packet(seq))
	}
	if b.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", b.Len())
	}
	if got := b.Stats().Overflow; got != 2 {
		t.Errorf("Stats().Overflow = %d, want 2", got)
	}
	expectPops(t, b, []pop{{3, jitter.Ready}, {4, jitter.Ready}})
}

func TestWithDepth_Clamped(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want int
	}{
		{0, jitter.MinDepth},
		{3, 3},
		{10, jitter.MaxDepth},
	}
	for _, tt := range tests {
		if got := jitter.New(jitter.WithDepth(tt.in)).Depth(); got != tt.want {
			t.Errorf("WithDepth(%d): Depth() = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestBuffer_Reset(t *testing.T) {
	t.Parallel()

	b := jitter.New(jitter.WithDepth(2))
	b.Push(packet(1))
	b.Push(packet(2))
	b.Pop()
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("Len() after Reset = %d", b.Len())
	}
	// After a reset an older sequence number is acceptable again.
	if !b.Push(packet(1)) {
		t.Error("Push after Reset rejected")
	}
}
