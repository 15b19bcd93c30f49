package ring_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/peercall/pkg/audio"
	"github.com/MrWong99/peercall/pkg/audio/ring"
)

func frame(ts time.Duration) audio.AudioFrame {
	return audio.AudioFrame{Data: []int16{int16(ts / time.Millisecond)}, SampleRate: 48000, Channels: 1, Timestamp: ts}
}

func TestRing_FIFO(t *testing.T) {
	t.Parallel()

	r := ring.New(4)
	for i := range 3 {
		if r.Push(frame(time.Duration(i) * time.Millisecond)) {
			t.Fatalf("push %d dropped a frame", i)
		}
	}
	for i := range 3 {
		fr, err := r.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if want := time.Duration(i) * time.Millisecond; fr.Timestamp != want {
			t.Errorf("pop %d: timestamp %s, want %s", i, fr.Timestamp, want)
		}
	}
}

func TestRing_OverflowDropsOldest(t *testing.T) {
	t.Parallel()

	r := ring.New(3)
	for i := range 10 {
		r.Push(frame(time.Duration(i) * time.Millisecond))
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
	if r.Dropped() != 7 {
		t.Errorf("Dropped() = %d, want 7", r.Dropped())
	}
	// The most recent frames survive, oldest first.
	for _, want := range []time.Duration{7, 8, 9} {
		fr, ok := r.TryPop()
		if !ok {
			t.Fatal("TryPop: ring empty")
		}
		if fr.Timestamp != want*time.Millisecond {
			t.Errorf("timestamp %s, want %s", fr.Timestamp, want*time.Millisecond)
		}
	}
	if _, ok := r.TryPop(); ok {
		t.Error("TryPop on empty ring returned a frame")
	}
}

func TestRing_PushNeverBlocks(t *testing.T) {
	t.Parallel()

	r := ring.New(2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 10_000 {
			r.Push(frame(time.Duration(i)))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked with no consumer")
	}
}

func TestRing_PopWaitsForPush(t *testing.T) {
	t.Parallel()

	r := ring.New(2)
	got := make(chan audio.AudioFrame, 1)
	go func() {
		fr, err := r.Pop(context.Background())
		if err == nil {
			got <- fr
		}
	}()

	time.Sleep(20 * time.Millisecond)
	r.Push(frame(5 * time.Millisecond))

	select {
	case fr := <-got:
		if fr.Timestamp != 5*time.Millisecond {
			t.Errorf("timestamp %s, want 5ms", fr.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake on Push")
	}
}

func TestRing_PopContextCancel(t *testing.T) {
	t.Parallel()

	r := ring.New(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Pop() = %v, want DeadlineExceeded", err)
	}
}

func TestRing_CloseDrainsThenErrClosed(t *testing.T) {
	t.Parallel()

	r := ring.New(2)
	r.Push(frame(1))
	r.Close()
	r.Close()

	if !r.Push(frame(2)) {
		t.Error("Push after Close was accepted")
	}
	if _, err := r.Pop(context.Background()); err != nil {
		t.Fatalf("Pop buffered frame after Close: %v", err)
	}
	if _, err := r.Pop(context.Background()); !errors.Is(err, ring.ErrClosed) {
		t.Fatalf("Pop() = %v, want ErrClosed", err)
	}
}

func TestRing_ConcurrentProducerConsumer(t *testing.T) {
	t.Parallel()

	const total = 2000
	r := ring.New(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var consumed int
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if _, err := r.Pop(ctx); err != nil {
				return
			}
			consumed++
		}
	}()

	for i := range total {
		r.Push(frame(time.Duration(i)))
	}
	r.Close()
	wg.Wait()

	if uint64(consumed)+r.Dropped() != total {
		t.Errorf("consumed %d + dropped %d != %d", consumed, r.Dropped(), total)
	}
}
