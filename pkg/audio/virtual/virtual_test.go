package virtual_test

import (
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/peercall/pkg/audio"
	"github.com/MrWong99/peercall/pkg/audio/virtual"
)

var testFormat = audio.Format{SampleRate: 8000, Channels: 2, FrameDuration: 5 * time.Millisecond}

func TestToneSource_DeliversFullFrames(t *testing.T) {
	t.Parallel()

	src := &virtual.ToneSource{Frequency: 440}
	var mu sync.Mutex
	var frames []audio.AudioFrame
	got := make(chan struct{})
	var once sync.Once

	err := src.Start(testFormat, func(fr audio.AudioFrame) {
		mu.Lock()
		frames = append(frames, fr)
		n := len(frames)
		mu.Unlock()
		if n == 5 {
			once.Do(func() { close(got) })
		}
	}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = src.Stop() })

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frames")
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, fr := range frames {
		if len(fr.Data) != testFormat.FrameSamples() {
			t.Fatalf("frame %d: %d samples, want %d", i, len(fr.Data), testFormat.FrameSamples())
		}
		if fr.Format() != testFormat {
			t.Fatalf("frame %d: format %s, want %s", i, fr.Format(), testFormat)
		}
	}
	var audible bool
	for _, s := range frames[1].Data {
		if s != 0 {
			audible = true
			break
		}
	}
	if !audible {
		t.Error("tone frame is silent")
	}
}

func TestToneSource_StartTwice(t *testing.T) {
	t.Parallel()

	src := &virtual.ToneSource{}
	if err := src.Start(testFormat, func(audio.AudioFrame) {}, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = src.Stop() })
	if err := src.Start(testFormat, func(audio.AudioFrame) {}, nil); err == nil {
		t.Fatal("second Start succeeded")
	}
}

func TestSink_PullsAndRecords(t *testing.T) {
	t.Parallel()

	sink := &virtual.Sink{}
	var n int
	var mu sync.Mutex
	err := sink.Start(testFormat, func(pcm []int16) {
		mu.Lock()
		n++
		audible := n%2 == 0
		mu.Unlock()
		for i := range pcm {
			if audible {
				pcm[i] = 1000
			} else {
				pcm[i] = 0
			}
		}
	}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.Frames() < 6 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for sink frames")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := sink.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sink.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if sink.AudibleFrames() == 0 {
		t.Error("AudibleFrames() = 0")
	}
	if sink.AudibleFrames() >= sink.Frames() {
		t.Errorf("AudibleFrames() = %d, Frames() = %d; silent frames not counted", sink.AudibleFrames(), sink.Frames())
	}
	if sink.Peak() != 1000 {
		t.Errorf("Peak() = %d, want 1000", sink.Peak())
	}
}
