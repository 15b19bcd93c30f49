// Package virtual provides software audio devices driven by a wall-clock
// ticker at frame cadence. They stand in for sound hardware on headless hosts
// and in end-to-end tests.
package virtual

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/peercall/pkg/audio"
)

var errAlreadyStarted = errors.New("virtual: device already started")

// clock runs fn once per period on its own goroutine until stopped.
type clock struct {
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (c *clock) start(period time.Duration, fn func(tick int)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return errAlreadyStarted
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go func(stop, done chan struct{}) {
		defer close(done)
		t := time.NewTicker(period)
		defer t.Stop()
		for tick := 0; ; tick++ {
			select {
			case <-stop:
				return
			case <-t.C:
				fn(tick)
			}
		}
	}(c.stop, c.done)
	return nil
}

func (c *clock) halt() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// ─── Source ──────────────────────────────────────────────────────────────────

// ToneSource generates a sine tone, or silence when Frequency is zero.
type ToneSource struct {
	// Frequency of the tone in Hz.
	Frequency float64

	// Amplitude in int16 units. Defaults to 6000.
	Amplitude float64

	clock clock
}

var _ audio.Source = (*ToneSource)(nil)

// Name implements [audio.Source].
func (s *ToneSource) Name() string { return "virtual-tone" }

// Start implements [audio.Source].
func (s *ToneSource) Start(f audio.Format, deliver func(audio.AudioFrame), _ func(error)) error {
	if err := f.Validate(); err != nil {
		return err
	}
	amp := s.Amplitude
	if amp == 0 {
		amp = 6000
	}
	perChannel := f.SamplesPerChannel()
	return s.clock.start(f.FrameDuration, func(tick int) {
		fr := audio.NewFrame(f)
		fr.Timestamp = time.Duration(tick) * f.FrameDuration
		if s.Frequency > 0 {
			base := tick * perChannel
			for i := range perChannel {
				v := int16(amp * math.Sin(2*math.Pi*s.Frequency*float64(base+i)/float64(f.SampleRate)))
				for c := range f.Channels {
					fr.Data[i*f.Channels+c] = v
				}
			}
		}
		deliver(fr)
	})
}

// Stop implements [audio.Source].
func (s *ToneSource) Stop() error {
	s.clock.halt()
	return nil
}

// ─── Sink ────────────────────────────────────────────────────────────────────

// Sink pulls one frame per tick and keeps simple level statistics. It
// discards the samples themselves.
type Sink struct {
	clock clock

	mu       sync.Mutex
	frames   int
	audible  int
	peak     int16
	listener func([]int16)
}

var _ audio.Sink = (*Sink)(nil)

// Name implements [audio.Sink].
func (s *Sink) Name() string { return "virtual-sink" }

// OnFrame registers fn to observe every played frame. The slice is only valid
// during the call.
func (s *Sink) OnFrame(fn func(pcm []int16)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = fn
}

// Start implements [audio.Sink].
func (s *Sink) Start(f audio.Format, fill func(pcm []int16), _ func(error)) error {
	if err := f.Validate(); err != nil {
		return err
	}
	buf := make([]int16, f.FrameSamples())
	return s.clock.start(f.FrameDuration, func(int) {
		fill(buf)
		s.record(buf)
	})
}

func (s *Sink) record(pcm []int16) {
	var peak int16
	for _, v := range pcm {
		if v < 0 {
			v = -v
		}
		peak = max(peak, v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	if peak > 0 {
		s.audible++
	}
	s.peak = max(s.peak, peak)
	if s.listener != nil {
		s.listener(pcm)
	}
}

// Stop implements [audio.Sink].
func (s *Sink) Stop() error {
	s.clock.halt()
	return nil
}

// Frames returns how many frames have been played.
func (s *Sink) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// AudibleFrames returns how many played frames contained a non-zero sample.
func (s *Sink) AudibleFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audible
}

// Peak returns the largest absolute sample value played so far.
func (s *Sink) Peak() int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}
