// Package mock provides in-memory mock implementations of [audio.Source] and
// [audio.Sink] for use in unit tests.
//
// The mocks never run a clock of their own. Tests drive them explicitly with
// [Source.Emit], [Sink.Pull] and the Fail methods, which makes every callback
// deterministic. All mocks are safe for concurrent use and record call counts.
//
// Typical usage:
//
//	src := &mock.Source{}
//	_ = src.Start(audio.DefaultFormat, deliver, onErr)
//	src.Emit(audio.NewFrame(audio.DefaultFormat)) // invokes deliver
//	src.Fail(errors.New("unplugged"))           // invokes onErr, stops
package mock

import (
	"sync"

	"github.com/MrWong99/peercall/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source].
type Source struct {
	mu sync.Mutex

	// DeviceName is returned by Name. Defaults to "mock-source".
	DeviceName string

	// StartErrors are returned by successive Start calls; once exhausted Start
	// succeeds.
	StartErrors []error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// StartedFormat is the format passed to the last successful Start.
	StartedFormat audio.Format

	running bool
	deliver func(audio.AudioFrame)
	onErr   func(error)
}

var _ audio.Source = (*Source)(nil)

// Name implements [audio.Source].
func (s *Source) Name() string {
	if s.DeviceName == "" {
		return "mock-source"
	}
	return s.DeviceName
}

// Start implements [audio.Source].
func (s *Source) Start(f audio.Format, deliver func(audio.AudioFrame), onErr func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if len(s.StartErrors) > 0 {
		err := s.StartErrors[0]
		s.StartErrors = s.StartErrors[1:]
		if err != nil {
			return err
		}
	}
	s.StartedFormat = f
	s.running = true
	s.deliver = deliver
	s.onErr = onErr
	return nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.running = false
	s.deliver = nil
	return nil
}

// Running reports whether the source is between Start and Stop.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Emit invokes the deliver callback with fr, as the hardware clock would. It
// reports false if the source is not running.
func (s *Source) Emit(fr audio.AudioFrame) bool {
	s.mu.Lock()
	deliver := s.deliver
	s.mu.Unlock()
	if deliver == nil {
		return false
	}
	deliver(fr)
	return true
}

// Fail simulates a stream failure: the source stops and onErr is invoked.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	onErr := s.onErr
	s.running = false
	s.deliver = nil
	s.mu.Unlock()
	if onErr != nil {
		onErr(err)
	}
}

// ─── Sink ────────────────────────────────────────────────────────────────────

// Sink is a mock [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// DeviceName is returned by Name. Defaults to "mock-sink".
	DeviceName string

	// StartErrors are returned by successive Start calls; once exhausted Start
	// succeeds.
	StartErrors []error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// StartedFormat is the format passed to the last successful Start.
	StartedFormat audio.Format

	running bool
	fill    func([]int16)
	onErr   func(error)
}

var _ audio.Sink = (*Sink)(nil)

// Name implements [audio.Sink].
func (s *Sink) Name() string {
	if s.DeviceName == "" {
		return "mock-sink"
	}
	return s.DeviceName
}

// Start implements [audio.Sink].
func (s *Sink) Start(f audio.Format, fill func([]int16), onErr func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if len(s.StartErrors) > 0 {
		err := s.StartErrors[0]
		s.StartErrors = s.StartErrors[1:]
		if err != nil {
			return err
		}
	}
	s.StartedFormat = f
	s.running = true
	s.fill = fill
	s.onErr = onErr
	return nil
}

// Stop implements [audio.Sink].
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.running = false
	s.fill = nil
	return nil
}

// Running reports whether the sink is between Start and Stop.
func (s *Sink) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Pull invokes the fill callback with a fresh buffer of n samples and returns
// it, as one hardware playback tick would. It returns nil if the sink is not
// running.
func (s *Sink) Pull(n int) []int16 {
	s.mu.Lock()
	fill := s.fill
	s.mu.Unlock()
	if fill == nil {
		return nil
	}
	buf := make([]int16, n)
	for i := range buf {
		buf[i] = -1 // fill must overwrite every sample
	}
	fill(buf)
	return buf
}

// Fail simulates a stream failure: the sink stops and onErr is invoked.
func (s *Sink) Fail(err error) {
	s.mu.Lock()
	onErr := s.onErr
	s.running = false
	s.fill = nil
	s.mu.Unlock()
	if onErr != nil {
		onErr(err)
	}
}
