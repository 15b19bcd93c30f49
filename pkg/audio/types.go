package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrFormatMismatch is returned when a device or codec is activated with a
// format that differs from the one the bridge was configured for.
var ErrFormatMismatch = errors.New("audio: format mismatch")

// Format describes the fixed shape of every frame on an audio path. It is
// negotiated once when a bridge is activated and never changes mid-stream.
type Format struct {
	// SampleRate in Hz (48000 for Opus).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// FrameDuration is the length of one frame (10, 20, 40 or 60 ms for Opus).
	FrameDuration time.Duration
}

// DefaultFormat is 48 kHz mono with 20 ms frames, the native Opus cadence.
var DefaultFormat = Format{SampleRate: 48000, Channels: 1, FrameDuration: 20 * time.Millisecond}

// SamplesPerChannel returns the number of samples per channel in one frame
// (960 for 20 ms at 48 kHz).
func (f Format) SamplesPerChannel() int {
	return int(int64(f.SampleRate) * int64(f.FrameDuration) / int64(time.Second))
}

// FrameSamples returns the total number of interleaved samples in one frame.
func (f Format) FrameSamples() int {
	return f.SamplesPerChannel() * f.Channels
}

// Validate reports whether f describes a usable frame layout.
func (f Format) Validate() error {
	switch {
	case f.SampleRate <= 0:
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	case f.Channels != 1 && f.Channels != 2:
		return fmt.Errorf("audio: channels must be 1 or 2, got %d", f.Channels)
	case f.FrameDuration <= 0:
		return fmt.Errorf("audio: frame duration must be positive, got %s", f.FrameDuration)
	case f.SamplesPerChannel() == 0:
		return fmt.Errorf("audio: frame of %s at %d Hz holds no samples", f.FrameDuration, f.SampleRate)
	}
	return nil
}

// Check returns an error wrapping [ErrFormatMismatch] if got differs from f.
func (f Format) Check(got Format) error {
	if f != got {
		return fmt.Errorf("%w: want %s, got %s", ErrFormatMismatch, f, got)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%s", f.SampleRate, f.Channels, f.FrameDuration)
}

// AudioFrame is one fixed-duration block of interleaved signed 16-bit PCM.
// Frames are the unit exchanged between the hardware boundary and the
// encode/decode boundary.
type AudioFrame struct {
	// Data holds exactly Format.FrameSamples() interleaved samples when the
	// frame comes from a device. Codec input may carry partial blocks that a
	// [Framer] reassembles.
	Data []int16

	// SampleRate in Hz.
	SampleRate int

	// Channels is the interleaved channel count.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the sample rate and channel count of the frame. The frame
// duration is derived from the sample count.
func (fr AudioFrame) Format() Format {
	f := Format{SampleRate: fr.SampleRate, Channels: fr.Channels}
	if fr.SampleRate > 0 && fr.Channels > 0 {
		perChannel := len(fr.Data) / fr.Channels
		f.FrameDuration = time.Duration(int64(perChannel) * int64(time.Second) / int64(fr.SampleRate))
	}
	return f
}

// NewFrame returns a zeroed frame sized for f.
func NewFrame(f Format) AudioFrame {
	return AudioFrame{
		Data:       make([]int16, f.FrameSamples()),
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
	}
}
