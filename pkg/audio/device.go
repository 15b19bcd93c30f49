// Package audio defines the PCM frame model and the hardware boundary used by
// the peercall media bridge.
//
// The two device abstractions are:
//
//   - [Source]: a capture device that delivers fixed-size [AudioFrame] values
//     on its own real-time callback.
//   - [Sink]: a playback device that pulls one frame of samples per tick from
//     a fill callback.
//
// Both run their callbacks on a goroutine they own. Callbacks must return
// quickly; they never wait on the network.
//
// Implementations live in sub-packages (audio/virtual) or in platform-specific
// backends linked in by the binary.
package audio

import "fmt"

// Direction identifies which half of the audio path a device serves.
type Direction int

const (
	// Capture is the microphone side: frames flow from the device to the encoder.
	Capture Direction = iota

	// Playback is the speaker side: frames flow from the decoder to the device.
	Playback
)

// String returns the human-readable name of the direction.
func (d Direction) String() string {
	switch d {
	case Capture:
		return "capture"
	case Playback:
		return "playback"
	default:
		return "unknown"
	}
}

// DeviceError reports a hardware boundary failure. Device errors never end a
// call; the bridge feeds silence and retries the device.
type DeviceError struct {
	Direction Direction
	Device    string
	Err       error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio: %s device %q: %v", e.Direction, e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Source is a capture device.
type Source interface {
	// Name identifies the device in logs and errors.
	Name() string

	// Start opens the device with format f and begins invoking deliver once per
	// frame. onErr is called from the device goroutine if the stream breaks
	// after Start has returned; the device is stopped by then. Start fails with
	// an error wrapping [ErrFormatMismatch] if the device cannot produce f.
	Start(f Format, deliver func(AudioFrame), onErr func(error)) error

	// Stop halts the callback. After Stop returns deliver is not invoked again.
	// Stop is idempotent.
	Stop() error
}

// Sink is a playback device.
type Sink interface {
	// Name identifies the device in logs and errors.
	Name() string

	// Start opens the device with format f and begins invoking fill once per
	// frame. fill must overwrite every sample of the buffer it receives. onErr
	// follows the same contract as for [Source].
	Start(f Format, fill func(pcm []int16), onErr func(error)) error

	// Stop halts the callback. Stop is idempotent.
	Stop() error
}
