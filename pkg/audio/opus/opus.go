// Package opus wraps the libopus bindings in layeh.com/gopus with the fixed
// frame contract of [audio.Format]: every Encode call takes exactly one full
// frame and every Decode call yields exactly one.
package opus

import (
	"errors"
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/peercall/pkg/audio"
)

// maxPacketBytes bounds a single encoded packet. 1275 bytes is the largest
// Opus frame the format allows; 4000 leaves room for 60 ms multi-frame packets.
const maxPacketBytes = 4000

// ErrShortFrame is returned by [Encoder.Encode] when the input does not hold
// exactly one frame of samples.
var ErrShortFrame = errors.New("opus: frame must hold exactly one frame of samples")

// CheckFormat reports whether f is a layout Opus can code.
func CheckFormat(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("%w: opus does not support %d Hz", audio.ErrFormatMismatch, f.SampleRate)
	}
	switch f.FrameDuration {
	case 2500 * time.Microsecond, 5 * time.Millisecond, 10 * time.Millisecond,
		20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond:
	default:
		return fmt.Errorf("%w: opus does not support %s frames", audio.ErrFormatMismatch, f.FrameDuration)
	}
	return nil
}

// Encoder encodes one outbound stream. It keeps codec state across frames,
// so use one Encoder per stream.
type Encoder struct {
	enc    *gopus.Encoder
	format audio.Format
}

// NewEncoder creates an encoder for f tuned for voice. A bitrate of zero
// leaves libopus on its automatic setting.
func NewEncoder(f audio.Format, bitrate int) (*Encoder, error) {
	if err := CheckFormat(f); err != nil {
		return nil, err
	}
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate)
	}
	return &Encoder{enc: enc, format: f}, nil
}

// Format returns the frame layout the encoder was created for.
func (e *Encoder) Format() audio.Format { return e.format }

// Encode encodes exactly one frame of interleaved PCM into an Opus packet.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != e.format.FrameSamples() {
		return nil, fmt.Errorf("%w: got %d samples, want %d", ErrShortFrame, len(pcm), e.format.FrameSamples())
	}
	packet, err := e.enc.Encode(pcm, e.format.SamplesPerChannel(), maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}

// Decoder decodes one inbound stream.
type Decoder struct {
	dec    *gopus.Decoder
	format audio.Format
}

// NewDecoder creates a decoder producing frames of f.
func NewDecoder(f audio.Format) (*Decoder, error) {
	if err := CheckFormat(f); err != nil {
		return nil, err
	}
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, format: f}, nil
}

// Format returns the frame layout the decoder produces.
func (d *Decoder) Format() audio.Format { return d.format }

// Decode decodes packet into dst, which must hold one frame of samples. A
// packet that decodes to fewer samples leaves the remainder of dst silent.
func (d *Decoder) Decode(packet []byte, dst []int16) error {
	if len(packet) == 0 {
		audio.Silence(dst)
		return nil
	}
	pcm, err := d.dec.Decode(packet, d.format.SamplesPerChannel(), false)
	if err != nil {
		return fmt.Errorf("opus: decode: %w", err)
	}
	n := copy(dst, pcm)
	audio.Silence(dst[n:])
	return nil
}

// Conceal fills dst with one frame of packet-loss concealment, extrapolated
// from the audio decoded so far. Call it once per lost packet, in order.
func (d *Decoder) Conceal(dst []int16) error {
	pcm, err := d.dec.Decode(nil, d.format.SamplesPerChannel(), false)
	if err != nil {
		return fmt.Errorf("opus: conceal: %w", err)
	}
	n := copy(dst, pcm)
	audio.Silence(dst[n:])
	return nil
}
