// Package hardware captures and plays audio through the host sound system
// using miniaudio. A [Source] and a [Sink] each own a private miniaudio
// context, so the two directions can fail and restart independently.
//
// miniaudio converts between the requested [audio.Format] and whatever the
// hardware runs at, so a device that opens reports the format it was asked
// for. Anything else is treated as [audio.ErrFormatMismatch].
package hardware

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/peercall/pkg/audio"
)

var (
	// ErrUnknownBackend is returned by [ParseBackend] for unrecognised names.
	ErrUnknownBackend = errors.New("hardware: unknown backend")

	// ErrStreamStopped is reported through onErr when the host stops a device
	// that was not asked to stop, for example on unplug.
	ErrStreamStopped = errors.New("hardware: stream stopped by host")

	errAlreadyStarted = errors.New("hardware: device already started")
)

var backends = map[string]malgo.Backend{
	"wasapi":     malgo.BackendWasapi,
	"dsound":     malgo.BackendDsound,
	"winmm":      malgo.BackendWinmm,
	"coreaudio":  malgo.BackendCoreaudio,
	"sndio":      malgo.BackendSndio,
	"audio4":     malgo.BackendAudio4,
	"oss":        malgo.BackendOss,
	"pulseaudio": malgo.BackendPulseaudio,
	"alsa":       malgo.BackendAlsa,
	"jack":       malgo.BackendJack,
	"aaudio":     malgo.BackendAaudio,
	"opensl":     malgo.BackendOpensl,
	"webaudio":   malgo.BackendWebaudio,
	"null":       malgo.BackendNull,
}

// ParseBackend maps a backend name such as "alsa" or "null" to its miniaudio
// constant. The empty string and "auto" return nil, which lets miniaudio pick
// the platform default.
func ParseBackend(name string) ([]malgo.Backend, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "auto" {
		return nil, nil
	}
	b, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return []malgo.Backend{b}, nil
}

// Options configures a hardware device.
type Options struct {
	// Backends restricts which miniaudio backends are tried, in order. Empty
	// means the platform default.
	Backends []malgo.Backend

	// Logger receives miniaudio diagnostics at debug level. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// device is the lifecycle shared by Source and Sink.
type device struct {
	name      string
	direction audio.Direction
	opts      Options

	mu       sync.Mutex
	mctx     *malgo.AllocatedContext
	dev      *malgo.Device
	stopping *atomic.Bool
}

func newDevice(name string, dir audio.Direction, opts Options) *device {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &device{name: name, direction: dir, opts: opts}
}

func (d *device) wrap(err error) error {
	return &audio.DeviceError{Direction: d.direction, Device: d.name, Err: err}
}

func (d *device) start(f audio.Format, data malgo.DataProc, onErr func(error)) error {
	if err := f.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev != nil {
		return errAlreadyStarted
	}

	log := d.opts.Logger.With("device", d.name, "direction", d.direction)
	mctx, err := malgo.InitContext(d.opts.Backends, malgo.ContextConfig{}, func(msg string) {
		log.Debug("hardware: miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return d.wrap(fmt.Errorf("init context: %w", err))
	}

	kind := malgo.Capture
	if d.direction == audio.Playback {
		kind = malgo.Playback
	}
	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(f.FrameDuration / time.Millisecond)
	cfg.Alsa.NoMMap = 1
	if kind == malgo.Capture {
		cfg.Capture.Format = malgo.FormatS16
		cfg.Capture.Channels = uint32(f.Channels)
	} else {
		cfg.Playback.Format = malgo.FormatS16
		cfg.Playback.Channels = uint32(f.Channels)
	}

	stopping := new(atomic.Bool)
	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: data,
		Stop: func() {
			if stopping.Load() || onErr == nil {
				return
			}
			// Stop runs on the miniaudio thread; the handler may restart us.
			go onErr(d.wrap(ErrStreamStopped))
		},
	})
	if err != nil {
		freeContext(mctx)
		return d.wrap(fmt.Errorf("init device: %w", err))
	}

	channels := dev.CaptureChannels()
	if kind == malgo.Playback {
		channels = dev.PlaybackChannels()
	}
	got := audio.Format{SampleRate: int(dev.SampleRate()), Channels: int(channels), FrameDuration: f.FrameDuration}
	if err := f.Check(got); err != nil {
		dev.Uninit()
		freeContext(mctx)
		return d.wrap(err)
	}

	if err := dev.Start(); err != nil {
		dev.Uninit()
		freeContext(mctx)
		return d.wrap(fmt.Errorf("start: %w", err))
	}
	d.mctx, d.dev, d.stopping = mctx, dev, stopping
	log.Info("hardware: device started", "format", f)
	return nil
}

func (d *device) stop() error {
	d.mu.Lock()
	mctx, dev, stopping := d.mctx, d.dev, d.stopping
	d.mctx, d.dev, d.stopping = nil, nil, nil
	d.mu.Unlock()
	if dev == nil {
		return nil
	}
	stopping.Store(true)
	err := dev.Stop()
	dev.Uninit()
	freeContext(mctx)
	if err != nil {
		return d.wrap(fmt.Errorf("stop: %w", err))
	}
	return nil
}

func freeContext(mctx *malgo.AllocatedContext) {
	_ = mctx.Uninit()
	mctx.Free()
}

// ─── Source ──────────────────────────────────────────────────────────────────

// Source captures from the default input device.
type Source struct {
	*device
}

var _ audio.Source = (*Source)(nil)

// NewSource returns a capture device. Nothing is opened until Start.
func NewSource(opts Options) *Source {
	return &Source{device: newDevice("hardware-capture", audio.Capture, opts)}
}

// Name implements [audio.Source].
func (s *Source) Name() string { return s.name }

// Start implements [audio.Source].
func (s *Source) Start(f audio.Format, deliver func(audio.AudioFrame), onErr func(error)) error {
	c := newCapturer(f, deliver)
	return s.start(f, func(_, in []byte, _ uint32) { c.write(in) }, onErr)
}

// Stop implements [audio.Source].
func (s *Source) Stop() error { return s.stop() }

// capturer regroups the device's periods into whole frames.
type capturer struct {
	format  audio.Format
	framer  *audio.Framer
	deliver func(audio.AudioFrame)
	n       int
}

func newCapturer(f audio.Format, deliver func(audio.AudioFrame)) *capturer {
	return &capturer{format: f, framer: audio.NewFramer(f), deliver: deliver}
}

func (c *capturer) write(in []byte) {
	c.framer.Write(audio.BytesToInt16s(in), func(pcm []int16) {
		fr := audio.NewFrame(c.format)
		copy(fr.Data, pcm)
		fr.Timestamp = time.Duration(c.n) * c.format.FrameDuration
		c.n++
		c.deliver(fr)
	})
}

// ─── Sink ────────────────────────────────────────────────────────────────────

// Sink plays to the default output device.
type Sink struct {
	*device
}

var _ audio.Sink = (*Sink)(nil)

// NewSink returns a playback device. Nothing is opened until Start.
func NewSink(opts Options) *Sink {
	return &Sink{device: newDevice("hardware-playback", audio.Playback, opts)}
}

// Name implements [audio.Sink].
func (s *Sink) Name() string { return s.name }

// Start implements [audio.Sink].
func (s *Sink) Start(f audio.Format, fill func(pcm []int16), onErr func(error)) error {
	p := newPlayer(f, fill)
	return s.start(f, func(out, _ []byte, _ uint32) { p.read(out) }, onErr)
}

// Stop implements [audio.Sink].
func (s *Sink) Stop() error { return s.stop() }

// player serves device periods of any size from whole frames pulled from fill.
type player struct {
	fill  func([]int16)
	frame []int16
	off   int
}

func newPlayer(f audio.Format, fill func([]int16)) *player {
	frame := make([]int16, f.FrameSamples())
	return &player{fill: fill, frame: frame, off: len(frame)}
}

func (p *player) read(out []byte) {
	for len(out) >= 2 {
		if p.off == len(p.frame) {
			p.fill(p.frame)
			p.off = 0
		}
		n := min(len(p.frame)-p.off, len(out)/2)
		copy(out, audio.Int16sToBytes(p.frame[p.off:p.off+n]))
		out = out[n*2:]
		p.off += n
	}
}
