// Package bridge connects the hardware audio boundary to a negotiated peer
// connection.
//
// A [Bridge] owns one capture device and one playback device. While a peer
// connection is established the bridge is bound to it through a [Binding]:
//
//   - Capture: the source callback pushes frames into a drop-oldest ring; a
//     worker reassembles complete Opus frames, encodes them and writes them to
//     the network.
//   - Playback: a receiver goroutine reads RTP packets into a jitter buffer;
//     the sink callback pops, decodes and plays them, or plays silence when
//     nothing is ready.
//
// Device failures never end the binding. Each path is restarted on its own
// with exponential backoff behind a circuit breaker, and the failure is
// surfaced through [Config.OnWarning].
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/peercall/internal/observe"
	"github.com/MrWong99/peercall/internal/resilience"
	"github.com/MrWong99/peercall/pkg/audio"
	"github.com/MrWong99/peercall/pkg/audio/jitter"
	"github.com/MrWong99/peercall/pkg/audio/opus"
	"github.com/MrWong99/peercall/pkg/audio/ring"
)

var (
	// ErrBusy is returned by [Bridge.Activate] while another binding holds
	// the audio devices.
	ErrBusy = errors.New("bridge: audio devices are bound to another peer")

	// ErrDeviceUnavailable is reported through OnWarning when a device could
	// not be brought back and its breaker opened.
	ErrDeviceUnavailable = errors.New("bridge: audio device unavailable")
)

// Network is the media side of an established peer connection.
type Network interface {
	// WriteSample sends one encoded frame.
	WriteSample(payload []byte) error

	// ReadPacket blocks for the next inbound packet.
	ReadPacket(ctx context.Context) (jitter.Packet, error)
}

const defaultCaptureBuffer = 8

// Config tunes a [Bridge]. Zero values fall back to defaults.
type Config struct {
	// Format is the frame layout negotiated with both devices. Defaults to
	// audio.DefaultFormat.
	Format audio.Format

	// Bitrate is the Opus target bitrate in bits per second. Zero leaves the
	// encoder on its automatic setting.
	Bitrate int

	// CaptureBuffer is the ring capacity in frames. Defaults to 8.
	CaptureBuffer int

	// JitterDepth is the playout delay in frames, clamped to 2..4.
	// Defaults to 3.
	JitterDepth int

	// Device restart policy.
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	MaxRetries      int
	BreakerFailures int
	BreakerReset    time.Duration

	// OnWarning receives non-fatal device problems for the bound peer. It is
	// called from bridge goroutines and must not block.
	OnWarning func(peer string, err error)

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Stats are cumulative counters across all bindings.
type Stats struct {
	FramesCaptured uint64
	FramesDropped  uint64
	FramesEncoded  uint64
	FramesDecoded  uint64
	Lost           uint64
	Underruns      uint64
	Late           uint64
	DeviceErrors   uint64
	Activations    uint64
	Teardowns      uint64
}

type counters struct {
	captured, dropped, encoded, decoded atomic.Uint64
	lost, underruns, late, deviceErrors atomic.Uint64
	activations, teardowns              atomic.Uint64
}

// Bridge moves audio between one source/sink pair and at most one peer at a
// time.
type Bridge struct {
	cfg     Config
	source  audio.Source
	sink    audio.Sink
	logger  *slog.Logger
	metrics *observe.Metrics

	mu        sync.Mutex
	bound     *Binding
	onWarning func(peer string, err error)

	stats counters
}

// New creates an idle bridge for source and sink.
func New(source audio.Source, sink audio.Sink, cfg Config) *Bridge {
	if cfg.Format == (audio.Format{}) {
		cfg.Format = audio.DefaultFormat
	}
	if cfg.CaptureBuffer <= 0 {
		cfg.CaptureBuffer = defaultCaptureBuffer
	}
	if cfg.JitterDepth <= 0 {
		cfg.JitterDepth = jitter.DefaultDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Bridge{
		cfg:       cfg,
		source:    source,
		sink:      sink,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		onWarning: cfg.OnWarning,
	}
}

// OnWarning replaces the handler for non-fatal device problems. It applies
// to warnings raised after the call, including those of a live binding.
func (b *Bridge) OnWarning(fn func(peer string, err error)) {
	b.mu.Lock()
	b.onWarning = fn
	b.mu.Unlock()
}

// Format returns the frame layout the bridge opens its devices with.
func (b *Bridge) Format() audio.Format { return b.cfg.Format }

// Active reports whether a binding currently holds the devices.
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound != nil
}

// Stats returns a snapshot of the cumulative counters.
func (b *Bridge) Stats() Stats {
	s := &b.stats
	return Stats{
		FramesCaptured: s.captured.Load(),
		FramesDropped:  s.dropped.Load(),
		FramesEncoded:  s.encoded.Load(),
		FramesDecoded:  s.decoded.Load(),
		Lost:           s.lost.Load(),
		Underruns:      s.underruns.Load(),
		Late:           s.late.Load(),
		DeviceErrors:   s.deviceErrors.Load(),
		Activations:    s.activations.Load(),
		Teardowns:      s.teardowns.Load(),
	}
}

// Activate binds the devices to net on behalf of peer and starts both audio
// paths. It fails with an error wrapping [audio.ErrFormatMismatch] when the
// format cannot be coded or a device refuses it, and with [ErrBusy] when
// another binding is live. Any other device start failure is reported as a
// warning and retried; the binding still comes up.
func (b *Bridge) Activate(peer string, net Network) (*Binding, error) {
	if err := opus.CheckFormat(b.cfg.Format); err != nil {
		return nil, fmt.Errorf("bridge: activate: %w", err)
	}

	bd, err := b.newBinding(peer, net)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.bound != nil {
		owner := b.bound.peer
		b.mu.Unlock()
		bd.cancel()
		return nil, fmt.Errorf("%w (%s)", ErrBusy, owner)
	}
	b.bound = bd
	b.mu.Unlock()

	if err := bd.start(); err != nil {
		b.release(bd)
		return nil, err
	}
	b.stats.activations.Add(1)
	b.logger.Info("bridge: activated", "peer", peer, "format", b.cfg.Format.String())
	return bd, nil
}

func (b *Bridge) release(bd *Binding) {
	b.mu.Lock()
	if b.bound == bd {
		b.bound = nil
	}
	b.mu.Unlock()
}

// ─── Binding ─────────────────────────────────────────────────────────────────

// Binding is one live connection between the devices and a peer.
type Binding struct {
	b      *Bridge
	peer   string
	net    Network
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ring   *ring.Ring
	jit    *jitter.Buffer
	enc    *opus.Encoder
	framer *audio.Framer

	decMu sync.Mutex
	dec   *opus.Decoder

	capture  *resilience.Restarter
	playback *resilience.Restarter

	restartWG sync.WaitGroup
	workWG    sync.WaitGroup

	once sync.Once
}

func (b *Bridge) newBinding(peer string, net Network) (*Binding, error) {
	f := b.cfg.Format
	enc, err := opus.NewEncoder(f, b.cfg.Bitrate)
	if err != nil {
		return nil, fmt.Errorf("bridge: activate: %w", err)
	}
	dec, err := opus.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("bridge: activate: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	bd := &Binding{
		b:      b,
		peer:   peer,
		net:    net,
		logger: b.logger.With("peer", peer),
		ctx:    ctx,
		cancel: cancel,
		ring:   ring.New(b.cfg.CaptureBuffer),
		jit:    jitter.New(jitter.WithDepth(b.cfg.JitterDepth)),
		enc:    enc,
		dec:    dec,
		framer: audio.NewFramer(f),
	}
	bd.capture = bd.newRestarter(audio.Capture, b.source.Name(), bd.startSource)
	bd.playback = bd.newRestarter(audio.Playback, b.sink.Name(), bd.startSink)
	return bd, nil
}

func (bd *Binding) newRestarter(dir audio.Direction, device string, start func() error) *resilience.Restarter {
	cfg := bd.b.cfg
	name := dir.String() + "/" + bd.peer
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  cfg.BreakerFailures,
		ResetTimeout: cfg.BreakerReset,
		Logger:       bd.logger,
		OnStateChange: func(_, to resilience.State) {
			if to == resilience.StateOpen {
				bd.warn(fmt.Errorf("%w: %s device %q", ErrDeviceUnavailable, dir, device))
			}
		},
	})
	return resilience.NewRestarter(resilience.RestarterConfig{
		Name:       name,
		Start:      start,
		Breaker:    breaker,
		MaxRetries: cfg.MaxRetries,
		Backoff:    cfg.RetryBackoff,
		MaxBackoff: cfg.RetryMaxBackoff,
		Logger:     bd.logger,
		OnGiveUp: func(err error) {
			// An open breaker has already been reported.
			if !errors.Is(err, resilience.ErrCircuitOpen) {
				bd.warn(&audio.DeviceError{Direction: dir, Device: device, Err: err})
			}
		},
	})
}

// start opens both devices and launches the workers.
func (bd *Binding) start() error {
	b := bd.b
	if err := bd.startSource(); err != nil {
		if errors.Is(err, audio.ErrFormatMismatch) {
			bd.cancel()
			return fmt.Errorf("bridge: activate %s: %w", b.source.Name(), err)
		}
		bd.deviceFailed(audio.Capture, b.source.Name(), err)
	}
	if err := bd.startSink(); err != nil {
		if errors.Is(err, audio.ErrFormatMismatch) {
			_ = b.source.Stop()
			bd.cancel()
			return fmt.Errorf("bridge: activate %s: %w", b.sink.Name(), err)
		}
		bd.deviceFailed(audio.Playback, b.sink.Name(), err)
	}

	bd.restartWG.Add(2)
	go func() {
		defer bd.restartWG.Done()
		bd.capture.Run(bd.ctx)
	}()
	go func() {
		defer bd.restartWG.Done()
		bd.playback.Run(bd.ctx)
	}()

	bd.workWG.Add(2)
	go bd.encodeLoop()
	go bd.receiveLoop()
	return nil
}

// Peer returns the remote peer this binding serves.
func (bd *Binding) Peer() string { return bd.peer }

// Deactivate stops both devices and waits for every bridge goroutine to
// exit. Calling it more than once is safe; only the first call tears down.
func (bd *Binding) Deactivate() {
	bd.once.Do(func() {
		b := bd.b
		bd.cancel()
		bd.capture.Stop()
		bd.playback.Stop()
		bd.restartWG.Wait()

		if err := b.source.Stop(); err != nil {
			bd.logger.Warn("bridge: stop capture device", "err", err)
		}
		if err := b.sink.Stop(); err != nil {
			bd.logger.Warn("bridge: stop playback device", "err", err)
		}
		bd.ring.Close()
		bd.workWG.Wait()

		b.release(bd)
		b.stats.teardowns.Add(1)
		bd.logger.Info("bridge: deactivated")
	})
}

func (bd *Binding) warn(err error) {
	if bd.ctx.Err() != nil {
		return
	}
	bd.logger.Warn("bridge: device warning", "err", err)
	bd.b.mu.Lock()
	fn := bd.b.onWarning
	bd.b.mu.Unlock()
	if fn != nil {
		fn(bd.peer, err)
	}
}

func (bd *Binding) deviceFailed(dir audio.Direction, device string, err error) {
	if bd.ctx.Err() != nil {
		return
	}
	bd.b.stats.deviceErrors.Add(1)
	bd.b.metrics.RecordDeviceError(bd.ctx, dir.String())
	bd.warn(&audio.DeviceError{Direction: dir, Device: device, Err: err})
	if dir == audio.Capture {
		bd.capture.NotifyFailure()
	} else {
		bd.playback.NotifyFailure()
	}
}

// ─── Capture ─────────────────────────────────────────────────────────────────

func (bd *Binding) startSource() error {
	src := bd.b.source
	return src.Start(bd.b.cfg.Format, bd.deliver, func(err error) {
		bd.deviceFailed(audio.Capture, src.Name(), err)
	})
}

// deliver runs on the device goroutine and never blocks on the network.
func (bd *Binding) deliver(fr audio.AudioFrame) {
	f := bd.b.cfg.Format
	if fr.SampleRate != f.SampleRate || fr.Channels != f.Channels {
		bd.b.stats.dropped.Add(1)
		bd.b.metrics.FramesDropped.Add(bd.ctx, 1)
		return
	}
	bd.b.stats.captured.Add(1)
	if bd.ring.Push(fr) {
		bd.b.stats.dropped.Add(1)
		bd.b.metrics.FramesDropped.Add(bd.ctx, 1)
	}
}

func (bd *Binding) encodeLoop() {
	defer bd.workWG.Done()
	for {
		fr, err := bd.ring.Pop(bd.ctx)
		if err != nil {
			return
		}
		bd.framer.Write(fr.Data, bd.send)
	}
}

func (bd *Binding) send(pcm []int16) {
	payload, err := bd.enc.Encode(pcm)
	if err != nil {
		bd.logger.Warn("bridge: encode", "err", err)
		return
	}
	if err := bd.net.WriteSample(payload); err != nil {
		bd.logger.Debug("bridge: write sample", "err", err)
		return
	}
	bd.b.stats.encoded.Add(1)
	bd.b.metrics.FramesEncoded.Add(bd.ctx, 1)
}

// ─── Playback ────────────────────────────────────────────────────────────────

func (bd *Binding) startSink() error {
	sink := bd.b.sink
	return sink.Start(bd.b.cfg.Format, bd.fill, func(err error) {
		bd.deviceFailed(audio.Playback, sink.Name(), err)
	})
}

func (bd *Binding) receiveLoop() {
	defer bd.workWG.Done()
	for {
		pkt, err := bd.net.ReadPacket(bd.ctx)
		if err != nil {
			if bd.ctx.Err() == nil {
				bd.logger.Debug("bridge: receive ended", "err", err)
			}
			return
		}
		if !bd.jit.Push(pkt) {
			bd.b.stats.late.Add(1)
			bd.b.metrics.RecordJitter(bd.ctx, "late")
		}
	}
}

// fill runs on the device goroutine. It overwrites every sample of pcm.
func (bd *Binding) fill(pcm []int16) {
	if len(pcm) != bd.b.cfg.Format.FrameSamples() {
		audio.Silence(pcm)
		return
	}
	pkt, res := bd.jit.Pop()
	switch res {
	case jitter.Ready:
		bd.decMu.Lock()
		err := bd.dec.Decode(pkt.Payload, pcm)
		bd.decMu.Unlock()
		if err != nil {
			bd.logger.Debug("bridge: decode", "seq", pkt.Seq, "err", err)
			audio.Silence(pcm)
			return
		}
		bd.b.stats.decoded.Add(1)
		bd.b.metrics.FramesDecoded.Add(bd.ctx, 1)
	case jitter.Lost:
		bd.decMu.Lock()
		err := bd.dec.Conceal(pcm)
		bd.decMu.Unlock()
		if err != nil {
			bd.logger.Debug("bridge: conceal", "err", err)
			audio.Silence(pcm)
		}
		bd.b.stats.lost.Add(1)
		bd.b.metrics.RecordJitter(bd.ctx, "lost")
	default:
		audio.Silence(pcm)
		bd.b.stats.underruns.Add(1)
		bd.b.metrics.RecordJitter(bd.ctx, "underrun")
	}
}
