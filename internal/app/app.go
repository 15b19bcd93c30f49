// Package app wires the peercall subsystems into a running client.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes until the user quits or the context ends, and
// Shutdown leaves the room and tears everything down in order.
//
// For testing, inject doubles via functional options (WithTransport,
// WithPeerFactory, WithDevices). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/peercall/internal/bridge"
	"github.com/MrWong99/peercall/internal/config"
	"github.com/MrWong99/peercall/internal/console"
	"github.com/MrWong99/peercall/internal/coordinator"
	"github.com/MrWong99/peercall/internal/health"
	"github.com/MrWong99/peercall/internal/observe"
	"github.com/MrWong99/peercall/internal/registry"
	"github.com/MrWong99/peercall/internal/resilience"
	"github.com/MrWong99/peercall/internal/rtc"
	"github.com/MrWong99/peercall/internal/signaling"
)

// Transport is the relay link the app owns.
type Transport interface {
	coordinator.Transport
	Done() <-chan struct{}
	Close() error
}

// errQuit ends Run without an error when the user leaves.
var errQuit = errors.New("app: quit")

// App owns all subsystem lifetimes of one peercall client.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	devices   *config.DeviceRegistry
	api       *rtc.API
	newPeer   coordinator.PeerFactory
	transport Transport
	bridge    *bridge.Bridge
	coord     *coordinator.Coordinator
	console   *console.Console
	consoleIn io.Reader
	out       io.Writer
	health    *health.Handler

	httpSrv  *http.Server
	httpLn   net.Listener
	linkCtx  context.Context
	linkStop context.CancelFunc

	mu          sync.Mutex
	running     bool
	linkStopped chan struct{}
	linkErr     error

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTransport injects a relay link instead of dialing relay.url.
func WithTransport(t Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithPeerFactory injects a peer connection factory instead of pion.
func WithPeerFactory(f coordinator.PeerFactory) Option {
	return func(a *App) { a.newPeer = f }
}

// WithDevices injects the audio device registry. The built-in devices are
// used otherwise.
func WithDevices(r *config.DeviceRegistry) Option {
	return func(a *App) { a.devices = r }
}

// WithConsole enables the interactive console reading in and printing to
// out. Without it the app runs headless and logs call events.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.consoleIn = in
		a.out = out
	}
}

// WithLogger sets the logger and the level variable that hot reload adjusts.
func WithLogger(l *slog.Logger, level *slog.LevelVar) Option {
	return func(a *App) {
		a.logger = l
		a.level = level
	}
}

// WithMetrics injects the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It dials the relay
// unless a transport is injected, so ctx bounds the connection attempt.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:         cfg,
		linkStopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.linkCtx, a.linkStop = context.WithCancel(context.Background())

	// ── 1. Audio devices + bridge ────────────────────────────────────────
	if err := a.initBridge(); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 2. Peer connections ──────────────────────────────────────────────
	if err := a.initPeers(); err != nil {
		return nil, fmt.Errorf("app: init webrtc: %w", err)
	}

	// ── 3. Relay link ────────────────────────────────────────────────────
	if err := a.initTransport(ctx); err != nil {
		return nil, fmt.Errorf("app: connect relay: %w", err)
	}

	// ── 4. Coordinator + UI ──────────────────────────────────────────────
	var ui coordinator.UI = logUI{logger: a.logger}
	if a.consoleIn != nil {
		a.console = console.New(a.consoleIn, a.out, a.logger)
		ui = a.console
	}
	a.coord = coordinator.New(coordinator.Config{
		Registry:           registry.New(cfg.Peer.ID),
		Transport:          a.transport,
		NewPeer:            a.newPeer,
		UI:                 ui,
		Bridge:             a.bridge,
		NegotiationTimeout: cfg.Negotiation.Timeout,
		Logger:             a.logger,
		Metrics:            a.metrics,
	})

	// ── 5. Health + metrics endpoint ─────────────────────────────────────
	a.health = health.New(health.Checker{Name: "signaling", Check: a.checkLink})
	if err := a.initHTTP(); err != nil {
		_ = a.transport.Close()
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	a.logger.Info("app: ready",
		"peer", a.coord.LocalID(),
		"display", cfg.Peer.Display,
		"room", cfg.Relay.Room,
		"format", a.bridge.Format().String(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initBridge() error {
	if a.devices == nil {
		a.devices = config.NewDeviceRegistry()
		RegisterBuiltinDevices(a.devices)
	}
	ac := a.cfg.Audio
	source, err := a.devices.CreateSource(ac.Capture)
	if err != nil {
		return err
	}
	sink, err := a.devices.CreateSink(ac.Playback)
	if err != nil {
		return err
	}
	a.bridge = bridge.New(source, sink, bridge.Config{
		Format:          ac.Format(),
		Bitrate:         ac.Bitrate,
		CaptureBuffer:   ac.CaptureBuffer,
		JitterDepth:     ac.JitterDepth,
		RetryBackoff:    ac.DeviceRetry.Backoff,
		RetryMaxBackoff: ac.DeviceRetry.MaxBackoff,
		MaxRetries:      ac.DeviceRetry.MaxRetries,
		BreakerFailures: ac.DeviceRetry.BreakerFailures,
		BreakerReset:    ac.DeviceRetry.BreakerReset,
		Logger:          a.logger,
		Metrics:         a.metrics,
	})
	a.logger.Info("app: audio devices", "capture", source.Name(), "playback", sink.Name())
	return nil
}

func (a *App) initPeers() error {
	if a.newPeer != nil {
		return nil
	}
	api, err := rtc.NewAPI(rtc.Config{
		ICEServers: iceServers(a.cfg.ICE.Servers),
		Format:     a.cfg.Audio.Format(),
		Loopback:   a.cfg.ICE.Loopback,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	a.api = api
	a.newPeer = coordinator.RTCPeers(api)
	return nil
}

func (a *App) initTransport(ctx context.Context) error {
	if a.transport == nil {
		if a.cfg.Relay.URL == "" {
			return errors.New("relay.url is required")
		}
		relays := resilience.NewFailover[string](resilience.CircuitBreakerConfig{Logger: a.logger})
		for _, u := range append([]string{a.cfg.Relay.URL}, a.cfg.Relay.FallbackURLs...) {
			relays.Add(u, u)
		}
		t, url, err := resilience.Try(ctx, relays, func(ctx context.Context, url string) (*signaling.Transport, error) {
			dialCtx, cancel := context.WithTimeout(ctx, a.cfg.Relay.DialTimeout)
			defer cancel()
			return signaling.Dial(dialCtx, url,
				signaling.WithLogger(a.logger),
				signaling.WithMetrics(a.metrics),
			)
		})
		if err != nil {
			return err
		}
		a.logger.Info("app: connected to relay", "url", url)
		a.transport = t
	}
	a.closers = append(a.closers, a.transport.Close)
	return nil
}

func (a *App) initHTTP() error {
	addr := a.cfg.Observe.MetricsAddr
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	a.health.Register(mux)
	a.httpLn = ln
	a.httpSrv = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

func (a *App) checkLink(context.Context) error {
	select {
	case <-a.transport.Done():
		if err := a.transport.Err(); err != nil {
			return err
		}
		return signaling.ErrTransportClosed
	default:
		return nil
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Coordinator returns the session coordinator.
func (a *App) Coordinator() *coordinator.Coordinator { return a.coord }

// Bridge returns the media bridge.
func (a *App) Bridge() *bridge.Bridge { return a.bridge }

// HTTPAddr returns the address of the metrics and health endpoint, or ""
// when it is disabled.
func (a *App) HTTPAddr() string {
	if a.httpLn == nil {
		return ""
	}
	return a.httpLn.Addr().String()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run joins the configured room and serves until ctx is done, the user quits
// the console or the relay link is lost. Only the last case is an error.
// The relay link outlives Run so that [App.Shutdown] can still announce the
// departure.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("app: already running")
	}
	a.running = true
	a.mu.Unlock()

	go func() {
		a.linkErr = a.coord.Run(a.linkCtx)
		close(a.linkStopped)
	}()

	if err := a.coord.Join(ctx, a.cfg.Relay.Room); err != nil {
		return fmt.Errorf("app: join room %q: %w", a.cfg.Relay.Room, err)
	}
	a.logger.Info("app: joined room", "room", a.cfg.Relay.Room, "peer", a.coord.LocalID())
	a.health.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-a.linkStopped:
			if a.linkErr != nil {
				return fmt.Errorf("app: relay link: %w", a.linkErr)
			}
			return errQuit
		}
	})

	if a.httpSrv != nil {
		g.Go(func() error {
			a.logger.Info("app: serving metrics and health", "addr", a.HTTPAddr())
			if err := a.httpSrv.Serve(a.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.httpSrv.Shutdown(sctx)
		})
	}

	if a.console != nil {
		g.Go(func() error {
			if err := a.console.Run(gctx, a.coord); err != nil {
				return fmt.Errorf("app: console: %w", err)
			}
			return errQuit
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// ApplyConfig applies the hot-reloadable part of a config change. New
// settings affect sessions created afterwards.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.logger.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.ICEServersChanged && a.api != nil {
		a.api.SetICEServers(iceServers(d.NewICEServers))
		a.logger.Info("app: ice servers changed", "count", len(d.NewICEServers))
	}
	if d.NegotiationTimeoutChanged {
		a.coord.SetNegotiationTimeout(d.NewNegotiationTimeout)
		a.logger.Info("app: negotiation timeout changed", "timeout", d.NewNegotiationTimeout)
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("app: config changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown hangs up every call, leaves the room and closes the relay link and
// remaining resources. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("app: shutting down", "sessions", len(a.coord.Sessions()))

		a.health.SetReady(false)
		a.coord.Shutdown(ctx)
		defer a.linkStop()

		// The relay transport is the first closer; closing it flushes the
		// Leave queued above and ends the coordinator's receive loop.
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil && !errors.Is(err, signaling.ErrTransportClosed) {
				a.logger.Warn("app: closer error", "index", i, "err", err)
			}
		}

		a.mu.Lock()
		running := a.running
		a.mu.Unlock()
		if !running {
			if a.httpLn != nil {
				_ = a.httpLn.Close()
			}
		} else {
			select {
			case <-a.linkStopped:
			case <-ctx.Done():
				shutdownErr = ctx.Err()
				return
			}
		}
		a.logger.Info("app: shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// iceServers converts configured servers to pion's form.
func iceServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// SlogLevel maps a config level to slog.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
