// Package config provides the configuration schema, loader, file watcher and
// audio device registry for peercall.
package config

import (
	"time"

	"github.com/MrWong99/peercall/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader], which apply [Defaults] before
// validating.
type Config struct {
	LogLevel    LogLevel          `yaml:"log_level"`
	Peer        PeerConfig        `yaml:"peer"`
	Relay       RelayConfig       `yaml:"relay"`
	ICE         ICEConfig         `yaml:"ice"`
	Audio       AudioConfig       `yaml:"audio"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Observe     ObserveConfig     `yaml:"observe"`
	RelayServer RelayServerConfig `yaml:"relay_server"`
}

// PeerConfig identifies the local peer.
type PeerConfig struct {
	// ID is the PeerId announced to the room. A random UUID is generated
	// when empty.
	ID string `yaml:"id"`

	// Display is a human-readable label used in logs.
	Display string `yaml:"display"`
}

// RelayConfig locates the signaling relay the client connects to.
type RelayConfig struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8089/ws".
	URL string `yaml:"url"`

	// FallbackURLs are dialed in order when URL cannot be reached.
	FallbackURLs []string `yaml:"fallback_urls"`

	// Room is joined right after connecting.
	Room string `yaml:"room"`

	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ICEConfig lists the connectivity helpers handed to every peer connection.
type ICEConfig struct {
	Servers []ICEServer `yaml:"servers"`

	// Loopback gathers loopback candidates only. Useful for two clients on
	// one host without network access.
	Loopback bool `yaml:"loopback"`
}

// ICEServer is one STUN or TURN server.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// AudioConfig describes the media bridge.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	FrameMS    int `yaml:"frame_ms"`

	// Bitrate is the Opus target in bits per second.
	Bitrate int `yaml:"bitrate"`

	// CaptureBuffer is the number of frames queued between the capture
	// device and the encoder.
	CaptureBuffer int `yaml:"capture_buffer"`

	// JitterDepth is the number of packets buffered before playback starts.
	JitterDepth int `yaml:"jitter_depth"`

	// Capture and Playback select devices registered in a [DeviceRegistry].
	Capture  DeviceEntry `yaml:"capture"`
	Playback DeviceEntry `yaml:"playback"`

	DeviceRetry DeviceRetryConfig `yaml:"device_retry"`
}

// Format returns the audio format described by a.
func (a AudioConfig) Format() audio.Format {
	return audio.Format{
		SampleRate:    a.SampleRate,
		Channels:      a.Channels,
		FrameDuration: time.Duration(a.FrameMS) * time.Millisecond,
	}
}

// DeviceEntry selects a device implementation by name. Options holds
// device-specific values such as a tone frequency.
type DeviceEntry struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

// DeviceRetryConfig tunes how a failed audio device is restarted.
type DeviceRetryConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	Backoff         time.Duration `yaml:"backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// NegotiationConfig bounds call setup.
type NegotiationConfig struct {
	// Timeout fails a session that is not connected in time.
	Timeout time.Duration `yaml:"timeout"`
}

// ObserveConfig configures the client's metrics and health endpoint.
type ObserveConfig struct {
	// MetricsAddr serves /metrics, /healthz and /readyz. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// RelayServerConfig configures peercall-relay.
type RelayServerConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	Path           string   `yaml:"path"`
	QueueSize      int      `yaml:"queue_size"`
	OriginPatterns []string `yaml:"origin_patterns"`
}

// Defaults fills every unset field of cfg with its default value.
func Defaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.Relay.Room == "" {
		cfg.Relay.Room = "lobby"
	}
	if cfg.Relay.DialTimeout == 0 {
		cfg.Relay.DialTimeout = 10 * time.Second
	}

	a := &cfg.Audio
	def := audio.DefaultFormat
	if a.SampleRate == 0 {
		a.SampleRate = def.SampleRate
	}
	if a.Channels == 0 {
		a.Channels = def.Channels
	}
	if a.FrameMS == 0 {
		a.FrameMS = int(def.FrameDuration / time.Millisecond)
	}
	if a.Bitrate == 0 {
		a.Bitrate = 32000
	}
	if a.CaptureBuffer == 0 {
		a.CaptureBuffer = 8
	}
	if a.JitterDepth == 0 {
		a.JitterDepth = 3
	}
	if a.Capture.Name == "" {
		a.Capture.Name = "tone"
	}
	if a.Playback.Name == "" {
		a.Playback.Name = "virtual"
	}
	r := &a.DeviceRetry
	if r.MaxRetries == 0 {
		r.MaxRetries = 5
	}
	if r.Backoff == 0 {
		r.Backoff = 200 * time.Millisecond
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = 5 * time.Second
	}
	if r.BreakerFailures == 0 {
		r.BreakerFailures = 5
	}
	if r.BreakerReset == 0 {
		r.BreakerReset = 30 * time.Second
	}

	if cfg.Negotiation.Timeout == 0 {
		cfg.Negotiation.Timeout = 30 * time.Second
	}

	s := &cfg.RelayServer
	if s.ListenAddr == "" {
		s.ListenAddr = ":8089"
	}
	if s.Path == "" {
		s.Path = "/ws"
	}
	if s.QueueSize == 0 {
		s.QueueSize = 256
	}
}
