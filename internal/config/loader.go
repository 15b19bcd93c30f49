package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/peercall/internal/signaling"
	"github.com/MrWong99/peercall/pkg/audio/opus"
)

// KnownDevices lists the built-in device names per direction.
// Used by [Validate] to warn about unrecognised device names.
var KnownDevices = map[string][]string{
	"capture":  {"default", "tone", "silence"},
	"playback": {"default", "virtual"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies [Defaults] and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	Defaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Peer
	if len(cfg.Peer.ID) > signaling.MaxIDBytes {
		errs = append(errs, fmt.Errorf("peer.id is %d bytes; at most %d allowed", len(cfg.Peer.ID), signaling.MaxIDBytes))
	}
	if strings.TrimSpace(cfg.Peer.ID) != cfg.Peer.ID {
		errs = append(errs, fmt.Errorf("peer.id %q has surrounding whitespace", cfg.Peer.ID))
	}

	// Relay
	if cfg.Relay.URL != "" {
		if err := checkRelayURL(cfg.Relay.URL); err != nil {
			errs = append(errs, fmt.Errorf("relay.url %w", err))
		}
	}
	for i, u := range cfg.Relay.FallbackURLs {
		if err := checkRelayURL(u); err != nil {
			errs = append(errs, fmt.Errorf("relay.fallback_urls[%d] %w", i, err))
		}
	}
	if cfg.Relay.URL == "" && len(cfg.Relay.FallbackURLs) > 0 {
		errs = append(errs, errors.New("relay.fallback_urls requires relay.url"))
	}
	if len(cfg.Relay.Room) > signaling.MaxIDBytes {
		errs = append(errs, fmt.Errorf("relay.room is %d bytes; at most %d allowed", len(cfg.Relay.Room), signaling.MaxIDBytes))
	}
	if cfg.Relay.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("relay.dial_timeout %s must not be negative", cfg.Relay.DialTimeout))
	}

	// ICE
	for i, srv := range cfg.ICE.Servers {
		prefix := fmt.Sprintf("ice.servers[%d]", i)
		if len(srv.URLs) == 0 {
			errs = append(errs, fmt.Errorf("%s.urls is required", prefix))
		}
		for _, u := range srv.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") &&
				!strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				errs = append(errs, fmt.Errorf("%s.urls entry %q must start with stun:, stuns:, turn: or turns:", prefix, u))
			}
			if strings.HasPrefix(u, "turn") && srv.Username == "" {
				errs = append(errs, fmt.Errorf("%s: turn server %q requires a username", prefix, u))
			}
		}
	}

	// Audio
	if err := opus.CheckFormat(cfg.Audio.Format()); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}
	if cfg.Audio.Bitrate < 6000 || cfg.Audio.Bitrate > 510000 {
		errs = append(errs, fmt.Errorf("audio.bitrate %d is out of range [6000, 510000]", cfg.Audio.Bitrate))
	}
	if cfg.Audio.CaptureBuffer < 1 {
		errs = append(errs, fmt.Errorf("audio.capture_buffer %d must be at least 1", cfg.Audio.CaptureBuffer))
	}
	if cfg.Audio.JitterDepth < 1 {
		errs = append(errs, fmt.Errorf("audio.jitter_depth %d must be at least 1", cfg.Audio.JitterDepth))
	}
	checkDeviceName("capture", cfg.Audio.Capture.Name)
	checkDeviceName("playback", cfg.Audio.Playback.Name)
	r := cfg.Audio.DeviceRetry
	if r.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("audio.device_retry.max_retries %d must not be negative", r.MaxRetries))
	}
	if r.MaxBackoff < r.Backoff {
		errs = append(errs, fmt.Errorf("audio.device_retry.max_backoff %s is below backoff %s", r.MaxBackoff, r.Backoff))
	}

	if cfg.Negotiation.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("negotiation.timeout %s must be positive", cfg.Negotiation.Timeout))
	}

	// Relay server
	if !strings.HasPrefix(cfg.RelayServer.Path, "/") {
		errs = append(errs, fmt.Errorf("relay_server.path %q must start with /", cfg.RelayServer.Path))
	}
	if cfg.RelayServer.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("relay_server.queue_size %d must be at least 1", cfg.RelayServer.QueueSize))
	}

	return errors.Join(errs...)
}

func checkRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
		return nil
	}
	return fmt.Errorf("scheme %q is invalid; valid values: ws, wss, http, https", u.Scheme)
}

// checkDeviceName logs a warning if name is not a built-in device. Devices
// registered by the embedding program are still accepted.
func checkDeviceName(direction, name string) {
	if name == "" || slices.Contains(KnownDevices[direction], name) {
		return
	}
	slog.Warn("unknown audio device name, it must be registered before use",
		"direction", direction,
		"name", name,
		"known", KnownDevices[direction],
	)
}
