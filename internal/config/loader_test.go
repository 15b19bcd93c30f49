package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/peercall/internal/config"
)

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.LogLevel)
	}
	if cfg.Relay.Room != "lobby" {
		t.Errorf("relay.room = %q, want lobby", cfg.Relay.Room)
	}
	if cfg.Negotiation.Timeout != 30*time.Second {
		t.Errorf("negotiation.timeout = %s, want 30s", cfg.Negotiation.Timeout)
	}
	f := cfg.Audio.Format()
	if f.SampleRate != 48000 || f.Channels != 1 || f.FrameDuration != 20*time.Millisecond {
		t.Errorf("audio format = %s", f)
	}
	if cfg.Audio.Capture.Name != "tone" || cfg.Audio.Playback.Name != "virtual" {
		t.Errorf("devices = %q/%q", cfg.Audio.Capture.Name, cfg.Audio.Playback.Name)
	}
	if cfg.RelayServer.ListenAddr != ":8089" || cfg.RelayServer.Path != "/ws" {
		t.Errorf("relay_server = %+v", cfg.RelayServer)
	}
}

func TestLoadFromReader_FullDocument(t *testing.T) {
	t.Parallel()

	yaml := `
log_level: debug
peer:
  id: alice
  display: Alice
relay:
  url: ws://localhost:8089/ws
  room: r1
  dial_timeout: 3s
ice:
  servers:
    - urls: ["stun:stun.example.org:3478"]
    - urls: ["turn:turn.example.org:3478"]
      username: u
      credential: p
audio:
  channels: 2
  frame_ms: 10
  bitrate: 64000
  capture:
    name: tone
    options:
      frequency: 440
negotiation:
  timeout: 5s
observe:
  metrics_addr: ":9464"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Peer.ID != "alice" || cfg.Relay.Room != "r1" || cfg.Relay.DialTimeout != 3*time.Second {
		t.Errorf("peer/relay = %+v %+v", cfg.Peer, cfg.Relay)
	}
	if len(cfg.ICE.Servers) != 2 || cfg.ICE.Servers[1].Username != "u" {
		t.Errorf("ice.servers = %+v", cfg.ICE.Servers)
	}
	if cfg.Audio.Channels != 2 || cfg.Audio.FrameMS != 10 || cfg.Audio.SampleRate != 48000 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	freq, err := cfg.Audio.Capture.Float("frequency", 0)
	if err != nil || freq != 440 {
		t.Errorf("frequency = %v, %v", freq, err)
	}
	if cfg.Negotiation.Timeout != 5*time.Second {
		t.Errorf("negotiation.timeout = %s", cfg.Negotiation.Timeout)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("relay:\n  rooom: r1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "rooom") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	t.Parallel()

	yaml := `
log_level: loud
relay:
  url: ftp://example.org
ice:
  servers:
    - urls: ["http://nope"]
    - urls: ["turn:turn.example.org"]
audio:
  sample_rate: 44100
  bitrate: 100
negotiation:
  timeout: -1s
relay_server:
  path: ws
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	for _, want := range []string{
		"log_level",
		"relay.url scheme",
		"ice.servers[0].urls entry",
		"ice.servers[1]: turn server",
		"44100",
		"audio.bitrate",
		"negotiation.timeout",
		"relay_server.path",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestValidate_PeerIDTooLong(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	cfg.Peer.ID = strings.Repeat("x", 257)
	if err := config.Validate(cfg); err == nil || !strings.Contains(err.Error(), "peer.id") {
		t.Errorf("Validate = %v, want peer.id error", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load = %v, want ErrNotExist", err)
	}
}
