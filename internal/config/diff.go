package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without reconnecting are tracked; they take
// effect for sessions created after the reload.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ICEServersChanged bool
	NewICEServers     []ICEServer

	NegotiationTimeoutChanged bool
	NewNegotiationTimeout     time.Duration

	// RestartRequired lists settings that changed but only apply after a
	// restart, such as the relay URL or the audio format.
	RestartRequired []string
}

// Changed reports whether d carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ICEServersChanged || d.NegotiationTimeoutChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if !slices.EqualFunc(old.ICE.Servers, new.ICE.Servers, equalICEServer) {
		d.ICEServersChanged = true
		d.NewICEServers = new.ICE.Servers
	}

	if old.Negotiation.Timeout != new.Negotiation.Timeout {
		d.NegotiationTimeoutChanged = true
		d.NewNegotiationTimeout = new.Negotiation.Timeout
	}

	if old.Peer != new.Peer {
		d.RestartRequired = append(d.RestartRequired, "peer")
	}
	if !equalRelay(old.Relay, new.Relay) {
		d.RestartRequired = append(d.RestartRequired, "relay")
	}
	if old.ICE.Loopback != new.ICE.Loopback {
		d.RestartRequired = append(d.RestartRequired, "ice.loopback")
	}
	if !equalAudio(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}

	return d
}

func equalRelay(a, b RelayConfig) bool {
	return a.URL == b.URL &&
		slices.Equal(a.FallbackURLs, b.FallbackURLs) &&
		a.Room == b.Room &&
		a.DialTimeout == b.DialTimeout
}

func equalICEServer(a, b ICEServer) bool {
	return slices.Equal(a.URLs, b.URLs) && a.Username == b.Username && a.Credential == b.Credential
}

// equalAudio compares the scalar audio settings and device names. Device
// options are not compared.
func equalAudio(a, b AudioConfig) bool {
	return a.SampleRate == b.SampleRate &&
		a.Channels == b.Channels &&
		a.FrameMS == b.FrameMS &&
		a.Bitrate == b.Bitrate &&
		a.CaptureBuffer == b.CaptureBuffer &&
		a.JitterDepth == b.JitterDepth &&
		a.Capture.Name == b.Capture.Name &&
		a.Playback.Name == b.Playback.Name &&
		a.DeviceRetry == b.DeviceRetry
}
