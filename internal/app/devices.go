package app

import (
	"log/slog"

	"github.com/MrWong99/peercall/internal/config"
	"github.com/MrWong99/peercall/pkg/audio"
	"github.com/MrWong99/peercall/pkg/audio/hardware"
	"github.com/MrWong99/peercall/pkg/audio/virtual"
)

// RegisterBuiltinDevices wires the devices that ship with peercall into reg:
//
//	capture  "default"  host input via miniaudio; option backend (alsa, pulseaudio, null, ...)
//	playback "default"  host output via miniaudio; option backend
//	capture  "tone"     sine tone; options frequency (Hz, default 440) and amplitude
//	capture  "silence"  digital silence at frame cadence
//	playback "virtual"  clocked sink that discards samples
func RegisterBuiltinDevices(reg *config.DeviceRegistry) {
	reg.RegisterSource("default", func(e config.DeviceEntry) (audio.Source, error) {
		opts, err := hardwareOptions(e)
		if err != nil {
			return nil, err
		}
		return hardware.NewSource(opts), nil
	})
	reg.RegisterSink("default", func(e config.DeviceEntry) (audio.Sink, error) {
		opts, err := hardwareOptions(e)
		if err != nil {
			return nil, err
		}
		return hardware.NewSink(opts), nil
	})
	reg.RegisterSource("tone", func(e config.DeviceEntry) (audio.Source, error) {
		freq, err := e.Float("frequency", 440)
		if err != nil {
			return nil, err
		}
		amp, err := e.Float("amplitude", 0)
		if err != nil {
			return nil, err
		}
		return &virtual.ToneSource{Frequency: freq, Amplitude: amp}, nil
	})
	reg.RegisterSource("silence", func(config.DeviceEntry) (audio.Source, error) {
		return &virtual.ToneSource{}, nil
	})
	reg.RegisterSink("virtual", func(config.DeviceEntry) (audio.Sink, error) {
		return &virtual.Sink{}, nil
	})

	for direction, names := range config.KnownDevices {
		for _, name := range names {
			slog.Debug("registered audio device", "direction", direction, "name", name)
		}
	}
}

func hardwareOptions(e config.DeviceEntry) (hardware.Options, error) {
	name, err := e.String("backend", "")
	if err != nil {
		return hardware.Options{}, err
	}
	backends, err := hardware.ParseBackend(name)
	if err != nil {
		return hardware.Options{}, err
	}
	return hardware.Options{Backends: backends}, nil
}
