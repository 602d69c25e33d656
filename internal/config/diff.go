package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked individually;
// everything else is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VolumeChanged is set when the gain of live recordings must change.
	VolumeChanged bool
	NewVolume     float64

	// RecordingChanged is set when a setting that applies to the next
	// recording (users, max duration, silence, output dir) changed.
	RecordingChanged bool

	// RestartRequired lists changed keys that only take effect on restart.
	RestartRequired []string
}

// Changed reports whether d carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VolumeChanged || d.RecordingChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Volume
	if old.Recording.Gain() != new.Recording.Gain() {
		d.VolumeChanged = true
		d.NewVolume = new.Recording.Gain()
	}

	// Per-recording settings
	or, nr := old.Recording, new.Recording
	if or.OutputDir != nr.OutputDir ||
		or.MaxDuration != nr.MaxDuration ||
		or.Silence != nr.Silence ||
		!slices.Equal(or.Users, nr.Users) {
		d.RecordingChanged = true
	}

	// Restart-only settings
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "server.log_format")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Telemetry.SampleRatio() != new.Telemetry.SampleRatio() {
		d.RestartRequired = append(d.RestartRequired, "telemetry.trace_sample_ratio")
	}

	return d
}
