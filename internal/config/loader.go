package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/earshot/pkg/audio/sink"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Recording.OutputDir == "" {
		cfg.Recording.OutputDir = DefaultOutputDir
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Discord availability
	if cfg.Discord.Token == "" {
		slog.Warn("discord.token is empty; the bot will not connect and nothing can be recorded")
	}
	if cfg.Discord.Token != "" && cfg.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.guild_id is required when discord.token is set"))
	}

	// Recording
	rec := cfg.Recording
	if rec.Volume != nil && (*rec.Volume < 0 || *rec.Volume > sink.MaxGain) {
		errs = append(errs, fmt.Errorf("recording.volume %.2f is out of range [0, %.1f]", *rec.Volume, sink.MaxGain))
	}
	if rec.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("recording.max_duration %s must not be negative", rec.MaxDuration))
	}
	if rec.Silence.Threshold < 0 {
		errs = append(errs, fmt.Errorf("recording.silence.threshold %s must not be negative", rec.Silence.Threshold))
	}
	if rec.Silence.Interval < 0 {
		errs = append(errs, fmt.Errorf("recording.silence.interval %s must not be negative", rec.Silence.Interval))
	}

	usersSeen := make(map[string]int, len(rec.Users))
	for i, id := range rec.Users {
		prefix := fmt.Sprintf("recording.users[%d]", i)
		if id == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", prefix))
			continue
		}
		if prev, ok := usersSeen[id]; ok {
			errs = append(errs, fmt.Errorf("%s %q is a duplicate of recording.users[%d]", prefix, id, prev))
		}
		usersSeen[id] = i
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", *r))
	}

	// Store availability
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; recording sessions will only be kept in memory")
	}

	return errors.Join(errs...)
}
