package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"recognizer": {"audd"},
	"scrobbler":  {"lastfm"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in zero-valued fields of cfg with the built-in
// defaults. The detection defaults match the tuning the engine was
// developed against: a 48 kHz mono float stream, 5-second clips, a
// best-two-of-three vote, and a three-round fallback.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 48000
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.Encoding == "" {
		cfg.Audio.Encoding = EncodingFloat32LE
	}
	if cfg.Audio.ChunkFrames == 0 {
		cfg.Audio.ChunkFrames = 4096
	}
	if cfg.Audio.RecordSeconds == 0 {
		cfg.Audio.RecordSeconds = 5
	}

	d := &cfg.Detection
	if d.LevelMetric == "" {
		d.LevelMetric = MetricRMS
	}
	if d.SilenceThreshold == 0 {
		d.SilenceThreshold = 0.05
	}
	if d.ActivityThreshold == 0 {
		d.ActivityThreshold = 0.1
	}
	if d.ActivityWindow == 0 {
		d.ActivityWindow = 2
	}
	if d.StandbyWindow == 0 {
		d.StandbyWindow = 5
	}
	if d.CheckInterval == 0 {
		d.CheckInterval = 3 * time.Second
	}
	if d.ConsistencyChecks == 0 {
		d.ConsistencyChecks = 3
	}
	if d.ConsistencyThreshold == 0 {
		d.ConsistencyThreshold = min(2, d.ConsistencyChecks)
	}
	if d.CheckDelay == 0 {
		d.CheckDelay = time.Second
	}
	if d.AggressiveRounds == 0 {
		d.AggressiveRounds = 3
	}
	if d.AggressiveInterval == 0 {
		d.AggressiveInterval = 2 * time.Second
	}
	if d.MissLimit == 0 {
		d.MissLimit = 3
	}

	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = 5
	}
	if cfg.Resilience.ResetTimeout == 0 {
		cfg.Resilience.ResetTimeout = 30 * time.Second
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

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 0 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be positive", cfg.Audio.Channels))
	}
	if cfg.Audio.Encoding != "" && !cfg.Audio.Encoding.IsValid() {
		errs = append(errs, fmt.Errorf("audio.encoding %q is invalid; valid values: f32le, s16le", cfg.Audio.Encoding))
	}
	if cfg.Audio.ChunkFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_frames %d must be positive", cfg.Audio.ChunkFrames))
	}
	if cfg.Audio.RecordSeconds < 0 {
		errs = append(errs, fmt.Errorf("audio.record_seconds %.2f must be positive", cfg.Audio.RecordSeconds))
	}
	if cfg.Audio.DeviceIndex != nil && *cfg.Audio.DeviceIndex < 0 {
		errs = append(errs, fmt.Errorf("audio.device_index %d must be non-negative", *cfg.Audio.DeviceIndex))
	}

	// Detection
	d := cfg.Detection
	if d.LevelMetric != "" && !d.LevelMetric.IsValid() {
		errs = append(errs, fmt.Errorf("detection.level_metric %q is invalid; valid values: rms, peak", d.LevelMetric))
	}
	if d.SilenceThreshold < 0 || d.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("detection.silence_threshold %.3f is out of range [0, 1]", d.SilenceThreshold))
	}
	if d.ActivityThreshold < 0 || d.ActivityThreshold > 1 {
		errs = append(errs, fmt.Errorf("detection.activity_threshold %.3f is out of range [0, 1]", d.ActivityThreshold))
	}
	if d.ActivityThreshold < d.SilenceThreshold {
		errs = append(errs, fmt.Errorf("detection.activity_threshold %.3f must not be below detection.silence_threshold %.3f", d.ActivityThreshold, d.SilenceThreshold))
	}
	if d.ConsistencyThreshold > d.ConsistencyChecks {
		errs = append(errs, fmt.Errorf("detection.consistency_threshold %d exceeds detection.consistency_checks %d", d.ConsistencyThreshold, d.ConsistencyChecks))
	}
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("detection.confidence_threshold %.3f is out of range [0, 1]", d.ConfidenceThreshold))
	}
	if d.FuzzyMatchThreshold < 0 || d.FuzzyMatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("detection.fuzzy_match_threshold %.3f is out of range [0, 1]", d.FuzzyMatchThreshold))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("recognizer", cfg.Providers.Recognizer.Name)
	validateProviderName("scrobbler", cfg.Providers.Scrobbler.Name)

	// Provider availability warnings
	if cfg.Providers.Recognizer.Name == "" {
		slog.Warn("no recognizer provider configured; detection will not identify tracks")
	}
	if cfg.Providers.Scrobbler.Name == "" {
		slog.Warn("no scrobbler provider configured; detected tracks will not be scrobbled")
	}
	if cfg.Providers.Scrobbler.Name == "lastfm" &&
		cfg.Providers.Scrobbler.SessionKey == "" &&
		(cfg.Providers.Scrobbler.Username == "" || cfg.Providers.Scrobbler.Password == "") {
		errs = append(errs, errors.New("providers.scrobbler: lastfm requires session_key or username+password"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
