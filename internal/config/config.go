// Package config provides the configuration schema, loader, and provider
// registry for the needledrop scrobbler.
package config

import "time"

// LogLevel controls log verbosity for the needledrop daemon.
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

// LevelMetric selects how the audio level is computed from a capture window.
type LevelMetric string

const (
	// MetricRMS uses the root-mean-square amplitude. Less sensitive to
	// surface-noise clicks and pops than peak.
	MetricRMS LevelMetric = "rms"

	// MetricPeak uses the maximum absolute sample value.
	MetricPeak LevelMetric = "peak"
)

// IsValid reports whether m is a recognised level metric.
func (m LevelMetric) IsValid() bool {
	return m == MetricRMS || m == MetricPeak
}

// Encoding names a supported raw sample encoding.
type Encoding string

const (
	EncodingFloat32LE Encoding = "f32le"
	EncodingInt16LE   Encoding = "s16le"
)

// IsValid reports whether e is a recognised sample encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingFloat32LE || e == EncodingInt16LE
}

// Config is the root configuration structure for needledrop.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	Detection  DetectionConfig  `yaml:"detection"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings for the control API.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig describes the capture format and clip sizing.
type AudioConfig struct {
	// DeviceIndex selects the ALSA capture device. Nil means the device
	// must be chosen at session start (via the API or the -device flag).
	DeviceIndex *int `yaml:"device_index"`

	// SampleRate in Hz. Default 48000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the capture channel count. Default 1 (mono).
	Channels int `yaml:"channels"`

	// Encoding is the raw sample encoding. Default "f32le".
	Encoding Encoding `yaml:"encoding"`

	// ChunkFrames is the number of frames read per level probe. Default 4096.
	ChunkFrames int `yaml:"chunk_frames"`

	// RecordSeconds is the length of each recognition clip. Default 5s.
	RecordSeconds float64 `yaml:"record_seconds"`
}

// DetectionConfig tunes the standby gate, the consistency vote, and the
// aggressive fallback retry.
type DetectionConfig struct {
	// LevelMetric selects peak or RMS level measurement. Default "rms".
	LevelMetric LevelMetric `yaml:"level_metric"`

	// SilenceThreshold is the normalized level below which a probe counts
	// as quiet. Levels between the two thresholds count as neither.
	// Default 0.05.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// ActivityThreshold is the normalized level above which a probe counts
	// as loud. Default 0.1.
	ActivityThreshold float64 `yaml:"activity_threshold"`

	// ActivityWindow is the consecutive loud probes needed to leave
	// standby. Default 2.
	ActivityWindow int `yaml:"activity_window"`

	// StandbyWindow is the consecutive quiet probes needed to enter
	// standby. Default 5.
	StandbyWindow int `yaml:"standby_window"`

	// CheckInterval is the pause between detection cycles. Default 3s.
	CheckInterval time.Duration `yaml:"check_interval"`

	// ConsistencyChecks is the number of samples per vote. Default 3.
	ConsistencyChecks int `yaml:"consistency_checks"`

	// ConsistencyThreshold is the agreeing samples needed to accept a
	// track. Default 2.
	ConsistencyThreshold int `yaml:"consistency_threshold"`

	// ConfidenceThreshold is the minimum mean confidence of the winning
	// track. Default 0 (accept any).
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// CheckDelay is the pause between samples within a vote. Default 1s.
	CheckDelay time.Duration `yaml:"check_delay"`

	// AggressiveRounds is the number of extra full votes attempted when a
	// regular vote finds nothing. Default 3.
	AggressiveRounds int `yaml:"aggressive_rounds"`

	// AggressiveInterval is the pause between aggressive rounds. Default 2s.
	AggressiveInterval time.Duration `yaml:"aggressive_interval"`

	// FuzzyMatchThreshold merges near-identical track names during the
	// vote when their Jaro-Winkler similarity reaches this value.
	// 0 disables fuzzy merging. Default 0.
	FuzzyMatchThreshold float64 `yaml:"fuzzy_match_threshold"`

	// MissLimit is the consecutive empty cycles after which the current
	// track is considered over. Default 3.
	MissLimit int `yaml:"miss_limit"`
}

// ProvidersConfig declares which recognition service and scrobble sink to
// use. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	Recognizer ProviderEntry `yaml:"recognizer"`
	Scrobbler  ProviderEntry `yaml:"scrobbler"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "audd", "lastfm").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// APISecret is the shared secret for providers that sign requests.
	APISecret string `yaml:"api_secret"`

	// SessionKey is a previously obtained session token. When set, the
	// username/password fields are ignored.
	SessionKey string `yaml:"session_key"`

	// Username and Password authenticate providers that exchange
	// credentials for a session token at startup.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Timeout bounds each request to the provider. Zero means the
	// provider's built-in default.
	Timeout time.Duration `yaml:"timeout"`
}

// ResilienceConfig tunes the circuit breakers guarding external services.
type ResilienceConfig struct {
	// MaxFailures is the consecutive hard failures before a breaker
	// opens. Default 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before probing
	// again. Default 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}
