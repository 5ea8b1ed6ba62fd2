package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged  bool
	NewLogLevel      LogLevel
	DetectionChanged bool
	NewDetection     DetectionConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: the log
// level and the detection tuning. Audio format, provider, and server
// changes require a restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Detection != new.Detection {
		d.DetectionChanged = true
		d.NewDetection = new.Detection
	}

	return d
}
