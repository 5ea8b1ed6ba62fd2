// Package detect implements the needledrop detection engine: the
// standby/active hysteresis state machine that gates recognition work, the
// multi-sample consistency vote that filters recognizer noise, and the
// aggressive fallback path used after repeated misses.
//
// All types in this package are pure over their inputs and hold no
// goroutine machinery; the session run loop owns them and drives them once
// per cycle.
package detect

import (
	"github.com/needledrop/needledrop/pkg/audio"
)

// State is the activity gate's current mode.
type State int

const (
	// StateActive means enough signal is present and recognition runs.
	StateActive State = iota

	// StateStandby means the input has been quiet; recognition is
	// suppressed and the loop only keeps polling loudness. Recognition
	// calls are the expensive, rate-limited operation — standby exists to
	// avoid burning them on a stopped turntable.
	StateStandby
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateStandby:
		return "standby"
	default:
		return "unknown"
	}
}

// MonitorConfig holds the tuning knobs for a [Monitor]. The metric and its
// thresholds are a configuration pair: peak thresholds do not transfer to
// RMS and vice versa.
type MonitorConfig struct {
	// Metric selects the loudness measure. Default: peak.
	Metric audio.Metric

	// SilenceThreshold: levels below this count toward standby. Default: 0.05.
	SilenceThreshold float64

	// ActivityThreshold: levels above this count toward activity.
	// Must be >= SilenceThreshold. Default: 0.1.
	ActivityThreshold float64

	// ActivityWindow is the number of consecutive above-threshold
	// observations required to leave standby. Default: 2.
	ActivityWindow int

	// StandbyWindow is the number of consecutive below-threshold
	// observations required to enter standby. Default: 5.
	StandbyWindow int
}

// withDefaults returns cfg with zero fields replaced by defaults.
func (cfg MonitorConfig) withDefaults() MonitorConfig {
	if cfg.Metric == "" {
		cfg.Metric = audio.MetricPeak
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = 0.05
	}
	if cfg.ActivityThreshold == 0 {
		cfg.ActivityThreshold = 0.1
	}
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = 2
	}
	if cfg.StandbyWindow <= 0 {
		cfg.StandbyWindow = 5
	}
	return cfg
}

// Monitor classifies audio activity using windowed hysteresis rather than a
// bare threshold crossing, so a noisy signal hovering near the threshold
// does not flap between states.
//
// Monitor is not safe for concurrent use; it is owned by the session run
// loop and mutated once per cycle.
type Monitor struct {
	cfg MonitorConfig
	state      State
	belowCount int
	aboveCount int
}

// NewMonitor creates a [Monitor] in the active state with zeroed counters.
// Zero-value config fields are replaced with defaults.
func NewMonitor(cfg MonitorConfig) *Monitor {
	return &Monitor{cfg: cfg.withDefaults(), state: StateActive}
}

// Observe classifies one loudness sample and advances the state machine.
// It returns the resulting state and the raw metric value for diagnostics.
//
// Levels strictly between the two thresholds leave both counters and the
// state unchanged.
func (m *Monitor) Observe(buf audio.Buffer) (State, float64) {
	level := audio.Level(buf, m.cfg.Metric)

	switch {
	case level < m.cfg.SilenceThreshold:
		m.belowCount++
		m.aboveCount = 0
		if m.belowCount >= m.cfg.StandbyWindow && m.state == StateActive {
			m.state = StateStandby
		}
	case level > m.cfg.ActivityThreshold:
		m.aboveCount++
		m.belowCount = 0
		if m.aboveCount >= m.cfg.ActivityWindow && m.state == StateStandby {
			m.state = StateActive
		}
	}

	return m.state, level
}

// State returns the current state without observing a sample.
func (m *Monitor) State() State {
	return m.state
}

// Reset returns the monitor to the active state with zeroed counters.
// Called on session start.
func (m *Monitor) Reset() {
	m.state = StateActive
	m.belowCount = 0
	m.aboveCount = 0
}
