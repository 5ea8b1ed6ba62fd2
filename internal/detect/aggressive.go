package detect

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/needledrop/needledrop/internal/recognize"
)

// FallbackConfig holds the tuning knobs for a [Fallback].
type FallbackConfig struct {
	// Rounds is the maximum number of full consistency votes attempted.
	// Default: 3.
	Rounds int

	// Interval is the pause between rounds. Shorter than the main loop's
	// inter-cycle interval — the fallback trades service load for a quick
	// lock onto a genuinely new record. Default: 2s.
	Interval time.Duration
}

// withDefaults returns cfg with zero fields replaced by defaults.
func (cfg FallbackConfig) withDefaults() FallbackConfig {
	if cfg.Rounds <= 0 {
		cfg.Rounds = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return cfg
}

// Fallback is the aggressive retry path used after the main loop has seen
// several consecutive consistency-vote failures. Each round re-runs the
// full vote on fresh clips. The round count is bounded, so a turntable
// left spinning on a run-out groove cannot hammer the recognition service
// indefinitely.
type Fallback struct {
	checker *Checker
	cfg     FallbackConfig
}

// NewFallback creates a [Fallback] that retries votes through checker.
// Zero-value config fields are replaced with defaults.
func NewFallback(checker *Checker, cfg FallbackConfig) *Fallback {
	return &Fallback{checker: checker, cfg: cfg.withDefaults()}
}

// Run performs up to the configured number of voting rounds and returns
// the first round's accepted match. Returns [recognize.ErrNoMatch] when
// every round exhausts without consensus. Sampler failures and context
// cancellation abort immediately.
func (f *Fallback) Run(ctx context.Context, sample Sampler) (recognize.Match, error) {
	for round := 1; round <= f.cfg.Rounds; round++ {
		m, err := f.checker.Check(ctx, sample)
		if err == nil {
			slog.Debug("aggressive check matched", "round", round, "artist", m.Artist, "title", m.Title)
			return m, nil
		}
		if !errors.Is(err, recognize.ErrNoMatch) {
			return recognize.Match{}, err
		}
		if round < f.cfg.Rounds {
			if err := sleepCtx(ctx, f.cfg.Interval); err != nil {
				return recognize.Match{}, err
			}
		}
	}
	return recognize.Match{}, recognize.ErrNoMatch
}
