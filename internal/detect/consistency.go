package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/needledrop/needledrop/internal/recognize"
	"github.com/needledrop/needledrop/pkg/audio"
)

// Sampler captures one fresh audio clip of the configured recording
// duration. The session run loop supplies a Sampler that reads from the
// open capture stream; tests supply scripted buffers.
type Sampler func(ctx context.Context) (audio.Buffer, error)

// CheckerConfig holds the tuning knobs for a [Checker].
type CheckerConfig struct {
	// Checks is the number of independent recognition attempts per vote (K).
	// Default: 3.
	Checks int

	// Threshold is the minimum number of agreeing attempts required to
	// accept a result. Must be <= Checks. Default: 2.
	Threshold int

	// ConfidenceThreshold rejects a winning pair whose mean confidence is
	// below this value. Default 0, because some services report a zero
	// confidence for perfectly good matches.
	ConfidenceThreshold float64

	// Delay is the pause between attempts, so successive clips sample
	// different parts of the record instead of re-reading one moment.
	// Default: 1s.
	Delay time.Duration

	// FuzzyThreshold, when above 0, merges tally buckets whose
	// artist/title strings score at least this Jaro-Winkler similarity.
	// Recognition services occasionally drift on punctuation or
	// featuring-credits between samples of the same track; merging keeps
	// those votes together. 0 disables merging (exact match only).
	FuzzyThreshold float64
}

// withDefaults returns cfg with zero fields replaced by defaults.
func (cfg CheckerConfig) withDefaults() CheckerConfig {
	if cfg.Checks <= 0 {
		cfg.Checks = 3
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 2
	}
	if cfg.Threshold > cfg.Checks {
		cfg.Threshold = cfg.Checks
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	return cfg
}

// Checker runs the consistency vote: a fixed number of independent
// recognition attempts over temporally distinct clips, accepting only a
// pair that a majority of attempts agree on. The external recognizer is
// noisy — it false-positives on surface noise and misreads transients —
// and requiring agreement across separate samples suppresses one-off
// misfires without ground truth.
type Checker struct {
	service recognize.Service
	cfg     CheckerConfig
}

// NewChecker creates a [Checker] voting over results from service.
// Zero-value config fields are replaced with defaults.
func NewChecker(service recognize.Service, cfg CheckerConfig) *Checker {
	return &Checker{service: service, cfg: cfg.withDefaults()}
}

// bucket is a tally entry for one distinct (artist, title) pair.
type bucket struct {
	// match is the first-encountered form of the pair; its casing is what
	// gets reported if the bucket wins.
	match   recognize.Match
	count   int
	confSum float64
	order   int
}

// Check performs exactly K attempts, each on a fresh clip from sample, and
// returns the majority pair with its mean confidence over the agreeing
// attempts. Returns [recognize.ErrNoMatch] when no pair reaches the
// threshold. A sampler failure or context cancellation aborts the vote and
// is returned as-is, wrapped.
func (c *Checker) Check(ctx context.Context, sample Sampler) (recognize.Match, error) {
	var buckets []*bucket
	byKey := make(map[string]*bucket)

	for i := 0; i < c.cfg.Checks; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, c.cfg.Delay); err != nil {
				return recognize.Match{}, err
			}
		}

		clip, err := sample(ctx)
		if err != nil {
			return recognize.Match{}, fmt.Errorf("consistency check %d/%d: sample: %w", i+1, c.cfg.Checks, err)
		}

		m, err := c.service.Identify(ctx, clip)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return recognize.Match{}, err
			}
			// Recognition failure counts as a silent attempt, not an abort.
			if !errors.Is(err, recognize.ErrNoMatch) {
				slog.Debug("recognition attempt failed", "attempt", i+1, "checks", c.cfg.Checks, "err", err)
			}
			continue
		}
		if !m.Valid() {
			continue
		}
		c.record(&buckets, byKey, m)
	}

	best := winner(buckets)
	if best == nil || best.count < c.cfg.Threshold {
		return recognize.Match{}, recognize.ErrNoMatch
	}

	mean := best.confSum / float64(best.count)
	if mean < c.cfg.ConfidenceThreshold {
		return recognize.Match{}, recognize.ErrNoMatch
	}

	result := best.match
	result.Confidence = mean
	return result, nil
}

// record adds m to its tally bucket, creating one if no existing bucket
// matches exactly or (when fuzzy merging is enabled) near enough.
func (c *Checker) record(buckets *[]*bucket, byKey map[string]*bucket, m recognize.Match) {
	key := pairKey(m)
	b, ok := byKey[key]
	if !ok && c.cfg.FuzzyThreshold > 0 {
		b = c.fuzzyFind(*buckets, m)
	}
	if b == nil {
		b = &bucket{match: m, order: len(*buckets)}
		*buckets = append(*buckets, b)
		byKey[key] = b
	}
	b.count++
	b.confSum += m.Confidence
}

// fuzzyFind returns the first existing bucket whose pair is at least
// FuzzyThreshold Jaro-Winkler-similar to m, or nil.
func (c *Checker) fuzzyFind(buckets []*bucket, m recognize.Match) *bucket {
	want := pairKey(m)
	for _, b := range buckets {
		have := pairKey(b.match)
		if matchr.JaroWinkler(have, want, true) >= c.cfg.FuzzyThreshold {
			return b
		}
	}
	return nil
}

// winner returns the bucket with the highest count. Ties break by
// first-encountered order: among buckets sharing the maximum count, the
// one whose first occurrence came earliest wins.
func winner(buckets []*bucket) *bucket {
	var best *bucket
	for _, b := range buckets {
		if best == nil || b.count > best.count {
			best = b
		}
	}
	return best
}

// pairKey normalises a match to its identity for tallying: identity is the
// (artist, title) pair, case- and whitespace-insensitive.
func pairKey(m recognize.Match) string {
	return strings.ToLower(strings.TrimSpace(m.Artist)) + "\x00" + strings.ToLower(strings.TrimSpace(m.Title))
}

// sleepCtx sleeps for d or until ctx is done, returning ctx.Err() in the
// latter case.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
