package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/needledrop/needledrop/pkg/audio"
)

// Default stream reopen parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Reopener re-establishes a dropped capture stream with exponential backoff.
// An USB interface unplugged and replugged mid-side should not kill the
// session.
type Reopener struct {
	input       audio.Input
	deviceIndex int
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
}

// ReopenerConfig configures a [Reopener].
type ReopenerConfig struct {
	// Input is the audio input used to reopen the stream.
	Input audio.Input

	// DeviceIndex is the capture device to reopen.
	DeviceIndex int

	// MaxRetries is the maximum number of reopen attempts before giving up.
	// Defaults to 5 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between attempts. Doubles
	// each attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s
	// if zero.
	MaxBackoff time.Duration
}

// NewReopener creates a [Reopener] with the given configuration.
func NewReopener(cfg ReopenerConfig) *Reopener {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reopener{
		input:       cfg.Input,
		deviceIndex: cfg.DeviceIndex,
		maxRetries:  maxRetries,
		backoff:     backoff,
		maxBackoff:  maxBackoff,
	}
}

// Reopen attempts to open a fresh stream, backing off between failures.
// It returns the new stream, or an error once the retry budget is exhausted
// or ctx is cancelled.
func (r *Reopener) Reopen(ctx context.Context) (audio.Stream, error) {
	currentBackoff := r.backoff

	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		slog.Info("reopening audio stream",
			"device", r.deviceIndex,
			"attempt", attempt,
			"max_retries", r.maxRetries,
		)

		stream, err := r.input.Open(ctx, r.deviceIndex)
		if err == nil {
			slog.Info("audio stream reopened",
				"device", r.deviceIndex,
				"attempt", attempt,
			)
			return stream, nil
		}
		lastErr = err

		slog.Warn("audio stream reopen failed",
			"device", r.deviceIndex,
			"attempt", attempt,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	return nil, fmt.Errorf("session: reopen stream after %d attempts: %w", r.maxRetries, lastErr)
}
