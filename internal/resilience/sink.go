package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/needledrop/needledrop/internal/observe"
	"github.com/needledrop/needledrop/internal/scrobble"
)

// Operation labels used for sink metrics and logs.
const (
	opNowPlaying = "now_playing"
	opScrobble   = "scrobble"
)

// SinkChain forwards now-playing updates and scrobbles to a sequence of
// sinks in priority order, each guarded by its own circuit breaker. It
// implements [scrobble.Sink].
//
// Rate limiting ([scrobble.ErrRateLimited]) is treated as benign for
// breaker accounting — the service is healthy, just asking us to slow
// down — but still triggers failover so the record is not lost.
type SinkChain struct {
	entries []sinkEntry
	metrics *observe.Metrics
}

type sinkEntry struct {
	name    string
	sink    scrobble.Sink
	breaker *CircuitBreaker
}

// NewSinkChain builds a chain from the named sinks in priority order.
// At least one sink is required.
func NewSinkChain(cfg BreakerConfig, named map[string]scrobble.Sink, order []string, opts ...ChainOption) (*SinkChain, error) {
	if len(order) == 0 {
		return nil, errors.New("resilience: sink chain needs at least one sink")
	}
	var co chainOptions
	for _, o := range opts {
		o(&co)
	}
	c := &SinkChain{metrics: co.metrics}
	for _, name := range order {
		sink, ok := named[name]
		if !ok {
			return nil, fmt.Errorf("resilience: unknown sink %q", name)
		}
		entryCfg := cfg
		entryCfg.Name = "sink/" + name
		entryCfg.Benign = func(err error) bool {
			return errors.Is(err, scrobble.ErrRateLimited) || errors.Is(err, context.Canceled)
		}
		c.entries = append(c.entries, sinkEntry{
			name:    name,
			sink:    sink,
			breaker: NewCircuitBreaker(entryCfg),
		})
	}
	return c, nil
}

// UpdateNowPlaying forwards the update to the first healthy sink.
func (c *SinkChain) UpdateNowPlaying(ctx context.Context, artist, title string) error {
	return c.forward(ctx, opNowPlaying, func(s scrobble.Sink) error {
		return s.UpdateNowPlaying(ctx, artist, title)
	})
}

// Scrobble forwards the scrobble to the first healthy sink.
func (c *SinkChain) Scrobble(ctx context.Context, artist, title string, at time.Time) error {
	return c.forward(ctx, opScrobble, func(s scrobble.Sink) error {
		return s.Scrobble(ctx, artist, title, at)
	})
}

func (c *SinkChain) forward(ctx context.Context, op string, call func(scrobble.Sink) error) error {
	var lastErr error
	for _, e := range c.entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := e.breaker.Execute(func() error { return call(e.sink) })
		switch {
		case err == nil:
			if c.metrics != nil && op == opScrobble {
				c.metrics.RecordScrobble(ctx, e.name, "ok")
			}
			return nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping sink, circuit open", "sink", e.name, "op", op)
			lastErr = err
		default:
			if c.metrics != nil {
				if op == opScrobble {
					c.metrics.RecordScrobble(ctx, e.name, "error")
				}
				c.metrics.RecordProviderError(ctx, e.name, op)
			}
			slog.Warn("sink failed, trying next",
				"sink", e.name,
				"op", op,
				"error", err)
			lastErr = err
		}
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// Healthy reports whether at least one sink is accepting calls. Suitable
// as a readiness check.
func (c *SinkChain) Healthy() error {
	for _, e := range c.entries {
		if e.breaker.State() != StateOpen {
			return nil
		}
	}
	return errors.New("resilience: every sink breaker is open")
}
