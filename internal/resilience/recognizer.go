package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/needledrop/needledrop/internal/observe"
	"github.com/needledrop/needledrop/internal/recognize"
	"github.com/needledrop/needledrop/pkg/audio"
)

// ErrAllFailed is returned by a chain when every entry failed or was
// rejected by its circuit breaker.
var ErrAllFailed = errors.New("resilience: all services failed")

// ChainOption configures a recognizer or sink chain.
type ChainOption func(*chainOptions)

type chainOptions struct {
	metrics *observe.Metrics
}

// WithMetrics attaches instrumentation to a chain: per-provider request
// counters, recognition latency, and hard-failure counts.
func WithMetrics(m *observe.Metrics) ChainOption {
	return func(o *chainOptions) { o.metrics = m }
}

// RecognizerChain tries a sequence of recognition services in order,
// skipping entries whose circuit breakers are open. It implements
// [recognize.Service].
//
// A clean [recognize.ErrNoMatch] from any entry ends the chain: the service
// answered, there is nothing further down the chain could hear that the
// first healthy service could not.
type RecognizerChain struct {
	entries []recognizerEntry
	metrics *observe.Metrics
}

type recognizerEntry struct {
	name    string
	svc     recognize.Service
	breaker *CircuitBreaker
}

// NewRecognizerChain builds a chain from the named services in priority
// order. Each entry gets its own circuit breaker derived from cfg
// (cfg.Name is overridden per entry). At least one service is required.
func NewRecognizerChain(cfg BreakerConfig, named map[string]recognize.Service, order []string, opts ...ChainOption) (*RecognizerChain, error) {
	if len(order) == 0 {
		return nil, errors.New("resilience: recognizer chain needs at least one service")
	}
	var co chainOptions
	for _, o := range opts {
		o(&co)
	}
	c := &RecognizerChain{metrics: co.metrics}
	for _, name := range order {
		svc, ok := named[name]
		if !ok {
			return nil, fmt.Errorf("resilience: unknown recognizer %q", name)
		}
		entryCfg := cfg
		entryCfg.Name = "recognizer/" + name
		entryCfg.Benign = func(err error) bool {
			return errors.Is(err, recognize.ErrNoMatch) || errors.Is(err, context.Canceled)
		}
		c.entries = append(c.entries, recognizerEntry{
			name:    name,
			svc:     svc,
			breaker: NewCircuitBreaker(entryCfg),
		})
	}
	return c, nil
}

// Identify runs the chain. The first entry whose breaker admits the call
// and that returns either a match or [recognize.ErrNoMatch] decides the
// result; hard failures fall through to the next entry. If every entry
// fails the last error is wrapped in [ErrAllFailed].
func (c *RecognizerChain) Identify(ctx context.Context, clip audio.Buffer) (recognize.Match, error) {
	var lastErr error
	for _, e := range c.entries {
		if ctx.Err() != nil {
			return recognize.Match{}, ctx.Err()
		}

		var match recognize.Match
		start := time.Now()
		err := e.breaker.Execute(func() error {
			var ierr error
			match, ierr = e.svc.Identify(ctx, clip)
			return ierr
		})
		elapsed := time.Since(start).Seconds()
		switch {
		case err == nil:
			c.record(ctx, e.name, "match", elapsed)
			return match, nil
		case errors.Is(err, recognize.ErrNoMatch):
			c.record(ctx, e.name, "no_match", elapsed)
			return recognize.Match{}, err
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return recognize.Match{}, err
		case errors.Is(err, ErrCircuitOpen):
			// No call was made, so nothing to record.
			slog.Debug("skipping recognizer, circuit open", "recognizer", e.name)
			lastErr = err
		default:
			c.record(ctx, e.name, "error", elapsed)
			if c.metrics != nil {
				c.metrics.RecordProviderError(ctx, e.name, "identify")
			}
			slog.Warn("recognizer failed, trying next",
				"recognizer", e.name,
				"error", err)
			lastErr = err
		}
	}
	return recognize.Match{}, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// record instruments one completed recognition call. No-op without metrics.
func (c *RecognizerChain) record(ctx context.Context, provider, status string, seconds float64) {
	if c.metrics != nil {
		c.metrics.RecordRecognition(ctx, provider, status, seconds)
	}
}

// Healthy reports whether at least one recognizer is accepting calls.
// Suitable as a readiness check.
func (c *RecognizerChain) Healthy() error {
	for _, e := range c.entries {
		if e.breaker.State() != StateOpen {
			return nil
		}
	}
	return errors.New("resilience: every recognizer breaker is open")
}
