// Package app wires all needledrop subsystems into a running service.
//
// The App struct owns the full lifecycle: New connects the session manager,
// the HTTP control surface, and the health/metrics endpoints; Run serves
// until the context is cancelled; Shutdown tears everything down in order.
//
// For testing, inject mock providers through the Providers struct — every
// external collaborator (audio input, recognizer, scrobble sink) enters
// through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/needledrop/needledrop/internal/api"
	"github.com/needledrop/needledrop/internal/config"
	"github.com/needledrop/needledrop/internal/health"
	"github.com/needledrop/needledrop/internal/observe"
	"github.com/needledrop/needledrop/internal/recognize"
	"github.com/needledrop/needledrop/internal/scrobble"
	"github.com/needledrop/needledrop/internal/session"
	"github.com/needledrop/needledrop/pkg/audio"
)

// shutdownTimeout bounds the HTTP server drain when the run context ends.
const shutdownTimeout = 10 * time.Second

// Providers holds the external collaborators the service is built around.
// Populated by main.go via the config registry; tests inject mocks.
type Providers struct {
	// Input is the audio capture backend.
	Input audio.Input

	// Recognizer identifies recognition clips. Usually a resilience chain
	// wrapping the configured provider.
	Recognizer recognize.Service

	// Sink receives now-playing updates and scrobbles. Usually a
	// resilience chain wrapping the configured provider.
	Sink scrobble.Sink

	// Enricher looks up track metadata (album, year, tags) for detected
	// tracks. Optional; nil disables enrichment.
	Enricher scrobble.Enricher
}

// App owns the subsystem lifetimes of a needledrop service.
type App struct {
	cfg     *config.Config
	manager *session.Manager
	server  *http.Server
	metrics *observe.Metrics

	checkers []health.Checker
	watcher  *config.Watcher

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics injects a metrics bundle instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithHealthCheckers adds readiness checkers beyond the built-in audio
// device check (e.g., resilience chain health).
func WithHealthCheckers(checkers ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, checkers...) }
}

// New creates an App by wiring the session manager and the HTTP control
// surface together. The providers struct comes from main.go (populated via
// the config registry); tests pass mocks.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Input == nil {
		return nil, errors.New("app: an audio input is required")
	}
	if providers.Recognizer == nil {
		return nil, errors.New("app: a recognizer is required")
	}
	if providers.Sink == nil {
		return nil, errors.New("app: a scrobble sink is required")
	}

	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.manager = session.NewManager(session.ManagerConfig{
		Input:      providers.Input,
		Recognizer: providers.Recognizer,
		Sink:       providers.Sink,
		Enricher:   providers.Enricher,
		Metrics:    a.metrics,
		Audio:      cfg.Audio,
		Detection:  cfg.Detection,
	})

	checkers := append([]health.Checker{{
		Name: "audio",
		Check: func(context.Context) error {
			_, err := providers.Input.Devices()
			return err
		},
	}}, a.checkers...)

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	api.NewServer(a.manager).Register(mux)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

// Manager exposes the session manager, mainly for tests and the autostart
// path in main.
func (a *App) Manager() *session.Manager {
	return a.manager
}

// Handler exposes the assembled HTTP handler. Tests mount it on httptest
// servers instead of binding a real port.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// WatchConfig starts hot-reload polling on path. Log level changes are
// applied through lvl; detection tuning changes reach the session manager
// at the next cycle boundary. Everything else requires a restart.
func (a *App) WatchConfig(path string, lvl *slog.LevelVar) error {
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			lvl.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.DetectionChanged {
			a.manager.UpdateDetection(d.NewDetection)
			slog.Info("detection tuning changed")
		}
	})
	if err != nil {
		return fmt.Errorf("app: watch config: %w", err)
	}
	a.watcher = w
	a.closers = append(a.closers, func(context.Context) error {
		w.Stop()
		return nil
	})
	return nil
}

// OnShutdown registers fn to run during Shutdown, after the session and the
// HTTP server have stopped. Closers run in reverse registration order.
func (a *App) OnShutdown(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests.
// If a capture device is configured, a detection session is started before
// serving; a start failure is logged but does not prevent the control API
// from coming up, so the device can be fixed and restarted remotely.
func (a *App) Run(ctx context.Context) error {
	if idx := a.cfg.Audio.DeviceIndex; idx != nil {
		if err := a.manager.Start(ctx, *idx); err != nil {
			slog.Error("autostart failed, waiting for /start", "device", *idx, "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(drainCtx); err != nil {
			slog.Warn("http server drain error", "err", err)
		}
		return gctx.Err()
	})

	return g.Wait()
}

// Shutdown stops the active session (if any) and runs registered closers in
// reverse order. It respects the context deadline: if ctx expires before
// all closers finish, the rest are skipped and the context error returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.manager.IsRunning() {
			if err := a.manager.Stop(ctx); err != nil {
				slog.Warn("session stop error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// slogLevel maps a config log level to the slog equivalent.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
