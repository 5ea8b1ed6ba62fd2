// Command needledrop is the vinyl scrobbler daemon: it listens to a record
// player through an ALSA capture device, recognizes what is playing, and
// scrobbles it, while serving a small control API for the web frontend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/needledrop/needledrop/internal/app"
	"github.com/needledrop/needledrop/internal/config"
	"github.com/needledrop/needledrop/internal/health"
	"github.com/needledrop/needledrop/internal/observe"
	"github.com/needledrop/needledrop/internal/recognize"
	"github.com/needledrop/needledrop/internal/recognize/audd"
	"github.com/needledrop/needledrop/internal/resilience"
	"github.com/needledrop/needledrop/internal/scrobble"
	"github.com/needledrop/needledrop/internal/scrobble/lastfm"
	"github.com/needledrop/needledrop/pkg/audio"
	"github.com/needledrop/needledrop/pkg/audio/arecord"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	device := flag.Int("device", -2, "capture device index (overrides the config; -1 selects the default device)")
	listDevices := flag.Bool("list-devices", false, "list capture devices and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "needledrop: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "needledrop: %v\n", err)
		}
		return 1
	}
	if *device != -2 {
		idx := *device
		cfg.Audio.DeviceIndex = &idx
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so config hot-reload can adjust it.
	logLevel := &slog.LevelVar{}
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	input, err := reg.CreateInput("arecord", cfg.Audio)
	if err != nil {
		slog.Error("failed to create audio input", "err", err)
		return 1
	}

	if *listDevices {
		return printDevices(input)
	}

	slog.Info("needledrop starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	// Initialised before the provider chains so they record against the
	// process-wide meter provider.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Recognizer + scrobbler behind circuit breakers ────────────────────────
	recognizer, recognizerHealth, err := buildRecognizer(cfg, reg)
	if err != nil {
		slog.Error("failed to build recognizer", "err", err)
		return 1
	}

	sink, enricher, sinkHealth, err := buildScrobbler(cfg, reg)
	if err != nil {
		slog.Error("failed to build scrobbler", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, &app.Providers{
		Input:      input,
		Recognizer: recognizer,
		Sink:       sink,
		Enricher:   enricher,
	}, app.WithHealthCheckers(
		health.Checker{Name: "recognizer", Check: func(context.Context) error { return recognizerHealth() }},
		health.Checker{Name: "scrobbler", Check: func(context.Context) error { return sinkHealth() }},
	))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	application.OnShutdown(otelShutdown)

	if err := application.WatchConfig(*configPath, logLevel); err != nil {
		// Hot reload is a convenience; a broken watcher is not fatal.
		slog.Warn("config hot-reload disabled", "err", err)
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// needledrop into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterRecognizer("audd", func(entry config.ProviderEntry) (recognize.Service, error) {
		var opts []audd.Option
		if entry.BaseURL != "" {
			opts = append(opts, audd.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, audd.WithTimeout(entry.Timeout))
		}
		return audd.New(entry.APIKey, opts...)
	})

	reg.RegisterScrobbler("lastfm", func(entry config.ProviderEntry) (scrobble.Sink, error) {
		var opts []lastfm.Option
		if entry.BaseURL != "" {
			opts = append(opts, lastfm.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, lastfm.WithTimeout(entry.Timeout))
		}
		if entry.SessionKey != "" {
			opts = append(opts, lastfm.WithSessionKey(entry.SessionKey))
		}
		client, err := lastfm.New(entry.APIKey, entry.APISecret, opts...)
		if err != nil {
			return nil, err
		}
		if entry.SessionKey == "" {
			authCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := client.Authenticate(authCtx, entry.Username, entry.Password); err != nil {
				return nil, fmt.Errorf("last.fm authentication: %w", err)
			}
		}
		return client, nil
	})

	reg.RegisterInput("arecord", func(audioCfg config.AudioConfig) (audio.Input, error) {
		return arecord.New(audio.Format{
			SampleRate: audioCfg.SampleRate,
			Channels:   audioCfg.Channels,
			Encoding:   audio.Encoding(audioCfg.Encoding),
		})
	})
}

// buildRecognizer creates the configured recognition service wrapped in a
// circuit-breaker chain, plus a health probe for /readyz.
func buildRecognizer(cfg *config.Config, reg *config.Registry) (recognize.Service, func() error, error) {
	entry := cfg.Providers.Recognizer
	if entry.Name == "" {
		return nil, nil, errors.New("providers.recognizer.name is required")
	}

	svc, err := reg.CreateRecognizer(entry)
	if err != nil {
		return nil, nil, fmt.Errorf("create recognizer %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "recognizer", "name", entry.Name)

	chain, err := resilience.NewRecognizerChain(
		breakerConfig(cfg),
		map[string]recognize.Service{entry.Name: svc},
		[]string{entry.Name},
		resilience.WithMetrics(observe.DefaultMetrics()),
	)
	if err != nil {
		return nil, nil, err
	}
	return chain, chain.Healthy, nil
}

// buildScrobbler creates the configured scrobble sink wrapped in a
// circuit-breaker chain, plus a metadata enricher (nil when the sink has
// none) and a health probe for /readyz.
func buildScrobbler(cfg *config.Config, reg *config.Registry) (scrobble.Sink, scrobble.Enricher, func() error, error) {
	entry := cfg.Providers.Scrobbler
	if entry.Name == "" {
		return nil, nil, nil, errors.New("providers.scrobbler.name is required")
	}

	sink, err := reg.CreateScrobbler(entry)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create scrobbler %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "scrobbler", "name", entry.Name)

	chain, err := resilience.NewSinkChain(
		breakerConfig(cfg),
		map[string]scrobble.Sink{entry.Name: sink},
		[]string{entry.Name},
		resilience.WithMetrics(observe.DefaultMetrics()),
	)
	if err != nil {
		return nil, nil, nil, err
	}

	// Metadata lookups go straight to the sink, not through the chain; a
	// failed lookup is already non-fatal for the caller.
	enricher, _ := sink.(scrobble.Enricher)
	return chain, enricher, chain.Healthy, nil
}

// breakerConfig derives the circuit-breaker settings from the config.
func breakerConfig(cfg *config.Config) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
	}
}

// printDevices lists the capture devices and their indices.
func printDevices(input audio.Input) int {
	devices, err := input.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "needledrop: listing devices: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("no capture devices found")
		return 0
	}
	for _, d := range devices {
		fmt.Printf("%3d  %s (%d ch)\n", d.Index, d.Name, d.Channels)
	}
	return 0
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
