// Command voxrelay is the realtime speech-to-text relay server.
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

	"github.com/MrWong99/voxrelay/internal/app"
	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/session"
	"github.com/MrWong99/voxrelay/internal/transcript/phonetic"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watchInterval := flag.Duration("watch-interval", 5*time.Second, "how often the config file is checked for changes (0 disables reloading)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxrelay: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("voxrelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Setup(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Recognizer ────────────────────────────────────────────────────────────
	var closers []func() error
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, func(fn func() error) { closers = append(closers, fn) })

	provider, err := buildRecognizer(cfg, reg)
	if err != nil {
		slog.Error("failed to build recognizer", "err", err)
		return 1
	}

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithMetrics(telemetry.Metrics),
		app.WithCloser(func() error { return telemetry.Shutdown(context.Background()) }),
	}
	for _, c := range closers {
		opts = append(opts, app.WithCloser(c))
	}
	if len(cfg.Transcript.Vocabulary) > 0 {
		opts = append(opts, app.WithCorrector(newCorrector(cfg.Transcript)))
	}

	application, err := app.New(cfg, provider, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Warm-up ───────────────────────────────────────────────────────────────
	slog.Info("warming up recognizer", "recognizer", cfg.Recognizer.Name, "model", cfg.Engine.Model)
	if err := application.Warmup(ctx); err != nil {
		slog.Error("recognizer warm-up failed", "err", err)
		_ = application.Shutdown(context.Background())
		return 1
	}

	// ── Live reload ───────────────────────────────────────────────────────────
	if *watchInterval > 0 {
		w, err := config.NewWatcher(*configPath, func(prev, next *config.Config) {
			d := config.Diff(prev, next)
			if d.LogLevelChanged {
				level.Set(d.NewLogLevel.SlogLevel())
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			application.ApplyDiff(next, d)
		}, config.WithInterval(*watchInterval))
		if err != nil {
			slog.Warn("config reloading disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	// Run drains sessions within session.shutdown_timeout once ctx is done.
	if err := application.Run(ctx); err != nil {
		var initErr *session.EngineInitError
		if errors.As(err, &initErr) {
			slog.Error("recognizer failed", "err", err)
		} else {
			slog.Error("run error", "err", err)
		}
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// newCorrector builds the vocabulary corrector for final sentences.
func newCorrector(tc config.TranscriptConfig) *phonetic.Corrector {
	var opts []phonetic.Option
	if tc.PhoneticThreshold > 0 {
		opts = append(opts, phonetic.WithPhoneticThreshold(tc.PhoneticThreshold))
	}
	if tc.FuzzyThreshold > 0 {
		opts = append(opts, phonetic.WithFuzzyThreshold(tc.FuzzyThreshold))
	}
	return phonetic.New(tc.Vocabulary, opts...)
}
