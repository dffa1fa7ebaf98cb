// Command fixline is the main entry point for the fixline support session
// server.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/fixline/internal/app"
	"github.com/MrWong99/fixline/internal/config"
	"github.com/MrWong99/fixline/internal/observe"
	"github.com/MrWong99/fixline/internal/resilience"
	"github.com/MrWong99/fixline/pkg/audio"
	"github.com/MrWong99/fixline/pkg/audio/malgo"
	"github.com/MrWong99/fixline/pkg/provider/llm"
	"github.com/MrWong99/fixline/pkg/provider/llm/anyllm"
	"github.com/MrWong99/fixline/pkg/provider/llm/openai"
	"github.com/MrWong99/fixline/pkg/video"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "fixline: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "fixline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("fixline starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, closers, err := buildProviders(cfg, reg)
	defer func() {
		for _, c := range closers {
			if err := c(); err != nil {
				slog.Warn("provider close error", "err", err)
			}
		}
	}()
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers,
		app.WithLogLevel(&level),
		app.WithMetricsHandler(telemetry.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), application.Config().Server.ShutdownTimeout+application.Config().Session.ReportTimeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmProviders are the LLM backends served through any-llm-go.
var anyllmProviders = []string{"anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// registerBuiltinProviders wires all built-in factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range anyllmProviders {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── Audio ─────────────────────────────────────────────────────────────────
	reg.RegisterAudio(config.AudioMalgo, func(config.AudioConfig) (audio.Platform, error) {
		return malgo.New()
	})

	// ── Camera ────────────────────────────────────────────────────────────────
	reg.RegisterCamera(config.CameraDir, func(c config.CameraConfig) (video.Opener, error) {
		if _, err := os.Stat(c.Dir); err != nil {
			return nil, fmt.Errorf("camera dir: %w", err)
		}
		return video.DirOpener(c.Dir), nil
	})
}

// buildProviders instantiates the providers named in cfg. The returned
// closers release them and must run even when an error is returned.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, []func() error, error) {
	ps := &app.Providers{}
	var closers []func() error

	platform, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		return nil, closers, fmt.Errorf("create audio platform %q: %w", cfg.Audio.Backend, err)
	}
	if c, ok := platform.(interface{ Close() error }); ok {
		closers = append(closers, c.Close)
	}
	ps.Audio = platform
	slog.Info("provider created", "kind", "audio", "name", cfg.Audio.Backend)

	cam, err := reg.CreateCamera(cfg.Camera)
	if err != nil {
		return nil, closers, fmt.Errorf("create camera %q: %w", cfg.Camera.Backend, err)
	}
	if cam != nil {
		ps.Camera = cam
		slog.Info("provider created", "kind", "camera", "name", cfg.Camera.Backend)
	}

	ps.LLM, err = buildLLM(cfg.Providers, reg)
	if err != nil {
		return nil, closers, err
	}
	return ps, closers, nil
}

// buildLLM creates the summarizer model with its fallbacks behind circuit
// breakers. An unregistered name is skipped with a debug log.
func buildLLM(pc config.ProvidersConfig, reg *config.Registry) (llm.Provider, error) {
	if pc.LLM.Name == "" {
		slog.Info("no LLM configured, reports use the fallback summary")
		return nil, nil
	}
	primary, err := createLLM(reg, pc.LLM)
	if err != nil || primary == nil {
		return nil, err
	}

	fb := resilience.NewLLMFallback(primary, pc.LLM.Name, resilience.FallbackConfig{})
	for _, entry := range pc.LLMFallbacks {
		p, err := createLLM(reg, entry)
		if err != nil {
			return nil, err
		}
		if p != nil {
			fb.AddFallback(entry.Name, p)
		}
	}
	return fb, nil
}

func createLLM(reg *config.Registry, entry config.ProviderEntry) (llm.Provider, error) {
	p, err := reg.CreateLLM(entry)
	switch {
	case errors.Is(err, config.ErrProviderNotRegistered):
		slog.Debug("provider not implemented, skipping", "kind", "llm", "name", entry.Name)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
	return p, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key].(string)
	if !ok {
		return ""
	}
	return v
}
