// Command voxgate is the main entry point for the voxgate voice server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxgate/internal/app"
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/provider/pipeline"
	"github.com/MrWong99/voxgate/pkg/provider/pipeline/cascade"
	"github.com/MrWong99/voxgate/pkg/provider/pipeline/httppipe"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/provider/vad/energy"
	"github.com/MrWong99/voxgate/pkg/provider/vad/remote"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voxgate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithMetricsHandler(telemetry.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, func(next *config.Config, _ config.ConfigDiff) {
			d := application.Reload(next)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go func() { _ = watcher.Run(ctx) }()
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Classifier ────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if v, ok := optFloat(entry.Options, "midpoint_dbfs"); ok {
			opts = append(opts, energy.WithMidpointDBFS(v))
		}
		if v, ok := optFloat(entry.Options, "slope_db"); ok {
			opts = append(opts, energy.WithSlopeDB(v))
		}
		if v, ok := optFloat(entry.Options, "smoothing"); ok {
			opts = append(opts, energy.WithSmoothing(v))
		}
		return energy.New(opts...)
	})

	reg.RegisterVAD("remote", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []remote.Option
		if d := optDuration(entry.Options, "health_timeout"); d > 0 {
			opts = append(opts, remote.WithHealthTimeout(d))
		}
		return remote.New(entry.BaseURL, opts...)
	})

	// ── Pipeline ──────────────────────────────────────────────────────────────

	reg.RegisterPipeline("http", func(entry config.ProviderEntry) (pipeline.Provider, error) {
		var opts []httppipe.Option
		if entry.APIKey != "" {
			opts = append(opts, httppipe.WithAPIKey(entry.APIKey))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, httppipe.WithTimeout(d))
		}
		return httppipe.New(entry.BaseURL, opts...)
	})

	// cascade chains OpenAI transcription, an any-llm-go completion backend
	// and OpenAI speech synthesis. entry.Model selects the LLM model.
	reg.RegisterPipeline("cascade", func(entry config.ProviderEntry) (pipeline.Provider, error) {
		client, err := cascade.NewOpenAIClient(cascade.ClientConfig{
			APIKey:  entry.APIKey,
			BaseURL: entry.BaseURL,
			Timeout: optDuration(entry.Options, "timeout"),
		})
		if err != nil {
			return nil, err
		}

		backend := optString(entry.Options, "llm_backend")
		if backend == "" {
			backend = "openai"
		}
		var llmOpts []anyllmlib.Option
		if key := optString(entry.Options, "llm_api_key"); key != "" {
			llmOpts = append(llmOpts, anyllmlib.WithAPIKey(key))
		} else if backend == "openai" && entry.APIKey != "" {
			llmOpts = append(llmOpts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if u := optString(entry.Options, "llm_base_url"); u != "" {
			llmOpts = append(llmOpts, anyllmlib.WithBaseURL(u))
		}
		maxTokens, _ := optFloat(entry.Options, "max_tokens")
		llm, err := cascade.NewLLMResponder(backend, entry.Model, optString(entry.Options, "system_prompt"), int(maxTokens), llmOpts...)
		if err != nil {
			return nil, err
		}

		return cascade.New(
			cascade.NewOpenAITranscriber(client, optString(entry.Options, "stt_model"), optString(entry.Options, "language")),
			llm,
			cascade.NewOpenAISynthesizer(client, optString(entry.Options, "tts_model"), optString(entry.Options, "voice")),
		)
	})

	for _, kind := range []string{"vad", "pipeline"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the classifier and the pipeline chain named in
// cfg. Every pipeline backend sits behind its own circuit breaker; fallbacks
// are tried in order.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	engine, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err)
	}
	ps.VAD = engine
	slog.Info("provider created", "kind", "vad", "name", cfg.Providers.VAD.Name)

	fbCfg := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Pipeline.CircuitBreaker.MaxFailures,
		ResetTimeout: cfg.Pipeline.CircuitBreaker.ResetTimeout,
		HalfOpenMax:  cfg.Pipeline.CircuitBreaker.HalfOpenMax,
	}}

	primary, err := reg.CreatePipeline(cfg.Providers.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("create pipeline provider %q: %w", cfg.Providers.Pipeline.Name, err)
	}
	chain := resilience.NewPipelineFallback(primary, providerLabel(cfg.Providers.Pipeline), fbCfg)
	slog.Info("provider created", "kind", "pipeline", "name", providerLabel(cfg.Providers.Pipeline))

	for i, entry := range cfg.Providers.PipelineFallbacks {
		p, err := reg.CreatePipeline(entry)
		if err != nil {
			return nil, fmt.Errorf("create pipeline fallback %d %q: %w", i, entry.Name, err)
		}
		chain.AddFallback(providerLabel(entry), p)
		slog.Info("provider created", "kind", "pipeline_fallback", "name", providerLabel(entry))
	}
	ps.Pipeline = chain

	return ps, nil
}

// providerLabel names a backend in logs, metrics and breaker states.
func providerLabel(e config.ProviderEntry) string {
	switch {
	case e.Model != "":
		return e.Name + "/" + e.Model
	case e.BaseURL != "":
		if u, err := url.Parse(e.BaseURL); err == nil && u.Host != "" {
			return e.Name + "@" + u.Host
		}
	}
	return e.Name
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	ep := cfg.Endpointing
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxgate — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("VAD", cfg.Providers.VAD.Name, cfg.Providers.VAD.Model)
	printProvider("Pipeline", cfg.Providers.Pipeline.Name, cfg.Providers.Pipeline.Model)
	fmt.Printf("║  Fallbacks       : %-19d ║\n", len(cfg.Providers.PipelineFallbacks))
	fmt.Printf("║  Frame           : %-19s ║\n", fmt.Sprintf("%d Hz / %d ms", ep.SampleRate, ep.FrameDurationMs))
	fmt.Printf("║  Threshold       : %-19.2f ║\n", ep.SpeechThreshold)
	fmt.Printf("║  Silence end     : %-19s ║\n", fmt.Sprintf("%d frames", ep.SilenceFramesEnd))
	if cfg.Audit.PostgresDSN != "" {
		fmt.Printf("║  Audit           : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Audit           : %-19s ║\n", "(in memory)")
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Printf("║  WebSocket path  : %-19s ║\n", cfg.Server.WSPath)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

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

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a number that YAML may have decoded as int or float64.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case int:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// optDuration parses a duration string such as "30s". Invalid or missing
// values yield 0.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
