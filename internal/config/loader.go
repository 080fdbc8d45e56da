package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vad":      {"energy", "remote"},
	"pipeline": {"http", "cascade"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Defaults] and
// validates the result. An empty document yields the defaults. Unknown keys
// are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !strings.HasPrefix(cfg.Server.WSPath, "/") {
		errs = append(errs, fmt.Errorf("server.ws_path %q must start with /", cfg.Server.WSPath))
	}
	if cfg.Server.ReadLimitBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.read_limit_bytes must be positive, got %d", cfg.Server.ReadLimitBytes))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions must not be negative, got %d", cfg.Server.MaxSessions))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Endpointing
	ep := cfg.Endpointing
	if ep.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("endpointing.sample_rate must be positive, got %d", ep.SampleRate))
	}
	if ep.FrameDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("endpointing.frame_duration_ms must be positive, got %d", ep.FrameDurationMs))
	} else if ep.SampleRate > 0 && ep.SampleRate*ep.FrameDurationMs%1000 != 0 {
		errs = append(errs, fmt.Errorf("endpointing: %d ms at %d Hz is not a whole number of samples", ep.FrameDurationMs, ep.SampleRate))
	}
	if ep.MaxUtteranceMs < 0 {
		errs = append(errs, fmt.Errorf("endpointing.max_utterance_ms must not be negative, got %d", ep.MaxUtteranceMs))
	}
	if err := ep.Machine().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("endpointing: %w", err))
	}
	if ep.SilenceFramesEnd > 0 && ep.FrameDurationMs > 0 && ep.MaxUtteranceMs > 0 && ep.MaxUtteranceMs < ep.SilenceFramesEnd*ep.FrameDurationMs {
		slog.Warn("endpointing.max_utterance_ms is shorter than the end-of-speech silence; utterances will always be cut by length",
			"max_utterance_ms", ep.MaxUtteranceMs,
			"silence_ms", ep.SilenceFramesEnd*ep.FrameDurationMs,
		)
	}

	// Response
	if cfg.Response.PacketSamples <= 0 {
		errs = append(errs, fmt.Errorf("response.packet_samples must be positive, got %d", cfg.Response.PacketSamples))
	}

	// Pipeline
	if cfg.Pipeline.Timeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.timeout must not be negative, got %s", cfg.Pipeline.Timeout))
	}
	if cfg.Pipeline.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrent must not be negative, got %d", cfg.Pipeline.MaxConcurrent))
	}
	cb := cfg.Pipeline.CircuitBreaker
	if cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("pipeline.circuit_breaker values must not be negative"))
	}

	// Providers
	if cfg.Providers.VAD.Name == "" {
		errs = append(errs, errors.New("providers.vad.name is required"))
	}
	if cfg.Providers.Pipeline.Name == "" {
		errs = append(errs, errors.New("providers.pipeline.name is required"))
	}
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("pipeline", cfg.Providers.Pipeline.Name)
	seen := map[string]int{providerKey(cfg.Providers.Pipeline): -1}
	for i, fb := range cfg.Providers.PipelineFallbacks {
		prefix := fmt.Sprintf("providers.pipeline_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("pipeline", fb.Name)
		key := providerKey(fb)
		if prev, ok := seen[key]; ok {
			what := "providers.pipeline"
			if prev >= 0 {
				what = fmt.Sprintf("providers.pipeline_fallbacks[%d]", prev)
			}
			errs = append(errs, fmt.Errorf("%s duplicates %s", prefix, what))
		}
		seen[key] = i
	}
	for _, e := range append([]ProviderEntry{cfg.Providers.VAD, cfg.Providers.Pipeline}, cfg.Providers.PipelineFallbacks...) {
		if e.BaseURL == "" {
			continue
		}
		if u, err := url.Parse(e.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("providers: %s base_url %q is not an absolute URL", e.Name, e.BaseURL))
		}
	}

	// Storage
	if cfg.Storage.RecordingsDir == "" {
		errs = append(errs, errors.New("storage.recordings_dir is required"))
	}

	// Audit
	if cfg.Audit.PostgresDSN == "" && cfg.Audit.MemoryTurns <= 0 {
		errs = append(errs, errors.New("audit.memory_turns must be positive when audit.postgres_dsn is empty"))
	}

	// Telemetry
	if !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", cfg.Telemetry.MetricsPath))
	} else if cfg.Telemetry.MetricsPath == cfg.Server.WSPath {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path and server.ws_path are both %q", cfg.Server.WSPath))
	}

	return errors.Join(errs...)
}

// providerKey identifies a pipeline backend for duplicate detection.
func providerKey(e ProviderEntry) string {
	return e.Name + "|" + e.BaseURL + "|" + e.Model
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
