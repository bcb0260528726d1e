package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidLiveProviders lists the built-in live provider names. [Validate]
// warns about others, which may be third-party registrations.
var ValidLiveProviders = []string{"gemini-live", "openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Live provider
	if name := cfg.Providers.Live.Name; name != "" && !slices.Contains(ValidLiveProviders, name) {
		slog.Warn("unknown live provider name; may be a typo or third-party provider",
			"name", name,
			"known", ValidLiveProviders,
		)
	}
	if cfg.Providers.Live.APIKey == "" {
		slog.Info("providers.live.api_key is empty; the assistant needs a key stored by the user")
	}

	// Assistant
	if cfg.Assistant.CaptureQueueSize < 0 {
		errs = append(errs, fmt.Errorf("assistant.capture_queue_size %d must not be negative", cfg.Assistant.CaptureQueueSize))
	}
	if cfg.Assistant.ConnectBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("assistant.connect_breaker.max_failures %d must not be negative", cfg.Assistant.ConnectBreaker.MaxFailures))
	}
	if cfg.Assistant.ConnectBreaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("assistant.connect_breaker.reset_timeout %s must not be negative", cfg.Assistant.ConnectBreaker.ResetTimeout))
	}

	// Storage
	if cfg.Storage.Backend != "" && !cfg.Storage.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: memory, postgres", cfg.Storage.Backend))
	}
	if cfg.Storage.Backend == StoragePostgres && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when storage.backend is postgres"))
	}
	if cfg.Storage.Backend == StorageMemory && cfg.Storage.PostgresDSN != "" {
		slog.Warn("storage.postgres_dsn is set but storage.backend is memory; the DSN is ignored")
	}

	return errors.Join(errs...)
}
