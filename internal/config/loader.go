package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known ASR provider names. Used by [Validate] to
// warn about unrecognised names.
var ValidProviderNames = []string{"openai", "openai-realtime", "azure", "whisper-local", "mock"}

// Load reads the YAML configuration file at path, expands ${ENV_VAR}
// references, applies environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV_VAR} references
// against the process environment, applies [ApplyEnv] overrides, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(name string) string {
		return os.Getenv(name)
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from well-known environment variables.
// These take precedence over values in the YAML file:
//
//	MODEL_ID             - "provider/model", e.g. "openai/whisper-1"
//	OPENAI_API_KEY       - API key when the primary provider is OpenAI
//	AZURE_SPEECH_KEY     - API key when the primary provider is Azure
//	DATABASE_URL         - PostgreSQL DSN
//	JWT_SECRET           - token signing secret
//	USE_SPSC_TRANSCRIBER - "false" selects the sequential pipeline
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("MODEL_ID"); v != "" {
		provider, model, found := cutModelID(v)
		cfg.Providers.ASR.Name = provider
		if found {
			cfg.Providers.ASR.Model = model
		}
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Providers.ASR.APIKey == "" {
		switch cfg.Providers.ASR.Name {
		case "openai", "openai-realtime", "":
			cfg.Providers.ASR.APIKey = v
		}
	}
	if v := os.Getenv("AZURE_SPEECH_KEY"); v != "" && cfg.Providers.ASR.Name == "azure" && cfg.Providers.ASR.APIKey == "" {
		cfg.Providers.ASR.APIKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.PostgresDSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("USE_SPSC_TRANSCRIBER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Scheduler.UseSPSC = &b
		} else {
			slog.Warn("USE_SPSC_TRANSCRIBER is not a boolean, ignoring", "value", v)
		}
	}
}

// cutModelID splits "provider/model" into its parts. A bare provider name
// without a slash is also accepted.
func cutModelID(v string) (provider, model string, found bool) {
	for i := range len(v) {
		if v[i] == '/' {
			return v[:i], v[i+1:], true
		}
	}
	return v, "", false
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required (set JWT_SECRET)"))
	}
	if cfg.Auth.WSTokenTTL < 0 {
		errs = append(errs, errors.New("auth.ws_token_ttl must not be negative"))
	}
	if cfg.Auth.SessionTTL < 0 {
		errs = append(errs, errors.New("auth.session_ttl must not be negative"))
	}

	if cfg.Providers.ASR.Name == "" {
		errs = append(errs, errors.New("providers.asr.name is required (set MODEL_ID)"))
	}
	validateProviderName("asr", cfg.Providers.ASR.Name)
	for i, fb := range cfg.Providers.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.fallbacks[%d].name is required", i))
		}
		validateProviderName(fmt.Sprintf("fallbacks[%d]", i), fb.Name)
	}

	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; lexicon edits and logins will not be available")
	}

	if cfg.Scheduler.QueueSize < 0 {
		errs = append(errs, errors.New("scheduler.queue_size must not be negative"))
	}
	if cfg.Scheduler.BatchSize < 0 {
		errs = append(errs, errors.New("scheduler.batch_size must not be negative"))
	}
	if cfg.Scheduler.ParallelWorkers < 0 {
		errs = append(errs, errors.New("scheduler.parallel_workers must not be negative"))
	}
	if cfg.Pairing.CodeTTL < 0 {
		errs = append(errs, errors.New("pairing.code_ttl must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(kind, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames,
	)
}
