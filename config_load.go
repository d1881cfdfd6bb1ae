package relay

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	env "github.com/caarlos0/env/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/openai-relay/internal/requestlog"
	"github.com/ferro-labs/openai-relay/modelstore"
)

//go:embed config.schema.json
var configSchema []byte

const configSchemaURL = "config.schema.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(configSchemaURL, bytes.NewReader(configSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile(configSchemaURL)
})

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml). The document is
// checked against the config schema, then environment overrides and
// defaults are applied.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var (
		cfg = baseConfig()
		doc any
	)
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadConfigFromEnv builds a Config from environment variables alone.
func LoadConfigFromEnv() (*Config, error) {
	cfg := baseConfig()
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing environment overrides: %w", err)
	}
	return nil
}

// validateDocument checks a decoded config document against the schema.
func validateDocument(doc any) error {
	if doc == nil {
		return nil
	}
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	// Round-trip through JSON so YAML scalars become JSON types.
	raw, err := json.Marshal(normalizeKeys(doc))
	if err != nil {
		return fmt.Errorf("encoding config document: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return fmt.Errorf("decoding config document: %w", err)
	}
	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}

// normalizeKeys converts YAML maps with non-string keys, such as the
// positional backend config keys 0 and 1, into string-keyed maps.
func normalizeKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeKeys(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeKeys(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeKeys(val)
		}
		return out
	default:
		return v
	}
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	var errs []error

	if cfg.OpenAI.Enabled && len(cfg.OpenAI.BaseURLs) == 0 {
		errs = append(errs, errors.New("openai: at least one base URL is required when enabled"))
	}
	for i, raw := range cfg.OpenAI.BaseURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("openai: base URL %d %q must be an absolute http(s) URL", i, raw))
		}
	}
	for key := range cfg.OpenAI.Configs {
		if idx, err := strconv.Atoi(key); err == nil && (idx < 0 || idx >= len(cfg.OpenAI.BaseURLs)) {
			errs = append(errs, fmt.Errorf("openai: config key %q does not match a base URL", key))
		}
	}

	if cfg.Timeouts.ModelList < 0 || cfg.Timeouts.Chat < 0 || cfg.Catalog.TTL < 0 {
		errs = append(errs, errors.New("timeouts: durations must not be negative"))
	}
	if cfg.Timeouts.ModelList > 0 && cfg.Timeouts.Chat > 0 && cfg.Timeouts.ModelList > cfg.Timeouts.Chat {
		errs = append(errs, fmt.Errorf("timeouts: model_list (%s) must not exceed chat (%s)",
			cfg.Timeouts.ModelList.Std(), cfg.Timeouts.Chat.Std()))
	}

	switch strings.ToLower(cfg.ModelStore.Driver) {
	case "", modelstore.DriverMemory, modelstore.DriverSQLite:
	case modelstore.DriverPostgres, "postgresql":
		if cfg.ModelStore.DSN == "" {
			errs = append(errs, errors.New("model_store: postgres requires a dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("model_store: unknown driver %q", cfg.ModelStore.Driver))
	}
	for i := range cfg.Models {
		if err := cfg.Models[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("models[%d]: %w", i, err))
		}
	}

	userIDs := make(map[string]struct{}, len(cfg.Users))
	apiKeys := make(map[string]struct{}, len(cfg.Users))
	for i, u := range cfg.Users {
		if u.ID == "" {
			errs = append(errs, fmt.Errorf("users[%d]: id is required", i))
		}
		if _, dup := userIDs[u.ID]; dup {
			errs = append(errs, fmt.Errorf("users[%d]: duplicate id %q", i, u.ID))
		}
		userIDs[u.ID] = struct{}{}
		if !u.Role.Valid() {
			errs = append(errs, fmt.Errorf("users[%d]: unknown role %q", i, u.Role))
		}
		if u.APIKey == "" {
			errs = append(errs, fmt.Errorf("users[%d]: api_key is required", i))
		} else if _, dup := apiKeys[u.APIKey]; dup {
			errs = append(errs, fmt.Errorf("users[%d]: api_key is shared with another user", i))
		}
		apiKeys[u.APIKey] = struct{}{}
	}
	groupIDs := make(map[string]struct{}, len(cfg.Groups))
	for i, g := range cfg.Groups {
		if g.ID == "" {
			errs = append(errs, fmt.Errorf("groups[%d]: id is required", i))
		}
		if _, dup := groupIDs[g.ID]; dup {
			errs = append(errs, fmt.Errorf("groups[%d]: duplicate id %q", i, g.ID))
		}
		groupIDs[g.ID] = struct{}{}
	}

	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit: values must not be negative"))
	}
	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate_limit: burst must be at least 1 when limiting is on"))
	}

	if cfg.Circuit.FailureThreshold < 0 || cfg.Circuit.SuccessThreshold < 0 || cfg.Circuit.OpenTimeout < 0 {
		errs = append(errs, errors.New("circuit_breaker: values must not be negative"))
	}

	switch strings.ToLower(cfg.RequestLog.Driver) {
	case "", requestlog.DriverNone, requestlog.DriverSQLite:
	case requestlog.DriverPostgres, "postgresql":
		if cfg.RequestLog.DSN == "" {
			errs = append(errs, errors.New("request_log: postgres requires a dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("request_log: unknown driver %q", cfg.RequestLog.Driver))
	}

	if cfg.RAG.Enabled && cfg.RAG.ConfigPath == "" {
		errs = append(errs, errors.New("rag: config_path is required when enabled"))
	}
	if cfg.RAG.MaxQueries < 0 {
		errs = append(errs, errors.New("rag: max_queries must not be negative"))
	}

	return errors.Join(errs...)
}
