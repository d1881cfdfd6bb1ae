package relay

import (
	"fmt"
	"time"

	"github.com/ferro-labs/openai-relay/backends"
	"github.com/ferro-labs/openai-relay/identity"
	"github.com/ferro-labs/openai-relay/modelstore"
)

// Default values applied to zero config fields.
const (
	DefaultModelListTimeout = 10 * time.Second
	DefaultChatTimeout      = 300 * time.Second
	DefaultCatalogTTL       = 3 * time.Second
	DefaultMaxQueries       = 5
	DefaultPort             = 8080
)

// Config is the relay configuration.
type Config struct {
	Server     ServerConfig       `json:"server" yaml:"server"`
	OpenAI     OpenAIConfig       `json:"openai" yaml:"openai"`
	Features   FeatureFlags       `json:"features" yaml:"features"`
	Timeouts   TimeoutConfig      `json:"timeouts" yaml:"timeouts"`
	Catalog    CatalogConfig      `json:"catalog" yaml:"catalog"`
	ModelStore ModelStoreConfig   `json:"model_store" yaml:"model_store"`
	Models     []modelstore.Model `json:"models,omitempty" yaml:"models,omitempty"`
	Users      []User             `json:"users,omitempty" yaml:"users,omitempty"`
	Groups     []Group            `json:"groups,omitempty" yaml:"groups,omitempty"`
	RateLimit  RateLimitConfig    `json:"rate_limit" yaml:"rate_limit"`
	Circuit    CircuitConfig      `json:"circuit_breaker" yaml:"circuit_breaker"`
	RequestLog RequestLogConfig   `json:"request_log" yaml:"request_log"`
	RAG        RAGConfig          `json:"rag" yaml:"rag"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port        int      `json:"port" yaml:"port" env:"PORT"`
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty" env:"CORS_ORIGINS" envSeparator:","`
}

// OpenAIConfig lists the upstream OpenAI-compatible backends. Keys align
// with BaseURLs by position; Configs is keyed by position ("0", "1", ...)
// or, for legacy entries, by base URL. Enabled is on unless a document or
// ENABLE_OPENAI_API turns it off.
type OpenAIConfig struct {
	Enabled  bool                          `json:"enabled" yaml:"enabled" env:"ENABLE_OPENAI_API"`
	BaseURLs []string                      `json:"base_urls" yaml:"base_urls" env:"OPENAI_API_BASE_URLS" envSeparator:";"`
	Keys     []string                      `json:"keys,omitempty" yaml:"keys,omitempty" env:"OPENAI_API_KEYS" envSeparator:";"`
	Configs  map[string]backends.APIConfig `json:"configs,omitempty" yaml:"configs,omitempty"`
}

// FeatureFlags toggles optional behavior.
type FeatureFlags struct {
	ForwardUserInfoHeaders   bool `json:"forward_user_info_headers" yaml:"forward_user_info_headers" env:"ENABLE_FORWARD_USER_INFO_HEADERS"`
	BypassModelAccessControl bool `json:"bypass_model_access_control" yaml:"bypass_model_access_control" env:"BYPASS_MODEL_ACCESS_CONTROL"`
}

// TimeoutConfig bounds outbound calls. ModelList applies to listing calls,
// Chat to chat completions including streams.
type TimeoutConfig struct {
	ModelList Duration `json:"model_list" yaml:"model_list" env:"MODEL_LIST_TIMEOUT"`
	Chat      Duration `json:"chat" yaml:"chat" env:"CHAT_TIMEOUT"`
}

// CatalogConfig configures the aggregated catalog cache.
type CatalogConfig struct {
	TTL Duration `json:"ttl" yaml:"ttl" env:"CATALOG_TTL"`
}

// ModelStoreConfig selects the model metadata store.
type ModelStoreConfig struct {
	Driver string `json:"driver" yaml:"driver" env:"MODEL_STORE_DRIVER"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty" env:"MODEL_STORE_DSN"`
}

// User is a statically configured caller authenticated by APIKey.
type User struct {
	ID     string        `json:"id" yaml:"id"`
	Name   string        `json:"name" yaml:"name"`
	Email  string        `json:"email" yaml:"email"`
	Role   identity.Role `json:"role" yaml:"role"`
	APIKey string        `json:"api_key" yaml:"api_key"`
}

// Caller returns the identity u authenticates as.
func (u User) Caller() *identity.Caller {
	return &identity.Caller{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
}

// Group is a named set of user ids referenced by model access grants.
type Group struct {
	ID      string   `json:"id" yaml:"id"`
	Members []string `json:"members" yaml:"members"`
}

// RateLimitConfig configures per-caller token buckets on the HTTP surface.
// A zero rate disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             float64 `json:"burst" yaml:"burst" env:"RATE_LIMIT_BURST"`
}

// CircuitConfig configures per-backend circuit breakers shared by catalog
// fetches and chat dispatch. A zero FailureThreshold disables them.
type CircuitConfig struct {
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold" env:"CIRCUIT_FAILURE_THRESHOLD"`
	SuccessThreshold int      `json:"success_threshold" yaml:"success_threshold" env:"CIRCUIT_SUCCESS_THRESHOLD"`
	OpenTimeout      Duration `json:"open_timeout" yaml:"open_timeout" env:"CIRCUIT_OPEN_TIMEOUT"`
}

// RequestLogConfig selects where dispatched chat completions are recorded.
// An empty driver records nothing.
type RequestLogConfig struct {
	Driver string `json:"driver" yaml:"driver" env:"REQUEST_LOG_DRIVER"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty" env:"REQUEST_LOG_DSN"`
}

// RAGConfig configures the retrieval session.
type RAGConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled" env:"ENABLE_RAG"`
	ConfigPath        string `json:"config_path" yaml:"config_path" env:"RAG_CONFIG_PATH"`
	DefaultConfigPath string `json:"default_config_path,omitempty" yaml:"default_config_path,omitempty" env:"RAG_DEFAULT_CONFIG_PATH"`
	EnvPath           string `json:"env_path" yaml:"env_path" env:"RAG_ENV_PATH"`
	MaxQueries        int    `json:"max_queries" yaml:"max_queries" env:"RAG_MAX_QUERIES"`
	EngineURL         string `json:"engine_url,omitempty" yaml:"engine_url,omitempty" env:"RAG_ENGINE_URL"`
	OpenAIBaseURL     string `json:"openai_base_url,omitempty" yaml:"openai_base_url,omitempty" env:"RAG_OPENAI_BASE_URL"`
}

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// applyDefaults fills zero fields with their defaults.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Timeouts.ModelList == 0 {
		c.Timeouts.ModelList = Duration(DefaultModelListTimeout)
	}
	if c.Timeouts.Chat == 0 {
		c.Timeouts.Chat = Duration(DefaultChatTimeout)
	}
	if c.Catalog.TTL == 0 {
		c.Catalog.TTL = Duration(DefaultCatalogTTL)
	}
	if c.ModelStore.Driver == "" {
		c.ModelStore.Driver = modelstore.DriverMemory
	}
	if c.RAG.MaxQueries == 0 {
		c.RAG.MaxQueries = DefaultMaxQueries
	}
}

// DefaultConfig returns a Config with every default applied and no
// backends configured.
func DefaultConfig() Config {
	cfg := baseConfig()
	cfg.applyDefaults()
	return cfg
}

// baseConfig is the starting point documents and the environment are
// decoded over. It holds the defaults a zero value cannot express.
func baseConfig() Config {
	return Config{OpenAI: OpenAIConfig{Enabled: true}}
}
