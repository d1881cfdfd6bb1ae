package relay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ferro-labs/openai-relay/backends"
	"github.com/ferro-labs/openai-relay/identity"
	"github.com/ferro-labs/openai-relay/modelstore"
)

func TestLoadConfig_YAML(t *testing.T) {
	data := `
openai:
  base_urls: ["https://api.openai.com/v1", "http://localhost:11434/v1"]
  keys: ["sk-a"]
  configs:
    0: {enable: true, prefix_id: oa}
    "http://localhost:11434/v1": {model_ids: [llama3]}
features:
  forward_user_info_headers: true
timeouts: {model_list: 5s, chat: 2m}
catalog: {ttl: 1s}
users:
  - {id: u1, name: Ada, email: ada@example.com, role: admin, api_key: rk-1}
groups:
  - {id: g1, members: [u1]}
`
	path := writeTempFile(t, "config.yaml", data)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(cfg.OpenAI.BaseURLs); got != 2 {
		t.Fatalf("base_urls: got %d, want 2", got)
	}
	if got := cfg.OpenAI.Configs["0"].PrefixID; got != "oa" {
		t.Errorf("configs[0].prefix_id: got %q, want oa", got)
	}
	if got := cfg.OpenAI.Configs["http://localhost:11434/v1"].ModelIDs; len(got) != 1 || got[0] != "llama3" {
		t.Errorf("legacy config model_ids: got %v", got)
	}
	if !cfg.OpenAI.Enabled {
		t.Error("openai should default to enabled")
	}
	if !cfg.Features.ForwardUserInfoHeaders {
		t.Error("forward_user_info_headers: got false, want true")
	}
	if got := cfg.Timeouts.ModelList.Std(); got != 5*time.Second {
		t.Errorf("model_list: got %s, want 5s", got)
	}
	if got := cfg.Timeouts.Chat.Std(); got != 2*time.Minute {
		t.Errorf("chat: got %s, want 2m", got)
	}
	if got := cfg.Catalog.TTL.Std(); got != time.Second {
		t.Errorf("ttl: got %s, want 1s", got)
	}
	if len(cfg.Users) != 1 || cfg.Users[0].Role != identity.RoleAdmin {
		t.Errorf("users: got %+v", cfg.Users)
	}
	if err := ValidateConfig(*cfg); err != nil {
		t.Errorf("ValidateConfig: %v", err)
	}
}

func TestLoadConfig_JSON(t *testing.T) {
	data := `{
		"openai": {"enabled": false},
		"model_store": {"driver": "sqlite", "dsn": "models.db"},
		"rag": {"enabled": true, "config_path": "configs/config_updated.yaml", "max_queries": 3}
	}`
	path := writeTempFile(t, "config.json", data)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OpenAI.Enabled {
		t.Error("openai.enabled: got true, want false")
	}
	if cfg.ModelStore.Driver != modelstore.DriverSQLite {
		t.Errorf("driver: got %q, want sqlite", cfg.ModelStore.Driver)
	}
	if cfg.RAG.MaxQueries != 3 {
		t.Errorf("max_queries: got %d, want 3", cfg.RAG.MaxQueries)
	}
}

func TestLoadConfig_OpenAIEnabled(t *testing.T) {
	tests := []struct {
		name string
		data string
		want bool
	}{
		{"unset", "openai:\n  base_urls: [\"http://localhost:8000/v1\"]\n", true},
		{"true", "openai:\n  enabled: true\n  base_urls: [\"http://localhost:8000/v1\"]\n", true},
		{"false", "openai:\n  enabled: false\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeTempFile(t, "config.yaml", tt.data))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.OpenAI.Enabled != tt.want {
				t.Errorf("openai.enabled: got %v, want %v", cfg.OpenAI.Enabled, tt.want)
			}
			if err := ValidateConfig(*cfg); err != nil {
				t.Errorf("ValidateConfig: %v", err)
			}
		})
	}
}

func TestLoadConfigFromEnv_EnabledByDefault(t *testing.T) {
	t.Setenv("OPENAI_API_BASE_URLS", "http://a/v1")
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.OpenAI.Enabled {
		t.Error("openai.enabled: got false, want true")
	}

	t.Setenv("ENABLE_OPENAI_API", "false")
	cfg, err = LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OpenAI.Enabled {
		t.Error("ENABLE_OPENAI_API=false not applied")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeTempFile(t, "config.yaml", "openai:\n  base_urls: [\"http://localhost:8000/v1\"]\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Timeouts.ModelList.Std(); got != DefaultModelListTimeout {
		t.Errorf("model_list: got %s, want %s", got, DefaultModelListTimeout)
	}
	if got := cfg.Timeouts.Chat.Std(); got != DefaultChatTimeout {
		t.Errorf("chat: got %s, want %s", got, DefaultChatTimeout)
	}
	if got := cfg.Catalog.TTL.Std(); got != DefaultCatalogTTL {
		t.Errorf("ttl: got %s, want %s", got, DefaultCatalogTTL)
	}
	if cfg.RAG.MaxQueries != DefaultMaxQueries {
		t.Errorf("max_queries: got %d, want %d", cfg.RAG.MaxQueries, DefaultMaxQueries)
	}
	if cfg.ModelStore.Driver != modelstore.DriverMemory {
		t.Errorf("driver: got %q, want memory", cfg.ModelStore.Driver)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("port: got %d, want %d", cfg.Server.Port, DefaultPort)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_BASE_URLS", "http://a/v1;http://b/v1")
	t.Setenv("OPENAI_API_KEYS", "ka;kb")
	t.Setenv("ENABLE_OPENAI_API", "false")
	t.Setenv("BYPASS_MODEL_ACCESS_CONTROL", "true")
	t.Setenv("CHAT_TIMEOUT", "45s")
	t.Setenv("RAG_ENV_PATH", "/tmp/rag.env")

	path := writeTempFile(t, "config.yaml", `
openai:
  base_urls: ["http://file/v1"]
timeouts: {chat: 10m}
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(cfg.OpenAI.BaseURLs, ","); got != "http://a/v1,http://b/v1" {
		t.Errorf("base_urls: got %q", got)
	}
	if got := strings.Join(cfg.OpenAI.Keys, ","); got != "ka,kb" {
		t.Errorf("keys: got %q", got)
	}
	if cfg.OpenAI.Enabled {
		t.Error("ENABLE_OPENAI_API=false not applied")
	}
	if !cfg.Features.BypassModelAccessControl {
		t.Error("BYPASS_MODEL_ACCESS_CONTROL not applied")
	}
	if got := cfg.Timeouts.Chat.Std(); got != 45*time.Second {
		t.Errorf("chat: got %s, want 45s", got)
	}
	if cfg.RAG.EnvPath != "/tmp/rag.env" {
		t.Errorf("env_path: got %q", cfg.RAG.EnvPath)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_BASE_URLS", "http://only/v1")
	t.Setenv("MODEL_LIST_TIMEOUT", "2s")
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.OpenAI.BaseURLs) != 1 || cfg.OpenAI.BaseURLs[0] != "http://only/v1" {
		t.Errorf("base_urls: got %v", cfg.OpenAI.BaseURLs)
	}
	if got := cfg.Timeouts.ModelList.Std(); got != 2*time.Second {
		t.Errorf("model_list: got %s, want 2s", got)
	}
	if got := cfg.Timeouts.Chat.Std(); got != DefaultChatTimeout {
		t.Errorf("chat: got %s, want default", got)
	}
}

func TestLoadConfig_SchemaRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown top-level key", "strategy: {mode: fallback}\n"},
		{"bad duration", "timeouts: {chat: soon}\n"},
		{"unknown role", "users: [{id: u1, role: root, api_key: k}]\n"},
		{"unknown driver", "model_store: {driver: mongo}\n"},
		{"unknown backend config field", "openai: {configs: {0: {weight: 2}}}\n"},
		{"negative max queries", "rag: {max_queries: -1}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempFile(t, "config.yaml", tt.data)
			if _, err := LoadConfig(path); err == nil {
				t.Fatal("expected schema error")
			}
		})
	}
}

func TestLoadConfig_NonExistentFile(t *testing.T) {
	_, err := LoadConfig("/tmp/does-not-exist-config-12345.json")
	if err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := writeTempFile(t, "bad.json", `{invalid`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoadConfig_UnsupportedExtension(t *testing.T) {
	path := writeTempFile(t, "config.toml", "key = value")
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.OpenAI.BaseURLs = []string{"https://api.openai.com/v1"}
	return cfg
}

func TestValidateConfig_Valid(t *testing.T) {
	if err := ValidateConfig(validConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no base urls while enabled", func(c *Config) { c.OpenAI.BaseURLs = nil }},
		{"relative base url", func(c *Config) { c.OpenAI.BaseURLs = []string{"/v1"} }},
		{"config index out of range", func(c *Config) {
			c.OpenAI.Configs = map[string]backends.APIConfig{"3": {}}
		}},
		{"list timeout above chat", func(c *Config) {
			c.Timeouts.ModelList = Duration(time.Minute)
			c.Timeouts.Chat = Duration(time.Second)
		}},
		{"postgres without dsn", func(c *Config) { c.ModelStore.Driver = modelstore.DriverPostgres }},
		{"duplicate user", func(c *Config) {
			c.Users = []User{
				{ID: "u1", Role: identity.RoleUser, APIKey: "a"},
				{ID: "u1", Role: identity.RoleUser, APIKey: "b"},
			}
		}},
		{"shared api key", func(c *Config) {
			c.Users = []User{
				{ID: "u1", Role: identity.RoleUser, APIKey: "same"},
				{ID: "u2", Role: identity.RoleAdmin, APIKey: "same"},
			}
		}},
		{"unknown role", func(c *Config) {
			c.Users = []User{{ID: "u1", Role: "root", APIKey: "a"}}
		}},
		{"self-based model", func(c *Config) {
			c.Models = []modelstore.Model{{ID: "m", BaseModelID: "m"}}
		}},
		{"rate limit without burst", func(c *Config) { c.RateLimit.RequestsPerSecond = 5 }},
		{"rag without config path", func(c *Config) { c.RAG.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			if err := ValidateConfig(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateConfig_DisabledNeedsNoBackends(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OpenAI.Enabled = false
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
