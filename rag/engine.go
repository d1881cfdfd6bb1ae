// Package rag wraps an external retrieval-augmented answer engine behind a
// capped, hot-reloading conversational session.
package rag

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SecretKey is the dotenv entry holding the engine's API key.
const SecretKey = "OPENAI_API_KEY"

// PlaceholderSecret is reported when no secret file exists. It is never a
// usable key.
const PlaceholderSecret = "0p3n-w3bu!"

// Answer is one engine reply.
type Answer struct {
	Text  string  `json:"answer"`
	Raw   string  `json:"raw_answer,omitempty"`
	Score float64 `json:"score,omitempty"`
}

// Engine answers queries. Close releases any resources it holds.
type Engine interface {
	Answer(ctx context.Context, query string) (Answer, error)
	Close() error
}

// QueryAnalyserConfig configures the engine's query analyser stage.
type QueryAnalyserConfig struct {
	LLMName     string `yaml:"llm_name"`
	IsQuantized bool   `yaml:"is_quantized"`
}

// RetrievalConfig configures document retrieval.
type RetrievalConfig struct {
	TopK                   int     `yaml:"topk"`
	RetrieveScoreThreshold float64 `yaml:"retrieve_score_threshold"`
	VectorDBPath           string  `yaml:"vector_db_path"`
}

// EngineConfig is the subset of the engine YAML the relay understands.
// Unknown keys are left to the engine.
type EngineConfig struct {
	LLMName       string              `yaml:"llm_name"`
	IsQuantized   bool                `yaml:"is_quantized"`
	Seed          int                 `yaml:"seed"`
	SystemPrompt  string              `yaml:"system_prompt"`
	QueryAnalyser QueryAnalyserConfig `yaml:"query_analyser"`
	RAG           RetrievalConfig     `yaml:"rag"`

	// Path is the file the config was read from.
	Path string `yaml:"-"`
	// Secret is the API key observed alongside the config.
	Secret string `yaml:"-"`
}

// LoadEngineConfig reads the engine YAML at path.
func LoadEngineConfig(path string) (EngineConfig, error) {
	var cfg EngineConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read engine config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse engine config %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// NeedsSecret reports whether any configured model is a GPT-family model
// and therefore requires an API key.
func (c EngineConfig) NeedsSecret() bool {
	return isGPT(c.LLMName) || isGPT(c.QueryAnalyser.LLMName)
}

func isGPT(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "gpt")
}

// UsableSecret reports whether secret can authenticate an engine.
func UsableSecret(secret string) bool {
	s := strings.TrimSpace(secret)
	return s != "" && s != PlaceholderSecret
}

// Factory constructs an engine from a loaded config.
type Factory func(ctx context.Context, cfg EngineConfig) (Engine, error)
