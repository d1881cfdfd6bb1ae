package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ferro-labs/openai-relay/internal/version"
)

// HTTPEngine answers queries through an external RAG service that accepts
// POST {"query": ...} and replies {"answer", "raw_answer", "score"}.
type HTTPEngine struct {
	client *http.Client
	url    string
	secret string
	llm    string
}

// NewHTTPEngine creates an HTTPEngine posting to url.
func NewHTTPEngine(client *http.Client, url string, cfg EngineConfig) (*HTTPEngine, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("engine url is required")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPEngine{client: client, url: url, secret: cfg.Secret, llm: cfg.LLMName}, nil
}

// Answer posts query to the engine service.
func (e *HTTPEngine) Answer(ctx context.Context, query string) (Answer, error) {
	body, err := json.Marshal(map[string]string{"query": query, "llm_name": e.llm})
	if err != nil {
		return Answer{}, fmt.Errorf("encode engine request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return Answer{}, fmt.Errorf("create engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if UsableSecret(e.secret) {
		req.Header.Set("Authorization", "Bearer "+e.secret)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Answer{}, fmt.Errorf("engine request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Answer{}, fmt.Errorf("read engine response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Answer{}, fmt.Errorf("engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var ans Answer
	if err := json.Unmarshal(data, &ans); err != nil {
		return Answer{}, fmt.Errorf("parse engine response: %w", err)
	}
	return ans, nil
}

// Close releases idle connections.
func (e *HTTPEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

// FactoryOptions selects and configures the engine built by NewFactory.
type FactoryOptions struct {
	// EngineURL selects HTTPEngine when set.
	EngineURL string
	// OpenAIBaseURL overrides the endpoint used by OpenAIEngine.
	OpenAIBaseURL string
	Client        *http.Client
}

// NewFactory returns a Factory building an HTTPEngine when an engine URL is
// configured and an OpenAIEngine otherwise.
func NewFactory(opts FactoryOptions) Factory {
	return func(_ context.Context, cfg EngineConfig) (Engine, error) {
		if opts.EngineURL != "" {
			return NewHTTPEngine(opts.Client, opts.EngineURL, cfg)
		}
		return NewOpenAIEngine(cfg, opts.OpenAIBaseURL)
	}
}
