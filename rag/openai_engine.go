package rag

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultSystemPrompt = "Answer the user's question concisely using the retrieved context when it is relevant."

// OpenAIEngine answers queries with a chat completion against an
// OpenAI-compatible API, using llm_name as the model.
type OpenAIEngine struct {
	client openai.Client
	model  string
	system string
	seed   int
}

// NewOpenAIEngine creates an OpenAIEngine from cfg. baseURL overrides the
// API endpoint; pass "" for the default.
func NewOpenAIEngine(cfg EngineConfig, baseURL string) (*OpenAIEngine, error) {
	if cfg.LLMName == "" {
		return nil, fmt.Errorf("llm_name is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.Secret),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	return &OpenAIEngine{
		client: openai.NewClient(opts...),
		model:  cfg.LLMName,
		system: system,
		seed:   cfg.Seed,
	}, nil
}

// Answer sends query as a single-turn conversation.
func (e *OpenAIEngine) Answer(ctx context.Context, query string) (Answer, error) {
	params := openai.ChatCompletionNewParams{
		Model: e.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(e.system),
			openai.UserMessage(query),
		},
	}
	if e.seed != 0 {
		params.Seed = openai.Int(int64(e.seed))
	}

	completion, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Answer{}, err
	}
	if len(completion.Choices) == 0 {
		return Answer{}, nil
	}
	text := completion.Choices[0].Message.Content
	return Answer{Text: text, Raw: completion.RawJSON()}, nil
}

// Close is a no-op; the client holds no resources.
func (e *OpenAIEngine) Close() error { return nil }
