package rag

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// UpdateForm is an admin edit of the engine configuration. Path fields are
// applied only when the path exists on disk.
type UpdateForm struct {
	LLMName       string `json:"llm_name"`
	IsQuantized   bool   `json:"is_quantized"`
	Seed          int    `json:"seed"`
	DocDirectory  string `json:"doc_directory"`
	DocumentPath  string `json:"document_path"`
	Service       int    `json:"service"`
	SameAsAbove   bool   `json:"sameasabove"`
	QueryAnalyser struct {
		LLMName     string `json:"llm_name"`
		IsQuantized bool   `json:"is_quantized"`
	} `json:"query_analyser"`
	RAG struct {
		TopK                   int     `json:"top_k"`
		RetrieveScoreThreshold float64 `json:"retrieve_score_threshold"`
		VectorDBPath           string  `json:"vector_db_path"`
	} `json:"rag"`
	Chess struct {
		StockfishPath string `json:"stockfish_path"`
	} `json:"chess"`
	OpenAI struct {
		APIKey string `json:"api_key"`
	} `json:"openai"`
}

// Editor reads and updates the engine's YAML config and dotenv secret.
type Editor struct {
	ConfigPath        string
	DefaultConfigPath string
	EnvPath           string
}

// Get returns the config document with the masked API key under
// OPENAI_API_KEY. When no secret file exists the placeholder is reported.
func (e *Editor) Get() (map[string]any, error) {
	doc, err := e.read()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(e.EnvPath); errors.Is(err, fs.ErrNotExist) {
		doc[SecretKey] = PlaceholderSecret
		return doc, nil
	}
	secret, err := ReadSecret(e.EnvPath)
	if err != nil {
		return nil, err
	}
	doc[SecretKey] = MaskSecret(secret)
	return doc, nil
}

// Update applies form to the config document and writes the API key to
// the dotenv file. Other dotenv entries are preserved.
func (e *Editor) Update(form UpdateForm) error {
	doc, err := e.read()
	if err != nil {
		return err
	}

	doc["llm_name"] = form.LLMName
	doc["is_quantized"] = form.IsQuantized
	doc["seed"] = form.Seed
	doc["service"] = form.Service
	doc["sameasabove"] = form.SameAsAbove

	qa := section(doc, "query_analyser")
	qa["llm_name"] = form.QueryAnalyser.LLMName
	qa["is_quantized"] = form.QueryAnalyser.IsQuantized

	rag := section(doc, "rag")
	rag["topk"] = form.RAG.TopK
	rag["retrieve_score_threshold"] = form.RAG.RetrieveScoreThreshold

	if pathExists(form.DocDirectory) {
		doc["doc_directory"] = form.DocDirectory
	}
	if pathExists(form.DocumentPath) {
		doc["document_path"] = form.DocumentPath
	}
	if pathExists(form.RAG.VectorDBPath) {
		rag["vector_db_path"] = form.RAG.VectorDBPath
	}
	if pathExists(form.Chess.StockfishPath) {
		section(doc, "chess")["stockfish_path"] = form.Chess.StockfishPath
	}

	if err := e.writeSecret(form.OpenAI.APIKey); err != nil {
		return err
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode engine config: %w", err)
	}
	if err := os.WriteFile(e.ConfigPath, out, 0o644); err != nil {
		return fmt.Errorf("write engine config: %w", err)
	}
	return nil
}

func (e *Editor) read() (map[string]any, error) {
	if err := EnsureConfig(e.ConfigPath, e.DefaultConfigPath); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(e.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("read engine config: %w", err)
	}
	doc := map[string]any{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse engine config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func (e *Editor) writeSecret(key string) error {
	env, err := godotenv.Read(e.EnvPath)
	if errors.Is(err, fs.ErrNotExist) {
		env = map[string]string{}
	} else if err != nil {
		return fmt.Errorf("read secret file: %w", err)
	}
	// A masked or placeholder value echoed back from Get keeps the stored key.
	if current := env[SecretKey]; key == PlaceholderSecret || (current != "" && key == MaskSecret(current)) {
		return nil
	}
	env[SecretKey] = key
	if err := godotenv.Write(env, e.EnvPath); err != nil {
		return fmt.Errorf("write secret file: %w", err)
	}
	return nil
}

// section returns doc[key] as a mapping, creating it when absent or not a
// mapping.
func section(doc map[string]any, key string) map[string]any {
	if m, ok := doc[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	doc[key] = m
	return m
}

func pathExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// MaskSecret hides all but the first three and last four characters of a
// key. Short keys are fully masked.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:3] + "..." + secret[len(secret)-4:]
}
