// Package dispatch resolves a chat completion request to its backend,
// applies per-model overrides and backend quirks, and forwards it.
package dispatch

import (
	"encoding/json"
	"fmt"
)

// Message is one chat message. Fields other than role and content are
// preserved verbatim.
type Message map[string]any

// Role returns the message role.
func (m Message) Role() string {
	r, _ := m["role"].(string)
	return r
}

// SetRole sets the message role.
func (m Message) SetRole(role string) { m["role"] = role }

// Content returns the message content as text when it is a plain string.
func (m Message) Content() (string, bool) {
	s, ok := m["content"].(string)
	return s, ok
}

// Request is one chat completion call. Params holds every top-level field
// except model, messages, stream and metadata.
type Request struct {
	Model    string
	Messages []Message
	Stream   bool
	Params   map[string]any
	// Metadata is relay-side context and is never sent upstream.
	Metadata map[string]any
}

// ParseRequest decodes a chat completion body. Failures wrap
// ErrInvalidRequest.
func ParseRequest(body []byte) (*Request, error) {
	req, err := parseRequest(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return req, nil
}

func parseRequest(body []byte) (*Request, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	req := &Request{Params: make(map[string]any, len(raw))}

	if v, ok := raw["model"]; ok {
		if err := json.Unmarshal(v, &req.Model); err != nil {
			return nil, fmt.Errorf("invalid model: %w", err)
		}
		delete(raw, "model")
	}
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if v, ok := raw["messages"]; ok {
		if err := json.Unmarshal(v, &req.Messages); err != nil {
			return nil, fmt.Errorf("invalid messages: %w", err)
		}
		delete(raw, "messages")
	}
	if v, ok := raw["stream"]; ok {
		if err := json.Unmarshal(v, &req.Stream); err != nil {
			return nil, fmt.Errorf("invalid stream flag: %w", err)
		}
		delete(raw, "stream")
	}
	if v, ok := raw["metadata"]; ok {
		if string(v) != "null" {
			if err := json.Unmarshal(v, &req.Metadata); err != nil {
				return nil, fmt.Errorf("invalid metadata: %w", err)
			}
		}
		delete(raw, "metadata")
	}
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, fmt.Errorf("invalid field %q: %w", k, err)
		}
		req.Params[k] = val
	}
	return req, nil
}

// Payload returns the upstream JSON object.
func (r *Request) Payload() map[string]any {
	out := make(map[string]any, len(r.Params)+3)
	for k, v := range r.Params {
		out[k] = v
	}
	out["model"] = r.Model
	messages := r.Messages
	if messages == nil {
		messages = []Message{}
	}
	out["messages"] = messages
	if r.Stream {
		out["stream"] = true
	}
	return out
}

// MarshalJSON encodes the upstream payload.
func (r *Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Payload())
}

func (r *Request) param(key string) (any, bool) {
	if r.Params == nil {
		return nil, false
	}
	v, ok := r.Params[key]
	return v, ok
}

func (r *Request) setParam(key string, v any) {
	if r.Params == nil {
		r.Params = make(map[string]any)
	}
	r.Params[key] = v
}
