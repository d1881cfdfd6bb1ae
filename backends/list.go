package backends

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// OwnerTag is the owned_by value the relay reports for every model.
const OwnerTag = "openai"

// ErrBackendUnavailable marks a backend that could not be reached.
var ErrBackendUnavailable = errors.New("backend unavailable")

// RawModel is one model object as returned by an upstream /models call.
// Unknown fields are preserved.
type RawModel map[string]any

// ID returns the model id, or "" if absent or not a string.
func (m RawModel) ID() string {
	id, _ := m["id"].(string)
	return id
}

// ListResponse is a decoded /models reply. Both a bare JSON array and the
// {"data": [...]} envelope are accepted. An envelope carrying an "error"
// key sets Errored and contributes no models.
type ListResponse struct {
	Data    []RawModel
	Errored bool
	Raw     json.RawMessage
}

// ParseList decodes a /models reply body.
func ParseList(body []byte) (*ListResponse, error) {
	trimmed := bytes.TrimSpace(body)
	resp := &ListResponse{Raw: json.RawMessage(trimmed)}
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty model list body")
	}

	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &resp.Data); err != nil {
			return nil, fmt.Errorf("failed to parse model list: %w", err)
		}
		return resp, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse model list: %w", err)
	}
	if _, ok := envelope["error"]; ok {
		resp.Errored = true
		return resp, nil
	}
	if data, ok := envelope["data"]; ok && string(data) != "null" {
		if err := json.Unmarshal(data, &resp.Data); err != nil {
			return nil, fmt.Errorf("failed to parse model list data: %w", err)
		}
	}
	return resp, nil
}

// Synthesize builds the local list for a backend configured with explicit
// model ids.
func Synthesize(d Descriptor) *ListResponse {
	data := make([]RawModel, len(d.ModelIDs))
	for i, id := range d.ModelIDs {
		data[i] = RawModel{
			"id":       id,
			"name":     id,
			"owned_by": OwnerTag,
			"openai":   map[string]any{"id": id},
			"urlIdx":   d.Index,
		}
	}
	return &ListResponse{Data: data}
}

// StatusError is returned when a backend answers a listing call with a
// non-2xx status.
type StatusError struct {
	Status int
	// External is the upstream "error" value rendered as text, if any.
	External string
}

func (e *StatusError) Error() string {
	if e.External != "" {
		return "External Error: " + e.External
	}
	return fmt.Sprintf("HTTP Error: %d", e.Status)
}

func newStatusError(status int, body []byte) *StatusError {
	e := &StatusError{Status: status}
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && len(envelope.Error) > 0 {
		e.External = ErrorText(envelope.Error)
	}
	return e
}

// ErrorText renders an upstream "error" value: the message field of an
// object, the string itself, or the raw JSON otherwise.
func ErrorText(raw json.RawMessage) string {
	var obj struct {
		Message *string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != nil {
		return *obj.Message
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func isSuccess(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}
