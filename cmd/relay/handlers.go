package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	relay "github.com/ferro-labs/openai-relay"
	"github.com/ferro-labs/openai-relay/backends"
	"github.com/ferro-labs/openai-relay/dispatch"
	"github.com/ferro-labs/openai-relay/identity"
	"github.com/ferro-labs/openai-relay/internal/logging"
	"github.com/ferro-labs/openai-relay/rag"
)

const maxRequestBody = 32 << 20

type handlers struct {
	relay *relay.Relay
	now   func() time.Time
}

func caller(r *http.Request) *identity.Caller {
	c, _ := identity.FromContext(r.Context())
	return c
}

func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.relay.Models(r.Context(), caller(r)))
}

func (h *handlers) listBackendModels(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "idx"))
	if err != nil || idx < 0 {
		writeOpenAIError(w, http.StatusNotFound, "backend not found", "not_found_error")
		return
	}
	list, err := h.relay.BackendModels(r.Context(), idx, caller(r))
	if err != nil {
		writeListError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type verifyForm struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

func (h *handlers) verify(w http.ResponseWriter, r *http.Request) {
	var form verifyForm
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&form); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error")
		return
	}
	if form.URL == "" {
		writeOpenAIError(w, http.StatusBadRequest, "url is required", "invalid_request_error")
		return
	}
	resp, err := h.relay.Verify(r.Context(), form.URL, form.Key, caller(r))
	if err != nil {
		writeListError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Raw)
}

// writeListError maps listing failures to 500 with the upstream detail, and
// an unknown backend index to 404.
func writeListError(w http.ResponseWriter, r *http.Request, err error) {
	var se *backends.StatusError
	switch {
	case errors.Is(err, relay.ErrBackendNotFound):
		writeOpenAIError(w, http.StatusNotFound, "backend not found", "not_found_error")
	case errors.As(err, &se):
		writeOpenAIError(w, http.StatusInternalServerError, se.Error(), "server_error")
	case errors.Is(err, backends.ErrBackendUnavailable):
		logging.FromContext(r.Context()).Error("backend listing failed", "error", err)
		writeOpenAIError(w, http.StatusInternalServerError, dispatch.ConnectionErrorDetail, "server_error")
	default:
		writeOpenAIError(w, http.StatusInternalServerError, "Unexpected error: "+err.Error(), "server_error")
	}
}

func (h *handlers) chatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
		return
	}
	res, err := h.relay.Chat(r.Context(), body, caller(r))
	if err != nil {
		dispatch.WriteError(w, err)
		return
	}
	writeResult(w, res)
}

// writeResult relays a dispatched response. Streams are copied chunk by
// chunk with a flush after each write and closed when the copy ends, which
// also covers a client that disconnects mid-stream.
func writeResult(w http.ResponseWriter, res *dispatch.Result) {
	if res.IsStream() {
		defer func() { _ = res.Stream.Close() }()
		w.Header().Set("Content-Type", res.Header.Get("Content-Type"))
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(res.Status)
		flusher, _ := w.(http.Flusher)
		buf := make([]byte, 32<<10)
		for {
			n, err := res.Stream.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if err != nil {
				return
			}
		}
	}

	contentType := res.Header.Get("Content-Type")
	if res.JSON {
		contentType = "application/json"
	} else if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

type ragRequest struct {
	Model    string             `json:"model"`
	Messages []dispatch.Message `json:"messages"`
	Stream   bool               `json:"stream"`
}

// lastUserMessage returns the text of the final user message.
func lastUserMessage(msgs []dispatch.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role() != "user" {
			continue
		}
		if s, ok := msgs[i].Content(); ok {
			return s
		}
	}
	return ""
}

func (h *handlers) ragChat(w http.ResponseWriter, r *http.Request) {
	var req ragRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error")
		return
	}
	query := strings.TrimSpace(lastUserMessage(req.Messages))
	if query == "" {
		writeOpenAIError(w, http.StatusBadRequest, "a user message is required", "invalid_request_error")
		return
	}

	answer, err := h.relay.Ask(r.Context(), caller(r), query)
	switch {
	case errors.Is(err, relay.ErrRAGDisabled):
		writeOpenAIError(w, http.StatusNotFound, err.Error(), "not_found_error")
		return
	case err != nil:
		writeOpenAIError(w, http.StatusInternalServerError, err.Error(), "server_error")
		return
	}

	model := req.Model
	if model == "" {
		model = "rag"
	}
	id := "rag-" + logging.TraceIDFromContext(r.Context())
	created := h.now().Unix()
	if req.Stream {
		writeAnswerSSE(w, id, model, created, answer)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": answer},
			"finish_reason": "stop",
		}},
	})
}

// writeAnswerSSE emits answer as a single chunk followed by the stop chunk
// and the [DONE] marker.
func writeAnswerSSE(w http.ResponseWriter, id, model string, created int64, answer string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	chunk := func(delta map[string]string, finish any) {
		data, _ := json.Marshal(map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
		})
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	chunk(map[string]string{"role": "assistant", "content": answer}, nil)
	chunk(map[string]string{}, "stop")
	_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func (h *handlers) ragConfig(w http.ResponseWriter, _ *http.Request) {
	if h.relay.RAGEditor == nil {
		writeOpenAIError(w, http.StatusNotFound, relay.ErrRAGDisabled.Error(), "not_found_error")
		return
	}
	doc, err := h.relay.RAGEditor.Get()
	if err != nil {
		writeOpenAIError(w, http.StatusInternalServerError, err.Error(), "server_error")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *handlers) ragConfigUpdate(w http.ResponseWriter, r *http.Request) {
	if h.relay.RAGEditor == nil {
		writeOpenAIError(w, http.StatusNotFound, relay.ErrRAGDisabled.Error(), "not_found_error")
		return
	}
	var form rag.UpdateForm
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&form); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error")
		return
	}
	if err := h.relay.RAGEditor.Update(form); err != nil {
		logging.FromContext(r.Context()).Error("rag config update failed", "error", err)
		writeOpenAIError(w, http.StatusInternalServerError, err.Error(), "server_error")
		return
	}
	logging.FromContext(r.Context()).Info("rag config updated", "llm", form.LLMName)
	writeJSON(w, http.StatusOK, map[string]any{})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOpenAIError writes an OpenAI-compatible JSON error response.
func writeOpenAIError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
		},
	})
}
