package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ferro-labs/openai-relay/backends"
)

var (
	// ErrModelNotFound is returned when the model is absent from the catalog.
	ErrModelNotFound = errors.New("model not found")
	// ErrForbidden is returned when the caller may not use the model.
	ErrForbidden = errors.New("model access forbidden")
	// ErrInvalidRequest wraps every request body decoding failure.
	ErrInvalidRequest = errors.New("invalid request")
)

// ConnectionErrorDetail is reported when no upstream detail is available.
const ConnectionErrorDetail = "Server Connection Error"

// UpstreamError is a failed or unreachable upstream call.
type UpstreamError struct {
	// Status is the upstream HTTP status, or 0 when none was received.
	Status int
	Detail string
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return "upstream error: " + e.Detail
	}
	return fmt.Sprintf("upstream error (%d): %s", e.Status, e.Detail)
}

// StatusCode is the status to report to the client.
func (e *UpstreamError) StatusCode() int {
	if e.Status == 0 {
		return http.StatusInternalServerError
	}
	return e.Status
}

// ErrorDetail extracts the client-facing detail from an upstream body: the
// error.message field, else the error value, else the raw text, else the
// generic connectivity message.
func ErrorDetail(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	var envelope map[string]json.RawMessage
	if json.Unmarshal(body, &envelope) == nil {
		if raw, ok := envelope["error"]; ok && string(raw) != "null" {
			return backends.ErrorText(raw)
		}
		return ConnectionErrorDetail
	}
	if trimmed != "" {
		return trimmed
	}
	return ConnectionErrorDetail
}

// WriteError writes err as an OpenAI-style error body. Forbidden models are
// reported with the same message as missing ones.
func WriteError(w http.ResponseWriter, err error) {
	var ue *UpstreamError
	switch {
	case errors.Is(err, ErrModelNotFound):
		writeError(w, http.StatusNotFound, "Model not found", "", "model_not_found")
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "Model not found", "", "model_not_found")
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error(), "", "")
	case errors.As(err, &ue):
		writeError(w, ue.StatusCode(), ue.Detail, "", "upstream_error")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "", "internal_error")
	}
}

func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	if errType == "" {
		errType = defaultErrType(status)
	}
	if code == "" {
		code = errType
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}

func defaultErrType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}
