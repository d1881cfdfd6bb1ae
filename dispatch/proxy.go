package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/ferro-labs/openai-relay/backends"
	"github.com/ferro-labs/openai-relay/identity"
	"github.com/ferro-labs/openai-relay/internal/logging"
	"github.com/ferro-labs/openai-relay/internal/metrics"
)

// Proxy returns a handler that forwards any request to the first backend,
// appending the request path to its base URL. It injects the backend key
// and, when forwardIdentity reports true, the caller identity headers. Event
// streams pass through unbuffered.
//
// Deprecated: clients should use the chat completion and model endpoints.
func Proxy(registry *backends.Registry, forwardIdentity func() bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		desc, ok := registry.Get(0)
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "no backends configured", "", "no_backend")
			return
		}
		target, err := url.Parse(strings.TrimRight(desc.BaseURL, "/"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "invalid backend base URL: "+err.Error(), "server_error", "internal_error")
			return
		}
		caller, _ := identity.FromContext(r.Context())
		forward := forwardIdentity != nil && forwardIdentity()

		proxy := &httputil.ReverseProxy{
			Director: func(req *http.Request) {
				req.URL.Scheme = target.Scheme
				req.URL.Host = target.Host
				req.URL.Path = target.Path + "/" + strings.TrimLeft(req.URL.Path, "/")
				req.URL.RawPath = ""
				req.Host = target.Host

				// Inbound identity headers are never trusted.
				for _, h := range []string{identity.HeaderName, identity.HeaderID, identity.HeaderEmail, identity.HeaderRole} {
					req.Header.Del(h)
				}
				req.Header.Set("Authorization", "Bearer "+desc.APIKey)
				req.Header.Set("Content-Type", "application/json")
				if forward {
					caller.SetHeaders(req.Header)
				}
				if req.Header.Get("X-Forwarded-Host") == "" {
					req.Header.Set("X-Forwarded-Host", r.Host)
				}
			},
			ModifyResponse: func(resp *http.Response) error {
				if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
					return nil
				}
				body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
				_ = resp.Body.Close()
				resp.Body = io.NopCloser(bytes.NewReader(body))
				return &UpstreamError{Status: resp.StatusCode, Detail: proxyDetail(resp.StatusCode, body)}
			},
			ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
				var ue *UpstreamError
				if !errors.As(err, &ue) {
					ue = &UpstreamError{Detail: ConnectionErrorDetail}
				}
				metrics.UpstreamErrors.WithLabelValues(strconv.Itoa(desc.Index), strconv.Itoa(ue.Status)).Inc()
				logging.FromContext(req.Context()).Error("proxy request failed",
					"path", r.URL.Path,
					"backend", desc.Index,
					"status", ue.Status,
					"error", err,
				)
				WriteError(w, ue)
			},
		}
		proxy.ServeHTTP(w, r)
	})
}

// proxyDetail renders a failed pass-through reply as "External: <reason>".
func proxyDetail(status int, body []byte) string {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "External: " + strconv.Itoa(status) + " " + http.StatusText(status)
	}
	if raw, ok := envelope["error"]; ok && string(raw) != "null" {
		return "External: " + backends.ErrorText(raw)
	}
	return ConnectionErrorDetail
}
