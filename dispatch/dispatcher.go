package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ferro-labs/openai-relay/access"
	"github.com/ferro-labs/openai-relay/backends"
	"github.com/ferro-labs/openai-relay/catalog"
	"github.com/ferro-labs/openai-relay/identity"
	"github.com/ferro-labs/openai-relay/internal/circuitbreaker"
	"github.com/ferro-labs/openai-relay/internal/logging"
	"github.com/ferro-labs/openai-relay/internal/metrics"
	"github.com/ferro-labs/openai-relay/internal/requestlog"
	"github.com/ferro-labs/openai-relay/internal/version"
	"github.com/ferro-labs/openai-relay/modelstore"
)

// DefaultChatTimeout bounds one chat completion call, streams included.
const DefaultChatTimeout = 300 * time.Second

const maxBufferedBody = 64 << 20

// CatalogSource returns the current aggregated catalog.
// *catalog.Aggregator satisfies it.
type CatalogSource interface {
	Catalog(ctx context.Context, caller *identity.Caller) *catalog.Catalog
}

// Options configures a Dispatcher.
type Options struct {
	Client          *http.Client
	Timeout         time.Duration
	// ForwardIdentity reports, per call, whether the caller identity
	// headers are sent upstream. Nil means never.
	ForwardIdentity func() bool
	Now             func() time.Time
	// Breakers rejects calls to backends whose circuit is open. Nil
	// disables circuit breaking.
	Breakers *circuitbreaker.Set
	// RequestLog receives one entry per upstream call. Nil discards them.
	RequestLog requestlog.Writer
}

// Dispatcher forwards chat completions to the backend owning the model.
type Dispatcher struct {
	registry        *backends.Registry
	catalogs        CatalogSource
	store           modelstore.Store
	filter          *access.Filter
	client          *http.Client
	timeout         time.Duration
	forwardIdentity func() bool
	now             func() time.Time
	breakers        *circuitbreaker.Set
	requestLog      requestlog.Writer
}

// New creates a Dispatcher.
func New(registry *backends.Registry, catalogs CatalogSource, store modelstore.Store, filter *access.Filter, opts Options) *Dispatcher {
	d := &Dispatcher{
		registry:        registry,
		catalogs:        catalogs,
		store:           store,
		filter:          filter,
		client:          opts.Client,
		timeout:         opts.Timeout,
		forwardIdentity: opts.ForwardIdentity,
		now:             opts.Now,
		breakers:        opts.Breakers,
		requestLog:      opts.RequestLog,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.forwardIdentity == nil {
		d.forwardIdentity = func() bool { return false }
	}
	if d.timeout <= 0 {
		d.timeout = DefaultChatTimeout
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.requestLog == nil {
		d.requestLog = requestlog.NoopWriter{}
	}
	return d
}

// Result is a dispatched response. Exactly one of Stream and Body is set.
type Result struct {
	Status  int
	Header  http.Header
	Backend int
	// Stream is the live event stream. The caller must Close it; closing is
	// idempotent and also happens when the stream reaches EOF.
	Stream io.ReadCloser
	// Body is the buffered response and JSON reports whether it parsed.
	Body []byte
	JSON bool
}

// IsStream reports whether r carries a live event stream.
func (r *Result) IsStream() bool { return r.Stream != nil }

// Dispatch resolves req.Model, applies overrides and quirks, and forwards
// req to its backend. bypassFilter skips the access check.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request, caller *identity.Caller, bypassFilter bool) (*Result, error) {
	mode := modeLabel(req.Stream)
	modelID := req.Model

	m, err := d.store.Get(ctx, modelID)
	if err != nil && !errors.Is(err, modelstore.ErrNotFound) {
		return nil, fmt.Errorf("lookup model %q: %w", modelID, err)
	}

	exempt := bypassFilter || d.filter.Exempt(caller)
	if m != nil {
		if !exempt && !d.filter.CanRead(caller, m) {
			metrics.DispatchRequests.WithLabelValues("none", mode, "forbidden").Inc()
			return nil, ErrForbidden
		}
		if m.BaseModelID != "" {
			req.Model = m.BaseModelID
			modelID = m.BaseModelID
		}
		ApplyParams(req, m.Params)
		ApplySystemPrompt(req, m.Params, caller, d.now())
	} else if !exempt {
		metrics.DispatchRequests.WithLabelValues("none", mode, "forbidden").Inc()
		return nil, ErrForbidden
	}

	rec, ok := d.catalogs.Catalog(ctx, caller).Lookup(modelID)
	if !ok {
		metrics.DispatchRequests.WithLabelValues("none", mode, "not_found").Inc()
		return nil, ErrModelNotFound
	}
	desc, ok := d.registry.Get(rec.BackendIndex)
	if !ok {
		metrics.DispatchRequests.WithLabelValues("none", mode, "not_found").Inc()
		return nil, ErrModelNotFound
	}

	req.Model = desc.StripPrefix(req.Model)
	if rec.Pipeline {
		InjectCaller(req, caller)
	}
	ApplyModelQuirks(req, desc.BaseURL)

	if !d.breakers.Allow(desc.BaseURL) {
		metrics.DispatchRequests.WithLabelValues(strconv.Itoa(desc.Index), mode, "circuit_open").Inc()
		logging.FromContext(ctx).Warn("backend circuit open", "model", req.Model, "backend", desc.Index)
		err := &UpstreamError{Status: http.StatusServiceUnavailable, Detail: ConnectionErrorDetail}
		d.logRequest(ctx, desc, req, caller, nil, err, 0)
		return nil, err
	}

	start := time.Now()
	res, err := d.send(ctx, desc, req, caller)
	d.breakers.Record(desc.BaseURL, healthy(res, err))
	d.logRequest(ctx, desc, req, caller, res, err, time.Since(start))
	return res, err
}

// healthy reports whether an upstream outcome counts as a success for the
// backend's circuit. Client errors do not trip it.
func healthy(res *Result, err error) bool {
	var ue *UpstreamError
	switch {
	case errors.As(err, &ue):
		return ue.Status != 0 && ue.Status < http.StatusInternalServerError
	case err != nil:
		return true
	case res != nil:
		return res.Status < http.StatusInternalServerError
	}
	return true
}

func (d *Dispatcher) logRequest(ctx context.Context, desc backends.Descriptor, req *Request, caller *identity.Caller, res *Result, err error, latency time.Duration) {
	entry := requestlog.Entry{
		TraceID:   logging.TraceIDFromContext(ctx),
		Model:     req.Model,
		Backend:   desc.Index,
		Stream:    req.Stream,
		LatencyMS: latency.Milliseconds(),
		CreatedAt: d.now().UTC(),
	}
	if caller != nil {
		entry.CallerID = caller.ID
	}
	var ue *UpstreamError
	switch {
	case errors.As(err, &ue):
		entry.Status = ue.StatusCode()
		entry.Error = ue.Detail
	case err != nil:
		entry.Status = http.StatusInternalServerError
		entry.Error = err.Error()
	case res != nil:
		entry.Status = res.Status
	}
	if werr := d.requestLog.Write(context.WithoutCancel(ctx), entry); werr != nil {
		logging.FromContext(ctx).Warn("request log write failed", "error", werr)
	}
}

func (d *Dispatcher) send(ctx context.Context, desc backends.Descriptor, req *Request, caller *identity.Caller) (*Result, error) {
	log := logging.FromContext(ctx)
	backend := strconv.Itoa(desc.Index)
	mode := modeLabel(req.Stream)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	url := strings.TrimRight(desc.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+desc.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	for k, v := range vendorHeaders(desc.BaseURL) {
		httpReq.Header.Set(k, v)
	}
	if d.forwardIdentity() {
		caller.SetHeaders(httpReq.Header)
	}

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		cancel()
		metrics.UpstreamErrors.WithLabelValues(backend, "0").Inc()
		metrics.DispatchRequests.WithLabelValues(backend, mode, "error").Inc()
		log.Error("chat completion failed",
			"model", req.Model,
			"backend", desc.Index,
			"error", err,
		)
		return nil, &UpstreamError{Detail: ConnectionErrorDetail}
	}
	metrics.DispatchDuration.WithLabelValues(backend, mode).Observe(time.Since(start).Seconds())

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		metrics.DispatchRequests.WithLabelValues(backend, "stream", outcomeLabel(resp.StatusCode)).Inc()
		log.Info("chat completion streaming",
			"model", req.Model,
			"backend", desc.Index,
			"status", resp.StatusCode,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		stream := newStreamBody(resp.Body, cancel, func() {
			log.Debug("chat completion stream closed", "model", req.Model, "backend", desc.Index)
		})
		return &Result{
			Status:  resp.StatusCode,
			Header:  resp.Header.Clone(),
			Backend: desc.Index,
			Stream:  stream,
		}, nil
	}

	defer cancel()
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(backend, strconv.Itoa(resp.StatusCode)).Inc()
		metrics.DispatchRequests.WithLabelValues(backend, mode, "error").Inc()
		return nil, &UpstreamError{Status: resp.StatusCode, Detail: ConnectionErrorDetail}
	}

	latency := time.Since(start).Milliseconds()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail := ErrorDetail(raw)
		metrics.UpstreamErrors.WithLabelValues(backend, strconv.Itoa(resp.StatusCode)).Inc()
		metrics.DispatchRequests.WithLabelValues(backend, "buffered", "error").Inc()
		log.Error("chat completion rejected upstream",
			"model", req.Model,
			"backend", desc.Index,
			"status", resp.StatusCode,
			"latency_ms", latency,
			"detail", detail,
		)
		return nil, &UpstreamError{Status: resp.StatusCode, Detail: detail}
	}

	metrics.DispatchRequests.WithLabelValues(backend, "buffered", "success").Inc()
	log.Info("chat completion",
		"model", req.Model,
		"backend", desc.Index,
		"status", resp.StatusCode,
		"latency_ms", latency,
	)
	return &Result{
		Status:  resp.StatusCode,
		Header:  resp.Header.Clone(),
		Backend: desc.Index,
		Body:    raw,
		JSON:    json.Valid(raw),
	}, nil
}

func modeLabel(stream bool) string {
	if stream {
		return "stream"
	}
	return "buffered"
}

func outcomeLabel(status int) string {
	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		return "success"
	}
	return "error"
}
