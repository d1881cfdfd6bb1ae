package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ferro-labs/openai-relay/identity"
	"github.com/ferro-labs/openai-relay/internal/circuitbreaker"
	"github.com/ferro-labs/openai-relay/internal/logging"
	"github.com/ferro-labs/openai-relay/internal/metrics"
	"github.com/ferro-labs/openai-relay/internal/version"
)

// DefaultListTimeout bounds a single backend listing call.
const DefaultListTimeout = 10 * time.Second

const maxListBody = 32 << 20

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	// Client is the HTTP client used for listing calls. Defaults to a fresh
	// client without its own timeout; the per-call Timeout applies instead.
	Client *http.Client
	// Timeout bounds each backend call. Zero means DefaultListTimeout.
	Timeout time.Duration
	// ForwardIdentity reports whether listing calls carry the caller
	// identity headers. It is consulted per call; nil means never.
	ForwardIdentity func() bool
	// Breakers skips backends whose circuit is open during FetchAll. It is
	// keyed by base URL and may be shared with the dispatcher.
	Breakers *circuitbreaker.Set
}

// Fetcher lists models from backends.
type Fetcher struct {
	client          *http.Client
	timeout         time.Duration
	forwardIdentity func() bool
	breakers        *circuitbreaker.Set
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts FetcherOptions) *Fetcher {
	f := &Fetcher{
		client:          opts.Client,
		timeout:         opts.Timeout,
		forwardIdentity: opts.ForwardIdentity,
		breakers:        opts.Breakers,
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.forwardIdentity == nil {
		f.forwardIdentity = func() bool { return false }
	}
	if f.timeout <= 0 {
		f.timeout = DefaultListTimeout
	}
	return f
}

// Timeout returns the per-backend listing timeout.
func (f *Fetcher) Timeout() time.Duration { return f.timeout }

// FetchAll lists every backend concurrently and returns one slot per
// descriptor, in descriptor order. A slot is nil when the backend is
// disabled, its circuit is open, it is unreachable or times out, it answers
// non-2xx, or its body cannot be parsed. Backends configured with explicit
// model ids are answered locally. FetchAll never fails as a whole.
func (f *Fetcher) FetchAll(ctx context.Context, descs []Descriptor, caller *identity.Caller) []*ListResponse {
	results := make([]*ListResponse, len(descs))
	log := logging.FromContext(ctx)

	var g errgroup.Group
	for i, d := range descs {
		label := strconv.Itoa(d.Index)
		switch {
		case !d.Enabled:
			metrics.ModelListRequests.WithLabelValues(label, "disabled").Inc()
			continue
		case len(d.ModelIDs) > 0:
			metrics.ModelListRequests.WithLabelValues(label, "synthesized").Inc()
			results[i] = Synthesize(d)
			continue
		case !f.breakers.Allow(d.BaseURL):
			metrics.ModelListRequests.WithLabelValues(label, "circuit_open").Inc()
			continue
		}

		i, d := i, d
		g.Go(func() error {
			resp, err := f.List(ctx, d.BaseURL, d.APIKey, caller)
			f.breakers.Record(d.BaseURL, listHealthy(err))
			if err != nil {
				metrics.ModelListRequests.WithLabelValues(label, "error").Inc()
				log.Warn("backend model listing failed",
					"backend", d.Index,
					"url", d.BaseURL,
					"error", err,
				)
				return nil
			}
			metrics.ModelListRequests.WithLabelValues(label, "ok").Inc()
			results[i] = resp
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// listHealthy reports whether a listing outcome counts as a success for the
// backend's circuit.
func listHealthy(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status < http.StatusInternalServerError
	}
	return err == nil
}

// List performs GET {baseURL}/models bounded by the fetcher timeout.
// Transport failures wrap ErrBackendUnavailable; non-2xx replies return a
// *StatusError.
func (f *Fetcher) List(ctx context.Context, baseURL, apiKey string, caller *identity.Caller) (*ListResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create model list request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if f.forwardIdentity() {
		caller.SetHeaders(req.Header)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListBody))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read model list: %v", ErrBackendUnavailable, err)
	}
	if !isSuccess(resp.StatusCode) {
		return nil, newStatusError(resp.StatusCode, body)
	}
	return ParseList(body)
}
