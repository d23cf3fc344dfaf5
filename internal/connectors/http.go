// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	oapiruntime "github.com/oapi-codegen/runtime"
	"github.com/peftkit/orchestrator/pkg/auth"
	pkgcontext "github.com/peftkit/orchestrator/pkg/context"
	"github.com/peftkit/orchestrator/pkg/errors"
	"github.com/peftkit/orchestrator/pkg/logging"
	"github.com/peftkit/orchestrator/pkg/metrics"
	"github.com/peftkit/orchestrator/pkg/middleware"
	"github.com/peftkit/orchestrator/pkg/performance"
	"github.com/peftkit/orchestrator/pkg/pool"
	"github.com/peftkit/orchestrator/pkg/retry"
)

// restClient is the shared HTTP plumbing for the provider REST
// connectors: one pooled client per base URL, bearer-token auth, retry
// with exponential backoff, request/response logging and metrics via a
// RoundTripper chain, and a short-TTL response cache for the read-mostly
// pricing/resource-listing endpoints multi-run dashboards poll heavily.
type restClient struct {
	baseURL  string
	authp    auth.Provider
	pool     *pool.HTTPClientPool
	policy   retry.Policy
	logger   logging.Logger
	metrics  metrics.Collector
	cache    *performance.ResponseCache
	timeouts *pkgcontext.TimeoutConfig
}

func newRESTClient(baseURL, token string, logger logging.Logger) *restClient {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	collector := metrics.NewInMemoryCollector()
	clientPool := pool.NewHTTPClientPool(pool.DefaultPoolConfig(), logger)

	// Wrap the pooled transport once so every request the pool hands out
	// for this base URL carries structured logging and RPC metrics
	// without each connector having to know about either.
	client := clientPool.GetClient(baseURL)
	client.Transport = middleware.Chain(
		middleware.WithLogging(logger),
		middleware.WithMetrics(collector),
	)(client.Transport)

	return &restClient{
		baseURL:  baseURL,
		authp:    auth.NewTokenAuth(token),
		pool:     clientPool,
		policy:   retry.NewHTTPExponentialBackoff(),
		logger:   logger,
		metrics:  collector,
		cache:    performance.NewResponseCache(performance.DefaultCacheConfig()),
		timeouts: pkgcontext.DefaultTimeoutConfig(),
	}
}

// cacheOperation maps a request path to the performance cache's named
// TTL bucket, or "" if the response must never be memoized (job
// submission, cancellation, and anything else that mutates provider
// state).
func cacheOperation(method, path string) string {
	if method != http.MethodGet {
		return ""
	}
	switch {
	case strings.Contains(path, "pricing"):
		return "pricing.get"
	case strings.Contains(path, "status"):
		return "job.status"
	case strings.Contains(path, "instance-types"), strings.Contains(path, "gpus"), strings.Contains(path, "bundles"):
		return "resources.list"
	default:
		return ""
	}
}

// queryParam encodes a single query parameter using the OpenAPI "form"
// style with explode, the convention generated clients for these
// providers' APIs use for filter parameters.
func queryParam(name string, value any) (string, error) {
	return oapiruntime.StyleParamWithLocation("form", true, name, oapiruntime.ParamLocationQuery, value)
}

// doJSON performs method against path (optionally with query, a
// pre-encoded "k=v" pair from queryParam), retrying per policy, and
// decodes the JSON response body into out (if non-nil).
func (c *restClient) doJSON(ctx context.Context, method, path string, query []string, body any, out any) error {
	opType := pkgcontext.OpWrite
	timeout := c.timeouts.Write
	if method == http.MethodGet {
		opType = pkgcontext.OpRead
		timeout = c.timeouts.Read
	}
	ctx, cancel := pkgcontext.WithTimeout(ctx, opType, c.timeouts)
	defer cancel()

	cacheParams := map[string]interface{}{"path": path, "query": query}
	if op := cacheOperation(method, path); op != "" {
		if cached, ok := c.cache.Get(op, cacheParams); ok {
			c.metrics.RecordCacheHit(op)
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(cached, out); err != nil {
				return errors.Wrap(errors.KindConnectorPermanent, "decode cached provider response", err)
			}
			return nil
		}
		c.metrics.RecordCacheMiss(op)
	}

	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return errors.Wrap(errors.KindConnectorPermanent, "build request URL", err)
	}
	for _, kv := range query {
		u.RawQuery = joinQuery(u.RawQuery, kv)
	}

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(errors.KindConnectorPermanent, "encode request body", err)
		}
		payload = bytes.NewReader(raw)
	}

	client := c.pool.GetClient(c.baseURL)

	var lastErr error
	for attempt := 0; attempt <= c.policy.MaxRetries(); attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, u.String(), payload)
		if err != nil {
			return errors.Wrap(errors.KindConnectorPermanent, "build request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if err := c.authp.Authenticate(ctx, req); err != nil {
			return errors.Wrap(errors.KindConnectorPermanent, "authenticate request", err)
		}

		c.metrics.RecordRequest(method, path)
		start := time.Now()
		resp, err := client.Do(req)
		if !c.policy.ShouldRetry(ctx, resp, err, attempt) {
			if err != nil {
				c.metrics.RecordError(method, path, err)
				return errors.Wrap(errors.KindConnectorTransient, fmt.Sprintf("%s %s failed", method, path), err)
			}
			c.metrics.RecordResponse(method, path, resp.StatusCode, time.Since(start))
			raw, derr := decodeAndCache(resp, out)
			if derr == nil {
				if op := cacheOperation(method, path); op != "" {
					c.cache.Set(op, cacheParams, raw)
				}
			}
			return derr
		}

		if resp != nil {
			c.metrics.RecordResponse(method, path, resp.StatusCode, time.Since(start))
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		} else {
			c.metrics.RecordError(method, path, err)
		}
		lastErr = err

		select {
		case <-time.After(c.policy.WaitTime(attempt)):
		case <-ctx.Done():
			return errors.Wrap(errors.KindTimeout, "request canceled", pkgcontext.WrapContextError(ctx.Err(), fmt.Sprintf("%s %s", method, path), timeout))
		}
	}

	return errors.Wrap(errors.KindConnectorTransient, fmt.Sprintf("%s %s exhausted retries", method, path), lastErr)
}

// decodeAndCache reads resp's body fully (so a cacheable response's raw
// bytes can be memoized alongside decoding it into out) and returns
// those raw bytes for the caller to hand to the response cache.
func decodeAndCache(resp *http.Response, out any) ([]byte, error) {
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, errors.Newf(errors.KindConnectorTransient, "provider returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, errors.Newf(errors.KindConnectorPermanent, "provider returned %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.KindConnectorPermanent, "read provider response", err)
	}
	if out == nil || len(raw) == 0 {
		return raw, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, errors.Wrap(errors.KindConnectorPermanent, "decode provider response", err)
	}
	return raw, nil
}

func joinQuery(existing, kv string) string {
	if existing == "" {
		return kv
	}
	return existing + "&" + kv
}

// fetchArtifactFile GETs path and streams the raw response body to dest,
// used by the REST connectors' FetchArtifact implementations.
func fetchArtifactFile(ctx context.Context, c *restClient, path string, dest string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(errors.KindConnectorPermanent, "build artifact request", err)
	}
	if err := c.authp.Authenticate(ctx, req); err != nil {
		return errors.Wrap(errors.KindConnectorPermanent, "authenticate artifact request", err)
	}

	resp, err := c.pool.GetClient(c.baseURL).Do(req)
	if err != nil {
		return errors.Wrap(errors.KindConnectorTransient, "fetch artifact", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errors.Newf(errors.KindConnectorPermanent, "artifact fetch returned %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(errors.KindUnknown, "create artifact directory", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(errors.KindUnknown, "create artifact file", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return errors.Wrap(errors.KindUnknown, "write artifact file", err)
	}
	return nil
}
