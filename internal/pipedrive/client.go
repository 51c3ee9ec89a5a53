package pipedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/pipesync/internal/clock"
	"github.com/hyperengineering/pipesync/internal/ratelimit"
)

// TokenProvider resolves the bearer token for each request, so rotating
// credentials never requires rebuilding the client.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a TokenProvider for a fixed API token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		if token == "" {
			return "", fmt.Errorf("api token is empty")
		}
		return token, nil
	}
}

// RequestInterceptor may mutate an outgoing request. Interceptors run in
// registration order before the limiter gate.
type RequestInterceptor func(ctx context.Context, req *Request) error

// ResponseInterceptor runs after each successful read, in registration
// order, and may transform the payload. An interceptor error fails the
// call; interceptors never suppress transport errors. The cache stores
// raw envelopes, so interceptors replay on cache hits too and callers
// see the same transformed payload on either path.
type ResponseInterceptor func(ctx context.Context, resp *Response) error

// Options configures a Client. Each workspace constructs its own client;
// nothing here is process-global.
type Options struct {
	BaseURL       string
	Workspace     string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	Limiter       ratelimit.Limiter
	Cache         *ratelimit.ResponseCache
	Clock         clock.Clock
	UserAgent     string

	// MaxAttempts bounds total tries per request, including the first.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// QueueOnLimit makes a denied admission wait for the window to reset
	// instead of failing fast; MaxQueueWaits bounds those waits.
	QueueOnLimit  bool
	MaxQueueWaits int

	// PageLimit is the default page size for collection walks.
	PageLimit int
}

// Client is the single HTTP gateway to the CRM for one workspace.
type Client struct {
	baseURL       string
	workspace     string
	tokenProvider TokenProvider
	httpClient    *http.Client
	limiter       ratelimit.Limiter
	cache         *ratelimit.ResponseCache
	clk           clock.Clock
	userAgent     string
	maxAttempts   int
	initialDelay  time.Duration
	maxDelay      time.Duration
	queueOnLimit  bool
	maxQueueWaits int
	pageLimit     int

	mu               sync.RWMutex
	reqInterceptors  []RequestInterceptor
	respInterceptors []ResponseInterceptor
}

// New builds a Client, filling unset options with defaults.
func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.pipedrive.com/v1"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	initialDelay := opts.InitialDelay
	if initialDelay <= 0 {
		initialDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 15 * time.Second
	}
	maxQueueWaits := opts.MaxQueueWaits
	if maxQueueWaits <= 0 {
		maxQueueWaits = 3
	}
	pageLimit := opts.PageLimit
	if pageLimit <= 0 {
		pageLimit = 100
	}
	return &Client{
		baseURL:       baseURL,
		workspace:     opts.Workspace,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		limiter:       opts.Limiter,
		cache:         opts.Cache,
		clk:           clk,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxAttempts:   maxAttempts,
		initialDelay:  initialDelay,
		maxDelay:      maxDelay,
		queueOnLimit:  opts.QueueOnLimit,
		maxQueueWaits: maxQueueWaits,
		pageLimit:     pageLimit,
	}
}

// Workspace returns the workspace this client is scoped to.
func (c *Client) Workspace() string {
	return c.workspace
}

// OnRequest registers a request interceptor.
func (c *Client) OnRequest(ic RequestInterceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqInterceptors = append(c.reqInterceptors, ic)
}

// OnResponse registers a response interceptor.
func (c *Client) OnResponse(ic ResponseInterceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.respInterceptors = append(c.respInterceptors, ic)
}

// Get issues a GET without caching.
func (c *Client) Get(ctx context.Context, path string, query map[string]any) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
}

// GetCached issues a GET through the read-through cache.
func (c *Client) GetCached(ctx context.Context, path string, query map[string]any, ttl time.Duration) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query, Cache: true, CacheTTL: ttl})
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPut, Path: path, Body: body})
}

// Patch issues a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPatch, Path: path, Body: body})
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodDelete, Path: path})
}

// Do runs one logical request through interceptors, cache, limiter, and
// the retry loop.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if c.tokenProvider == nil {
		return nil, fmt.Errorf("token provider is required")
	}

	for _, ic := range c.requestInterceptors() {
		if err := ic(ctx, req); err != nil {
			return nil, fmt.Errorf("request interceptor: %w", err)
		}
	}

	encodedQuery := encodeQuery(req.Query)
	fullURL := c.baseURL + req.Path
	if encodedQuery != "" {
		fullURL += "?" + encodedQuery
	}

	cacheable := req.Method == http.MethodGet && req.Cache && c.cache != nil
	cacheKey := c.workspace + ":" + req.Path + "?" + encodedQuery
	if cacheable {
		if cached, ok := c.cache.Get(ctx, cacheKey); ok {
			resp, err := decodeEnvelope(http.StatusOK, nil, cached)
			if err == nil {
				resp.FromCache = true
				for _, ic := range c.responseInterceptors() {
					if err := ic(ctx, resp); err != nil {
						return nil, fmt.Errorf("response interceptor: %w", err)
					}
				}
				return resp, nil
			}
			// Undecodable entries fall through to the network.
		}
	}

	if err := c.admit(ctx, req.rateKey(c.workspace)); err != nil {
		return nil, err
	}

	var bodyBytes []byte
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		bodyBytes = encoded
	}

	correlationID := uuid.NewString()

	for attempt := 1; ; attempt++ {
		httpReq, err := c.buildRequest(ctx, req, fullURL, bodyBytes, correlationID)
		if err != nil {
			return nil, err
		}

		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < c.maxAttempts {
				if waitErr := c.clk.Sleep(ctx, c.retryDelay(attempt, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, &NetworkError{Op: req.Method, URL: fullURL, Err: err}
		}

		respBody, readErr := io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		if readErr != nil {
			if attempt < c.maxAttempts {
				if waitErr := c.clk.Sleep(ctx, c.retryDelay(attempt, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, &NetworkError{Op: req.Method, URL: fullURL, Err: readErr}
		}

		switch {
		case httpResp.StatusCode >= 200 && httpResp.StatusCode <= 299:
			resp, err := decodeEnvelope(httpResp.StatusCode, httpResp.Header, respBody)
			if err != nil {
				return nil, err
			}
			for _, ic := range c.responseInterceptors() {
				if err := ic(ctx, resp); err != nil {
					return nil, fmt.Errorf("response interceptor: %w", err)
				}
			}
			if cacheable {
				c.cache.Set(ctx, cacheKey, respBody, req.CacheTTL)
			}
			if isMutation(req.Method) && c.cache != nil {
				c.cache.Invalidate(ctx, c.workspace+":/"+resourceRoot(req.Path))
			}
			return resp, nil

		case httpResp.StatusCode == http.StatusTooManyRequests:
			header := httpResp.Header.Get("Retry-After")
			if attempt < c.maxAttempts {
				slog.Debug("crm throttled request, backing off",
					"component", "pipedrive",
					"workspace", c.workspace,
					"attempt", attempt,
					"retry_after", header)
				if waitErr := c.clk.Sleep(ctx, c.retryDelay(attempt, header)); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			retryAfter := parseRetryAfterSeconds(header)
			if retryAfter <= 0 {
				retryAfter = c.maxDelay
			}
			return nil, &RateLimitError{RetryAfter: retryAfter}

		case httpResp.StatusCode == http.StatusPreconditionFailed:
			// Version conflicts are terminal; retrying cannot help.
			apiErr := apiErrorFromBody(httpResp.StatusCode, respBody)
			return nil, &VersionConflictError{
				Path:    req.Path,
				Version: parseVersion(req.IfMatch),
				Message: apiErr.Message,
			}

		case httpResp.StatusCode >= 500:
			if attempt < c.maxAttempts {
				if waitErr := c.clk.Sleep(ctx, c.retryDelay(attempt, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, apiErrorFromBody(httpResp.StatusCode, respBody)

		default:
			return nil, apiErrorFromBody(httpResp.StatusCode, respBody)
		}
	}
}

// admit gates a request on the shared limiter. When queuing is enabled a
// denial waits out the reported window before re-checking, a bounded
// number of times.
func (c *Client) admit(ctx context.Context, key string) error {
	if c.limiter == nil {
		return nil
	}
	for waits := 0; ; waits++ {
		decision, err := c.limiter.Allow(ctx, key)
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		if decision.Allowed {
			return nil
		}
		if !c.queueOnLimit || waits >= c.maxQueueWaits {
			return &RateLimitError{RetryAfter: decision.RetryAfter}
		}
		wait := decision.RetryAfter
		if wait <= 0 {
			wait = c.initialDelay
		}
		slog.Debug("request queued behind rate limit",
			"component", "pipedrive",
			"workspace", c.workspace,
			"wait", wait.String())
		if err := c.clk.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (c *Client) buildRequest(ctx context.Context, req *Request, fullURL string, body []byte, correlationID string) (*http.Request, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	token, err := c.tokenProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving api token: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("X-Correlation-Id", correlationID)
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if req.IfMatch != "" {
		httpReq.Header.Set("If-Match", req.IfMatch)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	return httpReq, nil
}

// retryDelay computes the wait before the next attempt. A Retry-After
// header overrides the computed backoff, capped at maxDelay.
func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.initialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func (c *Client) requestInterceptors() []RequestInterceptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RequestInterceptor, len(c.reqInterceptors))
	copy(out, c.reqInterceptors)
	return out
}

func (c *Client) responseInterceptors() []ResponseInterceptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ResponseInterceptor, len(c.respInterceptors))
	copy(out, c.respInterceptors)
	return out
}

func (r *Request) rateKey(workspace string) string {
	if r.RateKey != "" {
		return r.RateKey
	}
	return "api:" + workspace
}

func decodeEnvelope(status int, header http.Header, body []byte) (*Response, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding response envelope: %w", err)
	}
	if env.Success != nil && !*env.Success {
		return nil, &APIError{StatusCode: status, Message: firstNonEmpty(env.Error, "request not successful"), ErrorInfo: env.ErrorInfo}
	}

	resp := &Response{
		StatusCode: status,
		Header:     header,
		Data:       env.Data,
		Total:      -1,
	}
	if env.AdditionalData != nil {
		resp.Pagination = env.AdditionalData.Pagination
		if env.AdditionalData.Summary != nil {
			resp.Total = env.AdditionalData.Summary.TotalCount
		}
	}
	return resp, nil
}

// encodeQuery serializes query values deterministically: keys sorted by
// Encode, arrays comma-joined, objects as canonical JSON.
func encodeQuery(query map[string]any) string {
	if len(query) == 0 {
		return ""
	}
	values := url.Values{}
	for key, value := range query {
		values.Set(key, queryValue(value))
	}
	return values.Encode()
}

func queryValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return FormatTime(v)
	case []string:
		return strings.Join(v, ",")
	case []int64:
		parts := make([]string, len(v))
		for i, n := range v {
			parts[i] = fmt.Sprintf("%d", n)
		}
		return strings.Join(parts, ",")
	case []int:
		parts := make([]string, len(v))
		for i, n := range v {
			parts[i] = fmt.Sprintf("%d", n)
		}
		return strings.Join(parts, ",")
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = queryValue(item)
		}
		return strings.Join(parts, ",")
	case map[string]any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	default:
		return fmt.Sprint(v)
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// resourceRoot returns the first path segment, the invalidation scope
// for mutations ("/persons/42" -> "persons").
func resourceRoot(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func parseVersion(ifMatch string) int64 {
	trimmed := strings.Trim(ifMatch, `"`)
	var version int64
	if _, err := fmt.Sscanf(trimmed, "%d", &version); err != nil {
		return 0
	}
	return version
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
