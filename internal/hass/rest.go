package hass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Config kinds accepted by GetConfig, SaveConfig and DeleteConfig.
const (
	ConfigAutomation = "automation"
	ConfigScript     = "script"
	ConfigScene      = "scene"
)

// RESTClient issues one-shot authenticated requests against the Home
// Assistant REST API.
//
// Thread Safety: all methods are safe for concurrent use. At most
// RESTOptions.MaxConcurrent requests are in flight; the rest wait for a
// permit. Requests are never retried.
type RESTClient struct {
	baseURL string
	token   string
	opts    RESTOptions
	sem     *semaphore.Weighted

	mu         sync.RWMutex
	httpClient *http.Client

	onRequest  func(RequestStats)
	callbackMu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex

	requests atomic.Uint64
	failures atomic.Uint64
	inFlight atomic.Int64
}

// RESTStats is a snapshot of request counters.
type RESTStats struct {
	Connected bool   `json:"connected"`
	Requests  uint64 `json:"requests"`
	Failures  uint64 `json:"failures"`
	InFlight  int64  `json:"in_flight"`
}

// NewRESTClient creates a client for baseURL (e.g.
// http://homeassistant.local:8123). Call Connect before issuing requests.
func NewRESTClient(baseURL, token string, opts RESTOptions) *RESTClient {
	opts = opts.withDefaults()
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}
}

// Connect creates the pooled HTTP handle. Calling it again is a no-op.
func (c *RESTClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.httpClient != nil {
		return nil
	}

	transport := c.opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone() //nolint:errcheck,forcetypeassert // stdlib default is always *http.Transport
		t.MaxIdleConnsPerHost = c.opts.MaxConcurrent
		transport = t
	}

	c.httpClient = &http.Client{
		Transport: transport,
		Timeout:   c.opts.RequestTimeout,
	}
	c.logDebug("rest client ready", "base_url", c.baseURL)
	return nil
}

// Disconnect releases the HTTP handle. Safe to call multiple times.
func (c *RESTClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.httpClient == nil {
		return nil
	}
	c.httpClient.CloseIdleConnections()
	c.httpClient = nil
	return nil
}

// IsConnected reports whether Connect has been called without a matching
// Disconnect.
func (c *RESTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.httpClient != nil
}

// Request performs one authenticated request. body, if non-nil, is sent as
// JSON. path may carry a query string.
//
// Returns the decoded JSON value for JSON responses, the body text otherwise.
//
// Errors:
//   - ErrConnection if not connected or the network fails
//   - *StatusError for non-2xx responses, matching ErrAuth (401),
//     ErrNotFound (404), ErrValidation (400) or ErrConnection (others)
func (c *RESTClient) Request(ctx context.Context, method, path string, body any) (any, error) {
	data, contentType, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(contentType, "json") {
		return string(data), nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("hass: decoding %s %s response: %w", method, path, err)
	}
	return out, nil
}

// RequestJSON is Request decoding the response body into out. A nil out
// discards the body.
func (c *RESTClient) RequestJSON(ctx context.Context, method, path string, body, out any) error {
	data, _, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("hass: decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// do runs the request under a permit and returns the 2xx body and its
// content type.
func (c *RESTClient) do(ctx context.Context, method, path string, body any) ([]byte, string, error) {
	c.mu.RLock()
	client := c.httpClient
	c.mu.RUnlock()
	if client == nil {
		return nil, "", fmt.Errorf("%w: REST client is not connected, call Connect first", ErrConnection)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("hass: encoding %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, "", fmt.Errorf("hass: building %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, "", err
	}
	defer c.sem.Release(1)

	c.requests.Add(1)
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	c.logDebug("rest request", "method", method, "path", path)
	start := time.Now()
	stats := RequestStats{Method: method, Path: path}

	data, contentType, err := c.send(client, req, &stats)

	stats.Duration = time.Since(start)
	stats.Err = err
	if err != nil {
		c.failures.Add(1)
	}
	c.notifyRequest(stats)
	return data, contentType, err
}

func (c *RESTClient) send(client *http.Client, req *http.Request, stats *RequestStats) ([]byte, string, error) {
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, "", ctxErr
		}
		return nil, "", fmt.Errorf("%w: %s %s: %w", ErrConnection, req.Method, stats.Path, err)
	}
	defer resp.Body.Close()
	stats.StatusCode = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize)) //nolint:errcheck // best effort error body
		return nil, "", &StatusError{
			Method:     req.Method,
			Path:       stats.Path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(text)),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading %s %s response: %w", ErrConnection, req.Method, stats.Path, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Stats returns request counters. InFlight counts requests holding a permit.
func (c *RESTClient) Stats() RESTStats {
	return RESTStats{
		Connected: c.IsConnected(),
		Requests:  c.requests.Load(),
		Failures:  c.failures.Load(),
		InFlight:  c.inFlight.Load(),
	}
}

// HealthCheck verifies the API answers with the configured token.
func (c *RESTClient) HealthCheck(ctx context.Context) error {
	if _, err := c.Request(ctx, http.MethodGet, "/api/", nil); err != nil {
		return fmt.Errorf("hass rest health check: %w", err)
	}
	return nil
}

// GetStates returns every entity state.
func (c *RESTClient) GetStates(ctx context.Context) (any, error) {
	return c.Request(ctx, http.MethodGet, "/api/states", nil)
}

// GetState returns one entity state.
func (c *RESTClient) GetState(ctx context.Context, entityID string) (any, error) {
	return c.Request(ctx, http.MethodGet, "/api/states/"+url.PathEscape(entityID), nil)
}

// GetHistory returns state history. All arguments are optional; start is
// an ISO 8601 timestamp.
func (c *RESTClient) GetHistory(ctx context.Context, entityID, start, end string) (any, error) {
	q := url.Values{}
	if entityID != "" {
		q.Set("filter_entity_id", entityID)
	}
	if end != "" {
		q.Set("end_time", end)
	}
	return c.Request(ctx, http.MethodGet, withQuery(timestampPath("/api/history/period", start), q), nil)
}

// GetLogbook returns logbook entries. All arguments are optional.
func (c *RESTClient) GetLogbook(ctx context.Context, entityID, start, end string) (any, error) {
	q := url.Values{}
	if entityID != "" {
		q.Set("entity", entityID)
	}
	if end != "" {
		q.Set("end_time", end)
	}
	return c.Request(ctx, http.MethodGet, withQuery(timestampPath("/api/logbook", start), q), nil)
}

// GetErrorLog returns the plain-text error log.
func (c *RESTClient) GetErrorLog(ctx context.Context) (string, error) {
	out, err := c.Request(ctx, http.MethodGet, "/api/error_log", nil)
	if err != nil {
		return "", err
	}
	return stringify(out), nil
}

// RenderTemplate renders a Jinja2 template on the server.
func (c *RESTClient) RenderTemplate(ctx context.Context, template string) (string, error) {
	out, err := c.Request(ctx, http.MethodPost, "/api/template", map[string]string{"template": template})
	if err != nil {
		return "", err
	}
	return stringify(out), nil
}

// CheckConfig asks Home Assistant to validate its configuration.
func (c *RESTClient) CheckConfig(ctx context.Context) (any, error) {
	return c.Request(ctx, http.MethodPost, "/api/config/core/check_config", nil)
}

// GetConfig returns the stored config of an automation, script or scene.
func (c *RESTClient) GetConfig(ctx context.Context, kind, id string) (any, error) {
	path, err := configPath(kind, id)
	if err != nil {
		return nil, err
	}
	return c.Request(ctx, http.MethodGet, path, nil)
}

// SaveConfig creates or replaces an automation, script or scene config.
func (c *RESTClient) SaveConfig(ctx context.Context, kind, id string, cfg any) error {
	path, err := configPath(kind, id)
	if err != nil {
		return err
	}
	_, err = c.Request(ctx, http.MethodPost, path, cfg)
	return err
}

// DeleteConfig removes an automation, script or scene config.
func (c *RESTClient) DeleteConfig(ctx context.Context, kind, id string) error {
	path, err := configPath(kind, id)
	if err != nil {
		return err
	}
	_, err = c.Request(ctx, http.MethodDelete, path, nil)
	return err
}

// CallService calls domain.service with optional service data.
func (c *RESTClient) CallService(ctx context.Context, domain, service string, data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	path := "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)
	return c.Request(ctx, http.MethodPost, path, data)
}

// SetOnRequest sets a callback invoked after every request that acquired a
// permit.
func (c *RESTClient) SetOnRequest(callback func(RequestStats)) {
	c.callbackMu.Lock()
	c.onRequest = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger. If not set, the client is silent.
func (c *RESTClient) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *RESTClient) logDebug(msg string, args ...any) {
	c.loggerMu.RLock()
	l := c.logger
	c.loggerMu.RUnlock()
	if l != nil {
		l.Debug(msg, args...)
	}
}

func (c *RESTClient) notifyRequest(stats RequestStats) {
	c.callbackMu.RLock()
	callback := c.onRequest
	c.callbackMu.RUnlock()
	if callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.loggerMu.RLock()
			l := c.logger
			c.loggerMu.RUnlock()
			if l != nil {
				l.Error("callback panic recovered", "callback", "on_request", "panic", r)
			}
		}
	}()
	callback(stats)
}

func configPath(kind, id string) (string, error) {
	switch kind {
	case ConfigAutomation, ConfigScript, ConfigScene:
	default:
		return "", fmt.Errorf("%w: unknown config kind %q", ErrValidation, kind)
	}
	if id == "" {
		return "", fmt.Errorf("%w: %s config id is required", ErrValidation, kind)
	}
	return "/api/config/" + kind + "/config/" + url.PathEscape(id), nil
}

func timestampPath(base, start string) string {
	if start == "" {
		return base
	}
	return base + "/" + url.PathEscape(start)
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprint(s)
		}
		return string(data)
	}
}
