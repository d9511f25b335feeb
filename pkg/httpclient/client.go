// Package httpclient provides the retrying, auth-refreshing HTTP client
// shared by every outbound integration (archive, BiPRO, LLM).
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"atlas/pkg/apperror"
)

// retryable status codes, mirroring the Archive API's own throttling/outage signals.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// RetryConfig controls the backoff ladder used by Client.Do.
type RetryConfig struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	BackoffFactor   float64
}

// DefaultRetryConfig matches the 3-attempt, 1s-doubling ladder.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		BackoffFactor:  2.0,
	}
}

// RefreshFunc attempts to obtain a fresh bearer token. It returns the new
// token and true on success.
type RefreshFunc func(ctx context.Context) (token string, ok bool)

// ForcedLogoutFunc is invoked when a 401 could not be recovered from by a
// refresh, signalling the caller that the session is no longer valid.
type ForcedLogoutFunc func(reason string)

// Client wraps *http.Client with the retry ladder and the non-blocking
// single-slot auth-refresh gate used by every BiPRO/archive call.
type Client struct {
	httpClient *http.Client
	baseURL    string
	retry      RetryConfig

	token string

	onRefresh      RefreshFunc
	onForcedLogout ForcedLogoutFunc

	// refreshGate is a size-1 channel acting as a non-blocking mutex: a
	// successful non-blocking send means the slot was free and this
	// goroutine now owns the refresh; a failed send means a refresh is
	// already in flight (possibly this same call stack re-entering
	// through a recursive 401), so we give up immediately instead of
	// blocking and deadlocking.
	refreshGate chan struct{}
}

// New builds a Client against baseURL.
func New(baseURL string, httpClient *http.Client, retry RetryConfig) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		retry:       retry,
		refreshGate: make(chan struct{}, 1),
	}
}

// SetToken sets the bearer token used for Authorization headers.
func (c *Client) SetToken(token string) { c.token = token }

// ClearToken clears the bearer token (logout).
func (c *Client) ClearToken() { c.token = "" }

// IsAuthenticated reports whether a token is currently set.
func (c *Client) IsAuthenticated() bool { return c.token != "" }

// OnRefresh registers the callback used to obtain a fresh token on 401.
func (c *Client) OnRefresh(fn RefreshFunc) { c.onRefresh = fn }

// OnForcedLogout registers the callback invoked when refresh is unavailable
// or fails and the session must be treated as dead.
func (c *Client) OnForcedLogout(fn ForcedLogoutFunc) { c.onForcedLogout = fn }

func (c *Client) tryAuthRefresh(ctx context.Context, reason string) bool {
	if c.onRefresh == nil {
		c.triggerForcedLogout(reason)
		return false
	}

	select {
	case c.refreshGate <- struct{}{}:
	default:
		// a refresh is already in flight (or we re-entered recursively)
		return false
	}
	defer func() { <-c.refreshGate }()

	token, ok := c.onRefresh(ctx)
	if !ok {
		c.triggerForcedLogout(reason)
		return false
	}
	c.SetToken(token)
	return true
}

func (c *Client) triggerForcedLogout(reason string) {
	c.ClearToken()
	if c.onForcedLogout != nil {
		c.onForcedLogout(reason)
	}
}

// Request is a single outbound HTTP call.
type Request struct {
	Method  string
	Path    string // joined onto baseURL
	Query   map[string]string
	Headers map[string]string
	Body    io.Reader
	Timeout time.Duration
}

// Do executes req with retries on transient failures, and one transparent
// 401 refresh-and-retry cycle.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		reason := fmt.Sprintf("401 from %s %s", req.Method, req.Path)
		_ = resp.Body.Close()
		if c.tryAuthRefresh(ctx, reason) {
			return c.doWithRetry(ctx, req)
		}
		return nil, apperror.New(apperror.CodeAuthLapsed, reason)
	}

	return resp, nil
}

func (c *Client) doWithRetry(ctx context.Context, req Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInternal, "read request body")
		}
	}

	url := c.baseURL + "/" + trimSlash(req.Path)

	var lastErr error
	backoff := c.retry.InitialBackoff
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}

		httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bodyReader)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInternal, "build request")
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}
		if c.token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.token)
		}
		if len(req.Query) > 0 {
			q := httpReq.URL.Query()
			for k, v := range req.Query {
				q.Set(k, v)
			}
			httpReq.URL.RawQuery = q.Encode()
		}

		client := c.httpClient
		if req.Timeout > 0 {
			clientCopy := *c.httpClient
			clientCopy.Timeout = req.Timeout
			client = &clientCopy
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts-1 {
				if !sleepBackoff(ctx, backoff) {
					return nil, ctx.Err()
				}
				backoff = nextBackoff(backoff, c.retry.BackoffFactor)
				continue
			}
			return nil, apperror.Wrap(err, apperror.CodeTransientHTTP, fmt.Sprintf("%s %s", req.Method, req.Path))
		}

		if retryableStatus[resp.StatusCode] && attempt < maxAttempts-1 {
			_ = resp.Body.Close()
			if !sleepBackoff(ctx, backoff) {
				return nil, ctx.Err()
			}
			backoff = nextBackoff(backoff, c.retry.BackoffFactor)
			continue
		}

		return resp, nil
	}

	return nil, apperror.Wrap(lastErr, apperror.CodeTransientHTTP, fmt.Sprintf("%s %s exhausted retries", req.Method, req.Path))
}

func sleepBackoff(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur time.Duration, factor float64) time.Duration {
	if factor <= 1 {
		factor = 2
	}
	return time.Duration(float64(cur) * factor)
}

func trimSlash(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	return s
}

// DecodeJSON reads and JSON-decodes resp.Body into v, closing the body.
func DecodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return apperror.New(statusToCode(resp.StatusCode), fmt.Sprintf("HTTP %d: %s", resp.StatusCode, data))
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func statusToCode(status int) apperror.ErrorCode {
	switch {
	case status == http.StatusUnauthorized:
		return apperror.CodeAuthLapsed
	case status == http.StatusNotFound:
		return apperror.CodeNotFound
	case retryableStatus[status]:
		return apperror.CodeTransientHTTP
	default:
		return apperror.CodeInvalidArgument
	}
}
