package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/logger"
	"github.com/launchguard/launchguard/internal/version"
)

const maxErrorSnippet = 200

// Options tunes retry pacing. Zero values take the defaults below.
type Options struct {
	Timeout     time.Duration
	Retries     int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *slog.Logger
}

// Client talks JSON to agent endpoints and private relays. Transient failures
// (network errors, 429, 5xx) are retried; auth failures and other 4xx are not.
type Client struct {
	httpClient *http.Client
	opts       Options
	userAgent  string
}

func New(timeout time.Duration, retries int) *Client {
	return NewWithOptions(Options{Timeout: timeout, Retries: retries})
}

func NewWithOptions(opts Options) *Client {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 120 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.L()
	}
	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		opts:       opts,
		userAgent:  version.UserAgent(),
	}
}

// attemptError carries the classified failure of one attempt and whether
// another attempt may help.
type attemptError struct {
	err        error
	retryable  bool
	retryAfter time.Duration
}

func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var (
		lastErr error
		header  http.Header
		wait    time.Duration
	)
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			if wait <= 0 {
				wait = c.backoff(attempt)
			}
			select {
			case <-ctx.Done():
				return header, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
			case <-time.After(wait):
			}
		}

		h, aerr := c.attempt(ctx, req, out)
		header = h
		if aerr == nil {
			return header, nil
		}
		lastErr = aerr.err
		if !aerr.retryable || attempt == c.opts.Retries {
			break
		}
		wait = aerr.retryAfter
		c.opts.Logger.Debug("retrying request", "host", req.URL.Host, "attempt", attempt+1, "error", aerr.err)
	}
	if lastErr == nil {
		lastErr = clierr.New(clierr.CodeUnavailable, "request failed")
	}
	return header, lastErr
}

func (c *Client) attempt(ctx context.Context, req *http.Request, out any) (http.Header, *attemptError) {
	cloneReq := req.Clone(ctx)
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, &attemptError{err: clierr.Wrap(clierr.CodeInternal, "clone request body", err)}
		}
		cloneReq.Body = body
	}

	resp, err := c.httpClient.Do(cloneReq)
	if err != nil {
		return nil, &attemptError{err: mapNetError(err), retryable: ctx.Err() == nil}
	}
	buf, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp.Header, &attemptError{err: clierr.Wrap(clierr.CodeUnavailable, "read response", readErr), retryable: true}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return resp.Header, &attemptError{
			err:        clierr.New(clierr.CodeRateLimited, "endpoint rate limited request"),
			retryable:  true,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.opts.MaxBackoff),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp.Header, &attemptError{err: clierr.New(clierr.CodeAuth, "endpoint authentication failed")}
	case resp.StatusCode >= http.StatusInternalServerError:
		return resp.Header, &attemptError{
			err:       clierr.New(clierr.CodeUnavailable, statusMessage("endpoint unavailable", resp.StatusCode, buf)),
			retryable: true,
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return resp.Header, &attemptError{err: clierr.New(clierr.CodeUnsupported, statusMessage("endpoint rejected request", resp.StatusCode, buf))}
	}

	if out == nil {
		return resp.Header, nil
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		return resp.Header, &attemptError{err: clierr.New(clierr.CodeUnavailable, "endpoint returned empty response")}
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return resp.Header, &attemptError{err: clierr.Wrap(clierr.CodeUnavailable, "decode response JSON", err)}
	}
	return resp.Header, nil
}

func DoBodyJSON(ctx context.Context, c *Client, method, url string, body []byte, headers map[string]string, out any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.DoJSON(ctx, req, out)
}

// PostJSON marshals payload and decodes the response into out.
func PostJSON(ctx context.Context, c *Client, url string, payload any, headers map[string]string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode request body", err)
	}
	_, err = DoBodyJSON(ctx, c, http.MethodPost, url, body, headers, out)
	return err
}

// statusMessage appends the endpoint's own error text when it sent one.
func statusMessage(prefix string, status int, body []byte) string {
	msg := fmt.Sprintf("%s (status %d)", prefix, status)
	if detail := errorDetail(body); detail != "" {
		msg += ": " + detail
	}
	return msg
}

func errorDetail(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch v := payload.Error.(type) {
		case string:
			if v != "" {
				return truncate(v)
			}
		case map[string]any:
			if m, ok := v["message"].(string); ok && m != "" {
				return truncate(m)
			}
		}
		if payload.Message != "" {
			return truncate(payload.Message)
		}
		return ""
	}
	return truncate(string(body))
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrorSnippet {
		return s[:maxErrorSnippet] + "..."
	}
	return s
}

// parseRetryAfter accepts delta-seconds or an HTTP date, capped at max.
func parseRetryAfter(v string, max time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = time.Until(at)
	}
	if d < 0 {
		return 0
	}
	if d > max {
		return max
	}
	return d
}

func mapNetError(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeTimeout, "endpoint timeout", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "endpoint request failed", err)
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.BaseBackoff * time.Duration(1<<uint(attempt-1))
	if d > c.opts.MaxBackoff {
		d = c.opts.MaxBackoff
	}
	jitter := time.Duration(rand.Intn(75)) * time.Millisecond
	return d + jitter
}
