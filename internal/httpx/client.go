// Package httpx is the JSON-over-HTTP client shared by the aggregator, token
// list and price providers. It maps transport failures and HTTP statuses onto
// clierr codes and retries the transient ones.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
)

const (
	maxErrorBody  = 4 << 10
	firstDelay    = 150 * time.Millisecond
	maxDelay      = 2 * time.Second
	maxRetryAfter = 5 * time.Second
)

type Client struct {
	httpClient *http.Client
	retries    int
	userAgent  string
	log        *zap.Logger
	firstDelay time.Duration
}

type Option func(*Client)

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// New builds a client that retries each request up to retries times.
func New(timeout time.Duration, retries int, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		retries:    max(retries, 0),
		userAgent:  "solswap",
		log:        zap.NewNop(),
		firstDelay: firstDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is the cause attached to non-retryable 4xx responses. Providers
// read Body for their own error codes.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("status %d: %s", e.Status, bytes.TrimSpace(e.Body))
}

func AsStatus(err error) (*StatusError, bool) {
	var target *StatusError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// hintedBackOff lets a response stretch the next delay, as a 429 with
// Retry-After does.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	d := h.BackOff.NextBackOff()
	if d != backoff.Stop && h.hint > d {
		d = h.hint
	}
	h.hint = 0
	return d
}

func (c *Client) schedule(ctx context.Context) (backoff.BackOff, *hintedBackOff) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.firstDelay
	exp.MaxInterval = maxDelay
	exp.MaxElapsedTime = 0
	hinted := &hintedBackOff{BackOff: backoff.WithMaxRetries(exp, uint64(c.retries))}
	return backoff.WithContext(hinted, ctx), hinted
}

// DoJSON sends req and decodes a 2xx body into out (skipped when out is nil).
// Timeouts, 429 and 5xx are retried; other statuses fail at once.
func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	sched, hinted := c.schedule(ctx)
	var header http.Header
	attempt := func() error {
		h, hint, err := c.once(ctx, req, out)
		header = h
		hinted.hint = hint
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Debug("retrying upstream request",
			zap.String("host", req.URL.Host), zap.Duration("wait", wait), zap.Error(err))
	}

	err := backoff.RetryNotify(attempt, sched, notify)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", err)
	}
	return header, err
}

// once performs a single round trip. Errors that should not be retried come
// back wrapped in backoff.Permanent.
func (c *Client) once(ctx context.Context, req *http.Request, out any) (http.Header, time.Duration, error) {
	attemptReq := req.Clone(ctx)
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, 0, backoff.Permanent(clierr.Wrap(clierr.CodeInternal, "clone request body", err))
		}
		attemptReq.Body = body
	}

	resp, err := c.httpClient.Do(attemptReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, backoff.Permanent(ctx.Err())
		}
		return nil, 0, mapNetError(err)
	}
	buf, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp.Header, 0, clierr.Wrap(clierr.CodeUnavailable, "read provider response", readErr)
	}

	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		err := clierr.New(clierr.CodeRateLimited, "provider rate limited request")
		wait, ok := retryAfter(resp.Header)
		if ok && wait > maxRetryAfter {
			return resp.Header, 0, backoff.Permanent(err)
		}
		return resp.Header, wait, err
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return resp.Header, 0, backoff.Permanent(clierr.New(clierr.CodeAuth, "provider authentication failed"))
	case status >= http.StatusInternalServerError:
		return resp.Header, 0, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("provider unavailable (status %d)", status))
	case status < 200 || status >= 300:
		return resp.Header, 0, backoff.Permanent(clierr.Wrap(clierr.CodeUnsupported,
			fmt.Sprintf("provider returned unexpected status %d", status),
			&StatusError{Status: status, Body: truncate(buf)}))
	}

	if out == nil {
		return resp.Header, 0, nil
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		return resp.Header, 0, backoff.Permanent(clierr.New(clierr.CodeUnavailable, "provider returned empty response"))
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return resp.Header, 0, backoff.Permanent(clierr.Wrap(clierr.CodeUnavailable, "decode provider JSON", err))
	}
	return resp.Header, 0, nil
}

func GetJSON(ctx context.Context, c *Client, url string, headers map[string]string, out any) (http.Header, error) {
	return DoBodyJSON(ctx, c, http.MethodGet, url, nil, headers, out)
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

// retryAfter reads a delay-seconds Retry-After header. HTTP-date values are
// ignored.
func retryAfter(h http.Header) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func mapNetError(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeUnavailable, "provider timeout", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "provider request failed", err)
}

func truncate(b []byte) []byte {
	if len(b) <= maxErrorBody {
		return b
	}
	return b[:maxErrorBody]
}
