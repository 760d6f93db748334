package httpx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
)

func TestRetriesBadGatewayThenDecodes(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&count, 1)
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"outAmount":"15000000"}`))
	}))
	defer srv.Close()

	client := New(2*time.Second, 1)
	var out struct {
		OutAmount string `json:"outAmount"`
	}
	if _, err := GetJSON(context.Background(), client, srv.URL, nil, &out); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if out.OutAmount != "15000000" || atomic.LoadInt32(&count) != 2 {
		t.Fatalf("unexpected response %+v after %d calls", out, count)
	}
}

func TestClientErrorKeepsBodyAndIsNotRetried(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errorCode":"COULD_NOT_FIND_ANY_ROUTE"}`))
	}))
	defer srv.Close()

	client := New(2*time.Second, 3)
	_, err := GetJSON(context.Background(), client, srv.URL, nil, &map[string]any{})
	if err == nil {
		t.Fatal("expected error")
	}
	if clierr.CodeOf(err) != clierr.CodeUnsupported {
		t.Fatalf("unexpected code: %v", err)
	}
	se, ok := AsStatus(err)
	if !ok || se.Status != http.StatusBadRequest {
		t.Fatalf("expected status error, got %v", err)
	}
	if string(se.Body) != `{"errorCode":"COULD_NOT_FIND_ANY_ROUTE"}` {
		t.Fatalf("unexpected body %q", se.Body)
	}
	if atomic.LoadInt32(&count) != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", count)
	}
}

func TestRateLimitedExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := GetJSON(context.Background(), New(2*time.Second, 1), srv.URL, nil, nil)
	if clierr.CodeOf(err) != clierr.CodeRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if !clierr.Retryable(err) {
		t.Fatal("rate limited errors should be retryable")
	}
}

func TestRateLimitedHonoursRetryAfter(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&count, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	start := time.Now()
	if _, err := GetJSON(context.Background(), New(2*time.Second, 2), srv.URL, nil, &map[string]any{}); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("retried after %v, want at least the Retry-After delay", elapsed)
	}
}

func TestRetryAfterBeyondCapFailsFast(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := GetJSON(context.Background(), New(2*time.Second, 3), srv.URL, nil, nil)
	if clierr.CodeOf(err) != clierr.CodeRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if atomic.LoadInt32(&count) != 1 {
		t.Fatalf("expected a single call, got %d", count)
	}
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := GetJSON(context.Background(), New(2*time.Second, 3), srv.URL, map[string]string{"x-api-key": "bad"}, nil)
	if clierr.CodeOf(err) != clierr.CodeAuth || atomic.LoadInt32(&count) != 1 {
		t.Fatalf("expected one auth failure, got %v after %d calls", err, count)
	}
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := GetJSON(ctx, New(2*time.Second, 10), srv.URL, nil, nil)
	if clierr.CodeOf(err) != clierr.CodeUnavailable || !strings.Contains(err.Error(), "request cancelled") {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestPostBodyIsReplayedOnRetry(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		mu.Lock()
		bodies = append(bodies, buf.String())
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"swapTransaction":"AQID"}`))
	}))
	defer srv.Close()

	payload := []byte(`{"userPublicKey":"owner"}`)
	_, err := DoBodyJSON(context.Background(), New(2*time.Second, 1), http.MethodPost, srv.URL, payload, nil, &map[string]any{})
	if err != nil {
		t.Fatalf("DoBodyJSON failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 || bodies[0] != string(payload) || bodies[1] != string(payload) {
		t.Fatalf("body not replayed: %q", bodies)
	}
}
