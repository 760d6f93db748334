// Package solana is a small JSON-RPC and websocket client for the handful of
// cluster calls the swap pipeline needs.
package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 2
	DefaultRetryDelay = 300 * time.Millisecond
	DefaultMaxDelay   = 3 * time.Second
)

// Commitment levels accepted by the cluster.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

type Client struct {
	endpoint   string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	maxDelay   time.Duration
	requestID  atomic.Uint64
}

type ClientOption func(*Client)

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.client.Timeout = d }
}

func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: DefaultTimeout},
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		maxDelay:   DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by the node. Receiving one means the
// node processed and refused the request, unlike a transport failure.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// AlreadyProcessed reports whether the node refused a send because it has
// seen the transaction before, as happens when a retried send follows one
// whose response was lost.
func (e *RPCError) AlreadyProcessed() bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "already been processed") || strings.Contains(msg, "alreadyprocessed")
}

// AsRPCError extracts a node-side error from an error chain.
func AsRPCError(err error) (*RPCError, bool) {
	var target *RPCError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// call performs a JSON-RPC call with retries on transport failures, 429 and
// 5xx. Node errors are returned immediately.
func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "marshal rpc request", err)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retryDelay
	exp.MaxInterval = c.maxDelay
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.maxRetries)), ctx)

	err = backoff.Retry(func() error { return c.post(ctx, method, body, result) }, policy)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return clierr.Wrap(clierr.CodeUnavailable, method+" cancelled", err)
	}
	return err
}

// post is one round trip. Failures worth retrying are returned as is,
// everything else wrapped in backoff.Permanent.
func (c *Client) post(ctx context.Context, method string, body []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(clierr.Wrap(clierr.CodeInternal, "create rpc request", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return clierr.Wrap(clierr.CodeUnavailable, method+" request failed", err)
	}
	respBody, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, method+" read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return clierr.New(clierr.CodeRateLimited, method+" rate limited")
	case resp.StatusCode >= http.StatusInternalServerError:
		return clierr.New(clierr.CodeUnavailable, fmt.Sprintf("%s: rpc status %d", method, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return backoff.Permanent(clierr.New(clierr.CodeUnavailable,
			fmt.Sprintf("%s: rpc status %d: %s", method, resp.StatusCode, bytes.TrimSpace(respBody))))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, method+" decode response", err)
	}
	if rpcResp.Error != nil {
		return backoff.Permanent(rpcResp.Error)
	}
	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return backoff.Permanent(clierr.Wrap(clierr.CodeUnavailable, method+" decode result", err))
		}
	}
	return nil
}

// SendTransaction submits a base64 wire transaction and returns the
// signature the node reports.
func (c *Client) SendTransaction(ctx context.Context, wireBase64 string) (string, error) {
	params := []any{
		wireBase64,
		map[string]any{
			"encoding":            "base64",
			"skipPreflight":       false,
			"preflightCommitment": CommitmentConfirmed,
			"maxRetries":          0,
		},
	}
	var sig string
	if err := c.call(ctx, "sendTransaction", params, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

// SignatureStatus mirrors one entry of getSignatureStatuses. A nil entry
// from the node (signature unknown) is returned as nil.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the transaction landed with an execution error.
func (s *SignatureStatus) Failed() bool {
	if s == nil {
		return false
	}
	trimmed := bytes.TrimSpace(s.Err)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Reached reports whether the status is at least the given commitment.
func (s *SignatureStatus) Reached(commitment string) bool {
	if s == nil {
		return false
	}
	return commitmentRank(s.ConfirmationStatus) >= commitmentRank(commitment)
}

func commitmentRank(c string) int {
	switch c {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	default:
		return 0
	}
}

func (c *Client) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	params := []any{
		signatures,
		map[string]any{"searchTransactionHistory": true},
	}
	var result struct {
		Value []*SignatureStatus `json:"value"`
	}
	if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return nil, err
	}
	return result.Value, nil
}

// GetSignatureStatus is GetSignatureStatuses for one signature.
func (c *Client) GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	statuses, err := c.GetSignatureStatuses(ctx, []string{signature})
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, nil
	}
	return statuses[0], nil
}

// GetBalance returns the lamport balance of address.
func (c *Client) GetBalance(ctx context.Context, address, commitment string) (uint64, error) {
	params := []any{address}
	if commitment != "" {
		params = append(params, map[string]any{"commitment": commitment})
	}
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", params, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

func (c *Client) GetBlockHeight(ctx context.Context, commitment string) (uint64, error) {
	var params []any
	if commitment != "" {
		params = []any{map[string]any{"commitment": commitment}}
	}
	var height uint64
	if err := c.call(ctx, "getBlockHeight", params, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetHealth returns nil when the node reports "ok".
func (c *Client) GetHealth(ctx context.Context) error {
	var status string
	if err := c.call(ctx, "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return clierr.New(clierr.CodeUnavailable, "rpc node unhealthy: "+status)
	}
	return nil
}
