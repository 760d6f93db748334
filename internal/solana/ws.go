package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

type WSConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func DefaultWSConfig() WSConfig {
	return WSConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// SignatureWatcher waits for a single signature notification over the
// cluster's pubsub endpoint. Each Wait dials its own connection.
type SignatureWatcher struct {
	endpoint string
	config   WSConfig
}

func NewSignatureWatcher(endpoint string, config *WSConfig) *SignatureWatcher {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	return &SignatureWatcher{endpoint: endpoint, config: cfg}
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type wsMessage struct {
	ID     *uint64         `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params *struct {
		Result struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Err json.RawMessage `json:"err"`
			} `json:"value"`
		} `json:"result"`
		Subscription uint64 `json:"subscription"`
	} `json:"params,omitempty"`
}

// SignatureResult is the payload of a signatureNotification.
type SignatureResult struct {
	Slot uint64
	Err  json.RawMessage
}

func (r SignatureResult) Failed() bool {
	trimmed := bytes.TrimSpace(r.Err)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Wait subscribes to signature at commitment and blocks until the node
// notifies, ctx ends, or the connection drops.
func (w *SignatureWatcher) Wait(ctx context.Context, signature, commitment string) (SignatureResult, error) {
	dialer := websocket.Dialer{HandshakeTimeout: w.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.endpoint, nil)
	if err != nil {
		return SignatureResult{}, fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	req := wsRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "signatureSubscribe",
		Params:  []any{signature, map[string]any{"commitment": commitment}},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return SignatureResult{}, fmt.Errorf("write subscribe: %w", err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return SignatureResult{}, ctx.Err()
			}
			return SignatureResult{}, fmt.Errorf("websocket read: %w", err)
		}
		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return SignatureResult{}, msg.Error
		}
		if msg.Method == "signatureNotification" && msg.Params != nil {
			return SignatureResult{
				Slot: msg.Params.Result.Context.Slot,
				Err:  msg.Params.Result.Value.Err,
			}, nil
		}
	}
}
