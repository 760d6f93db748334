package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
)

func rpcServer(t *testing.T, handle func(req rpcRequest) any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(handle(req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendTransactionReturnsSignature(t *testing.T) {
	srv := rpcServer(t, func(req rpcRequest) any {
		if req.Method != "sendTransaction" {
			t.Errorf("unexpected method %s", req.Method)
		}
		opts, _ := req.Params[1].(map[string]any)
		if opts["encoding"] != "base64" {
			t.Errorf("expected base64 encoding, got %v", opts["encoding"])
		}
		return map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "sig123"}
	})

	sig, err := NewClient(srv.URL).SendTransaction(context.Background(), "AQID")
	if err != nil {
		t.Fatalf("SendTransaction: %v", err)
	}
	if sig != "sig123" {
		t.Fatalf("unexpected signature %q", sig)
	}
}

func TestNodeErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := rpcServer(t, func(req rpcRequest) any {
		calls.Add(1)
		return map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": -32002, "message": "Transaction simulation failed"},
		}
	})

	c := NewClient(srv.URL)
	c.retryDelay = time.Millisecond
	_, err := c.SendTransaction(context.Background(), "AQID")
	rpcErr, ok := AsRPCError(err)
	if !ok {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if rpcErr.Code != -32002 {
		t.Fatalf("unexpected code %d", rpcErr.Code)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}

func TestServerErrorsAreRetriedThenUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithMaxRetries(2))
	c.retryDelay = time.Millisecond
	_, err := c.GetBlockHeight(context.Background(), CommitmentConfirmed)
	if !clierr.Is(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if _, ok := AsRPCError(err); ok {
		t.Fatal("transport failure must not look like a node error")
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestGetSignatureStatuses(t *testing.T) {
	srv := rpcServer(t, func(req rpcRequest) any {
		return map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"result": map[string]any{
				"context": map[string]any{"slot": 10},
				"value": []any{
					map[string]any{"slot": 9, "confirmations": nil, "err": nil, "confirmationStatus": "finalized"},
					map[string]any{"slot": 8, "confirmations": 3, "err": map[string]any{"InstructionError": []any{0, "Custom"}}, "confirmationStatus": "confirmed"},
					nil,
				},
			},
		}
	})

	statuses, err := NewClient(srv.URL).GetSignatureStatuses(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("GetSignatureStatuses: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if statuses[0].Failed() || !statuses[0].Reached(CommitmentConfirmed) {
		t.Fatalf("unexpected first status %+v", statuses[0])
	}
	if !statuses[1].Failed() {
		t.Fatal("expected second status to carry an execution error")
	}
	if statuses[2] != nil || statuses[2].Reached(CommitmentProcessed) {
		t.Fatal("expected unknown signature to be nil")
	}
}

func TestGetBalance(t *testing.T) {
	srv := rpcServer(t, func(req rpcRequest) any {
		if req.Params[0] != "owner" {
			t.Errorf("unexpected address %v", req.Params[0])
		}
		return map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{"context": map[string]any{"slot": 1}, "value": 1500000000}}
	})
	bal, err := NewClient(srv.URL).GetBalance(context.Background(), "owner", CommitmentConfirmed)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal != 1_500_000_000 {
		t.Fatalf("unexpected balance %d", bal)
	}
}

func TestSignatureWatcherWait(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if req.Method != "signatureSubscribe" || req.Params[0] != "sig1" {
			t.Errorf("unexpected request %+v", req)
		}
		_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": 42})
		_ = conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "signatureNotification",
			"params": map[string]any{
				"result":       map[string]any{"context": map[string]any{"slot": 77}, "value": map[string]any{"err": nil}},
				"subscription": 42,
			},
		})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := NewSignatureWatcher(endpoint, nil).Wait(ctx, "sig1", CommitmentConfirmed)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Slot != 77 {
		t.Fatalf("unexpected slot %d", res.Slot)
	}
	status := &SignatureStatus{Err: res.Err}
	if status.Failed() {
		t.Fatal("expected successful notification")
	}
}

func TestAlreadyProcessed(t *testing.T) {
	seen := &RPCError{Code: -32002, Message: "Transaction simulation failed: This transaction has already been processed"}
	if !seen.AlreadyProcessed() {
		t.Fatal("expected already processed")
	}
	if (&RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"}).AlreadyProcessed() {
		t.Fatal("blockhash failure is a real rejection")
	}
}

func TestGetHealth(t *testing.T) {
	status := "ok"
	srv := rpcServer(t, func(req rpcRequest) any {
		if req.Method != "getHealth" {
			t.Errorf("unexpected method %s", req.Method)
		}
		if status != "ok" {
			return map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32005, "message": "Node is behind by 42 slots"}}
		}
		return map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": status}
	})
	c := NewClient(srv.URL)
	if err := c.GetHealth(context.Background()); err != nil {
		t.Fatalf("healthy node reported %v", err)
	}
	status = "behind"
	if err := c.GetHealth(context.Background()); err == nil {
		t.Fatal("expected lagging node to be unhealthy")
	}
}
