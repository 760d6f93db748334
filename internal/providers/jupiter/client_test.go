package jupiter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/httpx"
	"github.com/ggonzalez94/solswap/internal/providers"
)

const (
	solMint  = "So11111111111111111111111111111111111111112"
	usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

func newTestClient(t *testing.T, mux *http.ServeMux, apiKey string) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(httpx.New(2*time.Second, 0), apiKey,
		WithBaseURL(srv.URL),
		WithPriceURL(srv.URL+"/price"),
		WithTokenListURL(srv.URL+"/tokens"),
	)
}

func TestGetRouteParsesJupiterResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("expected x-api-key header, got %q", got)
		}
		q := r.URL.Query()
		if q.Get("amount") != "100000000" || q.Get("slippageBps") != "50" || q.Get("inputMint") != solMint {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{
			"inputMint":"` + solMint + `",
			"inAmount":"100000000",
			"outputMint":"` + usdcMint + `",
			"outAmount":"15023000",
			"otherAmountThreshold":"14947885",
			"slippageBps":50,
			"priceImpactPct":"0.0013",
			"routePlan":[
				{"swapInfo":{"label":"Meteora"}},
				{"swapInfo":{"label":"Meteora"}},
				{"swapInfo":{"label":"Orca"}}
			]
		}`))
	})
	c := newTestClient(t, mux, "test-key")

	route, err := c.GetRoute(context.Background(), providers.RouteRequest{
		InputMint:       solMint,
		OutputMint:      usdcMint,
		AmountBaseUnits: "100000000",
		SlippageBps:     50,
	})
	if err != nil {
		t.Fatalf("GetRoute failed: %v", err)
	}
	if route == nil {
		t.Fatal("expected a route")
	}
	if route.OutAmount != "15023000" || route.InAmount != "100000000" {
		t.Fatalf("unexpected amounts: %+v", route)
	}
	if route.Path != "Meteora > Orca" {
		t.Fatalf("unexpected path: %s", route.Path)
	}
	if route.PriceImpactPct != 0.0013 {
		t.Fatalf("unexpected price impact: %f", route.PriceImpactPct)
	}
	if len(route.Raw) == 0 {
		t.Fatal("expected raw quote payload to be kept for the swap build")
	}
}

func TestGetRouteNoRouteIsNil(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Could not find any route","errorCode":"COULD_NOT_FIND_ANY_ROUTE"}`))
	})
	c := newTestClient(t, mux, "")

	route, err := c.GetRoute(context.Background(), providers.RouteRequest{InputMint: solMint, OutputMint: usdcMint, AmountBaseUnits: "1", SlippageBps: 50})
	if err != nil {
		t.Fatalf("expected no error for missing route, got %v", err)
	}
	if route != nil {
		t.Fatalf("expected nil route, got %+v", route)
	}
}

func TestGetRouteOtherBadRequestIsError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Invalid mint","errorCode":"INVALID_INPUT_MINT"}`))
	})
	c := newTestClient(t, mux, "")

	_, err := c.GetRoute(context.Background(), providers.RouteRequest{InputMint: "bad", OutputMint: usdcMint, AmountBaseUnits: "1"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestGetRouteServerErrorIsRetryable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newTestClient(t, mux, "")

	_, err := c.GetRoute(context.Background(), providers.RouteRequest{InputMint: solMint, OutputMint: usdcMint, AmountBaseUnits: "1"})
	if !clierr.Retryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestBuildSwapSendsQuoteAndUser(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/swap", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		buf, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(buf, &req); err != nil {
			t.Errorf("decode swap request: %v", err)
		}
		if req["userPublicKey"] != "owner-pk" || req["wrapAndUnwrapSol"] != true {
			t.Errorf("unexpected swap request: %s", buf)
		}
		quote, _ := req["quoteResponse"].(map[string]any)
		if quote["outAmount"] != "42" {
			t.Errorf("expected quote to be forwarded verbatim: %s", buf)
		}
		_, _ = w.Write([]byte(`{"swapTransaction":"AQID","lastValidBlockHeight":279632475}`))
	})
	c := newTestClient(t, mux, "")

	build, err := c.BuildSwap(context.Background(), &providers.Route{Raw: json.RawMessage(`{"outAmount":"42"}`)}, "owner-pk")
	if err != nil {
		t.Fatalf("BuildSwap failed: %v", err)
	}
	if build.TransactionBase64 != "AQID" || build.LastValidBlockHeight != 279632475 {
		t.Fatalf("unexpected build: %+v", build)
	}
}

func TestBuildSwapEmptyPayloadIsBuildFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/swap", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"swapTransaction":""}`))
	})
	c := newTestClient(t, mux, "")

	_, err := c.BuildSwap(context.Background(), &providers.Route{Raw: json.RawMessage(`{}`)}, "owner-pk")
	if !clierr.Is(err, clierr.CodeBuildFailed) {
		t.Fatalf("expected build failed, got %v", err)
	}
	_, err = c.BuildSwap(context.Background(), &providers.Route{}, "owner-pk")
	if !clierr.Is(err, clierr.CodeBuildFailed) {
		t.Fatalf("expected build failed for empty route, got %v", err)
	}
}

func TestPricesSkipsUnknownMints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/price", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"` + solMint + `":{"usdPrice":147.52,"decimals":9},"` + usdcMint + `":null}`))
	})
	c := newTestClient(t, mux, "")

	prices, err := c.Prices(context.Background(), []string{solMint, usdcMint})
	if err != nil {
		t.Fatalf("Prices failed: %v", err)
	}
	if got := prices[solMint].String(); got != "147.52" {
		t.Fatalf("unexpected SOL price %s", got)
	}
	if _, ok := prices[usdcMint]; ok {
		t.Fatal("expected null entry to be absent")
	}
}

func TestFetchTokensAcceptsBothShapes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tokens", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id":"` + usdcMint + `","symbol":"USDC","name":"USD Coin","decimals":6},
			{"address":"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263","symbol":"Bonk","name":"Bonk","decimals":5},
			{"symbol":"BROKEN"},
			{"id":"7GCihgDB8fe6KNjn2MYtkzZcRjQy3t9GHdC8uHYmW2hr","symbol":"POPCAT","name":"Popcat"}
		]`))
	})
	c := newTestClient(t, mux, "")

	list, err := c.FetchTokens(context.Background())
	if err != nil {
		t.Fatalf("FetchTokens failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 tokens, got %d", len(list))
	}
	if list[0].Decimals != 6 || list[1].Address != "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263" {
		t.Fatalf("unexpected tokens %+v", list)
	}
	if list[2].Decimals != 9 {
		t.Fatalf("expected default decimals, got %d", list[2].Decimals)
	}
}
