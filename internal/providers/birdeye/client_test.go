package birdeye

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/httpx"
)

const (
	solMint  = "So11111111111111111111111111111111111111112"
	bonkMint = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
)

func TestPricesSendsHeadersAndParsesValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/defi/price" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-API-KEY") != "be-key" || r.Header.Get("x-chain") != "solana" {
			t.Errorf("missing birdeye headers: %v", r.Header)
		}
		switch r.URL.Query().Get("address") {
		case solMint:
			_, _ = w.Write([]byte(`{"success":true,"data":{"value":148.12,"updateUnixTime":1700000000}}`))
		default:
			_, _ = w.Write([]byte(`{"success":false,"message":"not found"}`))
		}
	}))
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0), "be-key", srv.URL)
	prices, err := c.Prices(context.Background(), []string{solMint, bonkMint})
	if err != nil {
		t.Fatalf("Prices failed: %v", err)
	}
	if got := prices[solMint].String(); got != "148.12" {
		t.Fatalf("unexpected price %s", got)
	}
	if _, ok := prices[bonkMint]; ok {
		t.Fatal("expected unknown mint to be absent")
	}
}

func TestPricesWithoutKeyIsAuthError(t *testing.T) {
	c := New(httpx.New(time.Second, 0), "", "")
	if c.Configured() {
		t.Fatal("expected unconfigured client")
	}
	_, err := c.Prices(context.Background(), []string{solMint})
	if !clierr.Is(err, clierr.CodeAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestPricesAllFailedReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0), "be-key", srv.URL)
	_, err := c.Prices(context.Background(), []string{solMint})
	if !clierr.Is(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestOverviewParsesMarketFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/defi/token_overview" || r.URL.Query().Get("address") != bonkMint {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("X-API-KEY") != "be-key" {
			t.Errorf("missing api key")
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{
			"address":"` + bonkMint + `","symbol":"Bonk",
			"priceChange24hPercent":-3.25,"v24hUSD":18250000.5,"mc":1520000000,
			"liquidity":4200000,"holder":812345,
			"extensions":{"website":"https://bonkcoin.com","twitter":"https://twitter.com/bonk_inu","description":" The dog coin. "}
		}}`))
	}))
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0), "be-key", srv.URL)
	m, ok, err := c.Overview(context.Background(), bonkMint)
	if err != nil || !ok {
		t.Fatalf("Overview failed: ok=%v err=%v", ok, err)
	}
	if *m.PriceChange24hPct != "-3.25" || *m.Volume24hUSD != "18250000.5" || *m.MarketCapUSD != "1520000000" || *m.LiquidityUSD != "4200000" {
		t.Fatalf("unexpected market numbers %+v", m)
	}
	if m.Holders == nil || *m.Holders != 812345 {
		t.Fatalf("unexpected holders %v", m.Holders)
	}
	if m.Website != "https://bonkcoin.com" || m.Description != "The dog coin." {
		t.Fatalf("unexpected extensions %+v", m)
	}
}

func TestOverviewUnknownToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"token not found","data":null}`))
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0), "be-key", srv.URL)
	_, ok, err := c.Overview(context.Background(), solMint)
	if err != nil || ok {
		t.Fatalf("expected not found without error, got ok=%v err=%v", ok, err)
	}
}

func TestSearchKeepsSolanaTokensUpToLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/defi/v3/search" || r.URL.Query().Get("keyword") != "bonk" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"items":[
			{"type":"market","result":[{"address":"pool1","name":"BONK-SOL"}]},
			{"type":"token","result":[
				{"address":"` + bonkMint + `","symbol":"Bonk","name":"Bonk","decimals":5,"network":"solana","price":0.0000231,"liquidity":4200000,"volume_24h_usd":18250000},
				{"address":"0xbonk","symbol":"BONK","name":"Bonk (bridged)","decimals":18,"network":"ethereum"},
				{"address":"` + bonkMint + `","symbol":"Bonk","name":"Bonk","decimals":5,"network":"solana"},
				{"address":"bonkfork111","symbol":"BONKF","name":"Bonk Fork","decimals":6,"network":"solana"},
				{"address":"bonkfork222","symbol":"BONKG","name":"Bonk Fork 2","decimals":6,"network":"solana"}
			]}
		]}}`))
	}))
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0), "be-key", srv.URL)
	got, err := c.Search(context.Background(), "bonk", 2)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 2 || got[0].Address != bonkMint || got[1].Address != "bonkfork111" {
		t.Fatalf("unexpected candidates %+v", got)
	}
	if got[0].PriceUSD == nil || *got[0].PriceUSD != "0.0000231" || got[0].Decimals != 5 {
		t.Fatalf("unexpected first candidate %+v", got[0])
	}
	if got[1].PriceUSD != nil {
		t.Fatal("missing price must stay nil")
	}
}

func TestSearchWithoutKeyIsAuthError(t *testing.T) {
	_, err := New(httpx.New(time.Second, 0), "", "").Search(context.Background(), "bonk", 6)
	if !clierr.Is(err, clierr.CodeAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}
