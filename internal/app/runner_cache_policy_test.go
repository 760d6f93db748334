package app

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/solswap/internal/cache"
	"github.com/ggonzalez94/solswap/internal/config"
	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/model"
)

const (
	shortTTL = 100 * time.Millisecond
	pastTTL  = 150 * time.Millisecond
)

const cachedUSDC = `{"token":{"address":"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v","symbol":"USDC","decimals":6},"price_usd":"0.9998"}`

type priceEnvelope struct {
	Success  bool            `json:"success"`
	Data     model.TokenInfo `json:"data"`
	Warnings []string        `json:"warnings"`
	Meta     struct {
		Cache     model.CacheStatus      `json:"cache"`
		Providers []model.ProviderStatus `json:"providers"`
		Partial   bool                   `json:"partial"`
	} `json:"meta"`
}

// livePrice is a fetch that returns a fresh USDC quote.
func livePrice(calls *int, price string) fetchFn {
	return func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
		*calls++
		return model.TokenInfo{Token: model.TokenRef{Address: usdcMint, Symbol: "USDC", Decimals: 6}, PriceUSD: &price},
			[]model.ProviderStatus{{Name: "prices", Status: "ok", LatencyMS: 3}}, nil, false, nil
	}
}

func failingPrice(calls *int, err error) fetchFn {
	return func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
		*calls++
		return nil, []model.ProviderStatus{{Name: "prices", Status: statusFromErr(err), LatencyMS: 1}}, nil, false, err
	}
}

func TestCachedPriceServedWithinTTLWithoutFetching(t *testing.T) {
	state, stdout := newCachePolicyTestState(t, time.Minute, false)
	if err := state.cache.Set(context.Background(), "tokens-info-usdc", []byte(cachedUSDC), time.Minute); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}

	calls := 0
	if err := state.runCachedCommand("tokens info", "tokens-info-usdc", time.Minute, livePrice(&calls, "1.0001")); err != nil {
		t.Fatalf("runCachedCommand failed: %v", err)
	}
	if calls != 0 {
		t.Fatalf("fresh cache entry must not trigger a fetch, got %d calls", calls)
	}
	env := decodePriceEnvelope(t, stdout)
	if *env.Data.PriceUSD != "0.9998" || env.Meta.Cache.Status != "hit" || env.Meta.Cache.Stale {
		t.Fatalf("expected fresh cached price, got %+v meta=%+v", env.Data, env.Meta.Cache)
	}
}

func TestCachedPriceRefetchedAfterTTL(t *testing.T) {
	state, stdout := newCachePolicyTestState(t, 5*time.Minute, false)
	if err := state.cache.Set(context.Background(), "price-usdc", []byte(cachedUSDC), shortTTL); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}
	time.Sleep(pastTTL)

	calls := 0
	if err := state.runCachedCommand("price", "price-usdc", shortTTL, livePrice(&calls, "1.0001")); err != nil {
		t.Fatalf("runCachedCommand failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one fetch after ttl expiry, got %d", calls)
	}
	env := decodePriceEnvelope(t, stdout)
	if *env.Data.PriceUSD != "1.0001" {
		t.Fatalf("expected live price, got %+v", env.Data)
	}
	if env.Meta.Cache.Status != "write" || len(env.Meta.Providers) != 1 {
		t.Fatalf("expected cache write with provider status, got %+v", env.Meta)
	}
}

func TestCachedUndecodableEntryIsDroppedAndRefetched(t *testing.T) {
	state, stdout := newCachePolicyTestState(t, time.Minute, false)
	if err := state.cache.Set(context.Background(), "price-usdc", []byte("{truncated"), time.Minute); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}

	calls := 0
	if err := state.runCachedCommand("price", "price-usdc", time.Minute, livePrice(&calls, "1.0001")); err != nil {
		t.Fatalf("runCachedCommand failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a fetch after dropping the bad entry, got %d calls", calls)
	}
	env := decodePriceEnvelope(t, stdout)
	if *env.Data.PriceUSD != "1.0001" || env.Meta.Cache.Status != "write" {
		t.Fatalf("expected rewritten entry, got %+v meta=%+v", env.Data, env.Meta.Cache)
	}
}

func TestCachedPriceFallsBackToStaleWhenProvidersDown(t *testing.T) {
	state, stdout := newCachePolicyTestState(t, 5*time.Second, false)
	if err := state.cache.Set(context.Background(), "price-usdc", []byte(cachedUSDC), shortTTL); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}
	time.Sleep(pastTTL)

	calls := 0
	err := state.runCachedCommand("price", "price-usdc", shortTTL, failingPrice(&calls, clierr.New(clierr.CodeUnavailable, "price providers unavailable")))
	if err != nil {
		t.Fatalf("expected stale fallback, got %v", err)
	}
	env := decodePriceEnvelope(t, stdout)
	if *env.Data.PriceUSD != "0.9998" || !env.Meta.Cache.Stale {
		t.Fatalf("expected stale cached price, got %+v meta=%+v", env.Data, env.Meta.Cache)
	}
	if len(env.Meta.Providers) != 1 || env.Meta.Providers[0].Status != "unavailable" {
		t.Fatalf("expected provider failure metadata, got %+v", env.Meta.Providers)
	}
	if !slices.Contains(env.Warnings, "provider fetch failed; serving stale data within max-stale budget") {
		t.Fatalf("expected stale warning, got %v", env.Warnings)
	}
}

func TestCachedPriceStaleRejectedPastBudget(t *testing.T) {
	for _, tc := range []struct {
		name     string
		maxStale time.Duration
		delay    time.Duration
	}{
		{name: "already past budget", maxStale: 10 * time.Millisecond},
		{name: "fetch pushes past budget", maxStale: 300 * time.Millisecond, delay: 400 * time.Millisecond},
	} {
		t.Run(tc.name, func(t *testing.T) {
			state, _ := newCachePolicyTestState(t, tc.maxStale, false)
			if err := state.cache.Set(context.Background(), "price-usdc", []byte(cachedUSDC), shortTTL); err != nil {
				t.Fatalf("cache set failed: %v", err)
			}
			time.Sleep(pastTTL)

			err := state.runCachedCommand("price", "price-usdc", shortTTL, func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
				time.Sleep(tc.delay)
				return nil, nil, nil, false, clierr.New(clierr.CodeRateLimited, "rate limited")
			})
			if !clierr.Is(err, clierr.CodeStale) {
				t.Fatalf("expected stale error, got %v", err)
			}
			if !strings.Contains(err.Error(), "exceeded stale budget") {
				t.Fatalf("expected budget message, got %v", err)
			}
		})
	}
}

func TestCachedPriceNoStaleDisablesFallback(t *testing.T) {
	state, _ := newCachePolicyTestState(t, time.Minute, true)
	if err := state.cache.Set(context.Background(), "price-usdc", []byte(cachedUSDC), shortTTL); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}
	time.Sleep(pastTTL)

	calls := 0
	err := state.runCachedCommand("price", "price-usdc", shortTTL, failingPrice(&calls, clierr.New(clierr.CodeUnavailable, "down")))
	if !clierr.Is(err, clierr.CodeStale) || !strings.Contains(err.Error(), "--no-stale") {
		t.Fatalf("expected --no-stale rejection, got %v", err)
	}
}

func TestCachedPriceAuthFailureSkipsStale(t *testing.T) {
	state, _ := newCachePolicyTestState(t, time.Minute, false)
	if err := state.cache.Set(context.Background(), "price-usdc", []byte(cachedUSDC), shortTTL); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}
	time.Sleep(pastTTL)

	calls := 0
	err := state.runCachedCommand("price", "price-usdc", shortTTL, failingPrice(&calls, clierr.New(clierr.CodeAuth, "birdeye key rejected")))
	if !clierr.Is(err, clierr.CodeAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestCachedPartialPricesAreNotCached(t *testing.T) {
	state, stdout := newCachePolicyTestState(t, time.Minute, false)
	err := state.runCachedCommand("price", "price-usdc-sol", time.Minute, func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
		return []model.TokenInfo{{Token: model.TokenRef{Address: usdcMint, Symbol: "USDC"}}}, nil,
			[]string{"price unavailable for " + solMint}, true, nil
	})
	if err != nil {
		t.Fatalf("runCachedCommand failed: %v", err)
	}
	var env priceEnvelopeList
	if err := json.Unmarshal(stdout.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if !env.Meta.Partial || env.Meta.Cache.Status != "miss" {
		t.Fatalf("expected uncached partial result, got %+v", env.Meta)
	}
	res, err := state.cache.Get(context.Background(), "price-usdc-sol", time.Minute)
	if err != nil || res.Hit {
		t.Fatalf("partial result must not be cached: res=%+v err=%v", res, err)
	}
}

func TestCachedStrictPartialKeepsDiagnostics(t *testing.T) {
	state, _ := newCachePolicyTestState(t, time.Minute, false)
	state.settings.Strict = true

	err := state.runCachedCommand("price", "price-strict", time.Minute, func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
		return []model.TokenInfo{}, []model.ProviderStatus{{Name: "prices", Status: "ok"}},
			[]string{"price unavailable for " + solMint}, true, nil
	})
	if !clierr.Is(err, clierr.CodePartialStrict) {
		t.Fatalf("expected partial strict error, got %v", err)
	}

	state.diag.command = "price"
	state.renderError(err)
	var env struct {
		Success  bool            `json:"success"`
		Warnings []string        `json:"warnings"`
		Error    model.ErrorBody `json:"error"`
		Meta     struct {
			Partial   bool                   `json:"partial"`
			Providers []model.ProviderStatus `json:"providers"`
		} `json:"meta"`
	}
	stderr := state.runner.stderr.(*bytes.Buffer)
	if err := json.Unmarshal(stderr.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v output=%s", err, stderr.String())
	}
	if env.Success || env.Error.Type != "partial_results" || !env.Meta.Partial || len(env.Meta.Providers) != 1 {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
	if !slices.Contains(env.Warnings, "price unavailable for "+solMint) {
		t.Fatalf("expected warning propagation, got %v", env.Warnings)
	}
}

func TestStaleExceedsBudget(t *testing.T) {
	if staleExceedsBudget(time.Second, 2*time.Second, 0) {
		t.Fatal("fresh entry cannot exceed budget")
	}
	if staleExceedsBudget(time.Hour, time.Second, -1) {
		t.Fatal("negative max-stale is unbounded")
	}
	if !staleExceedsBudget(4*time.Second, time.Second, 2*time.Second) {
		t.Fatal("expected entry past ttl+max-stale to exceed budget")
	}
}

type priceEnvelopeList struct {
	Data []model.TokenInfo `json:"data"`
	Meta struct {
		Cache   model.CacheStatus `json:"cache"`
		Partial bool              `json:"partial"`
	} `json:"meta"`
}

func newCachePolicyTestState(t *testing.T, maxStale time.Duration, noStale bool) (*runtimeState, *bytes.Buffer) {
	t.Helper()
	tmp := t.TempDir()
	store, err := cache.Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	stdout := &bytes.Buffer{}
	state := &runtimeState{
		runner: &Runner{stdout: stdout, stderr: &bytes.Buffer{}, now: time.Now},
		settings: config.Settings{
			OutputMode:   "json",
			Timeout:      5 * time.Second,
			CacheEnabled: true,
			MaxStale:     maxStale,
			NoStale:      noStale,
		},
		cache: store,
	}
	return state, stdout
}

func decodePriceEnvelope(t *testing.T, buf *bytes.Buffer) priceEnvelope {
	t.Helper()
	var env priceEnvelope
	if err := json.Unmarshal(buf.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope failed: %v output=%s", err, buf.String())
	}
	if !env.Success {
		t.Fatalf("expected success envelope, got %s", buf.String())
	}
	return env
}
