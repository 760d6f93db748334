package providers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/solswap/internal/model"
	"github.com/ggonzalez94/solswap/internal/tokens"
)

type Provider interface {
	Info() model.ProviderInfo
}

type RouteRequest struct {
	InputMint       string
	OutputMint      string
	AmountBaseUnits string
	SlippageBps     int
}

// Route is a single aggregator quote. It expires quickly upstream and must
// not be reused across swap attempts.
type Route struct {
	Provider             string          `json:"provider"`
	InputMint            string          `json:"input_mint"`
	OutputMint           string          `json:"output_mint"`
	InAmount             string          `json:"in_amount"`
	OutAmount            string          `json:"out_amount"`
	OtherAmountThreshold string          `json:"other_amount_threshold,omitempty"`
	SlippageBps          int             `json:"slippage_bps"`
	PriceImpactPct       float64         `json:"price_impact_pct"`
	Path                 string          `json:"path"`
	Raw                  json.RawMessage `json:"-"`
	FetchedAt            time.Time       `json:"fetched_at"`
}

// SwapBuild is an unsigned, serialized transaction for a route.
type SwapBuild struct {
	TransactionBase64    string
	LastValidBlockHeight uint64
}

type RouteProvider interface {
	Provider
	// GetRoute returns (nil, nil) when the aggregator has no path for the
	// pair and amount.
	GetRoute(ctx context.Context, req RouteRequest) (*Route, error)
}

type SwapBuilder interface {
	Provider
	BuildSwap(ctx context.Context, route *Route, userPublicKey string) (SwapBuild, error)
}

type Aggregator interface {
	RouteProvider
	SwapBuilder
}

type PriceProvider interface {
	Provider
	// Prices returns USD prices for the mints it knows; unknown mints are
	// absent from the map.
	Prices(ctx context.Context, mints []string) (map[string]decimal.Decimal, error)
}

type TokenListProvider interface {
	Provider
	FetchTokens(ctx context.Context) ([]tokens.Token, error)
}
