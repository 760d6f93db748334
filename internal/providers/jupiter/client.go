package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/httpx"
	"github.com/ggonzalez94/solswap/internal/id"
	"github.com/ggonzalez94/solswap/internal/model"
	"github.com/ggonzalez94/solswap/internal/providers"
	"github.com/ggonzalez94/solswap/internal/tokens"
)

const (
	defaultLiteBase  = "https://lite-api.jup.ag/swap/v1"
	defaultProBase   = "https://api.jup.ag/swap/v1"
	defaultPriceBase = "https://lite-api.jup.ag/price/v3"
	defaultTokenList = "https://lite-api.jup.ag/tokens/v2/tag?query=verified"

	KeyEnvVar = "SOLSWAP_JUPITER_API_KEY"

	// Jupiter caps ids per price request.
	maxPriceIDs = 50
)

var noRouteCodes = map[string]bool{
	"COULD_NOT_FIND_ANY_ROUTE":                   true,
	"NO_ROUTES_FOUND":                            true,
	"TOKEN_NOT_TRADABLE":                         true,
	"ROUTE_PLAN_DOES_NOT_CONSUME_ALL_THE_AMOUNT": true,
}

type Client struct {
	http         *httpx.Client
	baseURL      string
	priceURL     string
	tokenListURL string
	apiKey       string
	now          func() time.Time
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		if strings.TrimSpace(u) != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithPriceURL(u string) Option {
	return func(c *Client) {
		if strings.TrimSpace(u) != "" {
			c.priceURL = strings.TrimRight(u, "/")
		}
	}
}

func WithTokenListURL(u string) Option {
	return func(c *Client) {
		if strings.TrimSpace(u) != "" {
			c.tokenListURL = u
		}
	}
}

func New(httpClient *httpx.Client, apiKey string, opts ...Option) *Client {
	apiKey = strings.TrimSpace(apiKey)
	baseURL := defaultLiteBase
	if apiKey != "" {
		baseURL = defaultProBase
	}
	c := &Client{
		http:         httpClient,
		baseURL:      baseURL,
		priceURL:     defaultPriceBase,
		tokenListURL: defaultTokenList,
		apiKey:       apiKey,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:          "jupiter",
		Type:          "aggregator",
		RequiresKey:   false,
		KeyEnvVarName: KeyEnvVar,
		Capabilities: []string{
			"swap.quote",
			"swap.build",
			"price",
			"tokens.list",
		},
		CapabilityAuth: []model.ProviderCapabilityAuth{
			{
				Capability:  "swap.quote",
				KeyEnvVar:   KeyEnvVar,
				Description: "Optional API key for higher Jupiter API limits",
			},
		},
	}
}

func (c *Client) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"x-api-key": c.apiKey}
}

type quoteResponse struct {
	InputMint            string `json:"inputMint"`
	OutputMint           string `json:"outputMint"`
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	SlippageBps          int    `json:"slippageBps"`
	PriceImpactPct       string `json:"priceImpactPct"`
	RoutePlan            []struct {
		SwapInfo struct {
			Label string `json:"label"`
		} `json:"swapInfo"`
	} `json:"routePlan"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

func (c *Client) GetRoute(ctx context.Context, req providers.RouteRequest) (*providers.Route, error) {
	vals := url.Values{}
	vals.Set("inputMint", req.InputMint)
	vals.Set("outputMint", req.OutputMint)
	vals.Set("amount", req.AmountBaseUnits)
	vals.Set("slippageBps", strconv.Itoa(req.SlippageBps))
	vals.Set("swapMode", "ExactIn")

	var raw json.RawMessage
	endpoint := fmt.Sprintf("%s/quote?%s", c.baseURL, vals.Encode())
	if _, err := httpx.GetJSON(ctx, c.http, endpoint, c.headers(), &raw); err != nil {
		if isNoRoute(err) {
			return nil, nil
		}
		return nil, err
	}

	var resp quoteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode jupiter quote", err)
	}
	out := strings.TrimSpace(resp.OutAmount)
	if out == "" || out == "0" || len(resp.RoutePlan) == 0 {
		return nil, nil
	}
	inAmount := resp.InAmount
	if inAmount == "" {
		inAmount = req.AmountBaseUnits
	}
	return &providers.Route{
		Provider:             "jupiter",
		InputMint:            req.InputMint,
		OutputMint:           req.OutputMint,
		InAmount:             inAmount,
		OutAmount:            out,
		OtherAmountThreshold: resp.OtherAmountThreshold,
		SlippageBps:          req.SlippageBps,
		PriceImpactPct:       parsePriceImpactPct(resp.PriceImpactPct),
		Path:                 routeFromPlan(resp.RoutePlan),
		Raw:                  raw,
		FetchedAt:            c.now().UTC(),
	}, nil
}

func isNoRoute(err error) bool {
	status, ok := httpx.AsStatus(err)
	if !ok || status.Status != http.StatusBadRequest {
		return false
	}
	var body errorResponse
	if json.Unmarshal(status.Body, &body) != nil {
		return false
	}
	return noRouteCodes[body.ErrorCode]
}

type swapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports string          `json:"prioritizationFeeLamports"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// BuildSwap asks Jupiter for the unsigned transaction of route, paid by
// userPublicKey. An empty payload is CodeBuildFailed.
func (c *Client) BuildSwap(ctx context.Context, route *providers.Route, userPublicKey string) (providers.SwapBuild, error) {
	if route == nil || len(route.Raw) == 0 {
		return providers.SwapBuild{}, clierr.New(clierr.CodeBuildFailed, "route has no quote payload")
	}
	body, err := json.Marshal(swapRequest{
		QuoteResponse:             route.Raw,
		UserPublicKey:             userPublicKey,
		WrapAndUnwrapSol:          true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: "auto",
	})
	if err != nil {
		return providers.SwapBuild{}, clierr.Wrap(clierr.CodeInternal, "encode jupiter swap request", err)
	}

	var resp swapResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+"/swap", body, c.headers(), &resp); err != nil {
		if clierr.Is(err, clierr.CodeUnsupported) {
			return providers.SwapBuild{}, clierr.Wrap(clierr.CodeBuildFailed, "jupiter rejected swap build", err)
		}
		return providers.SwapBuild{}, err
	}
	if strings.TrimSpace(resp.SwapTransaction) == "" {
		return providers.SwapBuild{}, clierr.New(clierr.CodeBuildFailed, "jupiter returned no transaction payload")
	}
	return providers.SwapBuild{
		TransactionBase64:    resp.SwapTransaction,
		LastValidBlockHeight: resp.LastValidBlockHeight,
	}, nil
}

type priceEntry struct {
	USDPrice decimal.Decimal `json:"usdPrice"`
}

func (c *Client) Prices(ctx context.Context, mints []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(mints))
	for start := 0; start < len(mints); start += maxPriceIDs {
		end := min(start+maxPriceIDs, len(mints))
		endpoint := fmt.Sprintf("%s?ids=%s", c.priceURL, url.QueryEscape(strings.Join(mints[start:end], ",")))

		var resp map[string]*priceEntry
		if _, err := httpx.GetJSON(ctx, c.http, endpoint, c.headers(), &resp); err != nil {
			return nil, err
		}
		for mint, entry := range resp {
			if entry == nil || !entry.USDPrice.IsPositive() {
				continue
			}
			out[mint] = entry.USDPrice
		}
	}
	return out, nil
}

type tokenEntry struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals *int   `json:"decimals"`
}

// FetchTokens downloads the verified token list. Both the v2 ("id") and the
// legacy ("address") entry shapes are accepted.
func (c *Client) FetchTokens(ctx context.Context) ([]tokens.Token, error) {
	var raw json.RawMessage
	if _, err := httpx.GetJSON(ctx, c.http, c.tokenListURL, c.headers(), &raw); err != nil {
		return nil, err
	}
	var entries []tokenEntry
	if err := json.Unmarshal(bytes.TrimSpace(raw), &entries); err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode jupiter token list", err)
	}

	out := make([]tokens.Token, 0, len(entries))
	for _, e := range entries {
		addr := strings.TrimSpace(e.ID)
		if addr == "" {
			addr = strings.TrimSpace(e.Address)
		}
		if addr == "" {
			continue
		}
		decimals := id.DefaultDecimals
		if e.Decimals != nil && *e.Decimals >= 0 {
			decimals = *e.Decimals
		}
		out = append(out, tokens.Token{
			Address:  addr,
			Symbol:   strings.TrimSpace(e.Symbol),
			Name:     strings.TrimSpace(e.Name),
			Decimals: decimals,
		})
	}
	return out, nil
}

func parsePriceImpactPct(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	if f < 0 {
		return 0
	}
	return f
}

func routeFromPlan(plan []struct {
	SwapInfo struct {
		Label string `json:"label"`
	} `json:"swapInfo"`
}) string {
	if len(plan) == 0 {
		return "jupiter"
	}

	parts := make([]string, 0, len(plan))
	for _, hop := range plan {
		label := strings.TrimSpace(hop.SwapInfo.Label)
		if label == "" {
			continue
		}
		if len(parts) == 0 || parts[len(parts)-1] != label {
			parts = append(parts, label)
		}
	}
	if len(parts) == 0 {
		return "jupiter"
	}
	return strings.Join(parts, " > ")
}
