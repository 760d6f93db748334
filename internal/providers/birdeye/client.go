package birdeye

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/httpx"
	"github.com/ggonzalez94/solswap/internal/model"
)

const (
	defaultBase = "https://public-api.birdeye.so"
	KeyEnvVar   = "SOLSWAP_BIRDEYE_API_KEY"
)

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
}

func New(httpClient *httpx.Client, apiKey, baseURL string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBase
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(apiKey),
	}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:          "birdeye",
		Type:          "market_data",
		RequiresKey:   true,
		KeyEnvVarName: KeyEnvVar,
		Capabilities:  []string{"price", "token.overview", "token.search"},
		CapabilityAuth: []model.ProviderCapabilityAuth{
			{Capability: "price", KeyEnvVar: KeyEnvVar, Description: "Birdeye public API key"},
			{Capability: "token.overview", KeyEnvVar: KeyEnvVar, Description: "Birdeye public API key"},
			{Capability: "token.search", KeyEnvVar: KeyEnvVar, Description: "Birdeye public API key"},
		},
	}
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"X-API-KEY": c.apiKey,
		"x-chain":   "solana",
	}
}

func (c *Client) requireKey() error {
	if !c.Configured() {
		return clierr.New(clierr.CodeAuth, fmt.Sprintf("birdeye requires %s", KeyEnvVar))
	}
	return nil
}

// Configured reports whether an API key is set; without one Birdeye rejects
// every request.
func (c *Client) Configured() bool { return c.apiKey != "" }

type priceResponse struct {
	Success bool `json:"success"`
	Data    *struct {
		Value *decimal.Decimal `json:"value"`
		Price *decimal.Decimal `json:"price"`
	} `json:"data"`
}

// Prices fetches one mint per request; the multi-price endpoint needs a paid
// tier.
func (c *Client) Prices(ctx context.Context, mints []string) (map[string]decimal.Decimal, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(mints))
	var lastErr error
	for _, mint := range mints {
		p, ok, err := c.price(ctx, mint)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			out[mint] = p
		}
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (c *Client) price(ctx context.Context, mint string) (decimal.Decimal, bool, error) {
	endpoint := fmt.Sprintf("%s/defi/price?address=%s", c.baseURL, url.QueryEscape(mint))
	var resp priceResponse
	if _, err := httpx.GetJSON(ctx, c.http, endpoint, c.headers(), &resp); err != nil {
		return decimal.Zero, false, err
	}
	if !resp.Success || resp.Data == nil {
		return decimal.Zero, false, nil
	}
	v := resp.Data.Value
	if v == nil {
		v = resp.Data.Price
	}
	if v == nil || !v.IsPositive() {
		return decimal.Zero, false, nil
	}
	return *v, true, nil
}

type overviewResponse struct {
	Success bool `json:"success"`
	Data    *struct {
		PriceChange24hPercent *decimal.Decimal `json:"priceChange24hPercent"`
		V24hUSD               *decimal.Decimal `json:"v24hUSD"`
		MarketCap             *decimal.Decimal `json:"marketCap"`
		MC                    *decimal.Decimal `json:"mc"`
		Liquidity             *decimal.Decimal `json:"liquidity"`
		Holder                *int64           `json:"holder"`
		Extensions            *struct {
			Website     string `json:"website"`
			Twitter     string `json:"twitter"`
			Description string `json:"description"`
		} `json:"extensions"`
	} `json:"data"`
}

// Overview returns 24h change, volume, market cap, liquidity and holder
// count for mint. ok is false when Birdeye does not know the token.
func (c *Client) Overview(ctx context.Context, mint string) (model.TokenMarket, bool, error) {
	if err := c.requireKey(); err != nil {
		return model.TokenMarket{}, false, err
	}
	endpoint := fmt.Sprintf("%s/defi/token_overview?address=%s", c.baseURL, url.QueryEscape(mint))
	var resp overviewResponse
	if _, err := httpx.GetJSON(ctx, c.http, endpoint, c.headers(), &resp); err != nil {
		return model.TokenMarket{}, false, err
	}
	if !resp.Success || resp.Data == nil {
		return model.TokenMarket{}, false, nil
	}
	d := resp.Data
	mcap := d.MarketCap
	if mcap == nil {
		mcap = d.MC
	}
	m := model.TokenMarket{
		PriceChange24hPct: decimalString(d.PriceChange24hPercent),
		Volume24hUSD:      decimalString(d.V24hUSD),
		MarketCapUSD:      decimalString(mcap),
		LiquidityUSD:      decimalString(d.Liquidity),
		Holders:           d.Holder,
	}
	if ext := d.Extensions; ext != nil {
		m.Website, m.Twitter, m.Description = ext.Website, ext.Twitter, strings.TrimSpace(ext.Description)
	}
	return m, true, nil
}

type searchToken struct {
	Address      string           `json:"address"`
	Symbol       string           `json:"symbol"`
	Name         string           `json:"name"`
	Decimals     int              `json:"decimals"`
	Network      string           `json:"network"`
	Price        *decimal.Decimal `json:"price"`
	Liquidity    *decimal.Decimal `json:"liquidity"`
	Volume24hUSD *decimal.Decimal `json:"volume_24h_usd"`
}

type searchResponse struct {
	Success bool `json:"success"`
	Data    *struct {
		Items []struct {
			Type   string        `json:"type"`
			Result []searchToken `json:"result"`
		} `json:"items"`
		Tokens []searchToken `json:"tokens"`
	} `json:"data"`
}

// Search lists up to limit Solana tokens matching query, best match first.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]model.TokenCandidate, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("keyword", query)
	q.Set("query", query)
	q.Set("chain", "solana")
	q.Set("target", "token")
	q.Set("sort_by", "volume_24h_usd")
	q.Set("sort_type", "desc")
	endpoint := c.baseURL + "/defi/v3/search?" + q.Encode()

	var resp searchResponse
	if _, err := httpx.GetJSON(ctx, c.http, endpoint, c.headers(), &resp); err != nil {
		return nil, err
	}
	out := []model.TokenCandidate{}
	if !resp.Success || resp.Data == nil {
		return out, nil
	}
	found := resp.Data.Tokens
	for _, item := range resp.Data.Items {
		if item.Type == "" || item.Type == "token" {
			found = append(found, item.Result...)
		}
	}
	seen := map[string]bool{}
	for _, t := range found {
		if t.Address == "" || seen[t.Address] || (t.Network != "" && t.Network != "solana") {
			continue
		}
		seen[t.Address] = true
		out = append(out, model.TokenCandidate{
			Address:      t.Address,
			Symbol:       t.Symbol,
			Name:         t.Name,
			Decimals:     t.Decimals,
			PriceUSD:     decimalString(t.Price),
			LiquidityUSD: decimalString(t.Liquidity),
			Volume24hUSD: decimalString(t.Volume24hUSD),
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
