// Package defillama reads Solana token prices from the DefiLlama coins API.
// It needs no key and serves as the last price source in the chain.
package defillama

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/solswap/internal/httpx"
	"github.com/ggonzalez94/solswap/internal/model"
)

const (
	defaultCoinsBase = "https://coins.llama.fi"
	chainPrefix      = "solana:"

	// batchSize keeps the coin list inside common URL length limits.
	batchSize = 50
	// minConfidence drops prices DefiLlama itself marks as weak.
	minConfidence = 0.9
	searchWidth   = "4h"
)

type Client struct {
	http      *httpx.Client
	coinsBase string
}

func New(httpClient *httpx.Client, baseURL string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultCoinsBase
	}
	return &Client{
		http:      httpClient,
		coinsBase: strings.TrimRight(baseURL, "/"),
	}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "defillama",
		Type:         "market_data",
		RequiresKey:  false,
		Capabilities: []string{"price"},
	}
}

type coinsResp struct {
	Coins map[string]struct {
		Price      *decimal.Decimal `json:"price"`
		Symbol     string           `json:"symbol"`
		Timestamp  int64            `json:"timestamp"`
		Confidence *float64         `json:"confidence"`
	} `json:"coins"`
}

// Prices batches mints into as few requests as possible. A failed batch is
// skipped; the error surfaces only when nothing was priced.
func (c *Client) Prices(ctx context.Context, mints []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(mints))
	var lastErr error
	for start := 0; start < len(mints); start += batchSize {
		end := min(start+batchSize, len(mints))
		if err := c.fetch(ctx, mints[start:end], out); err != nil {
			lastErr = err
		}
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, mints []string, out map[string]decimal.Decimal) error {
	coins := make([]string, 0, len(mints))
	for _, m := range mints {
		coins = append(coins, chainPrefix+strings.TrimSpace(m))
	}
	endpoint := fmt.Sprintf("%s/prices/current/%s?searchWidth=%s",
		c.coinsBase, strings.Join(coins, ","), searchWidth)

	var resp coinsResp
	if _, err := httpx.GetJSON(ctx, c.http, endpoint, nil, &resp); err != nil {
		return err
	}
	for key, coin := range resp.Coins {
		mint, ok := strings.CutPrefix(key, chainPrefix)
		if !ok || coin.Price == nil || !coin.Price.IsPositive() {
			continue
		}
		if coin.Confidence != nil && *coin.Confidence < minConfidence {
			continue
		}
		out[mint] = *coin.Price
	}
	return nil
}
