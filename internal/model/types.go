package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Cache     CacheStatus      `json:"cache"`
	Partial   bool             `json:"partial"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

type ProviderInfo struct {
	Name           string                   `json:"name"`
	Type           string                   `json:"type"`
	RequiresKey    bool                     `json:"requires_key"`
	Capabilities   []string                 `json:"capabilities"`
	KeyEnvVarName  string                   `json:"key_env_var,omitempty"`
	CapabilityAuth []ProviderCapabilityAuth `json:"capability_auth,omitempty"`
}

type ProviderCapabilityAuth struct {
	Capability  string `json:"capability"`
	KeyEnvVar   string `json:"key_env_var"`
	Description string `json:"description,omitempty"`
}

type AmountInfo struct {
	AmountBaseUnits string `json:"amount_base_units"`
	AmountDecimal   string `json:"amount_decimal"`
	Decimals        int    `json:"decimals"`
}

type TokenRef struct {
	Address   string `json:"address"`
	Symbol    string `json:"symbol,omitempty"`
	Name      string `json:"name,omitempty"`
	Decimals  int    `json:"decimals"`
	Synthetic bool   `json:"synthetic,omitempty"`
}

type TokenInfo struct {
	Token     TokenRef     `json:"token"`
	PriceUSD  *string      `json:"price_usd"`
	Market    *TokenMarket `json:"market,omitempty"`
	FetchedAt string       `json:"fetched_at"`
}

// TokenMarket is the market overview of one token. Fields the source does not
// report are nil or empty.
type TokenMarket struct {
	PriceChange24hPct *string `json:"price_change_24h_pct"`
	Volume24hUSD      *string `json:"volume_24h_usd"`
	MarketCapUSD      *string `json:"market_cap_usd"`
	LiquidityUSD      *string `json:"liquidity_usd"`
	Holders           *int64  `json:"holders"`
	Website           string  `json:"website,omitempty"`
	Twitter           string  `json:"twitter,omitempty"`
	Description       string  `json:"description,omitempty"`
}

type TokenCandidate struct {
	Address      string  `json:"address"`
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	Decimals     int     `json:"decimals"`
	PriceUSD     *string `json:"price_usd"`
	LiquidityUSD *string `json:"liquidity_usd"`
	Volume24hUSD *string `json:"volume_24h_usd"`
}

type SwapQuote struct {
	Provider       string     `json:"provider"`
	InputToken     TokenRef   `json:"input_token"`
	OutputToken    TokenRef   `json:"output_token"`
	InputAmount    AmountInfo `json:"input_amount"`
	EstimatedOut   AmountInfo `json:"estimated_out"`
	MinimumOut     AmountInfo `json:"minimum_out"`
	SlippageBps    int        `json:"slippage_bps"`
	PriceImpactPct float64    `json:"price_impact_pct"`
	Route          string     `json:"route"`
	FetchedAt      string     `json:"fetched_at"`
}

// SwapResult is returned once per confirmed swap.
type SwapResult struct {
	SwapID      string     `json:"swap_id"`
	Signature   string     `json:"signature"`
	InputToken  TokenRef   `json:"input_token"`
	OutputToken TokenRef   `json:"output_token"`
	InAmount    AmountInfo `json:"in_amount"`
	OutAmount   AmountInfo `json:"out_amount"`
	Route       string     `json:"route"`
	ConfirmedAt string     `json:"confirmed_at"`
}

type WalletView struct {
	OwnerID   string `json:"owner_id"`
	Address   string `json:"address"`
	CreatedAt string `json:"created_at"`
}

type NativeBalance struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Amount  string `json:"amount"`
}

type HoldingView struct {
	Mint      string `json:"mint"`
	Symbol    string `json:"symbol,omitempty"`
	Amount    string `json:"amount"`
	UpdatedAt string `json:"updated_at"`
}

type ValuationItem struct {
	Mint   string  `json:"mint"`
	Symbol string  `json:"symbol,omitempty"`
	Amount string  `json:"amount"`
	Price  *string `json:"price_usd"`
	Value  string  `json:"value_usd"`
}

type Valuation struct {
	OwnerID  string          `json:"owner_id"`
	Items    []ValuationItem `json:"items"`
	TotalUSD string          `json:"total_usd"`
	Unpriced int             `json:"unpriced"`
}

type SwapJournalEntry struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	InputMint string `json:"input_mint"`
	OutMint   string `json:"output_mint"`
	InAmount  string `json:"in_amount,omitempty"`
	OutAmount string `json:"out_amount,omitempty"`
	Signature string `json:"signature,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type ReconcileReport struct {
	Checked        int      `json:"checked"`
	Confirmed      int      `json:"confirmed"`
	Failed         int      `json:"failed"`
	Unknown        int      `json:"unknown"`
	LedgerRepaired int      `json:"ledger_repaired"`
	Errors         []string `json:"errors,omitempty"`
}

type WatchView struct {
	ID          string `json:"id"`
	Mint        string `json:"mint"`
	Symbol      string `json:"symbol,omitempty"`
	TargetPrice string `json:"target_price_usd"`
	Direction   string `json:"direction"`
	CreatedAt   string `json:"created_at"`
}
