// Package holdings is the per-owner token ledger kept by this service. It
// tracks what swaps moved, not the on-chain balance.
package holdings

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/logging"
	"github.com/ggonzalez94/solswap/internal/model"
	"github.com/ggonzalez94/solswap/internal/storage"
	"github.com/ggonzalez94/solswap/internal/tokens"
)

type PriceSource interface {
	// Prices returns USD prices; unpriced mints are absent.
	Prices(ctx context.Context, mints []string) (map[string]decimal.Decimal, error)
}

type TokenLookup interface {
	Lookup(ctx context.Context, mint string) (tokens.Token, bool)
}

type Ledger struct {
	store  storage.HoldingStore
	prices PriceSource
	tokens TokenLookup
	log    *zap.Logger
	now    func() time.Time
}

type Option func(*Ledger)

func WithLogger(l *zap.Logger) Option {
	return func(x *Ledger) { x.log = logging.Or(l) }
}

func WithTokenLookup(t TokenLookup) Option {
	return func(x *Ledger) { x.tokens = t }
}

func New(store storage.HoldingStore, prices PriceSource, opts ...Option) *Ledger {
	l := &Ledger{store: store, prices: prices, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Adjust adds delta to the owner's holding of mint and returns the new
// amount. A result at or below zero closes the position.
func (l *Ledger) Adjust(ctx context.Context, ownerID, mint string, delta decimal.Decimal) (decimal.Decimal, error) {
	ownerID, mint = strings.TrimSpace(ownerID), strings.TrimSpace(mint)
	if ownerID == "" || mint == "" {
		return decimal.Zero, clierr.New(clierr.CodeUsage, "owner and mint are required")
	}
	if delta.IsZero() {
		return l.amountOf(ctx, ownerID, mint)
	}
	amount, err := l.store.AdjustHolding(ctx, ownerID, mint, delta, l.now().UTC())
	if err != nil {
		return decimal.Zero, clierr.Wrap(clierr.CodeStoreUnavailable, "adjust holding", err)
	}
	l.log.Debug("holding adjusted",
		zap.String("owner", ownerID),
		zap.String("mint", mint),
		zap.String("delta", delta.String()),
		zap.String("amount", amount.String()))
	return amount, nil
}

func (l *Ledger) amountOf(ctx context.Context, ownerID, mint string) (decimal.Decimal, error) {
	items, err := l.Get(ctx, ownerID)
	if err != nil {
		return decimal.Zero, err
	}
	for _, h := range items {
		if h.Mint == mint {
			return h.Amount, nil
		}
	}
	return decimal.Zero, nil
}

func (l *Ledger) Get(ctx context.Context, ownerID string) ([]storage.Holding, error) {
	items, err := l.store.ListHoldings(ctx, strings.TrimSpace(ownerID))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeStoreUnavailable, "list holdings", err)
	}
	return items, nil
}

// Valuate prices every holding. A line without a price is listed with value
// zero and does not count toward the total.
func (l *Ledger) Valuate(ctx context.Context, ownerID string) (model.Valuation, error) {
	items, err := l.Get(ctx, ownerID)
	if err != nil {
		return model.Valuation{}, err
	}

	mints := make([]string, 0, len(items))
	for _, h := range items {
		mints = append(mints, h.Mint)
	}
	var prices map[string]decimal.Decimal
	if len(mints) > 0 && l.prices != nil {
		prices, err = l.prices.Prices(ctx, mints)
		if err != nil {
			l.log.Warn("valuation prices unavailable", zap.String("owner", ownerID), zap.Error(err))
		}
	}

	out := model.Valuation{OwnerID: ownerID, Items: make([]model.ValuationItem, 0, len(items))}
	total := decimal.Zero
	values := make(map[string]decimal.Decimal, len(items))
	for _, h := range items {
		item := model.ValuationItem{Mint: h.Mint, Amount: h.Amount.String(), Value: "0"}
		if l.tokens != nil {
			if tok, ok := l.tokens.Lookup(ctx, h.Mint); ok {
				item.Symbol = tok.Symbol
			}
		}
		if p, ok := prices[h.Mint]; ok {
			ps := p.String()
			value := h.Amount.Mul(p)
			item.Price = &ps
			item.Value = value.StringFixed(2)
			values[h.Mint] = value
			total = total.Add(value)
		} else {
			out.Unpriced++
		}
		out.Items = append(out.Items, item)
	}
	sort.SliceStable(out.Items, func(i, j int) bool {
		vi, vj := values[out.Items[i].Mint], values[out.Items[j].Mint]
		if !vi.Equal(vj) {
			return vi.GreaterThan(vj)
		}
		return out.Items[i].Mint < out.Items[j].Mint
	})
	out.TotalUSD = total.StringFixed(2)
	return out, nil
}
