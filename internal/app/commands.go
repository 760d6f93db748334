package app

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/solswap/internal/config"
	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/id"
	"github.com/ggonzalez94/solswap/internal/model"
	"github.com/ggonzalez94/solswap/internal/storage"
	"github.com/ggonzalez94/solswap/internal/swap"
	"github.com/ggonzalez94/solswap/internal/tokens"
)

func (s *runtimeState) newWalletCommand() *cobra.Command {
	root := &cobra.Command{Use: "wallet", Short: "Custodial wallet commands"}

	var createOwner string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create the owner's custodial wallet (fails if one exists)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.requestContext(0)
			defer cancel()
			v, err := s.svc.openVault(ctx)
			if err != nil {
				return err
			}
			w, err := v.CreateWallet(ctx, createOwner)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), walletView(w), nil, cacheMetaBypass(), nil, false)
		},
	}
	ownerFlag(create, &createOwner)

	var showOwner string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the owner's wallet address",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.requestContext(0)
			defer cancel()
			v, err := s.svc.openVault(ctx)
			if err != nil {
				return err
			}
			w, err := v.GetWallet(ctx, showOwner)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), walletView(w), nil, cacheMetaBypass(), nil, false)
		},
	}
	ownerFlag(show, &showOwner)

	var balanceOwner string
	balance := &cobra.Command{
		Use:   "balance",
		Short: "Read the wallet's native SOL balance from chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.requestContext(0)
			defer cancel()
			v, err := s.svc.openVault(ctx)
			if err != nil {
				return err
			}
			w, err := v.GetWallet(ctx, balanceOwner)
			if err != nil {
				return err
			}
			amount, err := v.NativeBalance(ctx, w.PublicKey)
			if err != nil {
				return err
			}
			data := model.NativeBalance{Address: w.PublicKey, Symbol: id.NativeSymbol, Amount: amount.String()}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil, false)
		},
	}
	ownerFlag(balance, &balanceOwner)

	root.AddCommand(create, show, balance)
	return root
}

func (s *runtimeState) newTokensCommand() *cobra.Command {
	root := &cobra.Command{Use: "tokens", Short: "Token resolution commands"}

	resolve := &cobra.Command{
		Use:   "resolve <symbol|name|mint>",
		Short: "Resolve a query to token metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.requestContext(0)
			defer cancel()
			tok, err := s.resolveToken(ctx, args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), tokenRef(tok), nil, cacheMetaBypass(), nil, false)
		},
	}

	info := &cobra.Command{
		Use:   "info <symbol|name|mint>",
		Short: "Resolve a token and show its USD price and market overview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			key := cacheKey(path, map[string]string{"query": normalizeQuery(args[0])})
			return s.runCachedCommand(path, key, s.settings.PriceTTL, func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
				tok, err := s.resolveToken(ctx, args[0])
				if err != nil {
					return nil, nil, nil, false, err
				}
				items, status, warnings, partial, err := s.priceTokens(ctx, []tokens.Token{tok})
				if err != nil {
					return nil, status, warnings, false, err
				}
				item := items[0]
				// the overview is best effort; price alone still answers
				if s.svc.birdeye.Configured() {
					start := time.Now()
					market, ok, err := s.svc.birdeye.Overview(ctx, tok.Address)
					status = append(status, model.ProviderStatus{Name: "birdeye", Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()})
					switch {
					case err != nil:
						warnings = append(warnings, "market overview unavailable: "+err.Error())
					case ok:
						item.Market = &market
					}
				}
				return item, status, warnings, partial, nil
			})
		},
	}

	var searchLimit int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "List tokens matching a name or symbol (Birdeye search)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.TrimSpace(args[0])
			if len([]rune(query)) < 2 {
				return clierr.New(clierr.CodeUsage, "search query needs at least 2 characters")
			}
			if searchLimit < 1 || searchLimit > 50 {
				return clierr.New(clierr.CodeUsage, "--limit must be between 1 and 50")
			}
			path := trimRootPath(cmd.CommandPath())
			key := cacheKey(path, map[string]any{"query": normalizeQuery(query), "limit": searchLimit})
			return s.runCachedCommand(path, key, s.settings.PriceTTL, func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
				start := time.Now()
				found, err := s.svc.birdeye.Search(ctx, query, searchLimit)
				status := []model.ProviderStatus{{Name: "birdeye", Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
				if err != nil {
					return nil, status, nil, false, err
				}
				return found, status, nil, false, nil
			})
		},
	}
	search.Flags().IntVar(&searchLimit, "limit", 6, "Maximum number of candidates")

	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Refetch the token list now, ignoring its TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.requestContext(0)
			defer cancel()
			if err := s.svc.resolver.Refresh(ctx); err != nil {
				return err
			}
			data := map[string]int{"tokens": s.svc.resolver.Len()}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil, false)
		},
	}

	root.AddCommand(resolve, info, search, refresh)
	return root
}

func (s *runtimeState) newPriceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "price <token> [token...]",
		Short: "USD prices for one or more tokens",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			queries := make([]string, 0, len(args))
			for _, a := range args {
				queries = append(queries, normalizeQuery(a))
			}
			key := cacheKey(path, map[string]any{"queries": queries})
			return s.runCachedCommand(path, key, s.settings.PriceTTL, func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
				var (
					toks     []tokens.Token
					warnings []string
				)
				for _, q := range args {
					tok, err := s.resolveToken(ctx, q)
					if err != nil {
						if clierr.Is(err, clierr.CodeUnknownToken) {
							warnings = append(warnings, err.Error())
							continue
						}
						return nil, nil, nil, false, err
					}
					toks = append(toks, tok)
				}
				if len(toks) == 0 {
					return nil, nil, warnings, false, clierr.New(clierr.CodeUnknownToken, "no token matched")
				}
				items, status, priceWarnings, partial, err := s.priceTokens(ctx, toks)
				warnings = append(warnings, priceWarnings...)
				if err != nil {
					return nil, status, warnings, false, err
				}
				return items, status, warnings, partial || len(toks) < len(args), nil
			})
		},
	}
}

// priceTokens prices toks in one batch. A token without a price is returned
// with a nil price and marks the result partial.
func (s *runtimeState) priceTokens(ctx context.Context, toks []tokens.Token) ([]model.TokenInfo, []model.ProviderStatus, []string, bool, error) {
	mints := make([]string, 0, len(toks))
	for _, t := range toks {
		mints = append(mints, t.Address)
	}
	start := time.Now()
	prices, err := s.svc.prices.Prices(ctx, mints)
	status := []model.ProviderStatus{{Name: "prices", Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
	if err != nil {
		return nil, status, nil, false, err
	}

	var warnings []string
	partial := false
	now := s.runner.now().UTC().Format(time.RFC3339)
	items := make([]model.TokenInfo, 0, len(toks))
	for _, t := range toks {
		info := model.TokenInfo{Token: tokenRef(t), FetchedAt: now}
		if p, ok := prices[t.Address]; ok {
			ps := p.String()
			info.PriceUSD = &ps
		} else {
			partial = true
			warnings = append(warnings, "price unavailable for "+t.Address)
		}
		items = append(items, info)
	}
	return items, status, warnings, partial, nil
}

func (s *runtimeState) resolveToken(ctx context.Context, query string) (tokens.Token, error) {
	tok, ok, err := s.svc.resolver.Resolve(ctx, query)
	if err != nil {
		return tokens.Token{}, err
	}
	if !ok {
		return tokens.Token{}, clierr.New(clierr.CodeUnknownToken, "unknown token: "+strings.TrimSpace(query))
	}
	return tok, nil
}

type swapFlags struct {
	owner       string
	from        string
	to          string
	amount      string
	slippageBps int
}

func (f *swapFlags) bind(cmd *cobra.Command, withOwner bool) {
	if withOwner {
		ownerFlag(cmd, &f.owner)
	}
	cmd.Flags().StringVar(&f.from, "from", "", "Input token (symbol, name or mint)")
	cmd.Flags().StringVar(&f.to, "to", "", "Output token (symbol, name or mint)")
	cmd.Flags().StringVar(&f.amount, "amount", "", "Input amount in human units (e.g. 0.1)")
	cmd.Flags().IntVar(&f.slippageBps, "slippage-bps", 0, "Slippage tolerance in basis points (default from config)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
}

// routeBudget covers every route attempt (SwapRetries+1 of Timeout each)
// and the backoff waits between them.
func routeBudget(settings config.Settings) time.Duration {
	retries := time.Duration(max(settings.SwapRetries, 0))
	return settings.Timeout*(retries+1) + swap.MaxRetryInterval*retries
}

// executeBudget adds the swap build, the send and the confirmation wait to
// the route budget.
func executeBudget(settings config.Settings) time.Duration {
	return routeBudget(settings) + 2*settings.Timeout + settings.ConfirmTimeout
}

func (s *runtimeState) newSwapCommand() *cobra.Command {
	root := &cobra.Command{Use: "swap", Short: "Swap quote and execution commands"}

	var quoteFlags swapFlags
	quote := &cobra.Command{
		Use:   "quote",
		Short: "Quote a swap without touching any wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.requestContext(routeBudget(s.settings))
			defer cancel()
			q, err := s.svc.quoter().Quote(ctx, quoteFlags.from, quoteFlags.to, quoteFlags.amount, quoteFlags.slippageBps)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), q, nil, cacheMetaBypass(), nil, false)
		},
	}
	quoteFlags.bind(quote, false)

	var execFlags swapFlags
	execute := &cobra.Command{
		Use:   "execute",
		Short: "Quote, sign, submit and confirm a swap from the owner's wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.requestContext(executeBudget(s.settings))
			defer cancel()
			orch, err := s.svc.orchestrator(ctx)
			if err != nil {
				return err
			}
			res, err := orch.Execute(ctx, swap.Request{
				OwnerID:     execFlags.owner,
				InputQuery:  execFlags.from,
				OutputQuery: execFlags.to,
				Amount:      execFlags.amount,
				SlippageBps: execFlags.slippageBps,
			})
			if err != nil {
				return err
			}
			s.diag.capture(res.Warnings, nil, false)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), res.SwapResult, res.Warnings, cacheMetaBypass(), nil, false)
		},
	}
	execFlags.bind(execute, true)

	root.AddCommand(quote, execute)
	return root
}

func (s *runtimeState) newSwapsCommand() *cobra.Command {
	root := &cobra.Command{Use: "swaps", Short: "Swap journal commands"}

	var (
		listOwner  string
		listStatus string
		listLimit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List journaled swaps, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := storage.SwapStatus(strings.ToLower(strings.TrimSpace(listStatus)))
			switch status {
			case "", storage.SwapPending, storage.SwapSubmitted, storage.SwapConfirmed, storage.SwapFailed, storage.SwapUnknown:
			default:
				return clierr.New(clierr.CodeUsage, "status must be one of pending, submitted, confirmed, failed, unknown")
			}
			ctx, cancel := s.requestContext(0)
			defer cancel()
			st, err := s.svc.openStore(ctx)
			if err != nil {
				return err
			}
			recs, err := st.ListSwaps(ctx, strings.TrimSpace(listOwner), status, listLimit)
			if err != nil {
				return clierr.Wrap(clierr.CodeStoreUnavailable, "list swaps", err)
			}
			entries := make([]model.SwapJournalEntry, 0, len(recs))
			for _, rec := range recs {
				entries = append(entries, journalEntry(rec))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), entries, nil, cacheMetaBypass(), nil, false)
		},
	}
	list.Flags().StringVar(&listOwner, "owner", "", "Owner id (chat user id)")
	list.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	list.Flags().IntVar(&listLimit, "limit", 20, "Maximum entries")
	_ = list.MarkFlagRequired("owner")

	var reconcileOwner string
	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Settle swaps whose outcome was not observed (never resubmits)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.requestContext(time.Minute)
			defer cancel()
			r, err := s.svc.reconciler(ctx)
			if err != nil {
				return err
			}
			report, err := r.Reconcile(ctx, reconcileOwner)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), report, report.Errors, cacheMetaBypass(), nil, len(report.Errors) > 0)
		},
	}
	reconcile.Flags().StringVar(&reconcileOwner, "owner", "", "Only reconcile this owner's swaps")

	root.AddCommand(list, reconcile)
	return root
}

func (s *runtimeState) newHoldingsCommand() *cobra.Command {
	root := &cobra.Command{Use: "holdings", Short: "Holdings ledger commands"}

	var listOwner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the owner's tracked holdings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.requestContext(0)
			defer cancel()
			ledger, err := s.svc.ledger(ctx)
			if err != nil {
				return err
			}
			items, err := ledger.Get(ctx, listOwner)
			if err != nil {
				return err
			}
			views := make([]model.HoldingView, 0, len(items))
			for _, h := range items {
				view := model.HoldingView{Mint: h.Mint, Amount: h.Amount.String(), UpdatedAt: h.UpdatedAt.UTC().Format(time.RFC3339)}
				if tok, ok := s.svc.resolver.Lookup(ctx, h.Mint); ok {
					view.Symbol = tok.Symbol
				}
				views = append(views, view)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), views, nil, cacheMetaBypass(), nil, false)
		},
	}
	ownerFlag(list, &listOwner)

	var valueOwner string
	value := &cobra.Command{
		Use:   "value",
		Short: "Value the owner's holdings in USD",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.requestContext(0)
			defer cancel()
			ledger, err := s.svc.ledger(ctx)
			if err != nil {
				return err
			}
			v, err := ledger.Valuate(ctx, valueOwner)
			if err != nil {
				return err
			}
			var warnings []string
			if v.Unpriced > 0 {
				warnings = append(warnings, "some holdings have no price and are excluded from the total")
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), v, warnings, cacheMetaBypass(), nil, v.Unpriced > 0)
		},
	}
	ownerFlag(value, &valueOwner)

	root.AddCommand(list, value)
	return root
}

func (s *runtimeState) newWatchCommand() *cobra.Command {
	root := &cobra.Command{Use: "watch", Short: "Price watchlist commands"}

	var (
		addOwner     string
		addToken     string
		addTarget    string
		addDirection string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Alert once when a token crosses a USD target",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.requestContext(0)
			defer cancel()
			svc, err := s.svc.watchlist(ctx)
			if err != nil {
				return err
			}
			item, err := svc.Add(ctx, addOwner, addToken, addTarget, addDirection)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), watchView(item), nil, cacheMetaBypass(), nil, false)
		},
	}
	ownerFlag(add, &addOwner)
	add.Flags().StringVar(&addToken, "token", "", "Token (symbol, name or mint)")
	add.Flags().StringVar(&addTarget, "target", "", "Target USD price")
	add.Flags().StringVar(&addDirection, "direction", "above", "above or below")
	_ = add.MarkFlagRequired("token")
	_ = add.MarkFlagRequired("target")

	var listOwner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the owner's active watches",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.requestContext(0)
			defer cancel()
			svc, err := s.svc.watchlist(ctx)
			if err != nil {
				return err
			}
			items, err := svc.List(ctx, listOwner)
			if err != nil {
				return err
			}
			views := make([]model.WatchView, 0, len(items))
			for _, it := range items {
				views = append(views, watchView(it))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), views, nil, cacheMetaBypass(), nil, false)
		},
	}
	ownerFlag(list, &listOwner)

	var (
		removeOwner string
		removeID    string
	)
	remove := &cobra.Command{
		Use:   "remove",
		Short: "Deactivate one of the owner's watches",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.requestContext(0)
			defer cancel()
			svc, err := s.svc.watchlist(ctx)
			if err != nil {
				return err
			}
			if err := svc.Remove(ctx, removeOwner, removeID); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]any{"id": removeID, "active": false}, nil, cacheMetaBypass(), nil, false)
		},
	}
	ownerFlag(remove, &removeOwner)
	remove.Flags().StringVar(&removeID, "id", "", "Watch id")
	_ = remove.MarkFlagRequired("id")

	root.AddCommand(add, list, remove)
	return root
}

func ownerFlag(cmd *cobra.Command, dst *string) {
	cmd.Flags().StringVar(dst, "owner", "", "Owner id (chat user id)")
	_ = cmd.MarkFlagRequired("owner")
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

func tokenRef(t tokens.Token) model.TokenRef {
	return model.TokenRef{Address: t.Address, Symbol: t.Symbol, Name: t.Name, Decimals: t.Decimals, Synthetic: t.Synthetic}
}

func walletView(w storage.Wallet) model.WalletView {
	return model.WalletView{OwnerID: w.OwnerID, Address: w.PublicKey, CreatedAt: w.CreatedAt.UTC().Format(time.RFC3339)}
}

func watchView(it storage.WatchItem) model.WatchView {
	return model.WatchView{
		ID:          it.ID,
		Mint:        it.Mint,
		Symbol:      it.Symbol,
		TargetPrice: it.TargetPrice.String(),
		Direction:   string(it.Direction),
		CreatedAt:   it.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func journalEntry(rec storage.SwapRecord) model.SwapJournalEntry {
	return model.SwapJournalEntry{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		InputMint: rec.InputMint,
		OutMint:   rec.OutputMint,
		InAmount:  decimalOrEmpty(rec.InAmount),
		OutAmount: decimalOrEmpty(rec.OutAmount),
		Signature: rec.Signature,
		Status:    string(rec.Status),
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func decimalOrEmpty(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}
