// Package swap composes token resolution, routing, signing, submission and
// ledger updates into one swap execution per request, serialized per owner.
package swap

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/execution"
	"github.com/ggonzalez94/solswap/internal/id"
	"github.com/ggonzalez94/solswap/internal/logging"
	"github.com/ggonzalez94/solswap/internal/model"
	"github.com/ggonzalez94/solswap/internal/observability"
	"github.com/ggonzalez94/solswap/internal/providers"
	"github.com/ggonzalez94/solswap/internal/storage"
	"github.com/ggonzalez94/solswap/internal/tokens"
)

type Resolver interface {
	Resolve(ctx context.Context, query string) (tokens.Token, bool, error)
}

type Wallets interface {
	GetWallet(ctx context.Context, ownerID string) (storage.Wallet, error)
}

type Executor interface {
	Prepare(ctx context.Context, route *providers.Route, w storage.Wallet) (execution.Signed, error)
	Submit(ctx context.Context, signed execution.Signed) (execution.Outcome, error)
}

type Ledger interface {
	Adjust(ctx context.Context, ownerID, mint string, delta decimal.Decimal) (decimal.Decimal, error)
}

// MaxRetryInterval caps the wait between route attempts.
const MaxRetryInterval = 2 * time.Second

type Config struct {
	SlippageBps  int
	RouteRetries int
	RouteTimeout time.Duration
	// TrackNative includes SOL legs in the holdings ledger.
	TrackNative bool
	// RetryInitialInterval seeds the route retry backoff.
	RetryInitialInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SlippageBps <= 0 {
		c.SlippageBps = 50
	}
	if c.RouteRetries < 0 {
		c.RouteRetries = 0
	}
	if c.RouteTimeout <= 0 {
		c.RouteTimeout = 5 * time.Second
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 250 * time.Millisecond
	}
	return c
}

type Request struct {
	OwnerID     string
	InputQuery  string
	OutputQuery string
	Amount      string
	// SlippageBps overrides the configured default when positive.
	SlippageBps int
}

type Result struct {
	model.SwapResult
	Warnings []string `json:"-"`
}

type Orchestrator struct {
	resolver Resolver
	router   providers.RouteProvider
	wallets  Wallets
	exec     Executor
	journal  storage.SwapStore
	settle   *settler
	cfg      Config
	locks    *KeyedMutex
	owners   OwnerLocker
	log      *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	newID    func() string
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = logging.Or(l) }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithOwnerLocks adds a lock shared with other processes, taken after the
// in-process one.
func WithOwnerLocks(l OwnerLocker) Option {
	return func(o *Orchestrator) { o.owners = l }
}

func NewOrchestrator(resolver Resolver, router providers.RouteProvider, wallets Wallets, exec Executor, ledger Ledger, journal storage.SwapStore, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolver: resolver,
		router:   router,
		wallets:  wallets,
		exec:     exec,
		journal:  journal,
		cfg:      cfg.withDefaults(),
		locks:    NewKeyedMutex(),
		log:      zap.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.settle = &settler{ledger: ledger, trackNative: o.cfg.TrackNative, log: o.log}
	return o
}

type legs struct {
	in, out tokens.Token
	amount  decimal.Decimal
	base    string
}

// prepare runs the validation steps shared by Quote and Execute; none of
// them touch the network except token resolution.
func (o *Orchestrator) prepare(ctx context.Context, inputQuery, outputQuery, amount string) (legs, error) {
	human, err := id.ParseHumanAmount(amount)
	if err != nil {
		return legs{}, err
	}
	in, err := o.resolve(ctx, inputQuery)
	if err != nil {
		return legs{}, err
	}
	out, err := o.resolve(ctx, outputQuery)
	if err != nil {
		return legs{}, err
	}
	if in.Address == out.Address {
		return legs{}, clierr.New(clierr.CodeUsage, "input and output token are the same")
	}
	base, err := id.ToBaseUnits(human, in.Decimals)
	if err != nil {
		return legs{}, err
	}
	if in.Synthetic {
		o.log.Warn("input token decimals defaulted", zap.String("mint", in.Address), zap.Int("decimals", in.Decimals))
	}
	return legs{in: in, out: out, amount: human, base: base.String()}, nil
}

func (o *Orchestrator) resolve(ctx context.Context, query string) (tokens.Token, error) {
	tok, ok, err := o.resolver.Resolve(ctx, query)
	if err != nil {
		return tokens.Token{}, err
	}
	if !ok {
		return tokens.Token{}, clierr.New(clierr.CodeUnknownToken, "unknown token: "+strings.TrimSpace(query))
	}
	return tok, nil
}

// route asks the aggregator with bounded retries on transient failures. A
// missing route is final.
func (o *Orchestrator) route(ctx context.Context, l legs, slippageBps int) (*providers.Route, error) {
	req := providers.RouteRequest{
		InputMint:       l.in.Address,
		OutputMint:      l.out.Address,
		AmountBaseUnits: l.base,
		SlippageBps:     slippageBps,
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.cfg.RetryInitialInterval
	policy.MaxInterval = MaxRetryInterval
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(o.cfg.RouteRetries)), ctx)

	var route *providers.Route
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.RouteTimeout)
		defer cancel()
		r, err := o.router.GetRoute(callCtx, req)
		if err != nil {
			o.metrics.RecordAggregatorCall("quote", clierr.Kind(err))
			if clierr.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if r == nil {
			o.metrics.RecordAggregatorCall("quote", "no_route")
			return backoff.Permanent(clierr.New(clierr.CodeNoRoute, "no route found for "+symbolOr(l.in)+" -> "+symbolOr(l.out)))
		}
		o.metrics.RecordAggregatorCall("quote", "ok")
		route = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		o.log.Warn("route request failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, retry, notify); err != nil {
		if _, typed := clierr.As(err); typed {
			return nil, err
		}
		return nil, clierr.Wrap(clierr.CodeUnavailable, "route request", err)
	}
	return route, nil
}

func (o *Orchestrator) slippage(override int) int {
	if override > 0 {
		return override
	}
	return o.cfg.SlippageBps
}

// Quote prices a swap without touching any wallet.
func (o *Orchestrator) Quote(ctx context.Context, inputQuery, outputQuery, amount string, slippageBps int) (model.SwapQuote, error) {
	l, err := o.prepare(ctx, inputQuery, outputQuery, amount)
	if err != nil {
		return model.SwapQuote{}, err
	}
	r, err := o.route(ctx, l, o.slippage(slippageBps))
	if err != nil {
		return model.SwapQuote{}, err
	}
	return model.SwapQuote{
		Provider:       r.Provider,
		InputToken:     tokenRef(l.in),
		OutputToken:    tokenRef(l.out),
		InputAmount:    amountInfo(r.InAmount, l.in.Decimals),
		EstimatedOut:   amountInfo(r.OutAmount, l.out.Decimals),
		MinimumOut:     amountInfo(r.OtherAmountThreshold, l.out.Decimals),
		SlippageBps:    r.SlippageBps,
		PriceImpactPct: r.PriceImpactPct,
		Route:          r.Path,
		FetchedAt:      r.FetchedAt.Format(time.RFC3339),
	}, nil
}

// Execute runs one swap end to end. Calls for the same owner run one at a
// time. Once the transaction is sent the call runs to completion even if ctx
// is cancelled.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (res Result, err error) {
	start := o.now()
	defer func() {
		o.metrics.RecordSwap(clierr.Kind(err), o.now().Sub(start))
	}()

	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return Result{}, clierr.New(clierr.CodeUsage, "owner id is required")
	}
	l, err := o.prepare(ctx, req.InputQuery, req.OutputQuery, req.Amount)
	if err != nil {
		return Result{}, err
	}
	wallet, err := o.wallets.GetWallet(ctx, ownerID)
	if err != nil {
		return Result{}, err
	}

	unlock, err := o.locks.Lock(ctx, ownerID)
	if err != nil {
		return Result{}, clierr.Wrap(clierr.CodeUnavailable, "waiting for previous swap", err)
	}
	defer unlock()
	if o.owners != nil {
		release, err := o.owners.LockOwner(ctx, ownerID)
		if err != nil {
			return Result{}, clierr.Wrap(clierr.CodeUnavailable, "waiting for previous swap", err)
		}
		defer release()
	}

	route, err := o.route(ctx, l, o.slippage(req.SlippageBps))
	if err != nil {
		return Result{}, err
	}

	now := o.now().UTC()
	rec := storage.SwapRecord{
		ID:             o.newID(),
		OwnerID:        ownerID,
		InputMint:      l.in.Address,
		OutputMint:     l.out.Address,
		InputDecimals:  l.in.Decimals,
		OutputDecimals: l.out.Decimals,
		InBaseUnits:    route.InAmount,
		OutBaseUnits:   route.OutAmount,
		InAmount:       l.amount,
		Status:         storage.SwapPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.journal.InsertSwap(ctx, rec); err != nil {
		return Result{}, clierr.Wrap(clierr.CodeStoreUnavailable, "journal swap", err)
	}
	log := o.log.With(zap.String("swap_id", rec.ID), zap.String("owner", ownerID))

	signed, err := o.exec.Prepare(ctx, route, wallet)
	if err != nil {
		o.finish(ctx, log, &rec, storage.SwapFailed, err)
		return Result{}, swapFailed(err)
	}

	rec.Signature = signed.Signature
	rec.LastValidBlockHeight = signed.LastValidBlockHeight
	rec.Status = storage.SwapSubmitted
	rec.UpdatedAt = o.now().UTC()
	if err := o.journal.UpdateSwap(ctx, rec); err != nil {
		// nothing has been sent yet
		return Result{}, clierr.Wrap(clierr.CodeStoreUnavailable, "journal signed swap", err)
	}
	log.Info("submitting swap", zap.String("signature", signed.Signature), zap.String("route", route.Path))

	outcome, err := o.exec.Submit(ctx, signed)
	if err != nil {
		status := storage.SwapFailed
		if clierr.Is(err, clierr.CodeConfirmationTimeout) {
			status = storage.SwapUnknown
		}
		o.finish(ctx, log, &rec, status, err)
		return Result{}, swapFailed(err)
	}

	inAmount, outAmount := humanAmounts(route, l)
	rec.InAmount, rec.OutAmount = inAmount, outAmount
	warnings := o.settle.apply(context.WithoutCancel(ctx), &rec)
	o.finish(ctx, log, &rec, storage.SwapConfirmed, nil)

	return Result{
		SwapResult: model.SwapResult{
			SwapID:      rec.ID,
			Signature:   outcome.Signature,
			InputToken:  tokenRef(l.in),
			OutputToken: tokenRef(l.out),
			InAmount:    amountInfo(route.InAmount, l.in.Decimals),
			OutAmount:   amountInfo(route.OutAmount, l.out.Decimals),
			Route:       route.Path,
			ConfirmedAt: outcome.ConfirmedAt.Format(time.RFC3339),
		},
		Warnings: warnings,
	}, nil
}

// finish records the terminal journal state. Journal errors are logged only:
// the chain outcome is already decided.
func (o *Orchestrator) finish(ctx context.Context, log *zap.Logger, rec *storage.SwapRecord, status storage.SwapStatus, cause error) {
	rec.Status = status
	rec.UpdatedAt = o.now().UTC()
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := o.journal.UpdateSwap(context.WithoutCancel(ctx), *rec); err != nil {
		log.Error("journal update failed", zap.String("status", string(status)), zap.Error(err))
	}
	if cause != nil {
		log.Warn("swap ended", zap.String("status", string(status)), zap.String("kind", clierr.Kind(cause)), zap.Error(cause))
		return
	}
	log.Info("swap confirmed", zap.String("signature", rec.Signature))
}

func swapFailed(err error) error {
	code := clierr.CodeOf(err)
	if !clierr.IsSwapFailure(code) {
		code = clierr.CodeBuildFailed
	}
	return clierr.Wrap(code, "swap failed", err)
}

func humanAmounts(route *providers.Route, l legs) (decimal.Decimal, decimal.Decimal) {
	in, err := id.FromBaseUnits(route.InAmount, l.in.Decimals)
	if err != nil {
		in = l.amount
	}
	out, err := id.FromBaseUnits(route.OutAmount, l.out.Decimals)
	if err != nil {
		out = decimal.Zero
	}
	return in, out
}

func tokenRef(t tokens.Token) model.TokenRef {
	return model.TokenRef{Address: t.Address, Symbol: t.Symbol, Name: t.Name, Decimals: t.Decimals, Synthetic: t.Synthetic}
}

func amountInfo(base string, decimals int) model.AmountInfo {
	return model.AmountInfo{
		AmountBaseUnits: base,
		AmountDecimal:   id.FormatBaseUnits(base, decimals),
		Decimals:        decimals,
	}
}

func symbolOr(t tokens.Token) string {
	if t.Symbol != "" {
		return t.Symbol
	}
	return t.Address
}
