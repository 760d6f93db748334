package execution

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/blocto/solana-go-sdk/types"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/execution/signer"
	"github.com/ggonzalez94/solswap/internal/id"
	"github.com/ggonzalez94/solswap/internal/logging"
	"github.com/ggonzalez94/solswap/internal/observability"
	"github.com/ggonzalez94/solswap/internal/providers"
	"github.com/ggonzalez94/solswap/internal/solana"
	"github.com/ggonzalez94/solswap/internal/storage"
)

// Executor turns a route into a confirmed on-chain transaction. It never
// resubmits: a transaction is sent once and then only observed.
type Executor struct {
	builder providers.SwapBuilder
	keys    KeyScope
	chain   Chain
	watcher Watcher
	opts    Options
	log     *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

type Option func(*Executor)

func WithWatcher(w Watcher) Option {
	return func(e *Executor) { e.watcher = w }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.log = logging.Or(l) }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func NewExecutor(builder providers.SwapBuilder, keys KeyScope, chain Chain, opts Options, options ...Option) *Executor {
	def := DefaultOptions()
	if opts.Commitment == "" {
		opts.Commitment = def.Commitment
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = def.ConfirmTimeout
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = def.BuildTimeout
	}
	e := &Executor{
		builder: builder,
		keys:    keys,
		chain:   chain,
		opts:    opts,
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// Prepare requests the unsigned transaction for route, decodes it and signs
// it with the wallet's key.
func (e *Executor) Prepare(ctx context.Context, route *providers.Route, w storage.Wallet) (Signed, error) {
	if err := id.ValidateWalletAddress(w.PublicKey); err != nil {
		return Signed{}, clierr.Wrap(clierr.CodeSignFailed, "stored wallet address", err)
	}
	buildCtx, cancel := context.WithTimeout(ctx, e.opts.BuildTimeout)
	defer cancel()

	build, err := e.builder.BuildSwap(buildCtx, route, w.PublicKey)
	if err != nil {
		e.metrics.RecordAggregatorCall("swap", clierr.Kind(err))
		if clierr.Is(err, clierr.CodeBuildFailed) {
			return Signed{}, err
		}
		return Signed{}, clierr.Wrap(clierr.CodeBuildFailed, "build swap transaction", err)
	}
	e.metrics.RecordAggregatorCall("swap", "ok")

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(build.TransactionBase64))
	if err != nil {
		return Signed{}, clierr.Wrap(clierr.CodeBuildFailed, "decode transaction payload", err)
	}
	tx, err := types.TransactionDeserialize(raw)
	if err != nil {
		return Signed{}, clierr.Wrap(clierr.CodeBuildFailed, "deserialize transaction", err)
	}
	if len(tx.Message.Accounts) == 0 || tx.Message.Accounts[0].ToBase58() != w.PublicKey {
		return Signed{}, clierr.New(clierr.CodeBuildFailed, "transaction fee payer is not the wallet")
	}

	err = e.keys.WithSigner(w, func(s signer.Signer) error {
		return s.SignTransaction(&tx)
	})
	if err != nil {
		if _, typed := clierr.As(err); typed {
			return Signed{}, err
		}
		return Signed{}, clierr.Wrap(clierr.CodeSignFailed, "sign transaction", err)
	}

	wire, err := tx.Serialize()
	if err != nil {
		return Signed{}, clierr.Wrap(clierr.CodeSignFailed, "serialize signed transaction", err)
	}
	return Signed{
		Route:                route,
		WireBase64:           base64.StdEncoding.EncodeToString(wire),
		Signature:            base58.Encode(tx.Signatures[0]),
		LastValidBlockHeight: build.LastValidBlockHeight,
	}, nil
}

// Submit sends signed once and waits for it to reach the configured
// commitment. The caller's cancellation is ignored from here on; only the
// confirmation timeout ends the wait.
func (e *Executor) Submit(ctx context.Context, signed Signed) (Outcome, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.ConfirmTimeout)
	defer cancel()
	start := e.now()

	sig, err := e.chain.SendTransaction(ctx, signed.WireBase64)
	rpcErr, refused := solana.AsRPCError(err)
	switch {
	case refused && rpcErr.AlreadyProcessed():
		e.log.Info("node already has transaction", zap.String("signature", signed.Signature))
	case refused:
		// a send retried after a lost response is refused even though the
		// first attempt landed
		if !e.known(ctx, signed.Signature) {
			return Outcome{Signature: signed.Signature}, clierr.Wrap(clierr.CodeSubmitRejected, "node rejected transaction", rpcErr)
		}
		e.log.Warn("node refused send but knows the signature", zap.String("signature", signed.Signature), zap.Error(rpcErr))
	case err != nil:
		// the node may still have accepted it
		e.log.Warn("send transaction failed, polling signature", zap.String("signature", signed.Signature), zap.Error(err))
	case sig != signed.Signature:
		e.log.Warn("node returned unexpected signature", zap.String("expected", signed.Signature), zap.String("got", sig))
	}
	return e.confirm(ctx, signed.Signature, start)
}

// known reports whether the cluster has any status for sig.
func (e *Executor) known(ctx context.Context, sig string) bool {
	status, err := e.chain.GetSignatureStatus(ctx, sig)
	if err != nil {
		e.log.Debug("signature status check failed", zap.String("signature", sig), zap.Error(err))
		return false
	}
	return status != nil
}

type wsResult struct {
	res solana.SignatureResult
	err error
}

func (e *Executor) confirm(ctx context.Context, sig string, start time.Time) (Outcome, error) {
	var notified <-chan wsResult
	if e.watcher != nil {
		ch := make(chan wsResult, 1)
		go func() {
			res, err := e.watcher.Wait(ctx, sig, e.opts.Commitment)
			ch <- wsResult{res: res, err: err}
		}()
		notified = ch
	}

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		status, err := e.chain.GetSignatureStatus(ctx, sig)
		switch {
		case err != nil:
			e.log.Debug("signature status poll failed", zap.String("signature", sig), zap.Error(err))
		case status.Failed():
			return Outcome{Signature: sig}, clierr.New(clierr.CodeSubmitRejected, fmt.Sprintf("transaction failed on chain: %s", status.Err))
		case status.Reached(e.opts.Commitment):
			return e.confirmed(sig, status.Slot, start), nil
		}

		select {
		case <-ctx.Done():
			return Outcome{Signature: sig}, clierr.Wrap(clierr.CodeConfirmationTimeout,
				"transaction not confirmed before timeout; it may still land", ctx.Err())
		case r := <-notified:
			notified = nil
			if r.err != nil {
				e.log.Debug("signature subscription ended", zap.String("signature", sig), zap.Error(r.err))
				continue
			}
			if r.res.Failed() {
				return Outcome{Signature: sig}, clierr.New(clierr.CodeSubmitRejected, fmt.Sprintf("transaction failed on chain: %s", r.res.Err))
			}
			return e.confirmed(sig, r.res.Slot, start), nil
		case <-ticker.C:
		}
	}
}

func (e *Executor) confirmed(sig string, slot uint64, start time.Time) Outcome {
	now := e.now()
	latency := now.Sub(start)
	e.metrics.RecordConfirmation(latency)
	e.log.Info("transaction confirmed", zap.String("signature", sig), zap.Uint64("slot", slot), zap.Duration("latency", latency))
	return Outcome{Signature: sig, Slot: slot, ConfirmedAt: now.UTC(), Latency: latency}
}
