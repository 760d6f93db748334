package swap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/id"
	"github.com/ggonzalez94/solswap/internal/logging"
	"github.com/ggonzalez94/solswap/internal/model"
	"github.com/ggonzalez94/solswap/internal/observability"
	"github.com/ggonzalez94/solswap/internal/solana"
	"github.com/ggonzalez94/solswap/internal/storage"
)

type ChainStatus interface {
	GetSignatureStatus(ctx context.Context, signature string) (*solana.SignatureStatus, error)
	GetBlockHeight(ctx context.Context, commitment string) (uint64, error)
}

// Reconciler settles journal entries whose outcome was not observed. It only
// reads chain state and never sends a transaction.
type Reconciler struct {
	journal    storage.SwapStore
	chain      ChainStatus
	settle     *settler
	commitment string
	// grace keeps in-flight pending/submitted entries out of a scan.
	grace   time.Duration
	limit   int
	log     *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

type ReconcilerConfig struct {
	Commitment  string
	Grace       time.Duration
	Limit       int
	TrackNative bool
}

func NewReconciler(journal storage.SwapStore, chain ChainStatus, ledger Ledger, cfg ReconcilerConfig, log *zap.Logger, metrics *observability.Metrics) *Reconciler {
	if cfg.Commitment == "" {
		cfg.Commitment = solana.CommitmentConfirmed
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Minute
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 200
	}
	log = logging.Or(log)
	return &Reconciler{
		journal:    journal,
		chain:      chain,
		settle:     &settler{ledger: ledger, trackNative: cfg.TrackNative, log: log},
		commitment: cfg.Commitment,
		grace:      cfg.Grace,
		limit:      cfg.Limit,
		log:        log,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Reconcile checks every unresolved entry once, optionally scoped to one owner.
func (r *Reconciler) Reconcile(ctx context.Context, ownerID string) (model.ReconcileReport, error) {
	candidates, err := r.candidates(ctx, ownerID)
	if err != nil {
		return model.ReconcileReport{}, err
	}
	var report model.ReconcileReport
	var height uint64
	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return report, clierr.Wrap(clierr.CodeUnavailable, "reconcile interrupted", err)
		}
		report.Checked++
		if rec.Status == storage.SwapConfirmed {
			if err := r.repairLedger(ctx, &rec); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", rec.ID, err))
				continue
			}
			report.LedgerRepaired++
			continue
		}
		status, err := r.classify(ctx, &rec, &height)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", rec.ID, err))
			status = storage.SwapUnknown
		}
		switch status {
		case storage.SwapConfirmed:
			report.Confirmed++
		case storage.SwapFailed:
			report.Failed++
		default:
			report.Unknown++
		}
		r.metrics.RecordReconciliation(string(status))
	}
	return report, nil
}

func (r *Reconciler) candidates(ctx context.Context, ownerID string) ([]storage.SwapRecord, error) {
	cutoff := r.now().Add(-r.grace)
	var out []storage.SwapRecord
	for _, status := range []storage.SwapStatus{storage.SwapUnknown, storage.SwapSubmitted, storage.SwapPending} {
		recs, err := r.journal.ListSwaps(ctx, ownerID, status, r.limit)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeStoreUnavailable, "list swaps", err)
		}
		for _, rec := range recs {
			if status != storage.SwapUnknown && rec.UpdatedAt.After(cutoff) {
				continue
			}
			out = append(out, rec)
		}
	}
	unsettled, err := r.journal.ListUnsettledSwaps(ctx, ownerID, r.limit)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeStoreUnavailable, "list unsettled swaps", err)
	}
	return append(out, unsettled...), nil
}

// repairLedger retries the holdings update of a swap that confirmed while
// the ledger was unavailable.
func (r *Reconciler) repairLedger(ctx context.Context, rec *storage.SwapRecord) error {
	log := r.log.With(zap.String("swap_id", rec.ID), zap.String("signature", rec.Signature))
	r.fillAmounts(rec)
	if warnings := r.settle.apply(ctx, rec); len(warnings) > 0 {
		return clierr.New(clierr.CodeStoreUnavailable, strings.Join(warnings, "; "))
	}
	rec.UpdatedAt = r.now().UTC()
	if err := r.journal.UpdateSwap(ctx, *rec); err != nil {
		return clierr.Wrap(clierr.CodeStoreUnavailable, "update swap", err)
	}
	log.Info("holdings applied for confirmed swap")
	r.metrics.RecordReconciliation("ledger_repaired")
	return nil
}

// classify decides the entry's status from chain state and persists any
// change. height caches the block height across one run.
func (r *Reconciler) classify(ctx context.Context, rec *storage.SwapRecord, height *uint64) (storage.SwapStatus, error) {
	log := r.log.With(zap.String("swap_id", rec.ID), zap.String("signature", rec.Signature))
	if rec.Signature == "" {
		// never signed, so nothing can have landed
		return r.update(ctx, log, rec, storage.SwapFailed, "abandoned before submission")
	}

	st, err := r.chain.GetSignatureStatus(ctx, rec.Signature)
	if err != nil {
		return storage.SwapUnknown, err
	}
	switch {
	case st.Failed():
		return r.update(ctx, log, rec, storage.SwapFailed, "transaction failed on chain: "+string(st.Err))
	case st.Reached(r.commitment):
		r.fillAmounts(rec)
		for _, w := range r.settle.apply(ctx, rec) {
			log.Warn(w)
		}
		return r.update(ctx, log, rec, storage.SwapConfirmed, "")
	case st != nil:
		// seen but not yet at the target commitment
		return r.update(ctx, log, rec, storage.SwapUnknown, rec.Error)
	}

	if rec.LastValidBlockHeight > 0 {
		if *height == 0 {
			h, err := r.chain.GetBlockHeight(ctx, r.commitment)
			if err != nil {
				return storage.SwapUnknown, err
			}
			*height = h
		}
		if *height > rec.LastValidBlockHeight {
			return r.update(ctx, log, rec, storage.SwapFailed, "blockhash expired before landing")
		}
	}
	return r.update(ctx, log, rec, storage.SwapUnknown, rec.Error)
}

func (r *Reconciler) fillAmounts(rec *storage.SwapRecord) {
	if v, err := id.FromBaseUnits(rec.InBaseUnits, rec.InputDecimals); err == nil && rec.InBaseUnits != "" {
		rec.InAmount = v
	}
	if v, err := id.FromBaseUnits(rec.OutBaseUnits, rec.OutputDecimals); err == nil && rec.OutBaseUnits != "" {
		rec.OutAmount = v
	}
}

func (r *Reconciler) update(ctx context.Context, log *zap.Logger, rec *storage.SwapRecord, status storage.SwapStatus, reason string) (storage.SwapStatus, error) {
	if rec.Status == status && rec.Error == reason {
		return status, nil
	}
	rec.Status = status
	rec.Error = reason
	rec.UpdatedAt = r.now().UTC()
	if err := r.journal.UpdateSwap(ctx, *rec); err != nil {
		return storage.SwapUnknown, clierr.Wrap(clierr.CodeStoreUnavailable, "update swap", err)
	}
	log.Info("swap reconciled", zap.String("status", string(status)), zap.String("reason", reason))
	return status, nil
}

// Interval runs Reconcile every d until ctx ends.
func (r *Reconciler) Interval(ctx context.Context, d time.Duration) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.Reconcile(ctx, "")
			if err != nil {
				r.log.Warn("reconcile run failed", zap.Error(err))
				continue
			}
			if report.Checked > 0 {
				r.log.Info("reconcile run", zap.Int("checked", report.Checked), zap.Int("confirmed", report.Confirmed), zap.Int("failed", report.Failed), zap.Int("unknown", report.Unknown))
			}
		}
	}
}
