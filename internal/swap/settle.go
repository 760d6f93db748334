package swap

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ggonzalez94/solswap/internal/id"
	"github.com/ggonzalez94/solswap/internal/storage"
)

// settler applies a confirmed swap to the holdings ledger.
type settler struct {
	ledger      Ledger
	trackNative bool
	log         *zap.Logger
}

type leg struct {
	mint  string
	delta decimal.Decimal
}

// apply credits the output leg and debits the input leg, skipping native SOL
// unless tracked. Either every tracked leg lands and rec.HoldingsApplied is
// set, or the legs already applied are reverted so a later retry starts
// clean. Failures come back as warnings: the swap itself already happened.
func (s *settler) apply(ctx context.Context, rec *storage.SwapRecord) []string {
	if rec.HoldingsApplied || s.ledger == nil {
		return nil
	}
	var legs []leg
	if s.tracked(rec.OutputMint) && rec.OutAmount.IsPositive() {
		legs = append(legs, leg{mint: rec.OutputMint, delta: rec.OutAmount})
	}
	if s.tracked(rec.InputMint) && rec.InAmount.IsPositive() {
		legs = append(legs, leg{mint: rec.InputMint, delta: rec.InAmount.Neg()})
	}

	for i, l := range legs {
		if _, err := s.ledger.Adjust(ctx, rec.OwnerID, l.mint, l.delta); err != nil {
			s.log.Error("apply swap leg", zap.String("swap_id", rec.ID), zap.String("mint", l.mint), zap.Error(err))
			warnings := []string{fmt.Sprintf("holdings not updated for %s: %v", l.mint, err)}
			return append(warnings, s.revert(ctx, rec, legs[:i])...)
		}
	}
	rec.HoldingsApplied = true
	return nil
}

func (s *settler) revert(ctx context.Context, rec *storage.SwapRecord, applied []leg) []string {
	var warnings []string
	for _, l := range applied {
		if _, err := s.ledger.Adjust(ctx, rec.OwnerID, l.mint, l.delta.Neg()); err != nil {
			// the ledger now disagrees with the journal until fixed by hand
			s.log.Error("revert swap leg", zap.String("swap_id", rec.ID), zap.String("mint", l.mint), zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("holdings for %s changed without the rest of the swap: %v", l.mint, err))
		}
	}
	return warnings
}

func (s *settler) tracked(mint string) bool {
	return s.trackNative || mint != id.WrappedSOLMint
}
