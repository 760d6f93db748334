package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/solswap/internal/storage"
)

type holdingRow struct {
	OwnerID   string `db:"owner_id"`
	Mint      string `db:"mint"`
	Amount    string `db:"amount"`
	UpdatedAt int64  `db:"updated_at"`
}

func (s *Store) AdjustHolding(ctx context.Context, ownerID, mint string, delta decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin adjust holding: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect == DriverPostgres {
		// Row locks do not cover a holding that does not exist yet.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ownerID+"/"+mint); err != nil {
			return decimal.Zero, fmt.Errorf("lock holding: %w", err)
		}
	}

	current := decimal.Zero
	var raw string
	err = tx.GetContext(ctx, &raw, s.q(`SELECT amount FROM holdings WHERE owner_id = ? AND mint = ?`), ownerID, mint)
	switch {
	case err == nil:
		current, err = decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse stored holding %q: %w", raw, err)
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return decimal.Zero, fmt.Errorf("read holding: %w", err)
	}

	next := current.Add(delta)
	if next.Sign() <= 0 {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM holdings WHERE owner_id = ? AND mint = ?`), ownerID, mint); err != nil {
			return decimal.Zero, fmt.Errorf("delete holding: %w", err)
		}
		next = decimal.Zero
	} else {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO holdings (owner_id, mint, amount, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (owner_id, mint) DO UPDATE SET
				amount = excluded.amount,
				updated_at = excluded.updated_at`),
			ownerID, mint, next.String(), toMillis(at))
		if err != nil {
			return decimal.Zero, fmt.Errorf("upsert holding: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("commit adjust holding: %w", err)
	}
	return next, nil
}

func (s *Store) ListHoldings(ctx context.Context, ownerID string) ([]storage.Holding, error) {
	var rows []holdingRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT owner_id, mint, amount, updated_at
		FROM holdings WHERE owner_id = ? ORDER BY mint`), ownerID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	out := make([]storage.Holding, 0, len(rows))
	for _, r := range rows {
		amount, err := decimal.NewFromString(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("parse stored holding %q: %w", r.Amount, err)
		}
		out = append(out, storage.Holding{
			OwnerID:   r.OwnerID,
			Mint:      r.Mint,
			Amount:    amount,
			UpdatedAt: fromMillis(r.UpdatedAt),
		})
	}
	return out, nil
}
