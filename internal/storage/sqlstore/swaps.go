package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/solswap/internal/storage"
)

const swapColumns = `id, owner_id, input_mint, output_mint, input_decimals, output_decimals,
	in_base_units, out_base_units, in_amount, out_amount, signature,
	last_valid_block_height, status, error, holdings_applied, created_at, updated_at`

type swapRow struct {
	ID                   string `db:"id"`
	OwnerID              string `db:"owner_id"`
	InputMint            string `db:"input_mint"`
	OutputMint           string `db:"output_mint"`
	InputDecimals        int    `db:"input_decimals"`
	OutputDecimals       int    `db:"output_decimals"`
	InBaseUnits          string `db:"in_base_units"`
	OutBaseUnits         string `db:"out_base_units"`
	InAmount             string `db:"in_amount"`
	OutAmount            string `db:"out_amount"`
	Signature            string `db:"signature"`
	LastValidBlockHeight int64  `db:"last_valid_block_height"`
	Status               string `db:"status"`
	Error                string `db:"error"`
	HoldingsApplied      bool   `db:"holdings_applied"`
	CreatedAt            int64  `db:"created_at"`
	UpdatedAt            int64  `db:"updated_at"`
}

func (r swapRow) record() (storage.SwapRecord, error) {
	in, err := decimal.NewFromString(r.InAmount)
	if err != nil {
		return storage.SwapRecord{}, fmt.Errorf("parse swap %s in_amount: %w", r.ID, err)
	}
	out, err := decimal.NewFromString(r.OutAmount)
	if err != nil {
		return storage.SwapRecord{}, fmt.Errorf("parse swap %s out_amount: %w", r.ID, err)
	}
	return storage.SwapRecord{
		ID:                   r.ID,
		OwnerID:              r.OwnerID,
		InputMint:            r.InputMint,
		OutputMint:           r.OutputMint,
		InputDecimals:        r.InputDecimals,
		OutputDecimals:       r.OutputDecimals,
		InBaseUnits:          r.InBaseUnits,
		OutBaseUnits:         r.OutBaseUnits,
		InAmount:             in,
		OutAmount:            out,
		Signature:            r.Signature,
		LastValidBlockHeight: uint64(r.LastValidBlockHeight),
		Status:               storage.SwapStatus(r.Status),
		Error:                r.Error,
		HoldingsApplied:      r.HoldingsApplied,
		CreatedAt:            fromMillis(r.CreatedAt),
		UpdatedAt:            fromMillis(r.UpdatedAt),
	}, nil
}

func (s *Store) InsertSwap(ctx context.Context, rec storage.SwapRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO swaps (`+swapColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.OwnerID, rec.InputMint, rec.OutputMint, rec.InputDecimals, rec.OutputDecimals,
		rec.InBaseUnits, rec.OutBaseUnits, rec.InAmount.String(), rec.OutAmount.String(), rec.Signature,
		int64(rec.LastValidBlockHeight), string(rec.Status), rec.Error, rec.HoldingsApplied,
		toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt))
	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert swap: %w", err)
	}
	return nil
}

func (s *Store) UpdateSwap(ctx context.Context, rec storage.SwapRecord) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE swaps SET
			out_base_units = ?, in_amount = ?, out_amount = ?, signature = ?,
			last_valid_block_height = ?, status = ?, error = ?, holdings_applied = ?, updated_at = ?
		WHERE id = ?`),
		rec.OutBaseUnits, rec.InAmount.String(), rec.OutAmount.String(), rec.Signature,
		int64(rec.LastValidBlockHeight), string(rec.Status), rec.Error, rec.HoldingsApplied,
		toMillis(rec.UpdatedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("update swap: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update swap: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetSwap(ctx context.Context, id string) (storage.SwapRecord, error) {
	var row swapRow
	if err := s.db.GetContext(ctx, &row, s.q(`SELECT `+swapColumns+` FROM swaps WHERE id = ?`), id); err != nil {
		return storage.SwapRecord{}, notFound(err)
	}
	return row.record()
}

func (s *Store) ListSwaps(ctx context.Context, ownerID string, status storage.SwapStatus, limit int) ([]storage.SwapRecord, error) {
	var (
		where []string
		args  []any
	)
	if ownerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, ownerID)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, string(status))
	}
	query := `SELECT ` + swapColumns + ` FROM swaps`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []swapRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("list swaps: %w", err)
	}
	out := make([]storage.SwapRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) ListUnsettledSwaps(ctx context.Context, ownerID string, limit int) ([]storage.SwapRecord, error) {
	query := `SELECT ` + swapColumns + ` FROM swaps WHERE status = ? AND holdings_applied = ?`
	args := []any{string(storage.SwapConfirmed), false}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []swapRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("list unsettled swaps: %w", err)
	}
	out := make([]storage.SwapRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
