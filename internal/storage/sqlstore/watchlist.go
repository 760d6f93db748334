package sqlstore

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/solswap/internal/storage"
)

type watchRow struct {
	ID          string `db:"id"`
	OwnerID     string `db:"owner_id"`
	Mint        string `db:"mint"`
	Symbol      string `db:"symbol"`
	TargetPrice string `db:"target_price"`
	Direction   string `db:"direction"`
	Active      bool   `db:"active"`
	CreatedAt   int64  `db:"created_at"`
}

func (s *Store) InsertWatch(ctx context.Context, item storage.WatchItem) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO watchlist (id, owner_id, mint, symbol, target_price, direction, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		item.ID, item.OwnerID, item.Mint, item.Symbol, item.TargetPrice.String(),
		string(item.Direction), item.Active, toMillis(item.CreatedAt))
	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert watch: %w", err)
	}
	return nil
}

func (s *Store) ListWatches(ctx context.Context, ownerID string) ([]storage.WatchItem, error) {
	return s.selectWatches(ctx, `WHERE owner_id = ? AND active = ?`, ownerID, true)
}

func (s *Store) ListActiveWatches(ctx context.Context) ([]storage.WatchItem, error) {
	return s.selectWatches(ctx, `WHERE active = ?`, true)
}

func (s *Store) selectWatches(ctx context.Context, where string, args ...any) ([]storage.WatchItem, error) {
	var rows []watchRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT id, owner_id, mint, symbol, target_price, direction, active, created_at
		FROM watchlist `+where+` ORDER BY created_at, id`), args...)
	if err != nil {
		return nil, fmt.Errorf("list watches: %w", err)
	}
	out := make([]storage.WatchItem, 0, len(rows))
	for _, r := range rows {
		target, err := decimal.NewFromString(r.TargetPrice)
		if err != nil {
			return nil, fmt.Errorf("parse watch %s target: %w", r.ID, err)
		}
		out = append(out, storage.WatchItem{
			ID:          r.ID,
			OwnerID:     r.OwnerID,
			Mint:        r.Mint,
			Symbol:      r.Symbol,
			TargetPrice: target,
			Direction:   storage.Direction(r.Direction),
			Active:      r.Active,
			CreatedAt:   fromMillis(r.CreatedAt),
		})
	}
	return out, nil
}

func (s *Store) DeactivateWatch(ctx context.Context, ownerID, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE watchlist SET active = ? WHERE id = ? AND owner_id = ? AND active = ?`),
		false, id, ownerID, true)
	if err != nil {
		return fmt.Errorf("deactivate watch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate watch: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) RecordAlert(ctx context.Context, ev storage.AlertEvent) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO alert_events (watch_id, owner_id, mint, price, target_price, direction, triggered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.WatchID, ev.OwnerID, ev.Mint, ev.Price.String(), ev.TargetPrice.String(),
		string(ev.Direction), toMillis(ev.TriggeredAt))
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}
