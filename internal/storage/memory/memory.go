// Package memory is an in-process storage.Store used by tests and dry runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/solswap/internal/storage"
)

type Store struct {
	mu       sync.Mutex
	wallets  map[string]storage.Wallet
	holdings map[string]map[string]storage.Holding
	swaps    map[string]storage.SwapRecord
	watches  map[string]storage.WatchItem
	alerts   []storage.AlertEvent

	// Fail, when set, is returned by every call.
	Fail error
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		wallets:  map[string]storage.Wallet{},
		holdings: map[string]map[string]storage.Holding{},
		swaps:    map[string]storage.SwapRecord{},
		watches:  map[string]storage.WatchItem{},
	}
}

func (s *Store) InsertWallet(_ context.Context, w storage.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if _, ok := s.wallets[w.OwnerID]; ok {
		return storage.ErrDuplicateKey
	}
	s.wallets[w.OwnerID] = w
	return nil
}

func (s *Store) GetWallet(_ context.Context, ownerID string) (storage.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return storage.Wallet{}, s.Fail
	}
	w, ok := s.wallets[ownerID]
	if !ok {
		return storage.Wallet{}, storage.ErrNotFound
	}
	return w, nil
}

func (s *Store) AdjustHolding(_ context.Context, ownerID, mint string, delta decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return decimal.Zero, s.Fail
	}
	byMint := s.holdings[ownerID]
	if byMint == nil {
		byMint = map[string]storage.Holding{}
		s.holdings[ownerID] = byMint
	}
	next := byMint[mint].Amount.Add(delta)
	if next.Sign() <= 0 {
		delete(byMint, mint)
		return decimal.Zero, nil
	}
	byMint[mint] = storage.Holding{OwnerID: ownerID, Mint: mint, Amount: next, UpdatedAt: at}
	return next, nil
}

func (s *Store) ListHoldings(_ context.Context, ownerID string) ([]storage.Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	out := make([]storage.Holding, 0, len(s.holdings[ownerID]))
	for _, h := range s.holdings[ownerID] {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mint < out[j].Mint })
	return out, nil
}

func (s *Store) InsertSwap(_ context.Context, rec storage.SwapRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if _, ok := s.swaps[rec.ID]; ok {
		return storage.ErrDuplicateKey
	}
	s.swaps[rec.ID] = rec
	return nil
}

func (s *Store) UpdateSwap(_ context.Context, rec storage.SwapRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	prev, ok := s.swaps[rec.ID]
	if !ok {
		return storage.ErrNotFound
	}
	rec.OwnerID, rec.InputMint, rec.OutputMint = prev.OwnerID, prev.InputMint, prev.OutputMint
	rec.InputDecimals, rec.OutputDecimals = prev.InputDecimals, prev.OutputDecimals
	rec.InBaseUnits, rec.CreatedAt = prev.InBaseUnits, prev.CreatedAt
	s.swaps[rec.ID] = rec
	return nil
}

func (s *Store) GetSwap(_ context.Context, id string) (storage.SwapRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return storage.SwapRecord{}, s.Fail
	}
	rec, ok := s.swaps[id]
	if !ok {
		return storage.SwapRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Store) ListSwaps(_ context.Context, ownerID string, status storage.SwapStatus, limit int) ([]storage.SwapRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	var out []storage.SwapRecord
	for _, rec := range s.swaps {
		if ownerID != "" && rec.OwnerID != ownerID {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListUnsettledSwaps(_ context.Context, ownerID string, limit int) ([]storage.SwapRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	var out []storage.SwapRecord
	for _, rec := range s.swaps {
		if rec.Status != storage.SwapConfirmed || rec.HoldingsApplied || (ownerID != "" && rec.OwnerID != ownerID) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertWatch(_ context.Context, item storage.WatchItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if _, ok := s.watches[item.ID]; ok {
		return storage.ErrDuplicateKey
	}
	s.watches[item.ID] = item
	return nil
}

func (s *Store) ListWatches(_ context.Context, ownerID string) ([]storage.WatchItem, error) {
	return s.filterWatches(func(w storage.WatchItem) bool { return w.Active && w.OwnerID == ownerID })
}

func (s *Store) ListActiveWatches(_ context.Context) ([]storage.WatchItem, error) {
	return s.filterWatches(func(w storage.WatchItem) bool { return w.Active })
}

func (s *Store) filterWatches(keep func(storage.WatchItem) bool) ([]storage.WatchItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	var out []storage.WatchItem
	for _, w := range s.watches {
		if keep(w) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeactivateWatch(_ context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	w, ok := s.watches[id]
	if !ok || !w.Active || w.OwnerID != ownerID {
		return storage.ErrNotFound
	}
	w.Active = false
	s.watches[id] = w
	return nil
}

func (s *Store) RecordAlert(_ context.Context, ev storage.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	s.alerts = append(s.alerts, ev)
	return nil
}

// Alerts returns a copy of recorded alert events.
func (s *Store) Alerts() []storage.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.AlertEvent(nil), s.alerts...)
}

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Fail
}

func (s *Store) Close() error { return nil }
