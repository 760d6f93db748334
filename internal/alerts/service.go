// Package alerts keeps per-owner price watchlists and fires one-shot alerts
// when a watched token crosses its target.
package alerts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/logging"
	"github.com/ggonzalez94/solswap/internal/storage"
	"github.com/ggonzalez94/solswap/internal/tokens"
)

type Resolver interface {
	Resolve(ctx context.Context, query string) (tokens.Token, bool, error)
}

type Service struct {
	store    storage.WatchStore
	resolver Resolver
	log      *zap.Logger
	now      func() time.Time
	newID    func() string
}

func NewService(store storage.WatchStore, resolver Resolver, log *zap.Logger) *Service {
	return &Service{store: store, resolver: resolver, log: logging.Or(log), now: time.Now, newID: uuid.NewString}
}

func ParseDirection(s string) (storage.Direction, error) {
	switch storage.Direction(strings.ToLower(strings.TrimSpace(s))) {
	case storage.DirectionAbove:
		return storage.DirectionAbove, nil
	case storage.DirectionBelow:
		return storage.DirectionBelow, nil
	}
	return "", clierr.New(clierr.CodeUsage, "direction must be above or below")
}

// Add resolves query and stores an active watch item.
func (s *Service) Add(ctx context.Context, ownerID, query, target, direction string) (storage.WatchItem, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return storage.WatchItem{}, clierr.New(clierr.CodeUsage, "owner id is required")
	}
	dir, err := ParseDirection(direction)
	if err != nil {
		return storage.WatchItem{}, err
	}
	price, err := decimal.NewFromString(strings.TrimSpace(target))
	if err != nil || !price.IsPositive() {
		return storage.WatchItem{}, clierr.New(clierr.CodeInvalidAmount, "target price must be a positive number")
	}
	tok, ok, err := s.resolver.Resolve(ctx, query)
	if err != nil {
		return storage.WatchItem{}, err
	}
	if !ok {
		return storage.WatchItem{}, clierr.New(clierr.CodeUnknownToken, "unknown token: "+strings.TrimSpace(query))
	}

	item := storage.WatchItem{
		ID:          s.newID(),
		OwnerID:     ownerID,
		Mint:        tok.Address,
		Symbol:      tok.Symbol,
		TargetPrice: price,
		Direction:   dir,
		Active:      true,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.InsertWatch(ctx, item); err != nil {
		return storage.WatchItem{}, clierr.Wrap(clierr.CodeStoreUnavailable, "insert watch", err)
	}
	s.log.Info("watch added", zap.String("owner", ownerID), zap.String("id", item.ID), zap.String("mint", item.Mint))
	return item, nil
}

// List returns the owner's active items.
func (s *Service) List(ctx context.Context, ownerID string) ([]storage.WatchItem, error) {
	items, err := s.store.ListWatches(ctx, strings.TrimSpace(ownerID))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeStoreUnavailable, "list watches", err)
	}
	out := items[:0]
	for _, it := range items {
		if it.Active {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *Service) Remove(ctx context.Context, ownerID, id string) error {
	err := s.store.DeactivateWatch(ctx, strings.TrimSpace(ownerID), strings.TrimSpace(id))
	if errors.Is(err, storage.ErrNotFound) {
		return clierr.New(clierr.CodeUsage, "no active watch "+id+" for this owner")
	}
	if err != nil {
		return clierr.Wrap(clierr.CodeStoreUnavailable, "remove watch", err)
	}
	return nil
}
