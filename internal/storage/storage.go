// Package storage defines the persisted records and the store contracts the
// vault, ledger, swap journal and watchlist depend on.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
)

type Wallet struct {
	OwnerID   string
	PublicKey string
	// EncryptedSecret is base64(iv || tag || ciphertext) of the 64-byte key.
	EncryptedSecret string
	CreatedAt       time.Time
}

type Holding struct {
	OwnerID   string          `json:"owner_id"`
	Mint      string          `json:"mint"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type SwapStatus string

const (
	SwapPending   SwapStatus = "pending"
	SwapSubmitted SwapStatus = "submitted"
	SwapConfirmed SwapStatus = "confirmed"
	SwapFailed    SwapStatus = "failed"
	SwapUnknown   SwapStatus = "unknown"
)

// SwapRecord is one journaled swap attempt.
type SwapRecord struct {
	ID                   string          `json:"id"`
	OwnerID              string          `json:"owner_id"`
	InputMint            string          `json:"input_mint"`
	OutputMint           string          `json:"output_mint"`
	InputDecimals        int             `json:"input_decimals"`
	OutputDecimals       int             `json:"output_decimals"`
	InBaseUnits          string          `json:"in_base_units"`
	OutBaseUnits         string          `json:"out_base_units,omitempty"`
	InAmount             decimal.Decimal `json:"in_amount"`
	OutAmount            decimal.Decimal `json:"out_amount"`
	Signature            string          `json:"signature,omitempty"`
	LastValidBlockHeight uint64          `json:"last_valid_block_height,omitempty"`
	Status               SwapStatus      `json:"status"`
	Error                string          `json:"error,omitempty"`
	HoldingsApplied      bool            `json:"holdings_applied"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

type WatchItem struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Mint        string          `json:"mint"`
	Symbol      string          `json:"symbol,omitempty"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Direction   Direction       `json:"direction"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
}

type AlertEvent struct {
	WatchID     string          `json:"watch_id"`
	OwnerID     string          `json:"owner_id"`
	Mint        string          `json:"mint"`
	Price       decimal.Decimal `json:"price"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Direction   Direction       `json:"direction"`
	TriggeredAt time.Time       `json:"triggered_at"`
}

type WalletStore interface {
	// InsertWallet returns ErrDuplicateKey when the owner already has one.
	InsertWallet(ctx context.Context, w Wallet) error
	GetWallet(ctx context.Context, ownerID string) (Wallet, error)
}

type HoldingStore interface {
	// AdjustHolding applies delta atomically. A result <= 0 deletes the row;
	// the returned amount is then zero.
	AdjustHolding(ctx context.Context, ownerID, mint string, delta decimal.Decimal, at time.Time) (decimal.Decimal, error)
	ListHoldings(ctx context.Context, ownerID string) ([]Holding, error)
}

type SwapStore interface {
	InsertSwap(ctx context.Context, rec SwapRecord) error
	UpdateSwap(ctx context.Context, rec SwapRecord) error
	GetSwap(ctx context.Context, id string) (SwapRecord, error)
	// ListSwaps filters by owner and/or status; empty values match all.
	ListSwaps(ctx context.Context, ownerID string, status SwapStatus, limit int) ([]SwapRecord, error)
	// ListUnsettledSwaps returns confirmed swaps whose holdings were never
	// applied, oldest first.
	ListUnsettledSwaps(ctx context.Context, ownerID string, limit int) ([]SwapRecord, error)
}

type WatchStore interface {
	InsertWatch(ctx context.Context, item WatchItem) error
	ListWatches(ctx context.Context, ownerID string) ([]WatchItem, error)
	ListActiveWatches(ctx context.Context) ([]WatchItem, error)
	// DeactivateWatch returns ErrNotFound unless an active item with id
	// belongs to ownerID.
	DeactivateWatch(ctx context.Context, ownerID, id string) error
	RecordAlert(ctx context.Context, ev AlertEvent) error
}

// Store is everything the service needs from persistence.
type Store interface {
	WalletStore
	HoldingStore
	SwapStore
	WatchStore
	Ping(ctx context.Context) error
	Close() error
}
