// Package vault is the custodial wallet service: keypair generation,
// encrypted persistence, scoped signing and native balance reads.
package vault

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/blocto/solana-go-sdk/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/execution/signer"
	"github.com/ggonzalez94/solswap/internal/id"
	"github.com/ggonzalez94/solswap/internal/logging"
	"github.com/ggonzalez94/solswap/internal/storage"
)

type BalanceReader interface {
	GetBalance(ctx context.Context, address, commitment string) (uint64, error)
}

type Vault struct {
	store      storage.WalletStore
	cipher     *Cipher
	chain      BalanceReader
	commitment string
	log        *zap.Logger
	now        func() time.Time
}

type Option func(*Vault)

func WithLogger(l *zap.Logger) Option {
	return func(v *Vault) { v.log = logging.Or(l) }
}

func WithCommitment(c string) Option {
	return func(v *Vault) { v.commitment = c }
}

func New(store storage.WalletStore, c *Cipher, chain BalanceReader, opts ...Option) *Vault {
	v := &Vault{
		store:      store,
		cipher:     c,
		chain:      chain,
		commitment: "confirmed",
		log:        zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CreateWallet generates and stores a new keypair for ownerID. An existing
// record is never overwritten: the call fails with CodeAlreadyExists.
func (v *Vault) CreateWallet(ctx context.Context, ownerID string) (storage.Wallet, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return storage.Wallet{}, clierr.New(clierr.CodeUsage, "owner id is required")
	}
	if _, err := v.store.GetWallet(ctx, ownerID); err == nil {
		return storage.Wallet{}, clierr.New(clierr.CodeAlreadyExists, "wallet already exists for owner")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Wallet{}, clierr.Wrap(clierr.CodeStoreUnavailable, "load wallet", err)
	}

	account := types.NewAccount()
	defer wipe(account.PrivateKey)

	blob, err := v.cipher.Encrypt(account.PrivateKey)
	if err != nil {
		return storage.Wallet{}, clierr.Wrap(clierr.CodeInternal, "encrypt wallet key", err)
	}
	w := storage.Wallet{
		OwnerID:         ownerID,
		PublicKey:       account.PublicKey.ToBase58(),
		EncryptedSecret: blob,
		CreatedAt:       v.now().UTC(),
	}
	if err := v.store.InsertWallet(ctx, w); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return storage.Wallet{}, clierr.New(clierr.CodeAlreadyExists, "wallet already exists for owner")
		}
		return storage.Wallet{}, clierr.Wrap(clierr.CodeStoreUnavailable, "store wallet", err)
	}
	v.log.Info("wallet created", zap.String("owner", ownerID), zap.String("address", w.PublicKey))
	return w, nil
}

// GetWallet returns the owner's record or a CodeNoWallet error.
func (v *Vault) GetWallet(ctx context.Context, ownerID string) (storage.Wallet, error) {
	w, err := v.store.GetWallet(ctx, strings.TrimSpace(ownerID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Wallet{}, clierr.New(clierr.CodeNoWallet, "no wallet for owner")
		}
		return storage.Wallet{}, clierr.Wrap(clierr.CodeStoreUnavailable, "load wallet", err)
	}
	return w, nil
}

// WithSigner decrypts the wallet key, hands a signer to fn and wipes the key
// on every exit path. The signer must not escape fn.
func (v *Vault) WithSigner(w storage.Wallet, fn func(signer.Signer) error) error {
	secret, err := v.decryptSigningKey(w.EncryptedSecret)
	if err != nil {
		return err
	}
	defer wipe(secret)

	s, err := signer.NewLocalSigner(secret, w.PublicKey)
	if err != nil {
		return clierr.New(clierr.CodeSignFailed, "wallet key does not match wallet address")
	}
	defer s.Wipe()
	return fn(s)
}

func (v *Vault) decryptSigningKey(blob string) ([]byte, error) {
	secret, err := v.cipher.Decrypt(blob)
	if err != nil {
		return nil, clierr.New(clierr.CodeSignFailed, "decrypt wallet key")
	}
	return secret, nil
}

// NativeBalance returns the wallet address's SOL balance in human units.
// Program-derived (off-curve) addresses are refused.
func (v *Vault) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if err := id.ValidateWalletAddress(address); err != nil {
		return decimal.Zero, err
	}
	lamports, err := v.chain.GetBalance(ctx, address, v.commitment)
	if err != nil {
		return decimal.Zero, clierr.Wrap(clierr.CodeUnavailable, "read native balance", err)
	}
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -id.NativeDecimals), nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
