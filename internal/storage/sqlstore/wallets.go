package sqlstore

import (
	"context"
	"fmt"

	"github.com/ggonzalez94/solswap/internal/storage"
)

type walletRow struct {
	OwnerID         string `db:"owner_id"`
	PublicKey       string `db:"public_key"`
	EncryptedSecret string `db:"encrypted_secret"`
	CreatedAt       int64  `db:"created_at"`
}

func (s *Store) InsertWallet(ctx context.Context, w storage.Wallet) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO wallets (owner_id, public_key, encrypted_secret, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_id) DO NOTHING`),
		w.OwnerID, w.PublicKey, w.EncryptedSecret, toMillis(w.CreatedAt))
	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert wallet: %w", err)
	}
	if n == 0 {
		return storage.ErrDuplicateKey
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, ownerID string) (storage.Wallet, error) {
	var row walletRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT owner_id, public_key, encrypted_secret, created_at
		FROM wallets WHERE owner_id = ?`), ownerID)
	if err != nil {
		return storage.Wallet{}, notFound(err)
	}
	return storage.Wallet{
		OwnerID:         row.OwnerID,
		PublicKey:       row.PublicKey,
		EncryptedSecret: row.EncryptedSecret,
		CreatedAt:       fromMillis(row.CreatedAt),
	}, nil
}
