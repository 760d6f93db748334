package signer

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/blocto/solana-go-sdk/types"
)

// LocalSigner signs with an in-memory ed25519 keypair. Callers own its
// lifetime and must Wipe it when done.
type LocalSigner struct {
	account types.Account
}

// NewLocalSigner builds a signer from the 64-byte seed||pubkey form. When
// expectedPublicKey is set, the derived key must match it.
func NewLocalSigner(secret []byte, expectedPublicKey string) (*LocalSigner, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key length %d", len(secret))
	}
	account, err := types.AccountFromBytes(secret)
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}
	if expectedPublicKey != "" && account.PublicKey.ToBase58() != expectedPublicKey {
		wipe(account.PrivateKey)
		return nil, errors.New("keypair does not match wallet address")
	}
	return &LocalSigner{account: account}, nil
}

func (s *LocalSigner) PublicKey() string {
	return s.account.PublicKey.ToBase58()
}

func (s *LocalSigner) SignTransaction(tx *types.Transaction) error {
	if s == nil || len(s.account.PrivateKey) == 0 {
		return errors.New("local signer is not initialized")
	}
	if tx == nil {
		return errors.New("missing transaction")
	}
	msg, err := tx.Message.Serialize()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	required := int(tx.Message.Header.NumRequireSignatures)
	if required > len(tx.Message.Accounts) {
		return errors.New("malformed message header")
	}
	slot := -1
	for i := 0; i < required; i++ {
		if bytes.Equal(tx.Message.Accounts[i].Bytes(), s.account.PublicKey.Bytes()) {
			slot = i
			break
		}
	}
	if slot < 0 {
		return fmt.Errorf("%s is not a required signer of this transaction", s.PublicKey())
	}
	for len(tx.Signatures) < required {
		tx.Signatures = append(tx.Signatures, make(types.Signature, ed25519.SignatureSize))
	}
	tx.Signatures[slot] = s.account.Sign(msg)
	return nil
}

// Wipe zeroes the private key. The signer is unusable afterwards.
func (s *LocalSigner) Wipe() {
	if s == nil {
		return
	}
	wipe(s.account.PrivateKey)
	s.account.PrivateKey = nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
