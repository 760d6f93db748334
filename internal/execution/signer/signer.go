package signer

import "github.com/blocto/solana-go-sdk/types"

type Signer interface {
	PublicKey() string
	// SignTransaction places the signer's signature in its required-signer
	// slot of tx.
	SignTransaction(tx *types.Transaction) error
}
