package execution

import (
	"context"
	"time"

	"github.com/ggonzalez94/solswap/internal/execution/signer"
	"github.com/ggonzalez94/solswap/internal/providers"
	"github.com/ggonzalez94/solswap/internal/solana"
	"github.com/ggonzalez94/solswap/internal/storage"
)

// KeyScope lends a wallet's signer for the duration of fn.
type KeyScope interface {
	WithSigner(w storage.Wallet, fn func(signer.Signer) error) error
}

type Chain interface {
	SendTransaction(ctx context.Context, wireBase64 string) (string, error)
	GetSignatureStatus(ctx context.Context, signature string) (*solana.SignatureStatus, error)
}

type Watcher interface {
	Wait(ctx context.Context, signature, commitment string) (solana.SignatureResult, error)
}

type Options struct {
	Commitment     string
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	BuildTimeout   time.Duration
}

func DefaultOptions() Options {
	return Options{
		Commitment:     solana.CommitmentConfirmed,
		PollInterval:   2 * time.Second,
		ConfirmTimeout: 60 * time.Second,
		BuildTimeout:   10 * time.Second,
	}
}

// Signed is a fully signed transaction that has not been sent. Signature is
// computed locally so it is known before submission.
type Signed struct {
	Route                *providers.Route
	WireBase64           string
	Signature            string
	LastValidBlockHeight uint64
}

type Outcome struct {
	Signature   string
	Slot        uint64
	ConfirmedAt time.Time
	Latency     time.Duration
}
