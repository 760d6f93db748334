package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/blocto/solana-go-sdk/common"
	"github.com/blocto/solana-go-sdk/types"
	"github.com/stretchr/testify/require"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/execution/signer"
	"github.com/ggonzalez94/solswap/internal/storage/memory"
)

type fakeBalance struct {
	lamports uint64
	err      error
	lastAddr string
}

func (f *fakeBalance) GetBalance(_ context.Context, address, _ string) (uint64, error) {
	f.lastAddr = address
	return f.lamports, f.err
}

func newTestVault(t *testing.T) (*Vault, *memory.Store, *fakeBalance) {
	t.Helper()
	c, err := NewCipher("operator-secret")
	require.NoError(t, err)
	store := memory.New()
	chain := &fakeBalance{}
	return New(store, c, chain), store, chain
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("operator-secret")
	require.NoError(t, err)
	secret := types.NewAccount().PrivateKey

	blob, err := c.Encrypt(secret)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	require.Len(t, raw, nonceSize+tagSize+len(secret))

	plain, err := c.Decrypt(blob)
	require.NoError(t, err)
	require.Equal(t, []byte(secret), plain)

	again, err := c.Encrypt(secret)
	require.NoError(t, err)
	require.NotEqual(t, blob, again, "nonce must be fresh per encryption")
}

func TestCipherRejectsTamperingAtEveryOffset(t *testing.T) {
	c, err := NewCipher("operator-secret")
	require.NoError(t, err)
	blob, err := c.Encrypt([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)

	for i := range raw {
		tampered := append([]byte(nil), raw...)
		tampered[i] ^= 0x01
		_, err := c.Decrypt(base64.StdEncoding.EncodeToString(tampered))
		require.ErrorIs(t, err, ErrDecrypt, "byte %d", i)
	}
}

func TestCipherRejectsMalformedBlobsAndWrongSecret(t *testing.T) {
	c, err := NewCipher("operator-secret")
	require.NoError(t, err)
	for _, blob := range []string{"", "not base64!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		_, err := c.Decrypt(blob)
		require.ErrorIs(t, err, ErrDecrypt)
	}

	blob, err := c.Encrypt([]byte("key material"))
	require.NoError(t, err)
	other, err := NewCipher("different-secret")
	require.NoError(t, err)
	_, err = other.Decrypt(blob)
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = NewCipher("")
	require.Error(t, err)
}

func TestCreateWalletRejectsExistingOwner(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	w, err := v.CreateWallet(ctx, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, w.PublicKey)
	require.NotContains(t, w.EncryptedSecret, w.PublicKey)

	_, err = v.CreateWallet(ctx, "user-1")
	require.True(t, clierr.Is(err, clierr.CodeAlreadyExists), "got %v", err)

	got, err := v.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, w.PublicKey, got.PublicKey)
}

func TestGetWalletMissingIsNoWallet(t *testing.T) {
	v, store, _ := newTestVault(t)
	_, err := v.GetWallet(context.Background(), "nobody")
	require.True(t, clierr.Is(err, clierr.CodeNoWallet), "got %v", err)

	store.Fail = errors.New("db down")
	_, err = v.GetWallet(context.Background(), "nobody")
	require.True(t, clierr.Is(err, clierr.CodeStoreUnavailable), "got %v", err)
}

func TestWithSignerUsesWalletKey(t *testing.T) {
	v, _, _ := newTestVault(t)
	w, err := v.CreateWallet(context.Background(), "user-1")
	require.NoError(t, err)

	var seen string
	err = v.WithSigner(w, func(s signer.Signer) error {
		seen = s.PublicKey()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, w.PublicKey, seen)
}

func TestWithSignerFailsClosedOnTamperedSecret(t *testing.T) {
	v, _, _ := newTestVault(t)
	w, err := v.CreateWallet(context.Background(), "user-1")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(w.EncryptedSecret)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	w.EncryptedSecret = base64.StdEncoding.EncodeToString(raw)

	called := false
	err = v.WithSigner(w, func(signer.Signer) error {
		called = true
		return nil
	})
	require.True(t, clierr.Is(err, clierr.CodeSignFailed), "got %v", err)
	require.False(t, called)
}

func TestWithSignerPropagatesCallbackError(t *testing.T) {
	v, _, _ := newTestVault(t)
	w, err := v.CreateWallet(context.Background(), "user-1")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = v.WithSigner(w, func(signer.Signer) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestNativeBalanceConvertsLamports(t *testing.T) {
	v, _, chain := newTestVault(t)
	w, err := v.CreateWallet(context.Background(), "user-1")
	require.NoError(t, err)

	chain.lamports = 1_250_000_000
	bal, err := v.NativeBalance(context.Background(), w.PublicKey)
	require.NoError(t, err)
	require.Equal(t, "1.25", bal.String())
	require.Equal(t, w.PublicKey, chain.lastAddr)

	chain.err = errors.New("rpc down")
	_, err = v.NativeBalance(context.Background(), w.PublicKey)
	require.True(t, clierr.Is(err, clierr.CodeUnavailable))

	_, err = v.NativeBalance(context.Background(), "not-an-address")
	require.True(t, clierr.Is(err, clierr.CodeUsage))
}

func TestNativeBalanceRefusesProgramDerivedAddress(t *testing.T) {
	v, _, chain := newTestVault(t)
	pda, _, err := common.FindProgramAddress([][]byte{[]byte("escrow")}, common.TokenProgramID)
	require.NoError(t, err)

	_, err = v.NativeBalance(context.Background(), pda.ToBase58())
	require.True(t, clierr.Is(err, clierr.CodeUsage), "got %v", err)
	require.Empty(t, chain.lastAddr, "no rpc call for an off-curve address")
}
