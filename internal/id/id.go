package id

import (
	"fmt"
	"regexp"
	"strings"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
)

var solanaAddressPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

const (
	NativeSymbol    = "SOL"
	NativeName      = "Solana"
	WrappedSOLMint  = "So11111111111111111111111111111111111111112"
	NativeDecimals  = 9
	DefaultDecimals = 9
)

const (
	solanaMainnetRef = "5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	solanaDevnetRef  = "EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	solanaTestnetRef = "4uhcVJyU9pJkvQyS88uRDiswHXSCkY3z"
)

type Cluster struct {
	Name  string
	Slug  string
	CAIP2 string
	RPC   string
	WS    string
}

var clusterBySlug = map[string]Cluster{
	"mainnet-beta": {Name: "Solana", Slug: "mainnet-beta", CAIP2: "solana:" + solanaMainnetRef, RPC: "https://api.mainnet-beta.solana.com", WS: "wss://api.mainnet-beta.solana.com"},
	"devnet":       {Name: "Solana Devnet", Slug: "devnet", CAIP2: "solana:" + solanaDevnetRef, RPC: "https://api.devnet.solana.com", WS: "wss://api.devnet.solana.com"},
	"testnet":      {Name: "Solana Testnet", Slug: "testnet", CAIP2: "solana:" + solanaTestnetRef, RPC: "https://api.testnet.solana.com", WS: "wss://api.testnet.solana.com"},
}

var clusterAliases = map[string]string{
	"":               "mainnet-beta",
	"mainnet":        "mainnet-beta",
	"solana":         "mainnet-beta",
	"solana-mainnet": "mainnet-beta",
	"solana-devnet":  "devnet",
	"solana-testnet": "testnet",
}

// ParseCluster accepts a cluster slug, alias, or CAIP-2 id.
func ParseCluster(input string) (Cluster, error) {
	norm := strings.ToLower(strings.TrimSpace(input))
	if alias, ok := clusterAliases[norm]; ok {
		norm = alias
	}
	if c, ok := clusterBySlug[norm]; ok {
		return c, nil
	}
	for _, c := range clusterBySlug {
		if strings.EqualFold(c.CAIP2, strings.TrimSpace(input)) {
			return c, nil
		}
	}
	return Cluster{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported cluster %q", input))
}

// LooksLikeAddress is a length and alphabet check only.
func LooksLikeAddress(input string) bool {
	return solanaAddressPattern.MatchString(strings.TrimSpace(input))
}

// ParseAddress returns the canonical base58 form of a 32-byte Solana address.
func ParseAddress(input string) (string, error) {
	v := strings.TrimSpace(input)
	if !LooksLikeAddress(v) {
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid solana address %q", input))
	}
	raw, err := base58.Decode(v)
	if err != nil || len(raw) != 32 {
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid solana address %q", input))
	}
	return base58.Encode(raw), nil
}

// IsOnCurve reports whether the address is a valid ed25519 point, i.e. can
// belong to a keypair rather than a program-derived address.
func IsOnCurve(address string) bool {
	raw, err := base58.Decode(address)
	if err != nil || len(raw) != 32 {
		return false
	}
	_, err = new(edwards25519.Point).SetBytes(raw)
	return err == nil
}

// ValidateWalletAddress requires a parseable, on-curve address.
func ValidateWalletAddress(address string) error {
	canon, err := ParseAddress(address)
	if err != nil {
		return err
	}
	if !IsOnCurve(canon) {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("address %s is off-curve and cannot own a wallet", canon))
	}
	return nil
}

// IsNativeQuery reports whether a user query names the native coin.
func IsNativeQuery(query string) bool {
	q := strings.TrimSpace(query)
	return strings.EqualFold(q, NativeSymbol) || q == WrappedSOLMint
}
