// Package tokens resolves user queries (symbol, name, or mint address) to
// token metadata backed by a cached external token list.
//
// Matching tiers, first hit wins and list order breaks ties inside a tier:
// exact symbol, exact name, symbol prefix, name prefix, symbol substring,
// name substring. The upstream list has no guaranteed order, so a loose
// query that hits several tokens in the same tier is not deterministic
// across list refreshes.
package tokens

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ggonzalez94/solswap/internal/cache"
	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/id"
	"github.com/ggonzalez94/solswap/internal/logging"
)

const (
	cacheKey       = "tokens:list:v1"
	refreshTimeout = 20 * time.Second
	failureBackoff = 15 * time.Second
	persistedGrace = 7 * 24 * time.Hour
)

type Token struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol,omitempty"`
	Name     string `json:"name,omitempty"`
	Decimals int    `json:"decimals"`
	// Synthetic marks an address absent from the list; Decimals is the
	// default and may not match the mint.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Native is the record for the chain's native coin, quoted as wrapped SOL.
func Native() Token {
	return Token{Address: id.WrappedSOLMint, Symbol: id.NativeSymbol, Name: id.NativeName, Decimals: id.NativeDecimals}
}

type Source interface {
	FetchTokens(ctx context.Context) ([]Token, error)
}

// ListCache persists the last good list across processes.
type ListCache interface {
	GetJSON(ctx context.Context, key string, maxStale time.Duration, out any) (cache.Result, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

type Resolver struct {
	source  Source
	persist ListCache
	ttl     time.Duration
	log     *zap.Logger
	now     func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	tokens    []Token
	byAddress map[string]int
	fetchedAt time.Time
	retryAt   time.Time
	lastErr   error
}

type Option func(*Resolver)

func WithListCache(c ListCache) Option {
	return func(r *Resolver) { r.persist = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.log = logging.Or(l) }
}

func NewResolver(source Source, ttl time.Duration, opts ...Option) *Resolver {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	r := &Resolver{
		source: source,
		ttl:    ttl,
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the token for query. ok=false means nothing matched. An
// error is returned only when the query needed the list and no list could
// be loaded.
func (r *Resolver) Resolve(ctx context.Context, query string) (Token, bool, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return Token{}, false, nil
	}
	if id.IsNativeQuery(q) {
		return Native(), true, nil
	}

	if id.LooksLikeAddress(q) {
		mint, err := id.ParseAddress(q)
		if err != nil {
			// base58-shaped but not a 32-byte key
			return Token{}, false, nil
		}
		tokens, byAddress, _ := r.list(ctx)
		if idx, ok := byAddress[mint]; ok {
			return tokens[idx], true, nil
		}
		return Token{Address: mint, Decimals: id.DefaultDecimals, Synthetic: true}, true, nil
	}

	tokens, _, listErr := r.list(ctx)
	if len(tokens) == 0 && listErr != nil {
		return Token{}, false, clierr.Wrap(clierr.CodeUnavailable, "token list unavailable", listErr)
	}
	if tok, ok := match(tokens, q); ok {
		return tok, true, nil
	}
	return Token{}, false, nil
}

// Lookup returns list metadata for a mint without synthesizing.
func (r *Resolver) Lookup(ctx context.Context, mint string) (Token, bool) {
	if mint == id.WrappedSOLMint {
		return Native(), true
	}
	tokens, byAddress, _ := r.list(ctx)
	if idx, ok := byAddress[mint]; ok {
		return tokens[idx], true
	}
	return Token{}, false
}

// Refresh forces a refetch regardless of TTL.
func (r *Resolver) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("refresh", func() (any, error) {
		return nil, r.refresh(ctx)
	})
	return err
}

// Len is the size of the installed list.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}

func (r *Resolver) list(ctx context.Context) ([]Token, map[string]int, error) {
	r.mu.RLock()
	now := r.now()
	fresh := !r.fetchedAt.IsZero() && now.Sub(r.fetchedAt) < r.ttl
	backingOff := now.Before(r.retryAt)
	tokens, byAddress, lastErr := r.tokens, r.byAddress, r.lastErr
	r.mu.RUnlock()
	if fresh || backingOff {
		return tokens, byAddress, lastErr
	}

	_, _, _ = r.group.Do("refresh", func() (any, error) {
		return nil, r.refresh(ctx)
	})

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tokens, r.byAddress, r.lastErr
}

func (r *Resolver) refresh(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	fetched, err := r.source.FetchTokens(fetchCtx)
	if err == nil && len(fetched) == 0 {
		err = clierr.New(clierr.CodeUnavailable, "token list source returned no tokens")
	}
	if err == nil {
		r.install(fetched, r.now(), nil)
		if r.persist != nil {
			if perr := r.persist.SetJSON(fetchCtx, cacheKey, fetched, r.ttl); perr != nil {
				r.log.Warn("persist token list", zap.Error(perr))
			}
		}
		r.log.Debug("token list refreshed", zap.Int("tokens", len(fetched)))
		return nil
	}

	r.log.Warn("token list refresh failed", zap.Error(err))
	r.mu.Lock()
	r.retryAt = r.now().Add(failureBackoff)
	r.lastErr = err
	haveList := len(r.tokens) > 0
	r.mu.Unlock()
	if haveList {
		return err
	}

	if r.persist != nil {
		var persisted []Token
		res, perr := r.persist.GetJSON(fetchCtx, cacheKey, persistedGrace, &persisted)
		if perr == nil && res.Hit && len(persisted) > 0 {
			r.log.Info("serving persisted token list", zap.Int("tokens", len(persisted)))
			r.install(persisted, time.Time{}, err)
		}
	}
	return err
}

func (r *Resolver) install(list []Token, fetchedAt time.Time, lastErr error) {
	byAddress := make(map[string]int, len(list))
	for i, t := range list {
		if _, dup := byAddress[t.Address]; !dup {
			byAddress[t.Address] = i
		}
	}
	r.mu.Lock()
	r.tokens = list
	r.byAddress = byAddress
	r.fetchedAt = fetchedAt
	r.lastErr = lastErr
	if lastErr == nil {
		r.retryAt = time.Time{}
	}
	r.mu.Unlock()
}

func match(tokens []Token, query string) (Token, bool) {
	q := strings.ToLower(query)
	tiers := []func(t Token) bool{
		func(t Token) bool { return strings.ToLower(t.Symbol) == q },
		func(t Token) bool { return strings.ToLower(t.Name) == q },
		func(t Token) bool { return t.Symbol != "" && strings.HasPrefix(strings.ToLower(t.Symbol), q) },
		func(t Token) bool { return t.Name != "" && strings.HasPrefix(strings.ToLower(t.Name), q) },
		func(t Token) bool { return strings.Contains(strings.ToLower(t.Symbol), q) },
		func(t Token) bool { return strings.Contains(strings.ToLower(t.Name), q) },
	}
	for _, hit := range tiers {
		for _, t := range tokens {
			if hit(t) {
				return t, true
			}
		}
	}
	return Token{}, false
}
