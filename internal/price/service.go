// Package price serves USD token prices from an ordered provider chain with a
// shared TTL cache.
package price

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/logging"
	"github.com/ggonzalez94/solswap/internal/observability"
	"github.com/ggonzalez94/solswap/internal/providers"
)

const fetchTimeout = 8 * time.Second

type entry struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

type Service struct {
	chain   []providers.PriceProvider
	ttl     time.Duration
	log     *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]entry
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = logging.Or(l) }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New builds a service that asks providers in order. Providers reporting
// Configured() == false are skipped.
func New(ttl time.Duration, chain []providers.PriceProvider, opts ...Option) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	active := make([]providers.PriceProvider, 0, len(chain))
	for _, p := range chain {
		if c, ok := p.(interface{ Configured() bool }); ok && !c.Configured() {
			continue
		}
		active = append(active, p)
	}
	s := &Service{
		chain: active,
		ttl:   ttl,
		log:   zap.NewNop(),
		now:   time.Now,
		cache: map[string]entry{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Price returns the USD price of mint. ok=false means no provider knows the
// mint or every provider failed; err is set only in the latter case.
func (s *Service) Price(ctx context.Context, mint string) (decimal.Decimal, bool, error) {
	mint = strings.TrimSpace(mint)
	if p, ok := s.cached(mint); ok {
		return p, true, nil
	}
	v, err, _ := s.group.Do(mint, func() (any, error) {
		return s.fetch(ctx, []string{mint})
	})
	if err != nil {
		return decimal.Zero, false, err
	}
	p, ok := v.(map[string]decimal.Decimal)[mint]
	return p, ok, nil
}

// Prices resolves many mints at once; unpriced mints are absent.
func (s *Service) Prices(ctx context.Context, mints []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(mints))
	var missing []string
	for _, m := range mints {
		if p, ok := s.cached(m); ok {
			out[m] = p
			continue
		}
		if !slices.Contains(missing, m) {
			missing = append(missing, m)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	slices.Sort(missing)
	v, err, _ := s.group.Do(strings.Join(missing, ","), func() (any, error) {
		return s.fetch(ctx, missing)
	})
	if err != nil {
		if len(out) > 0 {
			return out, nil
		}
		return out, err
	}
	for m, p := range v.(map[string]decimal.Decimal) {
		out[m] = p
	}
	return out, nil
}

func (s *Service) cached(mint string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache[mint]
	if !ok || s.now().Sub(e.fetchedAt) >= s.ttl {
		return decimal.Zero, false
	}
	return e.price, true
}

func (s *Service) fetch(ctx context.Context, mints []string) (map[string]decimal.Decimal, error) {
	if len(s.chain) == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, "no price provider configured")
	}
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	found := make(map[string]decimal.Decimal, len(mints))
	pending := mints
	var lastErr error
	answered := false
	for _, p := range s.chain {
		if len(pending) == 0 {
			break
		}
		name := p.Info().Name
		got, err := p.Prices(ctx, pending)
		if err != nil {
			s.metrics.RecordPriceLookup(name, clierr.Kind(err))
			s.log.Debug("price provider failed", zap.String("provider", name), zap.Error(err))
			lastErr = err
			continue
		}
		s.metrics.RecordPriceLookup(name, "ok")
		answered = true
		next := pending[:0:0]
		for _, m := range pending {
			if v, ok := got[m]; ok && v.IsPositive() {
				found[m] = v
				continue
			}
			next = append(next, m)
		}
		pending = next
	}
	if !answered && lastErr != nil {
		return nil, lastErr
	}

	now := s.now()
	s.mu.Lock()
	for m, p := range found {
		s.cache[m] = entry{price: p, fetchedAt: now}
	}
	s.mu.Unlock()
	return found, nil
}
