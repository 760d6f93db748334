package app

import (
	"context"
	"encoding/json"
	"time"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/model"
)

type fetchFn func(ctx context.Context) (data any, providerStatus []model.ProviderStatus, warnings []string, partial bool, err error)

// staleEntry is a cached payload past its TTL that may still back a failed
// fetch.
type staleEntry struct {
	data     any
	status   model.CacheStatus
	age      time.Duration
	observed time.Time
}

func (e *staleEntry) ageNow() time.Duration {
	return e.age + time.Since(e.observed)
}

// runCachedCommand serves read-only market data (token info, prices) from
// the local cache when fresh, otherwise fetches it. A failed fetch falls back
// to a stale entry only for transient provider errors and only inside the
// max-stale budget. Partial results are never written to the cache.
func (s *runtimeState) runCachedCommand(commandPath, key string, ttl time.Duration, fetch fetchFn) error {
	s.diag.reset()
	ctx, cancel := s.requestContext(0)
	defer cancel()

	fresh, stale := s.readCached(ctx, key)
	if fresh != nil {
		return s.emitSuccess(commandPath, fresh.data, nil, fresh.status, nil, false)
	}

	data, providers, warnings, partial, err := fetch(ctx)
	s.diag.capture(warnings, providers, partial)
	if err != nil {
		if stale == nil {
			return err
		}
		return s.serveStale(commandPath, stale, ttl, err, warnings, providers)
	}
	if partial && s.settings.Strict {
		return clierr.New(clierr.CodePartialStrict, "partial results returned in strict mode")
	}

	cacheStatus := cacheMetaMiss()
	if !partial && s.writeCached(ctx, key, data, ttl) {
		cacheStatus = model.CacheStatus{Status: "write"}
	}
	return s.emitSuccess(commandPath, data, warnings, cacheStatus, providers, partial)
}

// readCached returns the entry as fresh when inside its TTL, or as stale when
// inside max-stale. Cache faults read as a miss and undecodable entries are
// dropped.
func (s *runtimeState) readCached(ctx context.Context, key string) (fresh, stale *staleEntry) {
	if !s.settings.CacheEnabled || s.cache == nil {
		return nil, nil
	}
	res, err := s.cache.Get(ctx, key, s.settings.MaxStale)
	if err != nil || !res.Hit {
		return nil, nil
	}
	var data any
	if err := json.Unmarshal(res.Value, &data); err != nil {
		_ = s.cache.Delete(ctx, key)
		return nil, nil
	}
	entry := &staleEntry{
		data:     data,
		status:   model.CacheStatus{Status: "hit", AgeMS: res.Age.Milliseconds(), Stale: res.Stale},
		age:      res.Age,
		observed: time.Now(),
	}
	if res.Stale {
		return nil, entry
	}
	return entry, nil
}

func (s *runtimeState) writeCached(ctx context.Context, key string, data any, ttl time.Duration) bool {
	if !s.settings.CacheEnabled || s.cache == nil {
		return false
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return false
	}
	return s.cache.Set(ctx, key, payload, ttl) == nil
}

func (s *runtimeState) serveStale(commandPath string, stale *staleEntry, ttl time.Duration, fetchErr error, warnings []string, providers []model.ProviderStatus) error {
	if !clierr.Retryable(fetchErr) {
		return fetchErr
	}
	if s.settings.NoStale {
		return clierr.Wrap(clierr.CodeStale, "fresh provider fetch failed and stale fallback is disabled (--no-stale)", fetchErr)
	}
	// the fetch itself may have pushed the entry past the budget
	age := stale.ageNow()
	if staleExceedsBudget(age, ttl, s.settings.MaxStale) {
		return clierr.Wrap(clierr.CodeStale, "fresh provider fetch failed and cached data exceeded stale budget", fetchErr)
	}
	stale.status.AgeMS = age.Milliseconds()
	warnings = append(warnings, "provider fetch failed; serving stale data within max-stale budget")
	s.diag.capture(warnings, providers, false)
	return s.emitSuccess(commandPath, stale.data, warnings, stale.status, providers, false)
}

// staleExceedsBudget reports whether age is past ttl+maxStale. A negative
// maxStale means unbounded.
func staleExceedsBudget(age, ttl, maxStale time.Duration) bool {
	if age <= ttl || maxStale < 0 {
		return false
	}
	return age > ttl+maxStale
}
