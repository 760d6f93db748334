package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ggonzalez94/solswap/internal/alerts"
	"github.com/ggonzalez94/solswap/internal/cache"
	"github.com/ggonzalez94/solswap/internal/config"
	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/execution"
	"github.com/ggonzalez94/solswap/internal/holdings"
	"github.com/ggonzalez94/solswap/internal/httpx"
	"github.com/ggonzalez94/solswap/internal/id"
	"github.com/ggonzalez94/solswap/internal/model"
	"github.com/ggonzalez94/solswap/internal/observability"
	"github.com/ggonzalez94/solswap/internal/price"
	"github.com/ggonzalez94/solswap/internal/providers"
	"github.com/ggonzalez94/solswap/internal/providers/birdeye"
	"github.com/ggonzalez94/solswap/internal/providers/defillama"
	"github.com/ggonzalez94/solswap/internal/providers/jupiter"
	"github.com/ggonzalez94/solswap/internal/solana"
	"github.com/ggonzalez94/solswap/internal/storage"
	"github.com/ggonzalez94/solswap/internal/storage/sqlstore"
	"github.com/ggonzalez94/solswap/internal/swap"
	"github.com/ggonzalez94/solswap/internal/tokens"
	"github.com/ggonzalez94/solswap/internal/vault"
	"github.com/ggonzalez94/solswap/internal/version"
)

// services builds the core components on first use so commands only pay
// for (and only need configuration for) what they touch.
type services struct {
	settings config.Settings
	log      *zap.Logger
	metrics  *observability.Metrics
	cache    *cache.Store

	jupiter  *jupiter.Client
	birdeye  *birdeye.Client
	llama    *defillama.Client
	prices   *price.Service
	resolver *tokens.Resolver

	store storage.Store
	chain *solana.Client
	vault *vault.Vault
}

func newServices(settings config.Settings, log *zap.Logger, cacheStore *cache.Store) *services {
	httpClient := httpx.New(settings.Timeout, settings.Retries,
		httpx.WithUserAgent(version.CLIName+"/"+version.CLIVersion), httpx.WithLogger(log.Named("http")))
	s := &services{
		settings: settings,
		log:      log,
		metrics:  observability.NewMetrics(version.CLIName),
		cache:    cacheStore,
		jupiter: jupiter.New(httpClient, settings.JupiterAPIKey,
			jupiter.WithBaseURL(settings.AggregatorBaseURL),
			jupiter.WithPriceURL(settings.PriceBaseURL),
			jupiter.WithTokenListURL(settings.TokenListURL)),
		birdeye: birdeye.New(httpClient, settings.BirdeyeAPIKey, settings.BirdeyeBaseURL),
		llama:   defillama.New(httpClient, settings.DefiLlamaBaseURL),
	}
	s.prices = price.New(settings.PriceTTL, []providers.PriceProvider{s.birdeye, s.jupiter, s.llama},
		price.WithLogger(log), price.WithMetrics(s.metrics))

	resolverOpts := []tokens.Option{tokens.WithLogger(log)}
	if cacheStore != nil {
		resolverOpts = append(resolverOpts, tokens.WithListCache(cacheStore))
	}
	s.resolver = tokens.NewResolver(s.jupiter, settings.TokenListTTL, resolverOpts...)
	return s
}

func (s *services) providerInfos() []model.ProviderInfo {
	return []model.ProviderInfo{s.jupiter.Info(), s.birdeye.Info(), s.llama.Info()}
}

func (s *services) openStore(ctx context.Context) (storage.Store, error) {
	if s.store != nil {
		return s.store, nil
	}
	if s.settings.StoreDriver == sqlstore.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(s.settings.StoreDSN), 0o700); err != nil {
			return nil, clierr.Wrap(clierr.CodeStoreUnavailable, "create data directory", err)
		}
	}
	st, err := sqlstore.Open(ctx, s.settings.StoreDriver, s.settings.StoreDSN, s.log)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeStoreUnavailable, "open store", err)
	}
	s.store = st
	return st, nil
}

func (s *services) rpc() (*solana.Client, error) {
	if s.chain != nil {
		return s.chain, nil
	}
	cluster, err := id.ParseCluster(s.settings.Cluster)
	if err != nil {
		return nil, err
	}
	endpoint := s.settings.RPCURL
	if strings.TrimSpace(endpoint) == "" {
		endpoint = cluster.RPC
	}
	s.chain = solana.NewClient(endpoint, solana.WithTimeout(s.settings.Timeout), solana.WithMaxRetries(s.settings.Retries))
	return s.chain, nil
}

func (s *services) wsEndpoint() string {
	if ws := strings.TrimSpace(s.settings.WSURL); ws != "" {
		return ws
	}
	if strings.TrimSpace(s.settings.RPCURL) != "" {
		// custom RPC without an explicit ws url: derive it
		u := s.settings.RPCURL
		u = strings.Replace(u, "https://", "wss://", 1)
		return strings.Replace(u, "http://", "ws://", 1)
	}
	cluster, err := id.ParseCluster(s.settings.Cluster)
	if err != nil {
		return ""
	}
	return cluster.WS
}

func (s *services) openVault(ctx context.Context) (*vault.Vault, error) {
	if s.vault != nil {
		return s.vault, nil
	}
	if strings.TrimSpace(s.settings.VaultSecret) == "" {
		return nil, clierr.New(clierr.CodeUsage, "vault secret is not configured (set SOLSWAP_VAULT_SECRET or vault.secret_env)")
	}
	c, err := vault.NewCipher(s.settings.VaultSecret)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "init vault cipher", err)
	}
	st, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}
	chain, err := s.rpc()
	if err != nil {
		return nil, err
	}
	s.vault = vault.New(st, c, chain, vault.WithLogger(s.log), vault.WithCommitment(s.settings.Commitment))
	return s.vault, nil
}

func (s *services) ledger(ctx context.Context) (*holdings.Ledger, error) {
	st, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}
	return holdings.New(st, s.prices, holdings.WithLogger(s.log), holdings.WithTokenLookup(s.resolver)), nil
}

func (s *services) executor(v *vault.Vault) (*execution.Executor, error) {
	chain, err := s.rpc()
	if err != nil {
		return nil, err
	}
	opts := execution.DefaultOptions()
	opts.Commitment = s.settings.Commitment
	opts.PollInterval = s.settings.PollInterval
	opts.ConfirmTimeout = s.settings.ConfirmTimeout
	opts.BuildTimeout = s.settings.Timeout

	options := []execution.Option{execution.WithLogger(s.log), execution.WithMetrics(s.metrics)}
	if ws := s.wsEndpoint(); ws != "" {
		options = append(options, execution.WithWatcher(solana.NewSignatureWatcher(ws, nil)))
	}
	return execution.NewExecutor(s.jupiter, v, chain, opts, options...), nil
}

func (s *services) swapConfig() swap.Config {
	return swap.Config{
		SlippageBps:  s.settings.SlippageBps,
		RouteRetries: s.settings.SwapRetries,
		RouteTimeout: s.settings.Timeout,
		TrackNative:  s.settings.TrackNative,
	}
}

// quoter is an orchestrator without wallet or chain access.
func (s *services) quoter() *swap.Orchestrator {
	return swap.NewOrchestrator(s.resolver, s.jupiter, nil, nil, nil, nil, s.swapConfig(),
		swap.WithLogger(s.log), swap.WithMetrics(s.metrics))
}

func (s *services) orchestrator(ctx context.Context) (*swap.Orchestrator, error) {
	v, err := s.openVault(ctx)
	if err != nil {
		return nil, err
	}
	exec, err := s.executor(v)
	if err != nil {
		return nil, err
	}
	ledger, err := s.ledger(ctx)
	if err != nil {
		return nil, err
	}
	return swap.NewOrchestrator(s.resolver, s.jupiter, v, exec, ledger, s.store, s.swapConfig(),
		swap.WithLogger(s.log), swap.WithMetrics(s.metrics), swap.WithOwnerLocks(s.ownerLocks())), nil
}

// ownerLocks serializes one owner's swaps across every process sharing the
// store: advisory locks on postgres, lock files in the data dir otherwise.
func (s *services) ownerLocks() swap.OwnerLocker {
	if l, ok := s.store.(swap.OwnerLocker); ok && s.settings.StoreDriver == sqlstore.DriverPostgres {
		return l
	}
	return swap.NewFileLocks(filepath.Join(s.settings.DataDir, "locks"))
}

func (s *services) reconciler(ctx context.Context) (*swap.Reconciler, error) {
	ledger, err := s.ledger(ctx)
	if err != nil {
		return nil, err
	}
	chain, err := s.rpc()
	if err != nil {
		return nil, err
	}
	return swap.NewReconciler(s.store, chain, ledger, swap.ReconcilerConfig{
		Commitment:  s.settings.Commitment,
		Grace:       s.settings.ConfirmTimeout * 2,
		TrackNative: s.settings.TrackNative,
	}, s.log, s.metrics), nil
}

func (s *services) watchlist(ctx context.Context) (*alerts.Service, error) {
	st, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}
	return alerts.NewService(st, s.resolver, s.log), nil
}

func (s *services) poller(ctx context.Context) (*alerts.Poller, error) {
	st, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}
	lockPath := filepath.Join(s.settings.DataDir, "alerts.lock")
	if err := os.MkdirAll(s.settings.DataDir, 0o700); err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "create data directory", err)
	}
	return alerts.NewPoller(st, s.prices, alerts.LogNotifier{Log: s.log}, alerts.PollerConfig{
		Interval: s.settings.AlertInterval,
		LockPath: lockPath,
	}, s.log, s.metrics), nil
}

func (s *services) close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warn("close store", zap.Error(err))
		}
	}
	_ = s.log.Sync()
}
