package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "SOLSWAP_"

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Strict         bool
	Timeout        string
	Retries        int
	MaxStale       string
	NoStale        bool
	NoCache        bool
	Yes            bool
	LogLevel       string
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Strict         bool
	AssumeYes      bool
	Timeout        time.Duration
	Retries        int
	MaxStale       time.Duration
	NoStale        bool

	CacheEnabled  bool
	CachePath     string
	CacheLockPath string

	StoreDriver string
	StoreDSN    string
	DataDir     string

	Cluster    string
	RPCURL     string
	WSURL      string
	Commitment string

	AggregatorBaseURL string
	JupiterAPIKey     string
	PriceBaseURL      string
	BirdeyeAPIKey     string
	BirdeyeBaseURL    string
	DefiLlamaBaseURL  string
	TokenListURL      string
	TokenListTTL      time.Duration
	PriceTTL          time.Duration

	SlippageBps    int
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	SwapRetries    int
	TrackNative    bool

	VaultSecret string

	AlertInterval     time.Duration
	ReconcileInterval time.Duration
	MetricsAddr       string

	LogLevel  string
	LogFormat string
}

type apiKeyConfig struct {
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Strict  *bool  `yaml:"strict"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Cache   struct {
		Enabled  *bool  `yaml:"enabled"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Store struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
		DSNEnv string `yaml:"dsn_env"`
	} `yaml:"store"`
	Chain struct {
		Cluster    string `yaml:"cluster"`
		RPCURL     string `yaml:"rpc_url"`
		WSURL      string `yaml:"ws_url"`
		Commitment string `yaml:"commitment"`
	} `yaml:"chain"`
	Swap struct {
		SlippageBps    *int   `yaml:"slippage_bps"`
		ConfirmTimeout string `yaml:"confirm_timeout"`
		PollInterval   string `yaml:"poll_interval"`
		Retries        *int   `yaml:"retries"`
	} `yaml:"swap"`
	Holdings struct {
		TrackNative *bool `yaml:"track_native"`
	} `yaml:"holdings"`
	Tokens struct {
		ListURL string `yaml:"list_url"`
		TTL     string `yaml:"ttl"`
	} `yaml:"tokens"`
	Prices struct {
		TTL string `yaml:"ttl"`
	} `yaml:"prices"`
	Vault struct {
		SecretEnv string `yaml:"secret_env"`
	} `yaml:"vault"`
	Alerts struct {
		Interval string `yaml:"interval"`
	} `yaml:"alerts"`
	Worker struct {
		ReconcileInterval string `yaml:"reconcile_interval"`
		MetricsAddr       string `yaml:"metrics_addr"`
	} `yaml:"worker"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Providers struct {
		Jupiter apiKeyConfig `yaml:"jupiter"`
		Birdeye   apiKeyConfig `yaml:"birdeye"`
		DefiLlama struct {
			BaseURL string `yaml:"base_url"`
		} `yaml:"defillama"`
	} `yaml:"providers"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.SwapRetries < 0 {
		settings.SwapRetries = 0
	}
	if settings.MaxStale < 0 {
		settings.MaxStale = 5 * time.Minute
	}
	if settings.StoreDriver == "sqlite" && settings.StoreDSN == "" {
		settings.StoreDSN = filepath.Join(settings.DataDir, "solswap.db")
	}
	return settings, validate(settings)
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	dataDir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:        "json",
		Timeout:           10 * time.Second,
		Retries:           2,
		MaxStale:          5 * time.Minute,
		CacheEnabled:      true,
		CachePath:         cachePath,
		CacheLockPath:     lockPath,
		StoreDriver:       "sqlite",
		DataDir:           dataDir,
		Cluster:           "mainnet-beta",
		Commitment:        "confirmed",
		AggregatorBaseURL: "https://lite-api.jup.ag/swap/v1",
		PriceBaseURL:      "https://lite-api.jup.ag/price/v3",
		BirdeyeBaseURL:    "https://public-api.birdeye.so",
		DefiLlamaBaseURL:  "https://coins.llama.fi",
		TokenListURL:      "https://lite-api.jup.ag/tokens/v2/tag?query=verified",
		TokenListTTL:      30 * time.Minute,
		PriceTTL:          30 * time.Second,
		SlippageBps:       50,
		ConfirmTimeout:    60 * time.Second,
		PollInterval:      2 * time.Second,
		SwapRetries:       2,
		AlertInterval:     60 * time.Second,
		ReconcileInterval: 30 * time.Second,
		MetricsAddr:       ":9464",
		LogLevel:          "info",
		LogFormat:         "json",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "solswap", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "solswap")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "solswap"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Strict != nil {
		settings.Strict = *cfg.Strict
	}
	if err := setDuration(cfg.Timeout, "timeout", &settings.Timeout); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if err := setDuration(cfg.Cache.MaxStale, "cache.max_stale", &settings.MaxStale); err != nil {
		return err
	}
	setString(cfg.Cache.Path, &settings.CachePath)
	setString(cfg.Cache.LockPath, &settings.CacheLockPath)

	setString(strings.ToLower(cfg.Store.Driver), &settings.StoreDriver)
	setString(cfg.Store.DSN, &settings.StoreDSN)
	if cfg.Store.DSNEnv != "" {
		settings.StoreDSN = os.Getenv(cfg.Store.DSNEnv)
	}

	setString(cfg.Chain.Cluster, &settings.Cluster)
	setString(cfg.Chain.RPCURL, &settings.RPCURL)
	setString(cfg.Chain.WSURL, &settings.WSURL)
	setString(cfg.Chain.Commitment, &settings.Commitment)

	if cfg.Swap.SlippageBps != nil {
		settings.SlippageBps = *cfg.Swap.SlippageBps
	}
	if err := setDuration(cfg.Swap.ConfirmTimeout, "swap.confirm_timeout", &settings.ConfirmTimeout); err != nil {
		return err
	}
	if err := setDuration(cfg.Swap.PollInterval, "swap.poll_interval", &settings.PollInterval); err != nil {
		return err
	}
	if cfg.Swap.Retries != nil {
		settings.SwapRetries = *cfg.Swap.Retries
	}
	if cfg.Holdings.TrackNative != nil {
		settings.TrackNative = *cfg.Holdings.TrackNative
	}

	setString(cfg.Tokens.ListURL, &settings.TokenListURL)
	if err := setDuration(cfg.Tokens.TTL, "tokens.ttl", &settings.TokenListTTL); err != nil {
		return err
	}
	if err := setDuration(cfg.Prices.TTL, "prices.ttl", &settings.PriceTTL); err != nil {
		return err
	}
	if cfg.Vault.SecretEnv != "" {
		settings.VaultSecret = os.Getenv(cfg.Vault.SecretEnv)
	}
	if err := setDuration(cfg.Alerts.Interval, "alerts.interval", &settings.AlertInterval); err != nil {
		return err
	}
	if err := setDuration(cfg.Worker.ReconcileInterval, "worker.reconcile_interval", &settings.ReconcileInterval); err != nil {
		return err
	}
	setString(cfg.Worker.MetricsAddr, &settings.MetricsAddr)
	setString(cfg.Log.Level, &settings.LogLevel)
	setString(cfg.Log.Format, &settings.LogFormat)

	applyKey(cfg.Providers.Jupiter, &settings.JupiterAPIKey, &settings.AggregatorBaseURL)
	applyKey(cfg.Providers.Birdeye, &settings.BirdeyeAPIKey, &settings.BirdeyeBaseURL)
	setString(cfg.Providers.DefiLlama.BaseURL, &settings.DefiLlamaBaseURL)
	return nil
}

func applyKey(c apiKeyConfig, key, baseURL *string) {
	setString(c.APIKey, key)
	if c.APIKeyEnv != "" {
		*key = os.Getenv(c.APIKeyEnv)
	}
	setString(c.BaseURL, baseURL)
}

func applyEnv(settings *Settings) {
	envString("OUTPUT", func(v string) { settings.OutputMode = strings.ToLower(v) })
	envBool("STRICT", &settings.Strict)
	envDuration("TIMEOUT", &settings.Timeout)
	envInt("RETRIES", &settings.Retries)
	envDuration("MAX_STALE", &settings.MaxStale)
	envBool("NO_STALE", &settings.NoStale)
	if v := os.Getenv(envPrefix + "NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	envString("CACHE_PATH", func(v string) { settings.CachePath = v })
	envString("CACHE_LOCK_PATH", func(v string) { settings.CacheLockPath = v })
	envString("STORE_DRIVER", func(v string) { settings.StoreDriver = strings.ToLower(v) })
	envString("STORE_DSN", func(v string) { settings.StoreDSN = v })
	envString("DATA_DIR", func(v string) { settings.DataDir = v })
	envString("CLUSTER", func(v string) { settings.Cluster = v })
	envString("RPC_URL", func(v string) { settings.RPCURL = v })
	envString("WS_URL", func(v string) { settings.WSURL = v })
	envString("COMMITMENT", func(v string) { settings.Commitment = v })
	envString("AGGREGATOR_URL", func(v string) { settings.AggregatorBaseURL = v })
	envString("JUPITER_API_KEY", func(v string) { settings.JupiterAPIKey = v })
	envString("PRICE_URL", func(v string) { settings.PriceBaseURL = v })
	envString("BIRDEYE_API_KEY", func(v string) { settings.BirdeyeAPIKey = v })
	envString("BIRDEYE_URL", func(v string) { settings.BirdeyeBaseURL = v })
	envString("DEFILLAMA_URL", func(v string) { settings.DefiLlamaBaseURL = v })
	envString("TOKEN_LIST_URL", func(v string) { settings.TokenListURL = v })
	envDuration("TOKEN_LIST_TTL", &settings.TokenListTTL)
	envDuration("PRICE_TTL", &settings.PriceTTL)
	envInt("SLIPPAGE_BPS", &settings.SlippageBps)
	envDuration("CONFIRM_TIMEOUT", &settings.ConfirmTimeout)
	envDuration("POLL_INTERVAL", &settings.PollInterval)
	envInt("SWAP_RETRIES", &settings.SwapRetries)
	envBool("TRACK_NATIVE", &settings.TrackNative)
	envString("VAULT_SECRET", func(v string) { settings.VaultSecret = v })
	envDuration("ALERT_INTERVAL", &settings.AlertInterval)
	envDuration("RECONCILE_INTERVAL", &settings.ReconcileInterval)
	envString("METRICS_ADDR", func(v string) { settings.MetricsAddr = v })
	envString("LOG_LEVEL", func(v string) { settings.LogLevel = v })
	envString("LOG_FORMAT", func(v string) { settings.LogFormat = v })
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if fields := splitList(flags.Select); len(fields) > 0 {
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly
	if allowed := splitList(flags.EnableCommands); len(allowed) > 0 {
		settings.EnableCommands = allowed
	}
	if flags.Strict {
		settings.Strict = true
	}
	if flags.Yes {
		settings.AssumeYes = true
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.NoStale {
		settings.NoStale = true
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.LogLevel != "" {
		settings.LogLevel = flags.LogLevel
	}
	return nil
}

func validate(s Settings) error {
	if s.OutputMode != "json" && s.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	if s.StoreDriver != "sqlite" && s.StoreDriver != "postgres" {
		return fmt.Errorf("store driver must be sqlite or postgres, got %q", s.StoreDriver)
	}
	if s.StoreDriver == "postgres" && strings.TrimSpace(s.StoreDSN) == "" {
		return fmt.Errorf("store dsn is required for postgres")
	}
	if s.SlippageBps < 0 || s.SlippageBps > 10_000 {
		return fmt.Errorf("slippage_bps must be between 0 and 10000")
	}
	if s.ConfirmTimeout <= 0 || s.PollInterval <= 0 {
		return fmt.Errorf("swap confirm_timeout and poll_interval must be positive")
	}
	if s.TokenListTTL <= 0 || s.PriceTTL <= 0 {
		return fmt.Errorf("token list and price ttl must be positive")
	}
	return nil
}

func setString(v string, dst *string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setDuration(v, field string, dst *time.Duration) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config %s: %w", field, err)
	}
	*dst = d
	return nil
}

func envString(name string, apply func(string)) {
	if v := os.Getenv(envPrefix + name); v != "" {
		apply(v)
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
