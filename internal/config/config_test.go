package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(tmp, "cache"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmp, "data"))
	return tmp
}

func TestLoadPrecedenceFlagsOverEnvOverFile(t *testing.T) {
	tmp := isolate(t)
	configPath := filepath.Join(tmp, "config.yaml")
	body := "output: plain\nretries: 1\nswap:\n  slippage_bps: 100\n  confirm_timeout: 45s\n"
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SOLSWAP_OUTPUT", "json")
	t.Setenv("SOLSWAP_SLIPPAGE_BPS", "75")
	flags := GlobalFlags{ConfigPath: configPath, Plain: true, Retries: 5}
	settings, err := Load(flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "plain" {
		t.Fatalf("expected flag to win, got output=%s", settings.OutputMode)
	}
	if settings.Retries != 5 {
		t.Fatalf("expected retries from flags, got %d", settings.Retries)
	}
	if settings.SlippageBps != 75 {
		t.Fatalf("expected env slippage to beat file, got %d", settings.SlippageBps)
	}
	if settings.ConfirmTimeout != 45*time.Second {
		t.Fatalf("expected file confirm timeout, got %s", settings.ConfirmTimeout)
	}
}

func TestLoadDefaultsSqliteDSNUnderDataDir(t *testing.T) {
	tmp := isolate(t)
	settings, err := Load(GlobalFlags{Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := filepath.Join(tmp, "data", "solswap", "solswap.db")
	if settings.StoreDSN != want {
		t.Fatalf("unexpected dsn %s want %s", settings.StoreDSN, want)
	}
	if settings.SlippageBps != 50 || settings.TrackNative {
		t.Fatalf("unexpected defaults: %+v", settings)
	}
}

func TestLoadVaultSecretIndirection(t *testing.T) {
	tmp := isolate(t)
	configPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(configPath, []byte("vault:\n  secret_env: MY_BOT_SECRET\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MY_BOT_SECRET", "hunter2")
	settings, err := Load(GlobalFlags{ConfigPath: configPath, Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.VaultSecret != "hunter2" {
		t.Fatal("expected vault secret from indirection env")
	}
}

func TestLoadValidation(t *testing.T) {
	isolate(t)
	if _, err := Load(GlobalFlags{JSON: true, Plain: true}); err == nil {
		t.Fatal("expected error with --json and --plain")
	}
	t.Setenv("SOLSWAP_STORE_DRIVER", "postgres")
	if _, err := Load(GlobalFlags{Retries: -1}); err == nil {
		t.Fatal("expected missing postgres dsn error")
	}
	t.Setenv("SOLSWAP_STORE_DRIVER", "sqlite")
	t.Setenv("SOLSWAP_SLIPPAGE_BPS", "20000")
	if _, err := Load(GlobalFlags{Retries: -1}); err == nil {
		t.Fatal("expected slippage range error")
	}
}
