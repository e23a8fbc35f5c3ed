package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const sampleConfig = `
app:
  log_level: debug
redis:
  addr: redis:6379
chains: [1, 5]
matching:
  maker_timeout: 120s
markets:
  - chain_id: 1
    alias: ETH-USDC
    base_symbol: ETH
    base_decimals: 18
    quote_symbol: USDC
    quote_decimals: 6
    base_fee: "0.001"
    quote_fee: "1"
    price_precision_decimals: 4
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.App.ServiceName != "exchange-coordinator" || cfg.App.MetricsPath != "/metrics" {
		t.Errorf("app = %+v", cfg.App)
	}
	if cfg.Matching.CollectionWindow != 500*time.Millisecond || cfg.Matching.MakerTimeout != 300*time.Second {
		t.Errorf("matching = %+v", cfg.Matching)
	}
	if cfg.Reconciler.LiquidityInterval != 4*time.Second || cfg.Reconciler.SweepLockTTL != 5*time.Second {
		t.Errorf("reconciler = %+v", cfg.Reconciler)
	}
	if len(cfg.Chains) != 2 || cfg.Chains[0] != 1 || cfg.Chains[1] != 1000 {
		t.Errorf("chains = %v", cfg.Chains)
	}
	if !cfg.PriceDeviation().Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("deviation = %s", cfg.PriceDeviation())
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("COORD_ORDERS_RATE_LIMIT", "10s")
	t.Setenv("COORD_REDIS_ADDR", "cache:6380")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.App.LogLevel != "debug" {
		t.Errorf("log level = %s", cfg.App.LogLevel)
	}
	if cfg.Redis.Addr != "cache:6380" {
		t.Errorf("env override lost, redis addr = %s", cfg.Redis.Addr)
	}
	if cfg.Orders.RateLimit != 10*time.Second {
		t.Errorf("rate limit = %s", cfg.Orders.RateLimit)
	}
	if cfg.Matching.MakerTimeout != 120*time.Second {
		t.Errorf("maker timeout = %s", cfg.Matching.MakerTimeout)
	}

	markets, err := cfg.MarketInfo()
	if err != nil {
		t.Fatalf("MarketInfo: %v", err)
	}
	if len(markets[1]) != 1 {
		t.Fatalf("markets = %+v", markets)
	}
	eth := markets[1][0]
	if eth.BaseAsset.Decimals != 18 || !eth.BaseFee.Equal(decimal.RequireFromString("0.001")) || !eth.QuoteFee.Equal(decimal.NewFromInt(1)) {
		t.Errorf("market = %+v", eth)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "grace longer than timeout",
			body: "matching:\n  maker_timeout: 10s\n  passive_grace: 20s\n",
		},
		{
			name: "bad fee",
			body: "markets:\n  - chain_id: 1\n    alias: ETH-USDC\n    base_fee: lots\n",
		},
		{
			name: "unnamed market",
			body: "markets:\n  - chain_id: 1\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Errorf("expected an error")
			}
		})
	}
}
