package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/paygate/types"
)

const testRecipient = "0xDE8A632E7386A919b548352e0CB57DaCE566BbB5"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paygate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, types.ModeTest, cfg.Mode)
	assert.Equal(t, int64(84532), cfg.Chain.ChainID)
	assert.Equal(t, common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"), cfg.Contract())
	assert.True(t, cfg.Tolerance().Equal(decimal.RequireFromString("0.01")))

	p, ok := cfg.PricingFor(types.ModeLive).Price("summarize")
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.RequireFromString("0.08")))

	_, ok = cfg.PricingFor(types.ModeLive).Price("unknown")
	assert.False(t, ok)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
mode: live
server:
  listen: ":9000"
  verify_timeout: 5s
chain:
  network: base
  rpc_url: https://mainnet.base.org
  min_confirmations: 3
  retry:
    max_retries: 1
    base_delay: 50ms
payment:
  recipient: `+testRecipient+`
  tolerance: "0.02"
  replay_scope: global
  max_proof_age: 1h
pricing:
  live:
    sentiment: "0.05"
  test:
    sentiment: "0"
  default: "0.25"
store:
  driver: memory
  retention: 2h
services:
  scrape:
    url: http://localhost:9100/scrape
    timeout: 3s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, types.ModeLive, cfg.Mode)
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, 5*time.Second, cfg.Server.VerifyTimeout)
	assert.Equal(t, int64(8453), cfg.Chain.ChainID)
	assert.Equal(t, uint64(3), cfg.Chain.MinConfirmations)
	assert.Equal(t, 1, cfg.Chain.Retry.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.Chain.Retry.BaseDelay)
	assert.Equal(t, common.HexToAddress(testRecipient), cfg.Recipient())
	assert.Equal(t, types.ScopeGlobal, cfg.Payment.ReplayScope)
	assert.Equal(t, "http://localhost:9100/scrape", cfg.Services["scrape"].URL)

	// defaults survive a partial file
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)

	live := cfg.PricingFor(types.ModeLive)
	p, ok := live.Price("anything")
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.RequireFromString("0.25")))

	test := cfg.PricingFor(types.ModeTest)
	p, ok = test.Price("sentiment")
	require.True(t, ok)
	assert.True(t, p.IsZero())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.Server.Listen)
}

func TestEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{
		"PAYGATE_MODE":              "LIVE",
		"PAYGATE_RECIPIENT":         testRecipient,
		"PAYGATE_RPC_TIMEOUT":       "3s",
		"PAYGATE_MIN_CONFIRMATIONS": "2",
		"PAYGATE_STORE_DRIVER":      "memory",
	}
	environ := []string{
		"PAYGATE_PRICE_SENTIMENT=0.07",
		"PAYGATE_PRICE_LEAD_GEN=0.50",
		"PAYGATE_PRICE_DEFAULT=0.10",
		"UNRELATED=1",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	require.NoError(t, cfg.applyEnv(lookup, environ))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, types.ModeLive, cfg.Mode)
	assert.Equal(t, 3*time.Second, cfg.Chain.Timeout)
	assert.Equal(t, uint64(2), cfg.Chain.MinConfirmations)
	assert.Equal(t, "memory", cfg.Store.Driver)

	pricing := cfg.PricingFor(types.ModeLive)
	p, _ := pricing.Price("sentiment")
	assert.True(t, p.Equal(decimal.RequireFromString("0.07")))
	p, _ = pricing.Price("lead_gen")
	assert.True(t, p.Equal(decimal.RequireFromString("0.5")))
	p, ok := pricing.Price("other")
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.RequireFromString("0.1")))

	bad := DefaultConfig()
	err := bad.applyEnv(func(k string) (string, bool) {
		return "soon", k == "PAYGATE_RPC_TIMEOUT"
	}, nil)
	assert.Error(t, err)

	testMode := DefaultConfig()
	testMode.Mode = types.ModeLive
	require.NoError(t, testMode.applyEnv(func(k string) (string, bool) {
		return "true", k == "PAYGATE_TEST_MODE"
	}, nil))
	assert.Equal(t, types.ModeTest, testMode.Mode)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"live without recipient", func(c *Config) { c.Mode = types.ModeLive }},
		{"unknown mode", func(c *Config) { c.Mode = "free" }},
		{"unknown network", func(c *Config) { c.Chain.Network = "solana" }},
		{"chain id mismatch", func(c *Config) { c.Chain.ChainID = 1 }},
		{"bad recipient", func(c *Config) { c.Payment.Recipient = "0x1234" }},
		{"negative tolerance", func(c *Config) { c.Payment.Tolerance = "-0.01" }},
		{"tolerance too large", func(c *Config) { c.Payment.Tolerance = "0.5" }},
		{"tolerance not a number", func(c *Config) { c.Payment.Tolerance = "one percent" }},
		{"bad scope", func(c *Config) { c.Payment.ReplayScope = "tenant" }},
		{"bad price", func(c *Config) { c.Pricing.Live["sentiment"] = "free" }},
		{"negative price", func(c *Config) { c.Pricing.Live["sentiment"] = "-1" }},
		{"unknown store", func(c *Config) { c.Store.Driver = "redis" }},
		{"leveldb without path", func(c *Config) { c.Store.Path = "" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }},
		{"retention shorter than proof age", func(c *Config) { c.Store.Retention = time.Hour }},
		{"retention without proof age", func(c *Config) { c.Payment.MaxProofAge = 0 }},
		{"bad service url", func(c *Config) { c.Services = map[string]ServiceConfig{"x": {URL: "not a url"}} }},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPricingTable(t *testing.T) {
	p, err := NewPricing(map[string]string{"a": "0.1", "b": "0.0495"}, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, p.Services())
	assert.Equal(t, map[string]string{"a": "0.10", "b": "0.0495"}, p.Table())
	_, ok := p.Default()
	assert.False(t, ok)
}
