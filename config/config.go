// Package config loads the gateway configuration once at startup. The
// resulting Config is treated as read-only and passed to every component.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/utils"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "PAYGATE_"

// Config is the full gateway configuration.
type Config struct {
	Mode          types.Mode               `yaml:"mode" validate:"oneof=test live"`
	Server        ServerConfig             `yaml:"server"`
	Chain         ChainConfig              `yaml:"chain"`
	Payment       PaymentConfig            `yaml:"payment"`
	Pricing       PricingConfig            `yaml:"pricing"`
	Store         StoreConfig              `yaml:"store"`
	Subscriptions SubscriptionConfig       `yaml:"subscriptions"`
	Services      map[string]ServiceConfig `yaml:"services" validate:"dive"`
	Events        EventsConfig             `yaml:"events"`
	Log           LogConfig                `yaml:"log"`
	Metrics       MetricsConfig            `yaml:"metrics"`

	network   types.NetworkInfo
	recipient common.Address
	contract  common.Address
	tolerance decimal.Decimal
	live      Pricing
	test      Pricing
}

type ServerConfig struct {
	Listen          string        `yaml:"listen" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	// VerifyTimeout bounds one admission decision including all RPC calls.
	VerifyTimeout time.Duration `yaml:"verify_timeout" validate:"gte=0"`
	// RetryAfter is advertised on retryable rejections.
	RetryAfter time.Duration `yaml:"retry_after" validate:"gte=0"`
}

type ChainConfig struct {
	Network          types.Network     `yaml:"network" validate:"required"`
	RPCURL           string            `yaml:"rpc_url" validate:"omitempty,url"`
	ChainID          int64             `yaml:"chain_id" validate:"gte=0"`
	USDCContract     string            `yaml:"usdc_contract" validate:"omitempty,eth_addr"`
	Decimals         uint8             `yaml:"decimals" validate:"lte=36"`
	Timeout          time.Duration     `yaml:"timeout" validate:"gte=0"`
	MinConfirmations uint64            `yaml:"min_confirmations"`
	RateLimit        float64           `yaml:"rate_limit" validate:"gte=0"`
	RateBurst        int               `yaml:"rate_burst" validate:"gte=0"`
	Retry            utils.RetryConfig `yaml:"retry"`
}

type PaymentConfig struct {
	Recipient   string            `yaml:"recipient" validate:"omitempty,eth_addr"`
	Tolerance   string            `yaml:"tolerance"`
	ReplayScope types.ReplayScope `yaml:"replay_scope" validate:"omitempty,oneof=service global"`
	MaxProofAge time.Duration     `yaml:"max_proof_age" validate:"gte=0"`
	Scan        ScanConfig        `yaml:"scan"`
}

type ScanConfig struct {
	Enabled   bool          `yaml:"enabled"`
	MaxWindow time.Duration `yaml:"max_window" validate:"gte=0"`
	MaxBlocks uint64        `yaml:"max_blocks"`
}

// PricingConfig holds decimal price strings per service id.
type PricingConfig struct {
	Live    map[string]string `yaml:"live"`
	Test    map[string]string `yaml:"test"`
	Default string            `yaml:"default"`
}

type StoreConfig struct {
	Driver        string        `yaml:"driver" validate:"oneof=leveldb memory postgres"`
	Path          string        `yaml:"path"`
	DSN           string        `yaml:"dsn"`
	Retention     time.Duration `yaml:"retention" validate:"gte=0"`
	PruneInterval time.Duration `yaml:"prune_interval" validate:"gte=0"`
}

type SubscriptionConfig struct {
	File   string `yaml:"file"`
	Header string `yaml:"header"`
}

// ServiceConfig points a service id at an upstream HTTP capability.
type ServiceConfig struct {
	URL     string        `yaml:"url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

type EventsConfig struct {
	NATSURL string `yaml:"nats_url" validate:"omitempty,url"`
	Subject string `yaml:"subject"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a test-mode configuration on Base Sepolia.
func DefaultConfig() *Config {
	return &Config{
		Mode: types.ModeTest,
		Server: ServerConfig{
			Listen:          ":8000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			VerifyTimeout:   20 * time.Second,
			RetryAfter:      5 * time.Second,
		},
		Chain: ChainConfig{
			Network:   types.NetworkBaseSepolia,
			RPCURL:    "https://sepolia.base.org",
			Decimals:  6,
			Timeout:   10 * time.Second,
			RateLimit: 20,
			RateBurst: 10,
			Retry:     *utils.DefaultRetryConfig(),
		},
		Payment: PaymentConfig{
			Tolerance:   "0.01",
			ReplayScope: types.ScopeService,
			MaxProofAge: 24 * time.Hour,
			Scan: ScanConfig{
				MaxWindow: 10 * time.Minute,
				MaxBlocks: 1000,
			},
		},
		Pricing: PricingConfig{
			Live: map[string]string{
				"sentiment": "0.05",
				"translate": "0.05",
				"summarize": "0.08",
				"extract":   "0.10",
				"classify":  "0.05",
			},
		},
		Store: StoreConfig{
			Driver:        "leveldb",
			Path:          "./data/redemptions",
			Retention:     30 * 24 * time.Hour,
			PruneInterval: time.Hour,
		},
		Subscriptions: SubscriptionConfig{
			Header: "X-API-Key",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads the YAML file at path (a missing file yields the defaults),
// applies PAYGATE_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv, os.Environ()); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides file values from the environment. PAYGATE_PRICE_<ID>
// sets the live price of service <id> (lower-cased).
func (c *Config) applyEnv(lookup func(string) (string, bool), environ []string) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
		return nil
	}

	var mode, network, scope string
	str("MODE", &mode)
	if mode != "" {
		c.Mode = types.Mode(strings.ToLower(mode))
	}
	if v, ok := lookup(EnvPrefix + "TEST_MODE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sTEST_MODE: %w", EnvPrefix, err)
		}
		if b {
			c.Mode = types.ModeTest
		} else {
			c.Mode = types.ModeLive
		}
	}
	str("NETWORK", &network)
	if network != "" {
		c.Chain.Network = types.Network(network)
	}
	str("REPLAY_SCOPE", &scope)
	if scope != "" {
		c.Payment.ReplayScope = types.ReplayScope(scope)
	}

	str("LISTEN", &c.Server.Listen)
	str("RPC_URL", &c.Chain.RPCURL)
	str("USDC_CONTRACT", &c.Chain.USDCContract)
	str("RECIPIENT", &c.Payment.Recipient)
	str("TOLERANCE", &c.Payment.Tolerance)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)
	str("STORE_DSN", &c.Store.DSN)
	str("SUBSCRIPTIONS_FILE", &c.Subscriptions.File)
	str("NATS_URL", &c.Events.NATSURL)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	for name, dst := range map[string]*time.Duration{
		"RPC_TIMEOUT":    &c.Chain.Timeout,
		"VERIFY_TIMEOUT": &c.Server.VerifyTimeout,
		"MAX_PROOF_AGE":  &c.Payment.MaxProofAge,
		"RETENTION":      &c.Store.Retention,
	} {
		if err := dur(name, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup(EnvPrefix + "MIN_CONFIRMATIONS"); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMIN_CONFIRMATIONS: %w", EnvPrefix, err)
		}
		c.Chain.MinConfirmations = n
	}

	pricePrefix := EnvPrefix + "PRICE_"
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, pricePrefix) || value == "" {
			continue
		}
		id := strings.ToLower(strings.TrimPrefix(name, pricePrefix))
		if id == "default" {
			c.Pricing.Default = value
			continue
		}
		if c.Pricing.Live == nil {
			c.Pricing.Live = make(map[string]string)
		}
		c.Pricing.Live[id] = value
	}

	return nil
}

// Validate checks struct tags and cross-field rules, then resolves the
// parsed addresses, tolerance and pricing tables.
func (c *Config) Validate() error {
	if err := utils.Validator().Struct(c); err != nil {
		return err
	}

	info, ok := types.LookupNetwork(c.Chain.Network)
	if !ok {
		return fmt.Errorf("unknown network %q", c.Chain.Network)
	}
	c.network = info
	if c.Chain.ChainID == 0 {
		c.Chain.ChainID = info.ChainID
	} else if c.Chain.ChainID != info.ChainID {
		return fmt.Errorf("chain_id %d does not match network %s (%d)", c.Chain.ChainID, info.Network, info.ChainID)
	}

	c.contract = info.USDC
	if c.Chain.USDCContract != "" {
		addr, err := utils.ParseAddress(c.Chain.USDCContract)
		if err != nil {
			return fmt.Errorf("usdc_contract: %w", err)
		}
		c.contract = addr
	}

	c.recipient = common.Address{}
	if c.Payment.Recipient != "" {
		addr, err := utils.ParseAddress(c.Payment.Recipient)
		if err != nil {
			return fmt.Errorf("payment.recipient: %w", err)
		}
		c.recipient = addr
	}

	if c.Mode == types.ModeLive {
		if c.recipient == (common.Address{}) {
			return fmt.Errorf("payment.recipient is required in live mode")
		}
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("chain.rpc_url is required in live mode")
		}
	}

	tol, err := decimal.NewFromString(c.Payment.Tolerance)
	if err != nil {
		return fmt.Errorf("payment.tolerance: %w", err)
	}
	if tol.IsNegative() || tol.GreaterThanOrEqual(decimal.NewFromFloat(0.5)) {
		return fmt.Errorf("payment.tolerance must be in [0, 0.5), got %s", tol)
	}
	c.tolerance = tol

	if c.Payment.ReplayScope == "" {
		c.Payment.ReplayScope = types.ScopeService
	}

	switch c.Store.Driver {
	case "leveldb":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the leveldb driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	}

	// A pruned record must not be replayable, so anything old enough to be
	// pruned has to be rejected as expired first.
	if c.Store.Retention > 0 {
		if c.Payment.MaxProofAge <= 0 {
			return fmt.Errorf("store.retention requires payment.max_proof_age")
		}
		if c.Store.Retention < c.Payment.MaxProofAge {
			return fmt.Errorf("store.retention (%s) must be at least payment.max_proof_age (%s)",
				c.Store.Retention, c.Payment.MaxProofAge)
		}
	}

	if c.live, err = newPricing(c.Pricing.Live, c.Pricing.Default); err != nil {
		return fmt.Errorf("pricing.live: %w", err)
	}
	if len(c.Pricing.Test) == 0 {
		c.test = c.live
	} else if c.test, err = newPricing(c.Pricing.Test, c.Pricing.Default); err != nil {
		return fmt.Errorf("pricing.test: %w", err)
	}

	return nil
}

// NetworkInfo returns the resolved chain constants.
func (c *Config) NetworkInfo() types.NetworkInfo {
	return c.network
}

// Recipient returns the payment recipient; zero when not configured.
func (c *Config) Recipient() common.Address {
	return c.recipient
}

// Contract returns the stablecoin contract address.
func (c *Config) Contract() common.Address {
	return c.contract
}

func (c *Config) Tolerance() decimal.Decimal {
	return c.tolerance
}

// PricingFor returns the pricing table used in mode.
func (c *Config) PricingFor(mode types.Mode) Pricing {
	if mode == types.ModeTest {
		return c.test
	}
	return c.live
}

// Pricing is an immutable service price table.
type Pricing struct {
	prices map[string]decimal.Decimal
	def    *decimal.Decimal
}

// NewPricing builds a table from decimal strings; def may be empty.
func NewPricing(prices map[string]string, def string) (Pricing, error) {
	return newPricing(prices, def)
}

func newPricing(prices map[string]string, def string) (Pricing, error) {
	p := Pricing{prices: make(map[string]decimal.Decimal, len(prices))}
	for id, s := range prices {
		if id == "" {
			return Pricing{}, fmt.Errorf("empty service id")
		}
		d, err := utils.ValidateAmount(s)
		if err != nil {
			return Pricing{}, fmt.Errorf("%s: %w", id, err)
		}
		p.prices[id] = d
	}
	if def != "" {
		d, err := utils.ValidateAmount(def)
		if err != nil {
			return Pricing{}, fmt.Errorf("default: %w", err)
		}
		p.def = &d
	}
	return p, nil
}

// Price returns the price of service id, falling back to the default price.
func (p Pricing) Price(id string) (decimal.Decimal, bool) {
	if d, ok := p.prices[id]; ok {
		return d, true
	}
	if p.def != nil {
		return *p.def, true
	}
	return decimal.Zero, false
}

// Services returns the explicitly priced service ids in sorted order.
func (p Pricing) Services() []string {
	ids := make([]string, 0, len(p.prices))
	for id := range p.prices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Table returns a copy of the prices as decimal strings.
func (p Pricing) Table() map[string]string {
	out := make(map[string]string, len(p.prices))
	for id, d := range p.prices {
		out[id] = FormatUSD(d)
	}
	return out
}

// FormatUSD renders an amount with at least two decimal places.
func FormatUSD(d decimal.Decimal) string {
	if d.Exponent() >= -2 {
		return d.StringFixed(2)
	}
	return d.String()
}

// Default returns the fallback price, if any.
func (p Pricing) Default() (decimal.Decimal, bool) {
	if p.def == nil {
		return decimal.Zero, false
	}
	return *p.def, true
}
