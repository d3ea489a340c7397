// Package config loads and validates the copy-trading engine's configuration:
// credentials, the target-wallet list, and the per-component parameters for
// sizing, risk, polling cadence, stop-loss, auto-redeem, and paper trading.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document, persisted as config.json by the
// UI/CLI and loadable here from YAML for the standalone binary.
type Config struct {
	PrivateKey        string `yaml:"private_key" json:"private_key"`
	APIKey            string `yaml:"api_key" json:"api_key"`
	APISecret         string `yaml:"api_secret" json:"api_secret"`
	APIPassphrase     string `yaml:"api_passphrase" json:"api_passphrase"`
	BuilderKey        string `yaml:"builder_key" json:"builder_key"`
	BuilderSecret     string `yaml:"builder_secret" json:"builder_secret"`
	BuilderPassphrase string `yaml:"builder_passphrase" json:"builder_passphrase"`
	ChainID           int64  `yaml:"chain_id" json:"chainId"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	StreamURL string `yaml:"stream_url" json:"stream_url"`

	// Targets is the configured set of target wallets to copy. Addresses are
	// compared case-insensitively throughout the pipeline; membership changes
	// take effect on supervisor restart.
	Targets []string `yaml:"targets" json:"targets"`

	Trading      TradingConfig      `yaml:"trading" json:"trading"`
	Risk         RiskConfig         `yaml:"risk" json:"risk"`
	Polling      PollingConfig      `yaml:"polling" json:"polling"`
	StopLoss     StopLossConfig     `yaml:"stopLoss" json:"stopLoss"`
	AutoRedeem   AutoRedeemConfig   `yaml:"autoRedeem" json:"autoRedeem"`
	PaperTrading PaperTradingConfig `yaml:"paperTrading" json:"paperTrading"`

	Telegram TelegramConfig `yaml:"telegram" json:"telegram"`
	API      APIConfig      `yaml:"api" json:"api"`
}

// TradingConfig selects and parameterizes the sizing engine.
type TradingConfig struct {
	SizingMode             string   `yaml:"sizingMode" json:"sizingMode"` // fixed_usd | fixed_shares | proportional
	FixedUSDSize           float64  `yaml:"fixedUsdSize" json:"fixedUsdSize"`
	FixedSharesSize        float64  `yaml:"fixedSharesSize" json:"fixedSharesSize"`
	ProportionalMultiplier float64  `yaml:"proportionalMultiplier" json:"proportionalMultiplier"`
	Slippage               float64  `yaml:"slippage" json:"slippage"`
	MinOrderSize           float64  `yaml:"minOrderSize" json:"minOrderSize"`
	MinOrderShares         float64  `yaml:"minOrderShares" json:"minOrderShares"`
	ProportionalFallback   []string `yaml:"proportionalFallbackOrder" json:"proportionalFallbackOrder"` // shares|usd|fixed_usd
}

// RiskConfig is the pre-trade policy gate's limits.
type RiskConfig struct {
	DryRun                                           bool     `yaml:"dryRun" json:"dryRun"`
	MaxUSDPerTrade                                    float64  `yaml:"maxUsdPerTrade" json:"maxUsdPerTrade"`
	MaxUSDPerMarket                                   float64  `yaml:"maxUsdPerMarket" json:"maxUsdPerMarket"`
	MaxDailyUSDVolume                                 float64  `yaml:"maxDailyUsdVolume" json:"maxDailyUsdVolume"`
	DoNotTradeMarketsOlderThanSecondsFromResolution   int64    `yaml:"doNotTradeMarketsOlderThanSecondsFromResolution" json:"doNotTradeMarketsOlderThanSecondsFromResolution"`
	MarketAllowlist                                   []string `yaml:"marketAllowlist" json:"marketAllowlist"`
	MarketDenylist                                     []string `yaml:"marketDenylist" json:"marketDenylist"`
}

// PollingConfig is the pull-based fallback source's cadence.
type PollingConfig struct {
	IntervalMs    int64 `yaml:"intervalMs" json:"intervalMs"`
	TradeLimit    int   `yaml:"tradeLimit" json:"tradeLimit"`
	MaxRetries    int   `yaml:"maxRetries" json:"maxRetries"`
	BaseBackoffMs int64 `yaml:"baseBackoffMs" json:"baseBackoffMs"`
}

// StopLossConfig parameterizes the stop-loss control loop.
type StopLossConfig struct {
	Enabled         bool    `yaml:"enabled" json:"enabled"`
	Percent         float64 `yaml:"percent" json:"percent"` // e.g. 0.80 for an 80% loss trigger
	CheckIntervalMs int64   `yaml:"checkIntervalMs" json:"checkIntervalMs"`
}

// AutoRedeemConfig parameterizes the auto-redeem control loop.
type AutoRedeemConfig struct {
	Enabled    bool  `yaml:"enabled" json:"enabled"`
	IntervalMs int64 `yaml:"intervalMs" json:"intervalMs"`
}

// PaperTradingConfig enables and parameterizes the Paper Book.
type PaperTradingConfig struct {
	Enabled         bool    `yaml:"enabled" json:"enabled"`
	StartingBalance float64 `yaml:"startingBalance" json:"startingBalance"`
	FeeRate         float64 `yaml:"feeRate" json:"feeRate"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	BotToken string `yaml:"bot_token" json:"bot_token"`
	ChatID   string `yaml:"chat_id" json:"chat_id"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// Default returns the engine's out-of-the-box configuration: paper trading
// enabled, dry_run effectively moot (paper intercepts before live submission
// would even be attempted), conservative risk caps.
func Default() Config {
	return Config{
		ChainID:   137,
		LogLevel:  "info",
		StreamURL: "wss://ws-subscriptions-clob.polymarket.com/ws/",
		Trading: TradingConfig{
			SizingMode:             "fixed_usd",
			FixedUSDSize:           10,
			FixedSharesSize:        10,
			ProportionalMultiplier: 0.01,
			Slippage:               0.01,
			MinOrderSize:           0.50,
			MinOrderShares:         0.1,
			ProportionalFallback:   []string{"shares", "usd", "fixed_usd"},
		},
		Risk: RiskConfig{
			DryRun:             true,
			MaxUSDPerTrade:     50,
			MaxUSDPerMarket:    200,
			MaxDailyUSDVolume:  1000,
			DoNotTradeMarketsOlderThanSecondsFromResolution: 3600,
		},
		Polling: PollingConfig{
			IntervalMs:    2000,
			TradeLimit:    50,
			MaxRetries:    3,
			BaseBackoffMs: 1000,
		},
		StopLoss: StopLossConfig{
			Enabled:         true,
			Percent:         0.80,
			CheckIntervalMs: 30_000,
		},
		AutoRedeem: AutoRedeemConfig{
			Enabled:    true,
			IntervalMs: 5 * 60_000,
		},
		PaperTrading: PaperTradingConfig{
			Enabled:         true,
			StartingBalance: 1000,
			FeeRate:         0.001,
		},
		API: APIConfig{
			Addr: ":8080",
		},
	}
}

// LoadFile loads YAML configuration from path, layered over Default().
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SaveFile persists cfg to path, overwriting any existing file. Used by the
// downstream config.set/config.update API operations to make edits durable
// across restarts.
func SaveFile(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv overlays credentials and a handful of operational toggles from the
// environment, taking precedence over file values.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("POLYMARKET_PK"); v != "" {
		c.PrivateKey = v
	}
	if v := os.Getenv("POLYMARKET_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("POLYMARKET_API_SECRET"); v != "" {
		c.APISecret = v
	}
	if v := os.Getenv("POLYMARKET_API_PASSPHRASE"); v != "" {
		c.APIPassphrase = v
	}
	if v := os.Getenv("BUILDER_KEY"); v != "" {
		c.BuilderKey = v
	}
	if v := os.Getenv("BUILDER_SECRET"); v != "" {
		c.BuilderSecret = v
	}
	if v := os.Getenv("BUILDER_PASSPHRASE"); v != "" {
		c.BuilderPassphrase = v
	}
	if v := os.Getenv("TRADER_DRY_RUN"); v != "" {
		c.Risk.DryRun = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("TRADER_PAPER_TRADING"); v != "" {
		c.PaperTrading.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
}

// HasLiveCredentials reports whether enough is present to sign and submit a
// live order: a private key and a CLOB API key triple.
func (c Config) HasLiveCredentials() bool {
	return strings.TrimSpace(c.PrivateKey) != "" &&
		strings.TrimSpace(c.APIKey) != "" &&
		strings.TrimSpace(c.APISecret) != "" &&
		strings.TrimSpace(c.APIPassphrase) != ""
}

// Mode summarizes which of the three execution modes the configuration
// selects: paper trading wins over dry-run when both are enabled, since paper
// fully intercepts submission before it ever reaches the live path.
func (c Config) Mode() string {
	if c.PaperTrading.Enabled {
		return "paper"
	}
	if c.Risk.DryRun {
		return "dry_run"
	}
	return "live"
}

func durationMs(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// PollInterval returns Polling.IntervalMs as a time.Duration.
func (c Config) PollInterval() time.Duration { return durationMs(c.Polling.IntervalMs) }

// PollBaseBackoff returns Polling.BaseBackoffMs as a time.Duration.
func (c Config) PollBaseBackoff() time.Duration { return durationMs(c.Polling.BaseBackoffMs) }

// StopLossInterval returns StopLoss.CheckIntervalMs as a time.Duration.
func (c Config) StopLossInterval() time.Duration { return durationMs(c.StopLoss.CheckIntervalMs) }

// AutoRedeemInterval returns AutoRedeem.IntervalMs as a time.Duration.
func (c Config) AutoRedeemInterval() time.Duration { return durationMs(c.AutoRedeem.IntervalMs) }
