package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Validate checks the high-impact runtime configuration constraints. Address
// comparison elsewhere in the pipeline is always case-insensitive, so target
// addresses only need to be well-formed hex here, not canonically cased.
func (c Config) Validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("targets: at least one target wallet is required")
	}
	for _, t := range c.Targets {
		if !common.IsHexAddress(strings.TrimSpace(t)) {
			return fmt.Errorf("targets: %q is not a valid address", t)
		}
	}

	switch c.Trading.SizingMode {
	case "fixed_usd", "fixed_shares", "proportional":
	default:
		return fmt.Errorf("trading.sizingMode must be fixed_usd, fixed_shares, or proportional, got %q", c.Trading.SizingMode)
	}
	if c.Trading.FixedUSDSize < 0 {
		return fmt.Errorf("trading.fixedUsdSize must be >= 0, got %f", c.Trading.FixedUSDSize)
	}
	if c.Trading.FixedSharesSize < 0 {
		return fmt.Errorf("trading.fixedSharesSize must be >= 0, got %f", c.Trading.FixedSharesSize)
	}
	if c.Trading.ProportionalMultiplier < 0 {
		return fmt.Errorf("trading.proportionalMultiplier must be >= 0, got %f", c.Trading.ProportionalMultiplier)
	}
	if c.Trading.Slippage < 0 || c.Trading.Slippage > 1 {
		return fmt.Errorf("trading.slippage must be within [0,1], got %f", c.Trading.Slippage)
	}
	for _, step := range c.Trading.ProportionalFallback {
		switch step {
		case "shares", "usd", "fixed_usd":
		default:
			return fmt.Errorf("trading.proportionalFallbackOrder: unknown step %q", step)
		}
	}

	if c.Risk.MaxUSDPerTrade < 0 {
		return fmt.Errorf("risk.maxUsdPerTrade must be >= 0, got %f", c.Risk.MaxUSDPerTrade)
	}
	if c.Risk.MaxUSDPerMarket < 0 {
		return fmt.Errorf("risk.maxUsdPerMarket must be >= 0, got %f", c.Risk.MaxUSDPerMarket)
	}
	if c.Risk.MaxDailyUSDVolume < 0 {
		return fmt.Errorf("risk.maxDailyUsdVolume must be >= 0, got %f", c.Risk.MaxDailyUSDVolume)
	}
	if c.Risk.DoNotTradeMarketsOlderThanSecondsFromResolution < 0 {
		return fmt.Errorf("risk.doNotTradeMarketsOlderThanSecondsFromResolution must be >= 0, got %d", c.Risk.DoNotTradeMarketsOlderThanSecondsFromResolution)
	}

	if !c.Risk.DryRun && !c.PaperTrading.Enabled && !c.HasLiveCredentials() {
		return fmt.Errorf("live trading requires private_key, api_key, api_secret, api_passphrase (or enable dryRun/paperTrading)")
	}

	if c.Polling.IntervalMs <= 0 {
		return fmt.Errorf("polling.intervalMs must be > 0, got %d", c.Polling.IntervalMs)
	}
	if c.Polling.TradeLimit <= 0 {
		return fmt.Errorf("polling.tradeLimit must be > 0, got %d", c.Polling.TradeLimit)
	}
	if c.Polling.MaxRetries < 0 {
		return fmt.Errorf("polling.maxRetries must be >= 0, got %d", c.Polling.MaxRetries)
	}
	if c.Polling.BaseBackoffMs <= 0 {
		return fmt.Errorf("polling.baseBackoffMs must be > 0, got %d", c.Polling.BaseBackoffMs)
	}

	if c.StopLoss.Enabled {
		if c.StopLoss.Percent <= 0 || c.StopLoss.Percent > 1 {
			return fmt.Errorf("stopLoss.percent must be within (0,1], got %f", c.StopLoss.Percent)
		}
		if c.StopLoss.CheckIntervalMs <= 0 {
			return fmt.Errorf("stopLoss.checkIntervalMs must be > 0, got %d", c.StopLoss.CheckIntervalMs)
		}
	}
	if c.AutoRedeem.Enabled && c.AutoRedeem.IntervalMs <= 0 {
		return fmt.Errorf("autoRedeem.intervalMs must be > 0, got %d", c.AutoRedeem.IntervalMs)
	}

	if c.PaperTrading.Enabled {
		if c.PaperTrading.StartingBalance <= 0 {
			return fmt.Errorf("paperTrading.startingBalance must be > 0, got %f", c.PaperTrading.StartingBalance)
		}
		if c.PaperTrading.FeeRate < 0 {
			return fmt.Errorf("paperTrading.feeRate must be >= 0, got %f", c.PaperTrading.FeeRate)
		}
	}

	return nil
}
