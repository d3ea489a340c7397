package config

import (
	"fmt"
	"strings"
)

// ApplyRolloutPhase applies a staged rollout preset to the config.
// Supported phases:
//   - paper:       paper trading on, no live submission possible
//   - shadow:      live mode, dry-run only (no order placement)
//   - live-small:  live mode with conservative small-size caps
//   - live:        live mode using the configured values as-is
func ApplyRolloutPhase(cfg *Config, phase string) error {
	p := strings.ToLower(strings.TrimSpace(phase))
	if p == "" {
		return nil
	}

	switch p {
	case "paper":
		cfg.PaperTrading.Enabled = true
		cfg.Risk.DryRun = false
	case "shadow", "live-dryrun", "live-dry-run":
		cfg.PaperTrading.Enabled = false
		cfg.Risk.DryRun = true
	case "live-small", "small":
		cfg.PaperTrading.Enabled = false
		cfg.Risk.DryRun = false

		clampMaxFloat(&cfg.Trading.FixedUSDSize, 1)
		clampMaxFloat(&cfg.Trading.FixedSharesSize, 1)
		clampMaxFloat(&cfg.Risk.MaxUSDPerTrade, 5)
		clampMaxFloat(&cfg.Risk.MaxUSDPerMarket, 15)
		clampMaxFloat(&cfg.Risk.MaxDailyUSDVolume, 50)
	case "live":
		cfg.PaperTrading.Enabled = false
		cfg.Risk.DryRun = false
	default:
		return fmt.Errorf("unknown rollout phase %q (supported: paper|shadow|live-small|live)", phase)
	}

	return nil
}

func clampMaxFloat(v *float64, max float64) {
	if max <= 0 {
		return
	}
	if *v <= 0 || *v > max {
		*v = max
	}
}
