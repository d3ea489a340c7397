// Package sizing translates a normalized Signal into a concrete order size
// and slippage-adjusted price, per the configured sizing mode.
package sizing

import (
	"github.com/shopspring/decimal"

	"github.com/copytrader/engine/internal/model"
)

// Mode is the configured sizing strategy.
type Mode string

const (
	ModeFixedUSD     Mode = "fixed_usd"
	ModeFixedShares  Mode = "fixed_shares"
	ModeProportional Mode = "proportional"
)

// FallbackStep names one rung of the proportional-mode fallback ladder.
type FallbackStep string

const (
	FallbackShares   FallbackStep = "shares"
	FallbackUSD      FallbackStep = "usd"
	FallbackFixedUSD FallbackStep = "fixed_usd"
)

// DefaultFallbackOrder is the observed proportional fallback precedence:
// shares first, then notional USD, then a fixed-USD floor.
var DefaultFallbackOrder = []FallbackStep{FallbackShares, FallbackUSD, FallbackFixedUSD}

// Config holds every numeric parameter the sizing engine consults.
type Config struct {
	Mode                   Mode
	FixedUSDSize           decimal.Decimal
	FixedSharesSize        decimal.Decimal
	ProportionalMultiplier decimal.Decimal
	Slippage               decimal.Decimal
	MinOrderSizeUSD        decimal.Decimal
	MinOrderShares         decimal.Decimal
	ProportionalFallback   []FallbackStep
}

var (
	minPrice       = decimal.NewFromFloat(0.01)
	maxPrice       = decimal.NewFromFloat(0.99)
	minShareFloor  = decimal.NewFromFloat(0.01)
	twoDecimals    = int32(2)
)

// Size computes (shares, usd, adjustedPrice) for sig under cfg: the
// sizing-mode branch, two-decimal rounding with a 0.01-share floor, and
// slippage-adjusted price quantization.
func Size(sig model.Signal, cfg Config) (shares, usd, adjustedPrice decimal.Decimal) {
	fallback := cfg.ProportionalFallback
	if len(fallback) == 0 {
		fallback = DefaultFallbackOrder
	}

	switch cfg.Mode {
	case ModeFixedShares:
		shares = cfg.FixedSharesSize
	case ModeProportional:
		shares = proportionalShares(sig, cfg, fallback)
	default: // ModeFixedUSD and any unrecognized mode fall back to fixed_usd.
		usd = cfg.FixedUSDSize
		shares = divSafe(usd, sig.Price)
	}

	shares = roundFloor(shares, twoDecimals, minShareFloor)
	adjustedPrice = slippageAdjust(sig.Side, sig.Price, cfg.Slippage)
	usd = adjustedPrice.Mul(shares).Round(twoDecimals)
	return shares, usd, adjustedPrice
}

func proportionalShares(sig model.Signal, cfg Config, fallback []FallbackStep) decimal.Decimal {
	for _, step := range fallback {
		switch step {
		case FallbackShares:
			if sig.HasSizeShares() {
				return sig.SizeShares.Mul(cfg.ProportionalMultiplier)
			}
		case FallbackUSD:
			if sig.HasNotionalUSD() {
				notional := sig.NotionalUSD.Mul(cfg.ProportionalMultiplier)
				return divSafe(notional, sig.Price)
			}
		case FallbackFixedUSD:
			return divSafe(cfg.FixedUSDSize, sig.Price)
		}
	}
	return divSafe(cfg.FixedUSDSize, sig.Price)
}

func divSafe(numerator, denominator decimal.Decimal) decimal.Decimal {
	if denominator.IsZero() {
		return decimal.Zero
	}
	return numerator.Div(denominator)
}

// roundFloor rounds to places decimals and floors at min.
func roundFloor(v decimal.Decimal, places int32, min decimal.Decimal) decimal.Decimal {
	r := v.Round(places)
	if r.LessThan(min) {
		return min
	}
	return r
}

// slippageAdjust applies the BUY/SELL slippage cushion and clamps/quantizes
// to the [0.01, 0.99] tradable price range.
func slippageAdjust(side model.Side, price, slippage decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	var adjusted decimal.Decimal
	switch side {
	case model.SideBuy:
		adjusted = price.Mul(one.Add(slippage))
		if adjusted.GreaterThan(maxPrice) {
			adjusted = maxPrice
		}
	default: // SELL
		adjusted = price.Mul(one.Sub(slippage))
		if adjusted.LessThan(minPrice) {
			adjusted = minPrice
		}
	}
	return adjusted.Round(twoDecimals)
}

// MeetsMinimum reports whether an order of the given usd/shares clears the
// configured minimums.
func MeetsMinimum(usd, shares decimal.Decimal, cfg Config) bool {
	if !cfg.MinOrderSizeUSD.IsZero() && usd.LessThan(cfg.MinOrderSizeUSD) {
		return false
	}
	if !cfg.MinOrderShares.IsZero() && shares.LessThan(cfg.MinOrderShares) {
		return false
	}
	return true
}
