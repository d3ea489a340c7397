package activity

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/copytrader/engine/internal/model"
)

// secondsCutoff: a timestamp at or below this value is in
// seconds, not milliseconds.
const secondsCutoff = int64(1e12)

// Normalize converts one raw activity record into a Signal. ok is false when
// the record's activity type is not one the core trades on (rewards,
// conversions, maker rebates) and the record must be dropped.
func Normalize(raw RawActivity) (sig model.Signal, ok bool) {
	activityType, ok := mapActivityType(raw.Type)
	if !ok {
		return model.Signal{}, false
	}

	price, _ := decimal.NewFromString(raw.Price)
	size, _ := decimal.NewFromString(raw.Size)

	sig = model.Signal{
		TargetWallet: model.NewTargetWallet(raw.Wallet),
		TimestampMs:  canonicalTimestampMs(raw.TimestampRaw),
		TokenID:      raw.Asset,
		ConditionID:  raw.ConditionID,
		MarketSlug:   raw.Slug,
		Side:         inferSide(activityType, raw.Side),
		Price:        price,
		SizeShares:   size,
		NotionalUSD:  price.Mul(size),
		Outcome:      inferOutcome(raw.Outcome),
		ActivityType: activityType,
	}

	sig.TradeID = raw.TradeID
	if sig.TradeID == "" {
		sig.TradeID = model.DeriveTradeID(sig.TargetWallet, sig.TimestampMs, sig.TokenID, sig.Side, raw.Price, raw.Size, raw.TransactionHash)
	}
	return sig, true
}

func canonicalTimestampMs(ts int64) int64 {
	if ts <= secondsCutoff {
		return ts * 1000
	}
	return ts
}

func mapActivityType(raw string) (model.ActivityType, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "TRADE":
		return model.ActivityTrade, true
	case "SPLIT":
		return model.ActivitySplit, true
	case "MERGE":
		return model.ActivityMerge, true
	case "REDEEM":
		return model.ActivityRedeem, true
	default:
		// REWARD, CONVERSION, MAKER_REBATE, and anything unrecognized is dropped.
		return "", false
	}
}

func inferSide(activityType model.ActivityType, upstreamSide string) model.Side {
	switch activityType {
	case model.ActivitySplit:
		return model.SideBuy
	case model.ActivityMerge, model.ActivityRedeem:
		return model.SideSell
	default: // TRADE
		if strings.EqualFold(upstreamSide, "SELL") {
			return model.SideSell
		}
		return model.SideBuy
	}
}

func inferOutcome(raw string) model.Outcome {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "YES":
		return model.OutcomeYes
	case "NO":
		return model.OutcomeNo
	default:
		return ""
	}
}
