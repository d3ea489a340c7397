// Package model defines the core data entities shared by every component of the
// copy-trading pipeline: target wallets, normalized signals, order requests and
// results, held positions, and the running exposure ledger.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is a trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Outcome is a binary market outcome label.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// ActivityType classifies a raw upstream activity record after normalization.
type ActivityType string

const (
	ActivityTrade  ActivityType = "TRADE"
	ActivitySplit  ActivityType = "SPLIT"
	ActivityMerge  ActivityType = "MERGE"
	ActivityRedeem ActivityType = "REDEEM"
)

// TargetWallet is an externally controlled address whose activity drives
// derived orders. Address comparison is always case-insensitive, so the
// stored form is always lowercased.
type TargetWallet string

// NewTargetWallet lowercases addr so that wallet comparisons never depend on
// the case a config file or upstream payload happened to use.
func NewTargetWallet(addr string) TargetWallet {
	return TargetWallet(strings.ToLower(strings.TrimSpace(addr)))
}

func (w TargetWallet) String() string { return string(w) }

// Signal is a normalized activity observation, the uniform shape every
// downstream component operates on regardless of which source produced it.
type Signal struct {
	TargetWallet TargetWallet
	TradeID      string
	TimestampMs  int64
	TokenID      string
	ConditionID  string
	MarketSlug   string
	Side         Side
	Price        decimal.Decimal
	SizeShares   decimal.Decimal
	NotionalUSD  decimal.Decimal
	Outcome      Outcome
	ActivityType ActivityType
}

// HasSizeShares reports whether SizeShares was populated by the upstream
// record rather than left at its zero value.
func (s Signal) HasSizeShares() bool {
	return s.SizeShares.GreaterThan(decimal.Zero)
}

// HasNotionalUSD reports whether NotionalUSD was populated by the upstream
// record rather than left at its zero value.
func (s Signal) HasNotionalUSD() bool {
	return s.NotionalUSD.GreaterThan(decimal.Zero)
}

// TimeInForce mirrors the CLOB order time-in-force values this engine
// submits under.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceFAK TimeInForce = "FAK"
)

// OrderRequest is the concrete order the sizing engine hands to the executor.
type OrderRequest struct {
	TokenID     string
	ConditionID string
	Side        Side
	Price       decimal.Decimal
	Size        decimal.Decimal
	TimeInForce TimeInForce

	// SourceTradeID links the request back to the Signal that produced it,
	// empty for control-loop-originated orders (stop-loss, auto-redeem).
	SourceTradeID string
}

// USD returns price * size for this request.
func (r OrderRequest) USD() decimal.Decimal {
	return r.Price.Mul(r.Size)
}

// OrderResult is the outcome of submitting an OrderRequest.
type OrderResult struct {
	Success       bool
	OrderID       string
	ExecutedPrice decimal.Decimal
	ExecutedSize  decimal.Decimal
	Err           error
}

// Position is a per-token-id holding.
type Position struct {
	TokenID         string
	ConditionID     string
	Shares          decimal.Decimal // signed: negative means short
	AvgEntryPrice   decimal.Decimal
	TotalCost       decimal.Decimal
	OpenedAt        time.Time
	Resolved        bool
	Settled         bool
	SettlementPrice decimal.Decimal
	SettlementPnL   decimal.Decimal
}

// ExposureLedger tracks today's traded USD, in total and per market. It rolls
// over at local midnight.
type ExposureLedger struct {
	DateYMD       string
	TotalUSDToday decimal.Decimal
	PerMarketUSD  map[string]decimal.Decimal
}

// NewExposureLedger returns a ledger dated to the current local day.
func NewExposureLedger() *ExposureLedger {
	return &ExposureLedger{
		DateYMD:      ymd(time.Now()),
		PerMarketUSD: make(map[string]decimal.Decimal),
	}
}

func ymd(t time.Time) string {
	return t.Local().Format("2006-01-02")
}

// RollIfNeeded zeroes TotalUSDToday (but not per-market totals, which are
// cumulative exposure rather than daily volume) whenever the local date has
// advanced since the ledger was last touched.
func (l *ExposureLedger) RollIfNeeded(now time.Time) {
	today := ymd(now)
	if l.DateYMD != today {
		l.DateYMD = today
		l.TotalUSDToday = decimal.Zero
	}
}

// AddExposure adjusts per-market exposure and, for BUYs, the daily volume
// counter. Per-market exposure never goes negative.
func (l *ExposureLedger) AddExposure(conditionID string, side Side, usd decimal.Decimal) {
	if l.PerMarketUSD == nil {
		l.PerMarketUSD = make(map[string]decimal.Decimal)
	}
	cur := l.PerMarketUSD[conditionID]
	switch side {
	case SideBuy:
		l.TotalUSDToday = l.TotalUSDToday.Add(usd)
		l.PerMarketUSD[conditionID] = cur.Add(usd)
	case SideSell:
		next := cur.Sub(usd)
		if next.IsNegative() {
			next = decimal.Zero
		}
		l.PerMarketUSD[conditionID] = next
	}
}

// BalanceState tracks the live-mode USDC balance cache used for preflight
// checks and reservation bookkeeping.
type BalanceState struct {
	LastKnown          decimal.Decimal
	PendingReserved    decimal.Decimal
	LastFetchedAt      time.Time
	LastInsufficientAt time.Time
}

// Available returns the balance usable for new reservations, clamped at zero.
func (b BalanceState) Available() decimal.Decimal {
	avail := b.LastKnown.Sub(b.PendingReserved)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}
