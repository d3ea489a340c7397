// Package paper implements the Paper Book: an in-memory simulated
// account that the Executor delegates to in paper mode instead of submitting
// to the live CLOB. It tracks a USD balance, per-token average-cost
// positions, and realized/unrealized P&L, and settles positions once a
// market resolves.
package paper

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copytrader/engine/internal/model"
)

// Config parameterizes the Paper Book's starting balance and fee model.
type Config struct {
	StartingBalance decimal.Decimal
	FeeRate         decimal.Decimal // fraction of notional, e.g. 0.001 for 10bps
}

// position is the Paper Book's per-token bookkeeping, richer than
// model.Position because it also tracks realized P&L and the last traded or
// marked price.
type position struct {
	tokenID       string
	conditionID   string
	shares        decimal.Decimal
	avgEntryPrice decimal.Decimal
	totalCost     decimal.Decimal
	realizedPnL   decimal.Decimal
	lastPrice     decimal.Decimal
	resolved      bool
	settled       bool
	settlePrice   decimal.Decimal
	openedAt      time.Time
}

// tradeRecord is one completed Buy/Sell, kept for the trades/performance
// queries the downstream API exposes.
type tradeRecord struct {
	TokenID     string
	ConditionID string
	Side        model.Side
	Price       decimal.Decimal
	Shares      decimal.Decimal
	Fee         decimal.Decimal
	RealizedPnL decimal.Decimal
	Timestamp   time.Time
}

// Book is the Paper Book. All mutation happens under one mutex since the
// Executor's single-consumer worker is its only caller, but the mutex still
// guards reads from other goroutines (API/control-loop snapshot queries).
type Book struct {
	mu sync.Mutex

	cfg Config

	balance      decimal.Decimal
	feesPaid     decimal.Decimal
	totalVolume  decimal.Decimal
	sequence     int64
	positions    map[string]*position // tokenID -> position
	trades       []tradeRecord
	wins, losses int
	largestWin   decimal.Decimal
	largestLoss  decimal.Decimal
}

// New creates a Book with the configured starting balance and fee rate.
func New(cfg Config) *Book {
	if cfg.StartingBalance.IsZero() {
		cfg.StartingBalance = decimal.NewFromInt(1000)
	}
	return &Book{
		cfg:       cfg,
		balance:   cfg.StartingBalance,
		positions: make(map[string]*position),
	}
}

// Snapshot is a point-in-time view of the Paper Book's account state.
type Snapshot struct {
	StartingBalance decimal.Decimal
	Balance         decimal.Decimal
	FeesPaid        decimal.Decimal
	TotalVolume     decimal.Decimal
	TotalTrades     int
	WinRate         decimal.Decimal
	ProfitFactor    decimal.Decimal
	LargestWin      decimal.Decimal
	LargestLoss     decimal.Decimal
	AvgTradeSizeUSD decimal.Decimal
}

// Snapshot returns the Paper Book's current account-level stats.
func (b *Book) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	var winRate, profitFactor, avgTrade decimal.Decimal
	if decided := b.wins + b.losses; decided > 0 {
		winRate = decimal.NewFromInt(int64(b.wins)).Div(decimal.NewFromInt(int64(decided)))
	}
	if len(b.trades) > 0 {
		avgTrade = b.totalVolume.Div(decimal.NewFromInt(int64(len(b.trades))))
	}
	grossWin, grossLoss := decimal.Zero, decimal.Zero
	for _, t := range b.trades {
		if t.RealizedPnL.IsPositive() {
			grossWin = grossWin.Add(t.RealizedPnL)
		} else if t.RealizedPnL.IsNegative() {
			grossLoss = grossLoss.Add(t.RealizedPnL.Abs())
		}
	}
	if grossLoss.IsPositive() {
		profitFactor = grossWin.Div(grossLoss)
	} else if grossWin.IsPositive() {
		profitFactor = grossWin // no losses yet: unbounded, report gross win as a proxy
	}

	return Snapshot{
		StartingBalance: b.cfg.StartingBalance,
		Balance:         b.balance,
		FeesPaid:        b.feesPaid,
		TotalVolume:     b.totalVolume,
		TotalTrades:     len(b.trades),
		WinRate:         winRate,
		ProfitFactor:    profitFactor,
		LargestWin:      b.largestWin,
		LargestLoss:     b.largestLoss,
		AvgTradeSizeUSD: avgTrade,
	}
}

// Holding returns the current share count held for tokenID (zero if none).
func (b *Book) Holding(tokenID string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.positions[tokenID]; ok {
		return p.shares
	}
	return decimal.Zero
}

// SnapshotPositions returns a snapshot of every open (non-settled) position.
func (b *Book) SnapshotPositions() []model.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Position, 0, len(b.positions))
	for _, p := range b.positions {
		if p.shares.IsZero() && p.settled {
			continue
		}
		out = append(out, model.Position{
			TokenID:         p.tokenID,
			ConditionID:     p.conditionID,
			Shares:          p.shares,
			AvgEntryPrice:   p.avgEntryPrice,
			TotalCost:       p.totalCost,
			OpenedAt:        p.openedAt,
			Resolved:        p.resolved,
			Settled:         p.settled,
			SettlementPrice: p.settlePrice,
			SettlementPnL:   p.realizedPnL,
		})
	}
	return out
}

// Buy fills a paper BUY at price for shares, deducting notional plus fee from
// the balance. Shares beyond what's needed to cover an existing short roll
// the position's average entry price: new_avg = (old_cost + qty*price) /
// (old_shares + qty). Shares that cover an existing short instead realize
// P&L at (short_entry_price - price) * qty.
func (b *Book) Buy(tokenID, conditionID string, price, shares decimal.Decimal) (model.OrderResult, error) {
	if shares.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return model.OrderResult{}, fmt.Errorf("paper buy: price and shares must be positive")
	}

	notional := price.Mul(shares)
	fee := notional.Mul(b.cfg.FeeRate)

	b.mu.Lock()
	defer b.mu.Unlock()

	if notional.Add(fee).GreaterThan(b.balance) {
		return model.OrderResult{}, fmt.Errorf("paper buy: insufficient balance: need %s have %s", notional.Add(fee).String(), b.balance.String())
	}

	p, ok := b.positions[tokenID]
	if !ok {
		p = &position{tokenID: tokenID, conditionID: conditionID, openedAt: time.Now().UTC()}
		b.positions[tokenID] = p
	}

	// covering is the portion of shares that buys back an existing short;
	// the rest opens or extends a long.
	short := decimal.Max(p.shares.Neg(), decimal.Zero)
	covering := decimal.Min(short, shares)
	opening := shares.Sub(covering)

	var realized decimal.Decimal
	if covering.IsPositive() {
		shortBasis := p.avgEntryPrice.Mul(covering)
		realized = shortBasis.Sub(price.Mul(covering)).Sub(fee)
		p.totalCost = p.totalCost.Add(shortBasis)
	}
	if opening.IsPositive() {
		existingLong := decimal.Max(p.shares, decimal.Zero)
		blendedCost := p.avgEntryPrice.Mul(existingLong).Add(price.Mul(opening))
		newLong := existingLong.Add(opening)
		p.avgEntryPrice = blendedCost.Div(newLong)
		p.totalCost = p.totalCost.Add(price.Mul(opening))
	}

	p.shares = p.shares.Add(shares)
	p.realizedPnL = p.realizedPnL.Add(realized)
	p.lastPrice = price
	p.resolved = false
	p.settled = false
	if p.shares.IsZero() {
		p.totalCost = decimal.Zero
	}

	b.balance = b.balance.Sub(notional).Sub(fee)
	b.feesPaid = b.feesPaid.Add(fee)
	b.totalVolume = b.totalVolume.Add(notional)
	b.sequence++
	orderID := fmt.Sprintf("paper-order-%06d", b.sequence)

	b.trades = append(b.trades, tradeRecord{
		TokenID: tokenID, ConditionID: conditionID, Side: model.SideBuy,
		Price: price, Shares: shares, Fee: fee, RealizedPnL: realized, Timestamp: time.Now().UTC(),
	})
	b.recordWinLoss(realized)

	return model.OrderResult{
		Success:       true,
		OrderID:       orderID,
		ExecutedPrice: price,
		ExecutedSize:  shares,
	}, nil
}

// Sell fills a paper SELL at price for shares. The portion that offsets an
// existing long realizes P&L at (price - avg_entry_price) * qty; any
// remainder, including the whole order when there's no long to offset, opens
// or extends a short position (negative shares) at the sell price, matching
// how a Buy opens or extends a long.
func (b *Book) Sell(tokenID string, price, shares decimal.Decimal) (model.OrderResult, error) {
	if shares.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return model.OrderResult{}, fmt.Errorf("paper sell: price and shares must be positive")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[tokenID]
	if !ok {
		p = &position{tokenID: tokenID, openedAt: time.Now().UTC()}
		b.positions[tokenID] = p
	}

	proceeds := price.Mul(shares)
	fee := proceeds.Mul(b.cfg.FeeRate)

	// closing is the portion of shares that offsets an existing long; the
	// rest opens or extends a short.
	long := decimal.Max(p.shares, decimal.Zero)
	closing := decimal.Min(long, shares)
	opening := shares.Sub(closing)

	var realized decimal.Decimal
	if closing.IsPositive() {
		costBasis := p.avgEntryPrice.Mul(closing)
		realized = price.Mul(closing).Sub(costBasis).Sub(fee)
		p.totalCost = p.totalCost.Sub(costBasis)
	}
	if opening.IsPositive() {
		existingShort := decimal.Max(p.shares.Neg(), decimal.Zero)
		blendedCost := p.avgEntryPrice.Mul(existingShort).Add(price.Mul(opening))
		newShort := existingShort.Add(opening)
		p.avgEntryPrice = blendedCost.Div(newShort)
		p.totalCost = p.totalCost.Sub(price.Mul(opening))
	}

	p.shares = p.shares.Sub(shares)
	p.realizedPnL = p.realizedPnL.Add(realized)
	p.lastPrice = price
	if p.shares.IsZero() {
		p.totalCost = decimal.Zero
	}

	b.balance = b.balance.Add(proceeds).Sub(fee)
	b.feesPaid = b.feesPaid.Add(fee)
	b.totalVolume = b.totalVolume.Add(proceeds)
	b.sequence++
	orderID := fmt.Sprintf("paper-order-%06d", b.sequence)

	b.trades = append(b.trades, tradeRecord{
		TokenID: tokenID, ConditionID: p.conditionID, Side: model.SideSell,
		Price: price, Shares: shares, Fee: fee, RealizedPnL: realized, Timestamp: time.Now().UTC(),
	})
	b.recordWinLoss(realized)

	return model.OrderResult{
		Success:       true,
		OrderID:       orderID,
		ExecutedPrice: price,
		ExecutedSize:  shares,
	}, nil
}

func (b *Book) recordWinLoss(realized decimal.Decimal) {
	if realized.IsZero() {
		return
	}
	if realized.IsPositive() {
		b.wins++
		if realized.GreaterThan(b.largestWin) {
			b.largestWin = realized
		}
		return
	}
	b.losses++
	if realized.Abs().GreaterThan(b.largestLoss) {
		b.largestLoss = realized.Abs()
	}
}

// MarkPrice updates the position's last observed price for unrealized P&L
// reporting without trading; this is what the paper price-refresh control
// loop calls on its sweep.
func (b *Book) MarkPrice(tokenID string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.positions[tokenID]; ok {
		p.lastPrice = price
	}
}

// Settle redeems a resolved market's position at settlementPrice (1 or 0 per
// share), crediting settlement_value = shares * settlement_price to the
// balance. Idempotent: a position already settled is a no-op so a control
// loop can safely call this on every sweep until the position clears.
func (b *Book) Settle(tokenID string, settlementPrice decimal.Decimal) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[tokenID]
	if !ok {
		return decimal.Zero, fmt.Errorf("paper settle: no position for token %s", tokenID)
	}
	if p.settled {
		return decimal.Zero, nil
	}
	if p.shares.IsZero() {
		p.resolved = true
		p.settled = true
		return decimal.Zero, nil
	}

	value := p.shares.Mul(settlementPrice)
	realized := value.Sub(p.totalCost)

	b.balance = b.balance.Add(value)
	p.realizedPnL = p.realizedPnL.Add(realized)
	p.resolved = true
	p.settled = true
	p.settlePrice = settlementPrice
	p.shares = decimal.Zero
	p.totalCost = decimal.Zero

	b.trades = append(b.trades, tradeRecord{
		TokenID: tokenID, ConditionID: p.conditionID, Side: model.SideSell,
		Price: settlementPrice, Shares: decimal.Zero, RealizedPnL: realized, Timestamp: time.Now().UTC(),
	})
	b.recordWinLoss(realized)

	return value, nil
}
