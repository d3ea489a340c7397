package paper

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestBuyDeductsBalanceAndFee(t *testing.T) {
	b := New(Config{StartingBalance: dec("1000"), FeeRate: dec("0.001")})

	res, err := b.Buy("token-1", "cond-1", dec("0.50"), dec("100"))
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if !res.Success {
		t.Fatal("expected successful buy")
	}

	snap := b.Snapshot()
	// notional 50, fee 0.05 -> balance 949.95
	want := dec("949.95")
	if !snap.Balance.Equal(want) {
		t.Fatalf("expected balance %s, got %s", want, snap.Balance)
	}
	if !snap.FeesPaid.Equal(dec("0.05")) {
		t.Fatalf("expected fees paid 0.05, got %s", snap.FeesPaid)
	}
	if !b.Holding("token-1").Equal(dec("100")) {
		t.Fatalf("expected holding 100, got %s", b.Holding("token-1"))
	}
}

func TestBuyRejectsInsufficientBalance(t *testing.T) {
	b := New(Config{StartingBalance: dec("10"), FeeRate: dec("0.001")})
	if _, err := b.Buy("token-1", "cond-1", dec("0.50"), dec("100")); err == nil {
		t.Fatal("expected insufficient balance error")
	}
}

func TestBuyAveragesCostAcrossFills(t *testing.T) {
	b := New(Config{StartingBalance: dec("1000")})

	if _, err := b.Buy("token-1", "cond-1", dec("0.40"), dec("100")); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	if _, err := b.Buy("token-1", "cond-1", dec("0.60"), dec("100")); err != nil {
		t.Fatalf("second buy: %v", err)
	}

	positions := b.SnapshotPositions()
	if len(positions) != 1 {
		t.Fatalf("expected one position, got %d", len(positions))
	}
	// (40 + 60) / 200 = 0.50
	if !positions[0].AvgEntryPrice.Equal(dec("0.50")) {
		t.Fatalf("expected avg entry price 0.50, got %s", positions[0].AvgEntryPrice)
	}
	if !positions[0].Shares.Equal(dec("200")) {
		t.Fatalf("expected 200 shares, got %s", positions[0].Shares)
	}
}

func TestSellRealizesPnLAndCreditsProceeds(t *testing.T) {
	b := New(Config{StartingBalance: dec("1000")})

	if _, err := b.Buy("token-1", "cond-1", dec("0.50"), dec("100")); err != nil {
		t.Fatalf("buy: %v", err)
	}
	res, err := b.Sell("token-1", dec("0.70"), dec("100"))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !res.Success {
		t.Fatal("expected successful sell")
	}

	// bought 100 @ 0.50 (cost 50), sold 100 @ 0.70 (proceeds 70) -> balance 950 + 70 = 1020
	snap := b.Snapshot()
	if !snap.Balance.Equal(dec("1020")) {
		t.Fatalf("expected balance 1020, got %s", snap.Balance)
	}
	if b.Holding("token-1").IsPositive() {
		t.Fatalf("expected no remaining holding, got %s", b.Holding("token-1"))
	}
}

func TestSellOpensShortWhenNoHoldingsExist(t *testing.T) {
	b := New(Config{StartingBalance: dec("1000")})

	res, err := b.Sell("token-1", dec("0.50"), dec("10"))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !res.Success {
		t.Fatal("expected successful short open")
	}

	if !b.Holding("token-1").Equal(dec("-10")) {
		t.Fatalf("expected a -10 share short position, got %s", b.Holding("token-1"))
	}
	positions := b.SnapshotPositions()
	if len(positions) != 1 {
		t.Fatalf("expected one position, got %d", len(positions))
	}
	if !positions[0].AvgEntryPrice.Equal(dec("0.50")) {
		t.Fatalf("expected short entry price 0.50, got %s", positions[0].AvgEntryPrice)
	}
	// proceeds 5, no fee configured -> balance 1005
	if !b.Snapshot().Balance.Equal(dec("1005")) {
		t.Fatalf("expected balance 1005, got %s", b.Snapshot().Balance)
	}
}

func TestSellOpensShortForRemainderOfPartialHoldings(t *testing.T) {
	b := New(Config{StartingBalance: dec("1000")})

	if _, err := b.Buy("token-1", "cond-1", dec("0.50"), dec("5")); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := b.Sell("token-1", dec("0.60"), dec("10")); err != nil {
		t.Fatalf("sell: %v", err)
	}

	// closes the 5-share long (realizing PnL) and opens a 5-share short.
	if !b.Holding("token-1").Equal(dec("-5")) {
		t.Fatalf("expected a -5 share short position, got %s", b.Holding("token-1"))
	}
	positions := b.SnapshotPositions()
	if !positions[0].AvgEntryPrice.Equal(dec("0.60")) {
		t.Fatalf("expected the new short's entry price 0.60, got %s", positions[0].AvgEntryPrice)
	}
}

func TestBuyCoversShortAndRealizesPnL(t *testing.T) {
	b := New(Config{StartingBalance: dec("1000")})

	if _, err := b.Sell("token-1", dec("0.60"), dec("10")); err != nil {
		t.Fatalf("sell: %v", err)
	}
	res, err := b.Buy("token-1", "cond-1", dec("0.40"), dec("10"))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !res.Success {
		t.Fatal("expected successful short cover")
	}

	if !b.Holding("token-1").IsZero() {
		t.Fatalf("expected the short to be fully covered, got %s", b.Holding("token-1"))
	}
	// shorted 10 @ 0.60 (proceeds 6), covered 10 @ 0.40 (cost 4) -> 2 USD realized gain
	snap := b.Snapshot()
	if snap.LargestWin.LessThanOrEqual(decimal.Zero) {
		t.Fatal("expected covering the short at a profit to register a win")
	}
}

func TestSettleCreditsSettlementValueAndIsIdempotent(t *testing.T) {
	b := New(Config{StartingBalance: dec("1000")})
	if _, err := b.Buy("token-1", "cond-1", dec("0.40"), dec("100")); err != nil {
		t.Fatalf("buy: %v", err)
	}

	value, err := b.Settle("token-1", dec("1"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !value.Equal(dec("100")) {
		t.Fatalf("expected settlement value 100, got %s", value)
	}
	if b.Holding("token-1").IsPositive() {
		t.Fatalf("expected settled position to clear shares, got %s", b.Holding("token-1"))
	}

	// second settle is a no-op
	value2, err := b.Settle("token-1", dec("1"))
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if !value2.IsZero() {
		t.Fatalf("expected idempotent second settle to return zero, got %s", value2)
	}
}

func TestSnapshotTracksWinLossStats(t *testing.T) {
	b := New(Config{StartingBalance: dec("1000")})

	if _, err := b.Buy("token-1", "cond-1", dec("0.40"), dec("100")); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := b.Sell("token-1", dec("0.60"), dec("100")); err != nil {
		t.Fatalf("sell win: %v", err)
	}
	if _, err := b.Buy("token-2", "cond-2", dec("0.50"), dec("100")); err != nil {
		t.Fatalf("buy2: %v", err)
	}
	if _, err := b.Sell("token-2", dec("0.30"), dec("100")); err != nil {
		t.Fatalf("sell loss: %v", err)
	}

	snap := b.Snapshot()
	if !snap.WinRate.Equal(dec("0.5")) {
		t.Fatalf("expected win rate 0.5, got %s", snap.WinRate)
	}
	if snap.LargestWin.LessThanOrEqual(decimal.Zero) {
		t.Fatal("expected a positive largest win")
	}
	if snap.LargestLoss.LessThanOrEqual(decimal.Zero) {
		t.Fatal("expected a positive largest loss")
	}
}

func TestMarkPriceUpdatesLastPriceOnly(t *testing.T) {
	b := New(Config{StartingBalance: dec("1000")})
	if _, err := b.Buy("token-1", "cond-1", dec("0.40"), dec("100")); err != nil {
		t.Fatalf("buy: %v", err)
	}
	b.MarkPrice("token-1", dec("0.90"))
	if !b.Holding("token-1").Equal(dec("100")) {
		t.Fatal("expected MarkPrice to leave shares unaffected")
	}
}
