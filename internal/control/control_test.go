package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/ws"

	"github.com/copytrader/engine/internal/model"
)

type fakeBook struct {
	bid, ask string
	err      error
}

func (f fakeBook) OrderBook(ctx context.Context, req *clobtypes.BookRequest) (ws.OrderbookEvent, error) {
	if f.err != nil {
		return ws.OrderbookEvent{}, f.err
	}
	return ws.OrderbookEvent{
		Bids: []ws.OrderbookLevel{{Price: f.bid}},
		Asks: []ws.OrderbookLevel{{Price: f.ask}},
	}, nil
}

type fakePositions struct {
	positions []model.Position
}

func (f fakePositions) SnapshotPositions() []model.Position { return f.positions }

type fakeMarker struct {
	marked    map[string]decimal.Decimal
	settled   map[string]decimal.Decimal
	settleErr error
}

func newFakeMarker() *fakeMarker {
	return &fakeMarker{marked: map[string]decimal.Decimal{}, settled: map[string]decimal.Decimal{}}
}

func (f *fakeMarker) MarkPrice(tokenID string, price decimal.Decimal) { f.marked[tokenID] = price }

func (f *fakeMarker) Settle(tokenID string, settlementPrice decimal.Decimal) (decimal.Decimal, error) {
	if f.settleErr != nil {
		return decimal.Zero, f.settleErr
	}
	f.settled[tokenID] = settlementPrice
	return settlementPrice, nil
}

type fakeOutcomes struct {
	byToken map[string]model.Outcome
}

func (f fakeOutcomes) OutcomeForToken(tokenID string) (model.Outcome, bool) {
	o, ok := f.byToken[tokenID]
	return o, ok
}

type fakeSubmitter struct {
	calls   []model.OrderRequest
	results []model.OrderResult
	idx     int
}

func (f *fakeSubmitter) Submit(ctx context.Context, req model.OrderRequest, sig model.Signal) model.OrderResult {
	f.calls = append(f.calls, req)
	if f.idx < len(f.results) {
		r := f.results[f.idx]
		f.idx++
		return r
	}
	return model.OrderResult{Success: true}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestPriceRefreshMarksOpenPositions(t *testing.T) {
	positions := fakePositions{positions: []model.Position{
		{TokenID: "tok-1", Shares: dec("100")},
	}}
	marker := newFakeMarker()
	pr := NewPriceRefresh(fakeBook{bid: "0.55", ask: "0.60"}, positions, marker, fakeOutcomes{}, time.Millisecond)
	pr.sweep(context.Background())

	if !marker.marked["tok-1"].Equal(dec("0.55")) {
		t.Fatalf("expected tok-1 marked at 0.55, got %s", marker.marked["tok-1"])
	}
}

func TestPriceRefreshSkipsSettledAndZeroShares(t *testing.T) {
	positions := fakePositions{positions: []model.Position{
		{TokenID: "tok-1", Shares: dec("100"), Settled: true},
		{TokenID: "tok-2", Shares: decimal.Zero},
	}}
	marker := newFakeMarker()
	pr := NewPriceRefresh(fakeBook{bid: "0.55", ask: "0.60"}, positions, marker, fakeOutcomes{}, time.Millisecond)
	pr.sweep(context.Background())

	if len(marker.marked) != 0 {
		t.Fatalf("expected no marks, got %v", marker.marked)
	}
}

func TestPriceRefreshHandleResolutionSettlesWinner(t *testing.T) {
	marker := newFakeMarker()
	outcomes := fakeOutcomes{byToken: map[string]model.Outcome{"tok-yes": model.OutcomeYes, "tok-no": model.OutcomeNo}}
	pr := NewPriceRefresh(fakeBook{}, fakePositions{}, marker, outcomes, time.Second)

	pr.HandleResolution(ws.MarketResolvedEvent{WinningOutcome: "YES", AssetIDs: []string{"tok-yes", "tok-no"}})

	if !marker.settled["tok-yes"].Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected winning token settled at 1, got %s", marker.settled["tok-yes"])
	}
	if !marker.settled["tok-no"].Equal(decimal.Zero) {
		t.Fatalf("expected losing token settled at 0, got %s", marker.settled["tok-no"])
	}
}

func TestStopLossTriggersBelowThreshold(t *testing.T) {
	// cost basis 100 (100 shares @ 1.00), current bid 0.10 -> value 10,
	// loss ratio (10-100)/100 = -0.90, breaches default 0.80 threshold.
	positions := fakePositions{positions: []model.Position{
		{TokenID: "tok-1", ConditionID: "cond-1", Shares: dec("100"), TotalCost: dec("100")},
	}}
	submitter := &fakeSubmitter{}
	sl := NewStopLoss(fakeBook{bid: "0.10", ask: "0.12"}, positions, submitter, decimal.Zero, time.Millisecond)
	sl.sweep(context.Background())

	if len(submitter.calls) != 1 {
		t.Fatalf("expected one sell submitted, got %d", len(submitter.calls))
	}
	if submitter.calls[0].Side != model.SideSell {
		t.Fatalf("expected SELL, got %s", submitter.calls[0].Side)
	}
	if !sl.alreadyTriggered("tok-1") {
		t.Fatal("expected tok-1 marked triggered after successful sell")
	}
}

func TestStopLossDoesNotTriggerAboveThreshold(t *testing.T) {
	positions := fakePositions{positions: []model.Position{
		{TokenID: "tok-1", ConditionID: "cond-1", Shares: dec("100"), TotalCost: dec("100")},
	}}
	submitter := &fakeSubmitter{}
	sl := NewStopLoss(fakeBook{bid: "0.95", ask: "0.97"}, positions, submitter, decimal.Zero, time.Millisecond)
	sl.sweep(context.Background())

	if len(submitter.calls) != 0 {
		t.Fatalf("expected no sell submitted, got %d", len(submitter.calls))
	}
}

func TestStopLossClearsTriggeredOnFailureForRetry(t *testing.T) {
	positions := fakePositions{positions: []model.Position{
		{TokenID: "tok-1", ConditionID: "cond-1", Shares: dec("100"), TotalCost: dec("100")},
	}}
	submitter := &fakeSubmitter{results: []model.OrderResult{{Success: false}}}
	sl := NewStopLoss(fakeBook{bid: "0.10", ask: "0.12"}, positions, submitter, decimal.Zero, time.Millisecond)
	sl.sweep(context.Background())

	if sl.alreadyTriggered("tok-1") {
		t.Fatal("expected triggered flag cleared after a failed sell so the next sweep retries")
	}
}

func TestAutoRedeemRedeemsResolvedPosition(t *testing.T) {
	positions := fakePositions{positions: []model.Position{
		{TokenID: "tok-yes", ConditionID: "cond-1", Shares: dec("50")},
	}}
	outcomes := fakeOutcomes{byToken: map[string]model.Outcome{"tok-yes": model.OutcomeYes}}
	submitter := &fakeSubmitter{}
	ar := NewAutoRedeem(positions, submitter, outcomes, time.Millisecond)
	ar.HandleResolution(ws.MarketResolvedEvent{WinningOutcome: "YES", AssetIDs: []string{"tok-yes"}})

	ar.sweep(context.Background())
	if len(submitter.calls) != 1 {
		t.Fatalf("expected one redemption submitted, got %d", len(submitter.calls))
	}
	if !submitter.calls[0].Price.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected winning redemption at price 1, got %s", submitter.calls[0].Price)
	}

	// second sweep must not re-redeem.
	ar.sweep(context.Background())
	if len(submitter.calls) != 1 {
		t.Fatalf("expected no repeat redemption, got %d calls", len(submitter.calls))
	}
}

func TestAutoRedeemSkipsUnresolvedPositions(t *testing.T) {
	positions := fakePositions{positions: []model.Position{
		{TokenID: "tok-1", Shares: dec("10")},
	}}
	submitter := &fakeSubmitter{}
	ar := NewAutoRedeem(positions, submitter, fakeOutcomes{}, time.Millisecond)
	ar.sweep(context.Background())

	if len(submitter.calls) != 0 {
		t.Fatalf("expected no redemption for unresolved position, got %d", len(submitter.calls))
	}
}

type fakeResolutionSubscriber struct {
	mu    sync.Mutex
	calls [][]string
	ch    chan ws.MarketResolvedEvent
}

func (f *fakeResolutionSubscriber) SubscribeMarketResolutions(ctx context.Context, assetIDs []string) (<-chan ws.MarketResolvedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, assetIDs)
	return f.ch, nil
}

type fakeResolutionHandler struct {
	mu     sync.Mutex
	events []ws.MarketResolvedEvent
}

func (f *fakeResolutionHandler) HandleResolution(ev ws.MarketResolvedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func TestResolutionWatcherSkipsWhenNoOpenPositions(t *testing.T) {
	sub := &fakeResolutionSubscriber{ch: make(chan ws.MarketResolvedEvent)}
	watcher := NewResolutionWatcher(sub, fakePositions{}, time.Millisecond)
	watcher.resubscribe(context.Background())

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.calls) != 0 {
		t.Fatalf("expected no subscription with no open positions, got %d", len(sub.calls))
	}
}

func TestResolutionWatcherSubscribesAndFansOutToHandlers(t *testing.T) {
	ch := make(chan ws.MarketResolvedEvent, 1)
	sub := &fakeResolutionSubscriber{ch: ch}
	positions := fakePositions{positions: []model.Position{{TokenID: "tok-1", Shares: dec("10")}}}
	handler := &fakeResolutionHandler{}
	watcher := NewResolutionWatcher(sub, positions, time.Millisecond, handler)

	watcher.resubscribe(context.Background())
	ch <- ws.MarketResolvedEvent{WinningOutcome: "YES", AssetIDs: []string{"tok-1"}}
	close(ch)

	deadline := time.After(time.Second)
	for {
		handler.mu.Lock()
		n := len(handler.events)
		handler.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected handler to receive the forwarded resolution event")
		case <-time.After(time.Millisecond):
		}
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.calls) != 1 || sub.calls[0][0] != "tok-1" {
		t.Fatalf("expected one subscription call for tok-1, got %v", sub.calls)
	}
}
