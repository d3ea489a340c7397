// Package control runs the three independent sweeps that feed the Executor
// queue alongside copied-signal orders: paper price refresh, the
// live stop-loss sweep, and the live auto-redeem sweep. Each acquires no
// lock beyond the Executor's own queue.
package control

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/ws"

	"github.com/copytrader/engine/internal/model"
)

// BookClient is the narrow CLOB slice the sweeps use to mark positions to
// market.
type BookClient interface {
	OrderBook(ctx context.Context, req *clobtypes.BookRequest) (ws.OrderbookEvent, error)
}

// PositionSource is the subset of the state store (live) or paper book
// (paper) that control loops read held positions from.
type PositionSource interface {
	SnapshotPositions() []model.Position
}

// PaperMarker is implemented by the paper book for the price-refresh loop.
type PaperMarker interface {
	MarkPrice(tokenID string, price decimal.Decimal)
	Settle(tokenID string, settlementPrice decimal.Decimal) (decimal.Decimal, error)
}

// OutcomeLookup resolves a token-id to its cached outcome label, used to
// decide whether a resolved market settles a held token at 1 or 0.
type OutcomeLookup interface {
	OutcomeForToken(tokenID string) (model.Outcome, bool)
}

// OrderSubmitter is the Executor slice control loops submit synthesized
// orders through; sig is left at its zero value since these orders don't
// originate from a copied Signal.
type OrderSubmitter interface {
	Submit(ctx context.Context, req model.OrderRequest, sig model.Signal) model.OrderResult
}

func topOfBook(book ws.OrderbookEvent) (bestBid, bestAsk decimal.Decimal, ok bool) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	bid, err1 := decimal.NewFromString(book.Bids[0].Price)
	ask, err2 := decimal.NewFromString(book.Asks[0].Price)
	if err1 != nil || err2 != nil {
		return decimal.Zero, decimal.Zero, false
	}
	return bid, ask, true
}

// PriceRefresh marks every open paper position to its current best bid every
// tick, and settles positions whose market has resolved.
// Paper only.
type PriceRefresh struct {
	book      BookClient
	positions PositionSource
	paper     PaperMarker
	outcomes  OutcomeLookup
	interval  time.Duration
}

// NewPriceRefresh creates a PriceRefresh sweep. A non-positive interval
// defaults to 30s.
func NewPriceRefresh(book BookClient, positions PositionSource, paper PaperMarker, outcomes OutcomeLookup, interval time.Duration) *PriceRefresh {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PriceRefresh{book: book, positions: positions, paper: paper, outcomes: outcomes, interval: interval}
}

// Run sweeps on a ticker until ctx is cancelled.
func (p *PriceRefresh) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *PriceRefresh) sweep(ctx context.Context) {
	for _, pos := range p.positions.SnapshotPositions() {
		if pos.Settled || pos.Shares.IsZero() {
			continue
		}
		book, err := p.book.OrderBook(ctx, &clobtypes.BookRequest{TokenID: pos.TokenID})
		if err != nil {
			continue
		}
		bid, _, ok := topOfBook(book)
		if !ok {
			continue
		}
		p.paper.MarkPrice(pos.TokenID, bid)
	}
}

// HandleResolution settles a resolved market's paper position at 1 if token
// won, 0 otherwise. Safe to call repeatedly: Settle is idempotent.
func (p *PriceRefresh) HandleResolution(ev ws.MarketResolvedEvent) {
	for _, tokenID := range ev.AssetIDs {
		outcome, ok := p.outcomes.OutcomeForToken(tokenID)
		settlementPrice := decimal.Zero
		if ok && string(outcome) == ev.WinningOutcome {
			settlementPrice = decimal.NewFromInt(1)
		}
		if _, err := p.paper.Settle(tokenID, settlementPrice); err != nil {
			log.Printf("[control] paper settle %s: %v", tokenID, err)
		}
	}
}

// StopLoss walks held live positions every tick and submits a SELL through
// the executor for any position whose loss has breached the configured
// threshold. Live only.
type StopLoss struct {
	book       BookClient
	positions  PositionSource
	submit     OrderSubmitter
	threshold  decimal.Decimal // e.g. 0.80 for an 80% loss trigger
	slippage   decimal.Decimal
	interval   time.Duration

	mu        sync.Mutex
	triggered map[string]struct{}
}

// NewStopLoss creates a StopLoss sweep. A non-positive interval defaults to
// 30s; a non-positive threshold defaults to 0.80.
func NewStopLoss(book BookClient, positions PositionSource, submit OrderSubmitter, threshold decimal.Decimal, interval time.Duration) *StopLoss {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if threshold.LessThanOrEqual(decimal.Zero) {
		threshold = decimal.NewFromFloat(0.80)
	}
	return &StopLoss{
		book: book, positions: positions, submit: submit,
		threshold: threshold, slippage: decimal.NewFromFloat(0.05), interval: interval,
		triggered: make(map[string]struct{}),
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *StopLoss) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *StopLoss) sweep(ctx context.Context) {
	for _, pos := range s.positions.SnapshotPositions() {
		if pos.Resolved || pos.Shares.LessThanOrEqual(decimal.Zero) || pos.TotalCost.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if s.alreadyTriggered(pos.TokenID) {
			continue
		}

		book, err := s.book.OrderBook(ctx, &clobtypes.BookRequest{TokenID: pos.TokenID})
		if err != nil {
			continue
		}
		bid, _, ok := topOfBook(book)
		if !ok {
			continue
		}

		currentValue := bid.Mul(pos.Shares)
		lossRatio := currentValue.Sub(pos.TotalCost).Div(pos.TotalCost)
		if lossRatio.GreaterThan(s.threshold.Neg()) {
			continue // loss hasn't breached -threshold
		}

		s.markTriggered(pos.TokenID)
		sellPrice := bid.Mul(decimal.NewFromInt(1).Sub(s.slippage))
		res := s.submit.Submit(ctx, model.OrderRequest{
			TokenID: pos.TokenID, ConditionID: pos.ConditionID,
			Side: model.SideSell, Price: sellPrice, Size: pos.Shares,
			TimeInForce: model.TimeInForceFAK,
		}, model.Signal{})
		if !res.Success {
			log.Printf("[control] stop-loss sell %s failed: %v", pos.TokenID, res.Err)
			s.clearTriggered(pos.TokenID)
		}
	}
}

func (s *StopLoss) alreadyTriggered(tokenID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.triggered[tokenID]
	return ok
}

func (s *StopLoss) markTriggered(tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggered[tokenID] = struct{}{}
}

func (s *StopLoss) clearTriggered(tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggered, tokenID)
}

// AutoRedeem enumerates resolved positions with remaining shares and issues
// a redemption request through the executor (modeled as a SELL at the
// settlement price, since redemption is just the terminal fill of a
// resolved position). Live only.
type AutoRedeem struct {
	positions PositionSource
	submit    OrderSubmitter
	outcomes  OutcomeLookup
	interval  time.Duration

	mu        sync.Mutex
	resolved  map[string]string // tokenID -> winning outcome, set via HandleResolution
	attempted map[string]struct{}
}

// NewAutoRedeem creates an AutoRedeem sweep. A non-positive interval
// defaults to 5 minutes.
func NewAutoRedeem(positions PositionSource, submit OrderSubmitter, outcomes OutcomeLookup, interval time.Duration) *AutoRedeem {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &AutoRedeem{
		positions: positions, submit: submit, outcomes: outcomes, interval: interval,
		resolved: make(map[string]string), attempted: make(map[string]struct{}),
	}
}

// HandleResolution records a market resolution so the next sweep can redeem
// any position held in that market.
func (a *AutoRedeem) HandleResolution(ev ws.MarketResolvedEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, tokenID := range ev.AssetIDs {
		a.resolved[tokenID] = ev.WinningOutcome
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (a *AutoRedeem) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *AutoRedeem) sweep(ctx context.Context) {
	for _, pos := range a.positions.SnapshotPositions() {
		if pos.Shares.LessThanOrEqual(decimal.Zero) {
			continue
		}
		winningOutcome, resolved := a.resolvedOutcome(pos.TokenID)
		if !resolved {
			continue
		}
		if a.hasAttempted(pos.TokenID) {
			continue
		}

		settlementPrice := decimal.Zero
		if outcome, ok := a.outcomes.OutcomeForToken(pos.TokenID); ok && string(outcome) == winningOutcome {
			settlementPrice = decimal.NewFromInt(1)
		}

		a.markAttempted(pos.TokenID)
		res := a.submit.Submit(ctx, model.OrderRequest{
			TokenID: pos.TokenID, ConditionID: pos.ConditionID,
			Side: model.SideSell, Price: settlementPrice, Size: pos.Shares,
			TimeInForce: model.TimeInForceFAK,
		}, model.Signal{})
		if !res.Success {
			log.Printf("[control] redeem %s failed: %v", pos.TokenID, res.Err)
			a.clearAttempted(pos.TokenID)
		}
	}
}

func (a *AutoRedeem) resolvedOutcome(tokenID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.resolved[tokenID]
	return v, ok
}

func (a *AutoRedeem) hasAttempted(tokenID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.attempted[tokenID]
	return ok
}

func (a *AutoRedeem) markAttempted(tokenID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempted[tokenID] = struct{}{}
}

func (a *AutoRedeem) clearAttempted(tokenID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.attempted, tokenID)
}

// ResolutionSubscriber opens a market-resolution push subscription for a
// fixed set of token-ids, mirroring the one-shot, asset-list-scoped shape
// SubscribeMarketResolutions exposes.
type ResolutionSubscriber interface {
	SubscribeMarketResolutions(ctx context.Context, assetIDs []string) (<-chan ws.MarketResolvedEvent, error)
}

// ResolutionHandler is implemented by PriceRefresh and AutoRedeem.
type ResolutionHandler interface {
	HandleResolution(ev ws.MarketResolvedEvent)
}

// ResolutionWatcher keeps a market-resolution subscription alive for the
// currently-held set of tokens, periodically re-subscribing as positions
// open and close since the held set isn't known upfront the way a fixed
// market list would be.
type ResolutionWatcher struct {
	ws        ResolutionSubscriber
	positions PositionSource
	handlers  []ResolutionHandler
	interval  time.Duration
}

// NewResolutionWatcher creates a ResolutionWatcher. A non-positive interval
// defaults to 5 minutes.
func NewResolutionWatcher(ws ResolutionSubscriber, positions PositionSource, interval time.Duration, handlers ...ResolutionHandler) *ResolutionWatcher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ResolutionWatcher{ws: ws, positions: positions, handlers: handlers, interval: interval}
}

// Run resubscribes on a ticker, each time using the token-ids of every
// currently-held position, until ctx is cancelled.
func (r *ResolutionWatcher) Run(ctx context.Context) {
	r.resubscribe(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.resubscribe(ctx)
		}
	}
}

func (r *ResolutionWatcher) resubscribe(ctx context.Context) {
	tokenIDs := make([]string, 0)
	for _, pos := range r.positions.SnapshotPositions() {
		if pos.Shares.GreaterThan(decimal.Zero) && !pos.Settled {
			tokenIDs = append(tokenIDs, pos.TokenID)
		}
	}
	if len(tokenIDs) == 0 {
		return
	}

	ch, err := r.ws.SubscribeMarketResolutions(ctx, tokenIDs)
	if err != nil {
		log.Printf("[control] market resolution subscribe: %v", err)
		return
	}
	go func() {
		for ev := range ch {
			for _, h := range r.handlers {
				h.HandleResolution(ev)
			}
		}
	}()
}
