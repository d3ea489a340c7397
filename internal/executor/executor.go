// Package executor is the single-writer order pipeline: every
// OrderRequest, whether derived from a copied signal or a control loop,
// passes through cooldown, minimum-size, balance/holdings preflight,
// reservation, submission, retry, and finalize steps strictly sequentially.
package executor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/auth"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/data"
	"github.com/ethereum/go-ethereum/common"

	"github.com/copytrader/engine/internal/model"
)

// Mode is the execution mode an OrderRequest is processed under.
type Mode string

const (
	ModeLive   Mode = "live"
	ModePaper  Mode = "paper"
	ModeDryRun Mode = "dry_run"
)

const (
	insufficientBalanceCooldown = 10 * time.Second
	minOrderUSD                 = "0.50"
	minOrderShares              = "0.1"
	balanceCacheTTL             = 5 * time.Second
	marketParamsCacheTTL        = 60 * time.Second
	retryDelay1                 = 500 * time.Millisecond
	retryDelay2                 = 1 * time.Second
	maxRetries                  = 2
)

// PaperBook is the subset of the paper book the executor delegates to when
// running in paper mode. Sell is never preflighted against holdings here:
// the Book itself decides whether shares close a long or open a short.
type PaperBook interface {
	Buy(tokenID, conditionID string, price, shares decimal.Decimal) (model.OrderResult, error)
	Sell(tokenID string, price, shares decimal.Decimal) (model.OrderResult, error)
}

// BalanceClient is the narrow slice of the Data API used to refresh the live
// balance and holdings caches.
type BalanceClient interface {
	Value(ctx context.Context, req *data.ValueRequest) ([]data.Value, error)
	Positions(ctx context.Context, req *data.PositionsRequest) ([]data.Position, error)
}

// StateWriter is the subset of the state store the executor writes to on
// every finalized order.
type StateWriter interface {
	RecordExposure(conditionID string, side model.Side, usd decimal.Decimal) error
	UpsertPosition(p model.Position) error
}

// RiskLedger is implemented by the risk Manager: reservations made during
// Evaluate must be committed or released once the executor knows the
// outcome.
type RiskLedger interface {
	Commit(sig model.Signal, usd decimal.Decimal)
	Release(sig model.Signal, usd decimal.Decimal)
}

type job struct {
	req    model.OrderRequest
	sig    model.Signal // zero value for control-loop-originated orders
	result chan model.OrderResult
}

// TradeRecord is a finalized order outcome, kept for the downstream
// trades.get/performance.get API queries in live and dry-run mode.
type TradeRecord struct {
	TokenID     string
	ConditionID string
	Side        model.Side
	Price       decimal.Decimal
	Size        decimal.Decimal
	OrderID     string
	Success     bool
	Reason      string
	Timestamp   time.Time
}

const maxRecentTrades = 500

type marketParams struct {
	tickSize   decimal.Decimal
	feeRateBps int
	cachedAt   time.Time
}

// Executor serializes every order submission through a single background
// worker so balance and exposure bookkeeping never races.
type Executor struct {
	clobClient clob.Client
	signer     auth.Signer
	userAddr   common.Address
	balClient  BalanceClient
	store      StateWriter
	risk       RiskLedger
	paper      PaperBook
	mode       Mode

	queue chan job

	mu               sync.Mutex
	balance          model.BalanceState
	holdings         map[string]decimal.Decimal
	marketParamCache map[string]marketParams
	cooldownUntil    time.Time
	trades           []TradeRecord
}

// RecentTrades returns the last limit finalized orders, most recent first.
// limit<=0 returns the full retained history (capped at maxRecentTrades).
func (e *Executor) RecentTrades(limit int) []TradeRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.trades) {
		limit = len(e.trades)
	}
	out := make([]TradeRecord, limit)
	for i := 0; i < limit; i++ {
		out[i] = e.trades[len(e.trades)-1-i]
	}
	return out
}

func (e *Executor) recordTrade(rec TradeRecord) {
	rec.Timestamp = time.Now().UTC()
	e.mu.Lock()
	e.trades = append(e.trades, rec)
	if len(e.trades) > maxRecentTrades {
		e.trades = e.trades[len(e.trades)-maxRecentTrades:]
	}
	e.mu.Unlock()
}

// New creates an Executor. queueSize bounds the order backlog; the caller's
// default channel sizing is typically 1024.
func New(clobClient clob.Client, signer auth.Signer, userAddr common.Address, balClient BalanceClient, store StateWriter, risk RiskLedger, paper PaperBook, mode Mode, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Executor{
		clobClient:       clobClient,
		signer:           signer,
		userAddr:         userAddr,
		balClient:        balClient,
		store:            store,
		risk:             risk,
		paper:            paper,
		mode:             mode,
		queue:            make(chan job, queueSize),
		holdings:         make(map[string]decimal.Decimal),
		marketParamCache: make(map[string]marketParams),
	}
}

// Run drains the order queue until ctx is cancelled. Only one goroutine may
// call Run for a given Executor.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Drain any already-queued jobs before exiting so a caller
			// blocked on Submit's result channel doesn't hang forever.
			for {
				select {
				case j := <-e.queue:
					j.result <- model.OrderResult{Success: false, Err: ctx.Err()}
				default:
					return
				}
			}
		case j := <-e.queue:
			res := e.process(ctx, j.req, j.sig)
			j.result <- res
		}
	}
}

// Submit enqueues req (optionally tied to sig for reservation bookkeeping)
// and blocks until it has been processed or ctx is cancelled.
func (e *Executor) Submit(ctx context.Context, req model.OrderRequest, sig model.Signal) model.OrderResult {
	j := job{req: req, sig: sig, result: make(chan model.OrderResult, 1)}
	select {
	case e.queue <- j:
	case <-ctx.Done():
		return model.OrderResult{Success: false, Err: ctx.Err()}
	}
	select {
	case res := <-j.result:
		return res
	case <-ctx.Done():
		return model.OrderResult{Success: false, Err: ctx.Err()}
	}
}

func (e *Executor) process(ctx context.Context, req model.OrderRequest, sig model.Signal) model.OrderResult {
	usd := req.USD()

	// Step 1: cooldown.
	e.mu.Lock()
	inCooldown := time.Now().Before(e.cooldownUntil)
	e.mu.Unlock()
	if inCooldown && req.Side == model.SideBuy {
		return e.fail(sig, usd, model.ReasonTemporarilyPaused, nil)
	}

	// Step 2: minimums.
	minUSD, _ := decimal.NewFromString(minOrderUSD)
	minShares, _ := decimal.NewFromString(minOrderShares)
	if usd.LessThan(minUSD) || req.Size.LessThan(minShares) {
		return e.fail(sig, usd, model.ReasonBelowMinimum, nil)
	}

	if e.mode == ModeDryRun {
		return e.finalizeSuccess(sig, usd, req, model.OrderResult{
			Success:       true,
			OrderID:       fmt.Sprintf("DRY_RUN_%d_%s", time.Now().UnixNano(), uuid.NewString()[:8]),
			ExecutedPrice: req.Price,
			ExecutedSize:  req.Size,
		})
	}

	if e.mode == ModePaper {
		return e.processPaper(req, sig, usd)
	}

	return e.processLive(ctx, req, sig, usd)
}

func (e *Executor) processPaper(req model.OrderRequest, sig model.Signal, usd decimal.Decimal) model.OrderResult {
	if e.paper == nil {
		return e.fail(sig, usd, model.ReasonInsufficientFunds, fmt.Errorf("paper book not configured"))
	}
	var res model.OrderResult
	var err error
	if req.Side == model.SideBuy {
		res, err = e.paper.Buy(req.TokenID, req.ConditionID, req.Price, req.Size)
	} else {
		// No holdings preflight here: the Paper Book itself decides whether a
		// SELL closes a long or opens a short, the way a live SELL isn't
		// preflighted against holdings either.
		res, err = e.paper.Sell(req.TokenID, req.Price, req.Size)
	}
	if err != nil {
		return e.fail(sig, usd, model.ReasonInsufficientFunds, err)
	}
	return e.finalizeSuccess(sig, usd, req, res)
}

func (e *Executor) processLive(ctx context.Context, req model.OrderRequest, sig model.Signal, usd decimal.Decimal) model.OrderResult {
	// Step 3/4: preflight.
	if req.Side == model.SideBuy {
		e.refreshBalanceIfStale(ctx)
		e.mu.Lock()
		available := e.balance.Available()
		e.mu.Unlock()
		required := usd.Mul(decimal.NewFromFloat(1.01))
		if available.LessThan(required) {
			e.armCooldown()
			return e.fail(sig, usd, model.ReasonInsufficientFunds, nil)
		}
	} else {
		e.mu.Lock()
		held := e.holdings[req.TokenID]
		e.mu.Unlock()
		if held.LessThan(req.Size) {
			return e.fail(sig, usd, model.ReasonInsufficientShares, nil)
		}
	}

	// Step 5: reserve.
	reserved := usd.Mul(decimal.NewFromFloat(1.01))
	if req.Side == model.SideBuy {
		e.mu.Lock()
		e.balance.PendingReserved = e.balance.PendingReserved.Add(reserved)
		e.mu.Unlock()
	}

	// Step 6/7: submit with retry.
	res, err := e.submitWithRetry(ctx, req)

	// Step 8: finalize.
	if req.Side == model.SideBuy {
		e.mu.Lock()
		e.balance.PendingReserved = e.balance.PendingReserved.Sub(reserved)
		if e.balance.PendingReserved.IsNegative() {
			e.balance.PendingReserved = decimal.Zero
		}
		if err == nil {
			e.balance.LastKnown = e.balance.LastKnown.Sub(reserved)
		}
		e.mu.Unlock()
	}

	if err != nil {
		if isInsufficientBalanceErr(err) {
			e.armCooldown()
			return e.fail(sig, usd, model.ReasonInsufficientFunds, err)
		}
		return e.fail(sig, usd, "", err)
	}
	return e.finalizeSuccess(sig, usd, req, res)
}

func (e *Executor) submitWithRetry(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	delays := []time.Duration{retryDelay1, retryDelay2}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return model.OrderResult{}, ctx.Err()
			case <-time.After(delays[attempt-1]):
			}
		}
		res, err := e.submitOnce(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if isInsufficientBalanceErr(err) {
			return model.OrderResult{}, err
		}
		if !isTransientErr(err) {
			return model.OrderResult{}, err
		}
		log.Printf("[executor] submit %s %s attempt %d failed: %v", req.Side, req.TokenID, attempt+1, err)
	}
	return model.OrderResult{}, lastErr
}

func (e *Executor) submitOnce(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	params := e.marketParamsFor(ctx, req.TokenID)

	price := quantizeToTick(req.Price, params.tickSize)
	amountUSDC := applyFeeRate(req.USD(), params.feeRateBps)

	orderType := clobtypes.OrderTypeGTC
	if req.TimeInForce == model.TimeInForceFAK {
		orderType = clobtypes.OrderTypeFAK
	}

	builder := clob.NewOrderBuilder(e.clobClient, e.signer).
		TokenID(req.TokenID).
		Side(string(req.Side)).
		Price(priceFloat(price)).
		AmountUSDC(amountUSDC.InexactFloat64()).
		OrderType(orderType)

	var signable any
	var err error
	if orderType == clobtypes.OrderTypeFAK {
		signable, err = builder.BuildMarketWithContext(ctx)
	} else {
		signable, err = builder.BuildSignableWithContext(ctx)
	}
	if err != nil {
		return model.OrderResult{}, fmt.Errorf("build order: %w", err)
	}

	resp, err := e.clobClient.CreateOrderFromSignable(ctx, signable)
	if err != nil {
		return model.OrderResult{}, fmt.Errorf("create order: %w", err)
	}

	return model.OrderResult{
		Success:       true,
		OrderID:       resp.ID,
		ExecutedPrice: price,
		ExecutedSize:  req.Size,
	}, nil
}

// quantizeToTick rounds price to the nearest multiple of tickSize; tickSize
// of zero leaves price unchanged.
func quantizeToTick(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	steps := price.Div(tickSize).Round(0)
	return steps.Mul(tickSize)
}

// applyFeeRate shrinks a notional by feeRateBps so the order's resting
// amount leaves room for the taker fee the CLOB will charge on fill.
func applyFeeRate(usd decimal.Decimal, feeRateBps int) decimal.Decimal {
	if feeRateBps <= 0 {
		return usd
	}
	feeRate := decimal.NewFromInt(int64(feeRateBps)).Div(decimal.NewFromInt(10000))
	return usd.Mul(decimal.NewFromInt(1).Sub(feeRate))
}

// marketParamsFor returns cached fee-rate/tick-size params for tokenID,
// refreshing from the CLOB fee-rate endpoint when stale. tickSize defaults
// to Polymarket's standard 0.01 increment; no endpoint in the pack's CLOB/
// Gamma clients surfaces a per-market tick size to refresh it from.
func (e *Executor) marketParamsFor(ctx context.Context, tokenID string) marketParams {
	e.mu.Lock()
	p, ok := e.marketParamCache[tokenID]
	e.mu.Unlock()
	if ok && time.Since(p.cachedAt) < marketParamsCacheTTL {
		return p
	}

	p = marketParams{tickSize: decimal.NewFromFloat(0.01), cachedAt: time.Now()}
	if resp, err := e.clobClient.FeeRate(ctx, &clobtypes.FeeRateRequest{TokenID: tokenID}); err == nil {
		if bps, convErr := decimal.NewFromString(resp.FeeRate); convErr == nil {
			p.feeRateBps = int(bps.IntPart())
		}
	}

	e.mu.Lock()
	e.marketParamCache[tokenID] = p
	e.mu.Unlock()
	return p
}

func (e *Executor) refreshBalanceIfStale(ctx context.Context) {
	e.mu.Lock()
	stale := time.Since(e.balance.LastFetchedAt) >= balanceCacheTTL
	e.mu.Unlock()
	if !stale || e.balClient == nil {
		return
	}
	values, err := e.balClient.Value(ctx, &data.ValueRequest{User: e.userAddr})
	if err != nil {
		log.Printf("[executor] balance refresh: %v", err)
		return
	}
	var total float64
	for _, v := range values {
		f, _ := v.Value.Float64()
		total += f
	}
	positions, err := e.balClient.Positions(ctx, &data.PositionsRequest{User: e.userAddr})
	if err != nil {
		log.Printf("[executor] holdings refresh: %v", err)
	}

	e.mu.Lock()
	e.balance.LastKnown = decimal.NewFromFloat(total)
	e.balance.LastFetchedAt = time.Now()
	if err == nil {
		e.holdings = make(map[string]decimal.Decimal, len(positions))
		for _, pos := range positions {
			e.holdings[pos.Asset] = decimal.NewFromFloat(pos.Size)
		}
	}
	e.mu.Unlock()
}

func (e *Executor) armCooldown() {
	e.mu.Lock()
	e.cooldownUntil = time.Now().Add(insufficientBalanceCooldown)
	e.balance.LastInsufficientAt = time.Now()
	e.mu.Unlock()
}

func (e *Executor) fail(sig model.Signal, usd decimal.Decimal, reason string, err error) model.OrderResult {
	if sig.TradeID != "" {
		e.risk.Release(sig, usd)
	}
	if reason != "" {
		log.Printf("[executor] skipped: %s", reason)
		return model.OrderResult{Success: false, Err: fmt.Errorf("%s", reason)}
	}
	log.Printf("[executor] failed: %v", err)
	return model.OrderResult{Success: false, Err: err}
}

func (e *Executor) finalizeSuccess(sig model.Signal, usd decimal.Decimal, req model.OrderRequest, res model.OrderResult) model.OrderResult {
	if e.store != nil {
		if err := e.store.RecordExposure(req.ConditionID, req.Side, usd); err != nil {
			log.Printf("[executor] record exposure: %v", err)
		}
	}
	if sig.TradeID != "" {
		e.risk.Commit(sig, usd)
	}
	e.recordTrade(TradeRecord{
		TokenID: req.TokenID, ConditionID: req.ConditionID, Side: req.Side,
		Price: res.ExecutedPrice, Size: res.ExecutedSize, OrderID: res.OrderID, Success: true,
	})
	return res
}

func priceFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func isInsufficientBalanceErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "insufficient balance", "insufficient allowance", "not enough balance")
}

func isTransientErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "rate limit", "connection reset", "timeout", "blocked", "deadline exceeded")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if equalFoldASCII(s[i:i+len(sub)], sub) {
			return i
		}
	}
	return -1
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
