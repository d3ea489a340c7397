package activity

import (
	"context"
	"log"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/data"
	"github.com/ethereum/go-ethereum/common"

	"github.com/copytrader/engine/internal/model"
)

const (
	pollMaxRetries    = 3
	pollBaseBackoff   = 1 * time.Second
	nonTradeSweepEvery = 30 * time.Second
)

// DataClient is the narrow slice of the Data API the Poll source needs.
type DataClient interface {
	Trades(ctx context.Context, req *data.TradesRequest) ([]data.Trade, error)
}

// PollConfig controls the pull-based fallback source's cadence.
type PollConfig struct {
	Interval     time.Duration
	TradeLimit   int
	MaxRetries   int
	BaseBackoff  time.Duration
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.TradeLimit <= 0 {
		c.TradeLimit = 50
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = pollMaxRetries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = pollBaseBackoff
	}
	return c
}

// Poll is the pull-based activity fallback: a periodic per-wallet
// recent-activity fetch, plus a slower sweep for non-trade activity types
// the stream source doesn't carry. It runs only while the stream reports
// disconnected; the Supervisor starts/stops it via Start/Stop.
type Poll struct {
	client  DataClient
	targets []model.TargetWallet
	cfg     PollConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	active atomic.Bool
}

// NewPoll creates a Poll source for the given targets.
func NewPoll(client DataClient, targets []model.TargetWallet, cfg PollConfig) *Poll {
	return &Poll{client: client, targets: targets, cfg: cfg.withDefaults()}
}

// Active reports whether the poll loop is currently running.
func (p *Poll) Active() bool { return p.active.Load() }

// Start begins the per-wallet and non-trade sweeps in the background. A
// second Start call while already running is a no-op.
func (p *Poll) Start(parent context.Context, emit func(RawActivity)) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	p.active.Store(true)
	go func() {
		defer p.active.Store(false)
		p.run(ctx, emit)
	}()
}

// Stop halts the poll loop. Safe to call when not running.
func (p *Poll) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.cancel()
	p.running = false
}

func (p *Poll) run(ctx context.Context, emit func(RawActivity)) {
	tradeTicker := time.NewTicker(p.cfg.Interval)
	defer tradeTicker.Stop()
	sweepTicker := time.NewTicker(nonTradeSweepEvery)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tradeTicker.C:
			for _, wallet := range p.targets {
				p.fetchTrades(ctx, wallet, emit)
			}
		case <-sweepTicker.C:
			for _, wallet := range p.targets {
				p.fetchNonTrade(ctx, wallet, emit)
			}
		}
	}
}

func (p *Poll) fetchTrades(ctx context.Context, wallet model.TargetWallet, emit func(RawActivity)) {
	trades, err := p.fetchWithBackoff(ctx, wallet)
	if err != nil {
		log.Printf("[poll] trades fetch failed for %s: %v", wallet, err)
		return
	}
	for _, tr := range trades {
		emit(tradeToRaw(wallet, tr))
	}
}

// fetchNonTrade re-fetches the same recent-activity window and skips TRADE
// records here (the stream already covers them), emitting only the other
// types, since the Data API surfaces all activity types on one endpoint
// rather than a dedicated non-trade one.
func (p *Poll) fetchNonTrade(ctx context.Context, wallet model.TargetWallet, emit func(RawActivity)) {
	trades, err := p.fetchWithBackoff(ctx, wallet)
	if err != nil {
		log.Printf("[poll] non-trade sweep failed for %s: %v", wallet, err)
		return
	}
	for _, tr := range trades {
		raw := tradeToRaw(wallet, tr)
		if raw.Type == "TRADE" {
			continue
		}
		emit(raw)
	}
}

func (p *Poll) fetchWithBackoff(ctx context.Context, wallet model.TargetWallet) ([]data.Trade, error) {
	addr := common.HexToAddress(wallet.String())
	limit := p.cfg.TradeLimit
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := jittered(p.cfg.BaseBackoff * time.Duration(1<<uint(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		trades, err := p.client.Trades(ctx, &data.TradesRequest{User: &addr, Limit: &limit})
		if err == nil {
			return trades, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func jittered(d time.Duration) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d + jitter
}

func tradeToRaw(wallet model.TargetWallet, tr data.Trade) RawActivity {
	return RawActivity{
		TransactionHash: tr.TransactionHash,
		Wallet:          wallet.String(),
		TimestampRaw:    parseTimestamp(tr.Timestamp),
		Asset:           tr.Asset,
		ConditionID:     tr.ConditionID,
		Slug:            tr.Slug,
		Side:            tr.Side,
		Price:           tr.Price,
		Size:            tr.Size,
		Outcome:         tr.Outcome,
		Type:            orDefault(tr.Type, "TRADE"),
		TradeID:         tr.ID,
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func parseTimestamp(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
