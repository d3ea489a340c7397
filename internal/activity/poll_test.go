package activity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/data"

	"github.com/copytrader/engine/internal/model"
)

type fakeDataClient struct {
	mu     sync.Mutex
	trades []data.Trade
	calls  int
	fail   int // number of leading calls that should fail
}

func (f *fakeDataClient) Trades(ctx context.Context, req *data.TradesRequest) ([]data.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return nil, context.DeadlineExceeded
	}
	return f.trades, nil
}

func TestPollEmitsTradesOnInterval(t *testing.T) {
	fc := &fakeDataClient{trades: []data.Trade{{ID: "t1", Asset: "tok1", Side: "BUY", Price: "0.5", Size: "1", Type: "TRADE"}}}
	p := NewPoll(fc, []model.TargetWallet{model.NewTargetWallet("0xabc")}, PollConfig{Interval: 20 * time.Millisecond})

	received := make(chan RawActivity, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.Start(ctx, func(ra RawActivity) { received <- ra })

	select {
	case ra := <-received:
		if ra.TradeID != "t1" {
			t.Fatalf("expected trade id t1, got %+v", ra)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timed out waiting for polled activity")
	}
	p.Stop()
}

func TestPollRetriesOnTransientFailure(t *testing.T) {
	fc := &fakeDataClient{fail: 2, trades: []data.Trade{{ID: "t1", Type: "TRADE"}}}
	p := NewPoll(fc, []model.TargetWallet{model.NewTargetWallet("0xabc")}, PollConfig{Interval: time.Hour, BaseBackoff: time.Millisecond, MaxRetries: 3})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	trades, err := p.fetchWithBackoff(ctx, model.NewTargetWallet("0xabc"))
	if err != nil {
		t.Fatalf("expected eventual success after retries, got %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if fc.calls != 3 {
		t.Fatalf("expected 3 calls (2 failures + 1 success), got %d", fc.calls)
	}
}

func TestPollActiveReflectsRunningState(t *testing.T) {
	fc := &fakeDataClient{}
	p := NewPoll(fc, nil, PollConfig{Interval: time.Hour})
	if p.Active() {
		t.Fatal("expected inactive before Start")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx, func(RawActivity) {})
	time.Sleep(10 * time.Millisecond)
	if !p.Active() {
		t.Fatal("expected active after Start")
	}
	cancel()
	p.Stop()
}
