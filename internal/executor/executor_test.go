package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/copytrader/engine/internal/model"
)

type fakeRisk struct {
	commits  int
	releases int
}

func (f *fakeRisk) Commit(sig model.Signal, usd decimal.Decimal)  { f.commits++ }
func (f *fakeRisk) Release(sig model.Signal, usd decimal.Decimal) { f.releases++ }

type fakeStore struct {
	exposures int
}

func (f *fakeStore) RecordExposure(conditionID string, side model.Side, usd decimal.Decimal) error {
	f.exposures++
	return nil
}
func (f *fakeStore) UpsertPosition(p model.Position) error { return nil }

type fakePaperBook struct {
	failBuy  bool
	failSell bool
	sells    int
}

func (f *fakePaperBook) Buy(tokenID, conditionID string, price, shares decimal.Decimal) (model.OrderResult, error) {
	if f.failBuy {
		return model.OrderResult{}, errors.New("simulated failure")
	}
	return model.OrderResult{Success: true, OrderID: "paper-1", ExecutedPrice: price, ExecutedSize: shares}, nil
}
func (f *fakePaperBook) Sell(tokenID string, price, shares decimal.Decimal) (model.OrderResult, error) {
	f.sells++
	if f.failSell {
		return model.OrderResult{}, errors.New("simulated failure")
	}
	return model.OrderResult{Success: true, OrderID: "paper-2", ExecutedPrice: price, ExecutedSize: shares}, nil
}

func newTestExecutor(mode Mode, paper PaperBook, risk RiskLedger, store StateWriter) *Executor {
	return New(nil, nil, common.Address{}, nil, store, risk, paper, mode, 8)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestProcessDryRunSucceeds(t *testing.T) {
	risk := &fakeRisk{}
	store := &fakeStore{}
	e := newTestExecutor(ModeDryRun, nil, risk, store)

	req := model.OrderRequest{TokenID: "tok1", ConditionID: "cond1", Side: model.SideBuy, Price: dec("0.5"), Size: dec("10")}
	sig := model.Signal{TradeID: "t1", ConditionID: "cond1"}

	res := e.process(context.Background(), req, sig)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.OrderID == "" {
		t.Fatal("expected a synthetic dry-run order id")
	}
	if risk.commits != 1 {
		t.Fatalf("expected reservation to be committed once, got %d", risk.commits)
	}
	if store.exposures != 1 {
		t.Fatalf("expected exposure to be recorded once, got %d", store.exposures)
	}
}

func TestProcessBelowMinimumSkips(t *testing.T) {
	risk := &fakeRisk{}
	e := newTestExecutor(ModeDryRun, nil, risk, &fakeStore{})

	req := model.OrderRequest{TokenID: "tok1", ConditionID: "cond1", Side: model.SideBuy, Price: dec("0.1"), Size: dec("0.5")}
	sig := model.Signal{TradeID: "t1", ConditionID: "cond1"}

	res := e.process(context.Background(), req, sig)
	if res.Success {
		t.Fatalf("expected below-minimum skip, got success %+v", res)
	}
	if res.Err == nil || res.Err.Error() != model.ReasonBelowMinimum {
		t.Fatalf("expected %q, got %v", model.ReasonBelowMinimum, res.Err)
	}
	if risk.releases != 1 {
		t.Fatalf("expected reservation to be released, got %d releases", risk.releases)
	}
}

func TestProcessPaperBuyAndSell(t *testing.T) {
	paper := &fakePaperBook{}
	e := newTestExecutor(ModePaper, paper, &fakeRisk{}, &fakeStore{})

	buyReq := model.OrderRequest{TokenID: "tok1", ConditionID: "cond1", Side: model.SideBuy, Price: dec("0.5"), Size: dec("5")}
	res := e.process(context.Background(), buyReq, model.Signal{})
	if !res.Success || res.OrderID != "paper-1" {
		t.Fatalf("expected paper buy success, got %+v", res)
	}

	sellReq := model.OrderRequest{TokenID: "tok1", ConditionID: "cond1", Side: model.SideSell, Price: dec("0.6"), Size: dec("5")}
	res = e.process(context.Background(), sellReq, model.Signal{})
	if !res.Success || res.OrderID != "paper-2" {
		t.Fatalf("expected paper sell success, got %+v", res)
	}
}

func TestProcessPaperSellWithoutHoldingsDelegatesToBook(t *testing.T) {
	// The executor no longer preflights paper SELLs against holdings; it's
	// up to the Paper Book to open a short when there's nothing to close.
	paper := &fakePaperBook{}
	e := newTestExecutor(ModePaper, paper, &fakeRisk{}, &fakeStore{})

	sellReq := model.OrderRequest{TokenID: "tok1", ConditionID: "cond1", Side: model.SideSell, Price: dec("0.6"), Size: dec("5")}
	res := e.process(context.Background(), sellReq, model.Signal{})
	if !res.Success || res.OrderID != "paper-2" {
		t.Fatalf("expected the sell to reach the book and succeed, got %+v", res)
	}
	if paper.sells != 1 {
		t.Fatalf("expected exactly one Sell call, got %d", paper.sells)
	}
}

func TestProcessPaperSellBookFailureSkips(t *testing.T) {
	paper := &fakePaperBook{failSell: true}
	e := newTestExecutor(ModePaper, paper, &fakeRisk{}, &fakeStore{})

	sellReq := model.OrderRequest{TokenID: "tok1", ConditionID: "cond1", Side: model.SideSell, Price: dec("0.6"), Size: dec("5")}
	res := e.process(context.Background(), sellReq, model.Signal{})
	if res.Success {
		t.Fatalf("expected failure to propagate, got %+v", res)
	}
}

func TestCooldownBlocksSubsequentBuys(t *testing.T) {
	e := newTestExecutor(ModeDryRun, nil, &fakeRisk{}, &fakeStore{})
	e.cooldownUntil = time.Now().Add(5 * time.Second)

	req := model.OrderRequest{TokenID: "tok1", ConditionID: "cond1", Side: model.SideBuy, Price: dec("0.5"), Size: dec("10")}
	res := e.process(context.Background(), req, model.Signal{})
	if res.Success {
		t.Fatalf("expected cooldown to block buy, got %+v", res)
	}
	if res.Err == nil || res.Err.Error() != model.ReasonTemporarilyPaused {
		t.Fatalf("expected %q, got %v", model.ReasonTemporarilyPaused, res.Err)
	}
}

func TestIsInsufficientBalanceErr(t *testing.T) {
	if !isInsufficientBalanceErr(errors.New("Insufficient Balance for order")) {
		t.Fatal("expected case-insensitive match on insufficient balance")
	}
	if isInsufficientBalanceErr(errors.New("connection reset by peer")) {
		t.Fatal("did not expect connection reset to match insufficient balance")
	}
}

func TestIsTransientErr(t *testing.T) {
	if !isTransientErr(errors.New("rate limit exceeded")) {
		t.Fatal("expected rate limit to be transient")
	}
	if isTransientErr(errors.New("invalid signature")) {
		t.Fatal("did not expect invalid signature to be transient")
	}
}
