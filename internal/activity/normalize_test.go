package activity

import (
	"testing"

	"github.com/copytrader/engine/internal/model"
)

func TestNormalizeTradeUsesUpstreamSide(t *testing.T) {
	sig, ok := Normalize(RawActivity{
		Wallet:       "0xABC",
		TimestampRaw: 1_700_000_000, // seconds
		Asset:        "tok1",
		Side:         "SELL",
		Price:        "0.42",
		Size:         "100",
		Type:         "TRADE",
	})
	if !ok {
		t.Fatalf("expected TRADE to normalize")
	}
	if sig.Side != model.SideSell {
		t.Fatalf("expected SELL, got %s", sig.Side)
	}
	if sig.TimestampMs != 1_700_000_000_000 {
		t.Fatalf("expected seconds canonicalized to ms, got %d", sig.TimestampMs)
	}
	if sig.TargetWallet != "0xabc" {
		t.Fatalf("expected lowercased wallet, got %s", sig.TargetWallet)
	}
	want := "42"
	if sig.NotionalUSD.String() != want {
		t.Fatalf("expected notional 42, got %s", sig.NotionalUSD)
	}
}

func TestNormalizeSplitAndMergeAndRedeemSides(t *testing.T) {
	split, ok := Normalize(RawActivity{Wallet: "0xabc", Type: "SPLIT", Price: "0.5", Size: "1"})
	if !ok || split.Side != model.SideBuy {
		t.Fatalf("expected SPLIT -> BUY, got ok=%v side=%v", ok, split.Side)
	}
	merge, ok := Normalize(RawActivity{Wallet: "0xabc", Type: "MERGE", Price: "0.5", Size: "1"})
	if !ok || merge.Side != model.SideSell {
		t.Fatalf("expected MERGE -> SELL, got ok=%v side=%v", ok, merge.Side)
	}
	redeem, ok := Normalize(RawActivity{Wallet: "0xabc", Type: "REDEEM", Price: "1", Size: "1"})
	if !ok || redeem.Side != model.SideSell {
		t.Fatalf("expected REDEEM -> SELL, got ok=%v side=%v", ok, redeem.Side)
	}
}

func TestNormalizeDropsUnsupportedTypes(t *testing.T) {
	for _, typ := range []string{"REWARD", "CONVERSION", "MAKER_REBATE", ""} {
		if _, ok := Normalize(RawActivity{Wallet: "0xabc", Type: typ}); ok {
			t.Fatalf("expected type %q to be dropped", typ)
		}
	}
}

func TestNormalizeMillisecondTimestampPassesThrough(t *testing.T) {
	sig, ok := Normalize(RawActivity{Wallet: "0xabc", Type: "TRADE", Side: "BUY", Price: "0.1", Size: "1", TimestampRaw: 1_700_000_000_000})
	if !ok {
		t.Fatalf("expected normalize ok")
	}
	if sig.TimestampMs != 1_700_000_000_000 {
		t.Fatalf("expected ms timestamp unchanged, got %d", sig.TimestampMs)
	}
}

func TestNormalizeDerivesStableTradeIDWhenAbsent(t *testing.T) {
	raw := RawActivity{Wallet: "0xabc", Type: "TRADE", Side: "BUY", Price: "0.1", Size: "1", TimestampRaw: 1000, Asset: "tok1", TransactionHash: "0xhash"}
	sig1, _ := Normalize(raw)
	sig2, _ := Normalize(raw)
	if sig1.TradeID == "" {
		t.Fatalf("expected derived trade id")
	}
	if sig1.TradeID != sig2.TradeID {
		t.Fatalf("expected deterministic trade id, got %s vs %s", sig1.TradeID, sig2.TradeID)
	}
}

func TestNormalizePrefersUpstreamTradeID(t *testing.T) {
	sig, _ := Normalize(RawActivity{Wallet: "0xabc", Type: "TRADE", Side: "BUY", Price: "0.1", Size: "1", TradeID: "upstream-id"})
	if sig.TradeID != "upstream-id" {
		t.Fatalf("expected upstream trade id preserved, got %s", sig.TradeID)
	}
}
