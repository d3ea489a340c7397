package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DeriveTradeID builds a stable trade_id for upstream records that don't
// carry one of their own, so dedup stays source-agnostic between the stream
// and poll activity sources.
func DeriveTradeID(wallet TargetWallet, timestampMs int64, tokenID string, side Side, price, size string, txHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s", wallet, timestampMs, tokenID, side, price, size, txHash)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
