// Package activity contains the dual-source activity watcher (stream push,
// HTTP poll fallback) and the normalizer that turns either source's raw
// records into the uniform Signal shape the rest of the pipeline consumes.
package activity

// RawActivity is the raw shape produced by either source, matching the
// upstream activity feed's fields before any normalization is applied.
type RawActivity struct {
	TransactionHash string
	Wallet          string
	TimestampRaw    int64 // seconds or milliseconds, disambiguated by the normalizer
	Asset           string // token-id
	ConditionID     string
	Slug            string
	Side            string // upstream BUY/SELL for TRADE; ignored for others
	Price           string // decimal string, 0..1
	Size            string // decimal string, >= 0
	Outcome         string
	Type            string // TRADE, SPLIT, MERGE, REDEEM, REWARD, CONVERSION, MAKER_REBATE, ...
	TradeID         string // present when the upstream source already hands back a stable id
}
