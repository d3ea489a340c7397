package model

// Skip reasons surfaced on trade-skipped events and in logs. Kept as string
// constants (rather than an enum type) since they flow straight into JSON
// events and log lines.
const (
	ReasonMissingCreds       = "missing_creds"
	ReasonCapPerTrade        = "cap_per_trade"
	ReasonCapPerMarket       = "cap_per_market"
	ReasonCapDailyVolume     = "cap_daily_volume"
	ReasonNotInAllowlist     = "not_in_allowlist"
	ReasonDenylisted         = "denylisted"
	ReasonNearResolution     = "near_resolution"
	ReasonUnresolvedToken    = "unresolved_token"
	ReasonTemporarilyPaused  = "temporarily_paused"
	ReasonBelowMinimum       = "below_minimum"
	ReasonInsufficientFunds  = "insufficient_balance"
	ReasonInsufficientShares = "insufficient_shares"
	ReasonDuplicate          = "duplicate"
)
