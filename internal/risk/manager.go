// Package risk implements the pre-trade policy gate: a pure function of
// (Signal, projected USD, config, exposure ledger) that allows or skips a
// trade, plus the tentative-reservation bookkeeping that keeps concurrent
// risk checks from double-spending the same exposure headroom.
package risk

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copytrader/engine/internal/model"
)

// Config holds every limit the Risk Manager enforces, sourced from the
// trading.* and risk.* configuration sections.
type Config struct {
	DryRun                          bool
	HasLiveCredentials              bool
	MaxUSDPerTrade                  decimal.Decimal
	MaxUSDPerMarket                 decimal.Decimal
	MaxDailyUSDVolume               decimal.Decimal
	MarketAllowlist                 []string
	MarketDenylist                  []string
	DoNotTradeWithinSecondsOfResolution int64
}

// Manager evaluates Signals against Config and a live ExposureLedger
// snapshot, and tracks reservations between allowance and commit/release.
type Manager struct {
	mu               sync.Mutex
	cfg              Config
	pendingPerMarket map[string]decimal.Decimal
	pendingDaily     decimal.Decimal
}

// New creates a Manager with the given limits.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:              cfg,
		pendingPerMarket: make(map[string]decimal.Decimal),
	}
}

// SetConfig replaces the active limits, e.g. after a config.update call.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Evaluate runs the ordered risk checks, first failure wins. ledger is a
// read-only snapshot the caller refreshed from the state store; reservations
// tracked here are layered on top of it so concurrent evaluations never both
// pass against the same unspent headroom.
func (m *Manager) Evaluate(sig model.Signal, projectedUSD decimal.Decimal, ledger *model.ExposureLedger, resolutionUnixSec int64, now time.Time) model.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.DryRun && !m.cfg.HasLiveCredentials {
		return model.Skip(model.ReasonMissingCreds)
	}
	if m.cfg.MaxUSDPerTrade.IsPositive() && projectedUSD.GreaterThan(m.cfg.MaxUSDPerTrade) {
		return model.Skip(model.ReasonCapPerTrade)
	}
	if sig.Side == model.SideBuy && m.cfg.MaxUSDPerMarket.IsPositive() {
		committed := decimal.Zero
		if ledger != nil {
			committed = ledger.PerMarketUSD[sig.ConditionID]
		}
		pending := m.pendingPerMarket[sig.ConditionID]
		if committed.Add(pending).Add(projectedUSD).GreaterThan(m.cfg.MaxUSDPerMarket) {
			return model.Skip(model.ReasonCapPerMarket)
		}
	}
	if sig.Side == model.SideBuy && m.cfg.MaxDailyUSDVolume.IsPositive() {
		committed := decimal.Zero
		if ledger != nil {
			committed = ledger.TotalUSDToday
		}
		if committed.Add(m.pendingDaily).Add(projectedUSD).GreaterThan(m.cfg.MaxDailyUSDVolume) {
			return model.Skip(model.ReasonCapDailyVolume)
		}
	}
	if len(m.cfg.MarketAllowlist) > 0 && !matchesList(m.cfg.MarketAllowlist, sig.ConditionID, sig.MarketSlug) {
		return model.Skip(model.ReasonNotInAllowlist)
	}
	if len(m.cfg.MarketDenylist) > 0 && matchesList(m.cfg.MarketDenylist, sig.ConditionID, sig.MarketSlug) {
		return model.Skip(model.ReasonDenylisted)
	}
	if m.cfg.DoNotTradeWithinSecondsOfResolution > 0 && resolutionUnixSec > 0 {
		remaining := resolutionUnixSec - now.Unix()
		if remaining < m.cfg.DoNotTradeWithinSecondsOfResolution {
			return model.Skip(model.ReasonNearResolution)
		}
	}

	if sig.Side == model.SideBuy {
		m.pendingPerMarket[sig.ConditionID] = m.pendingPerMarket[sig.ConditionID].Add(projectedUSD)
		m.pendingDaily = m.pendingDaily.Add(projectedUSD)
	}
	return model.Allowed()
}

// Commit clears a reservation made by Evaluate once the state store has
// durably recorded the corresponding exposure; the ledger snapshot passed to
// future Evaluate calls already reflects it, so the pending amount is
// dropped to avoid double-counting.
func (m *Manager) Commit(sig model.Signal, usd decimal.Decimal) {
	if sig.Side != model.SideBuy {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(sig.ConditionID, usd)
}

// Release undoes a reservation made by Evaluate when the order ultimately
// fails to submit, restoring the headroom for the next attempt.
func (m *Manager) Release(sig model.Signal, usd decimal.Decimal) {
	if sig.Side != model.SideBuy {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(sig.ConditionID, usd)
}

func (m *Manager) release(conditionID string, usd decimal.Decimal) {
	next := m.pendingPerMarket[conditionID].Sub(usd)
	if next.IsNegative() {
		next = decimal.Zero
	}
	m.pendingPerMarket[conditionID] = next

	nextDaily := m.pendingDaily.Sub(usd)
	if nextDaily.IsNegative() {
		nextDaily = decimal.Zero
	}
	m.pendingDaily = nextDaily
}

func matchesList(list []string, conditionID, slug string) bool {
	conditionID = strings.ToLower(conditionID)
	slug = strings.ToLower(slug)
	for _, entry := range list {
		e := strings.ToLower(strings.TrimSpace(entry))
		if e == "" {
			continue
		}
		if e == conditionID {
			return true
		}
		if slug != "" && strings.Contains(slug, e) {
			return true
		}
	}
	return false
}
