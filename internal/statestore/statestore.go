// Package statestore persists the seen-trade sets, exposure ledger, position
// snapshots, and per-wallet poll cursors that the rest of the pipeline needs
// to survive a restart. All writes are atomic (write-to-temp, fsync, rename);
// reads tolerate a missing file by returning empty defaults.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copytrader/engine/internal/model"
)

const (
	defaultSeenTTL      = 7 * 24 * time.Hour
	maxRecentPerWallet  = 1000
	stateFileName       = "state.json"
)

// seenEntry is one trade-id's first-seen time, kept so entries older than the
// retention window can be evicted.
type seenEntry struct {
	FirstSeenMs int64 `json:"firstSeenMs"`
}

// document is the exact on-disk shape of state.json.
type document struct {
	SeenTradeIDs       map[string]map[string]seenEntry  `json:"seenTradeIds"`
	DailyVolume        dailyVolumeDoc                    `json:"dailyVolume"`
	MarketExposure     map[string]string                 `json:"marketExposure"`
	LastPollTimestamp  map[string]int64                  `json:"lastPollTimestamp"`
	Positions          map[string]positionDoc            `json:"positions"`
}

type dailyVolumeDoc struct {
	Date      string `json:"date"`
	TotalUSD  string `json:"totalUsd"`
}

type positionDoc struct {
	TokenID         string `json:"tokenId"`
	ConditionID     string `json:"conditionId"`
	Shares          string `json:"shares"`
	AvgEntryPrice   string `json:"avgEntryPrice"`
	TotalCost       string `json:"totalCost"`
	OpenedAt        int64  `json:"openedAt"`
	Resolved        bool   `json:"resolved"`
	Settled         bool   `json:"settled"`
	SettlementPrice string `json:"settlementPrice,omitempty"`
	SettlementPnL   string `json:"settlementPnl,omitempty"`
}

func newDocument() document {
	return document{
		SeenTradeIDs:      make(map[string]map[string]seenEntry),
		MarketExposure:    make(map[string]string),
		LastPollTimestamp: make(map[string]int64),
		Positions:         make(map[string]positionDoc),
	}
}

// Store is the in-process owner of state.json. All access to the in-memory
// document is serialized by mu, matching the single-writer policy the rest
// of the pipeline relies on for state-store reads/writes.
type Store struct {
	mu      sync.Mutex
	path    string
	doc     document
	seenTTL time.Duration
}

// Open loads state.json from dataDir, tolerating a missing file.
func Open(dataDir string) (*Store, error) {
	s := &Store{
		path:    filepath.Join(dataDir, stateFileName),
		doc:     newDocument(),
		seenTTL: defaultSeenTTL,
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("%w: %v", model.ErrFatalStateStore, err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: state.json is corrupt: %v", model.ErrFatalStateStore, err)
	}
	if doc.SeenTradeIDs == nil {
		doc.SeenTradeIDs = make(map[string]map[string]seenEntry)
	}
	if doc.MarketExposure == nil {
		doc.MarketExposure = make(map[string]string)
	}
	if doc.LastPollTimestamp == nil {
		doc.LastPollTimestamp = make(map[string]int64)
	}
	if doc.Positions == nil {
		doc.Positions = make(map[string]positionDoc)
	}
	s.doc = doc
	return s, nil
}

// SetSeenTTL overrides the default 7-day seen-id retention window.
func (s *Store) SetSeenTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seenTTL = d
}

// HasSeen reports whether tradeID has already been recorded for wallet.
func (s *Store) HasSeen(wallet model.TargetWallet, tradeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.doc.SeenTradeIDs[string(wallet)]
	if !ok {
		return false
	}
	_, ok = w[tradeID]
	return ok
}

// MarkSeen records tradeID for wallet, idempotently, and persists the
// change. Eviction of stale entries runs opportunistically on each call.
func (s *Store) MarkSeen(wallet model.TargetWallet, tradeID string) error {
	s.mu.Lock()
	w, ok := s.doc.SeenTradeIDs[string(wallet)]
	if !ok {
		w = make(map[string]seenEntry)
		s.doc.SeenTradeIDs[string(wallet)] = w
	}
	if _, exists := w[tradeID]; !exists {
		w[tradeID] = seenEntry{FirstSeenMs: time.Now().UnixMilli()}
	}
	s.evictLocked(w)
	doc := s.doc
	s.mu.Unlock()
	return s.writeLocked(doc)
}

// evictLocked drops entries older than seenTTL and, beyond that, caps the
// working set at maxRecentPerWallet by dropping the oldest. Caller must hold
// s.mu.
func (s *Store) evictLocked(w map[string]seenEntry) {
	cutoff := time.Now().Add(-s.seenTTL).UnixMilli()
	for id, e := range w {
		if e.FirstSeenMs < cutoff {
			delete(w, id)
		}
	}
	if len(w) <= maxRecentPerWallet {
		return
	}
	type idAge struct {
		id  string
		age int64
	}
	ordered := make([]idAge, 0, len(w))
	for id, e := range w {
		ordered = append(ordered, idAge{id, e.FirstSeenMs})
	}
	for len(w) > maxRecentPerWallet {
		oldestIdx := 0
		for i := range ordered {
			if ordered[i].age < ordered[oldestIdx].age {
				oldestIdx = i
			}
		}
		delete(w, ordered[oldestIdx].id)
		ordered = append(ordered[:oldestIdx], ordered[oldestIdx+1:]...)
	}
}

// RecordExposure adjusts per-market exposure and, for BUYs, the daily volume
// total, rolling the date over first if needed.
func (s *Store) RecordExposure(conditionID string, side model.Side, usd decimal.Decimal) error {
	s.mu.Lock()
	s.rollDailyVolumeLocked()
	cur := s.marketExposureLocked(conditionID)
	switch side {
	case model.SideBuy:
		s.doc.DailyVolume.TotalUSD = parseDec(s.doc.DailyVolume.TotalUSD).Add(usd).String()
		s.doc.MarketExposure[conditionID] = cur.Add(usd).String()
	case model.SideSell:
		next := cur.Sub(usd)
		if next.IsNegative() {
			next = decimal.Zero
		}
		s.doc.MarketExposure[conditionID] = next.String()
	}
	doc := s.doc
	s.mu.Unlock()
	return s.writeLocked(doc)
}

func (s *Store) marketExposureLocked(conditionID string) decimal.Decimal {
	raw, ok := s.doc.MarketExposure[conditionID]
	if !ok {
		return decimal.Zero
	}
	return parseDec(raw)
}

func (s *Store) rollDailyVolumeLocked() {
	today := time.Now().Local().Format("2006-01-02")
	if s.doc.DailyVolume.Date != today {
		s.doc.DailyVolume.Date = today
		s.doc.DailyVolume.TotalUSD = "0"
	}
}

// ExposureSnapshot returns the current per-market exposure and daily volume,
// rolling the date over first if needed.
func (s *Store) ExposureSnapshot() *model.ExposureLedger {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDailyVolumeLocked()
	l := &model.ExposureLedger{
		DateYMD:       s.doc.DailyVolume.Date,
		TotalUSDToday: parseDec(s.doc.DailyVolume.TotalUSD),
		PerMarketUSD:  make(map[string]decimal.Decimal, len(s.doc.MarketExposure)),
	}
	for k, v := range s.doc.MarketExposure {
		l.PerMarketUSD[k] = parseDec(v)
	}
	return l
}

// UpsertPosition writes (or replaces) a position snapshot.
func (s *Store) UpsertPosition(p model.Position) error {
	s.mu.Lock()
	s.doc.Positions[p.TokenID] = positionDoc{
		TokenID:         p.TokenID,
		ConditionID:     p.ConditionID,
		Shares:          p.Shares.String(),
		AvgEntryPrice:   p.AvgEntryPrice.String(),
		TotalCost:       p.TotalCost.String(),
		OpenedAt:        p.OpenedAt.UnixMilli(),
		Resolved:        p.Resolved,
		Settled:         p.Settled,
		SettlementPrice: p.SettlementPrice.String(),
		SettlementPnL:   p.SettlementPnL.String(),
	}
	doc := s.doc
	s.mu.Unlock()
	return s.writeLocked(doc)
}

// SnapshotPositions returns every persisted position.
func (s *Store) SnapshotPositions() []model.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Position, 0, len(s.doc.Positions))
	for _, p := range s.doc.Positions {
		out = append(out, model.Position{
			TokenID:         p.TokenID,
			ConditionID:     p.ConditionID,
			Shares:          parseDec(p.Shares),
			AvgEntryPrice:   parseDec(p.AvgEntryPrice),
			TotalCost:       parseDec(p.TotalCost),
			OpenedAt:        time.UnixMilli(p.OpenedAt),
			Resolved:        p.Resolved,
			Settled:         p.Settled,
			SettlementPrice: parseDec(p.SettlementPrice),
			SettlementPnL:   parseDec(p.SettlementPnL),
		})
	}
	return out
}

// LastPollTimestamp returns the last successful poll time for wallet, or the
// zero value if none is recorded.
func (s *Store) LastPollTimestamp(wallet model.TargetWallet) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.LastPollTimestamp[string(wallet)]
}

// SetLastPollTimestamp records the wallet's poll cursor.
func (s *Store) SetLastPollTimestamp(wallet model.TargetWallet, ts int64) error {
	s.mu.Lock()
	s.doc.LastPollTimestamp[string(wallet)] = ts
	doc := s.doc
	s.mu.Unlock()
	return s.writeLocked(doc)
}

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// writeLocked serializes doc and atomically replaces the state file. It must
// be called without s.mu held; doc shares its maps with s.doc, so it takes
// s.mu itself while serializing.
func (s *Store) writeLocked(doc document) error {
	s.mu.Lock()
	raw, err := json.MarshalIndent(doc, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", model.ErrFatalStateStore, err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir: %v", model.ErrFatalStateStore, err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: tempfile: %v", model.ErrFatalStateStore, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write: %v", model.ErrFatalStateStore, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: fsync: %v", model.ErrFatalStateStore, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", model.ErrFatalStateStore, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("%w: rename: %v", model.ErrFatalStateStore, err)
	}
	return nil
}
