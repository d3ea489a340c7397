// Package ingress implements the single dedup funnel every normalized
// activity record passes through right after the normalizer, combining a
// short-lived in-memory recency map with the durable state store.
package ingress

import (
	"sync"
	"time"

	"github.com/copytrader/engine/internal/model"
)

const (
	recentTTL = 30 * time.Second
	recentCap = 100
)

// SeenStore is the subset of the state store the gate needs.
type SeenStore interface {
	HasSeen(wallet model.TargetWallet, tradeID string) bool
	MarkSeen(wallet model.TargetWallet, tradeID string) error
}

// recentKey identifies a trade_id within a target wallet's namespace.
type recentKey struct {
	wallet  model.TargetWallet
	tradeID string
}

// Gate deduplicates raw activity by trade_id across the stream and poll
// sources: the in-memory recent map is checked first, then the
// durable SeenSet; only a miss against both is forwarded.
type Gate struct {
	mu     sync.Mutex
	store  SeenStore
	recent map[recentKey]time.Time
}

// New creates a Gate backed by store.
func New(store SeenStore) *Gate {
	return &Gate{
		store:  store,
		recent: make(map[recentKey]time.Time),
	}
}

// Admit returns true if tradeID for wallet should be forwarded downstream.
// A false return means the record is a duplicate and must be dropped.
func (g *Gate) Admit(wallet model.TargetWallet, tradeID string) (bool, error) {
	g.mu.Lock()
	g.evictLocked()
	key := recentKey{wallet: wallet, tradeID: tradeID}
	if _, ok := g.recent[key]; ok {
		g.mu.Unlock()
		return false, nil
	}
	g.mu.Unlock()

	if g.store.HasSeen(wallet, tradeID) {
		g.mu.Lock()
		g.recent[key] = time.Now()
		g.mu.Unlock()
		return false, nil
	}

	g.mu.Lock()
	g.recent[key] = time.Now()
	g.mu.Unlock()
	if err := g.store.MarkSeen(wallet, tradeID); err != nil {
		return false, err
	}
	return true, nil
}

// evictLocked drops recent-map entries older than recentTTL, then, if the
// map is still oversized, evicts the oldest regardless of age. Caller must
// hold g.mu.
func (g *Gate) evictLocked() {
	cutoff := time.Now().Add(-recentTTL)
	for k, t := range g.recent {
		if t.Before(cutoff) {
			delete(g.recent, k)
		}
	}
	for len(g.recent) > recentCap {
		var oldestKey recentKey
		var oldestTime time.Time
		first := true
		for k, t := range g.recent {
			if first || t.Before(oldestTime) {
				oldestKey, oldestTime, first = k, t, false
			}
		}
		delete(g.recent, oldestKey)
	}
}
