// Package resolver maps a Signal's (condition-id, outcome) or (market-slug,
// outcome) pair to a tradable CLOB token-id, backed by an in-memory
// TTL cache and a durable catalog refreshed from Gamma.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/gamma"

	"github.com/copytrader/engine/internal/model"
)

const (
	cacheTTL        = 24 * time.Hour
	tokenCacheFile  = "token-cache.json"
	minPassthroughTokenLen = 20
)

// entry is one cached token resolution.
type entry struct {
	TokenID     string
	ConditionID string
	MarketSlug  string
	Outcome     model.Outcome
	CachedAt    time.Time
}

func key(conditionOrSlug string, outcome model.Outcome) string {
	return strings.ToLower(conditionOrSlug) + "|" + string(outcome)
}

// document is the on-disk shape of token-cache.json.
type document struct {
	Tokens      map[string]catalogEntry `json:"tokens"`
	LastUpdated time.Time               `json:"lastUpdated"`
}

type catalogEntry struct {
	ConditionID string `json:"conditionId"`
	MarketSlug  string `json:"marketSlug"`
	Outcome     string `json:"outcome"`
	TokenID     string `json:"tokenId"`
}

// GammaClient is the narrow slice of the Gamma API the resolver needs.
type GammaClient interface {
	Markets(ctx context.Context, req *gamma.MarketsRequest) ([]gamma.Market, error)
}

// Resolver resolves Signal identifiers to token-ids.
type Resolver struct {
	mu       sync.RWMutex
	byKey    map[string]entry
	byToken  map[string]entry
	gamma    GammaClient
	dataPath string
}

// New creates a Resolver backed by gammaClient, loading any durable catalog
// found under dataDir.
func New(gammaClient GammaClient, dataDir string) (*Resolver, error) {
	r := &Resolver{
		byKey:    make(map[string]entry),
		byToken:  make(map[string]entry),
		gamma:    gammaClient,
		dataPath: filepath.Join(dataDir, tokenCacheFile),
	}
	if err := r.loadDurable(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resolver) loadDurable() error {
	raw, err := os.ReadFile(r.dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("resolver: read token cache: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("resolver: token cache corrupt: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ce := range doc.Tokens {
		e := entry{
			TokenID:     ce.TokenID,
			ConditionID: ce.ConditionID,
			MarketSlug:  ce.MarketSlug,
			Outcome:     model.Outcome(ce.Outcome),
			CachedAt:    doc.LastUpdated,
		}
		if ce.ConditionID != "" {
			r.byKey[key(ce.ConditionID, e.Outcome)] = e
		}
		if ce.MarketSlug != "" {
			r.byKey[key(ce.MarketSlug, e.Outcome)] = e
		}
		r.byToken[ce.TokenID] = e
	}
	return nil
}

func (r *Resolver) persistLocked() error {
	doc := document{Tokens: make(map[string]catalogEntry, len(r.byToken)), LastUpdated: time.Now()}
	for tokenID, e := range r.byToken {
		doc.Tokens[tokenID] = catalogEntry{
			ConditionID: e.ConditionID,
			MarketSlug:  e.MarketSlug,
			Outcome:     string(e.Outcome),
			TokenID:     tokenID,
		}
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("resolver: marshal token cache: %w", err)
	}
	dir := filepath.Dir(r.dataPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("resolver: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".token-cache-*.tmp")
	if err != nil {
		return fmt.Errorf("resolver: tempfile: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("resolver: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("resolver: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("resolver: close: %w", err)
	}
	return os.Rename(tmpPath, r.dataPath)
}

// Resolve implements the resolution policy: accept a long token-id unchanged,
// otherwise try condition-id+outcome then market-slug+outcome against the
// cache and the external catalog, returning ok=false when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, sig model.Signal) (tokenID string, ok bool) {
	if len(sig.TokenID) > minPassthroughTokenLen {
		return sig.TokenID, true
	}

	if sig.ConditionID != "" {
		if tok, ok := r.lookupCached(sig.ConditionID, sig.Outcome); ok {
			return tok, true
		}
		if tok, ok := r.fetchAndCache(ctx, gamma.MarketsRequest{ConditionID: &sig.ConditionID}, sig.ConditionID, "", sig.Outcome); ok {
			return tok, true
		}
	}
	if sig.MarketSlug != "" {
		if tok, ok := r.lookupCached(sig.MarketSlug, sig.Outcome); ok {
			return tok, true
		}
		slugReq := gamma.MarketsRequest{Slug: &sig.MarketSlug}
		if tok, ok := r.fetchAndCache(ctx, slugReq, "", sig.MarketSlug, sig.Outcome); ok {
			return tok, true
		}
	}
	return "", false
}

func (r *Resolver) lookupCached(conditionOrSlug string, outcome model.Outcome) (string, bool) {
	r.mu.RLock()
	e, ok := r.byKey[key(conditionOrSlug, outcome)]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	if time.Since(e.CachedAt) > cacheTTL {
		return "", false
	}
	return e.TokenID, true
}

func (r *Resolver) fetchAndCache(ctx context.Context, req gamma.MarketsRequest, conditionID, slug string, outcome model.Outcome) (string, bool) {
	markets, err := r.gamma.Markets(ctx, &req)
	if err != nil || len(markets) == 0 {
		return "", false
	}
	m := markets[0]
	tokens := m.ParsedTokens()

	r.mu.Lock()
	for _, tok := range tokens {
		e := entry{
			TokenID:     tok.TokenID,
			ConditionID: m.ConditionID,
			MarketSlug:  slug,
			Outcome:     model.Outcome(strings.ToUpper(tok.Outcome)),
			CachedAt:    time.Now(),
		}
		if m.ConditionID != "" {
			r.byKey[key(m.ConditionID, e.Outcome)] = e
		}
		if slug != "" {
			r.byKey[key(slug, e.Outcome)] = e
		}
		r.byToken[tok.TokenID] = e
	}
	_ = r.persistLocked()
	r.mu.Unlock()

	want := key(firstNonEmpty(conditionID, slug), outcome)
	r.mu.RLock()
	e, ok := r.byKey[want]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	return e.TokenID, true
}

// MarketForToken reverse-maps a token-id to its cached condition-id.
func (r *Resolver) MarketForToken(tokenID string) (conditionID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byToken[tokenID]
	if !ok {
		return "", false
	}
	return e.ConditionID, true
}

// OutcomeForToken reverse-maps a token-id to its cached outcome label, used
// by the auto-redeem control loop to decide whether a resolved market's
// winning outcome settles a given held token at 1 or 0.
func (r *Resolver) OutcomeForToken(tokenID string) (model.Outcome, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byToken[tokenID]
	if !ok {
		return "", false
	}
	return e.Outcome, true
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
