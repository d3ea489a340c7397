// Package api is the downstream control/query surface the UI/CLI
// drives: bot lifecycle, config get/set/update, target add/remove, stats,
// portfolio, trades, performance, and paper-mode position selling. It also
// relays the Supervisor's event stream to the UI over Server-Sent Events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/copytrader/engine/internal/config"
	"github.com/copytrader/engine/internal/control"
	"github.com/copytrader/engine/internal/executor"
	"github.com/copytrader/engine/internal/model"
	"github.com/copytrader/engine/internal/paper"
	"github.com/copytrader/engine/internal/supervisor"
)

// Lifecycle is the subset of the Supervisor the API drives and queries.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop()
	Restart(ctx context.Context) error
	State() supervisor.State
	Metrics() supervisor.Metrics
	Subscribe() <-chan supervisor.Event
}

// Portfolio is satisfied by the paper Book (paper) or the state store
// (live and dry-run), whichever the running mode wires in as the source of
// truth for open positions.
type Portfolio interface {
	SnapshotPositions() []model.Position
}

// TradeHistory is the subset of the Executor the API reads finalized order
// outcomes from for trades.get/performance.get.
type TradeHistory interface {
	RecentTrades(limit int) []executor.TradeRecord
}

// PaperSeller is satisfied by the paper Book; position.sell is only
// available when the engine is running in paper mode.
type PaperSeller interface {
	Sell(tokenID string, price, shares decimal.Decimal) (model.OrderResult, error)
}

// Server is the HTTP API bound to the downstream interfaces above.
type Server struct {
	httpServer *http.Server
	startedAt  time.Time

	sup      Lifecycle
	book     control.BookClient
	trades   TradeHistory
	portf    Portfolio
	seller   PaperSeller
	paperBk  *paper.Book // non-nil only in paper mode, for Snapshot()

	cfgMu   sync.RWMutex
	cfg     config.Config
	cfgPath string

	targetsMu sync.Mutex
}

// NewServer creates a Server bound to addr. seller and paperBk are nil in
// live mode; book is used to price paper-mode sells at the current top of
// book.
func NewServer(addr string, cfg config.Config, cfgPath string, sup Lifecycle, book control.BookClient, trades TradeHistory, portf Portfolio, seller PaperSeller, paperBk *paper.Book) *Server {
	s := &Server{
		startedAt: time.Now(),
		sup:       sup,
		book:      book,
		trades:    trades,
		portf:     portf,
		seller:    seller,
		paperBk:   paperBk,
		cfg:       cfg,
		cfgPath:   cfgPath,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/ready", s.handleReady)
	mux.HandleFunc("/api/bot/start", s.handleBotStart)
	mux.HandleFunc("/api/bot/stop", s.handleBotStop)
	mux.HandleFunc("/api/bot/restart", s.handleBotRestart)
	mux.HandleFunc("/api/bot/status", s.handleBotStatus)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/config/", s.handleConfigSection)
	mux.HandleFunc("/api/targets", s.handleTargets)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/portfolio", s.handlePortfolio)
	mux.HandleFunc("/api/trades", s.handleTrades)
	mux.HandleFunc("/api/performance", s.handlePerformance)
	mux.HandleFunc("/api/positions/", s.handlePositionSell)
	mux.HandleFunc("/api/events", s.handleEvents)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving HTTP requests.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	log.Printf("api server listening on %s", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("api server: %v", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// GET /api/health — liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"ok":       true,
		"uptime_s": time.Since(s.startedAt).Seconds(),
	})
}

// GET /api/ready — readiness probe.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := s.sup.State() != supervisor.StateStopped && s.sup.State() != supervisor.StateStopping
	resp := map[string]interface{}{
		"ready":    ready,
		"state":    string(s.sup.State()),
		"uptime_s": time.Since(s.startedAt).Seconds(),
	}
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	s.writeJSON(w, resp)
}

// POST /api/bot/start — bot.start.
func (s *Server) handleBotStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.sup.Start(context.Background()); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"status": "started"})
}

// POST /api/bot/stop — bot.stop.
func (s *Server) handleBotStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.sup.Stop()
	s.writeJSON(w, map[string]string{"status": "stopped"})
}

// POST /api/bot/restart — bot.restart.
func (s *Server) handleBotRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.sup.Restart(context.Background()); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"status": "restarted"})
}

// GET /api/bot/status — bot.status -> {running, connected, stats}.
func (s *Server) handleBotStatus(w http.ResponseWriter, _ *http.Request) {
	m := s.sup.Metrics()
	state := s.sup.State()
	s.writeJSON(w, map[string]interface{}{
		"running":   state != supervisor.StateStopped && state != supervisor.StateStopping,
		"state":     string(state),
		"connected": m.Connected,
		"stats": map[string]interface{}{
			"messages": m.Messages,
			"detected": m.Detected,
			"copied":   m.Copied,
			"skipped":  m.Skipped,
			"errors":   m.Errors,
			"targets":  m.Targets,
			"since":    m.StartedAt,
		},
	})
}

// GET/PUT /api/config — config.get / config.set.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.cfgMu.RLock()
		cfg := s.cfg
		s.cfgMu.RUnlock()
		s.writeJSON(w, cfg)
	case http.MethodPut, http.MethodPost:
		var next config.Config
		if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode config: %v", err))
			return
		}
		if err := next.Validate(); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.cfgMu.Lock()
		s.cfg = next
		err := s.saveConfigLocked()
		s.cfgMu.Unlock()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, next)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// PATCH /api/config/{section} — config.update(section, patch): merges a
// partial document into one top-level section (trading, risk, polling,
// stopLoss, autoRedeem, paperTrading) by round-tripping through JSON.
func (s *Server) handleConfigSection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch && r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	section := strings.TrimPrefix(r.URL.Path, "/api/config/")
	if section == "" {
		s.writeError(w, http.StatusBadRequest, "missing config section")
		return
	}

	var patch map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode patch: %v", err))
		return
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	next, err := mergeConfigSection(s.cfg, section, patch)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := next.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.cfg = next
	if err := s.saveConfigLocked(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, next)
}

// mergeConfigSection patches one named top-level section of cfg with patch
// and returns the resulting document. section is matched against the json
// tag exposed in config.json (trading, risk, polling, stopLoss, autoRedeem,
// paperTrading, telegram, api).
func mergeConfigSection(cfg config.Config, section string, patch map[string]interface{}) (config.Config, error) {
	whole, err := json.Marshal(cfg)
	if err != nil {
		return cfg, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(whole, &doc); err != nil {
		return cfg, err
	}
	if _, ok := doc[section]; !ok {
		return cfg, fmt.Errorf("unknown config section %q", section)
	}

	var existing map[string]interface{}
	if err := json.Unmarshal(doc[section], &existing); err != nil {
		return cfg, fmt.Errorf("config section %q is not an object", section)
	}
	for k, v := range patch {
		existing[k] = v
	}
	merged, err := json.Marshal(existing)
	if err != nil {
		return cfg, err
	}
	doc[section] = merged

	out, err := json.Marshal(doc)
	if err != nil {
		return cfg, err
	}
	var next config.Config
	if err := json.Unmarshal(out, &next); err != nil {
		return cfg, err
	}
	return next, nil
}

func (s *Server) saveConfigLocked() error {
	if s.cfgPath == "" {
		return nil
	}
	return config.SaveFile(s.cfgPath, s.cfg)
}

// POST /api/targets {"address": "0x..."} — targets.add -> [addr].
// DELETE /api/targets?address=0x... — targets.remove -> [addr].
func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	s.targetsMu.Lock()
	defer s.targetsMu.Unlock()

	switch r.Method {
	case http.MethodGet:
		s.cfgMu.RLock()
		defer s.cfgMu.RUnlock()
		s.writeJSON(w, s.cfg.Targets)
	case http.MethodPost:
		var body struct {
			Address string `json:"address"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode target: %v", err))
			return
		}
		addr := strings.TrimSpace(body.Address)
		if !common.IsHexAddress(addr) {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("%q is not a valid address", addr))
			return
		}
		s.cfgMu.Lock()
		if !containsFold(s.cfg.Targets, addr) {
			s.cfg.Targets = append(s.cfg.Targets, addr)
		}
		targets := append([]string(nil), s.cfg.Targets...)
		err := s.saveConfigLocked()
		s.cfgMu.Unlock()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, targets)
	case http.MethodDelete:
		addr := strings.TrimSpace(r.URL.Query().Get("address"))
		s.cfgMu.Lock()
		s.cfg.Targets = removeFold(s.cfg.Targets, addr)
		targets := append([]string(nil), s.cfg.Targets...)
		err := s.saveConfigLocked()
		s.cfgMu.Unlock()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, targets)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func containsFold(list []string, addr string) bool {
	for _, t := range list {
		if strings.EqualFold(t, addr) {
			return true
		}
	}
	return false
}

func removeFold(list []string, addr string) []string {
	out := make([]string, 0, len(list))
	for _, t := range list {
		if !strings.EqualFold(t, addr) {
			out = append(out, t)
		}
	}
	return out
}

// GET /api/stats — stats.get.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	m := s.sup.Metrics()
	resp := map[string]interface{}{
		"messages": m.Messages,
		"detected": m.Detected,
		"copied":   m.Copied,
		"skipped":  m.Skipped,
		"errors":   m.Errors,
		"targets":  m.Targets,
	}
	if s.paperBk != nil {
		resp["paper"] = s.paperBk.Snapshot()
	}
	s.writeJSON(w, resp)
}

// GET /api/portfolio — portfolio.get -> {positions}.
func (s *Server) handlePortfolio(w http.ResponseWriter, _ *http.Request) {
	var positions []model.Position
	if s.portf != nil {
		positions = s.portf.SnapshotPositions()
	}
	s.writeJSON(w, map[string]interface{}{"positions": positions})
}

// GET /api/trades?limit=n — trades.get -> {trades}.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			limit = n
		}
	}
	var trades []executor.TradeRecord
	if s.trades != nil {
		trades = s.trades.RecentTrades(limit)
	}
	s.writeJSON(w, map[string]interface{}{"trades": trades})
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return n, nil
}

// GET /api/performance — performance.get: realized/unrealized P&L and
// account-level stats, sourced from the paper book in paper mode or from
// open-position cost basis in live mode.
func (s *Server) handlePerformance(w http.ResponseWriter, _ *http.Request) {
	if s.paperBk != nil {
		s.writeJSON(w, s.paperBk.Snapshot())
		return
	}

	var positions []model.Position
	if s.portf != nil {
		positions = s.portf.SnapshotPositions()
	}
	totalCost, realized := decimal.Zero, decimal.Zero
	for _, p := range positions {
		totalCost = totalCost.Add(p.TotalCost)
		if p.Settled {
			realized = realized.Add(p.SettlementPnL)
		}
	}
	s.writeJSON(w, map[string]interface{}{
		"open_positions": len(positions),
		"total_cost":     totalCost,
		"realized_pnl":   realized,
	})
}

// POST /api/positions/{token_id}/sell — position.sell(token_id) ->
// {success, proceeds, order_id}; the response carries no realized P&L
// figure. Paper mode only: the spec reserves selling out
// of a live position for the control loops (stop-loss) and the copy signal
// itself, not a manual API call.
func (s *Server) handlePositionSell(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tokenID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/positions/"), "/sell")
	if tokenID == "" || !strings.HasSuffix(r.URL.Path, "/sell") {
		s.writeError(w, http.StatusBadRequest, "missing token id")
		return
	}
	if s.seller == nil {
		s.writeError(w, http.StatusConflict, "position.sell is only available in paper mode")
		return
	}

	price, ok := s.topOfBookBid(r.Context(), tokenID)
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "no market price available for token")
		return
	}

	var shares decimal.Decimal
	if s.portf != nil {
		for _, p := range s.portf.SnapshotPositions() {
			if p.TokenID == tokenID {
				shares = p.Shares
				break
			}
		}
	}
	if shares.LessThanOrEqual(decimal.Zero) {
		s.writeError(w, http.StatusBadRequest, "no open position for token")
		return
	}

	res, err := s.seller.Sell(tokenID, price, shares)
	if err != nil {
		s.writeJSON(w, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	proceeds := res.ExecutedPrice.Mul(res.ExecutedSize)
	s.writeJSON(w, map[string]interface{}{
		"success":  true,
		"proceeds": proceeds,
		"order_id": res.OrderID,
	})
}

func (s *Server) topOfBookBid(ctx context.Context, tokenID string) (decimal.Decimal, bool) {
	if s.book == nil {
		return decimal.Zero, false
	}
	book, err := s.book.OrderBook(ctx, &clobtypes.BookRequest{TokenID: tokenID})
	if err != nil || len(book.Bids) == 0 {
		return decimal.Zero, false
	}
	bid, err := decimal.NewFromString(book.Bids[0].Price)
	if err != nil {
		return decimal.Zero, false
	}
	return bid, true
}

// GET /api/events — Server-Sent Events relay of the supervisor's event
// stream: connected, disconnected, trade-detected, trade-executed,
// trade-skipped, error, log.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := s.sup.Subscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}
