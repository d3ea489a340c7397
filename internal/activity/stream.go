package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/copytrader/engine/internal/model"
)

const (
	streamBaseBackoff   = 5 * time.Second
	streamMaxAttempts   = 10
	streamHeartbeatEvery = 15 * time.Second
	streamDialTimeout   = 15 * time.Second
)

// wireMessage is the subscription envelope the upstream push feed sends on
// both the activity:trades and activity:orders_matched channels.
type wireMessage struct {
	Channel         string `json:"channel"`
	ProxyWallet     string `json:"proxyWallet"`
	Asset           string `json:"asset"`
	ConditionID     string `json:"conditionId"`
	Slug            string `json:"slug"`
	Outcome         string `json:"outcome"`
	Side            string `json:"side"`
	Price           string `json:"price"`
	Size            string `json:"size"`
	Timestamp       int64  `json:"timestamp"`
	TransactionHash string `json:"transactionHash"`
	Type            string `json:"type"`
}

// Dialer is the narrow slice of gorilla/websocket the Stream source needs,
// satisfied directly by websocket.DefaultDialer in production.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Stream is the push-based activity source: a long-lived duplex
// connection subscribed to activity:trades and activity:orders_matched,
// filtered in-process to the configured target wallets.
type Stream struct {
	url     string
	dialer  Dialer
	targets map[model.TargetWallet]struct{}

	mu        sync.RWMutex
	connected bool

	MessagesTotal      atomic.Int64
	TargetMatchesTotal atomic.Int64

	// OnConnected is invoked with true on a successful connect and false on
	// disconnect; the Supervisor uses this for source failover.
	OnConnected func(bool)
}

// NewStream creates a Stream that will connect to url and pass through
// activity for the given target wallets.
func NewStream(url string, dialer Dialer, targets []model.TargetWallet) *Stream {
	t := make(map[model.TargetWallet]struct{}, len(targets))
	for _, w := range targets {
		t[w] = struct{}{}
	}
	return &Stream{url: url, dialer: dialer, targets: t}
}

// Connected reports the last known connection state.
func (s *Stream) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Stream) setConnected(v bool) {
	s.mu.Lock()
	changed := s.connected != v
	s.connected = v
	s.mu.Unlock()
	if changed && s.OnConnected != nil {
		s.OnConnected(v)
	}
}

// Run connects and reconnects with exponential backoff until ctx is
// cancelled or the attempt cap is exceeded, emitting each matched activity
// record to emit. Returns nil on clean shutdown, an error once escalation is
// warranted (attempt cap exceeded).
func (s *Stream) Run(ctx context.Context, emit func(RawActivity)) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := s.runOnce(ctx, emit)
		s.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// Clean close from the server: treat like any other disconnect
			// and reconnect rather than exiting.
			attempt = 0
			continue
		}
		attempt++
		if attempt > streamMaxAttempts {
			return fmt.Errorf("activity stream: exceeded %d reconnect attempts: %w", streamMaxAttempts, err)
		}
		backoff := streamBaseBackoff * time.Duration(1<<uint(attempt-1))
		log.Printf("[stream] disconnected (%v), reconnecting in %s (attempt %d/%d)", err, backoff, attempt, streamMaxAttempts)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

func (s *Stream) runOnce(ctx context.Context, emit func(RawActivity)) error {
	dialCtx, cancel := context.WithTimeout(ctx, streamDialTimeout)
	conn, _, err := s.dialer.DialContext(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sub := map[string]any{
		"type":     "subscribe",
		"channels": []string{"activity:trades", "activity:orders_matched"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.setConnected(true)

	done := make(chan struct{})
	defer close(done)
	go s.heartbeatLoop(conn, done)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.MessagesTotal.Add(1)

		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		wallet := model.NewTargetWallet(msg.ProxyWallet)
		if _, ok := s.targets[wallet]; !ok {
			continue
		}
		s.TargetMatchesTotal.Add(1)

		activityType := msg.Type
		if activityType == "" {
			// Both subscribed channels carry fill-shaped activity; a
			// message with no explicit type is a TRADE.
			activityType = "TRADE"
		}

		emit(RawActivity{
			TransactionHash: msg.TransactionHash,
			Wallet:          msg.ProxyWallet,
			TimestampRaw:    msg.Timestamp,
			Asset:           msg.Asset,
			ConditionID:     msg.ConditionID,
			Slug:            msg.Slug,
			Side:            msg.Side,
			Price:           msg.Price,
			Size:            msg.Size,
			Outcome:         msg.Outcome,
			Type:            activityType,
		})
	}
}

func (s *Stream) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(streamHeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
