// Package supervisor wires the Activity Source (stream + poll), Ingress
// Gate, Normalizer, Token Resolver, Risk Manager, Sizing Engine, and
// Executor into a single pipeline, drives the stream/poll failover
// state machine, and fans out pipeline events and metrics to the UI.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/copytrader/engine/internal/activity"
	"github.com/copytrader/engine/internal/config"
	"github.com/copytrader/engine/internal/model"
	"github.com/copytrader/engine/internal/sizing"
)

// DedupGate is the subset of the ingress Gate the supervisor needs.
type DedupGate interface {
	Admit(wallet model.TargetWallet, tradeID string) (bool, error)
}

// TokenResolver is the subset of the Resolver the supervisor needs.
type TokenResolver interface {
	Resolve(ctx context.Context, sig model.Signal) (tokenID string, ok bool)
}

// RiskEvaluator is the subset of the risk Manager the supervisor needs.
type RiskEvaluator interface {
	Evaluate(sig model.Signal, projectedUSD decimal.Decimal, ledger *model.ExposureLedger, resolutionUnixSec int64, now time.Time) model.Decision
}

// ExposureSource is the subset of the state store the supervisor needs to
// build the ledger snapshot each risk check reads.
type ExposureSource interface {
	ExposureSnapshot() *model.ExposureLedger
}

// OrderExecutor is the subset of the Executor the supervisor needs: it runs
// its own single-consumer drain loop and accepts submissions from the
// pipeline alongside the control loops.
type OrderExecutor interface {
	Run(ctx context.Context)
	Submit(ctx context.Context, req model.OrderRequest, sig model.Signal) model.OrderResult
}

// State is one node of the supervisor's state machine.
type State string

const (
	StateStopped         State = "stopped"
	StateStarting        State = "starting"
	StateRunningStream   State = "running/streaming"
	StateRunningPoll     State = "running/polling"
	StateRunningDegraded State = "running/degraded"
	StateStopping        State = "stopping"
)

// streamDisconnectGrace is how long the stream must be disconnected before
// the poll fallback starts.
const streamDisconnectGrace = 5 * time.Second

// Event is one item in the fan-out stream the downstream API exposes to the
// UI: connected, disconnected, trade-detected, trade-executed,
// trade-skipped, error, log.
type Event struct {
	Type      string
	Message   string
	Wallet    string
	TokenID   string
	Reason    string
	Timestamp time.Time
}

// Metrics is the supervisor's running counters and gauges.
type Metrics struct {
	Messages  int64
	Detected  int64
	Copied    int64
	Skipped   map[string]int64
	Errors    int64
	StartedAt time.Time
	Connected bool
	Targets   int
}

// ControlLoop is satisfied by each of the control package's loops.
type ControlLoop interface {
	Run(ctx context.Context)
}

// Supervisor owns the pipeline and its lifecycle.
type Supervisor struct {
	cfg       config.Config
	stream    *activity.Stream
	poll      *activity.Poll
	gate      DedupGate
	resolver  TokenResolver
	risk      RiskEvaluator
	exec      OrderExecutor
	store     ExposureSource
	sizingCfg sizing.Config
	loops     []ControlLoop

	mu          sync.Mutex
	state       State
	cancel      context.CancelFunc
	group       *errgroup.Group
	subscribers []chan Event
	metrics     Metrics

	pollWatch sync.Mutex
	pollArmed *time.Timer
}

// New assembles a Supervisor from its already-constructed components. The
// caller (cmd/trader) is responsible for building each component from
// config.Config and live/paper/dry_run clients.
func New(cfg config.Config, stream *activity.Stream, poll *activity.Poll, gate DedupGate, res TokenResolver, riskMgr RiskEvaluator, exec OrderExecutor, store ExposureSource, sizingCfg sizing.Config, loops ...ControlLoop) *Supervisor {
	s := &Supervisor{
		cfg: cfg, stream: stream, poll: poll, gate: gate, resolver: res,
		risk: riskMgr, exec: exec, store: store, sizingCfg: sizingCfg, loops: loops,
		state:   StateStopped,
		metrics: Metrics{Skipped: make(map[string]int64), Targets: len(cfg.Targets)},
	}
	if stream != nil {
		stream.OnConnected = s.onStreamConnected
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Metrics returns a snapshot of the running counters and gauges.
func (s *Supervisor) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.metrics
	cp.Skipped = make(map[string]int64, len(s.metrics.Skipped))
	for k, v := range s.metrics.Skipped {
		cp.Skipped[k] = v
	}
	return cp
}

// Subscribe returns a channel of future events; the channel is closed when
// the Supervisor stops. Buffered so a slow UI consumer doesn't stall the
// pipeline; events are dropped (not blocked on) once the buffer is full.
func (s *Supervisor) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Supervisor) emit(ev Event) {
	ev.Timestamp = time.Now().UTC()
	s.mu.Lock()
	subs := append([]chan Event(nil), s.subscribers...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start transitions stopped -> starting -> running/streaming, launching the
// stream source, the executor worker, and every control loop under a shared
// errgroup.Group so Stop can wait for every worker to actually exit instead
// of firing off naked goroutines.
func (s *Supervisor) Start(parent context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: cannot start from state %s", s.state)
	}
	s.state = StateStarting
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.group = g
	s.metrics.StartedAt = time.Now().UTC()
	s.mu.Unlock()

	g.Go(func() error {
		s.exec.Run(gctx)
		return nil
	})
	for _, loop := range s.loops {
		loop := loop
		g.Go(func() error {
			loop.Run(gctx)
			return nil
		})
	}
	if s.stream != nil {
		g.Go(func() error {
			if err := s.stream.Run(gctx, s.handleRaw); err != nil {
				s.emit(Event{Type: "error", Message: err.Error()})
				s.setState(StateRunningDegraded)
				if s.poll != nil {
					s.poll.Start(gctx, s.handleRaw)
				}
			}
			return nil
		})
	}

	s.setState(StateRunningStream)
	s.emit(Event{Type: "log", Message: "supervisor started"})
	return nil
}

// Stop transitions running* -> stopping -> stopped, cancelling the pipeline
// context (which drains the executor queue and tears down the sources),
// waiting for every worker launched by Start to actually exit, and closing
// every subscriber channel.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateStopping {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	cancel := s.cancel
	group := s.group
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s.poll != nil {
		s.poll.Stop()
	}
	if group != nil {
		_ = group.Wait()
	}

	s.mu.Lock()
	s.state = StateStopped
	subs := s.subscribers
	s.subscribers = nil
	s.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
	s.emit(Event{Type: "log", Message: "supervisor stopped"})
}

// Restart stops and re-starts the pipeline cleanly.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.Stop()
	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	return s.Start(ctx)
}

// onStreamConnected implements the source-failover transitions: start
// polling after the stream has been down for the grace period, stop polling
// as soon as it reconnects.
func (s *Supervisor) onStreamConnected(connected bool) {
	s.mu.Lock()
	s.metrics.Connected = connected
	s.mu.Unlock()

	s.pollWatch.Lock()
	defer s.pollWatch.Unlock()

	if connected {
		if s.pollArmed != nil {
			s.pollArmed.Stop()
			s.pollArmed = nil
		}
		if s.poll != nil {
			s.poll.Stop()
		}
		s.setState(StateRunningStream)
		s.emit(Event{Type: "connected", Message: "activity stream connected"})
		return
	}

	s.emit(Event{Type: "disconnected", Message: "activity stream disconnected"})
	if s.pollArmed != nil {
		return
	}
	s.pollArmed = time.AfterFunc(streamDisconnectGrace, func() {
		s.pollWatch.Lock()
		s.pollArmed = nil
		s.pollWatch.Unlock()
		if s.poll == nil {
			return
		}
		s.poll.Start(context.Background(), s.handleRaw)
		s.setState(StateRunningPoll)
	})
}

// handleRaw is the single ingress point both sources feed: normalize, dedup,
// resolve, size, check minimums, risk-check, and submit, emitting the appropriate event at
// each decision point.
func (s *Supervisor) handleRaw(raw activity.RawActivity) {
	s.mu.Lock()
	s.metrics.Messages++
	s.mu.Unlock()

	sig, ok := activity.Normalize(raw)
	if !ok {
		return
	}

	s.mu.Lock()
	s.metrics.Detected++
	s.mu.Unlock()
	s.emit(Event{Type: "trade-detected", Wallet: sig.TargetWallet.String(), TokenID: sig.TokenID})

	admitted, err := s.gate.Admit(sig.TargetWallet, sig.TradeID)
	if err != nil {
		s.recordError(err)
		return
	}
	if !admitted {
		return
	}

	ctx := context.Background()
	tokenID, ok := s.resolver.Resolve(ctx, sig)
	if !ok {
		s.skip(sig, model.ReasonUnresolvedToken)
		return
	}
	sig.TokenID = tokenID

	shares, usd, adjustedPrice := sizing.Size(sig, s.sizingCfg)
	if !sizing.MeetsMinimum(usd, shares, s.sizingCfg) {
		s.skip(sig, model.ReasonBelowMinimum)
		return
	}

	ledger := s.store.ExposureSnapshot()
	decision := s.risk.Evaluate(sig, usd, ledger, 0, time.Now())
	if !decision.Allow {
		s.skip(sig, decision.Reason)
		return
	}

	req := model.OrderRequest{
		TokenID: sig.TokenID, ConditionID: sig.ConditionID, Side: sig.Side,
		Price: adjustedPrice, Size: shares, TimeInForce: model.TimeInForceGTC,
		SourceTradeID: sig.TradeID,
	}
	res := s.exec.Submit(ctx, req, sig)
	if !res.Success {
		s.skip(sig, errString(res.Err))
		return
	}

	s.mu.Lock()
	s.metrics.Copied++
	s.mu.Unlock()
	s.emit(Event{Type: "trade-executed", Wallet: sig.TargetWallet.String(), TokenID: sig.TokenID, Message: res.OrderID})
}

func (s *Supervisor) skip(sig model.Signal, reason string) {
	s.mu.Lock()
	s.metrics.Skipped[reason]++
	s.mu.Unlock()
	s.emit(Event{Type: "trade-skipped", Wallet: sig.TargetWallet.String(), TokenID: sig.TokenID, Reason: reason})
}

func (s *Supervisor) recordError(err error) {
	s.mu.Lock()
	s.metrics.Errors++
	s.mu.Unlock()
	s.emit(Event{Type: "error", Message: err.Error()})
	log.Printf("[supervisor] error: %v", err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
