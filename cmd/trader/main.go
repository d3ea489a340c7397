package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	polymarket "github.com/GoPolymarket/polymarket-go-sdk"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/auth"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/copytrader/engine/internal/activity"
	"github.com/copytrader/engine/internal/api"
	"github.com/copytrader/engine/internal/config"
	"github.com/copytrader/engine/internal/control"
	"github.com/copytrader/engine/internal/executor"
	"github.com/copytrader/engine/internal/ingress"
	"github.com/copytrader/engine/internal/model"
	"github.com/copytrader/engine/internal/notify"
	"github.com/copytrader/engine/internal/paper"
	"github.com/copytrader/engine/internal/resolver"
	"github.com/copytrader/engine/internal/risk"
	"github.com/copytrader/engine/internal/sizing"
	"github.com/copytrader/engine/internal/statestore"
	"github.com/copytrader/engine/internal/supervisor"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	dataDir := flag.String("data-dir", "data", "directory for the durable state store and token cache")
	phase := flag.String("phase", "", "rollout phase override: paper|shadow|live-small|live")
	flag.Parse()

	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		log.Printf("warning: config file: %v, using defaults", err)
		cfg = config.Default()
	}
	cfg.ApplyEnv()

	if *phase != "" {
		if err := config.ApplyRolloutPhase(&cfg, *phase); err != nil {
			log.Fatalf("rollout phase: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Printf("copytrader starting (mode=%s targets=%d)", cfg.Mode(), len(cfg.Targets))

	store, err := statestore.Open(*dataDir)
	if err != nil {
		log.Fatalf("state store: %v", err)
	}

	var targets []model.TargetWallet
	for _, t := range cfg.Targets {
		targets = append(targets, model.NewTargetWallet(t))
	}

	sdkClient := polymarket.NewClient()

	var (
		signer   auth.Signer
		userAddr common.Address
	)
	if pk := strings.TrimSpace(cfg.PrivateKey); pk != "" {
		signer, err = auth.NewPrivateKeySigner(pk, cfg.ChainID)
		if err != nil {
			log.Fatalf("signer: %v", err)
		}
		userAddr = signer.Address()
	}

	apiKey := &auth.APIKey{
		Key:        strings.TrimSpace(cfg.APIKey),
		Secret:     strings.TrimSpace(cfg.APISecret),
		Passphrase: strings.TrimSpace(cfg.APIPassphrase),
	}

	clobClient := sdkClient.CLOB.WithAuth(signer, apiKey)
	if cfg.BuilderKey != "" && cfg.BuilderSecret != "" {
		clobClient = clobClient.WithBuilderConfig(&auth.BuilderConfig{
			Local: &auth.BuilderCredentials{
				Key:        strings.TrimSpace(cfg.BuilderKey),
				Secret:     strings.TrimSpace(cfg.BuilderSecret),
				Passphrase: strings.TrimSpace(cfg.BuilderPassphrase),
			},
		})
		log.Println("builder attribution enabled")
	}

	wsClient := sdkClient.CLOBWS.Authenticate(signer, apiKey)
	gammaClient := sdkClient.Gamma
	dataClient := sdkClient.Data

	res, err := resolver.New(gammaClient, *dataDir)
	if err != nil {
		log.Fatalf("resolver: %v", err)
	}

	riskMgr := risk.New(risk.Config{
		DryRun:                 cfg.Risk.DryRun,
		HasLiveCredentials:     cfg.HasLiveCredentials(),
		MaxUSDPerTrade:         decimal.NewFromFloat(cfg.Risk.MaxUSDPerTrade),
		MaxUSDPerMarket:        decimal.NewFromFloat(cfg.Risk.MaxUSDPerMarket),
		MaxDailyUSDVolume:      decimal.NewFromFloat(cfg.Risk.MaxDailyUSDVolume),
		MarketAllowlist:        cfg.Risk.MarketAllowlist,
		MarketDenylist:         cfg.Risk.MarketDenylist,
		DoNotTradeWithinSecondsOfResolution: cfg.Risk.DoNotTradeMarketsOlderThanSecondsFromResolution,
	})

	sizingCfg := sizing.Config{
		Mode:                   sizing.Mode(cfg.Trading.SizingMode),
		FixedUSDSize:           decimal.NewFromFloat(cfg.Trading.FixedUSDSize),
		FixedSharesSize:        decimal.NewFromFloat(cfg.Trading.FixedSharesSize),
		ProportionalMultiplier: decimal.NewFromFloat(cfg.Trading.ProportionalMultiplier),
		Slippage:               decimal.NewFromFloat(cfg.Trading.Slippage),
		MinOrderSizeUSD:        decimal.NewFromFloat(cfg.Trading.MinOrderSize),
		MinOrderShares:         decimal.NewFromFloat(cfg.Trading.MinOrderShares),
		ProportionalFallback:   fallbackSteps(cfg.Trading.ProportionalFallback),
	}

	paperBook := paper.New(paper.Config{
		StartingBalance: decimal.NewFromFloat(cfg.PaperTrading.StartingBalance),
		FeeRate:         decimal.NewFromFloat(cfg.PaperTrading.FeeRate),
	})

	mode := executor.ModeLive
	switch cfg.Mode() {
	case "paper":
		mode = executor.ModePaper
	case "dry_run":
		mode = executor.ModeDryRun
	}

	exec := executor.New(clobClient, signer, userAddr, dataClient, store, riskMgr, paperBook, mode, 1024)

	var loops []supervisor.ControlLoop
	var resolutionHandlers []control.ResolutionHandler
	var resolutionPositions control.PositionSource
	if cfg.PaperTrading.Enabled {
		priceRefresh := control.NewPriceRefresh(clobClient, paperBook, paperBook, res, 0)
		loops = append(loops, priceRefresh)
		resolutionHandlers = append(resolutionHandlers, priceRefresh)
		resolutionPositions = paperBook
	} else {
		if cfg.StopLoss.Enabled {
			loops = append(loops, control.NewStopLoss(clobClient, store, exec, decimal.NewFromFloat(cfg.StopLoss.Percent), cfg.StopLossInterval()))
		}
		if cfg.AutoRedeem.Enabled {
			autoRedeem := control.NewAutoRedeem(store, exec, res, cfg.AutoRedeemInterval())
			loops = append(loops, autoRedeem)
			resolutionHandlers = append(resolutionHandlers, autoRedeem)
		}
		resolutionPositions = store
	}
	if len(resolutionHandlers) > 0 {
		loops = append(loops, control.NewResolutionWatcher(wsClient, resolutionPositions, 0, resolutionHandlers...))
	}

	stream := activity.NewStream(cfg.StreamURL, websocket.DefaultDialer, targets)
	poll := activity.NewPoll(dataClient, targets, activity.PollConfig{
		Interval:    cfg.PollInterval(),
		TradeLimit:  cfg.Polling.TradeLimit,
		MaxRetries:  cfg.Polling.MaxRetries,
		BaseBackoff: cfg.PollBaseBackoff(),
	})

	sup := supervisor.New(cfg, stream, poll, ingress.New(store), res, riskMgr, exec, store, sizingCfg, loops...)

	if cfg.Telegram.Enabled {
		notifier := notify.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		go watchEvents(notifier, sup.Subscribe())
	}

	var portfolio api.Portfolio
	var seller api.PaperSeller
	var apiPaperBook *paper.Book
	if cfg.PaperTrading.Enabled {
		portfolio = paperBook
		seller = paperBook
		apiPaperBook = paperBook
	} else {
		portfolio = store
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API.Addr, cfg, *cfgPath, sup, clobClient, exec, portfolio, seller, apiPaperBook)
		if err := apiServer.Start(ctx); err != nil {
			log.Fatalf("api server: %v", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := sup.Start(ctx); err != nil {
		log.Fatalf("supervisor start: %v", err)
	}

	<-sigCh
	log.Println("shutdown signal received")
	sup.Stop()
	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	log.Println("copytrader stopped")
}

func fallbackSteps(raw []string) []sizing.FallbackStep {
	steps := make([]sizing.FallbackStep, 0, len(raw))
	for _, s := range raw {
		steps = append(steps, sizing.FallbackStep(s))
	}
	return steps
}

// watchEvents relays noteworthy supervisor events to the configured
// Telegram chat; routine trade-detected/log chatter is dropped.
func watchEvents(notifier *notify.Notifier, events <-chan supervisor.Event) {
	ctx := context.Background()
	for ev := range events {
		switch ev.Type {
		case "connected", "disconnected", "error":
			_ = notifier.Send(ctx, fmt.Sprintf("[%s] %s", ev.Type, ev.Message))
		case "trade-executed":
			_ = notifier.Send(ctx, fmt.Sprintf("executed %s for %s: %s", ev.TokenID, ev.Wallet, ev.Message))
		case "trade-skipped":
			_ = notifier.Send(ctx, fmt.Sprintf("skipped %s for %s: %s", ev.TokenID, ev.Wallet, ev.Reason))
		}
	}
}

