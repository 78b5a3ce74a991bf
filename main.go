package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"perpbot/internal/api"
	"perpbot/internal/bot"
	"perpbot/internal/events"
	"perpbot/internal/filters"
	"perpbot/internal/journal"
	"perpbot/internal/order"
	"perpbot/internal/rules"
	"perpbot/internal/state"
	"perpbot/pkg/config"
	"perpbot/pkg/exchanges/binance/futures"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: load config: %v", err)
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		log.Fatalf("main: BINANCE_API_KEY and BINANCE_API_SECRET are required")
	}

	params, err := rules.LoadParams(cfg.RulesPath)
	if err != nil {
		log.Fatalf("main: load rules: %v", err)
	}
	params.EntryRSIMax = cfg.EntryRSIMax
	params.ExitRSIMin = cfg.ExitRSIMin
	log.Printf("main: rules ema=%dx%d lookback=%d proximity=%.2f%%",
		params.FastPeriod, params.SlowPeriod, params.Lookback, params.ProximityPct)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := futures.NewClient(futures.Config{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		Testnet:    cfg.Testnet,
		RecvWindow: cfg.RecvWindow,
	})
	client.StartTimeSync(ctx)

	resolver := filters.NewResolver(client)
	for _, symbol := range cfg.Symbols {
		if _, err := resolver.Rules(ctx, symbol); err != nil {
			log.Fatalf("main: symbol %s unusable: %v", symbol, err)
		}
	}

	if cfg.Leverage > 0 {
		for _, symbol := range cfg.Symbols {
			if err := client.SetLeverage(ctx, symbol, cfg.Leverage); err != nil {
				log.Printf("main: set leverage %s: %v", symbol, err)
			}
		}
	}

	for _, path := range []string{cfg.DBPath, cfg.TradesLogPath, cfg.SnapshotPath} {
		if path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				log.Fatalf("main: create data dir: %v", err)
			}
		}
	}
	j, err := journal.Open(cfg.DBPath, cfg.TradesLogPath, cfg.SnapshotPath)
	if err != nil {
		log.Fatalf("main: open journal: %v", err)
	}
	defer j.Close()

	bus := events.NewBus()
	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		j.Run(ctx, bus.Subscribe())
	}()

	sync := state.NewSynchronizer(client, cfg.Timeframe)
	executor := order.NewExecutor(client, resolver)
	evaluator := rules.NewEvaluator(params)

	controller := bot.NewController(sync, executor, evaluator, bus, bot.Settings{
		Symbols:          cfg.Symbols,
		TradeNotional:    cfg.TradeNotional,
		MaxOpenPositions: cfg.MaxOpenPositions,
		ATRStopMult:      cfg.ATRStopMult,
		ATRTargetMult:    cfg.ATRTargetMult,
		EnableTakeProfit: cfg.EnableTakeProfit,
	})
	engine := bot.NewEngine(controller, sync, cfg.Symbols, cfg.CycleInterval)

	server := api.NewServer(ctx, engine, sync, j, cfg.ControlAPISecret)
	go func() {
		addr := ":" + cfg.Port
		log.Printf("main: control API listening on %s", addr)
		if err := server.Run(ctx, addr); err != nil {
			log.Printf("main: control API: %v", err)
		}
	}()

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("main: start engine: %v", err)
	}
	log.Printf("main: trading %v notional=%.2f interval=%s testnet=%v",
		cfg.Symbols, cfg.TradeNotional, cfg.CycleInterval, cfg.Testnet)

	<-ctx.Done()
	log.Printf("main: shutting down")

	if cfg.FlattenOnExit {
		flattenAll(sync, executor)
	}

	engine.Stop()
	bus.Close()
	select {
	case <-journalDone:
	case <-time.After(5 * time.Second):
		log.Printf("main: journal did not drain in time")
	}
	log.Printf("main: bye")
}

// flattenAll force-closes every open position on the way out. It runs on a
// fresh context because the signal context is already canceled.
func flattenAll(sync *state.Synchronizer, executor *order.Executor) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	positions, err := sync.Positions(ctx)
	if err != nil {
		log.Printf("main: flatten on exit, read positions: %v", err)
		return
	}
	for _, p := range positions {
		if err := executor.CancelAllOpen(ctx, p.Symbol); err != nil {
			log.Printf("main: flatten on exit, cancel %s: %v", p.Symbol, err)
		}
		if err := executor.Flatten(ctx, p.Symbol, p.Side, p.AbsQty()); err != nil {
			log.Printf("main: flatten on exit, close %s: %v", p.Symbol, err)
		}
	}
}
