// Command engine is the entry point for the regime-aware multi-agent
// options trading engine: it loads a run configuration, wires a feed
// source, broker, and the full agent/risk/options/hedge pipeline behind a
// Scheduler, then either runs once to completion or serves the control
// surface over HTTP behind a --rest flag.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lattice-quant/regime-engine/internal/agents"
	"github.com/lattice-quant/regime-engine/internal/broker"
	"github.com/lattice-quant/regime-engine/internal/config"
	"github.com/lattice-quant/regime-engine/internal/control"
	"github.com/lattice-quant/regime-engine/internal/feed"
	"github.com/lattice-quant/regime-engine/internal/hedge"
	"github.com/lattice-quant/regime-engine/internal/ledger"
	"github.com/lattice-quant/regime-engine/internal/logger"
	"github.com/lattice-quant/regime-engine/internal/meta"
	"github.com/lattice-quant/regime-engine/internal/model"
	"github.com/lattice-quant/regime-engine/internal/options"
	"github.com/lattice-quant/regime-engine/internal/regime"
	"github.com/lattice-quant/regime-engine/internal/risk"
	"github.com/lattice-quant/regime-engine/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "configs/default.json", "path to JSON run configuration")
	outdir := flag.String("outdir", "runs/out", "directory for run artifacts")
	rest := flag.Bool("rest", false, "serve the start/stop/status control surface over HTTP instead of running once")
	addr := flag.String("addr", ":8080", "HTTP listen address when -rest is set")
	verbosity := flag.Int("v", int(logger.Info), "log verbosity (0=error,1=info,2=debug,3=trace)")
	startingCash := flag.Float64("cash", 100000, "paper broker starting cash")
	slippageBps := flag.Float64("slippage-bps", 1.0, "paper broker stock slippage in basis points")
	flag.Parse()

	logger.SetVerbosity(*verbosity)

	raw, err := os.ReadFile(*configPath)
	if err != nil {
		logger.Errorf("event=config_read_failed path=%s err=%v", *configPath, err)
		os.Exit(1)
	}
	cfg, err := config.Load(raw)
	if err != nil {
		logger.Errorf("event=config_invalid err=%v", err)
		os.Exit(1)
	}

	src, err := buildFeedSource(cfg)
	if err != nil {
		logger.Errorf("event=feed_build_failed err=%v", err)
		os.Exit(1)
	}

	brk := broker.NewPaperBroker(decimal.NewFromFloat(*startingCash), *slippageBps)

	optMgr := options.NewManager(brk, cfg.StrategyParams)
	hedger := hedge.NewHedger(toHedgeConfig(cfg.DeltaHedge), brk)
	riskGate := risk.NewGate(toRiskConfig(cfg.Risk))
	riskState := &model.RiskState{
		StartingEquity: decimal.NewFromFloat(*startingCash),
		CurrentEquity:  decimal.NewFromFloat(*startingCash),
		MaxEquityHWM:   decimal.NewFromFloat(*startingCash),
		KillSwitch:     model.KillSwitchOff,
	}

	writer, err := ledger.NewWriter(*outdir)
	if err != nil {
		logger.Errorf("event=ledger_init_failed err=%v", err)
		os.Exit(1)
	}
	if err := writer.WriteRunConfig(config.RunMetadata{
		Config:     cfg,
		Seed:       cfg.Seed,
		Symbols:    cfg.Symbols,
		WindowFrom: cfg.Replay.StartTime,
		WindowTo:   cfg.Replay.EndTime,
	}); err != nil {
		logger.Errorf("event=run_config_write_failed err=%v", err)
	}

	sched := scheduler.New(scheduler.Deps{
		Config:     cfg,
		Source:     src,
		Broker:     brk,
		Classifier: regime.NewRuleTree(),
		Agents:     agents.DefaultSet(),
		Weights:    meta.DefaultWeights(),
		RiskGate:   riskGate,
		RiskState:  riskState,
		Options:    optMgr,
		Hedger:     hedger,
		Writer:     writer,
	})

	ctrl := control.New(sched, brk, optMgr, riskState, writer)

	ctx, cancel := signalContext()
	defer cancel()

	if *rest {
		runREST(ctrl, *addr)
		return
	}
	runOnce(ctx, ctrl, writer)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, the
// graceful-shutdown trigger runOnce waits on. REST mode does not use it:
// runREST blocks in http.ListenAndServe for the process lifetime.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func runOnce(ctx context.Context, ctrl *control.Controller, writer *ledger.Writer) {
	start := time.Now()
	if err := ctrl.Start(ctx); err != nil {
		logger.Errorf("event=start_failed err=%v", err)
		os.Exit(1)
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-ticker.C:
			if st := ctrl.GetStatus().State; st != scheduler.StateRunning && st != scheduler.StateStarting {
				break wait
			}
		}
	}
	ctrl.Stop()
	logger.Infof("event=run_complete elapsed=%s trades=%d", time.Since(start), len(ctrl.Trades()))
}

func runREST(ctrl *control.Controller, addr string) {
	logger.Infof("event=rest_server_starting addr=%s", addr)
	if err := http.ListenAndServe(addr, ctrl.Handler()); err != nil {
		logger.Errorf("event=rest_server_failed err=%v", err)
		os.Exit(1)
	}
}

func buildFeedSource(cfg config.Config) (feed.Source, error) {
	switch cfg.Feed {
	case config.FeedLive:
		wsURL := os.Getenv("ENGINE_WS_URL")
		restURL := os.Getenv("ENGINE_REST_URL")
		apiKey := os.Getenv("ENGINE_API_KEY")
		return feed.NewLiveSource(wsURL, restURL, apiKey), nil
	case config.FeedReplay:
		bars, err := loadCachedBars()
		if err != nil {
			return nil, err
		}
		return feed.NewReplaySource(bars, cfg.Replay.StartTime, cfg.Replay.EndTime, cfg.Replay.ReplaySpeed, cfg.StrictDataMode), nil
	case config.FeedCached:
		bars, err := loadCachedBars()
		if err != nil {
			return nil, err
		}
		return feed.NewCachedSource(bars), nil
	default:
		return nil, fmt.Errorf("cmd/engine: unknown feed kind %q", cfg.Feed)
	}
}

// loadCachedBars reads a flat symbol->[]Bar JSON file pointed to by
// ENGINE_BARS_FILE, the fixture format cached/replay runs consume in lieu
// of a live feed.
func loadCachedBars() (map[string][]model.Bar, error) {
	path := os.Getenv("ENGINE_BARS_FILE")
	if path == "" {
		return nil, fmt.Errorf("cmd/engine: ENGINE_BARS_FILE must be set for cached/replay feeds")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cmd/engine: read bars file: %w", err)
	}
	var bars map[string][]model.Bar
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("cmd/engine: decode bars file: %w", err)
	}
	return bars, nil
}

func toRiskConfig(rc config.RiskConfig) risk.Config {
	return risk.Config{
		DailyLossPct:   rc.DailyLossPct,
		MaxDrawdownPct: rc.MaxDrawdownPct,
		MaxLossStreak:  rc.MaxLossStreak,
		RegimeCaps:     rc.RegimeCaps,
		VarPct:         rc.VarPct,
		SymbolCapPct:   rc.SymbolCapPct,
		Lot:            1,
		DeltaCapShares: 10000,
	}
}

func toHedgeConfig(dc config.DeltaHedgeConfig) hedge.Config {
	return hedge.Config{
		DeltaThreshold:    dc.DeltaThreshold,
		MinHedgeShares:    dc.MinHedgeShares,
		CooldownBars:      dc.CooldownBars,
		MaxTradesPerDay:   dc.MaxTradesPerDay,
		MaxNotionalPerDay: decimal.NewFromFloat(dc.MaxNotionalPerDay),
		MaxOrphanBars:     dc.MaxOrphanBars,
		Enabled:           dc.Enabled,
	}
}
