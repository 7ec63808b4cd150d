// Package scheduler drives the bar-by-bar control loop: a single-threaded
// cooperative core that polls each subscribed symbol's feed, computes
// features and a regime signal, marks and exits existing packages, hedges
// open gamma, arbitrates fresh agent intents through RiskGate, and
// dispatches to the Broker — generalizing a single-shot
// backtest.Engine.Run (which iterates a pre-fetched bar slice once, start
// to finish) into a resumable, start/stop-able run loop driven by the
// feed.Source contract instead of a flat []Bar.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/lattice-quant/regime-engine/internal/agents"
	"github.com/lattice-quant/regime-engine/internal/broker"
	"github.com/lattice-quant/regime-engine/internal/config"
	"github.com/lattice-quant/regime-engine/internal/features"
	"github.com/lattice-quant/regime-engine/internal/feed"
	"github.com/lattice-quant/regime-engine/internal/hedge"
	"github.com/lattice-quant/regime-engine/internal/ledger"
	"github.com/lattice-quant/regime-engine/internal/logger"
	"github.com/lattice-quant/regime-engine/internal/meta"
	"github.com/lattice-quant/regime-engine/internal/model"
	"github.com/lattice-quant/regime-engine/internal/options"
	"github.com/lattice-quant/regime-engine/internal/regime"
	"github.com/lattice-quant/regime-engine/internal/risk"
)

// State is the Scheduler's run state.
type State string

const (
	StateIdle     State = "IDLE"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
	StateError    State = "ERROR"
)

// barInterval is the fixed sampling interval the engine assumes between
// consecutive bars of the same symbol, used only to size the replay-mode
// inter-bar sleep (feed.InterBarSleep). The feed contract itself carries
// no notion of interval; this is a scheduling assumption, not a data
// invariant.
const barInterval = time.Minute

// pollTimeout bounds how long NextBar may block waiting for a live bar
// before the loop re-checks for cancellation/other symbols.
const pollTimeout = 2 * time.Second

// expiryLookahead is how many synthetic Friday expiries are offered to
// strike.ResolveExpiration per entry (see syntheticExpiries).
const expiryLookahead = 12

// markSetter is implemented by brokers that need bar-close/mark data
// pushed to them before a Submit can fill (PaperBroker). A live broker
// wiring its own venue quotes would not implement this, so the Scheduler
// degrades gracefully via a type assertion rather than widening the
// Broker interface for every implementation's benefit.
type markSetter interface {
	SetBarClose(symbol string, close float64)
	SetMark(contractSymbol string, mark decimal.Decimal)
}

// Scheduler owns every piece of mutable run state: Position/Package/
// HedgeState/RiskState are all mutated exclusively from the single
// goroutine running the bar loop.
type Scheduler struct {
	cfg        config.Config
	src        feed.Source
	brk        broker.Broker
	classifier regime.Classifier
	agentSet   []agents.Agent
	weights    meta.Weights
	riskGate   *risk.Gate
	riskState  *model.RiskState
	optMgr     *options.Manager
	hedger     *hedge.Hedger
	writer     *ledger.Writer

	engines        map[string]*features.Engine
	prevRegime     map[string]model.Regime
	barCounter     map[string]int64
	micro          map[string]*microState
	lastRealizedPL map[string]decimal.Decimal

	mu      sync.Mutex
	state   State
	lastErr error
	stopCh  chan struct{}
	group   *errgroup.Group
}

// Deps bundles the collaborators a Scheduler is constructed from.
type Deps struct {
	Config     config.Config
	Source     feed.Source
	Broker     broker.Broker
	Classifier regime.Classifier
	Agents     []agents.Agent
	Weights    meta.Weights
	RiskGate   *risk.Gate
	RiskState  *model.RiskState
	Options    *options.Manager
	Hedger     *hedge.Hedger
	Writer     *ledger.Writer
}

// New constructs an idle Scheduler ready for Start.
func New(d Deps) *Scheduler {
	return &Scheduler{
		cfg:            d.Config,
		src:            d.Source,
		brk:            d.Broker,
		classifier:     d.Classifier,
		agentSet:       d.Agents,
		weights:        d.Weights,
		riskGate:       d.RiskGate,
		riskState:      d.RiskState,
		optMgr:         d.Options,
		hedger:         d.Hedger,
		writer:         d.Writer,
		engines:        map[string]*features.Engine{},
		prevRegime:     map[string]model.Regime{},
		barCounter:     map[string]int64{},
		micro:          map[string]*microState{},
		lastRealizedPL: map[string]decimal.Decimal{},
		state:          StateIdle,
	}
}

// State reports the current run state, safe for concurrent callers (the
// status surface of the control package reads this).
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError reports the error that moved the Scheduler into StateError, if
// any.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Scheduler) fail(err error) {
	s.mu.Lock()
	s.state = StateError
	s.lastErr = err
	s.mu.Unlock()
	logger.Errorf("event=scheduler_error err=%v", err)
}

// Start connects and subscribes the feed, then runs the bar loop on a
// background goroutine until Stop is called or the feed reports
// end-of-stream on every symbol.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.State() != StateIdle && s.State() != StateStopped {
		return fmt.Errorf("scheduler: cannot start from state %s", s.State())
	}
	s.setState(StateStarting)

	if err := s.src.Connect(ctx); err != nil {
		s.fail(fmt.Errorf("scheduler: connect: %w", err))
		return s.lastErr
	}
	if err := s.src.Subscribe(ctx, s.cfg.Symbols, s.cfg.MinBarsForFeatures); err != nil {
		s.fail(fmt.Errorf("scheduler: subscribe: %w", err))
		return s.lastErr
	}

	s.stopCh = make(chan struct{})
	s.setState(StateRunning)

	// errgroup runs the bar loop as its only goroutine; Stop waits on it
	// through s.group.Wait.
	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	g.Go(func() error {
		s.run(gctx)
		return s.LastError()
	})
	return nil
}

// Stop transitions RUNNING->STOPPING and blocks until the in-flight bar
// completes and the loop exits, the engine's external stop() contract.
func (s *Scheduler) Stop() {
	if s.State() != StateRunning {
		return
	}
	s.setState(StateStopping)
	close(s.stopCh)
	_ = s.group.Wait()
	s.setState(StateStopped)
}

func (s *Scheduler) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// run is the single-threaded cooperative core. It polls subscribed
// symbols in a stable order each pass, processing any bar that arrives
// through the full per-tick pipeline before moving to the next symbol.
func (s *Scheduler) run(ctx context.Context) {
	symbols := append([]string(nil), s.cfg.Symbols...)
	sort.Strings(symbols)
	exhausted := map[string]bool{}

	for {
		if s.stopRequested() {
			logger.Infof("event=scheduler_stop_requested")
			return
		}
		select {
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		default:
		}

		allDone := true
		for _, sym := range symbols {
			if exhausted[sym] {
				continue
			}
			allDone = false

			if s.stopRequested() {
				return
			}

			bar, result, err := s.src.NextBar(ctx, sym, pollTimeout)
			switch result {
			case feed.ResultNone:
				continue
			case feed.ResultEndOfStream:
				exhausted[sym] = true
				continue
			case feed.ResultBar:
				if err != nil {
					// BadBar: logged and dropped, never used for pricing.
					logger.Errorf("event=bad_bar symbol=%s err=%v", sym, err)
					continue
				}
				s.processBar(ctx, sym, bar)
			}

			if sleep := feed.InterBarSleep(barInterval, s.cfg.Replay.ReplaySpeed); sleep > 0 {
				select {
				case <-time.After(sleep):
				case <-s.stopCh:
					return
				case <-ctx.Done():
					s.fail(ctx.Err())
					return
				}
			}
		}

		if allDone {
			logger.Infof("event=end_of_stream_all_symbols")
			s.shutdownFlat(ctx)
			s.setState(StateStopped)
			return
		}
	}
}

// processBar runs the 7-step per-tick pipeline for a single (symbol, bar):
// ingest, features, regime, mark/exit existing packages, hedge, arbitrate
// fresh intents through RiskGate, then dispatch to the broker.
func (s *Scheduler) processBar(ctx context.Context, symbol string, bar model.Bar) {
	// Step 2: defensive re-check even though the feed already guards this.
	if bar.Symbol != symbol {
		logger.Errorf("event=bad_bar symbol=%s got=%s", symbol, bar.Symbol)
		return
	}
	s.barCounter[symbol]++
	barIndex := s.barCounter[symbol]
	tradeDay := bar.Timestamp.Format("2006-01-02")

	if ms, ok := s.brk.(markSetter); ok {
		ms.SetBarClose(symbol, bar.Close)
	}

	// Step 3: push into the feature engine; skip everything downstream
	// until the warmup window has filled (Snapshot.Ready stays false).
	eng, ok := s.engines[symbol]
	if !ok {
		eng = features.NewEngine(features.MinBars + expiryLookahead)
		s.engines[symbol] = eng
	}
	snap := eng.Push(bar)
	if !snap.Ready {
		logger.Event(logger.Debug, "feature warmup", "symbol", symbol, "bars", eng.Len())
		return
	}

	// Step 4: attach microstructure, classify.
	micro := s.microFor(symbol, bar, snap)
	prevRegime := s.prevRegime[symbol]
	signal := s.classifier.Classify(symbol, bar.Timestamp, snap, micro, prevRegime)
	s.prevRegime[symbol] = signal.Regime

	if s.stopRequested() {
		return
	}

	// Step 5: mark, hedge, and exit every open package for this symbol.
	s.markHedgeAndExit(ctx, symbol, bar, signal, barIndex, tradeDay)

	if s.stopRequested() {
		return
	}

	// Step 6: gather fresh agent intents, arbitrate, dispatch.
	market := agents.MarketState{Spot: bar.Close}
	var intents []model.TradeIntent
	for _, a := range s.agentSet {
		intents = append(intents, a.Evaluate(signal, market)...)
	}
	final := meta.Decide(signal, intents, s.weights)
	s.dispatch(ctx, final, signal, bar, barIndex, tradeDay)

	// Step 7: bar-level telemetry.
	logger.Event(logger.Debug, "bar processed", "symbol", symbol, "regime", signal.Regime,
		"direction", signal.Direction, "confidence", fmt.Sprintf("%.2f", signal.Confidence))
}

func (s *Scheduler) markHedgeAndExit(ctx context.Context, symbol string, bar model.Bar, signal model.RegimeSignal, barIndex int64, tradeDay string) {
	iv := signal.Features["realized_vol"] // proxy; see microstructure.go
	for _, pkg := range s.optMgr.Packages() {
		if pkg.Symbol != symbol {
			continue
		}

		s.optMgr.CheckBroken(pkg, bar.Timestamp)
		if options.AutoExitDisabled(pkg) {
			continue
		}

		quotes := quoteAllLegs(pkg, bar.Close, iv, bar.Timestamp)
		if ms, ok := s.brk.(markSetter); ok {
			for contractSym, q := range quotes {
				ms.SetMark(contractSym, q.Mark)
			}
		}
		s.optMgr.Mark(pkg, quotes)

		if pkg.Strategy == model.StrategyGammaScalper {
			if err := s.hedger.Rebalance(ctx, pkg, barIndex, bar.Close, tradeDay); err != nil {
				logger.Errorf("event=hedge_rebalance_failed package=%s err=%v", pkg.PackageID, err)
			}
		}

		s.recordHedgeRow(pkg, bar, barIndex)

		if reason, fire := s.optMgr.EvaluateExit(pkg, signal); fire {
			if err := s.optMgr.Exit(ctx, pkg, reason, bar.Timestamp); err != nil {
				logger.Errorf("event=package_exit_failed package=%s err=%v", pkg.PackageID, err)
				continue
			}
			if err := s.hedger.FlattenAtExit(ctx, pkg, barIndex, bar.Close); err != nil {
				logger.Errorf("event=hedge_flatten_failed package=%s err=%v", pkg.PackageID, err)
			}
			s.writer.RecordTrade(ledger.TradeRecordFromPackage(pkg))
			s.riskGate.UpdateOnFill(s.riskState, pkg.RealizedPnL, tradeDay)
		}

		if err := s.hedger.CheckOrphan(ctx, pkg, barIndex, bar.Close); err != nil {
			logger.Errorf("event=orphan_check_failed package=%s err=%v", pkg.PackageID, err)
		}
	}
}

func quoteAllLegs(pkg *model.Package, spot, sigma float64, asOf time.Time) map[string]options.Quote {
	out := make(map[string]options.Quote, len(pkg.Legs))
	for _, leg := range pkg.Legs {
		out[leg.ContractSymbol] = options.QuoteFromBS(leg, spot, maxf(sigma, 0.05), asOf)
	}
	return out
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func (s *Scheduler) recordHedgeRow(pkg *model.Package, bar model.Bar, barIndex int64) {
	st := s.hedger.State(pkg.PackageID)
	netDelta := pkg.NetDelta()
	hedgeDelta := float64(st.CurrentShares)
	s.writer.RecordHedgeRow(ledger.HedgeTimelineRow{
		PackageID:      pkg.PackageID,
		BarIndex:       barIndex,
		Price:          bar.Close,
		NetOptionDelta: netDelta,
		HedgeShares:    st.CurrentShares,
		TotalDelta:     netDelta*100 + hedgeDelta,
		OptionsPnL:     pkg.UnrealizedPnL.InexactFloat64(),
		HedgePnL:       st.RealizedHedgePnL.Add(st.UnrealizedHedgePnL).InexactFloat64(),
		TotalPnL:       pkg.UnrealizedPnL.Add(st.RealizedHedgePnL).Add(st.UnrealizedHedgePnL).InexactFloat64(),
	})
}

// dispatch routes an arbitrated FinalIntent to whichever RiskGate entry
// point applies, then submits to the Broker or the options Manager.
func (s *Scheduler) dispatch(ctx context.Context, fi model.FinalIntent, signal model.RegimeSignal, bar model.Bar, barIndex int64, tradeDay string) {
	if fi.InstrumentKind == model.InstrumentOptionPackage {
		s.dispatchOptionPackage(ctx, fi, signal, bar, tradeDay)
		return
	}
	if fi.PositionDelta == 0 {
		return
	}

	acct := s.accountView(fi.Symbol)
	order, blk := s.riskGate.Size(fi, acct, s.riskState, signal, "", bar.Close)
	if blk != nil {
		logger.Event(logger.Debug, "intent blocked", "symbol", fi.Symbol, "reason", blk.Reason)
		return
	}
	order.ClientOrderID = broker.NewClientOrderID()

	res, err := s.brk.Submit(ctx, order)
	if err != nil {
		logger.Errorf("event=submit_failed symbol=%s err=%v", fi.Symbol, err)
		return
	}
	if res.Status != model.OrderFilled {
		logger.Event(logger.Info, "order not filled", "symbol", fi.Symbol, "status", res.Status)
		return
	}

	pos := s.brk.Positions()[fi.Symbol]
	last := s.lastRealizedPL[fi.Symbol]
	if !pos.RealizedPnL.Equal(last) {
		delta := pos.RealizedPnL.Sub(last)
		s.lastRealizedPL[fi.Symbol] = pos.RealizedPnL
		s.riskGate.UpdateOnFill(s.riskState, delta, tradeDay)
		s.writer.RecordTrade(ledger.TradeRecord{
			Kind:       "stock",
			Symbol:     fi.Symbol,
			EntryTime:  bar.Timestamp,
			ExitTime:   bar.Timestamp,
			EntryPrice: pos.AvgEntryPrice,
			ExitPrice:  res.FillPrice,
			PnL:        delta,
			ExitReason: "reduced",
		})
	}
}

func (s *Scheduler) dispatchOptionPackage(ctx context.Context, fi model.FinalIntent, signal model.RegimeSignal, bar model.Bar, tradeDay string) {
	if fi.OptionMeta == nil {
		return
	}
	notional := decimal.NewFromFloat(float64(fi.OptionMeta.Contracts) * 100 * bar.Close)
	acct := s.accountView(fi.Symbol)

	strategy := model.StrategyThetaHarvester
	if fi.OptionMeta.PackageKind == model.PackageStrangle {
		strategy = model.StrategyGammaScalper
	}

	if blk := s.riskGate.SizeOptionPackage(s.riskState, acct, signal, strategy, notional); blk != nil {
		logger.Event(logger.Debug, "package intent blocked", "symbol", fi.Symbol, "reason", blk.Reason)
		return
	}

	iv := signal.Features["realized_vol"]
	_, err := s.optMgr.Enter(ctx, fi, options.EntryParams{
		Spot:     bar.Close,
		IV:       maxf(iv, 0.05),
		Expiries: syntheticExpiries(bar.Timestamp, expiryLookahead),
		Now:      bar.Timestamp,
		Strategy: strategy,
	})
	if err != nil {
		logger.Errorf("event=package_enter_failed symbol=%s err=%v", fi.Symbol, err)
	}
}

// accountView reads position exposure from the broker but sources Equity
// from s.riskState.CurrentEquity rather than the broker's own Account():
// PaperBroker.applyFill only ever moves cash and position bookkeeping, it
// never marks Account.Equity to market, while riskState.CurrentEquity is
// kept current on every fill via riskGate.UpdateOnFill. The regime-cap/
// VaR-cap/symbol-cap sizing checks need the latter to reflect drawdowns
// and gains rather than staying pinned to starting capital.
func (s *Scheduler) accountView(symbol string) risk.Account {
	pos := s.brk.Positions()[symbol]
	hedgeShares := int64(0)
	for _, pkg := range s.optMgr.Packages() {
		if pkg.Symbol == symbol {
			hedgeShares += s.hedger.State(pkg.PackageID).CurrentShares
		}
	}
	return risk.Account{
		Equity:                 s.riskState.CurrentEquity,
		ExistingSymbolExposure: pos.AvgEntryPrice.Mul(decimal.NewFromInt(abs64(pos.Quantity))),
		ExistingQty:            pos.Quantity,
		ExistingHedgeShares:    hedgeShares,
	}
}

// shutdownFlat forces every still-open package and its hedge flat on
// EndOfStream, the engine's flat-everything-safely shutdown policy.
func (s *Scheduler) shutdownFlat(ctx context.Context) {
	for _, pkg := range s.optMgr.Packages() {
		if pkg.State == model.PackageClosed || pkg.State == model.PackageClosing {
			continue
		}
		barIndex := s.barCounter[pkg.Symbol]
		lastClose := 0.0
		if leg := firstLeg(pkg); leg != nil {
			lastClose = leg.LastMark.InexactFloat64()
		}
		if err := s.optMgr.Exit(ctx, pkg, options.ExitReason("SHUTDOWN"), time.Now().UTC()); err != nil {
			logger.Errorf("event=shutdown_exit_failed package=%s err=%v", pkg.PackageID, err)
			continue
		}
		if err := s.hedger.FlattenAtExit(ctx, pkg, barIndex, lastClose); err != nil {
			logger.Errorf("event=shutdown_flatten_failed package=%s err=%v", pkg.PackageID, err)
		}
		s.writer.RecordTrade(ledger.TradeRecordFromPackage(pkg))
	}
	if err := s.writer.Flush(); err != nil {
		logger.Errorf("event=ledger_flush_failed err=%v", err)
	}
}

func firstLeg(pkg *model.Package) *model.Leg {
	if len(pkg.Legs) == 0 {
		return nil
	}
	return pkg.Legs[0]
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
