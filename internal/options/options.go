// Package options implements the OptionsPackageManager: multi-leg package
// entry, per-bar marking, and strategy-specific exit rules, generalizing a
// single-scheduled-exit backtest's simCloseTrade/checkExits ordering into
// a live, idempotent package lifecycle with BROKEN-state recovery, which a
// one-shot backtest never needed.
package options

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lattice-quant/regime-engine/internal/broker"
	"github.com/lattice-quant/regime-engine/internal/config"
	"github.com/lattice-quant/regime-engine/internal/logger"
	"github.com/lattice-quant/regime-engine/internal/model"
	"github.com/lattice-quant/regime-engine/internal/pricing"
	"github.com/lattice-quant/regime-engine/internal/strike"
)

// ExitReason enumerates why a package closed, mirroring the typed
// ExitReason pattern from the strangler strategy example file.
type ExitReason string

const (
	ExitThetaTP50      ExitReason = "THETA_TP_50"
	ExitThetaSL200     ExitReason = "THETA_SL_200"
	ExitThetaIVCollapse ExitReason = "THETA_IV_COLLAPSE"
	ExitThetaRegimeLeft ExitReason = "THETA_REGIME_LEFT"
	ExitGammaTP150     ExitReason = "GAMMA_TP_150"
	ExitGammaSL50      ExitReason = "GAMMA_SL_50"
	ExitGammaGEXFlip   ExitReason = "GAMMA_GEX_FLIP"
	ExitGammaMaxHold   ExitReason = "GAMMA_MAX_HOLD"
)

// GammaMaxHoldBars is the default bar-count max-hold for GAMMA_SCALPER
// packages, overridable via config.GammaParams.MaxHoldBars. The limit is
// a bar count, not a time of day.
const GammaMaxHoldBars = 390

// BrokenLegTimeout bounds how long a package may sit with one leg filled
// and the other still PENDING before it is marked BROKEN.
const BrokenLegTimeout = 30 * time.Second

const riskFreeRate = 0.02

// LedgerRecord is one append-only trade-ledger row.
type LedgerRecord struct {
	PackageID   string
	Symbol      string
	Strategy    model.Strategy
	EntryTime   time.Time
	ExitTime    time.Time
	RealizedPnL decimal.Decimal
	ExitReason  string
}

// Manager owns the lifecycle of every open Package for the run. Consumers
// outside the manager hold only a package_id and look up through it,
// which avoids package<->legs<->hedge cyclic references.
type Manager struct {
	broker   broker.Broker
	packages map[string]*model.Package
	ledger   []LedgerRecord

	thetaTPPct, thetaSLPct, thetaIVCollapsePct float64
	gammaTPPct, gammaSLPct                     float64
	gammaMaxHoldBars                           int
	gammaGEXReversalThreshold                  float64
}

// NewManager constructs a Manager whose per-strategy exit thresholds come
// from sp (normally config.Config.StrategyParams, so operator-supplied
// tp_pct/sl_pct/iv_collapse_pct/max_hold_bars/gex_reversal_threshold values
// actually reach evaluateThetaExit/evaluateGammaExit instead of being
// shadowed by literals).
func NewManager(b broker.Broker, sp config.StrategyParams) *Manager {
	maxHold := sp.Gamma.MaxHoldBars
	if maxHold <= 0 {
		maxHold = GammaMaxHoldBars
	}
	return &Manager{
		broker:                     b,
		packages:                   map[string]*model.Package{},
		thetaTPPct:                 sp.Theta.TPPct,
		thetaSLPct:                 sp.Theta.SLPct,
		thetaIVCollapsePct:         sp.Theta.IVCollapsePct,
		gammaTPPct:                 sp.Gamma.TPPct,
		gammaSLPct:                 sp.Gamma.SLPct,
		gammaMaxHoldBars:           maxHold,
		gammaGEXReversalThreshold:  sp.Gamma.GEXReversalThreshold,
	}
}

// Packages returns the currently tracked packages, keyed by package_id.
func (m *Manager) Packages() map[string]*model.Package { return m.packages }

// PackageID derives the deterministic package_id as
// f(symbol,kind,side,call_strike,put_strike,expiry), so re-entering the
// same package from scratch never collides with or duplicates an
// existing one.
func PackageID(symbol string, kind model.PackageKind, side model.Side, callStrike, putStrike float64, expiry time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%.2f-%.2f-%s", symbol, kind, side, callStrike, putStrike, expiry.Format("20060102"))
}

// EntryParams bundles the market context package entry needs.
type EntryParams struct {
	Spot      float64
	IV        float64
	Expiries  []time.Time
	Now       time.Time
	Strategy  model.Strategy
}

// Enter resolves strikes/expiry for a package intent, submits both leg
// orders, and constructs the Package in OPEN state with both legs PENDING
// until their fills report. While any leg is
// PENDING or PARTIAL, auto-exit is disabled (callers must check
// AutoExitDisabled before evaluating exits).
func (m *Manager) Enter(ctx context.Context, fi model.FinalIntent, p EntryParams) (*model.Package, error) {
	om := fi.OptionMeta
	if om == nil {
		return nil, fmt.Errorf("options: FinalIntent missing option_meta")
	}

	expiry, err := strike.ResolveExpiration(p.Now, om.ExpiryMinDTE, om.ExpiryMaxDTE, p.Expiries)
	if err != nil {
		return nil, fmt.Errorf("options: %w", err)
	}
	T := expiry.Sub(p.Now).Hours() / 24 / 365.25

	callStrike, putStrike, err := resolveStraddleOrStrangle(om, p.Spot, p.IV, T)
	if err != nil {
		return nil, err
	}

	pkgID := PackageID(fi.Symbol, om.PackageKind, om.Side, callStrike, putStrike, expiry)
	if existing, ok := m.packages[pkgID]; ok {
		return existing, nil // idempotent re-entry on the same deterministic id
	}

	callLeg := &model.Leg{
		LegID: pkgID + "-CALL", ContractSymbol: contractSymbol(fi.Symbol, expiry, model.RightCall, callStrike),
		Right: model.RightCall, Strike: callStrike, Expiry: expiry, Side: om.Side,
		Quantity: om.Contracts, FillStatus: model.FillPending,
	}
	putLeg := &model.Leg{
		LegID: pkgID + "-PUT", ContractSymbol: contractSymbol(fi.Symbol, expiry, model.RightPut, putStrike),
		Right: model.RightPut, Strike: putStrike, Expiry: expiry, Side: om.Side,
		Quantity: om.Contracts, FillStatus: model.FillPending,
	}

	pkg := &model.Package{
		PackageID: pkgID, Symbol: fi.Symbol, Strategy: p.Strategy, Kind: om.PackageKind,
		Side: om.Side, Legs: []*model.Leg{callLeg, putLeg}, EntryTime: p.Now, EntryIV: p.IV,
		State: model.PackageOpen,
	}
	m.packages[pkgID] = pkg

	for _, leg := range pkg.Legs {
		if err := m.submitLegEntry(ctx, pkg, leg); err != nil {
			logger.Errorf("event=leg_submit_failed package=%s leg=%s err=%v", pkgID, leg.LegID, err)
		}
	}

	if allFilled(pkg) {
		m.finalizeEntry(pkg)
	}
	return pkg, nil
}

func resolveStraddleOrStrangle(om *model.OptionMeta, spot, iv, T float64) (callStrike, putStrike float64, err error) {
	callStrike, err = strike.ResolveStrike(om.StrikeRule, strike.Params{Spot: spot, IV: iv, RiskFree: riskFreeRate, T: T, IsCall: true})
	if err != nil {
		return 0, 0, fmt.Errorf("options: resolve call strike: %w", err)
	}
	putStrike, err = strike.ResolveStrike(om.StrikeRule, strike.Params{Spot: spot, IV: iv, RiskFree: riskFreeRate, T: T, IsCall: false})
	if err != nil {
		return 0, 0, fmt.Errorf("options: resolve put strike: %w", err)
	}
	if om.PackageKind == model.PackageStraddle {
		putStrike = callStrike
	}
	return callStrike, putStrike, nil
}

func contractSymbol(underlying string, expiry time.Time, right model.Right, strikePx float64) string {
	r := "C"
	if right == model.RightPut {
		r = "P"
	}
	return fmt.Sprintf("%s%s%s%08d", underlying, expiry.Format("060102"), r, int(strikePx*1000))
}

func (m *Manager) submitLegEntry(ctx context.Context, pkg *model.Package, leg *model.Leg) error {
	qty := int64(leg.Quantity)
	if leg.Side == model.SideShort {
		qty = -qty
	}
	order := model.Order{
		ClientOrderID: broker.NewClientOrderID(), Symbol: pkg.Symbol, ContractSymbol: leg.ContractSymbol,
		Quantity: qty, InstrumentKind: model.InstrumentOptionSingle, Reason: "package_entry:" + string(pkg.Strategy),
	}
	res, err := m.broker.Submit(ctx, order)
	if err != nil {
		return err
	}
	switch res.Status {
	case model.OrderFilled:
		leg.FillStatus = model.FillFilled
		leg.AvgEntryPrice = res.FillPrice
		leg.LastMark = res.FillPrice
	case model.OrderPartial:
		leg.FillStatus = model.FillPartial
	default:
		leg.FillStatus = model.FillRejected
	}
	return nil
}

func allFilled(pkg *model.Package) bool {
	for _, leg := range pkg.Legs {
		if leg.FillStatus != model.FillFilled {
			return false
		}
	}
	return true
}

// AutoExitDisabled reports whether exit evaluation must be skipped this
// bar: any PENDING/PARTIAL leg, or a BROKEN package.
func AutoExitDisabled(pkg *model.Package) bool {
	if pkg.State == model.PackageBroken || pkg.State == model.PackageClosing || pkg.State == model.PackageClosed {
		return true
	}
	for _, leg := range pkg.Legs {
		if leg.FillStatus == model.FillPending || leg.FillStatus == model.FillPartial {
			return true
		}
	}
	return false
}

// finalizeEntry computes entry_credit_or_debit once both legs report
// FILLED, and flags the package BROKEN if the actual credit/debit diverges
// from the expected by more than 10%.
func (m *Manager) finalizeEntry(pkg *model.Package) {
	credit := decimal.Zero
	for _, leg := range pkg.Legs {
		sign := decimal.NewFromFloat(leg.Side.SignOf())
		credit = credit.Add(sign.Mul(leg.AvgEntryPrice).Mul(decimal.NewFromInt(int64(leg.Quantity))).Mul(decimal.NewFromInt(100)))
	}
	pkg.EntryCreditOrDebit = credit

	if !pkg.ExpectedCreditOrDebit.IsZero() {
		diff := credit.Sub(pkg.ExpectedCreditOrDebit).Abs()
		tolerance := pkg.ExpectedCreditOrDebit.Abs().Mul(decimal.NewFromFloat(0.10))
		if diff.GreaterThan(tolerance) {
			pkg.State = model.PackageBroken
			logger.Errorf("event=package_broken package=%s reason=credit_debit_mismatch expected=%s actual=%s", pkg.PackageID, pkg.ExpectedCreditOrDebit, credit)
			return
		}
	}
	logger.Event(logger.Info, "package entered", "package_id", pkg.PackageID, "strategy", pkg.Strategy, "credit_or_debit", credit.String())
}

// CheckBroken detects a half-filled package stuck past BrokenLegTimeout:
// one leg filled, the other rejected or still pending/partial after the
// timeout. Disables auto-exit and leaves recovery to the operator.
func (m *Manager) CheckBroken(pkg *model.Package, now time.Time) {
	if pkg.State != model.PackageOpen {
		return
	}
	oneFilled, oneStuck := false, false
	for _, leg := range pkg.Legs {
		switch leg.FillStatus {
		case model.FillFilled:
			oneFilled = true
		case model.FillRejected:
			oneStuck = true
		case model.FillPending, model.FillPartial:
			if now.Sub(pkg.EntryTime) > BrokenLegTimeout {
				oneStuck = true
			}
		}
	}
	if oneFilled && oneStuck {
		pkg.State = model.PackageBroken
		logger.Errorf("event=package_broken package=%s reason=half_filled_timeout", pkg.PackageID)
	}
}

// Mark refetches greeks/mark for every leg and recomputes unrealized P&L.
// Quote supplies (mark, delta, gamma, theta, vega, iv) for a contract
// symbol; the caller (Scheduler) is responsible for sourcing it, keeping
// this package free of a feed/data dependency.
type Quote struct {
	Mark  decimal.Decimal
	Delta, Gamma, Theta, Vega, IV float64
}

func (m *Manager) Mark(pkg *model.Package, quotes map[string]Quote) {
	total := decimal.Zero
	for _, leg := range pkg.Legs {
		q, ok := quotes[leg.ContractSymbol]
		if !ok {
			continue
		}
		leg.LastMark = q.Mark
		leg.Delta, leg.Gamma, leg.Theta, leg.Vega, leg.IV = q.Delta, q.Gamma, q.Theta, q.Vega, q.IV

		sign := decimal.NewFromFloat(leg.Side.SignOf())
		entryValue := sign.Mul(leg.AvgEntryPrice).Mul(decimal.NewFromInt(int64(leg.Quantity))).Mul(decimal.NewFromInt(100))
		currentValue := sign.Mul(q.Mark).Mul(decimal.NewFromInt(int64(leg.Quantity))).Mul(decimal.NewFromInt(100))
		leg.UnrealizedPnL = currentValue.Sub(entryValue)
		total = total.Add(leg.UnrealizedPnL)
	}
	pkg.UnrealizedPnL = total
	pkg.BarsHeld++
}

// QuoteFromBS is a convenience for callers without a live options quote
// feed: it derives a Quote purely from Black-Scholes given a spot and a
// flat volatility, the engine's BS-fallback pricing policy.
func QuoteFromBS(leg *model.Leg, spot, sigma float64, asOf time.Time) Quote {
	T := leg.Expiry.Sub(asOf).Hours() / 24 / 365.25
	if T < 0 {
		T = 0
	}
	isCall := leg.Right == model.RightCall
	price := pricing.BlackScholesPrice(isCall, spot, leg.Strike, T, riskFreeRate, sigma)
	return Quote{
		Mark:  decimal.NewFromFloat(price),
		Delta: pricing.Delta(isCall, spot, leg.Strike, T, riskFreeRate, sigma),
		Gamma: pricing.Gamma(spot, leg.Strike, T, riskFreeRate, sigma),
		Theta: pricing.Theta(isCall, spot, leg.Strike, T, riskFreeRate, sigma),
		IV:    sigma,
	}
}

// EvaluateExit applies the per-strategy exit rules in order, first match
// wins. It returns ("", false) when no rule fires. Idempotent: once a
// package is CLOSING/CLOSED, callers should not call this again
// (AutoExitDisabled already guards that).
func (m *Manager) EvaluateExit(pkg *model.Package, signal model.RegimeSignal) (ExitReason, bool) {
	switch pkg.Strategy {
	case model.StrategyThetaHarvester:
		return m.evaluateThetaExit(pkg, signal)
	case model.StrategyGammaScalper:
		return m.evaluateGammaExit(pkg, signal)
	default:
		return "", false
	}
}

func (m *Manager) evaluateThetaExit(pkg *model.Package, signal model.RegimeSignal) (ExitReason, bool) {
	credit := pkg.EntryCreditOrDebit
	if credit.IsZero() {
		return "", false
	}
	pnlPct := pkg.UnrealizedPnL.Div(credit.Abs())
	if pnlPct.GreaterThanOrEqual(decimal.NewFromFloat(m.thetaTPPct)) {
		return ExitThetaTP50, true
	}
	if pnlPct.LessThanOrEqual(decimal.NewFromFloat(-m.thetaSLPct)) {
		return ExitThetaSL200, true
	}
	if pkg.EntryIV > 0 && signal.Features["realized_vol"] > 0 {
		ivDrop := (pkg.EntryIV - signal.Features["realized_vol"]) / pkg.EntryIV
		if ivDrop >= m.thetaIVCollapsePct {
			return ExitThetaIVCollapse, true
		}
	}
	if signal.Regime != model.RegimeCompression {
		return ExitThetaRegimeLeft, true
	}
	return "", false
}

func (m *Manager) evaluateGammaExit(pkg *model.Package, signal model.RegimeSignal) (ExitReason, bool) {
	debit := pkg.EntryCreditOrDebit
	if debit.IsZero() {
		return "", false
	}
	pnlPct := pkg.UnrealizedPnL.Div(debit.Abs())
	if pnlPct.GreaterThanOrEqual(decimal.NewFromFloat(m.gammaTPPct)) {
		return ExitGammaTP150, true
	}
	if pnlPct.LessThanOrEqual(decimal.NewFromFloat(-m.gammaSLPct)) {
		return ExitGammaSL50, true
	}
	if signal.GEXRegime == model.GEXPositive && signal.GEXStrength >= m.gammaGEXReversalThreshold {
		return ExitGammaGEXFlip, true
	}
	if pkg.BarsHeld >= m.gammaMaxHoldBars {
		return ExitGammaMaxHold, true
	}
	return "", false
}

// Exit submits closing orders for both legs and, once both report closed,
// computes realized P&L and appends the ledger record. Exit is idempotent:
// once state is CLOSING, a repeated call is a no-op.
func (m *Manager) Exit(ctx context.Context, pkg *model.Package, reason ExitReason, now time.Time) error {
	if pkg.State == model.PackageClosing || pkg.State == model.PackageClosed {
		return nil
	}
	pkg.State = model.PackageClosing
	pkg.ExitReason = string(reason)

	realized := decimal.Zero
	for _, leg := range pkg.Legs {
		qty := int64(leg.Quantity)
		if leg.Side == model.SideLong {
			qty = -qty // closing a long leg sells it
		}
		order := model.Order{
			ClientOrderID: broker.NewClientOrderID(), Symbol: pkg.Symbol, ContractSymbol: leg.ContractSymbol,
			Quantity: qty, InstrumentKind: model.InstrumentOptionSingle, Reason: "package_exit:" + string(reason),
		}
		res, err := m.broker.Submit(ctx, order)
		if err != nil {
			logger.Errorf("event=exit_submit_failed package=%s leg=%s err=%v", pkg.PackageID, leg.LegID, err)
			continue
		}
		if res.Status == model.OrderFilled {
			sign := decimal.NewFromFloat(leg.Side.SignOf())
			entryValue := sign.Mul(leg.AvgEntryPrice).Mul(decimal.NewFromInt(int64(leg.Quantity))).Mul(decimal.NewFromInt(100))
			exitValue := sign.Mul(res.FillPrice).Mul(decimal.NewFromInt(int64(leg.Quantity))).Mul(decimal.NewFromInt(100))
			leg.RealizedPnL = exitValue.Sub(entryValue)
			realized = realized.Add(leg.RealizedPnL)
		}
	}

	pkg.RealizedPnL = realized
	pkg.State = model.PackageClosed
	exitTime := now
	pkg.ExitTime = &exitTime

	m.ledger = append(m.ledger, LedgerRecord{
		PackageID: pkg.PackageID, Symbol: pkg.Symbol, Strategy: pkg.Strategy,
		EntryTime: pkg.EntryTime, ExitTime: now, RealizedPnL: realized, ExitReason: string(reason),
	})
	logger.Event(logger.Info, "package closed", "package_id", pkg.PackageID, "reason", reason, "realized_pnl", realized.String())
	return nil
}

// Ledger returns the append-only trade ledger accumulated so far.
func (m *Manager) Ledger() []LedgerRecord { return append([]LedgerRecord(nil), m.ledger...) }
