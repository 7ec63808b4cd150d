// Package risk implements the RiskGate: the single place a FinalIntent is
// converted into a sized Order or a Block. The ordered hard-block-then-
// scale pipeline is grounded on the polybot risk gate's circuit-breaker/
// daily-loss/cooldown chain, regeneralized to this engine's
// regime/$-cap/VaR/symbol-cap pipeline.
package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/lattice-quant/regime-engine/internal/logger"
	"github.com/lattice-quant/regime-engine/internal/model"
)

// Config is the risk sub-section of the engine configuration.
type Config struct {
	DailyLossPct    float64 `json:"daily_loss_pct" validate:"gt=0,lt=1"`
	MaxDrawdownPct  float64 `json:"max_drawdown_pct" validate:"gt=0,lt=1"`
	MaxLossStreak   int     `json:"max_loss_streak" validate:"gt=0"`
	RegimeCaps      map[model.Regime]float64 `json:"regime_caps"`
	VarPct          float64 `json:"var_pct" validate:"gt=0,lt=1"`
	SymbolCapPct    float64 `json:"symbol_cap_pct" validate:"gt=0,lt=1"`
	Lot             int64   `json:"lot" validate:"gte=1"`
	DeltaCapShares  int64   `json:"delta_cap_shares"`
}

// DefaultConfig mirrors the engine's example regime caps: 5% in
// COMPRESSION, 15% in TREND.
func DefaultConfig() Config {
	return Config{
		DailyLossPct:   0.03,
		MaxDrawdownPct: 0.20,
		MaxLossStreak:  5,
		RegimeCaps: map[model.Regime]float64{
			model.RegimeCompression:   0.05,
			model.RegimeTrend:         0.15,
			model.RegimeExpansion:     0.10,
			model.RegimeMeanReversion: 0.08,
		},
		VarPct:         0.02,
		SymbolCapPct:   0.20,
		Lot:            1,
		DeltaCapShares: 10000,
	}
}

func (c Config) regimeCap(r model.Regime) float64 {
	if v, ok := c.RegimeCaps[r]; ok {
		return v
	}
	return 0.05
}

// Gate is the RiskGate. It holds only configuration; RiskState is owned and
// mutated by the caller (the Scheduler), keeping a single pipeline owner
// for all mutable risk state.
type Gate struct {
	cfg Config
}

func NewGate(cfg Config) *Gate { return &Gate{cfg: cfg} }

// IsEntry reports whether a FinalIntent represents opening/increasing
// exposure, as opposed to flattening/reducing it. Entries are the only
// thing a daily-loss or soft kill-switch block may stop; a hard kill
// switch blocks exits too.
func IsEntry(fi model.FinalIntent, existingQty int64) bool {
	if fi.PositionDelta == 0 {
		return false
	}
	if existingQty == 0 {
		return true
	}
	sameSign := (existingQty > 0) == (fi.PositionDelta > 0)
	return sameSign
}

// Account is the minimal account-state view the sizing pipeline consults.
type Account struct {
	Equity          decimal.Decimal
	ExistingSymbolExposure decimal.Decimal // current |$| exposure in this symbol
	ExistingQty     int64
	ExistingHedgeShares int64
}

// Size implements the RiskGate contract: size(final_intent, account,
// risk_state, signal) -> Order|Block. strategy identifies the caller for
// per-strategy daily-loss blocking via RiskState.blocks_by_strategy; pass
// "" for plain stock intents.
func (g *Gate) Size(fi model.FinalIntent, acct Account, rs *model.RiskState, signal model.RegimeSignal, strategy model.Strategy, barClose float64) (model.Order, *model.Block) {
	if fi.PositionDelta == 0 {
		return model.Order{}, &model.Block{Reason: "hold"}
	}

	isEntry := IsEntry(fi, acct.ExistingQty)

	// 1. Hard kill switch blocks everything.
	if rs.KillSwitch == model.KillSwitchHard {
		return block(rs, strategy, "kill_switch_hard")
	}

	// 2. Daily loss limit blocks entries only; exits always proceed.
	dailyLossLimit := acct.Equity.Mul(decimal.NewFromFloat(g.cfg.DailyLossPct)).Neg()
	if isEntry && rs.DailyPnL.LessThanOrEqual(dailyLossLimit) {
		return block(rs, strategy, "daily_loss_limit")
	}
	if rs.KillSwitch == model.KillSwitchSoft && isEntry {
		return block(rs, strategy, "kill_switch_soft")
	}

	// 3. Regime cap: dollar exposure <= equity * regime_cap_pct.
	regimeCapDollars := acct.Equity.Mul(decimal.NewFromFloat(g.cfg.regimeCap(signal.Regime)))
	dollars := acct.Equity.Mul(decimal.NewFromFloat(math.Abs(fi.PositionDelta))).Div(decimal.NewFromInt(100))
	if dollars.GreaterThan(regimeCapDollars) {
		dollars = regimeCapDollars
	}

	// 4. Volatility scaling.
	dollars = dollars.Mul(decimal.NewFromFloat(volScale(signal.Volatility)))

	// 5. Confidence scaling.
	dollars = dollars.Mul(decimal.NewFromFloat(fi.Confidence))

	// 6. VaR-like cap: reject (not scale) if estimated 1-day 95% VaR exceeds
	// equity * var_pct. We approximate VaR as 1.65 * realized_vol * dollars
	// (a standard parametric one-tailed 95% VaR).
	realizedVol := signal.Features["realized_vol"]
	estVaR := dollars.Mul(decimal.NewFromFloat(1.65 * realizedVol))
	varCap := acct.Equity.Mul(decimal.NewFromFloat(g.cfg.VarPct))
	if estVaR.GreaterThan(varCap) {
		return block(rs, strategy, "var_cap_exceeded")
	}

	// 7. Per-symbol exposure cap.
	symbolCap := acct.Equity.Mul(decimal.NewFromFloat(g.cfg.SymbolCapPct))
	remaining := symbolCap.Sub(acct.ExistingSymbolExposure)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	if dollars.GreaterThan(remaining) {
		dollars = remaining
	}
	if dollars.LessThanOrEqual(decimal.Zero) {
		return block(rs, strategy, "symbol_cap_exhausted")
	}

	// 8. Dollars to quantity.
	lot := g.cfg.Lot
	if lot < 1 {
		lot = 1
	}
	if barClose <= 0 {
		return block(rs, strategy, "invalid_bar_price")
	}
	qtyFloat := dollars.InexactFloat64() / barClose
	qty := int64(math.Floor(qtyFloat/float64(lot))) * lot
	if fi.PositionDelta < 0 {
		qty = -qty
	}
	if qty == 0 {
		return block(rs, strategy, "size_rounds_to_zero")
	}

	// Single-symbol delta cap across stock + hedge shares.
	projected := acct.ExistingQty + acct.ExistingHedgeShares + qty
	if g.cfg.DeltaCapShares > 0 && abs64(projected) > g.cfg.DeltaCapShares {
		return block(rs, strategy, "delta_cap_exceeded")
	}

	return model.Order{
		Symbol:         fi.Symbol,
		Quantity:       qty,
		InstrumentKind: fi.InstrumentKind,
		Reason:         fi.Reason,
	}, nil
}

// SizeOptionPackage gates an option-package entry via a separate dispatch
// path. Unlike Size, it never derives a quantity — the agent already fixed
// contracts via OptionMeta.Contracts — it only applies the hard-block,
// daily-loss, regime-cap, VaR-cap, and symbol-cap checks against an
// estimated notional, since a package's FinalIntent.PositionDelta is always
// 0 (its direction is SIDEWAYS) and so can't drive Size's dollars-to-qty
// path. notional is the caller's estimate of the package's dollar exposure
// (e.g. contracts * 100 * spot).
func (g *Gate) SizeOptionPackage(rs *model.RiskState, acct Account, signal model.RegimeSignal, strategy model.Strategy, notional decimal.Decimal) *model.Block {
	if rs.KillSwitch == model.KillSwitchHard {
		_, b := block(rs, strategy, "kill_switch_hard")
		return b
	}

	dailyLossLimit := acct.Equity.Mul(decimal.NewFromFloat(g.cfg.DailyLossPct)).Neg()
	if rs.DailyPnL.LessThanOrEqual(dailyLossLimit) {
		_, b := block(rs, strategy, "daily_loss_limit")
		return b
	}
	if rs.KillSwitch == model.KillSwitchSoft {
		_, b := block(rs, strategy, "kill_switch_soft")
		return b
	}

	regimeCapDollars := acct.Equity.Mul(decimal.NewFromFloat(g.cfg.regimeCap(signal.Regime)))
	if notional.GreaterThan(regimeCapDollars) {
		_, b := block(rs, strategy, "regime_cap_exceeded")
		return b
	}

	realizedVol := signal.Features["realized_vol"]
	estVaR := notional.Mul(decimal.NewFromFloat(1.65 * realizedVol))
	varCap := acct.Equity.Mul(decimal.NewFromFloat(g.cfg.VarPct))
	if estVaR.GreaterThan(varCap) {
		_, b := block(rs, strategy, "var_cap_exceeded")
		return b
	}

	symbolCap := acct.Equity.Mul(decimal.NewFromFloat(g.cfg.SymbolCapPct))
	if acct.ExistingSymbolExposure.Add(notional).GreaterThan(symbolCap) {
		_, b := block(rs, strategy, "symbol_cap_exhausted")
		return b
	}

	return nil
}

func block(rs *model.RiskState, strategy model.Strategy, reason string) (model.Order, *model.Block) {
	if rs.BlocksByStrategy == nil {
		rs.BlocksByStrategy = map[model.Strategy]string{}
	}
	rs.BlocksByStrategy[strategy] = reason
	logger.Event(logger.Info, "risk block", "strategy", strategy, "reason", reason)
	return model.Order{}, &model.Block{Reason: reason}
}

func volScale(v model.VolBucket) float64 {
	switch v {
	case model.VolLow:
		return 1.2
	case model.VolHigh:
		return 0.5
	default:
		return 1.0
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// UpdateOnFill folds a realized fill's P&L into RiskState, tracking
// consecutive losses and flipping the kill switch per MaxLossStreak /
// MaxDrawdownPct breaches.
func (g *Gate) UpdateOnFill(rs *model.RiskState, realizedPnL decimal.Decimal, tradeDay string) {
	if rs.TradeDay != tradeDay {
		rs.TradeDay = tradeDay
		rs.DayStartEquity = rs.CurrentEquity
		rs.DailyPnL = decimal.Zero
	}
	rs.CurrentEquity = rs.CurrentEquity.Add(realizedPnL)
	rs.DailyPnL = rs.DailyPnL.Add(realizedPnL)
	if rs.CurrentEquity.GreaterThan(rs.MaxEquityHWM) {
		rs.MaxEquityHWM = rs.CurrentEquity
	}

	if realizedPnL.IsNegative() {
		rs.ConsecutiveLosses++
	} else if realizedPnL.IsPositive() {
		rs.ConsecutiveLosses = 0
	}

	if rs.ConsecutiveLosses >= g.cfg.MaxLossStreak {
		rs.KillSwitch = model.KillSwitchSoft
		logger.Event(logger.Error, "kill switch engaged", "level", "soft", "reason", "loss_streak", "streak", rs.ConsecutiveLosses)
	}

	if rs.MaxEquityHWM.IsPositive() {
		drawdown := rs.MaxEquityHWM.Sub(rs.CurrentEquity).Div(rs.MaxEquityHWM)
		if drawdown.GreaterThanOrEqual(decimal.NewFromFloat(g.cfg.MaxDrawdownPct)) {
			rs.KillSwitch = model.KillSwitchHard
			logger.Event(logger.Error, "kill switch engaged", "level", "hard", "reason", "max_drawdown", "drawdown_pct", drawdown.String())
		}
	}
}
