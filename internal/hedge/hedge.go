// Package hedge implements the DeltaHedger: maintaining near-zero net
// delta on long-gamma packages by trading the underlying stock. The
// per-package bookkeeping shape is grounded on the hedge tracking example
// file, adapted from observing *other* wallets' hedges to managing the
// engine's own GAMMA_SCALPER packages. Hedger is synchronous: it runs no
// goroutines or channels and is called directly from the bar loop.
package hedge

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/lattice-quant/regime-engine/internal/broker"
	"github.com/lattice-quant/regime-engine/internal/logger"
	"github.com/lattice-quant/regime-engine/internal/model"
)

// Config is the delta_hedge configuration sub-section.
type Config struct {
	DeltaThreshold   float64 `json:"delta_threshold"`
	MinHedgeShares   int64   `json:"min_hedge_shares" validate:"gte=1"`
	CooldownBars     int64   `json:"cooldown_bars" validate:"gte=0"`
	MaxTradesPerDay  int     `json:"max_trades_per_day" validate:"gte=1"`
	MaxNotionalPerDay decimal.Decimal `json:"max_notional_per_day"`
	MaxOrphanBars    int64   `json:"max_orphan_bars" validate:"gte=1"`
	Enabled          bool    `json:"enabled"`
}

// DefaultConfig mirrors the engine's literal delta-hedge thresholds.
func DefaultConfig() Config {
	return Config{
		DeltaThreshold:    0,
		MinHedgeShares:    5,
		CooldownBars:      5,
		MaxTradesPerDay:   50,
		MaxNotionalPerDay: decimal.NewFromInt(100_000),
		MaxOrphanBars:     60,
		Enabled:           true,
	}
}

// Hedger owns HedgeState for every open long-gamma package. State is keyed
// by package_id and exists only while the package is OPEN.
type Hedger struct {
	cfg    Config
	broker broker.Broker
	states map[string]*model.HedgeState
}

func NewHedger(cfg Config, b broker.Broker) *Hedger {
	return &Hedger{cfg: cfg, broker: b, states: map[string]*model.HedgeState{}}
}

// State returns the HedgeState for a package, creating an empty one on
// first use.
func (h *Hedger) State(packageID string) *model.HedgeState {
	st, ok := h.states[packageID]
	if !ok {
		st = &model.HedgeState{PackageID: packageID}
		h.states[packageID] = st
	}
	return st
}

// Drop removes the HedgeState for a package once it is CLOSED and flat,
// matching the "HedgeState exists only while its package is OPEN"
// lifecycle rule.
func (h *Hedger) Drop(packageID string) { delete(h.states, packageID) }

// Rebalance applies one bar of the DeltaHedger contract for a single
// long-gamma package: target-share computation, minimum-size and cooldown
// suppression, then the daily trade-count and notional caps. barIndex is a
// monotonically increasing per-run bar counter used for the cooldown
// check. tradeDay resets the daily counters on change.
func (h *Hedger) Rebalance(ctx context.Context, pkg *model.Package, barIndex int64, barClose float64, tradeDay string) error {
	if !h.cfg.Enabled || pkg.Strategy != model.StrategyGammaScalper || pkg.State != model.PackageOpen {
		return nil
	}
	st := h.State(pkg.PackageID)
	h.resetDailyIfNeeded(st, tradeDay)

	target := -int64(roundHalfAwayFromZero(100 * pkg.NetDelta()))
	diff := target - st.CurrentShares

	if abs64(diff) < h.cfg.MinHedgeShares {
		return nil
	}
	if st.LastHedgeBar > 0 && barIndex-st.LastHedgeBar < h.cfg.CooldownBars {
		return nil
	}
	if st.HedgeTradesToday >= h.cfg.MaxTradesPerDay {
		logger.Event(logger.Error, "hedge trade cap reached", "package_id", pkg.PackageID, "trades_today", st.HedgeTradesToday)
		return nil
	}
	notional := decimal.NewFromFloat(float64(abs64(diff)) * barClose)
	if st.NotionalToday.Add(notional).GreaterThan(h.cfg.MaxNotionalPerDay) {
		logger.Event(logger.Error, "hedge notional cap reached", "package_id", pkg.PackageID, "notional_today", st.NotionalToday.String())
		return nil
	}

	return h.submit(ctx, pkg, st, diff, barClose, barIndex, false)
}

// FlattenAtExit forces the hedge to zero regardless of suppression rules,
// the action taken when a package closes: instructs the hedger to flatten
// any remaining shares for that package.
func (h *Hedger) FlattenAtExit(ctx context.Context, pkg *model.Package, barIndex int64, barClose float64) error {
	st := h.State(pkg.PackageID)
	diff := -st.CurrentShares
	if diff == 0 {
		h.Drop(pkg.PackageID)
		return nil
	}
	if err := h.submit(ctx, pkg, st, diff, barClose, barIndex, true); err != nil {
		return err
	}
	h.Drop(pkg.PackageID)
	return nil
}

// CheckOrphan flattens a package's residual hedge shares if the package is
// CLOSED and still carries shares past max_orphan_bars, emitting an
// ORPHAN alert.
func (h *Hedger) CheckOrphan(ctx context.Context, pkg *model.Package, barIndex int64, barClose float64) error {
	st, ok := h.states[pkg.PackageID]
	if !ok || st.CurrentShares == 0 {
		return nil
	}
	if pkg.State != model.PackageClosed {
		return nil
	}
	if barIndex-st.LastHedgeBar < h.cfg.MaxOrphanBars {
		return nil
	}
	pkg.Orphan = true
	logger.Errorf("event=hedge_orphan package=%s shares=%d", pkg.PackageID, st.CurrentShares)
	return h.FlattenAtExit(ctx, pkg, barIndex, barClose)
}

func (h *Hedger) submit(ctx context.Context, pkg *model.Package, st *model.HedgeState, diff int64, barClose float64, barIndex int64, isFlatten bool) error {
	order := model.Order{
		ClientOrderID: broker.NewClientOrderID(), Symbol: pkg.Symbol, Quantity: diff,
		InstrumentKind: model.InstrumentStock, Reason: "delta_hedge",
	}
	res, err := h.broker.Submit(ctx, order)
	if err != nil {
		return err
	}
	if res.Status != model.OrderFilled {
		logger.Errorf("event=hedge_order_not_filled package=%s status=%s", pkg.PackageID, res.Status)
		return nil
	}

	h.applyFill(st, diff, res.FillPrice)
	st.LastHedgeBar = barIndex
	st.HedgeTradesToday++
	st.NotionalToday = st.NotionalToday.Add(decimal.NewFromFloat(float64(abs64(diff)) * barClose))

	logger.Event(logger.Info, "hedge trade", "package_id", pkg.PackageID, "diff", diff, "shares_after", st.CurrentShares, "flatten", isFlatten)
	return nil
}

// applyFill updates current_shares, avg_share_price (weighted), and
// realized_hedge_pnl on reductions of absolute size.
func (h *Hedger) applyFill(st *model.HedgeState, diff int64, fillPrice decimal.Decimal) {
	before := st.CurrentShares
	after := before + diff

	increasing := abs64(after) > abs64(before) && sameSign(before, after)
	if increasing || before == 0 {
		totalCost := st.AvgSharePrice.Mul(decimal.NewFromInt(abs64(before))).Add(fillPrice.Mul(decimal.NewFromInt(abs64(diff))))
		totalShares := abs64(before) + abs64(diff)
		if totalShares > 0 {
			st.AvgSharePrice = totalCost.Div(decimal.NewFromInt(totalShares))
		}
	} else {
		reduceQty := abs64(diff)
		if reduceQty > abs64(before) {
			reduceQty = abs64(before)
		}
		sign := decimal.NewFromInt(1)
		if before < 0 {
			sign = decimal.NewFromInt(-1)
		}
		pnl := sign.Mul(fillPrice.Sub(st.AvgSharePrice)).Mul(decimal.NewFromInt(reduceQty))
		st.RealizedHedgePnL = st.RealizedHedgePnL.Add(pnl)
	}
	st.CurrentShares = after
}

func (h *Hedger) resetDailyIfNeeded(st *model.HedgeState, tradeDay string) {
	if st.TradeDay == tradeDay {
		return
	}
	st.TradeDay = tradeDay
	st.HedgeTradesToday = 0
	st.NotionalToday = decimal.Zero
}

func roundHalfAwayFromZero(v float64) float64 {
	if v >= 0 {
		return float64(int64(v + 0.5))
	}
	return float64(int64(v - 0.5))
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sameSign(a, b int64) bool {
	return (a >= 0) == (b >= 0)
}
