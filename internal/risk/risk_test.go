package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/lattice-quant/regime-engine/internal/model"
)

func freshState(equity float64) *model.RiskState {
	eq := decimal.NewFromFloat(equity)
	return &model.RiskState{
		StartingEquity: eq,
		CurrentEquity:  eq,
		MaxEquityHWM:   eq,
		KillSwitch:     model.KillSwitchOff,
	}
}

func baseSignal(regime model.Regime) model.RegimeSignal {
	return model.RegimeSignal{
		Regime:     regime,
		Volatility: model.VolMedium,
		Features:   map[string]float64{"realized_vol": 0.1},
	}
}

func TestSize_HardKillSwitchBlocksEverything(t *testing.T) {
	g := NewGate(DefaultConfig())
	rs := freshState(100000)
	rs.KillSwitch = model.KillSwitchHard

	fi := model.FinalIntent{Symbol: "SPY", PositionDelta: 1, Confidence: 1, InstrumentKind: model.InstrumentStock}
	_, blk := g.Size(fi, Account{Equity: rs.CurrentEquity}, rs, baseSignal(model.RegimeTrend), "", 100)
	if blk == nil || blk.Reason != "kill_switch_hard" {
		t.Fatalf("expected kill_switch_hard block, got %+v", blk)
	}
}

func TestSize_HoldIntentIsAlwaysBlocked(t *testing.T) {
	g := NewGate(DefaultConfig())
	rs := freshState(100000)
	fi := model.FinalIntent{Symbol: "SPY", PositionDelta: 0}
	_, blk := g.Size(fi, Account{Equity: rs.CurrentEquity}, rs, baseSignal(model.RegimeTrend), "", 100)
	if blk == nil || blk.Reason != "hold" {
		t.Fatalf("expected hold block, got %+v", blk)
	}
}

func TestSize_RegimeCapScalesDownLargeIntent(t *testing.T) {
	g := NewGate(DefaultConfig())
	rs := freshState(100000)
	// Compression caps exposure at 5% of equity; request a much larger slice.
	fi := model.FinalIntent{Symbol: "SPY", PositionDelta: 100, Confidence: 1, InstrumentKind: model.InstrumentStock}
	order, blk := g.Size(fi, Account{Equity: rs.CurrentEquity}, rs, baseSignal(model.RegimeCompression), "", 100)
	if blk != nil {
		t.Fatalf("unexpected block: %+v", blk)
	}
	notional := float64(order.Quantity) * 100
	cap := 100000 * 0.05
	if notional > cap+1e-6 {
		t.Fatalf("order notional %v exceeds regime cap %v", notional, cap)
	}
}

func TestSize_DailyLossLimitBlocksEntryButNotExit(t *testing.T) {
	g := NewGate(DefaultConfig())
	rs := freshState(100000)
	rs.DailyPnL = decimal.NewFromFloat(-4000) // breaches 3% of 100k

	entry := model.FinalIntent{Symbol: "SPY", PositionDelta: 10, Confidence: 1, InstrumentKind: model.InstrumentStock}
	_, blk := g.Size(entry, Account{Equity: rs.CurrentEquity}, rs, baseSignal(model.RegimeTrend), "", 100)
	if blk == nil || blk.Reason != "daily_loss_limit" {
		t.Fatalf("expected daily_loss_limit block on entry, got %+v", blk)
	}

	// An exit (opposite sign to existing position) must still proceed.
	exit := model.FinalIntent{Symbol: "SPY", PositionDelta: -10, Confidence: 1, InstrumentKind: model.InstrumentStock}
	_, blk = g.Size(exit, Account{Equity: rs.CurrentEquity, ExistingQty: 10}, rs, baseSignal(model.RegimeTrend), "", 100)
	if blk != nil {
		t.Fatalf("exit should not be blocked by daily loss limit, got %+v", blk)
	}
}

func TestSize_SymbolCapExhaustedBlocks(t *testing.T) {
	g := NewGate(DefaultConfig())
	rs := freshState(100000)
	acct := Account{Equity: rs.CurrentEquity, ExistingSymbolExposure: decimal.NewFromFloat(20000)} // at the 20% cap already
	fi := model.FinalIntent{Symbol: "SPY", PositionDelta: 10, Confidence: 1, InstrumentKind: model.InstrumentStock}
	_, blk := g.Size(fi, acct, rs, baseSignal(model.RegimeTrend), "", 100)
	if blk == nil || blk.Reason != "symbol_cap_exhausted" {
		t.Fatalf("expected symbol_cap_exhausted, got %+v", blk)
	}
}

func TestSize_DeltaCapBlocksOversizedProjection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeltaCapShares = 50
	g := NewGate(cfg)
	rs := freshState(1000000)
	acct := Account{Equity: rs.CurrentEquity, ExistingQty: 40}
	// 1% of $1M is $10k: inside the VaR cap, and 10,000 shares at $1,
	// far past the 50-share delta cap.
	fi := model.FinalIntent{Symbol: "SPY", PositionDelta: 1, Confidence: 1, InstrumentKind: model.InstrumentStock}
	_, blk := g.Size(fi, acct, rs, baseSignal(model.RegimeTrend), "", 1)
	if blk == nil || blk.Reason != "delta_cap_exceeded" {
		t.Fatalf("expected delta_cap_exceeded, got %+v", blk)
	}
}

func TestSizeOptionPackage_PassesWithinCaps(t *testing.T) {
	g := NewGate(DefaultConfig())
	rs := freshState(100000)
	acct := Account{Equity: rs.CurrentEquity}
	notional := decimal.NewFromFloat(2000)
	blk := g.SizeOptionPackage(rs, acct, baseSignal(model.RegimeTrend), model.StrategyThetaHarvester, notional)
	if blk != nil {
		t.Fatalf("expected no block for modest notional, got %+v", blk)
	}
}

func TestSizeOptionPackage_BlocksOverRegimeCap(t *testing.T) {
	g := NewGate(DefaultConfig())
	rs := freshState(100000)
	acct := Account{Equity: rs.CurrentEquity}
	// COMPRESSION caps at 5% of equity ($5000); request well above that.
	notional := decimal.NewFromFloat(50000)
	blk := g.SizeOptionPackage(rs, acct, baseSignal(model.RegimeCompression), model.StrategyThetaHarvester, notional)
	if blk == nil || blk.Reason != "regime_cap_exceeded" {
		t.Fatalf("expected regime_cap_exceeded, got %+v", blk)
	}
}

func TestSizeOptionPackage_DirectionSidewaysStillGated(t *testing.T) {
	// option-package FinalIntents always carry PositionDelta=0
	// (DirectionSideways), so SizeOptionPackage must gate on notional alone
	// rather than Size's dollars-to-qty path, which would always see a hold.
	g := NewGate(DefaultConfig())
	rs := freshState(100000)
	fi := model.FinalIntent{
		Symbol:         "SPY",
		PositionDelta:  0,
		InstrumentKind: model.InstrumentOptionPackage,
		OptionMeta:     &model.OptionMeta{PackageKind: model.PackageStraddle, Contracts: 5},
	}
	if fi.PositionDelta != 0 {
		t.Fatal("sanity: option package intents carry zero PositionDelta")
	}
	blk := g.SizeOptionPackage(rs, Account{Equity: rs.CurrentEquity}, baseSignal(model.RegimeTrend), model.StrategyThetaHarvester, decimal.NewFromFloat(1500))
	if blk != nil {
		t.Fatalf("expected pass, got %+v", blk)
	}
}

func TestUpdateOnFill_TripsSoftKillSwitchOnLossStreak(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLossStreak = 3
	g := NewGate(cfg)
	rs := freshState(100000)

	for i := 0; i < 3; i++ {
		g.UpdateOnFill(rs, decimal.NewFromFloat(-100), "2026-07-29")
	}
	if rs.KillSwitch != model.KillSwitchSoft {
		t.Fatalf("expected soft kill switch after loss streak, got %v", rs.KillSwitch)
	}
}

func TestUpdateOnFill_TripsHardKillSwitchOnDrawdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDrawdownPct = 0.10
	g := NewGate(cfg)
	rs := freshState(100000)

	g.UpdateOnFill(rs, decimal.NewFromFloat(-15000), "2026-07-29")
	if rs.KillSwitch != model.KillSwitchHard {
		t.Fatalf("expected hard kill switch after drawdown breach, got %v", rs.KillSwitch)
	}
}

func TestUpdateOnFill_ResetsDailyPnLOnNewTradeDay(t *testing.T) {
	g := NewGate(DefaultConfig())
	rs := freshState(100000)
	g.UpdateOnFill(rs, decimal.NewFromFloat(-500), "2026-07-28")
	if !rs.DailyPnL.Equal(decimal.NewFromFloat(-500)) {
		t.Fatalf("expected daily pnl -500, got %v", rs.DailyPnL)
	}
	g.UpdateOnFill(rs, decimal.NewFromFloat(200), "2026-07-29")
	if rs.TradeDay != "2026-07-29" {
		t.Fatalf("expected trade day rolled to 2026-07-29, got %v", rs.TradeDay)
	}
	if !rs.DailyPnL.Equal(decimal.NewFromFloat(200)) {
		t.Fatalf("expected daily pnl reset then credited 200, got %v", rs.DailyPnL)
	}
}
