package hedge

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/lattice-quant/regime-engine/internal/broker"
	"github.com/lattice-quant/regime-engine/internal/model"
)

func gammaPackage(netDeltaPerContract float64) *model.Package {
	return &model.Package{
		PackageID: "pkg-1",
		Symbol:    "SPY",
		Strategy:  model.StrategyGammaScalper,
		State:     model.PackageOpen,
		Legs: []*model.Leg{
			{Side: model.SideLong, Quantity: 1, Delta: netDeltaPerContract},
		},
	}
}

func TestRebalance_IgnoresNonGammaScalper(t *testing.T) {
	b := broker.NewPaperBroker(decimal.NewFromFloat(100000), 0)
	b.SetBarClose("SPY", 100)
	h := NewHedger(DefaultConfig(), b)

	pkg := gammaPackage(0.5)
	pkg.Strategy = model.StrategyThetaHarvester
	if err := h.Rebalance(context.Background(), pkg, 1, 100, "2026-07-29"); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if h.State(pkg.PackageID).CurrentShares != 0 {
		t.Fatal("theta harvester packages must never be hedged")
	}
}

func TestRebalance_TradesWhenAboveMinHedgeShares(t *testing.T) {
	b := broker.NewPaperBroker(decimal.NewFromFloat(100000), 0)
	b.SetBarClose("SPY", 100)
	cfg := DefaultConfig()
	cfg.MinHedgeShares = 1
	cfg.CooldownBars = 0
	h := NewHedger(cfg, b)

	pkg := gammaPackage(0.5) // net delta 0.5 -> target -50 shares
	if err := h.Rebalance(context.Background(), pkg, 1, 100, "2026-07-29"); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	st := h.State(pkg.PackageID)
	if st.CurrentShares != -50 {
		t.Fatalf("current shares = %d, want -50", st.CurrentShares)
	}
	if st.HedgeTradesToday != 1 {
		t.Fatalf("hedge trades today = %d, want 1", st.HedgeTradesToday)
	}
}

func TestRebalance_SkipsBelowMinHedgeShares(t *testing.T) {
	b := broker.NewPaperBroker(decimal.NewFromFloat(100000), 0)
	b.SetBarClose("SPY", 100)
	cfg := DefaultConfig()
	cfg.MinHedgeShares = 100
	h := NewHedger(cfg, b)

	pkg := gammaPackage(0.01) // target -1 share, below MinHedgeShares
	if err := h.Rebalance(context.Background(), pkg, 1, 100, "2026-07-29"); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if h.State(pkg.PackageID).CurrentShares != 0 {
		t.Fatal("expected no hedge trade below min_hedge_shares threshold")
	}
}

func TestRebalance_RespectsCooldown(t *testing.T) {
	b := broker.NewPaperBroker(decimal.NewFromFloat(100000), 0)
	b.SetBarClose("SPY", 100)
	cfg := DefaultConfig()
	cfg.MinHedgeShares = 1
	cfg.CooldownBars = 10
	h := NewHedger(cfg, b)

	pkg := gammaPackage(0.5)
	if err := h.Rebalance(context.Background(), pkg, 1, 100, "2026-07-29"); err != nil {
		t.Fatal(err)
	}
	firstShares := h.State(pkg.PackageID).CurrentShares
	if firstShares != -50 {
		t.Fatalf("first rebalance: current shares = %d, want -50", firstShares)
	}

	pkg.Legs[0].Delta = 0.9 // would otherwise trigger another trade
	if err := h.Rebalance(context.Background(), pkg, 2, 100, "2026-07-29"); err != nil {
		t.Fatal(err)
	}
	if h.State(pkg.PackageID).CurrentShares != firstShares {
		t.Fatal("rebalance should be suppressed within the cooldown window")
	}
}

func TestFlattenAtExit_ZerosAndDropsState(t *testing.T) {
	b := broker.NewPaperBroker(decimal.NewFromFloat(100000), 0)
	b.SetBarClose("SPY", 100)
	cfg := DefaultConfig()
	cfg.MinHedgeShares = 1
	cfg.CooldownBars = 0
	h := NewHedger(cfg, b)

	pkg := gammaPackage(0.5)
	if err := h.Rebalance(context.Background(), pkg, 1, 100, "2026-07-29"); err != nil {
		t.Fatal(err)
	}
	if h.State(pkg.PackageID).CurrentShares == 0 {
		t.Fatal("expected a hedge position to flatten")
	}
	if err := h.FlattenAtExit(context.Background(), pkg, 2, 100); err != nil {
		t.Fatalf("flatten: %v", err)
	}
	// After Drop, State() recreates a fresh zeroed entry rather than
	// resurrecting the flattened one.
	if h.State(pkg.PackageID).CurrentShares != 0 {
		t.Fatal("expected flattened hedge state to be dropped")
	}
}

func TestCheckOrphan_FlattensStaleClosedPackage(t *testing.T) {
	b := broker.NewPaperBroker(decimal.NewFromFloat(100000), 0)
	b.SetBarClose("SPY", 100)
	cfg := DefaultConfig()
	cfg.MinHedgeShares = 1
	cfg.CooldownBars = 0
	cfg.MaxOrphanBars = 5
	h := NewHedger(cfg, b)

	pkg := gammaPackage(0.5)
	if err := h.Rebalance(context.Background(), pkg, 1, 100, "2026-07-29"); err != nil {
		t.Fatal(err)
	}
	pkg.State = model.PackageClosed

	if err := h.CheckOrphan(context.Background(), pkg, 3, 100); err != nil {
		t.Fatal(err)
	}
	if pkg.Orphan {
		t.Fatal("orphan should not trip before max_orphan_bars elapses")
	}

	if err := h.CheckOrphan(context.Background(), pkg, 10, 100); err != nil {
		t.Fatal(err)
	}
	if !pkg.Orphan {
		t.Fatal("expected orphan flag once max_orphan_bars elapses with shares still open")
	}
	if h.State(pkg.PackageID).CurrentShares != 0 {
		t.Fatal("expected orphan check to flatten residual shares")
	}
}
