package meta

import (
	"testing"

	"github.com/lattice-quant/regime-engine/internal/model"
)

func TestDecide_NoQualifyingIntentHolds(t *testing.T) {
	w := DefaultWeights()
	signal := model.RegimeSignal{Symbol: "SPY"}
	intents := []model.TradeIntent{{Symbol: "SPY", AgentID: "a", Confidence: 0.01, Direction: model.DirectionUp, Magnitude: 1}}
	fin := Decide(signal, intents, w)
	if fin.PositionDelta != 0 || fin.Reason != "no_qualifying_intent" {
		t.Fatalf("expected a hold with no_qualifying_intent, got %+v", fin)
	}
}

func TestDecide_SingleIntentPassesThrough(t *testing.T) {
	w := DefaultWeights()
	signal := model.RegimeSignal{Symbol: "SPY", Regime: model.RegimeTrend, Volatility: model.VolMedium}
	intents := []model.TradeIntent{{Symbol: "SPY", AgentID: "trend", Confidence: 0.9, Direction: model.DirectionUp, Magnitude: 1.0}}
	fin := Decide(signal, intents, w)
	if fin.PositionDelta != 1.0 {
		t.Fatalf("expected position delta 1.0, got %v", fin.PositionDelta)
	}
	if fin.PrimaryAgent != "trend" {
		t.Fatalf("expected primary agent trend, got %v", fin.PrimaryAgent)
	}
}

func TestDecide_SidewaysDirectionZeroesDelta(t *testing.T) {
	w := DefaultWeights()
	signal := model.RegimeSignal{Symbol: "SPY"}
	intents := []model.TradeIntent{{
		Symbol: "SPY", AgentID: "theta", Confidence: 0.9, Direction: model.DirectionSideways,
		Magnitude: 1.0, InstrumentKind: model.InstrumentOptionPackage,
		OptionMeta: &model.OptionMeta{PackageKind: model.PackageStraddle, Contracts: 2},
	}}
	fin := Decide(signal, intents, w)
	if fin.PositionDelta != 0 {
		t.Fatalf("expected zero position delta for a sideways option-package intent, got %v", fin.PositionDelta)
	}
	if fin.OptionMeta == nil || fin.OptionMeta.Contracts != 2 {
		t.Fatalf("expected OptionMeta to carry through, got %+v", fin.OptionMeta)
	}
}

func TestDecide_BlendsCloseScoresSameDirection(t *testing.T) {
	w := DefaultWeights()
	signal := model.RegimeSignal{Symbol: "SPY", Regime: model.RegimeTrend, Volatility: model.VolMedium}
	intents := []model.TradeIntent{
		{Symbol: "SPY", AgentID: "a", Confidence: 0.9, Direction: model.DirectionUp, Magnitude: 1.0},
		{Symbol: "SPY", AgentID: "b", Confidence: 0.88, Direction: model.DirectionUp, Magnitude: 0.6},
	}
	fin := Decide(signal, intents, w)
	if fin.Reason != "blended" {
		t.Fatalf("expected blended reason, got %q", fin.Reason)
	}
	if len(fin.Contributors) != 2 {
		t.Fatalf("expected both agents as contributors, got %v", fin.Contributors)
	}
	if fin.PositionDelta <= 0.6 || fin.PositionDelta >= 1.0 {
		t.Fatalf("blended magnitude %v should land strictly between the two inputs", fin.PositionDelta)
	}
}

func TestDecide_OptionPackageNeverBlends(t *testing.T) {
	w := DefaultWeights()
	signal := model.RegimeSignal{Symbol: "SPY", Regime: model.RegimeTrend, Volatility: model.VolMedium}
	intents := []model.TradeIntent{
		{Symbol: "SPY", AgentID: "a", Confidence: 0.9, Direction: model.DirectionSideways, Magnitude: 1.0, InstrumentKind: model.InstrumentOptionPackage},
		{Symbol: "SPY", AgentID: "b", Confidence: 0.89, Direction: model.DirectionSideways, Magnitude: 0.5},
	}
	fin := Decide(signal, intents, w)
	if fin.Reason == "blended" {
		t.Fatal("option-package candidates must never be blended with another intent")
	}
	if len(fin.Contributors) != 1 {
		t.Fatalf("expected a single contributor, got %v", fin.Contributors)
	}
}

func TestDecide_HardBiasFiltersOpposingIntents(t *testing.T) {
	w := DefaultWeights()
	signal := model.RegimeSignal{Symbol: "SPY", Bias: model.BiasBullish, Confidence: 0.95}
	intents := []model.TradeIntent{
		{Symbol: "SPY", AgentID: "contrarian", Confidence: 0.9, Direction: model.DirectionDown, Magnitude: 1.0},
	}
	fin := Decide(signal, intents, w)
	if fin.Reason != "no_qualifying_intent" {
		t.Fatalf("expected the opposing-direction intent to be filtered under a strong bullish bias, got %+v", fin)
	}
}

func TestDecide_AgentWeightBreaksTie(t *testing.T) {
	w := DefaultWeights()
	w.AgentWeight["preferred"] = 2.0
	signal := model.RegimeSignal{Symbol: "SPY", Regime: model.RegimeTrend, Volatility: model.VolMedium}
	intents := []model.TradeIntent{
		{Symbol: "SPY", AgentID: "preferred", Confidence: 0.5, Direction: model.DirectionUp, Magnitude: 1.0},
		{Symbol: "SPY", AgentID: "other", Confidence: 0.5, Direction: model.DirectionDown, Magnitude: 1.0},
	}
	fin := Decide(signal, intents, w)
	if fin.PrimaryAgent != "preferred" {
		t.Fatalf("expected the higher-weighted agent to win, got %v", fin.PrimaryAgent)
	}
}
