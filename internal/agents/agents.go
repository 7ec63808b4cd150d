// Package agents implements the concrete strategy agents evaluated each
// bar. Each agent exposes a single evaluate capability — inheritance among
// agent "kinds" collapses to one interface tagged by AgentID/
// InstrumentKind, generalizing the per-strategy Config/ExitReason shape a
// strangle-strategy example uses into a family of stateless, pure
// evaluators.
package agents

import (
	"github.com/lattice-quant/regime-engine/internal/model"
)

// MarketState is the read-only market context an agent may consult beyond
// the RegimeSignal itself (current spot, for strike/DTE sizing).
type MarketState struct {
	Spot float64
}

// Agent proposes zero or more TradeIntents from a RegimeSignal. It must be
// pure with respect to its inputs — no side effects on shared engine state.
type Agent interface {
	ID() string
	Evaluate(signal model.RegimeSignal, market MarketState) []model.TradeIntent
}

// DirectionalAgent trades stock/single-option direction: long bias in
// TREND+UP above a confidence threshold, short in TREND+DOWN.
type DirectionalAgent struct {
	ConfidenceThreshold float64
}

func NewDirectionalAgent(threshold float64) *DirectionalAgent {
	return &DirectionalAgent{ConfidenceThreshold: threshold}
}

func (a *DirectionalAgent) ID() string { return "DIRECTIONAL" }

func (a *DirectionalAgent) Evaluate(signal model.RegimeSignal, _ MarketState) []model.TradeIntent {
	if signal.Regime != model.RegimeTrend || signal.Confidence < a.ConfidenceThreshold {
		return nil
	}
	switch signal.Direction {
	case model.DirectionUp:
		return []model.TradeIntent{{
			Symbol: signal.Symbol, AgentID: a.ID(), Direction: model.DirectionUp,
			Magnitude: signal.Confidence, Confidence: signal.Confidence,
			Reason: "trend_up", InstrumentKind: model.InstrumentStock,
		}}
	case model.DirectionDown:
		return []model.TradeIntent{{
			Symbol: signal.Symbol, AgentID: a.ID(), Direction: model.DirectionDown,
			Magnitude: signal.Confidence, Confidence: signal.Confidence,
			Reason: "trend_down", InstrumentKind: model.InstrumentStock,
		}}
	default:
		return nil
	}
}

// MeanReversionAgent fires in MEAN_REVERSION with an extreme VWAP
// deviation or RSI reading.
type MeanReversionAgent struct {
	VWAPDeviationThreshold float64
	RSIOverbought          float64
	RSIOversold            float64
}

func NewMeanReversionAgent() *MeanReversionAgent {
	return &MeanReversionAgent{VWAPDeviationThreshold: 0.02, RSIOverbought: 70, RSIOversold: 30}
}

func (a *MeanReversionAgent) ID() string { return "MEAN_REVERSION" }

func (a *MeanReversionAgent) Evaluate(signal model.RegimeSignal, _ MarketState) []model.TradeIntent {
	if signal.Regime != model.RegimeMeanReversion {
		return nil
	}
	vwapDev := signal.Features["vwap_deviation"]
	rsi := signal.Features["rsi"]

	extreme := vwapDev > a.VWAPDeviationThreshold || vwapDev < -a.VWAPDeviationThreshold ||
		rsi > a.RSIOverbought || rsi < a.RSIOversold
	if !extreme {
		return nil
	}

	dir := model.DirectionDown
	reason := "mean_reversion_fade_high"
	if vwapDev < 0 || rsi < a.RSIOversold {
		dir = model.DirectionUp
		reason = "mean_reversion_fade_low"
	}
	return []model.TradeIntent{{
		Symbol: signal.Symbol, AgentID: a.ID(), Direction: dir,
		Magnitude: signal.Confidence, Confidence: signal.Confidence,
		Reason: reason, InstrumentKind: model.InstrumentStock,
	}}
}

// VolatilityAgent fires on EXPANSION transitions.
type VolatilityAgent struct{}

func NewVolatilityAgent() *VolatilityAgent { return &VolatilityAgent{} }

func (a *VolatilityAgent) ID() string { return "VOLATILITY" }

func (a *VolatilityAgent) Evaluate(signal model.RegimeSignal, _ MarketState) []model.TradeIntent {
	if signal.Regime != model.RegimeExpansion {
		return nil
	}
	dir := model.DirectionUp
	if signal.Direction == model.DirectionDown {
		dir = model.DirectionDown
	}
	return []model.TradeIntent{{
		Symbol: signal.Symbol, AgentID: a.ID(), Direction: dir,
		Magnitude: signal.Confidence, Confidence: signal.Confidence,
		Reason: "expansion_breakout", InstrumentKind: model.InstrumentStock,
	}}
}

// ThetaHarvester proposes a SHORT STRADDLE when regime=COMPRESSION and
// iv_percentile>=0.70.
type ThetaHarvester struct {
	IVPercentileThreshold float64
	StrikeRule            string
	MinDTE, MaxDTE         int
	Contracts              int
}

func NewThetaHarvester() *ThetaHarvester {
	return &ThetaHarvester{IVPercentileThreshold: 0.70, StrikeRule: "ATM", MinDTE: 7, MaxDTE: 21, Contracts: 1}
}

func (a *ThetaHarvester) ID() string { return "THETA_HARVESTER" }

func (a *ThetaHarvester) Evaluate(signal model.RegimeSignal, _ MarketState) []model.TradeIntent {
	if signal.Regime != model.RegimeCompression {
		return nil
	}
	if !signal.IVPercentileKnown || signal.IVPercentile < a.IVPercentileThreshold {
		return nil
	}
	return []model.TradeIntent{{
		Symbol: signal.Symbol, AgentID: a.ID(), Direction: model.DirectionSideways,
		Magnitude: signal.Confidence, Confidence: signal.Confidence,
		Reason: "theta_compression_high_iv", InstrumentKind: model.InstrumentOptionPackage,
		OptionMeta: &model.OptionMeta{
			PackageKind: model.PackageStraddle, Side: model.SideShort,
			StrikeRule: a.StrikeRule, ExpiryMinDTE: a.MinDTE, ExpiryMaxDTE: a.MaxDTE,
			Contracts: a.Contracts,
		},
	}}
}

// GammaScalper proposes a LONG STRANGLE when gex_regime=NEGATIVE and
// iv_percentile<=0.30.
//
// Negative GEX is treated as a soft confidence modifier rather than a hard
// reject — the source material showed both interpretations; this is the
// soft-modifier reading (see the open question in the requirements doc).
type GammaScalper struct {
	IVPercentileThreshold float64
	CallStrikeRule        string
	PutStrikeRule         string
	MinDTE, MaxDTE        int
	Contracts             int
}

func NewGammaScalper() *GammaScalper {
	return &GammaScalper{
		IVPercentileThreshold: 0.30,
		CallStrikeRule:        "DELTA:0.25",
		PutStrikeRule:         "DELTA:0.25",
		MinDTE:                14, MaxDTE: 45, Contracts: 1,
	}
}

func (a *GammaScalper) ID() string { return "GAMMA_SCALPER" }

func (a *GammaScalper) Evaluate(signal model.RegimeSignal, _ MarketState) []model.TradeIntent {
	if signal.GEXRegime != model.GEXNegative {
		return nil
	}
	if !signal.IVPercentileKnown || signal.IVPercentile > a.IVPercentileThreshold {
		return nil
	}
	confidence := signal.Confidence
	if signal.GEXStrength > 0 {
		// Softer confidence boost with larger negative GEX magnitude,
		// capped so a single feature can't saturate confidence to 1.
		boost := signal.GEXStrength / (signal.GEXStrength + 1_000_000)
		confidence = clamp01(confidence + 0.2*boost)
	}
	return []model.TradeIntent{{
		Symbol: signal.Symbol, AgentID: a.ID(), Direction: model.DirectionSideways,
		Magnitude: confidence, Confidence: confidence,
		Reason: "gamma_negative_gex_low_iv", InstrumentKind: model.InstrumentOptionPackage,
		OptionMeta: &model.OptionMeta{
			PackageKind: model.PackageStrangle, Side: model.SideLong,
			StrikeRule: a.CallStrikeRule, ExpiryMinDTE: a.MinDTE, ExpiryMaxDTE: a.MaxDTE,
			Contracts: a.Contracts,
		},
	}}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// DefaultSet returns the full agent set in a stable order.
func DefaultSet() []Agent {
	return []Agent{
		NewDirectionalAgent(0.55),
		NewMeanReversionAgent(),
		NewVolatilityAgent(),
		NewThetaHarvester(),
		NewGammaScalper(),
	}
}
