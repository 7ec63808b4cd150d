// Package regime classifies a symbol's current feature snapshot into a
// RegimeSignal via a deterministic rule tree, with hysteresis to avoid
// flapping between adjacent regimes on noisy bars.
package regime

import (
	"time"

	"github.com/lattice-quant/regime-engine/internal/features"
	"github.com/lattice-quant/regime-engine/internal/model"
)

// Microstructure carries the fields the Scheduler attaches from outside
// the classifier: GEX regime/strength and IV percentile are computed
// elsewhere and passed in, never derived by Classify itself.
type Microstructure struct {
	GEXRegime         model.GEXRegime
	GEXStrength       float64
	IVPercentile      float64
	IVPercentileKnown bool
}

// Classifier maps a feature snapshot plus microstructure into a
// RegimeSignal. It may be swapped for a probabilistic (HMM-like)
// implementation without changing RegimeSignal's schema.
type Classifier interface {
	Classify(symbol string, barTime time.Time, snap features.Snapshot, micro Microstructure, prevRegime model.Regime) model.RegimeSignal
}

// RuleTree is the deterministic default Classifier.
type RuleTree struct {
	// TrendADXThreshold is set by NewRuleTree but not read by Classify;
	// the TREND score scales ADX against 50 instead.
	TrendADXThreshold float64
	// VolBaseline is the "typical" realized vol that the COMPRESSION and
	// EXPANSION scores and the volatility bucket are measured against. The
	// volatility bucket treats a non-positive value as 0.20; the regime
	// scores do not.
	VolBaseline float64
}

// NewRuleTree returns a RuleTree with the engine's suggested defaults.
func NewRuleTree() *RuleTree {
	return &RuleTree{TrendADXThreshold: 25, VolBaseline: 0.20}
}

// Classify implements Classifier.
func (rt *RuleTree) Classify(symbol string, barTime time.Time, snap features.Snapshot, micro Microstructure, prevRegime model.Regime) model.RegimeSignal {
	sig := model.RegimeSignal{
		Symbol:            symbol,
		BarTimestamp:      barTime,
		GEXRegime:         micro.GEXRegime,
		GEXStrength:       micro.GEXStrength,
		IVPercentile:      micro.IVPercentile,
		IVPercentileKnown: micro.IVPercentileKnown,
		Features:          snap.Extra,
	}
	if sig.Features == nil {
		sig.Features = map[string]float64{}
	}
	sig.Features["ema_short"] = snap.EMAShort
	sig.Features["ema_long"] = snap.EMALong
	sig.Features["rsi"] = snap.RSI
	sig.Features["atr"] = snap.ATR
	sig.Features["adx"] = snap.ADX
	sig.Features["vwap_deviation"] = snap.VWAPDeviation
	sig.Features["regression_slope"] = snap.RegressionSlope
	sig.Features["regression_r2"] = snap.RegressionR2
	sig.Features["realized_vol"] = snap.RealizedVol

	sig.Direction = direction(snap)
	sig.Volatility = volatility(snap, rt.VolBaseline)
	sig.Bias = bias(snap)

	regime, confidence := rt.classifyRegime(snap, prevRegime)
	sig.Regime = regime
	sig.Confidence = clamp01(confidence)

	return sig
}

func direction(snap features.Snapshot) model.Direction {
	switch {
	case snap.EMAShort > snap.EMALong && snap.RegressionSlope > 0:
		return model.DirectionUp
	case snap.EMAShort < snap.EMALong && snap.RegressionSlope < 0:
		return model.DirectionDown
	default:
		return model.DirectionSideways
	}
}

func bias(snap features.Snapshot) model.Bias {
	switch {
	case snap.RSI >= 55 && snap.EMAShort > snap.EMALong:
		return model.BiasBullish
	case snap.RSI <= 45 && snap.EMAShort < snap.EMALong:
		return model.BiasBearish
	default:
		return model.BiasNeutral
	}
}

func volatility(snap features.Snapshot, baseline float64) model.VolBucket {
	if baseline <= 0 {
		baseline = 0.20
	}
	ratio := snap.RealizedVol / baseline
	switch {
	case ratio < 0.7:
		return model.VolLow
	case ratio > 1.4:
		return model.VolHigh
	default:
		return model.VolMedium
	}
}

// classifyRegime scores the four regimes and picks the highest: TREND from
// ADX (scaled against 50) and regression R², COMPRESSION from realized vol
// below VolBaseline, EXPANSION from realized vol above it, and
// MEAN_REVERSION from RSI's distance from 50. Direction and VWAP deviation
// do not enter the scores. An exact tie goes to the previous regime, and
// the previous regime is also kept when the winner beats it by less than
// 0.05 (hysteresis), to avoid flapping.
func (rt *RuleTree) classifyRegime(snap features.Snapshot, prevRegime model.Regime) (model.Regime, float64) {
	adxStrength := clamp01(snap.ADX / 50)
	lowVolStrength := clamp01(1 - snap.RealizedVol/maxf(rt.VolBaseline, 1e-6))
	highVolStrength := clamp01(snap.RealizedVol/maxf(rt.VolBaseline, 1e-6) - 1)
	meanRevStrength := clamp01(absf(snap.RSI-50) / 50)
	r2Strength := clamp01(snap.RegressionR2)

	type candidate struct {
		regime model.Regime
		score  float64
	}
	candidates := []candidate{
		{model.RegimeTrend, 0.6*adxStrength + 0.4*r2Strength},
		{model.RegimeCompression, lowVolStrength},
		{model.RegimeExpansion, highVolStrength},
		{model.RegimeMeanReversion, meanRevStrength},
	}

	best := candidates[0]
	tiedWithPrev := false
	for _, c := range candidates[1:] {
		if c.score > best.score {
			best = c
		} else if c.score == best.score && c.regime == prevRegime {
			tiedWithPrev = true
			best = c
		}
	}
	if tiedWithPrev {
		return best.regime, best.score
	}
	// Hysteresis: when the winner only narrowly beats the previous regime's
	// own score, stick with the previous regime to avoid single-bar flaps.
	for _, c := range candidates {
		if c.regime == prevRegime && prevRegime != "" && best.score-c.score < 0.05 && c.regime != best.regime {
			return prevRegime, c.score
		}
	}
	return best.regime, best.score
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

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
