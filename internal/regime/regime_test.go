package regime

import (
	"testing"
	"time"

	"github.com/lattice-quant/regime-engine/internal/features"
	"github.com/lattice-quant/regime-engine/internal/model"
)

func TestClassify_StrongTrendWithDirection(t *testing.T) {
	rt := NewRuleTree()
	snap := features.Snapshot{
		EMAShort: 105, EMALong: 100, RSI: 60, ADX: 40,
		RegressionSlope: 1.2, RegressionR2: 0.8, RealizedVol: 0.20,
	}
	sig := rt.Classify("SPY", time.Now(), snap, Microstructure{}, "")
	if sig.Regime != model.RegimeTrend {
		t.Fatalf("expected TREND, got %v", sig.Regime)
	}
	if sig.Direction != model.DirectionUp {
		t.Fatalf("expected UP direction, got %v", sig.Direction)
	}
	if sig.Bias != model.BiasBullish {
		t.Fatalf("expected bullish bias, got %v", sig.Bias)
	}
}

func TestClassify_LowRealizedVolIsCompression(t *testing.T) {
	rt := NewRuleTree()
	snap := features.Snapshot{
		EMAShort: 100, EMALong: 100, RSI: 50, ADX: 10,
		RegressionSlope: 0, RegressionR2: 0.1, RealizedVol: 0.05,
	}
	sig := rt.Classify("SPY", time.Now(), snap, Microstructure{}, "")
	if sig.Regime != model.RegimeCompression {
		t.Fatalf("expected COMPRESSION, got %v", sig.Regime)
	}
	if sig.Volatility != model.VolLow {
		t.Fatalf("expected LOW volatility bucket, got %v", sig.Volatility)
	}
}

func TestClassify_HighRealizedVolIsExpansion(t *testing.T) {
	rt := NewRuleTree()
	snap := features.Snapshot{
		EMAShort: 100, EMALong: 100, RSI: 50, ADX: 10,
		RegressionSlope: 0, RegressionR2: 0.1, RealizedVol: 0.60,
	}
	sig := rt.Classify("SPY", time.Now(), snap, Microstructure{}, "")
	if sig.Regime != model.RegimeExpansion {
		t.Fatalf("expected EXPANSION, got %v", sig.Regime)
	}
	if sig.Volatility != model.VolHigh {
		t.Fatalf("expected HIGH volatility bucket, got %v", sig.Volatility)
	}
}

func TestClassify_HysteresisStaysOnPrevRegimeForNarrowFlip(t *testing.T) {
	rt := NewRuleTree()
	// TREND scores 0.6*(10/50) + 0.4*0.1 = 0.16 and COMPRESSION scores
	// 1 - 0.17/0.20 = 0.15; with a COMPRESSION previous regime, the 0.01
	// gap is inside the 0.05 hysteresis band, so the narrow winner must
	// not flip the call on a single bar.
	snap := features.Snapshot{
		EMAShort: 100.5, EMALong: 100, RSI: 52, ADX: 10,
		RegressionSlope: 0.05, RegressionR2: 0.1, RealizedVol: 0.17,
	}
	sig := rt.Classify("SPY", time.Now(), snap, Microstructure{}, model.RegimeCompression)
	if sig.Regime != model.RegimeCompression {
		t.Fatalf("expected hysteresis to keep COMPRESSION on a 0.01 score gap, got %v", sig.Regime)
	}
}

func TestClassify_MicrostructurePassesThroughUnmodified(t *testing.T) {
	rt := NewRuleTree()
	micro := Microstructure{GEXRegime: model.GEXNegative, GEXStrength: 123, IVPercentile: 0.75, IVPercentileKnown: true}
	sig := rt.Classify("SPY", time.Now(), features.Snapshot{}, micro, "")
	if sig.GEXRegime != model.GEXNegative || sig.GEXStrength != 123 {
		t.Fatalf("expected GEX fields to pass through untouched, got %+v", sig)
	}
	if !sig.IVPercentileKnown || sig.IVPercentile != 0.75 {
		t.Fatalf("expected IV percentile to pass through untouched, got %+v", sig)
	}
}

func TestClassify_FeatureMapCarriesTypedFields(t *testing.T) {
	rt := NewRuleTree()
	snap := features.Snapshot{ADX: 33, RSI: 61, RealizedVol: 0.22}
	sig := rt.Classify("SPY", time.Now(), snap, Microstructure{}, "")
	if sig.Features["adx"] != 33 || sig.Features["rsi"] != 61 {
		t.Fatalf("expected feature snapshot mirrored into Features map, got %+v", sig.Features)
	}
}
