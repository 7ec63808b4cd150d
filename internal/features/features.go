// Package features computes a trailing-window technical-indicator snapshot
// from a symbol's bar history, generalizing an inline rolling-volatility
// calculation into a full indicator engine that emits a typed, versioned
// snapshot each bar.
package features

import (
	"math"

	"github.com/lattice-quant/regime-engine/internal/model"
)

// MinBars is the minimum trailing window before any feature is considered
// valid.
const MinBars = 30

// minHurstObservations is the minimum window for a Hurst exponent estimate.
const minHurstObservations = 50

const regressionWindow = 30

const eps = 1e-9

// Snapshot is the typed, versioned feature output for one symbol at one
// bar. New fields are additive extensions, never a reordering of existing
// ones.
type Snapshot struct {
	Ready bool

	EMAShort float64
	EMALong  float64
	SMA      float64
	RSI      float64
	ATR      float64
	ADX      float64

	VWAPDeviation float64

	RegressionSlope float64
	RegressionR2    float64

	HurstExponent float64
	HasHurst      bool

	RealizedVol float64

	// FVGUp/FVGDown mark a fair-value gap (a price discontinuity between
	// non-adjacent candles) in the most recent three bars.
	FVGUp   bool
	FVGDown bool

	Extra map[string]float64
}

// Engine maintains a trailing ring of bars per symbol and computes
// Snapshot on demand. Build it with NewEngine: the zero value has zero
// capacity and retains no bars, so it never becomes ready.
type Engine struct {
	bars     []model.Bar
	capacity int

	emaShortPeriod int
	emaLongPeriod  int
	rsiPeriod      int
	atrPeriod      int
	adxPeriod      int

	prevEMAShort float64
	prevEMALong  float64
	haveEMA      bool
}

// NewEngine builds a FeatureEngine retaining up to capacity bars (≥200
// recommended so the Hurst/regression windows always have enough history).
func NewEngine(capacity int) *Engine {
	if capacity < MinBars {
		capacity = 256
	}
	return &Engine{
		capacity:       capacity,
		emaShortPeriod: 12,
		emaLongPeriod:  26,
		rsiPeriod:      14,
		atrPeriod:      14,
		adxPeriod:      14,
	}
}

// Push appends a bar to the trailing window, evicting the oldest once at
// capacity, and returns the recomputed Snapshot.
func (e *Engine) Push(b model.Bar) Snapshot {
	e.bars = append(e.bars, b)
	if len(e.bars) > e.capacity {
		e.bars = e.bars[len(e.bars)-e.capacity:]
	}
	return e.compute()
}

// Len returns the number of bars currently retained.
func (e *Engine) Len() int { return len(e.bars) }

func (e *Engine) compute() Snapshot {
	n := len(e.bars)
	if n < MinBars {
		return Snapshot{Ready: false}
	}

	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	vols := make([]float64, n)
	for i, b := range e.bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		vols[i] = b.Volume
	}

	snap := Snapshot{Ready: true, Extra: map[string]float64{}}

	snap.EMAShort = e.ema(closes, e.emaShortPeriod, &e.prevEMAShort)
	snap.EMALong = e.ema(closes, e.emaLongPeriod, &e.prevEMALong)
	e.haveEMA = true

	snap.SMA = sma(closes, minInt(20, n))
	snap.RSI = rsi(closes, e.rsiPeriod)
	snap.ATR = atr(highs, lows, closes, e.atrPeriod)
	snap.ADX = adx(highs, lows, closes, e.adxPeriod)
	snap.VWAPDeviation = vwapDeviation(closes, vols, highs, lows)

	slope, r2 := regressionSlopeR2(closes, minInt(regressionWindow, n))
	snap.RegressionSlope = slope
	snap.RegressionR2 = r2

	if n >= minHurstObservations {
		snap.HurstExponent = hurstExponent(closes[n-minHurstObservations:])
		snap.HasHurst = true
	}

	snap.RealizedVol = realizedVol(closes)

	snap.FVGUp, snap.FVGDown = fairValueGap(highs, lows)

	return snap
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ema computes (or incrementally updates) an exponential moving average
// over the trailing `period` closes. prev holds the previous bar's EMA
// value across calls so the recurrence doesn't need to replay history.
func (e *Engine) ema(closes []float64, period int, prev *float64) float64 {
	n := len(closes)
	if n < period {
		period = n
	}
	if !e.haveEMA || *prev == 0 {
		sum := 0.0
		for _, c := range closes[n-period:] {
			sum += c
		}
		v := sum / float64(period)
		*prev = v
		return v
	}
	k := 2.0 / (float64(period) + 1.0)
	v := closes[n-1]*k + *prev*(1-k)
	*prev = v
	return v
}

func sma(closes []float64, window int) float64 {
	n := len(closes)
	if window > n {
		window = n
	}
	sum := 0.0
	for _, c := range closes[n-window:] {
		sum += c
	}
	if window == 0 {
		return 0
	}
	return sum / float64(window)
}

func rsi(closes []float64, period int) float64 {
	n := len(closes)
	if n <= period {
		period = n - 1
	}
	if period <= 0 {
		return 50
	}
	var gain, loss float64
	for i := n - period; i < n; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	if avgLoss < eps {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

func atr(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n <= period {
		period = n - 1
	}
	if period <= 0 {
		return 0
	}
	sum := 0.0
	for i := n - period; i < n; i++ {
		tr := math.Max(highs[i]-lows[i], math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))
		sum += tr
	}
	return sum / float64(period)
}

// adx is a simplified Wilder average directional index computed over the
// trailing `period` bars of +DM/-DM smoothed by ATR.
func adx(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n <= period+1 {
		return 0
	}
	var sumPlusDM, sumMinusDM, sumTR float64
	for i := n - period; i < n; i++ {
		upMove := highs[i] - highs[i-1]
		downMove := lows[i-1] - lows[i]
		plusDM := 0.0
		minusDM := 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}
		tr := math.Max(highs[i]-lows[i], math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))
		sumPlusDM += plusDM
		sumMinusDM += minusDM
		sumTR += tr
	}
	if sumTR < eps {
		return 0
	}
	plusDI := 100 * sumPlusDM / sumTR
	minusDI := 100 * sumMinusDM / sumTR
	denom := plusDI + minusDI
	if denom < eps {
		return 0
	}
	return 100 * math.Abs(plusDI-minusDI) / denom
}

func vwapDeviation(closes, vols, highs, lows []float64) float64 {
	n := len(closes)
	window := minInt(20, n)
	var pvSum, vSum float64
	for i := n - window; i < n; i++ {
		typical := (highs[i] + lows[i] + closes[i]) / 3
		pvSum += typical * vols[i]
		vSum += vols[i]
	}
	if vSum < eps {
		return 0
	}
	vwap := pvSum / vSum
	if vwap < eps {
		return 0
	}
	return (closes[n-1] - vwap) / vwap
}

// regressionSlopeR2 fits a simple linear regression of close vs. bar index
// over the trailing window and returns (slope, R²).
func regressionSlopeR2(closes []float64, window int) (float64, float64) {
	n := len(closes)
	if window > n {
		window = n
	}
	if window < 2 {
		return 0, 0
	}
	ys := closes[n-window:]
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(window)
	denom := fn*sumXX - sumX*sumX
	if math.Abs(denom) < eps {
		return 0, 0
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn

	meanY := sumY / fn
	var ssTot, ssRes float64
	for i, y := range ys {
		x := float64(i)
		pred := slope*x + intercept
		ssRes += (y - pred) * (y - pred)
		ssTot += (y - meanY) * (y - meanY)
	}
	if ssTot < eps {
		return slope, 0
	}
	return slope, 1 - ssRes/ssTot
}

// hurstExponent estimates the Hurst exponent via rescaled-range (R/S)
// analysis over a small set of sub-window sizes, guarded against
// degenerate (zero-variance) windows.
func hurstExponent(closes []float64) float64 {
	n := len(closes)
	if n < 16 {
		return 0.5
	}
	logReturns := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if closes[i-1] > eps {
			logReturns = append(logReturns, math.Log(closes[i]/closes[i-1]))
		}
	}
	if len(logReturns) < 8 {
		return 0.5
	}

	chunkSizes := []int{8, 16, 32}
	var logN, logRS []float64
	for _, size := range chunkSizes {
		if size >= len(logReturns) {
			continue
		}
		rs := rescaledRange(logReturns, size)
		if rs > eps {
			logN = append(logN, math.Log(float64(size)))
			logRS = append(logRS, math.Log(rs))
		}
	}
	if len(logN) < 2 {
		return 0.5
	}
	return hurstSlope(logN, logRS)
}

func hurstSlope(xs, ys []float64) float64 {
	n := len(xs)
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if math.Abs(denom) < eps {
		return 0.5
	}
	h := (fn*sumXY - sumX*sumY) / denom
	if h < 0 {
		h = 0
	}
	if h > 1 {
		h = 1
	}
	return h
}

func rescaledRange(returns []float64, chunkSize int) float64 {
	numChunks := len(returns) / chunkSize
	if numChunks == 0 {
		return 0
	}
	var avgRS float64
	for c := 0; c < numChunks; c++ {
		chunk := returns[c*chunkSize : (c+1)*chunkSize]
		mean := 0.0
		for _, v := range chunk {
			mean += v
		}
		mean /= float64(chunkSize)

		cum := 0.0
		maxC, minC := math.Inf(-1), math.Inf(1)
		var variance float64
		for _, v := range chunk {
			cum += v - mean
			if cum > maxC {
				maxC = cum
			}
			if cum < minC {
				minC = cum
			}
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(chunkSize)
		stdev := math.Sqrt(variance)
		if stdev < eps {
			continue
		}
		avgRS += (maxC - minC) / stdev
	}
	return avgRS / float64(numChunks)
}

func realizedVol(closes []float64) float64 {
	n := len(closes)
	window := minInt(20, n-1)
	if window < 2 {
		return 0
	}
	returns := make([]float64, 0, window)
	for i := n - window; i < n; i++ {
		if closes[i-1] > eps {
			returns = append(returns, math.Log(closes[i]/closes[i-1]))
		}
	}
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance) * math.Sqrt(252)
}

// fairValueGap flags a gap between the high of two bars ago and the low of
// the current bar (bullish FVG), or the inverse (bearish FVG), skipping the
// immediately adjacent bar the way a 3-candle FVG pattern requires.
func fairValueGap(highs, lows []float64) (up, down bool) {
	n := len(highs)
	if n < 3 {
		return false, false
	}
	if lows[n-1] > highs[n-3] {
		up = true
	}
	if highs[n-1] < lows[n-3] {
		down = true
	}
	return up, down
}
