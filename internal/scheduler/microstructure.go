package scheduler

import (
	"math"
	"time"

	"github.com/lattice-quant/regime-engine/internal/features"
	"github.com/lattice-quant/regime-engine/internal/model"
	"github.com/lattice-quant/regime-engine/internal/regime"
)

// ivWindow is the rolling sample count backing the IV-percentile proxy.
// microFor adds one sample per processed bar, so the window spans the
// last 252 bars, not 252 trading days. This engine has no options-chain feed of its
// own implied vol, so it reuses FeatureEngine's realized-vol series as the
// ranking input — the same fallback used for option pricing
// (BlackScholesPrice with historical vol) when no provider quote is
// available.
const ivWindow = 252

// gexRecomputeInterval and gexMoveThresholdPct implement the "recomputed
// <=every 5 minutes or on significant underlying move" rule.
const (
	gexRecomputeInterval = 5 * time.Minute
	gexMoveThresholdPct  = 0.01
)

// microState is the per-symbol microstructure memory the Scheduler owns:
// an explicit context it threads through each bar, never global mutable
// state.
type microState struct {
	lastGEXTime     time.Time
	lastGEXPrice    float64
	lastGEXRegime   model.GEXRegime
	lastGEXStrength float64
	ivHistory       []float64
}

func (s *Scheduler) microFor(symbol string, bar model.Bar, snap features.Snapshot) regime.Microstructure {
	ms, ok := s.micro[symbol]
	if !ok {
		ms = &microState{}
		s.micro[symbol] = ms
	}

	recompute := ms.lastGEXTime.IsZero() || bar.Timestamp.Sub(ms.lastGEXTime) >= gexRecomputeInterval
	if !recompute && ms.lastGEXPrice > 0 {
		moved := math.Abs(bar.Close-ms.lastGEXPrice) / ms.lastGEXPrice
		recompute = moved >= gexMoveThresholdPct
	}
	if recompute {
		ms.lastGEXTime = bar.Timestamp
		ms.lastGEXPrice = bar.Close
		ms.lastGEXRegime, ms.lastGEXStrength = estimateGEX(snap)
	}

	ms.ivHistory = append(ms.ivHistory, snap.RealizedVol)
	if len(ms.ivHistory) > ivWindow {
		ms.ivHistory = ms.ivHistory[len(ms.ivHistory)-ivWindow:]
	}
	pctile, known := ivPercentile(ms.ivHistory)

	return regime.Microstructure{
		GEXRegime:         ms.lastGEXRegime,
		GEXStrength:       ms.lastGEXStrength,
		IVPercentile:      pctile,
		IVPercentileKnown: known,
	}
}

// estimateGEX is a heuristic proxy for aggregate dealer gamma exposure:
// rising realized vol is read as dealers scrambling to hedge short gamma
// (negative GEX), calm/low realized vol as dealers comfortably long gamma
// (positive GEX). This engine carries no options-chain open-interest feed
// to compute the real aggregate, so the proxy is deliberately simple and
// is recomputed on the same cadence a real GEX feed would be polled on.
func estimateGEX(snap features.Snapshot) (model.GEXRegime, float64) {
	const elevatedVol = 0.35
	if snap.RealizedVol >= elevatedVol {
		return model.GEXNegative, snap.RealizedVol * 1_000_000
	}
	return model.GEXPositive, snap.RealizedVol * 500_000
}

// ivPercentile ranks the most recent sample within the window, reporting
// known=false until the window has filled; agents gate on
// IVPercentileKnown before consulting IVPercentile.
func ivPercentile(history []float64) (float64, bool) {
	if len(history) < ivWindow {
		return 0, false
	}
	latest := history[len(history)-1]
	count := 0
	for _, v := range history {
		if v <= latest {
			count++
		}
	}
	return float64(count) / float64(len(history)), true
}

// syntheticExpiries generates the next n Friday expirations from asOf,
// standing in for a real options-chain expiry list since this engine has
// no chain feed of its own. Grounded on a GetRelevantExpiries/expiry-offset
// scheduling routine, simplified to "every Friday" rather than querying
// contracts.
func syntheticExpiries(asOf time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	d := asOf
	for len(out) < n {
		d = d.AddDate(0, 0, 1)
		if d.Weekday() == time.Friday {
			out = append(out, time.Date(d.Year(), d.Month(), d.Day(), 16, 0, 0, 0, time.UTC))
		}
	}
	return out
}
