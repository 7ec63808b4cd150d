// Package strike resolves the strike and expiration of an options package
// leg from a declarative rule string, generalizing a single-backtest-run
// strike planner into something a live scheduler can call once per package
// entry.
//
// Supported strike rules:
//   - "ATM"             nearest listed strike to spot
//   - "ATM:+10", "ATM:-5%"  absolute or percentage offset from spot
//   - "DELTA:0.30"      strike whose Black-Scholes delta matches the target
//   - "{LEG1.STRIKE}+5" expression referencing a previously resolved leg
//
// Expiration is resolved by picking the listed expiry whose days-to-expiry
// best matches a requested window, using the same exact/higher/lower/
// nearest matching modes a bar-date scheduler applies to its own dates.
package strike

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/lattice-quant/regime-engine/internal/pricing"
)

// Typed errors let callers branch without string matching.
var (
	ErrInvalidStrikeExpression = errors.New("invalid strike expression")
	ErrLegNotFound             = errors.New("referenced leg not resolved yet")
	ErrNoExpiryInWindow        = errors.New("no listed expiry matches the requested DTE window")
)

// DateMatchType governs how a target date is matched against a sorted list
// of listed dates (expiries or bar dates).
type DateMatchType string

const (
	MatchExact   DateMatchType = "exact"
	MatchHigher  DateMatchType = "higher"
	MatchLower   DateMatchType = "lower"
	MatchNearest DateMatchType = "nearest"
)

// MatchDate returns the candidate closest to target under mode. candidates
// need not be sorted. Returns the zero Time if no candidate qualifies (e.g.
// MatchHigher with no candidate >= target).
func MatchDate(target time.Time, candidates []time.Time, mode DateMatchType) time.Time {
	if len(candidates) == 0 {
		return time.Time{}
	}
	sorted := append([]time.Time(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	switch mode {
	case MatchExact:
		for _, c := range sorted {
			if c.Equal(target) {
				return c
			}
		}
		return time.Time{}
	case MatchHigher:
		for _, c := range sorted {
			if !c.Before(target) {
				return c
			}
		}
		return time.Time{}
	case MatchLower:
		var best time.Time
		for _, c := range sorted {
			if c.After(target) {
				break
			}
			best = c
		}
		return best
	default: // MatchNearest
		best := sorted[0]
		bestDiff := absDuration(best.Sub(target))
		for _, c := range sorted[1:] {
			if d := absDuration(c.Sub(target)); d < bestDiff {
				best, bestDiff = c, d
			}
		}
		return best
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ResolveExpiration picks the listed expiry whose days-to-expiry from asOf
// falls in [minDTE,maxDTE], preferring the one nearest the window midpoint.
// It errors rather than silently falling outside the window — the window is
// an OptionsPackageManager entry constraint, not a fallback.
func ResolveExpiration(asOf time.Time, minDTE, maxDTE int, expiries []time.Time) (time.Time, error) {
	mid := asOf.AddDate(0, 0, (minDTE+maxDTE)/2)

	var inWindow []time.Time
	for _, e := range expiries {
		dte := int(math.Round(e.Sub(asOf).Hours() / 24))
		if dte >= minDTE && dte <= maxDTE {
			inWindow = append(inWindow, e)
		}
	}
	if len(inWindow) == 0 {
		return time.Time{}, fmt.Errorf("%w: [%d,%d] as of %s", ErrNoExpiryInWindow, minDTE, maxDTE, asOf.Format("2006-01-02"))
	}
	return MatchDate(mid, inWindow, MatchNearest), nil
}

// strikeIntervals mirrors a conventional intervals.csv default ladder:
// wider strike spacing as the underlying price grows.
var strikeIntervals = []struct {
	maxPrice float64
	step     float64
}{
	{25, 0.5},
	{200, 1},
	{500, 2.5},
	{math.MaxFloat64, 5},
}

// RoundToNearestStrike rounds spot to the nearest listed strike under the
// default interval ladder.
func RoundToNearestStrike(spot float64) float64 {
	step := strikeIntervals[len(strikeIntervals)-1].step
	for _, iv := range strikeIntervals {
		if spot <= iv.maxPrice {
			step = iv.step
			break
		}
	}
	return math.Round(spot/step) * step
}

// StrikeFromDelta searches for the strike whose Black-Scholes delta is
// closest to targetDelta (signed: positive for calls, negative for puts),
// by bisection over a bracket of plausible strikes around spot. T is in
// years, r is the risk-free rate.
func StrikeFromDelta(spot, targetDelta, r, sigma, T float64, isCall bool) float64 {
	if sigma <= 0 {
		sigma = 0.20
	}
	lo, hi := spot*0.3, spot*3.0
	deltaAt := func(k float64) float64 { return pricing.Delta(isCall, spot, k, T, r, sigma) }

	// Delta is monotonically decreasing in strike for both calls and puts.
	for i := 0; i < 60; i++ {
		mid := (lo + hi) / 2
		d := deltaAt(mid)
		if d > targetDelta {
			lo = mid
		} else {
			hi = mid
		}
	}
	return RoundToNearestStrike((lo + hi) / 2)
}

func resolveATMOffset(offset string, spot float64) (float64, error) {
	if strings.HasSuffix(offset, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(offset, "%"), 64)
		if err != nil {
			return 0, err
		}
		return spot + spot*pct/100, nil
	}
	abs, err := strconv.ParseFloat(offset, 64)
	if err != nil {
		return 0, err
	}
	return spot + abs, nil
}

var legExprRe = regexp.MustCompile(`\{LEG(\d+)\.STRIKE\}`)

// evaluateLegExpression resolves an expression referencing previously
// resolved legs by name, e.g. "{LEG1.STRIKE}+5". legStrikes is keyed "LEG1",
// "LEG2", ... in resolution order.
func evaluateLegExpression(expr string, legStrikes map[string]float64) (float64, error) {
	matches := legExprRe.FindAllStringSubmatch(expr, -1)
	if matches == nil {
		return 0, ErrInvalidStrikeExpression
	}
	evalStr := expr
	for _, m := range matches {
		key := "LEG" + m[1]
		v, ok := legStrikes[key]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrLegNotFound, key)
		}
		evalStr = strings.Replace(evalStr, m[0], strconv.FormatFloat(v, 'f', -1, 64), 1)
	}
	evalExpr, err := govaluate.NewEvaluableExpression(evalStr)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidStrikeExpression, err)
	}
	result, err := evalExpr.Evaluate(nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidStrikeExpression, err)
	}
	f, ok := result.(float64)
	if !ok {
		return 0, ErrInvalidStrikeExpression
	}
	return RoundToNearestStrike(f), nil
}

// Params bundles the market context ResolveStrike needs for DELTA: rules.
type Params struct {
	Spot      float64
	IV        float64
	RiskFree  float64
	T         float64 // years to expiry
	IsCall    bool
	LegStrikes map[string]float64 // previously resolved legs, "LEG1"->strike
}

// ResolveStrike evaluates a strike rule string into a concrete strike price.
func ResolveStrike(rule string, p Params) (float64, error) {
	rule = strings.TrimSpace(strings.ToUpper(rule))

	switch {
	case rule == "ATM":
		return RoundToNearestStrike(p.Spot), nil
	case strings.HasPrefix(rule, "ATM:"):
		target, err := resolveATMOffset(rule[len("ATM:"):], p.Spot)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidStrikeExpression, err)
		}
		return RoundToNearestStrike(target), nil
	case strings.HasPrefix(rule, "DELTA:"):
		targetDelta, err := strconv.ParseFloat(strings.TrimPrefix(rule, "DELTA:"), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidStrikeExpression, err)
		}
		signed := targetDelta
		if !p.IsCall && signed > 0 {
			signed = -signed
		}
		return StrikeFromDelta(p.Spot, signed, p.RiskFree, p.IV, p.T, p.IsCall), nil
	case strings.Contains(rule, "{LEG"):
		return evaluateLegExpression(rule, p.LegStrikes)
	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidStrikeExpression, rule)
	}
}
