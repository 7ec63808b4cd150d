package strike

import (
	"errors"
	"testing"
	"time"
)

func TestResolveStrike_ATM(t *testing.T) {
	got, err := ResolveStrike("ATM", Params{Spot: 123.4})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != RoundToNearestStrike(123.4) {
		t.Fatalf("got %v, want %v", got, RoundToNearestStrike(123.4))
	}
}

func TestResolveStrike_ATMPercentOffset(t *testing.T) {
	got, err := ResolveStrike("ATM:+5%", Params{Spot: 100})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != RoundToNearestStrike(105) {
		t.Fatalf("got %v, want %v", got, RoundToNearestStrike(105))
	}
}

func TestResolveStrike_DeltaTarget(t *testing.T) {
	got, err := ResolveStrike("DELTA:0.30", Params{Spot: 100, IV: 0.25, RiskFree: 0.02, T: 0.5, IsCall: true})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got <= 100 {
		t.Fatalf("a 0.30 call delta should resolve above spot, got %v", got)
	}
}

func TestResolveStrike_LegExpression(t *testing.T) {
	got, err := ResolveStrike("{LEG1.STRIKE}+5", Params{LegStrikes: map[string]float64{"LEG1": 100}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != RoundToNearestStrike(105) {
		t.Fatalf("got %v, want %v", got, RoundToNearestStrike(105))
	}
}

func TestResolveStrike_LegExpressionMissingLeg(t *testing.T) {
	_, err := ResolveStrike("{LEG2.STRIKE}+5", Params{LegStrikes: map[string]float64{"LEG1": 100}})
	if !errors.Is(err, ErrLegNotFound) {
		t.Fatalf("expected ErrLegNotFound, got %v", err)
	}
}

func TestResolveStrike_UnknownRule(t *testing.T) {
	_, err := ResolveStrike("BOGUS", Params{Spot: 100})
	if !errors.Is(err, ErrInvalidStrikeExpression) {
		t.Fatalf("expected ErrInvalidStrikeExpression, got %v", err)
	}
}

func TestRoundToNearestStrike_StepLadder(t *testing.T) {
	if got := RoundToNearestStrike(20.3); got != 20.5 {
		t.Fatalf("under $25 should round to $0.5 steps, got %v", got)
	}
	if got := RoundToNearestStrike(123.4); got != 123 {
		t.Fatalf("under $200 should round to $1 steps, got %v", got)
	}
	if got := RoundToNearestStrike(301); got != 300 {
		t.Fatalf("under $500 should round to $2.5 steps, got %v", got)
	}
	if got := RoundToNearestStrike(1001); got != 1000 {
		t.Fatalf("over $500 should round to $5 steps, got %v", got)
	}
}

func TestResolveExpiration_PicksNearestMidpoint(t *testing.T) {
	asOf := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	expiries := []time.Time{
		asOf.AddDate(0, 0, 5),
		asOf.AddDate(0, 0, 15),
		asOf.AddDate(0, 0, 40),
	}
	got, err := ResolveExpiration(asOf, 0, 30, expiries)
	if err != nil {
		t.Fatalf("resolve expiration: %v", err)
	}
	if !got.Equal(expiries[1]) {
		t.Fatalf("expected the 15-day expiry nearest the window midpoint, got %v", got)
	}
}

func TestResolveExpiration_ErrorsWithNoneInWindow(t *testing.T) {
	asOf := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	expiries := []time.Time{asOf.AddDate(0, 0, 90)}
	_, err := ResolveExpiration(asOf, 0, 30, expiries)
	if !errors.Is(err, ErrNoExpiryInWindow) {
		t.Fatalf("expected ErrNoExpiryInWindow, got %v", err)
	}
}

func TestMatchDate_Modes(t *testing.T) {
	target := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	candidates := []time.Time{
		time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC),
	}
	if got := MatchDate(target, candidates, MatchHigher); !got.Equal(candidates[1]) {
		t.Fatalf("MatchHigher: got %v, want %v", got, candidates[1])
	}
	if got := MatchDate(target, candidates, MatchLower); !got.Equal(candidates[0]) {
		t.Fatalf("MatchLower: got %v, want %v", got, candidates[0])
	}
}
