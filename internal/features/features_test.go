package features

import (
	"math"
	"testing"
	"time"

	"github.com/lattice-quant/regime-engine/internal/model"
)

func bar(i int, close float64) model.Bar {
	return model.Bar{
		Symbol:    "SPY",
		Timestamp: time.Unix(0, 0).Add(time.Duration(i) * time.Minute),
		Open:      close,
		High:      close + 0.5,
		Low:       close - 0.5,
		Close:     close,
		Volume:    1000,
	}
}

func TestEngine_NotReadyBelowMinBars(t *testing.T) {
	e := NewEngine(256)
	var snap Snapshot
	for i := 0; i < MinBars-1; i++ {
		snap = e.Push(bar(i, 100+float64(i)*0.1))
	}
	if snap.Ready {
		t.Fatal("expected snapshot not ready below MinBars")
	}
}

func TestEngine_ReadyAtMinBars(t *testing.T) {
	e := NewEngine(256)
	var snap Snapshot
	for i := 0; i < MinBars; i++ {
		snap = e.Push(bar(i, 100+float64(i)*0.1))
	}
	if !snap.Ready {
		t.Fatal("expected snapshot ready at MinBars")
	}
}

func TestEngine_EMAShortTracksUptrend(t *testing.T) {
	e := NewEngine(256)
	var snap Snapshot
	for i := 0; i < 60; i++ {
		snap = e.Push(bar(i, 100+float64(i)))
	}
	if snap.EMAShort <= snap.EMALong {
		t.Fatalf("in a sustained uptrend EMAShort should lead EMALong, got short=%v long=%v", snap.EMAShort, snap.EMALong)
	}
}

func TestEngine_EvictsBeyondCapacity(t *testing.T) {
	e := NewEngine(MinBars + 5)
	for i := 0; i < 100; i++ {
		e.Push(bar(i, 100))
	}
	if e.Len() != MinBars+5 {
		t.Fatalf("expected ring capped at capacity, got len=%d", e.Len())
	}
}

func TestEngine_RealizedVolNonNegative(t *testing.T) {
	e := NewEngine(256)
	var snap Snapshot
	for i := 0; i < 60; i++ {
		// Alternate closes to generate nonzero returns.
		c := 100.0
		if i%2 == 0 {
			c = 101.0
		}
		snap = e.Push(bar(i, c))
	}
	if snap.RealizedVol < 0 || math.IsNaN(snap.RealizedVol) {
		t.Fatalf("expected a finite non-negative realized vol, got %v", snap.RealizedVol)
	}
}
