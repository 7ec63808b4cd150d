// Package feed implements the BarSource contract bars are pulled through,
// generalizing a family of Provider-interface shapes that had drifted into
// three mutually inconsistent versions across provider.go, synthetic.go,
// and massive.go into one consistent contract with three implementations:
// a live polling source, a deterministic replay source, and an in-memory
// cached source for tests.
package feed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lattice-quant/regime-engine/internal/model"
)

// Sentinel errors a caller can branch on without string matching.
var (
	ErrFeedUnavailable = errors.New("feed: unavailable")
	ErrSymbolUnknown   = errors.New("feed: symbol unknown")
)

// NextResult is the outcome of NextBar: exactly one of Bar/None/EndOfStream
// applies, replacing exception-based control flow.
type NextResult int

const (
	ResultBar NextResult = iota
	ResultNone
	ResultEndOfStream
)

// Source is the BarSource contract: connect, subscribe, and pull bars one
// at a time or in batches.
type Source interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, symbols []string, preloadN int) error
	NextBar(ctx context.Context, symbol string, timeout time.Duration) (model.Bar, NextResult, error)
	NextBatch(ctx context.Context, symbol string, k int) ([]model.Bar, error)
	Close() error
}

// BadBar is logged and dropped by the caller, never used for pricing: a
// bar whose Symbol doesn't match the subscription it was pulled under. It
// is returned as an error value rather than panicking so the Scheduler's
// drop-and-continue policy stays explicit.
type BadBar struct {
	Got, Want string
}

func (b BadBar) Error() string { return "feed: bad bar symbol got=" + b.Got + " want=" + b.Want }

// CachedSource is an in-memory Source backed by a preloaded slice of bars
// per symbol, used in tests and as the common base other sources replay
// from.
type CachedSource struct {
	mu      sync.Mutex
	bars    map[string][]model.Bar
	cursors map[string]int
}

// NewCachedSource builds a CachedSource from a symbol->bars map. Bars per
// symbol are sorted by timestamp to satisfy the strict-monotonic guarantee
// every downstream consumer assumes.
func NewCachedSource(bars map[string][]model.Bar) *CachedSource {
	cs := &CachedSource{bars: map[string][]model.Bar{}, cursors: map[string]int{}}
	for sym, b := range bars {
		sorted := append([]model.Bar(nil), b...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
		cs.bars[sym] = sorted
	}
	return cs
}

func (c *CachedSource) Connect(ctx context.Context) error { return nil }

func (c *CachedSource) Subscribe(ctx context.Context, symbols []string, preloadN int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sym := range symbols {
		if _, ok := c.bars[sym]; !ok {
			return ErrSymbolUnknown
		}
		if _, ok := c.cursors[sym]; !ok {
			c.cursors[sym] = 0
		}
	}
	return nil
}

func (c *CachedSource) NextBar(ctx context.Context, symbol string, timeout time.Duration) (model.Bar, NextResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bars, ok := c.bars[symbol]
	if !ok {
		return model.Bar{}, ResultNone, ErrSymbolUnknown
	}
	i := c.cursors[symbol]
	if i >= len(bars) {
		return model.Bar{}, ResultEndOfStream, nil
	}
	b := bars[i]
	c.cursors[symbol] = i + 1
	if b.Symbol != symbol {
		return b, ResultNone, BadBar{Got: b.Symbol, Want: symbol}
	}
	return b, ResultBar, nil
}

func (c *CachedSource) NextBatch(ctx context.Context, symbol string, k int) ([]model.Bar, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bars, ok := c.bars[symbol]
	if !ok {
		return nil, ErrSymbolUnknown
	}
	i := c.cursors[symbol]
	end := i + k
	if end > len(bars) {
		end = len(bars)
	}
	out := append([]model.Bar(nil), bars[i:end]...)
	c.cursors[symbol] = end
	return out, nil
}

func (c *CachedSource) Close() error { return nil }

// ReplaySource wraps a CachedSource with a [startTime,endTime] window:
// only bars inside the window are yielded, and the source signals
// EndOfStream once exhausted or past endTime. In strict mode, Subscribe
// declines (returns ErrSymbolUnknown) for a symbol with no cached bars
// rather than ever synthesizing one.
type ReplaySource struct {
	inner      *CachedSource
	start, end time.Time
	speed      float64
	strict     bool
}

// NewReplaySource filters bars to [start,end] before handing them to the
// underlying CachedSource. replaySpeed>=600 means no inter-bar sleep; 0 is
// treated as "as fast as possible" by the caller, not by this source.
func NewReplaySource(bars map[string][]model.Bar, start, end time.Time, replaySpeed float64, strict bool) *ReplaySource {
	windowed := map[string][]model.Bar{}
	for sym, b := range bars {
		var kept []model.Bar
		for _, bar := range b {
			if !bar.Timestamp.Before(start) && !bar.Timestamp.After(end) {
				kept = append(kept, bar)
			}
		}
		windowed[sym] = kept
	}
	return &ReplaySource{inner: NewCachedSource(windowed), start: start, end: end, speed: replaySpeed, strict: strict}
}

func (r *ReplaySource) Connect(ctx context.Context) error { return r.inner.Connect(ctx) }

func (r *ReplaySource) Subscribe(ctx context.Context, symbols []string, preloadN int) error {
	if !r.strict {
		// Non-strict mode still never synthesizes bars; it simply permits
		// subscribing to a symbol with zero cached bars (it will immediately
		// report EndOfStream rather than failing subscription).
		for _, sym := range symbols {
			if _, ok := r.inner.bars[sym]; !ok {
				r.inner.bars[sym] = nil
				r.inner.cursors[sym] = 0
			}
		}
		return nil
	}
	return r.inner.Subscribe(ctx, symbols, preloadN)
}

func (r *ReplaySource) NextBar(ctx context.Context, symbol string, timeout time.Duration) (model.Bar, NextResult, error) {
	return r.inner.NextBar(ctx, symbol, timeout)
}

func (r *ReplaySource) NextBatch(ctx context.Context, symbol string, k int) ([]model.Bar, error) {
	return r.inner.NextBatch(ctx, symbol, k)
}

func (r *ReplaySource) Close() error { return r.inner.Close() }

// InterBarSleep returns the replay-mode sleep duration for one bar of the
// given interval: bar_interval/replay_speed, or zero when replay_speed>=600.
func InterBarSleep(barInterval time.Duration, replaySpeed float64) time.Duration {
	if replaySpeed >= 600 {
		return 0
	}
	if replaySpeed <= 0 {
		return 0
	}
	return time.Duration(float64(barInterval) / replaySpeed)
}
