package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lattice-quant/regime-engine/internal/agents"
	"github.com/lattice-quant/regime-engine/internal/broker"
	"github.com/lattice-quant/regime-engine/internal/config"
	"github.com/lattice-quant/regime-engine/internal/feed"
	"github.com/lattice-quant/regime-engine/internal/hedge"
	"github.com/lattice-quant/regime-engine/internal/ledger"
	"github.com/lattice-quant/regime-engine/internal/meta"
	"github.com/lattice-quant/regime-engine/internal/model"
	"github.com/lattice-quant/regime-engine/internal/options"
	"github.com/lattice-quant/regime-engine/internal/regime"
	"github.com/lattice-quant/regime-engine/internal/risk"
	"github.com/lattice-quant/regime-engine/internal/scheduler"
)

func testBars(symbol string, n int) []model.Bar {
	bars := make([]model.Bar, 0, n)
	start := time.Date(2026, 7, 1, 13, 30, 0, 0, time.UTC)
	price := 100.0
	for i := 0; i < n; i++ {
		price += 0.05
		bars = append(bars, model.Bar{
			Symbol: symbol, Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open: price, High: price + 0.2, Low: price - 0.2, Close: price, Volume: 1000,
		})
	}
	return bars
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	symbol := "SPY"
	src := feed.NewCachedSource(map[string][]model.Bar{symbol: testBars(symbol, 40)})
	brk := broker.NewPaperBroker(decimal.NewFromFloat(100000), 0)
	w, err := ledger.NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("ledger writer: %v", err)
	}
	rs := &model.RiskState{
		StartingEquity: decimal.NewFromFloat(100000),
		CurrentEquity:  decimal.NewFromFloat(100000),
		MaxEquityHWM:   decimal.NewFromFloat(100000),
		KillSwitch:     model.KillSwitchOff,
	}
	cfg := config.Default()
	cfg.Symbols = []string{symbol}
	cfg.Broker = config.BrokerPaper
	cfg.Feed = config.FeedCached
	cfg.MinBarsForFeatures = 30
	cfg.Replay = config.ReplayConfig{ReplaySpeed: 600}
	optMgr := options.NewManager(brk, cfg.StrategyParams)
	sch := scheduler.New(scheduler.Deps{
		Config: cfg, Source: src, Broker: brk,
		Classifier: regime.NewRuleTree(), Agents: agents.DefaultSet(),
		Weights: meta.DefaultWeights(), RiskGate: risk.NewGate(risk.DefaultConfig()),
		RiskState: rs, Options: optMgr, Hedger: hedge.NewHedger(hedge.DefaultConfig(), brk),
		Writer: w,
	})
	return New(sch, brk, optMgr, rs, w)
}

func TestController_StartThenStopReachesStopped(t *testing.T) {
	c := newTestController(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(4 * time.Second)
	for c.GetStatus().State == scheduler.StateRunning && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if st := c.GetStatus(); st.State != scheduler.StateStopped {
		t.Fatalf("expected STOPPED once the feed is exhausted, got %v (err=%v)", st.State, st.Error)
	}
}

func TestController_StartTwiceReturnsError(t *testing.T) {
	c := newTestController(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()
	if err := c.Start(ctx); err == nil {
		t.Fatal("expected an error starting an already-running controller")
	}
}

func TestController_PositionsAndPackagesAndTradesStartEmpty(t *testing.T) {
	c := newTestController(t)
	if len(c.Positions()) != 0 {
		t.Fatalf("expected no positions before any run, got %d", len(c.Positions()))
	}
	if len(c.Packages()) != 0 {
		t.Fatalf("expected no packages before any run, got %d", len(c.Packages()))
	}
	if len(c.Trades()) != 0 {
		t.Fatalf("expected no trades before any run, got %d", len(c.Trades()))
	}
	if len(c.HedgeTimelines()) != 0 {
		t.Fatalf("expected no hedge rows before any run, got %d", len(c.HedgeTimelines()))
	}
}

func TestHandler_StatusRouteReturnsJSONStatus(t *testing.T) {
	c := newTestController(t)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.State != scheduler.StateIdle {
		t.Fatalf("expected IDLE before any /start call, got %v", st.State)
	}
}

func TestHandler_HealthRouteReturnsOK(t *testing.T) {
	c := newTestController(t)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandler_StopRouteIsIdempotentWhenIdle(t *testing.T) {
	c := newTestController(t)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/stop", "", nil)
	if err != nil {
		t.Fatalf("post /stop: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for a no-op stop, got %d", resp.StatusCode)
	}
}
