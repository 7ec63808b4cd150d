// Package control exposes the narrow operational surface of a running
// engine: start, stop, status, and read-only views of positions/trades/
// hedge timelines. cmd/engine consumes it the way a /run and /health
// REST handler pair wires directly against an engine, generalized here to
// a start/stop-able Scheduler instead of a single-shot Run().
package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/lattice-quant/regime-engine/internal/broker"
	"github.com/lattice-quant/regime-engine/internal/ledger"
	"github.com/lattice-quant/regime-engine/internal/model"
	"github.com/lattice-quant/regime-engine/internal/scheduler"
)

// Status is the point-in-time run status surfaced to an operator.
type Status struct {
	State        scheduler.State `json:"state"`
	Error        string          `json:"error,omitempty"`
	OpenPackages int             `json:"open_packages"`
	KillSwitch   model.KillSwitch `json:"kill_switch"`
}

// Controller is the single entry point cmd/engine's HTTP surface calls
// into. It owns no pipeline state itself — everything is read straight
// off the Scheduler and its collaborators, keeping Controller a thin,
// concurrency-safe facade: the Scheduler alone mutates Position/Package/
// HedgeState/RiskState, so reads here are always consistent snapshots of
// whatever it currently holds.
type Controller struct {
	mu  sync.Mutex
	sch *scheduler.Scheduler
	brk broker.Broker
	opt optionsView
	rs  *model.RiskState
	w   *ledger.Writer
}

// optionsView is the narrow slice of options.Manager the Controller
// reads from, kept as an interface so tests can stub it without a real
// Broker wired behind it.
type optionsView interface {
	Packages() map[string]*model.Package
}

// New constructs a Controller wired to a fully-assembled Scheduler and
// its collaborators.
func New(sch *scheduler.Scheduler, brk broker.Broker, opt optionsView, rs *model.RiskState, w *ledger.Writer) *Controller {
	return &Controller{sch: sch, brk: brk, opt: opt, rs: rs, w: w}
}

// Start begins a run. It is a no-op error (not a panic) to call Start
// twice; Scheduler.Start already rejects a non-idle/stopped state.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sch.Start(ctx); err != nil {
		return fmt.Errorf("control: start: %w", err)
	}
	return nil
}

// Stop requests a graceful stop and blocks until the in-flight bar
// completes (Scheduler.Stop's own contract).
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sch.Stop()
}

// GetStatus reports the current run state and a few cheap health signals.
func (c *Controller) GetStatus() Status {
	st := Status{
		State:        c.sch.State(),
		OpenPackages: c.countOpenPackages(),
		KillSwitch:   c.rs.KillSwitch,
	}
	if err := c.sch.LastError(); err != nil {
		st.Error = err.Error()
	}
	return st
}

func (c *Controller) countOpenPackages() int {
	n := 0
	for _, pkg := range c.opt.Packages() {
		if pkg.State == model.PackageOpen || pkg.State == model.PackageClosing {
			n++
		}
	}
	return n
}

// Positions returns a snapshot of every tracked stock position.
func (c *Controller) Positions() map[string]model.Position {
	return c.brk.Positions()
}

// Packages returns a snapshot of every tracked options package.
func (c *Controller) Packages() map[string]*model.Package {
	return c.opt.Packages()
}

// Trades returns the accumulated trade ledger.
func (c *Controller) Trades() []ledger.TradeRecord {
	return c.w.Trades()
}

// HedgeTimelines returns the accumulated per-package hedge timeline.
func (c *Controller) HedgeTimelines() []ledger.HedgeTimelineRow {
	return c.w.HedgeRows()
}
