// Package ledger writes the run's output artifacts: run_config.json, the
// trade ledger, and the per-package hedge timeline. It generalizes a
// report.WriteJSON/WriteCSV pair that wrote a single flat
// trades.json/trades.csv into three independently-appended artifact
// streams, matching the engine's richer package/hedge model.
package ledger

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lattice-quant/regime-engine/internal/config"
	"github.com/lattice-quant/regime-engine/internal/model"
)

// TradeRecord is one append-only trade-ledger row: a stock round-trip or
// an options package exit.
type TradeRecord struct {
	Kind       string          `json:"kind"` // "stock" | "package"
	Symbol     string          `json:"symbol"`
	Strategy   string          `json:"strategy,omitempty"`
	PackageID  string          `json:"package_id,omitempty"`
	EntryTime  time.Time       `json:"entry_time"`
	ExitTime   time.Time       `json:"exit_time"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	PnL        decimal.Decimal `json:"pnl"`
	ExitReason string          `json:"exit_reason,omitempty"`
}

// HedgeTimelineRow is one row of a package's hedge timeline.
type HedgeTimelineRow struct {
	PackageID      string  `json:"package_id"`
	BarIndex       int64   `json:"bar_index"`
	Price          float64 `json:"price"`
	NetOptionDelta float64 `json:"net_option_delta"`
	HedgeShares    int64   `json:"hedge_shares"`
	TotalDelta     float64 `json:"total_delta"`
	OptionsPnL     float64 `json:"options_pnl"`
	HedgePnL       float64 `json:"hedge_pnl"`
	TotalPnL       float64 `json:"total_pnl"`
	Note           string  `json:"note,omitempty"`
}

// Writer owns the run's output directory and appends to the three
// artifact streams as the run progresses. Trade and hedge rows are kept
// in-memory and written out on Flush, mirroring a write-everything-at-
// end reporting style rather than a line-buffered append (this engine's
// runs are bar-bounded and modest in size).
type Writer struct {
	mu       sync.Mutex
	outdir   string
	trades   []TradeRecord
	hedgeRow []HedgeTimelineRow
}

// NewWriter creates outdir if needed and returns a Writer rooted there.
func NewWriter(outdir string) (*Writer, error) {
	if err := os.MkdirAll(outdir, 0755); err != nil {
		return nil, fmt.Errorf("ledger: mkdir: %w", err)
	}
	return &Writer{outdir: outdir}, nil
}

// WriteRunConfig persists the effective configuration snapshot at startup
// to run_config.json.
func (w *Writer) WriteRunConfig(meta config.RunMetadata) error {
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.outdir, "run_config.json"), b, 0644)
}

// RecordTrade appends one trade-ledger record.
func (w *Writer) RecordTrade(r TradeRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trades = append(w.trades, r)
}

// RecordHedgeRow appends one hedge-timeline row.
func (w *Writer) RecordHedgeRow(r HedgeTimelineRow) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hedgeRow = append(w.hedgeRow, r)
}

// Trades returns a copy of the recorded trade ledger, used for the
// reconciliation check that engine-reported P&L equals P&L recomputed
// from the ledger.
func (w *Writer) Trades() []TradeRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]TradeRecord(nil), w.trades...)
}

// HedgeRows returns a copy of the recorded hedge timeline, the read path
// the "hedge_timelines" control-surface route exposes.
func (w *Writer) HedgeRows() []HedgeTimelineRow {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]HedgeTimelineRow(nil), w.hedgeRow...)
}

// Flush writes trades.json, trades.csv, and hedge_timeline.csv to outdir.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeTradesJSON(); err != nil {
		return err
	}
	if err := w.writeTradesCSV(); err != nil {
		return err
	}
	return w.writeHedgeCSV()
}

func (w *Writer) writeTradesJSON() error {
	b, err := json.MarshalIndent(w.trades, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.outdir, "trades.json"), b, 0644)
}

func (w *Writer) writeTradesCSV() error {
	f, err := os.Create(filepath.Join(w.outdir, "trades.csv"))
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	defer cw.Flush()

	headers := []string{"kind", "symbol", "strategy", "package_id", "entry_time", "exit_time", "entry_price", "exit_price", "pnl", "exit_reason"}
	if err := cw.Write(headers); err != nil {
		return err
	}
	for _, t := range w.trades {
		row := []string{
			t.Kind, t.Symbol, t.Strategy, t.PackageID,
			t.EntryTime.Format(time.RFC3339), t.ExitTime.Format(time.RFC3339),
			t.EntryPrice.String(), t.ExitPrice.String(), t.PnL.String(), t.ExitReason,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeHedgeCSV() error {
	f, err := os.Create(filepath.Join(w.outdir, "hedge_timeline.csv"))
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	defer cw.Flush()

	headers := []string{"package_id", "bar_index", "price", "net_option_delta", "hedge_shares", "total_delta", "options_pnl", "hedge_pnl", "total_pnl", "note"}
	if err := cw.Write(headers); err != nil {
		return err
	}
	for _, r := range w.hedgeRow {
		row := []string{
			r.PackageID, fmt.Sprint(r.BarIndex), fmt.Sprintf("%.4f", r.Price),
			fmt.Sprintf("%.4f", r.NetOptionDelta), fmt.Sprint(r.HedgeShares),
			fmt.Sprintf("%.4f", r.TotalDelta), fmt.Sprintf("%.2f", r.OptionsPnL),
			fmt.Sprintf("%.2f", r.HedgePnL), fmt.Sprintf("%.2f", r.TotalPnL), r.Note,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// TradeRecordFromPackage builds a trade-ledger record for a just-closed
// options package.
func TradeRecordFromPackage(pkg *model.Package) TradeRecord {
	exit := time.Time{}
	if pkg.ExitTime != nil {
		exit = *pkg.ExitTime
	}
	return TradeRecord{
		Kind:       "package",
		Symbol:     pkg.Symbol,
		Strategy:   string(pkg.Strategy),
		PackageID:  pkg.PackageID,
		EntryTime:  pkg.EntryTime,
		ExitTime:   exit,
		EntryPrice: pkg.EntryCreditOrDebit,
		ExitPrice:  pkg.EntryCreditOrDebit.Add(pkg.RealizedPnL),
		PnL:        pkg.RealizedPnL,
		ExitReason: pkg.ExitReason,
	}
}
