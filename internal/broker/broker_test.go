package broker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/lattice-quant/regime-engine/internal/model"
)

func TestPaperBroker_StockFillAppliesSlippage(t *testing.T) {
	b := NewPaperBroker(decimal.NewFromFloat(100000), 10) // 10 bps
	b.SetBarClose("SPY", 100)

	order := model.Order{
		ClientOrderID:  NewClientOrderID(),
		Symbol:         "SPY",
		Quantity:       10,
		InstrumentKind: model.InstrumentStock,
	}
	res, err := b.Submit(context.Background(), order)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != model.OrderFilled {
		t.Fatalf("expected filled, got %v", res.Status)
	}
	want := decimal.NewFromFloat(100 + 100*10.0/10000)
	if !res.FillPrice.Equal(want) {
		t.Fatalf("fill price = %v, want %v", res.FillPrice, want)
	}
}

func TestPaperBroker_RejectsWithoutClose(t *testing.T) {
	b := NewPaperBroker(decimal.NewFromFloat(100000), 0)
	order := model.Order{ClientOrderID: NewClientOrderID(), Symbol: "SPY", Quantity: 10, InstrumentKind: model.InstrumentStock}
	res, err := b.Submit(context.Background(), order)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != model.OrderRejected {
		t.Fatalf("expected rejected without a bar close, got %v", res.Status)
	}
}

func TestPaperBroker_IdempotentResubmit(t *testing.T) {
	b := NewPaperBroker(decimal.NewFromFloat(100000), 0)
	b.SetBarClose("SPY", 100)
	order := model.Order{ClientOrderID: "fixed-id", Symbol: "SPY", Quantity: 10, InstrumentKind: model.InstrumentStock}

	first, err := b.Submit(context.Background(), order)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := b.Submit(context.Background(), order)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first != second {
		t.Fatalf("resubmitting the same client_order_id should return the cached result")
	}
	if pos := b.Positions()["SPY"]; pos.Quantity != 10 {
		t.Fatalf("resubmission must not double-fill, got quantity %d", pos.Quantity)
	}
}

func TestPaperBroker_WeightedAvgEntryPriceOnIncrease(t *testing.T) {
	b := NewPaperBroker(decimal.NewFromFloat(100000), 0)
	b.SetBarClose("SPY", 100)
	if _, err := b.Submit(context.Background(), model.Order{ClientOrderID: "a", Symbol: "SPY", Quantity: 10, InstrumentKind: model.InstrumentStock}); err != nil {
		t.Fatal(err)
	}
	b.SetBarClose("SPY", 120)
	if _, err := b.Submit(context.Background(), model.Order{ClientOrderID: "b", Symbol: "SPY", Quantity: 10, InstrumentKind: model.InstrumentStock}); err != nil {
		t.Fatal(err)
	}
	pos := b.Positions()["SPY"]
	want := decimal.NewFromFloat(110)
	if !pos.AvgEntryPrice.Equal(want) {
		t.Fatalf("avg entry price = %v, want %v", pos.AvgEntryPrice, want)
	}
	if pos.Quantity != 20 {
		t.Fatalf("quantity = %d, want 20", pos.Quantity)
	}
}

func TestPaperBroker_RealizedPnLOnReduction(t *testing.T) {
	b := NewPaperBroker(decimal.NewFromFloat(100000), 0)
	b.SetBarClose("SPY", 100)
	if _, err := b.Submit(context.Background(), model.Order{ClientOrderID: "a", Symbol: "SPY", Quantity: 10, InstrumentKind: model.InstrumentStock}); err != nil {
		t.Fatal(err)
	}
	b.SetBarClose("SPY", 150)
	if _, err := b.Submit(context.Background(), model.Order{ClientOrderID: "b", Symbol: "SPY", Quantity: -10, InstrumentKind: model.InstrumentStock}); err != nil {
		t.Fatal(err)
	}
	pos := b.Positions()["SPY"]
	if pos.Quantity != 0 {
		t.Fatalf("expected flat position, got %d", pos.Quantity)
	}
	want := decimal.NewFromFloat(500) // (150-100) * 10
	if !pos.RealizedPnL.Equal(want) {
		t.Fatalf("realized pnl = %v, want %v", pos.RealizedPnL, want)
	}
}

func TestPaperBroker_OptionLegFillsAtMark(t *testing.T) {
	b := NewPaperBroker(decimal.NewFromFloat(100000), 0)
	b.SetMark("SPY260918C00500000", decimal.NewFromFloat(4.25))

	order := model.Order{
		ClientOrderID:  NewClientOrderID(),
		Symbol:         "SPY",
		ContractSymbol: "SPY260918C00500000",
		Quantity:       1,
		InstrumentKind: model.InstrumentOptionSingle,
	}
	res, err := b.Submit(context.Background(), order)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != model.OrderFilled {
		t.Fatalf("expected filled, got %v", res.Status)
	}
	if !res.FillPrice.Equal(decimal.NewFromFloat(4.25)) {
		t.Fatalf("fill price = %v, want 4.25", res.FillPrice)
	}
}
