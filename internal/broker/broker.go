// Package broker defines the Broker abstraction and a deterministic
// PaperBroker for replay/backtest, generalizing an inline bar-close/
// BS-fallback fill routine (engine/executor.go's simCloseTrade) into a
// proper submit/fill/cancel contract with idempotent client_order_id
// submission, a behavior a single-shot backtest never needed.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"github.com/lattice-quant/regime-engine/internal/logger"
	"github.com/lattice-quant/regime-engine/internal/model"
)

// Account is the broker-reported account snapshot.
type Account struct {
	Equity decimal.Decimal
	Cash   decimal.Decimal
}

// Broker submits orders and reports fills/positions/account state. The
// engine is expected to treat it as idempotent per client_order_id:
// resubmitting the same order id must not double-fill.
type Broker interface {
	Submit(ctx context.Context, order model.Order) (model.OrderResult, error)
	Cancel(ctx context.Context, orderID string) error
	Positions() map[string]model.Position
	Account() Account
}

// NewClientOrderID mints a fresh idempotency key for a broker submission.
func NewClientOrderID() string { return uuid.NewString() }

// PaperBroker is a deterministic paper-trading engine: stock orders fill at
// bar.close (with optional slippage in basis points), option leg orders
// fill at the supplied mark. It is driven one bar at a time by whoever owns
// the bar loop (the Scheduler) via SetMark/SetBarClose before Submit is
// called for that bar.
type PaperBroker struct {
	mu sync.Mutex

	slippageBps float64
	seen        map[string]model.OrderResult // client_order_id -> result, for idempotent resubmission
	positions   map[string]model.Position
	account     Account

	lastClose map[string]float64
	lastMark  map[string]decimal.Decimal // contract_symbol -> mark

	retryBackoff *backoff.Backoff
}

// NewPaperBroker constructs a PaperBroker seeded with startingCash.
func NewPaperBroker(startingCash decimal.Decimal, slippageBps float64) *PaperBroker {
	return &PaperBroker{
		slippageBps: slippageBps,
		seen:        map[string]model.OrderResult{},
		positions:   map[string]model.Position{},
		account:     Account{Equity: startingCash, Cash: startingCash},
		lastClose:   map[string]float64{},
		lastMark:    map[string]decimal.Decimal{},
		retryBackoff: &backoff.Backoff{
			Min:    100 * time.Millisecond,
			Max:    2 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

// SubmitWithRetry retries Submit up to maxAttempts times with the broker's
// configured backoff whenever Submit returns an error — the response to a
// broker timeout on an exit order. If the context is done while waiting
// between attempts it stops and returns the context's error. It returns the
// last error if every attempt is exhausted so the caller can escalate (flag
// NEEDS_REVIEW).
func (b *PaperBroker) SubmitWithRetry(ctx context.Context, order model.Order, maxAttempts int) (model.OrderResult, error) {
	b.retryBackoff.Reset()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err := b.Submit(ctx, order)
		if err == nil {
			return res, nil
		}
		lastErr = err
		logger.Event(logger.Error, "broker submit failed, retrying", "client_order_id", order.ClientOrderID, "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return model.OrderResult{}, ctx.Err()
		case <-time.After(b.retryBackoff.Duration()):
		}
	}
	return model.OrderResult{}, fmt.Errorf("broker: exhausted %d attempts: %w", maxAttempts, lastErr)
}

// SetBarClose records the latest close for a symbol, used to fill stock
// orders.
func (b *PaperBroker) SetBarClose(symbol string, close float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastClose[symbol] = close
}

// SetMark records the latest option mark for a contract, used to fill
// option leg orders.
func (b *PaperBroker) SetMark(contractSymbol string, mark decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastMark[contractSymbol] = mark
}

// Submit implements Broker. Resubmitting an order with a client_order_id
// already seen returns the cached result rather than filling twice.
func (b *PaperBroker) Submit(ctx context.Context, order model.Order) (model.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if order.ClientOrderID == "" {
		return model.OrderResult{}, fmt.Errorf("broker: order missing client_order_id")
	}
	if cached, ok := b.seen[order.ClientOrderID]; ok {
		logger.Debugf("event=idempotent_resubmit client_order_id=%s", order.ClientOrderID)
		return cached, nil
	}

	var fillPrice float64
	if order.InstrumentKind == model.InstrumentStock {
		close, ok := b.lastClose[order.Symbol]
		if !ok || close <= 0 {
			res := model.OrderResult{OrderID: order.ClientOrderID, Status: model.OrderRejected}
			b.seen[order.ClientOrderID] = res
			return res, nil
		}
		slip := close * b.slippageBps / 10000
		if order.Quantity > 0 {
			fillPrice = close + slip
		} else {
			fillPrice = close - slip
		}
	} else {
		mark, ok := b.lastMark[order.ContractSymbol]
		if !ok {
			res := model.OrderResult{OrderID: order.ClientOrderID, Status: model.OrderRejected}
			b.seen[order.ClientOrderID] = res
			return res, nil
		}
		fillPrice = mark.InexactFloat64()
	}

	res := model.OrderResult{
		OrderID:   order.ClientOrderID,
		Status:    model.OrderFilled,
		FillQty:   order.Quantity,
		FillPrice: decimal.NewFromFloat(fillPrice),
	}
	b.seen[order.ClientOrderID] = res
	b.applyFill(order, res)
	return res, nil
}

// applyFill updates cash, quantity, weighted avg_entry_price (on
// increases), and realized_pnl (on reductions), mirroring hedge.Hedger's
// applyFill convention for the same stock-position bookkeeping problem.
func (b *PaperBroker) applyFill(order model.Order, res model.OrderResult) {
	if order.InstrumentKind != model.InstrumentStock {
		return
	}
	pos := b.positions[order.Symbol]
	pos.Symbol = order.Symbol

	before := pos.Quantity
	after := before + res.FillQty
	cost := res.FillPrice.Mul(decimal.NewFromInt(res.FillQty))
	b.account.Cash = b.account.Cash.Sub(cost)

	increasing := abs64(after) > abs64(before) && sameSign64(before, after)
	if increasing || before == 0 {
		totalCost := pos.AvgEntryPrice.Mul(decimal.NewFromInt(abs64(before))).Add(res.FillPrice.Mul(decimal.NewFromInt(abs64(res.FillQty))))
		totalQty := abs64(before) + abs64(res.FillQty)
		if totalQty > 0 {
			pos.AvgEntryPrice = totalCost.Div(decimal.NewFromInt(totalQty))
		}
	} else {
		reduceQty := abs64(res.FillQty)
		if reduceQty > abs64(before) {
			reduceQty = abs64(before)
		}
		sign := decimal.NewFromInt(1)
		if before < 0 {
			sign = decimal.NewFromInt(-1)
		}
		pnl := sign.Mul(res.FillPrice.Sub(pos.AvgEntryPrice)).Mul(decimal.NewFromInt(reduceQty))
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	}

	pos.Quantity = after
	if pos.Quantity == 0 {
		pos.AvgEntryPrice = decimal.Zero
	}
	b.positions[order.Symbol] = pos
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sameSign64(a, b int64) bool {
	return (a >= 0) == (b >= 0)
}

// Cancel implements Broker. PaperBroker fills synchronously on Submit, so a
// cancel after submission is always a no-op success.
func (b *PaperBroker) Cancel(ctx context.Context, orderID string) error {
	return nil
}

// Positions implements Broker.
func (b *PaperBroker) Positions() map[string]model.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]model.Position, len(b.positions))
	for k, v := range b.positions {
		out[k] = v
	}
	return out
}

// Account implements Broker.
func (b *PaperBroker) Account() Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.account
}
