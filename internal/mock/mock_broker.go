// Package mock provides an in-memory broker.Broker implementation for
// exercising the controller, orchestrator, and reconciliation loop without
// a live or paper brokerage connection.
package mock

import (
	"context"
	cryptorand "crypto/rand"
	"fmt"
	"math/big"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shoreline-systems/breakout-bot/internal/broker"
	"github.com/shoreline-systems/breakout-bot/internal/models"
)

// secureFloat64 generates a cryptographically secure random float64 in [0, 1).
func secureFloat64() float64 {
	n, err := cryptorand.Int(cryptorand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// Broker is a deterministic-or-random in-memory broker.Broker, driving
// prices with a random walk and filling entries immediately on submission
// rather than modeling partial fills or order-book depth. Trailing stops
// rest until TriggerStop fills them.
//
// Not goroutine-safe beyond its own mutex: callers share one instance
// across a test the way the orchestrator shares one adapter across
// controllers.
type Broker struct {
	mu sync.Mutex

	connected     bool
	deterministic bool
	rng           *rand.Rand

	prices      map[string]decimal.Decimal
	positions   map[string]broker.PositionInfo
	openOrders  map[string]*broker.OrderHandle
	cash        decimal.Decimal
	nextOrderID int

	// pending holds fills not yet surfaced via PollEvents, mirroring the
	// teacher's own separation between "order placed" and "fill observed".
	pending []pendingFill
}

type pendingFill struct {
	handle broker.OrderHandle
	fill   broker.FillEvent
}

// New builds a Broker seeded with startingCash and non-deterministic price
// movement.
func New(startingCash decimal.Decimal) *Broker {
	return &Broker{
		prices:     make(map[string]decimal.Decimal),
		positions:  make(map[string]broker.PositionInfo),
		openOrders: make(map[string]*broker.OrderHandle),
		cash:       startingCash,
	}
}

// NewDeterministic builds a Broker whose price walk is driven by a seeded
// RNG, for reproducible test runs.
func NewDeterministic(startingCash decimal.Decimal, seed int64) *Broker {
	b := New(startingCash)
	b.deterministic = true
	b.rng = rand.New(rand.NewSource(seed)) // #nosec G404 -- deterministic test data, not security sensitive
	return b
}

func (b *Broker) random() float64 {
	if b.deterministic && b.rng != nil {
		return b.rng.Float64()
	}
	return secureFloat64()
}

// SetPrice seeds or overrides the last price for symbol.
func (b *Broker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[models.NormalizeSymbol(symbol)] = price
}

func (b *Broker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *Broker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

// GetLastPrice returns the symbol's last price, walking it a small random
// percentage on every call so repeated polling looks like a live feed.
func (b *Broker) GetLastPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sym := models.NormalizeSymbol(symbol)
	price, ok := b.prices[sym]
	if !ok {
		price = decimal.NewFromFloat(100.0 + b.random()*50)
	}
	move := decimal.NewFromFloat((b.random() - 0.5) * 0.01)
	price = price.Add(price.Mul(move))
	if price.IsNegative() {
		price = decimal.New(1, -2)
	}
	b.prices[sym] = price
	return price, nil
}

// PlaceEntry fills immediately at lastPrice, crediting the position and
// debiting cash, mirroring a marketable order in a liquid symbol.
func (b *Broker) PlaceEntry(_ context.Context, symbol string, qty, lastPrice decimal.Decimal) (*broker.OrderHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sym := models.NormalizeSymbol(symbol)
	id := b.newOrderID()
	handle := broker.OrderHandle{
		OrderID:     id,
		Symbol:      sym,
		Side:        "BUY",
		OrderType:   "MARKET",
		Status:      "FILLED",
		Qty:         qty,
		FilledQty:   qty,
		FilledPrice: lastPrice,
	}

	existing := b.positions[sym]
	totalQty := existing.Qty.Add(qty)
	totalCost := existing.AvgCost.Mul(existing.Qty).Add(lastPrice.Mul(qty))
	avgCost := lastPrice
	if totalQty.IsPositive() {
		avgCost = totalCost.Div(totalQty)
	}
	b.positions[sym] = broker.PositionInfo{
		Symbol:      sym,
		Qty:         totalQty,
		AvgCost:     avgCost,
		MarketValue: totalQty.Mul(lastPrice),
	}
	b.cash = b.cash.Sub(qty.Mul(lastPrice))

	b.pending = append(b.pending, pendingFill{
		handle: handle,
		fill:   broker.FillEvent{ExecID: id, Qty: qty, Price: lastPrice},
	})
	return &handle, nil
}

// PlaceTrailingStop records a resting protective exit without filling it;
// callers drive a fill via PollEvents/TriggerStop in tests that exercise
// the exit path.
func (b *Broker) PlaceTrailingStop(_ context.Context, symbol string, qty, refPrice decimal.Decimal) (*broker.OrderHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sym := models.NormalizeSymbol(symbol)
	id := b.newOrderID()
	trailing := decimal.NewFromFloat(0.05)
	handle := &broker.OrderHandle{
		OrderID:     id,
		Symbol:      sym,
		Side:        "SELL",
		OrderType:   "TRAILING_STOP",
		Status:      "OPEN",
		Qty:         qty,
		StopPrice:   &refPrice,
		TrailingPct: &trailing,
	}
	b.openOrders[id] = handle
	return handle, nil
}

// Cancel removes a resting order; filled orders are not tracked as open so
// canceling one is a no-op rather than an error, matching a broker that
// treats a stale cancel on an already-filled order as harmless.
func (b *Broker) Cancel(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.openOrders, orderID)
	return nil
}

func (b *Broker) GetPositions(_ context.Context) (map[string]broker.PositionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]broker.PositionInfo, len(b.positions))
	for sym, p := range b.positions {
		if p.Qty.IsZero() {
			continue
		}
		out[sym] = p
	}
	return out, nil
}

func (b *Broker) GetOpenOrders(_ context.Context) ([]broker.OrderHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]broker.OrderHandle, 0, len(b.openOrders))
	for _, h := range b.openOrders {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (b *Broker) GetAccountValue(ctx context.Context) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.cash
	for _, p := range b.positions {
		total = total.Add(p.MarketValue)
	}
	return total, nil
}

func (b *Broker) GetAccountSummary(_ context.Context) (map[string]decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	equity := b.cash
	for _, p := range b.positions {
		equity = equity.Add(p.MarketValue)
	}
	return map[string]decimal.Decimal{
		"cash":   b.cash,
		"equity": equity,
	}, nil
}

// PollEvents surfaces every fill recorded since the last poll, then
// clears the queue so each fill is reported once.
func (b *Broker) PollEvents(_ context.Context, sink broker.EventSink) error {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, p := range pending {
		sink.OnFill(p.handle, p.fill)
		sink.OnOrderStatus(p.handle)
	}
	return nil
}

// TriggerStop simulates a resting trailing stop filling at fillPrice,
// for tests that exercise the exit path without a live price feed.
func (b *Broker) TriggerStop(orderID string, fillPrice decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	handle, ok := b.openOrders[orderID]
	if !ok {
		return fmt.Errorf("no open order %s", orderID)
	}
	delete(b.openOrders, orderID)

	filled := *handle
	filled.Status = "FILLED"
	filled.FilledQty = handle.Qty
	filled.FilledPrice = fillPrice

	sym := handle.Symbol
	pos := b.positions[sym]
	pos.Qty = pos.Qty.Sub(handle.Qty)
	pos.MarketValue = pos.Qty.Mul(fillPrice)
	b.positions[sym] = pos
	b.cash = b.cash.Add(handle.Qty.Mul(fillPrice))

	b.pending = append(b.pending, pendingFill{
		handle: filled,
		fill:   broker.FillEvent{ExecID: b.newOrderIDLocked(), Qty: handle.Qty, Price: fillPrice},
	})
	return nil
}

func (b *Broker) newOrderID() string {
	b.nextOrderID++
	return fmt.Sprintf("mock-%d-%d", b.nextOrderID, time.Now().UnixNano())
}

func (b *Broker) newOrderIDLocked() string {
	return b.newOrderID()
}
