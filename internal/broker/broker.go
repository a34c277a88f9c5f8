// Package broker defines the capability contract every brokerage adapter
// implements, plus a circuit-breaker decorator shared by all of them.
package broker

import (
	"context"

	"github.com/shopspring/decimal"
)

// PositionInfo is the broker's view of one open position.
type PositionInfo struct {
	Symbol       string
	Qty          decimal.Decimal
	AvgCost      decimal.Decimal
	MarketValue  decimal.Decimal
}

// OrderHandle is the broker's own identifier plus enough state for the
// controller and reconciliation loop to act without a second round trip.
type OrderHandle struct {
	OrderID     string
	Symbol      string
	Side        string // buy or sell; case varies by adapter ("BUY", "buy"), so compare case-insensitively
	OrderType   string
	Status      string
	Qty         decimal.Decimal
	FilledQty   decimal.Decimal
	FilledPrice decimal.Decimal
	StopPrice   *decimal.Decimal
	LimitPrice  *decimal.Decimal
	TrailingPct *decimal.Decimal
}

// FillEvent is the descriptor handed to OnFill when an order's
// (partial) fill is observed.
type FillEvent struct {
	ExecID string
	Qty    decimal.Decimal
	Price  decimal.Decimal
}

// EventSink receives fill and status-change notifications surfaced by
// PollEvents, mirroring spec §4.4's on_fill/on_order_status callbacks.
type EventSink interface {
	OnFill(handle OrderHandle, fill FillEvent)
	OnOrderStatus(handle OrderHandle)
}

// Broker is the capability contract every adapter variant (equities,
// crypto) implements. A single adapter instance may serve both: symbols
// self-describe as crypto via models.IsCrypto, and the adapter picks the
// matching order-construction policy per spec §4.4.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// PlaceEntry submits the breakout entry order for symbol at the given
	// quantity and reference (last) price, per the variant's policy.
	PlaceEntry(ctx context.Context, symbol string, qty, lastPrice decimal.Decimal) (*OrderHandle, error)

	// PlaceTrailingStop submits the protective exit for an open position,
	// per the variant's policy (a true trailing stop for equities, a
	// fixed discount limit sell for crypto).
	PlaceTrailingStop(ctx context.Context, symbol string, qty, refPrice decimal.Decimal) (*OrderHandle, error)

	Cancel(ctx context.Context, orderID string) error

	GetPositions(ctx context.Context) (map[string]PositionInfo, error)
	GetOpenOrders(ctx context.Context) ([]OrderHandle, error)

	GetAccountValue(ctx context.Context) (decimal.Decimal, error)
	GetAccountSummary(ctx context.Context) (map[string]decimal.Decimal, error)

	// PollEvents lists recent order activity and invokes sink for every
	// transition it observes, per the reconciliation loop's contract.
	PollEvents(ctx context.Context, sink EventSink) error
}
