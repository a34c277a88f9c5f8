// Package reconcile drains broker order-state deltas and fans them out
// to the store and to the owning symbol controller, per the
// reconciliation loop's tracked-order/callback contract.
package reconcile

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/shoreline-systems/breakout-bot/internal/broker"
	"github.com/shoreline-systems/breakout-bot/internal/controller"
	"github.com/shoreline-systems/breakout-bot/internal/models"
	"github.com/shoreline-systems/breakout-bot/internal/storage"
)

// Lookup resolves a symbol to its owning controller. The orchestrator
// supplies this from its live controller set; a miss (symbol no longer
// watched) is not an error, just a store-only update.
type Lookup func(symbol string) (*controller.Controller, bool)

// Loop implements broker.EventSink, translating fill and status events
// into store writes and controller callbacks.
type Loop struct {
	broker broker.Broker
	store  *storage.Store
	lookup Lookup
	log    *logrus.Logger
}

// New builds a reconciliation loop against br, store, and the given
// controller lookup.
func New(br broker.Broker, store *storage.Store, lookup Lookup, log *logrus.Logger) *Loop {
	return &Loop{broker: br, store: store, lookup: lookup, log: log}
}

// Tick asks the broker adapter to list recent order activity; the
// adapter invokes OnFill/OnOrderStatus on this Loop for every
// transition it observes since the last tick.
func (l *Loop) Tick(ctx context.Context) error {
	return l.broker.PollEvents(ctx, l)
}

// OnFill is invoked for every new fill (full or partial) the adapter
// observes. It books the fill and, on a BUY entry's terminal fill,
// triggers trailing-stop placement; on a SELL exit's terminal fill, it
// starts the symbol's cooldown.
func (l *Loop) OnFill(handle broker.OrderHandle, fill broker.FillEvent) {
	ctx := context.Background()

	if _, err := l.store.AddFill(ctx, models.FillRecord{
		ExecID:  fill.ExecID,
		OrderID: handle.OrderID,
		Symbol:  handle.Symbol,
		Side:    models.Side(strings.ToUpper(handle.Side)),
		Qty:     fill.Qty,
		Price:   fill.Price,
	}); err != nil {
		l.log.WithError(err).WithField("order_id", handle.OrderID).Error("add_fill_failed")
	}

	if err := l.store.UpdateOrderStatus(ctx, handle.OrderID, handle.Status); err != nil {
		l.log.WithError(err).WithField("order_id", handle.OrderID).Error("update_order_status_failed")
	}

	if err := l.store.AddEvent(ctx, "fill_observed", handle.Symbol, map[string]interface{}{
		"order_id": handle.OrderID,
		"side":     handle.Side,
		"qty":      fill.Qty.String(),
		"price":    fill.Price.String(),
		"status":   handle.Status,
	}); err != nil {
		l.log.WithError(err).WithField("order_id", handle.OrderID).Error("add_event_failed")
	}

	if !models.IsTerminalStatus(handle.Status) || handle.Status == "" {
		return
	}
	if !strings.EqualFold(handle.Status, "filled") {
		return
	}

	c, ok := l.lookup(handle.Symbol)
	if !ok {
		l.log.WithField("symbol", handle.Symbol).Warn("fill_for_unwatched_symbol")
		return
	}

	switch {
	case strings.EqualFold(handle.Side, string(models.SideBuy)):
		if err := c.PlaceTrailingStopAfterEntry(ctx, handle.FilledQty, fill.Price); err != nil {
			l.log.WithError(err).WithField("symbol", handle.Symbol).Error("place_trailing_stop_after_entry_failed")
		}
	case strings.EqualFold(handle.Side, string(models.SideSell)):
		if err := c.OnStopOut(ctx); err != nil {
			l.log.WithError(err).WithField("symbol", handle.Symbol).Error("on_stop_out_failed")
		}
	}
}

// OnOrderStatus is invoked for every observed status change, including
// ones that are not fills (e.g. accepted, rejected, cancelled).
func (l *Loop) OnOrderStatus(handle broker.OrderHandle) {
	ctx := context.Background()

	if err := l.store.UpdateOrderStatus(ctx, handle.OrderID, handle.Status); err != nil {
		l.log.WithError(err).WithField("order_id", handle.OrderID).Error("update_order_status_failed")
		return
	}

	if err := l.store.AddEvent(ctx, "order_status_changed", handle.Symbol, map[string]interface{}{
		"order_id": handle.OrderID,
		"status":   handle.Status,
	}); err != nil {
		l.log.WithError(err).WithField("order_id", handle.OrderID).Error("add_event_failed")
	}
}
