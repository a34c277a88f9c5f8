// Package controller implements the per-symbol state machine: it
// recomputes a symbol's status on every tick from broker and store
// truth (never from a persisted status field) and drives the entry,
// trailing-stop maintenance, cooldown, and end-of-day cancellation
// behavior described by the symbol controller.
package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/shoreline-systems/breakout-bot/internal/broker"
	"github.com/shoreline-systems/breakout-bot/internal/config"
	"github.com/shoreline-systems/breakout-bot/internal/models"
	"github.com/shoreline-systems/breakout-bot/internal/sizing"
	"github.com/shoreline-systems/breakout-bot/internal/storage"
)

// Controller owns one watched symbol's lifecycle.
type Controller struct {
	Symbol string

	cfg    *config.Config
	broker broker.Broker
	store  *storage.Store
	sizer  *sizing.Sizer
	log    *logrus.Logger
}

// New builds a controller for symbol.
func New(symbol string, cfg *config.Config, br broker.Broker, store *storage.Store, sizer *sizing.Sizer, log *logrus.Logger) *Controller {
	return &Controller{
		Symbol: models.NormalizeSymbol(symbol),
		cfg:    cfg,
		broker: br,
		store:  store,
		sizer:  sizer,
		log:    log,
	}
}

func isTrailingStopType(orderType string) bool {
	return strings.Contains(strings.ToLower(orderType), "trail")
}

// Status recomputes the symbol's current status, checking cooldown,
// then open position, then pending entry order, in that order.
func (c *Controller) Status(ctx context.Context, positions map[string]broker.PositionInfo, openOrders []broker.OrderHandle) (models.SymbolStatus, error) {
	state, err := c.store.GetSymbolState(ctx, c.Symbol)
	if err != nil {
		return "", fmt.Errorf("get symbol state %s: %w", c.Symbol, err)
	}
	if state.InCooldown(time.Now().UTC()) {
		return models.StatusCooldown, nil
	}

	if pos, ok := positions[c.Symbol]; ok && pos.Qty.IsPositive() {
		return models.StatusPositionOpen, nil
	}

	for _, o := range openOrders {
		if o.Symbol == c.Symbol && strings.EqualFold(o.Side, string(models.SideBuy)) && models.IsOpenStatus(o.Status) {
			return models.StatusEntryPending, nil
		}
	}

	return models.StatusNoPosition, nil
}

// Tick recomputes status and dispatches to the matching handler, per
// the controller's single entry point each orchestration cycle.
func (c *Controller) Tick(ctx context.Context, positions map[string]broker.PositionInfo, openOrders []broker.OrderHandle, accountValue decimal.Decimal, exposurePositions map[string]decimal.Decimal) error {
	status, err := c.Status(ctx, positions, openOrders)
	if err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{"symbol": c.Symbol, "status": string(status)}).Debug("processing_symbol")

	switch status {
	case models.StatusNoPosition:
		return c.handleNoPosition(ctx, accountValue, exposurePositions)
	case models.StatusEntryPending:
		return c.handleEntryPending(ctx)
	case models.StatusPositionOpen:
		return c.handlePositionOpen(ctx, positions[c.Symbol], openOrders)
	case models.StatusCooldown:
		return c.handleCooldown(ctx)
	case models.StatusHalt:
		return nil
	default:
		return fmt.Errorf("unknown status %q for %s", status, c.Symbol)
	}
}

func (c *Controller) handleNoPosition(ctx context.Context, accountValue decimal.Decimal, exposurePositions map[string]decimal.Decimal) error {
	lastPrice, err := c.broker.GetLastPrice(ctx, c.Symbol)
	if err != nil {
		c.log.WithError(err).WithField("symbol", c.Symbol).Warn("cannot_fetch_price")
		return nil
	}

	allocation := decimal.NewFromFloat(c.cfg.AllocationFor(c.Symbol))
	qty := c.sizer.Size(c.Symbol, lastPrice, allocation, exposurePositions, &accountValue)
	if qty.IsZero() {
		c.log.WithField("symbol", c.Symbol).Info("skipping_entry_zero_qty")
		return nil
	}

	handle, err := c.broker.PlaceEntry(ctx, c.Symbol, qty, lastPrice)
	if err != nil {
		return fmt.Errorf("place entry %s: %w", c.Symbol, err)
	}

	if err := c.store.UpsertSymbolState(ctx, c.Symbol, storage.SymbolStatePatch{LastParentID: &handle.OrderID}); err != nil {
		return fmt.Errorf("upsert symbol state %s: %w", c.Symbol, err)
	}

	if _, err := c.store.AddOrder(ctx, models.OrderRecord{
		OrderID:    handle.OrderID,
		Symbol:     c.Symbol,
		Side:       models.SideBuy,
		OrderType:  handle.OrderType,
		Status:     handle.Status,
		Qty:        qty,
		StopPrice:  handle.StopPrice,
		LimitPrice: handle.LimitPrice,
	}); err != nil {
		return fmt.Errorf("add order %s: %w", handle.OrderID, err)
	}

	return c.store.AddEvent(ctx, "entry_order_placed", c.Symbol, map[string]interface{}{
		"order_id":   handle.OrderID,
		"qty":        qty.String(),
		"last_price": lastPrice.String(),
	})
}

// handleEntryPending does nothing: entry orders are DAY orders that
// auto-cancel at close, and fills are observed by the reconciliation
// loop's PollEvents callback, not polled here.
func (c *Controller) handleEntryPending(ctx context.Context) error {
	c.log.WithField("symbol", c.Symbol).Debug("entry_pending")
	return nil
}

func (c *Controller) handlePositionOpen(ctx context.Context, position broker.PositionInfo, openOrders []broker.OrderHandle) error {
	var trailingStops []broker.OrderHandle
	for _, o := range openOrders {
		if o.Symbol == c.Symbol && strings.EqualFold(o.Side, string(models.SideSell)) && isTrailingStopType(o.OrderType) {
			trailingStops = append(trailingStops, o)
		}
	}

	switch {
	case len(trailingStops) == 0:
		return c.recreateTrailingStop(ctx, position.Qty, "missing_trailing_stop", "trailing_stop_recreated")

	case len(trailingStops) > 1:
		c.log.WithFields(logrus.Fields{"symbol": c.Symbol, "count": len(trailingStops)}).Warn("duplicate_trailing_stops")
		for _, dup := range trailingStops[1:] {
			if err := c.broker.Cancel(ctx, dup.OrderID); err != nil {
				return fmt.Errorf("cancel duplicate stop %s: %w", dup.OrderID, err)
			}
			if err := c.store.AddEvent(ctx, "duplicate_stop_cancelled", c.Symbol, map[string]interface{}{"order_id": dup.OrderID}); err != nil {
				return err
			}
		}
		return nil

	default:
		stop := trailingStops[0]
		if !stop.Qty.Equal(position.Qty) {
			c.log.WithFields(logrus.Fields{
				"symbol":       c.Symbol,
				"position_qty": position.Qty.String(),
				"stop_qty":     stop.Qty.String(),
			}).Warn("stop_qty_mismatch")
			if err := c.broker.Cancel(ctx, stop.OrderID); err != nil {
				return fmt.Errorf("cancel mismatched stop %s: %w", stop.OrderID, err)
			}
			return c.recreateTrailingStop(ctx, position.Qty, "", "trailing_stop_adjusted")
		}
		return nil
	}
}

func (c *Controller) recreateTrailingStop(ctx context.Context, qty decimal.Decimal, warnEvent, successEvent string) error {
	if warnEvent != "" {
		c.log.WithField("symbol", c.Symbol).Warn(warnEvent)
	}

	lastPrice, err := c.broker.GetLastPrice(ctx, c.Symbol)
	if err != nil {
		c.log.WithError(err).WithField("symbol", c.Symbol).Warn("cannot_fetch_price")
		return nil
	}

	handle, err := c.broker.PlaceTrailingStop(ctx, c.Symbol, qty, lastPrice)
	if err != nil {
		return fmt.Errorf("place trailing stop %s: %w", c.Symbol, err)
	}

	if err := c.store.UpsertSymbolState(ctx, c.Symbol, storage.SymbolStatePatch{LastTrailID: &handle.OrderID}); err != nil {
		return fmt.Errorf("upsert symbol state %s: %w", c.Symbol, err)
	}

	return c.store.AddEvent(ctx, successEvent, c.Symbol, map[string]interface{}{
		"order_id": handle.OrderID,
		"qty":      qty.String(),
	})
}

func (c *Controller) handleCooldown(ctx context.Context) error {
	state, err := c.store.GetSymbolState(ctx, c.Symbol)
	if err != nil {
		return err
	}
	if state != nil && state.CooldownUntil != nil {
		remaining := time.Until(*state.CooldownUntil)
		c.log.WithFields(logrus.Fields{"symbol": c.Symbol, "remaining_seconds": int(remaining.Seconds())}).Debug("in_cooldown")
	}
	return nil
}

// OnStopOut starts the post-stop-out cooldown window for the symbol.
func (c *Controller) OnStopOut(ctx context.Context) error {
	cooldownUntil := time.Now().UTC().Add(c.cfg.CooldownDuration())
	if err := c.store.UpsertSymbolState(ctx, c.Symbol, storage.SymbolStatePatch{CooldownUntil: &cooldownUntil}); err != nil {
		return fmt.Errorf("upsert symbol state %s: %w", c.Symbol, err)
	}

	if err := c.store.AddEvent(ctx, "stopout_cooldown_started", c.Symbol, map[string]interface{}{
		"cooldown_minutes": c.cfg.Cooldowns.AfterStopoutMinutes,
		"cooldown_until":   cooldownUntil.Format(time.RFC3339),
	}); err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{"symbol": c.Symbol, "cooldown_minutes": c.cfg.Cooldowns.AfterStopoutMinutes}).Info("stopout_cooldown_started")
	return nil
}

// CancelUnfilledEntries cancels any still-pending BUY entry order for
// the symbol, used at the end-of-day cancel-at-close window.
func (c *Controller) CancelUnfilledEntries(ctx context.Context, openOrders []broker.OrderHandle) error {
	for _, o := range openOrders {
		if o.Symbol != c.Symbol || !strings.EqualFold(o.Side, string(models.SideBuy)) || !models.IsOpenStatus(o.Status) {
			continue
		}
		if err := c.broker.Cancel(ctx, o.OrderID); err != nil {
			return fmt.Errorf("cancel unfilled entry %s: %w", o.OrderID, err)
		}
		if err := c.store.AddEvent(ctx, "entry_cancelled_eod", c.Symbol, map[string]interface{}{"order_id": o.OrderID}); err != nil {
			return err
		}
		c.log.WithFields(logrus.Fields{"symbol": c.Symbol, "order_id": o.OrderID}).Info("entry_cancelled_eod")
	}
	return nil
}

// PlaceTrailingStopAfterEntry places the protective exit once an entry
// order's BUY fill is observed by the reconciliation loop.
func (c *Controller) PlaceTrailingStopAfterEntry(ctx context.Context, qty, entryPrice decimal.Decimal) error {
	c.log.WithFields(logrus.Fields{"symbol": c.Symbol, "qty": qty.String()}).Info("placing_trailing_stop_after_entry")

	handle, err := c.broker.PlaceTrailingStop(ctx, c.Symbol, qty, entryPrice)
	if err != nil {
		return fmt.Errorf("place trailing stop after entry %s: %w", c.Symbol, err)
	}

	if err := c.store.UpsertSymbolState(ctx, c.Symbol, storage.SymbolStatePatch{LastTrailID: &handle.OrderID}); err != nil {
		return fmt.Errorf("upsert symbol state %s: %w", c.Symbol, err)
	}

	if _, err := c.store.AddOrder(ctx, models.OrderRecord{
		OrderID:     handle.OrderID,
		Symbol:      c.Symbol,
		Side:        models.SideSell,
		OrderType:   handle.OrderType,
		Status:      handle.Status,
		Qty:         qty,
		TrailingPct: handle.TrailingPct,
	}); err != nil {
		return fmt.Errorf("add order %s: %w", handle.OrderID, err)
	}

	return c.store.AddEvent(ctx, "trailing_stop_placed_after_entry", c.Symbol, map[string]interface{}{
		"order_id": handle.OrderID,
		"qty":      qty.String(),
	})
}
