package controller

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoreline-systems/breakout-bot/internal/broker"
	"github.com/shoreline-systems/breakout-bot/internal/config"
	"github.com/shoreline-systems/breakout-bot/internal/sizing"
	"github.com/shoreline-systems/breakout-bot/internal/storage"
)

type fakeBroker struct {
	lastPrice decimal.Decimal

	entryHandle *broker.OrderHandle
	entryErr    error
	entryCalls  int

	stopHandle *broker.OrderHandle
	stopErr    error
	stopCalls  int

	cancelled []string
	cancelErr error
}

func (f *fakeBroker) Connect(ctx context.Context) error    { return nil }
func (f *fakeBroker) Disconnect(ctx context.Context) error { return nil }

func (f *fakeBroker) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.lastPrice, nil
}

func (f *fakeBroker) PlaceEntry(ctx context.Context, symbol string, qty, lastPrice decimal.Decimal) (*broker.OrderHandle, error) {
	f.entryCalls++
	if f.entryErr != nil {
		return nil, f.entryErr
	}
	return f.entryHandle, nil
}

func (f *fakeBroker) PlaceTrailingStop(ctx context.Context, symbol string, qty, refPrice decimal.Decimal) (*broker.OrderHandle, error) {
	f.stopCalls++
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	return f.stopHandle, nil
}

func (f *fakeBroker) Cancel(ctx context.Context, orderID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeBroker) GetPositions(ctx context.Context) (map[string]broker.PositionInfo, error) {
	return nil, nil
}

func (f *fakeBroker) GetOpenOrders(ctx context.Context) ([]broker.OrderHandle, error) {
	return nil, nil
}

func (f *fakeBroker) GetAccountValue(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeBroker) GetAccountSummary(ctx context.Context) (map[string]decimal.Decimal, error) {
	return nil, nil
}

func (f *fakeBroker) PollEvents(ctx context.Context, sink broker.EventSink) error { return nil }

func newTestController(t *testing.T, br broker.Broker) (*Controller, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Allocation: config.Allocation{PerSymbolUSD: 1000},
		Cooldowns:  config.Cooldowns{AfterStopoutMinutes: 30},
	}
	sizer := sizing.New(sizing.Limits{
		MaxSymbolExposureUSD:  decimal.NewFromInt(10000),
		MaxTotalExposureUSD:   decimal.NewFromInt(100000),
		MinCashReservePercent: decimal.Zero,
		AllowFractional:       true,
	}, silentLogger())

	c := New("aapl", cfg, br, store, sizer, silentLogger())
	return c, store
}

func silentLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestStatusNoPosition(t *testing.T) {
	c, _ := newTestController(t, &fakeBroker{})
	status, err := c.Status(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "no_position", string(status))
}

func TestStatusEntryPending(t *testing.T) {
	c, _ := newTestController(t, &fakeBroker{})
	orders := []broker.OrderHandle{{Symbol: "AAPL", Side: "BUY", Status: "accepted"}}
	status, err := c.Status(context.Background(), nil, orders)
	require.NoError(t, err)
	assert.Equal(t, "entry_pending", string(status))
}

func TestStatusPositionOpen(t *testing.T) {
	c, _ := newTestController(t, &fakeBroker{})
	positions := map[string]broker.PositionInfo{"AAPL": {Symbol: "AAPL", Qty: decimal.NewFromInt(10)}}
	status, err := c.Status(context.Background(), positions, nil)
	require.NoError(t, err)
	assert.Equal(t, "position_open", string(status))
}

func TestStatusCooldown(t *testing.T) {
	c, store := newTestController(t, &fakeBroker{})
	until := time.Now().UTC().Add(10 * time.Minute)
	require.NoError(t, store.UpsertSymbolState(context.Background(), "AAPL", storage.SymbolStatePatch{CooldownUntil: &until}))

	status, err := c.Status(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "cooldown", string(status))
}

func TestHandleNoPositionPlacesEntryAndRecordsState(t *testing.T) {
	fb := &fakeBroker{
		lastPrice:   decimal.NewFromInt(100),
		entryHandle: &broker.OrderHandle{OrderID: "o-1", OrderType: "stop", Status: "accepted"},
	}
	c, store := newTestController(t, fb)

	err := c.Tick(context.Background(), nil, nil, decimal.NewFromInt(50000), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fb.entryCalls)

	state, err := store.GetSymbolState(context.Background(), "AAPL")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "o-1", state.LastParentID)

	order, err := store.GetOrder(context.Background(), "o-1")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, "AAPL", order.Symbol)
}

func TestHandlePositionOpenRecreatesMissingTrailingStop(t *testing.T) {
	fb := &fakeBroker{
		lastPrice:  decimal.NewFromInt(110),
		stopHandle: &broker.OrderHandle{OrderID: "stop-1", OrderType: "trailing_stop", Status: "accepted"},
	}
	c, store := newTestController(t, fb)

	positions := map[string]broker.PositionInfo{"AAPL": {Symbol: "AAPL", Qty: decimal.NewFromInt(10)}}
	err := c.Tick(context.Background(), positions, nil, decimal.NewFromInt(50000), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fb.stopCalls)

	state, err := store.GetSymbolState(context.Background(), "AAPL")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "stop-1", state.LastTrailID)
}

func TestHandlePositionOpenCancelsDuplicateStops(t *testing.T) {
	fb := &fakeBroker{}
	c, _ := newTestController(t, fb)

	positions := map[string]broker.PositionInfo{"AAPL": {Symbol: "AAPL", Qty: decimal.NewFromInt(10)}}
	orders := []broker.OrderHandle{
		{OrderID: "stop-a", Symbol: "AAPL", Side: "SELL", OrderType: "trailing_stop", Qty: decimal.NewFromInt(10)},
		{OrderID: "stop-b", Symbol: "AAPL", Side: "SELL", OrderType: "trailing_stop", Qty: decimal.NewFromInt(10)},
	}
	err := c.Tick(context.Background(), positions, orders, decimal.NewFromInt(50000), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"stop-b"}, fb.cancelled)
}

func TestHandlePositionOpenNoOpWhenStopMatchesQty(t *testing.T) {
	fb := &fakeBroker{}
	c, _ := newTestController(t, fb)

	positions := map[string]broker.PositionInfo{"AAPL": {Symbol: "AAPL", Qty: decimal.NewFromInt(10)}}
	orders := []broker.OrderHandle{
		{OrderID: "stop-a", Symbol: "AAPL", Side: "SELL", OrderType: "trailing_stop", Qty: decimal.NewFromInt(10)},
	}
	err := c.Tick(context.Background(), positions, orders, decimal.NewFromInt(50000), nil)
	require.NoError(t, err)
	assert.Empty(t, fb.cancelled)
	assert.Equal(t, 0, fb.stopCalls)
}

func TestOnStopOutStartsCooldown(t *testing.T) {
	c, store := newTestController(t, &fakeBroker{})
	require.NoError(t, c.OnStopOut(context.Background()))

	state, err := store.GetSymbolState(context.Background(), "AAPL")
	require.NoError(t, err)
	require.NotNil(t, state.CooldownUntil)
	assert.True(t, state.CooldownUntil.After(time.Now().UTC()))

	status, err := c.Status(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "cooldown", string(status))
}

func TestCancelUnfilledEntries(t *testing.T) {
	fb := &fakeBroker{}
	c, _ := newTestController(t, fb)

	orders := []broker.OrderHandle{
		{OrderID: "entry-1", Symbol: "AAPL", Side: "BUY", Status: "accepted"},
		{OrderID: "entry-other", Symbol: "MSFT", Side: "BUY", Status: "accepted"},
	}
	require.NoError(t, c.CancelUnfilledEntries(context.Background(), orders))
	assert.Equal(t, []string{"entry-1"}, fb.cancelled)
}

func TestPlaceTrailingStopAfterEntry(t *testing.T) {
	fb := &fakeBroker{stopHandle: &broker.OrderHandle{OrderID: "stop-x", OrderType: "trailing_stop", Status: "accepted"}}
	c, store := newTestController(t, fb)

	err := c.PlaceTrailingStopAfterEntry(context.Background(), decimal.NewFromInt(5), decimal.NewFromInt(100))
	require.NoError(t, err)

	state, err := store.GetSymbolState(context.Background(), "AAPL")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "stop-x", state.LastTrailID)
}
