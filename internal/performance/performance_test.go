package performance

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoreline-systems/breakout-bot/internal/models"
	"github.com/shoreline-systems/breakout-bot/internal/storage"
)

func newTestAnalyzer(t *testing.T) (*Analyzer, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(store, log), store
}

func addFill(t *testing.T, store *storage.Store, execID, symbol string, side models.Side, qty, price decimal.Decimal, ts time.Time) {
	t.Helper()
	_, err := store.AddFill(context.Background(), models.FillRecord{
		ExecID: execID, OrderID: "order-" + execID, Symbol: symbol, Side: side, Qty: qty, Price: price, Ts: ts,
	})
	require.NoError(t, err)
}

func TestClosedTradesPairsFIFOPerSymbol(t *testing.T) {
	a, store := newTestAnalyzer(t)
	base := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)

	addFill(t, store, "1", "AAPL", models.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(100), base)
	addFill(t, store, "2", "AAPL", models.SideSell, decimal.NewFromInt(10), decimal.NewFromInt(110), base.Add(2*time.Hour))

	trades, err := a.ClosedTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "AAPL", trades[0].Symbol)
	assert.True(t, trades[0].PnL.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 2*time.Hour, trades[0].Duration)
}

func TestClosedTradesPartialExit(t *testing.T) {
	a, store := newTestAnalyzer(t)
	base := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)

	addFill(t, store, "1", "MSFT", models.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(50), base)
	addFill(t, store, "2", "MSFT", models.SideSell, decimal.NewFromInt(4), decimal.NewFromInt(55), base.Add(time.Hour))
	addFill(t, store, "3", "MSFT", models.SideSell, decimal.NewFromInt(6), decimal.NewFromInt(60), base.Add(2*time.Hour))

	trades, err := a.ClosedTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.True(t, trades[0].Qty.Equal(decimal.NewFromInt(4)))
	assert.True(t, trades[1].Qty.Equal(decimal.NewFromInt(6)))
}

func TestStatisticsWinRateAndProfitFactor(t *testing.T) {
	a, store := newTestAnalyzer(t)
	base := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)

	addFill(t, store, "1", "AAPL", models.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(100), base)
	addFill(t, store, "2", "AAPL", models.SideSell, decimal.NewFromInt(10), decimal.NewFromInt(110), base.Add(time.Hour))
	addFill(t, store, "3", "AAPL", models.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(110), base.Add(3*time.Hour))
	addFill(t, store, "4", "AAPL", models.SideSell, decimal.NewFromInt(10), decimal.NewFromInt(100), base.Add(4*time.Hour))

	stats, err := a.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTrades)
	assert.Equal(t, 1, stats.WinningTrades)
	assert.Equal(t, 1, stats.LosingTrades)
	assert.True(t, stats.WinRate.Equal(decimal.NewFromInt(50)))
	assert.True(t, stats.ProfitFactor.Equal(decimal.NewFromInt(1)))
}

func TestStatisticsEmptyWhenNoTrades(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	stats, err := a.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalTrades)
}

func TestBySymbolBreaksDownPerSymbol(t *testing.T) {
	a, store := newTestAnalyzer(t)
	base := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)

	addFill(t, store, "1", "AAPL", models.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(100), base)
	addFill(t, store, "2", "AAPL", models.SideSell, decimal.NewFromInt(10), decimal.NewFromInt(110), base.Add(time.Hour))
	addFill(t, store, "3", "MSFT", models.SideBuy, decimal.NewFromInt(5), decimal.NewFromInt(200), base)
	addFill(t, store, "4", "MSFT", models.SideSell, decimal.NewFromInt(5), decimal.NewFromInt(190), base.Add(time.Hour))

	bySymbol, err := a.BySymbol(context.Background())
	require.NoError(t, err)
	require.Contains(t, bySymbol, "AAPL")
	require.Contains(t, bySymbol, "MSFT")
	assert.Equal(t, 1, bySymbol["AAPL"].Wins)
	assert.Equal(t, 1, bySymbol["MSFT"].Losses)
}

func TestDailySeriesGroupsByExitDate(t *testing.T) {
	a, store := newTestAnalyzer(t)
	day1 := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 6, 9, 30, 0, 0, time.UTC)

	addFill(t, store, "1", "AAPL", models.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(100), day1)
	addFill(t, store, "2", "AAPL", models.SideSell, decimal.NewFromInt(10), decimal.NewFromInt(105), day1.Add(time.Hour))
	addFill(t, store, "3", "AAPL", models.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(105), day2)
	addFill(t, store, "4", "AAPL", models.SideSell, decimal.NewFromInt(10), decimal.NewFromInt(108), day2.Add(time.Hour))

	series, err := a.DailySeries(context.Background(), 30)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, "2026-01-05", series[0].Date)
	assert.Equal(t, "2026-01-06", series[1].Date)
}

func TestExportCSVWritesHeaderAndRows(t *testing.T) {
	a, store := newTestAnalyzer(t)
	base := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	addFill(t, store, "1", "AAPL", models.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(100), base)
	addFill(t, store, "2", "AAPL", models.SideSell, decimal.NewFromInt(10), decimal.NewFromInt(110), base.Add(time.Hour))

	var buf bytes.Buffer
	require.NoError(t, a.ExportCSV(context.Background(), &buf))
	assert.Contains(t, buf.String(), "symbol,entry_ts,exit_ts")
	assert.Contains(t, buf.String(), "AAPL")
}
