package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/shoreline-systems/breakout-bot/internal/models"
	"github.com/shoreline-systems/breakout-bot/internal/performance"
	"github.com/shoreline-systems/breakout-bot/internal/storage"
)

func TestRunExport_WritesCSVForClosedTrades(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "export_test.db")
	store, err := storage.Open(ctx, dbPath)
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UTC()
	_, err = store.AddFill(ctx, models.FillRecord{
		ExecID: "buy-1", OrderID: "o1", Symbol: "AAPL", Side: models.SideBuy,
		Qty: decimal.NewFromInt(10), Price: decimal.NewFromInt(100), Ts: now,
	})
	require.NoError(t, err)
	_, err = store.AddFill(ctx, models.FillRecord{
		ExecID: "sell-1", OrderID: "o2", Symbol: "AAPL", Side: models.SideSell,
		Qty: decimal.NewFromInt(10), Price: decimal.NewFromInt(110), Ts: now.Add(time.Hour),
	})
	require.NoError(t, err)

	outputPath := filepath.Join(t.TempDir(), "trades.csv")
	require.NoError(t, exportToFile(ctx, store, outputPath))

	contents, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	require.Contains(t, string(contents), "AAPL")
}

// exportToFile mirrors runExport's body without the config/store-open
// plumbing, so the CSV-writing path is testable against a temp database.
func exportToFile(ctx context.Context, store *storage.Store, outputPath string) error {
	analyzer := performance.New(store, nil)
	f, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return analyzer.ExportCSV(ctx, f)
}
