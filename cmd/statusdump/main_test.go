package main

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/shoreline-systems/breakout-bot/internal/broker"
	"github.com/shoreline-systems/breakout-bot/internal/models"
)

func TestBuildReport_FlagsUnwatchedBrokerPosition(t *testing.T) {
	positions := map[string]broker.PositionInfo{
		"TSLA": {Symbol: "TSLA", Qty: decimal.NewFromInt(10)},
	}
	rep := buildReport(positions, nil, nil, []string{"AAPL"})

	assert.Equal(t, 1, rep.BrokerPositions)
	assert.Len(t, rep.Mismatches, 1)
	assert.Contains(t, rep.Mismatches[0], "TSLA")
	assert.Contains(t, rep.Mismatches[0], "not in the configured watchlist")
}

func TestBuildReport_FlagsOrphanedSymbolState(t *testing.T) {
	states := []models.SymbolState{{Symbol: "AAPL"}}
	rep := buildReport(nil, nil, states, []string{"AAPL"})

	assert.Len(t, rep.Mismatches, 1)
	assert.Contains(t, rep.Mismatches[0], "no position or open order")
}

func TestBuildReport_NoMismatchWhenOrderCoversSymbolState(t *testing.T) {
	states := []models.SymbolState{{Symbol: "AAPL"}}
	orders := []broker.OrderHandle{{OrderID: "1", Symbol: "AAPL"}}
	rep := buildReport(nil, orders, states, []string{"AAPL"})

	assert.Empty(t, rep.Mismatches)
}

func TestBuildReport_CleanStateProducesNoMismatches(t *testing.T) {
	positions := map[string]broker.PositionInfo{
		"AAPL": {Symbol: "AAPL", Qty: decimal.NewFromInt(5)},
	}
	states := []models.SymbolState{{Symbol: "AAPL"}}
	rep := buildReport(positions, nil, states, []string{"AAPL"})

	assert.Empty(t, rep.Mismatches)
	assert.Equal(t, "yes", rep.Positions["AAPL"].TrackedInStore)
}
