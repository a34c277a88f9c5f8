// Package performance derives closed-trade statistics from the fill
// ledger: FIFO-pairing BUY/SELL executions per symbol into closed
// trades, then computing win rate, profit factor, expectancy, Sharpe
// ratio, max drawdown, and per-symbol/day breakdowns.
package performance

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/shoreline-systems/breakout-bot/internal/models"
	"github.com/shoreline-systems/breakout-bot/internal/storage"
)

// Analyzer computes performance metrics from the store's fill ledger.
type Analyzer struct {
	store *storage.Store
	log   *logrus.Logger
}

// New builds an Analyzer against store.
func New(store *storage.Store, log *logrus.Logger) *Analyzer {
	return &Analyzer{store: store, log: log}
}

// Stats is the comprehensive statistics set computed over all closed trades.
type Stats struct {
	TotalTrades         int
	WinningTrades       int
	LosingTrades        int
	WinRate             decimal.Decimal
	TotalPnL            decimal.Decimal
	AvgPnLPerTrade      decimal.Decimal
	AvgWin              decimal.Decimal
	AvgLoss             decimal.Decimal
	LargestWin          decimal.Decimal
	LargestLoss         decimal.Decimal
	ProfitFactor        decimal.Decimal
	Expectancy          decimal.Decimal
	SharpeRatio         decimal.Decimal
	MaxDrawdown         decimal.Decimal
	AvgTradeDurationHrs decimal.Decimal
	GrossProfit         decimal.Decimal
	GrossLoss           decimal.Decimal
}

// SymbolStats is the per-symbol breakdown of closed-trade performance.
type SymbolStats struct {
	Symbol     string
	Trades     int
	Wins       int
	Losses     int
	WinRate    decimal.Decimal
	TotalPnL   decimal.Decimal
	AvgPnL     decimal.Decimal
	BestTrade  decimal.Decimal
	WorstTrade decimal.Decimal
}

// DailyPnL is one day's realized P&L and trade count.
type DailyPnL struct {
	Date   string
	PnL    decimal.Decimal
	Trades int
}

// ClosedTrades loads every fill and FIFO-pairs BUY quantity against
// later SELL quantity, symbol by symbol, oldest fill first.
func (a *Analyzer) ClosedTrades(ctx context.Context) ([]models.ClosedTrade, error) {
	fills, err := a.store.GetAllFills(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading fills: %w", err)
	}

	bySymbol := make(map[string][]models.FillRecord)
	var order []string
	for _, f := range fills {
		if _, ok := bySymbol[f.Symbol]; !ok {
			order = append(order, f.Symbol)
		}
		bySymbol[f.Symbol] = append(bySymbol[f.Symbol], f)
	}
	sort.Strings(order)

	var trades []models.ClosedTrade
	for _, symbol := range order {
		trades = append(trades, pairFillsFIFO(symbol, bySymbol[symbol])...)
	}
	return trades, nil
}

// pairFillsFIFO walks one symbol's fills in time order, opening a long
// entry on the first BUY seen while flat and closing (possibly
// partially) against it on each subsequent SELL.
func pairFillsFIFO(symbol string, fills []models.FillRecord) []models.ClosedTrade {
	var trades []models.ClosedTrade

	position := decimal.Zero
	var haveEntry bool
	var entryPx decimal.Decimal
	var entryAt models.FillRecord

	for _, f := range fills {
		switch f.Side {
		case models.SideBuy:
			if position.IsZero() {
				haveEntry = true
				entryPx = f.Price
				entryAt = f
			}
			position = position.Add(f.Qty)

		case models.SideSell:
			if !haveEntry || position.LessThanOrEqual(decimal.Zero) {
				continue
			}
			exitQty := f.Qty
			if exitQty.GreaterThan(position) {
				exitQty = position
			}
			pnl := f.Price.Sub(entryPx).Mul(exitQty)
			pnlPct := decimal.Zero
			if entryPx.IsPositive() {
				pnlPct = f.Price.Sub(entryPx).Div(entryPx).Mul(decimal.NewFromInt(100))
			}

			trades = append(trades, models.ClosedTrade{
				Symbol:     symbol,
				EntryPrice: entryPx,
				ExitPrice:  f.Price,
				EntryTime:  entryAt.Ts,
				ExitTime:   f.Ts,
				Qty:        exitQty,
				PnL:        pnl,
				PnLPercent: pnlPct,
				Duration:   f.Ts.Sub(entryAt.Ts),
				TradeType:  "long",
			})

			position = position.Sub(exitQty)
			if position.IsZero() {
				haveEntry = false
			}
		}
	}

	return trades
}

// Statistics computes the full statistics set over all closed trades.
func (a *Analyzer) Statistics(ctx context.Context) (Stats, error) {
	trades, err := a.ClosedTrades(ctx)
	if err != nil {
		return Stats{}, err
	}
	if len(trades) == 0 {
		return Stats{}, nil
	}

	var wins, losses []models.ClosedTrade
	totalPnL := decimal.Zero
	totalDurationHrs := decimal.Zero
	for _, t := range trades {
		totalPnL = totalPnL.Add(t.PnL)
		totalDurationHrs = totalDurationHrs.Add(decimal.NewFromFloat(t.Duration.Hours()))
		if t.PnL.IsPositive() {
			wins = append(wins, t)
		} else if t.PnL.IsNegative() {
			losses = append(losses, t)
		}
	}

	n := decimal.NewFromInt(int64(len(trades)))
	winRate := decimal.NewFromInt(int64(len(wins))).Div(n).Mul(decimal.NewFromInt(100))

	grossProfit := sumPnL(wins)
	grossLoss := sumPnL(losses).Abs()

	avgWin := decimal.Zero
	if len(wins) > 0 {
		avgWin = grossProfit.Div(decimal.NewFromInt(int64(len(wins))))
	}
	avgLoss := decimal.Zero
	if len(losses) > 0 {
		avgLoss = grossLoss.Div(decimal.NewFromInt(int64(len(losses))))
	}

	profitFactor := decimal.Zero
	if grossLoss.IsPositive() {
		profitFactor = grossProfit.Div(grossLoss)
	}

	winFrac, _ := winRate.Div(decimal.NewFromInt(100)).Float64()
	avgWinF, _ := avgWin.Float64()
	avgLossF, _ := avgLoss.Float64()
	expectancy := decimal.NewFromFloat(winFrac*avgWinF - (1-winFrac)*avgLossF)

	largestWin := decimal.Zero
	for _, t := range wins {
		if t.PnL.GreaterThan(largestWin) {
			largestWin = t.PnL
		}
	}
	largestLoss := decimal.Zero
	for _, t := range losses {
		if t.PnL.LessThan(largestLoss) {
			largestLoss = t.PnL
		}
	}

	sharpe := sharpeRatio(trades)
	maxDrawdown := maxDrawdown(trades)

	return Stats{
		TotalTrades:         len(trades),
		WinningTrades:       len(wins),
		LosingTrades:        len(losses),
		WinRate:             winRate,
		TotalPnL:            totalPnL,
		AvgPnLPerTrade:      totalPnL.Div(n),
		AvgWin:              avgWin,
		AvgLoss:             avgLoss,
		LargestWin:          largestWin,
		LargestLoss:         largestLoss,
		ProfitFactor:        profitFactor,
		Expectancy:          expectancy,
		SharpeRatio:         sharpe,
		MaxDrawdown:         maxDrawdown,
		AvgTradeDurationHrs: totalDurationHrs.Div(n),
		GrossProfit:         grossProfit,
		GrossLoss:           grossLoss,
	}, nil
}

func sumPnL(trades []models.ClosedTrade) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range trades {
		sum = sum.Add(t.PnL)
	}
	return sum
}

// sharpeRatio computes a simplified Sharpe ratio over per-trade percent
// returns: mean divided by population standard deviation.
func sharpeRatio(trades []models.ClosedTrade) decimal.Decimal {
	if len(trades) < 2 {
		return decimal.Zero
	}
	returns := make([]float64, len(trades))
	sum := 0.0
	for i, t := range trades {
		f, _ := t.PnLPercent.Float64()
		returns[i] = f
		sum += f
	}
	mean := sum / float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(mean / stddev)
}

// maxDrawdown computes the largest peak-to-trough drop in cumulative
// P&L across the trade sequence, in trade-closure order.
func maxDrawdown(trades []models.ClosedTrade) decimal.Decimal {
	if len(trades) == 0 {
		return decimal.Zero
	}
	running := decimal.Zero
	peak := decimal.Zero
	maxDD := decimal.Zero
	for i, t := range trades {
		running = running.Add(t.PnL)
		if i == 0 || running.GreaterThan(peak) {
			peak = running
		}
		dd := peak.Sub(running)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}

// BySymbol breaks closed-trade performance down per symbol.
func (a *Analyzer) BySymbol(ctx context.Context) (map[string]SymbolStats, error) {
	trades, err := a.ClosedTrades(ctx)
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]models.ClosedTrade)
	for _, t := range trades {
		grouped[t.Symbol] = append(grouped[t.Symbol], t)
	}

	out := make(map[string]SymbolStats, len(grouped))
	for symbol, ts := range grouped {
		wins := 0
		total := decimal.Zero
		best := ts[0].PnL
		worst := ts[0].PnL
		for _, t := range ts {
			total = total.Add(t.PnL)
			if t.PnL.IsPositive() {
				wins++
			}
			if t.PnL.GreaterThan(best) {
				best = t.PnL
			}
			if t.PnL.LessThan(worst) {
				worst = t.PnL
			}
		}
		n := decimal.NewFromInt(int64(len(ts)))
		out[symbol] = SymbolStats{
			Symbol:     symbol,
			Trades:     len(ts),
			Wins:       wins,
			Losses:     len(ts) - wins,
			WinRate:    decimal.NewFromInt(int64(wins)).Div(n).Mul(decimal.NewFromInt(100)),
			TotalPnL:   total,
			AvgPnL:     total.Div(n),
			BestTrade:  best,
			WorstTrade: worst,
		}
	}
	return out, nil
}

// DailySeries returns realized P&L per calendar day (UTC), oldest
// first, capped to the most recent days entries.
func (a *Analyzer) DailySeries(ctx context.Context, days int) ([]DailyPnL, error) {
	trades, err := a.ClosedTrades(ctx)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, nil
	}

	byDate := make(map[string]*DailyPnL)
	var dates []string
	for _, t := range trades {
		date := t.ExitTime.UTC().Format("2006-01-02")
		entry, ok := byDate[date]
		if !ok {
			entry = &DailyPnL{Date: date}
			byDate[date] = entry
			dates = append(dates, date)
		}
		entry.PnL = entry.PnL.Add(t.PnL)
		entry.Trades++
	}
	sort.Strings(dates)

	out := make([]DailyPnL, len(dates))
	for i, d := range dates {
		out[i] = *byDate[d]
	}
	if days > 0 && len(out) > days {
		out = out[len(out)-days:]
	}
	return out, nil
}

var csvHeader = []string{
	"symbol", "entry_ts", "exit_ts", "duration_hours",
	"entry_price", "exit_price", "qty", "pnl", "pnl_pct", "trade_type",
}

// ExportCSV writes every closed trade to w in the column order the
// operator export script expects.
func (a *Analyzer) ExportCSV(ctx context.Context, w io.Writer) error {
	trades, err := a.ClosedTrades(ctx)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, t := range trades {
		row := []string{
			t.Symbol,
			t.EntryTime.UTC().Format("2006-01-02T15:04:05Z"),
			t.ExitTime.UTC().Format("2006-01-02T15:04:05Z"),
			fmt.Sprintf("%.2f", t.Duration.Hours()),
			t.EntryPrice.StringFixed(4),
			t.ExitPrice.StringFixed(4),
			t.Qty.String(),
			t.PnL.StringFixed(2),
			t.PnLPercent.StringFixed(2),
			t.TradeType,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv row for %s: %w", t.Symbol, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
