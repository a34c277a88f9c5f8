// statusdump prints a reconciliation-style report comparing what the
// broker reports for open positions and orders against what the local
// store believes each watched symbol's state to be, grounded on the
// teacher's audit_positions broker-vs-storage comparison.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shoreline-systems/breakout-bot/internal/broker"
	"github.com/shoreline-systems/breakout-bot/internal/broker/alpaca"
	"github.com/shoreline-systems/breakout-bot/internal/broker/ibkr"
	"github.com/shoreline-systems/breakout-bot/internal/config"
	"github.com/shoreline-systems/breakout-bot/internal/models"
	"github.com/shoreline-systems/breakout-bot/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "statusdump",
		Short: "Compare broker positions/orders against local store state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatusDump(cmd.Context(), configPath, jsonOutput)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the report as JSON")
	return cmd
}

// report is the comparison result between broker truth and stored state.
type report struct {
	BrokerPositions int              `json:"broker_positions"`
	BrokerOrders    int              `json:"broker_open_orders"`
	StoredSymbols   int              `json:"stored_symbols"`
	Mismatches      []string         `json:"mismatches"`
	Positions       map[string]entry `json:"positions"`
}

type entry struct {
	BrokerQty      string `json:"broker_qty"`
	TrackedInStore string `json:"tracked_in_store"`
}

func hasOpenOrder(orders []broker.OrderHandle, symbol string) (broker.OrderHandle, bool) {
	for _, o := range orders {
		if o.Symbol == symbol {
			return o, true
		}
	}
	return broker.OrderHandle{}, false
}

// buildReport compares broker truth against stored symbol state, flagging
// any broker position outside the configured watchlist and any stored
// symbol with neither a broker position nor a resting order.
func buildReport(
	positions map[string]broker.PositionInfo,
	openOrders []broker.OrderHandle,
	symbolStates []models.SymbolState,
	watchlist []string,
) report {
	rep := report{
		BrokerPositions: len(positions),
		BrokerOrders:    len(openOrders),
		StoredSymbols:   len(symbolStates),
		Positions:       make(map[string]entry),
	}

	watched := make(map[string]bool, len(watchlist))
	for _, sym := range watchlist {
		watched[models.NormalizeSymbol(sym)] = true
	}

	trackedSymbol := make(map[string]bool, len(symbolStates))
	for _, s := range symbolStates {
		trackedSymbol[s.Symbol] = true
	}

	for sym, pos := range positions {
		tracked := "no"
		if trackedSymbol[sym] {
			tracked = "yes"
		}
		if !watched[sym] {
			rep.Mismatches = append(rep.Mismatches, fmt.Sprintf("%s: broker reports a position for a symbol not in the configured watchlist", sym))
		}
		rep.Positions[sym] = entry{BrokerQty: pos.Qty.String(), TrackedInStore: tracked}
	}
	for sym := range trackedSymbol {
		if _, hasPosition := positions[sym]; !hasPosition {
			if _, open := hasOpenOrder(openOrders, sym); !open {
				rep.Mismatches = append(rep.Mismatches, fmt.Sprintf("%s: store has symbol state but broker reports no position or open order", sym))
			}
		}
	}
	return rep
}

func runStatusDump(ctx context.Context, configPath string, jsonOutput bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	var br broker.Broker
	switch cfg.Broker.Provider {
	case "ibkr":
		br = ibkr.New(cfg, log)
	default:
		br = alpaca.New(cfg, log)
	}

	if err := br.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer br.Disconnect(ctx)

	store, err := storage.Open(ctx, cfg.Persistence.DBURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	positions, err := br.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("get broker positions: %w", err)
	}
	openOrders, err := br.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("get broker open orders: %w", err)
	}
	symbolStates, err := store.ListSymbolStates(ctx)
	if err != nil {
		return fmt.Errorf("list symbol states: %w", err)
	}

	watchlist := append(append([]string{}, cfg.Watchlist...), cfg.CryptoWatchlist...)
	rep := buildReport(positions, openOrders, symbolStates, watchlist)

	if jsonOutput {
		out, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	printReport(rep)
	return nil
}

func printReport(rep report) {
	fmt.Printf("broker positions: %d, broker open orders: %d, stored symbols: %d\n",
		rep.BrokerPositions, rep.BrokerOrders, rep.StoredSymbols)
	if len(rep.Mismatches) == 0 {
		fmt.Println("no mismatches detected")
		return
	}
	fmt.Println("mismatches:")
	fmt.Println(strings.Repeat("-", 40))
	for _, m := range rep.Mismatches {
		fmt.Printf("  - %s\n", m)
	}
}
