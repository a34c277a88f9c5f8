// paperreset cancels every open order at the broker and clears the local
// store so a paper account can be restarted from a known-empty state,
// grounded on the teacher's cleanup_positions/reset_positions scripts.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shoreline-systems/breakout-bot/internal/broker"
	"github.com/shoreline-systems/breakout-bot/internal/broker/alpaca"
	"github.com/shoreline-systems/breakout-bot/internal/broker/ibkr"
	"github.com/shoreline-systems/breakout-bot/internal/config"
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
	var dryRun, skipConfirm bool

	cmd := &cobra.Command{
		Use:   "paperreset",
		Short: "Cancel open broker orders and clear local store state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPaperReset(cmd.Context(), configPath, dryRun, skipConfirm)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	cmd.Flags().BoolVar(&skipConfirm, "yes", false, "skip the confirmation prompt")
	return cmd
}

func runPaperReset(ctx context.Context, configPath string, dryRun, skipConfirm bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Mode == "live" {
		return fmt.Errorf("refusing to reset a live-mode configuration (mode=%s); point --config at a paper config", cfg.Mode)
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

	openOrders, err := br.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("get open orders: %w", err)
	}

	fmt.Printf("found %d open order(s) at the broker\n", len(openOrders))
	if !dryRun && !skipConfirm && !confirm() {
		fmt.Println("aborted")
		return nil
	}

	if dryRun {
		for _, o := range openOrders {
			fmt.Printf("  would cancel %s %s qty=%s\n", o.Symbol, o.OrderID, o.Qty.String())
		}
		fmt.Println("would clear local store state")
		return nil
	}

	var cancelErrs int
	for _, o := range openOrders {
		if err := br.Cancel(ctx, o.OrderID); err != nil {
			log.WithError(err).WithField("order_id", o.OrderID).Warn("cancel_failed")
			cancelErrs++
			continue
		}
		fmt.Printf("cancelled %s %s\n", o.Symbol, o.OrderID)
	}

	store, err := storage.Open(ctx, cfg.Persistence.DBURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if err := store.ResetState(ctx); err != nil {
		return fmt.Errorf("reset store state: %w", err)
	}

	fmt.Println("local store state cleared")
	if cancelErrs > 0 {
		return fmt.Errorf("%d order(s) failed to cancel, see warnings above", cancelErrs)
	}
	return nil
}

func confirm() bool {
	fmt.Print("this will cancel all open orders and clear all local state. continue? [y/N] ")
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.EqualFold(strings.TrimSpace(line), "y")
}
