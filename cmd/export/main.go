// export dumps closed trades to CSV, for an
// operator pulling records into a spreadsheet or another analytics tool.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shoreline-systems/breakout-bot/internal/config"
	"github.com/shoreline-systems/breakout-bot/internal/performance"
	"github.com/shoreline-systems/breakout-bot/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, outputPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export closed trades to CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), configPath, outputPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	cmd.Flags().StringVar(&outputPath, "output", "trades.csv", "path to write the CSV export")
	return cmd
}

func runExport(ctx context.Context, configPath, outputPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := storage.Open(ctx, cfg.Persistence.DBURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	analyzer := performance.New(store, logrus.New())

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	if err := analyzer.ExportCSV(ctx, f); err != nil {
		return fmt.Errorf("export csv: %w", err)
	}

	fmt.Printf("wrote closed trades to %s\n", outputPath)
	return nil
}
