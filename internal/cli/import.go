package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ndhoang/lanerun/internal/store/aggregate"
)

var importCmd = &cobra.Command{
	Use:   "import [rows.jsonl]",
	Short: "Replace the aggregation store contents from an exported row dump",
	Args:  cobra.ExactArgs(1),
	Run:   runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(exitUsage)
	}

	f, err := os.Open(args[0])
	if err != nil {
		slog.Error("Failed to open row dump", "error", err)
		os.Exit(exitUsage)
	}
	defer func() { _ = f.Close() }()

	store, err := aggregate.Open(cfg.Store, slog.Default())
	if err != nil {
		slog.Error("Failed to open aggregation store", "error", err)
		os.Exit(exitUsage)
	}

	if err := store.ImportRows(context.Background(), f); err != nil {
		slog.Error("Import failed", "error", err)
		os.Exit(exitRunFail)
	}
	slog.Info("Store restored", "from", args[0])
}
