package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ndhoang/lanerun/internal/store/aggregate"
)

var statusExport bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current aggregation store contents",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusExport, "export", false, "dump rows as JSONL instead of a table")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(exitUsage)
	}

	ctx := context.Background()
	store, err := aggregate.Open(cfg.Store, slog.Default())
	if err != nil {
		slog.Error("Failed to open aggregation store", "error", err)
		os.Exit(exitUsage)
	}

	if statusExport {
		if err := store.ExportRows(ctx, os.Stdout); err != nil {
			slog.Error("Export failed", "error", err)
			os.Exit(exitRunFail)
		}
		return
	}

	rows, err := store.Summaries(ctx)
	if err != nil {
		slog.Error("Failed to read summaries", "error", err)
		os.Exit(exitRunFail)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "GROUP\tTOTAL\tSUCCESS\tPARTIAL\tFAILURE\tRATE\tLATENCY\tUPDATED")

	for _, row := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1f%%\t%.2fs\t%s\n",
			row.GroupKey.String(),
			row.Total, row.Success, row.Partial, row.Failure,
			row.SuccessRate()*100,
			row.LatencyMean,
			row.LastUpdated.Format("2006-01-02 15:04:05"))
	}
	_ = w.Flush()
}
