package cli

import (
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/ndhoang/lanerun/internal/core/config"
)

// Exit codes. The supervisor's verdict maps onto them so wrapper
// scripts can tell "ran but lost shards" from "never started".
const (
	exitOK      = 0
	exitRunFail = 1
	exitUsage   = 2
	exitTimeout = 124
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "lanerun",
	Short: "Crash-safe batch trial harness",
	Long: `lanerun drains batches of black-box tasks through rate-limited
credential lanes and folds every outcome into a durable aggregation
store that survives crashes mid-run.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitUsage)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

// loadConfig reads the config file and wires the process logger from
// its logging section. Called by every subcommand before real work.
func loadConfig() (*config.AppConfig, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		initLogger(config.LoggingConfig{})
		return nil, err
	}
	initLogger(cfg.Logging)
	return cfg, nil
}

func initLogger(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	if isDebug || cfg.Level == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})
	}
	slog.SetDefault(slog.New(handler))
}
