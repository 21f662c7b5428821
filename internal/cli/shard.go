package cli

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ndhoang/lanerun/internal/core/config"
	"github.com/ndhoang/lanerun/internal/core/domain"
	"github.com/ndhoang/lanerun/internal/infra/endpoint"
	"github.com/ndhoang/lanerun/internal/run/ratelimit"
	"github.com/ndhoang/lanerun/internal/run/scheduler"
	"github.com/ndhoang/lanerun/internal/store/aggregate"
)

var (
	shardSpecPath   string
	shardStatusPath string
)

// shardCmd is the re-invocation target for proc-mode runs. The parent
// writes a complete spec file and execs this same binary; everything
// the shard needs travels in that file, nothing in the environment.
var shardCmd = &cobra.Command{
	Use:    "shard",
	Short:  "Execute one shard from a spec file (internal)",
	Hidden: true,
	Run:    runShard,
}

func init() {
	shardCmd.Flags().StringVar(&shardSpecPath, "spec", "", "shard spec file")
	shardCmd.Flags().StringVar(&shardStatusPath, "status", "", "status report file")
	_ = shardCmd.MarkFlagRequired("spec")
	_ = shardCmd.MarkFlagRequired("status")
	rootCmd.AddCommand(shardCmd)
}

func runShard(cmd *cobra.Command, args []string) {
	// Plain-text logs; the parent captures them into per-shard files.
	initLogger(config.LoggingConfig{})

	spec, err := readShardSpec(shardSpecPath)
	if err != nil {
		slog.Error("Failed to read shard spec", "path", shardSpecPath, "error", err)
		os.Exit(exitUsage)
	}

	log := slog.Default().With("shard", spec.Shard.ID, "lane", spec.Lane.ID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := buildShardDeps(spec, log)
	if err != nil {
		log.Error("Failed to build shard dependencies", "error", err)
		os.Exit(exitRunFail)
	}

	report := scheduler.ExecuteShard(ctx, spec.Shard, deps)
	if err := scheduler.WriteReport(shardStatusPath, report); err != nil {
		log.Error("Failed to write final status", "error", err)
		os.Exit(exitRunFail)
	}

	if report.State != domain.ShardCompleted {
		os.Exit(exitRunFail)
	}
}

func readShardSpec(path string) (scheduler.ShardSpec, error) {
	var spec scheduler.ShardSpec
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, err
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return spec, err
	}
	return spec, nil
}

func buildShardDeps(spec scheduler.ShardSpec, log *slog.Logger) (scheduler.ShardDeps, error) {
	lanes := []domain.Lane{spec.Lane}

	var limiter ratelimit.Limiter
	var err error
	switch spec.Limiter.Backend {
	case "redis":
		limiter, err = ratelimit.NewRedisLimiter(spec.Limiter.RedisURL, lanes)
	default:
		limiter, err = ratelimit.NewFileLimiter(spec.Limiter.StateDir, lanes, spec.Limiter.LockWait, log)
	}
	if err != nil {
		return scheduler.ShardDeps{}, err
	}

	store, err := aggregate.Open(spec.Store, log)
	if err != nil {
		return scheduler.ShardDeps{}, err
	}

	return scheduler.ShardDeps{
		Lane:      spec.Lane,
		Limiter:   limiter,
		Caller:    endpoint.New(spec.Endpoint, spec.Credential),
		Exec:      spec.Exec,
		Collector: spec.Collector,
		TailDir:   spec.TailDir,
		Store:     store,
		Log:       log,
		OnUpdate: func(rep domain.ShardReport) {
			if err := scheduler.WriteReport(shardStatusPath, rep); err != nil {
				log.Warn("Failed to publish status", "error", err)
			}
		},
	}, nil
}
