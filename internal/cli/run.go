package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ndhoang/lanerun/internal/core/config"
	"github.com/ndhoang/lanerun/internal/core/domain"
	"github.com/ndhoang/lanerun/internal/infra/archive"
	"github.com/ndhoang/lanerun/internal/infra/endpoint"
	"github.com/ndhoang/lanerun/internal/run/collector"
	"github.com/ndhoang/lanerun/internal/run/metrics"
	"github.com/ndhoang/lanerun/internal/run/ratelimit"
	"github.com/ndhoang/lanerun/internal/run/scheduler"
	"github.com/ndhoang/lanerun/internal/store/aggregate"
)

var tasksPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a batch of tasks across the configured lanes",
	Run:   runBatch,
}

func init() {
	runCmd.Flags().StringVar(&tasksPath, "tasks", "tasks.jsonl", "task batch file (JSON array or JSONL)")
	rootCmd.AddCommand(runCmd)
}

func runBatch(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(exitUsage)
	}

	tasks, err := readTasks(tasksPath)
	if err != nil {
		slog.Error("Failed to read task batch", "path", tasksPath, "error", err)
		os.Exit(exitUsage)
	}
	if len(tasks) == 0 {
		slog.Error("Task batch is empty", "path", tasksPath)
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(execute(ctx, cfg, tasks))
}

// execute wires the full run pipeline and returns the process exit code.
func execute(ctx context.Context, cfg *config.AppConfig, tasks []domain.Task) int {
	log := slog.Default()

	store, err := aggregate.Open(cfg.Store, log)
	if err != nil {
		log.Error("Failed to open aggregation store", "error", err)
		return exitUsage
	}

	// Replay whatever a previous crashed run left behind before any new
	// shard opens a tail in the same directory.
	replayed, err := store.Recover(ctx, cfg.Runner.TailDir)
	if err != nil {
		log.Error("Tail recovery failed", "error", err)
		return exitRunFail
	}
	if replayed > 0 {
		log.Info("Recovered records from orphaned tails", "records", replayed)
	}

	limiter, err := buildLimiter(cfg, log)
	if err != nil {
		log.Error("Failed to build rate limiter", "error", err)
		return exitUsage
	}

	var arch *archive.Archive
	if cfg.Archive.Enabled() {
		arch, err = archive.Open(ctx, cfg.Archive)
		if err != nil {
			log.Error("Failed to open archive", "error", err)
			return exitUsage
		}
		defer func() { _ = arch.Close() }()
	}

	srv := metrics.NewServer(cfg.Server.Port, nil)
	go func() {
		if err := srv.Start(); err != nil {
			log.Warn("Metrics server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(shutdownCtx)
	}()

	collCfg := cfg.Collector
	collCfg.TotalTasks = len(tasks)

	shards, err := scheduler.Plan(tasks, cfg.Lanes, cfg.Plan)
	if err != nil {
		log.Error("Planning failed", "error", err)
		return exitUsage
	}
	log.Info("Batch planned",
		"tasks", len(tasks), "shards", len(shards), "lanes", len(cfg.Lanes))

	runner, err := buildRunner(cfg, collCfg, limiter, arch, store, log)
	if err != nil {
		log.Error("Failed to build shard runner", "error", err)
		return exitUsage
	}

	sup := scheduler.NewSupervisor(runner, cfg.Supervisor, log)
	outcome, runErr := sup.Run(ctx, shards)

	printSummary(context.Background(), store, outcome, log)

	switch {
	case errors.Is(runErr, scheduler.ErrSupervisoryTimeout):
		return exitTimeout
	case runErr != nil:
		return exitRunFail
	case !outcome.AllCompleted():
		return exitRunFail
	}
	return exitOK
}

func buildLimiter(cfg *config.AppConfig, log *slog.Logger) (ratelimit.Limiter, error) {
	switch cfg.Limiter.Backend {
	case "redis":
		return ratelimit.NewRedisLimiter(cfg.Limiter.RedisURL, cfg.Lanes)
	default:
		return ratelimit.NewFileLimiter(cfg.Limiter.StateDir, cfg.Lanes, cfg.Limiter.LockWait, log)
	}
}

func buildRunner(
	cfg *config.AppConfig,
	collCfg collector.Config,
	limiter ratelimit.Limiter,
	arch *archive.Archive,
	store *aggregate.Store,
	log *slog.Logger,
) (scheduler.ShardRunner, error) {
	if cfg.Runner.Mode == "proc" {
		exePath, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve own executable: %w", err)
		}
		spec := func(shard domain.Shard) (scheduler.ShardSpec, error) {
			lane, ok := findLane(cfg.Lanes, shard.LaneID)
			if !ok {
				return scheduler.ShardSpec{}, fmt.Errorf("unknown lane %q", shard.LaneID)
			}
			return scheduler.ShardSpec{
				Shard:      shard,
				Lane:       lane,
				Exec:       cfg.Executor,
				Collector:  collCfg,
				Limiter:    cfg.Limiter,
				Store:      cfg.Store,
				TailDir:    cfg.Runner.TailDir,
				Endpoint:   cfg.Endpoint,
				Credential: resolveCredential(lane),
			}, nil
		}
		return scheduler.NewProcRunner(exePath, cfg.Runner.RunDir, cfg.Lanes, spec, log)
	}

	deps := func(lane domain.Lane) (scheduler.ShardDeps, error) {
		d := scheduler.ShardDeps{
			Lane:      lane,
			Limiter:   limiter,
			Caller:    endpoint.New(cfg.Endpoint, resolveCredential(lane)),
			Exec:      cfg.Executor,
			Collector: collCfg,
			TailDir:   cfg.Runner.TailDir,
			Store:     store,
			Log:       log,
		}
		if arch != nil {
			d.Archiver = arch
		}
		return d, nil
	}
	return scheduler.NewLocalRunner(cfg.Lanes, deps, log), nil
}

func findLane(lanes []domain.Lane, id string) (domain.Lane, bool) {
	for _, lane := range lanes {
		if lane.ID == id {
			return lane, true
		}
	}
	return domain.Lane{}, false
}

// resolveCredential maps a lane's credential ref to the secret itself.
// Only the parent process does this; shard subprocesses receive the
// resolved value in their spec file.
func resolveCredential(lane domain.Lane) string {
	if lane.CredentialRef == "" {
		return ""
	}
	return os.Getenv(lane.CredentialRef)
}

// readTasks accepts either a JSON array of tasks or JSONL, one task per
// line. Task IDs must be unique within the batch.
func readTasks(path string) ([]domain.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return decodeTasks(f)
}

func decodeTasks(r io.Reader) ([]domain.Task, error) {
	br := bufio.NewReader(r)
	first, err := firstByte(br)
	if err != nil {
		return nil, err
	}

	var tasks []domain.Task
	if first == '[' {
		if err := json.NewDecoder(br).Decode(&tasks); err != nil {
			return nil, fmt.Errorf("parse task array: %w", err)
		}
	} else {
		scanner := bufio.NewScanner(br)
		scanner.Buffer(make([]byte, 0, 1<<16), 1<<22)
		line := 0
		for scanner.Scan() {
			line++
			raw := scanner.Bytes()
			if len(raw) == 0 {
				continue
			}
			var task domain.Task
			if err := json.Unmarshal(raw, &task); err != nil {
				return nil, fmt.Errorf("parse task on line %d: %w", line, err)
			}
			tasks = append(tasks, task)
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if task.ID == "" {
			return nil, fmt.Errorf("task with empty id")
		}
		if seen[task.ID] {
			return nil, fmt.Errorf("duplicate task id %q", task.ID)
		}
		seen[task.ID] = true
	}
	return tasks, nil
}

func firstByte(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, fmt.Errorf("empty task batch: %w", err)
		}
		switch b[0] {
		case ' ', '\t', '\n', '\r':
			_, _ = br.ReadByte()
		default:
			return b[0], nil
		}
	}
}

func printSummary(ctx context.Context, store *aggregate.Store, outcome scheduler.Outcome, log *slog.Logger) {
	rows, err := store.Summaries(ctx)
	if err != nil {
		log.Error("Failed to read final summaries", "error", err)
		return
	}

	total, success, partial, failure := 0, 0, 0, 0
	for _, row := range rows {
		total += row.Total
		success += row.Success
		partial += row.Partial
		failure += row.Failure
	}

	log.Info("Run finished",
		"shards_completed", outcome.Completed,
		"shards_failed", outcome.Failed,
		"shards_lost", outcome.Lost,
		"tasks_recorded", total,
		"success", success,
		"partial", partial,
		"failure", failure)

	hist := scheduler.ErrorKindHistogram(rows)
	for _, kind := range domain.TaskKinds {
		if n := hist[kind]; n > 0 {
			log.Info("Error kind", "kind", string(kind), "count", n)
		}
	}
}
