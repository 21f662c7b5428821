package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ndhoang/lanerun/internal/core/domain"
	"github.com/ndhoang/lanerun/internal/run/collector"
	"github.com/ndhoang/lanerun/internal/run/executor"
	"github.com/ndhoang/lanerun/internal/store/aggregate"
)

type instantLimiter struct{}

func (instantLimiter) Acquire(ctx context.Context, laneID string) error { return ctx.Err() }

// End-to-end through the local runner: plan, supervise, and verify the
// no-silent-loss property against the real store.
func TestLocalRunnerEndToEnd(t *testing.T) {
	const total = 24
	ctx := context.Background()

	store, err := aggregate.Open(aggregate.Config{Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	tailDir := t.TempDir()

	caller := executor.CallerFunc(func(ctx context.Context, task domain.Task) (domain.RawOutcome, error) {
		if task.ID == "m1-t003" {
			return domain.RawOutcome{}, errors.New("no such tool: frobnicate")
		}
		return domain.RawOutcome{}, nil
	})

	lanes := makeLanes(2)
	deps := func(lane domain.Lane) (ShardDeps, error) {
		return ShardDeps{
			Lane:    lane,
			Limiter: instantLimiter{},
			Caller:  caller,
			Exec: executor.Config{
				Deadline: time.Second, MaxRetries: 1,
				RetryBase: time.Millisecond, RetryMax: time.Millisecond,
			},
			Collector: collector.Config{
				CountThreshold: 4, MaxInterval: time.Hour, MinInterval: time.Hour,
			},
			TailDir: tailDir,
			Store:   store,
		}, nil
	}

	tasks := append(makeTasks(total/2, "m1"), makeTasks(total/2, "m2")...)
	shards, err := Plan(tasks, lanes, PlanConfig{TasksPerShard: 5, StaggerDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	runner := NewLocalRunner(lanes, deps, nil)
	sup := NewSupervisor(runner, SupervisorConfig{
		PollInterval:       20 * time.Millisecond,
		SupervisoryTimeout: 30 * time.Second,
	}, nil)

	out, err := sup.Run(ctx, shards)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !out.AllCompleted() {
		t.Fatalf("outcome = %+v, want all completed", out)
	}

	rows, err := store.Summaries(ctx)
	if err != nil {
		t.Fatalf("Summaries failed: %v", err)
	}

	counted := 0
	failures := 0
	for _, row := range rows {
		counted += row.Total
		failures += row.Failure
	}
	if counted != total {
		t.Errorf("store counted %d outcomes for %d tasks", counted, total)
	}
	if failures != 1 {
		t.Errorf("failures = %d, want 1 (the selection error)", failures)
	}

	hist := ErrorKindHistogram(rows)
	if hist[domain.ErrKindSelection] != 1 {
		t.Errorf("selection histogram = %d, want 1", hist[domain.ErrKindSelection])
	}
}

// Cancelling mid-run stops intake; already-recorded results stay in the
// store and nothing is double counted when the tails are replayed.
func TestLocalRunnerCancelThenRecover(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	storeDir := t.TempDir()
	store, err := aggregate.Open(aggregate.Config{Dir: storeDir}, nil)
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	tailDir := t.TempDir()

	caller := executor.CallerFunc(func(ctx context.Context, task domain.Task) (domain.RawOutcome, error) {
		time.Sleep(5 * time.Millisecond)
		return domain.RawOutcome{}, nil
	})

	lanes := makeLanes(1)
	deps := func(lane domain.Lane) (ShardDeps, error) {
		return ShardDeps{
			Lane:    lane,
			Limiter: instantLimiter{},
			Caller:  caller,
			Exec: executor.Config{
				Deadline: time.Second, MaxRetries: 1,
				RetryBase: time.Millisecond, RetryMax: time.Millisecond,
			},
			Collector: collector.Config{
				CountThreshold: 1000, MaxInterval: time.Hour, MinInterval: time.Hour,
			},
			TailDir: tailDir,
			Store:   store,
		}, nil
	}

	shards, err := Plan(makeTasks(40, "m1"), lanes, PlanConfig{TasksPerShard: 40})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	runner := NewLocalRunner(lanes, deps, nil)
	sup := NewSupervisor(runner, SupervisorConfig{
		PollInterval:       10 * time.Millisecond,
		SupervisoryTimeout: 30 * time.Second,
	}, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, _ = sup.Run(ctx, shards)

	// Give the shard goroutine a moment to finish its shutdown flush.
	time.Sleep(300 * time.Millisecond)

	// Replaying whatever tails remain must not double count anything.
	recovered, err := aggregate.Open(aggregate.Config{Dir: storeDir}, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if _, err := recovered.Recover(context.Background(), tailDir); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	rows, err := recovered.Summaries(context.Background())
	if err != nil {
		t.Fatalf("Summaries failed: %v", err)
	}
	counted := 0
	for _, row := range rows {
		counted += row.Total
	}
	if counted > 40 {
		t.Errorf("store counted %d outcomes for 40 tasks: double counting", counted)
	}
}
