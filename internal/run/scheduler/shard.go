package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ndhoang/lanerun/internal/core/domain"
	"github.com/ndhoang/lanerun/internal/run/collector"
	"github.com/ndhoang/lanerun/internal/run/executor"
	"github.com/ndhoang/lanerun/internal/run/ratelimit"
)

// ShardDeps bundles everything one shard needs to run. Both the
// in-process runner and the shard subprocess build the same dependency
// set, so a shard behaves identically either way.
type ShardDeps struct {
	Lane      domain.Lane
	Limiter   ratelimit.Limiter
	Caller    executor.Caller
	Exec      executor.Config
	Collector collector.Config
	TailDir   string
	Store     collector.Merger
	Archiver  collector.Archiver
	Log       *slog.Logger

	// OnUpdate receives progress reports; the subprocess runner uses it
	// to publish status files the parent polls.
	OnUpdate func(domain.ShardReport)
}

// ExecuteShard drains one shard through its lane: a bounded worker pool
// pulls tasks, routes them through the rate limiter, and submits every
// result to the shard's collector. Cancellation stops the intake of new
// tasks; in-flight tasks run to their deadline or natural completion.
func ExecuteShard(ctx context.Context, shard domain.Shard, deps ShardDeps) domain.ShardReport {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	report := domain.ShardReport{
		ShardID:   shard.ID,
		LaneID:    shard.LaneID,
		State:     domain.ShardRunning,
		TaskCount: len(shard.Tasks),
		UpdatedAt: time.Now(),
	}
	publish := func() {
		report.UpdatedAt = time.Now()
		if deps.OnUpdate != nil {
			deps.OnUpdate(report)
		}
	}
	fail := func(reason string, err error) domain.ShardReport {
		report.State = domain.ShardFailed
		report.Reason = fmt.Sprintf("%s: %v", reason, err)
		publish()
		return report
	}
	publish()

	coll, err := collector.New(deps.Collector, shard.ID, deps.TailDir, deps.Store, log)
	if err != nil {
		return fail("collector init", err)
	}
	coll.SetArchiver(deps.Archiver)
	coll.Start(ctx)

	worker := executor.NewWorker(deps.Limiter, deps.Caller, deps.Exec, log)

	maxInFlight := int64(deps.Lane.MaxConcurrency)
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	pool := semaphore.NewWeighted(maxInFlight)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		submitErr error
		started   int
	)

	for _, task := range shard.Tasks {
		// Stop accepting new tasks once cancelled; what is already in
		// flight finishes and is recorded.
		if ctx.Err() != nil {
			log.Info("shard intake stopped", "shard", shard.ID, "started", started)
			break
		}
		if err := pool.Acquire(ctx, 1); err != nil {
			break
		}
		started++

		wg.Add(1)
		go func(task domain.Task) {
			defer wg.Done()
			defer pool.Release(1)

			// The worker absorbs cancellation into the record itself, so
			// run it on a background context bounded by its own deadline.
			rec := worker.Run(context.WithoutCancel(ctx), task, deps.Lane)

			mu.Lock()
			if err := coll.Submit(context.WithoutCancel(ctx), rec); err != nil && submitErr == nil {
				submitErr = err
			}
			report.Checkpoint = coll.Checkpoint()
			publish()
			mu.Unlock()
		}(task)
	}

	wg.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := coll.Close(closeCtx); err != nil {
		return fail("final flush", err)
	}
	if submitErr != nil {
		return fail("submit", submitErr)
	}

	report.Checkpoint = coll.Checkpoint()
	if skipped := len(shard.Tasks) - started; skipped > 0 {
		// Intake was cut short; the unstarted tasks are accounted for
		// explicitly instead of vanishing into a completed report.
		report.State = domain.ShardFailed
		report.SkippedCount = skipped
		report.Reason = fmt.Sprintf("cancelled: %d of %d tasks never started", skipped, len(shard.Tasks))
	} else {
		report.State = domain.ShardCompleted
	}
	publish()

	log.Info("shard drained",
		"shard", shard.ID, "lane", shard.LaneID,
		"tasks", len(shard.Tasks), "committed", report.Checkpoint.LastCommittedIndex)
	return report
}
