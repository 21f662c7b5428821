package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ndhoang/lanerun/internal/core/domain"
)

func errUnknownLane(id string) error {
	return fmt.Errorf("scheduler: unknown lane %q", id)
}

// ShardRunner starts shards and answers non-blocking status polls. The
// supervisor never waits on a single shard; it only ever asks.
type ShardRunner interface {
	// Start launches the shard asynchronously, honoring its stagger.
	Start(ctx context.Context, shard domain.Shard) error
	// Status returns the last known report for the shard. The bool is
	// false if the runner has never heard of it.
	Status(shardID string) (domain.ShardReport, bool)
}

// DepsFunc builds the dependency set for a shard's lane. Injected so the
// runner does not care how limiters, callers, or stores are constructed.
type DepsFunc func(lane domain.Lane) (ShardDeps, error)

// LocalRunner executes shards in-process. Concurrent shards on the same
// lane are gated by the lane's concurrency budget.
type LocalRunner struct {
	mu      sync.Mutex
	lanes   map[string]domain.Lane
	slots   map[string]*semaphore.Weighted
	reports map[string]domain.ShardReport
	deps    DepsFunc
	log     *slog.Logger
}

// NewLocalRunner creates an in-process shard runner.
func NewLocalRunner(lanes []domain.Lane, deps DepsFunc, log *slog.Logger) *LocalRunner {
	if log == nil {
		log = slog.Default()
	}
	laneMap := make(map[string]domain.Lane, len(lanes))
	slots := make(map[string]*semaphore.Weighted, len(lanes))
	for _, lane := range lanes {
		laneMap[lane.ID] = lane
		n := int64(lane.MaxConcurrency)
		if n < 1 {
			n = 1
		}
		slots[lane.ID] = semaphore.NewWeighted(n)
	}
	return &LocalRunner{
		lanes:   laneMap,
		slots:   slots,
		reports: make(map[string]domain.ShardReport),
		deps:    deps,
		log:     log,
	}
}

// Start implements ShardRunner.
func (r *LocalRunner) Start(ctx context.Context, shard domain.Shard) error {
	lane, ok := r.lanes[shard.LaneID]
	if !ok {
		return errUnknownLane(shard.LaneID)
	}

	r.setReport(domain.ShardReport{
		ShardID:   shard.ID,
		LaneID:    shard.LaneID,
		State:     domain.ShardPending,
		TaskCount: len(shard.Tasks),
		UpdatedAt: time.Now(),
	})

	go func() {
		if shard.Stagger > 0 {
			select {
			case <-ctx.Done():
				r.markLost(shard, "cancelled before start")
				return
			case <-time.After(shard.Stagger):
			}
		}

		slot := r.slots[shard.LaneID]
		if err := slot.Acquire(ctx, 1); err != nil {
			r.markLost(shard, "cancelled waiting for lane slot")
			return
		}
		defer slot.Release(1)

		deps, err := r.deps(lane)
		if err != nil {
			r.setReport(domain.ShardReport{
				ShardID: shard.ID, LaneID: shard.LaneID,
				State:  domain.ShardFailed,
				Reason: "dependency setup: " + err.Error(),
				TaskCount: len(shard.Tasks), UpdatedAt: time.Now(),
			})
			return
		}
		deps.OnUpdate = r.setReport

		report := ExecuteShard(ctx, shard, deps)
		r.setReport(report)
	}()

	return nil
}

// Status implements ShardRunner.
func (r *LocalRunner) Status(shardID string) (domain.ShardReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[shardID]
	return rep, ok
}

func (r *LocalRunner) setReport(rep domain.ShardReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[rep.ShardID] = rep
}

func (r *LocalRunner) markLost(shard domain.Shard, reason string) {
	r.setReport(domain.ShardReport{
		ShardID:   shard.ID,
		LaneID:    shard.LaneID,
		State:     domain.ShardLost,
		Reason:    reason,
		TaskCount: len(shard.Tasks),
		UpdatedAt: time.Now(),
	})
}
