package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ndhoang/lanerun/internal/core/domain"
)

// fakeRunner completes shards after per-shard delays; shards listed in
// never report nothing at all.
type fakeRunner struct {
	mu       sync.Mutex
	started  map[string]time.Time
	delays   map[string]time.Duration
	never    map[string]bool
	failWith map[string]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		started:  make(map[string]time.Time),
		delays:   make(map[string]time.Duration),
		never:    make(map[string]bool),
		failWith: make(map[string]string),
	}
}

func (r *fakeRunner) Start(ctx context.Context, shard domain.Shard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[shard.ID] = time.Now()
	return nil
}

func (r *fakeRunner) Status(shardID string) (domain.ShardReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start, ok := r.started[shardID]
	if !ok || r.never[shardID] {
		return domain.ShardReport{}, ok
	}
	rep := domain.ShardReport{ShardID: shardID, State: domain.ShardRunning, UpdatedAt: time.Now()}
	if time.Since(start) >= r.delays[shardID] {
		if reason, failed := r.failWith[shardID]; failed {
			rep.State = domain.ShardFailed
			rep.Reason = reason
		} else {
			rep.State = domain.ShardCompleted
		}
	}
	return rep, true
}

func fastSupervisor(r ShardRunner, timeout time.Duration) *Supervisor {
	return NewSupervisor(r, SupervisorConfig{
		PollInterval:       10 * time.Millisecond,
		SupervisoryTimeout: timeout,
	}, nil)
}

func twoShards() []domain.Shard {
	return []domain.Shard{
		{ID: "s1", LaneID: "lane-0", Tasks: makeTasks(2, "m")},
		{ID: "s2", LaneID: "lane-0", Tasks: makeTasks(2, "m")},
	}
}

func TestSupervisorAllComplete(t *testing.T) {
	r := newFakeRunner()
	r.delays["s1"] = 20 * time.Millisecond
	r.delays["s2"] = 40 * time.Millisecond

	out, err := fastSupervisor(r, time.Minute).Run(context.Background(), twoShards())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Completed != 2 || out.Lost != 0 || out.Failed != 0 {
		t.Errorf("outcome = %+v, want 2 completed", out)
	}
	if !out.AllCompleted() {
		t.Error("AllCompleted() = false")
	}
}

// A slow shard must not delay the fast shard's terminal report: both
// finish, and the supervisor records the fast one long before the slow
// one is done.
func TestSupervisorNonBlockingPolling(t *testing.T) {
	r := newFakeRunner()
	r.delays["s1"] = 10 * time.Millisecond
	r.delays["s2"] = 500 * time.Millisecond

	done := make(chan Outcome, 1)
	go func() {
		out, _ := fastSupervisor(r, time.Minute).Run(context.Background(), twoShards())
		done <- out
	}()

	out := <-done
	if out.Completed != 2 {
		t.Fatalf("completed = %d, want 2", out.Completed)
	}
}

func TestSupervisorMarksLost(t *testing.T) {
	r := newFakeRunner()
	r.delays["s1"] = 10 * time.Millisecond
	r.never["s2"] = true

	out, err := fastSupervisor(r, 200*time.Millisecond).Run(context.Background(), twoShards())
	if !errors.Is(err, ErrSupervisoryTimeout) {
		t.Fatalf("err = %v, want ErrSupervisoryTimeout", err)
	}
	if out.Completed != 1 || out.Lost != 1 {
		t.Errorf("outcome = %+v, want 1 completed 1 lost", out)
	}
	for _, rep := range out.Reports {
		if rep.ShardID == "s2" && rep.State != domain.ShardLost {
			t.Errorf("s2 state = %s, want lost", rep.State)
		}
	}
}

func TestSupervisorRecordsFailure(t *testing.T) {
	r := newFakeRunner()
	r.delays["s1"] = 10 * time.Millisecond
	r.delays["s2"] = 10 * time.Millisecond
	r.failWith["s2"] = "collector exploded"

	out, err := fastSupervisor(r, time.Minute).Run(context.Background(), twoShards())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Completed != 1 || out.Failed != 1 {
		t.Errorf("outcome = %+v, want 1 completed 1 failed", out)
	}
}

func TestSupervisorNoShards(t *testing.T) {
	if _, err := fastSupervisor(newFakeRunner(), time.Minute).Run(context.Background(), nil); !errors.Is(err, ErrNoTasks) {
		t.Errorf("err = %v, want ErrNoTasks", err)
	}
}
