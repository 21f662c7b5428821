package scheduler

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ndhoang/lanerun/internal/core/domain"
)

func makeTasks(n int, model string) []domain.Task {
	tasks := make([]domain.Task, n)
	for i := range tasks {
		tasks[i] = domain.Task{
			ID:       fmt.Sprintf("%s-t%03d", model, i),
			GroupKey: domain.GroupKey{Model: model, Variant: "base", Difficulty: "easy", TaskType: "single"},
		}
	}
	return tasks
}

func makeLanes(n int) []domain.Lane {
	lanes := make([]domain.Lane, n)
	for i := range lanes {
		lanes[i] = domain.Lane{
			ID:             fmt.Sprintf("lane-%d", i),
			QPSBudget:      5,
			MaxConcurrency: 2,
		}
	}
	return lanes
}

func TestPlanConfigErrors(t *testing.T) {
	if _, err := Plan(makeTasks(3, "m"), nil, PlanConfig{}); !errors.Is(err, ErrNoLanes) {
		t.Errorf("no lanes: err = %v, want ErrNoLanes", err)
	}
	if _, err := Plan(nil, makeLanes(1), PlanConfig{}); !errors.Is(err, ErrNoTasks) {
		t.Errorf("no tasks: err = %v, want ErrNoTasks", err)
	}
	badLane := []domain.Lane{{ID: "x", QPSBudget: 1}}
	if _, err := Plan(makeTasks(1, "m"), badLane, PlanConfig{}); err == nil {
		t.Error("lane without concurrency budget accepted")
	}
}

// Every submitted task lands in exactly one shard.
func TestPlanCoversAllTasksOnce(t *testing.T) {
	tasks := append(makeTasks(23, "m1"), makeTasks(17, "m2")...)
	shards, err := Plan(tasks, makeLanes(3), PlanConfig{TasksPerShard: 10})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	seen := make(map[string]int)
	for _, shard := range shards {
		for _, task := range shard.Tasks {
			seen[task.ID]++
		}
	}
	if len(seen) != len(tasks) {
		t.Errorf("planned %d distinct tasks, want %d", len(seen), len(tasks))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("task %s planned %d times", id, n)
		}
	}
}

func TestPlanShardSize(t *testing.T) {
	shards, err := Plan(makeTasks(25, "m"), makeLanes(2), PlanConfig{TasksPerShard: 10})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(shards) != 3 {
		t.Fatalf("got %d shards, want 3", len(shards))
	}
	for _, shard := range shards[:2] {
		if len(shard.Tasks) != 10 {
			t.Errorf("shard %s has %d tasks, want 10", shard.ID, len(shard.Tasks))
		}
	}
	if len(shards[2].Tasks) != 5 {
		t.Errorf("last shard has %d tasks, want 5", len(shards[2].Tasks))
	}
}

// Tasks with different affinity keys never share a shard.
func TestPlanAffinitySeparation(t *testing.T) {
	tasks := append(makeTasks(5, "m1"), makeTasks(5, "m2")...)
	shards, err := Plan(tasks, makeLanes(1), PlanConfig{TasksPerShard: 100})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	for _, shard := range shards {
		affinity := shard.Tasks[0].GroupKey.AffinityKey()
		for _, task := range shard.Tasks {
			if task.GroupKey.AffinityKey() != affinity {
				t.Errorf("shard %s mixes affinity keys", shard.ID)
			}
		}
	}
}

// The Nth shard on one lane is staggered N delays after the first.
func TestPlanStagger(t *testing.T) {
	delay := 3 * time.Second
	shards, err := Plan(makeTasks(40, "m"), makeLanes(2), PlanConfig{TasksPerShard: 10, StaggerDelay: delay})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	perLane := make(map[string][]time.Duration)
	for _, shard := range shards {
		perLane[shard.LaneID] = append(perLane[shard.LaneID], shard.Stagger)
	}
	for lane, staggers := range perLane {
		for i, got := range staggers {
			if want := time.Duration(i) * delay; got != want {
				t.Errorf("lane %s shard %d stagger = %v, want %v", lane, i, got, want)
			}
		}
	}
}
