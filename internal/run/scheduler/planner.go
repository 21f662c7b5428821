// Package scheduler partitions a task list into lane-bound shards and
// supervises their concurrent execution.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ndhoang/lanerun/internal/core/domain"
)

// ErrNoLanes and ErrNoTasks are configuration errors; the CLI maps them
// to exit code 2.
var (
	ErrNoLanes = errors.New("scheduler: no lanes configured")
	ErrNoTasks = errors.New("scheduler: empty task list")
)

// PlanConfig parameterizes shard planning.
type PlanConfig struct {
	TasksPerShard int           `yaml:"tasks_per_shard"`
	StaggerDelay  time.Duration `yaml:"stagger_delay"`
}

// DefaultPlanConfig returns sensible defaults.
func DefaultPlanConfig() PlanConfig {
	return PlanConfig{
		TasksPerShard: 50,
		StaggerDelay:  2 * time.Second,
	}
}

// Plan groups tasks by affinity key, cuts each group into shards of at
// most TasksPerShard tasks, and distributes the shards round-robin
// across lanes. The Nth shard landing on a lane is staggered N delays
// after the lane's first, so a busy credential never sees a correlated
// startup burst.
func Plan(tasks []domain.Task, lanes []domain.Lane, cfg PlanConfig) ([]domain.Shard, error) {
	if len(lanes) == 0 {
		return nil, ErrNoLanes
	}
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	if cfg.TasksPerShard <= 0 {
		cfg.TasksPerShard = DefaultPlanConfig().TasksPerShard
	}

	for _, lane := range lanes {
		if lane.MaxConcurrency <= 0 {
			return nil, fmt.Errorf("scheduler: lane %s has no concurrency budget", lane.ID)
		}
	}

	// Group by affinity, preserving first-seen order of groups and task
	// order within a group.
	groupOrder := make([]string, 0)
	groups := make(map[string][]domain.Task)
	for _, task := range tasks {
		key := task.GroupKey.AffinityKey()
		if _, seen := groups[key]; !seen {
			groupOrder = append(groupOrder, key)
		}
		groups[key] = append(groups[key], task)
	}

	var shards []domain.Shard
	perLane := make(map[string]int, len(lanes))
	laneIdx := 0

	for _, key := range groupOrder {
		group := groups[key]
		for start := 0; start < len(group); start += cfg.TasksPerShard {
			end := start + cfg.TasksPerShard
			if end > len(group) {
				end = len(group)
			}

			lane := lanes[laneIdx%len(lanes)]
			laneIdx++

			nth := perLane[lane.ID]
			perLane[lane.ID]++

			shards = append(shards, domain.Shard{
				ID:      fmt.Sprintf("shard-%02d-%s", len(shards), uuid.NewString()[:8]),
				LaneID:  lane.ID,
				Tasks:   group[start:end],
				Stagger: time.Duration(nth) * cfg.StaggerDelay,
			})
		}
	}

	return shards, nil
}
