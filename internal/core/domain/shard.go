package domain

import (
	"errors"
	"time"
)

// ShardState is the supervision state of one shard.
type ShardState string

const (
	ShardPending   ShardState = "pending"
	ShardRunning   ShardState = "running"
	ShardCompleted ShardState = "completed"
	ShardFailed    ShardState = "failed"
	ShardLost      ShardState = "lost"
)

// ErrInvalidTransition is returned when an invalid shard state transition
// is attempted.
var ErrInvalidTransition = errors.New("invalid shard state transition")

// validShardTransitions defines allowed state transitions. Key is the
// current state, value is the list of valid next states. Terminal states
// have no successors.
var validShardTransitions = map[ShardState][]ShardState{
	ShardPending: {ShardRunning, ShardLost},
	ShardRunning: {ShardCompleted, ShardFailed, ShardLost},
}

// CanTransition checks if a shard may move from one state to another.
func CanTransition(from, to ShardState) bool {
	for _, target := range validShardTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state requires no further supervision.
func (s ShardState) Terminal() bool {
	switch s {
	case ShardCompleted, ShardFailed, ShardLost:
		return true
	}
	return false
}

// CheckpointState is the durability bookmark for one shard. Mutated only
// by that shard's result collector; read by the supervisor and by crash
// recovery.
type CheckpointState struct {
	LastCommittedIndex int       `json:"last_committed_index"`
	PendingCount       int       `json:"pending_count"`
	LastFlushTime      time.Time `json:"last_flush_time"`
}

// Shard is an ordered subset of tasks bound to one lane for one run.
type Shard struct {
	ID      string        `json:"id"`
	LaneID  string        `json:"lane_id"`
	Tasks   []Task        `json:"tasks"`
	Stagger time.Duration `json:"stagger_ns"` // delay before this shard starts
}

// ShardReport is a shard's terminal status as seen by the supervisor.
type ShardReport struct {
	ShardID    string          `json:"shard_id"`
	LaneID     string          `json:"lane_id"`
	State      ShardState      `json:"state"`
	Reason     string          `json:"reason,omitempty"`
	Checkpoint CheckpointState `json:"checkpoint"`
	TaskCount  int             `json:"task_count"`
	// SkippedCount is how many tasks never started, e.g. because
	// cancellation stopped intake mid-shard.
	SkippedCount int       `json:"skipped_count,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
