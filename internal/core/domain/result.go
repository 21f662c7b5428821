package domain

import "time"

// Status is the terminal outcome of one task.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailure Status = "failure"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusPartial, StatusFailure:
		return true
	}
	return false
}

// ErrorKind classifies a task failure. The label set is fixed; new kinds
// require a taxonomy change, not an ad-hoc string.
type ErrorKind string

const (
	ErrKindTimeout    ErrorKind = "timeout"
	ErrKindCallFormat ErrorKind = "call_format"
	ErrKindDependency ErrorKind = "dependency"
	ErrKindParameter  ErrorKind = "parameter"
	ErrKindSelection  ErrorKind = "selection"
	ErrKindSequence   ErrorKind = "sequence"
	ErrKindTurnLimit  ErrorKind = "turn_limit"
	ErrKindOther      ErrorKind = "other"

	// Structural kinds, not tied to a single task.
	ErrKindLostShard     ErrorKind = "lost_shard"
	ErrKindStoreConflict ErrorKind = "store_conflict"
)

// TaskKinds lists every kind a single task attempt can be classified as.
var TaskKinds = []ErrorKind{
	ErrKindTimeout,
	ErrKindCallFormat,
	ErrKindDependency,
	ErrKindParameter,
	ErrKindSelection,
	ErrKindSequence,
	ErrKindTurnLimit,
	ErrKindOther,
}

// Retryable reports whether a failure of this kind may be attempted again.
// A timed-out attempt is terminal, and a turn-limit failure will only
// reproduce itself.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindTimeout, ErrKindTurnLimit:
		return false
	}
	return true
}

// RawOutcome is what the injected external caller returns on success.
// The harness does not interpret the body; it only reads the completion
// flags and the optional quality score.
type RawOutcome struct {
	Partial bool     `json:"partial"`
	Quality *float64 `json:"quality,omitempty"`
	Body    string   `json:"body,omitempty"`
}

// ResultRecord is the outcome of one task. Produced exactly once by the
// execution worker and immutable afterwards; later attempts supersede
// earlier ones before the record is emitted, never after.
type ResultRecord struct {
	TaskID       string        `json:"task_id"`
	GroupKey     GroupKey      `json:"group_key"`
	Status       Status        `json:"status"`
	ErrorKind    ErrorKind     `json:"error_kind,omitempty"`
	Latency      time.Duration `json:"latency_ns"`
	AttemptCount int           `json:"attempt_count"`
	Quality      *float64      `json:"quality,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}
