// Package ratelimit enforces per-lane QPS budgets.
//
// A lane's budget is measured over a fixed 1-second window and is shared
// across every process using the lane. Two backends exist: a file-backed
// limiter coordinated through advisory locks (single host, the default)
// and a Redis-backed limiter for runs spanning hosts.
package ratelimit

import (
	"context"
	"time"
)

// Window is the budget accounting window. Budgets are expressed in
// permits per window.
const Window = time.Second

// Limiter issues permits for external calls on a lane. Acquire blocks
// until a permit can be issued without exceeding the lane's budget, or
// until ctx is done.
type Limiter interface {
	Acquire(ctx context.Context, laneID string) error
}

// Config selects and parameterizes the limiter backend.
type Config struct {
	Backend  string        `yaml:"backend"`   // "file" (default) or "redis"
	StateDir string        `yaml:"state_dir"` // file backend: per-lane state files
	RedisURL string        `yaml:"redis_url"` // redis backend
	LockWait time.Duration `yaml:"lock_wait"` // bound on one lock acquisition
}

// windowStart truncates t to the start of its accounting window.
func windowStart(t time.Time) time.Time {
	return t.Truncate(Window)
}
