package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ndhoang/lanerun/internal/core/domain"
	"github.com/ndhoang/lanerun/internal/infra/flock"
	"github.com/ndhoang/lanerun/internal/run/metrics"
)

// laneState is the shared per-lane counter record. It lives in a small
// state file next to its lock file; every process using the lane reads
// and writes it under the lock.
type laneState struct {
	LaneID      string `json:"lane_id"`
	WindowStart int64  `json:"window_start_ns"`
	Count       int    `json:"count_in_window"`
}

// FileLimiter coordinates a lane budget across processes through a
// lock-guarded state file per lane.
type FileLimiter struct {
	dir      string
	budgets  map[string]int
	lockWait time.Duration
	log      *slog.Logger
}

// NewFileLimiter creates a file-backed limiter for the given lanes.
func NewFileLimiter(dir string, lanes []domain.Lane, lockWait time.Duration, log *slog.Logger) (*FileLimiter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ratelimit: create state dir: %w", err)
	}
	if lockWait <= 0 {
		lockWait = 2 * time.Second
	}

	budgets := make(map[string]int, len(lanes))
	for _, lane := range lanes {
		budgets[lane.ID] = lane.QPSBudget
	}

	return &FileLimiter{
		dir:      dir,
		budgets:  budgets,
		lockWait: lockWait,
		log:      log,
	}, nil
}

// Acquire blocks until a permit is available for the lane. When the
// window budget is exhausted it sleeps until the window boundary instead
// of spinning. If the shared state is corrupt or unreadable the limiter
// fails open: it grants the permit with a logged warning rather than
// deadlocking the caller.
func (l *FileLimiter) Acquire(ctx context.Context, laneID string) error {
	budget, ok := l.budgets[laneID]
	if !ok {
		return fmt.Errorf("ratelimit: unknown lane %q", laneID)
	}
	if budget <= 0 {
		return nil // unlimited lane
	}

	start := time.Now()
	defer func() {
		metrics.LimiterWaitSeconds.WithLabelValues(laneID).Observe(time.Since(start).Seconds())
	}()

	lock := flock.New(l.lockPath(laneID))

	for {
		var granted bool
		var sleep time.Duration

		err := lock.WithLock(ctx, l.lockWait, func() error {
			granted, sleep = l.tryTake(laneID, budget)
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Lock contention past its bound: treat like an exhausted
			// window and try again shortly.
			sleep = 50 * time.Millisecond
		}

		if granted {
			metrics.PermitsGranted.WithLabelValues(laneID).Inc()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// tryTake attempts to take one permit under the lane lock. On failure it
// returns how long to sleep before the next window opens.
func (l *FileLimiter) tryTake(laneID string, budget int) (bool, time.Duration) {
	now := time.Now()
	state := l.readState(laneID)

	ws := windowStart(now)
	if state.WindowStart != ws.UnixNano() {
		state.WindowStart = ws.UnixNano()
		state.Count = 0
	}

	if state.Count >= budget {
		next := ws.Add(Window)
		return false, time.Until(next)
	}

	state.Count++
	l.writeState(laneID, state)
	return true, 0
}

// readState loads the lane state, failing open on any corruption.
func (l *FileLimiter) readState(laneID string) laneState {
	state := laneState{LaneID: laneID}

	data, err := os.ReadFile(l.statePath(laneID))
	if os.IsNotExist(err) {
		return state
	}
	if err != nil {
		l.logWarn("lane state unreadable, failing open", laneID, err)
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		l.logWarn("lane state corrupt, failing open", laneID, err)
		return laneState{LaneID: laneID}
	}
	return state
}

func (l *FileLimiter) writeState(laneID string, state laneState) {
	data, err := json.Marshal(state)
	if err != nil {
		l.logWarn("lane state marshal failed", laneID, err)
		return
	}
	if err := os.WriteFile(l.statePath(laneID), data, 0o644); err != nil {
		l.logWarn("lane state write failed", laneID, err)
	}
}

func (l *FileLimiter) logWarn(msg, laneID string, err error) {
	if l.log != nil {
		l.log.Warn(msg, "lane", laneID, "error", err)
	}
}

func (l *FileLimiter) statePath(laneID string) string {
	return filepath.Join(l.dir, laneID+".state")
}

func (l *FileLimiter) lockPath(laneID string) string {
	return filepath.Join(l.dir, laneID+".lock")
}
