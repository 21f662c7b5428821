package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ndhoang/lanerun/internal/core/domain"
	"github.com/ndhoang/lanerun/internal/run/metrics"
)

// RedisLimiter coordinates a lane budget across hosts through Redis.
// Each accounting window gets its own counter key; INCR is atomic so
// concurrent processes never jointly exceed the budget.
type RedisLimiter struct {
	rdb     *redis.Client
	budgets map[string]int
}

// NewRedisLimiter creates a Redis-backed limiter for the given lanes.
func NewRedisLimiter(url string, lanes []domain.Lane) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ratelimit: connect to redis: %w", err)
	}

	budgets := make(map[string]int, len(lanes))
	for _, lane := range lanes {
		budgets[lane.ID] = lane.QPSBudget
	}

	return &RedisLimiter{rdb: rdb, budgets: budgets}, nil
}

// NewRedisLimiterWithClient wraps an existing client, mainly for tests.
func NewRedisLimiterWithClient(rdb *redis.Client, lanes []domain.Lane) *RedisLimiter {
	budgets := make(map[string]int, len(lanes))
	for _, lane := range lanes {
		budgets[lane.ID] = lane.QPSBudget
	}
	return &RedisLimiter{rdb: rdb, budgets: budgets}
}

// Close closes the underlying Redis connection.
func (l *RedisLimiter) Close() error {
	return l.rdb.Close()
}

func windowKey(laneID string, ws time.Time) string {
	return fmt.Sprintf("lanerun:limiter:%s:%d", laneID, ws.UnixNano()/int64(Window))
}

// Acquire blocks until a permit is available for the lane.
func (l *RedisLimiter) Acquire(ctx context.Context, laneID string) error {
	budget, ok := l.budgets[laneID]
	if !ok {
		return fmt.Errorf("ratelimit: unknown lane %q", laneID)
	}
	if budget <= 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		metrics.LimiterWaitSeconds.WithLabelValues(laneID).Observe(time.Since(start).Seconds())
	}()

	for {
		now := time.Now()
		ws := windowStart(now)
		key := windowKey(laneID, ws)

		count, err := l.rdb.Incr(ctx, key).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ratelimit: redis incr: %w", err)
		}
		if count == 1 {
			// Counter keys are transient; keep one extra window so a
			// slow reader can still observe the previous window.
			l.rdb.PExpire(ctx, key, 2*Window)
		}

		if count <= int64(budget) {
			metrics.PermitsGranted.WithLabelValues(laneID).Inc()
			return nil
		}

		// Over budget: the INCR above consumed nothing real, wait for
		// the next window.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(ws.Add(Window))):
		}
	}
}
