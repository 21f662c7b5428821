// Package executor runs one task through one lane: permit, call,
// deadline, bounded retries, one ResultRecord.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ndhoang/lanerun/internal/core/domain"
	"github.com/ndhoang/lanerun/internal/run/classify"
	"github.com/ndhoang/lanerun/internal/run/metrics"
	"github.com/ndhoang/lanerun/internal/run/ratelimit"
)

// Caller is the injected external call. The harness does not know what
// protocol it speaks; it only needs the outcome or an error.
type Caller interface {
	Call(ctx context.Context, task domain.Task) (domain.RawOutcome, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, task domain.Task) (domain.RawOutcome, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, task domain.Task) (domain.RawOutcome, error) {
	return f(ctx, task)
}

// Config parameterizes one worker.
type Config struct {
	Deadline   time.Duration `yaml:"deadline"`    // hard wall-clock bound per attempt
	MaxRetries int           `yaml:"max_retries"` // max attempts per task, including the first
	RetryBase  time.Duration `yaml:"retry_base"`  // initial backoff
	RetryMax   time.Duration `yaml:"retry_max"`   // backoff cap
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Deadline:   5 * time.Minute,
		MaxRetries: 3,
		RetryBase:  time.Second,
		RetryMax:   30 * time.Second,
	}
}

// Worker executes tasks against one injected caller. Safe for use from
// multiple goroutines.
type Worker struct {
	limiter ratelimit.Limiter
	caller  Caller
	cfg     Config
	log     *slog.Logger
}

// NewWorker creates a worker.
func NewWorker(limiter ratelimit.Limiter, caller Caller, cfg Config, log *slog.Logger) *Worker {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultConfig().Deadline
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{limiter: limiter, caller: caller, cfg: cfg, log: log}
}

// Run produces exactly one ResultRecord for the task. Task-level errors
// are fully absorbed into the record; Run never writes to the store.
func (w *Worker) Run(ctx context.Context, task domain.Task, lane domain.Lane) domain.ResultRecord {
	maxAttempts := w.cfg.MaxRetries
	if task.RetryHint > 0 {
		maxAttempts = task.RetryHint
	}

	var (
		attempts    int
		lastKind    domain.ErrorKind
		outcome     domain.RawOutcome
		callLatency time.Duration
	)

	backoff := retry.NewExponential(w.cfg.RetryBase)
	backoff = retry.WithJitter(w.cfg.RetryBase/2, backoff)
	backoff = retry.WithCappedDuration(w.cfg.RetryMax, backoff)
	backoff = retry.WithMaxRetries(uint64(maxAttempts-1), backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		if err := w.limiter.Acquire(ctx, lane.ID); err != nil {
			lastKind = classify.Classify(err)
			return err
		}

		out, latency, err := w.invoke(ctx, task)
		callLatency = latency
		metrics.CallLatency.WithLabelValues(lane.ID).Observe(latency.Seconds())

		if err != nil {
			kind := classify.Classify(err)
			lastKind = kind

			if kind.Retryable() && attempts < maxAttempts {
				w.log.Debug("task attempt failed, retrying",
					"task", task.ID, "lane", lane.ID,
					"attempt", attempts, "kind", kind, "error", err)
				metrics.RetriesTotal.WithLabelValues(string(kind)).Inc()
				return retry.RetryableError(err)
			}
			return err
		}

		outcome = out
		lastKind = ""
		return nil
	})

	rec := domain.ResultRecord{
		TaskID:       task.ID,
		GroupKey:     task.GroupKey,
		Latency:      callLatency,
		AttemptCount: attempts,
		Timestamp:    time.Now(),
	}

	if err != nil {
		rec.Status = domain.StatusFailure
		if lastKind == "" {
			lastKind = classify.Classify(err)
		}
		rec.ErrorKind = lastKind
		w.log.Warn("task failed",
			"task", task.ID, "lane", lane.ID,
			"kind", rec.ErrorKind, "attempts", attempts, "error", err)
	} else {
		rec.Status = domain.StatusSuccess
		if outcome.Partial {
			rec.Status = domain.StatusPartial
		}
		rec.Quality = outcome.Quality
	}

	metrics.ResultsTotal.WithLabelValues(string(rec.Status), string(rec.ErrorKind)).Inc()
	return rec
}

// invoke runs the external call under the hard deadline. The deadline is
// enforced by selecting against a result channel, which works on any
// goroutine; when it fires the underlying call is cancelled through its
// context, and if the callee ignores cancellation it finishes detached
// with its result discarded.
func (w *Worker) invoke(ctx context.Context, task domain.Task) (domain.RawOutcome, time.Duration, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.Deadline)

	type callResult struct {
		out domain.RawOutcome
		err error
	}
	done := make(chan callResult, 1)

	start := time.Now()
	go func() {
		out, err := w.caller.Call(callCtx, task)
		done <- callResult{out, err}
	}()

	select {
	case r := <-done:
		cancel()
		return r.out, time.Since(start), r.err
	case <-callCtx.Done():
		cancel()
		elapsed := time.Since(start)
		if ctx.Err() != nil {
			// Parent cancellation, not the attempt deadline.
			return domain.RawOutcome{}, elapsed, ctx.Err()
		}
		return domain.RawOutcome{}, elapsed,
			fmt.Errorf("deadline exceeded after %.0fs: %w",
				w.cfg.Deadline.Seconds(), context.DeadlineExceeded)
	}
}
