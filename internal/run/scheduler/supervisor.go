package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ndhoang/lanerun/internal/core/domain"
	"github.com/ndhoang/lanerun/internal/run/metrics"
)

// ErrSupervisoryTimeout is returned when shards were still not terminal
// after the supervisory budget; the CLI maps it to exit code 124.
var ErrSupervisoryTimeout = errors.New("scheduler: supervisory timeout exceeded")

// SupervisorConfig parameterizes shard supervision.
type SupervisorConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	SupervisoryTimeout time.Duration `yaml:"supervisory_timeout"`
}

// DefaultSupervisorConfig returns sensible defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		PollInterval:       500 * time.Millisecond,
		SupervisoryTimeout: 2 * time.Hour,
	}
}

// Outcome is the terminal result of a supervised run.
type Outcome struct {
	Completed int
	Failed    int
	Lost      int
	Reports   []domain.ShardReport
}

// AllCompleted reports whether every shard finished cleanly.
func (o Outcome) AllCompleted() bool {
	return o.Failed == 0 && o.Lost == 0
}

// ErrorKindHistogram sums the store's view of task failures per kind
// from the final summary rows.
func ErrorKindHistogram(rows []*domain.SummaryAggregate) map[domain.ErrorKind]int {
	hist := make(map[domain.ErrorKind]int)
	for _, row := range rows {
		for kind, n := range row.ErrorKinds {
			hist[kind] += n
		}
	}
	return hist
}

// Supervisor runs all shards concurrently and polls their status on a
// ticker. No poll ever blocks on a single shard, so a slow shard cannot
// delay checkpointing or reporting of a fast one.
type Supervisor struct {
	runner ShardRunner
	cfg    SupervisorConfig
	log    *slog.Logger
}

// NewSupervisor creates a supervisor over the given runner.
func NewSupervisor(runner ShardRunner, cfg SupervisorConfig, log *slog.Logger) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultSupervisorConfig().PollInterval
	}
	if cfg.SupervisoryTimeout <= 0 {
		cfg.SupervisoryTimeout = DefaultSupervisorConfig().SupervisoryTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{runner: runner, cfg: cfg, log: log}
}

// Run starts every shard and supervises them to terminal status. It
// returns ErrSupervisoryTimeout if any shard was still alive past the
// budget; such shards are marked lost, never silently ignored.
func (s *Supervisor) Run(ctx context.Context, shards []domain.Shard) (Outcome, error) {
	if len(shards) == 0 {
		return Outcome{}, ErrNoTasks
	}

	for _, shard := range shards {
		if err := s.runner.Start(ctx, shard); err != nil {
			return Outcome{}, err
		}
	}

	deadline := time.Now().Add(s.cfg.SupervisoryTimeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	pending := make(map[string]domain.Shard, len(shards))
	for _, shard := range shards {
		pending[shard.ID] = shard
	}
	terminal := make(map[string]domain.ShardReport, len(shards))

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			// Operator interruption: give shards one more poll cycle to
			// publish, then mark the rest lost.
			s.drainPending(pending, terminal, "run cancelled")
			return s.outcome(shards, terminal), ctx.Err()
		case <-ticker.C:
		}

		for id := range pending {
			rep, ok := s.runner.Status(id)
			if ok && rep.State.Terminal() {
				terminal[id] = rep
				delete(pending, id)
				s.log.Info("shard terminal",
					"shard", id, "state", rep.State, "reason", rep.Reason)
			}
		}
		s.updateGauges(shards, terminal)

		if time.Now().After(deadline) && len(pending) > 0 {
			s.drainPending(pending, terminal, "supervisory timeout")
			return s.outcome(shards, terminal), ErrSupervisoryTimeout
		}
	}

	return s.outcome(shards, terminal), nil
}

func (s *Supervisor) drainPending(pending map[string]domain.Shard, terminal map[string]domain.ShardReport, reason string) {
	for id, shard := range pending {
		rep, ok := s.runner.Status(id)
		if ok && rep.State.Terminal() {
			terminal[id] = rep
			delete(pending, id)
			continue
		}
		s.log.Warn("marking shard lost", "shard", id, "reason", reason)
		terminal[id] = domain.ShardReport{
			ShardID:   shard.ID,
			LaneID:    shard.LaneID,
			State:     domain.ShardLost,
			Reason:    reason,
			TaskCount: len(shard.Tasks),
			UpdatedAt: time.Now(),
		}
		delete(pending, id)
	}
}

func (s *Supervisor) outcome(shards []domain.Shard, terminal map[string]domain.ShardReport) Outcome {
	out := Outcome{}
	for _, shard := range shards {
		rep := terminal[shard.ID]
		out.Reports = append(out.Reports, rep)
		switch rep.State {
		case domain.ShardCompleted:
			out.Completed++
		case domain.ShardFailed:
			out.Failed++
		default:
			out.Lost++
		}
	}
	s.updateGauges(shards, terminal)
	return out
}

func (s *Supervisor) updateGauges(shards []domain.Shard, terminal map[string]domain.ShardReport) {
	counts := map[domain.ShardState]int{}
	for _, shard := range shards {
		if rep, ok := terminal[shard.ID]; ok {
			counts[rep.State]++
			continue
		}
		if rep, ok := s.runner.Status(shard.ID); ok {
			counts[rep.State]++
		} else {
			counts[domain.ShardPending]++
		}
	}
	for _, state := range []domain.ShardState{
		domain.ShardPending, domain.ShardRunning,
		domain.ShardCompleted, domain.ShardFailed, domain.ShardLost,
	} {
		metrics.ShardsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
