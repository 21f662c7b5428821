// Package collector buffers result records and flushes them into the
// aggregation store. Every record is appended to a durable per-shard
// tail log before it is buffered, so a crash loses at most an in-flight
// merge, never the record itself.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ndhoang/lanerun/internal/core/domain"
	"github.com/ndhoang/lanerun/internal/run/metrics"
	"github.com/ndhoang/lanerun/internal/store/aggregate"
)

// Merger folds a batch into the aggregation store.
type Merger interface {
	Merge(ctx context.Context, batch []domain.ResultRecord) error
}

// Archiver is an optional secondary sink for individual records, e.g.
// the Postgres audit archive. Archive failures are logged, never fatal.
type Archiver interface {
	Archive(ctx context.Context, batch []domain.ResultRecord) error
}

// Config parameterizes flush behavior. Flushing fires when ANY trigger
// holds, not a single count threshold: small batches would otherwise
// never reach the threshold and sit unflushed until shutdown.
type Config struct {
	CountThreshold int           `yaml:"count_threshold"`
	MaxInterval    time.Duration `yaml:"max_interval"`
	MinInterval    time.Duration `yaml:"min_interval"`

	// TotalTasks scales the count threshold down for small runs so that
	// even a batch of 5 sees a few flushes.
	TotalTasks int `yaml:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CountThreshold: 20,
		MaxInterval:    30 * time.Second,
		MinInterval:    5 * time.Second,
	}
}

// Collector buffers records for one shard. Safe for concurrent Submit.
type Collector struct {
	mu sync.Mutex

	cfg      Config
	shardID  string
	store    Merger
	archive  Archiver
	log      *slog.Logger
	tailPath string
	tail     *os.File

	buffer    []domain.ResultRecord
	committed int
	lastFlush time.Time

	stop    chan struct{}
	stopped sync.Once
}

// New creates a collector whose tail log lives in tailDir.
func New(cfg Config, shardID, tailDir string, store Merger, log *slog.Logger) (*Collector, error) {
	if cfg.CountThreshold <= 0 {
		cfg.CountThreshold = DefaultConfig().CountThreshold
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultConfig().MaxInterval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultConfig().MinInterval
	}
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(tailDir, 0o755); err != nil {
		return nil, fmt.Errorf("collector: create tail dir: %w", err)
	}
	tailPath := filepath.Join(tailDir, shardID+aggregate.TailSuffix)
	tail, err := os.OpenFile(tailPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("collector: open tail log: %w", err)
	}

	return &Collector{
		cfg:       cfg,
		shardID:   shardID,
		store:     store,
		log:       log,
		tailPath:  tailPath,
		tail:      tail,
		lastFlush: time.Now(),
		stop:      make(chan struct{}),
	}, nil
}

// SetArchiver attaches the optional secondary sink.
func (c *Collector) SetArchiver(a Archiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.archive = a
}

// Start runs the interval-trigger loop so time-based flushes fire even
// when no results are trickling in.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		tick := c.cfg.MinInterval / 2
		if tick <= 0 {
			tick = time.Second
		}
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				c.maybeFlushLocked(ctx)
				c.mu.Unlock()
			}
		}
	}()
}

// Submit appends the record to the durable tail, buffers it, and
// evaluates the flush triggers.
func (c *Collector) Submit(ctx context.Context, rec domain.ResultRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.appendTailLocked(rec); err != nil {
		return err
	}
	c.buffer = append(c.buffer, rec)
	c.maybeFlushLocked(ctx)
	return nil
}

// Checkpoint returns the shard's current durability bookmark.
func (c *Collector) Checkpoint() domain.CheckpointState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.CheckpointState{
		LastCommittedIndex: c.committed,
		PendingCount:       len(c.buffer),
		LastFlushTime:      c.lastFlush,
	}
}

// Close flushes the remaining buffer (the shutdown trigger) and closes
// the tail log. Registered against both normal and signal shutdown.
func (c *Collector) Close(ctx context.Context) error {
	c.stopped.Do(func() { close(c.stop) })

	c.mu.Lock()
	defer c.mu.Unlock()

	var flushErr error
	if len(c.buffer) > 0 {
		flushErr = c.flushLocked(ctx, "shutdown")
	}
	closeErr := c.tail.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (c *Collector) appendTailLocked(rec domain.ResultRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("collector: encode record: %w", err)
	}
	if _, err := c.tail.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("collector: append tail: %w", err)
	}
	if err := c.tail.Sync(); err != nil {
		return fmt.Errorf("collector: sync tail: %w", err)
	}
	return nil
}

// threshold returns the adaptive count trigger.
func (c *Collector) threshold() int {
	th := c.cfg.CountThreshold
	if c.cfg.TotalTasks > 0 {
		adaptive := c.cfg.TotalTasks / 3
		if adaptive < 1 {
			adaptive = 1
		}
		if adaptive < th {
			th = adaptive
		}
	}
	return th
}

// maybeFlushLocked evaluates the independent triggers and flushes when
// any fires. Flush errors are retried inside flushLocked; a still-failed
// flush leaves the buffer intact for the next trigger.
func (c *Collector) maybeFlushLocked(ctx context.Context) {
	elapsed := time.Since(c.lastFlush)

	var trigger string
	switch {
	case len(c.buffer) >= c.threshold():
		trigger = "count"
	case elapsed >= c.cfg.MaxInterval:
		trigger = "max_interval"
	case len(c.buffer) > 0 && elapsed >= c.cfg.MinInterval:
		trigger = "min_interval"
	default:
		return
	}

	if len(c.buffer) == 0 {
		// Interval elapsed with nothing buffered; reset the clock so the
		// max-interval trigger does not fire continuously while idle.
		c.lastFlush = time.Now()
		return
	}

	if err := c.flushLocked(ctx, trigger); err != nil {
		c.log.Warn("flush failed, buffer retained",
			"shard", c.shardID, "trigger", trigger,
			"buffered", len(c.buffer), "error", err)
	}
}

// flushLocked merges the buffer into the store with backoff on lock
// contention, archives it, and only then truncates the tail log.
func (c *Collector) flushLocked(ctx context.Context, trigger string) error {
	batch := c.buffer

	backoff := retry.NewExponential(100 * time.Millisecond)
	backoff = retry.WithCappedDuration(2*time.Second, backoff)
	backoff = retry.WithMaxRetries(5, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.store.Merge(ctx, batch)
		if errors.Is(err, aggregate.ErrConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return err
	}

	if c.archive != nil {
		if err := c.archive.Archive(ctx, batch); err != nil {
			c.log.Warn("archive write failed", "shard", c.shardID, "error", err)
		}
	}

	// Confirmed merge: now, and only now, drop the durable tail.
	if err := c.tail.Truncate(0); err != nil {
		// The next merge of these records will be de-duplicated; keeping
		// the tail is safe, losing it would not be.
		c.log.Warn("tail truncate failed", "shard", c.shardID, "error", err)
	}

	c.committed += len(batch)
	c.buffer = nil
	c.lastFlush = time.Now()

	metrics.FlushesTotal.WithLabelValues(trigger).Inc()
	metrics.FlushBatchSize.Observe(float64(len(batch)))
	c.log.Debug("flushed batch",
		"shard", c.shardID, "trigger", trigger,
		"records", len(batch), "committed", c.committed)
	return nil
}
