// Package aggregate is the crash-safe aggregation store. It merges
// result batches into keyed summary rows and persists them as an
// atomically replaced column-oriented snapshot.
//
// Concurrent writers (different shards, different processes) serialize
// through an advisory file lock held only for the merge arithmetic.
// Merges are idempotent: a per-group applied-task-id set persisted inside
// the snapshot means a batch replayed after an ambiguous failure never
// double counts.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ndhoang/lanerun/internal/core/domain"
	"github.com/ndhoang/lanerun/internal/infra/flock"
	"github.com/ndhoang/lanerun/internal/run/metrics"
)

// ErrConflict is returned when the snapshot lock could not be acquired
// within the store's wait budget. Callers retry with backoff rather than
// blocking indefinitely.
var ErrConflict = errors.New("aggregate: snapshot lock contention")

const (
	snapshotFile = "aggregate.json"
	lockFile     = "aggregate.lock"

	// TailSuffix marks a shard's durable tail log; AppliedSuffix marks a
	// tail that has been replayed. Tails are quarantined, never deleted.
	TailSuffix    = ".tail"
	AppliedSuffix = ".tail.applied"
)

// Config parameterizes the store.
type Config struct {
	Dir      string        `yaml:"dir"`
	LockWait time.Duration `yaml:"lock_wait"`
}

// Store is the on-disk aggregation store. All state lives in the
// snapshot file; the struct itself holds no row data, so any number of
// processes can open the same directory.
type Store struct {
	dir      string
	lockWait time.Duration
	log      *slog.Logger
}

// Open prepares a store rooted at cfg.Dir.
func Open(cfg Config, log *slog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("aggregate: store dir not configured")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("aggregate: create store dir: %w", err)
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{dir: cfg.Dir, lockWait: cfg.LockWait, log: log}, nil
}

// Merge folds a batch of results into the persisted snapshot under the
// store lock: read, fold, write to a temporary file, atomic rename.
// Records whose task id is already in the group's applied set are
// skipped. Returns ErrConflict if the lock wait budget is exhausted.
func (s *Store) Merge(ctx context.Context, batch []domain.ResultRecord) error {
	if len(batch) == 0 {
		return nil
	}

	lock := flock.New(filepath.Join(s.dir, lockFile))
	err := lock.WithLock(ctx, s.lockWait, func() error {
		return s.mergeLocked(batch)
	})
	if errors.Is(err, flock.ErrTimeout) {
		metrics.StoreConflictsTotal.Inc()
		return ErrConflict
	}
	return err
}

func (s *Store) mergeLocked(batch []domain.ResultRecord) error {
	snap, err := s.load()
	if err != nil {
		return err
	}
	rows, err := snap.rows()
	if err != nil {
		return err
	}

	applied := make(map[string]map[string]bool, len(snap.Applied))
	for group, ids := range snap.Applied {
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		applied[group] = set
	}

	appliedCount := 0
	for _, rec := range batch {
		group := rec.GroupKey.String()
		if applied[group][rec.TaskID] {
			metrics.MergedRecordsTotal.WithLabelValues("duplicate").Inc()
			continue
		}

		row, ok := rows[group]
		if !ok {
			row = domain.NewSummaryAggregate(rec.GroupKey)
			rows[group] = row
		}
		row.Apply(rec)

		if applied[group] == nil {
			applied[group] = make(map[string]bool)
		}
		applied[group][rec.TaskID] = true
		appliedCount++
		metrics.MergedRecordsTotal.WithLabelValues("applied").Inc()
	}

	snap.Applied = make(map[string][]string, len(applied))
	for group, set := range applied {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		snap.Applied[group] = ids
	}

	snap.fromRows(rows)
	snap.LastUpdated = time.Now().UTC()

	if err := s.save(snap); err != nil {
		return err
	}

	s.log.Debug("merged batch",
		"records", len(batch), "applied", appliedCount,
		"duplicates", len(batch)-appliedCount, "groups", len(rows))
	return nil
}

// Summaries returns a copy of every row, sorted by group key.
func (s *Store) Summaries(ctx context.Context) ([]*domain.SummaryAggregate, error) {
	var out []*domain.SummaryAggregate

	lock := flock.New(filepath.Join(s.dir, lockFile))
	err := lock.WithLock(ctx, s.lockWait, func() error {
		snap, err := s.load()
		if err != nil {
			return err
		}
		rows, err := snap.rows()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(rows))
		for k := range rows {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, rows[k].Clone())
		}
		return nil
	})
	if errors.Is(err, flock.ErrTimeout) {
		return nil, ErrConflict
	}
	return out, err
}

// ExportRows writes the row-oriented interchange form of the current
// snapshot to w.
func (s *Store) ExportRows(ctx context.Context, w io.Writer) error {
	lock := flock.New(filepath.Join(s.dir, lockFile))
	return lock.WithLock(ctx, s.lockWait, func() error {
		snap, err := s.load()
		if err != nil {
			return err
		}
		return snap.exportRows(w)
	})
}

// ImportRows replaces the snapshot with one rebuilt from the interchange
// form. Used to restore a snapshot from its debug export.
func (s *Store) ImportRows(ctx context.Context, r io.Reader) error {
	snap, err := importRows(r)
	if err != nil {
		return err
	}
	lock := flock.New(filepath.Join(s.dir, lockFile))
	return lock.WithLock(ctx, s.lockWait, func() error {
		return s.save(snap)
	})
}

// Recover replays any orphaned durable tail logs left in tailDir by a
// crashed run, then quarantines them with the applied suffix. Must run
// before the store accepts new submissions. The applied-id set makes the
// replay idempotent even when the crash happened mid-flush.
func (s *Store) Recover(ctx context.Context, tailDir string) (int, error) {
	entries, err := os.ReadDir(tailDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("aggregate: scan tail dir: %w", err)
	}

	replayed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, TailSuffix) {
			continue
		}
		path := filepath.Join(tailDir, name)

		records, err := ReadTail(path)
		if err != nil {
			s.log.Warn("skipping unreadable tail log", "path", path, "error", err)
			continue
		}
		if len(records) > 0 {
			if err := s.Merge(ctx, records); err != nil {
				return replayed, fmt.Errorf("aggregate: replay %s: %w", name, err)
			}
		}
		if err := os.Rename(path, strings.TrimSuffix(path, TailSuffix)+AppliedSuffix); err != nil {
			return replayed, fmt.Errorf("aggregate: quarantine %s: %w", name, err)
		}

		replayed += len(records)
		s.log.Info("replayed orphaned tail log", "path", path, "records", len(records))
	}
	return replayed, nil
}

// ReadTail decodes a durable tail log (JSONL of result records). A
// truncated final line, the usual crash artifact, is tolerated and
// dropped.
func ReadTail(path string) ([]domain.ResultRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var records []domain.ResultRecord
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec domain.ResultRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			if i == len(lines)-1 {
				break // torn final write
			}
			return nil, fmt.Errorf("tail line %d: %w", i+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// load reads the snapshot, returning an empty document when none exists.
func (s *Store) load() (*snapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, snapshotFile))
	if os.IsNotExist(err) {
		return emptySnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("aggregate: read snapshot: %w", err)
	}

	snap := emptySnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("aggregate: decode snapshot: %w", err)
	}
	if err := snap.validate(); err != nil {
		return nil, err
	}
	if snap.Applied == nil {
		snap.Applied = make(map[string][]string)
	}
	return snap, nil
}

// save writes the snapshot to a temporary file, syncs it, and renames it
// over the live one. The snapshot is never written in place.
func (s *Store) save(snap *snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("aggregate: encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, snapshotFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("aggregate: create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("aggregate: write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("aggregate: sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("aggregate: close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(s.dir, snapshotFile)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("aggregate: replace snapshot: %w", err)
	}
	return nil
}
