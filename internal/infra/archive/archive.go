// Package archive persists every result record to PostgreSQL as an
// append-only audit trail. The aggregation store stays the source of
// truth for summaries; the archive exists for after-the-fact queries
// over individual outcomes and is entirely optional.
package archive

import (
	"context"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/ndhoang/lanerun/internal/core/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config holds PostgreSQL connection configuration. An empty DSN
// disables the archive.
type Config struct {
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether an archive is configured.
func (c Config) Enabled() bool { return c.DSN != "" }

// Archive writes result records to the result_records table.
type Archive struct {
	db *sqlx.DB
}

// Open connects, applies migrations, and returns a ready archive.
func Open(ctx context.Context, cfg Config) (*Archive, error) {
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}

	return &Archive{db: db}, nil
}

// resultRow mirrors the result_records table.
type resultRow struct {
	TaskID       string    `db:"task_id"`
	Model        string    `db:"model"`
	Variant      string    `db:"variant"`
	Difficulty   string    `db:"difficulty"`
	TaskType     string    `db:"task_type"`
	Status       string    `db:"status"`
	ErrorKind    string    `db:"error_kind"`
	LatencyMS    int64     `db:"latency_ms"`
	AttemptCount int       `db:"attempt_count"`
	Quality      *float64  `db:"quality"`
	RecordedAt   time.Time `db:"recorded_at"`
}

const insertRecord = `
INSERT INTO result_records
	(task_id, model, variant, difficulty, task_type,
	 status, error_kind, latency_ms, attempt_count, quality, recorded_at)
VALUES
	(:task_id, :model, :variant, :difficulty, :task_type,
	 :status, :error_kind, :latency_ms, :attempt_count, :quality, :recorded_at)
ON CONFLICT (task_id) DO NOTHING`

// Archive inserts a batch of records in one transaction. Replayed
// records are skipped on the task_id key, so the archive stays
// duplicate-free across crash recovery.
func (a *Archive) Archive(ctx context.Context, batch []domain.ResultRecord) error {
	if len(batch) == 0 {
		return nil
	}

	rows := make([]resultRow, len(batch))
	for i, rec := range batch {
		rows[i] = resultRow{
			TaskID:       rec.TaskID,
			Model:        rec.GroupKey.Model,
			Variant:      rec.GroupKey.Variant,
			Difficulty:   rec.GroupKey.Difficulty,
			TaskType:     rec.GroupKey.TaskType,
			Status:       string(rec.Status),
			ErrorKind:    string(rec.ErrorKind),
			LatencyMS:    rec.Latency.Milliseconds(),
			AttemptCount: rec.AttemptCount,
			Quality:      rec.Quality,
			RecordedAt:   rec.Timestamp,
		}
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NamedExecContext(ctx, insertRecord, rows); err != nil {
		return fmt.Errorf("failed to insert records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Count returns the number of archived records, for status reporting.
func (a *Archive) Count(ctx context.Context) (int64, error) {
	var n int64
	err := a.db.GetContext(ctx, &n, "SELECT count(*) FROM result_records")
	return n, err
}

// Health checks if the database is reachable.
func (a *Archive) Health(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}
