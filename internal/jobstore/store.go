// Package jobstore keeps a SQLite history of pipeline jobs: filenames,
// stage outcomes, transcripts and summaries. It is optional; when
// disabled the store is a no-op so the service holds no state between
// requests.
package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/linguabridge/linguabridge/internal/config"
)

// Job statuses as recorded in the store.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Record is one pipeline job's persisted state.
type Record struct {
	JobID      string
	Filename   string
	Status     string
	Transcript string
	Summary    string
	ErrorKind  string
	ErrorMsg   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store wraps a SQLite-backed job history.
type Store struct {
	db    *sql.DB
	cfg   config.JobStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the job store according to config. With persistence
// disabled it returns a store whose writes are no-ops.
func Open(ctx context.Context, cfg config.JobStoreConfig, log *slog.Logger) (*Store, error) {
	if !cfg.Enabled {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("job store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("job store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    filename TEXT,
    status TEXT NOT NULL,
    transcript TEXT,
    summary TEXT,
    error_kind TEXT,
    error_message TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin records a new running job.
func (s *Store) Begin(ctx context.Context, jobID, filename string) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, filename, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?)`,
		jobID, filename, StatusRunning, now, now)
	return err
}

// Finish records a job's final state.
func (s *Store) Finish(ctx context.Context, rec Record) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status=?, transcript=?, summary=?, error_kind=?, error_message=?, updated_at=?
		 WHERE job_id=?`,
		rec.Status, rec.Transcript, rec.Summary, rec.ErrorKind, rec.ErrorMsg, s.clock().UTC(), rec.JobID)
	return err
}

// Get retrieves one job by ID; (nil, nil) when the job is unknown or
// persistence is disabled.
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, filename, status, COALESCE(transcript,''), COALESCE(summary,''),
		        COALESCE(error_kind,''), COALESCE(error_message,''), created_at, updated_at
		 FROM jobs WHERE job_id = ?`, jobID)
	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRecent returns up to limit jobs, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, filename, status, COALESCE(transcript,''), COALESCE(summary,''),
		        COALESCE(error_kind,''), COALESCE(error_message,''), created_at, updated_at
		 FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var rec Record
	var created, updated string
	if err := scan(&rec.JobID, &rec.Filename, &rec.Status, &rec.Transcript, &rec.Summary,
		&rec.ErrorKind, &rec.ErrorMsg, &created, &updated); err != nil {
		return nil, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		rec.UpdatedAt = ts
	}
	return &rec, nil
}

// Prune applies configured retention.
func (s *Store) Prune(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
