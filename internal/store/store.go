// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package store provides the SQLite-backed durable record of jobs: a
// single jobs table that survives process restarts, written and queried
// by internal/multirun.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/peftkit/orchestrator/api"
	"github.com/peftkit/orchestrator/pkg/errors"
)

// Store wraps a SQLite connection holding the jobs table. SQLite is
// single-writer, so the pool is capped at one connection; callers never
// see lock-contention errors, only serialized writes.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at dir/jobs.db, enabling WAL mode
// and a busy timeout so concurrent readers don't collide with the
// per-mutation upserts internal/multirun makes.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(errors.KindUnknown, "create store directory", err)
	}

	dsn := filepath.Join(dir, "jobs.db") + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.KindUnknown, "open sqlite", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.KindUnknown, "ping sqlite", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close shuts the database down.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id       TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			provider     TEXT NOT NULL DEFAULT '',
			base_model   TEXT NOT NULL DEFAULT '',
			started_at   INTEGER,
			completed_at INTEGER,
			updated_at   INTEGER NOT NULL,
			payload      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_started ON jobs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_provider ON jobs(provider)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return errors.Wrap(errors.KindUnknown, fmt.Sprintf("migration failed: %s", m), err)
		}
	}
	return nil
}

// Upsert writes the job's full state, replacing any prior record with
// the same JobID. The indexed columns are denormalized from the payload
// so Query can filter by status/provider in SQL; List still decodes the
// payload of every row it returns.
func (s *Store) Upsert(ctx context.Context, job api.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(errors.KindUnknown, "encode job", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, status, provider, base_model, started_at, completed_at, updated_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			status=excluded.status,
			provider=excluded.provider,
			base_model=excluded.base_model,
			started_at=excluded.started_at,
			completed_at=excluded.completed_at,
			updated_at=excluded.updated_at,
			payload=excluded.payload`,
		job.JobID, string(job.State), job.Provider, job.Config.BaseModel,
		nullableUnix(job.StartedAt), nullableUnix(job.CompletedAt), time.Now().Unix(),
		string(payload),
	)
	if err != nil {
		return errors.Wrap(errors.KindUnknown, "upsert job", err)
	}
	return nil
}

// Get retrieves a single job by ID.
func (s *Store) Get(ctx context.Context, jobID string) (*api.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// Delete removes a job's record entirely.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return errors.Wrap(errors.KindUnknown, "delete job", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errors.NotFound("job", jobID)
	}
	return nil
}

// Query is a narrowed, SQL-translatable subset of api.RunFilter plus
// pagination, used by internal/multirun.
type Query struct {
	Status   api.TrainingState
	Provider string
	Limit    int
	Offset   int
}

// List returns jobs matching q, most recently started first.
func (s *Store) List(ctx context.Context, q Query) ([]api.Job, error) {
	clauses := ""
	args := []any{}
	if q.Status != "" {
		clauses += " AND status = ?"
		args = append(args, string(q.Status))
	}
	if q.Provider != "" {
		clauses += " AND provider = ?"
		args = append(args, q.Provider)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(
		`SELECT payload FROM jobs WHERE 1=1%s ORDER BY COALESCE(started_at, updated_at) DESC LIMIT ? OFFSET ?`,
		clauses,
	)
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.KindUnknown, "list jobs", err)
	}
	defer rows.Close()

	var jobs []api.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// All returns every stored job.
func (s *Store) All(ctx context.Context) ([]api.Job, error) {
	return s.List(ctx, Query{Limit: 1 << 30})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*api.Job, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("job", "")
		}
		return nil, errors.Wrap(errors.KindUnknown, "scan job", err)
	}
	var job api.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, errors.Integrity("job record", err.Error())
	}
	return &job, nil
}

func nullableUnix(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
