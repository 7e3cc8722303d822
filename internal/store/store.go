// Clubprint is a Hello Club attendee sheet printing agent.
// Copyright (C) 2025  The Clubprint Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed persistence layer for events
// and scheduled print jobs: schema migrations, transactional state
// transitions, recovery queries, and terminal-row cleanup.
//
// The store is the single owner of persisted state. All multi-step
// mutations run in one transaction; transient "database is locked"
// errors are retried with bounded exponential backoff.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	retry "github.com/avast/retry-go"
	_ "modernc.org/sqlite"

	"clubprint/pkg/models"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// Bounds for the contention retry wrapper: 5 attempts,
	// 10 ms → 160 ms doubling.
	busyRetryAttempts = 5
	busyRetryDelay    = 10 * time.Millisecond

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyScheduled indicates a job row already exists for the event.
	ErrAlreadyScheduled = errors.New("job already scheduled for event")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	return pingContext(ctx, s.db)
}

// Checkpoint flushes the WAL into the main database file. Called on
// graceful shutdown.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`)
	if err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// withBusyRetry runs op, retrying on transient lock contention.
func (s *Store) withBusyRetry(ctx context.Context, op func() error) error {
	return retry.Do(op,
		retry.Context(ctx),
		retry.Attempts(busyRetryAttempts),
		retry.Delay(busyRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isBusy),
	)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []func(context.Context, *sql.Tx) error{
		s.migrateToV1,
	}

	for v := cur; v < len(migrations); v++ {
		step := migrations[v]
		target := v + 1
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			if err := step(ctx, tx); err != nil {
				return fmt.Errorf("migrate to v%d: %w", target, err)
			}
			return s.setSchemaVersionTx(ctx, tx, target)
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersionTx(ctx context.Context, tx *sql.Tx, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := tx.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
  id         TEXT PRIMARY KEY,
  name       TEXT NOT NULL,
  start_time TIMESTAMP NOT NULL,
  categories TEXT NOT NULL,
  status     TEXT NOT NULL CHECK (status IN ('pending','processed','failed')),
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);`,

		// At most one job row per event: event_id is the primary key.
		`CREATE TABLE IF NOT EXISTS jobs (
  event_id       TEXT PRIMARY KEY REFERENCES events(id) ON DELETE CASCADE,
  event_name     TEXT NOT NULL,
  scheduled_time TIMESTAMP NOT NULL,
  status         TEXT NOT NULL CHECK (status IN ('scheduled','processing','retrying','completed','failed')),
  retry_count    INTEGER NOT NULL DEFAULT 0,
  error_message  TEXT NULL,
  created_at     TIMESTAMP NOT NULL,
  updated_at     TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Events ---------------

// UpsertEvents inserts events that are not yet known. Existing rows are
// never overwritten, preserving the first-seen start time and any
// terminal status. Returns the number of newly inserted rows.
func (s *Store) UpsertEvents(ctx context.Context, events []models.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	const ins = `
INSERT OR IGNORE INTO events (id, name, start_time, categories, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?);`

	var inserted int
	err := s.withBusyRetry(ctx, func() error {
		inserted = 0
		return s.WithTx(ctx, func(tx *sql.Tx) error {
			now := time.Now().UTC()
			for _, ev := range events {
				cats, err := json.Marshal(ev.Categories)
				if err != nil {
					return fmt.Errorf("marshal categories: %w", err)
				}
				res, err := tx.ExecContext(ctx, ins,
					ev.ID, ev.Name, ev.StartTime.UTC(), string(cats), models.EventStatusPending.String(), now, now)
				if err != nil {
					return fmt.Errorf("insert event %s: %w", ev.ID, err)
				}
				n, _ := res.RowsAffected()
				inserted += int(n)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetEvent retrieves an event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	const q = `SELECT id, name, start_time, categories, status FROM events WHERE id=?`

	var row struct {
		id, name, cats, status string
		startTime              time.Time
	}
	err := s.db.QueryRowContext(ctx, q, id).Scan(&row.id, &row.name, &row.startTime, &row.cats, &row.status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}

	var categories []string
	if err := json.Unmarshal([]byte(row.cats), &categories); err != nil {
		return nil, fmt.Errorf("unmarshal categories: %w", err)
	}
	return &models.Event{
		ID:         row.id,
		Name:       row.name,
		StartTime:  row.startTime.UTC(),
		Categories: categories,
		Status:     models.EventStatus(row.status),
	}, nil
}

// UpdateEventStatus transitions an event to a new status.
func (s *Store) UpdateEventStatus(ctx context.Context, id string, status models.EventStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid event status: %s", status)
	}
	const upd = `UPDATE events SET status=?, updated_at=? WHERE id=?`
	return s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, upd, status.String(), time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("update event status: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// --------------- Jobs ---------------

// ArmJob inserts a scheduled job row for the event. Returns
// ErrAlreadyScheduled if any job row already exists for the event; the
// check and insert are atomic.
func (s *Store) ArmJob(ctx context.Context, eventID, eventName string, scheduledTime time.Time) error {
	return s.withBusyRetry(ctx, func() error {
		return s.WithTx(ctx, func(tx *sql.Tx) error {
			const sel = `SELECT status FROM jobs WHERE event_id=?`
			var existing string
			err := tx.QueryRowContext(ctx, sel, eventID).Scan(&existing)
			if err == nil {
				return fmt.Errorf("%w: status=%s", ErrAlreadyScheduled, existing)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("check existing job: %w", err)
			}

			now := time.Now().UTC()
			const ins = `
INSERT INTO jobs (event_id, event_name, scheduled_time, status, retry_count, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, ?, ?);`
			if _, err := tx.ExecContext(ctx, ins,
				eventID, eventName, scheduledTime.UTC(), models.JobStatusScheduled.String(), now, now); err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
			return nil
		})
	})
}

// GetJob retrieves the job row for an event.
func (s *Store) GetJob(ctx context.Context, eventID string) (*models.ScheduledJob, error) {
	const q = `SELECT event_id, event_name, scheduled_time, status, retry_count, error_message, created_at, updated_at
FROM jobs WHERE event_id=?`
	row := s.db.QueryRowContext(ctx, q, eventID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJobStatus transitions a job to a new status, optionally
// recording an error message. An empty errorMessage clears the column.
func (s *Store) UpdateJobStatus(ctx context.Context, eventID string, status models.JobStatus, errorMessage string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid job status: %s", status)
	}
	const upd = `UPDATE jobs SET status=?, error_message=?, updated_at=? WHERE event_id=?`
	return s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, upd, status.String(), nullIfEmpty(errorMessage), time.Now().UTC(), eventID)
		if err != nil {
			return fmt.Errorf("update job status: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// IncrementJobRetry bumps the retry counter and returns the new count.
func (s *Store) IncrementJobRetry(ctx context.Context, eventID string) (int, error) {
	var count int
	err := s.withBusyRetry(ctx, func() error {
		return s.WithTx(ctx, func(tx *sql.Tx) error {
			const upd = `UPDATE jobs SET retry_count=retry_count+1, updated_at=? WHERE event_id=?`
			res, err := tx.ExecContext(ctx, upd, time.Now().UTC(), eventID)
			if err != nil {
				return fmt.Errorf("increment retry: %w", err)
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				return ErrNotFound
			}
			const sel = `SELECT retry_count FROM jobs WHERE event_id=?`
			if err := tx.QueryRowContext(ctx, sel, eventID).Scan(&count); err != nil {
				return fmt.Errorf("read retry count: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CompleteJob atomically marks the job completed and its event processed.
func (s *Store) CompleteJob(ctx context.Context, eventID string) error {
	return s.finishJob(ctx, eventID, models.JobStatusCompleted, models.EventStatusProcessed, "")
}

// FailJob atomically marks the job failed with a reason and its event failed.
func (s *Store) FailJob(ctx context.Context, eventID, reason string) error {
	return s.finishJob(ctx, eventID, models.JobStatusFailed, models.EventStatusFailed, reason)
}

func (s *Store) finishJob(ctx context.Context, eventID string, js models.JobStatus, es models.EventStatus, reason string) error {
	return s.withBusyRetry(ctx, func() error {
		return s.WithTx(ctx, func(tx *sql.Tx) error {
			now := time.Now().UTC()

			const updJob = `UPDATE jobs SET status=?, error_message=?, updated_at=? WHERE event_id=? AND status NOT IN ('completed','failed')`
			res, err := tx.ExecContext(ctx, updJob, js.String(), nullIfEmpty(reason), now, eventID)
			if err != nil {
				return fmt.Errorf("finish job: %w", err)
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				return ErrNotFound
			}

			const updEvent = `UPDATE events SET status=?, updated_at=? WHERE id=?`
			if _, err := tx.ExecContext(ctx, updEvent, es.String(), now, eventID); err != nil {
				return fmt.Errorf("finish event: %w", err)
			}
			return nil
		})
	})
}

// ListActiveJobs returns all jobs in a non-terminal status, ordered by
// scheduled time. Used for recovery after restart.
func (s *Store) ListActiveJobs(ctx context.Context) ([]models.ScheduledJob, error) {
	const q = `SELECT event_id, event_name, scheduled_time, status, retry_count, error_message, created_at, updated_at
FROM jobs WHERE status IN ('scheduled','processing','retrying') ORDER BY scheduled_time ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// CountJobsByStatus returns job counts grouped by status.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	const q = `SELECT status, COUNT(*) FROM jobs GROUP BY status`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// CleanupOlderThan deletes terminal jobs and events whose updated_at is
// before cutoff. Returns the number of rows removed.
func (s *Store) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.withBusyRetry(ctx, func() error {
		removed = 0
		return s.WithTx(ctx, func(tx *sql.Tx) error {
			const delJobs = `DELETE FROM jobs WHERE status IN ('completed','failed') AND updated_at < ?`
			res, err := tx.ExecContext(ctx, delJobs, cutoff.UTC())
			if err != nil {
				return fmt.Errorf("cleanup jobs: %w", err)
			}
			n, _ := res.RowsAffected()
			removed += n

			const delEvents = `DELETE FROM events
WHERE status IN ('processed','failed') AND updated_at < ?
AND NOT EXISTS (SELECT 1 FROM jobs WHERE jobs.event_id = events.id)`
			res, err = tx.ExecContext(ctx, delEvents, cutoff.UTC())
			if err != nil {
				return fmt.Errorf("cleanup events: %w", err)
			}
			n, _ = res.RowsAffected()
			removed += n
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// ReconcileTerminalJobs repairs events left pending by a crash between
// the job and event writes in older code paths: a terminal job row is
// proof the outcome was decided, so the event is brought in line with
// the job. Returns the number of events repaired.
func (s *Store) ReconcileTerminalJobs(ctx context.Context) (int64, error) {
	var repaired int64
	err := s.withBusyRetry(ctx, func() error {
		repaired = 0
		return s.WithTx(ctx, func(tx *sql.Tx) error {
			now := time.Now().UTC()
			pairs := []struct {
				jobStatus   models.JobStatus
				eventStatus models.EventStatus
			}{
				{models.JobStatusCompleted, models.EventStatusProcessed},
				{models.JobStatusFailed, models.EventStatusFailed},
			}
			for _, p := range pairs {
				const upd = `UPDATE events SET status=?, updated_at=?
WHERE status='pending' AND id IN (SELECT event_id FROM jobs WHERE status=?)`
				res, err := tx.ExecContext(ctx, upd, p.eventStatus.String(), now, p.jobStatus.String())
				if err != nil {
					return fmt.Errorf("reconcile %s: %w", p.jobStatus, err)
				}
				n, _ := res.RowsAffected()
				repaired += n
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return repaired, nil
}

// --------------- Internal helpers ---------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*models.ScheduledJob, error) {
	var row struct {
		eventID, eventName, status string
		scheduledTime              time.Time
		retryCount                 int
		errorMessage               sql.NullString
		createdAt, updatedAt       time.Time
	}
	err := r.Scan(&row.eventID, &row.eventName, &row.scheduledTime, &row.status,
		&row.retryCount, &row.errorMessage, &row.createdAt, &row.updatedAt)
	if err != nil {
		return nil, err
	}
	return &models.ScheduledJob{
		EventID:       row.eventID,
		EventName:     row.eventName,
		ScheduledTime: row.scheduledTime.UTC(),
		Status:        models.JobStatus(row.status),
		RetryCount:    row.retryCount,
		ErrorMessage:  fromNullStringPtr(row.errorMessage),
		CreatedAt:     row.createdAt.UTC(),
		UpdatedAt:     row.updatedAt.UTC(),
	}, nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}
