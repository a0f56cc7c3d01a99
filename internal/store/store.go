// Package store persists jobs in SQLite. It is the sole writer of durable
// job state; everything else goes through its operations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"aperio/internal/apperr"
	"aperio/internal/job"
)

// timeLayout keeps millisecond resolution so ordering survives a round trip.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	downloaded_path TEXT,
	processed_path TEXT,
	error_message TEXT,
	processing_time_seconds INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_url ON jobs(url);
`

// JobStore wraps the SQLite connection pool.
type JobStore struct {
	db *sql.DB
}

// Open resolves databaseURL (a sqlite:// URL or a bare path), prepares the
// parent directory, opens the database with WAL and the standard pragmas,
// and runs the schema migration.
func Open(databaseURL string) (*JobStore, error) {
	path := strings.TrimPrefix(databaseURL, "sqlite://")
	path = strings.TrimPrefix(path, "sqlite:")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperr.New(apperr.Internal, "Failed to create database directory %s: %v", dir, err)
		}
		// Catch a read-only volume before sqlite produces a confusing error.
		probe := filepath.Join(dir, ".write_probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return nil, apperr.New(apperr.Internal, "Database directory %s is not writable: %v", dir, err)
		}
		os.Remove(probe)
	}

	dsn := fmt.Sprintf("file:%s?%s", path, strings.Join([]string{
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=cache_size(1000)",
		"_pragma=busy_timeout(5000)",
	}, "&"))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "Failed to open database: %v", err)
	}
	// WAL allows one writer; funneling writes through a single connection
	// avoids SQLITE_BUSY under concurrent flushes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperr.New(apperr.Internal, "Failed to run database migration: %v", err)
	}

	slog.Info("Database ready", "path", path)
	return &JobStore{db: db}, nil
}

// Close releases the connection pool.
func (s *JobStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable, for readiness probes.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperr.New(apperr.Internal, "Database ping failed: %v", err)
	}
	return nil
}

// Create inserts a new job row.
func (s *JobStore) Create(ctx context.Context, j *job.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, url, status, created_at, updated_at,
			downloaded_path, processed_path, error_message, processing_time_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.URL, string(j.Status),
		j.CreatedAt.Format(timeLayout), j.UpdatedAt.Format(timeLayout),
		nullString(j.DownloadedPath), nullString(j.ProcessedPath),
		nullString(j.ErrorMessage), nullInt64(j.ProcessingTimeSeconds, j.HasProcessingTime))
	if err != nil {
		return apperr.New(apperr.Internal, "Failed to create job in database: %v", err)
	}
	return nil
}

// Get fetches a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" FROM jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "Job not found: %s", id)
	}
	if err != nil {
		return nil, apperr.New(apperr.Internal, "Failed to read job from database: %v", err)
	}
	return j, nil
}

// Update flushes the full mutable state of j, refreshing updated_at.
func (s *JobStore) Update(ctx context.Context, j *job.Job) error {
	j.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?, downloaded_path = ?,
			processed_path = ?, error_message = ?, processing_time_seconds = ?
		WHERE id = ?`,
		string(j.Status), j.UpdatedAt.Format(timeLayout),
		nullString(j.DownloadedPath), nullString(j.ProcessedPath),
		nullString(j.ErrorMessage), nullInt64(j.ProcessingTimeSeconds, j.HasProcessingTime),
		j.ID)
	if err != nil {
		return apperr.New(apperr.Internal, "Failed to update job in database: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "Job not found: %s", j.ID)
	}
	return nil
}

// ConditionalStatus atomically moves id to newStatus only if the stored
// status equals expected. It reports whether the transition happened.
func (s *JobStore) ConditionalStatus(ctx context.Context, id string, newStatus, expected job.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(newStatus), time.Now().UTC().Truncate(time.Millisecond).Format(timeLayout),
		id, string(expected))
	if err != nil {
		return false, apperr.New(apperr.Internal, "Failed to update job status in database: %v", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// StartDownloading moves id to Downloading from either Pending or Claimed,
// the two states a dispatched job may legitimately be in. It reports false
// if the job moved elsewhere (for example cancelled) in the meantime.
func (s *JobStore) StartDownloading(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status IN ('Pending', 'Claimed')`,
		string(job.StatusDownloading),
		time.Now().UTC().Truncate(time.Millisecond).Format(timeLayout), id)
	if err != nil {
		return false, apperr.New(apperr.Internal, "Failed to update job status in database: %v", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// TryClaimPending moves id from Pending to Claimed. Exactly one caller wins
// when several race on the same row.
func (s *JobStore) TryClaimPending(ctx context.Context, id string) (bool, error) {
	return s.ConditionalStatus(ctx, id, job.StatusClaimed, job.StatusPending)
}

// Unclaim reverses a claim that could not be enqueued, so a later restore
// pass picks the job up again.
func (s *JobStore) Unclaim(ctx context.Context, id string) error {
	ok, err := s.ConditionalStatus(ctx, id, job.StatusPending, job.StatusClaimed)
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("Unclaim found job no longer Claimed", "job_id", id)
	}
	return nil
}

// CancelActive marks id Cancelled with the fixed user-cancel message, but
// only while the row is still non-terminal. It reports whether the
// transition happened, so a job that completed in the meantime is never
// overwritten.
func (s *JobStore) CancelActive(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('Completed', 'Failed', 'Cancelled')`,
		string(job.StatusCancelled), "Job cancelled by user",
		time.Now().UTC().Truncate(time.Millisecond).Format(timeLayout), id)
	if err != nil {
		return false, apperr.New(apperr.Internal, "Failed to cancel job in database: %v", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// AvgProcessingSeconds returns the mean pipeline duration over completed
// jobs, or zero when none have finished yet.
func (s *JobStore) AvgProcessingSeconds(ctx context.Context) (float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(processing_time_seconds) FROM jobs
		WHERE status = 'Completed' AND processing_time_seconds IS NOT NULL`).Scan(&avg)
	if err != nil {
		return 0, apperr.New(apperr.Internal, "Failed to read processing stats from database: %v", err)
	}
	return avg.Float64, nil
}

// FindActiveByURL returns the newest non-terminal job for rawURL, or nil.
// The comparison ignores ordering of query parameters.
func (s *JobStore) FindActiveByURL(ctx context.Context, rawURL string) (*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		FROM jobs WHERE status IN ('Pending', 'Claimed', 'Downloading', 'Processing')
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "Failed to query jobs from database: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperr.New(apperr.Internal, "Failed to read job from database: %v", err)
		}
		if urlsEquivalent(j.URL, rawURL) {
			return j, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New(apperr.Internal, "Failed to read jobs from database: %v", err)
	}
	return nil, nil
}

// ListPaginated returns one page of jobs newest-first, optionally filtered
// by status, plus the total page count. Page size is clamped to 100.
func (s *JobStore) ListPaginated(ctx context.Context, page, pageSize int, status *job.Status) ([]*job.Job, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}

	var where string
	var args []any
	if status != nil {
		where = " WHERE status = ?"
		args = append(args, string(*status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, apperr.New(apperr.Internal, "Failed to count jobs in database: %v", err)
	}

	queryArgs := append(args, pageSize, (page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx,
		selectColumns+" FROM jobs"+where+" ORDER BY created_at DESC LIMIT ? OFFSET ?", queryArgs...)
	if err != nil {
		return nil, 0, apperr.New(apperr.Internal, "Failed to query jobs from database: %v", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}

	totalPages := (total + pageSize - 1) / pageSize
	if totalPages < 1 {
		totalPages = 1
	}
	return jobs, totalPages, nil
}

// ListPending returns every Pending job oldest-first, for startup restore.
func (s *JobStore) ListPending(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+" FROM jobs WHERE status = ? ORDER BY created_at ASC",
		string(job.StatusPending))
	if err != nil {
		return nil, apperr.New(apperr.Internal, "Failed to query pending jobs from database: %v", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// StatsByStatus returns the row count per status.
func (s *JobStore) StatsByStatus(ctx context.Context) (map[job.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, apperr.New(apperr.Internal, "Failed to query job stats from database: %v", err)
	}
	defer rows.Close()

	stats := make(map[job.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperr.New(apperr.Internal, "Failed to read job stats from database: %v", err)
		}
		stats[job.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New(apperr.Internal, "Failed to read job stats from database: %v", err)
	}
	return stats, nil
}

// DeleteOlderThan removes terminal jobs whose updated_at is older than the
// retention window and returns the deleted ids so callers can clean files.
func (s *JobStore) DeleteOlderThan(ctx context.Context, retentionDays int) ([]string, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "Failed to begin database transaction: %v", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE status IN ('Completed', 'Failed', 'Cancelled') AND updated_at < ?`, cutoff)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "Failed to query expired jobs from database: %v", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, apperr.New(apperr.Internal, "Failed to read expired jobs from database: %v", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperr.New(apperr.Internal, "Failed to read expired jobs from database: %v", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('Completed', 'Failed', 'Cancelled') AND updated_at < ?`, cutoff); err != nil {
		return nil, apperr.New(apperr.Internal, "Failed to delete expired jobs from database: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.New(apperr.Internal, "Failed to commit database transaction: %v", err)
	}
	return ids, nil
}

const selectColumns = `SELECT id, url, status, created_at, updated_at,
	downloaded_path, processed_path, error_message, processing_time_seconds`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var j job.Job
	var status, createdAt, updatedAt string
	var downloadedPath, processedPath, errorMessage sql.NullString
	var processingTime sql.NullInt64

	if err := row.Scan(&j.ID, &j.URL, &status, &createdAt, &updatedAt,
		&downloadedPath, &processedPath, &errorMessage, &processingTime); err != nil {
		return nil, err
	}

	j.Status = job.Status(status)
	var err error
	if j.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	j.DownloadedPath = downloadedPath.String
	j.ProcessedPath = processedPath.String
	j.ErrorMessage = errorMessage.String
	if processingTime.Valid {
		j.ProcessingTimeSeconds = processingTime.Int64
		j.HasProcessingTime = true
	}
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperr.New(apperr.Internal, "Failed to read job from database: %v", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New(apperr.Internal, "Failed to read jobs from database: %v", err)
	}
	return jobs, nil
}

// urlsEquivalent compares two URLs ignoring query-parameter order.
func urlsEquivalent(a, b string) bool {
	if a == b {
		return true
	}
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	if ua.Scheme != ub.Scheme || ua.Host != ub.Host || ua.Path != ub.Path {
		return false
	}
	return ua.Query().Encode() == ub.Query().Encode()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64, valid bool) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: valid}
}
