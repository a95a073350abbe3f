package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/reconpi/internal/models"
)

// ErrInvalidJob indicates a job is missing its id or kind.
var ErrInvalidJob = fmt.Errorf("job id and kind are required")

const jobColumns = `id, kind, scope, note, status, created_ts, updated_ts`

// appendNoteExpr concatenates a new line onto an existing note.
const appendNoteExpr = `CASE WHEN ? = '' THEN note WHEN note = '' THEN ? ELSE note || char(10) || ? END`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var created, updated float64
	if err := row.Scan(&job.ID, &job.Kind, &job.Scope, &job.Note, &job.Status, &created, &updated); err != nil {
		return nil, err
	}
	job.CreatedAt = fromUnix(created)
	job.UpdatedAt = fromUnix(updated)
	return &job, nil
}

// Enqueue inserts or replaces a job and resets it to queued. The job's
// position in the queue is its (new) creation time.
func (s *Store) Enqueue(job models.Job) (*models.Job, error) {
	if job.ID == "" || job.Kind == "" {
		return nil, ErrInvalidJob
	}
	now := s.now()
	job.Status = models.JobStatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Kind, job.Scope, job.Note, job.Status, unixSeconds(now), unixSeconds(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return &job, nil
}

// GetJob retrieves a job by ID. It returns nil, nil when absent.
func (s *Store) GetJob(id string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// PopNext atomically claims the oldest queued job and marks it running.
// It returns nil, nil when nothing is queued.
func (s *Store) PopNext() (*models.Job, error) {
	return s.PopNextKind()
}

// PopNextKind is PopNext restricted to jobs whose kind starts with one of
// prefixes. No prefixes means any kind.
func (s *Store) PopNextKind(prefixes ...string) (*models.Job, error) {
	// A lost race between select and update is retried a few times before
	// reporting an empty queue.
	for attempt := 0; attempt < 3; attempt++ {
		job, raced, err := s.claimOldest(prefixes)
		if err != nil || !raced {
			return job, err
		}
	}
	return nil, nil
}

func (s *Store) claimOldest(prefixes []string) (*models.Job, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ?`
	args := []interface{}{models.JobStatusQueued}
	if len(prefixes) > 0 {
		clauses := make([]string, 0, len(prefixes))
		for _, p := range prefixes {
			clauses = append(clauses, prefixClause("kind"))
			args = append(args, p, p)
		}
		query += ` AND (` + strings.Join(clauses, " OR ") + `)`
	}
	query += ` ORDER BY created_ts ASC, rowid ASC LIMIT 1`

	job, err := scanJob(tx.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select queued job: %w", err)
	}

	now := s.now()
	result, err := tx.Exec(
		`UPDATE jobs SET status = ?, updated_ts = ? WHERE id = ? AND status = ?`,
		models.JobStatusRunning, unixSeconds(now), job.ID, models.JobStatusQueued,
	)
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Claimed by another poller between our select and update
		return nil, true, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit claim: %w", err)
	}
	job.Status = models.JobStatusRunning
	job.UpdatedAt = now
	return job, false, nil
}

// setStatus moves a job to status, appending note, optionally only from one
// of the given source states. It reports whether a row changed.
func (s *Store) setStatus(id string, status models.JobStatus, note string, from ...models.JobStatus) (bool, error) {
	query := `UPDATE jobs SET status = ?, note = ` + appendNoteExpr + `, updated_ts = ? WHERE id = ?`
	args := []interface{}{status, note, note, note, unixSeconds(s.now()), id}
	if len(from) > 0 {
		marks := make([]string, len(from))
		for i, st := range from {
			marks[i] = "?"
			args = append(args, st)
		}
		query += ` AND status IN (` + strings.Join(marks, ", ") + `)`
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("update job %s to %s: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkDone marks a job done.
func (s *Store) MarkDone(id string) error {
	_, err := s.setStatus(id, models.JobStatusDone, "")
	return err
}

// MarkFailed marks a job failed, appending note to the existing note.
func (s *Store) MarkFailed(id, note string) error {
	_, err := s.setStatus(id, models.JobStatusFailed, note)
	return err
}

// MarkBlocked parks a job until an out-of-band approval requeues it.
func (s *Store) MarkBlocked(id, note string) error {
	_, err := s.setStatus(id, models.JobStatusBlocked, note)
	return err
}

// MarkQueued puts a job back in the queue without changing its position.
func (s *Store) MarkQueued(id, note string) error {
	_, err := s.setStatus(id, models.JobStatusQueued, note)
	return err
}

// ResetRunning moves a running job back to queued. It reports false when the
// job was not running.
func (s *Store) ResetRunning(id string) (bool, error) {
	return s.setStatus(id, models.JobStatusQueued, "", models.JobStatusRunning)
}

// Cancel cancels a job that has not been claimed yet. Running jobs are left
// alone; it reports whether the job was cancelled.
func (s *Store) Cancel(id string) (bool, error) {
	return s.setStatus(id, models.JobStatusCancelled, "", models.JobStatusQueued, models.JobStatusBlocked)
}

// DeleteJob removes a job row.
func (s *Store) DeleteJob(id string) error {
	if _, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *Store) ListJobs(status models.JobStatus, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_ts DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	return s.queryJobs(query, args...)
}

// ListStuckRunning returns running jobs not updated within olderThan.
func (s *Store) ListStuckRunning(olderThan time.Duration, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	cutoff := unixSeconds(s.now().Add(-olderThan))
	return s.queryJobs(
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND updated_ts < ? ORDER BY updated_ts ASC LIMIT ?`,
		models.JobStatusRunning, cutoff, limit,
	)
}

func (s *Store) queryJobs(query string, args ...interface{}) ([]models.Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// CountJobs returns the number of jobs per status.
func (s *Store) CountJobs() (map[models.JobStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var st models.JobStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// PruneJobs deletes terminal jobs older than olderThanDays, then caps the
// terminal rows to the newest keepLast. Live jobs are never pruned.
func (s *Store) PruneJobs(keepLast, olderThanDays int) (int64, error) {
	cutoff := unixSeconds(s.now()) - float64(olderThanDays)*86400
	terminal := []interface{}{models.JobStatusDone, models.JobStatusFailed, models.JobStatusCancelled}

	var deleted int64
	res, err := s.db.Exec(
		`DELETE FROM jobs WHERE status IN (?, ?, ?) AND updated_ts < ?`,
		append(terminal, cutoff)...,
	)
	if err != nil {
		return 0, fmt.Errorf("prune old jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	deleted += n

	res, err = s.db.Exec(
		`DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs WHERE status IN (?, ?, ?)
			ORDER BY created_ts DESC LIMIT -1 OFFSET ?)`,
		append(terminal, keepLast)...,
	)
	if err != nil {
		return deleted, fmt.Errorf("cap jobs: %w", err)
	}
	n, _ = res.RowsAffected()
	return deleted + n, nil
}
