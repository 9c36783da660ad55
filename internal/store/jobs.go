package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/codeplane/codeplane/internal/common/errors"
	v1 "github.com/codeplane/codeplane/pkg/api/v1"
)

// jobRow is the scan target for the jobs table.
type jobRow struct {
	JobID        string         `db:"job_id"`
	ThreadID     string         `db:"thread_id"`
	TurnID       sql.NullString `db:"turn_id"`
	State        string         `db:"state"`
	CreatedAt    string         `db:"created_at"`
	FinishedAt   sql.NullString `db:"finished_at"`
	ErrorMessage sql.NullString `db:"error_message"`
	LastSeq      int64          `db:"last_seq"`
}

func (r jobRow) toJob() *v1.Job {
	job := &v1.Job{
		JobID:    r.JobID,
		ThreadID: r.ThreadID,
		TurnID:   r.TurnID.String,
		State:    v1.JobState(r.State),
		LastSeq:  r.LastSeq,
	}
	if t, err := time.Parse(timeFormat, r.CreatedAt); err == nil {
		job.CreatedAt = t
	}
	if r.FinishedAt.Valid {
		if t, err := time.Parse(timeFormat, r.FinishedAt.String); err == nil {
			job.FinishedAt = &t
		}
	}
	if r.ErrorMessage.Valid {
		job.ErrorMessage = r.ErrorMessage.String
	}
	return job
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// UpsertJob persists a job snapshot. Called on every state transition.
func (s *Store) UpsertJob(ctx context.Context, job *v1.Job) error {
	var finishedAt any
	if job.FinishedAt != nil {
		finishedAt = formatTime(*job.FinishedAt)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, thread_id, turn_id, state, created_at, finished_at, error_message, last_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			turn_id = excluded.turn_id,
			state = excluded.state,
			finished_at = excluded.finished_at,
			error_message = excluded.error_message,
			last_seq = excluded.last_seq`,
		job.JobID, job.ThreadID, nullable(job.TurnID), string(job.State),
		formatTime(job.CreatedAt), finishedAt, nullable(job.ErrorMessage), job.LastSeq)
	if err != nil {
		return errors.StorageError(err)
	}
	return nil
}

// LoadJob returns the snapshot for jobID, or nil when unknown.
func (s *Store) LoadJob(ctx context.Context, jobID string) (*v1.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT job_id, thread_id, turn_id, state, created_at, finished_at, error_message, last_seq
		 FROM jobs WHERE job_id = ?`, jobID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StorageError(err)
	}
	return row.toJob(), nil
}

// ListNonTerminalJobs returns all jobs not yet in a terminal state. Used
// on startup to fail jobs orphaned by a previous process.
func (s *Store) ListNonTerminalJobs(ctx context.Context) ([]*v1.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT job_id, thread_id, turn_id, state, created_at, finished_at, error_message, last_seq
		FROM jobs WHERE state NOT IN (?, ?, ?)`,
		v1.JobStateDone, v1.JobStateFailed, v1.JobStateCancelled)
	if err != nil {
		return nil, errors.StorageError(err)
	}

	jobs := make([]*v1.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}

// BindTurn records the late (threadId, turnId) to jobId binding.
// Idempotent; the first binding wins.
func (s *Store) BindTurn(ctx context.Context, jobID, threadID, turnID string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO turn_bindings (thread_id, turn_id, job_id)
		VALUES (?, ?, ?)`, threadID, turnID, jobID); err != nil {
		return errors.StorageError(err)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET turn_id = ?
		WHERE job_id = ? AND (turn_id IS NULL OR turn_id = '')`, turnID, jobID); err != nil {
		return errors.StorageError(err)
	}
	return nil
}

// LookupJobByTurn returns the jobId bound to (threadId, turnId), or ""
// when no binding exists.
func (s *Store) LookupJobByTurn(ctx context.Context, threadID, turnID string) (string, error) {
	var jobID string
	err := s.db.GetContext(ctx, &jobID,
		`SELECT job_id FROM turn_bindings WHERE thread_id = ? AND turn_id = ?`, threadID, turnID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.StorageError(err)
	}
	return jobID, nil
}
