package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"go.uber.org/zap"

	"github.com/codeplane/codeplane/internal/common/errors"
	"github.com/codeplane/codeplane/internal/common/tracing"
	v1 "github.com/codeplane/codeplane/pkg/api/v1"
)

// eventRow is the scan target for the events table.
type eventRow struct {
	JobID   string `db:"job_id"`
	Seq     int64  `db:"seq"`
	Type    string `db:"type"`
	Ts      string `db:"ts"`
	Payload string `db:"payload"`
}

func (r eventRow) toEvent() v1.Event {
	return v1.Event{
		Type:    r.Type,
		Seq:     r.Seq,
		JobID:   r.JobID,
		Ts:      r.Ts,
		Payload: []byte(r.Payload),
	}
}

// AppendEvent assigns the next sequence number for jobID, persists the
// event and returns the assigned seq. A non-empty dedupeKey makes the
// append idempotent: a second call with the same key returns the original
// seq without writing. Appending to a job that already holds a
// job.finished event fails with JOB_TERMINAL.
func (s *Store) AppendEvent(ctx context.Context, jobID string, event v1.Event, dedupeKey string) (int64, error) {
	ctx, span := tracing.Tracer("codeplane-db").Start(ctx, "db.AppendEvent")
	defer span.End()

	m := s.meta(jobID)
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := s.ensureLoaded(m, jobID); err != nil {
		return 0, errors.StorageError(err)
	}

	if dedupeKey != "" {
		var seq int64
		err := s.db.GetContext(ctx, &seq,
			`SELECT seq FROM events WHERE job_id = ? AND external_key = ?`, jobID, dedupeKey)
		if err == nil {
			return seq, nil
		}
		if !stderrors.Is(err, sql.ErrNoRows) {
			return 0, errors.StorageError(err)
		}
	}

	if m.finished {
		return 0, errors.JobTerminal(jobID)
	}

	seq := m.nextSeq
	ts := event.Ts
	if ts == "" {
		ts = formatTime(time.Now())
	}
	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var key any
	if dedupeKey != "" {
		key = dedupeKey
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (job_id, seq, type, ts, payload, external_key)
		VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, seq, event.Type, ts, string(payload), key)
	if err != nil {
		return 0, errors.StorageError(err)
	}

	m.nextSeq = seq + 1
	if event.Type == v1.EventJobFinished {
		m.finished = true
	}

	// Retention ring: evict the oldest prefix once the job holds more
	// than retention events.
	if retained := m.nextSeq - m.minSeq; int(retained) > s.retention {
		newMin := m.nextSeq - int64(s.retention)
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE job_id = ? AND seq < ?`, jobID, newMin); err != nil {
			s.logger.Warn("retention eviction failed",
				zap.String("job_id", jobID), zap.Error(err))
		} else {
			m.minSeq = newMin
		}
	}

	return seq, nil
}

// LastSeq returns the highest assigned seq for jobID, or -1 when no
// event has been appended yet.
func (s *Store) LastSeq(ctx context.Context, jobID string) (int64, error) {
	m := s.meta(jobID)
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := s.ensureLoaded(m, jobID); err != nil {
		return 0, errors.StorageError(err)
	}
	return m.nextSeq - 1, nil
}

// ReadRange returns events with seq > afterCursor, up to limit (0 means
// no bound). The cursor must either be -1, equal the last seq, or point
// immediately before a still-retained event; anything else fails with
// CURSOR_EXPIRED.
func (s *Store) ReadRange(ctx context.Context, jobID string, afterCursor int64, limit int) (*v1.EventPage, error) {
	ctx, span := tracing.Tracer("codeplane-db").Start(ctx, "db.ReadRange")
	defer span.End()

	if afterCursor < -1 {
		return nil, errors.InvalidArgument("cursor must be >= -1")
	}

	m := s.meta(jobID)
	m.mu.Lock()
	if err := s.ensureLoaded(m, jobID); err != nil {
		m.mu.Unlock()
		return nil, errors.StorageError(err)
	}
	lastSeq := m.nextSeq - 1
	minSeq := m.minSeq
	m.mu.Unlock()

	if afterCursor > lastSeq {
		return nil, errors.CursorExpired(jobID, afterCursor)
	}
	if afterCursor == lastSeq {
		return &v1.EventPage{Data: []v1.Event{}, NextCursor: afterCursor, HasMore: false}, nil
	}
	if afterCursor != -1 && afterCursor+1 < minSeq {
		return nil, errors.CursorExpired(jobID, afterCursor)
	}

	query := `SELECT job_id, seq, type, ts, payload FROM events
		WHERE job_id = ? AND seq > ? ORDER BY seq`
	args := []any{jobID, afterCursor}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.StorageError(err)
	}

	events := make([]v1.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.toEvent())
	}

	next := afterCursor
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}

	return &v1.EventPage{
		Data:       events,
		NextCursor: next,
		HasMore:    next < lastSeq,
	}, nil
}

// EvictJobTail drops all but the newest keepLastN events of a job.
// Called opportunistically; a no-op when the job holds fewer events.
func (s *Store) EvictJobTail(ctx context.Context, jobID string, keepLastN int) error {
	if keepLastN < 0 {
		keepLastN = 0
	}

	m := s.meta(jobID)
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := s.ensureLoaded(m, jobID); err != nil {
		return errors.StorageError(err)
	}

	newMin := m.nextSeq - int64(keepLastN)
	if newMin <= m.minSeq {
		return nil
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE job_id = ? AND seq < ?`, jobID, newMin); err != nil {
		return errors.StorageError(err)
	}
	m.minSeq = newMin
	return nil
}

// SweepTerminalJobs fully evicts terminal jobs whose finished_at is older
// than the configured TTL. Returns the number of jobs removed.
func (s *Store) SweepTerminalJobs(ctx context.Context) (int, error) {
	if s.terminalTTL <= 0 {
		return 0, nil
	}
	cutoff := formatTime(time.Now().Add(-s.terminalTTL))

	var jobIDs []string
	err := s.db.SelectContext(ctx, &jobIDs, `
		SELECT job_id FROM jobs
		WHERE state IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		v1.JobStateDone, v1.JobStateFailed, v1.JobStateCancelled, cutoff)
	if err != nil {
		return 0, errors.StorageError(err)
	}

	for _, jobID := range jobIDs {
		if err := s.deleteJob(ctx, jobID); err != nil {
			return 0, err
		}
	}

	if len(jobIDs) > 0 {
		s.logger.Info("swept terminal jobs", zap.Int("count", len(jobIDs)))
	}
	return len(jobIDs), nil
}

func (s *Store) deleteJob(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.StorageError(err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM events WHERE job_id = ?`,
		`DELETE FROM turn_bindings WHERE job_id = ?`,
		`DELETE FROM jobs WHERE job_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, jobID); err != nil {
			return errors.StorageError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.StorageError(err)
	}
	s.dropMeta(jobID)
	return nil
}
