package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeplane/codeplane/internal/common/config"
	"github.com/codeplane/codeplane/internal/common/errors"
	"github.com/codeplane/codeplane/internal/common/logger"
	v1 "github.com/codeplane/codeplane/pkg/api/v1"
)

func newTestStore(t *testing.T, retention int) (*Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	return openTestStore(t, dbPath, retention), dbPath
}

func openTestStore(t *testing.T, dbPath string, retention int) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	s, err := New(config.StoreConfig{
		DBPath:         dbPath,
		EventRetention: retention,
		TerminalJobTTL: 24,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func stateEvent(state v1.JobState) v1.Event {
	payload, _ := json.Marshal(map[string]string{"state": string(state)})
	return v1.Event{Type: v1.EventJobState, Payload: payload}
}

func TestAppendEvent_AssignsMonotonicSeq(t *testing.T) {
	s, _ := newTestStore(t, 100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seq, err := s.AppendEvent(ctx, "j1", stateEvent(v1.JobStateRunning), "")
		require.NoError(t, err)
		assert.Equal(t, int64(i), seq)
	}

	last, err := s.LastSeq(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), last)
}

func TestAppendEvent_DedupeKeyIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t, 100)
	ctx := context.Background()

	seq1, err := s.AppendEvent(ctx, "j1", stateEvent(v1.JobStateRunning), "notif-42")
	require.NoError(t, err)

	seq2, err := s.AppendEvent(ctx, "j1", stateEvent(v1.JobStateRunning), "notif-42")
	require.NoError(t, err)
	assert.Equal(t, seq1, seq2)

	last, err := s.LastSeq(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, seq1, last)
}

func TestAppendEvent_TerminalJobRejectsFurtherEvents(t *testing.T) {
	s, _ := newTestStore(t, 100)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, "j1", stateEvent(v1.JobStateDone), "")
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, "j1", v1.Event{Type: v1.EventJobFinished}, "")
	require.NoError(t, err)

	_, err = s.AppendEvent(ctx, "j1", stateEvent(v1.JobStateRunning), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeJobTerminal))
}

func TestReadRange_PaginatesInOrder(t *testing.T) {
	s, _ := newTestStore(t, 100)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.AppendEvent(ctx, "j1", stateEvent(v1.JobStateRunning), "")
		require.NoError(t, err)
	}

	page, err := s.ReadRange(ctx, "j1", -1, 4)
	require.NoError(t, err)
	require.Len(t, page.Data, 4)
	assert.Equal(t, int64(3), page.NextCursor)
	assert.True(t, page.HasMore)
	for i, e := range page.Data {
		assert.Equal(t, int64(i), e.Seq)
	}

	page, err = s.ReadRange(ctx, "j1", page.NextCursor, 0)
	require.NoError(t, err)
	require.Len(t, page.Data, 6)
	assert.Equal(t, int64(9), page.NextCursor)
	assert.False(t, page.HasMore)
}

func TestReadRange_CaughtUpCursorReturnsEmptyPage(t *testing.T) {
	s, _ := newTestStore(t, 100)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, "j1", stateEvent(v1.JobStateRunning), "")
	require.NoError(t, err)

	page, err := s.ReadRange(ctx, "j1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Data)
	assert.Equal(t, int64(0), page.NextCursor)
	assert.False(t, page.HasMore)
}

func TestReadRange_CursorBeyondLastSeqExpires(t *testing.T) {
	s, _ := newTestStore(t, 100)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, "j1", stateEvent(v1.JobStateRunning), "")
	require.NoError(t, err)

	_, err = s.ReadRange(ctx, "j1", 7, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeCursorExpired))
}

func TestRetention_EvictsOldestPrefix(t *testing.T) {
	s, _ := newTestStore(t, 5)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_, err := s.AppendEvent(ctx, "j1", stateEvent(v1.JobStateRunning), "")
		require.NoError(t, err)
	}

	// Oldest retained seq is now 7; a cursor pointing into the evicted
	// prefix is rejected.
	_, err := s.ReadRange(ctx, "j1", 2, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeCursorExpired))

	// A fresh cursor sees the retained suffix, still gapless.
	page, err := s.ReadRange(ctx, "j1", -1, 0)
	require.NoError(t, err)
	require.Len(t, page.Data, 5)
	assert.Equal(t, int64(7), page.Data[0].Seq)
	assert.Equal(t, int64(11), page.NextCursor)

	// Resuming exactly at the eviction boundary still works.
	page, err = s.ReadRange(ctx, "j1", 6, 0)
	require.NoError(t, err)
	require.Len(t, page.Data, 5)
}

func TestReopen_ReplaysPersistedEvents(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "replay.db")
	s := openTestStore(t, dbPath, 100)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := s.AppendEvent(ctx, "j1", stateEvent(v1.JobStateRunning), "")
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	reopened := openTestStore(t, dbPath, 100)
	page, err := reopened.ReadRange(ctx, "j1", -1, 0)
	require.NoError(t, err)
	require.Len(t, page.Data, 7)
	for i, e := range page.Data {
		assert.Equal(t, int64(i), e.Seq)
	}

	// Seq assignment continues where it left off.
	seq, err := reopened.AppendEvent(ctx, "j1", stateEvent(v1.JobStateRunning), "")
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)
}

func TestUpsertLoadJob_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t, 100)
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Millisecond)
	job := &v1.Job{
		JobID:     "j1",
		ThreadID:  "t1",
		State:     v1.JobStateQueued,
		CreatedAt: created,
		LastSeq:   -1,
	}
	require.NoError(t, s.UpsertJob(ctx, job))

	loaded, err := s.LoadJob(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "t1", loaded.ThreadID)
	assert.Equal(t, v1.JobStateQueued, loaded.State)
	assert.Empty(t, loaded.TurnID)
	assert.Nil(t, loaded.FinishedAt)

	finished := created.Add(3 * time.Second)
	job.State = v1.JobStateFailed
	job.TurnID = "turn-9"
	job.FinishedAt = &finished
	job.ErrorMessage = "agent exited"
	job.LastSeq = 12
	require.NoError(t, s.UpsertJob(ctx, job))

	loaded, err = s.LoadJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, v1.JobStateFailed, loaded.State)
	assert.Equal(t, "turn-9", loaded.TurnID)
	assert.Equal(t, "agent exited", loaded.ErrorMessage)
	assert.Equal(t, int64(12), loaded.LastSeq)
	require.NotNil(t, loaded.FinishedAt)
	assert.True(t, loaded.FinishedAt.Equal(finished))
}

func TestLoadJob_UnknownReturnsNil(t *testing.T) {
	s, _ := newTestStore(t, 100)

	job, err := s.LoadJob(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestListNonTerminalJobs(t *testing.T) {
	s, _ := newTestStore(t, 100)
	ctx := context.Background()
	now := time.Now().UTC()

	states := map[string]v1.JobState{
		"j1": v1.JobStateRunning,
		"j2": v1.JobStateDone,
		"j3": v1.JobStateWaitingApproval,
		"j4": v1.JobStateCancelled,
	}
	for id, state := range states {
		require.NoError(t, s.UpsertJob(ctx, &v1.Job{
			JobID: id, ThreadID: "t1", State: state, CreatedAt: now, LastSeq: -1,
		}))
	}

	jobs, err := s.ListNonTerminalJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	ids := map[string]bool{}
	for _, j := range jobs {
		ids[j.JobID] = true
	}
	assert.True(t, ids["j1"])
	assert.True(t, ids["j3"])
}

func TestBindTurn_IdempotentFirstBindingWins(t *testing.T) {
	s, _ := newTestStore(t, 100)
	ctx := context.Background()

	require.NoError(t, s.UpsertJob(ctx, &v1.Job{
		JobID: "j1", ThreadID: "t1", State: v1.JobStateQueued,
		CreatedAt: time.Now().UTC(), LastSeq: -1,
	}))

	require.NoError(t, s.BindTurn(ctx, "j1", "t1", "turn-1"))
	require.NoError(t, s.BindTurn(ctx, "j1", "t1", "turn-1"))
	require.NoError(t, s.BindTurn(ctx, "j2", "t1", "turn-1")) // loser, ignored

	jobID, err := s.LookupJobByTurn(ctx, "t1", "turn-1")
	require.NoError(t, err)
	assert.Equal(t, "j1", jobID)

	job, err := s.LoadJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "turn-1", job.TurnID)
}

func TestLookupJobByTurn_UnknownReturnsEmpty(t *testing.T) {
	s, _ := newTestStore(t, 100)

	jobID, err := s.LookupJobByTurn(context.Background(), "t1", "nope")
	require.NoError(t, err)
	assert.Empty(t, jobID)
}

func TestEvictJobTail(t *testing.T) {
	s, _ := newTestStore(t, 100)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.AppendEvent(ctx, "j1", stateEvent(v1.JobStateRunning), "")
		require.NoError(t, err)
	}

	require.NoError(t, s.EvictJobTail(ctx, "j1", 3))

	page, err := s.ReadRange(ctx, "j1", -1, 0)
	require.NoError(t, err)
	require.Len(t, page.Data, 3)
	assert.Equal(t, int64(7), page.Data[0].Seq)
}

func TestSweepTerminalJobs_RemovesExpired(t *testing.T) {
	s, _ := newTestStore(t, 100)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()

	require.NoError(t, s.UpsertJob(ctx, &v1.Job{
		JobID: "old", ThreadID: "t1", State: v1.JobStateDone,
		CreatedAt: old, FinishedAt: &old, LastSeq: 0,
	}))
	require.NoError(t, s.UpsertJob(ctx, &v1.Job{
		JobID: "fresh", ThreadID: "t1", State: v1.JobStateDone,
		CreatedAt: recent, FinishedAt: &recent, LastSeq: 0,
	}))
	_, err := s.AppendEvent(ctx, "old", stateEvent(v1.JobStateDone), "")
	require.NoError(t, err)

	removed, err := s.SweepTerminalJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	job, err := s.LoadJob(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = s.LoadJob(ctx, "fresh")
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestAppendEvent_DistinctJobsIndependentSeqs(t *testing.T) {
	s, _ := newTestStore(t, 100)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		for j := 0; j < 2; j++ {
			jobID := fmt.Sprintf("job-%d", j)
			seq, err := s.AppendEvent(ctx, jobID, stateEvent(v1.JobStateRunning), "")
			require.NoError(t, err)
			assert.Equal(t, int64(i), seq)
		}
	}
}
