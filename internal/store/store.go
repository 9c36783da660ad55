// Package store implements the durable event log backing job streams:
// append-only events keyed (job_id, seq), job snapshots, and the
// thread/turn to job binding table. SQLite is the backing store; an
// in-memory per-job meta cache keeps the hot counters (next seq, oldest
// retained seq, finished flag) so appends touch the database once.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/codeplane/codeplane/internal/common/config"
	"github.com/codeplane/codeplane/internal/common/logger"
	"github.com/codeplane/codeplane/internal/common/sqlite"
)

// Store provides event log, job snapshot and turn binding persistence.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger

	retention   int
	terminalTTL time.Duration

	mu   sync.Mutex
	jobs map[string]*jobMeta
}

// jobMeta caches the append-side counters for one job. Loaded lazily
// from the database on first touch so reopened stores resume correctly.
type jobMeta struct {
	mu       sync.Mutex
	loaded   bool
	nextSeq  int64
	minSeq   int64
	finished bool
}

// New opens (or creates) the database at cfg.DBPath and initializes the
// schema.
func New(cfg config.StoreConfig, log *logger.Logger) (*Store, error) {
	path := sqlite.NormalizePath(cfg.DBPath)
	if err := sqlite.EnsureDir(path); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := sqlite.EnsureFile(path); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_mode=rwc", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:          db,
		logger:      log.WithFields(zap.String("component", "store")),
		retention:   cfg.EventRetention,
		terminalTTL: cfg.TerminalJobTTLDuration(),
		jobs:        make(map[string]*jobMeta),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info("event store opened",
		zap.String("path", path),
		zap.Int("retention", cfg.EventRetention))

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		job_id  TEXT NOT NULL,
		seq     INTEGER NOT NULL,
		type    TEXT NOT NULL,
		ts      TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (job_id, seq)
	);

	CREATE TABLE IF NOT EXISTS jobs (
		job_id        TEXT PRIMARY KEY,
		thread_id     TEXT NOT NULL,
		turn_id       TEXT,
		state         TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		finished_at   TEXT,
		error_message TEXT,
		last_seq      INTEGER NOT NULL DEFAULT -1
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_thread ON jobs(thread_id);

	CREATE TABLE IF NOT EXISTS turn_bindings (
		thread_id TEXT NOT NULL,
		turn_id   TEXT NOT NULL,
		job_id    TEXT NOT NULL,
		PRIMARY KEY (thread_id, turn_id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Additive migration: databases created before idempotent appends
	// lack the dedupe key column.
	if err := sqlite.EnsureColumn(s.db.DB, "events", "external_key", "TEXT"); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedupe
			ON events(job_id, external_key) WHERE external_key IS NOT NULL`)
	return err
}

// meta returns the cached counters for jobID, creating the entry if
// needed. The caller must hold meta.mu before relying on its fields and
// must call ensureLoaded first.
func (s *Store) meta(jobID string) *jobMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.jobs[jobID]
	if !ok {
		m = &jobMeta{}
		s.jobs[jobID] = m
	}
	return m
}

// dropMeta forgets the cached counters for jobID. Used after full
// eviction so a recreated job starts fresh.
func (s *Store) dropMeta(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

// ensureLoaded populates meta from the events table. Caller holds m.mu.
func (s *Store) ensureLoaded(m *jobMeta, jobID string) error {
	if m.loaded {
		return nil
	}

	var row struct {
		MaxSeq   *int64 `db:"max_seq"`
		MinSeq   *int64 `db:"min_seq"`
		Finished int    `db:"finished"`
	}
	err := s.db.Get(&row, `
		SELECT MAX(seq) AS max_seq, MIN(seq) AS min_seq,
		       COUNT(CASE WHEN type = 'job.finished' THEN 1 END) AS finished
		FROM events WHERE job_id = ?`, jobID)
	if err != nil {
		return err
	}

	if row.MaxSeq != nil {
		m.nextSeq = *row.MaxSeq + 1
		m.minSeq = *row.MinSeq
	}
	m.finished = row.Finished > 0
	m.loaded = true
	return nil
}

const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
