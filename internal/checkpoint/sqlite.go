package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	closed  bool
	writeMu sync.Mutex
	now     func() time.Time

	// busyBackOff builds the wait schedule for busy retries
	busyBackOff func() backoff.BackOff
}

// NewSQLiteStore opens (or creates) the ledger at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)&_time_format=sqlite", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writes are serialized by writeMu; readers may share a few connections
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{
		db:  db,
		now: time.Now,
	}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

// OpenSQLiteStore opens a ledger that must already exist, for read-only callers
func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if _, err := os.Stat(dbPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", dbPath, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat database: %w", err)
	}
	return NewSQLiteStore(dbPath)
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		last_error TEXT,
		run_id TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		total INTEGER NOT NULL,
		uploaded INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		batches INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_finished_at ON runs(finished_at);
	`

	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// SaveRecords upserts all states in a single transaction, stamping them with runID
func (s *SQLiteStore) SaveRecords(runID string, states []RecordState) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(states) == 0 {
		return nil
	}

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		return s.saveRecordsWithTransaction(runID, states)
	})
}

func (s *SQLiteStore) saveRecordsWithTransaction(runID string, states []RecordState) error {
	updatedAt := s.now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // ignored once Commit succeeds

	stmt, err := tx.Prepare(`
	INSERT INTO records (id, status, attempts, last_error, run_id, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		attempts = excluded.attempts,
		last_error = excluded.last_error,
		run_id = excluded.run_id,
		updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, state := range states {
		var lastError sql.NullString
		if state.LastError != "" {
			lastError = sql.NullString{String: state.LastError, Valid: true}
		}
		if _, err := stmt.Exec(state.ID, state.Status, state.Attempts, lastError, runID, updatedAt); err != nil {
			return fmt.Errorf("failed to upsert record %s: %w", state.ID, err)
		}
	}

	return tx.Commit()
}

// GetRecord returns the ledger entry for id, or nil if the record was never synced
func (s *SQLiteStore) GetRecord(id string) (*RecordState, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var result *RecordState
	err := s.retryOnBusy(func() error {
		row := s.db.QueryRow(`
		SELECT id, status, attempts, last_error, run_id, updated_at
		FROM records WHERE id = ?
		`, id)

		record, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			result = nil
			return nil
		}
		if err != nil {
			return err
		}
		result = record
		return nil
	})
	return result, err
}

// ListFailedRecords returns records whose last sync did not succeed, oldest first
func (s *SQLiteStore) ListFailedRecords() ([]*RecordState, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
	SELECT id, status, attempts, last_error, run_id, updated_at
	FROM records WHERE status <> ?
	ORDER BY updated_at ASC, id ASC
	`, StatusUploaded)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*RecordState
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*RecordState, error) {
	var record RecordState
	var lastError sql.NullString

	err := row.Scan(
		&record.ID,
		&record.Status,
		&record.Attempts,
		&lastError,
		&record.RunID,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastError.Valid {
		record.LastError = lastError.String
	}
	return &record, nil
}

// SaveRun stores the summary of a finished run
func (s *SQLiteStore) SaveRun(run RunRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(`
		INSERT INTO runs (run_id, started_at, finished_at, total, uploaded, failed, batches)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			total = excluded.total,
			uploaded = excluded.uploaded,
			failed = excluded.failed,
			batches = excluded.batches
		`,
			run.RunID,
			run.StartedAt.UTC(),
			run.FinishedAt.UTC(),
			run.Total,
			run.Uploaded,
			run.Failed,
			run.Batches,
		)
		if err != nil {
			return fmt.Errorf("failed to save run %s: %w", run.RunID, err)
		}
		return nil
	})
}

// LastRun returns the most recently finished run, or nil if there is none
func (s *SQLiteStore) LastRun() (*RunRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(`
	SELECT run_id, started_at, finished_at, total, uploaded, failed, batches
	FROM runs ORDER BY finished_at DESC, rowid DESC LIMIT 1
	`)

	var run RunRecord
	err := row.Scan(
		&run.RunID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Total,
		&run.Uploaded,
		&run.Failed,
		&run.Batches,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// busyMaxTries bounds how often a busy operation is attempted
const busyMaxTries = 10

func newBusyBackOff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         2 * time.Second,
	}
}

// retryOnBusy retries the operation while SQLite reports it is busy; any other error is returned at once
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	newBackOff := s.busyBackOff
	if newBackOff == nil {
		newBackOff = newBusyBackOff
	}

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		err := operation()
		if err != nil && !isSQLiteBusyError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(newBackOff()), backoff.WithMaxTries(busyMaxTries))
	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
