package checkpoint

import (
	"errors"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed store
	ErrClosed = errors.New("checkpoint store is closed")
	// ErrNotFound is returned when opening a ledger that was never created
	ErrNotFound = errors.New("checkpoint store not found")
)

// RecordStatus is the last known sync outcome of a record
type RecordStatus string

const (
	StatusUploaded  RecordStatus = "uploaded"
	StatusFailed    RecordStatus = "failed"
	StatusCancelled RecordStatus = "cancelled"
)

// RecordState is the ledger entry for one directory record
type RecordState struct {
	ID        string       `json:"id"`
	Status    RecordStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	RunID     string       `json:"run_id"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RunRecord summarizes one completed sync run
type RunRecord struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Total      int       `json:"total"`
	Uploaded   int       `json:"uploaded"`
	Failed     int       `json:"failed"`
	Batches    int       `json:"batches"`
}

// Store defines the interface for ledger persistence
type Store interface {
	// Record operations
	SaveRecords(runID string, states []RecordState) error
	GetRecord(id string) (*RecordState, error)
	ListFailedRecords() ([]*RecordState, error)

	// Run operations
	SaveRun(run RunRecord) error
	LastRun() (*RunRecord, error)

	Close() error
}
