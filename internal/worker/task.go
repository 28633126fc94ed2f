package worker

import (
	"fmt"
	"time"

	"graph2search/internal/batch"
)

// ErrInvalidArgument is returned for non-positive limits and policy values
var ErrInvalidArgument = batch.ErrInvalidArgument

// Defaults for BackoffPolicy
const (
	DefaultInitialDelay = 2 * time.Second
	DefaultMaxAttempts  = 5
)

// BackoffPolicy controls how a batch is retried
type BackoffPolicy struct {
	InitialDelay time.Duration
	MaxAttempts  int
}

// DefaultPolicy returns the 2s / 5 attempts policy
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: DefaultInitialDelay,
		MaxAttempts:  DefaultMaxAttempts,
	}
}

// Validate rejects non-positive delays and attempt ceilings
func (p BackoffPolicy) Validate() error {
	if p.InitialDelay <= 0 {
		return fmt.Errorf("initial backoff delay must be positive, got %s: %w", p.InitialDelay, ErrInvalidArgument)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d: %w", p.MaxAttempts, ErrInvalidArgument)
	}
	return nil
}

// Status is the terminal state of one batch upload
type Status string

const (
	StatusDone      Status = "done"
	StatusGivenUp   Status = "given_up"
	StatusCancelled Status = "cancelled"
)

// BatchResult describes how one planned batch ended
type BatchResult struct {
	Offset   int
	Size     int
	Attempts int
	Status   Status
	// Uploaded holds keys confirmed by the sink, across all attempts
	Uploaded []string
	// Failed maps keys that never succeeded to the last reason seen
	Failed   map[string]string
	Duration time.Duration
}

// RunStats aggregates batch results; it is built only after every task has finished
type RunStats struct {
	StartTime       time.Time
	EndTime         time.Time
	TotalRecords    int
	UploadedRecords int
	FailedRecords   int
	Batches         []BatchResult
}

// Elapsed returns the wall time of the run
func (s RunStats) Elapsed() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// CountByStatus returns how many batches ended with status
func (s RunStats) CountByStatus(status Status) int {
	n := 0
	for _, b := range s.Batches {
		if b.Status == status {
			n++
		}
	}
	return n
}

func (s *RunStats) add(r BatchResult) {
	s.Batches = append(s.Batches, r)
	s.TotalRecords += r.Size
	s.UploadedRecords += len(r.Uploaded)
	s.FailedRecords += len(r.Failed)
}
