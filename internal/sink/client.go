package sink

import (
	"context"
	"errors"

	"graph2search/internal/directory"
)

// ErrPartialFailure marks an upsert call that succeeded but rejected some records
var ErrPartialFailure = errors.New("partial record failure")

// Client upserts batches of records into the index.
// UpsertBatch returns an error only when the call as a whole failed; rejected
// records are reported through the Outcome.
type Client interface {
	UpsertBatch(ctx context.Context, records []directory.Record) (Outcome, error)
}

// RecordResult is the sink's verdict for one record
type RecordResult struct {
	Succeeded  bool
	StatusCode int
	Message    string
}

// Outcome maps record keys to their results for one call
type Outcome struct {
	Results map[string]RecordResult
}
