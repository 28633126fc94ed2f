// Package batch slices an ordered record collection into contiguous fixed-size batches.
package batch

import (
	"errors"
	"fmt"
	"iter"

	"graph2search/internal/directory"
)

// ErrInvalidArgument is returned for non-positive sizes and limits
var ErrInvalidArgument = errors.New("invalid argument")

// Batch is a contiguous slice of records and its start index in the full sequence.
// Offset is used for identification only; a narrowed retry batch keeps its parent's Offset.
type Batch struct {
	Offset  int
	Records []directory.Record
}

// Len returns the number of records in the batch
func (b Batch) Len() int {
	return len(b.Records)
}

// Keys returns the record keys in batch order
func (b Batch) Keys() []string {
	keys := make([]string, len(b.Records))
	for i, rec := range b.Records {
		keys[i] = rec.Key()
	}
	return keys
}

// Narrow returns a batch holding only the records whose key is in keep, preserving order
func (b Batch) Narrow(keep map[string]struct{}) Batch {
	narrowed := make([]directory.Record, 0, len(keep))
	for _, rec := range b.Records {
		if _, ok := keep[rec.Key()]; ok {
			narrowed = append(narrowed, rec)
		}
	}
	return Batch{Offset: b.Offset, Records: narrowed}
}

// Count returns ceil(total/size), or 0 when size is not positive
func Count(total, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// Plan returns a lazy, restartable sequence of batches over records.
// Batches alias the input slice; callers must not mutate it while the sequence is in use.
func Plan(records []directory.Record, size int) (iter.Seq[Batch], error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d: %w", size, ErrInvalidArgument)
	}

	return func(yield func(Batch) bool) {
		for start := 0; start < len(records); start += size {
			end := min(start+size, len(records))
			if !yield(Batch{Offset: start, Records: records[start:end:end]}) {
				return
			}
		}
	}, nil
}
