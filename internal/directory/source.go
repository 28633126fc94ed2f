package directory

import (
	"context"
	"fmt"
	"iter"
)

// Source produces the ordered sequence of directory records.
// Implementations hide their own paging; the sequence ends early on the first error.
type Source interface {
	Records(ctx context.Context) iter.Seq2[Record, error]
}

// Collect materializes a source into a slice, stopping at the first error
func Collect(ctx context.Context, src Source) ([]Record, error) {
	var records []Record
	for rec, err := range src.Records(ctx) {
		if err != nil {
			return records, fmt.Errorf("reading records: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// SliceSource serves a fixed set of records, mainly for dry runs and tests
type SliceSource []Record

// Records yields the slice in order
func (s SliceSource) Records(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for _, rec := range s {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
