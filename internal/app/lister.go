package app

import (
	"context"
	"fmt"
	"iter"

	"graph2search/internal/batch"
	"graph2search/internal/directory"

	"go.uber.org/zap"
)

// RecordLister reads the directory into memory ahead of planning
type RecordLister struct {
	source directory.Source
	logger *zap.Logger
}

// List materializes the source. Records repeating an already seen ID are
// skipped because results are matched back to records by ID.
func (l *RecordLister) List(ctx context.Context) ([]directory.Record, error) {
	all, err := directory.Collect(ctx, l.source)
	if err != nil {
		return nil, fmt.Errorf("error listing records: %w", err)
	}

	records := make([]directory.Record, 0, len(all))
	seen := make(map[string]struct{}, len(all))
	for _, rec := range all {
		if _, ok := seen[rec.Key()]; ok {
			l.logger.Warn("Skipping duplicate record", zap.String("id", rec.Key()))
			continue
		}
		seen[rec.Key()] = struct{}{}
		records = append(records, rec)
	}

	l.logger.Info("Finished listing records",
		zap.Int("total_records", len(records)),
		zap.Int("duplicates", len(all)-len(records)),
	)
	return records, nil
}

// DescribePlan logs what a run would upload without touching the sink
func (l *RecordLister) DescribePlan(batches iter.Seq[batch.Batch]) int {
	n := 0
	for b := range batches {
		n++
		keys := b.Keys()
		l.logger.Info("Would upload batch",
			zap.Int("batch_offset", b.Offset),
			zap.Int("batch_size", b.Len()),
			zap.String("first_id", keys[0]),
			zap.String("last_id", keys[len(keys)-1]),
		)
	}
	return n
}
