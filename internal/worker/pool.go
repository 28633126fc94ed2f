package worker

import (
	"context"
	"fmt"
	"iter"
	"time"

	"graph2search/internal/batch"
	"graph2search/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// BatchUploader uploads a single batch to completion
type BatchUploader interface {
	Upload(ctx context.Context, b batch.Batch) BatchResult
}

// Scheduler runs batch uploads concurrently, never more than maxInFlight at a time.
// A batch holds its slot for its whole retry lifetime, backoff waits included.
type Scheduler struct {
	uploader    BatchUploader
	maxInFlight int
	metrics     *metrics.Collector
	logger      *zap.Logger
	onStart     func(batch.Batch)
	onEnd       func(batch.Batch, BatchResult)
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithSchedulerMetrics tracks in-flight batches and their durations on m
func WithSchedulerMetrics(m *metrics.Collector) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithTaskHooks registers callbacks run on the task goroutine while it holds its slot
func WithTaskHooks(onStart func(batch.Batch), onEnd func(batch.Batch, BatchResult)) SchedulerOption {
	return func(s *Scheduler) {
		s.onStart = onStart
		s.onEnd = onEnd
	}
}

// NewScheduler creates a scheduler with the given concurrency cap
func NewScheduler(uploader BatchUploader, maxInFlight int, logger *zap.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if maxInFlight <= 0 {
		return nil, fmt.Errorf("max in-flight batches must be positive, got %d: %w", maxInFlight, ErrInvalidArgument)
	}

	s := &Scheduler{
		uploader:    uploader,
		maxInFlight: maxInFlight,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run submits batches in order as slots free up and waits for all of them.
// Per-batch failures end up in the stats; the only error returned is ctx's,
// in which case no further batches were submitted and stats cover the submitted ones.
func (s *Scheduler) Run(ctx context.Context, batches iter.Seq[batch.Batch]) (RunStats, error) {
	stats := RunStats{StartTime: time.Now()}
	slots := semaphore.NewWeighted(int64(s.maxInFlight))

	var (
		group   errgroup.Group
		results []*BatchResult
		runErr  error
	)

	for b := range batches {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if err := slots.Acquire(ctx, 1); err != nil {
			runErr = err
			break
		}
		// a slot freed concurrently with cancellation must not start another batch
		if err := ctx.Err(); err != nil {
			slots.Release(1)
			runErr = err
			break
		}

		slot := &BatchResult{}
		results = append(results, slot)

		s.logger.Debug("Submitting batch",
			zap.Int("batch_offset", b.Offset),
			zap.Int("batch_size", b.Len()),
		)

		group.Go(func() error {
			defer slots.Release(1)
			*slot = s.runTask(ctx, b)
			return nil
		})
	}

	_ = group.Wait()
	stats.EndTime = time.Now()

	for _, r := range results {
		stats.add(*r)
	}

	if runErr != nil {
		s.logger.Warn("Scheduler stopped before all batches were submitted",
			zap.Int("submitted", len(results)),
			zap.Error(runErr),
		)
	}
	return stats, runErr
}

func (s *Scheduler) runTask(ctx context.Context, b batch.Batch) BatchResult {
	if s.metrics != nil {
		s.metrics.BatchStarted()
	}
	if s.onStart != nil {
		s.onStart(b)
	}

	result := s.uploader.Upload(ctx, b)

	if s.onEnd != nil {
		s.onEnd(b, result)
	}
	if s.metrics != nil {
		s.metrics.BatchFinished(result.Duration)
	}
	return result
}
