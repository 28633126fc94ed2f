package worker

import (
	"context"
	"fmt"
	"math"
	"time"

	"graph2search/internal/batch"
	"graph2search/internal/metrics"
	"graph2search/internal/sink"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// maxLoggedFailures caps the per-record reasons attached to a log entry
const maxLoggedFailures = 5

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Uploader drives one batch through the sink until it succeeds or exhausts its attempts
type Uploader struct {
	client  sink.Client
	policy  BackoffPolicy
	metrics *metrics.Collector
	logger  *zap.Logger
	sleep   SleepFunc
}

// UploaderOption configures an Uploader
type UploaderOption func(*Uploader)

// WithMetrics records attempts and terminal states on m
func WithMetrics(m *metrics.Collector) UploaderOption {
	return func(u *Uploader) {
		u.metrics = m
	}
}

// WithSleep replaces the backoff wait, mainly for tests
func WithSleep(fn SleepFunc) UploaderOption {
	return func(u *Uploader) {
		u.sleep = fn
	}
}

// NewUploader creates an uploader for client with the given policy
func NewUploader(client sink.Client, policy BackoffPolicy, logger *zap.Logger, opts ...UploaderOption) (*Uploader, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	u := &Uploader{
		client: client,
		policy: policy,
		logger: logger,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// attemptState is owned by a single Upload call
type attemptState struct {
	attempt int
	current batch.Batch
	delays  *backoff.ExponentialBackOff
}

func newAttemptState(b batch.Batch, policy BackoffPolicy) *attemptState {
	delays := &backoff.ExponentialBackOff{
		InitialInterval:     policy.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Duration(math.MaxInt64),
	}
	delays.Reset()

	return &attemptState{
		attempt: 1,
		current: b,
		delays:  delays,
	}
}

// Upload submits b, narrowing to the rejected records on partial failure and
// doubling the wait between attempts. It never returns an error: exhausting the
// attempts yields StatusGivenUp with the remaining records in Failed.
func (u *Uploader) Upload(ctx context.Context, b batch.Batch) BatchResult {
	startTime := time.Now()
	logger := u.logger.With(zap.Int("batch_offset", b.Offset), zap.Int("batch_size", b.Len()))

	state := newAttemptState(b, u.policy)
	result := BatchResult{
		Offset: b.Offset,
		Size:   b.Len(),
		Failed: make(map[string]string),
	}

	for {
		result.Attempts = state.attempt

		if err := ctx.Err(); err != nil {
			u.cancel(&result, state, err, logger)
			break
		}

		outcome, err := u.client.UpsertBatch(ctx, state.current.Records)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				u.cancel(&result, state, ctxErr, logger)
				break
			}
			u.incAttempt("error")

			if state.attempt >= u.policy.MaxAttempts {
				for _, key := range state.current.Keys() {
					result.Failed[key] = err.Error()
				}
				u.giveUp(&result, state, logger, err)
				break
			}

			logger.Warn("Upsert call failed, retrying batch",
				zap.Int("attempt", state.attempt),
				zap.Int("records", state.current.Len()),
				zap.Error(err),
			)
		} else {
			uploaded, failed := classify(state.current, outcome)
			result.Uploaded = append(result.Uploaded, uploaded...)

			if len(failed) == 0 {
				u.incAttempt("success")
				result.Status = StatusDone
				logger.Debug("Batch uploaded",
					zap.Int("attempt", state.attempt),
					zap.Int("uploaded", len(result.Uploaded)),
				)
				break
			}

			u.incAttempt("partial")
			keep := make(map[string]struct{}, len(failed))
			for key := range failed {
				keep[key] = struct{}{}
			}
			state.current = state.current.Narrow(keep)

			if state.attempt >= u.policy.MaxAttempts {
				for key, reason := range failed {
					result.Failed[key] = reason
				}
				u.giveUp(&result, state, logger, fmt.Errorf("%d records rejected: %w", len(failed), sink.ErrPartialFailure))
				break
			}

			logger.Warn("Partial failure, retrying rejected records",
				zap.Int("attempt", state.attempt),
				zap.Int("accepted", len(uploaded)),
				zap.Int("rejected", len(failed)),
				zap.Strings("sample_keys", sampleKeys(state.current, maxLoggedFailures)),
				zap.Error(sink.ErrPartialFailure),
			)
		}

		delay := state.delays.NextBackOff()
		if err := u.sleep(ctx, delay); err != nil {
			u.cancel(&result, state, err, logger)
			break
		}
		state.attempt++
	}

	result.Duration = time.Since(startTime)
	u.record(result)
	return result
}

// classify splits the current batch into accepted keys and rejected key->reason.
// Records missing from the outcome count as rejected.
func classify(b batch.Batch, outcome sink.Outcome) ([]string, map[string]string) {
	var uploaded []string
	failed := make(map[string]string)

	for _, key := range b.Keys() {
		res, ok := outcome.Results[key]
		switch {
		case !ok:
			failed[key] = "no result returned"
		case res.Succeeded:
			uploaded = append(uploaded, key)
		case res.Message != "":
			failed[key] = res.Message
		default:
			failed[key] = fmt.Sprintf("rejected with status %d", res.StatusCode)
		}
	}
	return uploaded, failed
}

func (u *Uploader) giveUp(result *BatchResult, state *attemptState, logger *zap.Logger, cause error) {
	result.Status = StatusGivenUp
	logger.Error("Giving up on batch after max attempts",
		zap.Int("attempts", state.attempt),
		zap.Int("uploaded", len(result.Uploaded)),
		zap.Int("dropped", len(result.Failed)),
		zap.Strings("sample_keys", sampleKeys(state.current, maxLoggedFailures)),
		zap.Error(cause),
	)
}

func (u *Uploader) cancel(result *BatchResult, state *attemptState, cause error, logger *zap.Logger) {
	result.Status = StatusCancelled
	for _, key := range state.current.Keys() {
		result.Failed[key] = cause.Error()
	}
	logger.Warn("Batch upload cancelled",
		zap.Int("attempt", state.attempt),
		zap.Int("pending", state.current.Len()),
		zap.Error(cause),
	)
}

func (u *Uploader) incAttempt(outcome string) {
	if u.metrics != nil {
		u.metrics.IncAttempt(outcome)
	}
}

func (u *Uploader) record(result BatchResult) {
	if u.metrics == nil {
		return
	}
	u.metrics.AddUploaded(len(result.Uploaded))
	switch {
	case len(result.Failed) == 0:
	case result.Status == StatusCancelled:
		u.metrics.AddCancelled(len(result.Failed))
	default:
		u.metrics.AddFailed(len(result.Failed))
	}
	u.metrics.IncBatch(string(result.Status))
}

func sampleKeys(b batch.Batch, limit int) []string {
	keys := b.Keys()
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
