package worker

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"graph2search/internal/directory"
	"graph2search/internal/metrics"
	"graph2search/internal/sink"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var errUnavailable = errors.New("service unavailable")

func newTestUploader(t *testing.T, client sink.Client, policy BackoffPolicy, opts ...UploaderOption) (*Uploader, *sleepRecorder) {
	t.Helper()

	sleeper := &sleepRecorder{}
	opts = append([]UploaderOption{WithSleep(sleeper.Sleep)}, opts...)
	u, err := NewUploader(client, policy, zap.NewNop(), opts...)
	require.NoError(t, err)
	return u, sleeper
}

func sorted(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	return out
}

func TestUploader_SuccessOnFirstAttempt(t *testing.T) {
	t.Parallel()

	fake := &fakeSink{respond: func(_ int, records []directory.Record) (sink.Outcome, error) {
		return allOK(records), nil
	}}
	u, sleeper := newTestUploader(t, fake, DefaultPolicy())

	b := makeBatch(0, 10)
	result := u.Upload(context.Background(), b)

	require.Equal(t, StatusDone, result.Status)
	require.Equal(t, 1, result.Attempts)
	require.Equal(t, b.Keys(), result.Uploaded)
	require.Empty(t, result.Failed)
	require.Empty(t, sleeper.Delays())
	require.Len(t, fake.Calls(), 1)
}

func TestUploader_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	fake := &fakeSink{respond: func(int, []directory.Record) (sink.Outcome, error) {
		return sink.Outcome{}, errUnavailable
	}}
	d := 100 * time.Millisecond
	u, sleeper := newTestUploader(t, fake, BackoffPolicy{InitialDelay: d, MaxAttempts: 5})

	b := makeBatch(50, 4)
	result := u.Upload(context.Background(), b)

	require.Equal(t, StatusGivenUp, result.Status)
	require.Equal(t, 5, result.Attempts)
	require.Len(t, fake.Calls(), 5)
	require.Equal(t, []time.Duration{d, 2 * d, 4 * d, 8 * d}, sleeper.Delays())
	require.Empty(t, result.Uploaded)
	require.Len(t, result.Failed, 4)
	for _, key := range b.Keys() {
		require.Equal(t, errUnavailable.Error(), result.Failed[key])
	}
	for _, call := range fake.Calls() {
		require.Equal(t, b.Keys(), call, "total failures retry the whole batch")
	}
}

func TestUploader_DefaultPolicyDelays(t *testing.T) {
	t.Parallel()

	fake := &fakeSink{respond: func(int, []directory.Record) (sink.Outcome, error) {
		return sink.Outcome{}, errUnavailable
	}}
	u, sleeper := newTestUploader(t, fake, DefaultPolicy())

	result := u.Upload(context.Background(), makeBatch(0, 1))
	require.Equal(t, StatusGivenUp, result.Status)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, sleeper.Delays())
}

func TestUploader_PartialFailureNarrowsBatch(t *testing.T) {
	t.Parallel()

	fake := &fakeSink{respond: func(call int, records []directory.Record) (sink.Outcome, error) {
		if call == 1 {
			return rejecting(records, "user-003", "user-007"), nil
		}
		return allOK(records), nil
	}}
	d := 50 * time.Millisecond
	u, sleeper := newTestUploader(t, fake, BackoffPolicy{InitialDelay: d, MaxAttempts: 5})

	b := makeBatch(0, 10)
	result := u.Upload(context.Background(), b)

	calls := fake.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, []string{"user-003", "user-007"}, calls[1])

	require.Equal(t, StatusDone, result.Status)
	require.Equal(t, 2, result.Attempts)
	require.Equal(t, sorted(b.Keys()), sorted(result.Uploaded))
	require.Empty(t, result.Failed)
	require.Equal(t, []time.Duration{d}, sleeper.Delays())
}

func TestUploader_PartialFailureUntilGivenUp(t *testing.T) {
	t.Parallel()

	fake := &fakeSink{respond: func(call int, records []directory.Record) (sink.Outcome, error) {
		switch call {
		case 1:
			return rejecting(records, "user-001", "user-002", "user-003"), nil
		default:
			return rejecting(records, "user-002"), nil
		}
	}}
	u, sleeper := newTestUploader(t, fake, BackoffPolicy{InitialDelay: time.Second, MaxAttempts: 3})

	result := u.Upload(context.Background(), makeBatch(0, 5))

	calls := fake.Calls()
	require.Len(t, calls, 3)
	require.Equal(t, []string{"user-001", "user-002", "user-003"}, calls[1])
	require.Equal(t, []string{"user-002"}, calls[2])

	require.Equal(t, StatusGivenUp, result.Status)
	require.Equal(t, 3, result.Attempts)
	require.Equal(t, map[string]string{"user-002": "invalid field user-002"}, result.Failed)
	require.Len(t, result.Uploaded, 4)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.Delays())
}

func TestUploader_TotalFailureThenSuccess(t *testing.T) {
	t.Parallel()

	fake := &fakeSink{respond: func(call int, records []directory.Record) (sink.Outcome, error) {
		if call < 3 {
			return sink.Outcome{}, errUnavailable
		}
		return allOK(records), nil
	}}
	u, sleeper := newTestUploader(t, fake, BackoffPolicy{InitialDelay: 10 * time.Millisecond, MaxAttempts: 5})

	b := makeBatch(0, 3)
	result := u.Upload(context.Background(), b)

	require.Equal(t, StatusDone, result.Status)
	require.Equal(t, 3, result.Attempts)
	require.Equal(t, b.Keys(), result.Uploaded)
	require.Len(t, sleeper.Delays(), 2)
}

func TestUploader_MissingResultCountsAsFailure(t *testing.T) {
	t.Parallel()

	fake := &fakeSink{respond: func(call int, records []directory.Record) (sink.Outcome, error) {
		out := allOK(records)
		if call == 1 {
			delete(out.Results, "user-001")
		}
		return out, nil
	}}
	u, _ := newTestUploader(t, fake, DefaultPolicy())

	result := u.Upload(context.Background(), makeBatch(0, 3))
	require.Equal(t, StatusDone, result.Status)
	require.Equal(t, []string{"user-001"}, fake.Calls()[1])
}

func TestUploader_SingleAttemptPolicy(t *testing.T) {
	t.Parallel()

	fake := &fakeSink{respond: func(_ int, records []directory.Record) (sink.Outcome, error) {
		return rejecting(records, "user-000"), nil
	}}
	u, sleeper := newTestUploader(t, fake, BackoffPolicy{InitialDelay: time.Second, MaxAttempts: 1})

	result := u.Upload(context.Background(), makeBatch(0, 2))
	require.Equal(t, StatusGivenUp, result.Status)
	require.Equal(t, []string{"user-001"}, result.Uploaded)
	require.Empty(t, sleeper.Delays())
}

func TestUploader_CancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	fake := &fakeSink{respond: func(int, []directory.Record) (sink.Outcome, error) {
		return sink.Outcome{}, errUnavailable
	}}
	u, err := NewUploader(fake, BackoffPolicy{InitialDelay: time.Hour, MaxAttempts: 5}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan BatchResult, 1)
	go func() { done <- u.Upload(ctx, makeBatch(0, 2)) }()

	require.Eventually(t, func() bool { return len(fake.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case result := <-done:
		require.Equal(t, StatusCancelled, result.Status)
		require.Equal(t, 1, result.Attempts)
		require.Len(t, result.Failed, 2)
		require.Equal(t, context.Canceled.Error(), result.Failed["user-000"])
	case <-time.After(2 * time.Second):
		t.Fatal("upload did not stop after cancellation")
	}
}

func TestUploader_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	fake := &fakeSink{respond: func(_ int, records []directory.Record) (sink.Outcome, error) {
		return allOK(records), nil
	}}
	u, _ := newTestUploader(t, fake, DefaultPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := u.Upload(ctx, makeBatch(0, 2))
	require.Equal(t, StatusCancelled, result.Status)
	require.Empty(t, fake.Calls())
}

func TestUploader_LogsTransitions(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	fake := &fakeSink{respond: func(call int, records []directory.Record) (sink.Outcome, error) {
		if call == 1 {
			return sink.Outcome{}, errUnavailable
		}
		return rejecting(records, "user-010"), nil
	}}
	u, err := NewUploader(fake, BackoffPolicy{InitialDelay: time.Millisecond, MaxAttempts: 3}, zap.New(core),
		WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	result := u.Upload(context.Background(), makeBatch(10, 2))
	require.Equal(t, StatusGivenUp, result.Status)

	warns := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, warns, 2)
	require.Equal(t, "Upsert call failed, retrying batch", warns[0].Message)
	require.Equal(t, "Partial failure, retrying rejected records", warns[1].Message)

	errs := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, errs, 1)
	require.Equal(t, int64(10), errs[0].ContextMap()["batch_offset"])
	require.Equal(t, int64(3), errs[0].ContextMap()["attempts"])
}

func TestUploader_RecordsMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	fake := &fakeSink{respond: func(call int, records []directory.Record) (sink.Outcome, error) {
		if call == 1 {
			return rejecting(records, "user-000"), nil
		}
		return allOK(records), nil
	}}
	u, _ := newTestUploader(t, fake, DefaultPolicy(), WithMetrics(m))

	u.Upload(context.Background(), makeBatch(0, 4))

	count, err := testutil.GatherAndCount(m.Registry(), "sync_upload_attempts_total")
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, int64(4), m.GetProgressTracker().GetStatus().UploadedRecords)
}

func TestUploader_CancelledRecordsMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	fake := &fakeSink{respond: func(_ int, records []directory.Record) (sink.Outcome, error) {
		return allOK(records), nil
	}}
	u, _ := newTestUploader(t, fake, DefaultPolicy(), WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := u.Upload(ctx, makeBatch(0, 2))
	require.Equal(t, StatusCancelled, result.Status)

	expected := `
# HELP sync_records_total Total number of records by final status
# TYPE sync_records_total counter
sync_records_total{status="cancelled"} 2
sync_records_total{status="uploaded"} 0
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "sync_records_total"))
}

func TestUploader_GivenUpRecordsMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	fake := &fakeSink{respond: func(_ int, records []directory.Record) (sink.Outcome, error) {
		return rejecting(records, "user-001"), nil
	}}
	u, _ := newTestUploader(t, fake, BackoffPolicy{InitialDelay: time.Second, MaxAttempts: 2}, WithMetrics(m))

	result := u.Upload(context.Background(), makeBatch(0, 3))
	require.Equal(t, StatusGivenUp, result.Status)

	expected := `
# HELP sync_records_total Total number of records by final status
# TYPE sync_records_total counter
sync_records_total{status="failed"} 1
sync_records_total{status="uploaded"} 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "sync_records_total"))
}

func TestNewUploader_InvalidPolicy(t *testing.T) {
	t.Parallel()

	for _, p := range []BackoffPolicy{
		{InitialDelay: 0, MaxAttempts: 5},
		{InitialDelay: time.Second, MaxAttempts: 0},
		{InitialDelay: -time.Second, MaxAttempts: 1},
	} {
		_, err := NewUploader(&fakeSink{}, p, zap.NewNop())
		require.ErrorIs(t, err, ErrInvalidArgument)
	}
}
