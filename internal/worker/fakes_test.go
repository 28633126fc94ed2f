package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"graph2search/internal/batch"
	"graph2search/internal/directory"
	"graph2search/internal/sink"
)

// fakeSink answers each call through respond and remembers the keys it was sent
type fakeSink struct {
	mu      sync.Mutex
	calls   [][]string
	respond func(call int, records []directory.Record) (sink.Outcome, error)
}

func (f *fakeSink) UpsertBatch(_ context.Context, records []directory.Record) (sink.Outcome, error) {
	f.mu.Lock()
	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = r.Key()
	}
	f.calls = append(f.calls, keys)
	call := len(f.calls)
	f.mu.Unlock()

	return f.respond(call, records)
}

func (f *fakeSink) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

// allOK accepts every record
func allOK(records []directory.Record) sink.Outcome {
	out := sink.Outcome{Results: make(map[string]sink.RecordResult, len(records))}
	for _, r := range records {
		out.Results[r.Key()] = sink.RecordResult{Succeeded: true, StatusCode: 200}
	}
	return out
}

// rejecting accepts every record except the listed keys
func rejecting(records []directory.Record, reject ...string) sink.Outcome {
	out := allOK(records)
	for _, key := range reject {
		if _, ok := out.Results[key]; ok {
			out.Results[key] = sink.RecordResult{StatusCode: 422, Message: "invalid field " + key}
		}
	}
	return out
}

// sleepRecorder captures requested delays without waiting
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func makeRecords(n int) []directory.Record {
	records := make([]directory.Record, n)
	for i := range records {
		records[i] = directory.Record{ID: fmt.Sprintf("user-%03d", i)}
	}
	return records
}

func makeBatch(offset, n int) batch.Batch {
	records := make([]directory.Record, n)
	for i := range records {
		records[i] = directory.Record{ID: fmt.Sprintf("user-%03d", offset+i)}
	}
	return batch.Batch{Offset: offset, Records: records}
}
