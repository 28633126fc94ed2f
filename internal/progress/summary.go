package progress

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// Summary holds the throughput figures of a finished run
type Summary struct {
	Elapsed     time.Duration
	Records     int
	Batches     int
	MsPerBatch  float64
	MsPerRecord float64
}

// Summarize derives throughput from already collected run values.
// A zero record count or batch size yields zero rates.
func Summarize(start, end time.Time, totalRecords, batchSize int) Summary {
	elapsed := end.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}

	s := Summary{Elapsed: elapsed, Records: totalRecords}
	if totalRecords <= 0 || batchSize <= 0 {
		return s
	}

	s.Batches = (totalRecords + batchSize - 1) / batchSize
	ms := float64(elapsed) / float64(time.Millisecond)
	s.MsPerBatch = ms / float64(s.Batches)
	s.MsPerRecord = ms / float64(totalRecords)
	return s
}

// MarshalLogObject lets a Summary be logged with zap.Object
func (s Summary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddDuration("elapsed", s.Elapsed)
	enc.AddInt("records", s.Records)
	enc.AddInt("batches", s.Batches)
	enc.AddFloat64("ms_per_batch", s.MsPerBatch)
	enc.AddFloat64("ms_per_record", s.MsPerRecord)
	return nil
}
