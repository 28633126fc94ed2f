package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status is a point-in-time view of a running sync
type Status struct {
	TotalRecords     int64
	UploadedRecords  int64
	FailedRecords    int64
	TotalBatches     int64
	CompletedBatches int64
	StartTime        time.Time
	LastUpdateTime   time.Time
	CurrentRate      float64 // records/second over the sample window
	AverageRate      float64 // records/second since start
	ETA              time.Duration
}

// Tracker tracks live sync progress for display.
// It is fed from concurrent upload hooks; final run figures come from Summarize instead.
type Tracker struct {
	mu         sync.RWMutex
	status     Status
	samples    []sample
	maxSamples int
	window     time.Duration
	now        func() time.Time
}

type sample struct {
	timestamp time.Time
	records   int64
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		status: Status{
			StartTime:      now,
			LastUpdateTime: now,
		},
		samples:    make([]sample, 0, 60),
		maxSamples: 60,
		window:     5 * time.Second,
		now:        time.Now,
	}
}

// Reset clears all counters and restarts the clock
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.status = Status{StartTime: now, LastUpdateTime: now}
	t.samples = t.samples[:0]
}

// SetTotal sets the total number of records and batches
func (t *Tracker) SetTotal(records, batches int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TotalRecords = records
	t.status.TotalBatches = batches
}

// AddUploaded adds records confirmed by the sink
func (t *Tracker) AddUploaded(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.UploadedRecords += n
	t.updateRate(n)
}

// AddFailed adds records dropped after retries
func (t *Tracker) AddFailed(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.FailedRecords += n
	t.updateRate(n)
}

// AddBatch marks one batch as finished
func (t *Tracker) AddBatch() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.CompletedBatches++
}

// updateRate must be called with the lock held
func (t *Tracker) updateRate(n int64) {
	now := t.now()

	t.samples = append(t.samples, sample{timestamp: now, records: n})
	if len(t.samples) > t.maxSamples {
		t.samples = t.samples[1:]
	}

	t.calculateCurrentRate(now)
	t.calculateAverageRate(now)
	t.calculateETA()

	t.status.LastUpdateTime = now
}

func (t *Tracker) calculateCurrentRate(now time.Time) {
	if len(t.samples) < 2 {
		t.status.CurrentRate = 0
		return
	}

	cutoff := now.Add(-t.window)
	var recent int64
	var first *sample
	for i := len(t.samples) - 1; i >= 0; i-- {
		s := &t.samples[i]
		if s.timestamp.Before(cutoff) {
			break
		}
		recent += s.records
		first = s
	}

	if first != nil {
		if d := now.Sub(first.timestamp); d > 0 {
			t.status.CurrentRate = float64(recent) / d.Seconds()
		}
	}
}

func (t *Tracker) calculateAverageRate(now time.Time) {
	if elapsed := now.Sub(t.status.StartTime); elapsed > 0 {
		t.status.AverageRate = float64(t.processed()) / elapsed.Seconds()
	}
}

func (t *Tracker) calculateETA() {
	remaining := t.status.TotalRecords - t.processed()
	if t.status.TotalRecords == 0 || t.status.AverageRate == 0 || remaining <= 0 {
		t.status.ETA = 0
		return
	}
	t.status.ETA = time.Duration(float64(remaining)/t.status.AverageRate) * time.Second
}

func (t *Tracker) processed() int64 {
	return t.status.UploadedRecords + t.status.FailedRecords
}

// GetStatus returns the current status
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// GetProgressPercent returns processed records as a percentage of the total
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalRecords == 0 {
		return 0
	}
	return float64(t.processed()) / float64(t.status.TotalRecords) * 100
}

// FormatRate formats a record rate
func FormatRate(perSecond float64) string {
	if perSecond < 1000 {
		return fmt.Sprintf("%.1f rec/s", perSecond)
	}
	return fmt.Sprintf("%.1fk rec/s", perSecond/1000)
}

// FormatDuration formats a duration as h/m/s
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
