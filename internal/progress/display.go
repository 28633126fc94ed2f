package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Display periodically prints tracker status to a terminal
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewDisplay creates a new progress display writing to out
func NewDisplay(tracker *Tracker, interval time.Duration, out io.Writer) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the display loop
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the loop, prints the final summary and waits for it to be written
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.doneCh
	})
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintln(d.out, d.progressLine(d.tracker.GetStatus()))
		case <-d.stopCh:
			fmt.Fprintln(d.out, strings.Join(d.finalLines(d.tracker.GetStatus()), "\n"))
			return
		}
	}
}

func (d *Display) progressLine(status Status) string {
	percent := d.tracker.GetProgressPercent()
	return fmt.Sprintf("%s %d/%d records, %d/%d batches, failed %d, %s, eta %s",
		progressBar(percent, 30),
		status.UploadedRecords+status.FailedRecords, status.TotalRecords,
		status.CompletedBatches, status.TotalBatches,
		status.FailedRecords,
		FormatRate(status.CurrentRate),
		FormatDuration(status.ETA),
	)
}

func (d *Display) finalLines(status Status) []string {
	elapsed := status.LastUpdateTime.Sub(status.StartTime)
	return []string{
		"Sync finished",
		strings.Repeat("=", 40),
		fmt.Sprintf("Uploaded: %d", status.UploadedRecords),
		fmt.Sprintf("Failed:   %d", status.FailedRecords),
		fmt.Sprintf("Batches:  %d/%d", status.CompletedBatches, status.TotalBatches),
		fmt.Sprintf("Elapsed:  %s", FormatDuration(elapsed)),
		fmt.Sprintf("Average:  %s", FormatRate(status.AverageRate)),
	}
}

func progressBar(percent float64, width int) string {
	percent = max(0, min(percent, 100))
	filled := int(percent * float64(width) / 100)
	return fmt.Sprintf("[%s%s] %5.1f%%", strings.Repeat("#", filled), strings.Repeat(".", width-filled), percent)
}

// IsTerminalSupported reports whether stdout is a character device
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
