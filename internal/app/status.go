package app

import (
	"fmt"
	"io"

	"graph2search/internal/checkpoint"
	"graph2search/internal/progress"
)

// LedgerStatus is what the status command prints
type LedgerStatus struct {
	LastRun *checkpoint.RunRecord
	Failed  []*checkpoint.RecordState
}

// ReadStatus loads the last run and the records still failing from store
func ReadStatus(store checkpoint.Store) (*LedgerStatus, error) {
	lastRun, err := store.LastRun()
	if err != nil {
		return nil, fmt.Errorf("failed to read last run: %w", err)
	}
	failed, err := store.ListFailedRecords()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed records: %w", err)
	}
	return &LedgerStatus{LastRun: lastRun, Failed: failed}, nil
}

// WriteStatus renders st for a terminal
func WriteStatus(w io.Writer, st *LedgerStatus) error {
	if st.LastRun == nil {
		_, err := fmt.Fprintln(w, "No sync run recorded yet")
		return err
	}

	run := st.LastRun
	lines := []string{
		fmt.Sprintf("Last run: %s", run.RunID),
		fmt.Sprintf("Finished: %s (took %s)", run.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			progress.FormatDuration(run.FinishedAt.Sub(run.StartedAt))),
		fmt.Sprintf("Records:  %d total, %d uploaded, %d failed in %d batches", run.Total, run.Uploaded, run.Failed, run.Batches),
		fmt.Sprintf("Failing records: %d", len(st.Failed)),
	}
	for _, rec := range st.Failed {
		lines = append(lines, fmt.Sprintf("  %s [%s] after %d attempts: %s", rec.ID, rec.Status, rec.Attempts, rec.LastError))
	}

	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
