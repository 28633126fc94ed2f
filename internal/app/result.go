package app

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"graph2search/internal/checkpoint"
	"graph2search/internal/progress"
	"graph2search/internal/storage"
	"graph2search/internal/worker"

	"go.uber.org/zap"
)

// reportTimeout bounds the report upload, which may run after ctx was cancelled
const reportTimeout = 30 * time.Second

// FailedRecord is a record the sink never accepted within the attempt budget
type FailedRecord struct {
	ID     string `json:"id"`
	Offset int    `json:"batch_offset"`
	Reason string `json:"reason"`
}

// RunResult is the outcome of one sync pass
type RunResult struct {
	RunID   string
	Stats   worker.RunStats
	Summary progress.Summary
	// PermanentlyFailed lists records of batches that gave up, ordered by batch then ID
	PermanentlyFailed []FailedRecord
}

func newRunResult(runID string, stats worker.RunStats, batchSize int) *RunResult {
	result := &RunResult{
		RunID:   runID,
		Stats:   stats,
		Summary: progress.Summarize(stats.StartTime, stats.EndTime, stats.TotalRecords, batchSize),
	}

	for _, b := range stats.Batches {
		if b.Status != worker.StatusGivenUp {
			continue
		}
		ids := make([]string, 0, len(b.Failed))
		for id := range b.Failed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			result.PermanentlyFailed = append(result.PermanentlyFailed, FailedRecord{
				ID:     id,
				Offset: b.Offset,
				Reason: b.Failed[id],
			})
		}
	}
	sort.SliceStable(result.PermanentlyFailed, func(i, j int) bool {
		return result.PermanentlyFailed[i].Offset < result.PermanentlyFailed[j].Offset
	})
	return result
}

// ledgerStates flattens batch results into per-record ledger entries
func ledgerStates(stats worker.RunStats) []checkpoint.RecordState {
	var states []checkpoint.RecordState
	for _, b := range stats.Batches {
		failedStatus := checkpoint.StatusFailed
		if b.Status == worker.StatusCancelled {
			failedStatus = checkpoint.StatusCancelled
		}
		for _, id := range b.Uploaded {
			states = append(states, checkpoint.RecordState{ID: id, Status: checkpoint.StatusUploaded, Attempts: b.Attempts})
		}
		for id, reason := range b.Failed {
			states = append(states, checkpoint.RecordState{ID: id, Status: failedStatus, Attempts: b.Attempts, LastError: reason})
		}
	}
	return states
}

func (s *Syncer) saveLedger(logger *zap.Logger, result *RunResult) {
	if err := s.ledger.SaveRecords(result.RunID, ledgerStates(result.Stats)); err != nil {
		logger.Error("Failed to save record states", zap.Error(err))
	}

	err := s.ledger.SaveRun(checkpoint.RunRecord{
		RunID:      result.RunID,
		StartedAt:  result.Stats.StartTime,
		FinishedAt: result.Stats.EndTime,
		Total:      result.Stats.TotalRecords,
		Uploaded:   result.Stats.UploadedRecords,
		Failed:     result.Stats.FailedRecords,
		Batches:    len(result.Stats.Batches),
	})
	if err != nil {
		logger.Error("Failed to save run summary", zap.Error(err))
	}
}

// runReport is the archived JSON form of a run
type runReport struct {
	RunID             string         `json:"run_id"`
	StartedAt         time.Time      `json:"started_at"`
	FinishedAt        time.Time      `json:"finished_at"`
	TotalRecords      int            `json:"total_records"`
	UploadedRecords   int            `json:"uploaded_records"`
	FailedRecords     int            `json:"failed_records"`
	Batches           int            `json:"batches"`
	GivenUpBatches    int            `json:"given_up_batches"`
	CancelledBatches  int            `json:"cancelled_batches"`
	MsPerBatch        float64        `json:"ms_per_batch"`
	MsPerRecord       float64        `json:"ms_per_record"`
	PermanentlyFailed []FailedRecord `json:"permanently_failed"`
}

func newRunReport(result *RunResult) runReport {
	stats := result.Stats
	return runReport{
		RunID:             result.RunID,
		StartedAt:         stats.StartTime,
		FinishedAt:        stats.EndTime,
		TotalRecords:      stats.TotalRecords,
		UploadedRecords:   stats.UploadedRecords,
		FailedRecords:     stats.FailedRecords,
		Batches:           len(stats.Batches),
		GivenUpBatches:    stats.CountByStatus(worker.StatusGivenUp),
		CancelledBatches:  stats.CountByStatus(worker.StatusCancelled),
		MsPerBatch:        result.Summary.MsPerBatch,
		MsPerRecord:       result.Summary.MsPerRecord,
		PermanentlyFailed: result.PermanentlyFailed,
	}
}

func (s *Syncer) publishReport(ctx context.Context, logger *zap.Logger, result *RunResult) {
	if s.reports == nil {
		return
	}

	data, err := json.MarshalIndent(newRunReport(result), "", "  ")
	if err != nil {
		logger.Error("Failed to encode run report", zap.Error(err))
		return
	}

	// The report is still worth archiving for an interrupted run
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	key := storage.ReportKey(result.RunID)
	if err := s.reports.PutReport(reportCtx, key, data); err != nil {
		logger.Error("Failed to archive run report", zap.String("key", key), zap.Error(err))
		return
	}
	logger.Info("Archived run report", zap.String("key", key))
}
