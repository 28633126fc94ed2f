package app

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"os"
	"time"

	"graph2search/internal/batch"
	"graph2search/internal/checkpoint"
	"graph2search/internal/config"
	"graph2search/internal/directory"
	"graph2search/internal/metrics"
	"graph2search/internal/progress"
	"graph2search/internal/sink"
	"graph2search/internal/storage"
	"graph2search/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// progressInterval is how often the live progress line is refreshed
const progressInterval = 2 * time.Second

// Syncer represents the directory-to-index sync application
type Syncer struct {
	cfg         *config.Config
	logger      *zap.Logger
	source      directory.Source
	sink        sink.Client
	ledger      checkpoint.Store
	reports     storage.ReportStore
	metrics     *metrics.Collector
	progressOut io.Writer
	sleep       worker.SleepFunc
	newRunID    func() string
}

// Option overrides one of the collaborators New would otherwise build from config
type Option func(*Syncer)

// WithSource replaces the Graph source
func WithSource(src directory.Source) Option {
	return func(s *Syncer) { s.source = src }
}

// WithSink replaces the search index client
func WithSink(c sink.Client) Option {
	return func(s *Syncer) { s.sink = c }
}

// WithLedger replaces the SQLite ledger
func WithLedger(store checkpoint.Store) Option {
	return func(s *Syncer) { s.ledger = store }
}

// WithReportStore replaces the report archive
func WithReportStore(rs storage.ReportStore) Option {
	return func(s *Syncer) { s.reports = rs }
}

// WithMetrics replaces the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Syncer) { s.metrics = m }
}

// WithProgressOutput forces the live progress display onto w
func WithProgressOutput(w io.Writer) Option {
	return func(s *Syncer) { s.progressOut = w }
}

// WithSleep replaces the backoff wait used between upload attempts
func WithSleep(fn worker.SleepFunc) Option {
	return func(s *Syncer) { s.sleep = fn }
}

// New creates a syncer, building every collaborator not supplied through opts
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Syncer, error) {
	s := &Syncer{
		cfg:      cfg,
		logger:   logger,
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.source == nil {
		httpClient := directory.NewHTTPClient(ctx, directory.Credentials{
			Authority:    cfg.Source.Authority,
			TenantID:     cfg.Source.TenantID,
			ClientID:     cfg.Source.ClientID,
			ClientSecret: cfg.Source.ClientSecret,
		})
		s.source = directory.NewGraphSource(httpClient, directory.GraphConfig{
			BaseURL:        cfg.Source.BaseURL,
			PageSize:       cfg.Source.PageSize,
			PictureBaseURL: cfg.Source.PictureBaseURL,
		}, logger)
	}

	if s.sink == nil && !cfg.Sync.DryRun {
		searchClient, err := sink.NewSearchClient(&http.Client{Timeout: cfg.Sink.Timeout}, sink.SearchConfig{
			Endpoint:   cfg.Sink.Endpoint,
			Index:      cfg.Sink.Index,
			APIKey:     cfg.Sink.APIKey,
			APIVersion: cfg.Sink.APIVersion,
			Timeout:    cfg.Sink.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create search client: %w", err)
		}
		s.sink = searchClient
	}

	if s.ledger == nil {
		ledger, err := checkpoint.NewSQLiteStore(cfg.Sync.Checkpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
		}
		s.ledger = ledger
	}

	if s.reports == nil && cfg.Report.Enabled() {
		reports, err := storage.NewMinIOReportStore(storage.Config{
			Endpoint:  cfg.Report.Endpoint,
			AccessKey: cfg.Report.AccessKey,
			SecretKey: cfg.Report.SecretKey,
			Secure:    cfg.Report.Secure,
			Bucket:    cfg.Report.Bucket,
			Region:    cfg.Report.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create report store: %w", err)
		}
		if err := reports.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		s.reports = reports
	}

	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	if s.progressOut == nil && cfg.Sync.ShowProgress && !cfg.Sync.DryRun && progress.IsTerminalSupported() {
		s.progressOut = os.Stdout
	}

	return s, nil
}

// StartMetrics serves Prometheus metrics in the background until ctx is done
func (s *Syncer) StartMetrics(ctx context.Context) {
	if s.cfg.Sync.MetricsAddr == "" {
		return
	}
	go func() {
		s.logger.Info("Serving metrics", zap.String("addr", s.cfg.Sync.MetricsAddr))
		if err := s.metrics.StartServer(ctx, s.cfg.Sync.MetricsAddr); err != nil {
			s.logger.Error("Failed to start metrics server", zap.Error(err))
		}
	}()
}

// Run executes one full sync pass. Per-record failures end up in the result;
// the returned error is set for source failures and cancellation.
func (s *Syncer) Run(ctx context.Context) (*RunResult, error) {
	runID := s.newRunID()
	logger := s.logger.With(zap.String("run_id", runID))

	logger.Info("Starting sync",
		zap.Int("batch_size", s.cfg.Sync.BatchSize),
		zap.Int("concurrency", s.cfg.Sync.Concurrency),
		zap.Int("retries", s.cfg.Sync.Retries),
		zap.Duration("retry_backoff", s.cfg.Sync.RetryBackoff),
		zap.Bool("dry_run", s.cfg.Sync.DryRun),
	)

	lister := &RecordLister{source: s.source, logger: logger}
	records, err := lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	batches, err := batch.Plan(records, s.cfg.Sync.BatchSize)
	if err != nil {
		return nil, err
	}

	if s.cfg.Sync.DryRun {
		n := lister.DescribePlan(batches)
		logger.Info("Dry run completed", zap.Int("total_records", len(records)), zap.Int("batches", n))
		return &RunResult{RunID: runID, Stats: worker.RunStats{TotalRecords: len(records)}}, nil
	}

	stats, runErr := s.upload(ctx, logger, records, batches)

	result := newRunResult(runID, stats, s.cfg.Sync.BatchSize)
	s.metrics.ObserveRun(stats.TotalRecords, stats.UploadedRecords, stats.FailedRecords, stats.Elapsed())

	logger.Info("Sync completed",
		zap.Object("summary", result.Summary),
		zap.Int("uploaded", stats.UploadedRecords),
		zap.Int("failed", stats.FailedRecords),
		zap.Int("given_up_batches", stats.CountByStatus(worker.StatusGivenUp)),
		zap.Int("cancelled_batches", stats.CountByStatus(worker.StatusCancelled)),
	)

	s.saveLedger(logger, result)
	s.publishReport(ctx, logger, result)

	if runErr != nil {
		return result, fmt.Errorf("sync interrupted: %w", runErr)
	}
	return result, nil
}

func (s *Syncer) upload(ctx context.Context, logger *zap.Logger, records []directory.Record, batches iter.Seq[batch.Batch]) (worker.RunStats, error) {
	uploaderOpts := []worker.UploaderOption{worker.WithMetrics(s.metrics)}
	if s.sleep != nil {
		uploaderOpts = append(uploaderOpts, worker.WithSleep(s.sleep))
	}

	uploader, err := worker.NewUploader(s.sink, worker.BackoffPolicy{
		InitialDelay: s.cfg.Sync.RetryBackoff,
		MaxAttempts:  s.cfg.Sync.Retries,
	}, logger, uploaderOpts...)
	if err != nil {
		return worker.RunStats{}, err
	}

	scheduler, err := worker.NewScheduler(uploader, s.cfg.Sync.Concurrency, logger, worker.WithSchedulerMetrics(s.metrics))
	if err != nil {
		return worker.RunStats{}, err
	}

	tracker := s.metrics.GetProgressTracker()
	tracker.Reset()
	s.metrics.SetTotalCounts(int64(len(records)), int64(batch.Count(len(records), s.cfg.Sync.BatchSize)))

	var display *progress.Display
	if s.progressOut != nil {
		display = progress.NewDisplay(tracker, progressInterval, s.progressOut)
		display.Start()
		logger.Debug("Progress display enabled")
	}

	stats, runErr := scheduler.Run(ctx, batches)

	if display != nil {
		display.Stop()
	}
	return stats, runErr
}

// RunPeriodic runs a sync immediately and then every interval until ctx is done.
// A failed run is logged and the loop carries on. An interval of zero runs once.
func (s *Syncer) RunPeriodic(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		_, err := s.Run(ctx)
		return err
	}

	s.logger.Info("Starting periodic sync", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.runLogged(ctx)

	for {
		select {
		case <-ticker.C:
			s.runLogged(ctx)
		case <-ctx.Done():
			s.logger.Info("Periodic sync stopping")
			return nil
		}
	}
}

func (s *Syncer) runLogged(ctx context.Context) {
	if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("Sync run failed", zap.Error(err))
	}
}

// Close cleans up resources
func (s *Syncer) Close() error {
	if s.ledger != nil {
		return s.ledger.Close()
	}
	return nil
}
