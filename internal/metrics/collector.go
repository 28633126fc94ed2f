package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"graph2search/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes sync metrics on its own registry
type Collector struct {
	registry        *prometheus.Registry
	recordsTotal    *prometheus.CounterVec
	attemptsTotal   *prometheus.CounterVec
	batchesTotal    *prometheus.CounterVec
	inflightBatches prometheus.Gauge
	batchDuration   prometheus.Histogram
	lastRunRecords  *prometheus.GaugeVec
	lastRunDuration prometheus.Gauge
	progressTracker *progress.Tracker
}

// New creates a new metrics collector
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_records_total",
				Help: "Total number of records by final status",
			},
			[]string{"status"},
		),
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_upload_attempts_total",
				Help: "Upsert attempts by outcome",
			},
			[]string{"outcome"},
		),
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_batches_total",
				Help: "Batches by terminal status",
			},
			[]string{"status"},
		),
		inflightBatches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sync_inflight_batches",
				Help: "Number of batches currently occupying an upload slot",
			},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sync_batch_duration_seconds",
				Help:    "Time from first attempt to terminal status for a batch",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
			},
		),
		lastRunRecords: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sync_last_run_records",
				Help: "Record counts of the last completed run",
			},
			[]string{"status"},
		),
		lastRunDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sync_last_run_duration_seconds",
				Help: "Wall time of the last completed run",
			},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(
		c.recordsTotal,
		c.attemptsTotal,
		c.batchesTotal,
		c.inflightBatches,
		c.batchDuration,
		c.lastRunRecords,
		c.lastRunDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry exposes the underlying registry, mainly for tests
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// IncAttempt counts one upsert attempt with its outcome (success, partial, error)
func (c *Collector) IncAttempt(outcome string) {
	c.attemptsTotal.WithLabelValues(outcome).Inc()
}

// AddUploaded counts records confirmed by the sink and updates progress
func (c *Collector) AddUploaded(n int) {
	c.recordsTotal.WithLabelValues("uploaded").Add(float64(n))
	c.progressTracker.AddUploaded(int64(n))
}

// AddFailed counts records dropped after retries and updates progress
func (c *Collector) AddFailed(n int) {
	c.recordsTotal.WithLabelValues("failed").Add(float64(n))
	c.progressTracker.AddFailed(int64(n))
}

// AddCancelled counts records left pending by cancellation and updates progress
func (c *Collector) AddCancelled(n int) {
	c.recordsTotal.WithLabelValues("cancelled").Add(float64(n))
	c.progressTracker.AddFailed(int64(n))
}

// IncBatch counts a batch reaching a terminal status
func (c *Collector) IncBatch(status string) {
	c.batchesTotal.WithLabelValues(status).Inc()
	c.progressTracker.AddBatch()
}

// BatchStarted marks a batch as occupying an upload slot
func (c *Collector) BatchStarted() {
	c.inflightBatches.Inc()
}

// BatchFinished releases a batch's slot and observes its duration
func (c *Collector) BatchFinished(duration time.Duration) {
	c.inflightBatches.Dec()
	c.batchDuration.Observe(duration.Seconds())
}

// ObserveRun records the totals of a finished run
func (c *Collector) ObserveRun(total, uploaded, failed int, duration time.Duration) {
	c.lastRunRecords.WithLabelValues("total").Set(float64(total))
	c.lastRunRecords.WithLabelValues("uploaded").Set(float64(uploaded))
	c.lastRunRecords.WithLabelValues("failed").Set(float64(failed))
	c.lastRunDuration.Set(duration.Seconds())
}

// Handler returns the HTTP handler serving this collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer serves /metrics on addr until ctx is cancelled
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}

// SetTotalCounts sets the totals for progress tracking
func (c *Collector) SetTotalCounts(records, batches int64) {
	c.progressTracker.SetTotal(records, batches)
}
