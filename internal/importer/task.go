package importer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cards/internal/platform/logger"
	"cards/internal/platform/metrics"
)

// ErrAlreadyRunning is returned by Trigger while an import is in progress.
var ErrAlreadyRunning = errors.New("import already running")

// Stats summarises one import run.
type Stats struct {
	BatchID   string
	Read      int
	Imported  int
	Failed    int
	Discarded map[string]int
	Duration  time.Duration
}

// Task reads a source through the pipeline into the persister.
type Task struct {
	source    Source
	pipeline  *Pipeline
	persister *Persister
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup
	mu      sync.Mutex
	last    Stats
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithTaskLogger sets the task logger.
func WithTaskLogger(l *slog.Logger) TaskOption {
	return func(t *Task) { t.logger = logger.OrDiscard(l) }
}

// WithTaskMetrics counts imported and discarded rows.
func WithTaskMetrics(m *metrics.Metrics) TaskOption {
	return func(t *Task) { t.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TaskOption {
	return func(t *Task) { t.now = now }
}

// NewTask wires an import task.
func NewTask(source Source, pipeline *Pipeline, persister *Persister, opts ...TaskOption) *Task {
	t := &Task{source: source, pipeline: pipeline, persister: persister, logger: logger.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run imports every row of the source. Row failures are logged and counted;
// only source errors abort the run.
func (t *Task) Run(ctx context.Context) (Stats, error) {
	start := t.now()
	batch := NewBatch(start)
	defer batch.Release()
	stats := Stats{BatchID: batch.ID, Discarded: map[string]int{}}
	log := t.logger.With("batch", batch.ID)
	log.Info("import started")

	err := t.source.Rows(ctx, func(row Row) error {
		stats.Read++
		out, by := t.pipeline.Run(ctx, batch, row)
		if out == nil {
			stats.Discarded[by]++
			t.metrics.IncImportRow("discarded")
			return ctx.Err()
		}
		if _, err := t.persister.Persist(ctx, out); err != nil {
			stats.Failed++
			t.metrics.IncImportRow("failed")
			log.Warn("row not imported", "error", err)
			return nil
		}
		stats.Imported++
		t.metrics.IncImportRow("imported")
		return nil
	})
	stats.Duration = t.now().Sub(start)
	t.mu.Lock()
	t.last = stats
	t.mu.Unlock()
	if err != nil {
		log.Error("import aborted", "error", err, "read", stats.Read)
		return stats, err
	}
	log.Info("import finished", "read", stats.Read, "imported", stats.Imported, "failed", stats.Failed, "discarded", stats.Discarded)
	return stats, nil
}

// Trigger starts a run in the background unless one is in progress. The run
// outlives ctx cancellation but keeps its values.
func (t *Task) Trigger(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.running.Store(false)
		_, _ = t.Run(context.WithoutCancel(ctx))
	}()
	return nil
}

// Job runs the import from a scheduler, skipping when a triggered run is
// still going.
func (t *Task) Job(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer t.running.Store(false)
	_, err := t.Run(ctx)
	return err
}

// Running reports whether an import is in progress.
func (t *Task) Running() bool { return t.running.Load() }

// Wait blocks until background runs finish.
func (t *Task) Wait() { t.wg.Wait() }

// LastStats returns the statistics of the most recent run.
func (t *Task) LastStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
