// Package export renders content asynchronously to JSON and CSV artifacts
// kept in a blob store.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cards/internal/blob"
	"cards/internal/platform/logger"
	"cards/internal/platform/metrics"
	"cards/internal/serialize"
	"cards/pkg/domain"
)

// Status is the lifecycle stage of an export.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrQueueFull is returned when the worker cannot accept more exports.
var ErrQueueFull = errors.New("export queue full")

// Artifact is one stored rendering of an export.
type Artifact struct {
	Key         string    `json:"key"`
	Format      string    `json:"format"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Record tracks an export request and its artifacts.
type Record struct {
	ID          string     `json:"id"`
	Path        string     `json:"path"`
	Selectors   []string   `json:"selectors,omitempty"`
	Formats     []string   `json:"formats"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	RequestedBy string     `json:"requestedBy"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func (r Record) clone() Record {
	r.Selectors = slices.Clone(r.Selectors)
	r.Formats = slices.Clone(r.Formats)
	r.Artifacts = slices.Clone(r.Artifacts)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		r.CompletedAt = &t
	}
	return r
}

// Input is an export request.
type Input struct {
	Path        string
	Selectors   []string
	Formats     []string
	RequestedBy string
	Reason      string
}

// Viewer opens read-only snapshots of the content tree.
type Viewer interface {
	View(ctx context.Context, fn func(domain.TransactionView) error) error
}

// AuditEntry records one export lifecycle event.
type AuditEntry struct {
	ID         string         `json:"id"`
	ExportID   string         `json:"exportId"`
	Actor      string         `json:"actor"`
	Path       string         `json:"path"`
	Status     Status         `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// AuditLogger receives export audit entries.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry)
}

// SlogAudit writes audit entries to a structured logger.
type SlogAudit struct{ Logger *slog.Logger }

// Record implements AuditLogger.
func (a SlogAudit) Record(ctx context.Context, e AuditEntry) {
	logger.OrDiscard(a.Logger).InfoContext(ctx, "export audit",
		"export", e.ExportID, "actor", e.Actor, "path", e.Path, "status", string(e.Status), "reason", e.Reason, "metadata", e.Metadata)
}

// Worker executes exports one at a time in the background.
type Worker struct {
	store      Viewer
	blobs      blob.Store
	serializer *serialize.Serializer
	audit      AuditLogger
	logger     *slog.Logger
	metrics    *metrics.Metrics
	urlExpiry  time.Duration
	now        func() time.Time

	queue chan string
	mu    sync.RWMutex
	jobs  map[string]*Record

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger.OrDiscard(l) }
}

// WithMetrics counts exports by outcome.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithAudit records lifecycle events.
func WithAudit(a AuditLogger) Option {
	return func(w *Worker) { w.audit = a }
}

// WithQueueSize bounds the number of pending exports.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan string, n)
		}
	}
}

// WithURLExpiry sets the lifetime of artifact download URLs.
func WithURLExpiry(d time.Duration) Option {
	return func(w *Worker) { w.urlExpiry = d }
}

// NewWorker constructs an export worker; call Start to begin processing.
func NewWorker(store Viewer, blobs blob.Store, s *serialize.Serializer, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		store:      store,
		blobs:      blobs,
		serializer: s,
		logger:     logger.Discard(),
		urlExpiry:  time.Hour,
		now:        time.Now,
		queue:      make(chan string, 32),
		jobs:       map[string]*Record{},
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins processing queued exports.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop halts the worker and waits for the current export or ctx.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.queue:
			w.process(id)
		}
	}
}

// Enqueue validates and queues an export, returning the queued record.
func (w *Worker) Enqueue(ctx context.Context, in Input) (Record, error) {
	path, err := domain.CleanPath(in.Path)
	if err != nil {
		return Record{}, err
	}
	formats, err := normalizeFormats(in.Formats)
	if err != nil {
		return Record{}, err
	}
	if _, err := w.serializer.Enabled(in.Selectors); err != nil {
		return Record{}, err
	}
	err = w.store.View(ctx, func(v domain.TransactionView) error {
		n := v.Node(path)
		if !n.Exists() {
			return domain.NotFoundError{Kind: "node", ID: path}
		}
		if slices.Contains(formats, serialize.FormatCSV) && !n.IsNodeType(domain.NodeTypeQuestionnaire) {
			return fmt.Errorf("%w: csv is only available for questionnaires", serialize.ErrFormat)
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	now := w.now().UTC()
	rec := &Record{
		ID:          uuid.NewString(),
		Path:        path,
		Selectors:   slices.Clone(in.Selectors),
		Formats:     formats,
		Status:      StatusQueued,
		RequestedBy: in.RequestedBy,
		Reason:      in.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	w.mu.Lock()
	w.jobs[rec.ID] = rec
	snapshot := rec.clone()
	w.mu.Unlock()

	w.record(ctx, snapshot, nil)

	select {
	case w.queue <- rec.ID:
	default:
		w.mu.Lock()
		delete(w.jobs, rec.ID)
		w.mu.Unlock()
		snapshot.Status = StatusFailed
		w.record(ctx, snapshot, map[string]any{"error": ErrQueueFull.Error()})
		return Record{}, ErrQueueFull
	}
	return snapshot, nil
}

func normalizeFormats(in []string) ([]string, error) {
	if len(in) == 0 {
		return []string{serialize.FormatJSON}, nil
	}
	var out []string
	for _, f := range in {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != serialize.FormatJSON && f != serialize.FormatCSV {
			return nil, fmt.Errorf("%w: %q", serialize.ErrFormat, f)
		}
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out, nil
}

// Get returns a snapshot of an export record.
func (w *Worker) Get(id string) (Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	rec, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

type rendered struct {
	format      string
	contentType string
	payload     []byte
}

func (w *Worker) process(id string) {
	rec, ok := w.update(id, func(r *Record) { r.Status = StatusRunning })
	if !ok {
		return
	}
	w.record(w.ctx, rec, nil)

	outputs := make([]rendered, len(rec.Formats))
	err := w.store.View(w.ctx, func(v domain.TransactionView) error {
		n := v.Node(rec.Path)
		g, ctx := errgroup.WithContext(w.ctx)
		for i, format := range rec.Formats {
			i, format := i, format
			g.Go(func() error {
				out, err := w.render(ctx, v, n, rec.Selectors, format)
				outputs[i] = out
				return err
			})
		}
		return g.Wait()
	})
	if err != nil {
		w.fail(id, fmt.Errorf("render: %w", err))
		return
	}

	artifacts := make([]Artifact, 0, len(outputs))
	for _, out := range outputs {
		key := fmt.Sprintf("exports/%s.%s", id, out.format)
		info, err := w.blobs.Put(w.ctx, key, bytes.NewReader(out.payload), blob.PutOptions{
			ContentType: out.contentType,
			Metadata:    map[string]string{"export": id, "path": rec.Path},
		})
		if err != nil {
			w.fail(id, fmt.Errorf("store %s: %w", key, err))
			return
		}
		a := Artifact{Key: info.Key, Format: out.format, ContentType: out.contentType, SizeBytes: info.Size, CreatedAt: info.LastModified}
		if u, err := w.blobs.PresignURL(w.ctx, key, w.urlExpiry); err == nil {
			a.URL = u
		}
		artifacts = append(artifacts, a)
	}

	rec, _ = w.update(id, func(r *Record) {
		now := w.now().UTC()
		r.Status = StatusSucceeded
		r.Artifacts = artifacts
		r.CompletedAt = &now
	})
	for _, f := range rec.Formats {
		w.metrics.IncExport(f, string(StatusSucceeded))
	}
	w.logger.Info("export finished", "export", id, "path", rec.Path, "artifacts", len(artifacts))
	w.record(w.ctx, rec, map[string]any{"artifacts": len(artifacts)})
}

func (w *Worker) render(ctx context.Context, v domain.TransactionView, n domain.NodeState, selectors []string, format string) (rendered, error) {
	switch format {
	case serialize.FormatCSV:
		var buf bytes.Buffer
		if err := w.serializer.WriteCSV(ctx, v, n, selectors, &buf); err != nil {
			return rendered{}, err
		}
		return rendered{format: format, contentType: "text/csv", payload: buf.Bytes()}, nil
	default:
		out, err := w.serializer.Serialize(ctx, v, n, selectors)
		if err != nil {
			return rendered{}, err
		}
		payload, err := json.Marshal(out)
		if err != nil {
			return rendered{}, fmt.Errorf("marshal json: %w", err)
		}
		return rendered{format: format, contentType: "application/json", payload: payload}, nil
	}
}

func (w *Worker) update(id string, fn func(*Record)) (Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	fn(rec)
	rec.UpdatedAt = w.now().UTC()
	return rec.clone(), true
}

func (w *Worker) fail(id string, err error) {
	rec, ok := w.update(id, func(r *Record) {
		now := w.now().UTC()
		r.Status = StatusFailed
		r.Error = err.Error()
		r.CompletedAt = &now
	})
	if !ok {
		return
	}
	for _, f := range rec.Formats {
		w.metrics.IncExport(f, string(StatusFailed))
	}
	w.logger.Warn("export failed", "export", id, "path", rec.Path, "error", err)
	w.record(w.ctx, rec, map[string]any{"error": err.Error()})
}

func (w *Worker) record(ctx context.Context, rec Record, md map[string]any) {
	if w.audit == nil {
		return
	}
	w.audit.Record(ctx, AuditEntry{
		ID:         uuid.NewString(),
		ExportID:   rec.ID,
		Actor:      rec.RequestedBy,
		Path:       rec.Path,
		Status:     rec.Status,
		Reason:     rec.Reason,
		Metadata:   md,
		OccurredAt: rec.UpdatedAt,
	})
}
