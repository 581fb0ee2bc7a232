// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application. Every method is
// safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	Commits          *prometheus.CounterVec
	CommitDuration   prometheus.Histogram
	EditorFailures   *prometheus.CounterVec
	ListenerFailures *prometheus.CounterVec
	ImportRows       *prometheus.CounterVec
	EmailsSent       *prometheus.CounterVec
	Exports          *prometheus.CounterVec
	SerializeLatency *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Commits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cards_commits_total",
			Help: "Content repository commits by outcome",
		}, []string{"outcome"}),
		CommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cards_commit_duration_seconds",
			Help:    "Time spent committing, editors included",
			Buckets: prometheus.DefBuckets,
		}),
		EditorFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cards_editor_failures_total",
			Help: "Units of work abandoned by commit editors",
		}, []string{"editor"}),
		ListenerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cards_listener_failures_total",
			Help: "Post-commit listener invocations that returned an error",
		}, []string{"listener"}),
		ImportRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cards_import_rows_total",
			Help: "Imported rows by outcome",
		}, []string{"outcome"}),
		EmailsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cards_emails_sent_total",
			Help: "E-mails sent by task",
		}, []string{"task"}),
		Exports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cards_exports_total",
			Help: "Export jobs by format and status",
		}, []string{"format", "status"}),
		SerializeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cards_serialize_duration_seconds",
			Help:    "Time spent serializing a resource",
			Buckets: prometheus.DefBuckets,
		}, []string{"format"}),
	}
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCommit records a commit outcome and its duration.
func (m *Metrics) ObserveCommit(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Commits.WithLabelValues(outcome).Inc()
	m.CommitDuration.Observe(d.Seconds())
}

// IncEditorFailure counts an abandoned editor unit of work.
func (m *Metrics) IncEditorFailure(editor string) {
	if m == nil {
		return
	}
	m.EditorFailures.WithLabelValues(editor).Inc()
}

// IncListenerFailure counts a failed listener invocation.
func (m *Metrics) IncListenerFailure(listener string) {
	if m == nil {
		return
	}
	m.ListenerFailures.WithLabelValues(listener).Inc()
}

// IncImportRow counts an import row by outcome (persisted, discarded, failed).
func (m *Metrics) IncImportRow(outcome string) {
	if m == nil {
		return
	}
	m.ImportRows.WithLabelValues(outcome).Inc()
}

// AddEmailsSent adds n sent e-mails for a task.
func (m *Metrics) AddEmailsSent(task string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EmailsSent.WithLabelValues(task).Add(float64(n))
}

// IncExport counts an export by format and terminal status.
func (m *Metrics) IncExport(format, status string) {
	if m == nil {
		return
	}
	m.Exports.WithLabelValues(format, status).Inc()
}

// ObserveSerialize records how long a serialization took.
func (m *Metrics) ObserveSerialize(format string, d time.Duration) {
	if m == nil {
		return
	}
	m.SerializeLatency.WithLabelValues(format).Observe(d.Seconds())
}
