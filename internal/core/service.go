// Package core wires the content store, commit editors, post-commit
// listeners and plugins into a single service.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cards/internal/forms"
	"cards/internal/observation"
	"cards/internal/platform/logger"
	"cards/internal/platform/metrics"
	"cards/internal/serialize"
	"cards/pkg/domain"
)

const tracerName = "cards/internal/core"

// Service exposes transactional access to the content tree with tracing and
// commit metrics, and owns the listener dispatcher.
type Service struct {
	store      PersistentStore
	dispatcher *observation.Dispatcher
	tracer     trace.Tracer
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu         sync.RWMutex
	plugins    map[string]PluginMetadata
	processors []serialize.Processor
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = logger.OrDiscard(l) }
}

// WithMetrics records commit outcomes and durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracerProvider overrides the global OpenTelemetry provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithDispatcher supplies a preconfigured dispatcher.
func WithDispatcher(d *observation.Dispatcher) Option {
	return func(s *Service) {
		if d != nil {
			s.dispatcher = d
		}
	}
}

// NewService constructs a service around store and installs its dispatcher
// as the store observer.
func NewService(store PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:   store,
		logger:  logger.Discard(),
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
		plugins: make(map[string]PluginMetadata),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dispatcher == nil {
		s.dispatcher = observation.NewDispatcher(observation.WithLogger(s.logger), observation.WithMetrics(s.metrics))
	}
	store.SetObserver(s.dispatcher)
	return s
}

// Store returns the underlying store.
func (s *Service) Store() PersistentStore { return s.store }

// Dispatcher returns the listener dispatcher.
func (s *Service) Dispatcher() *observation.Dispatcher { return s.dispatcher }

// Start begins delivering committed changes to listeners.
func (s *Service) Start(ctx context.Context) { s.dispatcher.Start(ctx) }

// Flush waits until queued change batches have been delivered.
func (s *Service) Flush(ctx context.Context) error { return s.dispatcher.Flush(ctx) }

// Stop ends listener delivery and closes the store when it holds resources.
func (s *Service) Stop(ctx context.Context) error {
	err := s.dispatcher.Stop(ctx)
	if c, ok := s.store.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

// RunInTransaction commits fn through the store inside a trace span.
func (s *Service) RunInTransaction(ctx context.Context, fn func(Transaction) error) (domain.Result, error) {
	ctx, span := s.tracer.Start(ctx, "cards.commit", trace.WithAttributes(attribute.String("cards.user", domain.UserFrom(ctx))))
	defer span.End()
	start := s.now()
	res, err := s.store.RunInTransaction(ctx, fn)
	outcome := "committed"
	var violation domain.RuleViolationError
	switch {
	case errors.As(err, &violation):
		outcome = "blocked"
	case err != nil:
		outcome = "failed"
	}
	s.metrics.ObserveCommit(outcome, s.now().Sub(start))
	span.SetAttributes(attribute.String("cards.commit.outcome", outcome), attribute.Int("cards.commit.violations", len(res.Violations)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Debug("commit rejected", "user", domain.UserFrom(ctx), "outcome", outcome, "error", err)
	}
	return res, err
}

// View reads committed state inside a trace span.
func (s *Service) View(ctx context.Context, fn func(TransactionView) error) error {
	ctx, span := s.tracer.Start(ctx, "cards.view")
	defer span.End()
	err := s.store.View(ctx, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// InstallPlugin installs the plugin's questionnaires and subject types in one
// commit, then registers its editors and listeners.
func (s *Service) InstallPlugin(ctx context.Context, p Plugin) (PluginMetadata, error) {
	if p == nil || p.Name() == "" {
		return PluginMetadata{}, fmt.Errorf("plugin name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plugins[p.Name()]; exists {
		return PluginMetadata{}, fmt.Errorf("plugin %s already installed", p.Name())
	}
	reg := NewPluginRegistry()
	if err := p.Register(reg); err != nil {
		return PluginMetadata{}, fmt.Errorf("register plugin %s: %w", p.Name(), err)
	}
	if len(reg.questionnaires) > 0 || len(reg.subjectTypes) > 0 {
		_, err := s.RunInTransaction(ctx, func(tx Transaction) error {
			if len(reg.subjectTypes) > 0 {
				if err := forms.InstallSubjectTypes(tx, reg.subjectTypes); err != nil {
					return err
				}
			}
			for _, def := range reg.questionnaires {
				if _, err := forms.InstallQuestionnaire(tx, def); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return PluginMetadata{}, fmt.Errorf("install plugin %s: %w", p.Name(), err)
		}
	}
	for _, e := range reg.editors {
		s.store.Hooks().Register(e)
	}
	for _, l := range reg.listeners {
		s.dispatcher.Register(l)
	}
	s.processors = append(s.processors, reg.processors...)
	meta := describe(p, reg)
	s.plugins[p.Name()] = meta
	s.logger.Info("plugin installed", "plugin", meta.Name, "version", meta.Version,
		"questionnaires", len(meta.Questionnaires), "editors", len(meta.Editors), "listeners", len(meta.Listeners))
	return meta, nil
}

// InstalledPlugins returns plugin metadata sorted by name.
func (s *Service) InstalledPlugins() []PluginMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PluginMetadata, 0, len(s.plugins))
	for _, m := range s.plugins {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Processors returns the serialization processors contributed by plugins.
func (s *Service) Processors() []serialize.Processor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]serialize.Processor(nil), s.processors...)
}
