// Package proms bundles the patient-reported outcome content model: the
// Patient and Visit subject types, the questionnaires the importer and the
// notification tasks rely on, and the editors and listeners that keep
// subjects, visits and pause/resume forms consistent.
package proms

import (
	"embed"
	"fmt"
	"log/slog"

	"cards/internal/core"
	"cards/internal/editors"
	"cards/internal/forms"
	"cards/internal/listeners"
	"cards/internal/mail"
	"cards/internal/observation"
	"cards/internal/platform/logger"
	"cards/internal/platform/metrics"
)

//go:embed definitions/*.yaml
var definitions embed.FS

// Config selects the optional behaviour of the bundle.
type Config struct {
	PauseResume  editors.PauseResumeConfig
	VisitNumbers []editors.VisitNumberConfig
	Alerts       listeners.AlertConfig
}

// Plugin implements core.Plugin.
type Plugin struct {
	cfg       Config
	store     listeners.Store
	sender    mail.Sender
	publisher observation.Listener
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures the plugin.
type Option func(*Plugin)

// WithStore enables the listeners that write back to the repository.
func WithStore(s listeners.Store) Option {
	return func(p *Plugin) { p.store = s }
}

// WithMailer enables answer alerts.
func WithMailer(s mail.Sender) Option {
	return func(p *Plugin) { p.sender = s }
}

// WithPublisher forwards committed changes to an event stream.
func WithPublisher(l observation.Listener) Option {
	return func(p *Plugin) { p.publisher = l }
}

// WithLogger sets the logger handed to editors and listeners.
func WithLogger(l *slog.Logger) Option {
	return func(p *Plugin) { p.logger = logger.OrDiscard(l) }
}

// WithMetrics sets the collectors handed to editors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Plugin) { p.metrics = m }
}

// New constructs the plugin.
func New(cfg Config, opts ...Option) *Plugin {
	p := &Plugin{cfg: cfg, logger: logger.Discard()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the plugin identifier.
func (*Plugin) Name() string { return "proms" }

// Version returns the plugin semantic version.
func (*Plugin) Version() string { return "1.0.0" }

// Register contributes the bundled content model.
func (p *Plugin) Register(registry *core.PluginRegistry) error {
	types, err := SubjectTypes()
	if err != nil {
		return err
	}
	questionnaires, err := Questionnaires()
	if err != nil {
		return err
	}
	registry.RegisterSubjectTypes(types...)
	registry.RegisterQuestionnaires(questionnaires...)

	opts := []editors.Option{editors.WithLogger(p.logger), editors.WithMetrics(p.metrics)}
	registry.RegisterEditor(editors.NewSubjectParentEditor(opts...))
	registry.RegisterEditor(editors.NewSubjectFullIdentifierEditor(opts...))
	registry.RegisterEditor(editors.NewRelatedSubjectsEditor(opts...))
	registry.RegisterEditor(editors.NewCompletionStatusEditor(opts...))
	registry.RegisterEditor(editors.NewPauseResumeEditor(p.cfg.PauseResume, opts...))
	if len(p.cfg.VisitNumbers) > 0 {
		registry.RegisterEditor(editors.NewVisitNumberEditor(p.cfg.VisitNumbers, opts...))
	}

	if p.store != nil {
		registry.RegisterListener(listeners.NewResumeFormReferenceListener(p.store, p.cfg.PauseResume, p.logger))
		if p.sender != nil && len(p.cfg.Alerts.Rules) > 0 {
			alerts, err := listeners.NewEmailAlertEventListener(p.store, p.sender, p.cfg.Alerts, p.metrics, p.logger)
			if err != nil {
				return err
			}
			registry.RegisterListener(alerts)
		}
	}
	if p.publisher != nil {
		registry.RegisterListener(p.publisher)
	}
	return nil
}

// Questionnaires decodes the bundled questionnaire definitions.
func Questionnaires() ([]forms.QuestionnaireDef, error) {
	data, err := definitions.ReadFile("definitions/questionnaires.yaml")
	if err != nil {
		return nil, fmt.Errorf("read bundled questionnaires: %w", err)
	}
	return forms.ParseQuestionnaires(data)
}

// SubjectTypes decodes the bundled subject type tree.
func SubjectTypes() ([]forms.SubjectTypeDef, error) {
	data, err := definitions.ReadFile("definitions/subject_types.yaml")
	if err != nil {
		return nil, fmt.Errorf("read bundled subject types: %w", err)
	}
	return forms.ParseSubjectTypes(data)
}
