package core

import (
	"slices"

	"cards/internal/forms"
	"cards/internal/observation"
	"cards/internal/serialize"
	"cards/pkg/domain"
)

// Plugin is a bundle of questionnaires, subject types, commit editors,
// post-commit listeners and serialization processors installed as a unit.
type Plugin interface {
	Name() string
	Version() string
	Register(registry *PluginRegistry) error
}

// PluginRegistry accumulates plugin contributions during registration.
type PluginRegistry struct {
	editors        []domain.EditorProvider
	listeners      []observation.Listener
	processors     []serialize.Processor
	questionnaires []forms.QuestionnaireDef
	subjectTypes   []forms.SubjectTypeDef
}

// NewPluginRegistry constructs an empty registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{}
}

// RegisterEditor adds a commit editor provider.
func (r *PluginRegistry) RegisterEditor(p domain.EditorProvider) {
	if p == nil {
		return
	}
	r.editors = append(r.editors, p)
}

// RegisterListener adds a post-commit listener.
func (r *PluginRegistry) RegisterListener(l observation.Listener) {
	if l == nil {
		return
	}
	r.listeners = append(r.listeners, l)
}

// RegisterProcessor adds a serialization processor.
func (r *PluginRegistry) RegisterProcessor(p serialize.Processor) {
	if p == nil {
		return
	}
	r.processors = append(r.processors, p)
}

// RegisterQuestionnaires schedules questionnaires for installation.
func (r *PluginRegistry) RegisterQuestionnaires(defs ...forms.QuestionnaireDef) {
	r.questionnaires = append(r.questionnaires, defs...)
}

// RegisterSubjectTypes schedules subject types for installation.
func (r *PluginRegistry) RegisterSubjectTypes(defs ...forms.SubjectTypeDef) {
	r.subjectTypes = append(r.subjectTypes, defs...)
}

// Editors returns a copy of the registered editor providers.
func (r *PluginRegistry) Editors() []domain.EditorProvider { return slices.Clone(r.editors) }

// Listeners returns a copy of the registered listeners.
func (r *PluginRegistry) Listeners() []observation.Listener { return slices.Clone(r.listeners) }

// Processors returns a copy of the registered processors.
func (r *PluginRegistry) Processors() []serialize.Processor { return slices.Clone(r.processors) }

// Questionnaires returns a copy of the registered questionnaire definitions.
func (r *PluginRegistry) Questionnaires() []forms.QuestionnaireDef {
	return slices.Clone(r.questionnaires)
}

// SubjectTypes returns a copy of the registered subject type definitions.
func (r *PluginRegistry) SubjectTypes() []forms.SubjectTypeDef { return slices.Clone(r.subjectTypes) }

// PluginMetadata describes an installed plugin.
type PluginMetadata struct {
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	Questionnaires []string `json:"questionnaires,omitempty"`
	SubjectTypes   []string `json:"subjectTypes,omitempty"`
	Editors        []string `json:"editors,omitempty"`
	Listeners      []string `json:"listeners,omitempty"`
	Processors     []string `json:"processors,omitempty"`
}

func describe(p Plugin, r *PluginRegistry) PluginMetadata {
	meta := PluginMetadata{Name: p.Name(), Version: p.Version()}
	for _, q := range r.questionnaires {
		meta.Questionnaires = append(meta.Questionnaires, q.Name)
	}
	for _, t := range r.subjectTypes {
		meta.SubjectTypes = append(meta.SubjectTypes, t.Name)
	}
	for _, e := range r.editors {
		meta.Editors = append(meta.Editors, e.Name())
	}
	for _, l := range r.listeners {
		meta.Listeners = append(meta.Listeners, l.Name())
	}
	for _, pr := range r.processors {
		meta.Processors = append(meta.Processors, pr.Name())
	}
	return meta
}
